/*
Package notify sends payment receipts and fiscal document notices by email.

PURPOSE:
  After a payment is applied or a document is stamped, the payer gets a
  short plain-text notice. Delivery is best-effort: a failed send is
  logged and reported to the caller, but callers never roll back ledger
  state over it.
*/
package notify

import (
	"fmt"
	"net/smtp"
	"time"

	"github.com/jordan-wright/email"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/cedro/school-ledger/finance"
)

// Sender delivers notifications. Implementations must be safe for
// concurrent use.
type Sender interface {
	PaymentReceived(to string, charge *finance.Charge, amount decimal.Decimal) error
	DocumentStamped(to string, folio string, total decimal.Decimal) error
}

// SMTPSender sends notices through a plain SMTP relay.
type SMTPSender struct {
	Addr string // host:port
	From string
	Auth smtp.Auth
	log  *logrus.Logger
}

// NewSMTPSender builds a sender. auth may be nil for unauthenticated relays.
func NewSMTPSender(host string, port int, from, username, password string, log *logrus.Logger) *SMTPSender {
	var auth smtp.Auth
	if username != "" {
		auth = smtp.PlainAuth("", username, password, host)
	}
	if log == nil {
		log = logrus.New()
	}
	return &SMTPSender{
		Addr: fmt.Sprintf("%s:%d", host, port),
		From: from,
		Auth: auth,
		log:  log,
	}
}

func (s *SMTPSender) PaymentReceived(to string, charge *finance.Charge, amount decimal.Decimal) error {
	e := email.NewEmail()
	e.From = s.From
	e.To = []string{to}
	e.Subject = fmt.Sprintf("Payment received for %s", charge.Folio)
	e.Text = []byte(fmt.Sprintf(
		"We received a payment of %s against charge %s.\nPending balance: %s.\n",
		amount.StringFixed(2), charge.Folio, charge.PendingBalance().StringFixed(2)))
	return s.send(e)
}

func (s *SMTPSender) DocumentStamped(to string, folio string, total decimal.Decimal) error {
	e := email.NewEmail()
	e.From = s.From
	e.To = []string{to}
	e.Subject = fmt.Sprintf("Fiscal document %s issued", folio)
	e.Text = []byte(fmt.Sprintf(
		"Your fiscal document %s for %s was stamped on %s.\n",
		folio, total.StringFixed(2), time.Now().Format("2006-01-02")))
	return s.send(e)
}

func (s *SMTPSender) send(e *email.Email) error {
	if err := e.Send(s.Addr, s.Auth); err != nil {
		s.log.WithError(err).WithField("to", e.To).Warn("notification send failed")
		return fmt.Errorf("%w: %v", finance.ErrExternalDependency, err)
	}
	return nil
}

// NopSender discards every notification. Used when SMTP is not configured.
type NopSender struct{}

func (NopSender) PaymentReceived(string, *finance.Charge, decimal.Decimal) error { return nil }
func (NopSender) DocumentStamped(string, string, decimal.Decimal) error          { return nil }
