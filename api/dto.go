/*
dto.go - Request/response data structures

PURPOSE:
  JSON shapes for the HTTP API, kept separate from domain types so the
  wire format can evolve without breaking the ledger. Money travels as
  strings to preserve decimal precision across clients.

NAMING CONVENTION:
  - *DTO: response types returned to clients
  - *Request: request body types from clients

SEE ALSO:
  - handlers.go: where these are populated
*/
package api

import (
	"time"

	"github.com/cedro/school-ledger/billing"
	"github.com/cedro/school-ledger/finance"
	"github.com/cedro/school-ledger/fiscal"
	"github.com/cedro/school-ledger/recon"
)

// =============================================================================
// REQUESTS
// =============================================================================

type CreateChargeRequest struct {
	StudentID string `json:"student_id"`
	ConceptID string `json:"concept_id"`
	CycleID   string `json:"cycle_id"`
	Period    string `json:"period"`
	Amount    string `json:"amount"`
	Discount  string `json:"discount,omitempty"`
	Surcharge string `json:"surcharge,omitempty"`
	TaxRate   string `json:"tax_rate,omitempty"`
	DueDate   string `json:"due_date,omitempty"` // YYYY-MM-DD
}

type ApplyPaymentRequest struct {
	Amount    string `json:"amount"`
	Method    string `json:"method"`
	Reference string `json:"reference,omitempty"`
	Date      string `json:"date,omitempty"` // YYYY-MM-DD
}

type GenerateChargesRequest struct {
	CycleID string `json:"cycle_id"`
	Year    int    `json:"year"`
	Month   int    `json:"month"`
}

type GrantScholarshipRequest struct {
	StudentID string `json:"student_id"`
	Kind      string `json:"kind"`
	Value     string `json:"value"`
	Start     string `json:"start"` // YYYY-MM-DD
	End       string `json:"end"`   // YYYY-MM-DD
}

type ReceiverRequest struct {
	Name  string `json:"name"`
	TaxID string `json:"tax_id,omitempty"`
	Email string `json:"email,omitempty"`
}

type IssueDocumentRequest struct {
	ChargeID string          `json:"charge_id"`
	Receiver ReceiverRequest `json:"receiver"`
}

type StampDocumentRequest struct {
	Force bool `json:"force,omitempty"`
}

type CancelDocumentRequest struct {
	Reason string `json:"reason"`
}

type CreateStudentRequest struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type ChargeDTO struct {
	ID             string  `json:"id"`
	Folio          string  `json:"folio"`
	StudentID      string  `json:"student_id"`
	ConceptID      string  `json:"concept_id"`
	CycleID        string  `json:"cycle_id"`
	Period         string  `json:"period"`
	Amount         string  `json:"amount"`
	Discount       string  `json:"discount"`
	Surcharge      string  `json:"surcharge"`
	TaxRate        string  `json:"tax_rate"`
	Subtotal       string  `json:"subtotal"`
	Total          string  `json:"total"`
	AmountReceived string  `json:"amount_received"`
	PendingBalance string  `json:"pending_balance"`
	State          string  `json:"state"`
	IssuedAt       string  `json:"issued_at"`
	DueDate        *string `json:"due_date,omitempty"`
	PaidAt         *string `json:"paid_at,omitempty"`
}

func toChargeDTO(c *finance.Charge) ChargeDTO {
	dto := ChargeDTO{
		ID:             string(c.ID),
		Folio:          c.Folio,
		StudentID:      string(c.StudentID),
		ConceptID:      string(c.ConceptID),
		CycleID:        string(c.CycleID),
		Period:         string(c.Period),
		Amount:         c.Amount.StringFixed(2),
		Discount:       c.Discount.StringFixed(2),
		Surcharge:      c.Surcharge.StringFixed(2),
		TaxRate:        c.TaxRate.String(),
		Subtotal:       c.Subtotal().StringFixed(2),
		Total:          c.Total().StringFixed(2),
		AmountReceived: c.AmountReceived.StringFixed(2),
		PendingBalance: c.PendingBalance().StringFixed(2),
		State:          string(c.State),
		IssuedAt:       c.IssuedAt.Format(time.RFC3339),
	}
	if c.DueDate != nil {
		d := c.DueDate.Format("2006-01-02")
		dto.DueDate = &d
	}
	if c.PaidAt != nil {
		p := c.PaidAt.Format(time.RFC3339)
		dto.PaidAt = &p
	}
	return dto
}

type PaymentDTO struct {
	ID        string `json:"id"`
	ChargeID  string `json:"charge_id"`
	Amount    string `json:"amount"`
	Method    string `json:"method"`
	Reference string `json:"reference,omitempty"`
	PaidAt    string `json:"paid_at"`
}

func toPaymentDTO(p *finance.Payment) PaymentDTO {
	return PaymentDTO{
		ID:        string(p.ID),
		ChargeID:  string(p.ChargeID),
		Amount:    p.Amount.StringFixed(2),
		Method:    string(p.Method),
		Reference: p.Reference,
		PaidAt:    p.PaidAt.Format(time.RFC3339),
	}
}

type ScholarshipDTO struct {
	ID        string `json:"id"`
	StudentID string `json:"student_id"`
	Kind      string `json:"kind"`
	Value     string `json:"value"`
	Start     string `json:"start"`
	End       string `json:"end"`
	Active    bool   `json:"active"`
}

func toScholarshipDTO(s *finance.Scholarship) ScholarshipDTO {
	return ScholarshipDTO{
		ID:        string(s.ID),
		StudentID: string(s.StudentID),
		Kind:      string(s.Kind),
		Value:     s.Value.String(),
		Start:     s.Start.Format("2006-01-02"),
		End:       s.End.Format("2006-01-02"),
		Active:    s.Active,
	}
}

type StatementLineDTO struct {
	Charge   ChargeDTO    `json:"charge"`
	Payments []PaymentDTO `json:"payments"`
}

type StatementDTO struct {
	StudentID      string             `json:"student_id"`
	StudentName    string             `json:"student_name"`
	Lines          []StatementLineDTO `json:"lines"`
	TotalCharged   string             `json:"total_charged"`
	TotalReceived  string             `json:"total_received"`
	Balance        string             `json:"balance"`
	PendingBalance string             `json:"pending_balance"`
	GeneratedAt    string             `json:"generated_at"`
}

func toStatementDTO(st *finance.Statement) StatementDTO {
	dto := StatementDTO{
		StudentID:      string(st.StudentID),
		StudentName:    st.StudentName,
		Lines:          make([]StatementLineDTO, 0, len(st.Lines)),
		TotalCharged:   st.TotalCharged.StringFixed(2),
		TotalReceived:  st.TotalReceived.StringFixed(2),
		Balance:        st.Balance.StringFixed(2),
		PendingBalance: st.PendingBalance.StringFixed(2),
		GeneratedAt:    st.GeneratedAt.Format(time.RFC3339),
	}
	for _, line := range st.Lines {
		ldto := StatementLineDTO{Charge: toChargeDTO(line.Charge)}
		for _, p := range line.Payments {
			ldto.Payments = append(ldto.Payments, toPaymentDTO(p))
		}
		dto.Lines = append(dto.Lines, ldto)
	}
	return dto
}

type DocumentDTO struct {
	ID           string  `json:"id"`
	ChargeID     string  `json:"charge_id"`
	Folio        string  `json:"folio"`
	ReceiverName string  `json:"receiver_name"`
	Subtotal     string  `json:"subtotal"`
	Tax          string  `json:"tax"`
	Total        string  `json:"total"`
	StampID      string  `json:"stamp_id,omitempty"`
	State        string  `json:"state"`
	RetryCount   int     `json:"retry_count"`
	LastError    string  `json:"last_error,omitempty"`
	CancelReason string  `json:"cancel_reason,omitempty"`
	IssuedAt     string  `json:"issued_at"`
	StampedAt    *string `json:"stamped_at,omitempty"`
	CancelledAt  *string `json:"cancelled_at,omitempty"`
}

func toDocumentDTO(d *fiscal.Document) DocumentDTO {
	dto := DocumentDTO{
		ID:           string(d.ID),
		ChargeID:     string(d.ChargeID),
		Folio:        d.Folio,
		ReceiverName: d.ReceiverName,
		Subtotal:     d.Subtotal.StringFixed(2),
		Tax:          d.Tax.StringFixed(2),
		Total:        d.Total.StringFixed(2),
		StampID:      d.StampID,
		State:        string(d.State),
		RetryCount:   d.RetryCount,
		LastError:    d.LastError,
		CancelReason: d.CancelReason,
		IssuedAt:     d.IssuedAt.Format(time.RFC3339),
	}
	if d.StampedAt != nil {
		s := d.StampedAt.Format(time.RFC3339)
		dto.StampedAt = &s
	}
	if d.CancelledAt != nil {
		c := d.CancelledAt.Format(time.RFC3339)
		dto.CancelledAt = &c
	}
	return dto
}

type AuditEntryDTO struct {
	Event       string `json:"event"`
	Description string `json:"description,omitempty"`
	ErrorDetail string `json:"error_detail,omitempty"`
	At          string `json:"at"`
}

func toAuditDTO(entries []*fiscal.AuditEntry) []AuditEntryDTO {
	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = AuditEntryDTO{
			Event:       string(e.Event),
			Description: e.Description,
			ErrorDetail: e.ErrorDetail,
			At:          e.At.Format(time.RFC3339),
		}
	}
	return dtos
}

type GenerationSummaryDTO struct {
	CycleID string         `json:"cycle_id"`
	Period  string         `json:"period"`
	Created int            `json:"created"`
	Skipped int            `json:"skipped"`
	Errors  []ItemErrorDTO `json:"errors"`
}

type ItemErrorDTO struct {
	StudentID string `json:"student_id"`
	ConceptID string `json:"concept_id"`
	Error     string `json:"error"`
}

func toSummaryDTO(s *billing.Summary) GenerationSummaryDTO {
	dto := GenerationSummaryDTO{
		CycleID: string(s.CycleID),
		Period:  string(s.Period),
		Created: s.Created,
		Skipped: s.Skipped,
		Errors:  make([]ItemErrorDTO, 0, len(s.Errors)),
	}
	for _, e := range s.Errors {
		dto.Errors = append(dto.Errors, ItemErrorDTO{
			StudentID: string(e.StudentID),
			ConceptID: string(e.ConceptID),
			Error:     e.Err,
		})
	}
	return dto
}

type ReconResultDTO struct {
	Total   int             `json:"total"`
	Matched int             `json:"matched"`
	Errors  []ReconErrorDTO `json:"errors"`
}

type ReconErrorDTO struct {
	Line        int    `json:"line"`
	Description string `json:"description,omitempty"`
	Reason      string `json:"reason"`
	Error       string `json:"error"`
}

func toReconResultDTO(res *recon.Result, parseErrs []recon.RowError) ReconResultDTO {
	dto := ReconResultDTO{Total: res.Total + len(parseErrs), Matched: res.Matched}
	all := make([]recon.RowError, 0, len(parseErrs)+len(res.Errors))
	all = append(all, parseErrs...)
	all = append(all, res.Errors...)
	dto.Errors = make([]ReconErrorDTO, 0, len(all))
	for _, e := range all {
		dto.Errors = append(dto.Errors, ReconErrorDTO{
			Line:        e.Line,
			Description: e.Description,
			Reason:      string(e.Reason),
			Error:       e.Err,
		})
	}
	return dto
}

type StudentDTO struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email,omitempty"`
	Active bool   `json:"active"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
