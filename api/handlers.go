/*
handlers.go - HTTP handlers for the school ledger

PURPOSE:
  Exposes the charge ledger, billing generator, reconciliation matcher and
  fiscal document engine over REST. Handlers parse and validate the wire
  format, delegate to domain logic and map domain errors onto HTTP status
  codes. No business rules live here.

ERROR HANDLING:
  Domain errors map to status codes by category:
  - NotFoundError            -> 404
  - ValidationError          -> 400
  - BusinessRuleViolation    -> 409
  - TransientStoreFailure    -> 503
  - ExternalDependencyFailure-> 502
  - anything else            -> 500

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: request/response shapes
  - server.go: router setup and middleware
*/
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/cedro/school-ledger/billing"
	"github.com/cedro/school-ledger/finance"
	"github.com/cedro/school-ledger/fiscal"
	"github.com/cedro/school-ledger/notify"
	"github.com/cedro/school-ledger/recon"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store        finance.Store
	Ledger       *finance.Ledger
	Scholarships *finance.Scholarships
	Statements   *finance.StatementBuilder
	Generator    *billing.Generator
	Engine       *fiscal.Engine
	Matcher      *recon.Matcher
	Notifier     notify.Sender
	Log          *logrus.Logger
}

// =============================================================================
// CHARGE HANDLERS
// =============================================================================

// CreateCharge creates a manual charge.
func (h *Handler) CreateCharge(w http.ResponseWriter, r *http.Request) {
	var req CreateChargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	amount, err := parseMoney(req.Amount, "amount", true)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	discount, err := parseMoney(req.Discount, "discount", false)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	surcharge, err := parseMoney(req.Surcharge, "surcharge", false)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	taxRate, err := parseMoney(req.TaxRate, "tax_rate", false)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	in := finance.CreateChargeInput{
		StudentID: finance.StudentID(req.StudentID),
		ConceptID: finance.ConceptID(req.ConceptID),
		CycleID:   finance.CycleID(req.CycleID),
		Period:    finance.Period(req.Period),
		Amount:    amount,
		Discount:  discount,
		Surcharge: surcharge,
		TaxRate:   taxRate,
	}
	if req.DueDate != "" {
		due, err := time.Parse("2006-01-02", req.DueDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid due_date, want YYYY-MM-DD", err)
			return
		}
		in.DueDate = &due
	}

	charge, err := h.Ledger.CreateCharge(r.Context(), in)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toChargeDTO(charge))
}

// GetCharge returns one charge.
func (h *Handler) GetCharge(w http.ResponseWriter, r *http.Request) {
	charge, err := h.Store.GetCharge(r.Context(), finance.ChargeID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toChargeDTO(charge))
}

// ApplyPayment registers a payment against a charge.
func (h *Handler) ApplyPayment(w http.ResponseWriter, r *http.Request) {
	var req ApplyPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	amount, err := parseMoney(req.Amount, "amount", true)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	in := finance.PaymentInput{
		Amount:    amount,
		Method:    finance.PaymentMethod(req.Method),
		Reference: req.Reference,
	}
	if req.Date != "" {
		d, err := time.Parse("2006-01-02", req.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid date, want YYYY-MM-DD", err)
			return
		}
		in.Date = d
	}

	chargeID := finance.ChargeID(chi.URLParam(r, "id"))
	charge, err := h.Ledger.ApplyPayment(r.Context(), chargeID, in)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.notifyPayment(r, charge, amount)
	writeJSON(w, http.StatusOK, toChargeDTO(charge))
}

func (h *Handler) notifyPayment(r *http.Request, charge *finance.Charge, amount decimal.Decimal) {
	if h.Notifier == nil {
		return
	}
	student, err := h.Store.GetStudent(r.Context(), charge.StudentID)
	if err != nil || student.Email == "" {
		return
	}
	// Best-effort: the sender logs its own failures.
	_ = h.Notifier.PaymentReceived(student.Email, charge, amount)
}

// CancelCharge cancels a charge without payments.
func (h *Handler) CancelCharge(w http.ResponseWriter, r *http.Request) {
	charge, err := h.Ledger.Cancel(r.Context(), finance.ChargeID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toChargeDTO(charge))
}

// ListPayments returns the payment history of a charge.
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	chargeID := finance.ChargeID(chi.URLParam(r, "id"))
	if _, err := h.Store.GetCharge(r.Context(), chargeID); err != nil {
		writeDomainError(w, err)
		return
	}
	payments, err := h.Store.PaymentsByCharge(r.Context(), chargeID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]PaymentDTO, len(payments))
	for i, p := range payments {
		dtos[i] = toPaymentDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// STUDENT HANDLERS
// =============================================================================

// CreateStudent registers a student.
func (h *Handler) CreateStudent(w http.ResponseWriter, r *http.Request) {
	var req CreateStudentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name must not be empty", nil)
		return
	}
	student := &finance.Student{
		ID:        finance.StudentID(uuid.NewString()),
		Name:      req.Name,
		Email:     req.Email,
		Active:    true,
		CreatedAt: time.Now(),
	}
	if err := h.Store.InsertStudent(r.Context(), student); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, StudentDTO{
		ID: string(student.ID), Name: student.Name, Email: student.Email, Active: student.Active,
	})
}

// ListStudents returns all active students.
func (h *Handler) ListStudents(w http.ResponseWriter, r *http.Request) {
	students, err := h.Store.ActiveStudents(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]StudentDTO, len(students))
	for i, s := range students {
		dtos[i] = StudentDTO{ID: string(s.ID), Name: s.Name, Email: s.Email, Active: s.Active}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetStatement builds the student's account statement.
func (h *Handler) GetStatement(w http.ResponseWriter, r *http.Request) {
	st, err := h.Statements.BuildStatement(r.Context(), finance.StudentID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatementDTO(st))
}

// =============================================================================
// SCHOLARSHIP HANDLERS
// =============================================================================

// GrantScholarship creates a scholarship grant.
func (h *Handler) GrantScholarship(w http.ResponseWriter, r *http.Request) {
	var req GrantScholarshipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	value, err := parseMoney(req.Value, "value", true)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	start, err := time.Parse("2006-01-02", req.Start)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid start, want YYYY-MM-DD", err)
		return
	}
	end, err := time.Parse("2006-01-02", req.End)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid end, want YYYY-MM-DD", err)
		return
	}

	grant, err := h.Scholarships.Grant(r.Context(), finance.GrantInput{
		StudentID: finance.StudentID(req.StudentID),
		Kind:      finance.ScholarshipKind(req.Kind),
		Value:     value,
		Start:     start,
		End:       end,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toScholarshipDTO(grant))
}

// RevokeScholarship deactivates a grant.
func (h *Handler) RevokeScholarship(w http.ResponseWriter, r *http.Request) {
	id := finance.ScholarshipID(chi.URLParam(r, "id"))
	if err := h.Scholarships.Revoke(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// BILLING HANDLERS
// =============================================================================

// GenerateCharges runs the monthly batch generator.
func (h *Handler) GenerateCharges(w http.ResponseWriter, r *http.Request) {
	var req GenerateChargesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	summary, err := h.Generator.GenerateMonthly(r.Context(),
		finance.CycleID(req.CycleID), req.Year, time.Month(req.Month))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryDTO(summary))
}

// =============================================================================
// RECONCILIATION HANDLERS
// =============================================================================

// ProcessFeed ingests a CSV bank feed from the request body and matches
// every row against the ledger.
func (h *Handler) ProcessFeed(w http.ResponseWriter, r *http.Request) {
	rows, parseErrs, err := recon.ParseFeed(r.Body, recon.DefaultFeedConfig())
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable transaction feed", err)
		return
	}
	result, err := h.Matcher.Process(r.Context(), rows)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReconResultDTO(result, parseErrs))
}

// =============================================================================
// FISCAL DOCUMENT HANDLERS
// =============================================================================

// IssueDocument creates a Draft fiscal document for a charge.
func (h *Handler) IssueDocument(w http.ResponseWriter, r *http.Request) {
	var req IssueDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	doc, err := h.Engine.Issue(r.Context(), finance.ChargeID(req.ChargeID), fiscal.Receiver{
		Name:  req.Receiver.Name,
		TaxID: req.Receiver.TaxID,
		Email: req.Receiver.Email,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDocumentDTO(doc))
}

// GetDocument returns one fiscal document.
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.Engine.Get(r.Context(), fiscal.DocumentID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDocumentDTO(doc))
}

// StampDocument submits the document to the stamping provider.
func (h *Handler) StampDocument(w http.ResponseWriter, r *http.Request) {
	var req StampDocumentRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", err)
			return
		}
	}
	doc, err := h.Engine.Stamp(r.Context(), fiscal.DocumentID(chi.URLParam(r, "id")), req.Force)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.notifyStamped(r, doc)
	writeJSON(w, http.StatusOK, toDocumentDTO(doc))
}

func (h *Handler) notifyStamped(r *http.Request, doc *fiscal.Document) {
	if h.Notifier == nil {
		return
	}
	charge, err := h.Store.GetCharge(r.Context(), doc.ChargeID)
	if err != nil {
		return
	}
	student, err := h.Store.GetStudent(r.Context(), charge.StudentID)
	if err != nil || student.Email == "" {
		return
	}
	_ = h.Notifier.DocumentStamped(student.Email, doc.Folio, doc.Total)
}

// CancelDocument cancels a stamped document.
func (h *Handler) CancelDocument(w http.ResponseWriter, r *http.Request) {
	var req CancelDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	doc, err := h.Engine.Cancel(r.Context(), fiscal.DocumentID(chi.URLParam(r, "id")), req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDocumentDTO(doc))
}

// GetAuditTrail returns the document's audit log.
func (h *Handler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Engine.AuditTrail(r.Context(), fiscal.DocumentID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditDTO(entries))
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func parseMoney(raw, field string, required bool) (decimal.Decimal, error) {
	if raw == "" {
		if required {
			return decimal.Zero, &finance.ValidationError{Field: field, Message: "must not be empty"}
		}
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, &finance.ValidationError{Field: field, Message: "must be a decimal number"}
	}
	return d, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, err error) {
	resp := ErrorResponse{Error: msg}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps domain error categories to HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case finance.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not found", err)
	case finance.IsValidation(err):
		writeError(w, http.StatusBadRequest, "validation failed", err)
	case finance.IsBusinessRule(err):
		writeError(w, http.StatusConflict, "business rule violated", err)
	case finance.IsRetryable(err):
		writeError(w, http.StatusServiceUnavailable, "storage temporarily unavailable", err)
	case finance.IsExternal(err):
		writeError(w, http.StatusBadGateway, "external dependency failed", err)
	default:
		writeError(w, http.StatusInternalServerError, "internal error", err)
	}
}
