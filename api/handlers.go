/*
handlers.go - HTTP API handlers for the billing engine

PURPOSE:
  Exposes the billing engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to billing.Engine.

ENDPOINTS:
  Contracts:
    GET    /api/contracts                          List (student_id, class_id, status)
    POST   /api/contracts                          Create + generate installments
    GET    /api/contracts/{id}                     Contract with installments
    PATCH  /api/contracts/{id}                     Amend
    DELETE /api/contracts/{id}                     Delete (no payments only)
    POST   /api/contracts/{id}/cancel              Cancel
    POST   /api/contracts/{id}/close               Close
    POST   /api/contracts/{id}/installments        Generate (?force=true)
    POST   /api/contracts/{id}/installments/{seq}/entry  Ensure ledger entry
    POST   /api/contracts/{id}/realign             Due date / amount migrations
    POST   /api/contracts/{id}/reconcile           Reconcile one contract
    GET    /api/contracts/{id}/diagnosis           Drift report

  Receivables:
    GET    /api/receivables                        Outstanding entries
    POST   /api/receivables                        Ad-hoc charge
    GET    /api/receivables/{id}                   Entry snapshot
    GET    /api/receivables/{id}/payments          Entry payments

  Payments:
    POST   /api/payments                           Apply
    GET    /api/payments/{id}                      Get
    DELETE /api/payments/{id}                      Delete and replay

  Batch jobs:
    POST   /api/reconciliation/run                 Reconcile everything now
    GET    /api/reconciliation/runs                Run history (kind, limit)
    POST   /api/overdue/assess                     Overdue pass now
    GET    /api/audit                              Audit log (subject_id)

ACTOR:
  The X-Actor header names who is acting. It lands in the audit log and on
  payments as RecordedBy. Defaults to "api".

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors (field named in the body)
  - 404: Contract, installment, entry or payment not found
  - 409: Conflict (state does not allow the operation)
  - 422: Payment credit exceeds the outstanding balance
  - 500: Internal errors

SECURITY NOTE:
  No authentication. X-Actor is trusted as sent.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/warp/tuition-billing/billing"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// AdminStore is what the API needs from a store beyond billing.TxStore.
type AdminStore interface {
	Reset(ctx context.Context) error
	AuditLog(ctx context.Context, subjectID string) ([]billing.AuditEntry, error)
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine    *billing.Engine
	Admin     AdminStore
	Scheduler *Scheduler

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler. The scheduler is used for manual runs even
// when its cron loop is disabled.
func NewHandler(engine *billing.Engine, admin AdminStore, scheduler *Scheduler) *Handler {
	return &Handler{
		Engine:    engine,
		Admin:     admin,
		Scheduler: scheduler,
	}
}

func (h *Handler) today() billing.Date { return h.Engine.Clock.Today() }

// =============================================================================
// CONTRACT HANDLERS
// =============================================================================

// ListContracts returns contracts matching the query filters.
func (h *Handler) ListContracts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	contracts, err := h.Engine.ListContracts(r.Context(), billing.ContractFilter{
		StudentID: billing.StudentID(q.Get("student_id")),
		ClassID:   billing.ClassID(q.Get("class_id")),
		Status:    billing.ContractStatus(q.Get("status")),
	})
	if err != nil {
		respondError(w, err)
		return
	}

	dtos := make([]ContractDTO, len(contracts))
	for i, c := range contracts {
		dtos[i] = toContractDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateContract creates a contract and its installment schedule.
func (h *Handler) CreateContract(w http.ResponseWriter, r *http.Request) {
	var terms billing.ContractTerms
	if err := decodeJSON(r, &terms); err != nil {
		respondError(w, err)
		return
	}
	terms.Actor = actor(r)

	c, insts, err := h.Engine.CreateContract(r.Context(), terms)
	if err != nil {
		respondError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, ContractResponse{
		Contract:     toContractDTO(*c),
		Installments: toInstallmentDTOs(insts, h.today()),
	})
}

// GetContract returns a contract with its installments.
func (h *Handler) GetContract(w http.ResponseWriter, r *http.Request) {
	h.writeContract(w, r, contractID(r), http.StatusOK)
}

func (h *Handler) writeContract(w http.ResponseWriter, r *http.Request, id billing.ContractID, status int) {
	c, err := h.Engine.GetContract(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	insts, err := h.Engine.ListInstallments(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, status, ContractResponse{
		Contract:     toContractDTO(*c),
		Installments: toInstallmentDTOs(insts, h.today()),
	})
}

// AmendContract applies a partial update.
// PATCH /api/contracts/{id}
func (h *Handler) AmendContract(w http.ResponseWriter, r *http.Request) {
	var a billing.Amendment
	if err := decodeJSON(r, &a); err != nil {
		respondError(w, err)
		return
	}
	a.Actor = actor(r)

	c, err := h.Engine.AmendContract(r.Context(), contractID(r), a)
	if err != nil {
		respondError(w, err)
		return
	}
	h.writeContract(w, r, c.ID, http.StatusOK)
}

func (h *Handler) CancelContract(w http.ResponseWriter, r *http.Request) {
	c, err := h.Engine.CancelContract(r.Context(), contractID(r), actor(r))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toContractDTO(*c))
}

func (h *Handler) CloseContract(w http.ResponseWriter, r *http.Request) {
	c, err := h.Engine.CloseContract(r.Context(), contractID(r), actor(r))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toContractDTO(*c))
}

func (h *Handler) DeleteContract(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.DeleteContract(r.Context(), contractID(r), actor(r)); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GenerateInstallments creates a contract's installments. With ?force=true
// only the missing sequences are created.
func (h *Handler) GenerateInstallments(w http.ResponseWriter, r *http.Request) {
	force := false
	if raw := r.URL.Query().Get("force"); raw != "" {
		var err error
		if force, err = strconv.ParseBool(raw); err != nil {
			respondError(w, &billing.ValidationError{Field: "force", Reason: "must be true or false"})
			return
		}
	}

	created, err := h.Engine.GenerateInstallments(r.Context(), contractID(r), force, actor(r))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toInstallmentDTOs(created, h.today()))
}

// EnsureLedgerEntry returns the entry mirroring one installment, creating it
// when it does not exist yet.
func (h *Handler) EnsureLedgerEntry(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.Atoi(chi.URLParam(r, "seq"))
	if err != nil || seq < 1 {
		respondError(w, &billing.ValidationError{Field: "sequence", Reason: "must be a positive integer"})
		return
	}

	entry, err := h.Engine.EnsureLedgerEntry(r.Context(), contractID(r), seq)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTO(*entry, h.today()))
}

// Realign runs the due date and/or amount migrations on unpaid installments.
func (h *Handler) Realign(w http.ResponseWriter, r *http.Request) {
	var req RealignRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if !req.DueDates && !req.Amounts {
		respondError(w, &billing.ValidationError{Field: "due_dates", Reason: "select due_dates, amounts or both"})
		return
	}

	ctx, id, who := r.Context(), contractID(r), actor(r)
	var resp RealignResponse
	var err error
	if req.DueDates {
		if resp.DueDatesChanged, err = h.Engine.RealignDueDates(ctx, id, who); err != nil {
			respondError(w, err)
			return
		}
	}
	if req.Amounts {
		if resp.AmountsChanged, err = h.Engine.RealignAmounts(ctx, id, who); err != nil {
			respondError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) ReconcileContract(w http.ResponseWriter, r *http.Request) {
	report, err := h.Engine.ReconcileContract(r.Context(), contractID(r))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReportDTO(report))
}

// Diagnose reports drift between installments and ledger without writing.
func (h *Handler) Diagnose(w http.ResponseWriter, r *http.Request) {
	d, err := h.Engine.Diagnose(r.Context(), contractID(r))
	if err != nil {
		respondError(w, err)
		return
	}

	today := h.today()
	resp := DiagnosisResponse{
		Contract:     toContractDTO(d.Contract),
		Installments: toInstallmentDTOs(d.Installments, today),
		Entries:      make([]EntryDTO, len(d.Entries)),
		Issues:       make([]IssueDTO, len(d.Issues)),
	}
	for i, e := range d.Entries {
		resp.Entries[i] = toEntryDTO(e, today)
	}
	for i, issue := range d.Issues {
		resp.Issues[i] = IssueDTO{Kind: string(issue.Kind), Sequence: issue.Sequence, Detail: issue.Detail}
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// RECEIVABLE HANDLERS
// =============================================================================

// ListReceivables returns unpaid entries. OVERDUE is derived from today.
// GET /api/receivables?student_id=&contract_id=&status=&due_from=&due_to=
func (h *Handler) ListReceivables(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := billing.OutstandingFilter{
		StudentID:  billing.StudentID(q.Get("student_id")),
		ContractID: billing.ContractID(q.Get("contract_id")),
		Status:     billing.EntryStatus(q.Get("status")),
	}
	var err error
	if filter.DueFrom, err = queryDate(r, "due_from"); err != nil {
		respondError(w, err)
		return
	}
	if filter.DueTo, err = queryDate(r, "due_to"); err != nil {
		respondError(w, err)
		return
	}

	items, err := h.Engine.ListOutstanding(r.Context(), filter)
	if err != nil {
		respondError(w, err)
		return
	}

	today := h.today()
	dtos := make([]EntryDTO, len(items))
	for i, item := range items {
		dtos[i] = toEntryDTO(item.Entry, today)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateCharge records an ad-hoc receivable.
func (h *Handler) CreateCharge(w http.ResponseWriter, r *http.Request) {
	var in billing.ChargeInput
	if err := decodeJSON(r, &in); err != nil {
		respondError(w, err)
		return
	}
	in.Actor = actor(r)

	entry, err := h.Engine.CreateCharge(r.Context(), in)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryDTO(*entry, h.today()))
}

func (h *Handler) GetReceivable(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Engine.GetEntry(r.Context(), billing.EntryID(chi.URLParam(r, "id")))
	if err != nil {
		respondError(w, err)
		return
	}

	today := h.today()
	resp := EntrySnapshotResponse{
		Entry:     toEntryDTO(snap.Entry, today),
		AmountDue: fixed(snap.AmountDue),
		Payments:  toPaymentDTOs(snap.Payments),
	}
	if snap.Installment != nil {
		inst := toInstallmentDTO(*snap.Installment, today)
		resp.Installment = &inst
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) ListReceivablePayments(w http.ResponseWriter, r *http.Request) {
	payments, err := h.Engine.ListPayments(r.Context(), billing.EntryID(chi.URLParam(r, "id")))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTOs(payments))
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// ApplyPayment records a payment against an entry or an installment.
// POST /api/payments
func (h *Handler) ApplyPayment(w http.ResponseWriter, r *http.Request) {
	var in billing.PaymentInput
	if err := decodeJSON(r, &in); err != nil {
		respondError(w, err)
		return
	}
	in.RecordedBy = actor(r)

	res, err := h.Engine.ApplyPayment(r.Context(), in)
	if err != nil {
		respondError(w, err)
		return
	}

	today := h.today()
	resp := PaymentResponse{
		Payment:      toPaymentDTO(res.Payment),
		Entry:        toEntryDTO(res.Entry, today),
		EntryCreated: res.EntryCreated,
	}
	if res.Installment != nil {
		inst := toInstallmentDTO(*res.Installment, today)
		resp.Installment = &inst
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.Engine.GetPayment(r.Context(), billing.PaymentID(chi.URLParam(r, "id")))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(*p))
}

// DeletePayment removes a payment and returns the replayed entry.
func (h *Handler) DeletePayment(w http.ResponseWriter, r *http.Request) {
	entry, err := h.Engine.DeletePayment(r.Context(), billing.PaymentID(chi.URLParam(r, "id")), actor(r))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTO(*entry, h.today()))
}

// =============================================================================
// BATCH JOB HANDLERS
// =============================================================================

// RunReconciliation reconciles every active contract now.
// POST /api/reconciliation/run
func (h *Handler) RunReconciliation(w http.ResponseWriter, r *http.Request) {
	run, report, err := h.Scheduler.RunReconcile(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Reconciliation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, ReconcileRunResponse{Run: toRunDTO(run), Report: toReportDTO(report)})
}

// ListReconciliationRuns returns run history, newest first.
// GET /api/reconciliation/runs?kind=&limit=
func (h *Handler) ListReconciliationRuns(w http.ResponseWriter, r *http.Request) {
	kind := billing.RunKind(r.URL.Query().Get("kind"))
	if kind != "" && kind != billing.RunReconcile && kind != billing.RunOverdue {
		respondError(w, &billing.ValidationError{Field: "kind", Reason: "must be reconcile or overdue"})
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondError(w, &billing.ValidationError{Field: "limit", Reason: "must be a positive integer"})
			return
		}
		limit = n
	}

	runs, err := h.Engine.Store.ListRuns(r.Context(), kind, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get reconciliation runs", err)
		return
	}

	dtos := make([]RunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// AssessOverdue runs the overdue pass now, as of today unless the body
// names another date.
// POST /api/overdue/assess
func (h *Handler) AssessOverdue(w http.ResponseWriter, r *http.Request) {
	var req AssessRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	asOf := h.today()
	if req.AsOf != nil && !req.AsOf.IsZero() {
		asOf = *req.AsOf
	}

	run, report, err := h.Scheduler.RunOverdue(r.Context(), asOf)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Overdue assessment failed", err)
		return
	}
	writeJSON(w, http.StatusOK, OverdueRunResponse{
		Run:     toRunDTO(run),
		AsOf:    asOf.String(),
		Scanned: report.Scanned,
		Updated: report.Updated,
	})
}

// AuditLog returns the audit trail of one subject, or everything.
// GET /api/audit?subject_id=
func (h *Handler) AuditLog(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Admin.AuditLog(r.Context(), r.URL.Query().Get("subject_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read audit log", err)
		return
	}

	dtos := make([]AuditDTO, len(entries))
	for i, a := range entries {
		dtos[i] = AuditDTO{
			ID:        a.ID,
			Timestamp: a.Timestamp.Format(timeLayout),
			Actor:     a.ActorID,
			Action:    string(a.Action),
			SubjectID: a.SubjectID,
			Payload:   a.Payload,
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

const timeLayout = "2006-01-02T15:04:05Z07:00"

func contractID(r *http.Request) billing.ContractID {
	return billing.ContractID(chi.URLParam(r, "id"))
}

func actor(r *http.Request) string {
	if a := r.Header.Get("X-Actor"); a != "" {
		return a
	}
	return "api"
}

func queryDate(r *http.Request, key string) (*billing.Date, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil, nil
	}
	d, err := billing.ParseDate(raw)
	if err != nil {
		return nil, &billing.ValidationError{Field: key, Reason: "must be a YYYY-MM-DD date"}
	}
	return &d, nil
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &billing.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}

// decodeOptionalJSON accepts an empty body.
func decodeOptionalJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return &billing.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// respondError maps billing errors onto HTTP statuses.
func respondError(w http.ResponseWriter, err error) {
	var ve *billing.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Field: ve.Field, Details: ve.Reason})
	case billing.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	case billing.IsConflict(err), billing.IsRetryable(err):
		writeError(w, http.StatusConflict, "Conflict", err)
	case errors.Is(err, billing.ErrConsistency):
		writeError(w, http.StatusUnprocessableEntity, "Payment exceeds outstanding balance", err)
	default:
		log.Printf("[API] Internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}
