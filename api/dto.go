/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Responses decouple the
  billing model from the wire: amounts are fixed two-place strings, dates
  are YYYY-MM-DD, OVERDUE is already derived.

NAMING CONVENTION:
  - *DTO:      Response types returned to clients
  - *Request:  Request body types that are not billing inputs
  - *Response: Wrappers combining several DTOs

REQUEST BODIES:
  Create/amend contract, ad-hoc charge and payment bodies decode straight
  into billing.ContractTerms, billing.Amendment, billing.ChargeInput and
  billing.PaymentInput. Those carry json and validate tags; validation runs
  in the engine, not here.

SEE ALSO:
  - handlers.go: Uses these types
  - billing/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/tuition-billing/billing"
)

// =============================================================================
// ERRORS
// =============================================================================

type ErrorResponse struct {
	Error   string `json:"error"`
	Field   string `json:"field,omitempty"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONTRACTS
// =============================================================================

type ContractDTO struct {
	ID               string `json:"id"`
	Number           string `json:"number"`
	StudentID        string `json:"student_id"`
	ClassID          string `json:"class_id"`
	ContractDate     string `json:"contract_date"`
	ValidFrom        string `json:"valid_from"`
	ValidTo          string `json:"valid_to"`
	EnrollmentFee    string `json:"enrollment_fee"`
	MonthlyFee       string `json:"monthly_fee"`
	InstallmentCount int    `json:"installment_count"`
	DiscountAmount   string `json:"discount_amount"`
	DiscountPercent  string `json:"discount_percent"`
	TotalAmount      string `json:"total_amount"`
	Notes            string `json:"notes,omitempty"`
	Status           string `json:"status"`
	TemplateID       string `json:"template_id,omitempty"`
	CreatedAt        string `json:"created_at,omitempty"`
}

type InstallmentDTO struct {
	Sequence   int     `json:"sequence"`
	Amount     string  `json:"amount"`
	DueDate    string  `json:"due_date"`
	PaidDate   *string `json:"paid_date,omitempty"`
	PaidAmount *string `json:"paid_amount,omitempty"`
	Interest   string  `json:"interest"`
	Fine       string  `json:"fine"`
	Discount   string  `json:"discount"`
	AmountDue  string  `json:"amount_due"`
	Status     string  `json:"status"`
}

// ContractResponse is a contract with its schedule.
type ContractResponse struct {
	Contract     ContractDTO      `json:"contract"`
	Installments []InstallmentDTO `json:"installments"`
}

// RealignRequest selects which migration to run.
type RealignRequest struct {
	DueDates bool `json:"due_dates"`
	Amounts  bool `json:"amounts"`
}

type RealignResponse struct {
	DueDatesChanged int `json:"due_dates_changed"`
	AmountsChanged  int `json:"amounts_changed"`
}

type IssueDTO struct {
	Kind     string `json:"kind"`
	Sequence int    `json:"sequence"`
	Detail   string `json:"detail"`
}

type DiagnosisResponse struct {
	Contract     ContractDTO      `json:"contract"`
	Installments []InstallmentDTO `json:"installments"`
	Entries      []EntryDTO       `json:"entries"`
	Issues       []IssueDTO       `json:"issues"`
}

// =============================================================================
// RECEIVABLES
// =============================================================================

type EntryDTO struct {
	ID                string  `json:"id"`
	ContractID        string  `json:"contract_id"`
	StudentID         string  `json:"student_id"`
	ChargeType        string  `json:"charge_type"`
	Description       string  `json:"description"`
	Original          string  `json:"original_amount"`
	Discount          string  `json:"discount_amount"`
	Interest          string  `json:"interest_amount"`
	Final             string  `json:"final_amount"`
	Outstanding       string  `json:"outstanding_balance"`
	DueDate           string  `json:"due_date"`
	PaidDate          *string `json:"paid_date,omitempty"`
	Status            string  `json:"status"`
	Overdue           bool    `json:"overdue"`
	Sequence          *int    `json:"installment_sequence,omitempty"`
	TotalInstallments int     `json:"total_installments,omitempty"`
	Notes             string  `json:"notes,omitempty"`
}

// EntrySnapshotResponse is one entry with its installment and payments.
type EntrySnapshotResponse struct {
	Entry       EntryDTO        `json:"entry"`
	AmountDue   string          `json:"amount_due"`
	Installment *InstallmentDTO `json:"installment,omitempty"`
	Payments    []PaymentDTO    `json:"payments"`
}

// =============================================================================
// PAYMENTS
// =============================================================================

type PaymentDTO struct {
	ID              string  `json:"id"`
	EntryID         string  `json:"entry_id"`
	Amount          string  `json:"amount"`
	Date            string  `json:"date"`
	Method          string  `json:"method"`
	Reference       string  `json:"reference,omitempty"`
	Notes           string  `json:"notes,omitempty"`
	DiscountPercent *string `json:"discount_percent,omitempty"`
	DiscountAmount  *string `json:"discount_amount,omitempty"`
	DiscountApplied string  `json:"discount_applied"`
	Full            bool    `json:"full"`
	RecordedBy      string  `json:"recorded_by,omitempty"`
}

type PaymentResponse struct {
	Payment      PaymentDTO      `json:"payment"`
	Entry        EntryDTO        `json:"entry"`
	Installment  *InstallmentDTO `json:"installment,omitempty"`
	EntryCreated bool            `json:"entry_created"`
}

// =============================================================================
// BATCH JOBS
// =============================================================================

type RunDTO struct {
	ID                  string `json:"id"`
	Kind                string `json:"kind"`
	Status              string `json:"status"`
	ContractsScanned    int    `json:"contracts_scanned"`
	InstallmentsCreated int    `json:"installments_created"`
	EntriesCreated      int    `json:"entries_created"`
	EntriesRepaired     int    `json:"entries_repaired"`
	InstallmentsUpdated int    `json:"installments_updated"`
	Failures            int    `json:"failures"`
	Error               string `json:"error,omitempty"`
	StartedAt           string `json:"started_at"`
	CompletedAt         string `json:"completed_at,omitempty"`
}

type ReconcileReportDTO struct {
	ContractsScanned    int          `json:"contracts_scanned"`
	InstallmentsCreated int          `json:"installments_created"`
	EntriesCreated      int          `json:"entries_created"`
	EntriesRepaired     int          `json:"entries_repaired"`
	Failures            []FailureDTO `json:"failures"`
}

type FailureDTO struct {
	ContractID string `json:"contract_id"`
	Error      string `json:"error"`
}

type ReconcileRunResponse struct {
	Run    RunDTO             `json:"run"`
	Report ReconcileReportDTO `json:"report"`
}

type OverdueRunResponse struct {
	Run     RunDTO `json:"run"`
	AsOf    string `json:"as_of"`
	Scanned int    `json:"scanned"`
	Updated int    `json:"updated"`
}

// AssessRequest optionally backdates an overdue pass.
type AssessRequest struct {
	AsOf *billing.Date `json:"as_of"`
}

type AuditDTO struct {
	ID        string         `json:"id"`
	Timestamp string         `json:"timestamp"`
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	SubjectID string         `json:"subject_id"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func fixed(d decimal.Decimal) string { return d.StringFixed(2) }

func optionalFixed(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := fixed(d.Decimal)
	return &s
}

func optionalDate(d *billing.Date) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func toContractDTO(c billing.Contract) ContractDTO {
	dto := ContractDTO{
		ID:               string(c.ID),
		Number:           c.Number,
		StudentID:        string(c.StudentID),
		ClassID:          string(c.ClassID),
		ContractDate:     c.ContractDate.String(),
		ValidFrom:        c.ValidFrom.String(),
		ValidTo:          c.ValidTo.String(),
		EnrollmentFee:    fixed(c.EnrollmentFee),
		MonthlyFee:       fixed(c.MonthlyFee),
		InstallmentCount: c.InstallmentCount,
		DiscountAmount:   fixed(c.DiscountAmount),
		DiscountPercent:  fixed(c.DiscountPercent),
		TotalAmount:      fixed(c.TotalAmount),
		Notes:            c.Notes,
		Status:           string(c.Status),
		TemplateID:       c.TemplateID,
	}
	if !c.CreatedAt.IsZero() {
		dto.CreatedAt = c.CreatedAt.Format(time.RFC3339)
	}
	return dto
}

func toInstallmentDTO(i billing.Installment, today billing.Date) InstallmentDTO {
	return InstallmentDTO{
		Sequence:   i.Sequence,
		Amount:     fixed(i.Amount),
		DueDate:    i.DueDate.String(),
		PaidDate:   optionalDate(i.PaidDate),
		PaidAmount: optionalFixed(i.PaidAmount),
		Interest:   fixed(i.Interest),
		Fine:       fixed(i.Fine),
		Discount:   fixed(i.Discount),
		AmountDue:  fixed(i.AmountDue()),
		Status:     string(i.EffectiveStatus(today)),
	}
}

func toInstallmentDTOs(insts []billing.Installment, today billing.Date) []InstallmentDTO {
	dtos := make([]InstallmentDTO, len(insts))
	for i, inst := range insts {
		dtos[i] = toInstallmentDTO(inst, today)
	}
	return dtos
}

func toEntryDTO(e billing.LedgerEntry, today billing.Date) EntryDTO {
	return EntryDTO{
		ID:                string(e.ID),
		ContractID:        string(e.ContractID),
		StudentID:         string(e.StudentID),
		ChargeType:        string(e.ChargeType),
		Description:       e.Description,
		Original:          fixed(e.Original),
		Discount:          fixed(e.Discount),
		Interest:          fixed(e.Interest),
		Final:             fixed(e.Final),
		Outstanding:       fixed(e.Outstanding),
		DueDate:           e.DueDate.String(),
		PaidDate:          optionalDate(e.PaidDate),
		Status:            string(e.DisplayStatus(today)),
		Overdue:           e.IsOverdue(today),
		Sequence:          e.Sequence,
		TotalInstallments: e.TotalInstallments,
		Notes:             e.Notes,
	}
}

func toPaymentDTO(p billing.Payment) PaymentDTO {
	return PaymentDTO{
		ID:              string(p.ID),
		EntryID:         string(p.EntryID),
		Amount:          fixed(p.Amount),
		Date:            p.Date.String(),
		Method:          string(p.Method),
		Reference:       p.Reference,
		Notes:           p.Notes,
		DiscountPercent: optionalFixed(p.DiscountPercent),
		DiscountAmount:  optionalFixed(p.DiscountAmount),
		DiscountApplied: fixed(p.DiscountApplied),
		Full:            p.Full,
		RecordedBy:      p.RecordedBy,
	}
}

func toPaymentDTOs(ps []billing.Payment) []PaymentDTO {
	dtos := make([]PaymentDTO, len(ps))
	for i, p := range ps {
		dtos[i] = toPaymentDTO(p)
	}
	return dtos
}

func toRunDTO(r billing.ReconciliationRun) RunDTO {
	dto := RunDTO{
		ID:                  r.ID,
		Kind:                string(r.Kind),
		Status:              string(r.Status),
		ContractsScanned:    r.ContractsScanned,
		InstallmentsCreated: r.InstallmentsCreated,
		EntriesCreated:      r.EntriesCreated,
		EntriesRepaired:     r.EntriesRepaired,
		InstallmentsUpdated: r.InstallmentsUpdated,
		Failures:            r.Failures,
		Error:               r.Error,
		StartedAt:           r.StartedAt.Format(time.RFC3339),
	}
	if r.CompletedAt != nil {
		dto.CompletedAt = r.CompletedAt.Format(time.RFC3339)
	}
	return dto
}

func toReportDTO(r billing.Report) ReconcileReportDTO {
	dto := ReconcileReportDTO{
		ContractsScanned:    r.ContractsScanned,
		InstallmentsCreated: r.InstallmentsCreated,
		EntriesCreated:      r.EntriesCreated,
		EntriesRepaired:     r.EntriesRepaired,
		Failures:            make([]FailureDTO, len(r.Failures)),
	}
	for i, f := range r.Failures {
		dto.Failures[i] = FailureDTO{ContractID: string(f.ContractID), Error: f.Err.Error()}
	}
	return dto
}
