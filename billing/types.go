/*
Package billing is the contract-to-installment billing engine.

PURPOSE:
  Turns enrollment contracts into installment schedules, mirrors those
  installments into a receivable ledger, applies payments against ledger
  entries, and reconciles the two views when they drift.

KEY CONCEPTS IN THIS FILE (types.go):
  - Contract:    signed terms for one student+class enrollment
  - Installment: one scheduled charge (sequence, amount, due date)
  - LedgerEntry: accounting mirror of a charge with its outstanding balance
  - Payment:     a cash-in event applied to one ledger entry

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal for every amount, rounded half-up to cents
  2. Installment is authoritative for "has this been paid"
  3. Ledger entry state is re-derived from payment history, never patched
  4. OVERDUE is computed from the due date at read time

SEE ALSO:
  - generator.go: schedule derivation (front-loaded fee rule)
  - ledger.go: receivable entries and proportional discounts
  - payment.go: payment application and replay
  - reconcile.go: backfill and status repair
*/
package billing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/tuition-billing/money"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type (
	ContractID string
	EntryID    string
	PaymentID  string
	StudentID  string
	ClassID    string
)

// =============================================================================
// CONTRACT
// =============================================================================

type ContractStatus string

const (
	ContractActive    ContractStatus = "ACTIVE"
	ContractClosed    ContractStatus = "CLOSED"
	ContractCancelled ContractStatus = "CANCELLED"
)

// Templates a contract may be rendered with. Rendering itself happens elsewhere.
const (
	TemplateCourse        = "contrato-curso"
	TemplateServicesMinor = "contrato-servicos-menor"
	TemplateImageAdult    = "uso-imagem-adulto"
	TemplateImageMinor    = "uso-imagem-menor"
)

type Contract struct {
	ID               ContractID
	Number           string // CTRYYYYMM####
	StudentID        StudentID
	ClassID          ClassID
	ContractDate     Date
	ValidFrom        Date
	ValidTo          Date
	EnrollmentFee    decimal.Decimal
	MonthlyFee       decimal.Decimal
	InstallmentCount int
	DiscountAmount   decimal.Decimal
	DiscountPercent  decimal.Decimal
	TotalAmount      decimal.Decimal
	Notes            string
	Status           ContractStatus
	TemplateID       string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// GrossAmount is enrollment plus every monthly fee, before discount.
func (c Contract) GrossAmount() decimal.Decimal {
	return c.EnrollmentFee.Add(c.MonthlyFee.Mul(decimal.NewFromInt(int64(c.InstallmentCount))))
}

// EffectiveDiscount is the contract-level discount in currency. A non-zero
// percentage wins over the absolute amount.
func (c Contract) EffectiveDiscount() decimal.Decimal {
	gross := c.GrossAmount()
	if c.DiscountPercent.IsPositive() {
		return money.Min(money.Percent(gross, c.DiscountPercent), gross)
	}
	return money.Min(money.Clamp(c.DiscountAmount), gross)
}

// ComputeTotal returns max(0, gross - discount).
func (c Contract) ComputeTotal() decimal.Decimal {
	return money.Clamp(c.GrossAmount().Sub(c.EffectiveDiscount()))
}

func (c Contract) IsActive() bool { return c.Status == ContractActive }

// isCents reports whether d has no more than two decimal places.
func isCents(d decimal.Decimal) bool { return d.Equal(money.Round(d)) }

// =============================================================================
// INSTALLMENT
// =============================================================================

type InstallmentStatus string

const (
	InstallmentPending InstallmentStatus = "PENDING"
	InstallmentOverdue InstallmentStatus = "OVERDUE"
	InstallmentPaid    InstallmentStatus = "PAID"
)

type Installment struct {
	ContractID ContractID
	Sequence   int
	Amount     decimal.Decimal
	DueDate    Date
	PaidDate   *Date
	PaidAmount decimal.NullDecimal
	Interest   decimal.Decimal
	Fine       decimal.Decimal
	Discount   decimal.Decimal
	Status     InstallmentStatus
	Notes      string
	Version    int64
}

func (i Installment) IsPaid() bool { return i.Status == InstallmentPaid }

// Surcharge is interest plus fine stamped by overdue assessment.
func (i Installment) Surcharge() decimal.Decimal {
	return i.Interest.Add(i.Fine)
}

// AmountDue is max(0, nominal + interest + fine - discount).
func (i Installment) AmountDue() decimal.Decimal {
	return money.Clamp(i.Amount.Add(i.Surcharge()).Sub(i.Discount))
}

// PaidSoFar is the recorded paid amount, zero when nothing was paid.
func (i Installment) PaidSoFar() decimal.Decimal {
	if !i.PaidAmount.Valid {
		return decimal.Zero
	}
	return i.PaidAmount.Decimal
}

// EffectiveStatus derives OVERDUE for unpaid installments past due.
func (i Installment) EffectiveStatus(today Date) InstallmentStatus {
	if i.IsPaid() {
		return InstallmentPaid
	}
	if i.DueDate.Before(today) {
		return InstallmentOverdue
	}
	return InstallmentPending
}

// =============================================================================
// LEDGER ENTRY
// =============================================================================

type ChargeType string

const (
	ChargeTuition    ChargeType = "TUITION"
	ChargeEnrollment ChargeType = "ENROLLMENT"
	ChargeOther      ChargeType = "OTHER"
)

type EntryStatus string

const (
	EntryPending EntryStatus = "PENDING"
	EntryPartial EntryStatus = "PARTIAL"
	EntryPaid    EntryStatus = "PAID"

	// EntryCancelled marks an unpaid entry whose contract was cancelled. It
	// takes no payments and never becomes overdue.
	EntryCancelled EntryStatus = "CANCELLED"

	// EntryOverdue is never stored. It is the derived view of an unpaid
	// entry whose due date has passed.
	EntryOverdue EntryStatus = "OVERDUE"
)

type LedgerEntry struct {
	ID                EntryID
	ContractID        ContractID
	StudentID         StudentID
	ChargeType        ChargeType
	Description       string
	Original          decimal.Decimal
	Discount          decimal.Decimal
	Interest          decimal.Decimal
	Final             decimal.Decimal
	DueDate           Date
	PaidDate          *Date
	Status            EntryStatus
	Sequence          *int
	TotalInstallments int
	Outstanding       decimal.Decimal
	Notes             string
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (e LedgerEntry) IsPaid() bool { return e.Status == EntryPaid }

func (e LedgerEntry) IsCancelled() bool { return e.Status == EntryCancelled }

// IsOverdue reports dueDate < today for entries still open for payment.
func (e LedgerEntry) IsOverdue(today Date) bool {
	return !e.IsPaid() && !e.IsCancelled() && e.DueDate.Before(today)
}

// DisplayStatus is the stored status with OVERDUE layered on top.
func (e LedgerEntry) DisplayStatus(today Date) EntryStatus {
	if e.IsOverdue(today) {
		return EntryOverdue
	}
	return e.Status
}

// LockKey identifies the entry for serialization. Installment-backed entries
// share the key with their installment so a not-yet-created entry and its
// first payment serialize on the same lock.
func (e LedgerEntry) LockKey() string {
	if e.Sequence != nil {
		return installmentKey(e.ContractID, *e.Sequence)
	}
	return "entry/" + string(e.ID)
}

func installmentKey(contractID ContractID, seq int) string {
	return fmt.Sprintf("installment/%s/%d", contractID, seq)
}

// =============================================================================
// PAYMENT
// =============================================================================

type PaymentMethod string

const (
	MethodCash         PaymentMethod = "CASH"
	MethodPix          PaymentMethod = "PIX"
	MethodCreditCard   PaymentMethod = "CREDIT_CARD"
	MethodDebitCard    PaymentMethod = "DEBIT_CARD"
	MethodBankTransfer PaymentMethod = "BANK_TRANSFER"
	MethodBoleto       PaymentMethod = "BOLETO"
	MethodCheck        PaymentMethod = "CHECK"
	MethodDeposit      PaymentMethod = "DEPOSIT"
	MethodOther        PaymentMethod = "OTHER"
)

type Payment struct {
	ID              PaymentID
	EntryID         EntryID
	Amount          decimal.Decimal
	Date            Date
	Method          PaymentMethod
	Reference       string
	Notes           string
	DiscountPercent decimal.NullDecimal
	DiscountAmount  decimal.NullDecimal

	// DiscountApplied is the currency discount this payment credited,
	// resolved against the outstanding balance when it was recorded.
	DiscountApplied decimal.Decimal
	Full            bool
	RecordedBy      string
	CreatedAt       time.Time
}

// Credit is what the payment takes off the outstanding balance.
func (p Payment) Credit() decimal.Decimal {
	return p.Amount.Add(p.DiscountApplied)
}

// =============================================================================
// AUDIT + RUNS
// =============================================================================

type AuditAction string

const (
	AuditContractCreated       AuditAction = "contract_created"
	AuditContractAmended       AuditAction = "contract_amended"
	AuditContractCancelled     AuditAction = "contract_cancelled"
	AuditContractClosed        AuditAction = "contract_closed"
	AuditContractDeleted       AuditAction = "contract_deleted"
	AuditInstallmentsGenerated AuditAction = "installments_generated"
	AuditInstallmentsRealigned AuditAction = "installments_realigned"
	AuditChargeCreated         AuditAction = "charge_created"
	AuditPaymentApplied        AuditAction = "payment_applied"
	AuditPaymentDeleted        AuditAction = "payment_deleted"
	AuditOverdueAssessed       AuditAction = "overdue_assessed"
	AuditReconciliation        AuditAction = "reconciliation"
)

// AuditEntry records who did what when. Written in the same transaction as
// the change it describes.
type AuditEntry struct {
	ID        string
	Timestamp time.Time
	ActorID   string
	Action    AuditAction
	SubjectID string
	Payload   map[string]any
}

type RunKind string

const (
	RunReconcile RunKind = "reconcile"
	RunOverdue   RunKind = "overdue"
)

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// ReconciliationRun is the persisted record of one scheduled or manual batch.
type ReconciliationRun struct {
	ID                  string
	Kind                RunKind
	Status              RunStatus
	ContractsScanned    int
	InstallmentsCreated int
	EntriesCreated      int
	EntriesRepaired     int
	InstallmentsUpdated int
	Failures            int
	Error               string
	StartedAt           time.Time
	CompletedAt         *time.Time
}
