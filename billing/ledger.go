/*
ledger.go - Receivable ledger

PURPOSE:
  One ledger entry per chargeable event. Installment-backed entries are
  created lazily (first payment, explicit ensure, or reconciliation
  backfill) from the installment's current amount and due date. Ad-hoc
  charges are created directly.

AMOUNTS:
  final       = max(0, original - discount + interest)
  outstanding = final - sum(payment amount + payment discount)
  PAID iff outstanding <= 0

PROPORTIONAL DISCOUNT:
  A contract-level discount is spread over installment entries in
  proportion to each installment's scheduled amount, rounded half-up to
  cents, with the rounding remainder on the last installment. The shares
  always add up to the contract discount exactly.

OVERDUE:
  Never stored. ListOutstanding and GetEntry derive it as
  dueDate < today AND status != PAID.
*/
package billing

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/tuition-billing/money"
)

// =============================================================================
// DISCOUNT ALLOCATION
// =============================================================================

// AllocateDiscount splits a contract discount over entry amounts. Pure.
func AllocateDiscount(amounts []decimal.Decimal, discount decimal.Decimal) []decimal.Decimal {
	return money.Allocate(amounts, discount)
}

// entryDiscounts returns the discount share of each installment of c,
// indexed by sequence-1.
func entryDiscounts(c Contract) []decimal.Decimal {
	planned := Schedule(c)
	amounts := make([]decimal.Decimal, len(planned))
	for i, inst := range planned {
		amounts[i] = inst.Amount
	}
	return AllocateDiscount(amounts, c.EffectiveDiscount())
}

// =============================================================================
// ENSURE
// =============================================================================

// EnsureLedgerEntry returns the entry mirroring installment seq of the
// contract, creating it from the installment when missing.
func (e *Engine) EnsureLedgerEntry(ctx context.Context, contractID ContractID, seq int) (*LedgerEntry, error) {
	if seq < 1 {
		return nil, invalid("sequence", "must be at least 1")
	}
	unlock := e.Locks.Lock(installmentKey(contractID, seq))
	defer unlock()

	var out LedgerEntry
	err := e.Store.WithTx(ctx, func(tx Store) error {
		c, err := e.loadContract(ctx, tx, contractID)
		if err != nil {
			return err
		}
		inst, err := e.loadInstallment(ctx, tx, contractID, seq)
		if err != nil {
			return err
		}
		entry, _, err := e.ensureEntryTx(ctx, tx, *c, *inst)
		if err != nil {
			return err
		}
		out = *entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ensureEntryTx looks up the entry for inst and creates it when missing.
// Caller holds the installment lock and an open transaction.
func (e *Engine) ensureEntryTx(ctx context.Context, tx Store, c Contract, inst Installment) (*LedgerEntry, bool, error) {
	existing, err := tx.GetEntryBySequence(ctx, c.ID, inst.Sequence)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	discount := decimal.Zero
	if shares := entryDiscounts(c); inst.Sequence <= len(shares) {
		discount = shares[inst.Sequence-1]
	}
	entry := newInstallmentEntry(c, inst, discount, e.Clock)
	if err := tx.InsertEntry(ctx, entry); err != nil {
		return nil, false, err
	}
	return &entry, true, nil
}

func newInstallmentEntry(c Contract, inst Installment, discount decimal.Decimal, clock Clock) LedgerEntry {
	seq := inst.Sequence
	desc := fmt.Sprintf("Tuition %d/%d", seq, c.InstallmentCount)
	if seq == 1 && c.EnrollmentFee.IsPositive() {
		desc = fmt.Sprintf("Tuition + enrollment %d/%d", seq, c.InstallmentCount)
	}
	now := clock.Now()
	entry := LedgerEntry{
		ID:                EntryID(uuid.NewString()),
		ContractID:        c.ID,
		StudentID:         c.StudentID,
		ChargeType:        ChargeTuition,
		Description:       desc,
		Original:          inst.Amount,
		Discount:          discount,
		Interest:          decimal.Zero,
		DueDate:           inst.DueDate,
		Status:            EntryPending,
		Sequence:          &seq,
		TotalInstallments: c.InstallmentCount,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	entry.Final = entry.computeFinal()
	entry.Outstanding = entry.Final
	switch {
	case !entry.Outstanding.IsPositive():
		entry.Status = EntryPaid
	case c.Status == ContractCancelled:
		entry.Status = EntryCancelled
	}
	return entry
}

func (e LedgerEntry) computeFinal() decimal.Decimal {
	return money.Clamp(e.Original.Sub(e.Discount).Add(e.Interest))
}

// =============================================================================
// AD-HOC CHARGES
// =============================================================================

// ChargeInput creates a receivable directly, outside the installment schedule.
// A TUITION charge may claim an installment sequence that has no entry yet.
type ChargeInput struct {
	ContractID  ContractID      `json:"contract_id" validate:"required"`
	ChargeType  ChargeType      `json:"charge_type" validate:"required,oneof=TUITION ENROLLMENT OTHER"`
	Description string          `json:"description" validate:"required,max=255"`
	Amount      decimal.Decimal `json:"amount" validate:"gt=0"`
	Discount    decimal.Decimal `json:"discount" validate:"gte=0"`
	Interest    decimal.Decimal `json:"interest" validate:"gte=0"`
	DueDate     Date            `json:"due_date" validate:"required"`
	Sequence    *int            `json:"sequence" validate:"omitempty,gte=1"`
	Notes       string          `json:"notes" validate:"max=2000"`
	Actor       string          `json:"-"`
}

func (e *Engine) CreateCharge(ctx context.Context, in ChargeInput) (*LedgerEntry, error) {
	if err := e.check(in); err != nil {
		return nil, err
	}
	if !isCents(in.Amount) {
		return nil, invalid("amount", "must have at most 2 decimal places")
	}
	if in.Discount.GreaterThan(in.Amount) {
		return nil, invalid("discount", "cannot exceed amount")
	}

	now := e.Clock.Now()
	entry := LedgerEntry{
		ID:          EntryID(uuid.NewString()),
		ContractID:  in.ContractID,
		ChargeType:  in.ChargeType,
		Description: in.Description,
		Original:    in.Amount,
		Discount:    money.Round(in.Discount),
		Interest:    money.Round(in.Interest),
		DueDate:     in.DueDate,
		Status:      EntryPending,
		Sequence:    in.Sequence,
		Notes:       in.Notes,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	entry.Final = entry.computeFinal()
	entry.Outstanding = entry.Final
	if !entry.Outstanding.IsPositive() {
		entry.Status = EntryPaid
	}

	if in.Sequence != nil {
		unlock := e.Locks.Lock(installmentKey(in.ContractID, *in.Sequence))
		defer unlock()
	}

	err := e.Store.WithTx(ctx, func(tx Store) error {
		c, err := e.loadContract(ctx, tx, in.ContractID)
		if err != nil {
			return err
		}
		if c.Status == ContractCancelled {
			return conflict("contract %s is cancelled and takes no new charges", c.Number)
		}
		entry.StudentID = c.StudentID
		entry.TotalInstallments = c.InstallmentCount
		if in.Sequence != nil {
			existing, err := tx.GetEntryBySequence(ctx, c.ID, *in.Sequence)
			if err != nil {
				return err
			}
			if existing != nil {
				return conflict("installment %d of contract %s already has ledger entry %s", *in.Sequence, c.Number, existing.ID)
			}
		}
		if err := tx.InsertEntry(ctx, entry); err != nil {
			return err
		}
		return e.audit(ctx, tx, in.Actor, AuditChargeCreated, string(entry.ID), map[string]any{
			"contract_id": c.ID,
			"type":        entry.ChargeType,
			"final":       entry.Final.StringFixed(2),
		})
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// =============================================================================
// READS
// =============================================================================

// EntrySnapshot is a read-only view of an entry with everything a receipt
// or payment screen needs.
type EntrySnapshot struct {
	Entry       LedgerEntry
	Status      EntryStatus // OVERDUE derived
	Overdue     bool
	AmountDue   decimal.Decimal
	Installment *Installment
	Payments    []Payment
}

func (e *Engine) GetEntry(ctx context.Context, id EntryID) (*EntrySnapshot, error) {
	entry, err := e.loadEntry(ctx, e.Store, id)
	if err != nil {
		return nil, err
	}
	today := e.Clock.Today()
	snap := &EntrySnapshot{
		Entry:     *entry,
		Status:    entry.DisplayStatus(today),
		Overdue:   entry.IsOverdue(today),
		AmountDue: entry.Outstanding,
	}
	if entry.IsCancelled() {
		snap.AmountDue = decimal.Zero
	}
	if entry.Sequence != nil {
		inst, err := e.Store.GetInstallment(ctx, entry.ContractID, *entry.Sequence)
		if err != nil {
			return nil, err
		}
		if inst != nil {
			inst.Status = inst.EffectiveStatus(today)
			snap.Installment = inst
		}
	}
	payments, err := e.Store.ListPayments(ctx, id)
	if err != nil {
		return nil, err
	}
	snap.Payments = payments
	return snap, nil
}

// OutstandingFilter narrows ListOutstanding. Status may be PENDING, PARTIAL
// or OVERDUE; empty means every unpaid entry.
type OutstandingFilter struct {
	StudentID  StudentID   `json:"student_id"`
	ContractID ContractID  `json:"contract_id"`
	Status     EntryStatus `json:"status" validate:"omitempty,oneof=PENDING PARTIAL OVERDUE"`
	DueFrom    *Date       `json:"due_from"`
	DueTo      *Date       `json:"due_to"`
}

// OutstandingItem is one unpaid entry as seen today.
type OutstandingItem struct {
	Entry   LedgerEntry
	Status  EntryStatus
	Overdue bool
}

// ListOutstanding returns unpaid entries, OVERDUE derived from today.
func (e *Engine) ListOutstanding(ctx context.Context, f OutstandingFilter) ([]OutstandingItem, error) {
	if err := e.check(f); err != nil {
		return nil, err
	}
	if f.DueFrom != nil && f.DueTo != nil && f.DueTo.Before(*f.DueFrom) {
		return nil, invalid("due_to", "cannot be before due_from")
	}

	statuses := []EntryStatus{EntryPending, EntryPartial}
	if f.Status == EntryPending || f.Status == EntryPartial {
		statuses = []EntryStatus{f.Status}
	}
	entries, err := e.Store.ListEntries(ctx, EntryFilter{
		StudentID:  f.StudentID,
		ContractID: f.ContractID,
		Statuses:   statuses,
		DueFrom:    f.DueFrom,
		DueTo:      f.DueTo,
	})
	if err != nil {
		return nil, err
	}

	today := e.Clock.Today()
	items := make([]OutstandingItem, 0, len(entries))
	for _, entry := range entries {
		overdue := entry.IsOverdue(today)
		if f.Status == EntryOverdue && !overdue {
			continue
		}
		items = append(items, OutstandingItem{
			Entry:   entry,
			Status:  entry.DisplayStatus(today),
			Overdue: overdue,
		})
	}
	return items, nil
}
