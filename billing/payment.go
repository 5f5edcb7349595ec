/*
payment.go - Payment application and reversal

PURPOSE:
  Records cash-in events against ledger entries and keeps the entry and its
  installment in step, all inside one store transaction.

STATE MACHINE (per ledger entry):
  PENDING -> PARTIAL | PAID
  PARTIAL -> PARTIAL | PAID
  PAID is terminal; a correction means deleting a payment first.
  OVERDUE is a derived flag on top of any unpaid state.

REPLAY:
  Entry state is never patched incrementally. Settle folds the full payment
  history over the entry's amounts; applying appends to the history and
  deleting removes from it, then both call Settle. Undo is therefore exact.

DISCOUNTS PER PAYMENT:
  An optional percentage or absolute discount applies to this payment only
  and is resolved against the outstanding balance at that moment. The
  entry's stored (contract-level) discount is not modified.
  - percentage >= 100 or absolute >= outstanding: full waiver, amount may be 0
  - otherwise amount must be > 0
  The percentage wins when both are given.

INTEREST AND FINE:
  Interest and fine stamped on the installment by overdue assessment take
  precedence over interest stored on the entry itself.

SERIALIZATION:
  Each entry has a lock key (see LedgerEntry.LockKey). The key is held for
  the whole read-compute-write cycle; stores additionally check row
  versions, and a version conflict is retried a bounded number of times.
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
// SETTLE - Pure replay of payment history
// =============================================================================

// Settle recomputes an entry (and its installment, if any) from its payment
// history. Inputs are not modified. A PAID installment with an unpaid entry
// result is demoted to PENDING or OVERDUE depending on today. A CANCELLED
// entry stays CANCELLED unless its payments cover it.
func Settle(entry LedgerEntry, inst *Installment, payments []Payment, today Date) (LedgerEntry, *Installment) {
	if inst != nil && inst.Surcharge().IsPositive() {
		entry.Interest = inst.Surcharge()
	}
	entry.Final = entry.computeFinal()

	credited := decimal.Zero
	paid := decimal.Zero
	discounts := decimal.Zero
	var lastDate *Date
	for _, p := range payments {
		credited = credited.Add(p.Credit())
		paid = paid.Add(p.Amount)
		discounts = discounts.Add(p.DiscountApplied)
		if lastDate == nil || p.Date.After(*lastDate) {
			d := p.Date
			lastDate = &d
		}
	}

	cancelled := entry.IsCancelled()
	outstanding := entry.Final.Sub(credited)
	switch {
	case !outstanding.IsPositive():
		entry.Status = EntryPaid
		entry.Outstanding = decimal.Zero
		entry.PaidDate = lastDate
	case credited.IsPositive():
		entry.Status = EntryPartial
		entry.Outstanding = outstanding
		entry.PaidDate = nil
	default:
		entry.Status = EntryPending
		entry.Outstanding = outstanding
		entry.PaidDate = nil
	}
	if cancelled && !entry.IsPaid() {
		entry.Status = EntryCancelled
	}

	if inst == nil {
		return entry, nil
	}
	out := *inst
	out.Discount = entry.Discount.Add(discounts)
	if len(payments) > 0 {
		out.PaidAmount = decimal.NullDecimal{Decimal: paid, Valid: true}
	} else {
		out.PaidAmount = decimal.NullDecimal{}
	}
	if entry.IsPaid() {
		out.Status = InstallmentPaid
		out.PaidDate = entry.PaidDate
	} else {
		if out.IsPaid() {
			out.Status = InstallmentPending
			out.Status = out.EffectiveStatus(today)
		}
		out.PaidDate = nil
	}
	return entry, &out
}

// =============================================================================
// APPLY
// =============================================================================

// PaymentInput targets either an existing entry (EntryID) or an installment
// (ContractID + Sequence), in which case the entry is created on demand.
type PaymentInput struct {
	EntryID         EntryID          `json:"entry_id"`
	ContractID      ContractID       `json:"contract_id"`
	Sequence        int              `json:"sequence" validate:"gte=0"`
	Amount          decimal.Decimal  `json:"amount" validate:"gte=0"`
	Date            Date             `json:"date" validate:"required"`
	Method          PaymentMethod    `json:"method" validate:"required,oneof=CASH PIX CREDIT_CARD DEBIT_CARD BANK_TRANSFER BOLETO CHECK DEPOSIT OTHER"`
	Reference       string           `json:"reference" validate:"max=255"`
	Notes           string           `json:"notes" validate:"max=2000"`
	DiscountPercent *decimal.Decimal `json:"discount_percent" validate:"omitempty,gte=0"`
	DiscountAmount  *decimal.Decimal `json:"discount_amount" validate:"omitempty,gte=0"`
	RecordedBy      string           `json:"-"`
}

// PaymentResult is the state after a payment was applied.
type PaymentResult struct {
	Payment      Payment
	Entry        LedgerEntry
	Installment  *Installment
	EntryCreated bool
}

// ApplyPayment records a payment and settles the entry and installment.
func (e *Engine) ApplyPayment(ctx context.Context, in PaymentInput) (*PaymentResult, error) {
	if err := e.checkPayment(in); err != nil {
		return nil, err
	}

	key, err := e.paymentKey(ctx, in)
	if err != nil {
		return nil, err
	}
	unlock := e.Locks.Lock(key)
	defer unlock()

	var result PaymentResult
	err = withRetry(func() error {
		result = PaymentResult{}
		return e.Store.WithTx(ctx, func(tx Store) error {
			return e.applyTx(ctx, tx, in, &result)
		})
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (e *Engine) checkPayment(in PaymentInput) error {
	if err := e.check(in); err != nil {
		return err
	}
	if in.EntryID == "" && (in.ContractID == "" || in.Sequence < 1) {
		return invalid("entry_id", "is required unless contract_id and sequence are given")
	}
	if !isCents(in.Amount) {
		return invalid("amount", "must have at most 2 decimal places")
	}
	if in.DiscountAmount != nil && !isCents(*in.DiscountAmount) {
		return invalid("discount_amount", "must have at most 2 decimal places")
	}
	if in.Date.After(e.Clock.Today()) {
		return invalid("date", "cannot be in the future")
	}
	return nil
}

// paymentKey resolves the lock key before the transaction starts.
func (e *Engine) paymentKey(ctx context.Context, in PaymentInput) (string, error) {
	if in.EntryID == "" {
		return installmentKey(in.ContractID, in.Sequence), nil
	}
	entry, err := e.loadEntry(ctx, e.Store, in.EntryID)
	if err != nil {
		return "", err
	}
	return entry.LockKey(), nil
}

func (e *Engine) applyTx(ctx context.Context, tx Store, in PaymentInput, result *PaymentResult) error {
	today := e.Clock.Today()
	now := e.Clock.Now()

	entry, inst, created, err := e.resolveTarget(ctx, tx, in)
	if err != nil {
		return err
	}
	if entry.IsPaid() {
		return conflict("ledger entry %s is already paid; delete a payment before recording another", entry.ID)
	}
	if entry.IsCancelled() {
		return conflict("ledger entry %s was cancelled with its contract", entry.ID)
	}
	if inst != nil && inst.IsPaid() {
		// The installment is authoritative; the entry catches up on reconciliation.
		return conflict("installment %d of contract %s is already paid", inst.Sequence, inst.ContractID)
	}

	history, err := tx.ListPayments(ctx, entry.ID)
	if err != nil {
		return err
	}
	current, _ := Settle(*entry, inst, history, today)
	outstanding := current.Outstanding

	discount, waiver := paymentDiscount(in, outstanding)
	if in.Amount.IsZero() && !waiver {
		return invalid("amount", "must be greater than 0 unless a discount waives the full balance")
	}
	if waiver {
		discount = money.Clamp(outstanding.Sub(in.Amount))
	}
	credit := in.Amount.Add(discount)
	if credit.GreaterThan(outstanding.Add(money.Tolerance)) {
		return &ConsistencyError{EntryID: entry.ID, Outstanding: outstanding, Credit: credit}
	}

	p := Payment{
		ID:              PaymentID(uuid.NewString()),
		EntryID:         entry.ID,
		Amount:          in.Amount,
		Date:            in.Date,
		Method:          in.Method,
		Reference:       in.Reference,
		Notes:           in.Notes,
		DiscountApplied: discount,
		Full:            credit.GreaterThanOrEqual(outstanding),
		RecordedBy:      in.RecordedBy,
		CreatedAt:       now,
	}
	if in.DiscountPercent != nil {
		p.DiscountPercent = decimal.NewNullDecimal(*in.DiscountPercent)
	}
	if in.DiscountAmount != nil {
		p.DiscountAmount = decimal.NewNullDecimal(*in.DiscountAmount)
	}
	if err := tx.InsertPayment(ctx, p); err != nil {
		return err
	}

	settled, settledInst := Settle(*entry, inst, append(history, p), today)
	if err := saveEntry(ctx, tx, &settled, now); err != nil {
		return err
	}
	if settledInst != nil {
		if err := saveInstallment(ctx, tx, settledInst); err != nil {
			return err
		}
	}

	*result = PaymentResult{Payment: p, Entry: settled, Installment: settledInst, EntryCreated: created}
	return e.audit(ctx, tx, in.RecordedBy, AuditPaymentApplied, string(p.ID), map[string]any{
		"entry_id":    entry.ID,
		"amount":      p.Amount.StringFixed(2),
		"discount":    p.DiscountApplied.StringFixed(2),
		"full":        p.Full,
		"outstanding": settled.Outstanding.StringFixed(2),
	})
}

// resolveTarget loads the target entry, creating it from the installment
// when the payment targets an installment without an entry.
func (e *Engine) resolveTarget(ctx context.Context, tx Store, in PaymentInput) (*LedgerEntry, *Installment, bool, error) {
	if in.EntryID != "" {
		entry, err := e.loadEntry(ctx, tx, in.EntryID)
		if err != nil {
			return nil, nil, false, err
		}
		inst, err := installmentFor(ctx, tx, *entry)
		if err != nil {
			return nil, nil, false, err
		}
		return entry, inst, false, nil
	}

	c, err := e.loadContract(ctx, tx, in.ContractID)
	if err != nil {
		return nil, nil, false, err
	}
	inst, err := e.loadInstallment(ctx, tx, in.ContractID, in.Sequence)
	if err != nil {
		return nil, nil, false, err
	}
	entry, created, err := e.ensureEntryTx(ctx, tx, *c, *inst)
	if err != nil {
		return nil, nil, false, err
	}
	return entry, inst, created, nil
}

// installmentFor returns the installment mirrored by entry, or nil.
func installmentFor(ctx context.Context, s Store, entry LedgerEntry) (*Installment, error) {
	if entry.Sequence == nil {
		return nil, nil
	}
	return s.GetInstallment(ctx, entry.ContractID, *entry.Sequence)
}

// paymentDiscount resolves the per-payment discount against outstanding and
// reports whether it waives the whole balance.
func paymentDiscount(in PaymentInput, outstanding decimal.Decimal) (decimal.Decimal, bool) {
	hundred := decimal.NewFromInt(100)
	switch {
	case in.DiscountPercent != nil && in.DiscountPercent.IsPositive():
		if in.DiscountPercent.GreaterThanOrEqual(hundred) {
			return outstanding, true
		}
		return money.Percent(outstanding, *in.DiscountPercent), false
	case in.DiscountAmount != nil && in.DiscountAmount.IsPositive():
		if in.DiscountAmount.GreaterThanOrEqual(outstanding) {
			return outstanding, true
		}
		return *in.DiscountAmount, false
	}
	return decimal.Zero, false
}

// =============================================================================
// DELETE
// =============================================================================

// DeletePayment removes a payment and replays the remaining history onto
// the entry and installment. Refused with a conflict when the installment is
// PAID but its own payment history does not settle it.
func (e *Engine) DeletePayment(ctx context.Context, id PaymentID, actor string) (*LedgerEntry, error) {
	p, err := e.Store.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, &NotFoundError{Kind: "payment", ID: string(id)}
	}
	entry, err := e.loadEntry(ctx, e.Store, p.EntryID)
	if err != nil {
		return nil, err
	}
	unlock := e.Locks.Lock(entry.LockKey())
	defer unlock()

	today := e.Clock.Today()
	var out LedgerEntry
	err = withRetry(func() error {
		return e.Store.WithTx(ctx, func(tx Store) error {
			p, err := tx.GetPayment(ctx, id)
			if err != nil {
				return err
			}
			if p == nil {
				return &NotFoundError{Kind: "payment", ID: string(id)}
			}
			entry, err := e.loadEntry(ctx, tx, p.EntryID)
			if err != nil {
				return err
			}
			inst, err := installmentFor(ctx, tx, *entry)
			if err != nil {
				return err
			}
			history, err := tx.ListPayments(ctx, entry.ID)
			if err != nil {
				return err
			}
			if inst != nil && inst.IsPaid() {
				// Paid outside the ledger: the history alone never settled it,
				// so replaying it would reopen an installment that is paid.
				if full, _ := Settle(*entry, inst, history, today); !full.IsPaid() {
					return conflict("installment %d of contract %s was paid outside the ledger; its payments cannot be replayed",
						inst.Sequence, inst.ContractID)
				}
			}
			if err := tx.DeletePayment(ctx, id); err != nil {
				return err
			}

			remaining := make([]Payment, 0, len(history))
			for _, h := range history {
				if h.ID != id {
					remaining = append(remaining, h)
				}
			}
			settled, settledInst := Settle(*entry, inst, remaining, today)
			if err := saveEntry(ctx, tx, &settled, e.Clock.Now()); err != nil {
				return err
			}
			if settledInst != nil {
				if err := saveInstallment(ctx, tx, settledInst); err != nil {
					return err
				}
			}
			out = settled
			return e.audit(ctx, tx, actor, AuditPaymentDeleted, string(id), map[string]any{
				"entry_id":    entry.ID,
				"amount":      p.Amount.StringFixed(2),
				"status":      settled.Status,
				"outstanding": settled.Outstanding.StringFixed(2),
			})
		})
	})
	if err != nil {
		return nil, fmt.Errorf("delete payment %s: %w", id, err)
	}
	return &out, nil
}

// =============================================================================
// READS
// =============================================================================

func (e *Engine) GetPayment(ctx context.Context, id PaymentID) (*Payment, error) {
	p, err := e.Store.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, &NotFoundError{Kind: "payment", ID: string(id)}
	}
	return p, nil
}

func (e *Engine) ListPayments(ctx context.Context, entryID EntryID) ([]Payment, error) {
	if _, err := e.loadEntry(ctx, e.Store, entryID); err != nil {
		return nil, err
	}
	return e.Store.ListPayments(ctx, entryID)
}
