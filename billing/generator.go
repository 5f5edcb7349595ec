/*
generator.go - Installment schedule derivation

PURPOSE:
  Turns contract terms into exactly InstallmentCount installments.

FRONT-LOADED FEE RULE:
  Installment 1 = monthly fee + enrollment fee.
  Installments 2..N = monthly fee.
  The enrollment fee is never billed as a separate installment.

DUE DATES:
  Base date is the validity start, not the signing date. Installment k is
  due k months after the base date (so the first bill lands one month after
  classes start). Days past the end of a shorter month clamp to its last day.

IDEMPOTENCY:
  GenerateInstallments refuses to run when installments exist unless forced.
  Forced runs only fill missing sequence numbers; existing rows are never
  duplicated or touched. Reconciliation uses the same fill.

MIGRATIONS:
  RealignDueDates and RealignAmounts rewrite unpaid installments (and their
  untouched ledger entries) to the current rule. Both are idempotent.
*/
package billing

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// Schedule derives the full installment list for c. Pure.
func Schedule(c Contract) []Installment {
	insts := make([]Installment, c.InstallmentCount)
	for k := 1; k <= c.InstallmentCount; k++ {
		amount := c.MonthlyFee
		if k == 1 {
			amount = amount.Add(c.EnrollmentFee)
		}
		insts[k-1] = Installment{
			ContractID: c.ID,
			Sequence:   k,
			Amount:     amount,
			DueDate:    c.ValidFrom.AddMonths(k),
			Interest:   decimal.Zero,
			Fine:       decimal.Zero,
			Discount:   decimal.Zero,
			Status:     InstallmentPending,
			Version:    1,
		}
	}
	return insts
}

// missingInstallments returns the scheduled installments whose sequence
// number is not in existing.
func missingInstallments(c Contract, existing []Installment) []Installment {
	have := make(map[int]bool, len(existing))
	for _, inst := range existing {
		have[inst.Sequence] = true
	}
	var missing []Installment
	for _, inst := range Schedule(c) {
		if !have[inst.Sequence] {
			missing = append(missing, inst)
		}
	}
	return missing
}

// contractKeys lists the lock keys of every installment-backed entry of c,
// in sequence order.
func contractKeys(c Contract) []string {
	keys := make([]string, 0, c.InstallmentCount)
	for k := 1; k <= c.InstallmentCount; k++ {
		keys = append(keys, installmentKey(c.ID, k))
	}
	return keys
}

// GenerateInstallments creates the contract's installments. Without force it
// fails with a conflict when any installment already exists; with force it
// creates only the missing sequence numbers. Returns what was created.
func (e *Engine) GenerateInstallments(ctx context.Context, id ContractID, force bool, actor string) ([]Installment, error) {
	c, err := e.loadContract(ctx, e.Store, id)
	if err != nil {
		return nil, err
	}
	unlock := e.Locks.LockAll(contractKeys(*c))
	defer unlock()

	var created []Installment
	err = e.Store.WithTx(ctx, func(tx Store) error {
		c, err := e.loadContract(ctx, tx, id)
		if err != nil {
			return err
		}
		if !c.IsActive() {
			return conflict("contract %s is %s", c.Number, c.Status)
		}
		existing, err := tx.ListInstallments(ctx, id)
		if err != nil {
			return err
		}
		if len(existing) > 0 && !force {
			return conflict("contract %s already has %d installments", c.Number, len(existing))
		}
		created = missingInstallments(*c, existing)
		if len(created) == 0 {
			return nil
		}
		if err := tx.InsertInstallments(ctx, created); err != nil {
			return err
		}
		return e.audit(ctx, tx, actor, AuditInstallmentsGenerated, string(id), map[string]any{
			"created": len(created),
			"forced":  force,
		})
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// ListInstallments returns the contract's installments with OVERDUE derived.
func (e *Engine) ListInstallments(ctx context.Context, id ContractID) ([]Installment, error) {
	if _, err := e.loadContract(ctx, e.Store, id); err != nil {
		return nil, err
	}
	insts, err := e.Store.ListInstallments(ctx, id)
	if err != nil {
		return nil, err
	}
	today := e.Clock.Today()
	for i := range insts {
		insts[i].Status = insts[i].EffectiveStatus(today)
	}
	return insts, nil
}

// =============================================================================
// MIGRATIONS
// =============================================================================

// RealignDueDates resets unpaid due dates to validity start + sequence months.
func (e *Engine) RealignDueDates(ctx context.Context, id ContractID, actor string) (int, error) {
	return e.realign(ctx, id, actor, "due_dates", func(planned Installment, inst *Installment) bool {
		if inst.DueDate.Equal(planned.DueDate) {
			return false
		}
		inst.DueDate = planned.DueDate
		return true
	})
}

// RealignAmounts resets unpaid nominal amounts to the front-loaded fee rule.
func (e *Engine) RealignAmounts(ctx context.Context, id ContractID, actor string) (int, error) {
	return e.realign(ctx, id, actor, "amounts", func(planned Installment, inst *Installment) bool {
		if inst.Amount.Equal(planned.Amount) {
			return false
		}
		inst.Amount = planned.Amount
		return true
	})
}

// realign rewrites installments with nothing paid against them. The mirrored
// ledger entry, when it exists and has no payments, follows the installment.
func (e *Engine) realign(ctx context.Context, id ContractID, actor, what string, apply func(planned Installment, inst *Installment) bool) (int, error) {
	c, err := e.loadContract(ctx, e.Store, id)
	if err != nil {
		return 0, err
	}
	unlock := e.Locks.LockAll(contractKeys(*c))
	defer unlock()

	today := e.Clock.Today()
	now := e.Clock.Now()
	changed := 0
	err = withRetry(func() error {
		changed = 0
		return e.Store.WithTx(ctx, func(tx Store) error {
			c, err := e.loadContract(ctx, tx, id)
			if err != nil {
				return err
			}
			insts, err := tx.ListInstallments(ctx, id)
			if err != nil {
				return err
			}
			planned := Schedule(*c)
			discounts := entryDiscounts(*c)

			for i := range insts {
				inst := insts[i]
				if inst.IsPaid() || inst.PaidSoFar().IsPositive() || inst.Sequence > len(planned) {
					continue
				}
				entry, err := tx.GetEntryBySequence(ctx, id, inst.Sequence)
				if err != nil {
					return err
				}
				if entry != nil {
					payments, err := tx.ListPayments(ctx, entry.ID)
					if err != nil {
						return err
					}
					if len(payments) > 0 {
						continue
					}
				}
				if !apply(planned[inst.Sequence-1], &inst) {
					continue
				}

				if entry != nil {
					entry.Original = inst.Amount
					entry.Discount = discounts[inst.Sequence-1]
					entry.DueDate = inst.DueDate
					settled, settledInst := Settle(*entry, &inst, nil, today)
					if err := saveEntry(ctx, tx, &settled, now); err != nil {
						return err
					}
					inst = *settledInst
				}
				if err := saveInstallment(ctx, tx, &inst); err != nil {
					return err
				}
				changed++
			}
			if changed == 0 {
				return nil
			}
			return e.audit(ctx, tx, actor, AuditInstallmentsRealigned, string(id), map[string]any{
				"what":    what,
				"changed": changed,
			})
		})
	})
	if err != nil {
		return 0, fmt.Errorf("realign %s for contract %s: %w", what, id, err)
	}
	return changed, nil
}
