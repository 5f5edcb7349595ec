/*
overdue.go - Overdue assessment

PURPOSE:
  The scheduled pass that stamps interest and fine onto installments past
  their due date. The Payment Applier never computes penalties; it only
  reads what this pass stored.

PENALTIES:
  fine     = nominal * FinePercent / 100                (charged once)
  interest = nominal * MonthlyInterestPercent / 100 / 30 * daysOverdue
  Both are rounded half-up to cents and only ever raised: a later run with
  the same date changes nothing, and a run with an earlier date cannot
  lower what was already charged.

SIDE EFFECTS:
  The installment's stored status becomes OVERDUE. If the installment has
  an unpaid ledger entry, the entry is re-settled so its interest, final
  amount and outstanding balance include the new penalties.
*/
package billing

import (
	"context"
	"fmt"
	"log"

	"github.com/shopspring/decimal"
	"github.com/warp/tuition-billing/money"
)

// AssessmentReport summarizes one overdue pass.
type AssessmentReport struct {
	Scanned int
	Updated int
}

// Penalties computes fine and interest for inst as of asOf. Pure.
func (r OverdueRates) Penalties(inst Installment, asOf Date) (fine, interest decimal.Decimal) {
	days := inst.DueDate.DaysUntil(asOf)
	if days <= 0 {
		return decimal.Zero, decimal.Zero
	}
	fine = money.Percent(inst.Amount, r.FinePercent)
	interest = money.Round(inst.Amount.
		Mul(r.MonthlyInterestPercent).
		Div(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(30)).
		Mul(decimal.NewFromInt(int64(days))))
	return fine, interest
}

// AssessOverdue stamps penalties on every unpaid installment due before asOf.
// Cancelling ctx stops between installments.
func (e *Engine) AssessOverdue(ctx context.Context, asOf Date) (AssessmentReport, error) {
	due, err := e.Store.ListUnpaidDueBefore(ctx, asOf)
	if err != nil {
		return AssessmentReport{}, fmt.Errorf("list overdue installments: %w", err)
	}

	var report AssessmentReport
	for _, inst := range due {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Scanned++
		changed, err := e.assessOne(ctx, inst.ContractID, inst.Sequence, asOf)
		if err != nil {
			return report, fmt.Errorf("assess installment %d of contract %s: %w", inst.Sequence, inst.ContractID, err)
		}
		if changed {
			report.Updated++
		}
	}
	if report.Updated > 0 {
		log.Printf("[Overdue] Assessed %d installments as of %s (%d updated)", report.Scanned, asOf, report.Updated)
	}
	return report, nil
}

func (e *Engine) assessOne(ctx context.Context, contractID ContractID, seq int, asOf Date) (bool, error) {
	unlock := e.Locks.Lock(installmentKey(contractID, seq))
	defer unlock()

	changed := false
	err := withRetry(func() error {
		changed = false
		return e.Store.WithTx(ctx, func(tx Store) error {
			inst, err := tx.GetInstallment(ctx, contractID, seq)
			if err != nil || inst == nil {
				return err
			}
			if inst.IsPaid() || inst.DueDate.AfterOrEqual(asOf) {
				return nil
			}
			c, err := tx.GetContract(ctx, contractID)
			if err != nil {
				return err
			}
			if c != nil && c.Status == ContractCancelled {
				return nil
			}

			fine, interest := e.Rates.Penalties(*inst, asOf)
			next := *inst
			next.Fine = money.Max(inst.Fine, fine)
			next.Interest = money.Max(inst.Interest, interest)
			next.Status = InstallmentOverdue
			if next.Fine.Equal(inst.Fine) && next.Interest.Equal(inst.Interest) && inst.Status == InstallmentOverdue {
				return nil
			}

			entry, err := tx.GetEntryBySequence(ctx, contractID, seq)
			if err != nil {
				return err
			}
			if entry != nil && !entry.IsPaid() {
				payments, err := tx.ListPayments(ctx, entry.ID)
				if err != nil {
					return err
				}
				settled, settledInst := Settle(*entry, &next, payments, e.Clock.Today())
				if err := saveEntry(ctx, tx, &settled, e.Clock.Now()); err != nil {
					return err
				}
				next = *settledInst
			}
			if err := saveInstallment(ctx, tx, &next); err != nil {
				return err
			}
			changed = true
			return e.audit(ctx, tx, "", AuditOverdueAssessed, installmentKey(contractID, seq), map[string]any{
				"as_of":    asOf.String(),
				"fine":     next.Fine.StringFixed(2),
				"interest": next.Interest.StringFixed(2),
			})
		})
	})
	return changed, err
}
