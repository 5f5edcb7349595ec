/*
reconcile.go - Backfill and status repair

PURPOSE:
  Keeps the receivable ledger a faithful projection of the installments.
  For every ACTIVE contract:

  1. Fill:     create installments for missing sequence numbers
  2. Backfill: create the ledger entry of every installment that lacks one
  3. Repair:   make each entry's paid status agree with its installment

SOURCE OF TRUTH:
  The installment decides "has this been paid". RepairEntry is a pure
  function of (entry, installment) that only ever moves the entry.

IDEMPOTENCY:
  Every step checks before it writes, so a second run over unchanged data
  reports zero mutations.

CONCURRENCY:
  Contracts are processed in parallel by a bounded errgroup. Each contract
  runs in its own transaction while holding the lock keys of its entries,
  so a live payment waits at most for one contract's repair step.

CANCELLATION:
  The context is checked before each contract starts. A contract that has
  started either commits fully or rolls back; nothing is half-applied.
  Rerunning after cancellation picks up where the last run stopped.
*/
package billing

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Report summarizes a reconciliation pass.
type Report struct {
	ContractsScanned    int
	InstallmentsCreated int
	EntriesCreated      int
	EntriesRepaired     int
	Failures            []ContractFailure
}

// ContractFailure is one contract that could not be reconciled.
type ContractFailure struct {
	ContractID ContractID
	Err        error
}

// Mutations is the number of rows reconciliation wrote.
func (r Report) Mutations() int {
	return r.InstallmentsCreated + r.EntriesCreated + r.EntriesRepaired
}

func (r *Report) merge(other Report) {
	r.ContractsScanned += other.ContractsScanned
	r.InstallmentsCreated += other.InstallmentsCreated
	r.EntriesCreated += other.EntriesCreated
	r.EntriesRepaired += other.EntriesRepaired
	r.Failures = append(r.Failures, other.Failures...)
}

// =============================================================================
// REPAIR - Pure
// =============================================================================

// RepairEntry aligns the entry's paid status with the installment.
//
//   - installment PAID, entry not PAID: entry becomes PAID, outstanding 0,
//     paid date taken from the installment
//   - installment not PAID, entry PAID: entry goes back to PARTIAL or
//     PENDING with outstanding = final - installment paid amount
//
// When the second case would leave nothing outstanding the entry cannot be
// unpaid without breaking its own invariant; it is left alone and surfaces
// in Diagnose instead. Returns the entry and whether it changed.
func RepairEntry(entry LedgerEntry, inst Installment) (LedgerEntry, bool) {
	switch {
	case inst.IsPaid() && !entry.IsPaid():
		entry.Status = EntryPaid
		entry.Outstanding = decimal.Zero
		if inst.PaidDate != nil {
			d := *inst.PaidDate
			entry.PaidDate = &d
		}
		return entry, true

	case !inst.IsPaid() && entry.IsPaid():
		outstanding := entry.Final.Sub(inst.PaidSoFar())
		if !outstanding.IsPositive() {
			return entry, false
		}
		entry.Outstanding = outstanding
		entry.PaidDate = nil
		entry.Status = EntryPending
		if inst.PaidSoFar().IsPositive() {
			entry.Status = EntryPartial
		}
		return entry, true
	}
	return entry, false
}

// =============================================================================
// RUN
// =============================================================================

// Reconcile runs fill, backfill and repair over every ACTIVE contract.
// Per-contract failures are collected in the report; the returned error is
// non-nil only when listing contracts fails or ctx is cancelled.
func (e *Engine) Reconcile(ctx context.Context) (Report, error) {
	contracts, err := e.Store.ListContracts(ctx, ContractFilter{Status: ContractActive})
	if err != nil {
		return Report{}, fmt.Errorf("list active contracts: %w", err)
	}

	var (
		mu     sync.Mutex
		report Report
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.Workers)

	for _, c := range contracts {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			r, err := e.reconcileContract(gctx, c)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if isCtxErr(err) {
					return nil
				}
				log.Printf("[Reconcile] Contract %s (%s) failed: %v", c.Number, c.ID, err)
				report.Failures = append(report.Failures, ContractFailure{ContractID: c.ID, Err: err})
				return nil
			}
			report.merge(r)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

// ReconcileContract runs the pass for one contract, whatever its status.
func (e *Engine) ReconcileContract(ctx context.Context, id ContractID) (Report, error) {
	c, err := e.loadContract(ctx, e.Store, id)
	if err != nil {
		return Report{}, err
	}
	return e.reconcileContract(ctx, *c)
}

func (e *Engine) reconcileContract(ctx context.Context, c Contract) (Report, error) {
	unlock := e.Locks.LockAll(contractKeys(c))
	defer unlock()

	var report Report
	err := withRetry(func() error {
		report = Report{ContractsScanned: 1}
		return e.Store.WithTx(ctx, func(tx Store) error {
			return e.reconcileTx(ctx, tx, c.ID, &report)
		})
	})
	if err != nil {
		return Report{}, err
	}
	return report, nil
}

func (e *Engine) reconcileTx(ctx context.Context, tx Store, id ContractID, report *Report) error {
	c, err := e.loadContract(ctx, tx, id)
	if err != nil {
		return err
	}
	insts, err := tx.ListInstallments(ctx, id)
	if err != nil {
		return err
	}

	if missing := missingInstallments(*c, insts); len(missing) > 0 {
		if err := tx.InsertInstallments(ctx, missing); err != nil {
			return err
		}
		report.InstallmentsCreated += len(missing)
		insts, err = tx.ListInstallments(ctx, id)
		if err != nil {
			return err
		}
	}

	now := e.Clock.Now()
	for _, inst := range insts {
		entry, created, err := e.ensureEntryTx(ctx, tx, *c, inst)
		if err != nil {
			return err
		}
		if created {
			report.EntriesCreated++
		}
		repaired, changed := RepairEntry(*entry, inst)
		if !changed {
			continue
		}
		if err := saveEntry(ctx, tx, &repaired, now); err != nil {
			return err
		}
		report.EntriesRepaired++
	}

	if report.Mutations() == 0 {
		return nil
	}
	return e.audit(ctx, tx, "", AuditReconciliation, string(id), map[string]any{
		"installments_created": report.InstallmentsCreated,
		"entries_created":      report.EntriesCreated,
		"entries_repaired":     report.EntriesRepaired,
	})
}

// =============================================================================
// DIAGNOSE - Read-only drift report
// =============================================================================

type IssueKind string

const (
	IssueMissingInstallment IssueKind = "missing_installment"
	IssueMissingEntry       IssueKind = "missing_entry"
	IssueStatusDrift        IssueKind = "status_drift"
	IssueBalanceDrift       IssueKind = "balance_drift"
)

type Issue struct {
	Kind     IssueKind
	Sequence int
	Detail   string
}

// Diagnosis is a snapshot of one contract and everything wrong with it.
type Diagnosis struct {
	Contract     Contract
	Installments []Installment
	Entries      []LedgerEntry
	Issues       []Issue
}

// Diagnose inspects a contract without changing anything.
func (e *Engine) Diagnose(ctx context.Context, id ContractID) (*Diagnosis, error) {
	c, err := e.loadContract(ctx, e.Store, id)
	if err != nil {
		return nil, err
	}
	insts, err := e.Store.ListInstallments(ctx, id)
	if err != nil {
		return nil, err
	}
	entries, err := e.Store.ListEntries(ctx, EntryFilter{ContractID: id})
	if err != nil {
		return nil, err
	}
	d := &Diagnosis{Contract: *c, Installments: insts, Entries: entries}

	for _, m := range missingInstallments(*c, insts) {
		d.Issues = append(d.Issues, Issue{Kind: IssueMissingInstallment, Sequence: m.Sequence,
			Detail: fmt.Sprintf("installment %d/%d was never generated", m.Sequence, c.InstallmentCount)})
	}

	bySeq := make(map[int]LedgerEntry)
	for _, entry := range entries {
		if entry.Sequence != nil {
			bySeq[*entry.Sequence] = entry
		}
	}
	today := e.Clock.Today()
	for _, inst := range insts {
		entry, ok := bySeq[inst.Sequence]
		if !ok {
			d.Issues = append(d.Issues, Issue{Kind: IssueMissingEntry, Sequence: inst.Sequence,
				Detail: "installment has no ledger entry"})
			continue
		}
		if inst.IsPaid() != entry.IsPaid() {
			d.Issues = append(d.Issues, Issue{Kind: IssueStatusDrift, Sequence: inst.Sequence,
				Detail: fmt.Sprintf("installment %s, ledger entry %s", inst.Status, entry.Status)})
		}
	}

	for _, entry := range entries {
		payments, err := e.Store.ListPayments(ctx, entry.ID)
		if err != nil {
			return nil, err
		}
		var inst *Installment
		if entry.Sequence != nil {
			for i := range insts {
				if insts[i].Sequence == *entry.Sequence {
					inst = &insts[i]
				}
			}
		}
		if entry.IsPaid() && (len(payments) == 0 || inst != nil && inst.IsPaid()) {
			// Settled outside the ledger and repaired from the installment.
			continue
		}
		replayed, _ := Settle(entry, inst, payments, today)
		if !replayed.Outstanding.Equal(entry.Outstanding) {
			seq := 0
			if entry.Sequence != nil {
				seq = *entry.Sequence
			}
			d.Issues = append(d.Issues, Issue{Kind: IssueBalanceDrift, Sequence: seq,
				Detail: fmt.Sprintf("entry %s stores outstanding %s, payments give %s",
					entry.ID, entry.Outstanding.StringFixed(2), replayed.Outstanding.StringFixed(2))})
		}
	}
	return d, nil
}
