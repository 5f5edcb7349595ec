package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/tuition-billing/billing"
	"github.com/warp/tuition-billing/billing/store"
)

// =============================================================================
// BACKFILL
// =============================================================================

func TestReconcile_BackfillsAndIsIdempotent(t *testing.T) {
	// GIVEN: Two legacy contracts without installments, one new contract
	//        without ledger entries, and one cancelled legacy contract
	// WHEN: Reconciliation runs twice
	// THEN: The first run fills 12 installments and 18 entries over the three
	//       active contracts; the second run changes nothing
	e, mem := newTestEngine(t, billing.WithWorkers(2))
	ctx := context.Background()
	legacyContract(t, mem, "legacy-1", "stu-1")
	legacyContract(t, mem, "legacy-2", "stu-2")
	cancelled := legacyContract(t, mem, "legacy-3", "stu-4")
	cancelled.Status = billing.ContractCancelled
	require.NoError(t, mem.SaveContract(ctx, cancelled))
	mustCreate(t, e, standardTerms("stu-3"))

	first, err := e.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, first.ContractsScanned)
	assert.Equal(t, 12, first.InstallmentsCreated)
	assert.Equal(t, 18, first.EntriesCreated)
	assert.Zero(t, first.EntriesRepaired)
	assert.Empty(t, first.Failures)

	second, err := e.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, second.ContractsScanned)
	assert.Zero(t, second.Mutations())

	insts, err := mem.ListInstallments(ctx, "legacy-3")
	require.NoError(t, err)
	assert.Empty(t, insts, "cancelled contracts are left alone")
}

func TestReconcile_BackfilledEntriesCarryDiscountShares(t *testing.T) {
	mem := newMemory()
	e := engineAt(mem, today)
	ctx := context.Background()
	c := legacyContract(t, mem, "legacy-1", "stu-1")
	c.DiscountPercent = amount("10")
	require.NoError(t, mem.SaveContract(ctx, c))

	_, err := e.Reconcile(ctx)
	require.NoError(t, err)

	entries, err := mem.ListEntries(ctx, billing.EntryFilter{ContractID: c.ID})
	require.NoError(t, err)
	require.Len(t, entries, 6)
	assert.Equal(t, "20.00", entries[0].Discount.StringFixed(2))
	assert.Equal(t, "5.00", entries[5].Discount.StringFixed(2))
}

// =============================================================================
// REPAIR
// =============================================================================

func TestRepairEntry(t *testing.T) {
	paidOn := date(2025, time.April, 3)
	seq := 2
	entry := billing.LedgerEntry{
		ID:          "e-1",
		Final:       amount("50"),
		Outstanding: amount("50"),
		Status:      billing.EntryPending,
		Sequence:    &seq,
	}

	t.Run("installment paid, entry not", func(t *testing.T) {
		inst := billing.Installment{Sequence: 2, Status: billing.InstallmentPaid, PaidDate: &paidOn}
		got, changed := billing.RepairEntry(entry, inst)
		assert.True(t, changed)
		assert.Equal(t, billing.EntryPaid, got.Status)
		assert.True(t, got.Outstanding.IsZero())
		require.NotNil(t, got.PaidDate)
		assert.True(t, got.PaidDate.Equal(paidOn))
	})

	t.Run("entry paid, installment partially paid", func(t *testing.T) {
		paid := entry
		paid.Status = billing.EntryPaid
		paid.Outstanding = amount("0")
		inst := billing.Installment{Sequence: 2, Status: billing.InstallmentPending}
		inst.PaidAmount.Valid = true
		inst.PaidAmount.Decimal = amount("20")

		got, changed := billing.RepairEntry(paid, inst)
		assert.True(t, changed)
		assert.Equal(t, billing.EntryPartial, got.Status)
		assert.Equal(t, "30.00", got.Outstanding.StringFixed(2))
		assert.Nil(t, got.PaidDate)
	})

	t.Run("already in agreement", func(t *testing.T) {
		inst := billing.Installment{Sequence: 2, Status: billing.InstallmentPending}
		_, changed := billing.RepairEntry(entry, inst)
		assert.False(t, changed)
	})
}

func TestReconcile_RepairsEntryFromPaidInstallment(t *testing.T) {
	// GIVEN: Installment 3 marked PAID by an older system, no ledger entry
	// WHEN: Reconciliation runs
	// THEN: The entry is created and immediately repaired to PAID
	e, mem := newTestEngine(t)
	ctx := context.Background()
	c, _ := mustCreate(t, e, standardTerms("stu-1"))

	paidOn := date(2025, time.March, 5)
	inst := installment(t, mem, c.ID, 3)
	inst.Status = billing.InstallmentPaid
	inst.PaidDate = &paidOn
	require.NoError(t, mem.UpdateInstallment(ctx, inst))

	report, err := e.ReconcileContract(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 6, report.EntriesCreated)
	assert.Equal(t, 1, report.EntriesRepaired)

	entry, err := mem.GetEntryBySequence(ctx, c.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, billing.EntryPaid, entry.Status)
	require.NotNil(t, entry.PaidDate)
	assert.True(t, entry.PaidDate.Equal(paidOn))

	again, err := e.ReconcileContract(ctx, c.ID)
	require.NoError(t, err)
	assert.Zero(t, again.Mutations())

	diag, err := e.Diagnose(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, diag.Issues, "an entry repaired from its installment is not balance drift")
}

func TestReconcile_UnpaysEntryWhenInstallmentReopened(t *testing.T) {
	e, mem := newTestEngine(t)
	ctx := context.Background()
	c, _ := mustCreate(t, e, standardTerms("stu-1"))
	mustPay(t, e, payInstallment(c, 2, "50"))

	inst := installment(t, mem, c.ID, 2)
	inst.Status = billing.InstallmentPending
	inst.PaidDate = nil
	inst.PaidAmount.Valid = false
	require.NoError(t, mem.UpdateInstallment(ctx, inst))

	report, err := e.ReconcileContract(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, report.EntriesRepaired)

	entry, err := mem.GetEntryBySequence(ctx, c.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, billing.EntryPending, entry.Status)
	assert.Equal(t, "50.00", entry.Outstanding.StringFixed(2))
}

// =============================================================================
// FAILURE + CANCELLATION
// =============================================================================

// entryInsertFailing refuses ledger entries for one contract.
type entryInsertFailing struct {
	*store.Memory
	contractID billing.ContractID
}

func (f entryInsertFailing) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	return f.Memory.WithTx(ctx, func(tx billing.Store) error {
		return fn(insertFails{Store: tx, contractID: f.contractID})
	})
}

type insertFails struct {
	billing.Store
	contractID billing.ContractID
}

func (s insertFails) InsertEntry(ctx context.Context, e billing.LedgerEntry) error {
	if e.ContractID == s.contractID {
		return errInjected
	}
	return s.Store.InsertEntry(ctx, e)
}

func TestReconcile_CollectsPerContractFailures(t *testing.T) {
	// GIVEN: Entry creation fails for legacy-2 only
	// THEN: legacy-1 is fully reconciled, legacy-2 is reported and rolled
	//       back as a whole (no installments either)
	mem := newMemory()
	ctx := context.Background()
	legacyContract(t, mem, "legacy-1", "stu-1")
	legacyContract(t, mem, "legacy-2", "stu-2")
	e := billing.NewEngine(entryInsertFailing{Memory: mem, contractID: "legacy-2"},
		billing.WithClock(billing.FixedClock(today)))

	report, err := e.Reconcile(ctx)

	require.NoError(t, err)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, billing.ContractID("legacy-2"), report.Failures[0].ContractID)
	assert.ErrorIs(t, report.Failures[0].Err, errInjected)
	assert.Equal(t, 6, report.EntriesCreated)

	insts, err := mem.ListInstallments(ctx, "legacy-2")
	require.NoError(t, err)
	assert.Empty(t, insts)
}

func TestReconcile_StopsOnCancellation(t *testing.T) {
	e, mem := newTestEngine(t)
	legacyContract(t, mem, "legacy-1", "stu-1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := e.Reconcile(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, report.Mutations())

	// Rerunning picks up from where the cancelled run stopped
	report, err = e.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, report.InstallmentsCreated)
}

// =============================================================================
// DIAGNOSE
// =============================================================================

func countIssues(d *billing.Diagnosis, kind billing.IssueKind) int {
	n := 0
	for _, issue := range d.Issues {
		if issue.Kind == kind {
			n++
		}
	}
	return n
}

func TestDiagnose(t *testing.T) {
	e, mem := newTestEngine(t)
	ctx := context.Background()

	legacy := legacyContract(t, mem, "legacy-1", "stu-1")
	diag, err := e.Diagnose(ctx, legacy.ID)
	require.NoError(t, err)
	assert.Equal(t, 6, countIssues(diag, billing.IssueMissingInstallment))

	c, _ := mustCreate(t, e, standardTerms("stu-2"))
	diag, err = e.Diagnose(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 6, countIssues(diag, billing.IssueMissingEntry))

	// Status drift: installment reopened behind the ledger's back
	mustPay(t, e, payInstallment(c, 2, "50"))
	inst := installment(t, mem, c.ID, 2)
	inst.Status = billing.InstallmentPending
	require.NoError(t, mem.UpdateInstallment(ctx, inst))

	// Balance drift: stored outstanding disagrees with payment history
	partial := mustPay(t, e, payInstallment(c, 4, "20"))
	drifted := partial.Entry
	drifted.Outstanding = amount("10")
	require.NoError(t, mem.UpdateEntry(ctx, drifted))

	diag, err = e.Diagnose(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, countIssues(diag, billing.IssueStatusDrift))
	assert.Equal(t, 1, countIssues(diag, billing.IssueBalanceDrift))
	assert.Equal(t, 4, countIssues(diag, billing.IssueMissingEntry))

	stored, err := mem.GetEntry(ctx, drifted.ID)
	require.NoError(t, err)
	assert.Equal(t, "10.00", stored.Outstanding.StringFixed(2), "diagnosis never writes")
}
