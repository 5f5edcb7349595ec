package billing_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/tuition-billing/billing"
)

// =============================================================================
// FULL AND PARTIAL PAYMENTS
// =============================================================================

func TestApplyPayment_FullPaymentSettlesBothSides(t *testing.T) {
	// GIVEN: Installment 2 (50.00) with no ledger entry yet
	// WHEN: 50.00 is paid against the installment
	// THEN: The entry is created and PAID, the installment is PAID with the
	//       paid amount and date, and a second payment is refused
	e, mem := newTestEngine(t)
	ctx := context.Background()
	c, _ := mustCreate(t, e, standardTerms("stu-1"))

	res := mustPay(t, e, payInstallment(c, 2, "50"))

	assert.True(t, res.EntryCreated)
	assert.True(t, res.Payment.Full)
	assert.Equal(t, billing.EntryPaid, res.Entry.Status)
	assert.True(t, res.Entry.Outstanding.IsZero())
	require.NotNil(t, res.Entry.PaidDate)
	assert.True(t, res.Entry.PaidDate.Equal(today))

	inst := installment(t, mem, c.ID, 2)
	assert.Equal(t, billing.InstallmentPaid, inst.Status)
	require.NotNil(t, inst.PaidDate)
	assert.Equal(t, "50.00", inst.PaidSoFar().StringFixed(2))

	_, err := e.ApplyPayment(ctx, payInstallment(c, 2, "10"))
	assert.ErrorIs(t, err, billing.ErrConflict, "PAID is terminal")

	payments, err := e.ListPayments(ctx, res.Entry.ID)
	require.NoError(t, err)
	assert.Len(t, payments, 1)
}

func TestApplyPayment_PartialThenFull(t *testing.T) {
	e, mem := newTestEngine(t)
	c, _ := mustCreate(t, e, standardTerms("stu-1"))

	first := mustPay(t, e, payInstallment(c, 2, "20"))
	assert.Equal(t, billing.EntryPartial, first.Entry.Status)
	assert.Equal(t, "30.00", first.Entry.Outstanding.StringFixed(2))
	assert.False(t, first.Payment.Full)
	assert.Nil(t, first.Entry.PaidDate)

	inst := installment(t, mem, c.ID, 2)
	assert.Equal(t, billing.InstallmentPending, inst.Status)
	assert.Nil(t, inst.PaidDate, "partial payments leave the paid date empty")
	assert.Equal(t, "20.00", inst.PaidSoFar().StringFixed(2))

	second := mustPay(t, e, billing.PaymentInput{
		EntryID: first.Entry.ID,
		Amount:  amount("30"),
		Date:    today,
		Method:  billing.MethodBoleto,
	})
	assert.False(t, second.EntryCreated)
	assert.Equal(t, billing.EntryPaid, second.Entry.Status)
	assert.True(t, second.Payment.Full)
	assert.Equal(t, billing.InstallmentPaid, installment(t, mem, c.ID, 2).Status)
	assert.Equal(t, "50.00", installment(t, mem, c.ID, 2).PaidSoFar().StringFixed(2))
}

func TestApplyPayment_Overpayment(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	c, _ := mustCreate(t, e, standardTerms("stu-1"))

	_, err := e.ApplyPayment(ctx, payInstallment(c, 2, "50.02"))
	var cerr *billing.ConsistencyError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "50.00", cerr.Outstanding.StringFixed(2))

	entries, err := e.ListOutstanding(ctx, billing.OutstandingFilter{ContractID: c.ID})
	require.NoError(t, err)
	assert.Empty(t, entries, "a rejected payment leaves no trace, not even the lazily created entry")

	// One cent of tolerance
	res := mustPay(t, e, payInstallment(c, 2, "50.01"))
	assert.Equal(t, billing.EntryPaid, res.Entry.Status)
	assert.True(t, res.Entry.Outstanding.IsZero(), "outstanding is clamped at zero")
}

// =============================================================================
// DISCOUNTS AND WAIVERS
// =============================================================================

func TestApplyPayment_PercentDiscountOnOutstanding(t *testing.T) {
	// GIVEN: 50.00 outstanding
	// WHEN: 20.00 is paid with a 10% discount
	// THEN: The discount is 10% of the outstanding (5.00), credit 25.00
	e, mem := newTestEngine(t)
	c, _ := mustCreate(t, e, standardTerms("stu-1"))

	in := payInstallment(c, 2, "20")
	in.DiscountPercent = ptr(amount("10"))
	res := mustPay(t, e, in)

	assert.Equal(t, "5.00", res.Payment.DiscountApplied.StringFixed(2))
	assert.Equal(t, "25.00", res.Entry.Outstanding.StringFixed(2))
	assert.True(t, res.Entry.Discount.IsZero(), "the contract-level discount on the entry is not touched")
	assert.Equal(t, "5.00", installment(t, mem, c.ID, 2).Discount.StringFixed(2))
}

func TestApplyPayment_PercentWinsOverAmount(t *testing.T) {
	e, _ := newTestEngine(t)
	c, _ := mustCreate(t, e, standardTerms("stu-1"))

	in := payInstallment(c, 2, "10")
	in.DiscountPercent = ptr(amount("20"))
	in.DiscountAmount = ptr(amount("1"))
	res := mustPay(t, e, in)

	assert.Equal(t, "10.00", res.Payment.DiscountApplied.StringFixed(2))
}

func TestApplyPayment_ZeroAmountWaiver(t *testing.T) {
	tests := []struct {
		name    string
		percent string
		absolut string
	}{
		{"full percentage", "100", ""},
		{"absolute equal to outstanding", "", "50"},
		{"absolute above outstanding", "", "80"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, mem := newTestEngine(t)
			c, _ := mustCreate(t, e, standardTerms("stu-1"))

			in := payInstallment(c, 2, "0")
			if tt.percent != "" {
				in.DiscountPercent = ptr(amount(tt.percent))
			}
			if tt.absolut != "" {
				in.DiscountAmount = ptr(amount(tt.absolut))
			}
			res := mustPay(t, e, in)

			assert.Equal(t, billing.EntryPaid, res.Entry.Status)
			assert.True(t, res.Payment.Full)
			assert.Equal(t, "50.00", res.Payment.DiscountApplied.StringFixed(2), "waiver is capped at the outstanding balance")
			inst := installment(t, mem, c.ID, 2)
			assert.Equal(t, billing.InstallmentPaid, inst.Status)
			assert.Equal(t, "0.00", inst.PaidSoFar().StringFixed(2))
		})
	}
}

func TestApplyPayment_WaiverWithPartialCash(t *testing.T) {
	e, _ := newTestEngine(t)
	c, _ := mustCreate(t, e, standardTerms("stu-1"))

	in := payInstallment(c, 2, "20")
	in.DiscountPercent = ptr(amount("100"))
	res := mustPay(t, e, in)

	assert.Equal(t, billing.EntryPaid, res.Entry.Status)
	assert.Equal(t, "30.00", res.Payment.DiscountApplied.StringFixed(2))
}

func TestApplyPayment_ZeroAmountWithoutWaiverRejected(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	c, _ := mustCreate(t, e, standardTerms("stu-1"))

	_, err := e.ApplyPayment(ctx, payInstallment(c, 2, "0"))
	var verr *billing.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "amount", verr.Field)

	partial := payInstallment(c, 2, "0")
	partial.DiscountAmount = ptr(amount("10"))
	_, err = e.ApplyPayment(ctx, partial)
	assert.ErrorIs(t, err, billing.ErrValidation, "a partial discount does not waive")
}

func TestApplyPayment_DiscountPlusAmountOvershoots(t *testing.T) {
	e, _ := newTestEngine(t)
	c, _ := mustCreate(t, e, standardTerms("stu-1"))

	in := payInstallment(c, 2, "30")
	in.DiscountAmount = ptr(amount("30"))
	_, err := e.ApplyPayment(context.Background(), in)

	assert.ErrorIs(t, err, billing.ErrConsistency)
}

// =============================================================================
// INPUT VALIDATION
// =============================================================================

func TestApplyPayment_Validation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	c, _ := mustCreate(t, e, standardTerms("stu-1"))

	tests := []struct {
		name   string
		mutate func(*billing.PaymentInput)
		field  string
	}{
		{"no target", func(in *billing.PaymentInput) { in.ContractID = "" }, "entry_id"},
		{"future date", func(in *billing.PaymentInput) { in.Date = today.AddDays(1) }, "date"},
		{"missing date", func(in *billing.PaymentInput) { in.Date = billing.Date{} }, "date"},
		{"unknown method", func(in *billing.PaymentInput) { in.Method = "BITCOIN" }, "method"},
		{"negative amount", func(in *billing.PaymentInput) { in.Amount = amount("-5") }, "amount"},
		{"sub-cent amount", func(in *billing.PaymentInput) { in.Amount = amount("10.001") }, "amount"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := payInstallment(c, 2, "10")
			tt.mutate(&in)

			_, err := e.ApplyPayment(ctx, in)

			var verr *billing.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestApplyPayment_UnknownTargets(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	c, _ := mustCreate(t, e, standardTerms("stu-1"))

	_, err := e.ApplyPayment(ctx, payInstallment(c, 9, "10"))
	assert.True(t, billing.IsNotFound(err))

	_, err = e.ApplyPayment(ctx, billing.PaymentInput{EntryID: "missing", Amount: amount("10"), Date: today, Method: billing.MethodCash})
	assert.True(t, billing.IsNotFound(err))
}

func TestApplyPayment_RefusedWhenInstallmentAlreadyPaid(t *testing.T) {
	// GIVEN: An installment marked PAID outside the ledger
	// THEN: A payment against it is a conflict; reconciliation fixes the entry
	e, mem := newTestEngine(t)
	ctx := context.Background()
	c, _ := mustCreate(t, e, standardTerms("stu-1"))

	inst := installment(t, mem, c.ID, 3)
	inst.Status = billing.InstallmentPaid
	require.NoError(t, mem.UpdateInstallment(ctx, inst))

	_, err := e.ApplyPayment(ctx, payInstallment(c, 3, "50"))

	assert.ErrorIs(t, err, billing.ErrConflict)
}

// =============================================================================
// DELETION (REPLAY)
// =============================================================================

func TestDeletePayment_ReversesExactly(t *testing.T) {
	// GIVEN: 20.00 then 30.00 paid on installment 2
	// WHEN: The payments are deleted one by one
	// THEN: Entry and installment walk back PAID -> PARTIAL -> PENDING
	e, mem := newTestEngine(t)
	ctx := context.Background()
	c, _ := mustCreate(t, e, standardTerms("stu-1"))

	first := mustPay(t, e, payInstallment(c, 2, "20"))
	second := mustPay(t, e, payInstallment(c, 2, "30"))
	require.Equal(t, billing.EntryPaid, second.Entry.Status)

	entry, err := e.DeletePayment(ctx, second.Payment.ID, "manager")
	require.NoError(t, err)
	assert.Equal(t, billing.EntryPartial, entry.Status)
	assert.Equal(t, "30.00", entry.Outstanding.StringFixed(2))
	assert.Nil(t, entry.PaidDate)
	inst := installment(t, mem, c.ID, 2)
	assert.Equal(t, billing.InstallmentPending, inst.Status)
	assert.Nil(t, inst.PaidDate)
	assert.Equal(t, "20.00", inst.PaidSoFar().StringFixed(2))

	entry, err = e.DeletePayment(ctx, first.Payment.ID, "manager")
	require.NoError(t, err)
	assert.Equal(t, billing.EntryPending, entry.Status)
	assert.Equal(t, "50.00", entry.Outstanding.StringFixed(2))
	assert.False(t, installment(t, mem, c.ID, 2).PaidAmount.Valid)

	_, err = e.GetPayment(ctx, first.Payment.ID)
	assert.True(t, billing.IsNotFound(err))
	_, err = e.DeletePayment(ctx, first.Payment.ID, "manager")
	assert.True(t, billing.IsNotFound(err))
}

func TestDeletePayment_RestoresDiscount(t *testing.T) {
	e, mem := newTestEngine(t)
	ctx := context.Background()
	c, _ := mustCreate(t, e, standardTerms("stu-1"))

	in := payInstallment(c, 2, "0")
	in.DiscountPercent = ptr(amount("100"))
	waived := mustPay(t, e, in)

	entry, err := e.DeletePayment(ctx, waived.Payment.ID, "manager")
	require.NoError(t, err)

	assert.Equal(t, "50.00", entry.Outstanding.StringFixed(2))
	assert.True(t, installment(t, mem, c.ID, 2).Discount.IsZero())
}

func TestDeletePayment_DemotedInstallmentIsOverdueWhenLate(t *testing.T) {
	mem := newMemory()
	late := date(2025, time.April, 20)
	e := engineAt(mem, late)
	c, _ := mustCreate(t, e, standardTerms("stu-1"))

	in := payInstallment(c, 1, "200")
	in.Date = late
	paid := mustPay(t, e, in)

	_, err := e.DeletePayment(context.Background(), paid.Payment.ID, "manager")
	require.NoError(t, err)

	assert.Equal(t, billing.InstallmentOverdue, installment(t, mem, c.ID, 1).Status)
}

func TestDeletePayment_KeepsInstallmentPaidOutsideLedger(t *testing.T) {
	// GIVEN: 20.00 paid on installment 2, then the installment marked PAID
	//        by another system and the entry repaired by reconciliation
	// WHEN: The 20.00 payment is deleted
	// THEN: Conflict; the installment stays PAID and diagnosis finds nothing
	e, mem := newTestEngine(t)
	ctx := context.Background()
	c, _ := mustCreate(t, e, standardTerms("stu-1"))
	partial := mustPay(t, e, payInstallment(c, 2, "20"))

	paidOn := today
	inst := installment(t, mem, c.ID, 2)
	inst.Status = billing.InstallmentPaid
	inst.PaidDate = &paidOn
	require.NoError(t, mem.UpdateInstallment(ctx, inst))

	report, err := e.ReconcileContract(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, report.EntriesRepaired)

	diag, err := e.Diagnose(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, diag.Issues)

	_, err = e.DeletePayment(ctx, partial.Payment.ID, "manager")
	assert.ErrorIs(t, err, billing.ErrConflict)

	assert.Equal(t, billing.InstallmentPaid, installment(t, mem, c.ID, 2).Status)
	entry, err := mem.GetEntry(ctx, partial.Entry.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.EntryPaid, entry.Status)
	p, err := mem.GetPayment(ctx, partial.Payment.ID)
	require.NoError(t, err)
	assert.NotNil(t, p, "the payment survives the refused delete")
}

// =============================================================================
// ATOMICITY + CONCURRENCY
// =============================================================================

func TestApplyPayment_RollsBackWhenAuditFails(t *testing.T) {
	mem := newMemory()
	c, _ := mustCreate(t, engineAt(mem, today), standardTerms("stu-1"))
	e := billing.NewEngine(auditFailing{Memory: mem}, billing.WithClock(billing.FixedClock(today)))

	_, err := e.ApplyPayment(context.Background(), payInstallment(c, 2, "50"))
	assert.ErrorIs(t, err, errInjected)

	entry, err := mem.GetEntryBySequence(context.Background(), c.ID, 2)
	require.NoError(t, err)
	assert.Nil(t, entry, "entry creation rolls back with the payment")
	assert.Equal(t, billing.InstallmentPending, installment(t, mem, c.ID, 2).Status)
}

func TestApplyPayment_RetriesVersionConflicts(t *testing.T) {
	mem := newMemory()
	c, _ := mustCreate(t, engineAt(mem, today), standardTerms("stu-1"))
	remaining := 2
	e := billing.NewEngine(conflicting{Memory: mem, remaining: &remaining}, billing.WithClock(billing.FixedClock(today)))

	res, err := e.ApplyPayment(context.Background(), payInstallment(c, 2, "50"))

	require.NoError(t, err, "two lost races fit in the retry budget")
	assert.Equal(t, billing.EntryPaid, res.Entry.Status)
	assert.Zero(t, remaining)

	remaining = 3
	_, err = e.ApplyPayment(context.Background(), payInstallment(c, 3, "50"))
	assert.ErrorIs(t, err, billing.ErrConcurrentModification)
}

func TestApplyPayment_ConcurrentPaymentsNeverOvershoot(t *testing.T) {
	// GIVEN: 50.00 outstanding and ten concurrent 10.00 payments
	// THEN: Exactly five succeed; the rest see PAID or an overshoot
	e, _ := newTestEngine(t)
	ctx := context.Background()
	c, _ := mustCreate(t, e, standardTerms("stu-1"))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		entryID   billing.EntryID
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.ApplyPayment(ctx, payInstallment(c, 2, "10"))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				entryID = res.Entry.ID
				return
			}
			assert.True(t, billing.IsConflict(err) || billing.IsClientError(err), "unexpected error: %v", err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, successes)
	snap, err := e.GetEntry(ctx, entryID)
	require.NoError(t, err)
	assert.Equal(t, billing.EntryPaid, snap.Entry.Status)
	assert.Len(t, snap.Payments, 5)
}
