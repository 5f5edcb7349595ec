package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/tuition-billing/billing"
)

// =============================================================================
// CREATION
// =============================================================================

func TestCreateContract_GeneratesFrontLoadedSchedule(t *testing.T) {
	// GIVEN: 150 enrollment, 50 monthly, 6 installments from March 1st
	// WHEN: The contract is created
	// THEN: Installment 1 carries the enrollment fee, due dates start a
	//       month after validity start, and the total is the gross amount
	e, mem := newTestEngine(t)

	c, insts := mustCreate(t, e, standardTerms("stu-1"))

	assert.Equal(t, "CTR2025030001", c.Number)
	assert.Equal(t, billing.ContractActive, c.Status)
	assert.Equal(t, billing.TemplateCourse, c.TemplateID, "template defaults to the course contract")
	assert.Equal(t, "450.00", c.TotalAmount.StringFixed(2))

	require.Len(t, insts, 6)
	wantDue := []string{"2025-04-01", "2025-05-01", "2025-06-01", "2025-07-01", "2025-08-01", "2025-09-01"}
	for i, inst := range insts {
		assert.Equal(t, i+1, inst.Sequence)
		assert.Equal(t, wantDue[i], inst.DueDate.String())
		assert.Equal(t, billing.InstallmentPending, inst.Status)
	}
	assert.Equal(t, "200.00", insts[0].Amount.StringFixed(2))
	for _, inst := range insts[1:] {
		assert.Equal(t, "50.00", inst.Amount.StringFixed(2))
	}

	stored, err := mem.ListInstallments(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 6, "installments are stored with the contract")

	audit, err := mem.AuditLog(context.Background(), string(c.ID))
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, billing.AuditContractCreated, audit[0].Action)
	assert.Equal(t, "secretary", audit[0].ActorID)
}

func TestCreateContract_NumbersSequentiallyWithinMonth(t *testing.T) {
	e, _ := newTestEngine(t)

	first, _ := mustCreate(t, e, standardTerms("stu-1"))
	second, _ := mustCreate(t, e, standardTerms("stu-2"))

	other := standardTerms("stu-3")
	other.ContractDate = date(2025, time.February, 20)
	third, _ := mustCreate(t, e, other)

	assert.Equal(t, "CTR2025030001", first.Number)
	assert.Equal(t, "CTR2025030002", second.Number)
	assert.Equal(t, "CTR2025020001", third.Number)
}

func TestCreateContract_DefaultsContractDateToToday(t *testing.T) {
	e, _ := newTestEngine(t)
	terms := standardTerms("stu-1")
	terms.ContractDate = billing.Date{}

	c, _ := mustCreate(t, e, terms)

	assert.True(t, c.ContractDate.Equal(today))
}

func TestCreateContract_PercentDiscountWins(t *testing.T) {
	// GIVEN: Both a 10% discount and a 100.00 absolute discount
	// THEN: The percentage is authoritative: 10% of 450 = 45
	e, _ := newTestEngine(t)
	terms := standardTerms("stu-1")
	terms.DiscountPercent = amount("10")
	terms.DiscountAmount = amount("100")

	c, _ := mustCreate(t, e, terms)

	assert.Equal(t, "45.00", c.DiscountAmount.StringFixed(2))
	assert.Equal(t, "405.00", c.TotalAmount.StringFixed(2))
}

func TestCreateContract_DiscountNeverDrivesTotalNegative(t *testing.T) {
	e, _ := newTestEngine(t)
	terms := standardTerms("stu-1")
	terms.DiscountAmount = amount("1000")

	c, _ := mustCreate(t, e, terms)

	assert.True(t, c.TotalAmount.IsZero())
	assert.Equal(t, "450.00", c.DiscountAmount.StringFixed(2))
}

func TestCreateContract_SingleInstallmentEnrollmentOnly(t *testing.T) {
	e, _ := newTestEngine(t)
	terms := standardTerms("stu-1")
	terms.MonthlyFee = amount("0")
	terms.InstallmentCount = 1

	_, insts := mustCreate(t, e, terms)

	require.Len(t, insts, 1)
	assert.Equal(t, "150.00", insts[0].Amount.StringFixed(2))
}

func TestCreateContract_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*billing.ContractTerms)
		field  string
	}{
		{"missing student", func(c *billing.ContractTerms) { c.StudentID = "" }, "student_id"},
		{"missing validity start", func(c *billing.ContractTerms) { c.ValidFrom = billing.Date{} }, "valid_from"},
		{"zero installments", func(c *billing.ContractTerms) { c.InstallmentCount = 0 }, "installment_count"},
		{"negative monthly fee", func(c *billing.ContractTerms) { c.MonthlyFee = amount("-1") }, "monthly_fee"},
		{"both fees zero", func(c *billing.ContractTerms) {
			c.MonthlyFee = amount("0")
			c.EnrollmentFee = amount("0")
		}, "monthly_fee"},
		{"zero monthly with many installments", func(c *billing.ContractTerms) { c.MonthlyFee = amount("0") }, "monthly_fee"},
		{"sub-cent fee", func(c *billing.ContractTerms) { c.MonthlyFee = amount("50.005") }, "monthly_fee"},
		{"percent above 100", func(c *billing.ContractTerms) { c.DiscountPercent = amount("120") }, "discount_percent"},
		{"unknown template", func(c *billing.ContractTerms) { c.TemplateID = "contrato-antigo" }, "template_id"},
		{"validity ends before start", func(c *billing.ContractTerms) { c.ValidTo = date(2025, time.February, 1) }, "valid_to"},
		{"signed in the future", func(c *billing.ContractTerms) { c.ContractDate = date(2025, time.March, 11) }, "contract_date"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, mem := newTestEngine(t)
			terms := standardTerms("stu-1")
			tt.mutate(&terms)

			_, _, err := e.CreateContract(context.Background(), terms)

			var verr *billing.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
			assert.ErrorIs(t, err, billing.ErrValidation)

			contracts, err := mem.ListContracts(context.Background(), billing.ContractFilter{})
			require.NoError(t, err)
			assert.Empty(t, contracts, "nothing is stored on validation failure")
		})
	}
}

func TestCreateContract_OneActivePerStudentAndClass(t *testing.T) {
	// GIVEN: An active contract for stu-1 in english-b1
	// WHEN: A second contract for the same pair is created
	// THEN: Conflict. After cancelling the first, creation succeeds.
	e, _ := newTestEngine(t)
	ctx := context.Background()
	first, _ := mustCreate(t, e, standardTerms("stu-1"))

	_, _, err := e.CreateContract(ctx, standardTerms("stu-1"))
	assert.ErrorIs(t, err, billing.ErrConflict)

	otherClass := standardTerms("stu-1")
	otherClass.ClassID = "spanish-a1"
	_, _, err = e.CreateContract(ctx, otherClass)
	assert.NoError(t, err, "a different class is fine")

	_, err = e.CancelContract(ctx, first.ID, "secretary")
	require.NoError(t, err)
	_, _, err = e.CreateContract(ctx, standardTerms("stu-1"))
	assert.NoError(t, err)
}

func TestCreateContract_RollsBackWhenAuditFails(t *testing.T) {
	mem := auditFailing{Memory: newMemory()}
	e := billing.NewEngine(mem, billing.WithClock(billing.FixedClock(today)))

	_, _, err := e.CreateContract(context.Background(), standardTerms("stu-1"))
	assert.ErrorIs(t, err, errInjected)

	contracts, err := mem.ListContracts(context.Background(), billing.ContractFilter{})
	require.NoError(t, err)
	assert.Empty(t, contracts, "contract and installments are written together or not at all")
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestAmendContract_FinancialTermsFrozenOnceInstallmentsExist(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	c, _ := mustCreate(t, e, standardTerms("stu-1"))

	_, err := e.AmendContract(ctx, c.ID, billing.Amendment{MonthlyFee: ptr(amount("60"))})
	assert.ErrorIs(t, err, billing.ErrConflict)

	amended, err := e.AmendContract(ctx, c.ID, billing.Amendment{
		Notes:      ptr("moved to evening class"),
		ValidTo:    ptr(date(2025, time.September, 30)),
		TemplateID: ptr(billing.TemplateServicesMinor),
	})
	require.NoError(t, err)
	assert.Equal(t, "moved to evening class", amended.Notes)
	assert.Equal(t, "2025-09-30", amended.ValidTo.String())
	assert.Equal(t, billing.TemplateServicesMinor, amended.TemplateID)

	_, err = e.AmendContract(ctx, c.ID, billing.Amendment{ValidTo: ptr(date(2025, time.January, 1))})
	var verr *billing.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "valid_to", verr.Field)
}

func TestAmendContract_RecomputesTotalBeforeInstallments(t *testing.T) {
	mem := newMemory()
	e := billing.NewEngine(mem, billing.WithClock(billing.FixedClock(today)))
	c := legacyContract(t, mem, "legacy-1", "stu-1")

	amended, err := e.AmendContract(context.Background(), c.ID, billing.Amendment{
		MonthlyFee:      ptr(amount("60")),
		DiscountPercent: ptr(amount("10")),
	})
	require.NoError(t, err)
	// 150 + 6*60 = 510, minus 10%
	assert.Equal(t, "459.00", amended.TotalAmount.StringFixed(2))
}

func TestAmendContract_DroppingPercentDropsDerivedDiscount(t *testing.T) {
	// GIVEN: A contract discounted 10% (45.00 of 450.00)
	// WHEN: The percentage is amended to 0 without an absolute amount
	// THEN: No discount remains; an explicit amount still applies
	mem := newMemory()
	e := billing.NewEngine(mem, billing.WithClock(billing.FixedClock(today)))
	ctx := context.Background()
	c := legacyContract(t, mem, "legacy-1", "stu-1")

	discounted, err := e.AmendContract(ctx, c.ID, billing.Amendment{DiscountPercent: ptr(amount("10"))})
	require.NoError(t, err)
	assert.Equal(t, "45.00", discounted.DiscountAmount.StringFixed(2))
	assert.Equal(t, "405.00", discounted.TotalAmount.StringFixed(2))

	plain, err := e.AmendContract(ctx, c.ID, billing.Amendment{DiscountPercent: ptr(amount("0"))})
	require.NoError(t, err)
	assert.True(t, plain.DiscountAmount.IsZero())
	assert.Equal(t, "450.00", plain.TotalAmount.StringFixed(2))

	fixed, err := e.AmendContract(ctx, c.ID, billing.Amendment{DiscountAmount: ptr(amount("30"))})
	require.NoError(t, err)
	assert.Equal(t, "420.00", fixed.TotalAmount.StringFixed(2))
}

func TestCancelContract_OnlyFromActive(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	c, _ := mustCreate(t, e, standardTerms("stu-1"))

	cancelled, err := e.CancelContract(ctx, c.ID, "secretary")
	require.NoError(t, err)
	assert.Equal(t, billing.ContractCancelled, cancelled.Status)

	_, err = e.CancelContract(ctx, c.ID, "secretary")
	assert.ErrorIs(t, err, billing.ErrConflict)
	_, err = e.CloseContract(ctx, c.ID, "secretary")
	assert.ErrorIs(t, err, billing.ErrConflict)

	insts, err := e.ListInstallments(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, insts, 6, "cancellation keeps the schedule")
}

func TestCancelContract_ClosesOpenEntries(t *testing.T) {
	// GIVEN: Installment 1 with an untouched entry, 2 partly paid, 3 paid
	// WHEN: The contract is cancelled
	// THEN: Entries 1 and 2 become CANCELLED, 3 stays PAID, nothing is
	//       outstanding and no further payment is accepted
	e, mem := newTestEngine(t)
	ctx := context.Background()
	c, _ := mustCreate(t, e, standardTerms("stu-1"))
	_, err := e.EnsureLedgerEntry(ctx, c.ID, 1)
	require.NoError(t, err)
	partial := mustPay(t, e, payInstallment(c, 2, "20"))
	mustPay(t, e, payInstallment(c, 3, "50"))

	_, err = e.CancelContract(ctx, c.ID, "secretary")
	require.NoError(t, err)

	statuses := map[int]billing.EntryStatus{}
	entries, err := mem.ListEntries(ctx, billing.EntryFilter{ContractID: c.ID})
	require.NoError(t, err)
	for _, entry := range entries {
		statuses[*entry.Sequence] = entry.Status
	}
	assert.Equal(t, map[int]billing.EntryStatus{
		1: billing.EntryCancelled,
		2: billing.EntryCancelled,
		3: billing.EntryPaid,
	}, statuses)

	later := engineAt(mem, date(2025, time.June, 16))
	items, err := later.ListOutstanding(ctx, billing.OutstandingFilter{ContractID: c.ID})
	require.NoError(t, err)
	assert.Empty(t, items)

	snap, err := later.GetEntry(ctx, partial.Entry.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.EntryCancelled, snap.Status, "a cancelled entry is never overdue")
	assert.False(t, snap.Overdue)
	assert.True(t, snap.AmountDue.IsZero())

	_, err = e.ApplyPayment(ctx, payInstallment(c, 2, "30"))
	assert.ErrorIs(t, err, billing.ErrConflict)
	_, err = e.ApplyPayment(ctx, payInstallment(c, 4, "50"))
	assert.ErrorIs(t, err, billing.ErrConflict, "entries created after cancellation are born cancelled")
	_, err = e.CreateCharge(ctx, billing.ChargeInput{
		ContractID:  c.ID,
		ChargeType:  billing.ChargeOther,
		Description: "Course book",
		Amount:      amount("89.90"),
		DueDate:     date(2025, time.March, 20),
	})
	assert.ErrorIs(t, err, billing.ErrConflict)

	reverted, err := e.DeletePayment(ctx, partial.Payment.ID, "cashier")
	require.NoError(t, err)
	assert.Equal(t, billing.EntryCancelled, reverted.Status)
	assert.Equal(t, "50.00", reverted.Outstanding.StringFixed(2))
}

func TestDeleteContract(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	paid, _ := mustCreate(t, e, standardTerms("stu-1"))
	mustPay(t, e, payInstallment(paid, 2, "50"))
	err := e.DeleteContract(ctx, paid.ID, "secretary")
	assert.ErrorIs(t, err, billing.ErrConflict, "payments block deletion")

	unpaid, _ := mustCreate(t, e, standardTerms("stu-2"))
	_, err = e.EnsureLedgerEntry(ctx, unpaid.ID, 1)
	require.NoError(t, err)
	require.NoError(t, e.DeleteContract(ctx, unpaid.ID, "secretary"))

	_, err = e.GetContract(ctx, unpaid.ID)
	assert.True(t, billing.IsNotFound(err))
	items, err := e.ListOutstanding(ctx, billing.OutstandingFilter{ContractID: unpaid.ID})
	require.NoError(t, err)
	assert.Empty(t, items, "entries go with the contract")
}

func TestGetContract_NotFound(t *testing.T) {
	e, _ := newTestEngine(t)

	_, err := e.GetContract(context.Background(), "missing")

	var nf *billing.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "contract", nf.Kind)
}
