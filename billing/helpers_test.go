package billing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/warp/tuition-billing/billing"
	"github.com/warp/tuition-billing/billing/store"
	"github.com/warp/tuition-billing/money"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// today is the pinned "now" for most tests. Contracts start on March 1st, so
// installment 1 is due April 1st and nothing is overdue yet.
var today = billing.NewDate(2025, time.March, 10)

func newTestEngine(t *testing.T, opts ...billing.Option) (*billing.Engine, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	opts = append([]billing.Option{billing.WithClock(billing.FixedClock(today))}, opts...)
	return billing.NewEngine(mem, opts...), mem
}

func newMemory() *store.Memory { return store.NewMemory() }

// engineAt returns an engine over the same store with a different "today".
func engineAt(s billing.TxStore, day billing.Date) *billing.Engine {
	return billing.NewEngine(s, billing.WithClock(billing.FixedClock(day)))
}

func amount(s string) decimal.Decimal { return money.MustParse(s) }

func ptr[T any](v T) *T { return &v }

func date(y int, m time.Month, d int) billing.Date { return billing.NewDate(y, m, d) }

// standardTerms: 150 enrollment + 6 x 50 monthly, starting March 1st 2025.
func standardTerms(student string) billing.ContractTerms {
	return billing.ContractTerms{
		StudentID:        billing.StudentID(student),
		ClassID:          "english-b1",
		ContractDate:     date(2025, time.March, 1),
		ValidFrom:        date(2025, time.March, 1),
		ValidTo:          date(2025, time.August, 31),
		EnrollmentFee:    amount("150"),
		MonthlyFee:       amount("50"),
		InstallmentCount: 6,
		Actor:            "secretary",
	}
}

func mustCreate(t *testing.T, e *billing.Engine, terms billing.ContractTerms) (*billing.Contract, []billing.Installment) {
	t.Helper()
	c, insts, err := e.CreateContract(context.Background(), terms)
	require.NoError(t, err)
	return c, insts
}

func payInstallment(c *billing.Contract, seq int, amt string) billing.PaymentInput {
	return billing.PaymentInput{
		ContractID: c.ID,
		Sequence:   seq,
		Amount:     amount(amt),
		Date:       today,
		Method:     billing.MethodPix,
		RecordedBy: "cashier",
	}
}

func mustPay(t *testing.T, e *billing.Engine, in billing.PaymentInput) *billing.PaymentResult {
	t.Helper()
	res, err := e.ApplyPayment(context.Background(), in)
	require.NoError(t, err)
	return res
}

func installment(t *testing.T, s billing.Store, id billing.ContractID, seq int) billing.Installment {
	t.Helper()
	inst, err := s.GetInstallment(context.Background(), id, seq)
	require.NoError(t, err)
	require.NotNil(t, inst)
	return *inst
}

// legacyContract stores a contract the way an older system left it: the row
// exists but no installment or ledger entry was ever generated.
func legacyContract(t *testing.T, s billing.Store, id billing.ContractID, student string) billing.Contract {
	t.Helper()
	terms := standardTerms(student)
	c := billing.Contract{
		ID:               id,
		Number:           "CTR202401" + string(id),
		StudentID:        terms.StudentID,
		ClassID:          terms.ClassID,
		ContractDate:     terms.ContractDate,
		ValidFrom:        terms.ValidFrom,
		ValidTo:          terms.ValidTo,
		EnrollmentFee:    terms.EnrollmentFee,
		MonthlyFee:       terms.MonthlyFee,
		InstallmentCount: terms.InstallmentCount,
		Status:           billing.ContractActive,
		TemplateID:       billing.TemplateCourse,
	}
	c.TotalAmount = c.ComputeTotal()
	require.NoError(t, s.SaveContract(context.Background(), c))
	return c
}

// =============================================================================
// FAULTY STORES
// =============================================================================

var errInjected = errors.New("injected failure")

// auditFailing fails every transaction at its audit write, after all the
// real mutations have been staged.
type auditFailing struct {
	*store.Memory
}

func (f auditFailing) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	return f.Memory.WithTx(ctx, func(tx billing.Store) error {
		return fn(failAudit{tx})
	})
}

type failAudit struct {
	billing.Store
}

func (failAudit) AppendAudit(context.Context, billing.AuditEntry) error { return errInjected }

// conflicting makes the first N entry updates lose an optimistic race.
type conflicting struct {
	*store.Memory
	remaining *int
}

func (f conflicting) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	return f.Memory.WithTx(ctx, func(tx billing.Store) error {
		return fn(racyTx{Store: tx, remaining: f.remaining})
	})
}

type racyTx struct {
	billing.Store
	remaining *int
}

func (r racyTx) UpdateEntry(ctx context.Context, e billing.LedgerEntry) error {
	if *r.remaining > 0 {
		*r.remaining--
		return billing.ErrConcurrentModification
	}
	return r.Store.UpdateEntry(ctx, e)
}
