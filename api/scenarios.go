/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	billing data. Dates are relative to today so every scenario shows the
	same picture whenever it is loaded.

AVAILABLE SCENARIOS:

	new-enrollment:        One fresh contract, nothing paid yet
	mid-course:            Paid, partially paid and overdue installments,
	                       with penalties assessed
	legacy-backfill:       Contracts from before installments existed;
	                       run reconciliation to fill them in
	discounts-and-waivers: Contract discount, payment discount, a waived
	                       installment and an ad-hoc charge

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Create contracts through the engine (installments generated)
 3. Apply payments and charges through the engine
 4. Legacy rows go straight to the store, bypassing generation

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "mid-course"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler and helpers
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"github.com/warp/tuition-billing/billing"
	"github.com/warp/tuition-billing/money"
)

const scenarioActor = "scenario-loader"

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "new-enrollment",
		Name:        "New Enrollment",
		Description: "One contract starting next month, enrollment fee in the first installment",
	},
	{
		ID:          "mid-course",
		Name:        "Mid-Course",
		Description: "Four months in: one paid, one partial, one overdue with fine and interest",
	},
	{
		ID:          "legacy-backfill",
		Name:        "Legacy Backfill",
		Description: "Contracts without installments or ledger entries, ready for reconciliation",
	},
	{
		ID:          "discounts-and-waivers",
		Name:        "Discounts & Waivers",
		Description: "10% contract discount, a payment discount, a waived installment and a book fee",
	},
}

var scenarioLoaders = map[string]func(*Handler, context.Context) error{
	"new-enrollment":        (*Handler).loadNewEnrollment,
	"mid-course":            (*Handler).loadMidCourse,
	"legacy-backfill":       (*Handler).loadLegacyBackfill,
	"discounts-and-waivers": (*Handler).loadDiscountsAndWaivers,
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the database and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	load, ok := scenarioLoaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.Admin.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""

	if err := load(h, ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}
	h.currentScenario = req.ScenarioID

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Admin.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadNewEnrollment(ctx context.Context) error {
	start := firstOfMonth(h.today()).AddMonths(1)
	_, _, err := h.Engine.CreateContract(ctx, billing.ContractTerms{
		StudentID:        "stu-ana",
		ClassID:          "english-a1-evening",
		ValidFrom:        start,
		ValidTo:          start.AddMonths(6).AddDays(-1),
		EnrollmentFee:    amount("150"),
		MonthlyFee:       amount("320"),
		InstallmentCount: 6,
		Notes:            "Evening group, Tuesdays and Thursdays",
		Actor:            scenarioActor,
	})
	return err
}

// loadMidCourse dates the contract four months back so installments 1-3 are
// past due and 5-6 are still ahead.
func (h *Handler) loadMidCourse(ctx context.Context) error {
	today := h.today()
	start := today.AddMonths(-4)
	c, _, err := h.Engine.CreateContract(ctx, billing.ContractTerms{
		StudentID:        "stu-bruno",
		ClassID:          "english-b1-morning",
		ContractDate:     start,
		ValidFrom:        start,
		ValidTo:          start.AddMonths(6),
		EnrollmentFee:    amount("120"),
		MonthlyFee:       amount("280"),
		InstallmentCount: 6,
		Actor:            scenarioActor,
	})
	if err != nil {
		return err
	}

	// 1: paid in full on the due date
	if err := h.payInFull(ctx, c.ID, 1, billing.MethodPix); err != nil {
		return err
	}
	// 2: half paid
	inst2 := start.AddMonths(2)
	if _, err := h.Engine.ApplyPayment(ctx, billing.PaymentInput{
		ContractID: c.ID,
		Sequence:   2,
		Amount:     amount("140"),
		Date:       inst2,
		Method:     billing.MethodCash,
		Notes:      "Rest promised for next week",
		RecordedBy: scenarioActor,
	}); err != nil {
		return fmt.Errorf("partial payment: %w", err)
	}
	// 3: untouched, overdue

	_, err = h.Engine.AssessOverdue(ctx, today)
	return err
}

// loadLegacyBackfill stores contracts the way the old system left them: no
// installments and no ledger entries.
func (h *Handler) loadLegacyBackfill(ctx context.Context) error {
	today := h.today()
	legacy := []struct {
		student billing.StudentID
		class   billing.ClassID
		monthly string
		count   int
		months  int
	}{
		{"stu-carla", "spanish-a2", "250", 6, 2},
		{"stu-diego", "english-c1", "390", 10, 5},
		{"stu-elisa", "french-a1", "270", 4, 1},
	}

	for i, l := range legacy {
		start := firstOfMonth(today.AddMonths(-l.months))
		c := billing.Contract{
			ID:               billing.ContractID(fmt.Sprintf("legacy-%d", i+1)),
			Number:           fmt.Sprintf("CTR%s9%03d", start.Time.Format("200601"), i+1),
			StudentID:        l.student,
			ClassID:          l.class,
			ContractDate:     start.AddDays(-7),
			ValidFrom:        start,
			ValidTo:          start.AddMonths(l.count).AddDays(-1),
			EnrollmentFee:    amount("100"),
			MonthlyFee:       amount(l.monthly),
			InstallmentCount: l.count,
			Status:           billing.ContractActive,
			TemplateID:       billing.TemplateCourse,
			Notes:            "Imported from the previous system",
			CreatedAt:        start.Time,
			UpdatedAt:        start.Time,
		}
		c.TotalAmount = c.ComputeTotal()
		if err := h.Engine.Store.SaveContract(ctx, c); err != nil {
			return fmt.Errorf("save legacy contract %s: %w", c.ID, err)
		}
	}
	return nil
}

func (h *Handler) loadDiscountsAndWaivers(ctx context.Context) error {
	today := h.today()
	start := today.AddMonths(-2)
	c, _, err := h.Engine.CreateContract(ctx, billing.ContractTerms{
		StudentID:        "stu-fabio",
		ClassID:          "english-b2-saturday",
		ContractDate:     start,
		ValidFrom:        start,
		ValidTo:          start.AddMonths(6),
		EnrollmentFee:    amount("200"),
		MonthlyFee:       amount("300"),
		InstallmentCount: 6,
		DiscountPercent:  amount("10"),
		Notes:            "Sibling discount",
		Actor:            scenarioActor,
	})
	if err != nil {
		return err
	}

	// 1: punctuality discount of 5% on the outstanding balance
	entry, err := h.Engine.EnsureLedgerEntry(ctx, c.ID, 1)
	if err != nil {
		return err
	}
	five := amount("5")
	paid := entry.Outstanding.Sub(money.Percent(entry.Outstanding, five))
	if _, err := h.Engine.ApplyPayment(ctx, billing.PaymentInput{
		EntryID:         entry.ID,
		Amount:          paid,
		Date:            entry.DueDate.AddDays(-3),
		Method:          billing.MethodBankTransfer,
		DiscountPercent: &five,
		RecordedBy:      scenarioActor,
	}); err != nil {
		return fmt.Errorf("discounted payment: %w", err)
	}

	// 2: waived after a medical leave
	hundred := amount("100")
	if _, err := h.Engine.ApplyPayment(ctx, billing.PaymentInput{
		ContractID:      c.ID,
		Sequence:        2,
		Amount:          decimal.Zero,
		Date:            today,
		Method:          billing.MethodOther,
		DiscountPercent: &hundred,
		Notes:           "Waived: medical leave",
		RecordedBy:      scenarioActor,
	}); err != nil {
		return fmt.Errorf("waiver: %w", err)
	}

	_, err = h.Engine.CreateCharge(ctx, billing.ChargeInput{
		ContractID:  c.ID,
		ChargeType:  billing.ChargeOther,
		Description: "Course book B2",
		Amount:      amount("89.90"),
		DueDate:     today.AddDays(10),
		Actor:       scenarioActor,
	})
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

// payInFull settles an installment's outstanding balance on its due date.
func (h *Handler) payInFull(ctx context.Context, id billing.ContractID, seq int, method billing.PaymentMethod) error {
	entry, err := h.Engine.EnsureLedgerEntry(ctx, id, seq)
	if err != nil {
		return err
	}
	_, err = h.Engine.ApplyPayment(ctx, billing.PaymentInput{
		EntryID:    entry.ID,
		Amount:     entry.Outstanding,
		Date:       entry.DueDate,
		Method:     method,
		RecordedBy: scenarioActor,
	})
	if err != nil {
		return fmt.Errorf("pay installment %d: %w", seq, err)
	}
	return nil
}

func firstOfMonth(d billing.Date) billing.Date {
	return billing.NewDate(d.Time.Year(), d.Time.Month(), 1)
}

func amount(s string) decimal.Decimal { return decimal.RequireFromString(s) }
