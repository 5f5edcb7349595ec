package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/warp/tuition-billing/billing"
	"github.com/warp/tuition-billing/billing/store"
)

var testToday = billing.NewDate(2025, time.March, 10)

type testAPI struct {
	t      *testing.T
	router http.Handler
	engine *billing.Engine
	mem    *store.Memory
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	mem := store.NewMemory()
	engine := billing.NewEngine(mem, billing.WithClock(billing.FixedClock(testToday)))
	h := NewHandler(engine, mem, NewScheduler(engine, "0 2 * * *", "30 2 * * *"))
	return &testAPI{
		t:      t,
		router: NewRouter(h, []string{"http://localhost:5173"}),
		engine: engine,
		mem:    mem,
	}
}

func (a *testAPI) do(method, path string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(a.t, err)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor", "secretary")
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func contractBody(student, validFrom, validTo string) map[string]any {
	return map[string]any{
		"student_id":        student,
		"class_id":          "english-b1",
		"valid_from":        validFrom,
		"valid_to":          validTo,
		"enrollment_fee":    "150",
		"monthly_fee":       "50",
		"installment_count": 6,
	}
}

// createContract posts the standard 150 + 6 x 50 contract.
func (a *testAPI) createContract(student, validFrom string) ContractResponse {
	a.t.Helper()
	rec := a.do(http.MethodPost, "/api/contracts", contractBody(student, validFrom, "2025-12-31"))
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[ContractResponse](a.t, rec)
}

// legacyContract stores an active contract without installments.
func (a *testAPI) legacyContract(id, student string) billing.Contract {
	a.t.Helper()
	c := billing.Contract{
		ID:               billing.ContractID(id),
		Number:           "CTR20240190" + id[len(id)-2:],
		StudentID:        billing.StudentID(student),
		ClassID:          "english-b1",
		ContractDate:     billing.NewDate(2024, time.December, 20),
		ValidFrom:        billing.NewDate(2025, time.March, 1),
		ValidTo:          billing.NewDate(2025, time.August, 31),
		EnrollmentFee:    amount("150"),
		MonthlyFee:       amount("50"),
		InstallmentCount: 6,
		Status:           billing.ContractActive,
		TemplateID:       billing.TemplateCourse,
	}
	c.TotalAmount = c.ComputeTotal()
	require.NoError(a.t, a.mem.SaveContract(context.Background(), c))
	return c
}

func newPreflight(path, origin string) *http.Request {
	req := httptest.NewRequest(http.MethodOptions, path, nil)
	req.Header.Set("Origin", origin)
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	return req
}

func serve(a *testAPI, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}
