/*
handlers_test.go - HTTP tests for the API handlers

Tests for:
- Registration and student reads
- Reserve/cancel status codes
- Charges, payment webhooks, receipts
- Admin refill
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danitaetsu/buvle/billing"
	"github.com/danitaetsu/buvle/booking"
	"github.com/danitaetsu/buvle/config"
	"github.com/danitaetsu/buvle/ledger"
	"github.com/danitaetsu/buvle/store/sqlite"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const tuesday = "2025-09-16"

type testEnv struct {
	store   *sqlite.Store
	handler *Handler
	router  *chi.Mux
}

func newTestEnv(t *testing.T) *testEnv {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := NewHandler(
		store,
		booking.NewEngine(store, nil),
		billing.NewReconciler(store, billing.DefaultPriceTable(), nil, nil),
		billing.NewRefiller(store, nil),
	)
	h.now = func() time.Time { return time.Date(2025, time.September, 16, 10, 0, 0, 0, time.UTC) }
	return &testEnv{store: store, handler: h, router: NewRouter(h, []string{"*"})}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) student(t *testing.T, name string, credits, plan int) ledger.Student {
	st, err := e.store.CreateStudent(context.Background(), ledger.Student{
		Name:          name,
		Email:         strings.ToLower(name) + "@example.com",
		CreditBalance: credits,
		PlanSize:      plan,
	})
	require.NoError(t, err)
	return st
}

func (e *testEnv) slot(t *testing.T, capacity int) ledger.Slot {
	sl, err := e.store.SaveSlot(context.Background(), ledger.Slot{
		Weekday:  ledger.Tuesday,
		Start:    fmt.Sprintf("%02d:00", 8+capacity),
		End:      fmt.Sprintf("%02d:30", 8+capacity),
		Capacity: capacity,
	})
	require.NoError(t, err)
	return sl
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	return decode[ErrorResponse](t, rec).Code
}

// =============================================================================
// STUDENTS
// =============================================================================

func TestCreateStudent(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/students", CreateStudentRequest{
		Name: "Ana", Email: "Ana@Example.com", Password: "secret1", PlanSize: 8,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "secret1")
	assert.NotContains(t, rec.Body.String(), "password")

	created := decode[StudentDTO](t, rec)
	assert.Equal(t, "ana@example.com", created.Email)
	assert.Equal(t, "card", created.PaymentMethod)

	st, err := env.store.GetStudent(context.Background(), ledger.StudentID(created.ID))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(st.PasswordHash, "$2"), "stored as bcrypt hash")

	rec = env.do(t, http.MethodPost, "/api/students", CreateStudentRequest{Name: "Ana 2", Email: "ana@example.com", Password: "secret2"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "email_taken", errorCode(t, rec))

	rec = env.do(t, http.MethodPost, "/api/students", CreateStudentRequest{Name: "Bad", Email: "bad@example.com", Password: "secret", PaymentMethod: "cash"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/api/students/%d", created.ID), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/students/999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "unknown_student", errorCode(t, rec))
}

// =============================================================================
// BOOKINGS
// =============================================================================

func TestReserve_StatusCodes(t *testing.T) {
	env := newTestEnv(t)
	one := env.slot(t, 1)
	roomy := env.slot(t, 5)
	ana := env.student(t, "Ana", 2, 4)
	broke := env.student(t, "Broke", 0, 4)

	reserve := func(student ledger.StudentID, slot ledger.SlotID, date string) *httptest.ResponseRecorder {
		return env.do(t, http.MethodPost, "/api/bookings", BookingRequest{StudentID: int64(student), SlotID: int64(slot), Date: date})
	}

	rec := reserve(ana.ID, one.ID, tuesday)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	b := decode[BookingDTO](t, rec)
	assert.NotEmpty(t, b.ID)
	assert.True(t, b.CreditConsumed)

	rec = reserve(ana.ID, one.ID, tuesday)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_booked", errorCode(t, rec))

	rec = reserve(broke.ID, one.ID, tuesday)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "slot_full", errorCode(t, rec))

	rec = reserve(broke.ID, roomy.ID, tuesday)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "insufficient_credit", errorCode(t, rec))

	rec = reserve(ana.ID, roomy.ID, "2025-09-17")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", errorCode(t, rec))

	rec = reserve(999, roomy.ID, tuesday)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "unknown_student", errorCode(t, rec))

	rec = reserve(ana.ID, roomy.ID, "16/09/2025")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancel_RefundsCredit(t *testing.T) {
	env := newTestEnv(t)
	sl := env.slot(t, 3)
	ana := env.student(t, "Ana", 1, 4)

	req := BookingRequest{StudentID: int64(ana.ID), SlotID: int64(sl.ID), Date: tuesday}
	rec := env.do(t, http.MethodPost, "/api/bookings", req)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/api/students/%d", ana.ID), nil)
	assert.Equal(t, 0, decode[StudentDTO](t, rec).CreditBalance)

	rec = env.do(t, http.MethodDelete, "/api/bookings", req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/api/students/%d", ana.ID), nil)
	assert.Equal(t, 1, decode[StudentDTO](t, rec).CreditBalance)

	rec = env.do(t, http.MethodDelete, "/api/bookings", req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", errorCode(t, rec))
}

func TestCancelByID_RequiresOwner(t *testing.T) {
	env := newTestEnv(t)
	sl := env.slot(t, 3)
	ana := env.student(t, "Ana", 1, 4)
	bea := env.student(t, "Bea", 1, 4)

	rec := env.do(t, http.MethodPost, "/api/bookings", BookingRequest{StudentID: int64(ana.ID), SlotID: int64(sl.ID), Date: tuesday})
	require.Equal(t, http.StatusCreated, rec.Code)
	b := decode[BookingDTO](t, rec)

	rec = env.do(t, http.MethodDelete, fmt.Sprintf("/api/bookings/%s?student_id=%d", b.ID, bea.ID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/bookings/"+b.ID, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodDelete, fmt.Sprintf("/api/bookings/%s?student_id=%d", b.ID, ana.ID), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListBookings(t *testing.T) {
	env := newTestEnv(t)
	sl := env.slot(t, 3)
	ana := env.student(t, "Ana", 2, 4)

	rec := env.do(t, http.MethodPost, "/api/bookings", BookingRequest{StudentID: int64(ana.ID), SlotID: int64(sl.ID), Date: tuesday})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/bookings?from=2025-09-01&to=2025-09-30", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]BookingDTO](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, "Ana", list[0].StudentName)
	assert.Equal(t, tuesday, list[0].Date)

	rec = env.do(t, http.MethodGet, "/api/bookings?from=2025-09-30&to=2025-09-01", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/api/students/%d/bookings", ana.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]BookingDTO](t, rec), 1)

	rec = env.do(t, http.MethodGet, "/api/slots", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	slots := decode[[]SlotDTO](t, rec)
	require.Len(t, slots, 1)
	assert.Equal(t, "Tuesday", slots[0].WeekdayName)
}

// =============================================================================
// PAYMENTS
// =============================================================================

func TestCreateCharge(t *testing.T) {
	env := newTestEnv(t)
	ana := env.student(t, "Ana", 0, 4)
	odd := env.student(t, "Odd", 0, 5)

	rec := env.do(t, http.MethodPost, "/api/charges", ChargeRequest{StudentID: int64(ana.ID), Period: PeriodRequest{Year: 2025, Month: 9}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	ch := decode[ChargeDTO](t, rec)
	assert.True(t, strings.HasPrefix(ch.Handle, "chrg_local_"))
	assert.Equal(t, int64(4000), ch.Amount)
	assert.Equal(t, "eur", ch.Currency)

	rec = env.do(t, http.MethodPost, "/api/charges", ChargeRequest{StudentID: int64(odd.ID), Period: PeriodRequest{Year: 2025, Month: 9}})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "unknown_plan", errorCode(t, rec))

	rec = env.do(t, http.MethodPost, "/api/charges", ChargeRequest{StudentID: 999, Period: PeriodRequest{Year: 2025, Month: 9}})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func paymentEvent(ref string, id ledger.StudentID) map[string]any {
	return map[string]any{
		"external_ref": ref,
		"student_id":   id,
		"amount":       4000,
		"currency":     "eur",
		"status":       "succeeded",
		"period":       map[string]any{"year": 2025, "month": 9},
	}
}

func TestPaymentConfirmed_DefaultConfigRejectsUnsignedEvents(t *testing.T) {
	// GIVEN: The shipped default configuration, which sets no webhook secret
	// WHEN: Forged confirmations arrive without the secret header
	// THEN: Each is refused and no credit, payment or period marker is recorded

	env := newTestEnv(t)
	env.handler.WebhookSecret = config.Default().Billing.WebhookSecret
	ana := env.student(t, "Ana", 0, 12)

	for i := 0; i < 3; i++ {
		ev := paymentEvent(fmt.Sprintf("forged_%d", i), ana.ID)
		ev["amount"] = 1
		rec := env.do(t, http.MethodPost, "/api/payments/confirmed", ev)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "webhook_disabled", errorCode(t, rec))
	}

	got, err := env.store.GetStudent(context.Background(), ana.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.CreditBalance)

	paid, err := env.handler.Reconciler.PaidMonths(context.Background(), ana.ID)
	require.NoError(t, err)
	assert.Empty(t, paid)

	p, err := env.store.GetPayment(context.Background(), "forged_0")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestPaymentConfirmed(t *testing.T) {
	env := newTestEnv(t)
	env.handler.WebhookSecret = "s3cret"
	ana := env.student(t, "Ana", 0, 4)

	rec := env.do(t, http.MethodPost, "/api/payments/confirmed", paymentEvent("pi_1", ana.ID))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/payments/confirmed", paymentEvent("pi_1", ana.ID), WebhookSecretHeader, "s3cret")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	res := decode[PaymentConfirmedResponse](t, rec)
	assert.Equal(t, "applied", res.Outcome)
	assert.Equal(t, 4, res.CreditsGranted)

	rec = env.do(t, http.MethodPost, "/api/payments/confirmed", paymentEvent("pi_1", ana.ID), WebhookSecretHeader, "s3cret")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "duplicate", decode[PaymentConfirmedResponse](t, rec).Outcome)

	rec = env.do(t, http.MethodPost, "/api/payments/confirmed", paymentEvent("pi_2", 999), WebhookSecretHeader, "s3cret")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	bad := paymentEvent("pi_3", ana.ID)
	bad["amount"] = 0
	rec = env.do(t, http.MethodPost, "/api/payments/confirmed", bad, WebhookSecretHeader, "s3cret")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "malformed", errorCode(t, rec))

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/api/students/%d", ana.ID), nil)
	assert.Equal(t, 4, decode[StudentDTO](t, rec).CreditBalance)

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/api/students/%d/periods/2025/9", ana.ID), nil)
	assert.Equal(t, map[string]any{"paid": true}, decode[map[string]any](t, rec))

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/api/students/%d/enrollment/2025", ana.ID), nil)
	assert.Equal(t, map[string]any{"paid": false}, decode[map[string]any](t, rec))

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/api/students/%d/paid-months", ana.ID), nil)
	assert.Equal(t, []ledger.Period{ledger.MonthlyPeriod(2025, 9)}, decode[[]ledger.Period](t, rec))

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/api/students/%d/payment-status", ana.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[PaymentStatusDTO](t, rec)
	assert.True(t, status.CurrentPaid)
	assert.False(t, status.NextPaid)

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/api/students/%d/payment-status?month=13", ana.ID), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/payments/pi_1/receipt", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("%PDF")))

	rec = env.do(t, http.MethodGet, "/api/payments/pi_missing/receipt", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type stubVerifier struct {
	ev  billing.PaymentEvent
	ok  bool
	err error
}

func (s stubVerifier) VerifyEvent(context.Context, string) (billing.PaymentEvent, bool, error) {
	return s.ev, s.ok, s.err
}

func TestOmiseWebhook(t *testing.T) {
	env := newTestEnv(t)
	ana := env.student(t, "Ana", 0, 8)
	body := OmiseWebhookRequest{ID: "evnt_1", Key: "charge.complete"}

	rec := env.do(t, http.MethodPost, "/api/webhooks/omise", body)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	env.handler.Verifier = stubVerifier{err: errors.New("not found")}
	rec = env.do(t, http.MethodPost, "/api/webhooks/omise", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	env.handler.Verifier = stubVerifier{ok: false}
	rec = env.do(t, http.MethodPost, "/api/webhooks/omise", body)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "ignored", decode[PaymentConfirmedResponse](t, rec).Outcome)

	env.handler.Verifier = stubVerifier{ok: true, ev: billing.PaymentEvent{
		ExternalRef: "chrg_1",
		StudentID:   ana.ID,
		Amount:      7000,
		Currency:    "eur",
		Status:      "successful",
		Period:      ledger.MonthlyPeriod(2025, 9),
	}}
	rec = env.do(t, http.MethodPost, "/api/webhooks/omise", body)
	require.Equal(t, http.StatusAccepted, rec.Code)
	res := decode[PaymentConfirmedResponse](t, rec)
	assert.Equal(t, "applied", res.Outcome)
	assert.Equal(t, 8, res.CreditsGranted)
}

// =============================================================================
// ADMIN
// =============================================================================

func TestTriggerRefill_OncePerMonth(t *testing.T) {
	env := newTestEnv(t)
	ana := env.student(t, "Ana", 1, 4)

	rec := env.do(t, http.MethodPost, "/api/admin/refill", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 1, decode[map[string]any](t, rec)["students_updated"])

	rec = env.do(t, http.MethodPost, "/api/admin/refill", RefillRequest{Year: 2025, Month: 9})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "refill_already_applied", errorCode(t, rec))

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/api/students/%d", ana.ID), nil)
	assert.Equal(t, 5, decode[StudentDTO](t, rec).CreditBalance)

	rec = env.do(t, http.MethodGet, "/api/admin/refill/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decode[map[string][]RefillRunDTO](t, rec)["runs"]
	require.Len(t, runs, 1)
	assert.Equal(t, "2025-09", runs[0].Period)
	assert.Equal(t, billing.SourceAPI, runs[0].Source)
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestErrorStatus(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{&ledger.SlotFullError{SlotID: 1, Capacity: 2}, http.StatusConflict, "slot_full"},
		{&ledger.InsufficientCreditError{StudentID: 1}, http.StatusPaymentRequired, "insufficient_credit"},
		{&ledger.WeekdayMismatchError{SlotID: 1}, http.StatusBadRequest, "invalid_request"},
		{ledger.ErrUnknownSlot, http.StatusBadRequest, "invalid_request"},
		{fmt.Errorf("wrapped: %w", ledger.ErrEnrollmentPending), http.StatusConflict, "enrollment_pending"},
		{ledger.ErrDuplicatePayment, http.StatusConflict, "conflict"},
		{ledger.ErrPaymentNotFound, http.StatusNotFound, "not_found"},
		{errors.New("disk full"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		status, code := errorStatus(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
		assert.Equal(t, tc.code, code, tc.err.Error())
	}
}
