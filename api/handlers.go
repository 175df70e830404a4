/*
handlers.go - HTTP API handlers for the class booking academy

PURPOSE:
  Exposes the booking engine, payment reconciliation and refill over a
  JSON REST API. Handlers parse and validate the request, call one
  domain operation, and serialize the result.

ENDPOINTS:
  Slots & bookings:
    GET    /api/slots                               Weekly slot catalog
    POST   /api/bookings                            Reserve a seat
    DELETE /api/bookings                            Cancel by (student, slot, date)
    DELETE /api/bookings/{id}?student_id=           Cancel by booking ID
    GET    /api/bookings?from=&to=                  Bookings in a date range

  Students:
    POST   /api/students                            Register
    GET    /api/students/{id}                       Profile and balance
    GET    /api/students/{id}/bookings              Own bookings
    GET    /api/students/{id}/periods/{year}/{month} Monthly fee paid?
    GET    /api/students/{id}/enrollment/{year}     Enrollment fee paid?
    GET    /api/students/{id}/paid-months           Paid monthly periods
    GET    /api/students/{id}/payment-status        Current/next month summary

  Payments:
    POST   /api/charges                             Open a provider charge
    POST   /api/payments/confirmed                  Generic payment webhook
    POST   /api/webhooks/omise                      Omise webhook
    GET    /api/payments/{ref}/receipt              PDF receipt

  Admin:
    POST   /api/admin/refill                        Monthly refill (once per month)
    GET    /api/admin/refill/runs                   Refill history

ERROR HANDLING:
  Domain errors map to status codes in writeDomainError:
  - 400: invalid_request, malformed
  - 401: bad webhook secret, unverifiable provider event
  - 402: insufficient_credit
  - 404: unknown_student, not_found
  - 409: slot_full, already_booked, already_paid, enrollment_pending,
         email_taken, refill_already_applied
  - 422: unknown_plan
  - 500: everything else
  - 503: provider or webhook secret not configured

SECURITY NOTE:
  Student endpoints are not authenticated; the credential stored at
  registration is for the client login flow. Webhooks are protected by
  the shared secret (generic) or by re-fetching the event (Omise). With
  neither configured both webhooks answer 503 and touch nothing.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danitaetsu/buvle/billing"
	"github.com/danitaetsu/buvle/booking"
	"github.com/danitaetsu/buvle/ledger"
	"github.com/danitaetsu/buvle/store/sqlite"
	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"
)

// WebhookSecretHeader carries the shared secret on /api/payments/confirmed.
const WebhookSecretHeader = "X-Webhook-Secret"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store      *sqlite.Store
	Engine     *booking.Engine
	Reconciler *billing.Reconciler
	Refiller   *billing.Refiller

	// Verifier checks provider webhooks; nil disables /api/webhooks/omise.
	Verifier billing.EventVerifier

	// WebhookSecret must match the X-Webhook-Secret header. Empty disables
	// /api/payments/confirmed.
	WebhookSecret string

	now func() time.Time
}

// NewHandler wires the domain services over one store.
func NewHandler(store *sqlite.Store, engine *booking.Engine, rec *billing.Reconciler, refiller *billing.Refiller) *Handler {
	return &Handler{
		Store:      store,
		Engine:     engine,
		Reconciler: rec,
		Refiller:   refiller,
		now:        time.Now,
	}
}

// =============================================================================
// SLOT & BOOKING HANDLERS
// =============================================================================

// ListSlots returns the weekly catalog.
func (h *Handler) ListSlots(w http.ResponseWriter, r *http.Request) {
	slots, err := h.Engine.ListSlots(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]SlotDTO, len(slots))
	for i, s := range slots {
		dtos[i] = toSlotDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Reserve books one seat.
// POST /api/bookings
func (h *Handler) Reserve(w http.ResponseWriter, r *http.Request) {
	req, date, ok := decodeBookingRequest(w, r)
	if !ok {
		return
	}

	b, err := h.Engine.Reserve(r.Context(), ledger.StudentID(req.StudentID), ledger.SlotID(req.SlotID), date)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBookingDTO(b))
}

// Cancel releases the seat identified by (student, slot, date).
// DELETE /api/bookings
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	req, date, ok := decodeBookingRequest(w, r)
	if !ok {
		return
	}

	if err := h.Engine.Cancel(r.Context(), ledger.StudentID(req.StudentID), ledger.SlotID(req.SlotID), date); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
}

// CancelByID releases a booking the student owns.
// DELETE /api/bookings/{id}?student_id=
func (h *Handler) CancelByID(w http.ResponseWriter, r *http.Request) {
	studentID, err := strconv.ParseInt(r.URL.Query().Get("student_id"), 10, 64)
	if err != nil || studentID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "student_id query parameter is required", err)
		return
	}

	id := ledger.BookingID(chi.URLParam(r, "id"))
	if err := h.Engine.CancelByID(r.Context(), ledger.StudentID(studentID), id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true, "booking_id": id})
}

// ListBookings returns every booking in [from, to] with student names.
// GET /api/bookings?from=YYYY-MM-DD&to=YYYY-MM-DD
func (h *Handler) ListBookings(w http.ResponseWriter, r *http.Request) {
	from, err := ledger.ParseDate(r.URL.Query().Get("from"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	to, err := ledger.ParseDate(r.URL.Query().Get("to"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	views, err := h.Engine.ListBookingsInRange(r.Context(), from, to)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingViewDTOs(views))
}

func decodeBookingRequest(w http.ResponseWriter, r *http.Request) (BookingRequest, ledger.Date, bool) {
	var req BookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body", err)
		return req, ledger.Date{}, false
	}
	if req.StudentID <= 0 || req.SlotID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "student_id and slot_id are required", nil)
		return req, ledger.Date{}, false
	}
	date, err := ledger.ParseDate(req.Date)
	if err != nil {
		writeDomainError(w, err)
		return req, ledger.Date{}, false
	}
	return req, date, true
}

// =============================================================================
// STUDENT HANDLERS
// =============================================================================

// CreateStudent registers a student and stores a bcrypt hash of the password.
// POST /api/students
func (h *Handler) CreateStudent(w http.ResponseWriter, r *http.Request) {
	var req CreateStudentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body", err)
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.TrimSpace(req.Email)
	if req.Name == "" || !strings.Contains(req.Email, "@") {
		writeError(w, http.StatusBadRequest, "invalid_request", "name and a valid email are required", nil)
		return
	}
	if len(req.Password) < 6 {
		writeError(w, http.StatusBadRequest, "invalid_request", "password must be at least 6 characters", nil)
		return
	}

	method := ledger.PaymentMethod(req.PaymentMethod)
	if method == "" {
		method = ledger.PaymentCard
	}
	if !method.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("unknown payment_method %q", req.PaymentMethod), nil)
		return
	}
	if req.PlanSize < 0 || req.EnrollmentMonth < 0 || req.EnrollmentMonth > 12 {
		writeError(w, http.StatusBadRequest, "invalid_request", "plan_size and enrollment_month out of range", nil)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "Failed to hash password", err)
		return
	}

	st, err := h.Store.CreateStudent(r.Context(), ledger.Student{
		Name:            req.Name,
		Email:           req.Email,
		PasswordHash:    string(hash),
		PlanSize:        req.PlanSize,
		PaymentMethod:   method,
		EnrollmentMonth: req.EnrollmentMonth,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toStudentDTO(st))
}

// GetStudent returns a student's profile and balance.
func (h *Handler) GetStudent(w http.ResponseWriter, r *http.Request) {
	id, ok := studentIDParam(w, r)
	if !ok {
		return
	}
	st, err := h.Store.GetStudent(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if st == nil {
		writeDomainError(w, ledger.ErrUnknownStudent)
		return
	}
	writeJSON(w, http.StatusOK, toStudentDTO(*st))
}

// GetStudentBookings returns the student's own bookings.
func (h *Handler) GetStudentBookings(w http.ResponseWriter, r *http.Request) {
	id, ok := studentIDParam(w, r)
	if !ok {
		return
	}
	views, err := h.Engine.ListStudentBookings(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingViewDTOs(views))
}

// IsPeriodPaid reports whether a monthly fee is paid.
// GET /api/students/{id}/periods/{year}/{month}
func (h *Handler) IsPeriodPaid(w http.ResponseWriter, r *http.Request) {
	id, ok := studentIDParam(w, r)
	if !ok {
		return
	}
	year, err1 := strconv.Atoi(chi.URLParam(r, "year"))
	month, err2 := strconv.Atoi(chi.URLParam(r, "month"))
	if err := errors.Join(err1, err2); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "year and month must be numbers", err)
		return
	}

	paid, err := h.Reconciler.IsPeriodPaid(r.Context(), id, year, month)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"paid": paid})
}

// IsEnrollmentPaid reports whether the yearly enrollment fee is paid.
// GET /api/students/{id}/enrollment/{year}
func (h *Handler) IsEnrollmentPaid(w http.ResponseWriter, r *http.Request) {
	id, ok := studentIDParam(w, r)
	if !ok {
		return
	}
	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "year must be a number", err)
		return
	}

	paid, err := h.Reconciler.IsEnrollmentPaid(r.Context(), id, year)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"paid": paid})
}

// PaidMonths lists the monthly periods the student has paid.
func (h *Handler) PaidMonths(w http.ResponseWriter, r *http.Request) {
	id, ok := studentIDParam(w, r)
	if !ok {
		return
	}
	months, err := h.Reconciler.PaidMonths(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, months)
}

// PaymentStatus summarises the month given by ?year=&month= (default: now).
func (h *Handler) PaymentStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := studentIDParam(w, r)
	if !ok {
		return
	}

	now := h.now()
	year, month := now.Year(), int(now.Month())
	if v := r.URL.Query().Get("year"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "year must be a number", err)
			return
		}
		year = n
	}
	if v := r.URL.Query().Get("month"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "month must be a number", err)
			return
		}
		month = n
	}
	if err := ledger.MonthlyPeriod(year, month).Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid period", err)
		return
	}

	status, err := h.Reconciler.Status(r.Context(), id, ledger.NewDate(year, time.Month(month), 1))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentStatusDTO(status))
}

func studentIDParam(w http.ResponseWriter, r *http.Request) (ledger.StudentID, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid student id", err)
		return 0, false
	}
	return ledger.StudentID(id), true
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// CreateCharge opens a provider charge for a period.
// POST /api/charges
func (h *Handler) CreateCharge(w http.ResponseWriter, r *http.Request) {
	var req ChargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body", err)
		return
	}

	charge, err := h.Reconciler.CreateCharge(r.Context(), billing.ChargeInput{
		StudentID: ledger.StudentID(req.StudentID),
		Period:    req.Period.toPeriod(),
		CardToken: req.CardToken,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ChargeDTO{
		Handle:       charge.Handle,
		Amount:       charge.Amount.Minor,
		Currency:     charge.Amount.Currency,
		Display:      charge.Amount.String(),
		Status:       charge.Status,
		AuthorizeURI: charge.AuthorizeURI,
	})
}

// PaymentConfirmed applies a provider-neutral payment notification.
// POST /api/payments/confirmed
func (h *Handler) PaymentConfirmed(w http.ResponseWriter, r *http.Request) {
	if h.WebhookSecret == "" {
		writeError(w, http.StatusServiceUnavailable, "webhook_disabled", "No webhook secret configured", nil)
		return
	}
	got := r.Header.Get(WebhookSecretHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(h.WebhookSecret)) != 1 {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid webhook secret", nil)
		return
	}

	var ev billing.PaymentEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "malformed", "Invalid payment event", err)
		return
	}
	if ev.Period.Kind == "" {
		ev.Period = PeriodRequest{Year: ev.Period.Year, Month: ev.Period.Month}.toPeriod()
	}

	h.applyPayment(w, r, ev)
}

// OmiseWebhook verifies an Omise event by ID and applies completed charges.
// POST /api/webhooks/omise
func (h *Handler) OmiseWebhook(w http.ResponseWriter, r *http.Request) {
	if h.Verifier == nil {
		writeDomainError(w, ledger.ErrGatewayUnavailable)
		return
	}

	var req OmiseWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeError(w, http.StatusBadRequest, "malformed", "Invalid webhook body", err)
		return
	}

	ev, ok, err := h.Verifier.VerifyEvent(r.Context(), req.ID)
	if err != nil {
		log.Printf("[Billing] webhook event %s not verified: %v", req.ID, err)
		writeError(w, http.StatusUnauthorized, "unauthorized", "Event could not be verified", nil)
		return
	}
	if !ok {
		writeJSON(w, http.StatusAccepted, PaymentConfirmedResponse{Accepted: true, Outcome: string(ledger.OutcomeIgnored)})
		return
	}

	h.applyPayment(w, r, ev)
}

func (h *Handler) applyPayment(w http.ResponseWriter, r *http.Request, ev billing.PaymentEvent) {
	res, err := h.Reconciler.ApplyPayment(r.Context(), ev)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, PaymentConfirmedResponse{
		Accepted:       true,
		Outcome:        string(res.Outcome),
		CreditsGranted: res.CreditsGranted,
	})
}

// Receipt streams the PDF receipt for a payment.
// GET /api/payments/{ref}/receipt
func (h *Handler) Receipt(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")

	var buf bytes.Buffer
	if err := h.Reconciler.Receipt(r.Context(), ref, &buf); err != nil {
		writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`inline; filename="receipt-%s.pdf"`, ref))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// TriggerRefill applies the monthly refill for a month, at most once.
// POST /api/admin/refill
func (h *Handler) TriggerRefill(w http.ResponseWriter, r *http.Request) {
	var req RefillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body", err)
		return
	}
	now := h.now()
	if req.Year == 0 {
		req.Year = now.Year()
	}
	if req.Month == 0 {
		req.Month = int(now.Month())
	}

	run, err := h.Refiller.ApplyForPeriod(r.Context(), req.Year, req.Month, billing.SourceAPI)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"students_updated": run.StudentsUpdated,
		"run":              toRefillRunDTO(run),
	})
}

// ListRefillRuns returns refill history.
// GET /api/admin/refill/runs
func (h *Handler) ListRefillRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.Store.ListRefillRuns(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]RefillRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toRefillRunDTO(run)
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": dtos})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string, err error) {
	resp := ErrorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps ledger errors to a status and stable code.
func writeDomainError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	if status == http.StatusInternalServerError {
		log.Printf("[API] internal error: %v", err)
		writeError(w, status, code, "Internal error", nil)
		return
	}
	writeError(w, status, code, err.Error(), nil)
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrSlotFull):
		return http.StatusConflict, "slot_full"
	case errors.Is(err, ledger.ErrAlreadyBooked):
		return http.StatusConflict, "already_booked"
	case errors.Is(err, ledger.ErrInsufficientCredit):
		return http.StatusPaymentRequired, "insufficient_credit"
	case errors.Is(err, ledger.ErrUnknownPlan):
		return http.StatusUnprocessableEntity, "unknown_plan"
	case errors.Is(err, ledger.ErrAlreadyPaid):
		return http.StatusConflict, "already_paid"
	case errors.Is(err, ledger.ErrEnrollmentPending):
		return http.StatusConflict, "enrollment_pending"
	case errors.Is(err, ledger.ErrEmailTaken):
		return http.StatusConflict, "email_taken"
	case errors.Is(err, ledger.ErrRefillAlreadyApplied):
		return http.StatusConflict, "refill_already_applied"
	case ledger.IsConflict(err):
		return http.StatusConflict, "conflict"
	case errors.Is(err, ledger.ErrUnknownStudent):
		return http.StatusNotFound, "unknown_student"
	case ledger.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ledger.ErrMalformed):
		return http.StatusBadRequest, "malformed"
	case ledger.IsValidation(err):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, ledger.ErrGatewayUnavailable):
		return http.StatusServiceUnavailable, "gateway_unavailable"
	}
	return http.StatusInternalServerError, "internal"
}
