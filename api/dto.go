/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON shapes of the HTTP API. Domain types in ledger/ carry no JSON
  tags of their own (except Date and Period), so everything the client
  sees is declared here.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Done in handlers and the domain packages, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/danitaetsu/buvle/billing"
	"github.com/danitaetsu/buvle/ledger"
)

// =============================================================================
// SLOTS & BOOKINGS
// =============================================================================

// SlotDTO represents a weekly class slot.
type SlotDTO struct {
	ID          int64  `json:"id"`
	Weekday     int    `json:"weekday"`
	WeekdayName string `json:"weekday_name"`
	Start       string `json:"start"`
	End         string `json:"end"`
	Capacity    int    `json:"capacity"`
}

// BookingRequest identifies a seat: student, slot and class date.
type BookingRequest struct {
	StudentID int64  `json:"student_id"`
	SlotID    int64  `json:"slot_id"`
	Date      string `json:"date"`
}

// BookingDTO represents a booking, with slot and student details when known.
type BookingDTO struct {
	ID             string `json:"booking_id"`
	StudentID      int64  `json:"student_id"`
	StudentName    string `json:"student_name,omitempty"`
	SlotID         int64  `json:"slot_id"`
	Date           string `json:"date"`
	Weekday        int    `json:"weekday,omitempty"`
	Start          string `json:"start,omitempty"`
	End            string `json:"end,omitempty"`
	CreditConsumed bool   `json:"credit_consumed"`
	CreatedAt      string `json:"created_at"`
}

// =============================================================================
// STUDENTS
// =============================================================================

// CreateStudentRequest registers a student.
type CreateStudentRequest struct {
	Name            string `json:"name"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	PlanSize        int    `json:"plan_size"`
	PaymentMethod   string `json:"payment_method"`
	EnrollmentMonth int    `json:"enrollment_month"`
}

// StudentDTO never carries the credential.
type StudentDTO struct {
	ID              int64  `json:"id"`
	Name            string `json:"name"`
	Email           string `json:"email"`
	CreditBalance   int    `json:"credit_balance"`
	PlanSize        int    `json:"plan_size"`
	PaymentMethod   string `json:"payment_method"`
	EnrollmentMonth int    `json:"enrollment_month,omitempty"`
	CreatedAt       string `json:"created_at"`
}

// =============================================================================
// BILLING
// =============================================================================

// PeriodRequest is a billing period; a zero month means enrollment.
type PeriodRequest struct {
	Year  int `json:"year"`
	Month int `json:"month,omitempty"`
}

// ChargeRequest asks for a charge for one period.
type ChargeRequest struct {
	StudentID int64         `json:"student_id"`
	Period    PeriodRequest `json:"period"`
	CardToken string        `json:"card_token,omitempty"`
}

// ChargeDTO is an opened charge awaiting confirmation.
type ChargeDTO struct {
	Handle       string `json:"charge_handle"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	Display      string `json:"display"`
	Status       string `json:"status"`
	AuthorizeURI string `json:"authorize_uri,omitempty"`
}

// PaymentConfirmedResponse acknowledges a payment notification.
type PaymentConfirmedResponse struct {
	Accepted       bool   `json:"accepted"`
	Outcome        string `json:"outcome"`
	CreditsGranted int    `json:"credits_granted"`
}

// OmiseWebhookRequest is the envelope Omise posts; only the ID is trusted.
type OmiseWebhookRequest struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

// PaymentStatusDTO summarises what a student has paid around a month.
type PaymentStatusDTO struct {
	Balance         int           `json:"credit_balance"`
	PaymentMethod   string        `json:"payment_method"`
	Current         ledger.Period `json:"current"`
	CurrentPaid     bool          `json:"current_paid"`
	Next            ledger.Period `json:"next"`
	NextPaid        bool          `json:"next_paid"`
	EnrollmentMonth int           `json:"enrollment_month,omitempty"`
	EnrollmentDue   bool          `json:"enrollment_due"`
	EnrollmentPaid  bool          `json:"enrollment_paid"`
	MonthlyBlocked  bool          `json:"monthly_blocked"`
	CurrentPrice    *MoneyDTO     `json:"current_price,omitempty"`
	EnrollmentPrice *MoneyDTO     `json:"enrollment_price,omitempty"`
}

// MoneyDTO is an amount in minor units plus a display string.
type MoneyDTO struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Display  string `json:"display"`
}

// =============================================================================
// REFILL
// =============================================================================

// RefillRequest picks the month to refill; zero values mean the current month.
type RefillRequest struct {
	Year  int `json:"year,omitempty"`
	Month int `json:"month,omitempty"`
}

// RefillRunDTO is one applied monthly refill.
type RefillRunDTO struct {
	ID              string `json:"id"`
	Period          string `json:"period"`
	StudentsUpdated int    `json:"students_updated"`
	Source          string `json:"source"`
	CreatedAt       string `json:"created_at"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toSlotDTO(s ledger.Slot) SlotDTO {
	return SlotDTO{
		ID:          int64(s.ID),
		Weekday:     int(s.Weekday),
		WeekdayName: s.Weekday.String(),
		Start:       s.Start,
		End:         s.End,
		Capacity:    s.Capacity,
	}
}

func toBookingDTO(b ledger.Booking) BookingDTO {
	return BookingDTO{
		ID:             string(b.ID),
		StudentID:      int64(b.StudentID),
		SlotID:         int64(b.SlotID),
		Date:           b.Date.String(),
		CreditConsumed: b.CreditConsumed,
		CreatedAt:      b.CreatedAt.Format(time.RFC3339),
	}
}

func toBookingViewDTOs(views []ledger.BookingView) []BookingDTO {
	dtos := make([]BookingDTO, len(views))
	for i, v := range views {
		dto := toBookingDTO(v.Booking)
		dto.StudentName = v.StudentName
		dto.Weekday = int(v.Weekday)
		dto.Start = v.Start
		dto.End = v.End
		dtos[i] = dto
	}
	return dtos
}

func toStudentDTO(s ledger.Student) StudentDTO {
	return StudentDTO{
		ID:              int64(s.ID),
		Name:            s.Name,
		Email:           s.Email,
		CreditBalance:   s.CreditBalance,
		PlanSize:        s.PlanSize,
		PaymentMethod:   string(s.PaymentMethod),
		EnrollmentMonth: s.EnrollmentMonth,
		CreatedAt:       s.CreatedAt.Format(time.RFC3339),
	}
}

func toMoneyDTO(m *ledger.Money) *MoneyDTO {
	if m == nil {
		return nil
	}
	return &MoneyDTO{Amount: m.Minor, Currency: m.Currency, Display: m.String()}
}

func toPaymentStatusDTO(s billing.Status) PaymentStatusDTO {
	return PaymentStatusDTO{
		Balance:         s.Balance,
		PaymentMethod:   string(s.PaymentMethod),
		Current:         s.Current,
		CurrentPaid:     s.CurrentPaid,
		Next:            s.Next,
		NextPaid:        s.NextPaid,
		EnrollmentMonth: s.EnrollmentMonth,
		EnrollmentDue:   s.EnrollmentDue,
		EnrollmentPaid:  s.EnrollmentPaid,
		MonthlyBlocked:  s.MonthlyBlocked,
		CurrentPrice:    toMoneyDTO(s.CurrentPrice),
		EnrollmentPrice: toMoneyDTO(s.EnrollmentPrice),
	}
}

func toRefillRunDTO(r ledger.RefillRun) RefillRunDTO {
	return RefillRunDTO{
		ID:              r.ID,
		Period:          ledger.MonthlyPeriod(r.Year, r.Month).String(),
		StudentsUpdated: r.StudentsUpdated,
		Source:          r.Source,
		CreatedAt:       r.CreatedAt.Format(time.RFC3339),
	}
}

func (p PeriodRequest) toPeriod() ledger.Period {
	if p.Month == 0 {
		return ledger.EnrollmentPeriod(p.Year)
	}
	return ledger.MonthlyPeriod(p.Year, p.Month)
}
