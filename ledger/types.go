/*
types.go - Core domain types for the academy ledger

PURPOSE:
  Defines students, slots, bookings, payments and period markers. These
  are plain data carriers; the invariants that bind them live in the
  booking engine, the payment reconciler and the SQL schema.

KEY TYPES:
  Student:      Credit balance owner; plan size drives payments and refills
  Slot:         Recurring weekly class with a seat capacity
  Booking:      One seat in one slot on one calendar date
  Payment:      Applied (or recorded-but-unapplied) external payment
  PeriodMarker: "student paid month M of year Y" / "enrollment of year Y"
  RefillRun:    Audit record of a monthly bulk refill

SEE ALSO:
  - errors.go: Domain errors
  - store.go: Persistence interfaces
*/
package ledger

import (
	"fmt"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type (
	StudentID int64
	SlotID    int64
	BookingID string
)

// =============================================================================
// STUDENT
// =============================================================================

// PaymentMethod is how a student pays for classes.
type PaymentMethod string

const (
	// PaymentCard students pay in-app and spend one credit per class.
	PaymentCard PaymentMethod = "card"
	// PaymentDirectDebit students are billed outside the system and are
	// never gated on their credit balance.
	PaymentDirectDebit PaymentMethod = "direct_debit"
)

// Valid reports whether m is a known payment method.
func (m PaymentMethod) Valid() bool {
	return m == PaymentCard || m == PaymentDirectDebit
}

// ConsumesCredit reports whether bookings by this method spend credits.
func (m PaymentMethod) ConsumesCredit() bool {
	return m == PaymentCard
}

// Student is a credit holder. PasswordHash is opaque to the ledger.
type Student struct {
	ID              StudentID
	Name            string
	Email           string
	PasswordHash    string
	CreditBalance   int
	PlanSize        int // credits per month; 0 = pay-per-class
	PaymentMethod   PaymentMethod
	EnrollmentMonth int // 1-12, 0 when the student pays no enrollment fee
	CreatedAt       time.Time
}

// HasEnrollment reports whether the student owes a yearly enrollment fee.
func (s Student) HasEnrollment() bool {
	return s.EnrollmentMonth >= 1 && s.EnrollmentMonth <= 12
}

// =============================================================================
// SLOT
// =============================================================================

// Slot is a recurring weekly class. Start and End are "HH:MM".
type Slot struct {
	ID       SlotID
	Weekday  Weekday
	Start    string
	End      string
	Capacity int
}

// Validate checks a slot definition before it is stored.
func (s Slot) Validate() error {
	if !s.Weekday.Valid() {
		return fmt.Errorf("%w: weekday %d out of range", ErrInvalidRequest, s.Weekday)
	}
	start, err := time.Parse("15:04", s.Start)
	if err != nil {
		return fmt.Errorf("%w: start %q must be HH:MM", ErrInvalidRequest, s.Start)
	}
	end, err := time.Parse("15:04", s.End)
	if err != nil {
		return fmt.Errorf("%w: end %q must be HH:MM", ErrInvalidRequest, s.End)
	}
	if !end.After(start) {
		return fmt.Errorf("%w: slot ends before it starts", ErrInvalidRequest)
	}
	if s.Capacity <= 0 {
		return fmt.Errorf("%w: capacity must be positive", ErrInvalidRequest)
	}
	return nil
}

// =============================================================================
// BOOKING
// =============================================================================

// Booking is one seat. CreditConsumed records whether a credit was spent,
// so cancellation refunds exactly what was taken.
type Booking struct {
	ID             BookingID
	StudentID      StudentID
	SlotID         SlotID
	Date           Date
	CreditConsumed bool
	CreatedAt      time.Time
}

// BookingView is a booking joined with what the schedule view displays.
type BookingView struct {
	Booking
	StudentName string
	Weekday     Weekday
	Start       string
	End         string
}

// =============================================================================
// BILLING PERIODS
// =============================================================================

// PeriodKind distinguishes a monthly fee from the yearly enrollment fee.
type PeriodKind string

const (
	PeriodMonthly    PeriodKind = "monthly"
	PeriodEnrollment PeriodKind = "enrollment"
)

// Period identifies what a payment pays for. Month is 0 for enrollment.
type Period struct {
	Kind  PeriodKind `json:"kind"`
	Year  int        `json:"year"`
	Month int        `json:"month,omitempty"`
}

// MonthlyPeriod returns the monthly period for year/month.
func MonthlyPeriod(year, month int) Period {
	return Period{Kind: PeriodMonthly, Year: year, Month: month}
}

// EnrollmentPeriod returns the enrollment period for year.
func EnrollmentPeriod(year int) Period {
	return Period{Kind: PeriodEnrollment, Year: year}
}

// Validate checks the period is well formed.
func (p Period) Validate() error {
	if p.Year < 2000 || p.Year > 9999 {
		return fmt.Errorf("year %d out of range", p.Year)
	}
	switch p.Kind {
	case PeriodMonthly:
		if p.Month < 1 || p.Month > 12 {
			return fmt.Errorf("month %d out of range", p.Month)
		}
	case PeriodEnrollment:
		if p.Month != 0 {
			return fmt.Errorf("enrollment period carries no month")
		}
	default:
		return fmt.Errorf("unknown period kind %q", p.Kind)
	}
	return nil
}

func (p Period) String() string {
	if p.Kind == PeriodEnrollment {
		return fmt.Sprintf("enrollment %d", p.Year)
	}
	return fmt.Sprintf("%04d-%02d", p.Year, p.Month)
}

// PeriodMarker records that a student paid a period.
type PeriodMarker struct {
	StudentID  StudentID
	Period     Period
	PaymentRef string
	CreatedAt  time.Time
}

// =============================================================================
// PAYMENTS
// =============================================================================

// PaymentOutcome is what ApplyPayment did with an event.
type PaymentOutcome string

const (
	OutcomeApplied           PaymentOutcome = "applied"
	OutcomeDuplicate         PaymentOutcome = "duplicate"
	OutcomePeriodAlreadyPaid PaymentOutcome = "period_already_paid"
	OutcomeIgnored           PaymentOutcome = "ignored"
)

// Payment is an external payment as recorded by the ledger. Append-only.
type Payment struct {
	ID             string
	ExternalRef    string
	StudentID      StudentID
	Amount         Money
	Status         string
	Period         Period
	CreditsGranted int
	Outcome        PaymentOutcome
	CreatedAt      time.Time
}

// IsSuccessfulStatus reports whether a provider status means the money moved.
// Providers disagree on spelling.
func IsSuccessfulStatus(status string) bool {
	switch status {
	case "succeeded", "successful", "paid":
		return true
	}
	return false
}

// =============================================================================
// REFILL
// =============================================================================

// RefillRun records one monthly refill for a calendar month.
type RefillRun struct {
	ID              string
	Year            int
	Month           int
	StudentsUpdated int
	Source          string
	CreatedAt       time.Time
}
