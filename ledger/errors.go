/*
errors.go - Error taxonomy for the booking and credit ledger

PURPOSE:
  All domain errors in one place. Components return these (or wrap them
  with fmt.Errorf("...: %w", err)) so callers can branch with errors.Is
  and the HTTP layer can map categories to status codes.

ERROR CATEGORIES:
  1. Validation - malformed or inconsistent input (InvalidRequest, Malformed)
  2. Not found  - missing booking, student, payment
  3. Conflict   - invariant would be broken (SlotFull, AlreadyBooked,
                  InsufficientCredit, AlreadyPaid, RefillAlreadyApplied)
  4. Storage    - everything else, returned wrapped

DUPLICATES ARE NOT ERRORS:
  A replayed payment event returns a Duplicate outcome with a nil error.

SEE ALSO:
  - booking/engine.go: Reserve/Cancel failure modes
  - billing/reconciler.go: payment failure modes
  - api/handlers.go: category -> HTTP status mapping
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidRequest is returned for input that can never succeed
	// (weekday mismatch, unknown slot, from > to).
	ErrInvalidRequest = errors.New("invalid request")

	// ErrMalformed is returned for payment events missing required fields.
	ErrMalformed = errors.New("malformed payment event")

	// ErrSlotFull is returned when the slot has no free seat on that date.
	ErrSlotFull = errors.New("slot full")

	// ErrInsufficientCredit is returned when a card-paying student has no credits left.
	ErrInsufficientCredit = errors.New("insufficient credit")

	// ErrAlreadyBooked is returned when the student already holds this seat.
	ErrAlreadyBooked = errors.New("already booked")

	// ErrBookingNotFound is returned when cancelling a booking that doesn't exist.
	ErrBookingNotFound = errors.New("booking not found")

	// ErrUnknownStudent is returned when a referenced student doesn't exist.
	ErrUnknownStudent = errors.New("unknown student")

	// ErrUnknownSlot is returned when a referenced slot doesn't exist.
	ErrUnknownSlot = fmt.Errorf("%w: unknown slot", ErrInvalidRequest)

	// ErrUnknownPlan is returned when no price is configured for the plan size.
	ErrUnknownPlan = errors.New("unknown plan")

	// ErrPaymentNotFound is returned when no payment matches the external reference.
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrAlreadyPaid is returned when the billing period already has a marker.
	ErrAlreadyPaid = errors.New("period already paid")

	// ErrEnrollmentPending blocks monthly charges in the enrollment month
	// until that year's enrollment fee is paid.
	ErrEnrollmentPending = errors.New("enrollment fee pending")

	// ErrDuplicatePayment is returned by the store when the external
	// reference was already recorded.
	ErrDuplicatePayment = errors.New("duplicate payment reference")

	// ErrEmailTaken is returned when registering a student with a used email.
	ErrEmailTaken = errors.New("email already registered")

	// ErrRefillAlreadyApplied is returned when a refill run exists for the period.
	ErrRefillAlreadyApplied = errors.New("refill already applied for period")

	// ErrGatewayUnavailable is returned when no payment provider is configured
	// for an operation that needs one.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// SlotFullError reports the slot and date that ran out of seats.
type SlotFullError struct {
	SlotID   SlotID
	Date     Date
	Capacity int
}

func (e *SlotFullError) Error() string {
	return fmt.Sprintf("slot full: slot %d on %s (capacity %d)", e.SlotID, e.Date, e.Capacity)
}

func (e *SlotFullError) Unwrap() error {
	return ErrSlotFull
}

// InsufficientCreditError reports the balance that blocked a reservation.
type InsufficientCreditError struct {
	StudentID StudentID
	Balance   int
}

func (e *InsufficientCreditError) Error() string {
	return fmt.Sprintf("insufficient credit: student %d has %d credits", e.StudentID, e.Balance)
}

func (e *InsufficientCreditError) Unwrap() error {
	return ErrInsufficientCredit
}

// WeekdayMismatchError is returned when the class date does not fall on
// the slot's weekday.
type WeekdayMismatchError struct {
	SlotID      SlotID
	SlotWeekday Weekday
	Date        Date
}

func (e *WeekdayMismatchError) Error() string {
	return fmt.Sprintf("invalid request: %s is a %s, slot %d runs on %s",
		e.Date, e.Date.Weekday(), e.SlotID, e.SlotWeekday)
}

func (e *WeekdayMismatchError) Unwrap() error {
	return ErrInvalidRequest
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsValidation returns true if the request can never succeed as sent.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrMalformed)
}

// IsConflict returns true if the request was refused to protect an invariant.
func IsConflict(err error) bool {
	return errors.Is(err, ErrSlotFull) ||
		errors.Is(err, ErrAlreadyBooked) ||
		errors.Is(err, ErrInsufficientCredit) ||
		errors.Is(err, ErrAlreadyPaid) ||
		errors.Is(err, ErrEnrollmentPending) ||
		errors.Is(err, ErrDuplicatePayment) ||
		errors.Is(err, ErrEmailTaken) ||
		errors.Is(err, ErrRefillAlreadyApplied)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrBookingNotFound) ||
		errors.Is(err, ErrUnknownStudent) ||
		errors.Is(err, ErrPaymentNotFound)
}
