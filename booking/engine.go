/*
engine.go - Class reservation and cancellation

PURPOSE:
  Enforces the two invariants that contended writes can break:
  - bookings for a (slot, date) never exceed the slot's capacity
  - a card-paying student's credit balance never goes below zero
  Each Reserve/Cancel is one transaction: the booking row and the credit
  movement commit together or not at all.

RESERVE ORDER OF CHECKS:
  1. slot exists, date falls on the slot's weekday   (InvalidRequest)
  2. student exists                                  (UnknownStudent)
  3. student doesn't already hold the seat           (AlreadyBooked)
  4. seat count < capacity                           (SlotFull)
  5. card payer has balance > 0                      (InsufficientCredit)
  Step 1 reads immutable reference data and runs before the transaction.

DIRECT DEBIT:
  Direct-debit students are billed outside the system. They are not gated
  on balance and their bookings don't consume credits (CreditConsumed=false),
  so cancelling never refunds a credit that was never taken.

SEE ALSO:
  - ledger/store.go: Tx operations used here
  - store/sqlite/migrations: constraints backing these checks
*/
package booking

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/danitaetsu/buvle/events"
	"github.com/danitaetsu/buvle/ledger"
	"github.com/danitaetsu/buvle/metrics"
	"github.com/google/uuid"
)

// Engine reserves and cancels seats against a transactional store.
type Engine struct {
	store     ledger.TxStore
	publisher events.Publisher
	now       func() time.Time
}

// NewEngine creates a booking engine. A nil publisher discards events.
func NewEngine(store ledger.TxStore, publisher events.Publisher) *Engine {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Engine{store: store, publisher: publisher, now: time.Now}
}

// =============================================================================
// SLOT CATALOG
// =============================================================================

// ListSlots returns the weekly slot catalog ordered by weekday then start.
func (e *Engine) ListSlots(ctx context.Context) ([]ledger.Slot, error) {
	return e.store.ListSlots(ctx)
}

// =============================================================================
// RESERVE
// =============================================================================

// Reserve books one seat for student in slot on date.
func (e *Engine) Reserve(ctx context.Context, studentID ledger.StudentID, slotID ledger.SlotID, date ledger.Date) (ledger.Booking, error) {
	slot, err := e.store.GetSlot(ctx, slotID)
	if err != nil {
		return ledger.Booking{}, err
	}
	if slot == nil {
		metrics.BookingsTotal.WithLabelValues(metrics.ResultInvalid).Inc()
		return ledger.Booking{}, ledger.ErrUnknownSlot
	}
	if date.Weekday() != slot.Weekday {
		metrics.BookingsTotal.WithLabelValues(metrics.ResultInvalid).Inc()
		return ledger.Booking{}, &ledger.WeekdayMismatchError{SlotID: slot.ID, SlotWeekday: slot.Weekday, Date: date}
	}

	var booking ledger.Booking
	start := time.Now()
	err = e.store.WithTx(ctx, func(tx ledger.Tx) error {
		student, err := tx.GetStudent(ctx, studentID)
		if err != nil {
			return err
		}
		if student == nil {
			return ledger.ErrUnknownStudent
		}

		existing, err := tx.FindBooking(ctx, studentID, slotID, date)
		if err != nil {
			return err
		}
		if existing != nil {
			return ledger.ErrAlreadyBooked
		}

		taken, err := tx.CountBookings(ctx, slotID, date)
		if err != nil {
			return err
		}
		if taken >= slot.Capacity {
			return &ledger.SlotFullError{SlotID: slotID, Date: date, Capacity: slot.Capacity}
		}

		consume := student.PaymentMethod.ConsumesCredit()
		if consume && student.CreditBalance <= 0 {
			return &ledger.InsufficientCreditError{StudentID: studentID, Balance: student.CreditBalance}
		}

		booking = ledger.Booking{
			ID:             ledger.BookingID(uuid.NewString()),
			StudentID:      studentID,
			SlotID:         slotID,
			Date:           date,
			CreditConsumed: consume,
			CreatedAt:      e.now().UTC(),
		}
		if err := tx.InsertBooking(ctx, booking); err != nil {
			return err
		}
		if consume {
			return tx.AdjustCredits(ctx, studentID, -1)
		}
		return nil
	})
	metrics.TxDuration.WithLabelValues("reserve").Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.BookingsTotal.WithLabelValues(reserveResult(err)).Inc()
		if ledger.IsConflict(err) || ledger.IsValidation(err) || ledger.IsNotFound(err) {
			return ledger.Booking{}, err
		}
		return ledger.Booking{}, fmt.Errorf("reserve slot %d on %s: %w", slotID, date, err)
	}

	metrics.BookingsTotal.WithLabelValues(metrics.ResultReserved).Inc()
	e.publish(ctx, events.KeyBookingCreated, booking)
	return booking, nil
}

func reserveResult(err error) string {
	switch {
	case errors.Is(err, ledger.ErrSlotFull):
		return metrics.ResultSlotFull
	case errors.Is(err, ledger.ErrInsufficientCredit):
		return metrics.ResultInsufficientCredit
	case errors.Is(err, ledger.ErrAlreadyBooked):
		return metrics.ResultAlreadyBooked
	case ledger.IsValidation(err), ledger.IsNotFound(err):
		return metrics.ResultInvalid
	}
	return metrics.ResultError
}

// =============================================================================
// CANCEL
// =============================================================================

// Cancel removes the student's booking for (slot, date) and refunds the
// credit it consumed, if any. There is no cancellation deadline.
func (e *Engine) Cancel(ctx context.Context, studentID ledger.StudentID, slotID ledger.SlotID, date ledger.Date) error {
	return e.cancel(ctx, func(tx ledger.Tx) (*ledger.Booking, error) {
		return tx.FindBooking(ctx, studentID, slotID, date)
	})
}

// CancelByID cancels a booking by its ID. The booking must belong to studentID.
func (e *Engine) CancelByID(ctx context.Context, studentID ledger.StudentID, id ledger.BookingID) error {
	return e.cancel(ctx, func(tx ledger.Tx) (*ledger.Booking, error) {
		b, err := tx.GetBooking(ctx, id)
		if err != nil || b == nil {
			return b, err
		}
		if b.StudentID != studentID {
			return nil, nil
		}
		return b, nil
	})
}

func (e *Engine) cancel(ctx context.Context, find func(tx ledger.Tx) (*ledger.Booking, error)) error {
	var cancelled ledger.Booking
	start := time.Now()
	err := e.store.WithTx(ctx, func(tx ledger.Tx) error {
		b, err := find(tx)
		if err != nil {
			return err
		}
		if b == nil {
			return ledger.ErrBookingNotFound
		}
		if err := tx.DeleteBooking(ctx, b.ID); err != nil {
			return err
		}
		cancelled = *b
		if b.CreditConsumed {
			return tx.AdjustCredits(ctx, b.StudentID, 1)
		}
		return nil
	})
	metrics.TxDuration.WithLabelValues("cancel").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.BookingsTotal.WithLabelValues(cancelResult(err)).Inc()
		return err
	}

	metrics.BookingsTotal.WithLabelValues(metrics.ResultCancelled).Inc()
	e.publish(ctx, events.KeyBookingCancelled, cancelled)
	return nil
}

func cancelResult(err error) string {
	if errors.Is(err, ledger.ErrBookingNotFound) {
		return metrics.ResultCancelNotFound
	}
	return metrics.ResultCancelError
}

// =============================================================================
// QUERIES
// =============================================================================

// ListBookingsInRange returns every booking dated within [from, to], each
// with the student's display name.
func (e *Engine) ListBookingsInRange(ctx context.Context, from, to ledger.Date) ([]ledger.BookingView, error) {
	if from.After(to) {
		return nil, fmt.Errorf("%w: from %s is after to %s", ledger.ErrInvalidRequest, from, to)
	}
	return e.store.ListBookingsInRange(ctx, from, to)
}

// ListStudentBookings returns the bookings held by one student.
func (e *Engine) ListStudentBookings(ctx context.Context, studentID ledger.StudentID) ([]ledger.BookingView, error) {
	student, err := e.store.GetStudent(ctx, studentID)
	if err != nil {
		return nil, err
	}
	if student == nil {
		return nil, ledger.ErrUnknownStudent
	}
	return e.store.ListBookingsByStudent(ctx, studentID)
}

func (e *Engine) publish(ctx context.Context, key string, b ledger.Booking) {
	data := events.BookingData{
		BookingID:      string(b.ID),
		StudentID:      int64(b.StudentID),
		SlotID:         int64(b.SlotID),
		Date:           b.Date.String(),
		CreditConsumed: b.CreditConsumed,
	}
	if err := e.publisher.PublishJSON(ctx, key, events.NewEnvelope(key, data)); err != nil {
		log.Printf("[Booking] publish %s for %s failed: %v", key, b.ID, err)
	}
}
