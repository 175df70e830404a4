/*
store.go - Persistence interfaces for the ledger

PURPOSE:
  Defines the boundary between the domain components and the database.
  Reads that need no consistency with a following write go through
  Store; every check-then-write sequence runs inside TxStore.WithTx and
  uses only the Tx handed to the callback.

KEY INTERFACES:
  Store:   Read side (slots, students, bookings, period markers)
  Tx:      Operations available inside one atomic unit of work
  TxStore: Store + WithTx

BALANCE MUTATION:
  AdjustCredits is relative (balance = balance + delta). There is no
  "set balance" operation. A delta that would take the balance below
  zero fails with ErrInsufficientCredit and the whole Tx rolls back.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: production
  - store/memory/memory.go: tests and local experiments

SEE ALSO:
  - booking/engine.go: Reserve/Cancel inside WithTx
  - billing/reconciler.go: ApplyPayment inside WithTx
*/
package ledger

import "context"

// Store is the read side of the ledger.
type Store interface {
	// Slot catalog
	ListSlots(ctx context.Context) ([]Slot, error)
	GetSlot(ctx context.Context, id SlotID) (*Slot, error)

	// Students. A missing student returns (nil, nil).
	GetStudent(ctx context.Context, id StudentID) (*Student, error)

	// Bookings
	ListBookingsInRange(ctx context.Context, from, to Date) ([]BookingView, error)
	ListBookingsByStudent(ctx context.Context, id StudentID) ([]BookingView, error)

	// Payments and period markers
	IsPeriodMarked(ctx context.Context, id StudentID, p Period) (bool, error)
	ListPeriodMarkers(ctx context.Context, id StudentID) ([]PeriodMarker, error)
	GetPayment(ctx context.Context, externalRef string) (*Payment, error)
}

// Tx is one atomic unit of work. All reads inside a Tx observe the
// writes made earlier in the same Tx.
type Tx interface {
	GetStudent(ctx context.Context, id StudentID) (*Student, error)
	AdjustCredits(ctx context.Context, id StudentID, delta int) error

	// Bookings for a (slot, date) key.
	CountBookings(ctx context.Context, slot SlotID, date Date) (int, error)
	FindBooking(ctx context.Context, student StudentID, slot SlotID, date Date) (*Booking, error)
	GetBooking(ctx context.Context, id BookingID) (*Booking, error)
	InsertBooking(ctx context.Context, b Booking) error
	DeleteBooking(ctx context.Context, id BookingID) error

	// Payments. InsertPayment returns ErrDuplicatePayment for a known ref.
	PaymentExists(ctx context.Context, externalRef string) (bool, error)
	InsertPayment(ctx context.Context, p Payment) error
	IsPeriodMarked(ctx context.Context, id StudentID, p Period) (bool, error)
	// InsertPeriodMarker returns ErrAlreadyPaid if the period is marked.
	InsertPeriodMarker(ctx context.Context, m PeriodMarker) error

	// Refill. ApplyRefill grants plan_size to every eligible student and
	// returns how many were updated.
	ApplyRefill(ctx context.Context) (int, error)
	// InsertRefillRun returns ErrRefillAlreadyApplied for a known month.
	InsertRefillRun(ctx context.Context, run RefillRun) error
}

// TxStore extends Store with transactional writes.
type TxStore interface {
	Store

	// WithTx runs fn in a transaction. A non-nil error from fn rolls
	// back every write fn made.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}
