package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danitaetsu/buvle/ledger"
	"github.com/danitaetsu/buvle/store/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedStudent(t *testing.T, store *sqlite.Store, email string, balance, plan int, method ledger.PaymentMethod) ledger.Student {
	st, err := store.CreateStudent(context.Background(), ledger.Student{
		Name:          "Student " + email,
		Email:         email,
		CreditBalance: balance,
		PlanSize:      plan,
		PaymentMethod: method,
	})
	require.NoError(t, err)
	return st
}

func seedSlot(t *testing.T, store *sqlite.Store, wd ledger.Weekday, start, end string, capacity int) ledger.Slot {
	sl, err := store.SaveSlot(context.Background(), ledger.Slot{Weekday: wd, Start: start, End: end, Capacity: capacity})
	require.NoError(t, err)
	return sl
}

func booking(st ledger.Student, sl ledger.Slot, d ledger.Date) ledger.Booking {
	return ledger.Booking{
		ID:             ledger.BookingID(sqlite.NewID()),
		StudentID:      st.ID,
		SlotID:         sl.ID,
		Date:           d,
		CreditConsumed: true,
		CreatedAt:      time.Now(),
	}
}

// =============================================================================
// SLOT CATALOG
// =============================================================================

func TestListSlots_OrderedByWeekdayThenStart(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seedSlot(t, store, ledger.Thursday, "17:00", "18:00", 4)
	seedSlot(t, store, ledger.Monday, "19:00", "20:00", 4)
	seedSlot(t, store, ledger.Monday, "09:30", "10:30", 4)

	slots, err := store.ListSlots(ctx)
	require.NoError(t, err)
	require.Len(t, slots, 3)

	assert.Equal(t, ledger.Monday, slots[0].Weekday)
	assert.Equal(t, "09:30", slots[0].Start)
	assert.Equal(t, "19:00", slots[1].Start)
	assert.Equal(t, ledger.Thursday, slots[2].Weekday)
}

func TestSaveSlot_SameTimesUpdatesCapacity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := seedSlot(t, store, ledger.Tuesday, "17:00", "18:00", 4)
	second := seedSlot(t, store, ledger.Tuesday, "17:00", "18:00", 6)

	assert.Equal(t, first.ID, second.ID)
	got, err := store.GetSlot(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, 6, got.Capacity)
}

func TestGetSlot_Missing(t *testing.T) {
	store := newTestStore(t)

	got, err := store.GetSlot(context.Background(), 999)
	require.NoError(t, err)
	assert.Nil(t, got)
}

// =============================================================================
// STUDENTS
// =============================================================================

func TestCreateStudent_DuplicateEmail(t *testing.T) {
	store := newTestStore(t)
	seedStudent(t, store, "ana@example.com", 0, 4, ledger.PaymentCard)

	_, err := store.CreateStudent(context.Background(), ledger.Student{Name: "Ana 2", Email: "ANA@example.com"})
	assert.ErrorIs(t, err, ledger.ErrEmailTaken)
}

func TestAdjustCredits_NeverBelowZero(t *testing.T) {
	// GIVEN: A student with 1 credit
	// WHEN: Debiting 2 in one transaction
	// THEN: The CHECK constraint rejects it and the balance is unchanged

	store := newTestStore(t)
	ctx := context.Background()
	st := seedStudent(t, store, "low@example.com", 1, 4, ledger.PaymentCard)

	err := store.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.AdjustCredits(ctx, st.ID, -2)
	})
	assert.ErrorIs(t, err, ledger.ErrInsufficientCredit)

	got, err := store.GetStudent(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CreditBalance)
}

func TestAdjustCredits_UnknownStudent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.AdjustCredits(ctx, 42, 1)
	})
	assert.ErrorIs(t, err, ledger.ErrUnknownStudent)
}

// =============================================================================
// BOOKING CONSTRAINTS
// =============================================================================

func TestInsertBooking_DuplicateTriple(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	st := seedStudent(t, store, "dup@example.com", 5, 4, ledger.PaymentCard)
	sl := seedSlot(t, store, ledger.Tuesday, "17:00", "18:00", 5)
	day := ledger.NewDate(2025, time.September, 16)

	require.NoError(t, store.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.InsertBooking(ctx, booking(st, sl, day))
	}))

	err := store.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.InsertBooking(ctx, booking(st, sl, day))
	})
	assert.ErrorIs(t, err, ledger.ErrAlreadyBooked)
}

func TestInsertBooking_CapacityTrigger(t *testing.T) {
	// GIVEN: A slot with capacity 1, already taken on a date
	// WHEN: Inserting a second booking directly, skipping the engine checks
	// THEN: The trigger aborts the insert with SlotFull

	store := newTestStore(t)
	ctx := context.Background()
	a := seedStudent(t, store, "a@example.com", 5, 4, ledger.PaymentCard)
	b := seedStudent(t, store, "b@example.com", 5, 4, ledger.PaymentCard)
	sl := seedSlot(t, store, ledger.Tuesday, "17:00", "18:00", 1)
	day := ledger.NewDate(2025, time.September, 16)

	require.NoError(t, store.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.InsertBooking(ctx, booking(a, sl, day))
	}))

	err := store.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.InsertBooking(ctx, booking(b, sl, day))
	})
	var full *ledger.SlotFullError
	assert.ErrorAs(t, err, &full)

	// A different date is a different key
	require.NoError(t, store.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.InsertBooking(ctx, booking(b, sl, day.AddDays(7)))
	}))
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	st := seedStudent(t, store, "rb@example.com", 3, 4, ledger.PaymentCard)
	sl := seedSlot(t, store, ledger.Tuesday, "17:00", "18:00", 5)
	day := ledger.NewDate(2025, time.September, 16)

	boom := errors.New("boom")
	err := store.WithTx(ctx, func(tx ledger.Tx) error {
		if err := tx.InsertBooking(ctx, booking(st, sl, day)); err != nil {
			return err
		}
		if err := tx.AdjustCredits(ctx, st.ID, -1); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := store.GetStudent(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.CreditBalance)

	views, err := store.ListBookingsByStudent(ctx, st.ID)
	require.NoError(t, err)
	assert.Empty(t, views)
}

func TestListBookingsInRange_InclusiveWithNames(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	st := seedStudent(t, store, "range@example.com", 5, 4, ledger.PaymentCard)
	sl := seedSlot(t, store, ledger.Tuesday, "17:00", "18:00", 5)
	d1 := ledger.NewDate(2025, time.September, 16)
	d2 := d1.AddDays(7)
	d3 := d1.AddDays(14)

	require.NoError(t, store.WithTx(ctx, func(tx ledger.Tx) error {
		for _, d := range []ledger.Date{d1, d2, d3} {
			if err := tx.InsertBooking(ctx, booking(st, sl, d)); err != nil {
				return err
			}
		}
		return nil
	}))

	views, err := store.ListBookingsInRange(ctx, d1, d2)
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, d1, views[0].Date)
	assert.Equal(t, d2, views[1].Date)
	assert.Equal(t, st.Name, views[0].StudentName)
	assert.Equal(t, "17:00", views[0].Start)
}

// =============================================================================
// PAYMENTS & MARKERS
// =============================================================================

func TestPaymentAndMarkerUniqueness(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	st := seedStudent(t, store, "pay@example.com", 0, 4, ledger.PaymentCard)
	period := ledger.MonthlyPeriod(2025, 9)

	pay := ledger.Payment{
		ID: sqlite.NewID(), ExternalRef: "pi_1", StudentID: st.ID,
		Amount: ledger.NewMoney(4000, "eur"), Status: "succeeded", Period: period,
		Outcome: ledger.OutcomeApplied, CreatedAt: time.Now(),
	}
	marker := ledger.PeriodMarker{StudentID: st.ID, Period: period, PaymentRef: "pi_1", CreatedAt: time.Now()}

	require.NoError(t, store.WithTx(ctx, func(tx ledger.Tx) error {
		if err := tx.InsertPayment(ctx, pay); err != nil {
			return err
		}
		return tx.InsertPeriodMarker(ctx, marker)
	}))

	err := store.WithTx(ctx, func(tx ledger.Tx) error {
		dup := pay
		dup.ID = sqlite.NewID()
		return tx.InsertPayment(ctx, dup)
	})
	assert.ErrorIs(t, err, ledger.ErrDuplicatePayment)

	err = store.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.InsertPeriodMarker(ctx, marker)
	})
	assert.ErrorIs(t, err, ledger.ErrAlreadyPaid)

	paid, err := store.IsPeriodMarked(ctx, st.ID, period)
	require.NoError(t, err)
	assert.True(t, paid)

	got, err := store.GetPayment(ctx, "pi_1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(4000), got.Amount.Minor)
	assert.Equal(t, period, got.Period)
}

// =============================================================================
// REFILL
// =============================================================================

func TestApplyRefill_OnlyCardStudentsWithPlan(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	card := seedStudent(t, store, "card@example.com", 1, 4, ledger.PaymentCard)
	noPlan := seedStudent(t, store, "noplan@example.com", 1, 0, ledger.PaymentCard)
	debit := seedStudent(t, store, "debit@example.com", 0, 8, ledger.PaymentDirectDebit)

	var n int
	require.NoError(t, store.WithTx(ctx, func(tx ledger.Tx) error {
		var err error
		n, err = tx.ApplyRefill(ctx)
		return err
	}))
	assert.Equal(t, 1, n)

	for id, want := range map[ledger.StudentID]int{card.ID: 5, noPlan.ID: 1, debit.ID: 0} {
		got, err := store.GetStudent(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, got.CreditBalance, "student %d", id)
	}
}

func TestInsertRefillRun_OncePerMonth(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run := ledger.RefillRun{ID: sqlite.NewID(), Year: 2025, Month: 9, Source: "cli", CreatedAt: time.Now()}
	require.NoError(t, store.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.InsertRefillRun(ctx, run)
	}))

	run.ID = sqlite.NewID()
	err := store.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.InsertRefillRun(ctx, run)
	})
	assert.ErrorIs(t, err, ledger.ErrRefillAlreadyApplied)

	runs, err := store.ListRefillRuns(ctx)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}
