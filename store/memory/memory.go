// Package memory provides an in-memory ledger.TxStore (for testing/dev).
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danitaetsu/buvle/ledger"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

// Memory keeps the whole ledger in maps. It enforces the same constraints
// as the SQLite schema: one booking per (student, slot, date), capacity per
// (slot, date), non-negative balances, unique payment refs, one marker per
// period and one refill run per month.
type Memory struct {
	mu          sync.RWMutex
	nextSlot    ledger.SlotID
	nextStudent ledger.StudentID
	state
}

type state struct {
	slots    map[ledger.SlotID]ledger.Slot
	students map[ledger.StudentID]ledger.Student
	bookings map[ledger.BookingID]ledger.Booking
	payments map[string]ledger.Payment
	markers  map[markerKey]ledger.PeriodMarker
	refills  map[[2]int]ledger.RefillRun
}

type markerKey struct {
	StudentID ledger.StudentID
	Kind      ledger.PeriodKind
	Year      int
	Month     int
}

func keyOf(id ledger.StudentID, p ledger.Period) markerKey {
	return markerKey{StudentID: id, Kind: p.Kind, Year: p.Year, Month: p.Month}
}

func New() *Memory {
	return &Memory{state: state{
		slots:    make(map[ledger.SlotID]ledger.Slot),
		students: make(map[ledger.StudentID]ledger.Student),
		bookings: make(map[ledger.BookingID]ledger.Booking),
		payments: make(map[string]ledger.Payment),
		markers:  make(map[markerKey]ledger.PeriodMarker),
		refills:  make(map[[2]int]ledger.RefillRun),
	}}
}

// AddSlot stores a slot and assigns its ID.
func (m *Memory) AddSlot(s ledger.Slot) (ledger.Slot, error) {
	if err := s.Validate(); err != nil {
		return ledger.Slot{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextSlot++
	s.ID = m.nextSlot
	m.slots[s.ID] = s
	return s, nil
}

// AddStudent stores a student and assigns its ID.
func (m *Memory) AddStudent(st ledger.Student) (ledger.Student, error) {
	if st.PaymentMethod == "" {
		st.PaymentMethod = ledger.PaymentCard
	}
	if st.CreditBalance < 0 || st.PlanSize < 0 || !st.PaymentMethod.Valid() {
		return ledger.Student{}, fmt.Errorf("%w: invalid student", ledger.ErrInvalidRequest)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	st.Email = strings.ToLower(st.Email)
	for _, other := range m.students {
		if st.Email != "" && other.Email == st.Email {
			return ledger.Student{}, ledger.ErrEmailTaken
		}
	}
	m.nextStudent++
	st.ID = m.nextStudent
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now().UTC()
	}
	m.students[st.ID] = st
	return st, nil
}

// =============================================================================
// READ SIDE (ledger.Store)
// =============================================================================

func (m *Memory) ListSlots(_ context.Context) ([]ledger.Slot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	slots := make([]ledger.Slot, 0, len(m.slots))
	for _, s := range m.slots {
		slots = append(slots, s)
	}
	sort.Slice(slots, func(i, j int) bool {
		if slots[i].Weekday != slots[j].Weekday {
			return slots[i].Weekday < slots[j].Weekday
		}
		return slots[i].Start < slots[j].Start
	})
	return slots, nil
}

func (m *Memory) GetSlot(_ context.Context, id ledger.SlotID) (*ledger.Slot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.slots[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *Memory) GetStudent(_ context.Context, id ledger.StudentID) (*ledger.Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.student(id), nil
}

func (m *Memory) ListBookingsInRange(_ context.Context, from, to ledger.Date) ([]ledger.BookingView, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.views(func(b ledger.Booking) bool {
		return !b.Date.Before(from) && !b.Date.After(to)
	}), nil
}

func (m *Memory) ListBookingsByStudent(_ context.Context, id ledger.StudentID) ([]ledger.BookingView, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.views(func(b ledger.Booking) bool { return b.StudentID == id }), nil
}

func (m *Memory) IsPeriodMarked(_ context.Context, id ledger.StudentID, p ledger.Period) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.markers[keyOf(id, p)]
	return ok, nil
}

func (m *Memory) ListPeriodMarkers(_ context.Context, id ledger.StudentID) ([]ledger.PeriodMarker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	markers := []ledger.PeriodMarker{}
	for k, mk := range m.markers {
		if k.StudentID == id {
			markers = append(markers, mk)
		}
	}
	sort.Slice(markers, func(i, j int) bool {
		a, b := markers[i].Period, markers[j].Period
		if a.Year != b.Year {
			return a.Year < b.Year
		}
		if a.Month != b.Month {
			return a.Month < b.Month
		}
		return a.Kind < b.Kind
	})
	return markers, nil
}

func (m *Memory) GetPayment(_ context.Context, externalRef string) (*ledger.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payments[externalRef]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *Memory) student(id ledger.StudentID) *ledger.Student {
	st, ok := m.students[id]
	if !ok {
		return nil
	}
	return &st
}

func (m *Memory) views(match func(ledger.Booking) bool) []ledger.BookingView {
	views := []ledger.BookingView{}
	for _, b := range m.bookings {
		if !match(b) {
			continue
		}
		sl := m.slots[b.SlotID]
		views = append(views, ledger.BookingView{
			Booking:     b,
			StudentName: m.students[b.StudentID].Name,
			Weekday:     sl.Weekday,
			Start:       sl.Start,
			End:         sl.End,
		})
	}
	sort.Slice(views, func(i, j int) bool {
		a, b := views[i], views[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return views
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes fn holding the write lock. Writes go straight to the
// maps; an error from fn restores the snapshot taken before it ran.
func (m *Memory) WithTx(_ context.Context, fn func(tx ledger.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(&txView{m: m}); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

func (s state) clone() state {
	c := state{
		slots:    make(map[ledger.SlotID]ledger.Slot, len(s.slots)),
		students: make(map[ledger.StudentID]ledger.Student, len(s.students)),
		bookings: make(map[ledger.BookingID]ledger.Booking, len(s.bookings)),
		payments: make(map[string]ledger.Payment, len(s.payments)),
		markers:  make(map[markerKey]ledger.PeriodMarker, len(s.markers)),
		refills:  make(map[[2]int]ledger.RefillRun, len(s.refills)),
	}
	for k, v := range s.slots {
		c.slots[k] = v
	}
	for k, v := range s.students {
		c.students[k] = v
	}
	for k, v := range s.bookings {
		c.bookings[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.markers {
		c.markers[k] = v
	}
	for k, v := range s.refills {
		c.refills[k] = v
	}
	return c
}

// txView runs with the parent's write lock held.
type txView struct {
	m *Memory
}

func (tv *txView) GetStudent(_ context.Context, id ledger.StudentID) (*ledger.Student, error) {
	return tv.m.student(id), nil
}

func (tv *txView) AdjustCredits(_ context.Context, id ledger.StudentID, delta int) error {
	st, ok := tv.m.students[id]
	if !ok {
		return ledger.ErrUnknownStudent
	}
	if st.CreditBalance+delta < 0 {
		return &ledger.InsufficientCreditError{StudentID: id, Balance: st.CreditBalance}
	}
	st.CreditBalance += delta
	tv.m.students[id] = st
	return nil
}

func (tv *txView) CountBookings(_ context.Context, slot ledger.SlotID, date ledger.Date) (int, error) {
	n := 0
	for _, b := range tv.m.bookings {
		if b.SlotID == slot && b.Date.Equal(date) {
			n++
		}
	}
	return n, nil
}

func (tv *txView) FindBooking(_ context.Context, student ledger.StudentID, slot ledger.SlotID, date ledger.Date) (*ledger.Booking, error) {
	for _, b := range tv.m.bookings {
		if b.StudentID == student && b.SlotID == slot && b.Date.Equal(date) {
			return &b, nil
		}
	}
	return nil, nil
}

func (tv *txView) GetBooking(_ context.Context, id ledger.BookingID) (*ledger.Booking, error) {
	b, ok := tv.m.bookings[id]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (tv *txView) InsertBooking(ctx context.Context, b ledger.Booking) error {
	sl, ok := tv.m.slots[b.SlotID]
	if !ok {
		return ledger.ErrUnknownSlot
	}
	if _, ok := tv.m.students[b.StudentID]; !ok {
		return fmt.Errorf("%w: student %d does not exist", ledger.ErrInvalidRequest, b.StudentID)
	}
	if existing, _ := tv.FindBooking(ctx, b.StudentID, b.SlotID, b.Date); existing != nil {
		return ledger.ErrAlreadyBooked
	}
	if n, _ := tv.CountBookings(ctx, b.SlotID, b.Date); n >= sl.Capacity {
		return &ledger.SlotFullError{SlotID: b.SlotID, Date: b.Date, Capacity: sl.Capacity}
	}
	tv.m.bookings[b.ID] = b
	return nil
}

func (tv *txView) DeleteBooking(_ context.Context, id ledger.BookingID) error {
	if _, ok := tv.m.bookings[id]; !ok {
		return ledger.ErrBookingNotFound
	}
	delete(tv.m.bookings, id)
	return nil
}

func (tv *txView) PaymentExists(_ context.Context, externalRef string) (bool, error) {
	_, ok := tv.m.payments[externalRef]
	return ok, nil
}

func (tv *txView) InsertPayment(_ context.Context, p ledger.Payment) error {
	if _, ok := tv.m.payments[p.ExternalRef]; ok {
		return ledger.ErrDuplicatePayment
	}
	tv.m.payments[p.ExternalRef] = p
	return nil
}

func (tv *txView) IsPeriodMarked(_ context.Context, id ledger.StudentID, p ledger.Period) (bool, error) {
	_, ok := tv.m.markers[keyOf(id, p)]
	return ok, nil
}

func (tv *txView) InsertPeriodMarker(_ context.Context, mk ledger.PeriodMarker) error {
	k := keyOf(mk.StudentID, mk.Period)
	if _, ok := tv.m.markers[k]; ok {
		return ledger.ErrAlreadyPaid
	}
	tv.m.markers[k] = mk
	return nil
}

func (tv *txView) ApplyRefill(_ context.Context) (int, error) {
	n := 0
	for id, st := range tv.m.students {
		if st.PlanSize > 0 && st.PaymentMethod == ledger.PaymentCard {
			st.CreditBalance += st.PlanSize
			tv.m.students[id] = st
			n++
		}
	}
	return n, nil
}

func (tv *txView) InsertRefillRun(_ context.Context, run ledger.RefillRun) error {
	k := [2]int{run.Year, run.Month}
	if _, ok := tv.m.refills[k]; ok {
		return ledger.ErrRefillAlreadyApplied
	}
	tv.m.refills[k] = run
	return nil
}
