/*
Package sqlite provides the SQLite-backed ledger store.

PURPOSE:
  Implements ledger.Store and ledger.TxStore. Every invariant the domain
  checks in code is also declared in the schema, so a bug above this layer
  surfaces as a constraint error instead of corrupt data.

KEY TABLES:
  students:       Credit balance (CHECK >= 0), plan size, payment method
  slots:          Weekly class catalog
  bookings:       One row per seat, UNIQUE(student, slot, date)
  payments:       Append-only, external_ref UNIQUE (idempotency key)
  period_markers: UNIQUE(student, kind, year, month)
  refill_runs:    UNIQUE(year, month)

CAPACITY:
  trg_bookings_capacity aborts any insert that would exceed the slot's
  capacity for that date. The booking engine checks first; the trigger is
  the backstop.

CONCURRENCY:
  The pool is limited to one connection and transactions begin with
  BEGIN IMMEDIATE (_txlock=immediate), so WithTx callbacks are fully
  serialised. A sync.RWMutex additionally orders readers against writers
  inside the process.

MIGRATION:
  Versioned SQL under migrations/, embedded and applied with goose on New().

USAGE:
  store, err := sqlite.New("./data/buvle.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - ledger/store.go: Interface definitions
  - migrations/: Schema
*/
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/danitaetsu/buvle/ledger"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// goose keeps its configuration in package globals.
var migrateMu sync.Mutex

// Store implements ledger.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New opens (or creates) the database at dbPath and applies migrations.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per-connection, and writers
	// must be serialised anyway.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// NewFromDB wraps an already-open, already-migrated database.
func NewFromDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrations)
	goose.SetLogger(log.New(os.Stderr, "[Migrate] ", log.LstdFlags))
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.Up(s.db, "migrations")
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{q: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// txStore runs every operation on the open transaction. It never touches
// the parent Store, whose lock is held for the duration of WithTx.
type txStore struct {
	q querier
}

func (ts *txStore) GetStudent(ctx context.Context, id ledger.StudentID) (*ledger.Student, error) {
	return getStudent(ctx, ts.q, id)
}

func (ts *txStore) AdjustCredits(ctx context.Context, id ledger.StudentID, delta int) error {
	return adjustCredits(ctx, ts.q, id, delta)
}

func (ts *txStore) CountBookings(ctx context.Context, slot ledger.SlotID, date ledger.Date) (int, error) {
	var n int
	err := ts.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM bookings WHERE slot_id = ? AND class_date = ?",
		slot, date.String(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count bookings: %w", err)
	}
	return n, nil
}

func (ts *txStore) FindBooking(ctx context.Context, student ledger.StudentID, slot ledger.SlotID, date ledger.Date) (*ledger.Booking, error) {
	row := ts.q.QueryRowContext(ctx, `
		SELECT id, student_id, slot_id, class_date, credit_consumed, created_at
		FROM bookings
		WHERE student_id = ? AND slot_id = ? AND class_date = ?`,
		student, slot, date.String(),
	)
	return scanBooking(row)
}

func (ts *txStore) GetBooking(ctx context.Context, id ledger.BookingID) (*ledger.Booking, error) {
	row := ts.q.QueryRowContext(ctx, `
		SELECT id, student_id, slot_id, class_date, credit_consumed, created_at
		FROM bookings
		WHERE id = ?`,
		id,
	)
	return scanBooking(row)
}

func (ts *txStore) InsertBooking(ctx context.Context, b ledger.Booking) error {
	_, err := ts.q.ExecContext(ctx, `
		INSERT INTO bookings (id, student_id, slot_id, class_date, credit_consumed, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		b.ID, b.StudentID, b.SlotID, b.Date.String(), b.CreditConsumed,
		b.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		switch {
		case isCapacityError(err):
			return &ledger.SlotFullError{SlotID: b.SlotID, Date: b.Date}
		case isUniqueConstraintError(err, "bookings."):
			return ledger.ErrAlreadyBooked
		case isForeignKeyError(err):
			return fmt.Errorf("%w: unknown student or slot", ledger.ErrInvalidRequest)
		}
		return fmt.Errorf("failed to insert booking: %w", err)
	}
	return nil
}

func (ts *txStore) DeleteBooking(ctx context.Context, id ledger.BookingID) error {
	res, err := ts.q.ExecContext(ctx, "DELETE FROM bookings WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete booking: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrBookingNotFound
	}
	return nil
}

func (ts *txStore) PaymentExists(ctx context.Context, externalRef string) (bool, error) {
	var count int
	err := ts.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM payments WHERE external_ref = ?",
		externalRef,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check payment: %w", err)
	}
	return count > 0, nil
}

func (ts *txStore) InsertPayment(ctx context.Context, p ledger.Payment) error {
	_, err := ts.q.ExecContext(ctx, `
		INSERT INTO payments
		(id, external_ref, student_id, amount, currency, status,
		 period_kind, period_year, period_month, credits_granted, outcome, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.ExternalRef, p.StudentID, p.Amount.Minor, p.Amount.Currency, p.Status,
		p.Period.Kind, p.Period.Year, p.Period.Month, p.CreditsGranted, p.Outcome,
		p.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err, "payments.external_ref") {
			return ledger.ErrDuplicatePayment
		}
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

func (ts *txStore) IsPeriodMarked(ctx context.Context, id ledger.StudentID, p ledger.Period) (bool, error) {
	return isPeriodMarked(ctx, ts.q, id, p)
}

func (ts *txStore) InsertPeriodMarker(ctx context.Context, m ledger.PeriodMarker) error {
	_, err := ts.q.ExecContext(ctx, `
		INSERT INTO period_markers (student_id, kind, year, month, payment_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.StudentID, m.Period.Kind, m.Period.Year, m.Period.Month, m.PaymentRef,
		m.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err, "period_markers.") {
			return ledger.ErrAlreadyPaid
		}
		return fmt.Errorf("failed to insert period marker: %w", err)
	}
	return nil
}

func (ts *txStore) ApplyRefill(ctx context.Context) (int, error) {
	res, err := ts.q.ExecContext(ctx, `
		UPDATE students
		SET credit_balance = credit_balance + plan_size
		WHERE plan_size > 0 AND payment_method = 'card'`,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to apply refill: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to apply refill: %w", err)
	}
	return int(n), nil
}

func (ts *txStore) InsertRefillRun(ctx context.Context, run ledger.RefillRun) error {
	_, err := ts.q.ExecContext(ctx, `
		INSERT INTO refill_runs (id, year, month, students_updated, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.Year, run.Month, run.StudentsUpdated, run.Source,
		run.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err, "refill_runs.") {
			return ledger.ErrRefillAlreadyApplied
		}
		return fmt.Errorf("failed to insert refill run: %w", err)
	}
	return nil
}

// =============================================================================
// SLOT CATALOG
// =============================================================================

// ListSlots returns all slots ordered by weekday then start time.
func (s *Store) ListSlots(ctx context.Context) ([]ledger.Slot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, weekday, start_time, end_time, capacity
		FROM slots
		ORDER BY weekday, start_time`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list slots: %w", err)
	}
	defer rows.Close()

	slots := []ledger.Slot{}
	for rows.Next() {
		var sl ledger.Slot
		if err := rows.Scan(&sl.ID, &sl.Weekday, &sl.Start, &sl.End, &sl.Capacity); err != nil {
			return nil, fmt.Errorf("failed to scan slot: %w", err)
		}
		slots = append(slots, sl)
	}
	return slots, rows.Err()
}

// GetSlot retrieves a slot by ID. Returns (nil, nil) if missing.
func (s *Store) GetSlot(ctx context.Context, id ledger.SlotID) (*ledger.Slot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sl ledger.Slot
	err := s.db.QueryRowContext(ctx,
		"SELECT id, weekday, start_time, end_time, capacity FROM slots WHERE id = ?",
		id,
	).Scan(&sl.ID, &sl.Weekday, &sl.Start, &sl.End, &sl.Capacity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get slot: %w", err)
	}
	return &sl, nil
}

// SaveSlot inserts a slot, or returns the existing one with the same
// weekday and times (updating its capacity).
func (s *Store) SaveSlot(ctx context.Context, sl ledger.Slot) (ledger.Slot, error) {
	if err := sl.Validate(); err != nil {
		return ledger.Slot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO slots (weekday, start_time, end_time, capacity)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(weekday, start_time, end_time) DO UPDATE SET
			capacity = excluded.capacity
		RETURNING id`,
		sl.Weekday, sl.Start, sl.End, sl.Capacity,
	).Scan(&sl.ID)
	if err != nil {
		return ledger.Slot{}, fmt.Errorf("failed to save slot: %w", err)
	}
	return sl, nil
}

// =============================================================================
// STUDENTS
// =============================================================================

// CreateStudent registers a student and returns it with its assigned ID.
func (s *Store) CreateStudent(ctx context.Context, st ledger.Student) (ledger.Student, error) {
	if st.PaymentMethod == "" {
		st.PaymentMethod = ledger.PaymentCard
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO students
		(name, email, password_hash, credit_balance, plan_size, payment_method, enrollment_month, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		st.Name, strings.ToLower(st.Email), st.PasswordHash, st.CreditBalance, st.PlanSize,
		st.PaymentMethod, st.EnrollmentMonth, st.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		switch {
		case isUniqueConstraintError(err, "students.email"):
			return ledger.Student{}, ledger.ErrEmailTaken
		case isCheckConstraintError(err):
			return ledger.Student{}, fmt.Errorf("%w: %v", ledger.ErrInvalidRequest, err)
		}
		return ledger.Student{}, fmt.Errorf("failed to create student: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return ledger.Student{}, fmt.Errorf("failed to create student: %w", err)
	}
	st.ID = ledger.StudentID(id)
	st.Email = strings.ToLower(st.Email)
	return st, nil
}

// GetStudent retrieves a student by ID. Returns (nil, nil) if missing.
func (s *Store) GetStudent(ctx context.Context, id ledger.StudentID) (*ledger.Student, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return getStudent(ctx, s.db, id)
}

func getStudent(ctx context.Context, q querier, id ledger.StudentID) (*ledger.Student, error) {
	var (
		st        ledger.Student
		createdAt string
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, name, email, password_hash, credit_balance, plan_size,
		       payment_method, enrollment_month, created_at
		FROM students WHERE id = ?`,
		id,
	).Scan(&st.ID, &st.Name, &st.Email, &st.PasswordHash, &st.CreditBalance, &st.PlanSize,
		&st.PaymentMethod, &st.EnrollmentMonth, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get student: %w", err)
	}
	st.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &st, nil
}

func adjustCredits(ctx context.Context, q querier, id ledger.StudentID, delta int) error {
	res, err := q.ExecContext(ctx,
		"UPDATE students SET credit_balance = credit_balance + ? WHERE id = ?",
		delta, id,
	)
	if err != nil {
		if isCheckConstraintError(err) {
			return &ledger.InsufficientCreditError{StudentID: id}
		}
		return fmt.Errorf("failed to adjust credits: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrUnknownStudent
	}
	return nil
}

// =============================================================================
// BOOKINGS (read side)
// =============================================================================

const bookingViewSelect = `
	SELECT b.id, b.student_id, b.slot_id, b.class_date, b.credit_consumed, b.created_at,
	       st.name, sl.weekday, sl.start_time, sl.end_time
	FROM bookings b
	JOIN students st ON st.id = b.student_id
	JOIN slots sl ON sl.id = b.slot_id
`

// ListBookingsInRange returns bookings whose date is within [from, to].
func (s *Store) ListBookingsInRange(ctx context.Context, from, to ledger.Date) ([]ledger.BookingView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryBookingViews(ctx,
		bookingViewSelect+`
		WHERE b.class_date >= ? AND b.class_date <= ?
		ORDER BY b.class_date, sl.start_time, b.created_at`,
		from.String(), to.String(),
	)
}

// ListBookingsByStudent returns all bookings held by one student.
func (s *Store) ListBookingsByStudent(ctx context.Context, id ledger.StudentID) ([]ledger.BookingView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryBookingViews(ctx,
		bookingViewSelect+`
		WHERE b.student_id = ?
		ORDER BY b.class_date, sl.start_time`,
		id,
	)
}

func (s *Store) queryBookingViews(ctx context.Context, query string, args ...any) ([]ledger.BookingView, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query bookings: %w", err)
	}
	defer rows.Close()

	views := []ledger.BookingView{}
	for rows.Next() {
		var (
			v         ledger.BookingView
			classDate string
			createdAt string
		)
		err := rows.Scan(&v.ID, &v.StudentID, &v.SlotID, &classDate, &v.CreditConsumed, &createdAt,
			&v.StudentName, &v.Weekday, &v.Start, &v.End)
		if err != nil {
			return nil, fmt.Errorf("failed to scan booking: %w", err)
		}
		v.Date, _ = ledger.ParseDate(classDate)
		v.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		views = append(views, v)
	}
	return views, rows.Err()
}

func scanBooking(row *sql.Row) (*ledger.Booking, error) {
	var (
		b         ledger.Booking
		classDate string
		createdAt string
	)
	err := row.Scan(&b.ID, &b.StudentID, &b.SlotID, &classDate, &b.CreditConsumed, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan booking: %w", err)
	}
	b.Date, _ = ledger.ParseDate(classDate)
	b.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &b, nil
}

// =============================================================================
// PAYMENTS & PERIOD MARKERS (read side)
// =============================================================================

// IsPeriodMarked reports whether the student has a marker for the period.
func (s *Store) IsPeriodMarked(ctx context.Context, id ledger.StudentID, p ledger.Period) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return isPeriodMarked(ctx, s.db, id, p)
}

func isPeriodMarked(ctx context.Context, q querier, id ledger.StudentID, p ledger.Period) (bool, error) {
	var count int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM period_markers
		WHERE student_id = ? AND kind = ? AND year = ? AND month = ?`,
		id, p.Kind, p.Year, p.Month,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check period marker: %w", err)
	}
	return count > 0, nil
}

// ListPeriodMarkers returns every paid period for a student, oldest first.
func (s *Store) ListPeriodMarkers(ctx context.Context, id ledger.StudentID) ([]ledger.PeriodMarker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT student_id, kind, year, month, payment_ref, created_at
		FROM period_markers
		WHERE student_id = ?
		ORDER BY year, month, kind`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list period markers: %w", err)
	}
	defer rows.Close()

	markers := []ledger.PeriodMarker{}
	for rows.Next() {
		var (
			m         ledger.PeriodMarker
			createdAt string
		)
		if err := rows.Scan(&m.StudentID, &m.Period.Kind, &m.Period.Year, &m.Period.Month, &m.PaymentRef, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan period marker: %w", err)
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		markers = append(markers, m)
	}
	return markers, rows.Err()
}

// GetPayment retrieves a payment by external reference. Returns (nil, nil) if missing.
func (s *Store) GetPayment(ctx context.Context, externalRef string) (*ledger.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		p         ledger.Payment
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, external_ref, student_id, amount, currency, status,
		       period_kind, period_year, period_month, credits_granted, outcome, created_at
		FROM payments WHERE external_ref = ?`,
		externalRef,
	).Scan(&p.ID, &p.ExternalRef, &p.StudentID, &p.Amount.Minor, &p.Amount.Currency, &p.Status,
		&p.Period.Kind, &p.Period.Year, &p.Period.Month, &p.CreditsGranted, &p.Outcome, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &p, nil
}

// =============================================================================
// REFILL RUNS
// =============================================================================

// ListRefillRuns returns refill runs, most recent period first.
func (s *Store) ListRefillRuns(ctx context.Context) ([]ledger.RefillRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, year, month, students_updated, source, created_at
		FROM refill_runs
		ORDER BY year DESC, month DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list refill runs: %w", err)
	}
	defer rows.Close()

	runs := []ledger.RefillRun{}
	for rows.Next() {
		var (
			r         ledger.RefillRun
			createdAt string
		)
		if err := rows.Scan(&r.ID, &r.Year, &r.Month, &r.StudentsUpdated, &r.Source, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan refill run: %w", err)
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Helper functions

// NewID returns a fresh random identifier for rows keyed by TEXT.
func NewID() string {
	return uuid.NewString()
}

func isUniqueConstraintError(err error, column string) bool {
	return err != nil &&
		strings.Contains(err.Error(), "UNIQUE constraint failed") &&
		strings.Contains(err.Error(), column)
}

func isCheckConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "CHECK constraint failed")
}

func isForeignKeyError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

func isCapacityError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "slot_full")
}
