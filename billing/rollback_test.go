package billing_test

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/danitaetsu/buvle/billing"
	"github.com/danitaetsu/buvle/ledger"
	"github.com/danitaetsu/buvle/store/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func studentRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "name", "email", "password_hash", "credit_balance", "plan_size",
		"payment_method", "enrollment_month", "created_at",
	}).AddRow(7, "Ana", "ana@example.com", "", 0, 4, "card", 0, "2025-01-01T00:00:00Z")
}

func TestApplyPayment_MarkerFailureRollsBack(t *testing.T) {
	// GIVEN: The period marker insert fails after payment and credits were written
	// WHEN: ApplyPayment runs
	// THEN: The transaction is rolled back, never committed

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM payments WHERE external_ref = \?`).
		WithArgs("pi_x").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`SELECT id, name, email, password_hash`).
		WillReturnRows(studentRows())
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM period_markers`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(`INSERT INTO payments`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE students SET credit_balance = credit_balance \+ \?`).
		WithArgs(4, 7).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO period_markers`).
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	rc := billing.NewReconciler(sqlite.NewFromDB(db), billing.DefaultPriceTable(), nil, nil)
	_, err = rc.ApplyPayment(context.Background(), billing.PaymentEvent{
		ExternalRef: "pi_x",
		StudentID:   7,
		Amount:      4000,
		Currency:    "eur",
		Status:      "succeeded",
		Period:      ledger.MonthlyPeriod(2025, 9),
	})

	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyPayment_DuplicateCommitsWithoutWrites(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM payments WHERE external_ref = \?`).
		WithArgs("pi_seen").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectCommit()

	rc := billing.NewReconciler(sqlite.NewFromDB(db), billing.DefaultPriceTable(), nil, nil)
	res, err := rc.ApplyPayment(context.Background(), billing.PaymentEvent{
		ExternalRef: "pi_seen",
		StudentID:   7,
		Amount:      4000,
		Currency:    "eur",
		Status:      "paid",
		Period:      ledger.MonthlyPeriod(2025, 9),
	})

	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeDuplicate, res.Outcome)
	assert.NoError(t, mock.ExpectationsWereMet())
}
