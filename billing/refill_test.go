package billing_test

import (
	"context"
	"testing"

	"github.com/danitaetsu/buvle/billing"
	"github.com/danitaetsu/buvle/events"
	"github.com/danitaetsu/buvle/ledger"
	"github.com/danitaetsu/buvle/store/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRefiller(t *testing.T) (*billing.Refiller, *sqlite.Store, *events.Recorder) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	rec := &events.Recorder{}
	return billing.NewRefiller(store, rec), store, rec
}

func TestApplyMonthlyRefill_CardStudentsWithPlan(t *testing.T) {
	// GIVEN: A (card, plan 4, balance 1), B (card, no plan), C (direct debit, plan 8, balance 2)
	// WHEN: The refill runs twice
	// THEN: Only A is refilled, once per run

	rf, store, rec := newTestRefiller(t)
	ctx := context.Background()

	a := addStudent(t, store, ledger.Student{Name: "A", PlanSize: 4, CreditBalance: 1})
	b := addStudent(t, store, ledger.Student{Name: "B"})
	c := addStudent(t, store, ledger.Student{Name: "C", PlanSize: 8, CreditBalance: 2, PaymentMethod: ledger.PaymentDirectDebit})

	n, err := rf.ApplyMonthlyRefill(ctx, billing.SourceCLI)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 5, balanceOf(t, store, a.ID))
	assert.Equal(t, 0, balanceOf(t, store, b.ID))
	assert.Equal(t, 2, balanceOf(t, store, c.ID))

	// No guard on the raw refill.
	n, err = rf.ApplyMonthlyRefill(ctx, billing.SourceManual)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 9, balanceOf(t, store, a.ID))

	assert.Equal(t, []string{events.KeyRefillApplied, events.KeyRefillApplied}, rec.Keys())
	var sources []string
	for _, e := range rec.Events {
		sources = append(sources, e.Value.(events.Envelope).Data.(events.RefillData).Source)
	}
	assert.Equal(t, []string{billing.SourceCLI, billing.SourceManual}, sources)
}

func TestApplyForPeriod_OncePerMonth(t *testing.T) {
	rf, store, rec := newTestRefiller(t)
	ctx := context.Background()
	a := addStudent(t, store, ledger.Student{Name: "A", PlanSize: 8})

	run, err := rf.ApplyForPeriod(ctx, 2025, 10, billing.SourceScheduler)
	require.NoError(t, err)
	assert.Equal(t, 1, run.StudentsUpdated)
	assert.Equal(t, billing.SourceScheduler, run.Source)
	assert.NotEmpty(t, run.ID)

	_, err = rf.ApplyForPeriod(ctx, 2025, 10, billing.SourceCLI)
	assert.ErrorIs(t, err, ledger.ErrRefillAlreadyApplied)
	assert.Equal(t, 8, balanceOf(t, store, a.ID), "rejected run must not grant")

	_, err = rf.ApplyForPeriod(ctx, 2025, 11, billing.SourceAPI)
	require.NoError(t, err)
	assert.Equal(t, 16, balanceOf(t, store, a.ID))

	runs, err := store.ListRefillRuns(ctx)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
	assert.Len(t, rec.Keys(), 2)
}

func TestApplyForPeriod_InvalidMonth(t *testing.T) {
	rf, _, _ := newTestRefiller(t)

	_, err := rf.ApplyForPeriod(context.Background(), 2025, 13, billing.SourceCLI)
	assert.ErrorIs(t, err, ledger.ErrInvalidRequest)
}
