package billing

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

// Refill sources recorded on a RefillRun.
const (
	SourceScheduler = "scheduler"
	SourceCLI       = "cli"
	SourceAPI       = "api"
	SourceManual    = "manual"
)

// Refiller grants every card-paying student their plan size in credits.
type Refiller struct {
	store     ledger.TxStore
	publisher events.Publisher
	now       func() time.Time
}

// NewRefiller creates a refiller. A nil publisher discards events.
func NewRefiller(store ledger.TxStore, publisher events.Publisher) *Refiller {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Refiller{store: store, publisher: publisher, now: time.Now}
}

// ApplyMonthlyRefill adds plan_size credits to every card-paying student
// with a plan and returns how many were updated. Calling it twice grants
// twice; callers that need once-per-month use ApplyForPeriod. source names
// the trigger on the published refill.applied event.
func (r *Refiller) ApplyMonthlyRefill(ctx context.Context, source string) (int, error) {
	var n int
	err := r.store.WithTx(ctx, func(tx ledger.Tx) error {
		var err error
		n, err = tx.ApplyRefill(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}

	r.applied(ctx, events.RefillData{StudentsUpdated: n, Source: source})
	return n, nil
}

// ApplyForPeriod applies the refill at most once for year/month. A second
// call for the same month returns ErrRefillAlreadyApplied and grants nothing.
func (r *Refiller) ApplyForPeriod(ctx context.Context, year, month int, source string) (ledger.RefillRun, error) {
	if err := ledger.MonthlyPeriod(year, month).Validate(); err != nil {
		return ledger.RefillRun{}, fmt.Errorf("%w: %v", ledger.ErrInvalidRequest, err)
	}

	run := ledger.RefillRun{
		ID:        uuid.NewString(),
		Year:      year,
		Month:     month,
		Source:    source,
		CreatedAt: r.now().UTC(),
	}
	err := r.store.WithTx(ctx, func(tx ledger.Tx) error {
		n, err := tx.ApplyRefill(ctx)
		if err != nil {
			return err
		}
		run.StudentsUpdated = n
		return tx.InsertRefillRun(ctx, run)
	})
	if err != nil {
		if !errors.Is(err, ledger.ErrRefillAlreadyApplied) {
			err = fmt.Errorf("refill %04d-%02d: %w", year, month, err)
		}
		return ledger.RefillRun{}, err
	}

	r.applied(ctx, events.RefillData{Year: year, Month: month, StudentsUpdated: run.StudentsUpdated, Source: source})
	return run, nil
}

func (r *Refiller) applied(ctx context.Context, data events.RefillData) {
	metrics.RefillRunsTotal.Inc()
	log.Printf("[Refill] %d students refilled (source=%s)", data.StudentsUpdated, data.Source)
	if err := r.publisher.PublishJSON(ctx, events.KeyRefillApplied, events.NewEnvelope(events.KeyRefillApplied, data)); err != nil {
		log.Printf("[Refill] publish refill.applied failed: %v", err)
	}
}
