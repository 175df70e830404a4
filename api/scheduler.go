/*
scheduler.go - Automated monthly refill scheduler

PURPOSE:
  Periodically checks whether this month's credit refill is due and
  applies it once the configured refill day is reached.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Applies the refill through Refiller.ApplyForPeriod, so a month that
    was already refilled (by a previous tick, the CLI or the admin
    endpoint) is skipped
  - Checks once immediately on Start

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Day:           First day of the month the refill may run (default: 1)
  - Enabled:       Whether scheduler is active (default: true)

USAGE:
  scheduler := NewRefillScheduler(refiller)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerRefill endpoint (manual refill)
  - billing/refill.go: Refiller
*/
package api

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/danitaetsu/buvle/billing"
	"github.com/danitaetsu/buvle/ledger"
)

// RefillScheduler applies the monthly refill automatically.
type RefillScheduler struct {
	Refiller      *billing.Refiller
	CheckInterval time.Duration
	Day           int
	Enabled       bool

	now    func() time.Time
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewRefillScheduler creates a new scheduler.
func NewRefillScheduler(refiller *billing.Refiller) *RefillScheduler {
	return &RefillScheduler{
		Refiller:      refiller,
		CheckInterval: 1 * time.Hour,
		Day:           1,
		Enabled:       true,
		now:           time.Now,
		stop:          make(chan struct{}),
	}
}

// Start begins the scheduler.
func (rs *RefillScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		log.Println("[Scheduler] Disabled, not starting")
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.wg.Add(1)

	go rs.run()

	log.Printf("[Scheduler] Started with check interval: %v, refill day: %d", rs.CheckInterval, rs.Day)
}

// Stop stops the scheduler.
func (rs *RefillScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		rs.ticker.Stop()
		close(rs.stop)
		rs.wg.Wait()
		rs.ticker = nil
		log.Println("[Scheduler] Stopped")
	}
}

func (rs *RefillScheduler) run() {
	defer rs.wg.Done()

	// Run immediately on start
	rs.RunNow(context.Background())

	for {
		select {
		case <-rs.ticker.C:
			rs.RunNow(context.Background())
		case <-rs.stop:
			return
		}
	}
}

// RunNow checks once and applies this month's refill if it is due.
// It reports whether a refill was applied.
func (rs *RefillScheduler) RunNow(ctx context.Context) bool {
	now := rs.now()
	if now.Day() < rs.Day {
		return false
	}

	run, err := rs.Refiller.ApplyForPeriod(ctx, now.Year(), int(now.Month()), billing.SourceScheduler)
	switch {
	case errors.Is(err, ledger.ErrRefillAlreadyApplied):
		return false
	case err != nil:
		log.Printf("[Scheduler] Refill for %04d-%02d failed: %v", now.Year(), now.Month(), err)
		return false
	}

	log.Printf("[Scheduler] Refilled %04d-%02d: %d students", run.Year, run.Month, run.StudentsUpdated)
	return true
}

// NextRunTime returns when the next scheduled check will occur.
func (rs *RefillScheduler) NextRunTime() time.Time {
	return rs.now().Add(rs.CheckInterval)
}
