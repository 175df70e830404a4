/*
reconciler.go - Charge creation and payment confirmation

PURPOSE:
  Turns provider payments into credits exactly once per external
  reference, and keeps one period marker per (student, period).

FLOW:
  1. CreateCharge prices the period and opens a provider charge.
     No ledger state changes.
  2. The provider confirms asynchronously, at least once, in any order.
     ApplyPayment is the idempotent command behind every webhook:
       - non-successful status          -> ignored, nothing recorded
       - external_ref already recorded  -> duplicate, nothing changes
       - period already marked          -> payment recorded, no credit
       - otherwise                      -> payment + credits + marker
     All writes for one event commit together.

ENROLLMENT:
  A student with an enrollment month must pay that year's enrollment fee
  before a monthly charge for the enrollment month can be opened.

SEE ALSO:
  - gateway.go: provider adapters
  - refill.go: monthly bulk refill
  - api/handlers.go: webhook endpoints
*/
package billing

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/danitaetsu/buvle/events"
	"github.com/danitaetsu/buvle/ledger"
	"github.com/danitaetsu/buvle/metrics"
	"github.com/google/uuid"
)

// PaymentEvent is a provider's confirmation of a payment.
type PaymentEvent struct {
	ExternalRef string           `json:"external_ref"`
	StudentID   ledger.StudentID `json:"student_id"`
	Amount      int64            `json:"amount"`
	Currency    string           `json:"currency"`
	Status      string           `json:"status"`
	Period      ledger.Period    `json:"period"`
}

// Validate rejects events the ledger cannot act on.
func (ev PaymentEvent) Validate() error {
	switch {
	case strings.TrimSpace(ev.ExternalRef) == "":
		return fmt.Errorf("%w: external_ref is required", ledger.ErrMalformed)
	case ev.StudentID <= 0:
		return fmt.Errorf("%w: student_id is required", ledger.ErrMalformed)
	case ev.Amount <= 0:
		return fmt.Errorf("%w: amount must be positive", ledger.ErrMalformed)
	case strings.TrimSpace(ev.Currency) == "":
		return fmt.Errorf("%w: currency is required", ledger.ErrMalformed)
	case strings.TrimSpace(ev.Status) == "":
		return fmt.Errorf("%w: status is required", ledger.ErrMalformed)
	}
	if err := ev.Period.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrMalformed, err)
	}
	return nil
}

// ApplyResult reports what ApplyPayment did.
type ApplyResult struct {
	Outcome        ledger.PaymentOutcome
	CreditsGranted int
}

// ChargeInput is a request to pay for a period.
type ChargeInput struct {
	StudentID ledger.StudentID
	Period    ledger.Period
	CardToken string
}

// Reconciler prices charges and applies payment confirmations.
type Reconciler struct {
	store     ledger.TxStore
	prices    PriceTable
	gateway   ChargeGateway
	publisher events.Publisher
	now       func() time.Time
}

// NewReconciler creates a reconciler. A nil gateway means charges are opened
// offline; a nil publisher discards events.
func NewReconciler(store ledger.TxStore, prices PriceTable, gateway ChargeGateway, publisher events.Publisher) *Reconciler {
	if gateway == nil {
		gateway = OfflineGateway{}
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Reconciler{
		store:     store,
		prices:    prices,
		gateway:   gateway,
		publisher: publisher,
		now:       time.Now,
	}
}

// Gateway returns the configured charge gateway.
func (r *Reconciler) Gateway() ChargeGateway {
	return r.gateway
}

// =============================================================================
// CREATE CHARGE
// =============================================================================

// CreateCharge opens a provider charge for the price of in.Period.
func (r *Reconciler) CreateCharge(ctx context.Context, in ChargeInput) (Charge, error) {
	if err := in.Period.Validate(); err != nil {
		return Charge{}, fmt.Errorf("%w: %v", ledger.ErrInvalidRequest, err)
	}

	student, err := r.store.GetStudent(ctx, in.StudentID)
	if err != nil {
		return Charge{}, err
	}
	if student == nil {
		return Charge{}, ledger.ErrUnknownStudent
	}
	if !student.PaymentMethod.ConsumesCredit() {
		return Charge{}, fmt.Errorf("%w: student %d pays by direct debit", ledger.ErrInvalidRequest, student.ID)
	}

	amount, err := r.prices.AmountFor(student.PlanSize, in.Period)
	if err != nil {
		return Charge{}, err
	}

	paid, err := r.store.IsPeriodMarked(ctx, student.ID, in.Period)
	if err != nil {
		return Charge{}, err
	}
	if paid {
		return Charge{}, fmt.Errorf("%w: %s", ledger.ErrAlreadyPaid, in.Period)
	}

	if in.Period.Kind == ledger.PeriodMonthly && student.EnrollmentMonth == in.Period.Month {
		enrolled, err := r.store.IsPeriodMarked(ctx, student.ID, ledger.EnrollmentPeriod(in.Period.Year))
		if err != nil {
			return Charge{}, err
		}
		if !enrolled {
			return Charge{}, fmt.Errorf("%w: enrollment %d", ledger.ErrEnrollmentPending, in.Period.Year)
		}
	}

	charge, err := r.gateway.OpenCharge(ctx, ChargeRequest{
		StudentID:   student.ID,
		Period:      in.Period,
		Amount:      amount,
		CardToken:   in.CardToken,
		Description: fmt.Sprintf("%s - %s", student.Name, in.Period),
	})
	if err != nil {
		return Charge{}, err
	}

	metrics.ChargesTotal.WithLabelValues(string(in.Period.Kind)).Inc()
	return charge, nil
}

// =============================================================================
// APPLY PAYMENT
// =============================================================================

// ApplyPayment records a confirmed payment. Replays of the same
// ExternalRef are no-ops reported as OutcomeDuplicate.
func (r *Reconciler) ApplyPayment(ctx context.Context, ev PaymentEvent) (ApplyResult, error) {
	if err := ev.Validate(); err != nil {
		metrics.PaymentsTotal.WithLabelValues("malformed").Inc()
		return ApplyResult{}, err
	}
	if !ledger.IsSuccessfulStatus(ev.Status) {
		metrics.PaymentsTotal.WithLabelValues(string(ledger.OutcomeIgnored)).Inc()
		return ApplyResult{Outcome: ledger.OutcomeIgnored}, nil
	}

	var result ApplyResult
	start := time.Now()
	err := r.store.WithTx(ctx, func(tx ledger.Tx) error {
		seen, err := tx.PaymentExists(ctx, ev.ExternalRef)
		if err != nil {
			return err
		}
		if seen {
			result = ApplyResult{Outcome: ledger.OutcomeDuplicate}
			return nil
		}

		student, err := tx.GetStudent(ctx, ev.StudentID)
		if err != nil {
			return err
		}
		if student == nil {
			return ledger.ErrUnknownStudent
		}

		marked, err := tx.IsPeriodMarked(ctx, student.ID, ev.Period)
		if err != nil {
			return err
		}

		payment := ledger.Payment{
			ID:          uuid.NewString(),
			ExternalRef: ev.ExternalRef,
			StudentID:   student.ID,
			Amount:      ledger.NewMoney(ev.Amount, ev.Currency),
			Status:      ev.Status,
			Period:      ev.Period,
			Outcome:     ledger.OutcomeApplied,
			CreatedAt:   r.now().UTC(),
		}
		if marked {
			payment.Outcome = ledger.OutcomePeriodAlreadyPaid
			result = ApplyResult{Outcome: payment.Outcome}
			return tx.InsertPayment(ctx, payment)
		}

		if ev.Period.Kind == ledger.PeriodMonthly {
			payment.CreditsGranted = student.PlanSize
		}
		if err := tx.InsertPayment(ctx, payment); err != nil {
			return err
		}
		if payment.CreditsGranted > 0 {
			if err := tx.AdjustCredits(ctx, student.ID, payment.CreditsGranted); err != nil {
				return err
			}
		}
		if err := tx.InsertPeriodMarker(ctx, ledger.PeriodMarker{
			StudentID:  student.ID,
			Period:     ev.Period,
			PaymentRef: ev.ExternalRef,
			CreatedAt:  payment.CreatedAt,
		}); err != nil {
			return err
		}

		result = ApplyResult{Outcome: ledger.OutcomeApplied, CreditsGranted: payment.CreditsGranted}
		return nil
	})
	metrics.TxDuration.WithLabelValues("apply_payment").Observe(time.Since(start).Seconds())

	// A concurrent delivery of the same ref won the insert.
	if errors.Is(err, ledger.ErrDuplicatePayment) {
		err = nil
		result = ApplyResult{Outcome: ledger.OutcomeDuplicate}
	}
	if err != nil {
		metrics.PaymentsTotal.WithLabelValues("rejected").Inc()
		return ApplyResult{}, err
	}

	metrics.PaymentsTotal.WithLabelValues(string(result.Outcome)).Inc()
	if result.Outcome == ledger.OutcomeApplied {
		metrics.CreditsGrantedTotal.WithLabelValues("payment").Add(float64(result.CreditsGranted))
		data := events.PaymentData{
			ExternalRef:    ev.ExternalRef,
			StudentID:      int64(ev.StudentID),
			Amount:         ev.Amount,
			Currency:       strings.ToLower(ev.Currency),
			Period:         ev.Period.String(),
			CreditsGranted: result.CreditsGranted,
		}
		if err := r.publisher.PublishJSON(ctx, events.KeyPaymentApplied, events.NewEnvelope(events.KeyPaymentApplied, data)); err != nil {
			log.Printf("[Billing] publish payment.applied for %s failed: %v", ev.ExternalRef, err)
		}
	}
	return result, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// IsPeriodPaid reports whether the student paid the monthly fee for year/month.
func (r *Reconciler) IsPeriodPaid(ctx context.Context, id ledger.StudentID, year, month int) (bool, error) {
	p := ledger.MonthlyPeriod(year, month)
	if err := p.Validate(); err != nil {
		return false, fmt.Errorf("%w: %v", ledger.ErrInvalidRequest, err)
	}
	return r.store.IsPeriodMarked(ctx, id, p)
}

// IsEnrollmentPaid reports whether the student paid the enrollment fee for year.
func (r *Reconciler) IsEnrollmentPaid(ctx context.Context, id ledger.StudentID, year int) (bool, error) {
	p := ledger.EnrollmentPeriod(year)
	if err := p.Validate(); err != nil {
		return false, fmt.Errorf("%w: %v", ledger.ErrInvalidRequest, err)
	}
	return r.store.IsPeriodMarked(ctx, id, p)
}

// PaidMonths returns the monthly periods the student has paid, oldest first.
func (r *Reconciler) PaidMonths(ctx context.Context, id ledger.StudentID) ([]ledger.Period, error) {
	markers, err := r.store.ListPeriodMarkers(ctx, id)
	if err != nil {
		return nil, err
	}
	months := []ledger.Period{}
	for _, m := range markers {
		if m.Period.Kind == ledger.PeriodMonthly {
			months = append(months, m.Period)
		}
	}
	return months, nil
}

// Status summarises what a student can pay for in the month of asOf.
type Status struct {
	Balance         int
	PaymentMethod   ledger.PaymentMethod
	Current         ledger.Period
	CurrentPaid     bool
	Next            ledger.Period
	NextPaid        bool
	EnrollmentMonth int
	EnrollmentDue   bool // asOf falls in the student's enrollment month
	EnrollmentPaid  bool
	MonthlyBlocked  bool // EnrollmentDue && !EnrollmentPaid
	CurrentPrice    *ledger.Money
	EnrollmentPrice *ledger.Money
}

// Status builds the payment summary for a student as of a date.
func (r *Reconciler) Status(ctx context.Context, id ledger.StudentID, asOf ledger.Date) (Status, error) {
	student, err := r.store.GetStudent(ctx, id)
	if err != nil {
		return Status{}, err
	}
	if student == nil {
		return Status{}, ledger.ErrUnknownStudent
	}

	nextMonth := asOf.Time.AddDate(0, 1, 1-asOf.Day())
	st := Status{
		Balance:         student.CreditBalance,
		PaymentMethod:   student.PaymentMethod,
		Current:         ledger.MonthlyPeriod(asOf.Year(), int(asOf.Month())),
		Next:            ledger.MonthlyPeriod(nextMonth.Year(), int(nextMonth.Month())),
		EnrollmentMonth: student.EnrollmentMonth,
		EnrollmentDue:   student.HasEnrollment() && student.EnrollmentMonth == int(asOf.Month()),
	}

	if st.CurrentPaid, err = r.store.IsPeriodMarked(ctx, id, st.Current); err != nil {
		return Status{}, err
	}
	if st.NextPaid, err = r.store.IsPeriodMarked(ctx, id, st.Next); err != nil {
		return Status{}, err
	}
	if st.EnrollmentPaid, err = r.store.IsPeriodMarked(ctx, id, ledger.EnrollmentPeriod(asOf.Year())); err != nil {
		return Status{}, err
	}
	st.MonthlyBlocked = st.EnrollmentDue && !st.EnrollmentPaid

	if price, err := r.prices.AmountFor(student.PlanSize, st.Current); err == nil {
		st.CurrentPrice = &price
	}
	if student.HasEnrollment() {
		if price, err := r.prices.AmountFor(student.PlanSize, ledger.EnrollmentPeriod(asOf.Year())); err == nil {
			st.EnrollmentPrice = &price
		}
	}
	return st, nil
}
