/*
gateway.go - Payment provider adapters

PURPOSE:
  A ChargeGateway opens a charge with the payment provider and returns
  the provider's handle. Nothing here touches the ledger: credits move
  only when the provider later confirms the payment (ApplyPayment).

IMPLEMENTATIONS:
  OmiseGateway:   card charges through the Omise API; also verifies
                  webhook events by re-fetching them from Omise
  OfflineGateway: issues local handles; confirmation arrives through the
                  generic /api/payments/confirmed webhook

METADATA:
  Charges carry student_id, period_kind, period_year and period_month so
  the confirmation can be mapped back to a ledger period.
*/
package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"

	"github.com/danitaetsu/buvle/ledger"
	"github.com/google/uuid"
	"github.com/omise/omise-go"
	"github.com/omise/omise-go/operations"
)

// ChargeRequest is what the reconciler asks a gateway to collect.
type ChargeRequest struct {
	StudentID   ledger.StudentID
	Period      ledger.Period
	Amount      ledger.Money
	CardToken   string
	Description string
}

// Charge is an opened (not yet confirmed) provider charge.
type Charge struct {
	Handle       string
	Amount       ledger.Money
	Status       string
	AuthorizeURI string // 3-D Secure redirect, when the provider asks for one
}

// ChargeGateway opens charges with a payment provider.
type ChargeGateway interface {
	OpenCharge(ctx context.Context, req ChargeRequest) (Charge, error)
}

// EventVerifier turns a provider webhook event ID into a trusted
// PaymentEvent. ok is false for events that aren't charge completions.
type EventVerifier interface {
	VerifyEvent(ctx context.Context, eventID string) (ev PaymentEvent, ok bool, err error)
}

// =============================================================================
// OMISE
// =============================================================================

// OmiseGateway charges cards through Omise.
type OmiseGateway struct {
	client *omise.Client
}

// NewOmiseGateway creates a gateway from a public/secret key pair.
func NewOmiseGateway(publicKey, secretKey string) (*OmiseGateway, error) {
	c, err := omise.NewClient(publicKey, secretKey)
	if err != nil {
		return nil, fmt.Errorf("omise client: %w", err)
	}
	c.SetDebug(false)
	return &OmiseGateway{client: c}, nil
}

func (g *OmiseGateway) OpenCharge(_ context.Context, req ChargeRequest) (Charge, error) {
	if req.CardToken == "" {
		return Charge{}, fmt.Errorf("%w: card token required", ledger.ErrInvalidRequest)
	}

	ch := &omise.Charge{}
	op := &operations.CreateCharge{
		Amount:      req.Amount.Minor,
		Currency:    req.Amount.Currency,
		Card:        req.CardToken,
		Description: req.Description,
		Metadata:    chargeMetadata(req.StudentID, req.Period),
	}
	if err := g.client.Do(ch, op); err != nil {
		return Charge{}, fmt.Errorf("omise create charge: %w", err)
	}

	if string(ch.Status) == "failed" && ch.FailureMessage != nil {
		log.Printf("[Billing] charge %s failed at creation: %s", ch.ID, *ch.FailureMessage)
	}

	return Charge{
		Handle:       ch.ID,
		Amount:       ledger.NewMoney(ch.Amount, ch.Currency),
		Status:       string(ch.Status),
		AuthorizeURI: ch.AuthorizeURI,
	}, nil
}

// VerifyEvent re-fetches the event from Omise so a forged webhook body
// can't grant credits.
func (g *OmiseGateway) VerifyEvent(_ context.Context, eventID string) (PaymentEvent, bool, error) {
	ev := &omise.Event{}
	if err := g.client.Do(ev, &operations.RetrieveEvent{EventID: eventID}); err != nil {
		return PaymentEvent{}, false, fmt.Errorf("omise retrieve event: %w", err)
	}
	if ev.Key != "charge.complete" {
		return PaymentEvent{}, false, nil
	}

	raw, err := json.Marshal(ev.Data)
	if err != nil {
		return PaymentEvent{}, false, fmt.Errorf("omise event data: %w", err)
	}
	var ch omise.Charge
	if err := json.Unmarshal(raw, &ch); err != nil {
		return PaymentEvent{}, false, fmt.Errorf("omise event data: %w", err)
	}

	studentID, period := metadataPeriod(ch.Metadata)
	return PaymentEvent{
		ExternalRef: ch.ID,
		StudentID:   studentID,
		Amount:      ch.Amount,
		Currency:    ch.Currency,
		Status:      string(ch.Status),
		Period:      period,
	}, true, nil
}

func chargeMetadata(id ledger.StudentID, p ledger.Period) map[string]any {
	return map[string]any{
		"student_id":   strconv.FormatInt(int64(id), 10),
		"period_kind":  string(p.Kind),
		"period_year":  strconv.Itoa(p.Year),
		"period_month": strconv.Itoa(p.Month),
	}
}

// metadataPeriod reads back what chargeMetadata wrote. Missing or garbled
// fields produce zero values, which PaymentEvent.Validate rejects.
func metadataPeriod(md map[string]any) (ledger.StudentID, ledger.Period) {
	kind, _ := md["period_kind"].(string)
	return ledger.StudentID(metaInt(md, "student_id")), ledger.Period{
		Kind:  ledger.PeriodKind(kind),
		Year:  int(metaInt(md, "period_year")),
		Month: int(metaInt(md, "period_month")),
	}
}

func metaInt(md map[string]any, key string) int64 {
	switch v := md[key].(type) {
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

// =============================================================================
// OFFLINE
// =============================================================================

// OfflineGateway issues local charge handles without calling a provider.
type OfflineGateway struct{}

func (OfflineGateway) OpenCharge(_ context.Context, req ChargeRequest) (Charge, error) {
	return Charge{
		Handle: "chrg_local_" + uuid.NewString(),
		Amount: req.Amount,
		Status: "pending",
	}, nil
}
