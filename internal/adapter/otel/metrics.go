package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "fleetd"

// Metrics holds all fleetd metric instruments.
type Metrics struct {
	IntentTransitions metric.Int64Counter
	IntentsProposed   metric.Int64Counter
	ApprovalsDecided  metric.Int64Counter
	ReconcileOutcomes metric.Int64Counter
	SpriteStateChange metric.Int64Counter
	HealthChanges     metric.Int64Counter
	WebhookDuplicates metric.Int64Counter
	ReconcileDuration metric.Float64Histogram
	BackoffDelay      metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.IntentTransitions, err = meter.Int64Counter("fleetd.intents.transitions",
		metric.WithDescription("Number of intent state transitions"))
	if err != nil {
		return nil, err
	}

	m.IntentsProposed, err = meter.Int64Counter("fleetd.intents.proposed",
		metric.WithDescription("Number of intents proposed"))
	if err != nil {
		return nil, err
	}

	m.ApprovalsDecided, err = meter.Int64Counter("fleetd.approvals.decided",
		metric.WithDescription("Number of approval decisions"))
	if err != nil {
		return nil, err
	}

	m.ReconcileOutcomes, err = meter.Int64Counter("fleetd.reconcile.outcomes",
		metric.WithDescription("Number of reconcile cycles by outcome"))
	if err != nil {
		return nil, err
	}

	m.SpriteStateChange, err = meter.Int64Counter("fleetd.sprites.state_changes",
		metric.WithDescription("Number of observed sprite state changes"))
	if err != nil {
		return nil, err
	}

	m.HealthChanges, err = meter.Int64Counter("fleetd.sprites.health_changes",
		metric.WithDescription("Number of sprite health changes"))
	if err != nil {
		return nil, err
	}

	m.WebhookDuplicates, err = meter.Int64Counter("fleetd.webhooks.duplicates",
		metric.WithDescription("Number of webhook deliveries dropped as duplicates"))
	if err != nil {
		return nil, err
	}

	m.ReconcileDuration, err = meter.Float64Histogram("fleetd.reconcile.duration_seconds",
		metric.WithDescription("Reconcile cycle duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.BackoffDelay, err = meter.Float64Histogram("fleetd.reconcile.backoff_seconds",
		metric.WithDescription("Backoff delay applied after reconcile failures"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
