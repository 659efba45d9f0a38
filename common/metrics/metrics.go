package metrics

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Latency buckets in seconds, tuned for p95/p99 on database and broker calls.
var latencyBuckets = []float64{
	0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0,
}

type Metrics struct {
	Database  *DatabaseMetrics
	Messaging *MessagingMetrics
	Health    *HealthMetrics
	meter     metric.Meter
}

func New(ctx context.Context, serviceName string, logger *slog.Logger) (*Metrics, error) {
	meter := otel.Meter(serviceName)

	database, err := NewDatabaseMetrics(meter)
	if err != nil {
		return nil, err
	}

	messaging, err := NewMessagingMetrics(meter)
	if err != nil {
		return nil, err
	}

	health, err := NewHealthMetrics(meter)
	if err != nil {
		return nil, err
	}

	logger.InfoContext(ctx, "shared metrics collectors initialized")

	return &Metrics{
		Database:  database,
		Messaging: messaging,
		Health:    health,
		meter:     meter,
	}, nil
}

// Meter exposes the meter the collectors were created from, for service-specific instruments.
func (m *Metrics) Meter() metric.Meter {
	if m == nil || m.meter == nil {
		return otel.Meter("noop")
	}
	return m.meter
}

// NewMock returns collectors that ignore every Record* call.
func NewMock() *Metrics {
	return &Metrics{
		Database:  &DatabaseMetrics{},
		Messaging: &MessagingMetrics{},
		Health:    &HealthMetrics{dependencies: map[string]bool{}},
	}
}
