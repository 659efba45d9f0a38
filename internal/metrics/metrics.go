package metrics

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type Metrics struct {
	recordsCreated         metric.Int64Counter
	bulkBatchSize          metric.Int64Histogram
	counterUpdates         metric.Int64Counter
	counterEscalations     metric.Int64Counter
	counterRecoveries      metric.Int64Counter
	notificationsQueued    metric.Int64Counter
	notificationsDelivered metric.Int64Counter
	notificationsRetried   metric.Int64Counter
	notificationsDead      metric.Int64Counter
	idempotentReplays      metric.Int64Counter
}

func New(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}

	var err error

	m.recordsCreated, err = meter.Int64Counter(
		"attendance_service.records.created",
		metric.WithDescription("Attendance records persisted"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	m.bulkBatchSize, err = meter.Int64Histogram(
		"attendance_service.bulk.batch_size",
		metric.WithDescription("Number of children per bulk attendance call"),
		metric.WithUnit("{child}"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000),
	)
	if err != nil {
		return nil, err
	}

	m.counterUpdates, err = meter.Int64Counter(
		"attendance_service.counter.updates",
		metric.WithDescription("Daily counter increments by outcome"),
		metric.WithUnit("{update}"),
	)
	if err != nil {
		return nil, err
	}

	m.counterEscalations, err = meter.Int64Counter(
		"attendance_service.counter.escalations",
		metric.WithDescription("Counter increments handed to reconciliation"),
		metric.WithUnit("{increment}"),
	)
	if err != nil {
		return nil, err
	}

	m.counterRecoveries, err = meter.Int64Counter(
		"attendance_service.counter.recoveries",
		metric.WithDescription("Counter increments recovered from requests that stopped after the write"),
		metric.WithUnit("{increment}"),
	)
	if err != nil {
		return nil, err
	}

	m.notificationsQueued, err = meter.Int64Counter(
		"attendance_service.notifications.queued",
		metric.WithDescription("Guardian notifications accepted by the dispatcher"),
		metric.WithUnit("{notification}"),
	)
	if err != nil {
		return nil, err
	}

	m.notificationsDelivered, err = meter.Int64Counter(
		"attendance_service.notifications.delivered",
		metric.WithDescription("Guardian notifications delivered"),
		metric.WithUnit("{notification}"),
	)
	if err != nil {
		return nil, err
	}

	m.notificationsRetried, err = meter.Int64Counter(
		"attendance_service.notifications.retried",
		metric.WithDescription("Guardian notification delivery retries"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	m.notificationsDead, err = meter.Int64Counter(
		"attendance_service.notifications.dead_lettered",
		metric.WithDescription("Guardian notifications moved to the dead-letter store"),
		metric.WithUnit("{notification}"),
	)
	if err != nil {
		return nil, err
	}

	m.idempotentReplays, err = meter.Int64Counter(
		"attendance_service.idempotency.replays",
		metric.WithDescription("Requests answered from a stored idempotency key"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) RecordRecordsCreated(ctx context.Context, mode string, n int) {
	if m != nil && m.recordsCreated != nil {
		m.recordsCreated.Add(ctx, int64(n), metric.WithAttributes(attribute.String("mode", mode)))
	}
}

func (m *Metrics) RecordBulkBatchSize(ctx context.Context, n int) {
	if m != nil && m.bulkBatchSize != nil {
		m.bulkBatchSize.Record(ctx, int64(n))
	}
}

func (m *Metrics) RecordCounterUpdate(ctx context.Context, outcome string) {
	if m != nil && m.counterUpdates != nil {
		m.counterUpdates.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func (m *Metrics) RecordCounterEscalation(ctx context.Context) {
	if m != nil && m.counterEscalations != nil {
		m.counterEscalations.Add(ctx, 1)
	}
}

func (m *Metrics) RecordCounterRecovery(ctx context.Context) {
	if m != nil && m.counterRecoveries != nil {
		m.counterRecoveries.Add(ctx, 1)
	}
}

func (m *Metrics) RecordNotificationsQueued(ctx context.Context, n int) {
	if m != nil && m.notificationsQueued != nil {
		m.notificationsQueued.Add(ctx, int64(n))
	}
}

func (m *Metrics) RecordNotificationDelivered(ctx context.Context) {
	if m != nil && m.notificationsDelivered != nil {
		m.notificationsDelivered.Add(ctx, 1)
	}
}

func (m *Metrics) RecordNotificationRetried(ctx context.Context) {
	if m != nil && m.notificationsRetried != nil {
		m.notificationsRetried.Add(ctx, 1)
	}
}

func (m *Metrics) RecordNotificationDeadLettered(ctx context.Context, reason string) {
	if m != nil && m.notificationsDead != nil {
		m.notificationsDead.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

func (m *Metrics) RecordIdempotentReplay(ctx context.Context) {
	if m != nil && m.idempotentReplays != nil {
		m.idempotentReplays.Add(ctx, 1)
	}
}

// NewMock creates a no-op Metrics instance for testing
// The returned Metrics will safely ignore all Record* calls
func NewMock() *Metrics {
	return &Metrics{}
}
