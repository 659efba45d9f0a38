package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"attendance-service/common/metrics"
	"attendance-service/internal/notification"

	"github.com/nats-io/nats.go"
)

// Publisher delivers guardian notifications over NATS, one subject per
// recipient: <prefix>.<recipient id>.
type Publisher struct {
	conn          *nats.Conn
	subjectPrefix string
	logger        *slog.Logger
	metrics       *metrics.Metrics
}

func NewPublisher(url, subjectPrefix string, logger *slog.Logger, m *metrics.Metrics) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("attendance-service"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, err
	}

	logger.Info("NATS publisher initialized", "url", url, "subject_prefix", subjectPrefix)

	return NewPublisherWithConn(nc, subjectPrefix, logger, m), nil
}

func NewPublisherWithConn(nc *nats.Conn, subjectPrefix string, logger *slog.Logger, m *metrics.Metrics) *Publisher {
	return &Publisher{
		conn:          nc,
		subjectPrefix: subjectPrefix,
		logger:        logger,
		metrics:       m,
	}
}

func (p *Publisher) Subject(recipientID int) string {
	return p.subjectPrefix + "." + strconv.Itoa(recipientID)
}

// Deliver publishes the job and waits for the server to acknowledge the
// flush, so a nil error means the message left this process.
func (p *Publisher) Deliver(ctx context.Context, job notification.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	subject := p.Subject(job.RecipientID)
	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header:  nats.Header{},
	}
	msg.Header.Set(nats.MsgIdHdr, job.ID.String())

	start := time.Now()
	err = p.conn.PublishMsg(msg)
	if err == nil {
		err = p.conn.FlushWithContext(ctx)
	}
	p.metrics.Messaging.RecordPublish(ctx, "nats", subject, time.Since(start), err)

	if err != nil {
		p.logger.ErrorContext(ctx, "failed to publish notification to NATS",
			"subject", subject,
			"job_id", job.ID,
			"error", err,
		)
		return err
	}

	p.logger.DebugContext(ctx, "notification published to NATS", "subject", subject, "job_id", job.ID)
	return nil
}

// Ping reports whether the connection is usable, for readiness checks.
func (p *Publisher) Ping(_ context.Context) error {
	if !p.conn.IsConnected() {
		return nats.ErrConnectionClosed
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.conn.Drain()
}
