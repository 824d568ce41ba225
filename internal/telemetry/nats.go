// Package telemetry ships per-tick snapshots to NATS JetStream for off-box
// analysis. The publisher is strictly best-effort: a broker outage costs
// telemetry, never tuning.
package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/wllclngn/schedtuned/internal/tuner"
)

const (
	streamName    = "SCHEDTUNED"
	subjectPrefix = "schedtuned.telemetry"

	maxReconnects = 10
	reconnectWait = 2 * time.Second
	publishWait   = time.Second
)

// Publisher sends tick snapshots to a per-session JetStream subject.
type Publisher struct {
	conn    *nats.Conn
	js      nats.JetStreamContext
	subject string
	session string
	logger  *zap.Logger

	published uint64
	dropped   uint64
}

// NewPublisher connects to the broker and ensures the telemetry stream
// exists. Each daemon session publishes under its own UUID suffix so
// consumers can separate overlapping runs.
func NewPublisher(url string, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	session := uuid.New().String()

	conn, err := nats.Connect(url,
		nats.Name("schedtuned-telemetry"),
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("telemetry broker disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("telemetry broker reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to telemetry broker: %w", err)
	}

	js, err := conn.JetStream(nats.MaxWait(publishWait))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open jetstream context: %w", err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     streamName,
		Subjects: []string{subjectPrefix + ".>"},
		Storage:  nats.FileStorage,
		MaxAge:   24 * time.Hour,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		conn.Close()
		return nil, fmt.Errorf("failed to ensure telemetry stream: %w", err)
	}

	p := &Publisher{
		conn:    conn,
		js:      js,
		subject: fmt.Sprintf("%s.%s", subjectPrefix, session),
		session: session,
		logger:  logger,
	}
	logger.Info("telemetry publisher connected",
		zap.String("url", url), zap.String("subject", p.subject))
	return p, nil
}

// Session returns this run's subject suffix.
func (p *Publisher) Session() string { return p.session }

// EmitTick publishes one snapshot. Failures are counted and logged at debug;
// the monitor loop never blocks on the broker beyond the ack wait.
func (p *Publisher) EmitTick(s tuner.TickSnapshot) {
	data, err := json.Marshal(s)
	if err != nil {
		p.dropped++
		p.logger.Debug("failed to encode telemetry tick", zap.Error(err))
		return
	}
	if _, err := p.js.Publish(p.subject, data); err != nil {
		p.dropped++
		p.logger.Debug("failed to publish telemetry tick",
			zap.Uint64("tick", s.Tick), zap.Error(err))
		return
	}
	p.published++
}

// Close drains the connection so queued publishes flush before shutdown.
func (p *Publisher) Close() {
	p.logger.Info("telemetry publisher closing",
		zap.Uint64("published", p.published), zap.Uint64("dropped", p.dropped))
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn("telemetry drain failed", zap.Error(err))
		p.conn.Close()
	}
}
