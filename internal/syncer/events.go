package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Event is the lifecycle notification published around a run. Downstream
// consumers (analysis pipeline, notification relay) subscribe on
// sync.<account>.* and react to completed runs carrying AutoAnalyze.
type Event struct {
	Type        string    `json:"type"` // sync.started|completed|failed|cancelled
	RunID       string    `json:"run_id"`
	AccountID   string    `json:"account_id"`
	UserID      string    `json:"user_id"`
	At          time.Time `json:"at"`
	AutoAnalyze bool      `json:"auto_analyze,omitempty"`
	Result      *Result   `json:"result,omitempty"`
}

// EventPublisher receives run lifecycle events. The orchestrator tolerates
// a nil publisher and never fails a run over a publish error.
type EventPublisher interface {
	Publish(ctx context.Context, ev Event) error
}

const streamName = "MAIL_SYNC"

// NATSPublisher publishes lifecycle events to JetStream, deduplicated by
// msg-id so redeliveries after a reconnect collapse.
type NATSPublisher struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	logger *zap.Logger
}

// NewNATSPublisher connects and ensures the MAIL_SYNC stream exists.
func NewNATSPublisher(url string, logger *zap.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("get JetStream context: %w", err)
	}

	p := &NATSPublisher{nc: nc, js: js, logger: logger}
	if err := p.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return p, nil
}

func (p *NATSPublisher) ensureStream() error {
	if info, err := p.js.StreamInfo(streamName); err == nil && info != nil {
		return nil
	}

	_, err := p.js.AddStream(&nats.StreamConfig{
		Name:       streamName,
		Subjects:   []string{"sync.*.>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     30 * 24 * time.Hour,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		return fmt.Errorf("create stream: %w", err)
	}
	return nil
}

// Publish sends one event on sync.<account>.<type>.
func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("sync.%s.%s", ev.AccountID, ev.Type)
	msgID := fmt.Sprintf("%s|%s", ev.Type, ev.RunID)

	if _, err := p.js.Publish(subject, payload, nats.MsgId(msgID), nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Connected reports connection health for readiness probes.
func (p *NATSPublisher) Connected() bool {
	return p.nc != nil && p.nc.IsConnected()
}

// Close closes the NATS connection.
func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}
