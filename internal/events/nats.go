package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

type natsConn interface {
	Publish(subject string, data []byte) error
	Status() nats.Status
	Drain() error
	Close()
}

// NATSPublisher publishes task outcomes on <prefix>.task.<state> subjects.
type NATSPublisher struct {
	conn   natsConn
	prefix string
	source string
	log    *slog.Logger
}

func Connect(ctx context.Context, url, prefix string, log *slog.Logger) (*NATSPublisher, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("no NATS url configured")
	}
	timeout := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	conn, err := nats.Connect(url,
		nats.Name("speechrelay"),
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	log.Info("connected to NATS", slog.String("servers", url))
	return newNATSPublisher(conn, prefix, log), nil
}

func newNATSPublisher(conn natsConn, prefix string, log *slog.Logger) *NATSPublisher {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = "speechrelay"
	}
	if log == nil {
		log = slog.Default()
	}
	return &NATSPublisher{conn: conn, prefix: prefix, source: "speechrelay", log: log}
}

func (p *NATSPublisher) Subject(t EventType) string {
	return p.prefix + "." + string(t)
}

func (p *NATSPublisher) PublishOutcome(ctx context.Context, outcome TaskOutcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	eventType := TypeForState(outcome.State)
	env := Envelope{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    p.source,
		TaskID:    outcome.TaskID,
		ConnID:    outcome.ConnID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	subject := p.Subject(eventType)
	if err := p.conn.Publish(subject, raw); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func (p *NATSPublisher) Healthy() bool {
	return p != nil && p.conn != nil && p.conn.Status() == nats.CONNECTED
}

func (p *NATSPublisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	p.log.Info("closing NATS connection")
	if err := p.conn.Drain(); err != nil {
		p.log.Warn("nats drain failed", slog.String("error", err.Error()))
	}
	p.conn.Close()
}
