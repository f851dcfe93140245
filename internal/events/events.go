// Package events carries extraction progress events to observers.
//
// The orchestrator delivers events on a per-run channel. The Broadcaster
// republishes them on NATS so that other processes (SSE handlers, the CLI)
// can follow a run by id:
//
//	tacit.runs.{run_id}.{event_type}
//
// Delivery over NATS is at-most-once. Observers that need the complete
// history read the run record from the store.
package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Type is the kind of a progress event.
type Type string

const (
	StageChange Type = "stage_change"
	Progress    Type = "progress"
	RuleFound   Type = "rule_found"
	Complete    Type = "complete"
	Error       Type = "error"
)

// Event is one progress notification of an extraction run.
type Event struct {
	Type    Type           `json:"event_type"`
	Stage   string         `json:"stage"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// Terminal reports whether e ends a run's event stream.
func (e Event) Terminal() bool {
	return e.Type == Complete || e.Type == Error
}

// Publisher broadcasts run events.
type Publisher interface {
	Publish(runID int64, e Event) error
}

// Nop discards every event.
type Nop struct{}

// Publish does nothing.
func (Nop) Publish(int64, Event) error { return nil }

// Subject returns the NATS subject of an event type for a run.
func Subject(runID int64, t Type) string {
	return fmt.Sprintf("tacit.runs.%d.%s", runID, t)
}

// Broadcaster publishes run events on NATS.
type Broadcaster struct {
	nc     *nats.Conn
	logger *zap.Logger
}

// NewBroadcaster creates a Broadcaster on an established connection.
func NewBroadcaster(nc *nats.Conn, logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{nc: nc, logger: logger}
}

// Connect dials a NATS server with reconnects enabled.
func Connect(url string, logger *zap.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("tacit"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	logger.Info("connected to NATS", zap.String("url", url))
	return nc, nil
}

// Publish sends e on the run's subject.
func (b *Broadcaster) Publish(runID int64, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.nc.Publish(Subject(runID, e.Type), data); err != nil {
		return fmt.Errorf("publish %s event: %w", e.Type, err)
	}
	return nil
}

// Subscribe follows every event of a run. The returned channel is closed
// after unsubscribe is called. Undecodable messages are dropped.
func (b *Broadcaster) Subscribe(runID int64) (<-chan Event, func(), error) {
	msgs := make(chan *nats.Msg, 64)
	sub, err := b.nc.ChanSubscribe(fmt.Sprintf("tacit.runs.%d.*", runID), msgs)
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe to run %d: %w", runID, err)
	}
	if err := b.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, nil, fmt.Errorf("flush subscription: %w", err)
	}

	out := make(chan Event, 64)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case m := <-msgs:
				var e Event
				if err := json.Unmarshal(m.Data, &e); err != nil {
					b.logger.Warn("dropping undecodable event",
						zap.String("subject", m.Subject), zap.Error(err))
					continue
				}
				select {
				case out <- e:
				case <-done:
					return
				}
			}
		}
	}()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			_ = sub.Unsubscribe()
			close(done)
		})
	}
	return out, unsubscribe, nil
}
