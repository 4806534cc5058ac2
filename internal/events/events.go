// Package events carries fire-and-forget metering telemetry off the request
// path. Delivery is best effort: nothing here may fail or slow a call.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vnmchuo/ai-metering/internal/metrics"
)

type Kind string

const (
	CallAdmitted      Kind = "call.admitted"
	CallBlocked       Kind = "call.blocked"
	CallLogged        Kind = "call.logged"
	CallFailed        Kind = "call.failed"
	QuotaDegraded     Kind = "quota.degraded"
	LedgerWriteFailed Kind = "ledger.write_failed"
)

type Event struct {
	Kind      Kind           `json:"kind"`
	At        time.Time      `json:"at"`
	RequestID string         `json:"request_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	OrgID     string         `json:"org_id,omitempty"`
	Provider  string         `json:"provider,omitempty"`
	Model     string         `json:"model,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Publisher is what producers depend on. Emit must not block.
type Publisher interface {
	Emit(ev Event)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Emit(Event) {}

// Sink consumes events on the emitter's worker goroutine.
type Sink interface {
	Handle(ctx context.Context, ev Event) error
}

// LogSink writes events as structured log lines. Failure kinds log at WARN.
type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log.Named("events")}
}

func (s *LogSink) Handle(_ context.Context, ev Event) error {
	fields := []zap.Field{
		zap.String("kind", string(ev.Kind)),
		zap.Time("at", ev.At),
		zap.String("request_id", ev.RequestID),
		zap.String("user_id", ev.UserID),
	}
	if ev.Model != "" {
		fields = append(fields, zap.String("model", ev.Model), zap.String("provider", ev.Provider))
	}
	if len(ev.Fields) > 0 {
		fields = append(fields, zap.Any("fields", ev.Fields))
	}
	switch ev.Kind {
	case QuotaDegraded, LedgerWriteFailed, CallFailed:
		s.log.Warn("metering event", fields...)
	default:
		s.log.Debug("metering event", fields...)
	}
	return nil
}

// MetricsSink counts events by kind.
type MetricsSink struct {
	m *metrics.Metrics
}

func NewMetricsSink(m *metrics.Metrics) *MetricsSink {
	return &MetricsSink{m: m}
}

func (s *MetricsSink) Handle(_ context.Context, ev Event) error {
	s.m.Event(string(ev.Kind))
	return nil
}

// RedisSink publishes events as JSON on a pub/sub channel.
type RedisSink struct {
	rdb     redis.UniversalClient
	channel string
}

func NewRedisSink(rdb redis.UniversalClient, channel string) *RedisSink {
	return &RedisSink{rdb: rdb, channel: channel}
}

func (s *RedisSink) Handle(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := s.rdb.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Handle(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Handle(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
