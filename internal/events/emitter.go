package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vnmchuo/ai-metering/internal/metrics"
)

const (
	DefaultBuffer = 1024
	handleTimeout = 2 * time.Second
)

// Emitter buffers events and hands them to a Sink from a single worker
// goroutine. Emit drops the event when the buffer is full.
type Emitter struct {
	sink    Sink
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	done   chan struct{}
}

func NewEmitter(sink Sink, buffer int, log *zap.Logger, m *metrics.Metrics) *Emitter {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if log == nil {
		log = zap.NewNop()
	}
	e := &Emitter{
		sink:    sink,
		log:     log.Named("events.emitter"),
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
		queue:   make(chan Event, buffer),
		done:    make(chan struct{}),
	}
	go e.process()
	return e
}

func (e *Emitter) Emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = e.now()
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.metrics.EventDropped()
		return
	}
	select {
	case e.queue <- ev:
	default:
		e.metrics.EventDropped()
		e.log.Debug("event buffer full, dropping", zap.String("kind", string(ev.Kind)))
	}
}

// Close stops accepting events and waits for the buffer to drain or ctx to end.
func (e *Emitter) Close(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Emitter) process() {
	defer close(e.done)
	for ev := range e.queue {
		ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
		if err := e.sink.Handle(ctx, ev); err != nil {
			e.log.Warn("event sink failed", zap.String("kind", string(ev.Kind)), zap.Error(err))
		}
		cancel()
	}
}
