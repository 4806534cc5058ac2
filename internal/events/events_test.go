package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vnmchuo/ai-metering/internal/metrics"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (s *recordingSink) Handle(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func (s *recordingSink) kinds() []Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Kind, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Kind
	}
	return out
}

type blockingSink struct {
	release chan struct{}
}

func (s *blockingSink) Handle(ctx context.Context, _ Event) error {
	<-s.release
	return nil
}

func TestEmitter_DeliversInOrderAndDrainsOnClose(t *testing.T) {
	sink := &recordingSink{}
	e := NewEmitter(sink, 16, nil, nil)

	e.Emit(Event{Kind: CallAdmitted})
	e.Emit(Event{Kind: CallLogged})
	require.NoError(t, e.Close(context.Background()))

	assert.Equal(t, []Kind{CallAdmitted, CallLogged}, sink.kinds())
	assert.False(t, sink.events[0].At.IsZero())
}

func TestEmitter_DropsWhenFull(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	sink := &blockingSink{release: make(chan struct{})}
	e := NewEmitter(sink, 1, nil, m)

	for i := 0; i < 10; i++ {
		e.Emit(Event{Kind: CallLogged})
	}
	// one event can be in the sink and one in the buffer
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.EventsDropped), 8.0)

	close(sink.release)
	require.NoError(t, e.Close(context.Background()))
}

func TestEmitter_EmitAfterCloseIsDropped(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	sink := &recordingSink{}
	e := NewEmitter(sink, 4, nil, m)
	require.NoError(t, e.Close(context.Background()))

	assert.NotPanics(t, func() { e.Emit(Event{Kind: CallFailed}) })
	assert.Empty(t, sink.kinds())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsDropped))
	require.NoError(t, e.Close(context.Background()))
}

func TestEmitter_SinkErrorIsLogged(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	sink := &recordingSink{err: errors.New("redis down")}
	e := NewEmitter(sink, 4, zap.New(core), nil)

	e.Emit(Event{Kind: CallLogged})
	require.NoError(t, e.Close(context.Background()))

	assert.Equal(t, 1, logs.FilterMessage("event sink failed").Len())
}

func TestLogSink_WarnsOnFailureKinds(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	s := NewLogSink(zap.New(core))

	require.NoError(t, s.Handle(context.Background(), Event{Kind: QuotaDegraded, UserID: "u1"}))
	require.NoError(t, s.Handle(context.Background(), Event{Kind: CallLogged, UserID: "u1", Model: "gpt-4o"}))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zap.WarnLevel, entries[0].Level)
	assert.Equal(t, zap.DebugLevel, entries[1].Level)
	assert.Equal(t, "gpt-4o", entries[1].ContextMap()["model"])
}

func TestMetricsSink(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	s := NewMetricsSink(m)

	require.NoError(t, s.Handle(context.Background(), Event{Kind: CallBlocked}))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Events.WithLabelValues(string(CallBlocked))))
}

func TestRedisSink_Publishes(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ctx := context.Background()
	sub := rdb.Subscribe(ctx, "metering.events")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	s := NewRedisSink(rdb, "metering.events")
	require.NoError(t, s.Handle(ctx, Event{Kind: CallLogged, UserID: "u1", Fields: map[string]any{"cost": 0.5}}))

	select {
	case msg := <-sub.Channel():
		var ev Event
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &ev))
		assert.Equal(t, CallLogged, ev.Kind)
		assert.Equal(t, "u1", ev.UserID)
		assert.Equal(t, 0.5, ev.Fields["cost"])
	case <-time.After(2 * time.Second):
		t.Fatal("no message published")
	}
}

func TestMulti_FansOutAndJoinsErrors(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{err: errors.New("b failed")}
	c := &recordingSink{}

	err := Multi{a, b, c}.Handle(context.Background(), Event{Kind: CallFailed})

	assert.EqualError(t, err, "b failed")
	assert.Len(t, a.kinds(), 1)
	assert.Len(t, c.kinds(), 1)
}
