package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// TestHubBatchBySize verifies the hub flushes immediately once the batch size limit is reached.
func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(HubConfig{
		BufferSize:     8,
		MaxBatchEvents: 2,
		MaxBatchWait:   time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	evt := sampleEvent(TypeStarted)
	hub.Emit(evt)
	hub.Emit(evt)
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1 && len(sink.Batches()[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

// TestHubBatchByTimer verifies the timer-based flush kicks in when the batch is small.
func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(HubConfig{
		BufferSize:     4,
		MaxBatchEvents: 10,
		MaxBatchWait:   25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(TypeStarted))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHubEmitNonBlockingWithoutConsumers(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		progress: make(chan Event),
		terminal: make(chan Event),
		logger:   zap.NewNop(),
	}
	start := time.Now()
	hub.Emit(sampleEvent(TypeStarted))
	hub.Emit(sampleEvent(TypeCompleted))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestHubTerminalLaneSurvivesProgressFlood(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		progress: make(chan Event, 1),
		terminal: make(chan Event, 1),
		logger:   zap.NewNop(),
	}
	for range 5 {
		hub.Emit(sampleEvent(TypeProgress))
	}
	hub.Emit(sampleEvent(TypeCompleted))

	require.Len(t, hub.progress, 1)
	require.Len(t, hub.terminal, 1)
	require.Equal(t, TypeCompleted, (<-hub.terminal).Type)
}

func TestHubTerminalEventFlushesInOrder(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(HubConfig{MaxBatchEvents: 100, MaxBatchWait: time.Minute}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(TypeStarted))
	hub.Emit(sampleEvent(TypeProgress))
	hub.Emit(sampleEvent(TypeCompleted))

	require.Eventually(t, func() bool {
		return len(sink.Batches()) > 0
	}, time.Second, 5*time.Millisecond)
	var types []Type
	for _, b := range sink.Batches() {
		for _, evt := range b {
			types = append(types, evt.Type)
		}
	}
	require.Equal(t, []Type{TypeStarted, TypeProgress, TypeCompleted}, types)
}

func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(HubConfig{MaxBatchEvents: 100, MaxBatchWait: time.Minute}, sink)

	hub.Emit(Event{Type: TypeStarted})
	hub.Emit(Event{JobID: "job-1", Type: TypeProgress, Percent: 10})
	hub.Emit(Event{JobID: "job-1", Type: TypeFailed})
	hub.Emit(sampleEvent(TypeStarted))

	require.NoError(t, hub.Close(context.Background()))
	batches := sink.Batches()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
}

// TestHubFlushOnClose ensures Close drains any buffered events before returning.
func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(HubConfig{
		BufferSize:     4,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, sink)

	hub.Emit(sampleEvent(TypeStarted))

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
	require.True(t, sink.Closed())

	hub.Emit(sampleEvent(TypeStarted))
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func newStubSink() *stubSink {
	return &stubSink{batches: [][]Event{}}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copyBatch := append([]Event(nil), batch...)
	s.batches = append(s.batches, copyBatch)
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Event(nil), b...)
	}
	return out
}

func sampleEvent(typ Type) Event {
	evt := Event{
		JobID: "job-1",
		Type:  typ,
		TS:    time.Now(),
	}
	if typ == TypeProgress {
		evt.Stage = "rendering"
		evt.Percent = 60
	}
	return evt
}
