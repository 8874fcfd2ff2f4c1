package events

import (
	"context"
	"sync"
	"time"
)

// Subscription is one consumer's view of a job's event stream. It is meant
// to be read by a single goroutine.
type Subscription struct {
	ID    string
	JobID string

	bridge    *Bridge
	capacity  int
	heartbeat time.Duration

	mu       sync.Mutex
	queue    []Event
	terminal bool
	dropped  int
	lastSeq  uint64
	percent  int
	finished bool

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newSubscription(id, jobID string, b *Bridge) *Subscription {
	return &Subscription{
		ID:        id,
		JobID:     jobID,
		bridge:    b,
		capacity:  b.cfg.QueueSize,
		heartbeat: b.cfg.HeartbeatInterval,
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// push queues evt and returns how many events were dropped to make room.
// The oldest queued event is discarded on overflow; a terminal event is
// never discarded.
func (s *Subscription) push(evt Event) int {
	s.mu.Lock()
	if s.terminal {
		s.mu.Unlock()
		return 0
	}
	dropped := 0
	if len(s.queue) >= s.capacity {
		s.queue = s.queue[1:]
		dropped = 1
		s.dropped++
	}
	s.queue = append(s.queue, evt)
	if evt.Terminal() {
		s.terminal = true
	}
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return dropped
}

// Next blocks until the next event is available. A heartbeat is returned
// when nothing arrived for the heartbeat interval. After the terminal event
// has been returned, Next reports ErrStreamEnded; after Close or bridge
// shutdown it reports ErrClosed.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	timer := time.NewTimer(s.heartbeat)
	defer timer.Stop()
	for {
		if evt, ok, err := s.pop(); err != nil || ok {
			return evt, err
		}
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-s.done:
			if evt, ok, err := s.pop(); err != nil || ok {
				return evt, err
			}
			return Event{}, ErrClosed
		case <-s.notify:
		case <-timer.C:
			s.mu.Lock()
			hb := Event{
				Seq:     s.lastSeq,
				JobID:   s.JobID,
				Type:    TypeHeartbeat,
				TS:      s.bridge.cfg.Now(),
				Percent: s.percent,
			}
			s.mu.Unlock()
			return hb, nil
		}
	}
}

func (s *Subscription) pop() (Event, bool, error) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return Event{}, false, ErrStreamEnded
	}
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return Event{}, false, nil
	}
	evt := s.queue[0]
	s.queue = s.queue[1:]
	if evt.Percent < s.percent {
		evt.Percent = s.percent
	}
	s.percent = evt.Percent
	s.lastSeq = evt.Seq
	end := evt.Terminal()
	if end {
		s.finished = true
	}
	s.mu.Unlock()

	if end {
		s.Close()
	}
	return evt, true, nil
}

// Dropped returns how many events were discarded for this subscriber.
func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close releases the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.bridge.detach(s)
	})
}
