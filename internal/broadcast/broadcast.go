// Package broadcast fans one deployment's log out to any number of
// subscribers, replaying history to late joiners.
package broadcast

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"pushdeploy/internal/domain"
)

const (
	// DefaultBufferSize is the per-subscriber channel capacity
	DefaultBufferSize = 256

	// DefaultSlowTimeout is how long a full subscriber may stall before it is dropped
	DefaultSlowTimeout = 10 * time.Second
)

var (
	// ErrClosed is returned by Append after Close
	ErrClosed = errors.New("broadcaster closed")

	// ErrOutOfOrder is returned when an entry does not advance the sequence
	ErrOutOfOrder = errors.New("log entry out of sequence order")
)

// Config tunes a Broadcaster. Zero values select the defaults.
type Config struct {
	BufferSize  int
	SlowTimeout time.Duration
}

// Broadcaster holds the append-only history of one log and the set of
// live subscriptions reading it. Append never blocks on subscribers.
type Broadcaster struct {
	bufferSize  int
	slowTimeout time.Duration

	mu      sync.Mutex
	history []domain.LogEntry
	subs    map[*Subscription]struct{}
	closed  bool
}

// New creates an open broadcaster
func New(cfg Config) *Broadcaster {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.SlowTimeout <= 0 {
		cfg.SlowTimeout = DefaultSlowTimeout
	}
	return &Broadcaster{
		bufferSize:  cfg.BufferSize,
		slowTimeout: cfg.SlowTimeout,
		subs:        make(map[*Subscription]struct{}),
	}
}

// Replay builds an already-closed broadcaster over a finished log
func Replay(cfg Config, entries []domain.LogEntry) *Broadcaster {
	b := New(cfg)
	b.history = append(b.history, entries...)
	b.closed = true
	return b
}

// Append adds an entry to the history and wakes every subscriber
func (b *Broadcaster) Append(entry domain.LogEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if n := len(b.history); n > 0 && entry.Seq <= b.history[n-1].Seq {
		return ErrOutOfOrder
	}

	b.history = append(b.history, entry)
	for s := range b.subs {
		s.wake()
	}
	return nil
}

// Subscribe registers a subscriber. Its channel yields the full history,
// then live entries, and is closed once the broadcaster is closed and
// everything has been delivered, or when the subscriber is dropped.
func (b *Broadcaster) Subscribe() *Subscription {
	s := &Subscription{
		b:      b,
		out:    make(chan domain.LogEntry, b.bufferSize),
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go s.pump()
	return s
}

// Close marks the end of the log. Safe to call more than once.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		s.wake()
	}
}

// History returns a copy of every entry appended so far
func (b *Broadcaster) History() []domain.LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]domain.LogEntry, len(b.history))
	copy(out, b.history)
	return out
}

// next returns the entry at cursor if there is one, and whether the log has ended
func (b *Broadcaster) next(cursor int) (entry domain.LogEntry, ok bool, ended bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cursor < len(b.history) {
		return b.history[cursor], true, false
	}
	return domain.LogEntry{}, false, b.closed
}

func (b *Broadcaster) remove(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// Subscription is one reader of a Broadcaster
type Subscription struct {
	b      *Broadcaster
	out    chan domain.LogEntry
	notify chan struct{}
	stop   chan struct{}

	stopOnce sync.Once
	dropped  atomic.Bool
}

// C returns the delivery channel. Its closure is the end-of-stream marker.
func (s *Subscription) C() <-chan domain.LogEntry {
	return s.out
}

// Dropped reports whether the subscription was cut off for falling behind
func (s *Subscription) Dropped() bool {
	return s.dropped.Load()
}

// Close detaches the subscriber. The channel is closed shortly after.
func (s *Subscription) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// pump copies entries from the shared history into the subscriber's
// channel, one cursor per subscriber, so ordering is exact and replay
// joins live delivery without gaps or duplicates.
func (s *Subscription) pump() {
	defer func() {
		s.b.remove(s)
		close(s.out)
	}()

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	cursor := 0
	for {
		entry, ok, ended := s.b.next(cursor)
		if !ok {
			if ended {
				return
			}
			select {
			case <-s.notify:
				continue
			case <-s.stop:
				return
			}
		}

		select {
		case s.out <- entry:
			cursor++
			continue
		case <-s.stop:
			return
		default:
		}

		// Buffer is full; give the reader a bounded grace period.
		if timer == nil {
			timer = time.NewTimer(s.b.slowTimeout)
		} else {
			timer.Reset(s.b.slowTimeout)
		}

		select {
		case s.out <- entry:
			cursor++
			timer.Stop()
		case <-s.stop:
			return
		case <-timer.C:
			s.dropped.Store(true)
			return
		}
	}
}
