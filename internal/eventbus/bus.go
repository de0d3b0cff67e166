// Package eventbus implements the per-process EventBus described in the
// migration orchestration core: a registry mapping migration_id to a set of
// subscriber sinks, modeled on the teacher's websocket Hub but pull-based
// and bounded per subscriber instead of disconnecting slow clients.
package eventbus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/artemis/depupgrade/internal/observability"
	"github.com/artemis/depupgrade/internal/workflow"
	"go.uber.org/zap"
)

// ErrUnknownMigration is returned by Subscribe when migrationID is neither
// a live topic nor resolvable via the configured TerminalLookup.
var ErrUnknownMigration = errors.New("eventbus: unknown migration")

// DefaultBufferSize is the default per-subscriber bounded buffer capacity.
const DefaultBufferSize = 256

// TerminalLookup resolves a migration_id that has no live topic to a
// synthetic terminal event reconstructed from persisted state, so a late
// subscriber to an already-finished migration still observes completion.
type TerminalLookup interface {
	LookupTerminalEvent(migrationID string) (workflow.Event, bool)
}

// Bus is the process-wide EventBus.
type Bus struct {
	mu      sync.RWMutex
	topics  map[string]*topic
	logger  *observability.Logger
	bufSize int
	lookup  TerminalLookup
}

type topic struct {
	mu          sync.Mutex
	nextSeq     uint64
	subs        map[*Subscription]struct{}
	terminalEvt *workflow.Event
}

// NewBus constructs a Bus. lookup may be nil, in which case Subscribe on an
// id with no live topic always fails with ErrUnknownMigration.
func NewBus(logger *observability.Logger, bufSize int, lookup TerminalLookup) *Bus {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	return &Bus{
		topics:  make(map[string]*topic),
		logger:  logger,
		bufSize: bufSize,
		lookup:  lookup,
	}
}

// Publish assigns the next seq for migrationID, delivers the event to every
// current subscriber, and returns the event it constructed. It never blocks
// on a slow subscriber and never fails from the caller's perspective (spec
// §4.1): internal/workflow invariant 4 (seq strictly increasing) is
// enforced here, not by the caller.
func (b *Bus) Publish(migrationID string, kind workflow.EventKind, sourceWorker string, payload interface{}) workflow.Event {
	b.mu.Lock()
	t, ok := b.topics[migrationID]
	if !ok {
		t = &topic{subs: make(map[*Subscription]struct{})}
		b.topics[migrationID] = t
	}
	b.mu.Unlock()

	t.mu.Lock()
	t.nextSeq++
	evt := workflow.Event{
		MigrationID:  migrationID,
		Seq:          t.nextSeq,
		Kind:         kind,
		SourceWorker: sourceWorker,
		Payload:      payload,
		TS:           time.Now(),
	}
	if kind.IsTerminal() {
		terminal := evt
		t.terminalEvt = &terminal
	}
	subs := make([]*Subscription, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for _, s := range subs {
		if dropped := s.push(evt); dropped {
			observability.EventBusDropped.WithLabelValues(migrationID).Inc()
			if b.logger != nil {
				b.logger.Warn("eventbus subscriber buffer full, dropped oldest non-terminal event",
					zap.String("migration_id", migrationID),
				)
			}
		}
	}

	return evt
}

// Subscribe returns a Subscription streaming events for migrationID in
// increasing seq order. If the workflow has already terminated (no live
// topic, but a persisted record exists via TerminalLookup), the
// subscription's first and only delivered event is the synthetic terminal
// event. Subscribe is idempotent: calling it again for the same id returns
// an independent subscription.
func (b *Bus) Subscribe(migrationID string) (*Subscription, error) {
	b.mu.Lock()
	t, ok := b.topics[migrationID]
	if !ok {
		if b.lookup != nil {
			if evt, found := b.lookup.LookupTerminalEvent(migrationID); found {
				t = &topic{subs: make(map[*Subscription]struct{}), terminalEvt: &evt}
				b.topics[migrationID] = t
				ok = true
			}
		}
	}
	b.mu.Unlock()

	if !ok {
		return nil, ErrUnknownMigration
	}

	sub := newSubscription(migrationID, b.bufSize)

	t.mu.Lock()
	if t.terminalEvt != nil {
		t.mu.Unlock()
		sub.push(*t.terminalEvt)
		return sub, nil
	}
	t.subs[sub] = struct{}{}
	t.mu.Unlock()

	return sub, nil
}

// Unsubscribe removes sub from its topic's live subscriber set and closes
// it. Safe to call more than once.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.RLock()
	t := b.topics[sub.migrationID]
	b.mu.RUnlock()

	if t != nil {
		t.mu.Lock()
		delete(t.subs, sub)
		t.mu.Unlock()
	}
	sub.close()
}

// Subscription is a bounded, per-subscriber event stream. Overflow drops the
// oldest non-terminal event rather than disconnecting the subscriber or
// blocking the publisher.
type Subscription struct {
	migrationID string

	mu     sync.Mutex
	buf    []workflow.Event
	signal chan struct{}
	closed bool
	cap    int

	droppedTotal uint64
}

func newSubscription(migrationID string, capacity int) *Subscription {
	return &Subscription{
		migrationID: migrationID,
		signal:      make(chan struct{}, 1),
		cap:         capacity,
	}
}

// push appends evt to the buffer, evicting the oldest non-terminal event if
// the buffer is at capacity. Terminal events are always delivered, growing
// the buffer by one if every buffered event happens to be non-evictable.
// Returns true if an event was dropped as a result of this push.
func (s *Subscription) push(evt workflow.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	dropped := false
	if len(s.buf) >= s.cap {
		evicted := false
		for i, buffered := range s.buf {
			if !buffered.Kind.IsTerminal() {
				s.buf = append(s.buf[:i], s.buf[i+1:]...)
				evicted = true
				break
			}
		}
		if evicted {
			dropped = true
			s.droppedTotal++
		} else if !evt.Kind.IsTerminal() {
			// Buffer is saturated with events we cannot evict (should not
			// happen in practice: only one terminal event ever exists) and
			// the incoming event is itself non-terminal — drop it instead.
			s.droppedTotal++
			return true
		}
	}

	s.buf = append(s.buf, evt)
	select {
	case s.signal <- struct{}{}:
	default:
	}
	return dropped
}

// Next blocks until an event is available, ctx is canceled, or the
// subscription is closed. ok is false only on cancellation or close.
func (s *Subscription) Next(ctx context.Context) (workflow.Event, bool) {
	for {
		s.mu.Lock()
		if len(s.buf) > 0 {
			evt := s.buf[0]
			s.buf = s.buf[1:]
			s.mu.Unlock()
			return evt, true
		}
		if s.closed {
			s.mu.Unlock()
			return workflow.Event{}, false
		}
		s.mu.Unlock()

		select {
		case <-s.signal:
		case <-ctx.Done():
			return workflow.Event{}, false
		}
	}
}

// DroppedCount returns the number of events dropped from this subscription
// due to buffer overflow.
func (s *Subscription) DroppedCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.droppedTotal
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	select {
	case s.signal <- struct{}{}:
	default:
	}
}
