// Package monitor delivers security events (matcher timeouts, decryption
// decisions, oversized entries) to operator-facing sinks. Delivery is
// fire-and-forget: a sink must never block or fail the operation that
// produced the event.
package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Kind identifies the type of a security event.
type Kind string

const (
	KindMatchTimeout   Kind = "match_timeout"
	KindDecryptGranted Kind = "decrypt_granted"
	KindDecryptDenied  Kind = "decrypt_denied"
	KindLargeEntry     Kind = "large_entry"
)

// Event is a single security observation. It never carries entry content
// or pattern plaintext; only identifiers and sizes.
type Event struct {
	Kind        Kind      `json:"kind"`
	Timestamp   time.Time `json:"timestamp"`
	PatternID   string    `json:"pattern_id,omitempty"`
	InputLength int       `json:"input_length,omitempty"`
	EntryID     string    `json:"entry_id,omitempty"`
	PatternRef  string    `json:"pattern_ref,omitempty"`
	Origin      string    `json:"origin,omitempty"`
	RequestID   string    `json:"request_id,omitempty"`
	Reason      string    `json:"reason,omitempty"`
}

// Sink receives security events.
type Sink interface {
	OnSecurityEvent(ctx context.Context, ev Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, ev Event)

// OnSecurityEvent calls f(ctx, ev).
func (f SinkFunc) OnSecurityEvent(ctx context.Context, ev Event) { f(ctx, ev) }

// Nop discards every event.
type Nop struct{}

// OnSecurityEvent implements Sink.
func (Nop) OnSecurityEvent(context.Context, Event) {}

// Emit stamps ev and hands it to s. A nil sink is a no-op.
func Emit(ctx context.Context, s Sink, ev Event) {
	if s == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	s.OnSecurityEvent(ctx, ev)
}

// Multi fans an event out to every sink in order.
type Multi []Sink

// OnSecurityEvent implements Sink.
func (m Multi) OnSecurityEvent(ctx context.Context, ev Event) {
	for _, s := range m {
		if s != nil {
			s.OnSecurityEvent(ctx, ev)
		}
	}
}

// LogSink writes events through the global zerolog logger. Events above the
// configured rate are counted and dropped so a flood of timeouts cannot
// drown the log.
type LogSink struct {
	limiter *rate.Limiter
	dropped atomic.Int64
}

// NewLogSink returns a LogSink that logs at most perSecond events per second
// with the given burst.
func NewLogSink(perSecond float64, burst int) *LogSink {
	if perSecond <= 0 {
		perSecond = 20
	}
	if burst <= 0 {
		burst = 50
	}
	return &LogSink{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// OnSecurityEvent implements Sink.
func (s *LogSink) OnSecurityEvent(_ context.Context, ev Event) {
	if !s.limiter.Allow() {
		s.dropped.Add(1)
		return
	}
	e := log.Warn()
	if ev.Kind == KindDecryptGranted {
		e = log.Info()
	}
	e.Str("event", string(ev.Kind)).
		Time("event_time", ev.Timestamp).
		Str("pattern_id", ev.PatternID).
		Int("input_length", ev.InputLength).
		Str("entry_id", ev.EntryID).
		Str("pattern_ref", ev.PatternRef).
		Str("origin", ev.Origin).
		Str("request_id", ev.RequestID).
		Str("reason", ev.Reason).
		Msg("security_event")
}

// Dropped reports how many events were rate limited.
func (s *LogSink) Dropped() int64 { return s.dropped.Load() }

// Async decouples producers from a slower sink through a bounded buffer.
// When the buffer is full the event is dropped and counted.
type Async struct {
	next    Sink
	ch      chan Event
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

// NewAsync starts a delivery goroutine in front of next.
func NewAsync(next Sink, buffer int) *Async {
	if buffer <= 0 {
		buffer = 256
	}
	a := &Async{
		next: next,
		ch:   make(chan Event, buffer),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	for {
		select {
		case ev := <-a.ch:
			a.deliver(ev)
		case <-a.quit:
			for {
				select {
				case ev := <-a.ch:
					a.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (a *Async) deliver(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("event", string(ev.Kind)).Msg("security event sink panicked")
		}
	}()
	a.next.OnSecurityEvent(context.Background(), ev)
}

// OnSecurityEvent implements Sink. It never blocks.
func (a *Async) OnSecurityEvent(_ context.Context, ev Event) {
	select {
	case <-a.quit:
		a.dropped.Add(1)
		return
	default:
	}
	select {
	case a.ch <- ev:
	default:
		a.dropped.Add(1)
	}
}

// Close stops accepting events and waits until buffered events are delivered.
func (a *Async) Close() {
	a.once.Do(func() { close(a.quit) })
	<-a.done
}

// Dropped reports how many events were discarded because the buffer was full
// or the sink was closed.
func (a *Async) Dropped() int64 { return a.dropped.Load() }

// Recorder keeps events in memory. The scan command uses it to report
// timeouts for a single run.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// OnSecurityEvent implements Sink.
func (r *Recorder) OnSecurityEvent(_ context.Context, ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many recorded events have the given kind.
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}
