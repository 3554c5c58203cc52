package status

import (
	"log/slog"
	"sync"
	"time"
)

type Kind string

const (
	Disconnected      Kind = "Disconnected"
	Starting          Kind = "Starting"
	WaitingForBackend Kind = "WaitingForBackend"
	Listening         Kind = "Listening"
	Recording         Kind = "Recording"
	Processing        Kind = "Processing"
	Error             Kind = "Error"
)

// Value is a point-in-time pipeline status. Detail is only set for Error.
type Value struct {
	Kind   Kind      `json:"kind"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

func (v Value) String() string {
	if v.Detail == "" {
		return string(v.Kind)
	}
	return string(v.Kind) + ": " + v.Detail
}

// Sink receives every status change in order.
type Sink interface {
	StatusChanged(v Value)
}

type SinkFunc func(v Value)

func (f SinkFunc) StatusChanged(v Value) { f(v) }

// Broadcaster holds the current status and fans changes out to sinks and
// subscribers. Sinks run synchronously under the broadcaster lock, so
// they see changes in order and must not call back into it.
type Broadcaster struct {
	mu      sync.Mutex
	current Value
	sinks   []Sink
	subs    map[int]chan Value
	nextID  int
	log     *slog.Logger
	clock   func() time.Time
}

func NewBroadcaster(log *slog.Logger, sinks ...Sink) *Broadcaster {
	b := &Broadcaster{
		sinks: sinks,
		subs:  make(map[int]chan Value),
		log:   log.With(slog.String("component", "status")),
		clock: time.Now,
	}
	b.current = Value{Kind: Disconnected, At: b.clock()}
	return b
}

// AddSink registers a sink for subsequent changes.
func (b *Broadcaster) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

func (b *Broadcaster) Set(kind Kind) { b.publish(Value{Kind: kind}) }

func (b *Broadcaster) Fail(err error) {
	detail := "unknown error"
	if err != nil {
		detail = err.Error()
	}
	b.publish(Value{Kind: Error, Detail: detail})
}

func (b *Broadcaster) Current() Value {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Subscribe returns a channel of future changes and a cancel func. A
// subscriber that falls behind misses values rather than blocking.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Value, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Value, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Broadcaster) publish(v Value) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v.At = b.clock()
	if v.Kind == b.current.Kind && v.Detail == b.current.Detail {
		return
	}
	b.current = v
	b.log.Info("status changed", slog.String("status", v.String()))
	for _, s := range b.sinks {
		s.StatusChanged(v)
	}
	for _, ch := range b.subs {
		select {
		case ch <- v:
		default:
		}
	}
}
