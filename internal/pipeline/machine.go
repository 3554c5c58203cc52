package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/control"
	"github.com/loqalabs/loqa-dictate/internal/hotkey"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrShutdown marks work abandoned because the pipeline is stopping.
var ErrShutdown = errors.New("pipeline shutting down")

type Mode int32

const (
	Idle Mode = iota
	Recording
	Dispatching
)

func (m Mode) String() string {
	switch m {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case Dispatching:
		return "dispatching"
	default:
		return fmt.Sprintf("mode(%d)", int32(m))
	}
}

// FlushPolicy decides what follows a forced flush.
type FlushPolicy string

const (
	// FlushContinue opens a new utterance right away and keeps recording.
	FlushContinue FlushPolicy = "continue"
	// FlushStop returns to Idle until the next press.
	FlushStop FlushPolicy = "stop"
)

// Dispatcher receives frozen utterances. Submit must not block.
type Dispatcher interface {
	Submit(u *Utterance)
}

// Observer is told about utterances that never reach the dispatcher and
// about new recordings.
type Observer interface {
	UtteranceOpened(u *Utterance)
	UtteranceDiscarded(u *Utterance)
}

type Options struct {
	MaxUtterance        time.Duration
	ForcedFlush         FlushPolicy
	ReleaseOnDisconnect bool
	// Accept gates dispatch; a false result discards the utterance.
	Accept func() bool
	NewID  func() string
	Now    func() time.Time
}

// Machine is the recording state machine. Run owns all mutable state;
// Mode and Level are safe to call from any goroutine.
type Machine struct {
	opts       Options
	dispatcher Dispatcher
	observer   Observer
	log        *slog.Logger

	mode  atomic.Int32
	level atomic.Uint64
	open  *Utterance

	utterances metric.Int64Counter
	edges      metric.Int64Counter
}

func NewMachine(opts Options, dispatcher Dispatcher, observer Observer, log *slog.Logger) *Machine {
	if opts.ForcedFlush == "" {
		opts.ForcedFlush = FlushContinue
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.NewString() }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &Machine{
		opts:       opts,
		dispatcher: dispatcher,
		observer:   observer,
		log:        log.With(slog.String("component", "pipeline")),
	}
	meter := otel.Meter("github.com/loqalabs/loqa-dictate/pipeline")
	if c, err := meter.Int64Counter("loqa.dictate.utterances", metric.WithDescription("Closed utterances by reason")); err == nil {
		m.utterances = c
	}
	if c, err := meter.Int64Counter("loqa.dictate.hotkey.ignored_edges", metric.WithDescription("Coalesced or spurious hotkey edges")); err == nil {
		m.edges = c
	}
	return m
}

func (m *Machine) Mode() Mode { return Mode(m.mode.Load()) }

// Level is the most recent input meter reading in [0, 1].
func (m *Machine) Level() float64 { return math.Float64frombits(m.level.Load()) }

// Run merges frames and control messages until ctx is done. Neither
// stream is reordered. An utterance still open at shutdown is discarded.
func (m *Machine) Run(ctx context.Context, frames <-chan audio.Frame, events <-chan control.Message) {
	defer m.shutdown()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				m.log.Warn("audio stream ended")
				frames = nil
				continue
			}
			m.onFrame(f)
		case msg, ok := <-events:
			if !ok {
				events = nil
				m.onDisconnect()
				continue
			}
			if msg.Disconnected {
				m.onDisconnect()
				continue
			}
			m.onEdge(msg.Event)
		}
	}
}

func (m *Machine) onFrame(f audio.Frame) {
	m.level.Store(math.Float64bits(audio.Level(f.Samples)))
	if m.open == nil {
		return
	}
	m.open.append(f)
	if m.opts.MaxUtterance > 0 && m.open.Duration() >= m.opts.MaxUtterance {
		m.log.Warn("utterance reached max duration, forcing flush",
			slog.String("utterance_id", m.open.ID),
			slog.Duration("duration", m.open.Duration()))
		m.closeOpen(ReasonForced)
		if m.opts.ForcedFlush == FlushContinue {
			m.openUtterance()
		}
	}
}

func (m *Machine) onEdge(ev hotkey.Event) {
	switch ev.Edge {
	case hotkey.Pressed:
		if m.open != nil {
			m.ignored("coalesced_press")
			return
		}
		m.openUtterance()
	case hotkey.Released:
		if m.open == nil {
			m.ignored("spurious_release")
			return
		}
		m.closeOpen(ReasonReleased)
	}
}

func (m *Machine) onDisconnect() {
	if m.open == nil {
		return
	}
	if !m.opts.ReleaseOnDisconnect {
		m.log.Warn("control channel lost while recording, keeping utterance open")
		return
	}
	m.log.Warn("control channel lost while recording, applying release", slog.String("utterance_id", m.open.ID))
	m.closeOpen(ReasonDisconnected)
}

func (m *Machine) openUtterance() {
	m.open = &Utterance{ID: m.opts.NewID(), Started: m.opts.Now()}
	m.mode.Store(int32(Recording))
	m.log.Debug("utterance opened", slog.String("utterance_id", m.open.ID))
	if m.observer != nil {
		m.observer.UtteranceOpened(m.open)
	}
}

// closeOpen freezes the open utterance, hands it off and returns to Idle.
func (m *Machine) closeOpen(reason Reason) {
	u := m.open
	m.open = nil
	u.Closed = m.opts.Now()
	u.Reason = reason

	if m.opts.Accept != nil && !m.opts.Accept() {
		u.Reason = ReasonNotReady
		m.count(u.Reason)
		m.log.Info("backend not ready, discarding utterance", slog.String("utterance_id", u.ID))
		m.mode.Store(int32(Idle))
		if m.observer != nil {
			m.observer.UtteranceDiscarded(u)
		}
		return
	}

	m.mode.Store(int32(Dispatching))
	m.count(reason)
	m.log.Info("utterance complete",
		slog.String("utterance_id", u.ID),
		slog.String("reason", string(reason)),
		slog.Int("frames", len(u.Frames)),
		slog.Duration("duration", u.Duration()))
	m.dispatcher.Submit(u)
	m.mode.Store(int32(Idle))
}

func (m *Machine) shutdown() {
	if m.open != nil {
		u := m.open
		m.open = nil
		u.Closed = m.opts.Now()
		u.Reason = ReasonShutdown
		m.count(ReasonShutdown)
		m.log.Info("discarding open utterance on shutdown", slog.String("utterance_id", u.ID))
		if m.observer != nil {
			m.observer.UtteranceDiscarded(u)
		}
	}
	m.mode.Store(int32(Idle))
}

func (m *Machine) ignored(kind string) {
	m.log.Debug("ignoring hotkey edge", slog.String("kind", kind))
	if m.edges != nil {
		m.edges.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

func (m *Machine) count(reason Reason) {
	if m.utterances != nil {
		m.utterances.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", string(reason))))
	}
}
