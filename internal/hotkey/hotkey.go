package hotkey

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

var (
	ErrHotkeyUnavailable = errors.New("hotkey hook unavailable")
	ErrUnknownKey        = errors.New("unknown hotkey")
)

type Edge int

const (
	Pressed Edge = iota + 1
	Released
)

func (e Edge) String() string {
	switch e {
	case Pressed:
		return "pressed"
	case Released:
		return "released"
	default:
		return fmt.Sprintf("edge(%d)", int(e))
	}
}

// ParseEdge is the inverse of Edge.String.
func ParseEdge(s string) (Edge, error) {
	switch strings.ToLower(s) {
	case "pressed":
		return Pressed, nil
	case "released":
		return Released, nil
	}
	return 0, fmt.Errorf("unknown edge %q", s)
}

// Event is a single key edge.
type Event struct {
	Edge Edge
	Seq  uint64
	At   time.Time
}

// KeyEvent is a raw, level-style notification from a keyboard hook. Auto
// repeat shows up as repeated Down events.
type KeyEvent struct {
	Down bool
	At   time.Time
}

// KeyHook installs a global keyboard hook for one key.
type KeyHook interface {
	Start(key string) (<-chan KeyEvent, error)
	Stop()
}

// EdgeDetector turns level notifications into edges.
type EdgeDetector struct {
	down bool
}

func (d *EdgeDetector) Feed(ev KeyEvent) (Edge, bool) {
	switch {
	case ev.Down && !d.down:
		d.down = true
		return Pressed, true
	case !ev.Down && d.down:
		d.down = false
		return Released, true
	}
	return 0, false
}

// Source reads a KeyHook and forwards edges.
type Source struct {
	hook KeyHook
	key  string
	log  *slog.Logger
	seq  atomic.Uint64

	events <-chan KeyEvent
}

func NewSource(hook KeyHook, key string, log *slog.Logger) *Source {
	return &Source{
		hook: hook,
		key:  key,
		log:  log.With(slog.String("component", "hotkey-source"), slog.String("key", key)),
	}
}

// Start installs the hook. Failures are reported synchronously.
func (s *Source) Start() error {
	events, err := s.hook.Start(s.key)
	if err != nil {
		if errors.Is(err, ErrUnknownKey) {
			return err
		}
		if !errors.Is(err, ErrHotkeyUnavailable) {
			err = fmt.Errorf("%w: %v", ErrHotkeyUnavailable, err)
		}
		return err
	}
	s.events = events
	s.log.Info("hotkey hook installed")
	return nil
}

// Run forwards edges to emit until ctx is done or the hook stops. An emit
// error ends the loop.
func (s *Source) Run(ctx context.Context, emit func(Event) error) error {
	if s.events == nil {
		return errors.New("hotkey source not started")
	}
	defer s.hook.Stop()

	var detector EdgeDetector
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-s.events:
			if !ok {
				return errors.New("hotkey hook closed")
			}
			edge, changed := detector.Feed(ev)
			if !changed {
				continue
			}
			at := ev.At
			if at.IsZero() {
				at = time.Now()
			}
			out := Event{Edge: edge, Seq: s.seq.Add(1), At: at}
			s.log.Debug("hotkey edge", slog.String("edge", edge.String()), slog.Uint64("seq", out.Seq))
			if err := emit(out); err != nil {
				return fmt.Errorf("emit hotkey edge: %w", err)
			}
		}
	}
}
