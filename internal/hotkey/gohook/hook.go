// Package gohook implements hotkey.KeyHook with a global libuiohook hook.
package gohook

import (
	"fmt"
	"strings"
	"sync"
	"time"

	hook "github.com/robotn/gohook"

	"github.com/loqalabs/loqa-dictate/internal/hotkey"
)

type Hook struct {
	readyTimeout time.Duration

	mu   sync.Mutex
	stop chan struct{}
}

func New(readyTimeout time.Duration) *Hook {
	if readyTimeout <= 0 {
		readyTimeout = 2 * time.Second
	}
	return &Hook{readyTimeout: readyTimeout}
}

// Start installs the hook and waits for libuiohook to report it enabled.
func (h *Hook) Start(key string) (<-chan hotkey.KeyEvent, error) {
	code, ok := hook.Keycode[strings.ToLower(key)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", hotkey.ErrUnknownKey, key)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stop != nil {
		return nil, fmt.Errorf("hook already started")
	}

	events := hook.Start()
	timer := time.NewTimer(h.readyTimeout)
	defer timer.Stop()
	for enabled := false; !enabled; {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil, fmt.Errorf("%w: event stream closed", hotkey.ErrHotkeyUnavailable)
			}
			enabled = ev.Kind == hook.HookEnabled
		case <-timer.C:
			hook.End()
			return nil, fmt.Errorf("%w: hook not enabled within %s", hotkey.ErrHotkeyUnavailable, h.readyTimeout)
		}
	}

	stop := make(chan struct{})
	h.stop = stop
	out := make(chan hotkey.KeyEvent, 64)
	go pump(events, out, stop, code)
	return out, nil
}

func (h *Hook) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stop == nil {
		return
	}
	close(h.stop)
	h.stop = nil
	hook.End()
}

func pump(events <-chan hook.Event, out chan<- hotkey.KeyEvent, stop <-chan struct{}, code uint16) {
	defer close(out)
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Keycode != code {
				continue
			}
			var ke hotkey.KeyEvent
			switch ev.Kind {
			case hook.KeyDown, hook.KeyHold:
				ke = hotkey.KeyEvent{Down: true, At: ev.When}
			case hook.KeyUp:
				ke = hotkey.KeyEvent{Down: false, At: ev.When}
			default:
				continue
			}
			select {
			case out <- ke:
			case <-stop:
				return
			}
		}
	}
}
