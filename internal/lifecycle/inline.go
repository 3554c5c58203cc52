package lifecycle

import (
	"context"
	"log/slog"

	"github.com/loqalabs/loqa-dictate/internal/control"
	"github.com/loqalabs/loqa-dictate/internal/hotkey"
)

// hotkeyRunner is the part of a hotkey listener the coordinator manages.
type hotkeyRunner interface {
	Start(ctx context.Context) error
	Stop() error
}

// inlineHotkey runs the key hook inside the daemon and writes its edges
// to the control channel like the external listener would.
type inlineHotkey struct {
	hook    hotkey.KeyHook
	key     string
	network string
	address string
	log     *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
	client *control.Client
}

func (h *inlineHotkey) Start(ctx context.Context) error {
	client, err := control.Dial(ctx, h.network, h.address)
	if err != nil {
		return err
	}
	source := hotkey.NewSource(h.hook, h.key, h.log)
	if err := source.Start(); err != nil {
		_ = client.Close()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.client = client
	h.done = make(chan struct{})
	go func() {
		defer close(h.done)
		if err := source.Run(runCtx, client.Send); err != nil && runCtx.Err() == nil {
			h.log.Error("hotkey source stopped", slogError(err))
		}
	}()
	return nil
}

func (h *inlineHotkey) Stop() error {
	if h.cancel == nil {
		return nil
	}
	h.cancel()
	<-h.done
	h.cancel = nil
	return h.client.Close()
}
