// Command loqa-hotkey watches one key with a global keyboard hook and
// forwards its press and release edges to a running loqa-dictate.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/control"
	"github.com/loqalabs/loqa-dictate/internal/hotkey"
	"github.com/loqalabs/loqa-dictate/internal/hotkey/gohook"
)

func main() {
	var (
		key     string
		network string
		addr    string
	)
	flag.StringVar(&key, "key", "f12", "Key to watch")
	flag.StringVar(&network, "network", "unix", "Control channel network (unix or tcp)")
	flag.StringVar(&addr, "addr", "./data/dictate-control.sock", "Control channel address")
	flag.Parse()

	// stdout carries only the ready line; logs go to stderr.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	source := hotkey.NewSource(gohook.New(2*time.Second), key, logger)
	if err := source.Start(); err != nil {
		logger.Error("hotkey unavailable", slog.String("error", err.Error()))
		if errors.Is(err, hotkey.ErrUnknownKey) {
			os.Exit(2)
		}
		os.Exit(hotkey.ExitUnavailable)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	client, err := control.Dial(dialCtx, network, addr)
	cancel()
	if err != nil {
		logger.Error("failed to connect control channel", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer client.Close()

	fmt.Println(hotkey.ReadyLine)

	if err := source.Run(ctx, client.Send); err != nil {
		logger.Error("hotkey listener stopped", slog.String("error", err.Error()))
		client.Close()
		os.Exit(1)
	}
}
