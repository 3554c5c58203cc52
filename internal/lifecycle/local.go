package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/mattn/go-shellwords"
)

// localBackend supervises a transcription server started by the daemon.
type localBackend struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	done   chan struct{}
	log    *slog.Logger
}

func startLocalBackend(ctx context.Context, cfg config.LocalBackendConfig, log *slog.Logger) (*localBackend, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse local backend command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("local backend command is empty")
	}

	log = log.With(slog.String("component", "local-backend"))
	runCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(runCtx, args[0], args[1:]...)
	cmd.Dir = cfg.Dir
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = 5 * time.Second
	cmd.Stdout = &lineLogger{log: log, stream: "stdout"}
	cmd.Stderr = &lineLogger{log: log, stream: "stderr"}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start local backend: %w", err)
	}

	lb := &localBackend{cmd: cmd, cancel: cancel, done: make(chan struct{}), log: log}
	go func() {
		err := cmd.Wait()
		if runCtx.Err() == nil {
			log.Warn("local backend exited", slogError(err))
		}
		close(lb.done)
	}()
	log.Info("local backend started", slog.Int("pid", cmd.Process.Pid), slog.String("command", args[0]))
	return lb, nil
}

// Stop interrupts the process and waits for it to exit.
func (lb *localBackend) Stop() error {
	lb.cancel()
	<-lb.done
	lb.log.Info("local backend stopped")
	return nil
}

// lineLogger forwards child output to the logger one line at a time.
type lineLogger struct {
	log    *slog.Logger
	stream string
	mu     sync.Mutex
	buf    []byte
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		if line := bytes.TrimSpace(l.buf[:i]); len(line) > 0 {
			l.log.Info("backend output", slog.String("stream", l.stream), slog.String("line", string(line)))
		}
		l.buf = l.buf[i+1:]
	}
	return len(p), nil
}
