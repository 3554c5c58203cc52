package hotkey

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

// ExitUnavailable is the listener exit code for a hook that could not be
// installed.
const ExitUnavailable = 3

// ReadyLine is printed by the listener once its hook is installed and it
// is connected to the control channel.
const ReadyLine = "ready"

// Process runs the hotkey listener as a child process.
type Process struct {
	args    []string
	timeout time.Duration
	log     *slog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	cancel context.CancelFunc
	done   chan struct{}
}

// NewProcess parses command and appends the listener flags for key and
// control address.
func NewProcess(command, key, network, address string, timeout time.Duration, log *slog.Logger) (*Process, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse hotkey command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("hotkey command is empty")
	}
	args = append(args, "-key", key, "-network", network, "-addr", address)
	return &Process{
		args:    args,
		timeout: timeout,
		log:     log.With(slog.String("component", "hotkey-process")),
	}, nil
}

// Start launches the listener and waits for its ready line. An early exit
// or a timeout is reported as ErrHotkeyUnavailable.
func (p *Process) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil {
		return errors.New("hotkey process already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(runCtx, p.args[0], p.args[1:]...)
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = 2 * time.Second
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("hotkey stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("%w: start listener: %v", ErrHotkeyUnavailable, err)
	}

	ready := make(chan struct{})
	done := make(chan struct{})
	var waitErr error
	go func() {
		scanner := bufio.NewScanner(stdout)
		signalled := false
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !signalled && line == ReadyLine {
				signalled = true
				close(ready)
				continue
			}
			p.log.Debug("listener output", slog.String("line", line))
		}
		waitErr = cmd.Wait()
		close(done)
	}()

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case <-ready:
	case <-done:
		cancel()
		return fmt.Errorf("%w: listener exited: %v: %s", ErrHotkeyUnavailable, exitDetail(waitErr), strings.TrimSpace(stderr.String()))
	case <-timer.C:
		cancel()
		<-done
		return fmt.Errorf("%w: listener not ready within %s", ErrHotkeyUnavailable, p.timeout)
	case <-ctx.Done():
		cancel()
		<-done
		return ctx.Err()
	}

	p.cmd = cmd
	p.cancel = cancel
	p.done = done
	p.log.Info("hotkey listener started", slog.Int("pid", cmd.Process.Pid))
	return nil
}

// Done is closed when the listener exits.
func (p *Process) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Stop interrupts the listener and waits for it. Safe to call repeatedly.
func (p *Process) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil {
		return nil
	}
	p.cancel()
	<-p.done
	p.log.Info("hotkey listener stopped")
	p.cmd = nil
	p.cancel = nil
	return nil
}

func exitDetail(err error) string {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == ExitUnavailable {
		return "hook could not be installed"
	}
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}
