package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/control"
	"github.com/loqalabs/loqa-dictate/internal/dispatch"
	"github.com/loqalabs/loqa-dictate/internal/hotkey"
	"github.com/loqalabs/loqa-dictate/internal/pipeline"
	"github.com/loqalabs/loqa-dictate/internal/status"
)

var ErrAlreadyRunning = errors.New("pipeline already running")

// Recorder receives the history of each run. Calls arrive from pipeline
// goroutines and must not block for long.
type Recorder interface {
	RunStarted(runID string, backend string)
	RunStopped(runID string)
	UtteranceDiscarded(runID string, u *pipeline.Utterance)
	Transcribed(runID string, r dispatch.Result)
}

type Deps struct {
	Device  audio.Device
	Backend dispatch.Backend
	Status  *status.Broadcaster
	// Hook is required when hotkey.mode is inline.
	Hook     hotkey.KeyHook
	Recorder Recorder
}

// Coordinator starts and stops the whole capture pipeline as one unit.
type Coordinator struct {
	cfg     config.Config
	deps    Deps
	log     *slog.Logger
	channel *audio.Channel

	mu    sync.Mutex
	run   *run
	ready atomic.Bool
	mach  atomic.Pointer[pipeline.Machine]
}

// run holds everything owned by one Start..Stop cycle.
type run struct {
	id         string
	shutdown   *Shutdown
	dispatcher *dispatch.Dispatcher
	machine    *pipeline.Machine
	loops      sync.WaitGroup
	// closers release resources in reverse order of acquisition.
	closers []func() error
}

func New(cfg config.Config, deps Deps, log *slog.Logger) (*Coordinator, error) {
	switch {
	case deps.Device == nil:
		return nil, errors.New("audio device is required")
	case deps.Backend == nil:
		return nil, errors.New("transcription backend is required")
	case deps.Status == nil:
		return nil, errors.New("status broadcaster is required")
	case cfg.Hotkey.Mode == "inline" && deps.Hook == nil:
		return nil, errors.New("inline hotkey mode requires a key hook")
	}
	log = log.With(slog.String("component", "lifecycle"))
	return &Coordinator{
		cfg:     cfg,
		deps:    deps,
		log:     log,
		channel: audio.NewChannel(deps.Device, cfg.Audio, log),
	}, nil
}

// Start brings the pipeline up. On failure everything already started is
// torn down again and the error is returned.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run != nil {
		return ErrAlreadyRunning
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.deps.Status.Set(status.Starting)
	c.ready.Store(false)
	r := &run{id: uuid.NewString(), shutdown: NewShutdown()}
	runCtx := r.shutdown.Context()

	fail := func(err error) error {
		c.log.Error("pipeline start failed", slogError(err))
		c.teardown(r, c.stopTimeout())
		c.deps.Status.Fail(err)
		c.deps.Status.Set(status.Disconnected)
		return err
	}

	if c.cfg.Backend.Local.Enabled {
		lb, err := startLocalBackend(runCtx, c.cfg.Backend.Local, c.log)
		if err != nil {
			return fail(err)
		}
		r.closers = append(r.closers, lb.Stop)
	}

	srv, err := control.Listen(c.cfg.Control.Network, c.cfg.Control.Address, c.log)
	if err != nil {
		return fail(err)
	}
	r.closers = append(r.closers, srv.Close)
	r.loops.Add(1)
	go func() {
		defer r.loops.Done()
		srv.Serve(runCtx)
	}()

	if err := c.channel.Open(); err != nil {
		return fail(fmt.Errorf("open audio channel: %w", err))
	}
	r.closers = append(r.closers, c.channel.Close)

	obs := &observer{c: c, r: r}
	r.dispatcher = dispatch.New(runCtx, c.deps.Backend, obs, dispatch.Options{
		TargetSampleRate: c.cfg.Backend.TargetSampleRate,
		Timeout:          time.Duration(c.cfg.Backend.TimeoutMS) * time.Millisecond,
		Prompt:           c.cfg.Backend.SystemPrompt,
		HistorySize:      c.cfg.Backend.HistorySize,
	}, c.log)
	r.machine = pipeline.NewMachine(pipeline.Options{
		MaxUtterance:        time.Duration(c.cfg.Pipeline.MaxUtteranceMS) * time.Millisecond,
		ForcedFlush:         pipeline.FlushPolicy(c.cfg.Pipeline.ForcedFlush),
		ReleaseOnDisconnect: c.cfg.Pipeline.ReleaseOnDisconnect,
		Accept:              c.accepting,
	}, r.dispatcher, obs, c.log)
	c.mach.Store(r.machine)
	frames := c.channel.Frames()
	r.loops.Add(1)
	go func() {
		defer r.loops.Done()
		r.machine.Run(runCtx, frames, srv.Events())
	}()

	hk, err := c.newHotkey(srv)
	if err != nil {
		return fail(err)
	}
	if hk != nil {
		if err := hk.Start(runCtx); err != nil {
			return fail(fmt.Errorf("start hotkey source: %w", err))
		}
		r.closers = append(r.closers, hk.Stop)
	}

	c.deps.Status.Set(status.WaitingForBackend)
	r.loops.Add(1)
	go func() {
		defer r.loops.Done()
		c.pollReadiness(r)
	}()

	c.run = r
	if c.deps.Recorder != nil {
		c.deps.Recorder.RunStarted(r.id, c.deps.Backend.Name())
	}
	c.log.Info("pipeline started", slog.String("run_id", r.id), slog.String("hotkey_mode", c.cfg.Hotkey.Mode))
	return nil
}

// Stop shuts the pipeline down. In-flight dispatches get until the stop
// timeout or ctx, whichever comes first. Stopping a stopped pipeline is a
// no-op.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.run
	if r == nil {
		return nil
	}
	c.run = nil

	timeout := c.stopTimeout()
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}
	err := c.teardown(r, timeout)
	if c.deps.Recorder != nil {
		c.deps.Recorder.RunStopped(r.id)
	}
	c.deps.Status.Set(status.Disconnected)
	c.log.Info("pipeline stopped", slog.String("run_id", r.id))
	return err
}

// teardown sets the shutdown signal, waits for the loops and in-flight
// dispatches up to timeout, then force-closes every resource.
func (c *Coordinator) teardown(r *run, timeout time.Duration) error {
	r.shutdown.Trigger()
	c.ready.Store(false)
	deadline := time.Now().Add(timeout)

	if !waitTimeout(&r.loops, time.Until(deadline)) {
		c.log.Warn("pipeline loops did not stop in time")
	}
	if r.dispatcher != nil && !r.dispatcher.Wait(time.Until(deadline)) {
		c.log.Warn("abandoning in-flight dispatches", slog.Int64("inflight", r.dispatcher.Inflight()))
	}

	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	c.mach.Store(nil)
	return errors.Join(errs...)
}

func (c *Coordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run != nil
}

// Ready reports whether the backend has answered since the last Start.
func (c *Coordinator) Ready() bool { return c.ready.Load() }

func (c *Coordinator) Mode() pipeline.Mode {
	if m := c.mach.Load(); m != nil {
		return m.Mode()
	}
	return pipeline.Idle
}

// Level is the latest input meter reading, 0 when stopped.
func (c *Coordinator) Level() float64 {
	if m := c.mach.Load(); m != nil {
		return m.Level()
	}
	return 0
}

func (c *Coordinator) RunID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return ""
	}
	return c.run.id
}

func (c *Coordinator) accepting() bool {
	return !c.cfg.Pipeline.DiscardUntilReady || c.ready.Load()
}

func (c *Coordinator) newHotkey(srv *control.Server) (hotkeyRunner, error) {
	addr := srv.Addr()
	switch c.cfg.Hotkey.Mode {
	case "process":
		return hotkey.NewProcess(c.cfg.Hotkey.Command, c.cfg.Hotkey.Key, addr.Network(), addr.String(),
			time.Duration(c.cfg.Hotkey.StartTimeoutMS)*time.Millisecond, c.log)
	case "inline":
		return &inlineHotkey{
			hook:    c.deps.Hook,
			key:     c.cfg.Hotkey.Key,
			network: addr.Network(),
			address: addr.String(),
			log:     c.log,
		}, nil
	case "external":
		c.log.Info("waiting for external hotkey listener", slog.String("addr", addr.String()))
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported hotkey mode %q", c.cfg.Hotkey.Mode)
	}
}

// pollReadiness asks the backend once per interval until it answers or
// the run shuts down.
func (c *Coordinator) pollReadiness(r *run) {
	interval := time.Duration(c.cfg.Backend.ReadinessIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		ctx, cancel := context.WithTimeout(r.shutdown.Context(), interval)
		ok, err := c.deps.Backend.Ready(ctx)
		cancel()
		if ok {
			c.ready.Store(true)
			c.log.Info("transcription backend ready")
			if !r.shutdown.Triggered() && r.machine.Mode() == pipeline.Idle && r.dispatcher.Inflight() == 0 {
				c.deps.Status.Set(status.Listening)
			}
			return
		}
		if err != nil {
			c.log.Debug("backend not ready", slogError(err))
		}
		select {
		case <-r.shutdown.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) stopTimeout() time.Duration {
	return time.Duration(c.cfg.Lifecycle.StopTimeoutMS) * time.Millisecond
}

// idleStatus is what the surface shows once a dispatch or discard
// completes. The finishing dispatch still counts as in flight.
func (c *Coordinator) idleStatus(r *run, finishing int64) status.Kind {
	switch {
	case r.machine != nil && r.machine.Mode() == pipeline.Recording:
		return status.Recording
	case r.dispatcher != nil && r.dispatcher.Inflight() > finishing:
		return status.Processing
	case !c.ready.Load():
		return status.WaitingForBackend
	default:
		return status.Listening
	}
}

// observer maps pipeline and dispatch callbacks onto the status surface
// and the recorder for one run.
type observer struct {
	c *Coordinator
	r *run
}

func (o *observer) UtteranceOpened(*pipeline.Utterance) {
	o.c.deps.Status.Set(status.Recording)
}

func (o *observer) UtteranceDiscarded(u *pipeline.Utterance) {
	if u.Reason == pipeline.ReasonShutdown || o.r.shutdown.Triggered() {
		return
	}
	if o.c.deps.Recorder != nil {
		o.c.deps.Recorder.UtteranceDiscarded(o.r.id, u)
	}
	o.c.deps.Status.Set(o.c.idleStatus(o.r, 0))
}

func (o *observer) DispatchStarted(*pipeline.Utterance) {
	if o.r.shutdown.Triggered() {
		return
	}
	o.c.deps.Status.Set(status.Processing)
}

func (o *observer) DispatchFinished(res dispatch.Result) {
	if o.c.deps.Recorder != nil {
		o.c.deps.Recorder.Transcribed(o.r.id, res)
	}
	if o.r.shutdown.Triggered() {
		return
	}
	if res.Err != nil {
		o.c.deps.Status.Fail(res.Err)
	}
	o.c.deps.Status.Set(o.c.idleStatus(o.r, 1))
}

func waitTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}
