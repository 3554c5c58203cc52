package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/dispatch"
	"github.com/loqalabs/loqa-dictate/internal/hotkey"
	"github.com/loqalabs/loqa-dictate/internal/pipeline"
	"github.com/loqalabs/loqa-dictate/internal/status"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeDevice struct {
	mu      sync.Mutex
	openErr error
	opens   int
	closes  int
	cb      func([]int16)
}

var fakeMic = audio.DeviceInfo{Index: 0, Name: "fake mic", MaxInputChannels: 1, DefaultSampleRate: 16000}

func (d *fakeDevice) Devices() ([]audio.DeviceInfo, error) { return []audio.DeviceInfo{fakeMic}, nil }
func (d *fakeDevice) DefaultInput() (audio.DeviceInfo, error) { return fakeMic, nil }

func (d *fakeDevice) Open(_ audio.Params, cb func([]int16)) (audio.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.openErr != nil {
		return nil, d.openErr
	}
	d.opens++
	d.cb = cb
	return &fakeStream{d: d}, nil
}

func (d *fakeDevice) emit(samples []int16) {
	d.mu.Lock()
	cb := d.cb
	d.mu.Unlock()
	if cb != nil {
		cb(samples)
	}
}

func (d *fakeDevice) counts() (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens, d.closes
}

type fakeStream struct{ d *fakeDevice }

func (s *fakeStream) Close() error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	s.d.closes++
	s.d.cb = nil
	return nil
}

type fakeHook struct {
	mu     sync.Mutex
	err    error
	events chan hotkey.KeyEvent
	starts int
	stops  int
}

func (h *fakeHook) Start(string) (<-chan hotkey.KeyEvent, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return nil, h.err
	}
	h.starts++
	h.events = make(chan hotkey.KeyEvent, 8)
	return h.events, nil
}

func (h *fakeHook) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stops++
}

func (h *fakeHook) send(down bool) {
	h.mu.Lock()
	ch := h.events
	h.mu.Unlock()
	ch <- hotkey.KeyEvent{Down: down, At: time.Now()}
}

func (h *fakeHook) counts() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.starts, h.stops
}

type fakeBackend struct {
	ready   atomic.Bool
	calls   atomic.Int64
	entered chan dispatch.Request
	block   bool
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Transcribe(ctx context.Context, req dispatch.Request) (string, error) {
	b.calls.Add(1)
	if b.entered != nil {
		b.entered <- req
	}
	if b.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return "hello", nil
}

func (b *fakeBackend) Ready(context.Context) (bool, error) {
	if b.ready.Load() {
		return true, nil
	}
	return false, errors.New("connection refused")
}

type fakeRecorder struct {
	started   atomic.Int64
	stopped   atomic.Int64
	results   chan dispatch.Result
	discarded chan *pipeline.Utterance
}

func newRecorder() *fakeRecorder {
	return &fakeRecorder{results: make(chan dispatch.Result, 16), discarded: make(chan *pipeline.Utterance, 16)}
}

func (r *fakeRecorder) RunStarted(string, string) { r.started.Add(1) }
func (r *fakeRecorder) RunStopped(string)         { r.stopped.Add(1) }
func (r *fakeRecorder) UtteranceDiscarded(_ string, u *pipeline.Utterance) {
	r.discarded <- u
}
func (r *fakeRecorder) Transcribed(_ string, res dispatch.Result) { r.results <- res }

type fixture struct {
	c       *Coordinator
	dev     *fakeDevice
	hook    *fakeHook
	backend *fakeBackend
	rec     *fakeRecorder
	status  *status.Broadcaster
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Control.Network = "tcp"
	cfg.Control.Address = "127.0.0.1:0"
	cfg.Hotkey.Mode = "inline"
	cfg.Backend.ReadinessIntervalMS = 10
	cfg.Backend.TargetSampleRate = 16000
	cfg.Lifecycle.StopTimeoutMS = 2000
	return cfg
}

func newFixture(t *testing.T, cfg config.Config) *fixture {
	t.Helper()
	f := &fixture{
		dev:     &fakeDevice{},
		hook:    &fakeHook{},
		backend: &fakeBackend{},
		rec:     newRecorder(),
		status:  status.NewBroadcaster(newLogger()),
	}
	f.backend.ready.Store(true)
	c, err := New(cfg, Deps{
		Device:   f.dev,
		Backend:  f.backend,
		Status:   f.status,
		Hook:     f.hook,
		Recorder: f.rec,
	}, newLogger())
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	f.c = c
	t.Cleanup(func() { _ = c.Stop(context.Background()) })
	return f
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (f *fixture) statusIs(kind status.Kind) func() bool {
	return func() bool { return f.status.Current().Kind == kind }
}

// speak records one loud frame between a press and a release.
func (f *fixture) speak(t *testing.T) {
	t.Helper()
	f.hook.send(true)
	waitFor(t, "recording", func() bool { return f.c.Mode() == pipeline.Recording })
	frame := make([]int16, 320)
	for i := range frame {
		frame[i] = 8000
	}
	f.dev.emit(frame)
	waitFor(t, "frame consumed", func() bool { return f.c.Level() > 0 })
	f.hook.send(false)
}

func TestDictationEndToEnd(t *testing.T) {
	f := newFixture(t, testConfig())
	f.backend.entered = make(chan dispatch.Request, 1)
	updates, cancel := f.status.Subscribe(32)
	defer cancel()

	if err := f.c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "listening", f.statusIs(status.Listening))
	for _, want := range []status.Kind{status.Starting, status.WaitingForBackend, status.Listening} {
		if got := (<-updates).Kind; got != want {
			t.Fatalf("expected %s, got %s", want, got)
		}
	}

	f.speak(t)

	req := <-f.backend.entered
	if req.SampleRate != 16000 || len(req.PCM) != 320 {
		t.Fatalf("unexpected request: rate=%d samples=%d", req.SampleRate, len(req.PCM))
	}
	select {
	case res := <-f.rec.results:
		if res.Err != nil || res.Text != "hello" {
			t.Fatalf("unexpected result %+v", res)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for transcript")
	}
	waitFor(t, "listening after dispatch", f.statusIs(status.Listening))
}

func TestUtterancesDiscardedUntilBackendReady(t *testing.T) {
	f := newFixture(t, testConfig())
	f.backend.ready.Store(false)

	if err := f.c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := f.status.Current().Kind; got != status.WaitingForBackend {
		t.Fatalf("expected WaitingForBackend, got %s", got)
	}

	f.speak(t)

	select {
	case u := <-f.rec.discarded:
		if u.Reason != pipeline.ReasonNotReady {
			t.Fatalf("expected not_ready discard, got %s", u.Reason)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for discard")
	}
	if f.backend.calls.Load() != 0 {
		t.Fatal("backend must not be called before it is ready")
	}
	waitFor(t, "waiting for backend", f.statusIs(status.WaitingForBackend))

	f.backend.ready.Store(true)
	waitFor(t, "listening", f.statusIs(status.Listening))
	if !f.c.Ready() {
		t.Fatal("expected coordinator ready")
	}
}

func TestStopIsIdempotentAndRestartable(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	if err := f.c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.c.Start(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	firstRun := f.c.RunID()

	if err := f.c.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := f.c.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if f.c.Running() {
		t.Fatal("expected stopped coordinator")
	}
	if got := f.status.Current().Kind; got != status.Disconnected {
		t.Fatalf("expected Disconnected, got %s", got)
	}

	if err := f.c.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if f.c.RunID() == firstRun {
		t.Fatal("expected a fresh run id")
	}
	opens, closes := f.dev.counts()
	if opens != 2 || closes != 1 {
		t.Fatalf("expected 2 opens and 1 close, got %d/%d", opens, closes)
	}
	if err := f.c.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	opens, closes = f.dev.counts()
	if opens != closes {
		t.Fatalf("device handles leaked: %d opens, %d closes", opens, closes)
	}
	starts, stops := f.hook.counts()
	if starts != 2 || stops != 2 {
		t.Fatalf("expected hook started and stopped twice, got %d/%d", starts, stops)
	}
	if f.rec.started.Load() != 2 || f.rec.stopped.Load() != 2 {
		t.Fatalf("unexpected run records %d/%d", f.rec.started.Load(), f.rec.stopped.Load())
	}
}

func TestStartFailureRollsBack(t *testing.T) {
	t.Run("device", func(t *testing.T) {
		f := newFixture(t, testConfig())
		f.dev.openErr = audio.ErrDeviceUnavailable

		err := f.c.Start(context.Background())
		if !errors.Is(err, audio.ErrDeviceUnavailable) {
			t.Fatalf("expected device error, got %v", err)
		}
		if f.c.Running() {
			t.Fatal("coordinator must not be running")
		}
		if got := f.status.Current().Kind; got != status.Disconnected {
			t.Fatalf("expected Disconnected, got %s", got)
		}
		if f.rec.started.Load() != 0 {
			t.Fatal("failed start must not record a run")
		}

		f.dev.mu.Lock()
		f.dev.openErr = nil
		f.dev.mu.Unlock()
		if err := f.c.Start(context.Background()); err != nil {
			t.Fatalf("start after failure: %v", err)
		}
	})

	t.Run("hotkey", func(t *testing.T) {
		f := newFixture(t, testConfig())
		f.hook.err = errors.New("accessibility permission denied")

		err := f.c.Start(context.Background())
		if !errors.Is(err, hotkey.ErrHotkeyUnavailable) {
			t.Fatalf("expected hotkey error, got %v", err)
		}
		opens, closes := f.dev.counts()
		if opens != 1 || closes != 1 {
			t.Fatalf("expected device opened and closed once, got %d/%d", opens, closes)
		}
		if f.c.Mode() != pipeline.Idle {
			t.Fatalf("expected Idle, got %s", f.c.Mode())
		}
	})
}

func TestStopAbandonsInflightDispatch(t *testing.T) {
	f := newFixture(t, testConfig())
	f.backend.block = true
	f.backend.entered = make(chan dispatch.Request, 1)

	if err := f.c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "listening", f.statusIs(status.Listening))
	f.speak(t)
	<-f.backend.entered
	waitFor(t, "processing", f.statusIs(status.Processing))

	start := time.Now()
	if err := f.c.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("stop took %s", elapsed)
	}
	select {
	case res := <-f.rec.results:
		t.Fatalf("abandoned dispatch must not be recorded, got %+v", res)
	default:
	}
	if got := f.status.Current().Kind; got != status.Disconnected {
		t.Fatalf("expected Disconnected, got %s", got)
	}
}

func TestNewValidatesDeps(t *testing.T) {
	cfg := testConfig()
	if _, err := New(cfg, Deps{Backend: &fakeBackend{}, Status: status.NewBroadcaster(newLogger())}, newLogger()); err == nil {
		t.Fatal("expected error without device")
	}
	if _, err := New(cfg, Deps{Device: &fakeDevice{}, Backend: &fakeBackend{}, Status: status.NewBroadcaster(newLogger())}, newLogger()); err == nil {
		t.Fatal("expected error for inline mode without hook")
	}
}

func TestShutdownSignal(t *testing.T) {
	s := NewShutdown()
	if s.Triggered() {
		t.Fatal("new signal must not be set")
	}
	s.Trigger()
	s.Trigger()
	select {
	case <-s.Done():
	default:
		t.Fatal("expected done after trigger")
	}
	if !errors.Is(s.Context().Err(), context.Canceled) {
		t.Fatalf("expected cancelled context, got %v", s.Context().Err())
	}
}

func TestLocalBackendIsStopped(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	lb, err := startLocalBackend(context.Background(), config.LocalBackendConfig{Command: "sh -c 'echo serving; exec sleep 30'"}, newLogger())
	if err != nil {
		t.Fatalf("start local backend: %v", err)
	}
	done := make(chan struct{})
	go func() {
		_ = lb.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("local backend did not stop")
	}

	if _, err := startLocalBackend(context.Background(), config.LocalBackendConfig{Command: ""}, newLogger()); err == nil {
		t.Fatal("expected error for empty command")
	}
}
