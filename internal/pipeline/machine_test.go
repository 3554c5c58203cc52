package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/control"
	"github.com/loqalabs/loqa-dictate/internal/hotkey"
)

const (
	testRate      = 16000
	samplesPer32 = testRate * 32 / 1000
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeDispatcher struct {
	mu         sync.Mutex
	utterances []*Utterance
	gate       chan struct{}
	finished   sync.WaitGroup
}

func (d *fakeDispatcher) Submit(u *Utterance) {
	d.mu.Lock()
	d.utterances = append(d.utterances, u)
	d.mu.Unlock()
	if d.gate != nil {
		d.finished.Add(1)
		go func() {
			defer d.finished.Done()
			<-d.gate
		}()
	}
}

func (d *fakeDispatcher) submitted() []*Utterance {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Utterance(nil), d.utterances...)
}

type fakeObserver struct {
	mu        sync.Mutex
	opened    int
	discarded []*Utterance
}

func (o *fakeObserver) UtteranceOpened(*Utterance) {
	o.mu.Lock()
	o.opened++
	o.mu.Unlock()
}

func (o *fakeObserver) UtteranceDiscarded(u *Utterance) {
	o.mu.Lock()
	o.discarded = append(o.discarded, u)
	o.mu.Unlock()
}

type harness struct {
	t      *testing.T
	m      *Machine
	disp   *fakeDispatcher
	obs    *fakeObserver
	frames chan audio.Frame
	events chan control.Message
	cancel context.CancelFunc
	done   chan struct{}
	seq    uint64
	sent   int
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		disp:   &fakeDispatcher{},
		obs:    &fakeObserver{},
		frames: make(chan audio.Frame),
		events: make(chan control.Message),
		done:   make(chan struct{}),
	}
	var ids int
	opts.NewID = func() string { ids++; return fmt.Sprintf("u%d", ids) }
	h.m = NewMachine(opts, h.disp, h.obs, newLogger())
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		defer close(h.done)
		h.m.Run(ctx, h.frames, h.events)
	}()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) edge(e hotkey.Edge) {
	h.seq++
	h.events <- control.Message{Event: hotkey.Event{Edge: e, Seq: h.seq, At: time.Now()}}
}

func (h *harness) press()      { h.edge(hotkey.Pressed) }
func (h *harness) release()    { h.edge(hotkey.Released) }
func (h *harness) disconnect() { h.events <- control.Message{Disconnected: true} }

func (h *harness) frame(n int) {
	for i := 0; i < n; i++ {
		h.sent++
		samples := make([]int16, samplesPer32)
		samples[0] = int16(h.sent)
		h.frames <- audio.Frame{Samples: samples, Channels: 1, SampleRate: testRate, At: time.Now()}
	}
}

// stop cancels the loop and waits for it, so every sent item is processed.
func (h *harness) stop() {
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		h.t.Fatal("machine did not stop")
	}
}

func TestPressReleaseDispatchesOneUtterance(t *testing.T) {
	h := newHarness(t, Options{MaxUtterance: time.Minute})
	h.press()
	h.frame(10)
	h.release()
	h.frame(1)

	got := h.disp.submitted()
	if len(got) != 1 {
		t.Fatalf("expected 1 utterance, got %d", len(got))
	}
	u := got[0]
	if len(u.Frames) != 10 {
		t.Fatalf("expected 10 frames, got %d", len(u.Frames))
	}
	if u.Reason != ReasonReleased {
		t.Fatalf("expected released reason, got %s", u.Reason)
	}
	if u.Duration() != 320*time.Millisecond {
		t.Fatalf("expected 320ms, got %v", u.Duration())
	}
	for i, f := range u.Frames {
		if int(f.Samples[0]) != i+1 {
			t.Fatalf("frame %d out of order: marker %d", i, f.Samples[0])
		}
	}
	if h.m.Mode() != Idle {
		t.Fatalf("expected idle, got %s", h.m.Mode())
	}
}

func TestForcedFlushContinue(t *testing.T) {
	h := newHarness(t, Options{MaxUtterance: 5 * time.Second, ForcedFlush: FlushContinue})
	h.press()
	h.frame(160)
	if h.m.Mode() != Recording {
		t.Fatalf("expected recording after forced flush, got %s", h.m.Mode())
	}
	h.release()
	h.stop()

	got := h.disp.submitted()
	if len(got) != 2 {
		t.Fatalf("expected 2 utterances, got %d", len(got))
	}
	if !got[0].Forced() || len(got[0].Frames) != 157 {
		t.Fatalf("expected forced utterance of 157 frames, got forced=%v frames=%d", got[0].Forced(), len(got[0].Frames))
	}
	if got[0].Duration() < 5*time.Second {
		t.Fatalf("forced before the cap: %v", got[0].Duration())
	}
	if got[1].Reason != ReasonReleased || len(got[1].Frames) != 3 {
		t.Fatalf("expected continuation of 3 frames, got reason=%s frames=%d", got[1].Reason, len(got[1].Frames))
	}
}

func TestForcedFlushStop(t *testing.T) {
	h := newHarness(t, Options{MaxUtterance: 5 * time.Second, ForcedFlush: FlushStop})
	h.press()
	h.frame(160)
	if h.m.Mode() != Idle {
		t.Fatalf("expected idle after forced flush, got %s", h.m.Mode())
	}
	h.release()
	h.stop()

	got := h.disp.submitted()
	if len(got) != 1 || !got[0].Forced() {
		t.Fatalf("expected a single forced utterance, got %d", len(got))
	}
}

func TestDisconnectAppliesRelease(t *testing.T) {
	h := newHarness(t, Options{MaxUtterance: time.Minute, ReleaseOnDisconnect: true})
	h.press()
	h.frame(31)
	h.disconnect()
	h.frame(5)
	h.stop()

	got := h.disp.submitted()
	if len(got) != 1 {
		t.Fatalf("expected 1 utterance, got %d", len(got))
	}
	if got[0].Reason != ReasonDisconnected || len(got[0].Frames) != 31 {
		t.Fatalf("expected 31 frames closed by disconnect, got reason=%s frames=%d", got[0].Reason, len(got[0].Frames))
	}
}

func TestDisconnectKeptOpenWhenDisabled(t *testing.T) {
	h := newHarness(t, Options{MaxUtterance: time.Minute})
	h.press()
	h.frame(3)
	h.disconnect()
	h.frame(1)
	if h.m.Mode() != Recording {
		t.Fatalf("expected recording, got %s", h.m.Mode())
	}
	h.stop()
	if len(h.disp.submitted()) != 0 {
		t.Fatal("expected no dispatch")
	}
}

func TestSpuriousReleaseIsNoop(t *testing.T) {
	h := newHarness(t, Options{MaxUtterance: time.Minute})
	h.release()
	h.frame(2)
	h.release()
	h.stop()
	if len(h.disp.submitted()) != 0 {
		t.Fatal("spurious release must not dispatch")
	}
	if h.obs.opened != 0 {
		t.Fatal("spurious release must not open an utterance")
	}
}

func TestDuplicatePressIsCoalesced(t *testing.T) {
	h := newHarness(t, Options{MaxUtterance: time.Minute})
	h.press()
	h.frame(2)
	h.press()
	h.frame(2)
	h.release()
	h.stop()

	got := h.disp.submitted()
	if len(got) != 1 || len(got[0].Frames) != 4 {
		t.Fatalf("expected one utterance with 4 frames, got %d utterances", len(got))
	}
}

func TestSlowDispatchDoesNotBlockNextUtterance(t *testing.T) {
	h := newHarness(t, Options{MaxUtterance: time.Minute})
	h.disp.gate = make(chan struct{})
	h.press()
	h.frame(3)
	h.release()

	// first dispatch is still in flight
	h.press()
	h.frame(4)
	if h.m.Mode() != Recording {
		t.Fatalf("expected recording while U1 in flight, got %s", h.m.Mode())
	}
	h.release()
	h.stop()
	close(h.disp.gate)
	h.disp.finished.Wait()

	got := h.disp.submitted()
	if len(got) != 2 || len(got[1].Frames) != 4 {
		t.Fatalf("expected second utterance of 4 frames, got %d utterances", len(got))
	}
}

func TestShutdownDiscardsOpenUtterance(t *testing.T) {
	h := newHarness(t, Options{MaxUtterance: time.Minute})
	h.press()
	h.frame(5)
	h.stop()

	if len(h.disp.submitted()) != 0 {
		t.Fatal("expected no dispatch on shutdown")
	}
	if len(h.obs.discarded) != 1 || h.obs.discarded[0].Reason != ReasonShutdown {
		t.Fatalf("expected one discarded utterance, got %+v", h.obs.discarded)
	}
	if h.m.Mode() != Idle {
		t.Fatalf("expected idle after shutdown, got %s", h.m.Mode())
	}
}

func TestNotReadyDiscards(t *testing.T) {
	h := newHarness(t, Options{MaxUtterance: time.Minute, Accept: func() bool { return false }})
	h.press()
	h.frame(2)
	h.release()
	h.stop()
	if len(h.disp.submitted()) != 0 {
		t.Fatal("expected no dispatch while backend not ready")
	}
	if len(h.obs.discarded) != 1 || h.obs.discarded[0].Reason != ReasonNotReady {
		t.Fatalf("expected not-ready discard, got %+v", h.obs.discarded)
	}
}

func TestDispatchCountMatchesEdgePairs(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for run := 0; run < 20; run++ {
		h := newHarness(t, Options{MaxUtterance: time.Hour})
		open := false
		want := 0
		framesWhileOpen := 0
		for step := 0; step < 60; step++ {
			switch rng.Intn(3) {
			case 0:
				h.press()
				open = true
			case 1:
				h.release()
				if open {
					want++
					open = false
				}
			default:
				h.frame(1)
				if open {
					framesWhileOpen++
				}
			}
		}
		if open {
			h.release()
			want++
		}
		h.stop()

		got := h.disp.submitted()
		if len(got) != want {
			t.Fatalf("run %d: expected %d utterances, got %d", run, want, len(got))
		}
		total := 0
		for _, u := range got {
			total += len(u.Frames)
		}
		if total != framesWhileOpen {
			t.Fatalf("run %d: expected %d frames captured, got %d", run, framesWhileOpen, total)
		}
	}
}

func TestLevelTracksFrames(t *testing.T) {
	h := newHarness(t, Options{MaxUtterance: time.Minute})
	loud := make([]int16, samplesPer32)
	for i := range loud {
		loud[i] = 20000
	}
	h.frames <- audio.Frame{Samples: loud, Channels: 1, SampleRate: testRate}
	h.frame(1)
	h.stop()
	if h.m.Level() <= 0 {
		t.Fatalf("expected positive level, got %f", h.m.Level())
	}
}

func TestUtteranceSamples(t *testing.T) {
	u := &Utterance{}
	u.append(audio.Frame{Samples: []int16{1, 2, 3, 4}, Channels: 2, SampleRate: 8000})
	u.append(audio.Frame{Samples: []int16{5, 6}, Channels: 2, SampleRate: 8000})
	s := u.Samples()
	if len(s) != 6 || s[4] != 5 {
		t.Fatalf("unexpected samples %v", s)
	}
	if u.Channels() != 2 || u.SampleRate() != 8000 {
		t.Fatalf("unexpected format %d/%d", u.Channels(), u.SampleRate())
	}
	if u.Duration() != 375*time.Microsecond {
		t.Fatalf("unexpected duration %v", u.Duration())
	}
}
