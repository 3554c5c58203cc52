package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/pipeline"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Result is the outcome of one dispatched utterance.
type Result struct {
	UtteranceID string
	Reason      pipeline.Reason
	Text        string
	Err         error
	Audio       time.Duration
	Latency     time.Duration
	At          time.Time
}

// Observer brackets each dispatch. DispatchFinished is not called for
// work abandoned at shutdown.
type Observer interface {
	DispatchStarted(u *pipeline.Utterance)
	DispatchFinished(r Result)
}

type Options struct {
	TargetSampleRate int
	Timeout          time.Duration
	Prompt           string
	HistorySize      int
}

// Dispatcher sends utterances to a backend without blocking the caller.
// Each utterance gets its own goroutine; ctx cancellation abandons all
// in-flight work.
type Dispatcher struct {
	ctx      context.Context
	backend  Backend
	observer Observer
	opts     Options
	log      *slog.Logger

	wg       sync.WaitGroup
	inflight atomic.Int64

	mu      sync.Mutex
	history []string

	latency  metric.Float64Histogram
	failures metric.Int64Counter
	tracer   trace.Tracer
}

func New(ctx context.Context, backend Backend, observer Observer, opts Options, log *slog.Logger) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 45 * time.Second
	}
	d := &Dispatcher{
		ctx:      ctx,
		backend:  backend,
		observer: observer,
		opts:     opts,
		log:      log.With(slog.String("component", "dispatch"), slog.String("backend", backend.Name())),
		tracer:   otel.Tracer("github.com/loqalabs/loqa-dictate/dispatch"),
	}
	meter := otel.Meter("github.com/loqalabs/loqa-dictate/dispatch")
	if h, err := meter.Float64Histogram("loqa.dictate.dispatch.latency", metric.WithUnit("s"), metric.WithDescription("Backend round trip per utterance")); err == nil {
		d.latency = h
	}
	if c, err := meter.Int64Counter("loqa.dictate.dispatch.failures", metric.WithDescription("Failed dispatches by kind")); err == nil {
		d.failures = c
	}
	return d
}

// Submit starts the dispatch and returns immediately.
func (d *Dispatcher) Submit(u *pipeline.Utterance) {
	d.wg.Add(1)
	d.inflight.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.inflight.Add(-1)
		d.dispatch(u)
	}()
}

// Inflight is the number of dispatches not yet finished.
func (d *Dispatcher) Inflight() int64 { return d.inflight.Load() }

// Wait blocks until in-flight dispatches finish or timeout passes and
// reports whether they all finished.
func (d *Dispatcher) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (d *Dispatcher) dispatch(u *pipeline.Utterance) {
	if d.observer != nil {
		d.observer.DispatchStarted(u)
	}
	ctx, span := d.tracer.Start(d.ctx, "dispatch.transcribe", trace.WithAttributes(
		attribute.String("utterance.id", u.ID),
		attribute.String("utterance.reason", string(u.Reason)),
		attribute.Int64("utterance.audio_ms", u.Duration().Milliseconds()),
	))
	defer span.End()

	start := time.Now()
	res := Result{UtteranceID: u.ID, Reason: u.Reason, Audio: u.Duration()}

	pcm := audio.ToMono(u.Samples(), u.Channels())
	rate := u.SampleRate()
	if d.opts.TargetSampleRate > 0 && rate > 0 {
		pcm = audio.Resample(pcm, rate, d.opts.TargetSampleRate)
		rate = d.opts.TargetSampleRate
	}

	if len(pcm) == 0 {
		d.log.Debug("empty utterance, skipping backend", slog.String("utterance_id", u.ID))
	} else {
		text, err := d.transcribe(ctx, Request{
			UtteranceID: u.ID,
			PCM:         pcm,
			SampleRate:  rate,
			Prompt:      d.opts.Prompt,
			History:     d.recent(),
		})
		res.Text = strings.TrimSpace(text)
		res.Err = err
	}
	res.Latency = time.Since(start)
	res.At = time.Now()

	if errors.Is(res.Err, pipeline.ErrShutdown) {
		span.SetStatus(codes.Error, "shutdown")
		d.log.Debug("dispatch abandoned on shutdown", slog.String("utterance_id", u.ID))
		return
	}
	if d.latency != nil {
		d.latency.Record(context.Background(), res.Latency.Seconds())
	}
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
		d.countFailure(res.Err)
		d.log.Warn("transcription failed", slog.String("utterance_id", u.ID), slogError(res.Err))
	} else {
		d.remember(res.Text)
		d.log.Info("transcription complete",
			slog.String("utterance_id", u.ID),
			slog.Int("chars", len(res.Text)),
			slog.Duration("latency", res.Latency))
	}
	if d.observer != nil {
		d.observer.DispatchFinished(res)
	}
}

func (d *Dispatcher) transcribe(ctx context.Context, req Request) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()
	text, err := d.backend.Transcribe(reqCtx, req)
	if err == nil {
		return text, nil
	}
	switch {
	case d.ctx.Err() != nil:
		return "", pipeline.ErrShutdown
	case errors.Is(reqCtx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return "", &BackendError{Backend: d.backend.Name(), Kind: ErrBackendTimeout, Err: err}
	default:
		return "", &BackendError{Backend: d.backend.Name(), Kind: ErrBackendFailed, Err: err}
	}
}

func (d *Dispatcher) recent() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.history) == 0 {
		return nil
	}
	return append([]string(nil), d.history...)
}

func (d *Dispatcher) remember(text string) {
	if d.opts.HistorySize <= 0 || text == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history = append(d.history, text)
	if over := len(d.history) - d.opts.HistorySize; over > 0 {
		d.history = append(d.history[:0], d.history[over:]...)
	}
}

func (d *Dispatcher) countFailure(err error) {
	if d.failures == nil {
		return
	}
	kind := "failed"
	if errors.Is(err, ErrBackendTimeout) {
		kind = "timeout"
	}
	d.failures.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}
