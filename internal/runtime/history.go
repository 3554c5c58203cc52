package runtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/dispatch"
	"github.com/loqalabs/loqa-dictate/internal/eventstore"
	"github.com/loqalabs/loqa-dictate/internal/pipeline"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/loqalabs/loqa-dictate/internal/status"
)

const historyQueueSize = 256

// history publishes status and transcripts on the bus and records them in
// the event store. Writes happen on one worker goroutine so callers on
// the pipeline path never wait on SQLite.
type history struct {
	bus   *bus.Client
	store *eventstore.Store
	log   *slog.Logger

	queue chan func(context.Context)
	done  chan struct{}

	mu     sync.Mutex
	runID  string
	closed bool
}

func newHistory(busClient *bus.Client, store *eventstore.Store, log *slog.Logger) *history {
	h := &history{
		bus:   busClient,
		store: store,
		log:   log.With(slog.String("component", "history")),
		queue: make(chan func(context.Context), historyQueueSize),
		done:  make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *history) run() {
	defer close(h.done)
	for fn := range h.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		fn(ctx)
		cancel()
	}
}

// Close drains queued writes and stops the worker.
func (h *history) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.queue)
	h.mu.Unlock()
	<-h.done
}

func (h *history) enqueue(fn func(context.Context)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	select {
	case h.queue <- fn:
	default:
		h.log.Warn("history queue full, dropping record")
	}
}

func (h *history) currentRun() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runID
}

func (h *history) StatusChanged(v status.Value) {
	runID := h.currentRun()
	h.enqueue(func(ctx context.Context) {
		if h.bus != nil {
			evt := protocol.StatusEvent{RunID: runID, Status: string(v.Kind), Detail: v.Detail, Timestamp: v.At.UTC()}
			if err := h.bus.PublishJSON(protocol.SubjectStatus, evt); err != nil {
				h.log.Warn("failed to publish status", slogError(err))
			}
		}
		if err := h.store.RecordStatus(ctx, runID, string(v.Kind), v.Detail); err != nil {
			h.log.Warn("failed to record status", slogError(err))
		}
	})
}

func (h *history) RunStarted(runID, backend string) {
	h.mu.Lock()
	h.runID = runID
	h.mu.Unlock()
	h.enqueue(func(ctx context.Context) {
		if err := h.store.BeginRun(ctx, runID, backend); err != nil {
			h.log.Warn("failed to record run start", slogError(err))
		}
	})
}

func (h *history) RunStopped(runID string) {
	h.mu.Lock()
	if h.runID == runID {
		h.runID = ""
	}
	h.mu.Unlock()
	h.enqueue(func(ctx context.Context) {
		if err := h.store.EndRun(ctx, runID); err != nil {
			h.log.Warn("failed to record run stop", slogError(err))
		}
		if err := h.store.Prune(ctx); err != nil {
			h.log.Warn("event store prune failed", slogError(err))
		}
	})
}

func (h *history) UtteranceDiscarded(runID string, u *pipeline.Utterance) {
	rec := eventstore.Utterance{
		RunID:       runID,
		UtteranceID: u.ID,
		Outcome:     eventstore.OutcomeDiscarded,
		Reason:      string(u.Reason),
		AudioMS:     u.Duration().Milliseconds(),
	}
	h.enqueue(func(ctx context.Context) {
		if err := h.store.RecordUtterance(ctx, rec); err != nil {
			h.log.Warn("failed to record discarded utterance", slogError(err))
		}
	})
}

func (h *history) Transcribed(runID string, res dispatch.Result) {
	evt := protocol.TranscriptEvent{
		RunID:       runID,
		UtteranceID: res.UtteranceID,
		Text:        res.Text,
		Reason:      string(res.Reason),
		AudioMS:     res.Audio.Milliseconds(),
		LatencyMS:   res.Latency.Milliseconds(),
		Timestamp:   res.At.UTC(),
	}
	outcome := eventstore.OutcomeTranscribed
	if res.Err != nil {
		evt.Error = res.Err.Error()
		outcome = eventstore.OutcomeFailed
	}
	h.enqueue(func(ctx context.Context) {
		if h.bus != nil {
			if err := h.bus.PublishJSON(protocol.SubjectTranscript, evt); err != nil {
				h.log.Warn("failed to publish transcript", slogError(err))
			}
		}
		rec := eventstore.Utterance{
			RunID:       runID,
			UtteranceID: evt.UtteranceID,
			Outcome:     outcome,
			Reason:      evt.Reason,
			Text:        evt.Text,
			Error:       evt.Error,
			AudioMS:     evt.AudioMS,
			LatencyMS:   evt.LatencyMS,
			CreatedAt:   res.At,
		}
		if err := h.store.RecordUtterance(ctx, rec); err != nil {
			h.log.Warn("failed to record transcript", slogError(err))
		}
	})
}
