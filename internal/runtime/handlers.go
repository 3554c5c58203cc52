package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/lifecycle"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/nats-io/nats.go"
)

type statusResponse struct {
	Status  string    `json:"status"`
	Detail  string    `json:"detail,omitempty"`
	Since   time.Time `json:"since"`
	Running bool      `json:"running"`
	Ready   bool      `json:"backend_ready"`
	Mode    string    `json:"mode"`
	Level   float64   `json:"level"`
	RunID   string    `json:"run_id,omitempty"`
}

type transcriptResponse struct {
	UtteranceID string    `json:"utterance_id"`
	RunID       string    `json:"run_id"`
	Text        string    `json:"text"`
	AudioMS     int64     `json:"audio_ms"`
	LatencyMS   int64     `json:"latency_ms"`
	At          time.Time `json:"at"`
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReady reports ready once the pipeline runs and the backend has
// answered.
func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.coord.Running() && r.coord.Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	cur := r.status.Current()
	writeJSON(w, http.StatusOK, statusResponse{
		Status:  string(cur.Kind),
		Detail:  cur.Detail,
		Since:   cur.At.UTC(),
		Running: r.coord.Running(),
		Ready:   r.coord.Ready(),
		Mode:    r.coord.Mode().String(),
		Level:   r.coord.Level(),
		RunID:   r.coord.RunID(),
	})
}

func (r *Runtime) handleTranscripts(w http.ResponseWriter, req *http.Request) {
	limit := 20
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			http.Error(w, "limit must be between 1 and 500", http.StatusBadRequest)
			return
		}
		limit = n
	}
	records, err := r.store.RecentTranscripts(req.Context(), limit)
	if err != nil {
		r.logger.Error("list transcripts failed", slogError(err))
		http.Error(w, "failed to list transcripts", http.StatusInternalServerError)
		return
	}
	out := make([]transcriptResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, transcriptResponse{
			UtteranceID: rec.UtteranceID,
			RunID:       rec.RunID,
			Text:        rec.Text,
			AudioMS:     rec.AudioMS,
			LatencyMS:   rec.LatencyMS,
			At:          rec.CreatedAt.UTC(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// subscribeControl lets another process start and stop the pipeline
// over NATS request/reply.
func (r *Runtime) subscribeControl() error {
	handlers := []struct {
		subject string
		action  func(context.Context) error
	}{
		{protocol.SubjectControlStart, r.coord.Start},
		{protocol.SubjectControlStop, r.coord.Stop},
	}
	for _, h := range handlers {
		action := h.action
		subject := h.subject
		sub, err := r.bus.Conn().Subscribe(subject, func(msg *nats.Msg) {
			r.handleControl(msg, subject, action)
		})
		if err != nil {
			return err
		}
		r.subs = append(r.subs, sub)
	}
	return nil
}

func (r *Runtime) handleControl(msg *nats.Msg, subject string, action func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := action(ctx)
	reply := protocol.ControlReply{OK: err == nil || errors.Is(err, lifecycle.ErrAlreadyRunning)}
	if err != nil {
		reply.Error = err.Error()
		r.logger.Warn("remote pipeline control failed", slog.String("subject", subject), slogError(err))
	} else {
		r.logger.Info("remote pipeline control", slog.String("subject", subject))
	}
	reply.Running = r.coord.Running()
	reply.RunID = r.coord.RunID()

	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		r.logger.Error("encode control reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		r.logger.Warn("failed to send control reply", slogError(err))
	}
}
