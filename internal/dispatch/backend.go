package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/config"
)

var (
	ErrBackendFailed  = errors.New("transcription backend failed")
	ErrBackendTimeout = errors.New("transcription backend timed out")
)

// BackendError wraps a per-utterance failure. Kind is ErrBackendFailed
// or ErrBackendTimeout.
type BackendError struct {
	Backend string
	Kind    error
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Backend, e.Err)
}

func (e *BackendError) Unwrap() []error { return []error{e.Kind, e.Err} }

// Request is one mono utterance at the backend's sample rate.
type Request struct {
	UtteranceID string
	PCM         []int16
	SampleRate  int
	Prompt      string
	History     []string
}

// Backend turns audio into text. Implementations must honour ctx.
type Backend interface {
	Name() string
	Transcribe(ctx context.Context, req Request) (string, error)
	// Ready reports whether the backend can take requests right now.
	Ready(ctx context.Context) (bool, error)
}

// NewBackend builds the backend selected by cfg.Mode.
func NewBackend(cfg config.BackendConfig, log *slog.Logger) (Backend, error) {
	switch cfg.Mode {
	case "http":
		return NewHTTPBackend(cfg.Endpoint, &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond}), nil
	case "openai":
		return NewOpenAIBackend(cfg), nil
	case "exec":
		return NewExecBackend(cfg)
	case "mock":
		log.Warn("using mock transcription backend")
		return NewMockBackend(), nil
	default:
		return nil, fmt.Errorf("unsupported backend mode %q", cfg.Mode)
	}
}
