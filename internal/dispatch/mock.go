package dispatch

import (
	"context"
	"fmt"
	"time"
)

// MockBackend describes the audio instead of transcribing it.
type MockBackend struct{}

func NewMockBackend() *MockBackend { return &MockBackend{} }

func (MockBackend) Name() string { return "mock" }

func (MockBackend) Transcribe(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var d time.Duration
	if req.SampleRate > 0 {
		d = time.Duration(len(req.PCM)) * time.Second / time.Duration(req.SampleRate)
	}
	return fmt.Sprintf("[utterance %s: %s of audio]", req.UtteranceID, d.Round(time.Millisecond)), nil
}

func (MockBackend) Ready(context.Context) (bool, error) { return true, nil }
