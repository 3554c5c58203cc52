package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxResponseBytes = 1 << 20

// HTTPBackend posts each utterance as a WAV body and reads plain text
// back. A system prompt travels in the X-System-Prompt header.
type HTTPBackend struct {
	endpoint string
	client   *http.Client
}

func NewHTTPBackend(endpoint string, client *http.Client) *HTTPBackend {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPBackend{endpoint: endpoint, client: client}
}

func (b *HTTPBackend) Name() string { return "http" }

func (b *HTTPBackend) Transcribe(ctx context.Context, req Request) (string, error) {
	body, err := encodeWAV(req.PCM, req.SampleRate)
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "audio/wav")
	if prompt := headerValue(req.Prompt); prompt != "" {
		httpReq.Header.Set("X-System-Prompt", prompt)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return string(data), nil
}

// Ready treats any HTTP response as a live server; only POST is served,
// so a 405 on GET still means the model is up.
func (b *HTTPBackend) Ready(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.endpoint, nil)
	if err != nil {
		return false, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return false, err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	resp.Body.Close()
	return true, nil
}

// headerValue folds the prompt onto one line so it is a legal header.
func headerValue(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
