package dispatch

import (
	"bytes"
	"context"
	"fmt"

	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAIBackend uses the audio transcription endpoint of the OpenAI API
// or any server that speaks it.
type OpenAIBackend struct {
	client   openai.Client
	model    string
	language string
}

func NewOpenAIBackend(cfg config.BackendConfig) *OpenAIBackend {
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.OpenAIBaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.OpenAIBaseURL))
	}
	opts = append(opts, option.WithMaxRetries(0))
	return &OpenAIBackend{
		client:   openai.NewClient(opts...),
		model:    cfg.Model,
		language: cfg.Language,
	}
}

func (b *OpenAIBackend) Name() string { return "openai" }

func (b *OpenAIBackend) Transcribe(ctx context.Context, req Request) (string, error) {
	body, err := encodeWAV(req.PCM, req.SampleRate)
	if err != nil {
		return "", err
	}
	params := openai.AudioTranscriptionNewParams{
		File:  openai.File(bytes.NewReader(body), "utterance.wav", "audio/wav"),
		Model: openai.AudioModel(b.model),
	}
	if prompt := promptWithHistory(req.Prompt, req.History); prompt != "" {
		params.Prompt = openai.String(prompt)
	}
	if b.language != "" {
		params.Language = openai.String(b.language)
	}
	resp, err := b.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai transcription: %w", err)
	}
	return resp.Text, nil
}

// Ready is always true for a remote API; failures surface per utterance.
func (b *OpenAIBackend) Ready(context.Context) (bool, error) { return true, nil }

// promptWithHistory appends recent transcripts so the model keeps
// vocabulary and casing consistent across utterances.
func promptWithHistory(prompt string, history []string) string {
	if len(history) == 0 {
		return prompt
	}
	var buf bytes.Buffer
	buf.WriteString(prompt)
	for _, h := range history {
		if buf.Len() > 0 {
			buf.WriteByte(' ')
		}
		buf.WriteString(h)
	}
	return buf.String()
}
