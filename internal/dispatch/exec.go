package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/mattn/go-shellwords"
)

// ExecBackend runs a command per utterance. The command receives the
// audio path via --audio and prints {"text": "..."} on stdout.
type ExecBackend struct {
	cmd      []string
	model    string
	language string
}

type execResult struct {
	Text string `json:"text"`
}

func NewExecBackend(cfg config.BackendConfig) (*ExecBackend, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse backend command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("backend command is empty")
	}
	return &ExecBackend{cmd: args, model: cfg.Model, language: cfg.Language}, nil
}

func (b *ExecBackend) Name() string { return "exec" }

func (b *ExecBackend) Transcribe(ctx context.Context, req Request) (string, error) {
	file, err := os.CreateTemp("", "loqa_dictate_*.wav")
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writeWAV(file, req.PCM, req.SampleRate); err != nil {
		return "", err
	}

	args := append([]string{}, b.cmd[1:]...)
	args = append(args, "--audio", file.Name())
	if b.language != "" {
		args = append(args, "--language", b.language)
	}
	if prompt := promptWithHistory(req.Prompt, req.History); prompt != "" {
		args = append(args, "--prompt", prompt)
	}

	command := exec.CommandContext(ctx, b.cmd[0], args...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("backend command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return "", fmt.Errorf("decode backend response: %w", err)
	}
	return resp.Text, nil
}

// Ready checks that the command resolves on PATH.
func (b *ExecBackend) Ready(context.Context) (bool, error) {
	if _, err := exec.LookPath(b.cmd[0]); err != nil {
		return false, err
	}
	return true, nil
}
