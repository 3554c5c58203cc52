package protocol

import "time"

// StatusEvent is broadcast whenever the pipeline status changes.
type StatusEvent struct {
	RunID     string    `json:"run_id,omitempty"`
	Status    string    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TranscriptEvent carries the outcome of one dispatched utterance.
type TranscriptEvent struct {
	RunID       string    `json:"run_id"`
	UtteranceID string    `json:"utterance_id"`
	Text        string    `json:"text"`
	Reason      string    `json:"reason"`
	AudioMS     int64     `json:"audio_ms"`
	LatencyMS   int64     `json:"latency_ms"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// ControlReply answers a start or stop request.
type ControlReply struct {
	OK      bool   `json:"ok"`
	Running bool   `json:"running"`
	RunID   string `json:"run_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

const (
	SubjectStatus       = "dictate.status"
	SubjectTranscript   = "dictate.transcript"
	SubjectControlStart = "dictate.ctrl.start"
	SubjectControlStop  = "dictate.ctrl.stop"

	// StreamTranscripts retains transcripts for late subscribers.
	StreamTranscripts = "DICTATE_TRANSCRIPTS"
)
