package pipeline

import (
	"time"

	"github.com/loqalabs/loqa-dictate/internal/audio"
)

// Reason records why an utterance was closed.
type Reason string

const (
	ReasonReleased     Reason = "released"
	ReasonForced       Reason = "forced"
	ReasonDisconnected Reason = "disconnected"
	ReasonShutdown     Reason = "shutdown"
	ReasonNotReady     Reason = "not_ready"
)

// Utterance is the audio captured between a start and a stop signal. It
// is append-only while open and read-only once handed to a dispatcher.
type Utterance struct {
	ID      string
	Started time.Time
	Closed  time.Time
	Reason  Reason
	Frames  []audio.Frame

	samples int
}

func (u *Utterance) append(f audio.Frame) {
	u.Frames = append(u.Frames, f)
	u.samples += f.Len()
}

// Forced reports whether the duration cap closed the utterance.
func (u *Utterance) Forced() bool { return u.Reason == ReasonForced }

func (u *Utterance) SampleRate() int {
	if len(u.Frames) == 0 {
		return 0
	}
	return u.Frames[0].SampleRate
}

func (u *Utterance) Channels() int {
	if len(u.Frames) == 0 {
		return 0
	}
	return u.Frames[0].Channels
}

// Duration is derived from captured samples, not wall clock.
func (u *Utterance) Duration() time.Duration {
	rate := u.SampleRate()
	if rate == 0 {
		return 0
	}
	return time.Duration(u.samples) * time.Second / time.Duration(rate)
}

// Samples concatenates all frames into one interleaved buffer.
func (u *Utterance) Samples() []int16 {
	total := 0
	for _, f := range u.Frames {
		total += len(f.Samples)
	}
	out := make([]int16, 0, total)
	for _, f := range u.Frames {
		out = append(out, f.Samples...)
	}
	return out
}

// NewUtterance builds a closed utterance from already captured frames.
func NewUtterance(id string, reason Reason, frames ...audio.Frame) *Utterance {
	u := &Utterance{ID: id, Reason: reason}
	for _, f := range frames {
		u.append(f)
	}
	if len(frames) > 0 {
		u.Started = frames[0].At
		u.Closed = frames[len(frames)-1].At
	}
	return u
}
