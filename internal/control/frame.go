package control

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/hotkey"
)

// ErrCorruptFrame marks a control frame that could not be decoded. The
// frame is dropped and the stream continues.
var ErrCorruptFrame = errors.New("corrupt control frame")

// MaxFrameSize bounds a single encoded frame including the newline.
const MaxFrameSize = 4096

// frame is the wire form of a hotkey edge: one JSON object per line.
type frame struct {
	Seq  uint64    `json:"seq"`
	Edge string    `json:"edge"`
	At   time.Time `json:"at"`
}

func encodeFrame(ev hotkey.Event) ([]byte, error) {
	data, err := json.Marshal(frame{Seq: ev.Seq, Edge: ev.Edge.String(), At: ev.At})
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func decodeFrame(line []byte) (hotkey.Event, error) {
	line = bytes.TrimSpace(line)
	var f frame
	if err := json.Unmarshal(line, &f); err != nil {
		return hotkey.Event{}, fmt.Errorf("%w: %v", ErrCorruptFrame, err)
	}
	edge, err := hotkey.ParseEdge(f.Edge)
	if err != nil {
		return hotkey.Event{}, fmt.Errorf("%w: %v", ErrCorruptFrame, err)
	}
	return hotkey.Event{Edge: edge, Seq: f.Seq, At: f.At}, nil
}
