package audio

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrDeviceUnavailable = errors.New("audio device unavailable")
	ErrNoInputChannels   = errors.New("audio device has no input channels")
	ErrUnsupportedParams = errors.New("audio parameters not supported by device")
)

// DeviceError reports a failure to open or configure a capture device.
type DeviceError struct {
	Device string
	Op     string
	Err    error
}

func (e *DeviceError) Error() string {
	if e.Device == "" {
		return fmt.Sprintf("audio %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("audio %s %q: %v", e.Op, e.Device, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// Frame is one device callback worth of interleaved 16-bit samples.
type Frame struct {
	Samples    []int16
	Channels   int
	SampleRate int
	At         time.Time
}

// Len returns the number of sample frames (samples per channel).
func (f Frame) Len() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Samples) / f.Channels
}

func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Len()) * time.Second / time.Duration(f.SampleRate)
}

// DeviceInfo describes an input device as reported by the driver.
type DeviceInfo struct {
	Index             int
	Name              string
	MaxInputChannels  int
	DefaultSampleRate float64
}

// Params are the resolved stream parameters handed to a driver.
type Params struct {
	Device     DeviceInfo
	SampleRate int
	Channels   int
	FrameSize  int
}

// Stream is an open capture stream. Close stops callbacks before returning.
type Stream interface {
	Close() error
}

// Device is a capture driver. The callback runs on the driver's realtime
// thread and must not block.
type Device interface {
	Devices() ([]DeviceInfo, error)
	DefaultInput() (DeviceInfo, error)
	Open(p Params, callback func(in []int16)) (Stream, error)
}
