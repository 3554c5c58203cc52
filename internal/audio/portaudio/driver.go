// Package portaudio implements audio.Device on top of PortAudio.
package portaudio

import (
	"errors"
	"fmt"

	"github.com/gordonklaus/portaudio"
	"github.com/loqalabs/loqa-dictate/internal/audio"
)

type Driver struct{}

func New() *Driver { return &Driver{} }

func (d *Driver) Devices() ([]audio.DeviceInfo, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	out := make([]audio.DeviceInfo, 0, len(devices))
	for _, dev := range devices {
		if dev.MaxInputChannels > 0 {
			out = append(out, convert(dev))
		}
	}
	return out, nil
}

func (d *Driver) DefaultInput() (audio.DeviceInfo, error) {
	if err := portaudio.Initialize(); err != nil {
		return audio.DeviceInfo{}, fmt.Errorf("initialize portaudio: %w", err)
	}
	defer portaudio.Terminate()

	dev, err := portaudio.DefaultInputDevice()
	if err != nil {
		return audio.DeviceInfo{}, err
	}
	return convert(dev), nil
}

// Open starts a callback stream. PortAudio reference-counts Initialize, so
// the stream holds its own reference until Close.
func (d *Driver) Open(p audio.Params, callback func(in []int16)) (audio.Stream, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, &audio.DeviceError{Device: p.Device.Name, Op: "initialize", Err: fmt.Errorf("%w: %v", audio.ErrDeviceUnavailable, err)}
	}

	dev, err := lookup(p.Device.Index)
	if err != nil {
		portaudio.Terminate()
		return nil, &audio.DeviceError{Device: p.Device.Name, Op: "open", Err: classify(err)}
	}

	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = p.Channels
	params.SampleRate = float64(p.SampleRate)
	params.FramesPerBuffer = p.FrameSize

	stream, err := portaudio.OpenStream(params, callback)
	if err != nil {
		portaudio.Terminate()
		return nil, &audio.DeviceError{Device: dev.Name, Op: "open", Err: classify(err)}
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, &audio.DeviceError{Device: dev.Name, Op: "start", Err: classify(err)}
	}
	return &paStream{stream: stream}, nil
}

type paStream struct {
	stream *portaudio.Stream
}

func (s *paStream) Close() error {
	stopErr := s.stream.Stop()
	closeErr := s.stream.Close()
	termErr := portaudio.Terminate()
	return errors.Join(stopErr, closeErr, termErr)
}

func lookup(index int) (*portaudio.DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	for _, dev := range devices {
		if dev.Index == index {
			return dev, nil
		}
	}
	return nil, portaudio.InvalidDevice
}

func classify(err error) error {
	var paErr portaudio.Error
	if errors.As(err, &paErr) {
		switch paErr {
		case portaudio.InvalidChannelCount, portaudio.InvalidSampleRate, portaudio.SampleFormatNotSupported,
			portaudio.BufferTooBig, portaudio.BufferTooSmall:
			return fmt.Errorf("%w: %v", audio.ErrUnsupportedParams, err)
		}
	}
	return fmt.Errorf("%w: %v", audio.ErrDeviceUnavailable, err)
}

func convert(dev *portaudio.DeviceInfo) audio.DeviceInfo {
	return audio.DeviceInfo{
		Index:             dev.Index,
		Name:              dev.Name,
		MaxInputChannels:  dev.MaxInputChannels,
		DefaultSampleRate: dev.DefaultSampleRate,
	}
}
