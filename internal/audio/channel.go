package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Channel owns a single capture stream and turns driver callbacks into
// Frames on a buffered queue.
type Channel struct {
	dev Device
	cfg config.AudioConfig
	log *slog.Logger

	mu     sync.Mutex
	stream Stream
	frames chan Frame
	params Params

	delivered atomic.Int64
	dropped   atomic.Int64
	now       func() time.Time
	reg       metric.Registration
}

func NewChannel(dev Device, cfg config.AudioConfig, log *slog.Logger) *Channel {
	c := &Channel{
		dev: dev,
		cfg: cfg,
		log: log.With(slog.String("component", "audio-channel")),
		now: time.Now,
	}
	if err := c.initMetrics(); err != nil {
		c.log.Warn("failed to initialize metrics", slogError(err))
	}
	return c
}

// Open resolves the configured device and starts streaming. Calling Open
// on an already open channel is an error.
func (c *Channel) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream != nil {
		return errors.New("audio channel already open")
	}

	info, err := c.resolveDevice()
	if err != nil {
		return err
	}
	params := Params{
		Device:     info,
		SampleRate: c.cfg.SampleRate,
		Channels:   c.cfg.Channels,
	}
	if params.SampleRate == 0 {
		params.SampleRate = int(info.DefaultSampleRate)
	}
	if params.Channels == 0 {
		params.Channels = info.MaxInputChannels
	}
	if params.SampleRate <= 0 {
		return &DeviceError{Device: info.Name, Op: "open", Err: ErrUnsupportedParams}
	}
	if params.Channels > info.MaxInputChannels {
		return &DeviceError{Device: info.Name, Op: "open", Err: fmt.Errorf("%w: %d channels requested, %d available", ErrUnsupportedParams, params.Channels, info.MaxInputChannels)}
	}
	params.FrameSize = params.SampleRate * c.cfg.FrameMS / 1000

	frames := make(chan Frame, c.cfg.QueueSize)
	channels := params.Channels
	rate := params.SampleRate
	callback := func(in []int16) {
		frame := Frame{
			Samples:    append([]int16(nil), in...),
			Channels:   channels,
			SampleRate: rate,
			At:         c.now(),
		}
		select {
		case frames <- frame:
			c.delivered.Add(1)
		default:
			c.dropped.Add(1)
		}
	}

	stream, err := c.dev.Open(params, callback)
	if err != nil {
		var devErr *DeviceError
		if errors.As(err, &devErr) {
			return err
		}
		return &DeviceError{Device: info.Name, Op: "open", Err: err}
	}

	c.stream = stream
	c.frames = frames
	c.params = params
	c.log.Info("audio stream opened",
		slog.String("device", info.Name),
		slog.Int("sample_rate", params.SampleRate),
		slog.Int("channels", params.Channels),
		slog.Int("frame_size", params.FrameSize))
	return nil
}

// Frames returns the queue of the current stream. The channel is closed
// when the stream is closed.
func (c *Channel) Frames() <-chan Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}

func (c *Channel) Params() Params {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params
}

// Close stops the stream. It is a no-op on a closed or never opened channel.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return nil
	}
	err := c.stream.Close()
	// the driver guarantees no callback runs after Close returns
	close(c.frames)
	c.stream = nil
	c.log.Info("audio stream closed",
		slog.Int64("delivered", c.delivered.Load()),
		slog.Int64("dropped", c.dropped.Load()))
	if err != nil {
		return fmt.Errorf("close audio stream: %w", err)
	}
	return nil
}

func (c *Channel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream != nil
}

// Dropped reports frames discarded because the queue was full.
func (c *Channel) Dropped() int64 { return c.dropped.Load() }

func (c *Channel) resolveDevice() (DeviceInfo, error) {
	var (
		info DeviceInfo
		err  error
	)
	switch {
	case c.cfg.Device >= 0:
		info, err = c.deviceByIndex(c.cfg.Device)
	case len(c.cfg.DeviceNames) > 0:
		info, err = c.deviceByName(c.cfg.DeviceNames)
	default:
		info, err = c.dev.DefaultInput()
		if err != nil {
			err = &DeviceError{Op: "resolve default", Err: fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)}
		}
	}
	if err != nil {
		return DeviceInfo{}, err
	}
	if info.MaxInputChannels <= 0 {
		return DeviceInfo{}, &DeviceError{Device: info.Name, Op: "resolve", Err: ErrNoInputChannels}
	}
	return info, nil
}

func (c *Channel) deviceByIndex(index int) (DeviceInfo, error) {
	devices, err := c.dev.Devices()
	if err != nil {
		return DeviceInfo{}, &DeviceError{Op: "list devices", Err: fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)}
	}
	for _, d := range devices {
		if d.Index == index {
			return d, nil
		}
	}
	return DeviceInfo{}, &DeviceError{Device: fmt.Sprintf("#%d", index), Op: "resolve", Err: ErrDeviceUnavailable}
}

// deviceByName picks the first input device whose name contains one of
// the substrings, falling back to the default input.
func (c *Channel) deviceByName(substrings []string) (DeviceInfo, error) {
	devices, err := c.dev.Devices()
	if err != nil {
		return DeviceInfo{}, &DeviceError{Op: "list devices", Err: fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)}
	}
	for _, want := range substrings {
		want = strings.ToLower(want)
		for _, d := range devices {
			if d.MaxInputChannels > 0 && strings.Contains(strings.ToLower(d.Name), want) {
				return d, nil
			}
		}
	}
	c.log.Warn("no device matched configured names, using default input", slog.Any("names", substrings))
	info, err := c.dev.DefaultInput()
	if err != nil {
		return DeviceInfo{}, &DeviceError{Op: "resolve default", Err: fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)}
	}
	return info, nil
}

func (c *Channel) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-dictate/audio")
	delivered, err := meter.Int64ObservableCounter("loqa.dictate.audio.frames_delivered", metric.WithDescription("Frames queued from the device callback"))
	if err != nil {
		return err
	}
	dropped, err := meter.Int64ObservableCounter("loqa.dictate.audio.frames_dropped", metric.WithDescription("Frames dropped because the queue was full"))
	if err != nil {
		return err
	}
	c.reg, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(delivered, c.delivered.Load())
		obs.ObserveInt64(dropped, c.dropped.Load())
		return nil
	}, delivered, dropped)
	return err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
