package audio

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/loqalabs/loqa-dictate/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeStream struct {
	dev *fakeDevice
}

func (s *fakeStream) Close() error {
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	s.dev.callback = nil
	s.dev.open--
	return nil
}

type fakeDevice struct {
	mu       sync.Mutex
	devices  []DeviceInfo
	def      int
	openErr  error
	callback func([]int16)
	params   Params
	open     int
}

func (d *fakeDevice) Devices() ([]DeviceInfo, error) { return d.devices, nil }

func (d *fakeDevice) DefaultInput() (DeviceInfo, error) {
	if d.def < 0 {
		return DeviceInfo{}, errors.New("no default input device")
	}
	return d.devices[d.def], nil
}

func (d *fakeDevice) Open(p Params, cb func([]int16)) (Stream, error) {
	if d.openErr != nil {
		return nil, d.openErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.callback = cb
	d.params = p
	d.open++
	return &fakeStream{dev: d}, nil
}

func (d *fakeDevice) emit(samples []int16) {
	d.mu.Lock()
	cb := d.callback
	d.mu.Unlock()
	if cb != nil {
		cb(samples)
	}
}

func testDevices() []DeviceInfo {
	return []DeviceInfo{
		{Index: 0, Name: "Built-in Microphone", MaxInputChannels: 1, DefaultSampleRate: 48000},
		{Index: 3, Name: "USB Audio Interface", MaxInputChannels: 2, DefaultSampleRate: 44100},
		{Index: 5, Name: "HDMI Output", MaxInputChannels: 0, DefaultSampleRate: 48000},
	}
}

func testConfig() config.AudioConfig {
	return config.AudioConfig{Device: -1, FrameMS: 32, QueueSize: 8}
}

func TestOpenUsesDeviceDefaults(t *testing.T) {
	dev := &fakeDevice{devices: testDevices(), def: 0}
	ch := NewChannel(dev, testConfig(), newLogger())
	if err := ch.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = ch.Close() })

	p := ch.Params()
	if p.SampleRate != 48000 || p.Channels != 1 {
		t.Fatalf("expected device defaults, got %+v", p)
	}
	if p.FrameSize != 1536 {
		t.Fatalf("expected 32ms frame of 1536 samples, got %d", p.FrameSize)
	}
}

func TestOpenByNameSubstring(t *testing.T) {
	dev := &fakeDevice{devices: testDevices(), def: 0}
	cfg := testConfig()
	cfg.DeviceNames = []string{"usb"}
	ch := NewChannel(dev, cfg, newLogger())
	if err := ch.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = ch.Close() })
	if dev.params.Device.Index != 3 {
		t.Fatalf("expected USB device, got %+v", dev.params.Device)
	}
}

func TestOpenErrors(t *testing.T) {
	tests := []struct {
		name string
		dev  *fakeDevice
		cfg  func(*config.AudioConfig)
		want error
	}{
		{"unknown index", &fakeDevice{devices: testDevices()}, func(c *config.AudioConfig) { c.Device = 9 }, ErrDeviceUnavailable},
		{"no input channels", &fakeDevice{devices: testDevices()}, func(c *config.AudioConfig) { c.Device = 5 }, ErrNoInputChannels},
		{"too many channels", &fakeDevice{devices: testDevices(), def: 0}, func(c *config.AudioConfig) { c.Channels = 4 }, ErrUnsupportedParams},
		{"no default", &fakeDevice{devices: testDevices(), def: -1}, func(*config.AudioConfig) {}, ErrDeviceUnavailable},
		{"driver failure", &fakeDevice{devices: testDevices(), def: 0, openErr: errors.New("busy")}, func(*config.AudioConfig) {}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.cfg(&cfg)
			ch := NewChannel(tt.dev, cfg, newLogger())
			err := ch.Open()
			var devErr *DeviceError
			if !errors.As(err, &devErr) {
				t.Fatalf("expected DeviceError, got %v", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if ch.IsOpen() {
				t.Fatal("channel must stay closed after a failed open")
			}
		})
	}
}

func TestCallbackQueuesCopiesAndCountsDrops(t *testing.T) {
	dev := &fakeDevice{devices: testDevices(), def: 0}
	cfg := testConfig()
	cfg.QueueSize = 2
	ch := NewChannel(dev, cfg, newLogger())
	if err := ch.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = ch.Close() })

	buf := []int16{1, 2, 3}
	dev.emit(buf)
	buf[0] = 99
	dev.emit(buf)
	dev.emit(buf)

	first := <-ch.Frames()
	if first.Samples[0] != 1 {
		t.Fatalf("frame must not alias the driver buffer, got %v", first.Samples)
	}
	if first.SampleRate != 48000 || first.Channels != 1 {
		t.Fatalf("unexpected frame format %+v", first)
	}
	if ch.Dropped() != 1 {
		t.Fatalf("expected 1 dropped frame, got %d", ch.Dropped())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	dev := &fakeDevice{devices: testDevices(), def: 0}
	ch := NewChannel(dev, testConfig(), newLogger())
	if err := ch.Close(); err != nil {
		t.Fatalf("close before open: %v", err)
	}
	if err := ch.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	frames := ch.Frames()
	if err := ch.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, ok := <-frames; ok {
		t.Fatal("expected frames channel closed")
	}
	if dev.open != 0 {
		t.Fatalf("expected no open streams, got %d", dev.open)
	}
	// reopen after close
	if err := ch.Open(); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("close after reopen: %v", err)
	}
}
