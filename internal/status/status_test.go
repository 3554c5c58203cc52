package status

import (
	"errors"
	"io"
	"log/slog"
	"testing"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestBroadcasterStartsDisconnected(t *testing.T) {
	b := NewBroadcaster(newLogger())
	if got := b.Current().Kind; got != Disconnected {
		t.Fatalf("expected Disconnected, got %s", got)
	}
}

func TestSinksSeeChangesInOrder(t *testing.T) {
	var seen []string
	b := NewBroadcaster(newLogger(), SinkFunc(func(v Value) { seen = append(seen, v.String()) }))

	b.Set(Starting)
	b.Set(WaitingForBackend)
	b.Set(WaitingForBackend)
	b.Fail(errors.New("connection refused"))
	b.Set(Listening)

	want := []string{"Starting", "WaitingForBackend", "Error: connection refused", "Listening"}
	if len(seen) != len(want) {
		t.Fatalf("expected %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, seen)
		}
	}
}

func TestSubscribeAndCancel(t *testing.T) {
	b := NewBroadcaster(newLogger())
	ch, cancel := b.Subscribe(1)

	b.Set(Recording)
	b.Set(Processing) // dropped, buffer full

	if v := <-ch; v.Kind != Recording {
		t.Fatalf("expected Recording, got %s", v.Kind)
	}
	if b.Current().Kind != Processing {
		t.Fatalf("expected current Processing, got %s", b.Current().Kind)
	}

	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after cancel")
	}
	b.Set(Listening)
}
