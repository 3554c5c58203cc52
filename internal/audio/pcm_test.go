package audio

import "testing"

func TestToMono(t *testing.T) {
	got := ToMono([]int16{100, 300, -50, 50, 7, 7}, 2)
	want := []int16{200, 0, 7}
	if len(got) != len(want) {
		t.Fatalf("expected %d samples, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d: expected %d, got %d", i, want[i], got[i])
		}
	}
}

func TestResample(t *testing.T) {
	in := make([]int16, 48000)
	for i := range in {
		in[i] = 1000
	}
	out := Resample(in, 48000, 16000)
	if len(out) != 16000 {
		t.Fatalf("expected 16000 samples, got %d", len(out))
	}
	for i, s := range out {
		if s != 1000 {
			t.Fatalf("sample %d changed value: %d", i, s)
		}
	}

	up := Resample([]int16{0, 100}, 1, 2)
	if len(up) != 4 || up[1] != 50 {
		t.Fatalf("unexpected upsample result %v", up)
	}

	same := Resample([]int16{1, 2, 3}, 16000, 16000)
	if len(same) != 3 {
		t.Fatalf("expected passthrough, got %v", same)
	}
}

func TestLevel(t *testing.T) {
	if Level(nil) != 0 {
		t.Fatal("expected zero level for empty block")
	}
	if Level(make([]int16, 512)) != 0 {
		t.Fatal("expected zero level for silence")
	}
	loud := make([]int16, 1024)
	for i := range loud {
		loud[i] = 32767
	}
	if Level(loud) != 1 {
		t.Fatalf("expected clamped level, got %f", Level(loud))
	}
}

func TestFrameDuration(t *testing.T) {
	f := Frame{Samples: make([]int16, 1024), Channels: 2, SampleRate: 16000}
	if f.Len() != 512 {
		t.Fatalf("expected 512 sample frames, got %d", f.Len())
	}
	if f.Duration().Milliseconds() != 32 {
		t.Fatalf("expected 32ms, got %v", f.Duration())
	}
}
