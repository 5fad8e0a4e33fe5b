package resampler

import (
	"testing"

	"github.com/ColonelBlimp/mixengine/internal/format"
)

func TestPassthroughWhenFormatsMatch(t *testing.T) {
	f := format.Format{SampleRate: 48000, Channels: 2}
	r := New(f, f)
	if !r.Passthrough() {
		t.Fatal("Passthrough() = false, want true for identical formats")
	}

	in := []float32{0.1, 0.2, 0.3, 0.4}
	r.Write(in)
	out := make([]float32, 4)
	n := r.Read(out, 2)
	if n != 2 {
		t.Fatalf("Read n = %d, want 2", n)
	}
	for i, v := range in {
		if out[i] != v {
			t.Errorf("out[%d] = %v, want %v", i, out[i], v)
		}
	}
}

func TestUpsampleDoublesFrameCount(t *testing.T) {
	in := format.Format{SampleRate: 8000, Channels: 1}
	out := format.Format{SampleRate: 16000, Channels: 1}
	r := New(in, out)

	r.Write([]float32{0, 1, 2, 3})
	buf := make([]float32, 16)
	n := r.Read(buf, 16)
	if n != 8 {
		t.Fatalf("Read n = %d, want 8 (2x upsample of 4 frames)", n)
	}
	// First output sample should equal the first input sample exactly.
	if buf[0] != 0 {
		t.Errorf("buf[0] = %v, want 0", buf[0])
	}
}

func TestDownsampleHalvesFrameCount(t *testing.T) {
	in := format.Format{SampleRate: 16000, Channels: 1}
	out := format.Format{SampleRate: 8000, Channels: 1}
	r := New(in, out)

	r.Write([]float32{0, 1, 2, 3, 4, 5, 6, 7})
	buf := make([]float32, 8)
	n := r.Read(buf, 8)
	if n != 4 {
		t.Fatalf("Read n = %d, want 4 (1/2x downsample of 8 frames)", n)
	}
}

func TestChannelMixDuplicatesLastChannel(t *testing.T) {
	in := format.Format{SampleRate: 8000, Channels: 1}
	out := format.Format{SampleRate: 8000, Channels: 2}
	r := New(in, out)

	r.Write([]float32{0.5, 0.25})
	buf := make([]float32, 4)
	n := r.Read(buf, 2)
	if n != 2 {
		t.Fatalf("Read n = %d, want 2", n)
	}
	if buf[0] != buf[1] {
		t.Errorf("frame 0 channels = %v/%v, want equal (mono source duplicated)", buf[0], buf[1])
	}
}

func TestFlushDropsPendingAndResetsContinuity(t *testing.T) {
	in := format.Format{SampleRate: 8000, Channels: 1}
	out := format.Format{SampleRate: 16000, Channels: 1}
	r := New(in, out)

	r.Write(make([]float32, 80)) // 80 frames at 8kHz = 10ms
	if got := r.Delay(); got == 0 {
		t.Fatal("Delay() = 0 before Flush, want nonzero with pending frames")
	}
	r.Flush()
	if got := r.Delay(); got != 0 {
		t.Errorf("Delay() = %d after Flush, want 0", got)
	}

	buf := make([]float32, 8)
	if n := r.Read(buf, 8); n != 0 {
		t.Errorf("Read n = %d after Flush, want 0", n)
	}
}

func TestDelayReflectsPendingFrames(t *testing.T) {
	in := format.Format{SampleRate: 8000, Channels: 1}
	out := format.Format{SampleRate: 8000, Channels: 1}
	r := New(in, out)

	r.Write(make([]float32, 80)) // 80 frames at 8kHz = 10ms
	if got := r.Delay(); got != 10 {
		t.Errorf("Delay() = %d, want 10", got)
	}
}
