// Package resampler implements the opaque filter stage spec.md §2 abstracts
// between a stream's cache and its producer/consumer: push samples in at one
// rate/channel count, pull them back out at another, with flush and delay
// reporting.
//
// Grounded on agalue-sherpa-voice-assistant's internal/audio.Resampler: a
// streaming linear-interpolation resampler that carries a continuity sample
// across calls rather than requiring the whole signal up front. A table/curve
// fitting library (gonum.org/v1/gonum/interp) was considered and rejected —
// see SPEC_FULL.md §9 for the rationale — because its Fit/Predict API assumes
// the entire curve is known ahead of time, which doesn't fit a filter that
// must flush and resume mid-stream.
package resampler

import (
	"sync"

	"github.com/ColonelBlimp/mixengine/internal/format"
)

// Resampler converts interleaved float32 frames from one sample rate/channel
// layout to another. A Resampler with equal in/out formats is a pass-through.
//
// Both push (Write then Read) and pull (a caller-side producer feeding Read
// on demand) usage are supported symmetrically, per spec.md §4.2's
// requirement that the two stream wiring topologies be symmetric: Write
// simply appends to an internal pending buffer that Read drains from, so a
// push-source stream calls Write then immediately Read, while a pull-source
// stream's cache calls Read directly against a ReadFunc that itself calls
// Write just before returning.
type Resampler struct {
	mu sync.Mutex

	in, out  format.Format
	ratio    float64
	lastSamp []float32 // one continuity sample per output channel

	pending []float32 // frames awaiting conversion, interleaved at `in` layout
}

// New builds a Resampler converting from in to out. Channel counts may
// differ: excess input channels are dropped, missing ones are duplicated
// from the last available input channel, mirroring a simple channel-mixer
// stage layered on top of the rate converter.
func New(in, out format.Format) *Resampler {
	r := &Resampler{in: in, out: out}
	r.ratio = float64(out.SampleRate) / float64(in.SampleRate)
	r.lastSamp = make([]float32, out.Channels)
	return r
}

// Passthrough reports whether this Resampler performs no conversion, letting
// a stream skip the stage entirely when the source already matches the
// mixer's working format.
func (r *Resampler) Passthrough() bool {
	return r.in.Equal(r.out)
}

// Write appends frames (interleaved at the input format) to the pending
// buffer for later conversion by Read.
func (r *Resampler) Write(frames []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, frames...)
}

// Read converts and copies up to maxFrames converted (output-format) frames
// into buf, consuming from whatever has been Written (or, for pass-through,
// echoing directly). Returns the number of frames produced.
func (r *Resampler) Read(buf []float32, maxFrames int) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Passthrough() {
		inFrames := len(r.pending) / int(r.in.Channels)
		if inFrames > maxFrames {
			inFrames = maxFrames
		}
		n := inFrames * int(r.in.Channels)
		copy(buf[:n], r.pending[:n])
		r.shiftPending(inFrames)
		return inFrames
	}

	inCh := int(r.in.Channels)
	outCh := int(r.out.Channels)
	availableIn := len(r.pending) / inCh
	if availableIn == 0 {
		return 0
	}

	outFrames := int(float64(availableIn) * r.ratio)
	if outFrames > maxFrames {
		outFrames = maxFrames
	}
	if outFrames == 0 {
		return 0
	}

	for i := 0; i < outFrames; i++ {
		srcPos := float64(i) / r.ratio
		srcIdx := int(srcPos)
		frac := float32(srcPos - float64(srcIdx))

		for ch := 0; ch < outCh; ch++ {
			srcCh := ch
			if srcCh >= inCh {
				srcCh = inCh - 1
			}

			s1 := r.lastSamp[ch]
			if srcIdx < availableIn {
				s1 = r.pending[srcIdx*inCh+srcCh]
			}
			s2 := s1
			if srcIdx+1 < availableIn {
				s2 = r.pending[(srcIdx+1)*inCh+srcCh]
			}

			buf[i*outCh+ch] = s1 + (s2-s1)*frac
		}
	}

	consumed := int(float64(outFrames) / r.ratio)
	if consumed > availableIn {
		consumed = availableIn
	}
	if consumed > 0 {
		for ch := 0; ch < outCh; ch++ {
			srcCh := ch
			if srcCh >= inCh {
				srcCh = inCh - 1
			}
			r.lastSamp[ch] = r.pending[(consumed-1)*inCh+srcCh]
		}
	}
	r.shiftPending(consumed)

	return outFrames
}

// shiftPending drops the first n converted-from frames off the pending
// buffer, keeping the remainder for the next call. Caller holds mu.
func (r *Resampler) shiftPending(n int) {
	inCh := int(r.in.Channels)
	if n <= 0 {
		return
	}
	r.pending = r.pending[n*inCh:]
}

// Flush discards any pending unconverted frames and resets the continuity
// sample, mirroring spec.md §4.2's "flush: ... flush cache and resampler".
func (r *Resampler) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = r.pending[:0]
	for i := range r.lastSamp {
		r.lastSamp[i] = 0
	}
}

// Delay reports the resampler's own contribution to output latency: the
// frames currently pending conversion, expressed in milliseconds at the
// input sample rate.
func (r *Resampler) Delay() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.in.SampleRate == 0 || r.in.Channels == 0 {
		return 0
	}
	frames := len(r.pending) / int(r.in.Channels)
	return uint64(frames) * 1000 / uint64(r.in.SampleRate)
}
