// Package stream implements the output stream (C4): a cache paired with a
// resampler, tracking play/pause/abort/end-of-stream, per-stream volume, a
// played-sample counter, buffering state, and an event callback.
//
// Grounded on original_source/src/outputs/output_alsa.c's output_stream and
// its add/play/pause/flush/abort/restore/remove operations, restated with
// the teacher's atomic.Pointer callback-dispatch idiom (see
// internal/dsp.Detector.emitEvent / internal/audio.Capture.callbackPtr).
package stream

import (
	"sync/atomic"

	"github.com/ColonelBlimp/mixengine/internal/cache"
	"github.com/ColonelBlimp/mixengine/internal/format"
	"github.com/ColonelBlimp/mixengine/internal/resampler"
)

// VolumeMax is the full-scale volume value; volumes are integers in
// [0, VolumeMax].
const VolumeMax = 1 << 16

// Event identifies a stream lifecycle edge delivered to an EventCallback.
type Event int

const (
	// EventBuffering fires on the 0-frame, not-yet-ended, delay-configured
	// underflow edge.
	EventBuffering Event = iota
	// EventReady fires once data resumes after EventBuffering.
	EventReady
	// EventEnd fires exactly once when the producer signals end-of-stream.
	EventEnd
)

// StatusKind selects which field Status reports.
type StatusKind int

const (
	StatusPlaying StatusKind = iota
	StatusPlayed
	StatusCacheStatus
	StatusCacheFilling
	StatusCacheDelay
)

// PlayState is the stream's coarse lifecycle state.
type PlayState int

const (
	StatePaused PlayState = iota
	StatePlaying
	StateAborted
	StateEnded
)

// EventCallback is invoked on a stream lifecycle edge. It fires while the
// owning Mixer holds its output-wide lock (see internal/mixer), so it must
// be fast and must never call back into stream or mixer operations.
type EventCallback func(Event)

// Stream pairs a Cache with a Resampler and tracks playback state. It is
// constructed by Mixer.AddStream and is not safe for concurrent use except
// through the methods documented as such; Read is intended to be called
// only by the owning mixer's writer goroutine under its output lock.
type Stream struct {
	cache     *cache.Cache
	resampler *resampler.Resampler
	sourceFmt format.Format
	mixFmt    format.Format

	state     atomic.Int32 // PlayState
	volume    atomic.Int32
	played    atomic.Uint64 // raw samples (frames * channels)
	buffering atomic.Bool

	eventCallbackPtr atomic.Pointer[EventCallback]

	cacheMillis int
}

// Config describes how a stream is wired: either a pull-source (Producer
// set, the cache's producer goroutine/pull pulls through the resampler) or
// a push-source (Producer nil, the caller drives samples in via Write).
type Config struct {
	SourceFormat format.Format
	MixFormat    format.Format
	CacheMillis  int
	UseThread    bool
	Producer     cache.ReadFunc // nil for push-source streams
}

// New constructs a Stream wired per cfg. Push-source streams (Producer ==
// nil) open their cache with use_thread=false and a producer callback that
// simply drains the resampler's Read side, mirroring
// output_alsa_add_stream's "input_callback == NULL" branch, which opens the
// cache with cache_write as the target and leaves pulling to the caller via
// write_stream. Pull-source streams wire the resampler to pull directly
// from cfg.Producer, and the cache pulls from the resampler.
func New(cfg Config) (*Stream, error) {
	s := &Stream{
		sourceFmt:   cfg.SourceFormat,
		mixFmt:      cfg.MixFormat,
		cacheMillis: cfg.CacheMillis,
	}
	s.volume.Store(VolumeMax)
	s.state.Store(int32(StatePaused))

	s.resampler = resampler.New(cfg.SourceFormat, cfg.MixFormat)

	frames := cacheFrames(cfg.MixFormat.SampleRate, cfg.CacheMillis)

	var readFn cache.ReadFunc
	if cfg.Producer == nil {
		// Push-source: the cache pulls from whatever the resampler has
		// received via Write.
		readFn = func(buf []float32, maxFrames int, outFmt *format.Format) (int, error) {
			*outFmt = cfg.MixFormat
			n := s.resampler.Read(buf, maxFrames)
			return n, nil
		}
	} else {
		// Pull-source: the resampler pulls from the caller's producer, then
		// the cache pulls the converted result from the resampler.
		readFn = func(buf []float32, maxFrames int, outFmt *format.Format) (int, error) {
			staging := make([]float32, maxFrames*int(cfg.SourceFormat.Channels))
			var inFmt format.Format
			n, err := cfg.Producer(staging, maxFrames, &inFmt)
			if n > 0 {
				s.resampler.Write(staging[:n*int(cfg.SourceFormat.Channels)])
			}
			*outFmt = cfg.MixFormat
			got := s.resampler.Read(buf, maxFrames)
			return got, err
		}
	}

	useThread := cfg.UseThread && cfg.Producer != nil
	c, err := cache.Open(frames, int(cfg.MixFormat.Channels), useThread, readFn)
	if err != nil {
		return nil, err
	}
	s.cache = c

	return s, nil
}

func cacheFrames(sampleRate uint32, millis int) int {
	frames := int(sampleRate) * millis / 1000
	if frames <= 0 {
		frames = 1
	}
	return frames
}

// Write feeds samples into a push-source stream: they go to the resampler's
// write side, from which the cache's producer callback (installed in New)
// drains them.
func (s *Stream) Write(buf []float32) {
	s.resampler.Write(buf)
}

// Play transitions the stream to Playing and releases the cache's producer
// gate, unblocking any producer left frozen by a prior Flush.
func (s *Stream) Play() {
	s.state.Store(int32(StatePlaying))
	s.cache.Unlock()
}

// Pause transitions the stream to Paused without touching the producer
// gate.
func (s *Stream) Pause() {
	s.state.Store(int32(StatePaused))
}

// Flush empties the cache and resampler, freezing the producer gate while
// it does so, and zeroes the played counter. If the stream was playing, the
// gate is released again afterward so production can resume.
func (s *Stream) Flush() {
	wasPlaying := PlayState(s.state.Load()) == StatePlaying
	s.cache.Lock()
	s.cache.Flush()
	s.resampler.Flush()
	if wasPlaying {
		s.cache.Unlock()
	}
	s.played.Store(0)
}

// Abort freezes production (acquiring the cache's producer gate, which
// Close will still be able to force-release) and returns the played
// position in milliseconds, including cache and resampler buffering not
// yet delivered to the device.
func (s *Stream) Abort() int64 {
	s.state.Store(int32(StateAborted))
	s.cache.Lock()

	playedMs := s.PlayedMillis()
	playedMs += int64(s.cache.Delay(s.mixFmt.SampleRate))
	playedMs += int64(s.resampler.Delay())
	return playedMs
}

// Restore seeds the played counter from a prior Abort's reported
// milliseconds, for a freshly created replacement stream, so status queries
// report continuity before any data has flowed.
func (s *Stream) Restore(playedMs int64) {
	frames := uint64(playedMs) * uint64(s.mixFmt.SampleRate) / 1000
	s.played.Store(frames * uint64(s.mixFmt.Channels))
}

// Remove marks the stream ended and releases its underlying cache, safe to
// call even if the stream never reached EventEnd on its own (an explicit
// remove per spec.md §3's stream lifecycle).
func (s *Stream) Remove() {
	s.state.Store(int32(StateEnded))
	s.cache.Close()
}

// SetVolume sets this stream's volume, an integer in [0, VolumeMax].
func (s *Stream) SetVolume(v int) {
	if v < 0 {
		v = 0
	}
	if v > VolumeMax {
		v = VolumeMax
	}
	s.volume.Store(int32(v))
}

// Volume returns the stream's current volume.
func (s *Stream) Volume() int {
	return int(s.volume.Load())
}

// SetCacheMillis resizes the underlying cache's target latency without
// discarding buffered audio where possible.
func (s *Stream) SetCacheMillis(ms int) error {
	s.cacheMillis = ms
	frames := cacheFrames(s.mixFmt.SampleRate, ms)
	return s.cache.Resize(frames)
}

// SetEventCallback installs cb as the stream's event sink. Pass nil to
// clear it. The callback fires from the mixer's writer goroutine under the
// mixer's output lock; see EventCallback.
func (s *Stream) SetEventCallback(cb EventCallback) {
	if cb == nil {
		s.eventCallbackPtr.Store(nil)
		return
	}
	s.eventCallbackPtr.Store(&cb)
}

func (s *Stream) emitEvent(e Event) {
	cbPtr := s.eventCallbackPtr.Load()
	if cbPtr != nil {
		(*cbPtr)(e)
	}
}

// IsPlaying reports whether the stream is eligible for a mixer pull this
// cycle.
func (s *Stream) IsPlaying() bool {
	return PlayState(s.state.Load()) == StatePlaying
}

// Ended reports whether the stream has observed end-of-stream.
func (s *Stream) Ended() bool {
	return PlayState(s.state.Load()) == StateEnded
}

// Read is the mixer's per-cycle pull: up to maxFrames frames from the
// underlying cache. It drives the buffering/ready event edges and advances
// the played counter. A negative-equivalent condition (io.EOF from the
// cache) marks the stream ended and fires EventEnd exactly once.
func (s *Stream) Read(buf []float32, maxFrames int) (n int, outFmt format.Format, ended bool) {
	n, outFmt, err := s.cache.Read(buf, maxFrames)
	if err != nil {
		if PlayState(s.state.Swap(int32(StateEnded))) != StateEnded {
			s.cache.Close()
			s.emitEvent(EventEnd)
		}
		return 0, format.Zero, true
	}

	if n == 0 {
		if s.cacheMillis > 0 && !s.buffering.Load() {
			s.buffering.Store(true)
			s.emitEvent(EventBuffering)
		}
		return 0, format.Zero, false
	}

	if s.buffering.Load() {
		s.buffering.Store(false)
		s.emitEvent(EventReady)
	}

	s.played.Add(uint64(n) * uint64(s.mixFmt.Channels))
	return n, outFmt, false
}

// PlayedMillis reports the played counter converted to milliseconds at the
// mixer's working format, per spec.md §4.2's "played * 1000 /
// (samplerate*channels)".
func (s *Stream) PlayedMillis() int64 {
	if s.mixFmt.SampleRate == 0 || s.mixFmt.Channels == 0 {
		return 0
	}
	return int64(s.played.Load()) * 1000 / (int64(s.mixFmt.SampleRate) * int64(s.mixFmt.Channels))
}

// Status reports the field selected by kind.
func (s *Stream) Status(kind StatusKind) int64 {
	switch kind {
	case StatusPlaying:
		return int64(s.state.Load())
	case StatusPlayed:
		return s.PlayedMillis()
	case StatusCacheStatus:
		if s.cache.IsReady() {
			return 1
		}
		return 0
	case StatusCacheFilling:
		return int64(s.cache.Filling())
	case StatusCacheDelay:
		return int64(s.cache.Delay(s.mixFmt.SampleRate))
	default:
		return 0
	}
}
