// Package mixer implements the mixing driver (C5): a single writer
// goroutine that pulls from all active streams through their resamplers,
// sums samples with per-stream volume scaling and saturation, and manages
// the idle→drain→restart lifecycle of the physical output device.
//
// Grounded on original_source/src/outputs/output_alsa.c's
// output_alsa_mix_streams and output_alsa_thread.
package mixer

import (
	"log"
	"sync"
	"time"

	"github.com/ColonelBlimp/mixengine/internal/device"
	"github.com/ColonelBlimp/mixengine/internal/format"
	"github.com/ColonelBlimp/mixengine/internal/stream"
)

// batchFrames is the fixed per-cycle pull size, mirroring BUFFER_SIZE/channels
// in output_alsa_thread (4096 samples worth of frames at the mix format).
const batchFrames = 4096

// minLatencyMillis is the sleep taken when the device is already stopped and
// every stream reported zero frames this cycle, mirroring MIN_LATENCY.
const minLatencyMillis = 10

// maxSilence is how long the device is kept running on silence alone before
// it is drained and stopped, mirroring MAX_SILENCE.
const maxSilence = 5 * time.Second

// VolumeMax re-exports stream.VolumeMax, the full-scale value for both the
// mixer's global volume and each stream's volume.
const VolumeMax = stream.VolumeMax

// Mixer owns the device and the list of active streams. A single internal
// goroutine performs the mix loop; all other methods are safe to call
// concurrently from API callers.
type Mixer struct {
	mu      sync.Mutex
	streams []*stream.Stream

	sink   device.Sink
	mixFmt format.Format
	volume int

	stopCh chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// New constructs a Mixer that writes to sink at mixFmt. The writer goroutine
// is started immediately.
func New(sink device.Sink, mixFmt format.Format) *Mixer {
	m := &Mixer{
		sink:   sink,
		mixFmt: mixFmt,
		volume: stream.VolumeMax,
		stopCh: make(chan struct{}),
	}
	m.wg.Add(1)
	go m.writerLoop()
	return m
}

// SetVolume sets the mixer's global volume, applied on top of each stream's
// own volume.
func (m *Mixer) SetVolume(v int) {
	if v < 0 {
		v = 0
	}
	if v > stream.VolumeMax {
		v = stream.VolumeMax
	}
	m.mu.Lock()
	m.volume = v
	m.mu.Unlock()
}

// Volume returns the mixer's current global volume.
func (m *Mixer) Volume() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.volume
}

// AddStream constructs a new Stream and admits it to the mixer's stream
// list in LIFO order, per spec.md §3.
func (m *Mixer) AddStream(cfg stream.Config) (*stream.Stream, error) {
	cfg.MixFormat = m.mixFmt
	s, err := stream.New(cfg)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.streams = append(m.streams, nil)
	copy(m.streams[1:], m.streams)
	m.streams[0] = s
	m.mu.Unlock()

	return s, nil
}

// RemoveStream removes s from the mixer's stream list and releases its
// resources. A no-op if s is not currently in the list (e.g. already
// removed).
func (m *Mixer) RemoveStream(s *stream.Stream) {
	m.mu.Lock()
	for i, candidate := range m.streams {
		if candidate == s {
			m.streams = append(m.streams[:i], m.streams[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	s.Remove()
}

// Streams returns a snapshot of the currently registered streams, including
// ended-but-not-removed ones, per spec.md §3's "decays ... but leaves the
// carrier in list until explicit removal".
func (m *Mixer) Streams() []*stream.Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*stream.Stream, len(m.streams))
	copy(out, m.streams)
	return out
}

// writerLoop is the single writer goroutine: mix, then drive the device
// lifecycle, then write.
func (m *Mixer) writerLoop() {
	defer m.wg.Done()

	inBuf := make([]float32, batchFrames)
	outBuf := make([]float32, batchFrames)

	stopped := true
	var silenceStart time.Time

	for {
		select {
		case <-m.stopCh:
			return
		default:
		}

		outSize := m.mixCycle(inBuf, outBuf)

		if outSize == 0 {
			if stopped {
				time.Sleep(minLatencyMillis * time.Millisecond)
				continue
			}
			if silenceStart.IsZero() {
				silenceStart = time.Now()
			}
			if time.Since(silenceStart) > maxSilence {
				if err := m.sink.Drain(); err != nil {
					log.Printf("mixer: drain on idle: %v", err)
				}
				stopped = true
				continue
			}
			for i := range outBuf {
				outBuf[i] = 0
			}
			outSize = batchFrames / int(m.mixFmt.Channels)
		} else if stopped {
			if err := m.sink.Prepare(); err != nil {
				log.Printf("mixer: prepare on restart: %v", err)
			}
			stopped = false
			silenceStart = time.Time{}
		}

		channels := int(m.mixFmt.Channels)
		n, err := m.sink.Write(outBuf[:outSize*channels])
		if err != nil {
			if err = m.sink.Recover(err); err != nil {
				log.Printf("mixer: device fault, writer loop exiting: %v", err)
				return
			}
			continue
		}
		if n < outSize*channels {
			log.Printf("mixer: short write (wanted %d frames, wrote %d)", outSize, n/channels)
		}
	}
}

// mixCycle pulls one batch from every playing stream, applies volume
// scaling and saturating sum, and returns the maximum contribution size in
// frames (the out_size fix from spec.md §4.3/§9: max, not unconditional
// overwrite).
func (m *Mixer) mixCycle(inBuf, outBuf []float32) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	channels := int(m.mixFmt.Channels)
	maxFrames := len(inBuf) / channels

	outSize := 0
	first := true
	globalVol := m.volume

	for _, s := range m.streams {
		if !s.IsPlaying() || s.Ended() {
			continue
		}

		n, _, ended := s.Read(inBuf, maxFrames)
		if ended {
			continue
		}
		if n == 0 {
			continue
		}

		inSamples := n * channels
		vol := scaleVolume(s.Volume(), globalVol)

		if first {
			first = false
			for i := 0; i < inSamples; i++ {
				outBuf[i] = applyVolume(inBuf[i], vol)
			}
		} else {
			for i := 0; i < inSamples; i++ {
				outBuf[i] = saturatingAdd(outBuf[i], applyVolume(inBuf[i], vol))
			}
		}

		if n > outSize {
			outSize = n
		}
	}

	return outSize
}

// scaleVolume composes a per-stream volume with the mixer's global volume,
// both in [0, VolumeMax], to a single effective volume.
func scaleVolume(streamVol, globalVol int) int {
	return int(int64(streamVol) * int64(globalVol) / stream.VolumeMax)
}

// applyVolume mirrors output_alsa_vol's float branch: x * (v / VOLUME_MAX).
func applyVolume(x float32, v int) float32 {
	return x * (float32(v) / stream.VolumeMax)
}

// saturatingAdd mirrors output_alsa_add's float branch: sum clamped to
// [-1.0, 1.0].
func saturatingAdd(a, b float32) float32 {
	sum := a + b
	if sum > 1.0 {
		return 1.0
	}
	if sum < -1.0 {
		return -1.0
	}
	return sum
}

// Close stops the writer goroutine, removes and releases every stream, and
// closes the device.
func (m *Mixer) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	streams := m.streams
	m.streams = nil
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()

	for _, s := range streams {
		s.Remove()
	}

	return m.sink.Close()
}
