// Package device implements the mixer driver's blocking sample sink (C6):
// prepare/write/drain/recover/close semantics over a physical audio output.
//
// Grounded on the teacher's internal/audio.Capture (same gen2brain/malgo
// dependency, same context/device lifecycle and atomic-flag bookkeeping),
// mirrored from capture to playback, and on
// agalue-sherpa-voice-assistant's Player for the lock-free ring buffer that
// bridges the mixer's blocking Write call to malgo's pull-style Data
// callback.
package device

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/gen2brain/malgo"

	"github.com/ColonelBlimp/mixengine/internal/format"
)

var (
	ErrNotOpen  = errors.New("device: not open")
	ErrFatal    = errors.New("device: unrecoverable write failure")
	ErrAlready  = errors.New("device: already open")
)

// ringSize is the capacity, in interleaved samples, of the bridge ring
// between Write and the malgo pull callback. 262144 samples is ~2.7s at
// 48kHz stereo, comfortably larger than any single mixer batch.
const ringSize = 262144

// sampleRing is a lock-free single-producer (Write)/single-consumer (malgo
// callback) ring buffer, the same shape as agalue's playbackRing, generalized
// to interleaved multi-channel frames instead of mono samples.
type sampleRing struct {
	buf  [ringSize]float32
	head atomic.Uint64
	tail atomic.Uint64
}

func (r *sampleRing) push(samples []float32) int {
	head := r.head.Load()
	tail := r.tail.Load()
	available := ringSize - int(head-tail)
	n := len(samples)
	if n > available {
		n = available
	}
	for i := 0; i < n; i++ {
		r.buf[(head+uint64(i))%ringSize] = samples[i]
	}
	r.head.Add(uint64(n))
	return n
}

func (r *sampleRing) pop() (float32, bool) {
	head := r.head.Load()
	tail := r.tail.Load()
	if head == tail {
		return 0, false
	}
	s := r.buf[tail%ringSize]
	r.tail.Add(1)
	return s, true
}

func (r *sampleRing) occupied() int {
	return int(r.head.Load() - r.tail.Load())
}

func (r *sampleRing) clear() {
	r.tail.Store(r.head.Load())
}

// Sink is the blocking sample sink the mixer writes mixed frames to. It
// matches spec.md §4.4's open/write/recover/prepare/drain/close contract.
type Sink interface {
	Write(samples []float32) (n int, err error)
	Recover(cause error) error
	Prepare() error
	Drain() error
	Close() error
}

// MalgoSink is the concrete playback device adapter.
type MalgoSink struct {
	mu      sync.Mutex
	ctx     *malgo.AllocatedContext
	dev     *malgo.Device
	ring    *sampleRing
	sinkFmt format.Format
	started atomic.Bool
	closed  atomic.Bool
}

// Open initializes the audio backend and starts a playback device at the
// given format and requested latency, mirroring output_alsa's open-time
// fixed-format contract: no renegotiation after Open.
func Open(sinkFmt format.Format, latencyMillis uint32, deviceIndex int) (*MalgoSink, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}

	s := &MalgoSink{ctx: ctx, ring: &sampleRing{}, sinkFmt: sinkFmt}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgo.FormatF32
	deviceConfig.Playback.Channels = uint32(sinkFmt.Channels)
	deviceConfig.SampleRate = sinkFmt.SampleRate
	deviceConfig.PeriodSizeInMilliseconds = latencyMillis

	if deviceIndex >= 0 {
		infos, err := ctx.Devices(malgo.Playback)
		if err != nil {
			ctx.Uninit()
			ctx.Free()
			return nil, fmt.Errorf("enumerate playback devices: %w", err)
		}
		if deviceIndex >= len(infos) {
			ctx.Uninit()
			ctx.Free()
			return nil, fmt.Errorf("device index %d out of range (have %d devices)", deviceIndex, len(infos))
		}
		deviceConfig.Playback.DeviceID = infos[deviceIndex].ID.Pointer()
	}

	onSendFrames := func(pOutput, _ []byte, frameCount uint32) {
		channels := int(sinkFmt.Channels)
		total := int(frameCount) * channels
		for i := 0; i < total; i++ {
			sample, _ := s.ring.pop()
			putFloat32LE(pOutput[i*4:], sample)
		}
	}

	dev, err := malgo.InitDevice(ctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: onSendFrames})
	if err != nil {
		ctx.Uninit()
		ctx.Free()
		return nil, fmt.Errorf("init playback device: %w", err)
	}
	s.dev = dev

	if err := dev.Start(); err != nil {
		dev.Uninit()
		ctx.Uninit()
		ctx.Free()
		return nil, fmt.Errorf("start playback device: %w", err)
	}
	s.started.Store(true)

	return s, nil
}

// Enumerate lists the playback devices available on the default context,
// the supplemented device-enumeration feature from SPEC_FULL.md §10.
func Enumerate() ([]malgo.DeviceInfo, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	defer func() {
		ctx.Uninit()
		ctx.Free()
	}()
	infos, err := ctx.Devices(malgo.Playback)
	if err != nil {
		return nil, fmt.Errorf("enumerate playback devices: %w", err)
	}
	return infos, nil
}

// Write blocks until all of samples have been accepted by the ring bridging
// to the malgo callback, or until the device is closed. This implements the
// mixer's "blocking write sink" expectation from a callback-driven backend
// by busy-waiting with a short backoff whenever the ring is momentarily
// full, analogous to ALSA's snd_pcm_writei blocking semantics.
func (s *MalgoSink) Write(samples []float32) (int, error) {
	if s.closed.Load() {
		return 0, ErrNotOpen
	}

	written := 0
	for written < len(samples) {
		n := s.ring.push(samples[written:])
		written += n
		if written < len(samples) {
			if s.closed.Load() {
				return written, ErrNotOpen
			}
			time.Sleep(time.Millisecond)
		}
	}
	return written, nil
}

// Recover attempts to resume playback after a write error: clears the ring
// (dropping whatever was in flight) and restarts the device if it had
// stopped. Returns ErrFatal-wrapped errors if the device cannot be
// restarted.
func (s *MalgoSink) Recover(cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dev == nil {
		return ErrNotOpen
	}
	s.ring.clear()
	if !s.started.Load() {
		if err := s.dev.Start(); err != nil {
			return fmt.Errorf("%w: %v (recovering from %v)", ErrFatal, err, cause)
		}
		s.started.Store(true)
	}
	return nil
}

// Prepare restarts the device after an idle-drain stop, mirroring
// snd_pcm_prepare in output_alsa_thread's restart branch.
func (s *MalgoSink) Prepare() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dev == nil {
		return ErrNotOpen
	}
	if s.started.Load() {
		return nil
	}
	if err := s.dev.Start(); err != nil {
		return fmt.Errorf("prepare playback device: %w", err)
	}
	s.started.Store(true)
	return nil
}

// Drain waits for queued samples to finish playing and then stops the
// device, mirroring snd_pcm_drain in the idle-timeout branch of
// output_alsa_thread.
func (s *MalgoSink) Drain() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dev == nil {
		return ErrNotOpen
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.ring.occupied() > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if err := s.dev.Stop(); err != nil {
		return fmt.Errorf("stop playback device: %w", err)
	}
	s.started.Store(false)
	return nil
}

// Close releases all device and context resources. Safe to call once;
// subsequent calls are no-ops.
func (s *MalgoSink) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dev != nil {
		s.dev.Stop()
		s.dev.Uninit()
		s.dev = nil
	}
	if s.ctx != nil {
		s.ctx.Uninit()
		s.ctx.Free()
		s.ctx = nil
	}
	return nil
}

func putFloat32LE(dst []byte, v float32) {
	bits := float32bits(v)
	dst[0] = byte(bits)
	dst[1] = byte(bits >> 8)
	dst[2] = byte(bits >> 16)
	dst[3] = byte(bits >> 24)
}

func float32bits(v float32) uint32 {
	return *(*uint32)(unsafe.Pointer(&v))
}
