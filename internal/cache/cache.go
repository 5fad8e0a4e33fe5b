// Package cache implements the bounded sample cache that sits between a
// sample producer (a background goroutine or on-demand pull) and a single
// consumer. It carries out-of-band format-change annotations co-located
// with sample offsets and exposes the two-tier lock discipline (a coarse
// producer gate plus a fine buffer lock) needed for flush and atomic
// consumer takeover.
//
// Grounded on original_source/src/cache.c (AirCat's cache module); the fill
// policy is parameterized (thread vs. pull) rather than duplicated, per the
// redesign guidance in spec.md §9.
package cache

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/ColonelBlimp/mixengine/internal/format"
)

var (
	// ErrInvalidSize indicates the cache was opened with zero capacity.
	ErrInvalidSize = errors.New("cache: size_frames must be positive")
	// ErrMissingReadFunc indicates no producer callback was supplied.
	ErrMissingReadFunc = errors.New("cache: read function is required")
)

// producerStagingFrames mirrors BUFFER_SIZE/4 in the original cache.c: the
// amount of work a single producer iteration pulls from the input callback
// before it tries to drain into the ring.
const producerStagingFrames = 2048

// backoff is the cooperative sleep the threaded producer takes when its
// staging buffer stays full (the ring has no room), mirroring usleep(1000)
// in cache_read_thread.
const backoff = time.Millisecond

// ReadFunc is the producer callback: fill up to maxFrames frames (each
// frame is Channels samples) into buf, report the format of what was
// written via outFmt (leaving it as format.Zero means "same as before"),
// and return the number of frames produced. Returning io.EOF signals the
// producer has no more data; n may still be positive on the call that
// returns io.EOF if a final partial batch was delivered.
type ReadFunc func(buf []float32, maxFrames int, outFmt *format.Format) (n int, err error)

// segment annotates a run of frames with the format that was authoritative
// starting at some offset. len is the number of frames that preceded this
// segment's activation, counted under the previous format — i.e. how many
// frames remain in the segment ahead of this one before this one takes
// over. See spec.md §3 and original_source/src/cache.c's cache_format.
type segment struct {
	fmt format.Format
	len uint64
}

// Cache is a bounded ring of interleaved float32 frames with an attached
// FIFO of format-change segments. The sample width (float32) is fixed for
// the process; Channels fixes the frame width (samples per frame) for the
// lifetime of the cache.
type Cache struct {
	// mu guards buf, len, fmtList, fmtLen, isReady, eof — the fine "cache
	// state" lock.
	mu sync.Mutex
	// gate is the coarse producer-serializing lock ("input_lock"),
	// implemented as a 1-token channel rather than a second mutex so that
	// Close can force a release without risking an unlock-of-unlocked
	// panic (see spec.md §9's preference for a condvar-like primitive
	// over nested mutexes). It may be held by an external caller across a
	// Flush to atomically freeze production, and is taken internally by
	// the threaded producer and by opportunistic pull-mode refills.
	gate chan struct{}

	channels  int
	sizeFrame int // capacity in frames
	buf       []float32

	len      int // frames currently buffered
	isReady  bool
	eof      bool
	fmtList  []segment
	fmtLen   uint64

	useThread bool
	readFunc  ReadFunc

	stopCh    chan struct{}
	wg        sync.WaitGroup
	flushFlag bool
	closed    bool
}

// Open allocates a cache of sizeFrames capacity and, if useThread is true,
// spawns the background producer goroutine. Fails if sizeFrames is zero or
// readFunc is nil.
func Open(sizeFrames, channels int, useThread bool, readFunc ReadFunc) (*Cache, error) {
	if sizeFrames <= 0 {
		return nil, ErrInvalidSize
	}
	if readFunc == nil {
		return nil, ErrMissingReadFunc
	}
	if channels <= 0 {
		channels = 1
	}

	c := &Cache{
		channels:  channels,
		sizeFrame: sizeFrames,
		buf:       make([]float32, sizeFrames*channels),
		useThread: useThread,
		readFunc:  readFunc,
		stopCh:    make(chan struct{}),
		gate:      make(chan struct{}, 1),
	}
	c.gate <- struct{}{} // gate starts unheld (token present)

	if useThread {
		c.wg.Add(1)
		go c.producerLoop()
	}

	return c, nil
}

// Read is the consumer pull. It copies up to maxFrames frames into buf
// (which must have capacity for maxFrames*Channels samples) and reports
// the format of the first frame copied via outFmt. Until the ring first
// reaches its high-water mark Read returns no frames; once the producer has
// signaled end-of-stream, whatever is still buffered is returned even if the
// ring never filled. Returns io.EOF once the producer has signaled
// end-of-stream and the buffer has drained to empty.
func (c *Cache) Read(buf []float32, maxFrames int) (n int, outFmt format.Format, err error) {
	// Opportunistic refill runs after every unlock on the non-threaded path,
	// including the 0-frame returns below: original_source/src/cache.c's
	// cache_read refills unconditionally whenever !use_thread && len < size,
	// not just on the path that actually copied frames out.
	if !c.useThread {
		defer c.pullRefill()
	}

	c.mu.Lock()

	if c.len == 0 {
		atEOF := c.eof
		c.mu.Unlock()
		if atEOF {
			return 0, format.Zero, io.EOF
		}
		return 0, format.Zero, nil
	}

	if !c.isReady && !c.eof {
		c.mu.Unlock()
		return 0, format.Zero, nil
	}

	n = maxFrames
	if n > c.len {
		n = c.len
	}

	if len(c.fmtList) > 0 {
		head := c.fmtList[0]
		outFmt = head.fmt
		if len(c.fmtList) > 1 {
			next := &c.fmtList[1]
			if int(next.len) < n {
				n = int(next.len)
				c.fmtList = c.fmtList[1:]
			} else {
				next.len -= uint64(n)
			}
		} else {
			c.fmtLen -= uint64(n)
		}
	}

	fw := c.channels
	copy(buf[:n*fw], c.buf[:n*fw])
	remaining := c.len - n
	copy(c.buf[:remaining*fw], c.buf[n*fw:c.len*fw])
	c.len = remaining
	if c.len == 0 {
		c.isReady = false
	}

	c.mu.Unlock()

	return n, outFmt, nil
}

// pullRefill performs the opportunistic producer pull used in non-threaded
// mode: try the producer gate, and if taken, call readFunc directly into
// the free tail of the ring. The gate is acquired and released
// symmetrically on this branch (the asymmetric try-lock/unlock hazard
// noted in spec.md §9 is not reproduced).
func (c *Cache) pullRefill() {
	select {
	case <-c.gate:
	default:
		return
	}
	defer func() { c.gate <- struct{}{} }()

	c.mu.Lock()
	if c.closed || c.len >= c.sizeFrame {
		c.mu.Unlock()
		return
	}
	free := c.sizeFrame - c.len
	writeAt := c.len
	c.mu.Unlock()

	var inFmt format.Format
	fw := c.channels
	n, err := c.readFunc(c.buf[writeAt*fw:(writeAt+free)*fw], free, &inFmt)

	c.mu.Lock()
	defer c.mu.Unlock()

	if n > 0 {
		c.appendFormat(inFmt, n)
		c.len += n
		if c.len == c.sizeFrame {
			c.isReady = true
		}
	}
	if err != nil {
		c.eof = true
	}
}

// appendFormat applies the producer rule: start a new segment when the
// format list is empty or the incoming format is nontrivial and differs
// from the tail, otherwise fold k frames into the running segment.
func (c *Cache) appendFormat(inFmt format.Format, k int) {
	needNew := len(c.fmtList) == 0
	if !needNew && inFmt.Nontrivial() {
		tail := c.fmtList[len(c.fmtList)-1]
		needNew = !inFmt.Equal(tail.fmt)
	}
	if needNew {
		c.fmtList = append(c.fmtList, segment{fmt: inFmt, len: c.fmtLen})
		c.fmtLen = 0
	}
	c.fmtLen += uint64(k)
}

// producerLoop is the threaded producer: it owns the gate across each
// iteration's input_cb call and staging-to-ring drain, mirroring
// cache_read_thread in the original source.
func (c *Cache) producerLoop() {
	defer c.wg.Done()

	staging := make([]float32, producerStagingFrames*c.channels)
	stagedFrames := 0
	var stagedFmt format.Format // last nontrivial format the producer reported

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		select {
		case <-c.gate:
		case <-c.stopCh:
			return
		}

		if c.consumeFlushFlag() {
			stagedFrames = 0
		}

		var eofHit bool
		if stagedFrames < producerStagingFrames {
			var inFmt format.Format
			fw := c.channels
			n, err := c.readFunc(staging[stagedFrames*fw:producerStagingFrames*fw], producerStagingFrames-stagedFrames, &inFmt)
			if n > 0 {
				stagedFrames += n
			}
			if inFmt.Nontrivial() {
				stagedFmt = inFmt
			}
			if err != nil {
				eofHit = true
			}
		}

		c.mu.Lock()
		room := c.sizeFrame - c.len
		take := stagedFrames
		if take > room {
			take = room
		}
		if take > 0 {
			fw := c.channels
			copy(c.buf[c.len*fw:(c.len+take)*fw], staging[:take*fw])
			c.appendFormat(stagedFmt, take)
			c.len += take
			if c.len == c.sizeFrame {
				c.isReady = true
			}
		}
		if eofHit {
			c.eof = true
		}
		c.mu.Unlock()

		if take > 0 {
			fw := c.channels
			copy(staging, staging[take*fw:stagedFrames*fw])
			stagedFrames -= take
		}

		c.gate <- struct{}{}

		if eofHit {
			return
		}

		if stagedFrames >= producerStagingFrames {
			time.Sleep(backoff)
		}
	}
}

func (c *Cache) consumeFlushFlag() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flushFlag {
		c.flushFlag = false
		return true
	}
	return false
}

// Flush empties the buffer and format list unconditionally. The caller
// must have taken the producer gate (via Lock) before calling, exactly as
// spec.md §4.1 requires, so that a producer mid-callback doesn't race the
// reset.
func (c *Cache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.len = 0
	c.isReady = false
	c.fmtList = c.fmtList[:0]
	c.fmtLen = 0
	c.eof = false
	if c.useThread {
		c.flushFlag = true
	}
}

// IsReady reports whether the cache has ever reached its high-water mark
// since the last drain to empty.
func (c *Cache) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isReady
}

// Filling returns progress toward the high-water mark as an integer percent
// 0..100: the buffer occupancy while filling, and 100 from the moment the
// cache becomes ready until it drains to empty.
func (c *Cache) Filling() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isReady {
		return 100
	}
	return c.len * 100 / c.sizeFrame
}

// Delay reports the cache's buffered content converted to milliseconds at
// the given sample rate. This resolves the open question in spec.md §9:
// no richer delay source is defined, so Delay is simply len converted to
// time.
func (c *Cache) Delay(sampleRate uint32) uint64 {
	c.mu.Lock()
	n := c.len
	c.mu.Unlock()
	if sampleRate == 0 {
		return 0
	}
	return uint64(n) * 1000 / uint64(sampleRate)
}

// Lock acquires the producer gate, blocking until available.
func (c *Cache) Lock() { <-c.gate }

// Unlock releases the producer gate. Idempotent: if the gate is already
// unheld (no prior matching Lock, e.g. a Play with nothing to undo), this is
// a no-op rather than over-filling the cap-1 channel and deadlocking the
// next Lock, mirroring the same non-blocking release Close uses to force
// the gate open.
func (c *Cache) Unlock() {
	select {
	case c.gate <- struct{}{}:
	default:
	}
}

// Resize adjusts the cache's frame capacity, preserving buffered content.
// Growing simply extends the backing storage; shrinking below the current
// length drops the oldest buffered frames (never the newest), matching the
// intent of AirCat's cache_set_time: adjust target latency without
// discarding in-flight audio whenever possible. See SPEC_FULL.md §10.
func (c *Cache) Resize(frames int) error {
	if frames <= 0 {
		return ErrInvalidSize
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	fw := c.channels
	newBuf := make([]float32, frames*fw)

	keep := c.len
	if keep > frames {
		dropped := keep - frames
		copy(newBuf, c.buf[dropped*fw:keep*fw])
		keep = frames
		// Oldest dropped frames may have invalidated format segment
		// offsets; collapse the list to a single segment carrying the
		// most recent (tail) format for all kept frames. Format
		// boundaries inside the kept frames are not preserved.
		if len(c.fmtList) > 0 {
			c.fmtList = c.fmtList[len(c.fmtList)-1:]
			c.fmtList[0].len = 0
			c.fmtLen = uint64(keep)
		}
	} else {
		copy(newBuf, c.buf[:keep*fw])
	}

	c.buf = newBuf
	c.sizeFrame = frames
	c.len = keep
	c.isReady = c.len == c.sizeFrame
	return nil
}

// Close stops the producer goroutine (if any) and releases resources. Safe
// to call on an already-closed cache.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	// Force the gate open if some external caller left it held (e.g. an
	// abort that never reached a matching Play/Unlock), mirroring
	// cache_close's unconditional cache_unlock() at the top of the
	// original function. Idempotent: only adds a token if one isn't
	// already present.
	select {
	case c.gate <- struct{}{}:
	default:
	}

	close(c.stopCh)
	if c.useThread {
		c.wg.Wait()
	}
	return nil
}
