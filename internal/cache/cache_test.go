package cache

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/ColonelBlimp/mixengine/internal/format"
)

// constFeed returns a ReadFunc that always reports fmt and fills every
// requested frame with value, forever.
func constFeed(fmtVal format.Format, value float32) ReadFunc {
	announced := false
	return func(buf []float32, maxFrames int, outFmt *format.Format) (int, error) {
		if !announced {
			*outFmt = fmtVal
			announced = true
		}
		for i := range buf {
			buf[i] = value
		}
		return maxFrames, nil
	}
}

func TestOpenRejectsBadArgs(t *testing.T) {
	if _, err := Open(0, 2, false, constFeed(format.Format{}, 0)); err != ErrInvalidSize {
		t.Errorf("Open(0, ...) err = %v, want ErrInvalidSize", err)
	}
	if _, err := Open(64, 2, false, nil); err != ErrMissingReadFunc {
		t.Errorf("Open(..., nil) err = %v, want ErrMissingReadFunc", err)
	}
}

func TestPullRefillRoundTrip(t *testing.T) {
	want := format.Format{SampleRate: 48000, Channels: 2}
	c, err := Open(16, 2, false, constFeed(want, 0.5))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	// First Read finds an empty cache: report nothing yet, then opportunistically
	// refill so a subsequent Read succeeds.
	buf := make([]float32, 16*2)
	n, _, err := c.Read(buf, 8)
	if err != nil {
		t.Fatalf("first Read err = %v", err)
	}
	if n != 0 {
		t.Fatalf("first Read n = %d, want 0 (empty cache)", n)
	}

	// Give the opportunistic refill triggered by the first Read time to land.
	deadline := time.Now().Add(time.Second)
	for c.Filling() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	n, gotFmt, err := c.Read(buf, 8)
	if err != nil {
		t.Fatalf("second Read err = %v", err)
	}
	if n != 8 {
		t.Fatalf("second Read n = %d, want 8", n)
	}
	if !gotFmt.Equal(want) {
		t.Errorf("second Read format = %+v, want %+v", gotFmt, want)
	}
	for i, v := range buf[:n*2] {
		if v != 0.5 {
			t.Fatalf("buf[%d] = %v, want 0.5", i, v)
		}
	}
}

func TestThreadedProducerFillsToReady(t *testing.T) {
	c, err := Open(32, 1, true, constFeed(format.Format{SampleRate: 8000, Channels: 1}, 1))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	deadline := time.Now().Add(2 * time.Second)
	for !c.IsReady() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !c.IsReady() {
		t.Fatal("cache never became ready")
	}
	if got := c.Filling(); got != 100 {
		t.Errorf("Filling() = %d, want 100", got)
	}
}

func TestFormatBoundarySegmentsSpanRead(t *testing.T) {
	fmtA := format.Format{SampleRate: 8000, Channels: 1}
	fmtB := format.Format{SampleRate: 16000, Channels: 1}

	calls := 0
	feed := func(buf []float32, maxFrames int, outFmt *format.Format) (int, error) {
		calls++
		switch calls {
		case 1:
			*outFmt = fmtA
			for i := range buf[:4] {
				buf[i] = 1
			}
			return 4, nil
		case 2:
			*outFmt = fmtB
			for i := range buf[:4] {
				buf[i] = 2
			}
			return 4, nil
		default:
			return 0, io.EOF
		}
	}

	c, err := Open(8, 1, false, feed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	// Drive two opportunistic refills directly: first Read is a no-op on an
	// empty cache but kicks pullRefill.
	buf := make([]float32, 16)
	c.Read(buf, 4)
	waitFilling(t, c, 4)
	c.pullRefill()
	waitFilling(t, c, 8)

	n, gotFmt, err := c.Read(buf, 8)
	if err != nil {
		t.Fatalf("Read err = %v", err)
	}
	if n != 4 {
		t.Fatalf("Read n = %d, want 4 (clamped at format boundary)", n)
	}
	if !gotFmt.Equal(fmtA) {
		t.Errorf("Read format = %+v, want %+v", gotFmt, fmtA)
	}

	n, gotFmt, err = c.Read(buf, 4)
	if err != nil {
		t.Fatalf("second Read err = %v", err)
	}
	if n != 4 {
		t.Fatalf("second Read n = %d, want 4", n)
	}
	if !gotFmt.Equal(fmtB) {
		t.Errorf("second Read format = %+v, want %+v", gotFmt, fmtB)
	}
}

func waitFilling(t *testing.T, c *Cache, frames int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for c.len < frames && time.Now().Before(deadline) {
		c.mu.Lock()
		l := c.len
		c.mu.Unlock()
		if l >= frames {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

func TestFlushIsIdempotentAndClearsReady(t *testing.T) {
	c, err := Open(8, 1, false, constFeed(format.Format{SampleRate: 8000, Channels: 1}, 0))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	c.Lock()
	c.Flush()
	c.Unlock()
	c.Lock()
	c.Flush()
	c.Unlock()

	if c.IsReady() {
		t.Error("IsReady() = true after flush, want false")
	}
	if c.Filling() != 0 {
		t.Errorf("Filling() = %d after flush, want 0", c.Filling())
	}
}

func TestEndOfStreamThreaded(t *testing.T) {
	calls := 0
	feed := func(buf []float32, maxFrames int, outFmt *format.Format) (int, error) {
		calls++
		if calls == 1 {
			for i := range buf[:2] {
				buf[i] = 1
			}
			return 2, io.EOF
		}
		return 0, io.EOF
	}

	c, err := Open(8, 1, true, feed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	buf := make([]float32, 8)
	deadline := time.Now().Add(time.Second)
	var n int
	var readErr error
	for time.Now().Before(deadline) {
		n, _, readErr = c.Read(buf, 8)
		if n > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if readErr != nil {
		t.Fatalf("Read before drain err = %v", readErr)
	}
	if n != 2 {
		t.Fatalf("Read n = %d, want 2", n)
	}

	// Buffer is now empty and EOF has been observed by the producer: next
	// Read must report io.EOF.
	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		_, _, readErr = c.Read(buf, 8)
		if readErr == io.EOF {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if readErr != io.EOF {
		t.Fatalf("final Read err = %v, want io.EOF", readErr)
	}
}

func TestEndOfStreamPullMode(t *testing.T) {
	served := false
	feed := func(buf []float32, maxFrames int, outFmt *format.Format) (int, error) {
		if !served {
			served = true
			for i := range buf[:2] {
				buf[i] = 1
			}
			return 2, nil
		}
		return 0, io.EOF
	}

	c, err := Open(8, 1, false, feed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	buf := make([]float32, 8)
	c.Read(buf, 8) // empty cache: triggers refill, returns 0
	waitFilling(t, c, 2)

	// The ring holds 2 of 8 frames and EOF has not been seen yet, so this
	// Read returns nothing; its own pullRefill call observes EOF.
	n, _, err := c.Read(buf, 8)
	if n != 0 {
		t.Fatalf("pre-EOF Read n = %d, want 0 (cache not yet full)", n)
	}
	if err != nil {
		t.Fatalf("pre-EOF Read err = %v, want nil (EOF not yet visible)", err)
	}

	// With EOF seen, the partial buffer drains even though it never filled.
	n, _, err = c.Read(buf, 8)
	if err != nil {
		t.Fatalf("drain Read err = %v", err)
	}
	if n != 2 {
		t.Fatalf("drain Read n = %d, want 2", n)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		_, _, err = c.Read(buf, 8)
		if err == io.EOF {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if err != io.EOF {
		t.Fatalf("final Read err = %v, want io.EOF", err)
	}
}

func TestResizeGrowExtendsCapacity(t *testing.T) {
	fmtA := format.Format{SampleRate: 8000, Channels: 1}
	c, err := Open(4, 1, false, constFeed(fmtA, 9))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	c.pullRefill()
	waitFilling(t, c, 4)

	if err := c.Resize(8); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	c.mu.Lock()
	gotSize := c.sizeFrame
	c.mu.Unlock()
	if gotSize != 8 {
		t.Errorf("sizeFrame = %d, want 8", gotSize)
	}
}

func TestResizeShrinkDropsOldestFrames(t *testing.T) {
	c, err := Open(8, 1, false, constFeed(format.Format{SampleRate: 8000, Channels: 1}, 3))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	c.pullRefill()
	waitFilling(t, c, 8)

	if err := c.Resize(4); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	c.mu.Lock()
	gotLen := c.len
	gotSize := c.sizeFrame
	c.mu.Unlock()
	if gotSize != 4 {
		t.Errorf("sizeFrame = %d, want 4", gotSize)
	}
	if gotLen != 4 {
		t.Errorf("len = %d, want 4", gotLen)
	}
}

func TestResizeRejectsNonPositive(t *testing.T) {
	c, err := Open(4, 1, false, constFeed(format.Format{}, 0))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	if err := c.Resize(0); err != ErrInvalidSize {
		t.Errorf("Resize(0) err = %v, want ErrInvalidSize", err)
	}
}

func TestCloseIsIdempotentAndConcurrencySafe(t *testing.T) {
	c, err := Open(8, 1, true, constFeed(format.Format{SampleRate: 8000, Channels: 1}, 0))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Close()
		}()
	}
	wg.Wait()
}

func TestCloseReleasesAnExternallyHeldGate(t *testing.T) {
	c, err := Open(8, 1, false, constFeed(format.Format{}, 0))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	// Simulate an aborted stream that took the gate and never released it.
	c.Lock()

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Close must not panic or deadlock despite the gate being held.
}
