package receiver

import (
	"io"
	"sync"
)

// jitterBuffer is a bounded, single-writer/single-reader byte queue sitting
// between the multicast socket reader and the player feed: a slow write to
// the player must never block the socket reader from draining incoming UDP
// datagrams (the kernel's receive buffer is small and fills fast), and a
// stalled network read must never starve the player once data is queued.
// This is the in-process analogue of the original design's external
// mbuffer process.
type jitterBuffer struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	buf      []byte
	capacity int
	closed   bool
	err      error
}

// newJitterBuffer builds a jitter buffer capped at capacity bytes of
// buffered-but-unread data.
func newJitterBuffer(capacity int) *jitterBuffer {
	jb := &jitterBuffer{capacity: capacity}
	jb.notEmpty = sync.NewCond(&jb.mu)
	jb.notFull = sync.NewCond(&jb.mu)
	return jb
}

// Write blocks until there is room for all of p, or the buffer is closed.
func (jb *jitterBuffer) Write(p []byte) (int, error) {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	written := 0
	for written < len(p) {
		if jb.closed {
			return written, io.ErrClosedPipe
		}
		room := jb.capacity - len(jb.buf)
		if room <= 0 {
			jb.notFull.Wait()
			continue
		}
		n := len(p) - written
		if n > room {
			n = room
		}
		jb.buf = append(jb.buf, p[written:written+n]...)
		written += n
		jb.notEmpty.Broadcast()
	}
	return written, nil
}

// Read blocks until at least one byte is available, EOF is signaled via
// Close(nil), or an error is signaled via Close(err).
func (jb *jitterBuffer) Read(p []byte) (int, error) {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	for len(jb.buf) == 0 && !jb.closed {
		jb.notEmpty.Wait()
	}
	if len(jb.buf) > 0 {
		n := copy(p, jb.buf)
		jb.buf = jb.buf[n:]
		jb.notFull.Broadcast()
		return n, nil
	}
	if jb.err != nil {
		return 0, jb.err
	}
	return 0, io.EOF
}

// Close marks the buffer finished. Once the remaining buffered bytes are
// drained, Read returns err (nil meaning plain io.EOF).
func (jb *jitterBuffer) Close(err error) error {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	if jb.closed {
		return nil
	}
	jb.closed = true
	jb.err = err
	jb.notEmpty.Broadcast()
	jb.notFull.Broadcast()
	return nil
}

// Buffered reports how many bytes are currently queued but unread.
func (jb *jitterBuffer) Buffered() int {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	return len(jb.buf)
}
