package receiver

import (
	"context"
	"io"
	"sync"
)

// fakeHandle is a PlayerHandle test double recording every call made to it.
// SetVolumePct/SetCrop optionally block on a caller-supplied gate so tests
// can exercise the throttling behavior of throttledHandle.
type fakeHandle struct {
	mu sync.Mutex

	streamedFrom []byte
	playedFiles  []string
	looped       []bool
	resumed      int
	volumes      []float64
	crops        []string
	stopped      int
	released     int

	volGate  chan struct{} // if non-nil, SetVolumePct blocks until receive
	cropGate chan struct{}

	done chan struct{}
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{done: make(chan struct{})}
}

func (f *fakeHandle) PlayStream(ctx context.Context, r io.Reader) error {
	// Drain asynchronously, mirroring vlcHandle's fifo-feeder goroutine:
	// PlayStream must not block the caller waiting on stream EOF.
	go func() {
		b, _ := io.ReadAll(r)
		f.mu.Lock()
		f.streamedFrom = b
		f.mu.Unlock()
	}()
	return nil
}

func (f *fakeHandle) PlayFile(ctx context.Context, path string, loop bool) error {
	f.mu.Lock()
	f.playedFiles = append(f.playedFiles, path)
	f.looped = append(f.looped, loop)
	f.mu.Unlock()
	return nil
}

func (f *fakeHandle) Resume() error {
	f.mu.Lock()
	f.resumed++
	f.mu.Unlock()
	return nil
}

func (f *fakeHandle) SetVolumePct(pct float64) error {
	if f.volGate != nil {
		<-f.volGate
	}
	f.mu.Lock()
	f.volumes = append(f.volumes, pct)
	f.mu.Unlock()
	return nil
}

func (f *fakeHandle) SetCrop(cropFilter string) error {
	if f.cropGate != nil {
		<-f.cropGate
	}
	f.mu.Lock()
	f.crops = append(f.crops, cropFilter)
	f.mu.Unlock()
	return nil
}

func (f *fakeHandle) Stop() error {
	f.mu.Lock()
	f.stopped++
	f.mu.Unlock()
	return nil
}

func (f *fakeHandle) Done() <-chan struct{} {
	return f.done
}

func (f *fakeHandle) Release() {
	f.mu.Lock()
	f.released++
	f.mu.Unlock()
}

// finish closes done, simulating the underlying player reaching end-of-media
// on its own.
func (f *fakeHandle) finish() {
	close(f.done)
}
