package receiver

import (
	"context"
	"io"
)

// PlayerHandle is one controllable media-player instance: a single TV's
// video output or loading-screen output. The video and loading-screen
// outputs of a dual-output receiver get four independent handles total.
type PlayerHandle interface {
	// PlayStream starts playback reading from r, beginning paused. r is
	// typically a *jitterBuffer fed by the video socket reader.
	PlayStream(ctx context.Context, r io.Reader) error
	// PlayFile starts playback of a file on disk (loading screens, the
	// silent warm-up clip), looping if loop is true.
	PlayFile(ctx context.Context, path string, loop bool) error
	Resume() error
	SetVolumePct(pct float64) error
	SetCrop(cropFilter string) error
	// Stop halts playback and releases any stream/file currently loaded,
	// but keeps the handle itself usable for a subsequent Play call.
	Stop() error
	// Done is closed when the current playback ends on its own (stream
	// EOF or file finished without looping), never on an explicit Stop.
	Done() <-chan struct{}
	// Release tears the handle down permanently.
	Release()
}

// throttledHandle wraps a PlayerHandle so that at most one volume or crop
// command is ever in flight at a time; a command arriving while the
// previous one is still being applied is dropped with a warning rather than
// queued, matching the receiver's cross-cutting throttling rule.
type throttledHandle struct {
	PlayerHandle

	volBusy  chan struct{}
	cropBusy chan struct{}
}

func newThrottledHandle(h PlayerHandle) *throttledHandle {
	return &throttledHandle{
		PlayerHandle: h,
		volBusy:      make(chan struct{}, 1),
		cropBusy:     make(chan struct{}, 1),
	}
}

// TrySetVolumePct applies pct if no volume command is already in flight,
// reporting false if it was dropped.
func (t *throttledHandle) TrySetVolumePct(pct float64) (applied bool, err error) {
	select {
	case t.volBusy <- struct{}{}:
	default:
		return false, nil
	}
	defer func() { <-t.volBusy }()
	return true, t.SetVolumePct(pct)
}

// TrySetCrop applies cropFilter if no crop command is already in flight,
// reporting false if it was dropped.
func (t *throttledHandle) TrySetCrop(cropFilter string) (applied bool, err error) {
	select {
	case t.cropBusy <- struct{}{}:
	default:
		return false, nil
	}
	defer func() { <-t.cropBusy }()
	return true, t.SetCrop(cropFilter)
}
