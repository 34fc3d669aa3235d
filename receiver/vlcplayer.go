package receiver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	libvlc "github.com/adrg/libvlc-go/v3"
	"golang.org/x/sys/unix"
)

var (
	vlcInitOnce sync.Once
	vlcInitErr  error
)

func ensureVLCInit() error {
	vlcInitOnce.Do(func() {
		vlcInitErr = libvlc.Init(
			"--intf=dummy",
			"--no-interact",
			"--no-video-title-show",
			"--no-osd",
			"--no-dbus",
			"--fullscreen",
			"--quiet",
		)
	})
	return vlcInitErr
}

// vlcHandle is a PlayerHandle backed by libVLC via CGO, standing in for the
// original design's omxplayer-over-dbus control surface. Live multicast
// streams are fed to libVLC through a named pipe, since this binding only
// exposes path/URL-based media loading.
type vlcHandle struct {
	log    *slog.Logger
	name   string // e.g. "tv1.video", for log lines and fifo naming
	fifoID int

	mu       sync.Mutex
	player   *libvlc.Player
	media    *libvlc.Media
	em       *libvlc.EventManager
	eventIDs []libvlc.EventID
	done     chan struct{}
	fifoPath string
}

// NewVLCPlayerHandle builds a libVLC-backed PlayerHandle, for wiring into
// Config.NewHandle from cmd/receive.
func NewVLCPlayerHandle(log *slog.Logger, name string) (PlayerHandle, error) {
	return newVLCHandle(log, name)
}

// newVLCHandle creates one controllable player instance on libVLC's default
// video output; it selects no per-output display target.
func newVLCHandle(log *slog.Logger, name string) (*vlcHandle, error) {
	if err := ensureVLCInit(); err != nil {
		return nil, fmt.Errorf("receiver: libvlc init: %w", err)
	}
	player, err := libvlc.NewPlayer()
	if err != nil {
		return nil, fmt.Errorf("receiver: new player %s: %w", name, err)
	}
	return &vlcHandle{log: log.With("player", name), name: name, player: player}, nil
}

func (h *vlcHandle) PlayStream(ctx context.Context, r io.Reader) error {
	fifoPath, err := h.makeFIFO()
	if err != nil {
		return err
	}

	feedDone := make(chan struct{})
	go func() {
		defer close(feedDone)
		f, ferr := os.OpenFile(fifoPath, os.O_WRONLY, 0o600)
		if ferr != nil {
			h.log.Error("open fifo for writing", "error", ferr)
			return
		}
		defer f.Close()
		if _, cerr := io.Copy(f, r); cerr != nil {
			h.log.Warn("fifo feed ended", "error", cerr)
		}
	}()
	go func() {
		<-ctx.Done()
		h.removeFIFO()
	}()

	if err := h.loadAndPause(fifoPath); err != nil {
		h.removeFIFO()
		return err
	}
	return nil
}

// PlayFile loads path paused and, when loop is set, resumes it at once.
// libVLC plays the file a single time: no repeat option is set, so a file
// is not restarted when it ends, whatever loop says.
func (h *vlcHandle) PlayFile(ctx context.Context, path string, loop bool) error {
	if err := h.loadAndPause(path); err != nil {
		return err
	}
	if loop {
		// Loading screens play immediately rather than waiting for a
		// PLAY_VIDEO.
		return h.Resume()
	}
	return nil
}

func (h *vlcHandle) loadAndPause(path string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.media != nil {
		h.media.Release()
		h.media = nil
	}

	media, err := libvlc.NewMediaFromPath(path)
	if err != nil {
		return fmt.Errorf("receiver: load media %s: %w", path, err)
	}
	if err := h.player.SetMedia(media); err != nil {
		media.Release()
		return fmt.Errorf("receiver: set media %s: %w", path, err)
	}
	h.media = media

	done := make(chan struct{})
	h.done = done
	if err := h.attachEndEventLocked(done); err != nil {
		h.log.Warn("attach end-reached event", "error", err)
	}

	if err := h.player.Play(); err != nil {
		return fmt.Errorf("receiver: play %s: %w", path, err)
	}
	return h.player.SetPause(true)
}

func (h *vlcHandle) attachEndEventLocked(done chan struct{}) error {
	em, err := h.player.EventManager()
	if err != nil {
		return err
	}
	h.em = em
	eventID, err := em.Attach(libvlc.MediaPlayerEndReached, func(*libvlc.Event, any) {
		select {
		case <-done:
		default:
			close(done)
		}
	}, nil)
	if err != nil {
		return err
	}
	h.eventIDs = []libvlc.EventID{eventID}
	return nil
}

func (h *vlcHandle) Resume() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.player.SetPause(false)
}

func (h *vlcHandle) SetVolumePct(pct float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	audio, err := h.player.Audio()
	if err != nil {
		return fmt.Errorf("receiver: audio manager: %w", err)
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return audio.SetVolume(int(pct))
}

func (h *vlcHandle) SetCrop(cropFilter string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	video, err := h.player.Video()
	if err != nil {
		return fmt.Errorf("receiver: video manager: %w", err)
	}
	return video.SetCropGeometry(cropFilter)
}

func (h *vlcHandle) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.player.Stop(); err != nil {
		return fmt.Errorf("receiver: stop %s: %w", h.name, err)
	}
	h.removeFIFO()
	return nil
}

func (h *vlcHandle) Done() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done == nil {
		d := make(chan struct{})
		h.done = d
	}
	return h.done
}

func (h *vlcHandle) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.player != nil {
		h.player.Stop()
		h.player.Release()
		h.player = nil
	}
	if h.media != nil {
		h.media.Release()
		h.media = nil
	}
	h.removeFIFOLocked()
}

func (h *vlcHandle) makeFIFO() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeFIFOLocked()
	h.fifoID++
	path := filepath.Join(os.TempDir(), fmt.Sprintf("piwallgo-%s-%d.fifo", h.name, h.fifoID))
	if err := unix.Mkfifo(path, 0o600); err != nil {
		return "", fmt.Errorf("receiver: mkfifo %s: %w", path, err)
	}
	h.fifoPath = path
	return path, nil
}

func (h *vlcHandle) removeFIFO() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeFIFOLocked()
}

func (h *vlcHandle) removeFIFOLocked() {
	if h.fifoPath == "" {
		return
	}
	_ = os.Remove(h.fifoPath)
	h.fifoPath = ""
}
