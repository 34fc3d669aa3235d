// Package receiver implements the receiver-node state machine: decoding
// control messages from the broadcaster and driving per-TV libVLC handles
// for video and loading-screen playback, fed from the video multicast
// socket.
package receiver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dasl-/piwallgo/control"
	"github.com/dasl-/piwallgo/mcast"
	"github.com/dasl-/piwallgo/tvid"
	"github.com/dasl-/piwallgo/wallgeom"
)

const (
	defaultJitterBufferCapacity     = 64 * 1024 * 1024
	defaultFirstDatagramTimeout     = 60 * time.Second
	defaultSubsequentDatagramTimeout = 10 * time.Second
)

var errStreamTimeout = errors.New("receiver: no video data before timeout")

// videoReceiver is the subset of *mcast.Conn the ingestion loop needs;
// accepting it as an interface keeps the loop testable without a real
// multicast socket.
type videoReceiver interface {
	Receive(ctx context.Context, buf []byte) (int, error)
}

// Config configures one Receiver.
type Config struct {
	// TVIDs lists the TVs this receiver host drives: one entry for a
	// single-output host, two for dual-output.
	TVIDs []tvid.ID

	// VideoConn is the receive-only multicast socket carrying MPEG-TS
	// chunks and the final EndOfVideoSentinel datagram.
	VideoConn videoReceiver

	// NewHandle builds one controllable player instance named name (used
	// for log lines and fifo naming); tests substitute a fake.
	NewHandle func(name string) (PlayerHandle, error)

	JitterBufferCapacity      int
	FirstDatagramTimeout      time.Duration
	SubsequentDatagramTimeout time.Duration

	// WarmUpClipPath, if set, is loaded (and left paused) at start-up on a
	// throwaway handle that is released right away, before the real per-TV
	// handles are instantiated, so the
	// player daemon's bus/files are already initialized by the time the
	// first real video arrives.
	WarmUpClipPath string

	// FramebufferDevice, if set, is blanked at start-up and left blank at
	// shutdown (best-effort; absence of the device is not an error).
	FramebufferDevice string

	Log *slog.Logger
}

// tvState is the per-TV runtime state: cached crop rectangles, the current
// display mode, and its two (video and loading-screen) player handles.
type tvState struct {
	id tvid.ID

	video   *throttledHandle
	loading *throttledHandle

	crops       control.CropPair
	hasCrops    bool
	displayMode string

	jitter *jitterBuffer
}

// Receiver is the receiver host's control.Handler: it owns every TV attached
// to this host and the video-socket ingestion loop that feeds them.
type Receiver struct {
	cfg Config
	log *slog.Logger

	mu           sync.Mutex
	tvs          map[tvid.ID]*tvState
	state        State
	loadingState LoadingState
	currentVideo string

	firstDatagramSeen bool
}

// New builds a Receiver and its per-TV player handles, playing the warm-up
// clip and blanking the framebuffer along the way.
func New(cfg Config) (*Receiver, error) {
	if len(cfg.TVIDs) == 0 {
		return nil, fmt.Errorf("receiver: no tv_ids configured")
	}
	if cfg.VideoConn == nil {
		return nil, fmt.Errorf("receiver: no video conn configured")
	}
	if cfg.NewHandle == nil {
		return nil, fmt.Errorf("receiver: no handle factory configured")
	}
	if cfg.JitterBufferCapacity <= 0 {
		cfg.JitterBufferCapacity = defaultJitterBufferCapacity
	}
	if cfg.FirstDatagramTimeout <= 0 {
		cfg.FirstDatagramTimeout = defaultFirstDatagramTimeout
	}
	if cfg.SubsequentDatagramTimeout <= 0 {
		cfg.SubsequentDatagramTimeout = defaultSubsequentDatagramTimeout
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "receiver")

	if cfg.FramebufferDevice != "" {
		if err := blankFramebuffer(cfg.FramebufferDevice); err != nil {
			log.Warn("blank framebuffer", "error", err)
		}
	}

	if cfg.WarmUpClipPath != "" {
		warmUp, err := cfg.NewHandle("warmup")
		if err != nil {
			log.Warn("warm-up handle unavailable", "error", err)
		} else {
			if err := warmUp.PlayFile(context.Background(), cfg.WarmUpClipPath, false); err != nil {
				log.Warn("warm-up playback failed", "error", err)
			}
			warmUp.Release()
		}
	}

	r := &Receiver{
		cfg:   cfg,
		log:   log,
		tvs:   make(map[tvid.ID]*tvState, len(cfg.TVIDs)),
		state: StateIdle,
	}

	for _, id := range cfg.TVIDs {
		videoH, err := cfg.NewHandle(string(id) + ".video")
		if err != nil {
			return nil, fmt.Errorf("receiver: build video handle for %s: %w", id, err)
		}
		loadingH, err := cfg.NewHandle(string(id) + ".loading")
		if err != nil {
			return nil, fmt.Errorf("receiver: build loading handle for %s: %w", id, err)
		}
		r.tvs[id] = &tvState{
			id:      id,
			video:   newThrottledHandle(videoH),
			loading: newThrottledHandle(loadingH),
		}
	}

	return r, nil
}

// Run drives the video-socket ingestion loop until ctx is cancelled.
func (r *Receiver) Run(ctx context.Context) error {
	r.log.Info("receiver running", "tvs", len(r.tvs))
	err := r.ingestLoop(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases every player handle and, if a framebuffer device is
// configured, blanks it again, so the screen is left black. The console
// contents from before start-up are not restored.
func (r *Receiver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tv := range r.tvs {
		tv.video.Release()
		tv.loading.Release()
	}
	if r.cfg.FramebufferDevice != "" {
		if err := blankFramebuffer(r.cfg.FramebufferDevice); err != nil {
			r.log.Warn("restore framebuffer", "error", err)
		}
	}
}

// --- control.Handler ---

func (r *Receiver) InitVideo(c control.InitVideoContent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateIdle {
		r.log.Info("init_video preempting prior video", "prior_video_id", r.currentVideo, "new_video_id", c.VideoID)
		r.terminateVideoLocked()
	}

	r.currentVideo = c.VideoID
	r.firstDatagramSeen = false

	for id, tv := range r.tvs {
		if crops, ok := c.Crops[id]; ok {
			tv.crops = crops
			tv.hasCrops = true
		}
		if mode, ok := c.DisplayModes[id]; ok {
			tv.displayMode = mode
		}

		tv.jitter = newJitterBuffer(r.cfg.JitterBufferCapacity)
		if err := tv.video.PlayStream(context.Background(), tv.jitter); err != nil {
			r.log.Error("start video stream", "tv_id", id, "error", err)
			continue
		}
		if cropFilter, ok := tv.activeCropFilter(); ok {
			if _, err := tv.video.TrySetCrop(cropFilter); err != nil {
				r.log.Warn("apply initial crop", "tv_id", id, "error", err)
			}
		}
		go r.watchPlayerExit(id, tv.video, c.VideoID)
	}

	r.state = StatePlayingPaused
}

func (r *Receiver) PlayVideo(control.PlayVideoContent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StatePlayingPaused {
		r.log.Warn("play_video ignored outside playing_paused", "state", r.state)
		return
	}
	for id, tv := range r.tvs {
		if err := tv.video.Resume(); err != nil {
			r.log.Error("resume video", "tv_id", id, "error", err)
		}
	}
	r.state = StatePlaying
}

func (r *Receiver) SkipVideo(c control.SkipVideoContent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c.VideoID != r.currentVideo {
		r.log.Info("skip_video ignored, stale video_id", "got", c.VideoID, "current", r.currentVideo)
		return
	}
	if r.state == StateIdle {
		return
	}
	r.terminateVideoLocked()
	r.state = StateIdle
}

func (r *Receiver) Volume(c control.VolumeContent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, tv := range r.tvs {
		applied, err := tv.video.TrySetVolumePct(float64(c.Volume))
		if err != nil {
			r.log.Error("set volume", "tv_id", id, "error", err)
		} else if !applied {
			r.log.Warn("volume command dropped, one already in flight", "tv_id", id)
		}
	}
}

func (r *Receiver) DisplayMode(c control.DisplayModeContent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, tv := range r.tvs {
		mode, ok := c.Modes[id]
		if !ok {
			continue
		}
		tv.displayMode = mode
		if r.state == StateIdle {
			continue
		}
		cropFilter, ok := tv.activeCropFilter()
		if !ok {
			continue
		}
		applied, err := tv.video.TrySetCrop(cropFilter)
		if err != nil {
			r.log.Error("apply crop", "tv_id", id, "error", err)
		} else if !applied {
			r.log.Warn("crop command dropped, one already in flight", "tv_id", id)
		}
	}
}

func (r *Receiver) ShowLoadingScreen(c control.ShowLoadingScreenContent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, tv := range r.tvs {
		if err := tv.loading.PlayFile(context.Background(), c.ScreenPath, true); err != nil {
			r.log.Error("show loading screen", "tv_id", id, "error", err)
		}
	}
	r.loadingState = LoadingShowing
}

func (r *Receiver) EndLoadingScreen(control.EndLoadingScreenContent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, tv := range r.tvs {
		if err := tv.loading.Stop(); err != nil {
			r.log.Error("end loading screen", "tv_id", id, "error", err)
		}
	}
	r.loadingState = LoadingOff
}

// terminateVideoLocked stops every TV's video player and closes its jitter
// buffer. Callers must hold r.mu.
func (r *Receiver) terminateVideoLocked() {
	for _, tv := range r.tvs {
		if tv.jitter != nil {
			tv.jitter.Close(errors.New("receiver: video terminated"))
			tv.jitter = nil
		}
		if err := tv.video.Stop(); err != nil {
			r.log.Warn("stop video handle", "tv_id", tv.id, "error", err)
		}
	}
}

// watchPlayerExit transitions to idle if the player for videoID finishes on
// its own (stream EOF) while this receiver is still playing that video.
func (r *Receiver) watchPlayerExit(id tvid.ID, h *throttledHandle, videoID string) {
	<-h.Done()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.currentVideo != videoID || r.state != StatePlaying {
		return
	}
	r.log.Info("video finished", "tv_id", id, "video_id", videoID)
	r.terminateVideoLocked()
	r.state = StateIdle
}

// activeCropFilter returns the libVLC crop-geometry string for tv's current
// display mode, if crops have been received yet.
func (tv *tvState) activeCropFilter() (string, bool) {
	if !tv.hasCrops {
		return "", false
	}
	rect := tv.crops.Tile
	if tv.displayMode == "repeat" {
		rect = tv.crops.Repeat
	}
	return wallgeom.CropFilterString(rect), true
}

// --- video-socket ingestion ---

func (r *Receiver) ingestLoop(ctx context.Context) error {
	buf := make([]byte, mcast.MaxDatagramSize)
	for {
		timeout := r.nextDatagramTimeout()
		recvCtx := ctx
		var cancel context.CancelFunc
		if timeout > 0 {
			recvCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		n, err := r.cfg.VideoConn.Receive(recvCtx, buf)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.onStreamTimeout()
			continue
		}
		r.handleVideoDatagram(buf[:n])
	}
}

func (r *Receiver) nextDatagramTimeout() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	active := false
	for _, tv := range r.tvs {
		if tv.jitter != nil {
			active = true
			break
		}
	}
	if !active {
		return 0
	}
	if !r.firstDatagramSeen {
		return r.cfg.FirstDatagramTimeout
	}
	return r.cfg.SubsequentDatagramTimeout
}

func (r *Receiver) handleVideoDatagram(payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.firstDatagramSeen = true

	if bytes.Equal(payload, mcast.EndOfVideoSentinel) {
		for _, tv := range r.tvs {
			if tv.jitter != nil {
				tv.jitter.Close(nil)
				tv.jitter = nil
			}
		}
		r.firstDatagramSeen = false
		return
	}

	for id, tv := range r.tvs {
		if tv.jitter == nil {
			continue
		}
		if _, err := tv.jitter.Write(payload); err != nil {
			r.log.Warn("write to jitter buffer", "tv_id", id, "error", err)
		}
	}
}

func (r *Receiver) onStreamTimeout() {
	r.mu.Lock()
	defer r.mu.Unlock()
	anyActive := false
	for _, tv := range r.tvs {
		if tv.jitter != nil {
			anyActive = true
			tv.jitter.Close(errStreamTimeout)
			tv.jitter = nil
		}
	}
	if !anyActive {
		return
	}
	r.log.Error("video datagram timeout, abandoning stream", "video_id", r.currentVideo)
	r.terminateVideoLocked()
	r.state = StateIdle
	r.firstDatagramSeen = false
}
