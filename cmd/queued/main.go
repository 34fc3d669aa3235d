// Command queued is the broadcaster's queue daemon: it watches the playlist
// for the next video to play and spawns the broadcast binary as a
// subprocess for each one in turn, tearing it down early on a skip request.
// It also drives the animator's tick loop, periodically republishes the
// current volume, and exposes metrics/health over HTTP. This mirrors
// piwall2's Queue class, which shells out to `bin/broadcast` per playlist
// item rather than running the broadcast pipeline in-process.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dasl-/piwallgo/animator"
	"github.com/dasl-/piwallgo/configload"
	"github.com/dasl-/piwallgo/control"
	"github.com/dasl-/piwallgo/mcast"
	"github.com/dasl-/piwallgo/obsv"
	"github.com/dasl-/piwallgo/queue"
	"github.com/dasl-/piwallgo/settings"
	"github.com/dasl-/piwallgo/store"
	"github.com/dasl-/piwallgo/tvid"
	"github.com/dasl-/piwallgo/volume"
)

const (
	queueTickInterval  = 50 * time.Millisecond
	volumeRepublishInterval = 2 * time.Second
)

func main() {
	dbPath := flag.String("db", "piwallgo.db", "path to the shared SQLite database")
	broadcastBin := flag.String("broadcast-bin", "", "path to the broadcast binary (default: alongside this binary)")
	configPath := flag.String("config", "wall.toml", "path to the wall TOML config")
	group := flag.String("group", mcast.DefaultGroup, "multicast group")
	controlPort := flag.Int("control-port", mcast.DefaultControlPort, "control channel port")
	metricsAddr := flag.String("metrics-addr", ":9090", "address for the /metrics and /healthz endpoints")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	binPath := *broadcastBin
	if binPath == "" {
		if self, err := os.Executable(); err == nil {
			binPath = filepath.Join(filepath.Dir(self), "broadcast")
		} else {
			binPath = "broadcast"
		}
	}

	wallConfig, err := configload.Load(*configPath)
	if err != nil {
		logger.Error("load wall config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	db, err := store.Open(ctx, *dbPath)
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	q := queue.New(db)
	settingsDB := settings.New(db)

	if err := q.CleanUpState(ctx); err != nil {
		logger.Error("clean up playlist state", "error", err)
	}

	volCtl := volume.NewController()
	if err := volCtl.SetPct(ctx, 100); err != nil {
		logger.Warn("initial volume set failed", "error", err)
	}

	controlConn, err := mcast.OpenSender(*group, *controlPort, logger)
	if err != nil {
		logger.Error("open control sender", "error", err)
		os.Exit(1)
	}
	defer controlConn.Close()

	metrics := obsv.New()
	metricsSrv := obsv.NewServer(*metricsAddr, metrics, logger)

	displaySetter := &wallDisplaySetter{
		settings: settingsDB,
		conn:     controlConn,
		metrics:  metrics,
		log:      logger,
	}
	anim := animator.New(settingsDB, wallConfig, displaySetter, logger)

	qd := &queueDaemon{log: logger, queue: q, binPath: binPath, metrics: metrics}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return qd.run(ctx) })
	g.Go(func() error { return runAnimatorLoop(ctx, anim, metrics) })
	g.Go(func() error { return runVolumeRepublishLoop(ctx, volCtl, controlConn, metrics, logger) })
	g.Go(func() error { return metricsSrv.Start(ctx) })

	if err := g.Wait(); err != nil {
		logger.Error("queued exited with error", "error", err)
		os.Exit(1)
	}
}

// runAnimatorLoop ticks the animator at its configured cadence until ctx is
// cancelled.
func runAnimatorLoop(ctx context.Context, anim *animator.Animator, metrics *obsv.Metrics) error {
	interval := time.Second / animator.TicksPerSecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := anim.Tick(ctx); err != nil {
				slog.Default().Warn("animator tick failed", "error", err)
				continue
			}
			metrics.AnimatorTicks.Inc()
		}
	}
}

// runVolumeRepublishLoop re-sends the current volume over the control
// channel periodically, so a receiver that missed (or restarted after) the
// last explicit VOLUME message still converges on the right level.
func runVolumeRepublishLoop(ctx context.Context, volCtl *volume.Controller, conn *mcast.Conn, metrics *obsv.Metrics, log *slog.Logger) error {
	ticker := time.NewTicker(volumeRepublishInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pct, err := volCtl.GetPct(ctx)
			if err != nil {
				log.Warn("volume republish: read mixer level failed", "error", err)
				continue
			}
			wire, err := control.EncodeWire(control.MsgVolume, control.VolumeContent{Volume: int(pct)})
			if err != nil {
				log.Warn("volume republish: encode failed", "error", err)
				continue
			}
			if err := conn.Send(wire); err != nil {
				log.Warn("volume republish: send failed", "error", err)
				metrics.ControlMessagesDropped.WithLabelValues("send_error").Inc()
				continue
			}
			metrics.VolumeRepublishes.Inc()
			metrics.ControlMessagesSent.WithLabelValues(string(control.MsgVolume)).Inc()
		}
	}
}

// wallDisplaySetter is the production animator.DisplayModeSetter: it
// persists per-TV display mode to the settings store (when persist is set)
// and always republishes one DISPLAY_MODE control message naming every TV's
// mode.
type wallDisplaySetter struct {
	settings *settings.DB
	conn     *mcast.Conn
	metrics  *obsv.Metrics
	log      *slog.Logger
}

func (s *wallDisplaySetter) SetDisplayMode(ctx context.Context, byTV map[tvid.ID]animator.DisplayMode, persist bool) error {
	if persist {
		kv := make(map[string]string, len(byTV))
		for id, dm := range byTV {
			kv[settings.TVKey(settings.DisplayMode, id)] = string(dm)
		}
		if _, err := s.settings.SetMulti(ctx, kv); err != nil {
			if store.IsLocked(err) {
				s.log.Warn("settings store locked, skipping this tick's display mode write", "error", err)
			} else {
				return err
			}
		}
	}

	// One datagram names every TV's mode at once, so TVs landing in
	// different modes this tick (a sweep/rain/spiral effect) are never
	// briefly inconsistent the way one-message-per-TV would leave them.
	modes := make(map[tvid.ID]string, len(byTV))
	for id, dm := range byTV {
		modes[id] = string(dm)
	}
	wire, err := control.EncodeWire(control.MsgDisplayMode, control.DisplayModeContent{Modes: modes})
	if err != nil {
		s.log.Warn("encode display_mode failed", "error", err)
		return nil
	}
	if err := s.conn.Send(wire); err != nil {
		s.log.Warn("send display_mode failed", "error", err)
		s.metrics.ControlMessagesDropped.WithLabelValues("send_error").Inc()
		return nil
	}
	s.metrics.ControlMessagesSent.WithLabelValues(string(control.MsgDisplayMode)).Inc()
	return nil
}

// runningBroadcast tracks the subprocess playing one queue item.
type runningBroadcast struct {
	item *queue.Item
	cmd  *exec.Cmd
	done chan error

	// preempting is set when this broadcast is being torn down early
	// because a higher-priority channel video wants to play, rather than
	// because it finished or a plain skip was requested. onBroadcastExited
	// uses it to reenqueue the item instead of just marking it done.
	preempting bool
}

type queueDaemon struct {
	log     *slog.Logger
	queue   *queue.Queue
	binPath string
	metrics *obsv.Metrics

	current *runningBroadcast
}

func (d *queueDaemon) run(ctx context.Context) error {
	ticker := time.NewTicker(queueTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.stopCurrent(true)
			return nil
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *queueDaemon) tick(ctx context.Context) {
	if depth, err := d.queue.GetQueue(ctx); err == nil {
		d.metrics.QueueDepth.Set(float64(len(depth)))
	}

	if d.current != nil {
		d.metrics.CurrentPlaylistItemID.Set(float64(d.current.item.ID))
		d.maybeSkipCurrent(ctx)
		d.maybePreemptCurrent(ctx)
		select {
		case err := <-d.current.done:
			d.onBroadcastExited(ctx, err)
		default:
		}
		return
	}

	d.metrics.CurrentPlaylistItemID.Set(0)

	item, err := d.queue.StartNext(ctx)
	if err != nil {
		if !errors.Is(err, queue.ErrAlreadyPlaying) {
			d.log.Error("start next playlist item", "error", err)
		}
		return
	}
	if item == nil {
		return
	}
	d.startBroadcast(item)
}

func (d *queueDaemon) maybeSkipCurrent(ctx context.Context) {
	skip, err := d.queue.ShouldSkip(ctx, d.current.item.ID)
	if err != nil {
		d.log.Error("check should_skip", "item_id", d.current.item.ID, "error", err)
		return
	}
	if skip {
		d.log.Info("skip requested", "item_id", d.current.item.ID)
		d.stopCurrent(false)
	}
}

// maybePreemptCurrent implements the channel-preemption invariant: a
// currently-playing plain video is torn down early, and reenqueued rather
// than discarded, the moment a higher-priority channel video is waiting.
// Channel videos never preempt each other or themselves.
func (d *queueDaemon) maybePreemptCurrent(ctx context.Context) {
	if d.current == nil || d.current.preempting || d.current.item.Channel != "" {
		return
	}
	higher, err := d.queue.HasHigherPriorityChannelWaiting(ctx, d.current.item.Priority)
	if err != nil {
		d.log.Error("check higher priority channel waiting", "item_id", d.current.item.ID, "error", err)
		return
	}
	if !higher {
		return
	}
	d.log.Info("channel video preempting plain video", "item_id", d.current.item.ID)
	d.current.preempting = true
	d.stopCurrent(false)
}

func (d *queueDaemon) startBroadcast(item *queue.Item) {
	logUUID := uuid.NewString()
	cmd := exec.Command(d.binPath, "--url", item.URL, "--log-uuid", logUUID)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		d.log.Error("start broadcast subprocess", "item_id", item.ID, "error", err)
		return
	}
	d.log.Info("broadcast started", "item_id", item.ID, "url", item.URL, "log_uuid", logUUID, "pid", cmd.Process.Pid)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	d.current = &runningBroadcast{item: item, cmd: cmd, done: done}
}

// stopCurrent sends SIGTERM to the in-flight broadcast subprocess and, if
// wait is true, blocks until it exits. It does not mark the item done;
// onBroadcastExited does that once the subprocess's exit is observed.
func (d *queueDaemon) stopCurrent(wait bool) {
	if d.current == nil {
		return
	}
	if err := d.current.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		d.log.Warn("signal broadcast subprocess", "item_id", d.current.item.ID, "error", err)
	}
	if wait {
		<-d.current.done
		d.current = nil
	}
}

func (d *queueDaemon) onBroadcastExited(ctx context.Context, err error) {
	item := d.current.item
	preempting := d.current.preempting
	if err != nil && !selfTerminated(err) {
		d.log.Error("broadcast subprocess exited with error", "item_id", item.ID, "error", err)
	} else {
		d.log.Info("broadcast subprocess finished", "item_id", item.ID, "preempted", preempting)
	}
	if preempting {
		if _, reErr := d.queue.Reenqueue(ctx, *item); reErr != nil {
			d.log.Error("reenqueue preempted video", "item_id", item.ID, "error", reErr)
		}
	}
	if endErr := d.queue.EndVideo(ctx, item.ID); endErr != nil {
		d.log.Error("mark video done", "item_id", item.ID, "error", endErr)
	}
	d.current = nil
}

// selfTerminated reports whether err is the expected *exec.ExitError for a
// subprocess we ourselves killed with SIGTERM.
func selfTerminated(err error) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return false
	}
	return exitErr.ExitCode() == -1 && status.Signaled() && status.Signal() == syscall.SIGTERM
}
