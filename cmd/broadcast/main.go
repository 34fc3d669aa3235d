// Command broadcast drives a single video through the pipeline and out to
// every receiver on the wall: it probes the source's dimensions, computes
// each TV's crop, sends INIT_VIDEO/PLAY_VIDEO over the control channel, and
// streams the multicast video. One invocation handles exactly one video;
// the queue daemon spawns one of these per playlist item.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/dasl-/piwallgo/configload"
	"github.com/dasl-/piwallgo/control"
	"github.com/dasl-/piwallgo/mcast"
	"github.com/dasl-/piwallgo/pipeline"
	"github.com/dasl-/piwallgo/probe"
	"github.com/dasl-/piwallgo/tvid"
	"github.com/dasl-/piwallgo/wallgeom"
)

// warmUpDelay gives receivers time to open their players on INIT_VIDEO
// before PLAY_VIDEO tells them to unpause; no acknowledgement is awaited,
// matching piwall2's fixed post-init sleep.
const warmUpDelay = 2 * time.Second

func main() {
	url := flag.String("url", "", "video URL or, with --file, a local path")
	isFile := flag.Bool("file", false, "treat --url as a local file path rather than a remote URL")
	logUUID := flag.String("log-uuid", "", "correlation id threaded through this broadcast's logs")
	configPath := flag.String("config", "wall.toml", "path to the wall TOML config")
	iface := flag.String("iface", "", "network interface to pin multicast to (default: OS routing)")
	group := flag.String("group", mcast.DefaultGroup, "multicast group")
	videoPort := flag.Int("video-port", mcast.DefaultVideoPort, "video channel port")
	controlPort := flag.Int("control-port", mcast.DefaultControlPort, "control channel port")
	displayMode := flag.String("display-mode", "tile", "tile or repeat")
	flag.Parse()

	if *url == "" {
		fmt.Fprintln(os.Stderr, "broadcast: --url is required")
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	if *logUUID != "" {
		logger = logger.With("log_uuid", *logUUID)
	}
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGHUP, syscall.SIGQUIT, syscall.SIGABRT,
		syscall.SIGFPE, syscall.SIGSEGV, syscall.SIGPIPE, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, tearing down broadcast", "signal", sig)
		cancel()
	}()

	if err := run(ctx, logger, runArgs{
		url: *url, isFile: *isFile, logUUID: *logUUID, configPath: *configPath, iface: *iface,
		group: *group, videoPort: *videoPort, controlPort: *controlPort,
		displayMode: *displayMode,
	}); err != nil {
		logger.Error("broadcast failed", "error", err)
		os.Exit(1)
	}
}

type runArgs struct {
	url, logUUID, configPath, iface, group, displayMode string
	isFile                                              bool
	videoPort, controlPort                              int
}

func run(ctx context.Context, logger *slog.Logger, a runArgs) error {
	wallConfig, err := configload.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("load wall config: %w", err)
	}

	var opts []mcast.Option
	if a.iface != "" {
		netIface, err := net.InterfaceByName(a.iface)
		if err != nil {
			return fmt.Errorf("resolve interface %s: %w", a.iface, err)
		}
		opts = append(opts, mcast.WithInterface(netIface))
	}

	videoConn, err := mcast.OpenSender(a.group, a.videoPort, logger, opts...)
	if err != nil {
		return fmt.Errorf("open video sender: %w", err)
	}
	defer videoConn.Close()

	controlConn, err := mcast.OpenSender(a.group, a.controlPort, logger, opts...)
	if err != nil {
		return fmt.Errorf("open control sender: %w", err)
	}
	defer controlConn.Close()

	b := pipeline.New(pipeline.Config{
		VideoURL: a.url,
		IsFile:   a.isFile,
		Conn:     videoConn,
		Prober:   probe.New(logger),
		Log:      logger,
	})

	videoID := uuid.NewString()
	logUUID := a.logUUID
	if logUUID == "" {
		logUUID = videoID
	}

	onDimensions := func(ctx context.Context, dims pipeline.Dimensions) error {
		video := wallgeom.Dims{W: dims.Width, H: dims.Height}
		if err := wallConfig.CheckResolution(video); err != nil {
			return err
		}

		crops, err := computeCrops(wallConfig, video)
		if err != nil {
			return err
		}
		for id, c := range crops {
			if wallgeom.OutOfBounds(c.Tile, video) || wallgeom.OutOfBounds(c.Repeat, video) {
				logger.Warn("crop exceeds video dimensions, check wall geometry", "tv_id", id, "tile", c.Tile, "repeat", c.Repeat)
			}
		}

		modes := make(map[tvid.ID]string, len(crops))
		for id := range crops {
			modes[id] = a.displayMode
		}

		wire, err := control.EncodeWire(control.MsgInitVideo, control.InitVideoContent{
			VideoID:      videoID,
			LogUUID:      logUUID,
			DisplayModes: modes,
			Crops:        crops,
		})
		if err != nil {
			return fmt.Errorf("encode init_video: %w", err)
		}
		if err := controlConn.Send(wire); err != nil {
			return fmt.Errorf("send init_video: %w", err)
		}

		select {
		case <-time.After(warmUpDelay):
		case <-ctx.Done():
			return ctx.Err()
		}

		playWire, err := control.EncodeWire(control.MsgPlayVideo, control.PlayVideoContent{})
		if err != nil {
			return fmt.Errorf("encode play_video: %w", err)
		}
		return controlConn.Send(playWire)
	}

	return b.Run(ctx, onDimensions)
}

// computeCrops derives the tile/repeat crop pair for every TV on the wall
// for this video's dimensions.
func computeCrops(wc *configload.WallConfig, video wallgeom.Dims) (map[tvid.ID]control.CropPair, error) {
	wall := wallgeom.Dims{W: wc.WallWidth, H: wc.WallHeight}
	out := make(map[tvid.ID]control.CropPair)
	for _, id := range wc.TVIDs() {
		x, y, w, h, ok := wc.Rect(id)
		if !ok {
			continue
		}
		crop, err := wallgeom.Compute(wall, wallgeom.TVRect{X: x, Y: y, W: w, H: h}, video)
		if err != nil {
			return nil, fmt.Errorf("compute crop for %s: %w", id, err)
		}
		out[id] = control.CropPair{Tile: crop.Tile, Repeat: crop.Repeat}
	}
	return out, nil
}
