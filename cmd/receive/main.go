// Command receive is the receiver-node daemon: it joins the wall's control
// and video multicast channels and drives the local TV(s) through the
// receiver package's state machine.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/dasl-/piwallgo/control"
	"github.com/dasl-/piwallgo/mcast"
	"github.com/dasl-/piwallgo/receiver"
	"github.com/dasl-/piwallgo/tvid"
)

func main() {
	host, _ := os.Hostname()

	group := flag.String("group", mcast.DefaultGroup, "multicast group address")
	videoPort := flag.Int("video-port", mcast.DefaultVideoPort, "video channel UDP port")
	controlPort := flag.Int("control-port", mcast.DefaultControlPort, "control channel UDP port")
	iface := flag.String("iface", "", "network interface to bind multicast to (default: OS choice)")
	hostname := flag.String("host", host, "this receiver's tv_id host component")
	dualOutput := flag.Bool("dual-output", false, "this receiver drives two TVs (HDMI+HDMI)")
	warmUpClip := flag.String("warm-up-clip", "", "path to a short silent clip played once at start-up")
	framebuffer := flag.String("framebuffer", "/dev/fb0", "console framebuffer device to blank at start/stop")
	logUUID := flag.String("log-uuid", "", "correlation id attached to every log line")
	flag.Parse()

	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	if *logUUID != "" {
		logger = logger.With("log_uuid", *logUUID)
	}
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	var opts []mcast.Option
	if *iface != "" {
		netIface, err := net.InterfaceByName(*iface)
		if err != nil {
			logger.Error("resolve interface", "error", err)
			os.Exit(1)
		}
		opts = append(opts, mcast.WithInterface(netIface))
	}

	videoConn, err := mcast.OpenReceiver(*group, *videoPort, logger, opts...)
	if err != nil {
		logger.Error("open video receiver", "error", err)
		os.Exit(1)
	}
	defer videoConn.Close()

	controlConn, err := mcast.OpenReceiver(*group, *controlPort, logger, opts...)
	if err != nil {
		logger.Error("open control receiver", "error", err)
		os.Exit(1)
	}
	defer controlConn.Close()

	tvIDs := []tvid.ID{tvid.New(*hostname, tvid.One)}
	if *dualOutput {
		tvIDs = append(tvIDs, tvid.New(*hostname, tvid.Two))
	}

	rcv, err := receiver.New(receiver.Config{
		TVIDs:     tvIDs,
		VideoConn: videoConn,
		NewHandle: func(name string) (receiver.PlayerHandle, error) {
			return receiver.NewVLCPlayerHandle(logger, name)
		},
		WarmUpClipPath:    *warmUpClip,
		FramebufferDevice: *framebuffer,
		Log:               logger,
	})
	if err != nil {
		logger.Error("build receiver", "error", err)
		os.Exit(1)
	}
	defer rcv.Close()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return rcv.Run(ctx)
	})

	g.Go(func() error {
		return controlReadLoop(ctx, controlConn, logger, rcv)
	})

	if err := g.Wait(); err != nil {
		logger.Error("receiver exited with error", "error", err)
		os.Exit(1)
	}
}

// controlReadLoop reads one JSON control message per datagram and dispatches
// it to rcv until ctx is cancelled.
func controlReadLoop(ctx context.Context, conn *mcast.Conn, logger *slog.Logger, h control.Handler) error {
	buf := make([]byte, mcast.MaxDatagramSize)
	for {
		n, err := conn.Receive(ctx, buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("control receive error", "error", err)
			continue
		}
		control.Dispatch(logger, buf[:n], h)
	}
}
