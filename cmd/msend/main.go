// Command msend is a thin manual control-message sender, standing in for
// piwall2's msend_video utility: it builds and sends one control datagram,
// for ops use and manual testing of receivers without a running broadcast.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	"github.com/dasl-/piwallgo/control"
	"github.com/dasl-/piwallgo/mcast"
	"github.com/dasl-/piwallgo/tvid"
)

func main() {
	msgType := flag.String("msg-type", "", "control message type: init_video, play_video, skip_video, volume, display_mode, show_loading_screen, end_loading_screen")
	videoID := flag.String("video-id", "", "video_id, for init_video/skip_video")
	logUUID := flag.String("log-uuid", "", "log correlation id, for init_video/show_loading_screen")
	tvIDs := flag.String("tv-ids", "", "comma-separated tv_ids to target, for init_video/display_mode")
	displayMode := flag.String("display-mode", "tile", "tile or repeat, for init_video/display_mode")
	volume := flag.Int("volume", 0, "0-100, for volume")
	screenPath := flag.String("screen-path", "", "loading screen clip path, for show_loading_screen")
	iface := flag.String("iface", "", "network interface to pin multicast to")
	group := flag.String("group", mcast.DefaultGroup, "multicast group")
	controlPort := flag.Int("control-port", mcast.DefaultControlPort, "control channel port")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if err := run(logger, msgArgs{
		msgType: *msgType, videoID: *videoID, logUUID: *logUUID, tvIDs: *tvIDs,
		displayMode: *displayMode, volume: *volume, screenPath: *screenPath,
		iface: *iface, group: *group, controlPort: *controlPort,
	}); err != nil {
		logger.Error("msend failed", "error", err)
		os.Exit(1)
	}
}

type msgArgs struct {
	msgType, videoID, logUUID, tvIDs, displayMode, screenPath, iface, group string
	volume, controlPort                                                    int
}

func run(logger *slog.Logger, a msgArgs) error {
	payload, err := buildPayload(control.MsgType(a.msgType), a)
	if err != nil {
		return err
	}

	var opts []mcast.Option
	if a.iface != "" {
		netIface, err := net.InterfaceByName(a.iface)
		if err != nil {
			return fmt.Errorf("resolve interface %s: %w", a.iface, err)
		}
		opts = append(opts, mcast.WithInterface(netIface))
	}

	conn, err := mcast.OpenSender(a.group, a.controlPort, logger, opts...)
	if err != nil {
		return fmt.Errorf("open control sender: %w", err)
	}
	defer conn.Close()

	wire, err := control.EncodeWire(control.MsgType(a.msgType), payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", a.msgType, err)
	}
	if err := conn.Send(wire); err != nil {
		return fmt.Errorf("send %s: %w", a.msgType, err)
	}
	logger.Info("sent control message", "msg_type", a.msgType)
	return nil
}

// parseTVIDs splits a comma-separated --tv-ids value into tvid.IDs,
// ignoring blank entries.
func parseTVIDs(raw string) []tvid.ID {
	var ids []tvid.ID
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			ids = append(ids, tvid.ID(part))
		}
	}
	return ids
}

func buildPayload(msgType control.MsgType, a msgArgs) (any, error) {
	switch msgType {
	case control.MsgInitVideo:
		ids := parseTVIDs(a.tvIDs)
		if len(ids) == 0 {
			return nil, fmt.Errorf("msend: --tv-ids is required for init_video")
		}
		modes := make(map[tvid.ID]string, len(ids))
		for _, id := range ids {
			modes[id] = a.displayMode
		}
		return control.InitVideoContent{
			VideoID:      a.videoID,
			LogUUID:      a.logUUID,
			DisplayModes: modes,
			Crops:        map[tvid.ID]control.CropPair{},
		}, nil
	case control.MsgPlayVideo:
		return control.PlayVideoContent{}, nil
	case control.MsgSkipVideo:
		return control.SkipVideoContent{VideoID: a.videoID}, nil
	case control.MsgVolume:
		return control.VolumeContent{Volume: a.volume}, nil
	case control.MsgDisplayMode:
		ids := parseTVIDs(a.tvIDs)
		if len(ids) == 0 {
			return nil, fmt.Errorf("msend: --tv-ids is required for display_mode")
		}
		modes := make(map[tvid.ID]string, len(ids))
		for _, id := range ids {
			modes[id] = a.displayMode
		}
		return control.DisplayModeContent{Modes: modes}, nil
	case control.MsgShowLoadingScreen:
		return control.ShowLoadingScreenContent{LogUUID: a.logUUID, ScreenPath: a.screenPath}, nil
	case control.MsgEndLoadingScreen:
		return control.EndLoadingScreenContent{}, nil
	default:
		return nil, fmt.Errorf("msend: unknown --msg-type %q", msgType)
	}
}
