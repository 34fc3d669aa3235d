package control

import (
	"encoding/json"
	"log/slog"
)

// Handler receives decoded control payloads. Each method corresponds to one
// MsgType; Dispatch logs and ignores anything it doesn't recognize rather
// than failing the whole receive loop over one malformed or newer-than-us
// message.
type Handler interface {
	InitVideo(InitVideoContent)
	PlayVideo(PlayVideoContent)
	SkipVideo(SkipVideoContent)
	Volume(VolumeContent)
	DisplayMode(DisplayModeContent)
	ShowLoadingScreen(ShowLoadingScreenContent)
	EndLoadingScreen(EndLoadingScreenContent)
}

// Dispatch decodes a single datagram payload (one JSON Message object) and
// routes it to the matching Handler method. Decode errors and unknown
// msg_types are logged at the given logger and otherwise swallowed: a
// single bad control message must never take down the receive loop.
func Dispatch(logger *slog.Logger, raw []byte, h Handler) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		logger.Warn("control: malformed envelope", "error", err)
		return
	}

	payload, err := Decode(m)
	if err != nil {
		logger.Warn("control: dropping message", "error", err)
		return
	}

	switch p := payload.(type) {
	case *InitVideoContent:
		h.InitVideo(*p)
	case *PlayVideoContent:
		h.PlayVideo(*p)
	case *SkipVideoContent:
		h.SkipVideo(*p)
	case *VolumeContent:
		h.Volume(*p)
	case *DisplayModeContent:
		h.DisplayMode(*p)
	case *ShowLoadingScreenContent:
		h.ShowLoadingScreen(*p)
	case *EndLoadingScreenContent:
		h.EndLoadingScreen(*p)
	default:
		logger.Warn("control: unhandled payload type", "msg_type", m.MsgType)
	}
}
