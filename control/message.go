// Package control implements the broadcaster-to-receiver control protocol:
// JSON envelopes sent over the control multicast socket, one per datagram,
// each tagging its payload with a msg_type so receivers
// can dispatch without out-of-band schema negotiation.
package control

import (
	"encoding/json"
	"fmt"

	"github.com/dasl-/piwallgo/tvid"
	"github.com/dasl-/piwallgo/wallgeom"
)

// MsgType names one of the known control message variants.
type MsgType string

const (
	MsgInitVideo          MsgType = "init_video"
	MsgPlayVideo          MsgType = "play_video"
	MsgSkipVideo          MsgType = "skip_video"
	MsgVolume             MsgType = "volume"
	MsgDisplayMode        MsgType = "display_mode"
	MsgShowLoadingScreen  MsgType = "show_loading_screen"
	MsgEndLoadingScreen   MsgType = "end_loading_screen"
)

// Message is the wire envelope: a tag plus an opaque payload, decoded a
// second time into the concrete type once the tag is known.
type Message struct {
	MsgType MsgType         `json:"msg_type"`
	Content json.RawMessage `json:"content"`
}

// CropPair holds both display modes' crop rectangles for one TV, computed
// once by the broadcaster from wallgeom and cached by the receiver so a
// later DISPLAY_MODE message can switch crops without renegotiating.
type CropPair struct {
	Tile   wallgeom.Rect `json:"tile"`
	Repeat wallgeom.Rect `json:"repeat"`
}

// InitVideoContent carries the per-TV crop rectangles, starting display
// mode, and video metadata a receiver needs before the first frame of a new
// video arrives. LogUUID threads the broadcaster's log correlation id
// through to receiver logs; VideoID is the wire identity later messages
// (SKIP_VIDEO) reference and need not equal LogUUID.
type InitVideoContent struct {
	VideoID     string               `json:"video_id"`
	LogUUID     string               `json:"log_uuid"`
	DisplayModes map[tvid.ID]string  `json:"display_modes"`
	Crops       map[tvid.ID]CropPair `json:"crops"`
}

// PlayVideoContent has no fields beyond the envelope; receipt alone is the
// signal to unpause/start the already-initialized player.
type PlayVideoContent struct{}

// SkipVideoContent identifies which currently-playing video_id to abandon,
// so stale skip messages arriving after a new video has already started are
// ignored.
type SkipVideoContent struct {
	VideoID string `json:"video_id"`
}

// VolumeContent carries an absolute volume level, 0-100, already converted
// through the millibel curve.
type VolumeContent struct {
	Volume int `json:"volume"`
}

// DisplayModeContent switches a set of owned TVs between tile and repeat
// display. Modes is keyed by tv_id so a single broadcast datagram can put
// different TVs in different modes at once (the animator's sweep/rain/
// spiral effects all depend on this); a receiver applies only the entries
// naming one of its own TVs and leaves the rest untouched.
type DisplayModeContent struct {
	Modes map[tvid.ID]string `json:"modes"`
}

// ShowLoadingScreenContent names which configured loading screen clip to
// loop while the next video buffers, tagged with the log correlation id of
// the broadcast that requested it.
type ShowLoadingScreenContent struct {
	LogUUID    string `json:"log_uuid"`
	ScreenPath string `json:"screen_path"`
}

// EndLoadingScreenContent has no fields; receipt alone signals the loading
// screen should stop looping.
type EndLoadingScreenContent struct{}

// Encode marshals a concrete payload into a tagged Message envelope.
func Encode(msgType MsgType, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("control: encode %s: %w", msgType, err)
	}
	return Message{MsgType: msgType, Content: raw}, nil
}

// EncodeWire builds the full wire bytes for one control datagram: payload
// tagged with msgType, then the whole envelope marshaled to JSON.
func EncodeWire(msgType MsgType, payload any) ([]byte, error) {
	m, err := Encode(msgType, payload)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("control: marshal envelope %s: %w", msgType, err)
	}
	return raw, nil
}

// ErrUnknownMsgType is returned by Decode (never by Dispatch, which logs and
// no-ops instead) when msg_type doesn't match any known variant.
type ErrUnknownMsgType struct{ MsgType MsgType }

func (e ErrUnknownMsgType) Error() string {
	return fmt.Sprintf("control: unknown msg_type %q", e.MsgType)
}

// Decode unmarshals m.Content into the concrete payload type for m.MsgType,
// returning ErrUnknownMsgType for anything not in the exhaustive switch
// below.
func Decode(m Message) (any, error) {
	var payload any
	switch m.MsgType {
	case MsgInitVideo:
		payload = &InitVideoContent{}
	case MsgPlayVideo:
		payload = &PlayVideoContent{}
	case MsgSkipVideo:
		payload = &SkipVideoContent{}
	case MsgVolume:
		payload = &VolumeContent{}
	case MsgDisplayMode:
		payload = &DisplayModeContent{}
	case MsgShowLoadingScreen:
		payload = &ShowLoadingScreenContent{}
	case MsgEndLoadingScreen:
		payload = &EndLoadingScreenContent{}
	default:
		return nil, ErrUnknownMsgType{MsgType: m.MsgType}
	}
	if len(m.Content) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(m.Content, payload); err != nil {
		return nil, fmt.Errorf("control: decode %s: %w", m.MsgType, err)
	}
	return payload, nil
}
