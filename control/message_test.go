package control

import (
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dasl-/piwallgo/tvid"
	"github.com/dasl-/piwallgo/wallgeom"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	orig := InitVideoContent{
		VideoID: "abc123",
		LogUUID: "log-abc123",
		DisplayModes: map[tvid.ID]string{
			tvid.New("tv1", tvid.One): "tile",
		},
		Crops: map[tvid.ID]CropPair{
			tvid.New("tv1", tvid.One): {
				Tile:   wallgeom.Rect{X0: 0, Y0: 0, X1: 1920, Y1: 1080},
				Repeat: wallgeom.Rect{X0: 0, Y0: 0, X1: 1920, Y1: 1080},
			},
		},
	}
	msg, err := Encode(MsgInitVideo, orig)
	require.NoError(t, err)
	assert.Equal(t, MsgInitVideo, msg.MsgType)

	raw, err := json.Marshal(msg)
	require.NoError(t, err)

	var decodedMsg Message
	require.NoError(t, json.Unmarshal(raw, &decodedMsg))

	payload, err := Decode(decodedMsg)
	require.NoError(t, err)

	got, ok := payload.(*InitVideoContent)
	require.True(t, ok)
	assert.Equal(t, orig, *got)
}

func TestDecode_UnknownMsgType(t *testing.T) {
	_, err := Decode(Message{MsgType: "something_new"})
	require.Error(t, err)
	var unknownErr ErrUnknownMsgType
	assert.ErrorAs(t, err, &unknownErr)
}

type recordingHandler struct {
	volumes []VolumeContent
	skips   []SkipVideoContent
}

func (r *recordingHandler) InitVideo(InitVideoContent)                 {}
func (r *recordingHandler) PlayVideo(PlayVideoContent)                 {}
func (r *recordingHandler) SkipVideo(c SkipVideoContent)               { r.skips = append(r.skips, c) }
func (r *recordingHandler) Volume(c VolumeContent)                     { r.volumes = append(r.volumes, c) }
func (r *recordingHandler) DisplayMode(DisplayModeContent)             {}
func (r *recordingHandler) ShowLoadingScreen(ShowLoadingScreenContent) {}
func (r *recordingHandler) EndLoadingScreen(EndLoadingScreenContent)   {}

func TestDispatch_RoutesKnownMessage(t *testing.T) {
	h := &recordingHandler{}
	logger := slog.Default()

	msg, err := Encode(MsgVolume, VolumeContent{Volume: 42})
	require.NoError(t, err)
	raw, err := json.Marshal(msg)
	require.NoError(t, err)

	Dispatch(logger, raw, h)

	require.Len(t, h.volumes, 1)
	assert.Equal(t, 42, h.volumes[0].Volume)
}

func TestDispatch_IgnoresMalformedAndUnknown(t *testing.T) {
	h := &recordingHandler{}
	logger := slog.Default()

	Dispatch(logger, []byte("not json"), h)
	Dispatch(logger, []byte(`{"msg_type":"nonsense","content":{}}`), h)

	assert.Empty(t, h.volumes)
	assert.Empty(t, h.skips)
}
