package receiver

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dasl-/piwallgo/control"
	"github.com/dasl-/piwallgo/mcast"
	"github.com/dasl-/piwallgo/tvid"
	"github.com/dasl-/piwallgo/wallgeom"
)

// fakeVideoConn is a videoReceiver test double fed from a channel of
// datagrams, so tests can control exactly what the ingest loop sees.
type fakeVideoConn struct {
	datagrams chan []byte
}

func newFakeVideoConn() *fakeVideoConn {
	return &fakeVideoConn{datagrams: make(chan []byte, 64)}
}

func (c *fakeVideoConn) Receive(ctx context.Context, buf []byte) (int, error) {
	select {
	case d := <-c.datagrams:
		n := copy(buf, d)
		return n, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (c *fakeVideoConn) send(b []byte) { c.datagrams <- append([]byte(nil), b...) }

func newTestReceiver(t *testing.T, conn videoReceiver, handles *sync.Map) *Receiver {
	t.Helper()
	id := tvid.New("host1", tvid.One)
	r, err := New(Config{
		TVIDs:     []tvid.ID{id},
		VideoConn: conn,
		NewHandle: func(name string) (PlayerHandle, error) {
			fh := newFakeHandle()
			handles.Store(name, fh)
			return fh, nil
		},
		JitterBufferCapacity: 4096,
	})
	require.NoError(t, err)
	return r
}

func testTV() tvid.ID { return tvid.New("host1", tvid.One) }

func TestReceiver_InitVideoEntersPlayingPaused(t *testing.T) {
	conn := newFakeVideoConn()
	var handles sync.Map
	r := newTestReceiver(t, conn, &handles)

	r.InitVideo(control.InitVideoContent{
		VideoID:      "v1",
		DisplayModes: map[tvid.ID]string{testTV(): "tile"},
		Crops: map[tvid.ID]control.CropPair{
			testTV(): {Tile: wallgeom.Rect{X0: 0, Y0: 0, X1: 100, Y1: 100}},
		},
	})

	r.mu.Lock()
	state := r.state
	r.mu.Unlock()
	assert.Equal(t, StatePlayingPaused, state)

	fhAny, ok := handles.Load(string(testTV()) + ".video")
	require.True(t, ok)
	fh := fhAny.(*fakeHandle)
	fh.mu.Lock()
	crops := append([]string(nil), fh.crops...)
	fh.mu.Unlock()
	assert.Equal(t, []string{"100x100+0+0"}, crops)
}

func TestReceiver_PlayVideoResumesAndEntersPlaying(t *testing.T) {
	conn := newFakeVideoConn()
	var handles sync.Map
	r := newTestReceiver(t, conn, &handles)

	r.InitVideo(control.InitVideoContent{VideoID: "v1", DisplayModes: map[tvid.ID]string{testTV(): "tile"}})
	r.PlayVideo(control.PlayVideoContent{})

	r.mu.Lock()
	state := r.state
	r.mu.Unlock()
	assert.Equal(t, StatePlaying, state)

	fhAny, _ := handles.Load(string(testTV()) + ".video")
	fh := fhAny.(*fakeHandle)
	fh.mu.Lock()
	defer fh.mu.Unlock()
	assert.Equal(t, 1, fh.resumed)
}

func TestReceiver_SkipVideoIgnoresStaleVideoID(t *testing.T) {
	conn := newFakeVideoConn()
	var handles sync.Map
	r := newTestReceiver(t, conn, &handles)

	r.InitVideo(control.InitVideoContent{VideoID: "v1", DisplayModes: map[tvid.ID]string{testTV(): "tile"}})
	r.SkipVideo(control.SkipVideoContent{VideoID: "stale"})

	r.mu.Lock()
	state := r.state
	r.mu.Unlock()
	assert.Equal(t, StatePlayingPaused, state, "skip with stale video_id must be ignored")
}

func TestReceiver_SkipVideoReturnsToIdle(t *testing.T) {
	conn := newFakeVideoConn()
	var handles sync.Map
	r := newTestReceiver(t, conn, &handles)

	r.InitVideo(control.InitVideoContent{VideoID: "v1", DisplayModes: map[tvid.ID]string{testTV(): "tile"}})
	r.SkipVideo(control.SkipVideoContent{VideoID: "v1"})

	r.mu.Lock()
	state := r.state
	r.mu.Unlock()
	assert.Equal(t, StateIdle, state)

	fhAny, _ := handles.Load(string(testTV()) + ".video")
	fh := fhAny.(*fakeHandle)
	fh.mu.Lock()
	defer fh.mu.Unlock()
	assert.Equal(t, 1, fh.stopped)
}

func TestReceiver_DisplayModeSwitchesActiveCropWithoutRenegotiation(t *testing.T) {
	conn := newFakeVideoConn()
	var handles sync.Map
	r := newTestReceiver(t, conn, &handles)

	r.InitVideo(control.InitVideoContent{
		VideoID:      "v1",
		DisplayModes: map[tvid.ID]string{testTV(): "tile"},
		Crops: map[tvid.ID]control.CropPair{
			testTV(): {
				Tile:   wallgeom.Rect{X0: 0, Y0: 0, X1: 100, Y1: 100},
				Repeat: wallgeom.Rect{X0: 10, Y0: 10, X1: 200, Y1: 200},
			},
		},
	})
	r.DisplayMode(control.DisplayModeContent{Modes: map[tvid.ID]string{testTV(): "repeat"}})

	fhAny, _ := handles.Load(string(testTV()) + ".video")
	fh := fhAny.(*fakeHandle)
	fh.mu.Lock()
	crops := append([]string(nil), fh.crops...)
	fh.mu.Unlock()
	assert.Equal(t, []string{"100x100+0+0", "190x190+10+10"}, crops)
}

func TestReceiver_DisplayModeOnlyAppliesToNamedTVs(t *testing.T) {
	conn := newFakeVideoConn()
	var handles sync.Map
	tv1 := tvid.New("host1", tvid.One)
	tv2 := tvid.New("host1", tvid.Two)
	r, err := New(Config{
		TVIDs:     []tvid.ID{tv1, tv2},
		VideoConn: conn,
		NewHandle: func(name string) (PlayerHandle, error) {
			fh := newFakeHandle()
			handles.Store(name, fh)
			return fh, nil
		},
		JitterBufferCapacity: 4096,
	})
	require.NoError(t, err)

	r.InitVideo(control.InitVideoContent{
		VideoID:      "v1",
		DisplayModes: map[tvid.ID]string{tv1: "tile", tv2: "tile"},
		Crops: map[tvid.ID]control.CropPair{
			tv1: {Tile: wallgeom.Rect{X0: 0, Y0: 0, X1: 100, Y1: 100}, Repeat: wallgeom.Rect{X0: 10, Y0: 10, X1: 200, Y1: 200}},
			tv2: {Tile: wallgeom.Rect{X0: 0, Y0: 0, X1: 50, Y1: 50}, Repeat: wallgeom.Rect{X0: 5, Y0: 5, X1: 90, Y1: 90}},
		},
	})

	// Only tv1 is named in this DISPLAY_MODE datagram; tv2 must stay in
	// tile mode even though both TVs share this receiver and the same
	// multicast control channel.
	r.DisplayMode(control.DisplayModeContent{Modes: map[tvid.ID]string{tv1: "repeat"}})

	r.mu.Lock()
	tv1Mode := r.tvs[tv1].displayMode
	tv2Mode := r.tvs[tv2].displayMode
	r.mu.Unlock()
	assert.Equal(t, "repeat", tv1Mode)
	assert.Equal(t, "tile", tv2Mode)
}

func TestReceiver_LoadingScreenTogglesIndependentlyOfVideoState(t *testing.T) {
	conn := newFakeVideoConn()
	var handles sync.Map
	r := newTestReceiver(t, conn, &handles)

	r.ShowLoadingScreen(control.ShowLoadingScreenContent{ScreenPath: "/clips/loading.mp4"})
	r.mu.Lock()
	ls := r.loadingState
	r.mu.Unlock()
	assert.Equal(t, LoadingShowing, ls)

	r.EndLoadingScreen(control.EndLoadingScreenContent{})
	r.mu.Lock()
	ls = r.loadingState
	r.mu.Unlock()
	assert.Equal(t, LoadingOff, ls)

	fhAny, _ := handles.Load(string(testTV()) + ".loading")
	fh := fhAny.(*fakeHandle)
	fh.mu.Lock()
	defer fh.mu.Unlock()
	assert.Equal(t, []string{"/clips/loading.mp4"}, fh.playedFiles)
	assert.Equal(t, 1, fh.stopped)
}

func TestReceiver_IngestLoopFansOutToJitterBufferAndDetectsSentinel(t *testing.T) {
	conn := newFakeVideoConn()
	var handles sync.Map
	r := newTestReceiver(t, conn, &handles)

	r.InitVideo(control.InitVideoContent{VideoID: "v1", DisplayModes: map[tvid.ID]string{testTV(): "tile"}})

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- r.Run(ctx) }()

	conn.send([]byte("chunk-one"))
	conn.send(mcast.EndOfVideoSentinel)

	deadline := time.After(time.Second)
	for {
		r.mu.Lock()
		closed := r.tvs[testTV()].jitter == nil
		r.mu.Unlock()
		if closed {
			break
		}
		select {
		case <-deadline:
			t.Fatal("jitter buffer was never closed on sentinel")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	require.NoError(t, <-runErr)
}
