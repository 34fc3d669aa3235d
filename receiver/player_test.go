package receiver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThrottledHandle_SetVolumeAppliesWhenIdle(t *testing.T) {
	fh := newFakeHandle()
	th := newThrottledHandle(fh)

	applied, err := th.TrySetVolumePct(42)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, []float64{42}, fh.volumes)
}

func TestThrottledHandle_DropsVolumeWhileOneInFlight(t *testing.T) {
	fh := newFakeHandle()
	fh.volGate = make(chan struct{})
	th := newThrottledHandle(fh)

	firstDone := make(chan struct{})
	go func() {
		applied, err := th.TrySetVolumePct(10)
		require.NoError(t, err)
		assert.True(t, applied)
		close(firstDone)
	}()

	// Give the first call time to claim the in-flight slot.
	time.Sleep(10 * time.Millisecond)

	applied, err := th.TrySetVolumePct(99)
	require.NoError(t, err)
	assert.False(t, applied, "second command should be dropped while first is in flight")

	close(fh.volGate)
	<-firstDone

	applied, err = th.TrySetVolumePct(50)
	require.NoError(t, err)
	assert.True(t, applied, "slot should be free again after first command completes")
}

func TestThrottledHandle_CropThrottlesIndependentlyOfVolume(t *testing.T) {
	fh := newFakeHandle()
	fh.cropGate = make(chan struct{})
	th := newThrottledHandle(fh)

	cropDone := make(chan struct{})
	go func() {
		applied, err := th.TrySetCrop("100x100+0+0")
		require.NoError(t, err)
		assert.True(t, applied)
		close(cropDone)
	}()
	time.Sleep(10 * time.Millisecond)

	// Volume isn't gated, so it should apply even while a crop is in flight.
	applied, err := th.TrySetVolumePct(75)
	require.NoError(t, err)
	assert.True(t, applied)

	close(fh.cropGate)
	<-cropDone
}
