package settings

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dasl-/piwallgo/store"
	"github.com/dasl-/piwallgo/tvid"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func TestSetGet_RoundTrip(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)

	ok, err := d.Set(ctx, AnimationMode, "spiral")
	require.NoError(t, err)
	require.True(t, ok)

	v, err := d.Get(ctx, AnimationMode, "none")
	require.NoError(t, err)
	require.Equal(t, "spiral", v)
}

func TestGet_MissingKeyReturnsDefault(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)

	v, err := d.Get(ctx, "nonexistent", "fallback")
	require.NoError(t, err)
	require.Equal(t, "fallback", v)
}

func TestGetMulti_FillsDefaultsForMissingKeys(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)

	_, err := d.Set(ctx, "k1", "v1")
	require.NoError(t, err)

	result, err := d.GetMulti(ctx, []string{"k1", "k2"}, "def")
	require.NoError(t, err)
	require.Equal(t, "v1", result["k1"])
	require.Equal(t, "def", result["k2"])
}

func TestToggleMulti_FlipsBetweenTwoValues(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)

	_, err := d.SetMulti(ctx, map[string]string{"a": "on", "b": "off"})
	require.NoError(t, err)

	ok, err := d.ToggleMulti(ctx, []string{"a", "b"}, "on", "off")
	require.NoError(t, err)
	require.True(t, ok)

	v, err := d.Get(ctx, "a", "")
	require.NoError(t, err)
	require.Equal(t, "off", v)

	v, err = d.Get(ctx, "b", "")
	require.NoError(t, err)
	require.Equal(t, "on", v)
}

func TestIsEnabled(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)

	enabled, err := d.IsEnabled(ctx, "use_screensavers", false)
	require.NoError(t, err)
	require.False(t, enabled)

	_, err = d.Set(ctx, "use_screensavers", "1")
	require.NoError(t, err)

	enabled, err = d.IsEnabled(ctx, "use_screensavers", false)
	require.NoError(t, err)
	require.True(t, enabled)
}

func TestTVKey_RoundTrip(t *testing.T) {
	id := tvid.New("livingroom", tvid.One)
	key := TVKey(DisplayMode, id)
	require.Equal(t, "display_mode__livingroom_1", key)

	got, err := TVIDFromKey(key)
	require.NoError(t, err)
	require.Equal(t, id, got)
}

func TestTVSettings_EveryTVPresent(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)

	tv1 := tvid.New("livingroom", tvid.One)
	tv2 := tvid.New("kitchen", tvid.One)

	_, err := d.Set(ctx, TVKey(DisplayMode, tv1), "tile")
	require.NoError(t, err)

	result, err := d.TVSettings(ctx, []tvid.ID{tv1, tv2}, "repeat")
	require.NoError(t, err)
	require.Equal(t, "tile", result[tv1])
	require.Equal(t, "repeat", result[tv2])
}
