package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dasl-/piwallgo/store"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func TestEnqueueAndGetNext_FIFOWithinSamePriority(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	id1, err := q.Enqueue(ctx, "http://a", "", "a", "1:00", "", "")
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "http://b", "", "b", "1:00", "", "")
	require.NoError(t, err)

	next, err := q.GetNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	require.Equal(t, id1, next.ID)
}

func TestChannelVideoPreemptsPlainQueue(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_, err := q.Enqueue(ctx, "http://plain", "", "plain", "1:00", "", "")
	require.NoError(t, err)
	chanID, err := q.Enqueue(ctx, "http://news", "", "news", "1:00", "", "news-channel")
	require.NoError(t, err)

	next, err := q.GetNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	require.Equal(t, chanID, next.ID, "channel video must be returned ahead of plain queued videos regardless of enqueue order")
}

func TestSetCurrent_FailsIfAlreadyRemoved(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	id, err := q.Enqueue(ctx, "http://a", "", "a", "1:00", "", "")
	require.NoError(t, err)

	removed, err := q.Remove(ctx, id)
	require.NoError(t, err)
	require.True(t, removed)

	ok, err := q.SetCurrent(ctx, id)
	require.NoError(t, err)
	require.False(t, ok, "set_current must fail (not error) when the item was concurrently removed")
}

func TestSkip_OnlyAffectsCurrentlyPlayingItem(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	id, err := q.Enqueue(ctx, "http://a", "", "a", "1:00", "", "")
	require.NoError(t, err)

	ok, err := q.Skip(ctx, id)
	require.NoError(t, err)
	require.False(t, ok, "skip must not affect a queued (not yet playing) item")

	ok, err = q.SetCurrent(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = q.Skip(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	shouldSkip, err := q.ShouldSkip(ctx, id)
	require.NoError(t, err)
	require.True(t, shouldSkip)
}

func TestReenqueue_PreservesChannelAndPriority(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	id, err := q.Enqueue(ctx, "http://news", "", "news", "1:00", "", "news-channel")
	require.NoError(t, err)
	ok, err := q.SetCurrent(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	current, err := q.GetCurrent(ctx)
	require.NoError(t, err)
	require.NotNil(t, current)

	newID, err := q.Reenqueue(ctx, *current)
	require.NoError(t, err)

	next, err := q.GetNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	require.Equal(t, newID, next.ID)
	require.Equal(t, "news-channel", next.Channel)
	require.Equal(t, 1, next.Priority)
}

func TestReenqueue_PlainVideoGoesToHeadOfPlainQueue(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	preemptedID, err := q.Enqueue(ctx, "http://preempted", "", "preempted", "1:00", "", "")
	require.NoError(t, err)
	ok, err := q.SetCurrent(ctx, preemptedID)
	require.NoError(t, err)
	require.True(t, ok)

	current, err := q.GetCurrent(ctx)
	require.NoError(t, err)
	require.NotNil(t, current)

	// A channel video preempts it.
	chanID, err := q.Enqueue(ctx, "http://news", "", "news", "1:00", "", "news-channel")
	require.NoError(t, err)
	require.NoError(t, q.EndVideo(ctx, preemptedID))

	// Other plain videos were already queued behind the preempted one.
	tailID, err := q.Enqueue(ctx, "http://tail", "", "tail", "1:00", "", "")
	require.NoError(t, err)

	newID, err := q.Reenqueue(ctx, *current)
	require.NoError(t, err)

	reenqueued, err := q.GetQueue(ctx)
	require.NoError(t, err)

	var reenqueuedPriority, tailPriority int
	for _, it := range reenqueued {
		switch it.ID {
		case newID:
			reenqueuedPriority = it.Priority
		case tailID:
			tailPriority = it.Priority
		}
	}
	require.Greater(t, reenqueuedPriority, tailPriority, "reenqueued plain video must outrank other queued plain videos")

	// With the channel item still queued, it's next (channel priority
	// still wins); but the reenqueued video outranks every other plain
	// video, so it plays before "tail" once the channel drains.
	require.NoError(t, q.Remove(ctx, chanID))
	next, err := q.GetNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	require.Equal(t, newID, next.ID, "reenqueued video must resume ahead of videos that were already queued behind it")
}

func TestCleanUpState_ClearsStalePlayingRows(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	id, err := q.Enqueue(ctx, "http://a", "", "a", "1:00", "", "")
	require.NoError(t, err)
	ok, err := q.SetCurrent(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, q.CleanUpState(ctx))

	current, err := q.GetCurrent(ctx)
	require.NoError(t, err)
	require.Nil(t, current)
}
