// Package queue is the broadcaster's playlist scheduler: a persisted queue
// of videos, with compare-and-swap state transitions so concurrent skip,
// remove, and playback-completion requests never race each other into an
// inconsistent state. Direct SQL translation of piwall2's Playlist, adding a
// channel/priority model for live-channel preemption that the original
// lacked.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Playlist item lifecycle statuses, matching piwall2's Playlist constants.
const (
	StatusQueued  = "STATUS_QUEUED"
	StatusDeleted = "STATUS_DELETED"
	StatusPlaying = "STATUS_PLAYING"
	StatusDone    = "STATUS_DONE"
)

// ErrNotFound is returned when an operation targets a playlist_video_id that
// doesn't exist or is no longer in the expected state.
var ErrNotFound = errors.New("queue: item not found or not in expected state")

// ErrAlreadyPlaying is returned by StartNext when an item is already
// playing, so the caller (the queued daemon's tick loop) knows to wait
// rather than start a second broadcast concurrently.
var ErrAlreadyPlaying = errors.New("queue: an item is already playing")

// StartNext atomically claims the next queued item and marks it playing, in
// one transaction so a concurrent tick can't observe a half-claimed state.
// It returns ErrAlreadyPlaying if something is already playing, and (nil,
// nil) if the queue is empty.
func (q *Queue) StartNext(ctx context.Context) (*Item, error) {
	current, err := q.GetCurrent(ctx)
	if err != nil {
		return nil, err
	}
	if current != nil {
		return nil, ErrAlreadyPlaying
	}

	next, err := q.GetNext(ctx)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return nil, nil
	}

	ok, err := q.SetCurrent(ctx, next.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Lost a race to another claimant; the caller's next tick will try again.
		return nil, nil
	}
	next.Status = StatusPlaying
	return next, nil
}

// Item is one playlist entry.
type Item struct {
	ID               int64
	URL              string
	Thumbnail        string
	Title            string
	Duration         string
	Status           string
	Channel          string
	Priority         int
	IsSkipRequested  bool
	Settings         string
}

// Queue is the playlist store, backed by a *sql.DB shared with the settings
// package.
type Queue struct {
	db *sql.DB
}

// New wraps an already-opened, already-migrated database handle.
func New(db *sql.DB) *Queue {
	return &Queue{db: db}
}

// Enqueue adds a new queued video and returns its id.
//
// A channel video (channel != "") carries a higher priority than the
// default, so GetNext returns a queued channel video (the earliest-queued
// one, since every channel video shares the same priority) ahead of any
// plain queued videos — the channel-preemption invariant: a
// channel request interrupts whatever the wall is currently playing rather
// than waiting its turn at the tail of the queue.
func (q *Queue) Enqueue(ctx context.Context, url, thumbnail, title, duration, settings, channel string) (int64, error) {
	priority := 0
	if channel != "" {
		priority = 1
	}
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO playlist_videos (url, thumbnail, title, duration, status, channel, priority, settings)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		url, thumbnail, title, duration, StatusQueued, channel, priority, settings,
	)
	if err != nil {
		return 0, fmt.Errorf("queue: enqueue: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("queue: enqueue: %w", err)
	}
	return id, nil
}

// Reenqueue puts a still-relevant in-progress item back at the head of the
// queue, instead of letting it run to completion — the reenqueue law used
// when a higher-priority channel preempts a currently-playing plain video:
// the preempted video is not lost, it resumes once the channel's videos are
// exhausted.
//
// A channel item keeps its fixed channel priority. A plain (non-channel)
// item is given one more than the highest priority among currently queued
// plain items, so it sorts ahead of every other plain video — at the head
// of its own class — rather than landing at the tail the way a fresh
// Enqueue call (which always assigns plain videos priority 0) would.
func (q *Queue) Reenqueue(ctx context.Context, item Item) (int64, error) {
	priority := 0
	if item.Channel != "" {
		priority = 1
	} else {
		var maxPriority sql.NullInt64
		err := q.db.QueryRowContext(ctx,
			`SELECT MAX(priority) FROM playlist_videos WHERE status = ? AND channel = ?`,
			StatusQueued, "",
		).Scan(&maxPriority)
		if err != nil {
			return 0, fmt.Errorf("queue: reenqueue: %w", err)
		}
		if maxPriority.Valid {
			priority = int(maxPriority.Int64) + 1
		}
	}

	res, err := q.db.ExecContext(ctx,
		`INSERT INTO playlist_videos (url, thumbnail, title, duration, status, channel, priority, settings)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		item.URL, item.Thumbnail, item.Title, item.Duration, StatusQueued, item.Channel, priority, item.Settings,
	)
	if err != nil {
		return 0, fmt.Errorf("queue: reenqueue: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("queue: reenqueue: %w", err)
	}
	return id, nil
}

// Skip marks the item as skip-requested, but only if it's the one currently
// playing; passing the id the caller believes is playing makes skips
// atomic against a concurrent playlist change.
func (q *Queue) Skip(ctx context.Context, id int64) (bool, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE playlist_videos SET is_skip_requested = 1, updated_at = CURRENT_TIMESTAMP
		 WHERE status = ? AND playlist_video_id = ?`,
		StatusPlaying, id,
	)
	if err != nil {
		return false, fmt.Errorf("queue: skip %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("queue: skip %d: %w", id, err)
	}
	return n >= 1, nil
}

// Remove deletes a still-queued (not yet playing) item.
func (q *Queue) Remove(ctx context.Context, id int64) (bool, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE playlist_videos SET status = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE playlist_video_id = ? AND status = ?`,
		StatusDeleted, id, StatusQueued,
	)
	if err != nil {
		return false, fmt.Errorf("queue: remove %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("queue: remove %d: %w", id, err)
	}
	return n >= 1, nil
}

// Clear deletes every still-queued item and requests a skip of whatever is
// currently playing.
func (q *Queue) Clear(ctx context.Context) error {
	if _, err := q.db.ExecContext(ctx, `UPDATE playlist_videos SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE status = ?`, StatusDeleted, StatusQueued); err != nil {
		return fmt.Errorf("queue: clear: %w", err)
	}
	if _, err := q.db.ExecContext(ctx, `UPDATE playlist_videos SET is_skip_requested = 1, updated_at = CURRENT_TIMESTAMP WHERE status = ?`, StatusPlaying); err != nil {
		return fmt.Errorf("queue: clear: %w", err)
	}
	return nil
}

// GetCurrent returns the currently-playing item, if any.
func (q *Queue) GetCurrent(ctx context.Context) (*Item, error) {
	return q.queryOne(ctx, `SELECT * FROM playlist_videos WHERE status = ? LIMIT 1`, StatusPlaying)
}

// GetNext returns the next item that should play: the highest-priority
// queued item, ties broken by insertion order, implementing the
// channel-preemption invariant at read time.
func (q *Queue) GetNext(ctx context.Context) (*Item, error) {
	return q.queryOne(ctx,
		`SELECT * FROM playlist_videos WHERE status = ? ORDER BY priority DESC, playlist_video_id ASC LIMIT 1`,
		StatusQueued,
	)
}

// GetQueue returns every playing or queued item, in play order.
func (q *Queue) GetQueue(ctx context.Context) ([]Item, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT * FROM playlist_videos WHERE status IN (?, ?) ORDER BY priority DESC, playlist_video_id ASC`,
		StatusPlaying, StatusQueued,
	)
	if err != nil {
		return nil, fmt.Errorf("queue: get_queue: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("queue: get_queue: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// SetCurrent atomically transitions a queued item to playing. It returns
// false (not an error) if the item was concurrently removed or already
// claimed — the caller should treat that as "try the next item" rather than
// a fatal condition.
func (q *Queue) SetCurrent(ctx context.Context, id int64) (bool, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE playlist_videos SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE status = ? AND playlist_video_id = ?`,
		StatusPlaying, StatusQueued, id,
	)
	if err != nil {
		return false, fmt.Errorf("queue: set_current %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("queue: set_current %d: %w", id, err)
	}
	return n == 1, nil
}

// EndVideo marks an item done regardless of its current status, used once
// its broadcast subprocess has exited.
func (q *Queue) EndVideo(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE playlist_videos SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE playlist_video_id = ?`,
		StatusDone, id,
	)
	if err != nil {
		return fmt.Errorf("queue: end_video %d: %w", id, err)
	}
	return nil
}

// CleanUpState clears any "playing" rows left behind by an unclean shutdown,
// marking them done so they don't wedge the queue on restart.
func (q *Queue) CleanUpState(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `UPDATE playlist_videos SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE status = ?`, StatusDone, StatusPlaying)
	if err != nil {
		return fmt.Errorf("queue: clean_up_state: %w", err)
	}
	return nil
}

// ShouldSkip reports whether the given id should be skipped: either it no
// longer matches the DB's notion of "current" (a disagreement the caller
// should log and not act on, since it usually means the process and DB
// briefly diverged across an end/start boundary), or it's currently playing
// and flagged for skip.
func (q *Queue) ShouldSkip(ctx context.Context, id int64) (bool, error) {
	current, err := q.GetCurrent(ctx)
	if err != nil {
		return false, err
	}
	if current != nil && current.ID != id {
		return false, nil
	}
	if current != nil && current.IsSkipRequested {
		return true, nil
	}
	return false, nil
}

// HasHigherPriorityChannelWaiting reports whether a queued channel video
// outranks the currently-playing item's priority — the signal the queue's
// tick loop uses to preempt a plain video for a channel.
func (q *Queue) HasHigherPriorityChannelWaiting(ctx context.Context, currentPriority int) (bool, error) {
	next, err := q.GetNext(ctx)
	if err != nil {
		return false, err
	}
	return next != nil && next.Priority > currentPriority, nil
}

func (q *Queue) queryOne(ctx context.Context, query string, args ...any) (*Item, error) {
	row := q.db.QueryRowContext(ctx, query, args...)
	it, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}
	return &it, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(s scanner) (Item, error) {
	var it Item
	var createdAt, updatedAt any
	var isSkip int
	err := s.Scan(
		&it.ID, &createdAt, &updatedAt, &it.URL, &it.Thumbnail, &it.Title, &it.Duration,
		&it.Status, &it.Channel, &it.Priority, &isSkip, &it.Settings,
	)
	it.IsSkipRequested = isSkip != 0
	return it, err
}
