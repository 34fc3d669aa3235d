// Package configload parses the broadcaster's wall configuration: the set of
// receivers, the rectangle each of their TVs occupies on the wall, and the
// global settings that shape playback (rows/columns bucketing, loading
// screens, channel videos, screensaver behavior).
package configload

import (
	"errors"
	"fmt"
	"sort"

	"github.com/BurntSushi/toml"

	"github.com/dasl-/piwallgo/tvid"
	"github.com/dasl-/piwallgo/wallgeom"
)

// ErrUnsupportedResolution is returned by CheckResolution when the wall has
// any dual-output receiver and the source video exceeds 720p, a combination
// the broadcaster refuses to start rather than risk an unreliable dual
// player setup.
var ErrUnsupportedResolution = errors.New("configload: unsupported resolution for dual-output wall")

// ReceiverConfig describes one physical receiver host and the rectangle(s)
// its attached TV(s) occupy in wall coordinates.
type ReceiverConfig struct {
	X, Y, Width, Height int
	Audio, Video        string
	Orientation         string

	// Dual-output (HDMI+HDMI) fields. DualOutput reports whether TV 2 is
	// configured for this receiver.
	X2, Y2, Width2, Height2 int
	Audio2, Video2          string
	Orientation2            string
	DualOutput              bool
}

// rawReceiverConfig mirrors the TOML shape of a single `[receivers."<host>"]`
// table; fields not set default to the zero value.
type rawReceiverConfig struct {
	X, Y, Width, Height int
	Audio, Video        string
	Orientation         string
	X2, Y2, Width2, Height2 int
	Audio2, Video2          string
	Orientation2            string
}

// rawConfig mirrors the TOML shape of the whole broadcaster config file.
type rawConfig struct {
	Receivers                     map[string]rawReceiverConfig `toml:"receivers"`
	Rows                          int                          `toml:"rows"`
	Columns                       int                          `toml:"columns"`
	LogLevel                      string                       `toml:"log_level"`
	LoadingScreens                []string                     `toml:"loading_screens"`
	ChannelVideos                 []string                     `toml:"channel_videos"`
	Screensavers                  []string                     `toml:"screensavers"`
	UseChannelVideosAsScreensavers bool                        `toml:"use_channel_videos_as_screensavers"`
	UseScreensavers               bool                         `toml:"use_screensavers"`
}

// WallConfig is the fully parsed, derived wall configuration: static data
// loaded once at broadcaster start-up.
type WallConfig struct {
	Receivers map[string]ReceiverConfig

	LogLevel                       string
	LoadingScreens                 []string
	ChannelVideos                  []string
	Screensavers                   []string
	UseChannelVideosAsScreensavers bool
	UseScreensavers                bool

	// Derived fields.
	WallWidth, WallHeight int
	IsAnyDualOutput       bool

	numRows, numColumns int
	rowsOf              [][]tvid.ID
	columnsOf           [][]tvid.ID
}

// Load parses the TOML wall configuration at path and derives wall
// dimensions and row/column buckets.
func Load(path string) (*WallConfig, error) {
	var raw rawConfig
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, fmt.Errorf("configload: decode %s: %w", path, err)
	}
	return fromRaw(raw)
}

func fromRaw(raw rawConfig) (*WallConfig, error) {
	if len(raw.Receivers) == 0 {
		return nil, fmt.Errorf("configload: no receivers configured")
	}

	wc := &WallConfig{
		Receivers:                      make(map[string]ReceiverConfig, len(raw.Receivers)),
		LogLevel:                       raw.LogLevel,
		LoadingScreens:                 raw.LoadingScreens,
		ChannelVideos:                  raw.ChannelVideos,
		Screensavers:                   raw.Screensavers,
		UseChannelVideosAsScreensavers: raw.UseChannelVideosAsScreensavers,
		UseScreensavers:                raw.UseScreensavers,
		numRows:                        raw.Rows,
		numColumns:                     raw.Columns,
	}

	for host, r := range raw.Receivers {
		if r.Width <= 0 || r.Height <= 0 {
			return nil, fmt.Errorf("configload: receiver %q: width/height must be positive, got %dx%d", host, r.Width, r.Height)
		}
		rc := ReceiverConfig{
			X: r.X, Y: r.Y, Width: r.Width, Height: r.Height,
			Audio: r.Audio, Video: r.Video, Orientation: r.Orientation,
		}
		if r.Width2 > 0 && r.Height2 > 0 {
			rc.DualOutput = true
			rc.X2, rc.Y2, rc.Width2, rc.Height2 = r.X2, r.Y2, r.Width2, r.Height2
			rc.Audio2, rc.Video2, rc.Orientation2 = r.Audio2, r.Video2, r.Orientation2
			wc.IsAnyDualOutput = true
		}
		wc.Receivers[host] = rc

		if r.X+r.Width > wc.WallWidth {
			wc.WallWidth = r.X + r.Width
		}
		if r.Y+r.Height > wc.WallHeight {
			wc.WallHeight = r.Y + r.Height
		}
		if rc.DualOutput {
			if r.X2+r.Width2 > wc.WallWidth {
				wc.WallWidth = r.X2 + r.Width2
			}
			if r.Y2+r.Height2 > wc.WallHeight {
				wc.WallHeight = r.Y2 + r.Height2
			}
		}
	}

	wc.bucketize()
	return wc, nil
}

// CheckResolution enforces Testable Property 2: a wall with any dual-output
// receiver refuses to play video taller than 720p.
func (wc *WallConfig) CheckResolution(video wallgeom.Dims) error {
	if wc.IsAnyDualOutput && video.H > 720 {
		return fmt.Errorf("%w: video height %d with dual-output receivers present", ErrUnsupportedResolution, video.H)
	}
	return nil
}

// TVIDs returns the sorted list of every tv_id on the wall.
func (wc *WallConfig) TVIDs() []tvid.ID {
	var ids []tvid.ID
	for host, rc := range wc.Receivers {
		ids = append(ids, tvid.New(host, tvid.One))
		if rc.DualOutput {
			ids = append(ids, tvid.New(host, tvid.Two))
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// NumRows and NumColumns return the wall's row/column bucket counts, either
// explicitly configured or inferred from the number of distinct TV-center
// y (rows) and x (columns) coordinates.
func (wc *WallConfig) NumRows() int    { return wc.numRows }
func (wc *WallConfig) NumColumns() int { return wc.numColumns }

// Rows returns, for each row bucket, the tv_ids whose center falls in that
// row. Columns is the column-bucket analogue.
func (wc *WallConfig) Rows() [][]tvid.ID    { return wc.rowsOf }
func (wc *WallConfig) Columns() [][]tvid.ID { return wc.columnsOf }

// Rect returns the wall-coordinate rectangle for a given tv_id.
func (wc *WallConfig) Rect(id tvid.ID) (x, y, w, h int, ok bool) {
	host := id.Host()
	num, err := id.Number()
	if err != nil {
		return 0, 0, 0, 0, false
	}
	rc, found := wc.Receivers[host]
	if !found {
		return 0, 0, 0, 0, false
	}
	if num == tvid.One {
		return rc.X, rc.Y, rc.Width, rc.Height, true
	}
	if !rc.DualOutput {
		return 0, 0, 0, 0, false
	}
	return rc.X2, rc.Y2, rc.Width2, rc.Height2, true
}

// bucketize assigns each tv_id to a row and column bucket by the center of
// its rectangle, matching piwall2's configloader row/column partitioning. If
// Rows/Columns weren't configured explicitly, it infers bucket counts from
// the distinct center coordinates observed.
func (wc *WallConfig) bucketize() {
	type centered struct {
		id       tvid.ID
		cx, cy   int
	}
	var all []centered
	for _, id := range wc.TVIDs() {
		x, y, w, h, ok := wc.Rect(id)
		if !ok {
			continue
		}
		all = append(all, centered{id: id, cx: x + w/2, cy: y + h/2})
	}

	rowKeys := distinctSorted(all, func(c centered) int { return c.cy })
	colKeys := distinctSorted(all, func(c centered) int { return c.cx })

	if wc.numRows <= 0 {
		wc.numRows = len(rowKeys)
	}
	if wc.numColumns <= 0 {
		wc.numColumns = len(colKeys)
	}

	wc.rowsOf = make([][]tvid.ID, len(rowKeys))
	for i, key := range rowKeys {
		for _, c := range all {
			if c.cy == key {
				wc.rowsOf[i] = append(wc.rowsOf[i], c.id)
			}
		}
	}

	wc.columnsOf = make([][]tvid.ID, len(colKeys))
	for i, key := range colKeys {
		for _, c := range all {
			if c.cx == key {
				wc.columnsOf[i] = append(wc.columnsOf[i], c.id)
			}
		}
	}
}

func distinctSorted[T any](items []T, key func(T) int) []int {
	seen := make(map[int]bool)
	var keys []int
	for _, it := range items {
		k := key(it)
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	sort.Ints(keys)
	return keys
}
