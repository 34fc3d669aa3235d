// Package animator periodically re-derives the wall's per-TV display mode to
// produce sweeping visual effects (wipes, rain, spiral) across the tile vs.
// repeat display modes, then republishes the result over the control
// protocol and persists it to the settings store. Ported from piwall2's
// Animator, with one redesign: SPIRAL walks the wall's perimeter using a
// formula parameterized by the wall's actual row/column count, not a
// hard-coded 3x3 table.
package animator

import (
	"context"
	"log/slog"
	"math"

	"github.com/dasl-/piwallgo/configload"
	"github.com/dasl-/piwallgo/settings"
	"github.com/dasl-/piwallgo/tvid"
)

// Mode is one of the animation modes a wall operator can select.
type Mode string

const (
	ModeNone       Mode = "ANIMATION_MODE_NONE"
	ModeTileRepeat Mode = "ANIMATION_MODE_TILE_REPEAT"
	ModeRain       Mode = "ANIMATION_MODE_RAIN"
	ModeSpiral     Mode = "ANIMATION_MODE_SPIRAL"
	ModeLeft       Mode = "ANIMATION_MODE_LEFT"
	ModeRight      Mode = "ANIMATION_MODE_RIGHT"
	ModeUp         Mode = "ANIMATION_MODE_UP"
	ModeDown       Mode = "ANIMATION_MODE_DOWN"

	// Pseudo modes are never stored in the DB; they translate to ModeNone
	// plus a one-shot bulk display-mode set, and are inferred back from a
	// uniform display-mode setting by CurrentMode.
	ModeTile   Mode = "ANIMATION_MODE_TILE"
	ModeRepeat Mode = "ANIMATION_MODE_REPEAT"
)

// DisplayMode is one of the two per-TV rendering modes the animator drives.
type DisplayMode string

const (
	DisplayModeTile   DisplayMode = "tile"
	DisplayModeRepeat DisplayMode = "repeat"

	DefaultDisplayMode = DisplayModeRepeat
)

var pseudoModes = map[Mode]bool{ModeTile: true, ModeRepeat: true}

// secondsBetweenDBUpdates throttles settings-store writes during an active
// animation: SD-card writes can occasionally take ~2s, so the animator
// shouldn't hammer the store every tick.
const secondsBetweenDBUpdates = 2

// TicksPerSecond matches the queue's 50ms tick loop (20 ticks/sec).
const TicksPerSecond = 20

// DisplayModeSetter persists and republishes a new display mode per TV; in
// production this is backed by the settings store plus a control-message
// broadcast, split out here so the animator's tick logic is testable
// without a live control socket.
type DisplayModeSetter interface {
	SetDisplayMode(ctx context.Context, byTV map[tvid.ID]DisplayMode, persist bool) error
}

// Animator holds the tick-to-tick state needed to compute sweep position
// and direction; it has no other side effects of its own — all persistence
// and network I/O goes through its settings and DisplayModeSetter
// dependencies.
type Animator struct {
	log      *slog.Logger
	settings *settings.DB
	wall     *configload.WallConfig
	setter   DisplayModeSetter

	mode  Mode
	ticks int
}

// New builds an Animator for the given wall, reading and writing animation
// mode through settingsDB and applying display-mode changes through setter.
func New(settingsDB *settings.DB, wall *configload.WallConfig, setter DisplayModeSetter, logger *slog.Logger) *Animator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Animator{
		log:      logger.With("component", "animator"),
		settings: settingsDB,
		wall:     wall,
		setter:   setter,
	}
}

// SetMode stores the requested animation mode, resolving a pseudo mode
// (TILE/REPEAT) into an immediate bulk display-mode change plus
// ANIMATION_MODE_NONE persisted in its place.
func (a *Animator) SetMode(ctx context.Context, mode Mode) error {
	if pseudoModes[mode] {
		dm := DisplayModeTile
		if mode == ModeRepeat {
			dm = DisplayModeRepeat
		}
		byTV := make(map[tvid.ID]DisplayMode, len(a.wall.TVIDs()))
		for _, id := range a.wall.TVIDs() {
			byTV[id] = dm
		}
		if err := a.setter.SetDisplayMode(ctx, byTV, true); err != nil {
			return err
		}
		mode = ModeNone
	}

	_, err := a.settings.Set(ctx, settings.AnimationMode, string(mode))
	return err
}

// CurrentMode returns the stored animation mode. When usePseudo is true and
// the stored mode is NONE, it infers ModeTile/ModeRepeat if every TV
// currently shares the same display mode — recovering the "pseudo mode"
// the store never persists directly, matching piwall2's
// get_animation_mode(use_pseudo_animation_mode=True).
func (a *Animator) CurrentMode(ctx context.Context, usePseudo bool) (Mode, error) {
	raw, err := a.settings.Get(ctx, settings.AnimationMode, string(ModeNone))
	if err != nil {
		return ModeNone, err
	}
	mode := Mode(raw)

	if !usePseudo || (!pseudoModes[mode] && mode != ModeNone) {
		return mode, nil
	}

	byTV, err := a.settings.TVSettings(ctx, a.wall.TVIDs(), string(DefaultDisplayMode))
	if err != nil {
		return ModeNone, err
	}

	var first string
	allSame := true
	for _, dm := range byTV {
		if first == "" {
			first = dm
			continue
		}
		if dm != first {
			allSame = false
			break
		}
	}
	if allSame {
		switch DisplayMode(first) {
		case DisplayModeTile:
			return ModeTile, nil
		case DisplayModeRepeat:
			return ModeRepeat, nil
		}
	}
	return ModeNone, nil
}

// Tick advances the animation by one step, recomputing and applying the
// per-TV display mode for the current mode and tick count.
func (a *Animator) Tick(ctx context.Context) error {
	newMode, err := a.CurrentMode(ctx, false)
	if err != nil {
		return err
	}
	if newMode != a.mode {
		a.ticks = 0
	} else {
		a.ticks++
	}
	a.mode = newMode

	byTV, err := a.displayModesFor(ctx, newMode)
	if err != nil {
		return err
	}

	// Even in NONE, republish so a receiver that missed an earlier control
	// message eventually converges (eventual consistency of display_mode).
	// While an animation runs, the computed modes are also persisted, but
	// only once every secondsBetweenDBUpdates seconds' worth of ticks; in
	// NONE the settings already hold the modes being republished.
	persist := newMode != ModeNone && a.ticks%(secondsBetweenDBUpdates*TicksPerSecond) == 0
	return a.setter.SetDisplayMode(ctx, byTV, persist)
}

func (a *Animator) displayModesFor(ctx context.Context, mode Mode) (map[tvid.ID]DisplayMode, error) {
	switch mode {
	case ModeNone:
		return a.currentDisplayModes(ctx)
	case ModeTileRepeat:
		return a.tileRepeat(), nil
	case ModeLeft, ModeRight, ModeUp, ModeDown:
		return a.direction(mode), nil
	case ModeRain:
		return a.rain(), nil
	case ModeSpiral:
		return a.spiral(), nil
	default:
		a.log.Warn("unknown animation mode, holding current display modes", "mode", mode)
		return a.currentDisplayModes(ctx)
	}
}

func (a *Animator) currentDisplayModes(ctx context.Context) (map[tvid.ID]DisplayMode, error) {
	raw, err := a.settings.TVSettings(ctx, a.wall.TVIDs(), string(DefaultDisplayMode))
	if err != nil {
		return nil, err
	}
	byTV := make(map[tvid.ID]DisplayMode, len(raw))
	for id, dm := range raw {
		byTV[id] = DisplayMode(dm)
	}
	return byTV, nil
}

func (a *Animator) secondsElapsed() int {
	return int(math.Round(float64(a.ticks) / TicksPerSecond))
}

func (a *Animator) tileRepeat() map[tvid.ID]DisplayMode {
	dm := DisplayModeRepeat
	if a.secondsElapsed()%2 != 0 {
		dm = DisplayModeTile
	}
	return uniform(a.wall.TVIDs(), dm)
}

func (a *Animator) direction(mode Mode) map[tvid.ID]DisplayMode {
	numRows, numCols := a.wall.NumRows(), a.wall.NumColumns()

	var ids []tvid.ID
	var dm DisplayMode

	if a.ticks == 0 {
		ids = a.wall.TVIDs()
		dm = DisplayModeTile
	} else {
		switch mode {
		case ModeLeft:
			col := (numCols - 1) - ((a.ticks - 1) % numCols)
			ids = a.wall.Columns()[col]
			dm = sweepDisplayMode(a.ticks, numCols)
		case ModeRight:
			col := (a.ticks - 1) % numCols
			ids = a.wall.Columns()[col]
			dm = sweepDisplayMode(a.ticks, numCols)
		case ModeUp:
			row := (numRows - 1) - ((a.ticks - 1) % numRows)
			ids = a.wall.Rows()[row]
			dm = sweepDisplayMode(a.ticks, numRows)
		case ModeDown:
			row := (a.ticks - 1) % numRows
			ids = a.wall.Rows()[row]
			dm = sweepDisplayMode(a.ticks, numRows)
		}
	}
	return uniform(ids, dm)
}

func sweepDisplayMode(ticks, period int) DisplayMode {
	if (ticks-1)/period%2 == 0 {
		return DisplayModeRepeat
	}
	return DisplayModeTile
}

func (a *Animator) rain() map[tvid.ID]DisplayMode {
	numRows, numCols := a.wall.NumRows(), a.wall.NumColumns()

	var ids []tvid.ID
	if a.ticks == 0 {
		ids = a.wall.TVIDs()
	} else {
		col := (a.ticks - 1) / numCols % numCols
		row := (a.ticks - 1) % numRows
		ids = intersection(a.wall.Rows(), a.wall.Columns(), row, col)
	}

	dm := DisplayModeTile
	if a.ticks == 0 {
		dm = DisplayModeTile
	} else if (a.ticks-1)/(numRows*numCols)%2 == 0 {
		dm = DisplayModeRepeat
	}
	return uniform(ids, dm)
}

// spiral walks the wall's cells inward in a clockwise spiral, generalizing
// piwall2's hard-coded 3x3 traversal table to any rows x columns shape.
func (a *Animator) spiral() map[tvid.ID]DisplayMode {
	numRows, numCols := a.wall.NumRows(), a.wall.NumColumns()
	order := spiralOrder(numRows, numCols)

	var ids []tvid.ID
	if a.ticks == 0 || len(order) == 0 {
		ids = a.wall.TVIDs()
	} else {
		cell := order[(a.ticks-1)%len(order)]
		ids = intersection(a.wall.Rows(), a.wall.Columns(), cell.row, cell.col)
	}

	dm := DisplayModeTile
	if a.ticks == 0 {
		dm = DisplayModeTile
	} else if (a.ticks-1)/(numRows*numCols)%2 == 0 {
		dm = DisplayModeRepeat
	}
	return uniform(ids, dm)
}

type cell struct{ row, col int }

// spiralOrder returns every (row, col) cell of a rows x cols grid in
// clockwise spiral order starting at the top-left corner, walking the
// outer ring first and then recursing inward — the generic analogue of the
// classic "spiral matrix traversal" algorithm.
func spiralOrder(rows, cols int) []cell {
	if rows <= 0 || cols <= 0 {
		return nil
	}
	order := make([]cell, 0, rows*cols)

	top, bottom, left, right := 0, rows-1, 0, cols-1
	for top <= bottom && left <= right {
		for c := left; c <= right; c++ {
			order = append(order, cell{top, c})
		}
		for r := top + 1; r <= bottom; r++ {
			order = append(order, cell{r, right})
		}
		if top < bottom && left < right {
			for c := right - 1; c >= left; c-- {
				order = append(order, cell{bottom, c})
			}
			for r := bottom - 1; r > top; r-- {
				order = append(order, cell{r, left})
			}
		}
		top++
		bottom--
		left++
		right--
	}
	return order
}

func intersection(rows, cols [][]tvid.ID, row, col int) []tvid.ID {
	if row < 0 || row >= len(rows) || col < 0 || col >= len(cols) {
		return nil
	}
	colSet := make(map[tvid.ID]bool, len(cols[col]))
	for _, id := range cols[col] {
		colSet[id] = true
	}
	var out []tvid.ID
	for _, id := range rows[row] {
		if colSet[id] {
			out = append(out, id)
		}
	}
	return out
}

func uniform(ids []tvid.ID, dm DisplayMode) map[tvid.ID]DisplayMode {
	byTV := make(map[tvid.ID]DisplayMode, len(ids))
	for _, id := range ids {
		byTV[id] = dm
	}
	return byTV
}
