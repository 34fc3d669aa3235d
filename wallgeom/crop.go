// Package wallgeom computes, for every TV on the wall, the rectangle of the
// source video that TV should crop and display — once for tile mode (each TV
// shows its own slice of the picture so the whole wall forms one mosaic) and
// once for repeat mode (every TV shows the full picture, fit to itself).
//
// This package is pure math: no I/O, no package-level state. It is consumed
// by the broadcaster (to compute the crops it sends in INIT_VIDEO and to log
// any that exceed the detected video dimensions) and by the receiver (to
// format each player's crop argument).
package wallgeom

import (
	"fmt"
	"math"
)

// Rect is an axis-aligned pixel rectangle in source-video coordinates.
type Rect struct {
	X0, Y0, X1, Y1 int
}

// Width and Height return the rectangle's pixel dimensions.
func (r Rect) Width() int  { return r.X1 - r.X0 }
func (r Rect) Height() int { return r.Y1 - r.Y0 }

// Dims is a width/height pair, used for both TV rectangles and video frames.
type Dims struct {
	W, H int
}

// TVRect is a TV's rectangle in wall coordinates, as configured.
type TVRect struct {
	X, Y, W, H int
}

// Crop holds the pair of crop rectangles computed for one TV.
type Crop struct {
	Tile   Rect
	Repeat Rect
}

// Compute derives the tile-mode and repeat-mode crop rectangles for a single
// TV, given the wall's overall dimensions, the TV's rectangle within the
// wall, and the source video's dimensions.
//
// Fill semantics (no letterbox, no aspect warp): a centered "displayable"
// sub-rectangle of the video is computed with the target screen's aspect
// ratio — the wall's aspect ratio for tile mode, the TV's own aspect ratio
// for repeat mode. For tile mode, the TV's wall-coordinate rectangle is then
// projected onto that displayable area; for repeat mode the crop is exactly
// the displayable area.
//
// Coordinates exceeding the video's dimensions are not clamped: out-of-range
// crops indicate a wall misconfiguration and the caller is expected to log
// them (see OutOfBounds), not silently correct them.
func Compute(wall Dims, tv TVRect, video Dims) (Crop, error) {
	if wall.W <= 0 || wall.H <= 0 {
		return Crop{}, fmt.Errorf("wallgeom: invalid wall dimensions %dx%d", wall.W, wall.H)
	}
	if tv.W <= 0 || tv.H <= 0 {
		return Crop{}, fmt.Errorf("wallgeom: invalid tv dimensions %dx%d", tv.W, tv.H)
	}
	if video.W <= 0 || video.H <= 0 {
		return Crop{}, fmt.Errorf("wallgeom: invalid video dimensions %dx%d", video.W, video.H)
	}

	tileDisplayable := displayable(float64(wall.W)/float64(wall.H), video)
	repeatDisplayable := displayable(float64(tv.W)/float64(tv.H), video)

	return Crop{
		Tile:   project(tileDisplayable, wall, tv),
		Repeat: toRect(repeatDisplayable),
	}, nil
}

// displayableRect is the centered sub-rectangle of the video matching some
// target aspect ratio.
type displayableRect struct {
	offX, offY float64
	w, h       float64
}

// displayable computes the centered sub-rectangle of video with aspect ratio
// arScreen, per spec: if the screen is at least as wide (relative to its
// height) as the video, the full video width is used and height is derived;
// otherwise the full video height is used and width is derived.
func displayable(arScreen float64, video Dims) displayableRect {
	arVideo := float64(video.W) / float64(video.H)
	var w, h float64
	if arScreen >= arVideo {
		w = float64(video.W)
		h = w / arScreen
	} else {
		h = float64(video.H)
		w = arScreen * h
	}
	return displayableRect{
		offX: (float64(video.W) - w) / 2,
		offY: (float64(video.H) - h) / 2,
		w:    w,
		h:    h,
	}
}

func toRect(d displayableRect) Rect {
	return Rect{
		X0: round(d.offX),
		Y0: round(d.offY),
		X1: round(d.offX + d.w),
		Y1: round(d.offY + d.h),
	}
}

// project maps the TV's wall-coordinate rectangle onto the displayable area,
// for tile mode: the displayable area stands in for the whole wall.
func project(d displayableRect, wall Dims, tv TVRect) Rect {
	x0 := d.offX + (float64(tv.X)/float64(wall.W))*d.w
	y0 := d.offY + (float64(tv.Y)/float64(wall.H))*d.h
	x1 := d.offX + (float64(tv.X+tv.W)/float64(wall.W))*d.w
	y1 := d.offY + (float64(tv.Y+tv.H)/float64(wall.H))*d.h
	return Rect{X0: round(x0), Y0: round(y0), X1: round(x1), Y1: round(y1)}
}

func round(f float64) int {
	return int(math.Round(f))
}

// OutOfBounds reports whether any edge of r exceeds the video's dimensions —
// a misconfiguration indicator the caller should log, not clamp, per spec.
func OutOfBounds(r Rect, video Dims) bool {
	return r.X0 < 0 || r.Y0 < 0 || r.X1 > video.W || r.Y1 > video.H
}

// CropFilterString formats r as libVLC's "--crop-geometry"/SetCropGeometry
// argument: "<w>x<h>+<x>+<y>". The receiver applies this directly to a
// player's video crop; the broadcaster never needs the string form.
func CropFilterString(r Rect) string {
	return fmt.Sprintf("%dx%d+%d+%d", r.Width(), r.Height(), r.X0, r.Y0)
}
