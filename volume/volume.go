// Package volume converts between perceptual loudness percentages and the
// millibel attenuation levels ALSA mixers operate in, and drives the local
// mixer via amixer. The curve math is adapted directly from piwall2's
// volumecontroller.py; see http://www.sengpielaudio.com/calculator-levelchange.htm
// for the perceived-loudness-doubles-per-10dB relationship it implements.
package volume

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os/exec"
	"regexp"
	"strconv"
)

// ALSA numid=1 millibel bounds observed on the reference mixer
// ("Headphone Playback Volume"): min=-10239, max=400. Anything above
// limitedMaxVolVal risks clipping, so the settable range is capped there
// instead of at the mixer's own max.
const (
	globalMinVolVal = -10239
	globalMaxVolVal = 400
	limitedMaxVolVal = 0
)

var valuesRe = regexp.MustCompile(`values=(-?\d+)`)

// PctFromMillibels converts a millibel attenuation level to a perceptual
// loudness percentage in [0, 100]. Monotonic nondecreasing in mb, saturating
// at both ends (Testable Property: volume curve is monotonic and
// saturating).
func PctFromMillibels(mb int) float64 {
	if mb <= globalMinVolVal {
		return 0
	}
	dbLevel := float64(mb) / 100
	pct := math.Pow(2, dbLevel/10) * 100
	return clamp(pct, 0, 100)
}

// MillibelsFromPct converts a perceptual loudness percentage in [0, 100] to
// the millibel attenuation level that produces it, clamped to the mixer's
// usable range.
func MillibelsFromPct(pct float64) int {
	var dbLevel float64
	if pct <= 0 {
		dbLevel = float64(globalMinVolVal) / 100
	} else {
		dbLevel = 10 * math.Log2(pct/100)
	}
	dbLevel = clamp(dbLevel, float64(globalMinVolVal)/100, float64(limitedMaxVolVal))
	return int(math.Round(dbLevel * 100))
}

// pctToSet converts a clamped millibel level into the raw amixer percentage
// argument ALSA's numid=1 control expects.
func pctToSet(mb int) float64 {
	return (float64(mb-globalMinVolVal) / float64(globalMaxVolVal-globalMinVolVal)) * 100
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Controller drives the local ALSA mixer for numid=1 via amixer, matching
// piwall2's subprocess-based VolumeController.
type Controller struct {
	amixerPath string
}

// NewController builds a Controller that shells out to the amixer binary
// found on PATH.
func NewController() *Controller {
	return &Controller{amixerPath: "amixer"}
}

// SetPct sets the mixer to the millibel level corresponding to pct, a
// perceptual loudness percentage in [0, 100].
func (c *Controller) SetPct(ctx context.Context, pct float64) error {
	mb := MillibelsFromPct(pct)
	pctToSetArg := pctToSet(mb)
	cmd := exec.CommandContext(ctx, c.amixerPath, "cset", "numid=1", fmt.Sprintf("%g%%", pctToSetArg))
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("volume: amixer cset: %w (output: %s)", err, bytes.TrimSpace(out))
	}
	return nil
}

// GetPct reads the mixer's current millibel level and returns the
// corresponding perceptual loudness percentage.
func (c *Controller) GetPct(ctx context.Context) (float64, error) {
	mb, err := c.getMillibels(ctx)
	if err != nil {
		return 0, err
	}
	return PctFromMillibels(mb), nil
}

func (c *Controller) getMillibels(ctx context.Context) (int, error) {
	cmd := exec.CommandContext(ctx, c.amixerPath, "cget", "numid=1")
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("volume: amixer cget: %w", err)
	}
	m := valuesRe.FindSubmatch(out)
	if m == nil {
		return globalMinVolVal, nil
	}
	mb, err := strconv.Atoi(string(m[1]))
	if err != nil {
		return globalMinVolVal, nil
	}
	return int(clamp(float64(mb), globalMinVolVal, 0)), nil
}
