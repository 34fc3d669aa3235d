// Package tvid identifies the individual TVs attached to a receiver host.
//
// A receiver may drive one or two physical TVs: one if it uses component or
// single-HDMI output, two if it has dual HDMI output. A tv_id uniquely
// identifies a single TV within the wall: "<receiver_host>_<tv_number>".
package tvid

import (
	"fmt"
	"strconv"
	"strings"
)

const delim = "_"

// Number distinguishes the first and second TV attached to a dual-output
// receiver.
type Number int

const (
	One Number = 1
	Two Number = 2
)

// ID is the wall-unique identifier for a single TV: "<host>_<number>".
type ID string

// New builds the ID for a TV attached to host.
func New(host string, number Number) ID {
	return ID(fmt.Sprintf("%s%s%d", host, delim, number))
}

// Host returns the receiver hostname portion of id.
func (id ID) Host() string {
	host, _, _ := strings.Cut(string(id), delim)
	return host
}

// Number returns the TV number (1 or 2) portion of id.
func (id ID) Number() (Number, error) {
	_, numStr, ok := strings.Cut(string(id), delim)
	if !ok {
		return 0, fmt.Errorf("tvid: malformed id %q: missing delimiter", id)
	}
	n, err := strconv.Atoi(numStr)
	if err != nil {
		return 0, fmt.Errorf("tvid: malformed id %q: %w", id, err)
	}
	if n != int(One) && n != int(Two) {
		return 0, fmt.Errorf("tvid: malformed id %q: tv number must be 1 or 2, got %d", id, n)
	}
	return Number(n), nil
}

// Valid reports whether id has the well-formed "<host>_<1|2>" shape.
func (id ID) Valid() bool {
	_, err := id.Number()
	return err == nil && id.Host() != ""
}
