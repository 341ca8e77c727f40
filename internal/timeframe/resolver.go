// Package timeframe maps symbolic dashboard time windows to absolute
// date ranges.
package timeframe

import (
	"errors"
	"fmt"
	"time"
)

// Window is a symbolic time-window selector
type Window string

const (
	Window1Y Window = "1y"
	Window3Y Window = "3y"
	Window5Y Window = "5y"
)

// ErrUnknownWindow reports a selector outside the supported set.
// This is a configuration fault, not a runtime data error.
var ErrUnknownWindow = errors.New("unknown time window")

// yearOffsets maps each window to its whole-year offset
var yearOffsets = map[Window]int{
	Window1Y: 1,
	Window3Y: 3,
	Window5Y: 5,
}

// Range is an absolute date range, both ends inclusive calendar dates
type Range struct {
	Start time.Time
	End   time.Time
}

// StartDate returns the start formatted as YYYY-MM-DD
func (r Range) StartDate() string { return r.Start.Format("2006-01-02") }

// EndDate returns the end formatted as YYYY-MM-DD
func (r Range) EndDate() string { return r.End.Format("2006-01-02") }

// Resolve maps a window to a concrete date range anchored at ref.
// End is the UTC calendar date of ref; start is end shifted back by the
// window's whole years, month and day preserved. Day overflow follows
// time.AddDate normalization (Feb 29 minus one year lands on Mar 1).
func Resolve(w Window, ref time.Time) (Range, error) {
	offset, ok := yearOffsets[w]
	if !ok {
		return Range{}, fmt.Errorf("%w: %q", ErrUnknownWindow, w)
	}

	ref = ref.UTC()
	end := time.Date(ref.Year(), ref.Month(), ref.Day(), 0, 0, 0, 0, time.UTC)
	start := end.AddDate(-offset, 0, 0)

	return Range{Start: start, End: end}, nil
}

// Windows returns the supported selectors in display order
func Windows() []Window {
	return []Window{Window1Y, Window3Y, Window5Y}
}
