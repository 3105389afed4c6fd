// Package marketdata turns a paginated historical bar endpoint into ordered bar
// series per backtest window.
package marketdata

import "time"

// DefaultChunkSize is the backtest window length used when none is configured.
const DefaultChunkSize = 30 * 24 * time.Hour

// Window is a half-open time range [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// SplitWindows cuts [start, end) into contiguous windows of size. The last
// window is truncated at end. A non-positive size yields one window.
func SplitWindows(start, end time.Time, size time.Duration) []Window {
	if !end.After(start) {
		return nil
	}
	if size <= 0 {
		return []Window{{Start: start, End: end}}
	}

	var windows []Window
	for cur := start; cur.Before(end); {
		next := cur.Add(size)
		if next.After(end) {
			next = end
		}
		windows = append(windows, Window{Start: cur, End: next})
		cur = next
	}
	return windows
}
