// Package deploy scores link quality while a field technician walks a node
// into position. The node in deploy mode pings continuously; the base feeds
// each ping (or each miss) into a bounded window and blends signal strength
// with packet loss into a single placement score.
package deploy

import (
	"sort"
	"sync"
	"time"

	"github.com/locavenet/locave/src/common"
)

// DefaultWindowSize is how many recent ping observations contribute to the
// score.
const DefaultWindowSize = 20

// StationaryTimeout is the dwell after which, with no qualifying ping, the
// deploy session should be ended by the caller.
const StationaryTimeout = 30 * time.Second

// RSSI normalization bounds: RSSIFloor maps to 0%, RSSICeiling to 100%.
const (
	RSSIFloor   = -100
	RSSICeiling = -30
)

type sample struct {
	rssi     int
	received bool
}

// Heuristic is the sliding-window quality estimator for one deploy session.
// It is a pure function of its window state, so it can be driven with
// synthetic samples in tests. All methods are safe for concurrent use.
type Heuristic struct {
	sync.Mutex

	window     *common.RollingIndex
	windowSize int
	nextIndex  int

	lastActivity time.Time

	now func() time.Time
}

// NewHeuristic ...
func NewHeuristic(windowSize int) *Heuristic {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	h := &Heuristic{
		window:     common.NewRollingIndex("deploy_samples", windowSize),
		windowSize: windowSize,
		now:        time.Now,
	}
	h.lastActivity = h.now()
	return h
}

// Observe feeds one observation into the window: a ping that arrived with
// its RSSI, or a miss. Only received pings count as qualifying activity for
// the stationary timeout.
func (h *Heuristic) Observe(rssi int, received bool) {
	h.Lock()
	defer h.Unlock()

	h.window.Set(sample{rssi: rssi, received: received}, h.nextIndex)
	h.nextIndex++

	if received {
		h.lastActivity = h.now()
	}
}

// Quality blends normalized RSSI with the observed loss ratio into a single
// percentage in [0,100]. Loss dominates when high: the success ratio enters
// squared, so 30% loss already pulls a perfect signal below the operational
// "good" threshold of 50%.
func (h *Heuristic) Quality() int {
	h.Lock()
	defer h.Unlock()

	samples := h.lastSamples()
	if len(samples) == 0 {
		return 0
	}

	var rssis []int
	received := 0
	for _, s := range samples {
		if s.received {
			received++
			rssis = append(rssis, s.rssi)
		}
	}

	if received == 0 {
		return 0
	}

	norm := float64(medianRSSI(rssis)-RSSIFloor) / float64(RSSICeiling-RSSIFloor)
	if norm < 0 {
		norm = 0
	} else if norm > 1 {
		norm = 1
	}

	success := float64(received) / float64(len(samples))

	quality := int(norm * success * success * 100)
	if quality > 100 {
		quality = 100
	}
	return quality
}

// medianRSSI picks the middle dBm value of the received pings. The median
// rather than the mean keeps a single fade or spike from swinging the score
// while the technician holds the node still. An even count averages the two
// middle readings.
func medianRSSI(rssis []int) int {
	s := append([]int(nil), rssis...)
	sort.Ints(s)

	l := len(s)
	switch {
	case l == 0:
		return 0
	case l%2 == 0:
		return (s[l/2-1] + s[l/2]) / 2
	default:
		return s[l/2]
	}
}

// IsStationaryTimeout reports whether the stationary dwell has elapsed with
// no qualifying ping, at which point the caller should exit deploy mode.
func (h *Heuristic) IsStationaryTimeout() bool {
	h.Lock()
	defer h.Unlock()

	return h.now().Sub(h.lastActivity) >= StationaryTimeout
}

// LastActivity returns the time of the last qualifying ping (or of session
// start when nothing was heard yet).
func (h *Heuristic) LastActivity() time.Time {
	h.Lock()
	defer h.Unlock()

	return h.lastActivity
}

// lastSamples returns up to windowSize most recent samples. Callers hold the
// lock.
func (h *Heuristic) lastSamples() []sample {
	items, _ := h.window.GetLastWindow()
	if len(items) > h.windowSize {
		items = items[len(items)-h.windowSize:]
	}
	out := make([]sample, len(items))
	for i, item := range items {
		out[i] = item.(sample)
	}
	return out
}
