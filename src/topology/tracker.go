// Package topology owns the live node table of the mesh: who was heard from,
// when, over which links, and in what condition. It is fed by the engine with
// decoded reports and read by the HTTP service through point-in-time
// snapshots.
package topology

import (
	"sort"
	"sync"
	"time"

	"github.com/locavenet/locave/src/wire"
)

// DefaultTTL is the liveness window. A node with no report within this window
// is excluded from live views, though its last record remains queryable until
// reaped.
const DefaultTTL = 600 * time.Second

// DefaultReapAge is how long a stale record is kept around for inspection
// before Reap removes it.
const DefaultReapAge = 6 * DefaultTTL

type record struct {
	lastSeen     time.Time
	hopTTL       uint8
	mode         wire.Mode
	hasMode      bool
	battery      float64
	charging     bool
	hasTelemetry bool
	weather      *wire.Weather
	neighbors    []wire.Neighbor
	beacons      map[uint16]time.Time
}

// NodeView is the read model of a node exposed to external collaborators.
type NodeView struct {
	ID         uint8   `json:"id"`
	LastSeen   int64   `json:"last_seen"`
	SecondsAgo int     `json:"seconds_ago"`
	TTL        int     `json:"ttl"`
	HopTTL     uint8   `json:"hop_ttl"`
	Mode       string  `json:"mode,omitempty"`
	Battery    float64 `json:"battery_voltage,omitempty"`
	Charging   bool    `json:"charging,omitempty"`
}

// NeighborView ...
type NeighborView struct {
	NodeID    uint8  `json:"node_id"`
	Interface string `json:"interface"`
	RSSI      int    `json:"rssi"`
}

// TopologyView is the per-node neighbor listing served by /topology.
type TopologyView struct {
	SecondsAgo int            `json:"seconds_ago"`
	Neighbors  []NeighborView `json:"neighbors"`
	Weather    *wire.Weather  `json:"weather,omitempty"`
}

// BleSighting is one BLE beacon heard by a node, with the age of the last
// sighting.
type BleSighting struct {
	ID         uint16 `json:"id"`
	SecondsAgo int    `json:"seconds_ago"`
}

// Tracker maintains the node table. All exported methods are safe for
// concurrent use. The table is volatile: it starts empty on every boot.
type Tracker struct {
	sync.RWMutex

	ttl   time.Duration
	nodes map[uint8]*record

	now func() time.Time
}

// NewTracker ...
func NewTracker(ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{
		ttl:   ttl,
		nodes: make(map[uint8]*record),
		now:   time.Now,
	}
}

// trackable filters out addresses that are not field nodes: the base itself,
// the Telegram origin marker, and the broadcast address never enter the
// table.
func trackable(id uint8) bool {
	return id >= 1 && id <= wire.MaxNodeID
}

func (t *Tracker) get(id uint8) *record {
	r, ok := t.nodes[id]
	if !ok {
		r = &record{}
		t.nodes[id] = r
	}
	return r
}

// Touch refreshes a node's last-seen timestamp and hop TTL. It is called for
// every frame heard from the node, whatever its type.
func (t *Tracker) Touch(id uint8, hopTTL uint8) {
	if !trackable(id) {
		return
	}

	t.Lock()
	defer t.Unlock()

	r := t.get(id)
	r.lastSeen = t.now()
	r.hopTTL = hopTTL
}

// ApplyNeighbors replaces a node's neighbor set wholesale. Nodes report
// their complete current neighbor set each cycle, so there is no merging.
func (t *Tracker) ApplyNeighbors(report wire.NeighborReport) {
	id := report.Hdr.Source
	if !trackable(id) {
		return
	}

	t.Lock()
	defer t.Unlock()

	r := t.get(id)
	r.lastSeen = t.now()
	r.hopTTL = report.Hdr.HopTTL
	r.neighbors = append([]wire.Neighbor(nil), report.Neighbors...)
}

// ApplyTelemetry updates battery and optional weather readings.
func (t *Tracker) ApplyTelemetry(report wire.TelemetryReport) {
	id := report.Hdr.Source
	if !trackable(id) {
		return
	}

	t.Lock()
	defer t.Unlock()

	r := t.get(id)
	r.lastSeen = t.now()
	r.hopTTL = report.Hdr.HopTTL
	r.battery = report.Battery
	r.charging = report.Charging
	r.hasTelemetry = true
	if report.Weather != nil {
		w := *report.Weather
		r.weather = &w
	}
}

// ApplyMode records the operating mode a node announced for itself.
func (t *Tracker) ApplyMode(report wire.ModeReport) {
	id := report.Hdr.Source
	if !trackable(id) {
		return
	}

	t.Lock()
	defer t.Unlock()

	r := t.get(id)
	r.lastSeen = t.now()
	r.hopTTL = report.Hdr.HopTTL
	r.mode = report.Mode
	r.hasMode = true
}

// ApplyBleScan merges the beacon ids a node currently hears into its
// sighting table, stamping each with the time of this scan.
func (t *Tracker) ApplyBleScan(report wire.BleScanReport) {
	id := report.Hdr.Source
	if !trackable(id) {
		return
	}

	t.Lock()
	defer t.Unlock()

	r := t.get(id)
	now := t.now()
	r.lastSeen = now
	r.hopTTL = report.Hdr.HopTTL
	if r.beacons == nil {
		r.beacons = make(map[uint16]time.Time)
	}
	for _, beacon := range report.Beacons {
		r.beacons[beacon] = now
	}
}

func (t *Tracker) view(id uint8, r *record, now time.Time) NodeView {
	v := NodeView{
		ID:         id,
		LastSeen:   r.lastSeen.Unix(),
		SecondsAgo: int(now.Sub(r.lastSeen).Seconds()),
		TTL:        int(t.ttl.Seconds()),
		HopTTL:     r.hopTTL,
	}
	if r.hasMode {
		v.Mode = r.mode.String()
	}
	if r.hasTelemetry {
		v.Battery = r.battery
		v.Charging = r.charging
	}
	return v
}

// Snapshot returns every known node, live or stale.
func (t *Tracker) Snapshot() map[uint8]NodeView {
	t.RLock()
	defer t.RUnlock()

	now := t.now()
	out := make(map[uint8]NodeView, len(t.nodes))
	for id, r := range t.nodes {
		out[id] = t.view(id, r, now)
	}
	return out
}

// Alive returns only the nodes heard from within the liveness window.
func (t *Tracker) Alive() map[uint8]NodeView {
	t.RLock()
	defer t.RUnlock()

	now := t.now()
	out := make(map[uint8]NodeView)
	for id, r := range t.nodes {
		if now.Sub(r.lastSeen) < t.ttl {
			out[id] = t.view(id, r, now)
		}
	}
	return out
}

// Get returns the view of a single node. The second return value is false
// for ids that were never heard from; that is not an error.
func (t *Tracker) Get(id uint8) (NodeView, bool) {
	t.RLock()
	defer t.RUnlock()

	r, ok := t.nodes[id]
	if !ok {
		return NodeView{}, false
	}
	return t.view(id, r, t.now()), true
}

// Topology returns the neighbor lists and weather readings of all nodes
// heard from within the liveness window.
func (t *Tracker) Topology() map[uint8]TopologyView {
	t.RLock()
	defer t.RUnlock()

	now := t.now()
	out := make(map[uint8]TopologyView)
	for id, r := range t.nodes {
		if now.Sub(r.lastSeen) >= t.ttl {
			continue
		}

		neighbors := make([]NeighborView, len(r.neighbors))
		for i, n := range r.neighbors {
			neighbors[i] = NeighborView{
				NodeID:    n.NodeID,
				Interface: n.Interface.String(),
				RSSI:      n.RSSI,
			}
		}

		var weather *wire.Weather
		if r.weather != nil {
			w := *r.weather
			weather = &w
		}

		out[id] = TopologyView{
			SecondsAgo: int(now.Sub(r.lastSeen).Seconds()),
			Neighbors:  neighbors,
			Weather:    weather,
		}
	}
	return out
}

// BleSightings lists the beacons a node has reported, sorted by id. An
// unknown node yields an empty list.
func (t *Tracker) BleSightings(id uint8) []BleSighting {
	t.RLock()
	defer t.RUnlock()

	sightings := []BleSighting{}

	r, ok := t.nodes[id]
	if !ok || r.beacons == nil {
		return sightings
	}

	now := t.now()
	for beacon, seen := range r.beacons {
		sightings = append(sightings, BleSighting{
			ID:         beacon,
			SecondsAgo: int(now.Sub(seen).Seconds()),
		})
	}

	sort.Slice(sightings, func(i, j int) bool { return sightings[i].ID < sightings[j].ID })

	return sightings
}

// Reap removes records older than age and returns how many were dropped.
func (t *Tracker) Reap(age time.Duration) int {
	t.Lock()
	defer t.Unlock()

	now := t.now()
	reaped := 0
	for id, r := range t.nodes {
		if now.Sub(r.lastSeen) >= age {
			delete(t.nodes, id)
			reaped++
		}
	}
	return reaped
}
