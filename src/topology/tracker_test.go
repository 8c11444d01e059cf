package topology

import (
	"testing"
	"time"

	"github.com/locavenet/locave/src/wire"
)

// fakeClock is a settable clock for deterministic TTL tests.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time {
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func newTestTracker(ttl time.Duration) (*Tracker, func(time.Duration)) {
	tracker := NewTracker(ttl)
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	tracker.now = clock.now
	return tracker, clock.advance
}

func neighborReport(source uint8, neighbors ...wire.Neighbor) wire.NeighborReport {
	return wire.NeighborReport{
		Hdr:       wire.Header{Source: source, Dest: wire.BaseID, HopTTL: 23, Type: wire.StatusType},
		Neighbors: neighbors,
	}
}

func TestNeighborsFullReplace(t *testing.T) {
	tracker, _ := newTestTracker(0)

	tracker.ApplyNeighbors(neighborReport(3,
		wire.Neighbor{NodeID: 0, Interface: wire.InterfaceCave, RSSI: -50},
		wire.Neighbor{NodeID: 4, Interface: wire.InterfaceRF, RSSI: -80},
	))

	tracker.ApplyNeighbors(neighborReport(3,
		wire.Neighbor{NodeID: 2, Interface: wire.InterfaceExit, RSSI: -60},
	))

	topo := tracker.Topology()
	view, ok := topo[3]
	if !ok {
		t.Fatal("node 3 should be in topology")
	}
	if len(view.Neighbors) != 1 {
		t.Fatalf("neighbor list should be fully replaced, got %v", view.Neighbors)
	}
	if view.Neighbors[0].NodeID != 2 || view.Neighbors[0].Interface != "EXIT" {
		t.Fatalf("unexpected neighbor %+v", view.Neighbors[0])
	}
}

func TestTTLBoundary(t *testing.T) {
	ttl := 600 * time.Second
	tracker, advance := newTestTracker(ttl)

	tracker.Touch(5, 25)

	if _, ok := tracker.Alive()[5]; !ok {
		t.Fatal("freshly touched node should be alive")
	}

	// One second before the boundary: still alive.
	advance(ttl - time.Second)
	if _, ok := tracker.Alive()[5]; !ok {
		t.Fatal("node should be alive just inside the TTL window")
	}

	// Exactly at the boundary: no longer alive (alive iff seconds_ago < ttl).
	advance(time.Second)
	if _, ok := tracker.Alive()[5]; ok {
		t.Fatal("node should be stale exactly at the TTL boundary")
	}

	// But the record is still queryable until reaped.
	if _, ok := tracker.Get(5); !ok {
		t.Fatal("stale node should remain queryable")
	}
	if _, ok := tracker.Snapshot()[5]; !ok {
		t.Fatal("stale node should remain in the full snapshot")
	}
	if _, ok := tracker.Topology()[5]; ok {
		t.Fatal("stale node should be excluded from topology")
	}
}

func TestReap(t *testing.T) {
	tracker, advance := newTestTracker(600 * time.Second)

	tracker.Touch(5, 25)
	advance(time.Hour)
	tracker.Touch(6, 25)

	if n := tracker.Reap(30 * time.Minute); n != 1 {
		t.Fatalf("expected 1 reaped record, got %d", n)
	}
	if _, ok := tracker.Get(5); ok {
		t.Fatal("node 5 should be gone after reap")
	}
	if _, ok := tracker.Get(6); !ok {
		t.Fatal("node 6 should survive reap")
	}
}

func TestUnknownNodeLookups(t *testing.T) {
	tracker, _ := newTestTracker(0)

	if _, ok := tracker.Get(42); ok {
		t.Fatal("unknown node should be absent, not invented")
	}
	if got := tracker.BleSightings(42); len(got) != 0 {
		t.Fatalf("unknown node should have no sightings, got %v", got)
	}
}

func TestReservedAddressesNotTracked(t *testing.T) {
	tracker, _ := newTestTracker(0)

	tracker.Touch(wire.BaseID, 25)
	tracker.Touch(wire.TelegramID, 25)
	tracker.Touch(wire.BroadcastID, 25)

	if n := len(tracker.Snapshot()); n != 0 {
		t.Fatalf("reserved addresses should not enter the table, got %d records", n)
	}
}

func TestTelemetryAndMode(t *testing.T) {
	tracker, _ := newTestTracker(0)

	tracker.ApplyTelemetry(wire.TelemetryReport{
		Hdr:      wire.Header{Source: 8, HopTTL: 21, Type: wire.TelemetryType},
		Battery:  3.72,
		Charging: true,
		Weather:  &wire.Weather{Temperature: 9.5, Humidity: 97, Pressure: 1018},
	})
	tracker.ApplyMode(wire.ModeReport{
		Hdr:  wire.Header{Source: 8, HopTTL: 21, Type: wire.ModeType},
		Mode: wire.RFOnly,
	})

	view, ok := tracker.Get(8)
	if !ok {
		t.Fatal("node 8 should exist")
	}
	if view.Battery != 3.72 || !view.Charging {
		t.Fatalf("telemetry not recorded: %+v", view)
	}
	if view.Mode != "RF_ONLY" {
		t.Fatalf("mode not recorded: %+v", view)
	}

	topo := tracker.Topology()
	if topo[8].Weather == nil || topo[8].Weather.Temperature != 9.5 {
		t.Fatalf("weather not recorded: %+v", topo[8])
	}
}

func TestBleSightings(t *testing.T) {
	tracker, advance := newTestTracker(0)

	tracker.ApplyBleScan(wire.BleScanReport{
		Hdr:     wire.Header{Source: 2, HopTTL: 23, Type: wire.BleScanType},
		Beacons: []uint16{0xBEEF, 0x0101},
	})
	advance(10 * time.Second)
	tracker.ApplyBleScan(wire.BleScanReport{
		Hdr:     wire.Header{Source: 2, HopTTL: 23, Type: wire.BleScanType},
		Beacons: []uint16{0x0101},
	})

	sightings := tracker.BleSightings(2)
	if len(sightings) != 2 {
		t.Fatalf("expected 2 beacons, got %v", sightings)
	}
	if sightings[0].ID != 0x0101 || sightings[0].SecondsAgo != 0 {
		t.Fatalf("beacon 0x0101 should be fresh: %+v", sightings[0])
	}
	if sightings[1].ID != 0xBEEF || sightings[1].SecondsAgo != 10 {
		t.Fatalf("beacon 0xBEEF should be 10s old: %+v", sightings[1])
	}
}
