package delivery

import (
	"fmt"
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time {
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func newTestTracker() (*Tracker, *fakeClock) {
	tracker := NewTracker(DefaultDeadline, DefaultLogSize)
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	tracker.now = clock.now
	return tracker, clock
}

func TestSubmitAndAck(t *testing.T) {
	tracker, _ := newTestTracker()

	msg := tracker.Submit("hello", 5, 0)
	if msg.State != Pending {
		t.Fatalf("new message should be PENDING, got %s", msg.State)
	}
	if msg.Direction != Outbound {
		t.Fatalf("submitted message should be outbound, got %s", msg.Direction)
	}

	confirmed, changed := tracker.OnAck(msg.ID)
	if !changed {
		t.Fatal("first ack should transition the message")
	}
	if confirmed.State != Confirmed {
		t.Fatalf("acked message should be CONFIRMED, got %s", confirmed.State)
	}

	// A duplicate ack is a no-op, not an error.
	again, changed := tracker.OnAck(msg.ID)
	if changed {
		t.Fatal("duplicate ack should be a no-op")
	}
	if again.State != Confirmed {
		t.Fatalf("state should stay CONFIRMED, got %s", again.State)
	}
}

func TestAckUnknownID(t *testing.T) {
	tracker, _ := newTestTracker()

	if _, changed := tracker.OnAck(12345); changed {
		t.Fatal("ack for an unknown id should be a no-op")
	}
}

func TestSweepTimesOutPending(t *testing.T) {
	tracker, clock := newTestTracker()

	msg := tracker.Submit("are you there", 7, 0)

	// Just before the deadline nothing happens.
	clock.advance(DefaultDeadline - time.Second)
	if failed := tracker.Sweep(); len(failed) != 0 {
		t.Fatalf("sweep before deadline should fail nothing, got %v", failed)
	}

	clock.advance(time.Second)
	failed := tracker.Sweep()
	if len(failed) != 1 || failed[0].ID != msg.ID {
		t.Fatalf("sweep should fail exactly the timed-out message, got %v", failed)
	}

	got, _ := tracker.Get(msg.ID)
	if got.State != Failed {
		t.Fatalf("message should be FAILED, got %s", got.State)
	}

	// The sweep is idempotent.
	if failed := tracker.Sweep(); len(failed) != 0 {
		t.Fatalf("second sweep should be a no-op, got %v", failed)
	}

	// A late ack cannot resurrect a failed message.
	if _, changed := tracker.OnAck(msg.ID); changed {
		t.Fatal("ack after failure should be a no-op")
	}
}

func TestSweepSparesConfirmed(t *testing.T) {
	tracker, clock := newTestTracker()

	acked := tracker.Submit("quick", 3, 0)
	tracker.OnAck(acked.ID)
	slow := tracker.Submit("slow", 4, 0)

	clock.advance(DefaultDeadline)

	failed := tracker.Sweep()
	if len(failed) != 1 || failed[0].ID != slow.ID {
		t.Fatalf("only the unacked message should fail, got %v", failed)
	}
}

func TestIngestInboundConfirmed(t *testing.T) {
	tracker, _ := newTestTracker()

	msg := tracker.Ingest("found the junction", 5, 0)
	if msg.State != Confirmed {
		t.Fatalf("inbound message should be CONFIRMED on arrival, got %s", msg.State)
	}
	if msg.Direction != Inbound {
		t.Fatalf("ingested message should be inbound, got %s", msg.Direction)
	}
}

func TestHistoryOrderAndLimit(t *testing.T) {
	tracker, _ := newTestTracker()

	for i := 0; i < 5; i++ {
		tracker.Submit(fmt.Sprintf("msg %d", i), 5, 0)
	}

	history := tracker.History(3)
	if len(history) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(history))
	}
	for i, msg := range history {
		if want := 4 - i; msg.ID != want {
			t.Fatalf("history[%d] should be message %d, got %d", i, want, msg.ID)
		}
	}

	all := tracker.History(0)
	if len(all) != 5 {
		t.Fatalf("expected full history, got %d", len(all))
	}
}

func TestMessageAge(t *testing.T) {
	tracker, clock := newTestTracker()

	msg := tracker.Submit("how deep are you", 6, 0)
	if msg.SecondsAgo != 0 {
		t.Fatalf("fresh message should be 0 seconds old, got %d", msg.SecondsAgo)
	}

	clock.advance(42 * time.Second)

	got, _ := tracker.Get(msg.ID)
	if got.SecondsAgo != 42 {
		t.Fatalf("expected age 42, got %d", got.SecondsAgo)
	}

	history := tracker.History(0)
	if len(history) != 1 || history[0].SecondsAgo != 42 {
		t.Fatalf("history should carry the age, got %+v", history)
	}
}

func TestLogEviction(t *testing.T) {
	tracker := NewTracker(DefaultDeadline, 2)
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	tracker.now = clock.now

	for i := 0; i < 10; i++ {
		tracker.Submit(fmt.Sprintf("msg %d", i), 5, 0)
	}

	if _, ok := tracker.Get(0); ok {
		t.Fatal("oldest message should have been evicted")
	}
	if _, ok := tracker.Get(9); !ok {
		t.Fatal("newest message should still be in the log")
	}
	if history := tracker.History(0); len(history) > 4 {
		t.Fatalf("log should stay bounded, got %d entries", len(history))
	}
}
