// Package delivery owns the message log and the per-message delivery state
// machine. States only ever move forward: PENDING to CONFIRMED on ack, or
// PENDING to FAILED when the confirmation deadline passes. The log is
// volatile by design and is discarded on restart.
package delivery

import (
	"sync"
	"time"

	"github.com/locavenet/locave/src/common"
)

// DefaultDeadline is how long an outbound message may stay PENDING before
// the sweep fails it. It comfortably exceeds the worst-case multi-hop round
// trip of the chain.
const DefaultDeadline = 30 * time.Second

// DefaultLogSize bounds the in-memory message log.
const DefaultLogSize = 200

// State is the delivery state of a message.
type State string

// Message delivery states.
const (
	Pending   State = "pending"
	Confirmed State = "confirmed"
	Failed    State = "failed"
)

// Direction tells whether a message left the base or arrived at it.
type Direction string

// Message directions, named as the dashboard expects them.
const (
	Outbound Direction = "sent"
	Inbound  Direction = "received"
)

// Message is one entry of the message log.
type Message struct {
	ID        int       `json:"id"`
	Source    uint8     `json:"source"`
	Dest      uint8     `json:"dest"`
	Content   string    `json:"content"`
	Direction Direction `json:"direction"`
	CreatedAt time.Time `json:"-"`
	Timestamp int64     `json:"timestamp"`

	// SecondsAgo is the age of the message at the time it was read out of
	// the tracker.
	SecondsAgo int `json:"seconds_ago"`

	State State `json:"delivery_state"`
}

// Tracker assigns session-scoped message ids and tracks delivery. All
// exported methods are safe for concurrent use.
type Tracker struct {
	sync.Mutex

	deadline time.Duration
	log      *common.RollingIndex
	nextID   int

	now func() time.Time
}

// NewTracker ...
func NewTracker(deadline time.Duration, logSize int) *Tracker {
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	if logSize <= 0 {
		logSize = DefaultLogSize
	}
	return &Tracker{
		deadline: deadline,
		log:      common.NewRollingIndex("messages", logSize),
		now:      time.Now,
	}
}

// view copies a log entry out, stamping its current age. Callers hold the
// lock.
func (t *Tracker) view(msg *Message, now time.Time) Message {
	out := *msg
	out.SecondsAgo = int(now.Sub(msg.CreatedAt).Seconds())
	return out
}

// Submit records a new PENDING outbound message and returns it immediately.
// It never blocks on confirmation; callers poll History or Get.
func (t *Tracker) Submit(content string, dest uint8, source uint8) Message {
	t.Lock()
	defer t.Unlock()

	msg := &Message{
		ID:        t.nextID,
		Source:    source,
		Dest:      dest,
		Content:   content,
		Direction: Outbound,
		CreatedAt: t.now(),
		State:     Pending,
	}
	msg.Timestamp = msg.CreatedAt.Unix()

	t.log.Set(msg, msg.ID)
	t.nextID++

	return t.view(msg, msg.CreatedAt)
}

// Ingest appends an inbound message directly as CONFIRMED; by definition it
// already arrived.
func (t *Tracker) Ingest(content string, source uint8, dest uint8) Message {
	t.Lock()
	defer t.Unlock()

	msg := &Message{
		ID:        t.nextID,
		Source:    source,
		Dest:      dest,
		Content:   content,
		Direction: Inbound,
		CreatedAt: t.now(),
		State:     Confirmed,
	}
	msg.Timestamp = msg.CreatedAt.Unix()

	t.log.Set(msg, msg.ID)
	t.nextID++

	return t.view(msg, msg.CreatedAt)
}

// OnAck transitions a PENDING message to CONFIRMED. Duplicate acks, and acks
// for messages already failed or evicted, are no-ops.
func (t *Tracker) OnAck(id int) (Message, bool) {
	t.Lock()
	defer t.Unlock()

	item, err := t.log.GetItem(id)
	if err != nil {
		return Message{}, false
	}

	msg := item.(*Message)
	if msg.State != Pending {
		return t.view(msg, t.now()), false
	}

	msg.State = Confirmed
	return t.view(msg, t.now()), true
}

// Sweep fails every PENDING message older than the deadline and returns the
// messages failed by this pass. Running it again is a no-op for those
// messages.
func (t *Tracker) Sweep() []Message {
	t.Lock()
	defer t.Unlock()

	now := t.now()
	var failed []Message

	window, _ := t.log.GetLastWindow()
	for _, item := range window {
		msg := item.(*Message)
		if msg.State == Pending && now.Sub(msg.CreatedAt) >= t.deadline {
			msg.State = Failed
			failed = append(failed, t.view(msg, now))
		}
	}

	return failed
}

// Get returns a message by id. The second return value is false if the id
// was never assigned or the message has been evicted from the log.
func (t *Tracker) Get(id int) (Message, bool) {
	t.Lock()
	defer t.Unlock()

	item, err := t.log.GetItem(id)
	if err != nil {
		return Message{}, false
	}
	return t.view(item.(*Message), t.now()), true
}

// History returns up to limit messages, most recent first. limit <= 0 means
// everything still in the log.
func (t *Tracker) History(limit int) []Message {
	t.Lock()
	defer t.Unlock()

	window, _ := t.log.GetLastWindow()
	if limit <= 0 || limit > len(window) {
		limit = len(window)
	}

	now := t.now()
	out := make([]Message, 0, limit)
	for i := len(window) - 1; i >= len(window)-limit; i-- {
		out = append(out, t.view(window[i].(*Message), now))
	}
	return out
}
