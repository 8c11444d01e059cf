// Package pairing implements the one-time-password handshake that decides
// whether a chat group may bridge into the network. A group gets exactly one
// attempt: the first message after the bot joins either matches the current
// OTP or the group is rejected for good.
package pairing

import (
	"crypto/rand"
	"fmt"
	"sync"
)

// OTPLength is the number of characters in a generated one-time password.
const OTPLength = 6

const otpAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// State is the pairing state of one chat group.
type State string

// Pairing states.
const (
	Unpaired    State = "unpaired"
	AwaitingOTP State = "awaiting_otp"
	Paired      State = "paired"
	Rejected    State = "rejected"
)

// Action tells the bot transport what to do in response to a chat event.
type Action string

// Gate decisions.
const (
	// ActionPrompt asks the group for the password.
	ActionPrompt Action = "prompt"

	// ActionAccept announces a successful pairing.
	ActionAccept Action = "accept"

	// ActionLeave orders the bot to leave the group immediately.
	ActionLeave Action = "leave"

	// ActionBridge forwards the text into the network.
	ActionBridge Action = "bridge"

	// ActionIgnore drops the event.
	ActionIgnore Action = "ignore"
)

// Gate is the pairing state machine. One gate serves the whole process; at
// most one group can be paired at a time. All methods are safe for
// concurrent use.
type Gate struct {
	sync.Mutex

	otp    string
	states map[int64]State

	pairedChat int64
	hasPaired  bool
}

// NewGate creates a gate with a freshly generated OTP. The OTP lives until
// the gate is reset, which happens only on bot (re)start.
func NewGate() *Gate {
	return &Gate{
		otp:    generateOTP(),
		states: make(map[int64]State),
	}
}

func generateOTP() string {
	buf := make([]byte, OTPLength)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Errorf("failed to read random bytes: %v", err))
	}
	for i, b := range buf {
		buf[i] = otpAlphabet[int(b)%len(otpAlphabet)]
	}
	return string(buf)
}

// OTP returns the current one-time password. It is displayed on the
// dashboard so an operator can type it into the chat group.
func (g *Gate) OTP() string {
	g.Lock()
	defer g.Unlock()
	return g.otp
}

// State returns the pairing state of a chat group.
func (g *Gate) State(chat int64) State {
	g.Lock()
	defer g.Unlock()

	if s, ok := g.states[chat]; ok {
		return s
	}
	return Unpaired
}

// PairedChat returns the currently paired group, if any.
func (g *Gate) PairedChat() (int64, bool) {
	g.Lock()
	defer g.Unlock()
	return g.pairedChat, g.hasPaired
}

// Authorized reports whether a group's traffic may be bridged.
func (g *Gate) Authorized(chat int64) bool {
	g.Lock()
	defer g.Unlock()
	return g.hasPaired && g.pairedChat == chat
}

// HandleJoin processes the bot being added to a group. If another group is
// already paired the newcomer is turned away; otherwise the group moves to
// AWAITING_OTP and gets prompted. A manual re-invite of a rejected group
// starts the handshake over.
func (g *Gate) HandleJoin(chat int64) Action {
	g.Lock()
	defer g.Unlock()

	if g.hasPaired {
		if g.pairedChat == chat {
			return ActionIgnore
		}
		return ActionLeave
	}

	g.states[chat] = AwaitingOTP
	return ActionPrompt
}

// HandleText processes a text message from a group. For a group awaiting
// the OTP this is its single attempt: match pairs, mismatch rejects with no
// second chance. For the paired group the text is bridged.
func (g *Gate) HandleText(chat int64, text string) Action {
	g.Lock()
	defer g.Unlock()

	switch g.stateLocked(chat) {
	case AwaitingOTP:
		// Another awaiting group may have consumed the OTP first; once a
		// pairing exists the OTP is spent and late attempts are rejected.
		if g.hasPaired {
			g.states[chat] = Rejected
			return ActionLeave
		}
		if text == g.otp {
			g.states[chat] = Paired
			g.pairedChat = chat
			g.hasPaired = true
			return ActionAccept
		}
		g.states[chat] = Rejected
		return ActionLeave

	case Paired:
		if g.hasPaired && g.pairedChat == chat {
			return ActionBridge
		}
		return ActionLeave

	default:
		// Rejected or never joined: nothing to say to this group.
		return ActionLeave
	}
}

// HandleNonText processes any non-text first event from a group awaiting
// the OTP; it burns the attempt.
func (g *Gate) HandleNonText(chat int64) Action {
	g.Lock()
	defer g.Unlock()

	if g.stateLocked(chat) == AwaitingOTP {
		g.states[chat] = Rejected
		return ActionLeave
	}
	return ActionIgnore
}

// HandleLeft processes the bot being removed from a group. Losing the
// paired group unpairs the gate.
func (g *Gate) HandleLeft(chat int64) {
	g.Lock()
	defer g.Unlock()

	delete(g.states, chat)
	if g.hasPaired && g.pairedChat == chat {
		g.hasPaired = false
		g.pairedChat = 0
	}
}

// RestorePairing re-establishes a pairing persisted from a previous run.
func (g *Gate) RestorePairing(chat int64) {
	g.Lock()
	defer g.Unlock()

	g.states[chat] = Paired
	g.pairedChat = chat
	g.hasPaired = true
}

// Reset regenerates the OTP and clears every non-paired group, as happens
// on bot restart. An existing pairing survives the reset.
func (g *Gate) Reset() {
	g.Lock()
	defer g.Unlock()

	g.otp = generateOTP()
	for chat, s := range g.states {
		if s != Paired {
			delete(g.states, chat)
		}
	}
}

func (g *Gate) stateLocked(chat int64) State {
	if s, ok := g.states[chat]; ok {
		return s
	}
	return Unpaired
}
