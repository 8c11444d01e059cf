// Package bot implements the policy side of the Telegram bridge: pairing a
// single chat group to the network, relaying group text into the mesh, and
// delivering mesh messages back to the group. The Telegram HTTP transport
// itself stays behind the Messenger interface, so the whole bridge can be
// exercised without touching the Telegram API.
package bot

import (
	"fmt"
	"sync"

	"github.com/locavenet/locave/src/delivery"
	"github.com/locavenet/locave/src/pairing"
	"github.com/locavenet/locave/src/store"
	"github.com/locavenet/locave/src/wire"
	"github.com/sirupsen/logrus"
)

// TokenUpdateError is returned when a bot token update cannot be applied. The
// previous token, if any, stays in effect.
type TokenUpdateError struct {
	reason string
}

// Error ...
func (e TokenUpdateError) Error() string {
	return fmt.Sprintf("token update: %s", e.reason)
}

// IsTokenUpdate checks that an error is a TokenUpdateError.
func IsTokenUpdate(err error) bool {
	_, ok := err.(TokenUpdateError)
	return ok
}

// Messenger is the chat transport the bridge drives. A real implementation
// wraps the Telegram Bot API; tests use a recording fake.
type Messenger interface {
	SendText(chat int64, text string) error
	LeaveChat(chat int64) error
	Me() (username string, name string, err error)
}

// MessengerFactory builds a Messenger for a token, so the bridge can swap
// transports when the operator updates the token.
type MessengerFactory func(token string) (Messenger, error)

// Submitter is the engine entry point for bridged text.
type Submitter interface {
	SubmitFromTelegram(content string) (delivery.Message, error)
}

// SettingsStore persists the bridge credentials across restarts.
type SettingsStore interface {
	Settings() (*store.BotSettings, error)
	SetSettings(settings *store.BotSettings) error
}

// Bridge glues the pairing gate, the chat transport, and the engine together.
// All exported methods are safe for concurrent use.
type Bridge struct {
	sync.Mutex

	logger *logrus.Entry

	gate    *pairing.Gate
	engine  Submitter
	setts   SettingsStore
	factory MessengerFactory

	messenger Messenger
	token     string
	username  string
	name      string
	online    bool
}

// NewBridge ...
func NewBridge(logger *logrus.Logger,
	engine Submitter,
	setts SettingsStore,
	factory MessengerFactory) *Bridge {

	return &Bridge{
		logger:  logger.WithField("prefix", "bot"),
		gate:    pairing.NewGate(),
		engine:  engine,
		setts:   setts,
		factory: factory,
	}
}

// Start restores the persisted token and pairing, if any, and brings the
// chat transport online. A bridge with no saved token stays offline until
// SetToken is called.
func (b *Bridge) Start() error {
	settings, err := b.setts.Settings()
	if err != nil {
		return err
	}
	if settings == nil || settings.Token == "" {
		b.logger.Debug("No saved token, bridge offline")
		return nil
	}

	b.Lock()
	defer b.Unlock()

	if err := b.connect(settings.Token); err != nil {
		return err
	}
	if settings.HasChat {
		b.gate.RestorePairing(settings.ChatID)
		b.logger.WithField("chat", settings.ChatID).Debug("Restored pairing")
	}
	return nil
}

// connect builds the messenger and identifies the bot. Callers hold the lock.
func (b *Bridge) connect(token string) error {
	messenger, err := b.factory(token)
	if err != nil {
		return TokenUpdateError{reason: err.Error()}
	}

	username, name, err := messenger.Me()
	if err != nil {
		return TokenUpdateError{reason: err.Error()}
	}

	b.messenger = messenger
	b.token = token
	b.username = username
	b.name = name
	b.online = true

	b.logger.WithField("username", username).Debug("Bridge online")

	return nil
}

// SetToken applies a new bot token, persists it, and restarts the chat
// transport. A blank token is refused and the old transport keeps running.
func (b *Bridge) SetToken(token string) error {
	if token == "" {
		return TokenUpdateError{reason: "blank token"}
	}

	b.Lock()
	defer b.Unlock()

	if err := b.connect(token); err != nil {
		return err
	}

	settings, err := b.setts.Settings()
	if err != nil {
		return err
	}
	if settings == nil {
		settings = &store.BotSettings{}
	}
	settings.Token = token
	if err := b.setts.SetSettings(settings); err != nil {
		return err
	}

	// A new token means a new bot identity; pairing starts over.
	b.gate.Reset()

	return nil
}

// Restart regenerates the OTP and clears every non-paired group, as when the
// operator restarts the bot process.
func (b *Bridge) Restart() error {
	b.Lock()
	defer b.Unlock()

	if !b.online {
		return fmt.Errorf("bridge is offline")
	}

	b.gate.Reset()

	b.logger.Debug("Bridge restarted")

	return nil
}

// HandleJoin processes the bot being added to a chat group.
func (b *Bridge) HandleJoin(chat int64) {
	switch b.gate.HandleJoin(chat) {
	case pairing.ActionPrompt:
		b.send(chat, "This network is protected. Reply with the one-time password shown on the base station dashboard. You get a single attempt.")
	case pairing.ActionLeave:
		b.send(chat, "This bridge is already paired to another group.")
		b.leave(chat)
	}
}

// HandleText processes a text message from a chat group: the pairing attempt
// for a group awaiting the OTP, or bridged traffic for the paired group.
func (b *Bridge) HandleText(chat int64, text string) {
	switch b.gate.HandleText(chat, text) {
	case pairing.ActionAccept:
		if err := b.persistChat(chat, true); err != nil {
			b.logger.WithError(err).Error("Persisting pairing")
		}
		b.send(chat, "Paired. Messages in this group now reach the cave.")

	case pairing.ActionLeave:
		b.send(chat, "Wrong password. Goodbye.")
		b.leave(chat)

	case pairing.ActionBridge:
		b.bridgeText(chat, text)
	}
}

// HandleNonText processes a non-text first event from a group awaiting the
// OTP; it burns the group's only attempt.
func (b *Bridge) HandleNonText(chat int64) {
	if b.gate.HandleNonText(chat) == pairing.ActionLeave {
		b.leave(chat)
	}
}

// HandleLeft processes the bot being removed from a group.
func (b *Bridge) HandleLeft(chat int64) {
	wasPaired := b.gate.Authorized(chat)
	b.gate.HandleLeft(chat)

	if wasPaired {
		if err := b.persistChat(0, false); err != nil {
			b.logger.WithError(err).Error("Persisting unpair")
		}
		b.logger.WithField("chat", chat).Debug("Paired group lost")
	}
}

func (b *Bridge) bridgeText(chat int64, text string) {
	if _, err := b.engine.SubmitFromTelegram(text); err != nil {
		if err == wire.ErrContentTooLong {
			b.send(chat, fmt.Sprintf("Message too long: the cave link carries at most %d characters.", wire.MaxContentLength))
			return
		}
		b.logger.WithError(err).Error("Bridging message")
	}
}

// Deliver implements the engine's message sink: mesh messages reach the
// paired group. Messages that originated from the bridge are not echoed back.
func (b *Bridge) Deliver(msg delivery.Message) {
	if msg.Source == wire.TelegramID {
		return
	}

	chat, ok := b.gate.PairedChat()
	if !ok {
		return
	}

	b.send(chat, fmt.Sprintf("[node %d] %s", msg.Source, msg.Content))
}

// Info describes the bridge for the dashboard: bot identity, the current OTP,
// and whether a group is paired.
func (b *Bridge) Info() map[string]interface{} {
	b.Lock()
	defer b.Unlock()

	chat, paired := b.gate.PairedChat()

	info := map[string]interface{}{
		"online":   b.online,
		"username": b.username,
		"name":     b.name,
		"otp":      b.gate.OTP(),
		"paired":   paired,
	}
	if paired {
		info["chat_id"] = chat
	}
	return info
}

// Online reports whether the chat transport is up.
func (b *Bridge) Online() bool {
	b.Lock()
	defer b.Unlock()
	return b.online
}

// OTP exposes the current one-time password for the dashboard.
func (b *Bridge) OTP() string {
	return b.gate.OTP()
}

func (b *Bridge) persistChat(chat int64, has bool) error {
	settings, err := b.setts.Settings()
	if err != nil {
		return err
	}
	if settings == nil {
		settings = &store.BotSettings{}
	}
	settings.ChatID = chat
	settings.HasChat = has
	return b.setts.SetSettings(settings)
}

func (b *Bridge) send(chat int64, text string) {
	b.Lock()
	messenger := b.messenger
	b.Unlock()

	if messenger == nil {
		return
	}
	if err := messenger.SendText(chat, text); err != nil {
		b.logger.WithError(err).Error("Sending to chat")
	}
}

func (b *Bridge) leave(chat int64) {
	b.Lock()
	messenger := b.messenger
	b.Unlock()

	if messenger == nil {
		return
	}
	if err := messenger.LeaveChat(chat); err != nil {
		b.logger.WithError(err).Error("Leaving chat")
	}
}
