// Package store persists the little state that must survive a restart: the
// wire sequence counter (so reboots do not replay sequence numbers into the
// chain) and the Telegram bot settings. The message log and the node table
// are deliberately volatile and never touch this store.
package store

import (
	"bytes"

	"github.com/dgraph-io/badger"
	"github.com/ugorji/go/codec"
)

const (
	sequenceKey = "sequence"
	settingsKey = "bot_settings"
)

// BotSettings are the bridge credentials persisted across restarts: the bot
// API token and, once paired, the chat group id.
type BotSettings struct {
	Token   string
	ChatID  int64
	HasChat bool
}

// Marshal - json encoding of BotSettings
func (s *BotSettings) Marshal() ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(s); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Unmarshal ...
func (s *BotSettings) Unmarshal(data []byte) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(b, jh)

	return dec.Decode(s)
}

// BridgeStore is a Badger-backed store for bridge state.
type BridgeStore struct {
	db   *badger.DB
	path string
}

// NewBridgeStore opens (or creates) the database under path.
func NewBridgeStore(path string) (*BridgeStore, error) {
	opts := badger.DefaultOptions(path)
	opts.SyncWrites = false
	opts.Logger = nil

	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return &BridgeStore{
		db:   handle,
		path: path,
	}, nil
}

// Sequence returns the last used wire sequence number. A fresh database
// starts at 0.
func (s *BridgeStore) Sequence() (uint8, error) {
	var seq uint8

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(sequenceKey))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if len(val) == 1 {
			seq = val[0]
		}
		return nil
	})

	return seq, err
}

// NextSequence increments the persisted wire sequence (wrapping at 256) and
// returns the new value.
func (s *BridgeStore) NextSequence() (uint8, error) {
	var seq uint8

	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(sequenceKey))
		if err == nil {
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if len(val) == 1 {
				seq = val[0]
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		seq++ // uint8 wraps at 256 on its own

		return txn.Set([]byte(sequenceKey), []byte{seq})
	})

	return seq, err
}

// Settings returns the persisted bot settings, or nil when none were saved
// yet.
func (s *BridgeStore) Settings() (*BotSettings, error) {
	var settings *BotSettings

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(settingsKey))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}

		settings = new(BotSettings)
		return settings.Unmarshal(val)
	})

	return settings, err
}

// SetSettings persists the bot settings.
func (s *BridgeStore) SetSettings(settings *BotSettings) error {
	val, err := settings.Marshal()
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(settingsKey), val)
	})
}

// Close ...
func (s *BridgeStore) Close() error {
	return s.db.Close()
}
