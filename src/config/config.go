// Package config gathers the configuration of a LoCave base station.
package config

import (
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/locavenet/locave/src/common"
	"github.com/locavenet/locave/src/node"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// Default filenames.
const (
	// DefaultBadgerFile is the default name of the folder containing the
	// Badger database that persists the wire sequence and bot settings.
	DefaultBadgerFile = "badger_db"
)

// Default configuration values.
const (
	DefaultLogLevel         = "debug"
	DefaultServiceAddr      = "127.0.0.1:8000"
	DefaultLinkAddr         = "127.0.0.1:4001"
	DefaultLinkDialTimeout  = 5 * time.Second
	DefaultHeartbeatTimeout = 1 * time.Second
	DefaultPingInterval     = 5 * time.Second
	DefaultWeatherInterval  = 300 * time.Second
	DefaultDeliveryDeadline = 30 * time.Second
	DefaultNodeTTL          = 600 * time.Second
	DefaultMessageLogSize   = 200
	DefaultDeployWindowSize = 20
	DefaultMaintenanceMode  = false
	DefaultNoService        = false
)

// Config contains all the configuration properties of a base station.
type Config struct {
	// DataDir is the top-level directory containing LoCave configuration and
	// data.
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// ServiceAddr is the address:port of the HTTP API service.
	ServiceAddr string `mapstructure:"service-listen"`

	// LinkAddr is the address:port of the serial-to-TCP gateway in front of
	// the radio modem.
	LinkAddr string `mapstructure:"link"`

	// LinkDialTimeout bounds each attempt to bring the link up.
	LinkDialTimeout time.Duration `mapstructure:"link-timeout"`

	// NoService disables the HTTP API service.
	NoService bool `mapstructure:"no-service"`

	// HeartbeatTimeout is the period of the engine's internal clock, which
	// paces delivery sweeps and deploy bookkeeping.
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat"`

	// PingInterval is the period of the broadcast liveness ping.
	PingInterval time.Duration `mapstructure:"ping-interval"`

	// WeatherInterval is the period of the surface weather broadcast. It is
	// only used when a weather source is configured.
	WeatherInterval time.Duration `mapstructure:"weather-interval"`

	// DeliveryDeadline is how long an outbound message may stay unconfirmed
	// before it is marked failed.
	DeliveryDeadline time.Duration `mapstructure:"delivery-deadline"`

	// NodeTTL is the liveness window of the node table.
	NodeTTL time.Duration `mapstructure:"node-ttl"`

	// MessageLogSize bounds the in-memory message log.
	MessageLogSize int `mapstructure:"message-log"`

	// DeployWindowSize is how many ping observations contribute to a
	// placement score.
	DeployWindowSize int `mapstructure:"deploy-window"`

	// DatabaseDir is the directory containing database files.
	DatabaseDir string `mapstructure:"db"`

	// MaintenanceMode when set to true causes the engine to initialise in a
	// suspended state: it keeps the node table current but processes no
	// messages.
	MaintenanceMode bool `mapstructure:"maintenance-mode"`

	// BotToken is the Telegram bot API token. When empty, the bridge starts
	// from whatever token was persisted, or stays offline.
	BotToken string `mapstructure:"bot-token"`

	// NoBot disables the Telegram bridge entirely.
	NoBot bool `mapstructure:"no-bot"`

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	config := &Config{
		DataDir:          DefaultDataDir(),
		LogLevel:         DefaultLogLevel,
		ServiceAddr:      DefaultServiceAddr,
		NoService:        DefaultNoService,
		LinkAddr:         DefaultLinkAddr,
		LinkDialTimeout:  DefaultLinkDialTimeout,
		HeartbeatTimeout: DefaultHeartbeatTimeout,
		PingInterval:     DefaultPingInterval,
		WeatherInterval:  DefaultWeatherInterval,
		DeliveryDeadline: DefaultDeliveryDeadline,
		NodeTTL:          DefaultNodeTTL,
		MessageLogSize:   DefaultMessageLogSize,
		DeployWindowSize: DefaultDeployWindowSize,
		DatabaseDir:      DefaultDatabaseDir(),
		MaintenanceMode:  DefaultMaintenanceMode,
	}

	return config
}

// NewTestConfig returns a config object with default values and a special
// logger for debugging tests.
func NewTestConfig(t testing.TB) *Config {
	config := NewDefaultConfig()
	config.logger = common.NewTestLogger(t)
	return config
}

// SetDataDir sets the top-level LoCave directory, and updates the database
// directory if it is currently set to the default value. If the database
// directory is not currently the default, it means the user has explicitely
// set it to something else, so avoid changing it again here.
func (c *Config) SetDataDir(dataDir string) {
	c.DataDir = dataDir
	if c.DatabaseDir == DefaultDatabaseDir() {
		c.DatabaseDir = filepath.Join(dataDir, DefaultBadgerFile)
	}
}

// NodeConfig extracts the engine's timing knobs.
func (c *Config) NodeConfig() *node.Config {
	return node.NewConfig(
		c.HeartbeatTimeout,
		c.PingInterval,
		c.WeatherInterval,
		c.DeliveryDeadline,
		c.NodeTTL,
		c.MessageLogSize,
		c.DeployWindowSize,
		c.RawLogger(),
	)
}

// Logger returns a formatted logrus Entry, with prefix set to "locave".
func (c *Config) Logger() *logrus.Entry {
	return c.RawLogger().WithField("prefix", "locave")
}

// RawLogger returns the underlying logrus Logger.
func (c *Config) RawLogger() *logrus.Logger {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)
	}
	return c.logger
}

// DefaultDatabaseDir returns the default path for the badger database files.
func DefaultDatabaseDir() string {
	return filepath.Join(DefaultDataDir(), DefaultBadgerFile)
}

// DefaultDataDir return the default directory name for top-level LoCave
// config based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	// Try to place the data folder in the user's home dir
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".LoCave")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "LoCave")
		} else {
			return filepath.Join(home, ".locave")
		}
	}
	// As we cannot guess a stable location, return empty and handle later
	return ""
}

// HomeDir returns the user's home directory.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// LogLevel parses a string into a Logrus log level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}
