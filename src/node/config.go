package node

import (
	"testing"
	"time"

	"github.com/locavenet/locave/src/common"
	"github.com/sirupsen/logrus"
)

// Config holds the engine timing knobs.
type Config struct {
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat"`
	PingInterval     time.Duration `mapstructure:"ping-interval"`
	WeatherInterval  time.Duration `mapstructure:"weather-interval"`
	DeliveryDeadline time.Duration `mapstructure:"delivery-deadline"`
	NodeTTL          time.Duration `mapstructure:"node-ttl"`
	MessageLogSize   int           `mapstructure:"message-log"`
	DeployWindowSize int           `mapstructure:"deploy-window"`
	Logger           *logrus.Logger
}

// NewConfig ...
func NewConfig(heartbeat time.Duration,
	pingInterval time.Duration,
	weatherInterval time.Duration,
	deliveryDeadline time.Duration,
	nodeTTL time.Duration,
	messageLogSize int,
	deployWindowSize int,
	logger *logrus.Logger) *Config {

	return &Config{
		HeartbeatTimeout: heartbeat,
		PingInterval:     pingInterval,
		WeatherInterval:  weatherInterval,
		DeliveryDeadline: deliveryDeadline,
		NodeTTL:          nodeTTL,
		MessageLogSize:   messageLogSize,
		DeployWindowSize: deployWindowSize,
		Logger:           logger,
	}
}

// DefaultConfig ...
func DefaultConfig() *Config {
	logger := logrus.New()
	logger.Level = logrus.DebugLevel

	return &Config{
		HeartbeatTimeout: 1 * time.Second,
		PingInterval:     5 * time.Second,
		WeatherInterval:  300 * time.Second,
		DeliveryDeadline: 30 * time.Second,
		NodeTTL:          600 * time.Second,
		MessageLogSize:   200,
		DeployWindowSize: 20,
		Logger:           logger,
	}
}

// TestConfig ...
func TestConfig(t *testing.T) *Config {
	config := DefaultConfig()
	config.Logger = common.NewTestLogger(t)
	return config
}
