package commands

import (
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/locavenet/locave/src/bot"
	"github.com/locavenet/locave/src/bot/telegram"
	"github.com/locavenet/locave/src/net"
	"github.com/locavenet/locave/src/node"
	"github.com/locavenet/locave/src/service"
	"github.com/locavenet/locave/src/store"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

//NewRunCmd returns the command that starts a base station
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run base station",
		PreRunE: loadConfig,
		RunE:    runLocave,
	}
	AddRunFlags(cmd)
	return cmd
}

/*******************************************************************************
* RUN
*******************************************************************************/

func runLocave(cmd *cobra.Command, args []string) error {
	logger := _config.Logger()

	if err := os.MkdirAll(_config.DatabaseDir, 0700); err != nil {
		logger.Error("Cannot create database directory:", err)
		return err
	}

	bridgeStore, err := store.NewBridgeStore(_config.DatabaseDir)
	if err != nil {
		logger.Error("Cannot open bridge store:", err)
		return err
	}
	defer bridgeStore.Close()

	trans := net.NewLinkTransport(
		_config.LinkAddr,
		_config.LinkDialTimeout,
		_config.RawLogger().WithField("prefix", "link"))

	engine := node.NewNode(_config.NodeConfig(), trans, bridgeStore)

	var bridge *bot.Bridge
	if !_config.NoBot {
		bridge = bot.NewBridge(_config.RawLogger(), engine, bridgeStore, telegram.Factory)

		if _config.BotToken != "" {
			if err := bridge.SetToken(_config.BotToken); err != nil {
				logger.Error("Cannot apply bot token:", err)
				return err
			}
		} else if err := bridge.Start(); err != nil {
			logger.Error("Cannot start bridge:", err)
			return err
		}

		engine.SetMessageSink(bridge)

		if bridge.Online() {
			poller, err := newPoller(bridge, bridgeStore)
			if err != nil {
				return err
			}
			go poller.Run()
			defer poller.Shutdown()
		}
	}

	if err := engine.Init(); err != nil {
		logger.Error("Cannot initialize engine:", err)
		return err
	}

	if _config.MaintenanceMode {
		logger.Debug("MaintenanceMode => Suspended")
		engine.Suspend()
	}

	if !_config.NoService {
		apiService := service.NewService(_config.ServiceAddr, engine, bridge,
			_config.RawLogger().WithField("prefix", "service"))
		go apiService.Serve()
	}

	//Relay SIGINT and SIGTERM to a clean shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Debug("Reacting to signal - SHUTDOWN")
		engine.Shutdown()
	}()

	engine.Run()

	return nil
}

func newPoller(bridge *bot.Bridge, bridgeStore *store.BridgeStore) (*telegram.Poller, error) {
	settings, err := bridgeStore.Settings()
	if err != nil {
		return nil, err
	}

	username, _ := bridge.Info()["username"].(string)

	return telegram.NewPoller(bridge,
		telegram.NewClient(settings.Token),
		username,
		_config.RawLogger().WithField("prefix", "telegram")), nil
}

/*******************************************************************************
* CONFIG
*******************************************************************************/

//AddRunFlags adds flags to the Run command
func AddRunFlags(cmd *cobra.Command) {

	cmd.Flags().String("datadir", _config.DataDir, "Top-level directory for configuration and data")
	cmd.Flags().String("log", _config.LogLevel, "debug, info, warn, error, fatal, panic")

	// Link
	cmd.Flags().StringP("link", "l", _config.LinkAddr, "IP:Port of the serial-to-TCP gateway")
	cmd.Flags().Duration("link-timeout", _config.LinkDialTimeout, "Link dial timeout")

	// Service
	cmd.Flags().StringP("service-listen", "s", _config.ServiceAddr, "Listen IP:Port for HTTP service")
	cmd.Flags().Bool("no-service", _config.NoService, "Disable the HTTP service")

	// Store
	cmd.Flags().String("db", _config.DatabaseDir, "Database directory")

	// Engine
	cmd.Flags().Duration("heartbeat", _config.HeartbeatTimeout, "Engine clock period")
	cmd.Flags().Duration("ping-interval", _config.PingInterval, "Broadcast liveness ping period")
	cmd.Flags().Duration("weather-interval", _config.WeatherInterval, "Weather broadcast period")
	cmd.Flags().Duration("delivery-deadline", _config.DeliveryDeadline, "Confirmation deadline for outbound messages")
	cmd.Flags().Duration("node-ttl", _config.NodeTTL, "Liveness window of the node table")
	cmd.Flags().Int("message-log", _config.MessageLogSize, "Max messages kept in memory")
	cmd.Flags().Int("deploy-window", _config.DeployWindowSize, "Ping observations per placement score")
	cmd.Flags().Bool("maintenance-mode", _config.MaintenanceMode, "Start suspended")

	// Bot
	cmd.Flags().String("bot-token", _config.BotToken, "Telegram bot API token")
	cmd.Flags().Bool("no-bot", _config.NoBot, "Disable the Telegram bridge")
}

func loadConfig(cmd *cobra.Command, args []string) error {

	err := bindFlagsLoadViper(cmd)
	if err != nil {
		return err
	}

	// If --datadir was explicitely set, but not --db, this will update the
	// default database dir to be inside the new datadir
	_config.SetDataDir(_config.DataDir)

	addFileHooks(_config.RawLogger())

	_config.Logger().WithFields(logrus.Fields{
		"DataDir":          _config.DataDir,
		"ServiceAddr":      _config.ServiceAddr,
		"LinkAddr":         _config.LinkAddr,
		"LogLevel":         _config.LogLevel,
		"HeartbeatTimeout": _config.HeartbeatTimeout,
		"PingInterval":     _config.PingInterval,
		"WeatherInterval":  _config.WeatherInterval,
		"DeliveryDeadline": _config.DeliveryDeadline,
		"NodeTTL":          _config.NodeTTL,
		"MessageLogSize":   _config.MessageLogSize,
		"DeployWindowSize": _config.DeployWindowSize,
		"DatabaseDir":      _config.DatabaseDir,
		"MaintenanceMode":  _config.MaintenanceMode,
		"NoBot":            _config.NoBot,
	}).Debug("RUN")

	return nil
}

// Bind all flags and read the config into viper
func bindFlagsLoadViper(cmd *cobra.Command) error {
	// Register flags with viper. Include flags from this command and all other
	// persistent flags from the parent
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// first unmarshal to read from CLI flags
	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	// look for config file in [datadir]/locave.toml (.json, .yaml also work)
	viper.SetConfigName("locave")
	viper.AddConfigPath(_config.DataDir)

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		_config.Logger().Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		_config.Logger().Debugf("No config file found in: %s", _config.DataDir)
	} else {
		return err
	}

	// second unmarshal to read from config file
	return viper.Unmarshal(_config)
}

// addFileHooks tees info and debug output into log files under the datadir.
func addFileHooks(logger *logrus.Logger) {
	logsDir := filepath.Join(_config.DataDir, "logs")
	if err := os.MkdirAll(logsDir, 0700); err != nil {
		logger.Info("Failed to create logs directory, using default stderr")
		return
	}

	pathMap := lfshook.PathMap{}

	infoLog := filepath.Join(logsDir, "locave_info.log")
	if _, err := os.OpenFile(infoLog, os.O_CREATE|os.O_WRONLY, 0666); err != nil {
		logger.Info("Failed to open locave_info.log file, using default stderr")
	} else {
		pathMap[logrus.InfoLevel] = infoLog
	}

	debugLog := filepath.Join(logsDir, "locave_debug.log")
	if _, err := os.OpenFile(debugLog, os.O_CREATE|os.O_WRONLY, 0666); err != nil {
		logger.Info("Failed to open locave_debug.log file, using default stderr")
	} else {
		pathMap[logrus.DebugLevel] = debugLog
	}

	logger.Hooks.Add(lfshook.NewHook(
		pathMap,
		&logrus.TextFormatter{},
	))
}
