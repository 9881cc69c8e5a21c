package main

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/MarcoPoloResearchLab/notesync/internal/config"
	"github.com/MarcoPoloResearchLab/notesync/internal/logging"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const defaultEnvFile = ".env"

// cli holds the state shared by every command of one invocation.
type cli struct {
	viper   *viper.Viper
	cfgFile string
	envFile string
	config  config.AppConfig
	logger  *zap.Logger
}

func newRootCommand() *cobra.Command {
	state := &cli{viper: config.NewViper(), logger: zap.NewNop()}

	rootCmd := &cobra.Command{
		Use:          "notesync",
		Short:        "Offline-first notes that synchronize with a remote collection",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return state.initialize()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = state.logger.Sync()
		},
	}

	state.setupFlags(rootCmd)

	rootCmd.AddCommand(
		newAddCommand(state),
		newEditCommand(state),
		newRemoveCommand(state),
		newListCommand(state),
		newShowCommand(state),
		newSyncCommand(state),
		newStatusCommand(state),
		newResetCommand(state),
		newWatchCommand(state),
		newServeCommand(state),
		newTokenCommand(state),
	)
	return rootCmd
}

func (c *cli) setupFlags(cmd *cobra.Command) {
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&c.cfgFile, "config", "", "Path to configuration file")
	flags.StringVar(&c.envFile, "env-file", defaultEnvFile, "Path to a .env file loaded when present")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("log-format", defaults.GetString("log.format"), "Log format (console, json)")
	flags.String("store-driver", defaults.GetString("store.driver"), "Local store driver (sqlite, badger, memory)")
	flags.String("store-path", defaults.GetString("store.path"), "SQLite file for the local store")
	flags.String("badger-dir", defaults.GetString("store.badger_dir"), "Directory for the badger local store")
	flags.String("remote-url", defaults.GetString("remote.base_url"), "Base URL of the remote note collection")
	flags.String("remote-token", "", "Bearer token for the remote note collection (overrides env)")
	flags.Duration("remote-timeout", defaults.GetDuration("remote.timeout"), "Timeout of one remote request")
	flags.Bool("auto-sync", defaults.GetBool("sync.auto"), "Start a sync after every edit")

	c.bindFlag(cmd, "log.level", "log-level")
	c.bindFlag(cmd, "log.format", "log-format")
	c.bindFlag(cmd, "store.driver", "store-driver")
	c.bindFlag(cmd, "store.path", "store-path")
	c.bindFlag(cmd, "store.badger_dir", "badger-dir")
	c.bindFlag(cmd, "remote.base_url", "remote-url")
	c.bindFlag(cmd, "remote.token", "remote-token")
	c.bindFlag(cmd, "remote.timeout", "remote-timeout")
	c.bindFlag(cmd, "sync.auto", "auto-sync")
}

func (c *cli) bindFlag(cmd *cobra.Command, key, flag string) {
	if err := c.viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func (c *cli) initialize() error {
	if c.envFile != "" {
		if err := godotenv.Load(c.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", c.envFile, err)
		}
	}

	if c.cfgFile != "" {
		c.viper.SetConfigFile(c.cfgFile)
		if err := c.viper.ReadInConfig(); err != nil {
			return err
		}
	}

	appConfig, err := config.Load(c.viper)
	if err != nil {
		return err
	}
	c.config = appConfig

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	c.logger = logger
	return nil
}
