package main

import (
	"fmt"
	"strings"

	"github.com/opd-ai/asciichat/config"
	"github.com/opd-ai/asciichat/instrument"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// options holds the flags shared by every subcommand and the configuration
// they resolve to.
type options struct {
	configFile string
	envFiles   []string
	logLevel   string

	cfg *config.Config
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "ascii-chat-handshake",
		Short: "Encrypted, authenticated asciichat sessions",
		Long: `ascii-chat-handshake establishes asciichat sessions over TCP or WebSocket.

Every session runs an X25519 key exchange. Servers can present an Ed25519
identity which clients verify against a known_hosts file, require a shared
password, and restrict clients to a list of authorized keys.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configFile, "config", "f", "",
		"path to a TOML configuration file")
	cmd.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", []string{".env", "~/.ascii-chat.env"},
		"dotenv files loaded before reading the environment")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "",
		"log level (trace, debug, info, warn, error)")

	cmd.AddCommand(
		newServeCommand(opts),
		newConnectCommand(opts),
		newKeygenCommand(),
		newFingerprintCommand(),
		newKnownHostsCommand(opts),
	)
	return cmd
}

// load resolves the configuration and sets up logging and metrics.
func (o *options) load(cmd *cobra.Command) error {
	if err := config.LoadEnv(o.envFiles...); err != nil {
		return err
	}

	var err error
	if o.configFile != "" {
		o.cfg, err = config.LoadFile(o.configFile)
		if err != nil {
			return fmt.Errorf("failed to load config %s: %w", o.configFile, err)
		}
	} else {
		o.cfg = config.Default()
	}
	o.cfg.ApplyEnv()
	if o.logLevel != "" {
		o.cfg.Logging.Level = strings.ToLower(o.logLevel)
	}

	level, err := logrus.ParseLevel(o.cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logrus.SetLevel(level)
	if o.cfg.Logging.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if addr := o.cfg.Metrics.Address; addr != "" {
		go func() {
			if err := instrument.Serve(cmd.Context(), addr); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "load",
					"addr":     addr,
					"error":    err.Error(),
				}).Error("Metrics endpoint stopped")
			}
		}()
	}
	return nil
}
