package cmd

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"example.com/backstage/fulfillment/config"
)

var (
	cfgPath string
	debug   bool
	cfg     config.Config

	rootCmd = &cobra.Command{
		Use:   "fulfillment",
		Short: "Order fulfillment service",
		Long: `Order fulfillment service coordinating orders, inventory and invoices.

Functions:
- Consume order, inventory and payment events from the platform broker
- Drive each order through reservation, payment and shipping
- Issue invoices and apply payments against them
- Publish order and invoice updates through a transactional outbox
- Compensate failed orders by releasing reserved stock`,
		SilenceUsage:      true,
		PersistentPreRunE: initConfig,
	}
)

// Execute executes the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", ".", "directory containing config.yaml or app.env")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
}

func initConfig(cmd *cobra.Command, args []string) error {
	loaded, err := config.LoadConfig(cfgPath)
	if err != nil {
		return err
	}
	cfg = loaded
	log.Logger = newLogger(cfg)
	return nil
}

// newLogger builds the process logger from the logging section
func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Logging.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	var logger zerolog.Logger
	if cfg.Logging.Format == "console" || cfg.Environment == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.With().Timestamp().Str("service", cfg.Broker.Source).Logger()
}
