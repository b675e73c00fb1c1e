// Command analytics-agent imports GA4 events, indexes the field schema and
// answers analytics questions from the terminal.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/ryugou/analytics-chat-agent/internal/app"
	"github.com/ryugou/analytics-chat-agent/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var version = "dev"

var rootFlags struct {
	envFile  string
	logLevel string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "analytics-agent",
		Short:         "GA4 analytics assistant: event import, schema indexing and NL to SQL",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&rootFlags.envFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	root.PersistentFlags().StringVar(&rootFlags.logLevel, "log-level", "", "override LOG_LEVEL")

	root.AddCommand(
		newAnalyzeCmd(),
		newSQLCmd(),
		newImportEventsCmd(),
		newImportSchemaCmd(),
		newSyncVirtualKeysCmd(),
		newVerifySchemaCmd(),
		newWatchImportsCmd(),
		newVersionCmd(),
	)
	return root
}

func newLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	logger.SetLevel(logrus.InfoLevel)
	if lvl, err := logrus.ParseLevel(level); err == nil {
		logger.SetLevel(lvl)
	}
	return logger
}

// setup loads the environment and config and returns the lazy component set.
// The caller must Close it.
func setup() (*app.App, error) {
	bootstrap := newLogger(rootFlags.logLevel)
	if err := godotenv.Load(rootFlags.envFile); err != nil {
		bootstrap.Debugf("no env file at %s, using system environment variables", rootFlags.envFile)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	level := cfg.LogLevel
	if rootFlags.logLevel != "" {
		level = rootFlags.logLevel
	}
	logger := newLogger(level)
	logger.WithField("config", cfg.String()).Debug("configuration loaded")
	return app.New(cfg, logger), nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
