package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/guided-traffic/transfer-e2e/internal/config"
)

// Exit codes
const (
	exitPass   = 0
	exitConfig = 1
	exitFail   = 2
)

var (
	// Build information injected at build time
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

// exitError carries the process exit status of a command
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// app holds what every subcommand shares
type app struct {
	cfgFile  string
	logLevel string
	v        *viper.Viper
	logger   *logrus.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "transfer-e2e",
		Short: "End-to-end validation of large object transfers",
		Long: `transfer-e2e uploads a deterministic test object to a source endpoint, waits
until a transfer has delivered it to a target endpoint and proves that the
target holds exactly the bytes that were written.

Endpoints can be S3, S3-compatible (MinIO), SFTP or a local directory. The
object content is derived from a seed, so any byte range can be regenerated
and compared without keeping a copy of the object.

Configuration is read from a YAML file (--config, ./.transfer-e2e.yaml or
$HOME/.transfer-e2e.yaml) and XFER_* environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
	}

	rootCmd.PersistentFlags().StringVar(&a.cfgFile, "config", "", "path to configuration file (YAML format)")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		newRunCmd(a),
		newVerifyCmd(a),
		newOffsetsCmd(a),
		newHistoryCmd(a),
		newVersionCmd(),
	)
	return rootCmd
}

// init builds the configuration source and the logger
func (a *app) init(cmd *cobra.Command) error {
	a.v = config.NewViper(a.cfgFile)
	if err := config.ReadInConfig(a.v, a.cfgFile != ""); err != nil {
		return &exitError{code: exitConfig, err: err}
	}
	if f := cmd.Flags().Lookup("log-level"); f != nil && f.Changed {
		a.v.Set("log_level", a.logLevel)
	}

	logger, err := newLogger(a.v.GetString("log_level"), a.v.GetString("log_format"))
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}
	a.logger = logger
	return nil
}

// load returns the validated configuration
func (a *app) load() (*config.Config, error) {
	cfg, err := config.Load(a.v)
	if err != nil {
		return nil, &exitError{code: exitConfig, err: err}
	}
	return cfg, nil
}

func newLogger(level, format string) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	logger.SetLevel(lvl)

	switch format {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("log_format: unsupported format '%s' (supported: text, json)", format)
	}
	return logger, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "transfer-e2e %s (commit %s, built %s)\n", version, commit, buildTime)
		},
	}
}

// exitCode maps a command error to the process status
func exitCode(err error) int {
	if err == nil {
		return exitPass
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitConfig
}

func main() {
	err := newRootCmd().Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(exitCode(err))
}
