package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/guided-traffic/transfer-e2e/internal/config"
	"github.com/guided-traffic/transfer-e2e/internal/endpoints"
	"github.com/guided-traffic/transfer-e2e/internal/journal"
	"github.com/guided-traffic/transfer-e2e/internal/monitoring"
	"github.com/guided-traffic/transfer-e2e/internal/report"
	"github.com/guided-traffic/transfer-e2e/internal/runner"
)

func newRunCmd(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Upload a test object, wait for the transfer and verify the target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.bindFlags(cmd.Flags(), map[string]string{
				"size":  "test_size",
				"mode":  "transfer.mode",
				"label": "label",
			}); err != nil {
				return err
			}
			cfg, err := a.load()
			if err != nil {
				return err
			}
			return a.run(cmd.Context(), cfg, cmd.OutOrStdout(), asJSON)
		},
	}

	cmd.Flags().String("size", "", "size of the test object, e.g. 10MB or 20GiB")
	cmd.Flags().String("mode", "", "transfer mode: server-copy, stream or external")
	cmd.Flags().String("label", "", "run label, defaults to <source kind>-<target kind>")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

// bindFlags lets the named flags override configuration keys when set
func (a *app) bindFlags(flags *pflag.FlagSet, keys map[string]string) error {
	for name, key := range keys {
		f := flags.Lookup(name)
		if f == nil {
			return fmt.Errorf("unknown flag %q", name)
		}
		if err := a.v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("failed to bind --%s: %w", name, err)
		}
	}
	return nil
}

func (a *app) run(ctx context.Context, cfg *config.Config, out io.Writer, asJSON bool) error {
	ctx, stop := signalContext(ctx)
	defer stop()

	a.logger.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"label":   cfg.Label,
	}).Info("transfer-e2e starting")

	src, tgt, err := endpoints.OpenPair(ctx, cfg, a.logger)
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}
	defer src.Close()
	defer tgt.Close()

	metrics := monitoring.NewMetrics()
	metrics.SetBuildInfo(version, commit)
	r := runner.New(cfg, src, tgt, a.logger).WithMetrics(metrics)

	if cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			return &exitError{code: exitConfig, err: err}
		}
		defer j.Close()
		r.WithJournal(j)
	}

	if cfg.Monitoring.Enabled {
		server := monitoring.NewServer(&monitoring.Config{
			BindAddress: cfg.Monitoring.BindAddress,
			MetricsPath: cfg.Monitoring.MetricsPath,
		}, metrics, a.logger)
		r.OnPhase(server.SetPhase)

		srvCtx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := server.Start(srvCtx); err != nil {
				a.logger.WithError(err).Warn("Monitoring server stopped with error")
			}
		}()
		defer func() {
			cancel()
			<-done
		}()
	}

	rep, runErr := r.Run(ctx)
	if err := printReport(out, rep, asJSON); err != nil {
		return err
	}
	if runErr != nil {
		return &exitError{code: exitFail, err: runErr}
	}
	return nil
}

func printReport(out io.Writer, rep *report.Report, asJSON bool) error {
	if !asJSON {
		return rep.WriteText(out)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	return nil
}

// signalContext cancels ctx on SIGINT or SIGTERM
func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}
