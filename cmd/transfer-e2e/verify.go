package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/guided-traffic/transfer-e2e/internal/config"
	"github.com/guided-traffic/transfer-e2e/internal/content"
	"github.com/guided-traffic/transfer-e2e/internal/endpoints"
	"github.com/guided-traffic/transfer-e2e/internal/runner"
	"github.com/guided-traffic/transfer-e2e/internal/verify"
)

func newVerifyCmd(a *app) *cobra.Command {
	var (
		req    runner.CheckRequest
		size   string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify an existing object on the target against its test id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if size != "" {
				n, err := config.ParseSize(size)
				if err != nil {
					return &exitError{code: exitConfig, err: err}
				}
				req.Size = n
			}
			cfg, err := a.load()
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			tgt, err := endpoints.Open(ctx, "target", cfg.Target, cfg.Transfer, a.logger)
			if err != nil {
				return &exitError{code: exitConfig, err: err}
			}
			defer tgt.Close()

			rep, runErr := runner.New(cfg, nil, tgt, a.logger).Check(ctx, req)
			if err := printReport(cmd.OutOrStdout(), rep, asJSON); err != nil {
				return err
			}
			if runErr != nil {
				return &exitError{code: exitFail, err: runErr}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&req.Key, "key", "", "object key on the target")
	cmd.Flags().StringVar(&req.TestID, "test-id", "", "test id, read from object metadata when omitted")
	cmd.Flags().StringVar(&req.Label, "label", "", "label the object was written with")
	cmd.Flags().StringVar(&size, "size", "", "expected size, read from the object when omitted")
	cmd.Flags().BoolVar(&req.BareSeed, "bare-seed", false, "derive the seed from the test id alone (objects of the s3-to-sftp script)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func newOffsetsCmd(a *app) *cobra.Command {
	var (
		testID string
		label  string
		size   string
	)

	cmd := &cobra.Command{
		Use:   "offsets",
		Short: "Print the window offsets a verification of a test object checks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if size == "" {
				size = a.v.GetString("test_size")
			}
			total, err := config.ParseSize(size)
			if err != nil {
				return &exitError{code: exitConfig, err: err}
			}
			window, err := config.ParseSize(a.v.GetString("verify.spot_check_bytes"))
			if err != nil {
				return &exitError{code: exitConfig, err: fmt.Errorf("verify.spot_check_bytes: %w", err)}
			}

			v := verify.NewVerifier(verify.Options{
				SpotChecks: a.v.GetInt("verify.spot_checks"),
				CheckBytes: window,
			}, a.logger.WithField("component", "verifier"))
			offsets, w := v.Offsets(content.NewSeed(label, testID), total)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "seed sha256: %s\n", content.NewSeed(label, testID).Digest())
			fmt.Fprintf(out, "window: %d bytes\n", w)
			for _, off := range offsets {
				fmt.Fprintln(out, off)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&testID, "test-id", "", "test id")
	cmd.Flags().StringVar(&label, "label", "", "run label")
	cmd.Flags().StringVar(&size, "size", "", "object size, defaults to test_size")
	_ = cmd.MarkFlagRequired("test-id")
	_ = cmd.MarkFlagRequired("label")
	return cmd
}
