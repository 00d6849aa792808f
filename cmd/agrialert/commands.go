package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"agrialert/internal/app"
	"agrialert/internal/config"
	"agrialert/internal/storage"
	logx "agrialert/pkg/logx"
)

func buildServeCmd(cfgPath *string) *cobra.Command {
	var stopTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, websocket endpoint and scheduled checks",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(*cfgPath)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				_ = a.Close(context.Background())
				return fmt.Errorf("start: %w", err)
			}

			reason := app.StopSignal
			select {
			case <-ctx.Done():
			case <-a.Done():
				reason = app.StopFatal
			}
			stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
			defer stopCancel()
			_ = a.Stop(stopCtx, reason)
			if reason == app.StopFatal {
				return a.Err()
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 30*time.Second, "upper bound for graceful shutdown")
	return cmd
}

func buildCheckCmd(cfgPath *string) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run one condition check cycle and print the report",
		Long: `Evaluate every configured rule against the latest stored readings once.
Tripped rules create alerts and deliver them through the configured channels,
exactly as a scheduled run would.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(*cfgPath)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			rep, runErr := a.RunChecks(ctx)
			_ = a.Close(ctx)
			if runErr != nil {
				return runErr
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rep)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "upper bound for the check cycle")
	return cmd
}

func buildMigrateCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply storage schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewConfigManager(*cfgPath).Load()
			if err != nil {
				return err
			}
			scfg, err := cfg.Storage.Resolve()
			if err != nil {
				return err
			}
			st, err := storage.Open(scfg, logx.NewConsole(cfg.Logging.Level))
			if err != nil {
				return err
			}
			defer st.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "storage %s at schema version %d\n", scfg.Driver, storage.LatestVersion())
			return nil
		},
	}
}

func buildValidateCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the config file without starting anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewConfigManager(*cfgPath).Load()
			if err != nil {
				return err
			}
			rules, err := cfg.CompileRules()
			if err != nil {
				return err
			}
			if _, err := cfg.Scheduler.Resolve(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: %d rules, channels %v\n", len(rules), cfg.Channels.Configured())
			return nil
		},
	}
}
