package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/thedreamerscave/clubsync/internal/config"
	"github.com/thedreamerscave/clubsync/internal/syncengine"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string
	rootCmd := &cobra.Command{
		Use:           "clubsync",
		Short:         "Club events sync and notification engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional dotenv file read before the environment")

	load := func() (config.Config, error) {
		return config.Load(envFile)
	}
	rootCmd.AddCommand(serveCmd(load))
	rootCmd.AddCommand(syncCmd(load))
	rootCmd.AddCommand(notifyCmd(load))
	rootCmd.AddCommand(healthCmd(load))
	return rootCmd
}

type configLoader func() (config.Config, error)

// withApp loads configuration and builds the engine for a one-shot command.
func withApp(cmd *cobra.Command, load configLoader, fn func(ctx context.Context, a *app) error) error {
	cfg, err := load()
	if err != nil {
		return err
	}
	logger, err := config.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	logger.SetOutput(cmd.ErrOrStderr())
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := buildApp(ctx, cfg, logger, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func serveCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, sync workers and scheduled jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			logger, err := config.NewLogger(cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfg, logger, appOptions{Workers: true})
			if err != nil {
				return err
			}
			defer a.Close()

			unsubscribePlanner := a.planner.Subscribe()
			defer unsubscribePlanner()
			if err := a.orchestrator.Start(ctx); err != nil {
				return fmt.Errorf("failed to start orchestrator: %w", err)
			}
			scheduler, err := a.scheduler()
			if err != nil {
				return err
			}
			scheduler.Start()
			defer scheduler.Stop()

			server := &http.Server{
				Addr:              cfg.Addr,
				Handler:           a.handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				logger.WithField("addr", cfg.Addr).Info("clubsync listening")
				errCh <- server.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("server failed: %w", err)
				}
				return nil
			case <-ctx.Done():
			}
			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}
}

func syncCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Inspect and trigger entity synchronisation",
	}

	var target string
	trigger := &cobra.Command{
		Use:   "trigger KIND:ID",
		Short: "Mark an entity for re-sync; a running server picks it up on its next recovery pass",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := syncengine.ParseEntityRef(args[0])
			if err != nil {
				return err
			}
			var only syncengine.SyncTarget
			if target != "" {
				if only, err = syncengine.ParseSyncTarget(target); err != nil {
					return err
				}
			}
			return withApp(cmd, load, func(ctx context.Context, a *app) error {
				states, err := a.orchestrator.TriggerManualSync(ctx, ref, only)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), states)
			})
		},
	}
	trigger.Flags().StringVar(&target, "target", "", "restrict the re-sync to one target")

	status := &cobra.Command{
		Use:   "status KIND:ID",
		Short: "Print the per-target sync state of an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := syncengine.ParseEntityRef(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, load, func(ctx context.Context, a *app) error {
				states, err := a.orchestrator.GetSyncStatus(ctx, ref)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), states)
			})
		},
	}

	var limit int
	failed := &cobra.Command{
		Use:   "failed",
		Short: "List pairs that exhausted their retries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, load, func(ctx context.Context, a *app) error {
				states, err := a.orchestrator.ListFailed(ctx, limit)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), states)
			})
		},
	}
	failed.Flags().IntVar(&limit, "limit", 100, "maximum rows to print")

	cmd.AddCommand(trigger, status, failed)
	return cmd
}

func notifyCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Operate the notification queue",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "drain",
		Short: "Deliver every due notification once and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, load, func(ctx context.Context, a *app) error {
				if _, err := a.processor.ReleaseStale(ctx); err != nil {
					return err
				}
				result, err := a.processor.Drain(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "digest",
		Short: "Queue this week's digest for every subscriber",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, load, func(ctx context.Context, a *app) error {
				queued, err := a.planner.PlanDigest(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]int{"queued": queued})
			})
		},
	})
	return cmd
}

func healthCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe the store and every configured target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, load, func(ctx context.Context, a *app) error {
				results := a.orchestrator.HealthCheck(ctx)
				if err := printJSON(cmd.OutOrStdout(), results); err != nil {
					return err
				}
				for _, result := range results {
					if !result.Healthy {
						return fmt.Errorf("target %s unhealthy: %s", result.Target, result.Error)
					}
				}
				return nil
			})
		},
	}
}

func printJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
