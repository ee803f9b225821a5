package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"category-engine/config"
	"category-engine/metrics"
	"category-engine/orm"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "category-engine",
		Short:         "Derives categories from tag combinations and keeps them in sync.",
		SilenceUsage:  true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if err := config.PopulateAppConfig(config.Cfg, configFile, config.Defaults...); err != nil {
				return err
			}
			config.InitLogger(config.Cfg)

			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to a config file")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newRebuildCmd())
	rootCmd.AddCommand(newOptimizeCmd())
	rootCmd.AddCommand(newTopCmd())
	rootCmd.AddCommand(newReportCmd())

	return rootCmd
}

// withApp builds the engine, runs fn and tears everything down.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(config.Cfg, metrics.New())
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close connections")
		}
	}()

	return fn(ctx, a)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run scheduled maintenance and expose /metrics and /healthz",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.scheduler.Start(); err != nil {
					return err
				}

				e := echo.New()
				e.HideBanner = true
				e.HidePort = true
				e.Debug = !config.Cfg.ProductionEnvironment
				e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
				e.GET("/healthz", func(c echo.Context) error {
					if err := a.healthy(c.Request().Context()); err != nil {
						return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
					}

					return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
				})

				addr := fmt.Sprintf(":%d", config.Cfg.MetricsPort)
				serveErr := make(chan error, 1)
				go func() {
					log.Info().Str("addr", addr).Msg("Serving metrics and health checks")
					if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
						serveErr <- err
					}
					close(serveErr)
				}()

				select {
				case <-ctx.Done():
					log.Info().Msg("Shutting down")
				case err := <-serveErr:
					if err != nil {
						return fmt.Errorf("metrics server: %w", err)
					}
				}

				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
				defer cancel()

				return e.Shutdown(shutdownCtx)
			})
		},
	}
}

func newRebuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Regenerate every category from the current tags",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				summary, err := a.catalog.Rebuild(ctx)
				if err != nil {
					return err
				}

				return printJSON(cmd, summary)
			})
		},
	}
}

func newOptimizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "optimize",
		Short: "Prune empty categories, refresh counts and warm the cache",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				summary, err := a.catalog.Optimize(ctx)
				if summary != nil {
					if perr := printJSON(cmd, summary); perr != nil {
						return perr
					}
				}

				return err
			})
		},
	}
}

func newTopCmd() *cobra.Command {
	var (
		kind  string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "top",
		Short: "Show the most requested tag combinations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			k, err := orm.ParseKind(kind)
			if err != nil {
				return err
			}

			return withApp(cmd, func(ctx context.Context, a *app) error {
				top, err := a.analytics.TopCombinations(ctx, k, limit)
				if err != nil {
					return err
				}

				return printJSON(cmd, top)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(orm.KindVideo), "item kind (video or creator)")
	cmd.Flags().IntVar(&limit, "limit", 10, "number of combinations to show")

	return cmd
}

func newReportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report",
		Short: "Print category and tag statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				report, err := a.analytics.Report(ctx)
				if err != nil {
					return err
				}

				return printJSON(cmd, report)
			})
		},
	}
}
