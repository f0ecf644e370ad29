package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/campusline/edusync/internal/config"
	"github.com/campusline/edusync/internal/statusapi"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync daemon",
		Long: `Run the sync engine in the foreground.

Integrations sync on their configured frequency, queued writes are pushed
when the network is available, and the local API listens on listen_addr.
The config file is reloaded when it changes or on SIGHUP.`,
		RunE: runServe,
	}

	cmd.Flags().String("listen", "", "address for the local API (overrides listen_addr)")
	cmd.Flags().StringSlice("allow-origin", nil, "CORS origin allowed to call the local API (repeatable)")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := resolvedCfg
	logger := buildLogger(cfg)

	if err := config.ValidateResolved(cfg); err != nil {
		return err
	}

	cleanup, err := acquireStoreLock(config.DefaultPIDPath(), daemonCommand)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := shutdownContext(cmd.Context(), logger)

	holder := config.NewHolder(cfg, resolvedPath)

	a, err := openApp(ctx, holder, logger)
	if err != nil {
		return err
	}

	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		a.close(closeCtx)
	}()

	origins, err := cmd.Flags().GetStringSlice("allow-origin")
	if err != nil {
		return err
	}

	api, err := statusapi.New(statusapi.Options{
		Scheduler:      a.sched,
		Records:        a.records,
		Outbox:         a.outbox,
		Network:        a.network,
		Gatherer:       a.registry,
		Logger:         logger,
		StorageErrors:  a.storageErrors,
		AllowedOrigins: origins,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	a.sched.Start(ctx)

	cli := cliOverrides(cmd)
	env := config.ReadEnvOverrides()
	reload := func(path string) (*config.Config, error) {
		return config.Reload(path, env, cli)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.network.Run(gctx) })
	g.Go(func() error { return ignoreCanceled(a.outbox.Run(gctx)) })

	g.Go(func() error {
		w := &config.Watcher{
			Holder: holder,
			Reload: reload,
			Logger: logger,
			OnChange: func(_, cur *config.Config) {
				a.applyConfig(cur)
			},
		}

		if err := w.Run(gctx); err != nil {
			logger.Warn("config file not watched, use SIGHUP to reload",
				slog.String("error", err.Error()),
			)
		}

		return nil
	})

	g.Go(func() error {
		hup := reloadSignals(gctx)

		for {
			select {
			case <-hup:
				cur, err := reload(holder.Path())
				if err != nil {
					logger.Warn("config reload failed, keeping current config",
						slog.String("error", err.Error()),
					)

					continue
				}

				holder.Update(cur)
				logger.Info("config reloaded on SIGHUP")
				a.applyConfig(cur)
			case <-gctx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		logger.Info("local API listening", slog.String("addr", srv.Addr))

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("local API: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	})

	statusf("edusync serving %d integration(s) on %s\n", len(a.sched.Integrations()), srv.Addr)

	return g.Wait()
}

// applyConfig reconciles integrations after a reload. Storage, network and
// listener settings take effect on the next start.
func (a *app) applyConfig(cfg *config.Config) {
	if err := a.reconcile(cfg); err != nil {
		a.logger.Warn("reconciling integrations", slog.String("error", err.Error()))
	}

	a.outbox.Kick()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}
