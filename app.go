package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/oauth2"

	"github.com/campusline/edusync/internal/cachefirst"
	"github.com/campusline/edusync/internal/config"
	"github.com/campusline/edusync/internal/credfile"
	"github.com/campusline/edusync/internal/model"
	"github.com/campusline/edusync/internal/netmon"
	"github.com/campusline/edusync/internal/outbox"
	"github.com/campusline/edusync/internal/realtime"
	"github.com/campusline/edusync/internal/remote"
	"github.com/campusline/edusync/internal/scheduler"
	"github.com/campusline/edusync/internal/store"
)

const dialKeepAlive = 30 * time.Second

// app is the assembled sync engine shared by serve and the one-shot
// commands.
type app struct {
	holder   *config.Holder
	logger   *slog.Logger
	registry *prometheus.Registry

	store    *store.Store
	remote   *remote.Client
	network  *netmon.Monitor
	sched    *scheduler.Scheduler
	outbox   *outbox.Outbox
	realtime *realtime.Manager
	records  *cachefirst.Layer

	reconcileMu sync.Mutex
}

// schedulerRef lets the outbox resolve integrations through a scheduler
// that is created after it.
type schedulerRef struct {
	s *scheduler.Scheduler
}

func (r *schedulerRef) Integration(id string) (model.Integration, error) {
	return r.s.Integration(id)
}

// openApp opens the store and wires every component. The caller starts
// the background loops it needs and must call close.
func openApp(ctx context.Context, holder *config.Holder, logger *slog.Logger) (*app, error) {
	cfg := holder.Config()

	a := &app{
		holder:   holder,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}

	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	durable, err := store.OpenDurable(ctx, cfg.StorageURL, logger)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	a.store, err = store.Open(ctx, durable, store.Options{
		AppName: cfg.AppName,
		Logger:  logger,
	})
	if err != nil {
		durable.Close()
		return nil, fmt.Errorf("opening store: %w", err)
	}

	a.remote = remote.NewClient(remote.Options{
		HTTPClient:     newHTTPClient(cfg, true),
		Logger:         logger,
		UserAgent:      cfg.UserAgent,
		OwnerID:        cfg.OwnerID,
		RequestRate:    cfg.RequestRate,
		OnTokenRefresh: a.saveRefreshedToken,
	})

	a.network = netmon.New(netmon.Options{
		ProbeURL:      cfg.ProbeURL,
		ProbeTimeout:  cfg.ProbeTimeoutDuration(),
		CheckInterval: cfg.CheckIntervalDuration(),
		Source:        netmon.NewInterfaceSource(),
		HTTPClient:    newHTTPClient(cfg, true),
		Logger:        logger,
	})

	ref := &schedulerRef{}

	a.outbox, err = outbox.New(outbox.Options{
		Store:        a.store,
		Pusher:       a.remote,
		Integrations: ref,
		Logger:       logger,
		Interval:     cfg.OutboxIntervalDuration(),
		MaxAttempts:  cfg.OutboxMaxAttempts,
	})
	if err != nil {
		a.closeStore(ctx)
		return nil, err
	}

	a.sched, err = scheduler.New(scheduler.Options{
		Store:   a.store,
		Fetcher: a.remote,
		Queue:   a.outbox,
		Logger:  logger,
		Metrics: scheduler.NewMetrics(a.registry),
		Notify:  a.notify,
	})
	if err != nil {
		a.closeStore(ctx)
		return nil, err
	}

	ref.s = a.sched

	a.realtime, err = realtime.NewManager(realtime.Options{
		Store:              a.store,
		Watcher:            a.remote,
		Integrations:       a.sched,
		Logger:             logger,
		DefaultIntegration: cfg.PrimaryIntegration,
		HTTPClient:         newHTTPClient(cfg, false),
	})
	if err != nil {
		a.sched.Stop()
		a.closeStore(ctx)

		return nil, err
	}

	a.records, err = cachefirst.New(cachefirst.Options{
		Store:        a.store,
		Remote:       a.remote,
		Network:      a.network,
		Integrations: a.sched,
		Subscriber:   a.realtime,
		Queue:        a.outbox,
		Logger:       logger,
		Primary:      cfg.PrimaryIntegration,
	})
	if err != nil {
		a.realtime.Close()
		a.sched.Stop()
		a.closeStore(ctx)

		return nil, err
	}

	a.network.OnReconnect(a.sched.OnReconnect())
	a.network.OnReconnect(a.outbox.OnReconnect())

	if err := a.reconcile(cfg); err != nil {
		logger.Warn("some integrations could not be loaded", slog.String("error", err.Error()))
	}

	return a, nil
}

// newHTTPClient builds a client with the configured timeouts. Websocket
// handshakes need a client without an overall timeout.
func newHTTPClient(cfg *config.Config, bounded bool) *http.Client {
	transport, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return &http.Client{}
	}

	transport = transport.Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   cfg.ConnectTimeoutDuration(),
		KeepAlive: dialKeepAlive,
	}).DialContext
	transport.TLSHandshakeTimeout = cfg.ConnectTimeoutDuration()

	client := &http.Client{Transport: transport}
	if bounded {
		client.Timeout = cfg.DataTimeoutDuration()
	}

	return client
}

// reconcile makes the scheduler's integrations match the config: tables
// are added or updated and integrations without a table are removed. An
// integration that failed authentication stays in error until its
// credentials change.
func (a *app) reconcile(cfg *config.Config) error {
	a.reconcileMu.Lock()
	defer a.reconcileMu.Unlock()

	var errs []error

	want := make(map[string]bool, len(cfg.Integrations))

	for _, id := range cfg.IntegrationIDs() {
		want[id] = true

		in, err := cfg.Integration(id)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		if cur, err := a.sched.Integration(id); err == nil &&
			cur.Status == model.StatusError && in.Status == model.StatusConnected &&
			bytes.Equal(cur.Credentials, in.Credentials) {
			in.Status = model.StatusError
		}

		if err := a.sched.PutIntegration(in); err != nil {
			errs = append(errs, fmt.Errorf("integration %s: %w", id, err))
		}
	}

	for _, in := range a.sched.Integrations() {
		if want[in.ID] {
			continue
		}

		if err := a.sched.RemoveIntegration(in.ID); err != nil {
			errs = append(errs, fmt.Errorf("removing integration %s: %w", in.ID, err))
		}
	}

	return errors.Join(errs...)
}

// saveRefreshedToken persists a silently refreshed OAuth token to both the
// credential file and the stored integration.
func (a *app) saveRefreshedToken(integrationID string, tok *oauth2.Token) {
	fields := map[string]any{
		"accessToken": tok.AccessToken,
		"expiry":      tok.Expiry.UTC().Format(time.RFC3339Nano),
	}

	if tok.RefreshToken != "" {
		fields["refreshToken"] = tok.RefreshToken
	}

	path := a.holder.Config().CredentialsPath(integrationID)
	if err := credfile.MergeCredentials(path, fields); err != nil {
		a.logger.Warn("saving refreshed token",
			slog.String("integration", integrationID),
			slog.String("error", err.Error()),
		)
	}

	if err := a.sched.MergeCredentials(integrationID, fields); err != nil {
		a.logger.Warn("storing refreshed token",
			slog.String("integration", integrationID),
			slog.String("error", err.Error()),
		)
	}
}

func (a *app) notify(n scheduler.Notification) {
	attrs := []any{
		slog.String("integration", n.IntegrationID),
		slog.Bool("success", n.Success),
		slog.Int("items", n.ItemsProcessed),
		slog.Int("errors", len(n.Errors)),
	}

	if n.Success {
		a.logger.Info("sync completed", attrs...)
	} else {
		a.logger.Warn("sync finished with errors", attrs...)
	}
}

func (a *app) storageErrors() int {
	return len(a.store.StorageErrors())
}

func (a *app) closeStore(ctx context.Context) {
	if err := a.store.Close(ctx); err != nil {
		a.logger.Warn("closing store", slog.String("error", err.Error()))
	}
}

// close stops the engine and flushes the store.
func (a *app) close(ctx context.Context) {
	a.realtime.Close()
	a.sched.Stop()
	a.closeStore(ctx)
}
