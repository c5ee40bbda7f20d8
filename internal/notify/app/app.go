// Package app assembles the notification gateway: store, queue, cache,
// template engine, adapters, dispatcher, background workers, and the HTTP
// server, with one lifecycle for the lot.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caasxyz/notification/common/clock"
	"github.com/caasxyz/notification/internal/notify/api"
	"github.com/caasxyz/notification/internal/notify/auth"
	"github.com/caasxyz/notification/internal/notify/cache"
	"github.com/caasxyz/notification/internal/notify/channel"
	"github.com/caasxyz/notification/internal/notify/dispatch"
	"github.com/caasxyz/notification/internal/notify/queue"
	"github.com/caasxyz/notification/internal/notify/store"
	"github.com/caasxyz/notification/internal/notify/template"
	"github.com/caasxyz/notification/internal/notify/worker"
)

// Config holds application configuration.
type Config struct {
	// DatabasePath is the SQLite database file.
	DatabasePath string
	// HTTPAddr is the API listen address, e.g. ":8080".
	HTTPAddr string
	// APISecret is the shared HMAC secret for signed endpoints.
	APISecret string
	// EncryptKey is the normalized 32-byte key for channel-config
	// encryption at rest.
	EncryptKey []byte

	// GrafanaUser and GrafanaPassword gate the Grafana ingress route; the
	// route is disabled when either is empty.
	GrafanaUser     string
	GrafanaPassword string

	// LogRetention overrides how long terminal attempt rows are kept.
	// Defaults to worker.DefaultLogRetention when zero.
	LogRetention time.Duration
	// CleanupInterval overrides the cleanup cadence. Defaults to
	// worker.DefaultCleanupInterval when zero.
	CleanupInterval time.Duration
	// RetryPollInterval overrides the consumers' idle poll interval.
	// Defaults to worker.DefaultPollInterval when zero.
	RetryPollInterval time.Duration

	// AllowPrivateWebhooks permits webhook endpoints on loopback and
	// private address space. For local development only.
	AllowPrivateWebhooks bool
}

// App is the assembled notification gateway.
type App struct {
	config     *Config
	store      *store.Store
	queue      *queue.SQLite
	dispatcher *dispatch.Dispatcher
	retrier    *worker.Retrier
	dlq        *worker.DeadLetterConsumer
	cleanup    *worker.Cleanup
	server     *api.Server
}

// New wires the application. The returned App owns the store; callers must
// Stop it.
func New(config *Config) (*App, error) {
	slog.Info("opening database", "path", config.DatabasePath)
	st, err := store.Open(config.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	q := queue.NewSQLite(st.DB(), nil)
	configs := cache.New(st, config.EncryptKey)
	templates := template.New(st)

	registry := channel.DefaultRegistry()
	if config.AllowPrivateWebhooks {
		registry, err = devRegistry()
		if err != nil {
			st.Close()
			return nil, err
		}
		slog.Warn("webhook adapter allows private network endpoints")
	}

	dispatcher := dispatch.New(st, configs, templates, registry, q, nil)

	var retrierOpts []worker.RetrierOption
	if config.RetryPollInterval > 0 {
		retrierOpts = append(retrierOpts, worker.WithPollInterval(config.RetryPollInterval))
	}
	retrier := worker.NewRetrier(st, configs, registry, q, retrierOpts...)
	dlq := worker.NewDeadLetterConsumer(st, q)

	var cleanupOpts []worker.CleanupOption
	if config.LogRetention > 0 {
		cleanupOpts = append(cleanupOpts, worker.WithRetention(config.LogRetention))
	}
	if config.CleanupInterval > 0 {
		cleanupOpts = append(cleanupOpts, worker.WithInterval(config.CleanupInterval))
	}
	cleanup := worker.NewCleanup(st, cleanupOpts...)

	trigger := worker.NewTrigger(st, q, clock.System{})
	authenticator := auth.New(config.APISecret)

	server := api.New(api.Config{
		Addr:            config.HTTPAddr,
		GrafanaUser:     config.GrafanaUser,
		GrafanaPassword: config.GrafanaPassword,
	}, authenticator, dispatcher, trigger, cleanup)

	return &App{
		config:     config,
		store:      st,
		queue:      q,
		dispatcher: dispatcher,
		retrier:    retrier,
		dlq:        dlq,
		cleanup:    cleanup,
		server:     server,
	}, nil
}

// Run starts the HTTP server and background loops, then blocks until an
// interrupt or termination signal arrives.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.server.Start(ctx); err != nil {
		return err
	}

	go a.retrier.Run(ctx)
	go a.dlq.Run(ctx)
	go a.cleanup.Run(ctx)

	slog.Info("notification gateway is running; press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down")
	return nil
}

// Stop shuts down the HTTP server and closes the database.
func (a *App) Stop() {
	slog.Info("stopping api server")
	a.server.Stop()

	slog.Info("closing database")
	a.store.Close()
}

// devRegistry is DefaultRegistry with private-network webhooks allowed.
func devRegistry() (*channel.Registry, error) {
	client := &http.Client{Timeout: channel.SendTimeout}
	return channel.NewRegistry(
		channel.NewWebhook(client, channel.WithPrivateNetworks()),
		channel.NewTelegram(client),
		channel.NewLark(client),
		channel.NewSlack(client),
	)
}
