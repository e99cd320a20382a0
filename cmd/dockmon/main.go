package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/darthnorse/dockmon/internal/agents"
	"github.com/darthnorse/dockmon/internal/alerts"
	"github.com/darthnorse/dockmon/internal/auth"
	"github.com/darthnorse/dockmon/internal/batch"
	"github.com/darthnorse/dockmon/internal/cache"
	"github.com/darthnorse/dockmon/internal/clock"
	"github.com/darthnorse/dockmon/internal/config"
	"github.com/darthnorse/dockmon/internal/deploy"
	"github.com/darthnorse/dockmon/internal/docker"
	"github.com/darthnorse/dockmon/internal/events"
	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/metrics"
	"github.com/darthnorse/dockmon/internal/registry"
	"github.com/darthnorse/dockmon/internal/sched"
	"github.com/darthnorse/dockmon/internal/store"
	"github.com/darthnorse/dockmon/internal/updates"
	"github.com/darthnorse/dockmon/internal/vault"
	"github.com/darthnorse/dockmon/internal/web"
)

var version = "dev"

const sessionTTL = 24 * time.Hour

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	st, err := store.Open(cfg.DBPath, log)
	if err != nil {
		log.Error("failed to open database", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	ca, err := cache.Open(cfg.CachePath)
	if err != nil {
		log.Error("failed to open cache", "path", cfg.CachePath, "error", err)
		os.Exit(1)
	}
	defer ca.Close()

	vlt := vault.New(cfg.VaultKey)
	if cfg.VaultKey == "" {
		log.Warn("DOCKMON_VAULT_KEY is not set, stored secrets cannot be read or written")
	}

	clk := clock.Real{}

	// Notification channels load before the alert engine so the first
	// alert of the process can already reach someone.
	notifiers := newNotifierSet(st, log)
	if err := notifiers.Reload(ctx); err != nil {
		log.Error("loading notification channels failed", "error", err)
	}

	alertEngine := alerts.New(st, log, clk, notifiers)
	bus := events.New(log, st, alertEngine, clk)
	if gs, err := st.GetSettings(ctx); err == nil {
		bus.SetSuppressionPatterns(gs.SuppressionPatterns())
	}
	if err := alertEngine.ReloadRules(ctx); err != nil {
		log.Error("loading alert rules failed", "error", err)
	}

	coordinator := agents.New(st, bus, log, clk, agents.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		OfflineGrace:      cfg.OfflineGrace,
		CommandTimeout:    cfg.CommandTimeout,
		CommandMaxAge:     cfg.CommandMaxAge,
		SelfUpdateWindow:  cfg.SelfUpdateWindow,
	})

	pool := docker.NewPool(st, log)
	defer pool.Close()

	healthWatch := docker.NewHealthWatcher(st, pool, bus, log, clk, docker.HealthWatchOptions{})

	resolver := registry.NewResolver(nil, registry.NewTracker(ca))
	sweeper := sched.NewSweeper(st, resolver, bus, log, clk)
	updater := updates.New(pool, coordinator, st, ca, bus, log, clk)
	deployer := deploy.New(pool, coordinator, st, log, clk)

	hub := web.NewHub(bus, log)
	defer hub.Close()

	batchMgr := batch.New(pool, coordinator, st, ca, updater, sweeper, bus, log, clk, hub.Broadcast)
	scheduler := sched.New(st, sweeper, bus, log, clk, sched.Options{
		UpdateCheckTime: cfg.UpdateCheckTime,
		TimezoneOffset:  cfg.TimezoneOffset,
		MinSleep:        cfg.MinSleep,
		AlertRetainDays: cfg.AlertRetainDays,
		EventRetainDays: cfg.EventRetainDays,
	})

	authSvc := auth.New(st, log, clk, sessionTTL, cfg.CookieSecure)

	var oidc *auth.OIDCProvider
	if cfg.ExternalURL != "" {
		redirect := strings.TrimRight(cfg.ExternalURL, "/") + "/api/v2/auth/oidc/callback"
		oidc, err = auth.NewOIDCProvider(ctx, st, vlt, redirect)
		if err != nil {
			log.Error("single sign-on disabled", "error", err)
			oidc = nil
		}
	}

	srv := web.New(web.Dependencies{
		Store:           st,
		Auth:            authSvc,
		OIDC:            oidc,
		Vault:           vlt,
		Engines:         pool,
		Agents:          coordinator,
		Updater:         updater,
		Deployer:        deployer,
		Batch:           batchMgr,
		Scheduler:       scheduler,
		Alerts:          alertEngine,
		Bus:             bus,
		Hub:             hub,
		Log:             log,
		Clock:           clk,
		ReloadNotifiers: notifiers.Reload,
	})

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go coordinator.Run(ctx)
	go healthWatch.Run(ctx)
	go func() {
		if err := scheduler.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("scheduler exited", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, release := context.WithTimeout(context.Background(), 10*time.Second)
		defer release()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	if hosts, err := st.ListHosts(ctx); err == nil {
		metrics.HostsMonitored.Set(float64(len(hosts)))
	}

	bus.Emit(ctx, events.Event{
		Type:    events.TypeSystemStartup,
		Title:   "DockMon started",
		Message: "version " + version,
	})
	log.Info("dockmon started", "version", version, "listen", cfg.ListenAddr)

	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("http server error", "error", err)
		os.Exit(1)
	}

	bus.Emit(context.Background(), events.Event{
		Type:    events.TypeSystemShutdown,
		Message: "version " + version,
	})
	log.Info("dockmon shutdown complete")
}
