// Package main is the forensic audit engine entry point: it wires the
// store, event bus, analytics components and the thin operator API, then
// serves until interrupted.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/r3e-audit/forensic-engine/internal/batch"
	"github.com/r3e-audit/forensic-engine/internal/cases"
	"github.com/r3e-audit/forensic-engine/internal/config"
	"github.com/r3e-audit/forensic-engine/internal/currency"
	"github.com/r3e-audit/forensic-engine/internal/eventbus"
	"github.com/r3e-audit/forensic-engine/internal/graph"
	"github.com/r3e-audit/forensic-engine/internal/ingestion"
	"github.com/r3e-audit/forensic-engine/internal/logging"
	"github.com/r3e-audit/forensic-engine/internal/matcher"
	"github.com/r3e-audit/forensic-engine/internal/metrics"
	"github.com/r3e-audit/forensic-engine/internal/monitor"
	"github.com/r3e-audit/forensic-engine/internal/push"
	"github.com/r3e-audit/forensic-engine/internal/registry"
	"github.com/r3e-audit/forensic-engine/internal/resolver"
	"github.com/r3e-audit/forensic-engine/internal/semantic"
	"github.com/r3e-audit/forensic-engine/internal/server"
	"github.com/r3e-audit/forensic-engine/internal/store"
	"github.com/r3e-audit/forensic-engine/internal/trigger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.Logging)
	m := metrics.New("forensic-engine")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var st store.Store
	if cfg.Database.DSN != "" {
		pg, err := store.Open(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
		if err != nil {
			log.Fatalf("open database: %v", err)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Fatalf("apply schema: %v", err)
		}
		defer pg.Close()
		st = pg
		log.Info("store: postgres backend")
	} else {
		st = store.NewMemory()
		log.Warn("store: DATABASE_DSN unset, using in-memory backend")
	}

	bus := eventbus.New(log)
	res := resolver.New(st)
	trig := trigger.New(st)
	sem := semantic.NewFallback()
	cur := currency.NewFallback()

	pipe := ingestion.New(st, res, trig, sem, bus, cfg.Ingestion)
	match := matcher.New(st, cur, sem, bus, matcher.Config{
		AmountTolerancePct:  cfg.Reconciliation.AmountTolerancePct / 100,
		DefaultClearingDays: cfg.Reconciliation.DefaultClearingDays,
		BatchWindowDays:     cfg.Reconciliation.BatchWindowDays,
	})
	analytics := graph.New(st, bus)
	orch := batch.New(st, bus, log, m)
	reg := registry.New(st, nil, log)
	caseSvc := cases.New(st, bus, reg, log)

	mon := monitor.New(st, bus, log, cfg.Monitor)
	mon.Start(ctx)
	defer mon.Stop()

	hub := push.NewHub(log)
	hub.BindBus(bus)

	srv := server.New(log, st, bus, pipe, match, trig, analytics, orch, mon, caseSvc, hub)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Infof("listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("serve: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf("shutdown: %v", err)
	}
	orch.Wait()
}
