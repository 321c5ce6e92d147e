package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/wgwarden/wgwarden/internal/alerts"
	"github.com/wgwarden/wgwarden/internal/config"
	"github.com/wgwarden/wgwarden/internal/database"
	"github.com/wgwarden/wgwarden/internal/ddns"
	"github.com/wgwarden/wgwarden/internal/engine"
	"github.com/wgwarden/wgwarden/internal/handlers"
	"github.com/wgwarden/wgwarden/internal/logging"
	"github.com/wgwarden/wgwarden/internal/reconnect"
	"github.com/wgwarden/wgwarden/internal/tracker"
	"github.com/wgwarden/wgwarden/internal/wgctl"
	"github.com/wgwarden/wgwarden/internal/wgstatus"
)

func main() {
	config.Load()
	logging.Init()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	if config.Cfg.PeersFile != "" {
		n, err := database.SeedPeersFromFile(config.Cfg.PeersFile)
		if err != nil {
			log.Fatalf("Peer seed: %v", err)
		}
		log.Printf("Seeded %d peer(s) from %s", n, config.Cfg.PeersFile)
	}

	store := database.NewStore(database.DB)
	runner := &wgstatus.OSRunner{}
	reader := wgstatus.NewReader(runner, config.Cfg.WGBinary)

	trk := tracker.New(tracker.Config{
		DisconnectThreshold: config.Cfg.DisconnectThreshold,
		DisconnectReads:     config.Cfg.DisconnectReads,
		MaxFailures:         config.Cfg.MaxQueryFailures,
	})
	dispatcher := alerts.NewDispatcher(store, &alerts.EmailNotifier{}, config.Cfg.AlertCooldown, config.Cfg.RecoveryAlerts)
	watcher := ddns.NewWatcher(store, ddns.NewDNSResolver(), config.Cfg.ResolveTimeout)
	controller := wgctl.NewWGQuick(runner, config.Cfg.WGBinary, config.Cfg.WGQuickBinary)

	reconnector := reconnect.NewController(reconnect.Config{
		MaxAttempts:   config.Cfg.MaxReconnectAttempts,
		Cooldown:      config.Cfg.ReconnectCooldown,
		ConfirmWindow: config.Cfg.ConfirmWindow,
	}, controller, reader, store, dispatcher)
	watcher.OnChange(reconnector.HandleEndpointChange)

	hub := engine.NewHub()
	reconnector.OnEvent(func(ev reconnect.Event) {
		hub.Publish(engine.EventReconnect, ev)
	})

	eng := engine.New(engine.Config{
		StatusInterval:  config.Cfg.StatusInterval,
		ResolveInterval: config.Cfg.ResolveInterval,
		QueryTimeout:    config.Cfg.QueryTimeout,
	}, reader, trk, dispatcher, watcher, reconnector, store, hub)

	handlers.Tracker = trk
	handlers.Store = store
	handlers.Reconnector = reconnector
	handlers.Engine = eng
	handlers.Hub = hub

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(sigCtx); err != nil {
		log.Fatalf("Engine start: %v", err)
	}

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", handlers.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/peers", handlers.ListPeers)
		r.Get("/peers/{id}/status", handlers.GetPeerStatus)
		r.Get("/peers/{id}/alerts", handlers.ListPeerAlerts)
		r.Get("/peers/{id}/reconnects", handlers.GetPeerReconnects)
		r.Post("/peers/{id}/reconnect", handlers.ForceReconnect)
		r.Post("/peers/{id}/reconnect/clear", handlers.ClearReconnectState)
		r.Get("/events", handlers.EventsWS)
		r.Get("/logs", handlers.GetServerLogs)
		r.Get("/settings/smtp", handlers.GetSMTPSettings)
		r.Put("/settings/smtp", handlers.UpdateSMTPSettings)
	})

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	eng.Stop()
	reconnector.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
