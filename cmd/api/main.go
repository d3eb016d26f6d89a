package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pesaflow/internal/config"
	"pesaflow/internal/coordinator"
	"pesaflow/internal/daraja"
	"pesaflow/internal/events"
	httpx "pesaflow/internal/http"
	"pesaflow/internal/reconcile"
	"pesaflow/internal/store"
	"pesaflow/internal/store/postgres"

	"github.com/rs/zerolog/log"
)

func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Transaction store: postgres when a DSN is configured, memory otherwise.
	var st store.TransactionStore
	if cfg.DB.DSN != "" {
		pool := postgres.MustOpen(ctx, cfg.DB.DSN)
		defer pool.Close()
		st = postgres.New(pool)
	} else {
		log.Warn().Msg("DB_DSN not set, using in-memory transaction store")
		st = store.NewMemory()
	}

	client := daraja.New(daraja.Config{
		ConsumerKey:    cfg.Daraja.ConsumerKey,
		ConsumerSecret: cfg.Daraja.ConsumerSecret,
		Passkey:        cfg.Daraja.Passkey,
		Shortcode:      cfg.Daraja.Shortcode,
		Environment:    cfg.Daraja.Environment,
		CallbackURL:    cfg.App.CallbackBaseURL + "/hooks/mpesa",
	})

	listeners := events.Multi{events.LogEmitter{}}
	if cfg.Redis.Addr != "" {
		pub := events.NewRedisPublisher(cfg.Redis.Addr, "payments.events")
		defer pub.Close()
		listeners = append(listeners, pub)
	}

	coord := coordinator.New(st, client, listeners, coordinator.Config{})

	// Status-poll fallback for lost callbacks
	worker := reconcile.NewWorker(st, client, coord,
		cfg.Poll.Interval, cfg.Poll.QueryDeadline, cfg.Poll.MaxPendingAge)
	go worker.Run(ctx)

	r := httpx.NewRouter(cfg, coord)

	srv := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Info().Msgf("Pesaflow API listening on :%s", cfg.App.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	cancel()
	ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	log.Info().Msg("server stopped")
}
