package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"schoolpay/internal/config"
	"schoolpay/internal/events"
	"schoolpay/internal/gateway/daraja"
	httpx "schoolpay/internal/http"
	"schoolpay/internal/payments"
	"schoolpay/internal/store"
	"schoolpay/internal/store/memory"
	"schoolpay/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Ledger store
	var st store.Store
	switch cfg.Store.Driver {
	case "memory":
		log.Warn().Msg("using in-memory store; attempts do not survive restarts")
		st = memory.NewStore()
	default:
		pool := postgres.MustOpen(ctx, cfg.Store.DSN)
		defer pool.Close()
		st = postgres.NewStore(pool)
	}

	// Provider gateway
	gw := daraja.New(cfg)

	// PaymentResolved fan-out
	var pub events.Publisher = events.LogPublisher{}
	if cfg.Redis.Addr != "" {
		rp := events.NewRedisPublisher(cfg.Redis.Addr, cfg.Redis.Channel)
		defer rp.Close()
		pub = rp
	}

	svc := payments.NewService(st, gw, pub, events.LogNotifier{})

	// Verification fallback worker
	verifier := payments.NewVerifier(svc, st, gw, cfg.Verify)
	go verifier.Run(ctx)

	r := httpx.NewRouter(cfg, svc, verifier, st)

	srv := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Info().Msgf("schoolpay API listening on :%s", cfg.App.Port)
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
