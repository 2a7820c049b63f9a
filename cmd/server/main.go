package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/caarlos0/env/v6"
	"go.uber.org/zap"

	"roomchat/internal/delivery"
	"roomchat/internal/presence"
	"roomchat/internal/server"
	"roomchat/internal/session"
	"roomchat/internal/storage"
	"roomchat/internal/timers"
)

func newLogger() (*zap.Logger, error) {
	if os.Getenv("LOG_MODE") == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func main() {
	logger, err := newLogger()
	if err != nil {
		log.Fatalf("zap logger: %v", err)
	}
	defer logger.Sync()

	sugar := logger.Sugar()
	sugar.Info("Application is starting")

	srvCfg := server.EnvConfig{}
	if err := env.Parse(&srvCfg); err != nil {
		sugar.Fatalf("Cannot parse server env config: %v", err)
	}

	storageCfg := storage.Config{}
	if err := env.Parse(&storageCfg); err != nil {
		sugar.Fatalf("Cannot parse storage env config: %v", err)
	}

	deliveryCfg := delivery.Config{}
	if err := env.Parse(&deliveryCfg); err != nil {
		sugar.Fatalf("Cannot parse delivery env config: %v", err)
	}

	sessionCfg := session.Config{}
	if err := env.Parse(&sessionCfg); err != nil {
		sugar.Fatalf("Cannot parse session env config: %v", err)
	}

	storageOpts := []storage.Option{storage.ConnectionTimeout(30 * time.Second)}
	if storageCfg.MaxConns > 0 {
		storageOpts = append(storageOpts, storage.MaxConns(storageCfg.MaxConns))
	}

	backend, err := storage.OpenBackend(context.Background(), sugar, storageCfg, storageOpts...)
	if err != nil {
		sugar.Fatalf("Cannot open storage backend: %v", err)
	}

	store := storage.NewStore(sugar, backend)
	tracker := presence.NewTracker(time.Now, sessionCfg.TypingTimeout)
	sim := delivery.NewSimulator(sugar, store, tracker, delivery.WithConfig(deliveryCfg))
	registry := session.NewRegistry(sugar, store, tracker, sim, timers.Real, sessionCfg)

	serverOpts := []server.Option{
		server.WithEnvConfig(srvCfg),
		server.ReadTimeout(5 * time.Second),
		server.TimeoutHandler(10*time.Second, "Request timed out"),
		server.RegisterAfterShutdown(func() {
			sugar.Info("Closing sessions")
			registry.CloseAll()
		}),
		server.RegisterAfterShutdown(func() {
			sugar.Info("Closing store")
			store.Close()
			sugar.Info("Store is closed")
		}),
	}

	srv, err := server.NewServer(sugar, registry, store, serverOpts...)
	if err != nil {
		sugar.Fatalf("Cannot create Server instance: %v", err)
	}

	if err := srv.Start(); err != nil {
		sugar.Fatalf("Cannot start http srv: %v", err)
	}
}
