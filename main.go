package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	cfg := loadConfig()

	srv, err := newServer(cfg)
	if err != nil {
		log.Printf("startup failed: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		log.Printf("shutdown signal received")
	}()

	log.Printf("http listening on %s", cfg.HTTPListen)
	if err := srv.runHTTP(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("http server failed: %v", err)
		os.Exit(1)
	}
}

func newServer(cfg config) (*server, error) {
	persist, err := newPersistence(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	data := newStore()
	if err := persist.loadIntoStore(data); err != nil {
		return nil, err
	}

	namespace, err := persist.ensureNamespace()
	if err != nil {
		return nil, err
	}

	srv := &server{
		cfg:       cfg,
		data:      data,
		persist:   persist,
		notify:    &notifier{command: cfg.NotifyCommand, timeout: cfg.NotifyTimeout},
		namespace: namespace,
		start:     time.Now(),
	}
	if err := srv.loadRequests(); err != nil {
		return nil, err
	}
	return srv, nil
}
