package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to the gateway YAML config (optional, env vars override)")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	store, err := NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("open sqlite store: %v", err)
	}
	defer store.Close()

	auth := newAuthenticator(cfg, store)
	if err := auth.Hydrate(context.Background(), nonceCutoff(cfg, time.Now())); err != nil {
		log.Printf("hydrate nonce cache: %v", err)
	}
	node := NewRPCNodeClient(cfg.NodeURL, cfg.NodeAuthToken)
	queue := NewWebhookQueue(
		WithWebhookTaskCapacity(cfg.Webhook.QueueCapacity),
		WithWebhookHistoryCapacity(cfg.Webhook.HistorySize),
		WithWebhookTTL(cfg.Webhook.QueueTTL.Duration),
	)
	worker := NewWebhookWorker(store, queue, cfg.Webhook.MaxAttempts)
	watcher := NewEventWatcher(node, store, queue, cfg.PollInterval.Duration)
	server := NewServer(auth, node, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)
	go watcher.Run(ctx)

	srv := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: server.Router(),
	}

	go func() {
		log.Printf("escrow gateway listening on %s", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Printf("shutting down escrow gateway")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "graceful shutdown failed: %v\n", err)
	}
}
