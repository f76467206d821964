package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cwygoda/gdownloader/internal/adapter/extractor"
	"github.com/cwygoda/gdownloader/internal/adapter/filestore"
	httpAdapter "github.com/cwygoda/gdownloader/internal/adapter/http"
	"github.com/cwygoda/gdownloader/internal/adapter/sqlite"
	"github.com/cwygoda/gdownloader/internal/config"
	"github.com/cwygoda/gdownloader/internal/domain"
	"github.com/cwygoda/gdownloader/internal/worker"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		log.Fatalf("config: %v", err)
	}

	log.Println("starting gdownloader")
	log.Printf("database: %s", cfg.DBPath)
	log.Printf("workers: %d, queue capacity: %d", cfg.Workers, cfg.QueueCapacity)

	// Initialize SQLite repository
	repo, err := sqlite.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to initialize database: %v", err)
	}
	defer repo.Close()

	// Initialize domain service
	store := domain.NewStore(repo)
	queue := domain.NewQueue(cfg.QueueCapacity)
	svc := domain.NewJobService(store, queue)

	// Load the dedupe index
	files := filestore.New(cfg.OutputDir, repo)
	log.Printf("output dir: %s", files.Dir())
	if n, err := files.Load(context.Background()); err != nil {
		log.Printf("warning: failed to load download index: %v", err)
	} else if n > 0 {
		log.Printf("loaded %d downloads into the dedupe index", n)
	}

	// Recover unfinished jobs from a previous run
	if recovered, err := svc.RecoverUnfinished(context.Background(), repo, cfg.Retry.MaxAttempts); err != nil {
		log.Printf("warning: failed to recover unfinished jobs: %v", err)
	} else if recovered > 0 {
		log.Printf("recovered %d unfinished jobs", recovered)
	}

	// Initialize extractor registry
	registry := extractor.NewRegistry()
	ytdlp, err := extractor.NewYtDlpExtractor(cfg.Extractor, nil)
	if err != nil {
		log.Fatalf("failed to initialize extractor: %v", err)
	}
	registry.Register(ytdlp)

	// Initialize HTTP server
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := httpAdapter.NewServer(svc, addr, cfg.Secret).WithHistory(repo)

	// Initialize worker pool
	pool := worker.New(svc, registry, files, cfg.Retry.Policy(), cfg.Workers)

	// Graceful shutdown setup
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Start worker pool
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		if err := pool.Run(ctx); err != nil {
			log.Printf("worker pool error: %v", err)
		}
	}()

	// Start HTTP server
	go func() {
		log.Printf("HTTP server listening on %s", srv.Addr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("HTTP server error: %v", err)
		}
	}()

	// Wait for shutdown signal
	sig := <-sigCh
	log.Printf("received signal %v, shutting down", sig)

	// Stop accepting submissions first
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	// Cancel running downloads; they are resumed on the next start
	cancel()
	svc.Close()
	<-poolDone

	log.Println("shutdown complete")
}
