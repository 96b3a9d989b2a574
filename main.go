package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"audia/config"
	"audia/jobs"
	"audia/llm"
	"audia/server"
	"audia/speech"
	"audia/storage"
)

func main() {
	configPath := flag.String("config", "config.json", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := jobs.NewStore(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("open job store: %v", err)
	}
	defer store.Close()

	objects, err := storage.NewLocalObjectStore(cfg.DataPath)
	if err != nil {
		log.Fatalf("open object store: %v", err)
	}

	llmClient := llm.NewClient(cfg)
	index, err := storage.NewVectorIndex(ctx, cfg, llmClient)
	if err != nil {
		log.Fatalf("open vector index: %v", err)
	}

	poller := speech.NewPoller(speech.NewBatchClient(cfg.SpeechEndpoint, cfg.SpeechKey))
	manager := jobs.NewManager(store, objects, poller, index,
		cfg.Locale,
		time.Duration(cfg.MaxWaitSeconds)*time.Second,
		time.Duration(cfg.PollIntervalSeconds)*time.Second,
		cfg.MaxAttempts,
		time.Duration(cfg.RetryDelaySeconds)*time.Second,
	)

	queue := jobs.NewQueue(cfg.QueueCapacity, cfg.Workers)
	if err := queue.Start(ctx, manager); err != nil {
		log.Fatalf("start queue: %v", err)
	}

	// Jobs interrupted by a previous shutdown go back on the queue.
	pending, err := store.Pending()
	if err != nil {
		log.Fatalf("list pending jobs: %v", err)
	}
	for _, job := range pending {
		if err := queue.Enqueue(jobs.Task{JobID: job.ID}); err != nil {
			log.Printf("[job %s] requeue failed: %v", job.ID, err)
		}
	}
	if len(pending) > 0 {
		log.Printf("requeued %d pending jobs", len(pending))
	}

	go runCleanup(ctx, manager, cfg.CleanupAfterDays)

	rag := llm.NewRAG(llmClient)
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.New(cfg, store, objects, queue, manager, index, rag).Routes(),
	}

	go func() {
		log.Printf("listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	queue.Shutdown(30 * time.Second)
}

func runCleanup(ctx context.Context, manager *jobs.Manager, afterDays int) {
	if afterDays <= 0 {
		return
	}
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().AddDate(0, 0, -afterDays)
			if err := manager.Cleanup(ctx, cutoff); err != nil {
				log.Printf("cleanup: %v", err)
			}
		}
	}
}
