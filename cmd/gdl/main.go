// Command gdl downloads the given URLs once and exits. It shares the dedupe
// index with the gdownloader daemon but keeps its jobs in memory.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"

	"github.com/cwygoda/gdownloader/internal/adapter/extractor"
	"github.com/cwygoda/gdownloader/internal/adapter/filestore"
	"github.com/cwygoda/gdownloader/internal/adapter/sqlite"
	"github.com/cwygoda/gdownloader/internal/config"
	"github.com/cwygoda/gdownloader/internal/domain"
	"github.com/cwygoda/gdownloader/internal/worker"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.LoadNamed("gdl", os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		log.Printf("config: %v", err)
		return 2
	}
	if len(cfg.Args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: gdl [flags] URL...")
		return 2
	}

	// The dedupe index is shared with the daemon when the database opens.
	var recorder domain.DownloadRecorder
	if repo, err := sqlite.New(cfg.DBPath); err != nil {
		log.Printf("warning: dedupe index unavailable: %v", err)
	} else {
		defer repo.Close()
		recorder = repo
	}

	files := filestore.New(cfg.OutputDir, recorder)
	if _, err := files.Load(context.Background()); err != nil {
		log.Printf("warning: failed to load download index: %v", err)
	}

	registry := extractor.NewRegistry()
	ytdlp, err := extractor.NewYtDlpExtractor(cfg.Extractor, nil)
	if err != nil {
		log.Printf("extractor: %v", err)
		return 2
	}
	registry.Register(ytdlp)

	capacity := max(cfg.QueueCapacity, len(cfg.Args))
	svc := domain.NewJobService(domain.NewStore(nil), domain.NewQueue(capacity))
	events, unsubscribe := svc.Subscribe(1024)
	defer unsubscribe()

	failed := 0
	pending := make(map[string]bool)
	for _, raw := range cfg.Args {
		job, err := svc.SubmitURL(context.Background(), raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "skip %s: %v\n", raw, err)
			failed++
			continue
		}
		pending[job.ID] = true
	}
	if len(pending) == 0 {
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := worker.New(svc, registry, files, cfg.Retry.Policy(), cfg.Workers)
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		pool.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	bar := progressbar.NewOptions(len(pending),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("downloading"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(false),
	)

	// Events may be dropped under load; the ticker catches missed endings.
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	written := make(map[string]int64)
	settle := func(job domain.Job) {
		if !pending[job.ID] || !job.Status.IsTerminal() {
			return
		}
		delete(pending, job.ID)
		bar.Clear()
		if job.Status == domain.StatusSucceeded {
			note := ""
			if job.Deduplicated {
				note = " (already downloaded)"
			}
			fmt.Printf("%s -> %s%s\n", job.SourceURL, job.OutputPath, note)
		} else {
			failed++
			fmt.Fprintf(os.Stderr, "%s %s: %s\n", job.Status, job.SourceURL, job.Error)
		}
		bar.Add(1)
	}

	for len(pending) > 0 {
		select {
		case <-sigCh:
			for id := range pending {
				svc.CancelJob(id)
			}
		case <-ticker.C:
			for id := range pending {
				if job, err := svc.GetJob(id); err == nil {
					settle(job)
				}
			}
		case ev := <-events:
			job := ev.Job
			if !pending[job.ID] {
				continue
			}
			written[job.ID] = job.BytesWritten
			var total int64
			for _, n := range written {
				total += n
			}
			bar.Describe(fmt.Sprintf("downloading %s", humanize.Bytes(uint64(total))))

			if job.Status == domain.StatusRetrying && ev.Previous != job.Status {
				bar.Clear()
				fmt.Fprintf(os.Stderr, "attempt %d failed for %s: %s\n", job.Attempts, job.SourceURL, job.Error)
			}
			settle(job)
		}
	}
	bar.Finish()

	cancel()
	svc.Close()
	<-poolDone

	if failed > 0 {
		return 1
	}
	return 0
}
