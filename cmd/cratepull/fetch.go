package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/k0kubun/go-ansi"
	"github.com/schollz/progressbar/v3"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"

	"github.com/cratepull/cratepull/internal/audio"
	"github.com/cratepull/cratepull/internal/download"
	"github.com/cratepull/cratepull/internal/job"
	"github.com/cratepull/cratepull/internal/jobstore"
	"github.com/cratepull/cratepull/internal/journal"
	"github.com/cratepull/cratepull/internal/pool"
	"github.com/cratepull/cratepull/internal/storage"
)

// runFetch downloads the best candidate for a request into the library,
// rendering transfer progress along the way. Persisted jobs from earlier
// runs are resumed by the same engine while it is up.
func runFetch(args []string) int {
	fs := flag.NewFlagSet("fetch", flag.ExitOnError)

	configPath := fs.String("config", "./config/config.yaml", "Path to config file")
	spec := newSpecFlags(fs)
	noProgress := fs.Bool("no-progress", false, "Disable the progress bar")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: cratepull fetch [options]

Search the pool, pick the best candidate and commit it into the library.
The process exits when the job completes, fails its retry budget, or is
interrupted; an interrupted job resumes on the next invocation.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return ExitConfigError
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitConfigError
	}

	req, err := spec.request()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fs.Usage()
		return ExitInvalidArgs
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nInterrupted, saving state...")
		cancel()
	}()

	jnl, err := journal.Open(cfg.Library.StateDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening journal: %v\n", err)
		return ExitStorageError
	}
	defer jnl.Close()
	coord := storage.NewCoordinator(jnl)

	storeURL, err := cfg.StoreURL()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitConfigError
	}
	store, err := jobstore.Open(ctx, storeURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening job store: %v\n", err)
		return ExitStorageError
	}
	defer store.Close()

	src, err := pool.New(cfg.Pool.Shares, pool.Options{
		ProbeConcurrency: cfg.Pool.ProbeConcurrency,
		MaxResults:       cfg.Pool.MaxResults,
		SlotsPerSource:   cfg.Pool.SlotsPerSource,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitConfigError
	}

	weights, err := cfg.Weights()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitConfigError
	}

	deps := download.Deps{
		Source:   src,
		Transfer: src,
		Store:    store,
		Coord:    coord,
		Verifier: audio.NewProber(),
		Tagger:   audio.NewTagger(),
	}
	if cfg.Mirror.Enabled {
		mirror, err := storage.NewGCSMirror(ctx, cfg.Mirror.Bucket, cfg.Mirror.Prefix, cfg.Mirror.CredentialsFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error connecting mirror: %v\n", err)
			return ExitStorageError
		}
		defer mirror.Close()
		deps.Mirror = mirror
	}

	orc, err := download.New(download.Options{
		MaxConcurrent: cfg.Download.MaxConcurrent,
		MaxAttempts:   cfg.Download.MaxAttempts,
		SearchTimeout: cfg.Download.SearchTimeout,
		FetchTimeout:  cfg.Download.FetchTimeout,
		Retry:         cfg.Download.Retry,
		StagingDir:    cfg.Library.StagingDir,
		LibraryDir:    cfg.Library.Dir,
		Weights:       weights,
		BannedSources: cfg.Ranking.BannedUploaders,
	}, deps)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitGeneralError
	}

	runDone := make(chan error, 1)
	go func() {
		runDone <- orc.Run(ctx)
	}()

	updates, stop, err := orc.Subscribe(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		<-runDone
		return ExitGeneralError
	}
	defer stop()

	enqueued, err := orc.Enqueue(ctx, req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		<-runDone
		return ExitGeneralError
	}

	final, interrupted := watchJob(ctx, enqueued, updates, *noProgress)

	cancel()
	if err := <-runDone; err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitStorageError
	}

	if interrupted {
		fmt.Fprintln(os.Stderr, "Interrupted; run fetch again to resume the job")
		return ExitGeneralError
	}

	switch final.State {
	case job.StateCompleted:
		fmt.Fprintf(os.Stderr, "Done: %s\n", orc.Stats().String())
		return ExitSuccess
	case job.StateFailed:
		fmt.Fprintf(os.Stderr, "Failed after %d attempt(s): %s\n", final.Attempts, final.Error)
		if strings.Contains(final.Error, download.ErrNoCandidates.Error()) {
			return ExitNoCandidates
		}
		return ExitGeneralError
	default:
		fmt.Fprintf(os.Stderr, "Job parked in state %s: %s\n", final.State, final.Error)
		return ExitGeneralError
	}
}

// watchJob renders lifecycle updates for one job until it reaches a state
// the process should exit on. The second return is true when the context
// was cancelled first.
func watchJob(ctx context.Context, enqueued job.Job, updates <-chan job.Job, noProgress bool) (job.Job, bool) {
	var bar *progressbar.ProgressBar
	last := enqueued

	for {
		select {
		case <-ctx.Done():
			return last, true
		case j, ok := <-updates:
			if !ok {
				return last, false
			}
			if j.ID != enqueued.ID {
				continue
			}
			last = j

			switch j.State {
			case job.StateDownloading:
				if noProgress {
					continue
				}
				if bar == nil && j.BytesTotal > 0 {
					bar = newFetchBar(j)
				}
				if bar != nil {
					bar.ChangeMax64(j.BytesTotal)
					_ = bar.Set64(j.BytesDone)
				}
			case job.StateDeferred:
				// Transfer stopped; a later attempt gets a fresh bar.
				if bar != nil {
					fmt.Fprintln(ansi.NewAnsiStdout())
					bar = nil
				}
			case job.StateCompleted:
				if bar != nil {
					_ = bar.Finish()
				}
				return j, false
			case job.StateFailed, job.StateCancelled:
				if bar != nil {
					fmt.Fprintln(ansi.NewAnsiStdout())
				}
				return j, false
			}
		}
	}
}

func newFetchBar(j job.Job) *progressbar.ProgressBar {
	desc := j.Request.Query()
	if j.Selected != nil {
		desc = j.Selected.Filename()
	}
	return progressbar.NewOptions64(
		j.BytesTotal,
		progressbar.OptionSetWriter(ansi.NewAnsiStdout()),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionFullWidth(),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetDescription(fmt.Sprintf("[cyan]%s[reset]", desc)),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprintln(ansi.NewAnsiStdout())
		}),
	)
}
