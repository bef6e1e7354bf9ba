package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/cratepull/cratepull/internal/conditions"
	"github.com/cratepull/cratepull/internal/pool"
	"github.com/cratepull/cratepull/internal/progress"
)

// runRank searches the configured shares and prints every viable candidate,
// best first, without downloading anything.
func runRank(args []string) int {
	fs := flag.NewFlagSet("rank", flag.ExitOnError)

	configPath := fs.String("config", "./config/config.yaml", "Path to config file")
	spec := newSpecFlags(fs)
	showRejected := fs.Bool("rejected", false, "Also print candidates dropped by required conditions")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: cratepull rank [options]

Search the pool for a recording and print the ranked candidates with their
score breakdowns. Nothing is downloaded.

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
		cancel()
	}()

	p, err := pool.New(cfg.Pool.Shares, pool.Options{
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
	evaluator := conditions.NewEvaluator(weights,
		conditions.DefaultRequired(cfg.Ranking.BannedUploaders),
		conditions.DefaultPreferred())

	cands, err := p.Search(ctx, req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error searching pool: %v\n", err)
		return ExitGeneralError
	}

	ranked, rejected := evaluator.FilterAndRank(req, cands)
	if len(ranked) == 0 {
		fmt.Fprintf(os.Stderr, "No viable candidates for %q (%d rejected)\n", req.Query(), len(rejected))
		return ExitNoCandidates
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RANK\tSCORE\tSOURCE\tFORMAT\tBITRATE\tSIZE\tSLOT\tPATH")
	for i, s := range ranked {
		c := s.Candidate
		slot := "free"
		if !c.HasFreeSlot {
			slot = fmt.Sprintf("queue %d", c.QueueDepth)
		}
		bitrate := "-"
		if c.BitrateKbps > 0 {
			bitrate = fmt.Sprintf("%d kbps", c.BitrateKbps)
		}
		fmt.Fprintf(w, "%d\t%.0f\t%s\t%s\t%s\t%s\t%s\t%s\n",
			i+1, s.Breakdown.Total, c.Source, c.Ext(), bitrate,
			progress.FormatBytes(c.SizeBytes), slot, c.Path)
	}
	w.Flush()

	if *showRejected && len(rejected) > 0 {
		fmt.Println()
		for _, r := range rejected {
			fmt.Printf("rejected %s: failed %s\n", r.Candidate.Ref(), r.Condition)
		}
	}

	return ExitSuccess
}
