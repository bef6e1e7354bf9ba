// Package download orchestrates the life of download jobs: searching for
// candidates, filtering and ranking them, transferring bytes with bounded
// concurrency, and committing the result into the library atomically.
//
// All job state is owned by a single dispatch goroutine. Commands and
// worker results arrive on channels; nothing touches a job from outside
// the loop.
package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/cratepull/cratepull/internal/conditions"
	"github.com/cratepull/cratepull/internal/domain"
	"github.com/cratepull/cratepull/internal/job"
	"github.com/cratepull/cratepull/internal/progress"
	"github.com/cratepull/cratepull/internal/scoring"
	"github.com/cratepull/cratepull/internal/storage"
)

var (
	// ErrStopped is returned by operations sent after the run loop exited.
	ErrStopped = errors.New("orchestrator stopped")

	// ErrJobActive is returned by Remove for jobs the loop still owes work.
	ErrJobActive = errors.New("job still active")

	// ErrNoCandidates means a search cycle produced nothing usable.
	ErrNoCandidates = errors.New("no candidates matched")
)

// Options tune the orchestrator. Zero values fall back to defaults.
type Options struct {
	MaxConcurrent int
	MaxAttempts   int
	SearchTimeout time.Duration
	FetchTimeout  time.Duration
	Retry         RetryPolicy
	StagingDir    string
	LibraryDir    string
	Weights       scoring.Weights
	BannedSources []string
	TickInterval  time.Duration
}

func (o *Options) setDefaults() {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 3
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = job.DefaultMaxAttempts
	}
	if o.SearchTimeout <= 0 {
		o.SearchTimeout = 45 * time.Second
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 30 * time.Minute
	}
	if o.Retry == (RetryPolicy{}) {
		o.Retry = DefaultRetryPolicy()
	}
	if o.TickInterval <= 0 {
		o.TickInterval = time.Second
	}
	if o.Weights == (scoring.Weights{}) {
		o.Weights = scoring.Balanced()
	}
}

// Deps are the orchestrator's collaborators. Source, Transfer, Store and
// Coord are required; the rest are optional.
type Deps struct {
	Source   CandidateSource
	Transfer ByteTransferer
	Store    Persistence
	Coord    *storage.Coordinator
	Verifier Verifier
	Tagger   MetadataWriter
	Mirror   storage.Mirror
}

// Orchestrator owns the job table and the dispatch loop.
type Orchestrator struct {
	opts      Options
	deps      Deps
	evaluator *conditions.Evaluator
	meter     *progress.Meter

	cmds    chan command
	results chan result
	stopped chan struct{}
	wg      sync.WaitGroup

	// Everything below is owned by the run loop.
	jobs       map[string]*job.Job
	ranked     map[string][]domain.Candidate
	running    map[string]taskHandle
	taskSeq    uint64
	active     int
	listeners  map[int]chan job.Job
	nextListen int
}

type taskHandle struct {
	cancel context.CancelFunc
	token  uint64
}

func New(opts Options, deps Deps) (*Orchestrator, error) {
	if deps.Source == nil || deps.Transfer == nil || deps.Store == nil || deps.Coord == nil {
		return nil, fmt.Errorf("orchestrator needs a source, a transferer, a store, and a coordinator")
	}
	if opts.LibraryDir == "" || opts.StagingDir == "" {
		return nil, fmt.Errorf("orchestrator needs library and staging directories")
	}
	opts.setDefaults()
	return &Orchestrator{
		opts: opts,
		deps: deps,
		evaluator: conditions.NewEvaluator(
			opts.Weights,
			conditions.DefaultRequired(opts.BannedSources),
			conditions.DefaultPreferred(),
		),
		meter:     progress.NewMeter(),
		cmds:      make(chan command),
		results:   make(chan result, 2*opts.MaxConcurrent+16),
		stopped:   make(chan struct{}),
		jobs:      make(map[string]*job.Job),
		ranked:    make(map[string][]domain.Candidate),
		running:   make(map[string]taskHandle),
		listeners: make(map[int]chan job.Job),
	}, nil
}

// Stats reports transfer throughput for the whole run.
func (o *Orchestrator) Stats() progress.Stats {
	return o.meter.Snapshot()
}

// Run recovers interrupted writes, resurrects persisted jobs, and serves
// the dispatch loop until ctx ends. It returns after all workers have
// drained.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := os.MkdirAll(o.opts.StagingDir, 0o755); err != nil {
		return fmt.Errorf("creating staging dir: %w", err)
	}
	if err := os.MkdirAll(o.opts.LibraryDir, 0o755); err != nil {
		return fmt.Errorf("creating library dir: %w", err)
	}

	report, err := o.deps.Coord.Recover()
	if err != nil {
		return fmt.Errorf("recovering interrupted writes: %w", err)
	}
	if report.Incomplete > 0 {
		slog.Warn("Recovered interrupted writes", "count", report.Incomplete)
	}

	if err := o.resurrect(ctx); err != nil {
		return err
	}
	slog.Info("Orchestrator started",
		"jobs", len(o.jobs), "maxConcurrent", o.opts.MaxConcurrent, "library", o.opts.LibraryDir)

	ticker := time.NewTicker(o.opts.TickInterval)
	defer ticker.Stop()
	for {
		o.dispatch(ctx)
		select {
		case c := <-o.cmds:
			o.handle(ctx, c)
		case r := <-o.results:
			o.handleResult(ctx, r)
		case <-ticker.C:
		case <-ctx.Done():
			o.shutdown()
			return nil
		}
	}
}

// resurrect reloads persisted jobs. States that imply an in-flight task
// belong to a previous process and are deferred for immediate re-dispatch.
func (o *Orchestrator) resurrect(ctx context.Context) error {
	stored, err := o.deps.Store.LoadJobs(ctx)
	if err != nil {
		return fmt.Errorf("loading persisted jobs: %w", err)
	}
	now := time.Now().UTC()
	for i := range stored {
		j := stored[i]
		if j.State == job.StateSearching || j.State == job.StateDownloading {
			j.Selected = nil
			if err := j.Transition(job.StateDeferred); err == nil {
				j.NextRetryAt = now
				j.Error = "interrupted by restart"
				o.persist(ctx, &j)
				slog.Info("Resurrected interrupted job", "jobId", j.ID)
			}
		}
		jj := j
		o.jobs[j.ID] = &jj
	}
	return nil
}

func (o *Orchestrator) shutdown() {
	for id, h := range o.running {
		h.cancel()
		delete(o.running, id)
	}
	waitDone := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(waitDone)
	}()
	for {
		select {
		case <-o.results:
		case <-waitDone:
			close(o.stopped)
			o.drainCommands()
			slog.Info("Orchestrator stopped")
			return
		}
	}
}

func (o *Orchestrator) drainCommands() {
	for {
		select {
		case c := <-o.cmds:
			c.reply <- reply{err: ErrStopped}
		default:
			return
		}
	}
}

// dispatch starts whatever work is due: pending and retry-ripe jobs get a
// search task, queued jobs take free download slots, express priority
// first.
func (o *Orchestrator) dispatch(ctx context.Context) {
	now := time.Now().UTC()

	var due []*job.Job
	for _, j := range o.jobs {
		switch {
		case j.State == job.StatePending:
			due = append(due, j)
		case j.State == job.StateDeferred && !j.NextRetryAt.After(now):
			due = append(due, j)
		case j.State == job.StateQueued && j.Selected == nil:
			// Resumed before a candidate was picked; search again.
			due = append(due, j)
		}
	}
	sortByDispatchOrder(due)
	for _, j := range due {
		o.startSearch(ctx, j)
	}

	for o.active < o.opts.MaxConcurrent {
		var next *job.Job
		for _, j := range o.jobs {
			if j.State != job.StateQueued || j.Selected == nil {
				continue
			}
			if next == nil || dispatchBefore(j, next) {
				next = j
			}
		}
		if next == nil {
			return
		}
		o.startFetch(ctx, next)
	}
}

func sortByDispatchOrder(jobs []*job.Job) {
	sort.Slice(jobs, func(i, k int) bool { return dispatchBefore(jobs[i], jobs[k]) })
}

func dispatchBefore(a, b *job.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (o *Orchestrator) startSearch(ctx context.Context, j *job.Job) {
	if err := j.Transition(job.StateSearching); err != nil {
		slog.Error("Cannot move job into searching", "jobId", j.ID, "state", j.State, "error", err)
		return
	}
	o.persist(ctx, j)
	o.broadcast(j)

	o.taskSeq++
	token := o.taskSeq
	tctx, cancel := context.WithCancel(ctx)
	o.running[j.ID] = taskHandle{cancel: cancel, token: token}
	snap := j.Snapshot()
	o.wg.Add(1)
	go o.runSearch(tctx, snap, token)
}

func (o *Orchestrator) startFetch(ctx context.Context, j *job.Job) {
	if err := j.Transition(job.StateDownloading); err != nil {
		slog.Error("Cannot move job into downloading", "jobId", j.ID, "state", j.State, "error", err)
		return
	}
	o.persist(ctx, j)
	o.broadcast(j)
	o.spawnFetch(ctx, j)
}

// spawnFetch starts the transfer task for the job's selected candidate.
// The job must already be in downloading.
func (o *Orchestrator) spawnFetch(ctx context.Context, j *job.Job) {
	o.taskSeq++
	token := o.taskSeq
	tctx, cancel := context.WithCancel(ctx)
	o.running[j.ID] = taskHandle{cancel: cancel, token: token}
	o.active++
	snap := j.Snapshot()
	o.wg.Add(1)
	go o.runFetch(tctx, snap, *snap.Selected, token)
}

// cancelTask stops a job's in-flight task, if any. The task still reports
// a result; the token mismatch makes the loop ignore it.
func (o *Orchestrator) cancelTask(id string) {
	if h, ok := o.running[id]; ok {
		h.cancel()
		delete(o.running, id)
	}
}

func (o *Orchestrator) persist(ctx context.Context, j *job.Job) {
	if err := o.deps.Store.SaveJob(ctx, j.Snapshot()); err != nil {
		slog.Error("Could not persist job", "jobId", j.ID, "state", j.State, "error", err)
	}
}

func (o *Orchestrator) broadcast(j *job.Job) {
	snap := j.Snapshot()
	for _, ch := range o.listeners {
		select {
		case ch <- snap:
		default:
			// A stalled observer never blocks the loop.
		}
	}
}
