package download

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/cratepull/cratepull/internal/conditions"
	"github.com/cratepull/cratepull/internal/domain"
	"github.com/cratepull/cratepull/internal/job"
)

// handleResult folds a worker report back into the job table. Results from
// superseded tasks only settle their slot accounting; the job itself moved
// on under a newer token.
func (o *Orchestrator) handleResult(ctx context.Context, r result) {
	if r.kind == resFetchDone {
		o.active--
	}

	j, ok := o.jobs[r.jobID]
	h, live := o.running[r.jobID]
	stale := !live || h.token != r.token

	if r.kind == resProgress {
		if ok && !stale && j.State == job.StateDownloading {
			j.BytesDone, j.BytesTotal = r.done, r.total
			o.broadcast(j)
		}
		return
	}
	if stale {
		return
	}
	delete(o.running, r.jobID)
	if !ok {
		return
	}

	switch r.kind {
	case resSearchDone:
		o.finishSearch(ctx, j, r)
	case resFetchDone:
		o.finishFetch(ctx, j, r)
	}
}

func (o *Orchestrator) finishSearch(ctx context.Context, j *job.Job, r result) {
	if j.State != job.StateSearching {
		return
	}
	if r.err != nil {
		o.endCycle(ctx, j, r.err)
		return
	}
	if len(r.ranked) == 0 {
		o.endCycle(ctx, j, ErrNoCandidates)
		return
	}

	sel := r.ranked[0]
	j.Selected = &sel
	o.ranked[j.ID] = r.ranked[1:]
	slog.Info("Candidate selected",
		"jobId", j.ID, "candidate", sel.Ref(), "alternates", len(r.ranked)-1)

	if o.active < o.opts.MaxConcurrent {
		o.startFetch(ctx, j)
		return
	}
	if err := j.Transition(job.StateQueued); err != nil {
		slog.Error("Cannot queue job after search", "jobId", j.ID, "error", err)
		return
	}
	o.persist(ctx, j)
	o.broadcast(j)
}

func (o *Orchestrator) finishFetch(ctx context.Context, j *job.Job, r result) {
	if j.State != job.StateDownloading {
		return
	}
	if r.err == nil {
		j.Error = ""
		delete(o.ranked, j.ID)
		if err := j.Transition(job.StateCompleted); err != nil {
			slog.Error("Cannot complete job", "jobId", j.ID, "error", err)
			return
		}
		o.persist(ctx, j)
		o.broadcast(j)
		o.meter.FileDone()
		slog.Info("Download complete", "jobId", j.ID, "path", r.target)
		return
	}

	switch Classify(r.err) {
	case CategoryVerification:
		// This copy is bad; burn it and move to the next ranked candidate
		// without spending a retry attempt.
		j.Rejected = append(j.Rejected, r.cand.Ref())
		j.Selected = nil
		slog.Warn("Candidate rejected after verification",
			"jobId", j.ID, "candidate", r.cand.Ref(), "error", r.err)
		if next, ok := o.nextCandidate(j); ok {
			j.Selected = &next
			o.persist(ctx, j)
			o.broadcast(j)
			o.spawnFetch(ctx, j)
			return
		}
		o.endCycle(ctx, j, r.err)
	case CategoryResource:
		o.fail(ctx, j, r.err)
	default:
		o.endCycle(ctx, j, r.err)
	}
}

// nextCandidate pops the best remaining candidate this job has not burned.
func (o *Orchestrator) nextCandidate(j *job.Job) (domain.Candidate, bool) {
	burned := make(map[string]bool, len(j.Rejected))
	for _, ref := range j.Rejected {
		burned[ref] = true
	}
	list := o.ranked[j.ID]
	for len(list) > 0 {
		c := list[0]
		list = list[1:]
		if !burned[c.Ref()] {
			o.ranked[j.ID] = list
			return c, true
		}
	}
	delete(o.ranked, j.ID)
	return domain.Candidate{}, false
}

// endCycle closes one search-and-fetch attempt. Resource errors and an
// exhausted budget park the job in failed; everything else defers it with
// backoff.
func (o *Orchestrator) endCycle(ctx context.Context, j *job.Job, cause error) {
	j.Attempts++
	j.Selected = nil
	delete(o.ranked, j.ID)

	if Classify(cause) == CategoryResource || j.Attempts >= j.MaxAttempts {
		o.fail(ctx, j, cause)
		return
	}
	delay := o.opts.Retry.Delay(j.Attempts)
	j.Error = cause.Error()
	j.NextRetryAt = time.Now().UTC().Add(delay)
	if err := j.Transition(job.StateDeferred); err != nil {
		slog.Error("Cannot defer job", "jobId", j.ID, "state", j.State, "error", err)
		return
	}
	o.persist(ctx, j)
	o.broadcast(j)
	slog.Warn("Attempt failed, job deferred",
		"jobId", j.ID, "attempt", j.Attempts, "maxAttempts", j.MaxAttempts,
		"retryIn", delay, "error", cause)
}

func (o *Orchestrator) fail(ctx context.Context, j *job.Job, cause error) {
	j.Error = cause.Error()
	if err := j.Transition(job.StateFailed); err != nil {
		slog.Error("Cannot fail job", "jobId", j.ID, "state", j.State, "error", err)
		return
	}
	o.persist(ctx, j)
	o.broadcast(j)
	o.meter.FileFailed()
	slog.Error("Job failed",
		"jobId", j.ID, "attempts", j.Attempts, "category", Classify(cause).String(), "error", cause)
}

type cmdKind int

const (
	cmdEnqueue cmdKind = iota
	cmdPause
	cmdResume
	cmdCancel
	cmdHardRetry
	cmdPromote
	cmdOverride
	cmdRemove
	cmdGet
	cmdList
	cmdSubscribe
	cmdUnsubscribe
)

type command struct {
	kind      cmdKind
	jobID     string
	req       domain.RequestSpec
	overrides *conditions.Overrides
	listenID  int
	reply     chan reply
}

type reply struct {
	job      job.Job
	jobs     []job.Job
	events   chan job.Job
	listenID int
	err      error
}

func (o *Orchestrator) send(ctx context.Context, c command) (reply, error) {
	c.reply = make(chan reply, 1)
	select {
	case o.cmds <- c:
	case <-o.stopped:
		return reply{}, ErrStopped
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
	select {
	case r := <-c.reply:
		return r, r.err
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
}

// Enqueue registers a request. The job ID derives from the request, so
// asking twice returns the live job; re-asking after a terminal state
// starts over with a fresh one.
func (o *Orchestrator) Enqueue(ctx context.Context, req domain.RequestSpec) (job.Job, error) {
	r, err := o.send(ctx, command{kind: cmdEnqueue, req: req})
	return r.job, err
}

// Pause stops a job's current task and holds it until Resume.
func (o *Orchestrator) Pause(ctx context.Context, id string) (job.Job, error) {
	r, err := o.send(ctx, command{kind: cmdPause, jobID: id})
	return r.job, err
}

// Resume returns a paused job to the queue.
func (o *Orchestrator) Resume(ctx context.Context, id string) (job.Job, error) {
	r, err := o.send(ctx, command{kind: cmdResume, jobID: id})
	return r.job, err
}

// Cancel terminates a job for good.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (job.Job, error) {
	r, err := o.send(ctx, command{kind: cmdCancel, jobID: id})
	return r.job, err
}

// HardRetry reopens a failed job with a fresh attempt budget.
func (o *Orchestrator) HardRetry(ctx context.Context, id string) (job.Job, error) {
	r, err := o.send(ctx, command{kind: cmdHardRetry, jobID: id})
	return r.job, err
}

// Promote moves a job to express priority.
func (o *Orchestrator) Promote(ctx context.Context, id string) (job.Job, error) {
	r, err := o.send(ctx, command{kind: cmdPromote, jobID: id})
	return r.job, err
}

// OverrideFilters swaps a job's condition overrides. They take effect at
// the next search cycle; a deferred job is kicked to retry immediately.
func (o *Orchestrator) OverrideFilters(ctx context.Context, id string, ov *conditions.Overrides) (job.Job, error) {
	r, err := o.send(ctx, command{kind: cmdOverride, jobID: id, overrides: ov})
	return r.job, err
}

// Remove drops a finished or failed job from the table and the store.
func (o *Orchestrator) Remove(ctx context.Context, id string) error {
	_, err := o.send(ctx, command{kind: cmdRemove, jobID: id})
	return err
}

// Get returns a snapshot of one job.
func (o *Orchestrator) Get(ctx context.Context, id string) (job.Job, error) {
	r, err := o.send(ctx, command{kind: cmdGet, jobID: id})
	return r.job, err
}

// List returns snapshots of every known job, oldest first.
func (o *Orchestrator) List(ctx context.Context) ([]job.Job, error) {
	r, err := o.send(ctx, command{kind: cmdList})
	return r.jobs, err
}

// Subscribe returns a channel of job snapshots emitted on every change,
// plus a stop function. Slow consumers miss updates rather than stall the
// loop.
func (o *Orchestrator) Subscribe(ctx context.Context) (<-chan job.Job, func(), error) {
	r, err := o.send(ctx, command{kind: cmdSubscribe})
	if err != nil {
		return nil, nil, err
	}
	id := r.listenID
	stop := func() {
		_, _ = o.send(context.Background(), command{kind: cmdUnsubscribe, listenID: id})
	}
	return r.events, stop, nil
}

func (o *Orchestrator) handle(ctx context.Context, c command) {
	switch c.kind {
	case cmdEnqueue:
		c.reply <- o.doEnqueue(ctx, c.req)
	case cmdPause:
		c.reply <- o.doPause(ctx, c.jobID)
	case cmdResume:
		c.reply <- o.doResume(ctx, c.jobID)
	case cmdCancel:
		c.reply <- o.doCancel(ctx, c.jobID)
	case cmdHardRetry:
		c.reply <- o.doHardRetry(ctx, c.jobID)
	case cmdPromote:
		c.reply <- o.doPromote(ctx, c.jobID)
	case cmdOverride:
		c.reply <- o.doOverride(ctx, c.jobID, c.overrides)
	case cmdRemove:
		c.reply <- o.doRemove(ctx, c.jobID)
	case cmdGet:
		if j, ok := o.jobs[c.jobID]; ok {
			c.reply <- reply{job: j.Snapshot()}
		} else {
			c.reply <- reply{err: fmt.Errorf("%w: %s", job.ErrNotFound, c.jobID)}
		}
	case cmdList:
		c.reply <- reply{jobs: o.listSnapshots()}
	case cmdSubscribe:
		ch := make(chan job.Job, 64)
		id := o.nextListen
		o.nextListen++
		o.listeners[id] = ch
		c.reply <- reply{events: ch, listenID: id}
	case cmdUnsubscribe:
		if ch, ok := o.listeners[c.listenID]; ok {
			delete(o.listeners, c.listenID)
			close(ch)
		}
		c.reply <- reply{}
	}
}

func (o *Orchestrator) doEnqueue(ctx context.Context, req domain.RequestSpec) reply {
	id := job.DeriveID(req)
	if existing, ok := o.jobs[id]; ok {
		if !job.IsTerminal(existing.State) && existing.State != job.StateFailed {
			return reply{job: existing.Snapshot()}
		}
		delete(o.ranked, id)
	}
	j, err := job.New(req, o.opts.MaxAttempts)
	if err != nil {
		return reply{err: err}
	}
	o.jobs[j.ID] = j
	o.persist(ctx, j)
	o.broadcast(j)
	slog.Info("Job enqueued", "jobId", j.ID, "query", req.Query())
	return reply{job: j.Snapshot()}
}

func (o *Orchestrator) doPause(ctx context.Context, id string) reply {
	j, ok := o.jobs[id]
	if !ok {
		return reply{err: fmt.Errorf("%w: %s", job.ErrNotFound, id)}
	}
	if !job.CanTransition(j.State, job.StatePaused) {
		return reply{err: fmt.Errorf("%w: %s -> %s", job.ErrInvalidTransition, j.State, job.StatePaused)}
	}
	o.cancelTask(id)
	if err := j.Transition(job.StatePaused); err != nil {
		return reply{err: err}
	}
	o.persist(ctx, j)
	o.broadcast(j)
	slog.Info("Job paused", "jobId", id)
	return reply{job: j.Snapshot()}
}

func (o *Orchestrator) doResume(ctx context.Context, id string) reply {
	j, ok := o.jobs[id]
	if !ok {
		return reply{err: fmt.Errorf("%w: %s", job.ErrNotFound, id)}
	}
	if err := j.Transition(job.StateQueued); err != nil {
		return reply{err: err}
	}
	o.persist(ctx, j)
	o.broadcast(j)
	slog.Info("Job resumed", "jobId", id)
	return reply{job: j.Snapshot()}
}

func (o *Orchestrator) doCancel(ctx context.Context, id string) reply {
	j, ok := o.jobs[id]
	if !ok {
		return reply{err: fmt.Errorf("%w: %s", job.ErrNotFound, id)}
	}
	if !job.CanTransition(j.State, job.StateCancelled) {
		return reply{err: fmt.Errorf("%w: %s -> %s", job.ErrInvalidTransition, j.State, job.StateCancelled)}
	}
	o.cancelTask(id)
	delete(o.ranked, id)
	if err := j.Transition(job.StateCancelled); err != nil {
		return reply{err: err}
	}
	o.persist(ctx, j)
	o.broadcast(j)
	slog.Info("Job cancelled", "jobId", id)
	return reply{job: j.Snapshot()}
}

func (o *Orchestrator) doHardRetry(ctx context.Context, id string) reply {
	j, ok := o.jobs[id]
	if !ok {
		return reply{err: fmt.Errorf("%w: %s", job.ErrNotFound, id)}
	}
	if j.State != job.StateFailed {
		return reply{err: fmt.Errorf("%w: hard retry needs a failed job, got %s", job.ErrInvalidTransition, j.State)}
	}
	j.Attempts = 0
	j.Error = ""
	j.NextRetryAt = time.Time{}
	o.startSearch(ctx, j)
	slog.Info("Job reopened for retry", "jobId", id)
	return reply{job: j.Snapshot()}
}

func (o *Orchestrator) doPromote(ctx context.Context, id string) reply {
	j, ok := o.jobs[id]
	if !ok {
		return reply{err: fmt.Errorf("%w: %s", job.ErrNotFound, id)}
	}
	if job.IsTerminal(j.State) {
		return reply{err: fmt.Errorf("%w: %s", job.ErrTerminal, j.State)}
	}
	j.Promote()
	o.persist(ctx, j)
	o.broadcast(j)
	slog.Info("Job promoted to express", "jobId", id)
	return reply{job: j.Snapshot()}
}

func (o *Orchestrator) doOverride(ctx context.Context, id string, ov *conditions.Overrides) reply {
	j, ok := o.jobs[id]
	if !ok {
		return reply{err: fmt.Errorf("%w: %s", job.ErrNotFound, id)}
	}
	if job.IsTerminal(j.State) {
		return reply{err: fmt.Errorf("%w: %s", job.ErrTerminal, j.State)}
	}
	// Reject bad specs now rather than at the next search cycle.
	if _, err := o.evaluator.Apply(ov); err != nil {
		return reply{err: err}
	}
	j.Overrides = ov
	if j.State == job.StateDeferred {
		j.NextRetryAt = time.Now().UTC()
	}
	o.persist(ctx, j)
	o.broadcast(j)
	slog.Info("Job filter overrides updated", "jobId", id)
	return reply{job: j.Snapshot()}
}

func (o *Orchestrator) doRemove(ctx context.Context, id string) reply {
	j, ok := o.jobs[id]
	if !ok {
		return reply{err: fmt.Errorf("%w: %s", job.ErrNotFound, id)}
	}
	if !job.IsTerminal(j.State) && j.State != job.StateFailed {
		return reply{err: fmt.Errorf("%w: %s is %s", ErrJobActive, id, j.State)}
	}
	if err := o.deps.Store.DeleteJob(ctx, id); err != nil {
		return reply{err: fmt.Errorf("deleting job from store: %w", err)}
	}
	delete(o.jobs, id)
	delete(o.ranked, id)
	slog.Info("Job removed", "jobId", id)
	return reply{}
}

func (o *Orchestrator) listSnapshots() []job.Job {
	out := make([]job.Job, 0, len(o.jobs))
	for _, j := range o.jobs {
		out = append(out, j.Snapshot())
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.Before(out[k].CreatedAt)
		}
		return out[i].ID < out[k].ID
	})
	return out
}
