package download

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cratepull/cratepull/internal/domain"
	"github.com/cratepull/cratepull/internal/job"
	"github.com/cratepull/cratepull/internal/storage"
)

type resKind int

const (
	resSearchDone resKind = iota
	resFetchDone
	resProgress
)

type result struct {
	kind   resKind
	jobID  string
	token  uint64
	ranked []domain.Candidate
	cand   domain.Candidate
	target string
	done   int64
	total  int64
	err    error
}

// report delivers a worker result to the loop. Progress updates are lossy;
// terminal results always land.
func (o *Orchestrator) report(r result) {
	if r.kind == resProgress {
		select {
		case o.results <- r:
		default:
		}
		return
	}
	o.results <- r
}

// runSearch queries the source, filters and ranks what came back, and
// strips candidates this job already burned.
func (o *Orchestrator) runSearch(ctx context.Context, snap job.Job, token uint64) {
	defer o.wg.Done()

	sctx, cancel := context.WithTimeout(ctx, o.opts.SearchTimeout)
	defer cancel()

	found, err := o.deps.Source.Search(sctx, snap.Request)
	if err != nil {
		o.report(result{kind: resSearchDone, jobID: snap.ID, token: token, err: err})
		return
	}

	ev, err := o.evaluator.Apply(snap.Overrides)
	if err != nil {
		o.report(result{kind: resSearchDone, jobID: snap.ID, token: token,
			err: fmt.Errorf("applying filter overrides: %w", err)})
		return
	}
	ranked, rejections := ev.FilterAndRank(snap.Request, found)
	if len(rejections) > 0 {
		slog.Debug("Filtered candidates", "jobId", snap.ID, "rejected", len(rejections), "kept", len(ranked))
	}

	burned := make(map[string]bool, len(snap.Rejected))
	for _, ref := range snap.Rejected {
		burned[ref] = true
	}
	out := make([]domain.Candidate, 0, len(ranked))
	for _, s := range ranked {
		if !burned[s.Candidate.Ref()] {
			out = append(out, s.Candidate)
		}
	}
	o.report(result{kind: resSearchDone, jobID: snap.ID, token: token, ranked: out})
}

// runFetch pulls one candidate into staging, then hands the bytes to the
// atomic write coordinator. Tagging and mirroring happen after the commit
// and never fail the job.
func (o *Orchestrator) runFetch(ctx context.Context, snap job.Job, cand domain.Candidate, token uint64) {
	defer o.wg.Done()

	fctx, cancel := context.WithTimeout(ctx, o.opts.FetchTimeout)
	defer cancel()

	staging := o.stagingPath(snap.ID, cand)
	var lastBytes int64
	lastReport := time.Now()
	onProgress := func(done, total int64) {
		o.meter.AddBytes(done - lastBytes)
		lastBytes = done
		if time.Since(lastReport) >= 200*time.Millisecond {
			lastReport = time.Now()
			o.report(result{kind: resProgress, jobID: snap.ID, token: token, done: done, total: total})
		}
	}

	if err := o.deps.Transfer.Fetch(fctx, cand, staging, onProgress); err != nil {
		_ = os.Remove(staging)
		o.report(result{kind: resFetchDone, jobID: snap.ID, token: token, cand: cand, err: err})
		return
	}
	if info, err := os.Stat(staging); err == nil && info.Size() > lastBytes {
		o.meter.AddBytes(info.Size() - lastBytes)
	}

	target := o.targetPath(snap.Request, cand)
	var verify storage.VerifyFunc
	if o.deps.Verifier != nil {
		verify = func(path string) error { return o.deps.Verifier.Verify(path, cand) }
	}
	err := o.deps.Coord.WriteAtomic(fctx, target, copyFrom(staging), verify)
	_ = os.Remove(staging)
	if err != nil {
		o.report(result{kind: resFetchDone, jobID: snap.ID, token: token, cand: cand, err: err})
		return
	}

	if o.deps.Tagger != nil {
		if err := o.deps.Tagger.Write(fctx, target, snap.Request); err != nil {
			slog.Warn("Could not tag downloaded file", "jobId", snap.ID, "path", target, "error", err)
		}
	}
	if o.deps.Mirror != nil {
		name := mirrorName(o.opts.LibraryDir, target)
		if err := o.deps.Mirror.Upload(fctx, target, name); err != nil {
			slog.Warn("Mirror upload failed", "jobId", snap.ID, "object", name, "error", err)
		}
	}
	o.report(result{kind: resFetchDone, jobID: snap.ID, token: token, cand: cand, target: target})
}

// copyFrom streams a staged file into the coordinator's temp sibling,
// checking for cancellation between chunks.
func copyFrom(src string) storage.WriteFunc {
	return func(ctx context.Context, tmpPath string) error {
		in, err := os.Open(src)
		if err != nil {
			return fmt.Errorf("opening staged file: %w", err)
		}
		defer in.Close()
		out, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return fmt.Errorf("opening temp file: %w", err)
		}
		defer out.Close()

		buf := make([]byte, 256*1024)
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			n, rerr := in.Read(buf)
			if n > 0 {
				if _, werr := out.Write(buf[:n]); werr != nil {
					return fmt.Errorf("writing temp file: %w", werr)
				}
			}
			if rerr == io.EOF {
				return nil
			}
			if rerr != nil {
				return fmt.Errorf("reading staged file: %w", rerr)
			}
		}
	}
}

func (o *Orchestrator) stagingPath(jobID string, cand domain.Candidate) string {
	ext := cand.Ext()
	if ext == "" {
		ext = "part"
	}
	return filepath.Join(o.opts.StagingDir, fmt.Sprintf("%s-%d.%s", jobID, time.Now().UnixNano(), ext))
}

// targetPath decides where a finished download lives in the library.
// Track requests become Artist/Artist - Title.ext; album requests keep the
// remote filename under Artist/Album/.
func (o *Orchestrator) targetPath(req domain.RequestSpec, cand domain.Candidate) string {
	ext := cand.Ext()
	if ext == "" {
		ext = "bin"
	}
	artist := sanitizeFilename(req.Artist)
	if artist == "" {
		artist = "Unknown Artist"
	}
	if req.Title != "" {
		name := req.Title
		if req.Artist != "" {
			name = req.Artist + " - " + req.Title
		}
		return filepath.Join(o.opts.LibraryDir, artist, sanitizeFilename(name)+"."+ext)
	}
	file := sanitizeFilename(cand.Filename())
	if file == "" {
		file = "track." + ext
	}
	return filepath.Join(o.opts.LibraryDir, artist, sanitizeFilename(req.Album), file)
}

func mirrorName(libraryDir, target string) string {
	rel, err := filepath.Rel(libraryDir, target)
	if err != nil {
		rel = filepath.Base(target)
	}
	return filepath.ToSlash(rel)
}

func sanitizeFilename(name string) string {
	mapped := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		default:
			return r
		}
	}, name)
	return strings.Trim(strings.TrimSpace(mapped), ".")
}
