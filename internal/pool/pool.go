// Package pool serves candidates from mounted share directories. Each
// share behaves like a peer: it advertises copies, has a bounded number of
// upload slots, and can drop files between search and fetch.
package pool

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/cratepull/cratepull/internal/audio"
	"github.com/cratepull/cratepull/internal/domain"
	"github.com/cratepull/cratepull/internal/download"
)

// Options tune scanning and transfer behavior. Zero values fall back to
// defaults.
type Options struct {
	ProbeConcurrency int
	MaxResults       int
	SlotsPerSource   int
}

func (o *Options) setDefaults() {
	if o.ProbeConcurrency <= 0 {
		o.ProbeConcurrency = 4
	}
	if o.MaxResults <= 0 {
		o.MaxResults = 200
	}
	if o.SlotsPerSource <= 0 {
		o.SlotsPerSource = 2
	}
}

// Pool finds and serves files from named share roots.
type Pool struct {
	opts   Options
	shares map[string]string

	mu     sync.Mutex
	active map[string]int
}

func New(shares map[string]string, opts Options) (*Pool, error) {
	if len(shares) == 0 {
		return nil, fmt.Errorf("pool needs at least one share")
	}
	opts.setDefaults()
	roots := make(map[string]string, len(shares))
	for source, root := range shares {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("resolving share %s: %w", source, err)
		}
		roots[source] = abs
	}
	return &Pool{
		opts:   opts,
		shares: roots,
		active: make(map[string]int),
	}, nil
}

type hit struct {
	source string
	root   string
	rel    string
	size   int64
}

// Search walks every share for audio files matching the request terms,
// then probes the hits concurrently to fill in declared properties. A file
// that will not decode still becomes a candidate; its properties just stay
// unknown and the ranking treats it accordingly.
func (p *Pool) Search(ctx context.Context, req domain.RequestSpec) ([]domain.Candidate, error) {
	terms := searchTerms(req)

	var hits []hit
	for source, root := range p.shares {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				slog.Warn("Skipping unreadable pool entry", "share", source, "path", path, "error", walkErr)
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			if !audio.IsKnownFormat(filepath.Ext(d.Name())) {
				return nil
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return nil
			}
			if !pathMatches(rel, terms) {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			hits = append(hits, hit{source: source, root: root, rel: rel, size: info.Size()})
			if len(hits) >= p.opts.MaxResults {
				return fs.SkipAll
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning share %s: %w", source, err)
		}
		if len(hits) >= p.opts.MaxResults {
			break
		}
	}

	cands := make([]domain.Candidate, len(hits))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.ProbeConcurrency)
	for i, h := range hits {
		i, h := i, h
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			cand := domain.Candidate{
				Source:    h.source,
				Path:      filepath.ToSlash(h.rel),
				SizeBytes: h.size,
			}
			if dur, kbps, rate, err := audio.Probe(filepath.Join(h.root, h.rel)); err == nil {
				cand.DurationSec = dur
				cand.BitrateKbps = kbps
				cand.SampleRateHz = rate
			} else {
				slog.Debug("Probe failed, leaving properties undeclared", "share", h.source, "path", h.rel, "error", err)
			}
			cand.HasFreeSlot, cand.QueueDepth = p.slotState(h.source)
			cands[i] = cand
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	slog.Debug("Pool search finished", "query", req.Query(), "hits", len(cands))
	return cands, nil
}

// Fetch copies a candidate's bytes from its share into dest. The per-source
// slot budget applies; a share whose slots are all taken reports busy
// rather than queueing.
func (p *Pool) Fetch(ctx context.Context, cand domain.Candidate, dest string, progress func(done, total int64)) error {
	root, ok := p.shares[cand.Source]
	if !ok {
		return fmt.Errorf("unknown source %q", cand.Source)
	}
	release, err := p.takeSlot(cand.Source)
	if err != nil {
		return err
	}
	defer release()

	src := filepath.Join(root, filepath.FromSlash(cand.Path))
	in, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("candidate no longer available on %s: %s", cand.Source, cand.Path)
		}
		return fmt.Errorf("opening %s: %w", cand.Path, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("inspecting %s: %w", cand.Path, err)
	}
	total := info.Size()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dest, err)
	}
	defer out.Close()

	buf := make([]byte, 128*1024)
	var done int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := in.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return fmt.Errorf("writing %s: %w", dest, werr)
			}
			done += int64(n)
			if progress != nil {
				progress(done, total)
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("reading %s: %w", cand.Path, rerr)
		}
	}
}

func (p *Pool) takeSlot(source string) (func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active[source] >= p.opts.SlotsPerSource {
		return nil, fmt.Errorf("%w: %s has no free upload slot", download.ErrSourceBusy, source)
	}
	p.active[source]++
	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.active[source]--
		})
	}, nil
}

func (p *Pool) slotState(source string) (free bool, queueDepth int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	active := p.active[source]
	if active < p.opts.SlotsPerSource {
		return true, 0
	}
	return false, active - p.opts.SlotsPerSource + 1
}

// searchTerms extracts the request tokens worth matching paths against.
func searchTerms(req domain.RequestSpec) []string {
	var terms []string
	for _, field := range []string{req.Artist, req.Title, req.Album} {
		for _, tok := range strings.Fields(strings.ToLower(field)) {
			tok = strings.Trim(tok, "()[]-_.,'\"")
			if len(tok) >= 3 {
				terms = append(terms, tok)
			}
		}
	}
	return terms
}

// pathMatches is the recall filter: one term anywhere in the path keeps the
// file in play. Precision is the ranking engine's job.
func pathMatches(rel string, terms []string) bool {
	if len(terms) == 0 {
		return true
	}
	lower := strings.ToLower(filepath.ToSlash(rel))
	for _, term := range terms {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}
