// Package journal provides the durable intent log for risky filesystem
// mutations. A checkpoint is appended and fsynced before any bytes move, and
// closed after the mutation finishes, so recovery can always tell a
// completed write from an interrupted one.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const journalFilename = "journal.jsonl"

// Outcome closes a checkpoint: the mutation landed, or it was backed out.
type Outcome string

const (
	OutcomeCommitted Outcome = "committed"
	OutcomeAborted   Outcome = "aborted"
)

// Op names the kind of mutation a checkpoint protects.
const (
	OpCreate  = "create"
	OpReplace = "replace"
)

// Checkpoint records everything recovery needs to restore the original
// state of a target: where the temp and backup siblings live and what the
// target looked like before the write.
type Checkpoint struct {
	ID            uint64    `json:"id"`
	Op            string    `json:"op"`
	TargetPath    string    `json:"target_path"`
	TempPath      string    `json:"temp_path"`
	BackupPath    string    `json:"backup_path,omitempty"`
	HadTarget     bool      `json:"had_target"`
	TargetModTime time.Time `json:"target_mod_time,omitempty"`
	TargetSize    int64     `json:"target_size,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type record struct {
	Rec        string      `json:"rec"`
	Checkpoint *Checkpoint `json:"checkpoint,omitempty"`
	ID         uint64      `json:"id,omitempty"`
	Outcome    Outcome     `json:"outcome,omitempty"`
	At         time.Time   `json:"at"`
}

const (
	recBegin = "begin"
	recDone  = "done"
	recSeq   = "seq"
)

// Journal is an append-only JSONL intent log. IDs increase monotonically
// across restarts.
type Journal struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	nextID uint64
}

// Open loads or creates the journal under dir and seeds the next checkpoint
// ID above anything the log has ever issued.
func Open(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating journal dir: %w", err)
	}
	path := filepath.Join(dir, journalFilename)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	j := &Journal{path: path, file: f, nextID: 1}
	scan, err := j.Scan()
	if err != nil {
		f.Close()
		return nil, err
	}
	j.nextID = scan.LastID + 1
	return j, nil
}

// Begin assigns an ID, appends the checkpoint, and fsyncs before returning.
// Callers must not touch the filesystem until Begin has returned; the append
// reaching disk first is the whole crash-safety argument.
func (j *Journal) Begin(chk Checkpoint) (Checkpoint, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	chk.ID = j.nextID
	chk.CreatedAt = time.Now().UTC()
	if err := j.append(record{Rec: recBegin, Checkpoint: &chk, At: chk.CreatedAt}); err != nil {
		return Checkpoint{}, fmt.Errorf("journaling checkpoint for %s: %w", chk.TargetPath, err)
	}
	j.nextID++
	return chk, nil
}

// Done closes a checkpoint with its outcome and fsyncs.
func (j *Journal) Done(id uint64, outcome Outcome) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.append(record{Rec: recDone, ID: id, Outcome: outcome, At: time.Now().UTC()}); err != nil {
		return fmt.Errorf("closing checkpoint %d: %w", id, err)
	}
	return nil
}

func (j *Journal) append(r record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if _, err := j.file.Write(append(data, '\n')); err != nil {
		return err
	}
	return j.file.Sync()
}

// ScanResult summarizes the log: checkpoints that were begun but never
// closed, the highest ID ever issued, and how many lines would not parse.
type ScanResult struct {
	Incomplete   []Checkpoint
	LastID       uint64
	CorruptLines int
}

// Scan reads the log from disk. Each line is an independent record; a line
// that fails to parse is counted and skipped, never trusted. Begin fsyncs
// before any mutation starts, so a torn trailing line can only belong to a
// write that never touched the target.
func (j *Journal) Scan() (*ScanResult, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return scanFile(j.path)
}

func scanFile(path string) (*ScanResult, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ScanResult{}, nil
		}
		return nil, fmt.Errorf("reading journal: %w", err)
	}
	defer f.Close()

	res := &ScanResult{}
	open := make(map[uint64]Checkpoint)
	order := make([]uint64, 0)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var r record
		if err := json.Unmarshal(line, &r); err != nil {
			res.CorruptLines++
			continue
		}
		switch r.Rec {
		case recBegin:
			if r.Checkpoint == nil {
				res.CorruptLines++
				continue
			}
			open[r.Checkpoint.ID] = *r.Checkpoint
			order = append(order, r.Checkpoint.ID)
			if r.Checkpoint.ID > res.LastID {
				res.LastID = r.Checkpoint.ID
			}
		case recDone:
			delete(open, r.ID)
			if r.ID > res.LastID {
				res.LastID = r.ID
			}
		case recSeq:
			if r.ID > res.LastID {
				res.LastID = r.ID
			}
		default:
			res.CorruptLines++
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning journal: %w", err)
	}

	for _, id := range order {
		if chk, ok := open[id]; ok {
			res.Incomplete = append(res.Incomplete, chk)
		}
	}
	if res.CorruptLines > 0 {
		slog.Warn("Journal contains unreadable lines", "path", path, "count", res.CorruptLines)
	}
	return res, nil
}

// Compact rewrites the log keeping only unresolved checkpoints. The rewrite
// goes through a temp sibling and a rename so a crash mid-compaction leaves
// the old log intact.
func (j *Journal) Compact() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	scan, err := scanFile(j.path)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(j.path), ".journal-*.tmp")
	if err != nil {
		return fmt.Errorf("compacting journal: %w", err)
	}
	tmpPath := tmp.Name()

	// A seq record pins the high-water ID so compaction can never cause
	// ID reuse after a restart.
	seq, err := json.Marshal(record{Rec: recSeq, ID: scan.LastID, At: time.Now().UTC()})
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if _, err := tmp.Write(append(seq, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("compacting journal: %w", err)
	}
	for _, chk := range scan.Incomplete {
		c := chk
		data, err := json.Marshal(record{Rec: recBegin, Checkpoint: &c, At: c.CreatedAt})
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
		if _, err := tmp.Write(append(data, '\n')); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("compacting journal: %w", err)
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("compacting journal: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("compacting journal: %w", err)
	}

	if err := j.file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("compacting journal: %w", err)
	}
	if err := os.Rename(tmpPath, j.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("compacting journal: %w", err)
	}
	f, err := os.OpenFile(j.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("reopening journal: %w", err)
	}
	j.file = f
	slog.Debug("Journal compacted", "path", j.path, "kept", len(scan.Incomplete))
	return nil
}

// Close releases the log file handle.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}
