// Package storage owns the crash-safe commit path into the library. Every
// write goes through a journaled temp-and-swap protocol behind a per-path
// lock, so a crash at any point leaves the target either fully old or fully
// new.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/cratepull/cratepull/internal/journal"
)

// DefaultSwapRetryDelay is how long to wait before the single rename retry.
// Scanners and indexers holding the target briefly are the usual culprit.
const DefaultSwapRetryDelay = 250 * time.Millisecond

// Coordinator performs atomic writes under journal protection.
type Coordinator struct {
	journal        *journal.Journal
	locks          *pathLocks
	swapRetryDelay time.Duration
}

func NewCoordinator(j *journal.Journal) *Coordinator {
	return &Coordinator{
		journal:        j,
		locks:          newPathLocks(),
		swapRetryDelay: DefaultSwapRetryDelay,
	}
}

var siblingSeq atomic.Uint64

// siblingPaths derives the temp and backup names next to the target. Both
// live in the target's directory so every rename stays on one volume.
func siblingPaths(abs string) (tmp, backup string) {
	dir, base := filepath.Dir(abs), filepath.Base(abs)
	seq := siblingSeq.Add(1)
	stamp := time.Now().UnixNano()
	tmp = filepath.Join(dir, fmt.Sprintf(".%s.%d.%d.cp-tmp", base, stamp, seq))
	backup = filepath.Join(dir, fmt.Sprintf(".%s.%d.%d.cp-bak", base, stamp, seq))
	return tmp, backup
}

// WriteAtomic stages content with write, optionally verifies it, and swaps
// it into place at target. On any failure or cancellation the target keeps
// its previous content; the temp sibling never becomes visible unverified.
func (c *Coordinator) WriteAtomic(ctx context.Context, target string, write WriteFunc, verify VerifyFunc) error {
	abs, err := filepath.Abs(target)
	if err != nil {
		return fmt.Errorf("resolving target path: %w", err)
	}

	release, err := c.locks.Acquire(ctx, abs)
	if err != nil {
		return err
	}
	defer release()

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("creating target dir: %w", err)
	}

	chk := journal.Checkpoint{Op: journal.OpCreate, TargetPath: abs}
	if info, statErr := os.Stat(abs); statErr == nil {
		chk.Op = journal.OpReplace
		chk.HadTarget = true
		chk.TargetModTime = info.ModTime()
		chk.TargetSize = info.Size()
	} else if !os.IsNotExist(statErr) {
		return fmt.Errorf("inspecting target: %w", statErr)
	}
	chk.TempPath, chk.BackupPath = siblingPaths(abs)

	chk, err = c.journal.Begin(chk)
	if err != nil {
		return err
	}

	if err := c.stage(ctx, chk, write); err != nil {
		os.Remove(chk.TempPath)
		c.close(chk.ID, journal.OutcomeAborted)
		return err
	}
	if verify != nil {
		if err := verify(chk.TempPath); err != nil {
			os.Remove(chk.TempPath)
			c.close(chk.ID, journal.OutcomeAborted)
			return fmt.Errorf("%w: %w", ErrVerification, err)
		}
	}
	if err := c.swap(chk); err != nil {
		c.close(chk.ID, journal.OutcomeAborted)
		return err
	}
	c.close(chk.ID, journal.OutcomeCommitted)
	slog.Debug("Committed atomic write", "target", abs, "checkpoint", chk.ID)
	return nil
}

// stage runs the writer against the temp path and flushes the result to
// disk before anything irreversible happens.
func (c *Coordinator) stage(ctx context.Context, chk journal.Checkpoint, write WriteFunc) error {
	if err := write(ctx, chk.TempPath); err != nil {
		return fmt.Errorf("staging %s: %w", filepath.Base(chk.TargetPath), err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := os.OpenFile(chk.TempPath, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("reopening staged file: %w", err)
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return fmt.Errorf("flushing staged file: %w", err)
	}
	return nil
}

// swap promotes the staged file. The target is parked as a backup first, so
// both the old and the new bytes exist on disk until the rename lands.
func (c *Coordinator) swap(chk journal.Checkpoint) error {
	if chk.HadTarget {
		if err := os.Rename(chk.TargetPath, chk.BackupPath); err != nil {
			os.Remove(chk.TempPath)
			return fmt.Errorf("%w: parking original: %w", ErrSwap, err)
		}
	}

	if err := c.renameWithRetry(chk.TempPath, chk.TargetPath); err != nil {
		if chk.HadTarget {
			if rbErr := os.Rename(chk.BackupPath, chk.TargetPath); rbErr != nil {
				slog.Error("Could not restore original after failed swap; recovery will",
					"target", chk.TargetPath, "error", rbErr)
			}
		}
		os.Remove(chk.TempPath)
		return err
	}

	if chk.HadTarget {
		// The new file inherits the old mod time so sync and backup tools
		// keyed on timestamps do not treat the replace as fresh content.
		if err := os.Chtimes(chk.TargetPath, chk.TargetModTime, chk.TargetModTime); err != nil {
			slog.Warn("Could not restore target timestamps", "target", chk.TargetPath, "error", err)
		}
		if err := os.Remove(chk.BackupPath); err != nil && !os.IsNotExist(err) {
			slog.Warn("Could not remove backup", "backup", chk.BackupPath, "error", err)
		}
	}
	return nil
}

func (c *Coordinator) renameWithRetry(from, to string) error {
	err := os.Rename(from, to)
	if err == nil {
		return nil
	}
	slog.Warn("Rename failed, retrying once", "from", from, "to", to, "error", err)
	time.Sleep(c.swapRetryDelay)
	if err = os.Rename(from, to); err != nil {
		return fmt.Errorf("%w: promoting staged file: %w", ErrSwap, err)
	}
	return nil
}

func (c *Coordinator) close(id uint64, outcome journal.Outcome) {
	if err := c.journal.Done(id, outcome); err != nil {
		slog.Error("Could not close journal checkpoint", "checkpoint", id, "outcome", outcome, "error", err)
	}
}
