package storage

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/cratepull/cratepull/internal/journal"
)

// Recovery actions, worst finding first.
const (
	ActionRestoredBackup = "restored_backup"
	ActionRemovedOrphan  = "removed_orphan_target"
	ActionKeptCommitted  = "kept_committed"
	ActionTargetIntact   = "target_intact"
	ActionTargetMissing  = "target_missing"
)

// RecoveryAction is what recovery did about one incomplete checkpoint.
type RecoveryAction struct {
	CheckpointID uint64 `json:"checkpoint_id"`
	TargetPath   string `json:"target_path"`
	Action       string `json:"action"`
	RemovedTemp  bool   `json:"removed_temp,omitempty"`
	Err          string `json:"error,omitempty"`
}

// RecoveryReport summarizes a recovery pass.
type RecoveryReport struct {
	Incomplete   int              `json:"incomplete"`
	CorruptLines int              `json:"corrupt_lines"`
	Actions      []RecoveryAction `json:"actions,omitempty"`
}

// Recover restores the recorded original state for every checkpoint that
// was begun but never closed. It must run before the coordinator accepts
// writes. An incomplete checkpoint is never treated as a completed write:
// staged files are discarded and half-finished swaps are rolled back.
func (c *Coordinator) Recover() (*RecoveryReport, error) {
	scan, err := c.journal.Scan()
	if err != nil {
		return nil, fmt.Errorf("scanning journal for recovery: %w", err)
	}

	report := &RecoveryReport{
		Incomplete:   len(scan.Incomplete),
		CorruptLines: scan.CorruptLines,
	}
	for _, chk := range scan.Incomplete {
		action := c.resolve(chk)
		report.Actions = append(report.Actions, action)
		if action.Err != "" {
			// Leave the checkpoint open so the next pass retries.
			slog.Error("Recovery action failed, keeping checkpoint open",
				"checkpoint", chk.ID, "target", chk.TargetPath, "error", action.Err)
			continue
		}
		c.close(chk.ID, journal.OutcomeAborted)
	}

	if err := c.journal.Compact(); err != nil {
		return report, fmt.Errorf("compacting journal after recovery: %w", err)
	}
	if report.Incomplete > 0 {
		slog.Info("Recovery pass finished", "incomplete", report.Incomplete, "corruptLines", report.CorruptLines)
	}
	return report, nil
}

func (c *Coordinator) resolve(chk journal.Checkpoint) RecoveryAction {
	action := RecoveryAction{CheckpointID: chk.ID, TargetPath: chk.TargetPath}

	if err := os.Remove(chk.TempPath); err == nil {
		action.RemovedTemp = true
	} else if !os.IsNotExist(err) {
		action.Err = fmt.Sprintf("removing staged file: %v", err)
		return action
	}

	backupExists := chk.BackupPath != "" && fileExists(chk.BackupPath)
	targetExists := fileExists(chk.TargetPath)

	switch {
	case chk.HadTarget && backupExists:
		// The swap was interrupted. Whatever sits at the target now is the
		// unjournaled new file or nothing; the parked original wins.
		if targetExists {
			if err := os.Remove(chk.TargetPath); err != nil {
				action.Err = fmt.Sprintf("clearing half-promoted target: %v", err)
				return action
			}
		}
		if err := os.Rename(chk.BackupPath, chk.TargetPath); err != nil {
			action.Err = fmt.Sprintf("restoring backup: %v", err)
			return action
		}
		if err := os.Chtimes(chk.TargetPath, chk.TargetModTime, chk.TargetModTime); err != nil {
			slog.Warn("Could not restore timestamps on recovered target",
				"target", chk.TargetPath, "error", err)
		}
		action.Action = ActionRestoredBackup

	case chk.HadTarget && !backupExists:
		if !targetExists {
			// Original gone, backup gone: the one state recovery cannot
			// repair. Surface it loudly.
			action.Action = ActionTargetMissing
			slog.Error("Recovered checkpoint found neither target nor backup",
				"checkpoint", chk.ID, "target", chk.TargetPath)
			break
		}
		if matchesRecordedState(chk) {
			// The crash hit before the swap started; the original was
			// never touched.
			action.Action = ActionTargetIntact
			break
		}
		// The swap finished and the backup was already deleted; only the
		// journal close was lost. The new content stays, and the caller
		// re-runs the job against a committed file.
		action.Action = ActionKeptCommitted
		slog.Warn("Checkpoint interrupted after swap completed; keeping new content",
			"checkpoint", chk.ID, "target", chk.TargetPath)

	default: // no prior target
		if targetExists {
			// An unjournaled write is not a completed write.
			if err := os.Remove(chk.TargetPath); err != nil {
				action.Err = fmt.Sprintf("removing unjournaled target: %v", err)
				return action
			}
			action.Action = ActionRemovedOrphan
		} else {
			action.Action = ActionTargetIntact
		}
	}
	return action
}

// matchesRecordedState compares the target against the size and mod time
// captured in the checkpoint.
func matchesRecordedState(chk journal.Checkpoint) bool {
	info, err := os.Stat(chk.TargetPath)
	if err != nil {
		return false
	}
	return info.Size() == chk.TargetSize && info.ModTime().Equal(chk.TargetModTime)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
