package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cratepull/cratepull/internal/journal"
)

// crashSite fabricates the on-disk and journal state left by a crash at one
// point of the write protocol, without the Done record a finished write
// would have appended.
type crashSite struct {
	coord  *Coordinator
	j      *journal.Journal
	dir    string
	target string
	tmp    string
	backup string
}

func newCrashSite(t *testing.T) *crashSite {
	t.Helper()
	j, err := journal.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	dir := t.TempDir()
	target := filepath.Join(dir, "track.flac")
	return &crashSite{
		coord:  NewCoordinator(j),
		j:      j,
		dir:    dir,
		target: target,
		tmp:    filepath.Join(dir, ".track.flac.1.1.cp-tmp"),
		backup: filepath.Join(dir, ".track.flac.1.1.cp-bak"),
	}
}

// seedOriginal creates the pre-existing target and returns its checkpoint
// with the recorded original state filled in, exactly as WriteAtomic would.
func (s *crashSite) seedOriginal(t *testing.T, content string) journal.Checkpoint {
	t.Helper()
	require.NoError(t, os.WriteFile(s.target, []byte(content), 0o644))
	oldTime := time.Now().Add(-24 * time.Hour).Truncate(time.Second)
	require.NoError(t, os.Chtimes(s.target, oldTime, oldTime))
	info, err := os.Stat(s.target)
	require.NoError(t, err)
	return journal.Checkpoint{
		Op:            journal.OpReplace,
		TargetPath:    s.target,
		TempPath:      s.tmp,
		BackupPath:    s.backup,
		HadTarget:     true,
		TargetModTime: info.ModTime(),
		TargetSize:    info.Size(),
	}
}

func (s *crashSite) begin(t *testing.T, chk journal.Checkpoint) journal.Checkpoint {
	t.Helper()
	begun, err := s.j.Begin(chk)
	require.NoError(t, err)
	return begun
}

func (s *crashSite) recoverAndCheck(t *testing.T, wantAction string) RecoveryAction {
	t.Helper()
	report, err := s.coord.Recover()
	require.NoError(t, err)
	require.Len(t, report.Actions, 1)
	assert.Equal(t, wantAction, report.Actions[0].Action)

	scan, err := s.j.Scan()
	require.NoError(t, err)
	assert.Empty(t, scan.Incomplete, "recovery must resolve the checkpoint")
	return report.Actions[0]
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestRecoverCrashAfterCheckpointOnly(t *testing.T) {
	s := newCrashSite(t)
	s.begin(t, s.seedOriginal(t, "original"))

	s.recoverAndCheck(t, ActionTargetIntact)
	assert.Equal(t, "original", readFile(t, s.target))
}

func TestRecoverCrashMidStage(t *testing.T) {
	s := newCrashSite(t)
	chk := s.seedOriginal(t, "original")
	s.begin(t, chk)
	require.NoError(t, os.WriteFile(s.tmp, []byte("par"), 0o644))

	action := s.recoverAndCheck(t, ActionTargetIntact)
	assert.True(t, action.RemovedTemp)
	assert.Equal(t, "original", readFile(t, s.target))
	assert.NoFileExists(t, s.tmp)
}

func TestRecoverCrashAfterParkingOriginal(t *testing.T) {
	s := newCrashSite(t)
	chk := s.seedOriginal(t, "original")
	s.begin(t, chk)
	require.NoError(t, os.WriteFile(s.tmp, []byte("staged"), 0o644))
	// The original was renamed away; the promote never happened.
	require.NoError(t, os.Rename(s.target, s.backup))

	s.recoverAndCheck(t, ActionRestoredBackup)
	assert.Equal(t, "original", readFile(t, s.target))
	assert.NoFileExists(t, s.backup)
	assert.NoFileExists(t, s.tmp)
}

func TestRecoverCrashAfterPromoteBeforeBackupCleanup(t *testing.T) {
	s := newCrashSite(t)
	chk := s.seedOriginal(t, "original")
	s.begin(t, chk)
	// Swap happened: original parked, staged file promoted. The journal
	// never saw the commit, so the original must win.
	require.NoError(t, os.Rename(s.target, s.backup))
	require.NoError(t, os.WriteFile(s.target, []byte("unjournaled new"), 0o644))

	s.recoverAndCheck(t, ActionRestoredBackup)
	assert.Equal(t, "original", readFile(t, s.target))
	assert.NoFileExists(t, s.backup)
}

func TestRecoverCrashAfterFullSwapKeepsNewContent(t *testing.T) {
	s := newCrashSite(t)
	chk := s.seedOriginal(t, "precious original")
	begun := s.begin(t, chk)
	// Everything finished, including timestamp restore and backup removal;
	// only the closing journal record was lost. Nothing is left to roll
	// back to, so the new content stays.
	require.NoError(t, os.Remove(s.target))
	require.NoError(t, os.WriteFile(s.target, []byte("new"), 0o644))
	require.NoError(t, os.Chtimes(s.target, begun.TargetModTime, begun.TargetModTime))

	s.recoverAndCheck(t, ActionKeptCommitted)
	assert.Equal(t, "new", readFile(t, s.target))
}

func TestRecoverCreateCrashRemovesUnjournaledFile(t *testing.T) {
	s := newCrashSite(t)
	chk := journal.Checkpoint{
		Op:         journal.OpCreate,
		TargetPath: s.target,
		TempPath:   s.tmp,
		BackupPath: s.backup,
	}
	s.begin(t, chk)
	require.NoError(t, os.WriteFile(s.target, []byte("promoted but unjournaled"), 0o644))

	s.recoverAndCheck(t, ActionRemovedOrphan)
	assert.NoFileExists(t, s.target)
}

func TestRecoverIgnoresCompletedCheckpoints(t *testing.T) {
	s := newCrashSite(t)
	chk := s.begin(t, s.seedOriginal(t, "original"))
	require.NoError(t, s.j.Done(chk.ID, journal.OutcomeCommitted))

	report, err := s.coord.Recover()
	require.NoError(t, err)
	assert.Zero(t, report.Incomplete)
	assert.Empty(t, report.Actions)
	assert.Equal(t, "original", readFile(t, s.target))
}

// End to end: run a real write, lose the Done record by replaying the begin
// into a fresh journal, and confirm recovery prefers the original.
func TestRecoverAfterInterruptedReplaceEndToEnd(t *testing.T) {
	s := newCrashSite(t)
	chk := s.seedOriginal(t, "original")
	s.begin(t, chk)
	require.NoError(t, os.WriteFile(s.tmp, []byte("downloaded"), 0o644))
	require.NoError(t, os.Rename(s.target, s.backup))
	require.NoError(t, os.Rename(s.tmp, s.target))

	s.recoverAndCheck(t, ActionRestoredBackup)
	assert.Equal(t, "original", readFile(t, s.target))

	// A second pass finds nothing left to do.
	report, err := s.coord.Recover()
	require.NoError(t, err)
	assert.Zero(t, report.Incomplete)
}
