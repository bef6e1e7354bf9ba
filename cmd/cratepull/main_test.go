package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cratepull/cratepull/internal/job"
)

func TestRunDispatch(t *testing.T) {
	assert.Equal(t, ExitInvalidArgs, run(nil))
	assert.Equal(t, ExitInvalidArgs, run([]string{"frobnicate"}))
	assert.Equal(t, ExitSuccess, run([]string{"help"}))
}

// writeTestConfig lays out a share, a library root and a config file under
// a temp dir.
func writeTestConfig(t *testing.T) (configPath, shareDir, libraryDir string) {
	t.Helper()
	root := t.TempDir()
	shareDir = filepath.Join(root, "share")
	libraryDir = filepath.Join(root, "library")
	require.NoError(t, os.MkdirAll(shareDir, 0o755))

	configPath = filepath.Join(root, "config.yaml")
	content := fmt.Sprintf(`
log_level: 8
library:
  dir: %s
  staging_dir: %s
  state_dir: %s
pool:
  shares:
    seed: %s
download:
  max_concurrent: 2
  max_attempts: 2
  search_timeout: 5s
  fetch_timeout: 30s
  retry:
    backoff: 50ms
    max_backoff: 50ms
`, libraryDir, filepath.Join(root, "staging"), filepath.Join(root, "state"), shareDir)
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))
	return configPath, shareDir, libraryDir
}

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w
	defer func() { os.Stdout = old }()

	fn()

	require.NoError(t, w.Close())
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(out)
}

func TestRankListsSeededFiles(t *testing.T) {
	configPath, shareDir, _ := writeTestConfig(t)
	require.NoError(t, os.WriteFile(
		filepath.Join(shareDir, "Aphex Twin - Windowlicker.mp3"), []byte("stand-in"), 0o644))

	out := captureStdout(t, func() {
		code := runRank([]string{"-config", configPath, "-artist", "Aphex Twin", "-title", "Windowlicker"})
		assert.Equal(t, ExitSuccess, code)
	})
	assert.Contains(t, out, "Windowlicker")
	assert.Contains(t, out, "seed")

	code := runRank([]string{"-config", configPath, "-title", "Nothing Shared Here"})
	assert.Equal(t, ExitNoCandidates, code)
}

func TestRankRejectsRequestWithoutTitleOrAlbum(t *testing.T) {
	configPath, _, _ := writeTestConfig(t)

	code := runRank([]string{"-config", configPath, "-artist", "Someone"})
	assert.Equal(t, ExitInvalidArgs, code)
}

// encodeSine writes a short constant-tone MP3 so the pipeline has a real
// decodable file to verify and commit.
func encodeSine(t *testing.T, path string) {
	t.Helper()
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not installed")
	}
	cmd := exec.Command("ffmpeg",
		"-f", "lavfi", "-i", "sine=frequency=440:duration=2",
		"-b:a", "192k", "-y", path)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "ffmpeg: %s", out)
}

func TestFetchCommitsIntoLibrary(t *testing.T) {
	configPath, shareDir, libraryDir := writeTestConfig(t)
	encodeSine(t, filepath.Join(shareDir, "Orbital - Halcyon.mp3"))

	code := runFetch([]string{
		"-config", configPath,
		"-artist", "Orbital", "-title", "Halcyon",
		"-no-progress",
	})
	require.Equal(t, ExitSuccess, code)

	committed := filepath.Join(libraryDir, "Orbital", "Orbital - Halcyon.mp3")
	info, err := os.Stat(committed)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))

	// The job survives the process and reports completed.
	out := captureStdout(t, func() {
		code := runJobs([]string{"-config", configPath, "-json"})
		assert.Equal(t, ExitSuccess, code)
	})
	var jobs []job.Job
	require.NoError(t, json.Unmarshal([]byte(out), &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, job.StateCompleted, jobs[0].State)
	assert.Equal(t, "Halcyon", jobs[0].Request.Title)

	// A recovery pass over the now-quiet state dir finds nothing to do.
	out = captureStdout(t, func() {
		code := runRecover([]string{"-config", configPath})
		assert.Equal(t, ExitSuccess, code)
	})
	assert.Contains(t, out, "0 incomplete")
}

func TestFetchReportsNoCandidates(t *testing.T) {
	configPath, shareDir, _ := writeTestConfig(t)
	require.NoError(t, os.WriteFile(
		filepath.Join(shareDir, "unrelated.txt"), []byte("not audio"), 0o644))

	code := runFetch([]string{
		"-config", configPath,
		"-title", "Ghost Track",
		"-no-progress",
	})
	assert.Equal(t, ExitNoCandidates, code)
}
