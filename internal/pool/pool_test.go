package pool

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cratepull/cratepull/internal/domain"
	"github.com/cratepull/cratepull/internal/download"
)

func seedShare(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return root
}

func TestSearchFindsMatchingAudioOnly(t *testing.T) {
	alice := seedShare(t, map[string]string{
		"techno/Robert Hood - Minus.mp3": "aaa",
		"techno/Robert Hood - Minus.txt": "notes, wrong extension",
		"ambient/Eno - Thursday.flac":    "bbb",
	})
	bob := seedShare(t, map[string]string{
		"rips/minus (robert hood).flac": "cccc",
	})
	p, err := New(map[string]string{"alice": alice, "bob": bob}, Options{})
	require.NoError(t, err)

	cands, err := p.Search(context.Background(), domain.RequestSpec{Artist: "Robert Hood", Title: "Minus"})
	require.NoError(t, err)
	require.Len(t, cands, 2)

	bySource := map[string]domain.Candidate{}
	for _, c := range cands {
		bySource[c.Source] = c
	}
	got, ok := bySource["alice"]
	require.True(t, ok)
	assert.Equal(t, "techno/Robert Hood - Minus.mp3", got.Path)
	assert.Equal(t, int64(3), got.SizeBytes)
	assert.True(t, got.HasFreeSlot)
	// Plain text bytes do not decode, so declared properties stay unknown.
	assert.Zero(t, got.BitrateKbps)

	_, ok = bySource["bob"]
	assert.True(t, ok, "matches in any share count")
}

func TestSearchCapsResults(t *testing.T) {
	files := map[string]string{}
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		files["minus-"+name+".mp3"] = "x"
	}
	root := seedShare(t, files)
	p, err := New(map[string]string{"alice": root}, Options{MaxResults: 2})
	require.NoError(t, err)

	cands, err := p.Search(context.Background(), domain.RequestSpec{Title: "Minus"})
	require.NoError(t, err)
	assert.Len(t, cands, 2)
}

func TestSearchSurvivesMissingShareRoot(t *testing.T) {
	alice := seedShare(t, map[string]string{"minus.mp3": "x"})
	p, err := New(map[string]string{
		"alice": alice,
		"ghost": filepath.Join(t.TempDir(), "unmounted"),
	}, Options{})
	require.NoError(t, err)

	cands, err := p.Search(context.Background(), domain.RequestSpec{Title: "Minus"})
	require.NoError(t, err)
	assert.Len(t, cands, 1)
}

func TestFetchCopiesBytesAndReportsProgress(t *testing.T) {
	content := "pretend these are audio frames"
	root := seedShare(t, map[string]string{"hood/minus.mp3": content})
	p, err := New(map[string]string{"alice": root}, Options{})
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "staged.mp3")
	var reports []int64
	var lastTotal int64
	err = p.Fetch(context.Background(), domain.Candidate{Source: "alice", Path: "hood/minus.mp3"}, dest,
		func(done, total int64) {
			reports = append(reports, done)
			lastTotal = total
		})
	require.NoError(t, err)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, string(data))

	require.NotEmpty(t, reports)
	assert.Equal(t, int64(len(content)), reports[len(reports)-1])
	assert.Equal(t, int64(len(content)), lastTotal)
}

func TestFetchSignalsCandidateGone(t *testing.T) {
	root := seedShare(t, map[string]string{"present.mp3": "x"})
	p, err := New(map[string]string{"alice": root}, Options{})
	require.NoError(t, err)

	err = p.Fetch(context.Background(), domain.Candidate{Source: "alice", Path: "vanished.mp3"},
		filepath.Join(t.TempDir(), "out.mp3"), nil)
	require.Error(t, err)
	// The orchestrator burns this copy and moves on instead of retrying it.
	assert.Equal(t, download.CategoryVerification, download.Classify(err))
}

func TestFetchRespectsSlotBudget(t *testing.T) {
	root := seedShare(t, map[string]string{"minus.mp3": "x"})
	p, err := New(map[string]string{"alice": root}, Options{SlotsPerSource: 1})
	require.NoError(t, err)

	release, err := p.takeSlot("alice")
	require.NoError(t, err)

	err = p.Fetch(context.Background(), domain.Candidate{Source: "alice", Path: "minus.mp3"},
		filepath.Join(t.TempDir(), "out.mp3"), nil)
	assert.ErrorIs(t, err, download.ErrSourceBusy)
	assert.Equal(t, download.CategoryTransient, download.Classify(err))

	release()
	err = p.Fetch(context.Background(), domain.Candidate{Source: "alice", Path: "minus.mp3"},
		filepath.Join(t.TempDir(), "out2.mp3"), nil)
	assert.NoError(t, err)
}

func TestSearchReportsSlotPressure(t *testing.T) {
	root := seedShare(t, map[string]string{"minus.mp3": "x"})
	p, err := New(map[string]string{"alice": root}, Options{SlotsPerSource: 1})
	require.NoError(t, err)

	release, err := p.takeSlot("alice")
	require.NoError(t, err)
	defer release()

	cands, err := p.Search(context.Background(), domain.RequestSpec{Title: "Minus"})
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.False(t, cands[0].HasFreeSlot)
	assert.Equal(t, 1, cands[0].QueueDepth)
}

func TestNewRequiresShares(t *testing.T) {
	_, err := New(nil, Options{})
	assert.Error(t, err)
}
