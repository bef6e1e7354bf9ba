package jobstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/memblob"

	"github.com/cratepull/cratepull/internal/conditions"
	"github.com/cratepull/cratepull/internal/domain"
	"github.com/cratepull/cratepull/internal/job"
)

func openTestStore(t *testing.T) (*Store, *blob.Bucket) {
	t.Helper()
	bucket, err := blob.OpenBucket(context.Background(), "mem://")
	require.NoError(t, err)
	t.Cleanup(func() { bucket.Close() })
	return New(bucket), bucket
}

func storedJob(t *testing.T, artist, title string) *job.Job {
	t.Helper()
	j, err := job.New(domain.RequestSpec{Artist: artist, Title: title}, 4)
	require.NoError(t, err)
	return j
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	first := storedJob(t, "Burial", "Archangel")
	first.Selected = &domain.Candidate{Source: "alice", Path: "music/archangel.flac", BitrateKbps: 900}
	first.Rejected = []string{"bob:music/archangel.mp3"}
	first.Overrides = &conditions.Overrides{DropRequired: []string{"format"}}
	require.NoError(t, first.Transition(job.StateSearching))

	second := storedJob(t, "Burial", "Ghost Hardware")

	require.NoError(t, store.SaveJob(ctx, first.Snapshot()))
	require.NoError(t, store.SaveJob(ctx, second.Snapshot()))

	loaded, err := store.LoadJobs(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	byID := map[string]job.Job{}
	for _, j := range loaded {
		byID[j.ID] = j
	}
	got, ok := byID[first.ID]
	require.True(t, ok)
	assert.Equal(t, job.StateSearching, got.State)
	require.NotNil(t, got.Selected)
	assert.Equal(t, "alice:music/archangel.flac", got.Selected.Ref())
	assert.Equal(t, []string{"bob:music/archangel.mp3"}, got.Rejected)
	require.NotNil(t, got.Overrides)
	assert.Equal(t, []string{"format"}, got.Overrides.DropRequired)
}

func TestSaveReplacesPreviousState(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	j := storedJob(t, "Burial", "Distant Lights")
	require.NoError(t, store.SaveJob(ctx, j.Snapshot()))
	require.NoError(t, j.Transition(job.StateSearching))
	require.NoError(t, j.Transition(job.StateFailed))
	j.Error = "no candidates matched"
	require.NoError(t, store.SaveJob(ctx, j.Snapshot()))

	loaded, err := store.LoadJobs(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, job.StateFailed, loaded[0].State)
	assert.Equal(t, "no candidates matched", loaded[0].Error)
}

func TestDeleteIsIdempotent(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	j := storedJob(t, "Burial", "Shell of Light")
	require.NoError(t, store.SaveJob(ctx, j.Snapshot()))
	require.NoError(t, store.DeleteJob(ctx, j.ID))
	require.NoError(t, store.DeleteJob(ctx, j.ID), "second delete is a no-op")

	loaded, err := store.LoadJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestLoadSkipsUnreadableObjects(t *testing.T) {
	store, bucket := openTestStore(t)
	ctx := context.Background()

	j := storedJob(t, "Burial", "Etched Headplate")
	require.NoError(t, store.SaveJob(ctx, j.Snapshot()))
	require.NoError(t, bucket.WriteAll(ctx, "jobs/truncated.json", []byte(`{"id": "tru`), nil))
	require.NoError(t, bucket.WriteAll(ctx, "jobs/notes.txt", []byte("not a job"), nil))

	loaded, err := store.LoadJobs(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, j.ID, loaded[0].ID)
}

func TestOpenRejectsUnknownScheme(t *testing.T) {
	_, err := Open(context.Background(), "bogus://nowhere")
	assert.Error(t, err)
}
