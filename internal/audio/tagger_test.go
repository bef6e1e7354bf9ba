package audio

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.senan.xyz/taglib"

	"github.com/cratepull/cratepull/internal/domain"
)

func TestTaggerWritesRequestMetadata(t *testing.T) {
	path := makeTestMP3(t, 1, "128k")
	req := domain.RequestSpec{
		Artist: "Floating Points",
		Title:  "Silhouettes",
		Album:  "Elaenia",
		BPM:    126.4,
		Key:    "8A",
	}
	require.NoError(t, NewTagger().Write(context.Background(), path, req))

	tags, err := taglib.ReadTags(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"Floating Points"}, tags[taglib.Artist])
	assert.Equal(t, []string{"Silhouettes"}, tags[taglib.Title])
	assert.Equal(t, []string{"Elaenia"}, tags[taglib.Album])
	assert.Equal(t, []string{"126"}, tags[taglib.BPM])
	assert.Equal(t, []string{"8A"}, tags[taglib.InitialKey])
}

func TestTaggerSkipsEmptyRequest(t *testing.T) {
	// Nothing to write means the file is never opened.
	err := NewTagger().Write(context.Background(), "/does/not/exist.mp3", domain.RequestSpec{})
	assert.NoError(t, err)
}

func TestTaggerHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewTagger().Write(ctx, "anywhere.mp3", domain.RequestSpec{Title: "x"})
	assert.ErrorIs(t, err, context.Canceled)
}
