package audio

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"strconv"

	"go.senan.xyz/taglib"

	"github.com/cratepull/cratepull/internal/domain"
)

// Tagger embeds request metadata into committed files so the library stays
// self-describing regardless of what the peer's copy carried.
type Tagger struct{}

func NewTagger() *Tagger {
	return &Tagger{}
}

func (t *Tagger) Write(ctx context.Context, path string, req domain.RequestSpec) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tags := make(map[string][]string)
	if req.Title != "" {
		tags[taglib.Title] = []string{req.Title}
	}
	if req.Artist != "" {
		tags[taglib.Artist] = []string{req.Artist}
	}
	if req.Album != "" {
		tags[taglib.Album] = []string{req.Album}
	}
	if req.BPM > 0 {
		tags[taglib.BPM] = []string{strconv.Itoa(int(math.Round(req.BPM)))}
	}
	if req.Key != "" {
		tags[taglib.InitialKey] = []string{req.Key}
	}
	if len(tags) == 0 {
		return nil
	}

	if err := taglib.WriteTags(path, tags, 0); err != nil {
		return fmt.Errorf("writing tags to %s: %w", filepath.Base(path), err)
	}
	return nil
}
