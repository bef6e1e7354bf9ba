package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCandidatePathHelpers(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		filename string
		ext      string
		dirs     []string
	}{
		{
			name:     "unix path",
			path:     "music/techno/Track Title.flac",
			filename: "Track Title.flac",
			ext:      "flac",
			dirs:     []string{"music", "techno"},
		},
		{
			name:     "windows path from a foreign peer",
			path:     `C:\Shares\Music\Track.MP3`,
			filename: "Track.MP3",
			ext:      "mp3",
			dirs:     []string{"C:", "Shares", "Music"},
		},
		{
			name:     "bare filename",
			path:     "track.ogg",
			filename: "track.ogg",
			ext:      "ogg",
			dirs:     nil,
		},
		{
			name:     "no extension",
			path:     "dir/track",
			filename: "track",
			ext:      "",
			dirs:     []string{"dir"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Candidate{Path: tt.path}
			assert.Equal(t, tt.filename, c.Filename())
			assert.Equal(t, tt.ext, c.Ext())
			assert.Equal(t, tt.dirs, c.DirSegments())
		})
	}
}

func TestCandidateRef(t *testing.T) {
	a := Candidate{Source: "alice", Path: "x/y.mp3"}
	b := Candidate{Source: "bob", Path: "x/y.mp3"}
	assert.NotEqual(t, a.Ref(), b.Ref())
}

func TestRequestSpecValidate(t *testing.T) {
	assert.Error(t, (&RequestSpec{Artist: "Someone"}).Validate())
	assert.NoError(t, (&RequestSpec{Title: "Song"}).Validate())
	assert.NoError(t, (&RequestSpec{Album: "Record"}).Validate())
	assert.Error(t, (&RequestSpec{Title: "   "}).Validate())
}

func TestRequestSpecQuery(t *testing.T) {
	assert.Equal(t, "Orbital Halcyon", (&RequestSpec{Artist: "Orbital", Title: "Halcyon"}).Query())
	assert.Equal(t, "Orbital Orbital 2", (&RequestSpec{Artist: "Orbital", Album: "Orbital 2"}).Query())
	assert.Equal(t, "Halcyon", (&RequestSpec{Title: "Halcyon"}).Query())
}
