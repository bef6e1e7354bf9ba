package domain

import (
	"fmt"
	"strings"
)

// Candidate represents a single remote file offered by a source in response
// to a search. Every declared field comes from the remote peer and is
// untrusted: it may be absent, stale, or deliberately wrong.
type Candidate struct {
	Source       string  `json:"source"`
	Path         string  `json:"path"`
	SizeBytes    int64   `json:"size_bytes"`
	BitrateKbps  int     `json:"bitrate_kbps,omitempty"`
	DurationSec  float64 `json:"duration_sec,omitempty"`
	SampleRateHz int     `json:"sample_rate_hz,omitempty"`
	BitDepth     int     `json:"bit_depth,omitempty"`
	BPM          float64 `json:"bpm,omitempty"`
	Key          string  `json:"key,omitempty"`
	HasFreeSlot  bool    `json:"has_free_slot"`
	QueueDepth   int     `json:"queue_depth"`
}

// Ref uniquely identifies a candidate within a search cycle so that
// already-rejected copies are not retried.
func (c *Candidate) Ref() string {
	return c.Source + ":" + c.Path
}

// Filename returns the last segment of the candidate's remote path.
func (c *Candidate) Filename() string {
	segs := PathSegments(c.Path)
	if len(segs) == 0 {
		return ""
	}
	return segs[len(segs)-1]
}

// Ext returns the lower-cased extension of the remote path without the dot.
func (c *Candidate) Ext() string {
	name := c.Filename()
	i := strings.LastIndex(name, ".")
	if i < 0 || i == len(name)-1 {
		return ""
	}
	return strings.ToLower(name[i+1:])
}

// DirSegments returns the ancestor directory names of the remote path,
// nearest directory last.
func (c *Candidate) DirSegments() []string {
	segs := PathSegments(c.Path)
	if len(segs) <= 1 {
		return nil
	}
	return segs[:len(segs)-1]
}

// PathSegments splits a remote path into its non-empty segments. Paths
// arrive from foreign peers and may use either separator style.
func PathSegments(path string) []string {
	normalized := strings.ReplaceAll(path, `\`, "/")
	parts := strings.Split(normalized, "/")
	segs := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			segs = append(segs, p)
		}
	}
	return segs
}

// RequestSpec describes the recording the user wants. Title and Album may
// not both be empty; everything else is optional.
type RequestSpec struct {
	Artist         string   `json:"artist,omitempty"`
	Title          string   `json:"title,omitempty"`
	Album          string   `json:"album,omitempty"`
	DurationSec    float64  `json:"duration_sec,omitempty"`
	BPM            float64  `json:"bpm,omitempty"`
	Key            string   `json:"key,omitempty"`
	MinBitrateKbps int      `json:"min_bitrate_kbps,omitempty"`
	AllowedFormats []string `json:"allowed_formats,omitempty"`
}

// Validate checks the request is concrete enough to search for.
func (r *RequestSpec) Validate() error {
	if strings.TrimSpace(r.Title) == "" && strings.TrimSpace(r.Album) == "" {
		return fmt.Errorf("request needs a title or an album")
	}
	return nil
}

// Query assembles the free-text search string for the request.
func (r *RequestSpec) Query() string {
	parts := make([]string, 0, 2)
	if r.Artist != "" {
		parts = append(parts, r.Artist)
	}
	if r.Title != "" {
		parts = append(parts, r.Title)
	} else if r.Album != "" {
		parts = append(parts, r.Album)
	}
	return strings.Join(parts, " ")
}
