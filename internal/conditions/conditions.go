// Package conditions filters candidates before scoring. Required conditions
// drop candidates outright; preferred conditions only feed the score.
package conditions

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/cratepull/cratepull/internal/audio"
	"github.com/cratepull/cratepull/internal/domain"
)

// Condition is a single yes/no check of a candidate against a request.
type Condition interface {
	Name() string
	Check(req domain.RequestSpec, c domain.Candidate) bool
}

type condition struct {
	name  string
	check func(req domain.RequestSpec, c domain.Candidate) bool
}

func (c *condition) Name() string { return c.name }
func (c *condition) Check(req domain.RequestSpec, cand domain.Candidate) bool {
	return c.check(req, cand)
}

// FormatAllowed passes candidates whose extension is on the request's
// allow-list, or any known audio format when the request does not care.
func FormatAllowed() Condition {
	return &condition{name: "format", check: func(req domain.RequestSpec, c domain.Candidate) bool {
		ext := c.Ext()
		if len(req.AllowedFormats) == 0 {
			return audio.IsKnownFormat(ext)
		}
		for _, f := range req.AllowedFormats {
			if audio.NormalizeExt(f) == ext {
				return true
			}
		}
		return false
	}}
}

// MinBitrate enforces the request's bitrate floor on lossy candidates. A
// candidate that does not declare a bitrate fails an explicit floor; the
// user asked for proof.
func MinBitrate() Condition {
	return &condition{name: "min_bitrate", check: func(req domain.RequestSpec, c domain.Candidate) bool {
		if req.MinBitrateKbps <= 0 || audio.IsLossless(c.Ext()) {
			return true
		}
		return c.BitrateKbps >= req.MinBitrateKbps
	}}
}

// DurationWithin passes candidates whose declared duration sits within
// tolerance of the requested one. Unknown durations pass; absence of
// evidence is not a mismatch.
func DurationWithin(toleranceSec float64) Condition {
	name := fmt.Sprintf("duration_within_%gs", toleranceSec)
	return &condition{name: name, check: func(req domain.RequestSpec, c domain.Candidate) bool {
		if req.DurationSec <= 0 || c.DurationSec <= 0 {
			return true
		}
		return math.Abs(req.DurationSec-c.DurationSec) <= toleranceSec
	}}
}

// PathContains requires a case-insensitive term somewhere in the remote path.
func PathContains(term string) Condition {
	lower := strings.ToLower(term)
	return &condition{name: "path_contains:" + lower, check: func(_ domain.RequestSpec, c domain.Candidate) bool {
		return strings.Contains(strings.ToLower(c.Path), lower)
	}}
}

// NotUploader drops candidates offered by banned sources.
func NotUploader(banned ...string) Condition {
	set := make(map[string]bool, len(banned))
	for _, b := range banned {
		set[strings.ToLower(b)] = true
	}
	return &condition{name: "not_uploader", check: func(_ domain.RequestSpec, c domain.Candidate) bool {
		return !set[strings.ToLower(c.Source)]
	}}
}

// FreeSlot passes candidates whose source can start the transfer now.
func FreeSlot() Condition {
	return &condition{name: "free_slot", check: func(_ domain.RequestSpec, c domain.Candidate) bool {
		return c.HasFreeSlot
	}}
}

// ConditionSpec is the serializable form of a condition, used for per-job
// filter overrides that survive a restart.
type ConditionSpec struct {
	Kind  string `json:"kind" yaml:"kind"`
	Value string `json:"value,omitempty" yaml:"value,omitempty"`
}

// Build materializes the condition a spec describes.
func (s ConditionSpec) Build() (Condition, error) {
	switch s.Kind {
	case "format":
		return FormatAllowed(), nil
	case "min_bitrate":
		return MinBitrate(), nil
	case "plausible_bitrate":
		return PlausibleBitrate(), nil
	case "free_slot":
		return FreeSlot(), nil
	case "duration_within":
		tol := DefaultDurationToleranceSec
		if s.Value != "" {
			v, err := strconv.ParseFloat(s.Value, 64)
			if err != nil {
				return nil, fmt.Errorf("duration_within: bad tolerance %q: %w", s.Value, err)
			}
			tol = v
		}
		return DurationWithin(tol), nil
	case "path_contains":
		if s.Value == "" {
			return nil, fmt.Errorf("path_contains needs a term")
		}
		return PathContains(s.Value), nil
	case "not_uploader":
		if s.Value == "" {
			return nil, fmt.Errorf("not_uploader needs a name")
		}
		return NotUploader(strings.Split(s.Value, ",")...), nil
	}
	return nil, fmt.Errorf("unknown condition kind %q", s.Kind)
}

// DefaultDurationToleranceSec bounds how far a declared duration may drift
// from the requested one before the soft duration condition fails.
const DefaultDurationToleranceSec = 15.0
