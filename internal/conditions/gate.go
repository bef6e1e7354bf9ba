package conditions

import (
	"github.com/cratepull/cratepull/internal/audio"
	"github.com/cratepull/cratepull/internal/domain"
)

// Spoofed-bitrate detection thresholds. A lossy file whose size implies far
// fewer bits per second than its declared bitrate is advertising quality it
// does not have.
const (
	MinPlausibleKbps = 32
	SpoofFraction    = 0.5
)

// ImpliedKbps derives the real average bitrate from size and duration.
// Returns 0 when either is unknown.
func ImpliedKbps(sizeBytes int64, durationSec float64) float64 {
	if sizeBytes <= 0 || durationSec <= 0 {
		return 0
	}
	return float64(sizeBytes) * 8 / durationSec / 1000
}

// PlausibleBitrate is the validation gate against bitrate spoofing. Lossless
// formats are exempt since their compression ratio varies with content, and
// candidates without enough evidence pass; the gate rejects only on positive
// proof of inconsistency.
func PlausibleBitrate() Condition {
	return &condition{name: "plausible_bitrate", check: func(_ domain.RequestSpec, c domain.Candidate) bool {
		if audio.IsLossless(c.Ext()) {
			return true
		}
		implied := ImpliedKbps(c.SizeBytes, c.DurationSec)
		if implied == 0 {
			return true
		}
		if implied < MinPlausibleKbps {
			return false
		}
		if c.BitrateKbps > 0 && implied < SpoofFraction*float64(c.BitrateKbps) {
			return false
		}
		return true
	}}
}
