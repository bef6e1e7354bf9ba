package audio

import (
	"fmt"
	"math"
	"path/filepath"

	"go.senan.xyz/taglib"

	"github.com/cratepull/cratepull/internal/domain"
)

// DefaultDurationToleranceSec is how far a decoded duration may drift from
// what the candidate declared.
const DefaultDurationToleranceSec = 15.0

// DefaultMinBitrateFraction is the floor on decoded bitrate relative to
// the declared one. Pre-download plausibility already caught gross spoofs;
// the decode-side check is tighter because it works on real numbers.
const DefaultMinBitrateFraction = 0.75

// Prober verifies a downloaded file by decoding its stream properties and
// holding them against what the candidate declared.
type Prober struct {
	DurationToleranceSec float64
	MinBitrateFraction   float64
}

func NewProber() *Prober {
	return &Prober{
		DurationToleranceSec: DefaultDurationToleranceSec,
		MinBitrateFraction:   DefaultMinBitrateFraction,
	}
}

func (p *Prober) Verify(path string, cand domain.Candidate) error {
	props, err := taglib.ReadProperties(path)
	if err != nil {
		return fmt.Errorf("probing %s: %w", filepath.Base(path), err)
	}
	if props.Length <= 0 {
		return fmt.Errorf("%s has no decodable audio stream", filepath.Base(path))
	}

	if cand.DurationSec > 0 {
		decoded := props.Length.Seconds()
		if math.Abs(decoded-cand.DurationSec) > p.DurationToleranceSec {
			return fmt.Errorf("decoded duration %.0fs differs from declared %.0fs",
				decoded, cand.DurationSec)
		}
	}

	if IsLossy(cand.Ext()) && cand.BitrateKbps > 0 && props.Bitrate > 0 {
		floor := float64(cand.BitrateKbps) * p.MinBitrateFraction
		if float64(props.Bitrate) < floor {
			return fmt.Errorf("decoded bitrate %d kbps is far below declared %d kbps",
				props.Bitrate, cand.BitrateKbps)
		}
	}
	return nil
}

// Probe reads decoded properties for local scanning. Failures are normal
// for non-audio files; callers decide what a zero result means.
func Probe(path string) (durationSec float64, bitrateKbps, sampleRateHz int, err error) {
	props, err := taglib.ReadProperties(path)
	if err != nil {
		return 0, 0, 0, err
	}
	return props.Length.Seconds(), int(props.Bitrate), int(props.SampleRate), nil
}
