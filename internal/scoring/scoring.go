// Package scoring ranks untrusted remote candidates against a request.
// Scores are additive: each dimension contributes points from a fixed table,
// the weight set stretches or shrinks whole dimensions, and the result is a
// total order over candidates.
package scoring

import (
	"math"
	"regexp"
	"sort"
	"strconv"

	"github.com/cratepull/cratepull/internal/audio"
	"github.com/cratepull/cratepull/internal/domain"
)

// Base points per quality tier.
const (
	BaseLossless    = 200
	BaseHighLossy   = 120
	BaseMediumLossy = 60
	HiResBonus      = 40

	HighLossyKbps   = 320
	MediumLossyKbps = 192
	HiResSampleRate = 88200
)

// Musical metadata bonuses.
const (
	BPMMatchBonus    = 120
	KeyExactBonus    = 80
	KeyHarmonicBonus = 40
	BPMTolerance     = 1.0
)

// Text-match weights per request field.
const (
	TitleWeight  = 100
	ArtistWeight = 60
	AlbumWeight  = 40
)

// Evidence found only in ancestor directories decays with distance.
const (
	ParentDecay   = 0.6
	AncestorDecay = 0.3
)

// Declared-metadata agreement.
const (
	DurationAgreeBonus   = 60
	DurationToleranceSec = 15.0
	DeclaredFieldBonus   = 5
)

// Source availability.
const (
	FreeSlotBonus       = 150
	QueuePenaltyPerSlot = 10
	DeepQueuePenalty    = 200
	DeepQueueThreshold  = 50
)

// PreferredScale converts the soft-condition satisfaction fraction onto the
// same point scale as the other dimensions.
const PreferredScale = 100

// Breakdown carries the raw points per dimension plus the weighted total.
type Breakdown struct {
	Quality      float64 `json:"quality"`
	Musical      float64 `json:"musical"`
	Text         float64 `json:"text"`
	Metadata     float64 `json:"metadata"`
	Availability float64 `json:"availability"`
	Conditions   float64 `json:"conditions"`
	Total        float64 `json:"total"`
}

// Scored pairs a candidate with its breakdown for ranking output.
type Scored struct {
	Candidate domain.Candidate `json:"candidate"`
	Breakdown Breakdown        `json:"breakdown"`
}

// Engine scores candidates under a fixed weight set.
type Engine struct {
	weights Weights
}

func NewEngine(w Weights) *Engine {
	return &Engine{weights: w}
}

// Score computes the breakdown for one candidate with no soft-condition
// contribution.
func (e *Engine) Score(req domain.RequestSpec, cand domain.Candidate) Breakdown {
	return e.ScoreWith(req, cand, 0)
}

// ScoreWith computes the breakdown including the fraction of preferred
// conditions the candidate satisfies.
func (e *Engine) ScoreWith(req domain.RequestSpec, cand domain.Candidate, preferredFraction float64) Breakdown {
	b := Breakdown{
		Quality:      qualityScore(cand),
		Musical:      musicalScore(req, cand),
		Text:         textScore(req, cand),
		Metadata:     metadataScore(req, cand),
		Availability: availabilityScore(cand),
		Conditions:   preferredFraction * PreferredScale,
	}
	total := e.weights.Quality*b.Quality +
		e.weights.Musical*b.Musical +
		e.weights.Text*b.Text +
		e.weights.Metadata*b.Metadata +
		e.weights.Availability*b.Availability +
		e.weights.Conditions*b.Conditions
	b.Total = math.Max(0, total)
	return b
}

// Rank scores every candidate and returns them best first. Ties on total
// break toward the candidate whose declared duration sits closest to the
// requested one, then lexically by path so ordering is stable.
func (e *Engine) Rank(req domain.RequestSpec, cands []domain.Candidate) []Scored {
	scored := make([]Scored, 0, len(cands))
	for _, c := range cands {
		scored = append(scored, Scored{Candidate: c, Breakdown: e.Score(req, c)})
	}
	SortScored(req, scored)
	return scored
}

// SortScored orders pre-scored candidates best first using the engine's
// tie-break rules.
func SortScored(req domain.RequestSpec, scored []Scored) {
	sort.SliceStable(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.Breakdown.Total != b.Breakdown.Total {
			return a.Breakdown.Total > b.Breakdown.Total
		}
		da, db := durationDelta(req, a.Candidate), durationDelta(req, b.Candidate)
		if da != db {
			return da < db
		}
		return a.Candidate.Path < b.Candidate.Path
	})
}

func durationDelta(req domain.RequestSpec, c domain.Candidate) float64 {
	if req.DurationSec <= 0 || c.DurationSec <= 0 {
		return math.Inf(1)
	}
	return math.Abs(req.DurationSec - c.DurationSec)
}

func qualityScore(c domain.Candidate) float64 {
	ext := c.Ext()
	switch {
	case audio.IsLossless(ext):
		score := float64(BaseLossless)
		if c.SampleRateHz >= HiResSampleRate || c.BitDepth > 16 {
			score += HiResBonus
		}
		return score
	case audio.IsLossy(ext):
		switch {
		case c.BitrateKbps >= HighLossyKbps:
			return BaseHighLossy
		case c.BitrateKbps >= MediumLossyKbps:
			return BaseMediumLossy
		}
	}
	return 0
}

func musicalScore(req domain.RequestSpec, c domain.Candidate) float64 {
	var score float64

	if req.BPM > 0 {
		switch {
		case c.BPM > 0 && math.Abs(c.BPM-req.BPM) <= BPMTolerance:
			score += BPMMatchBonus
		case bpmInText(c.Filename(), req.BPM):
			score += BPMMatchBonus
		default:
			if decay := dirEvidenceDecay(c, func(seg string) bool { return bpmInText(seg, req.BPM) }); decay > 0 {
				score += BPMMatchBonus * decay
			}
		}
	}

	if req.Key != "" {
		if want, err := domain.ParseKey(req.Key); err == nil {
			if pts, ok := keyPoints(want, c.Key); ok {
				score += pts
			} else if k, ok := keyInText(c.Filename()); ok {
				pts, _ := keyPointsParsed(want, k)
				score += pts
			} else if decayed := dirKeyPoints(want, c); decayed > 0 {
				score += decayed
			}
		}
	}
	return score
}

var bpmPattern = regexp.MustCompile(`(?i)\b(\d{2,3})\s*bpm\b|\b(\d{2,3})\b`)

// bpmInText reports whether the text carries a number matching the wanted
// tempo. Bare numbers only count inside the plausible tempo range.
func bpmInText(text string, want float64) bool {
	for _, m := range bpmPattern.FindAllStringSubmatch(text, -1) {
		raw := m[1]
		explicit := true
		if raw == "" {
			raw = m[2]
			explicit = false
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			continue
		}
		if !explicit && (v < 60 || v > 200) {
			continue
		}
		if math.Abs(float64(v)-want) <= BPMTolerance {
			return true
		}
	}
	return false
}

var camelotToken = regexp.MustCompile(`(?i)\b(\d{1,2}[ab])\b`)

// keyInText extracts an unambiguous key token from text. Only Camelot-style
// tokens are trusted here; bare note names in filenames are too noisy.
func keyInText(text string) (domain.CamelotKey, bool) {
	m := camelotToken.FindStringSubmatch(text)
	if m == nil {
		return domain.CamelotKey{}, false
	}
	k, err := domain.ParseKey(m[1])
	if err != nil {
		return domain.CamelotKey{}, false
	}
	return k, true
}

func keyPoints(want domain.CamelotKey, declared string) (float64, bool) {
	if declared == "" {
		return 0, false
	}
	have, err := domain.ParseKey(declared)
	if err != nil {
		return 0, false
	}
	return keyPointsParsed(want, have)
}

func keyPointsParsed(want, have domain.CamelotKey) (float64, bool) {
	switch {
	case want == have:
		return KeyExactBonus, true
	case domain.HarmonicallyCompatible(want, have):
		return KeyHarmonicBonus, true
	}
	return 0, true
}

func dirKeyPoints(want domain.CamelotKey, c domain.Candidate) float64 {
	var best float64
	dirs := c.DirSegments()
	for i, seg := range dirs {
		k, ok := keyInText(seg)
		if !ok {
			continue
		}
		pts, _ := keyPointsParsed(want, k)
		best = math.Max(best, pts*decayForDepth(len(dirs)-i))
	}
	return best
}

// dirEvidenceDecay returns the strongest decay factor for directory segments
// matching the predicate. The nearest directory decays least.
func dirEvidenceDecay(c domain.Candidate, match func(string) bool) float64 {
	var best float64
	dirs := c.DirSegments()
	for i, seg := range dirs {
		if !match(seg) {
			continue
		}
		best = math.Max(best, decayForDepth(len(dirs)-i))
	}
	return best
}

func decayForDepth(depth int) float64 {
	if depth <= 1 {
		return ParentDecay
	}
	return AncestorDecay
}

func textScore(req domain.RequestSpec, c domain.Candidate) float64 {
	var score float64
	score += fieldScore(req.Title, c) * TitleWeight
	score += fieldScore(req.Artist, c) * ArtistWeight
	score += fieldScore(req.Album, c) * AlbumWeight
	return score
}

// fieldScore finds the best similarity for one request field across the
// filename and the ancestor directories, decaying directory-only matches.
func fieldScore(field string, c domain.Candidate) float64 {
	if field == "" {
		return 0
	}
	best := Similarity(field, c.Filename())
	dirs := c.DirSegments()
	for i, seg := range dirs {
		sim := Similarity(field, seg) * decayForDepth(len(dirs)-i)
		best = math.Max(best, sim)
	}
	return best
}

func metadataScore(req domain.RequestSpec, c domain.Candidate) float64 {
	var score float64
	if req.DurationSec > 0 && c.DurationSec > 0 {
		delta := math.Abs(req.DurationSec - c.DurationSec)
		if delta <= DurationToleranceSec {
			score += DurationAgreeBonus * (1 - delta/DurationToleranceSec)
		}
	}
	for _, present := range []bool{c.BitrateKbps > 0, c.DurationSec > 0, c.SampleRateHz > 0} {
		if present {
			score += DeclaredFieldBonus
		}
	}
	return score
}

func availabilityScore(c domain.Candidate) float64 {
	if c.HasFreeSlot {
		return FreeSlotBonus
	}
	penalty := float64(QueuePenaltyPerSlot * c.QueueDepth)
	if c.QueueDepth > DeepQueueThreshold {
		penalty += DeepQueuePenalty
	}
	return -penalty
}
