package conditions

import (
	"fmt"

	"github.com/cratepull/cratepull/internal/domain"
	"github.com/cratepull/cratepull/internal/scoring"
)

// Evaluator applies the required and preferred condition pools to a set of
// candidates and ranks the survivors.
type Evaluator struct {
	engine    *scoring.Engine
	required  []Condition
	preferred []Condition
}

func NewEvaluator(weights scoring.Weights, required, preferred []Condition) *Evaluator {
	return &Evaluator{
		engine:    scoring.NewEngine(weights),
		required:  required,
		preferred: preferred,
	}
}

// DefaultRequired is the stock hard-filter pool: request-driven format and
// bitrate checks, the spoof gate, and the configured uploader ban list.
func DefaultRequired(banned []string) []Condition {
	req := []Condition{FormatAllowed(), PlausibleBitrate(), MinBitrate()}
	if len(banned) > 0 {
		req = append(req, NotUploader(banned...))
	}
	return req
}

// DefaultPreferred is the stock soft pool.
func DefaultPreferred() []Condition {
	return []Condition{FreeSlot(), DurationWithin(DefaultDurationToleranceSec)}
}

// Overrides relax or tighten a job's condition pools at its next search
// cycle. The zero value changes nothing.
type Overrides struct {
	DropRequired []string        `json:"drop_required,omitempty"`
	Require      []ConditionSpec `json:"require,omitempty"`
	Prefer       []ConditionSpec `json:"prefer,omitempty"`
}

// Apply derives a new evaluator with the overrides folded in. The receiver
// is left untouched so the stock pools survive for other jobs.
func (e *Evaluator) Apply(o *Overrides) (*Evaluator, error) {
	if o == nil {
		return e, nil
	}
	drop := make(map[string]bool, len(o.DropRequired))
	for _, name := range o.DropRequired {
		drop[name] = true
	}

	required := make([]Condition, 0, len(e.required)+len(o.Require))
	for _, c := range e.required {
		if !drop[c.Name()] {
			required = append(required, c)
		}
	}
	for _, spec := range o.Require {
		c, err := spec.Build()
		if err != nil {
			return nil, fmt.Errorf("building required override: %w", err)
		}
		required = append(required, c)
	}

	preferred := make([]Condition, 0, len(e.preferred)+len(o.Prefer))
	preferred = append(preferred, e.preferred...)
	for _, spec := range o.Prefer {
		c, err := spec.Build()
		if err != nil {
			return nil, fmt.Errorf("building preferred override: %w", err)
		}
		preferred = append(preferred, c)
	}

	return &Evaluator{engine: e.engine, required: required, preferred: preferred}, nil
}

// Rejection records why a candidate was dropped by the required pool.
type Rejection struct {
	Candidate domain.Candidate `json:"candidate"`
	Condition string           `json:"condition"`
}

// FilterAndRank drops candidates failing any required condition, scores the
// survivors with their preferred-pool satisfaction folded in, and returns
// them best first along with the rejections.
func (e *Evaluator) FilterAndRank(req domain.RequestSpec, cands []domain.Candidate) ([]scoring.Scored, []Rejection) {
	var rejections []Rejection
	scored := make([]scoring.Scored, 0, len(cands))

	for _, cand := range cands {
		if failed := e.firstFailure(req, cand); failed != "" {
			rejections = append(rejections, Rejection{Candidate: cand, Condition: failed})
			continue
		}
		scored = append(scored, scoring.Scored{
			Candidate: cand,
			Breakdown: e.engine.ScoreWith(req, cand, e.preferredFraction(req, cand)),
		})
	}
	scoring.SortScored(req, scored)
	return scored, rejections
}

func (e *Evaluator) firstFailure(req domain.RequestSpec, c domain.Candidate) string {
	for _, cond := range e.required {
		if !cond.Check(req, c) {
			return cond.Name()
		}
	}
	return ""
}

func (e *Evaluator) preferredFraction(req domain.RequestSpec, c domain.Candidate) float64 {
	if len(e.preferred) == 0 {
		return 0
	}
	satisfied := 0
	for _, cond := range e.preferred {
		if cond.Check(req, c) {
			satisfied++
		}
	}
	return float64(satisfied) / float64(len(e.preferred))
}
