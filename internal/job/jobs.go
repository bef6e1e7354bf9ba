package job

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/cratepull/cratepull/internal/conditions"
	"github.com/cratepull/cratepull/internal/domain"
)

// States a download job moves through.
const (
	StatePending     = "pending"
	StateSearching   = "searching"
	StateQueued      = "queued"
	StateDownloading = "downloading"
	StatePaused      = "paused"
	StateDeferred    = "deferred"
	StateFailed      = "failed"
	StateCompleted   = "completed"
	StateCancelled   = "cancelled"
)

// PriorityExpress puts a job at the head of every dispatch decision.
const PriorityExpress = 0

// DefaultPriority is where ordinary jobs start.
const DefaultPriority = 10

// DefaultMaxAttempts bounds automatic retries before a job parks in Failed.
const DefaultMaxAttempts = 4

// allowedTransitions is the complete state machine. Anything absent here is
// a bug in the caller, not a policy decision to make downstream.
var allowedTransitions = map[string]map[string]bool{
	StatePending: {
		StateSearching: true,
		StateCancelled: true,
	},
	StateSearching: {
		StateQueued:      true,
		StateDownloading: true,
		StateDeferred:    true,
		StateFailed:      true,
		StatePaused:      true,
		StateCancelled:   true,
	},
	StateQueued: {
		StateDownloading: true,
		StateSearching:   true,
		StatePaused:      true,
		StateCancelled:   true,
	},
	StateDownloading: {
		StateCompleted: true,
		StateDeferred:  true,
		StateFailed:    true,
		StatePaused:    true,
		StateCancelled: true,
	},
	StateDeferred: {
		StateSearching: true,
		StatePaused:    true,
		StateCancelled: true,
	},
	StatePaused: {
		StateQueued:    true,
		StateCancelled: true,
	},
	// Failed is terminal for the retry loop; only an explicit hard retry
	// reopens it.
	StateFailed: {
		StateSearching: true,
	},
	StateCompleted: {},
	StateCancelled: {},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to string) bool {
	return allowedTransitions[from][to]
}

// IsTerminal reports whether a state ends the job for good.
func IsTerminal(state string) bool {
	return state == StateCompleted || state == StateCancelled
}

// IsActive reports whether the dispatch loop currently owes this job work.
func IsActive(state string) bool {
	switch state {
	case StateSearching, StateQueued, StateDownloading:
		return true
	}
	return false
}

// Job is one requested recording working its way toward the library.
type Job struct {
	ID          string                `json:"id"`
	Request     domain.RequestSpec    `json:"request"`
	State       string                `json:"state"`
	Priority    int                   `json:"priority"`
	Attempts    int                   `json:"attempts"`
	MaxAttempts int                   `json:"max_attempts"`
	NextRetryAt time.Time             `json:"next_retry_at,omitempty"`
	Selected    *domain.Candidate     `json:"selected,omitempty"`
	Rejected    []string              `json:"rejected,omitempty"`
	Overrides   *conditions.Overrides `json:"overrides,omitempty"`
	BytesDone   int64                 `json:"bytes_done"`
	BytesTotal  int64                 `json:"bytes_total"`
	Error       string                `json:"error,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
	FinishedAt  *time.Time            `json:"finished_at,omitempty"`
}

// New builds a pending job for a request. The ID is derived from the
// request so the same ask always lands on the same job.
func New(req domain.RequestSpec, maxAttempts int) (*Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	now := time.Now().UTC()
	return &Job{
		ID:          DeriveID(req),
		Request:     req,
		State:       StatePending,
		Priority:    DefaultPriority,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// DeriveID produces the stable identifier for a request.
func DeriveID(req domain.RequestSpec) string {
	h := sha1.New()
	for _, part := range []string{req.Artist, req.Title, req.Album} {
		h.Write([]byte(strings.ToLower(strings.TrimSpace(part))))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:12]
}

// Transition moves the job to a new state, refusing anything the state
// machine does not allow.
func (j *Job) Transition(to string) error {
	if !CanTransition(j.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.State, to)
	}
	j.State = to
	j.UpdatedAt = time.Now().UTC()
	if IsTerminal(to) || to == StateFailed {
		t := j.UpdatedAt
		j.FinishedAt = &t
	} else {
		j.FinishedAt = nil
	}
	return nil
}

// Promote moves the job to express priority. Promotion never touches state.
func (j *Job) Promote() {
	j.Priority = PriorityExpress
	j.UpdatedAt = time.Now().UTC()
}

// Snapshot returns an independent copy safe to hand to observers.
func (j *Job) Snapshot() Job {
	c := *j
	if j.Selected != nil {
		sel := *j.Selected
		c.Selected = &sel
	}
	if j.Rejected != nil {
		c.Rejected = append([]string(nil), j.Rejected...)
	}
	if j.Overrides != nil {
		o := conditions.Overrides{
			DropRequired: append([]string(nil), j.Overrides.DropRequired...),
			Require:      append([]conditions.ConditionSpec(nil), j.Overrides.Require...),
			Prefer:       append([]conditions.ConditionSpec(nil), j.Overrides.Prefer...),
		}
		c.Overrides = &o
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return c
}
