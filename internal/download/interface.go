package download

import (
	"context"

	"github.com/cratepull/cratepull/internal/domain"
	"github.com/cratepull/cratepull/internal/job"
)

// CandidateSource finds remote copies matching a request. Implementations
// talk to whatever network or index is behind them; the orchestrator only
// sees candidates.
type CandidateSource interface {
	Search(ctx context.Context, req domain.RequestSpec) ([]domain.Candidate, error)
}

// ByteTransferer moves one candidate's bytes to a local destination path,
// reporting progress as it goes. progress may be nil.
type ByteTransferer interface {
	Fetch(ctx context.Context, cand domain.Candidate, dest string, progress func(done, total int64)) error
}

// Persistence stores job state durably. SaveJob is called on every state
// transition before observers hear about it.
type Persistence interface {
	SaveJob(ctx context.Context, j job.Job) error
	LoadJobs(ctx context.Context) ([]job.Job, error)
	DeleteJob(ctx context.Context, id string) error
}

// MetadataWriter embeds request metadata into a committed file. Failures
// are logged and never unwind the commit.
type MetadataWriter interface {
	Write(ctx context.Context, path string, req domain.RequestSpec) error
}

// Verifier checks a staged download against what the candidate declared
// before the file may enter the library.
type Verifier interface {
	Verify(path string, cand domain.Candidate) error
}
