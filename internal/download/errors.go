package download

import (
	"context"
	"errors"
	"os"
	"strings"
	"syscall"

	"github.com/cratepull/cratepull/internal/storage"
)

var (
	// ErrSourceBusy means the source exists but cannot serve the transfer
	// right now. Retryable.
	ErrSourceBusy = errors.New("source busy")

	// ErrCorruption means the byte stream failed an in-flight integrity
	// check. The write is aborted; the target is never touched.
	ErrCorruption = errors.New("data corruption detected")
)

// Category buckets a failure by how the orchestrator should react.
type Category int

const (
	// CategoryTransient failures retry with backoff until the attempt
	// budget runs out.
	CategoryTransient Category = iota
	// CategoryVerification failures discard the candidate and try the
	// next-ranked one.
	CategoryVerification
	// CategoryResource failures fail the job immediately; retrying cannot
	// free disk space or grant permissions.
	CategoryResource
	// CategoryCorruption failures abort the write, preserve the target,
	// and retry like transient failures.
	CategoryCorruption
)

func (c Category) String() string {
	switch c {
	case CategoryVerification:
		return "verification"
	case CategoryResource:
		return "resource"
	case CategoryCorruption:
		return "corruption"
	}
	return "transient"
}

// resourceErrnos are the OS-level conditions no retry will fix.
var resourceErrnos = []syscall.Errno{
	syscall.ENOSPC,
	syscall.EDQUOT,
	syscall.EROFS,
	syscall.EACCES,
	syscall.EPERM,
}

// candidateGoneHints mark errors meaning this particular copy is gone for
// good on the peer. They arrive stringly-typed from foreign clients, so
// substring matching is the best signal available. The reaction matches a
// failed verification: drop the copy, try the next.
var candidateGoneHints = []string{
	"not found",
	"not shared",
	"no longer available",
	"invalid file",
}

// Classify buckets an error. Sentinels are matched first, OS conditions
// next, string hints last. Unknown errors count as transient; the attempt
// budget bounds them anyway.
func Classify(err error) Category {
	switch {
	case err == nil:
		return CategoryTransient
	case errors.Is(err, storage.ErrVerification):
		return CategoryVerification
	case errors.Is(err, ErrCorruption):
		return CategoryCorruption
	case errors.Is(err, ErrSourceBusy),
		errors.Is(err, storage.ErrSwap),
		errors.Is(err, context.DeadlineExceeded):
		return CategoryTransient
	}

	for _, errno := range resourceErrnos {
		if errors.Is(err, errno) {
			return CategoryResource
		}
	}
	if os.IsPermission(err) {
		return CategoryResource
	}

	msg := strings.ToLower(err.Error())
	for _, hint := range candidateGoneHints {
		if strings.Contains(msg, hint) {
			return CategoryVerification
		}
	}
	return CategoryTransient
}
