package storage

import "context"

// WriteFunc produces the staged content at tmpPath. It must create the file
// itself and respect the context; the coordinator never passes it the real
// target.
type WriteFunc func(ctx context.Context, tmpPath string) error

// VerifyFunc checks a staged file before it is promoted. A non-nil error
// vetoes the swap.
type VerifyFunc func(path string) error

// Mirror replicates committed library files to secondary storage after the
// local write has landed. Mirror failures never unwind a commit.
type Mirror interface {
	Upload(ctx context.Context, localPath, remoteName string) error
	Exists(ctx context.Context, remoteName string) (bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}
