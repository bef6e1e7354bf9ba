// Package jobstore persists jobs as one JSON object each in a gocloud
// blob bucket. The URL scheme picks the backend, so a local directory and
// a cloud bucket run the same code.
package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/cratepull/cratepull/internal/job"
)

const prefix = "jobs/"

// Store reads and writes job objects under jobs/.
type Store struct {
	bucket *blob.Bucket
}

// Open connects to the bucket behind url (file://, gs://, mem://; the
// caller imports the driver it needs).
func Open(ctx context.Context, url string) (*Store, error) {
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("opening job store %s: %w", url, err)
	}
	return &Store{bucket: bucket}, nil
}

// New wraps an already-open bucket. The caller keeps ownership and closes
// it.
func New(bucket *blob.Bucket) *Store {
	return &Store{bucket: bucket}
}

func key(id string) string {
	return prefix + id + ".json"
}

// SaveJob writes the job's full state, replacing any previous version.
func (s *Store) SaveJob(ctx context.Context, j job.Job) error {
	data, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding job %s: %w", j.ID, err)
	}
	if err := s.bucket.WriteAll(ctx, key(j.ID), data, nil); err != nil {
		return fmt.Errorf("writing job %s: %w", j.ID, err)
	}
	return nil
}

// LoadJobs reads every stored job. An object that does not decode is
// skipped with a warning rather than poisoning startup.
func (s *Store) LoadJobs(ctx context.Context) ([]job.Job, error) {
	var out []job.Job
	iter := s.bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("listing jobs: %w", err)
		}
		if !strings.HasSuffix(obj.Key, ".json") {
			continue
		}
		data, err := s.bucket.ReadAll(ctx, obj.Key)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", obj.Key, err)
		}
		var j job.Job
		if err := json.Unmarshal(data, &j); err != nil {
			slog.Warn("Skipping unreadable job object", "key", obj.Key, "error", err)
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

// DeleteJob removes a job's object. Deleting an absent job is not an
// error.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	if err := s.bucket.Delete(ctx, key(id)); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return fmt.Errorf("deleting job %s: %w", id, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.bucket.Close()
}
