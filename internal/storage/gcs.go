package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// uploadTimeout bounds a single mirror upload.
const uploadTimeout = 5 * time.Minute

// GCSMirror replicates committed library files into a Google Cloud Storage
// bucket. Uploads happen after the local commit; a mirror failure never
// unwinds it.
type GCSMirror struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSMirror connects to a bucket. An empty credentialsFile falls back
// to application default credentials; extra client options let tests point
// at an emulator.
func NewGCSMirror(ctx context.Context, bucket, prefix, credentialsFile string, extra ...option.ClientOption) (*GCSMirror, error) {
	if bucket == "" {
		return nil, fmt.Errorf("mirror bucket name is required")
	}
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	opts = append(opts, extra...)

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}
	return &GCSMirror{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}, nil
}

func (m *GCSMirror) object(name string) string {
	name = strings.TrimPrefix(name, "/")
	if m.prefix != "" {
		return m.prefix + "/" + name
	}
	return name
}

// Upload copies a committed local file into the bucket under remoteName.
func (m *GCSMirror) Upload(ctx context.Context, localPath, remoteName string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening %s for mirroring: %w", localPath, err)
	}
	defer f.Close()

	uctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	obj := m.object(remoteName)
	w := m.client.Bucket(m.bucket).Object(obj).NewWriter(uctx)
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return fmt.Errorf("copying to gs://%s/%s: %w", m.bucket, obj, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing gs://%s/%s: %w", m.bucket, obj, err)
	}
	slog.Debug("Mirrored file", "bucket", m.bucket, "object", obj)
	return nil
}

// Exists reports whether remoteName is already mirrored.
func (m *GCSMirror) Exists(ctx context.Context, remoteName string) (bool, error) {
	_, err := m.client.Bucket(m.bucket).Object(m.object(remoteName)).Attrs(ctx)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrObjectNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("checking gs://%s/%s: %w", m.bucket, m.object(remoteName), err)
	}
}

// List returns mirrored object names under prefix, stripped back to
// library-relative form.
func (m *GCSMirror) List(ctx context.Context, prefix string) ([]string, error) {
	query := &storage.Query{Prefix: m.object(prefix)}
	it := m.client.Bucket(m.bucket).Objects(ctx, query)

	var names []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("listing gs://%s/%s: %w", m.bucket, query.Prefix, err)
		}
		if strings.HasSuffix(attrs.Name, "/") {
			continue
		}
		name := attrs.Name
		if m.prefix != "" {
			name = strings.TrimPrefix(name, m.prefix+"/")
		}
		names = append(names, name)
	}
	return names, nil
}

func (m *GCSMirror) Close() error {
	return m.client.Close()
}
