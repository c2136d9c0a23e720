package destination

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GCSDestination exports files to Google Cloud Storage. GCS writers are
// append-only, so parts are committed in index order even when uploaded
// concurrently.
type GCSDestination struct {
	client *storage.Client
	bucket *storage.BucketHandle
	prefix string
	format Format
}

func newGCS(ctx context.Context, cfg map[string]any) (*GCSDestination, error) {
	bucket := cfgString(cfg, "bucket")
	if bucket == "" {
		return nil, errors.New("gcs destination: bucket is required")
	}
	var opts []option.ClientOption
	if creds := cfgString(cfg, "credentials_json"); creds != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(creds)))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs destination: %w", err)
	}
	format := FormatJSONLines
	if cfgString(cfg, "file_format") == "parquet" {
		format = FormatParquet
	}
	return &GCSDestination{
		client: client,
		bucket: client.Bucket(bucket),
		prefix: cfgString(cfg, "prefix"),
		format: format,
	}, nil
}

func (d *GCSDestination) Kind() string   { return KindGCS }
func (d *GCSDestination) Format() Format { return d.format }
func (d *GCSDestination) Close() error   { return d.client.Close() }

func (d *GCSDestination) Open(ctx context.Context, key string) (Upload, error) {
	obj := d.bucket.Object(d.prefix + key)
	// Writes go to a new generation; nothing is visible until Close.
	w := obj.NewWriter(ctx)
	return &gcsUpload{writer: w, pending: make(map[int][]byte)}, nil
}

type gcsUpload struct {
	writer *storage.Writer

	mu      sync.Mutex
	pending map[int][]byte
	next    int
	aborted bool
}

// UploadPart buffers out-of-order parts and appends every contiguous run to
// the writer, preserving part-index order over completion order.
func (u *gcsUpload) UploadPart(_ context.Context, index int, data []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.aborted {
		return errors.New("gcs upload aborted")
	}
	u.pending[index] = data
	for {
		chunk, ok := u.pending[u.next]
		if !ok {
			return nil
		}
		if _, err := u.writer.Write(chunk); err != nil {
			return classifyGCS(err)
		}
		delete(u.pending, u.next)
		u.next++
	}
}

func (u *gcsUpload) Finalize(_ context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.pending) > 0 {
		return fmt.Errorf("gcs upload finalized with %d unwritten parts", len(u.pending))
	}
	if err := u.writer.Close(); err != nil {
		return classifyGCS(err)
	}
	return nil
}

func (u *gcsUpload) Abort(_ context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.aborted = true
	// Abandoning the writer discards the uncommitted generation.
	_ = u.writer.Close()
	return nil
}

func classifyGCS(err error) error {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	code := fmt.Sprintf("%d", apiErr.Code)
	switch {
	case apiErr.Code == 429 || apiErr.Code == 408 || apiErr.Code >= 500:
		return transient(KindGCS, code, err)
	case apiErr.Code == 401 || apiErr.Code == 403 || apiErr.Code == 404:
		return permanent(KindGCS, code, err)
	}
	return err
}
