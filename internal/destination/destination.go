// Package destination defines the closed interface every export
// destination implements, and maps each destination SDK's native errors
// into a two-class transient/permanent taxonomy.
package destination

import (
	"context"
	"errors"
	"fmt"
)

// Destination kinds accepted by New.
const (
	KindS3        = "s3"
	KindGCS       = "gcs"
	KindAzureBlob = "azblob"
	KindSnowflake = "snowflake"
	KindPostgres  = "postgres"
	KindKafka     = "kafka"
	KindHTTP      = "http"
)

// Upload is one in-progress output file (or message stream) at the
// destination. Parts are identified by index, not by completion order, so
// part uploads may run concurrently. Nothing is visible at the destination
// until Finalize returns.
type Upload interface {
	UploadPart(ctx context.Context, index int, data []byte) error
	Finalize(ctx context.Context) error
	Abort(ctx context.Context) error
}

// Destination is a single export target. The orchestrator and consumer
// depend only on this interface, never on concrete destination types.
type Destination interface {
	Kind() string
	// Open starts a new upload under the given key (an object key, table
	// qualifier or topic, depending on the kind).
	Open(ctx context.Context, key string) (Upload, error)
	// Format is the wire serialization the destination consumes.
	Format() Format
	Close() error
}

// Format selects how record batches are serialized for a destination.
type Format string

const (
	FormatJSONLines Format = "jsonl"
	FormatParquet   Format = "parquet"
)

// TransientError marks a destination failure worth retrying: timeouts,
// rate limits, 5xx-class responses.
type TransientError struct {
	Kind string
	Code string
	Err  error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient %s error (%s): %v", e.Kind, e.Code, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure retrying cannot fix: auth failures,
// missing resources, malformed requests.
type PermanentError struct {
	Kind string
	Code string
	Err  error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent %s error (%s): %v", e.Kind, e.Code, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsTransient reports whether err was classified as retryable.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsPermanent reports whether err was classified as non-retryable.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

func transient(kind, code string, err error) error {
	return &TransientError{Kind: kind, Code: code, Err: err}
}

func permanent(kind, code string, err error) error {
	return &PermanentError{Kind: kind, Code: code, Err: err}
}

// New builds a destination of the given kind from its opaque config map.
func New(ctx context.Context, kind string, config map[string]any) (Destination, error) {
	switch kind {
	case KindS3:
		return newS3(ctx, config)
	case KindGCS:
		return newGCS(ctx, config)
	case KindAzureBlob:
		return newAzureBlob(config)
	case KindSnowflake:
		return newSnowflake(config)
	case KindPostgres:
		return newPostgres(ctx, config)
	case KindKafka:
		return newKafka(config)
	case KindHTTP:
		return newHTTP(config)
	default:
		return nil, fmt.Errorf("unknown destination kind %q", kind)
	}
}

// cfgString reads a string field from an opaque destination config map.
func cfgString(config map[string]any, key string) string {
	if v, ok := config[key].(string); ok {
		return v
	}
	return ""
}

func cfgBool(config map[string]any, key string) bool {
	v, _ := config[key].(bool)
	return v
}
