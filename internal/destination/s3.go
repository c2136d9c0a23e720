package destination

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Destination exports files to S3 or a compatible service via multipart
// uploads.
type S3Destination struct {
	client *s3.Client
	bucket string
	prefix string
	format Format
}

func newS3(ctx context.Context, cfg map[string]any) (*S3Destination, error) {
	bucket := cfgString(cfg, "bucket")
	if bucket == "" {
		return nil, errors.New("s3 destination: bucket is required")
	}
	region := cfgString(cfg, "region")
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if access := cfgString(cfg, "aws_access_key_id"); access != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(access, cfgString(cfg, "aws_secret_access_key"), "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3 destination: load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if endpoint := cfgString(cfg, "endpoint_url"); endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}

	format := FormatJSONLines
	if cfgString(cfg, "file_format") == "parquet" {
		format = FormatParquet
	}
	return &S3Destination{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: bucket,
		prefix: cfgString(cfg, "prefix"),
		format: format,
	}, nil
}

func (d *S3Destination) Kind() string   { return KindS3 }
func (d *S3Destination) Format() Format { return d.format }
func (d *S3Destination) Close() error   { return nil }

func (d *S3Destination) Open(ctx context.Context, key string) (Upload, error) {
	fullKey := d.prefix + key
	out, err := d.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		return nil, classifyS3(err)
	}
	return &s3Upload{
		client:   d.client,
		bucket:   d.bucket,
		key:      fullKey,
		uploadID: aws.ToString(out.UploadId),
	}, nil
}

type s3Upload struct {
	client   *s3.Client
	bucket   string
	key      string
	uploadID string

	mu    sync.Mutex
	parts []types.CompletedPart
}

func (u *s3Upload) UploadPart(ctx context.Context, index int, data []byte) error {
	// S3 part numbers start at 1.
	partNumber := int32(index + 1)
	out, err := u.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(u.bucket),
		Key:        aws.String(u.key),
		UploadId:   aws.String(u.uploadID),
		PartNumber: aws.Int32(partNumber),
		Body:       bytes.NewReader(data),
	})
	if err != nil {
		return classifyS3(err)
	}
	u.mu.Lock()
	u.parts = append(u.parts, types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(partNumber)})
	u.mu.Unlock()
	return nil
}

func (u *s3Upload) Finalize(ctx context.Context) error {
	u.mu.Lock()
	parts := make([]types.CompletedPart, len(u.parts))
	copy(parts, u.parts)
	u.mu.Unlock()
	// Parts may complete out of order; S3 requires ascending part numbers.
	sort.Slice(parts, func(i, j int) bool {
		return aws.ToInt32(parts[i].PartNumber) < aws.ToInt32(parts[j].PartNumber)
	})
	_, err := u.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(u.bucket),
		Key:             aws.String(u.key),
		UploadId:        aws.String(u.uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return classifyS3(err)
	}
	return nil
}

func (u *s3Upload) Abort(ctx context.Context) error {
	_, err := u.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(u.bucket),
		Key:      aws.String(u.key),
		UploadId: aws.String(u.uploadID),
	})
	if err != nil {
		return classifyS3(err)
	}
	return nil
}

// classifyS3 maps S3 API errors into the transient/permanent taxonomy.
// Unrecognized errors pass through unclassified for the orchestrator to
// treat as internal failures.
func classifyS3(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	code := apiErr.ErrorCode()
	switch code {
	case "RequestTimeout", "SlowDown", "InternalError", "ServiceUnavailable", "Throttling", "ThrottlingException":
		return transient(KindS3, code, err)
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken",
		"NoSuchBucket", "NoSuchUpload", "AllAccessDisabled":
		return permanent(KindS3, code, err)
	}
	return err
}
