package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/franksops/trainworker/engine"
)

// ensure interface is implemented
var _ engine.Gateway = (*S3Gateway)(nil)

// S3Options configures NewS3Gateway.
type S3Options struct {
	// Endpoint overrides the S3 endpoint, e.g. for R2 or MinIO.
	Endpoint string
	Region   string
	// PathStyle addresses buckets as endpoint/bucket instead of bucket.endpoint.
	PathStyle bool
	// Prefix is prepended to every key.
	Prefix string
}

// s3API is the subset of *s3.Client the gateway uses.
type s3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// S3Gateway drives S3 multipart uploads directly with credentials from the
// default AWS chain. Tokens are not used; the token calls return "".
type S3Gateway struct {
	client s3API
	prefix string
}

// NewS3Gateway loads the default AWS configuration and creates an S3Gateway.
func NewS3Gateway(ctx context.Context, opts S3Options) (*S3Gateway, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.PathStyle
	})

	return &S3Gateway{client: client, prefix: opts.Prefix}, nil
}

// buildKey constructs the full S3 key based on the gateway's prefix
func (g *S3Gateway) buildKey(key string) string {
	key = strings.TrimPrefix(key, "/")
	if g.prefix == "" {
		return key
	}
	// Avoid double slashes
	full := path.Join(g.prefix, key)
	return strings.TrimPrefix(full, "/")
}

// DownloadToken is a no-op for S3.
func (g *S3Gateway) DownloadToken(ctx context.Context, bucket, key string) (string, error) {
	return "", nil
}

// Open streams the object body.
func (g *S3Gateway) Open(ctx context.Context, bucket, key, token string) (io.ReadCloser, error) {
	out, err := g.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(g.buildKey(key)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s/%s: %w", bucket, key, err)
	}
	return out.Body, nil
}

// UploadToken is a no-op for S3.
func (g *S3Gateway) UploadToken(ctx context.Context, bucket, key string) (string, error) {
	return "", nil
}

// CreateMultipart starts a multipart upload.
func (g *S3Gateway) CreateMultipart(ctx context.Context, bucket, key, token string) (string, error) {
	out, err := g.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(g.buildKey(key)),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create multipart upload for %s/%s: %w", bucket, key, err)
	}
	return aws.ToString(out.UploadId), nil
}

// UploadPart uploads one part.
func (g *S3Gateway) UploadPart(ctx context.Context, bucket, key, token, uploadID string, partNumber int, body []byte) (engine.PartDescriptor, error) {
	out, err := g.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(g.buildKey(key)),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(int32(partNumber)),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
	})
	if err != nil {
		return engine.PartDescriptor{}, fmt.Errorf("failed to upload part %d of %s/%s: %w", partNumber, bucket, key, err)
	}
	return engine.PartDescriptor{PartNumber: partNumber, ETag: aws.ToString(out.ETag)}, nil
}

// CompleteMultipart completes the upload, aborting it if S3 rejects the
// part list so no orphaned parts are left behind.
func (g *S3Gateway) CompleteMultipart(ctx context.Context, bucket, key, token, uploadID string, parts []engine.PartDescriptor) error {
	completed := make([]types.CompletedPart, len(parts))
	for i, p := range parts {
		completed[i] = types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(int32(p.PartNumber)),
		}
	}

	_, err := g.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(bucket),
		Key:             aws.String(g.buildKey(key)),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err == nil {
		return nil
	}

	// Ignore abort errors; the completion error is the one worth reporting
	_, _ = g.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(g.buildKey(key)),
		UploadId: aws.String(uploadID),
	})
	return fmt.Errorf("failed to complete multipart upload for %s/%s: %w", bucket, key, err)
}
