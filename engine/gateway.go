package engine

import (
	"context"
	"io"
)

// PartDescriptor is what the storage side returns for an uploaded part. The
// complete call must list them ordered by PartNumber.
type PartDescriptor struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"etag"`
}

// Gateway is the token-gated object storage protocol the engine drives.
// Implementations live in the provider package.
type Gateway interface {
	// DownloadToken returns a short-lived credential scoped to bucket/key.
	DownloadToken(ctx context.Context, bucket, key string) (string, error)

	// Open streams the object body. The caller closes the reader.
	Open(ctx context.Context, bucket, key, token string) (io.ReadCloser, error)

	// UploadToken returns a short-lived credential scoped to bucket/key.
	UploadToken(ctx context.Context, bucket, key string) (string, error)

	// CreateMultipart starts a multipart session and returns its upload id.
	CreateMultipart(ctx context.Context, bucket, key, token string) (string, error)

	// UploadPart stores one part. partNumber is 1-based.
	UploadPart(ctx context.Context, bucket, key, token, uploadID string, partNumber int, body []byte) (PartDescriptor, error)

	// CompleteMultipart assembles the parts, which must be sorted by number.
	CompleteMultipart(ctx context.Context, bucket, key, token, uploadID string, parts []PartDescriptor) error
}
