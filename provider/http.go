// Package provider implements the object storage gateways the transfer
// engine drives: the control plane's token-gated HTTP endpoints, S3
// directly, and a local filesystem store.
package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/franksops/trainworker/api"
	"github.com/franksops/trainworker/engine"
)

// Token headers sent to the storage endpoints.
const (
	HeaderDownloadToken = "x-download-token"
	HeaderUploadToken   = "x-upload-token"
)

// ensure interface is implemented
var _ engine.Gateway = (*HTTPGateway)(nil)

// HTTPGateway talks to the control plane's /download and /upload
// endpoints. Every request goes through the session, so it carries the
// worker credential and the shared retry policy.
type HTTPGateway struct {
	session *api.Session
}

// NewHTTPGateway creates an HTTPGateway over session.
func NewHTTPGateway(session *api.Session) *HTTPGateway {
	return &HTTPGateway{session: session}
}

type tokenResponse struct {
	Token string `json:"token"`
}

type createResponse struct {
	UploadID string `json:"uploadId"`
}

type completeRequest struct {
	Parts []engine.PartDescriptor `json:"parts"`
}

// objectPath escapes each segment of key so nested keys keep their slashes.
func objectPath(prefix, bucket, key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return prefix + "/" + url.PathEscape(bucket) + "/" + strings.Join(segments, "/")
}

func scope(bucket, key string) url.Values {
	return url.Values{"bucket": {bucket}, "key": {key}}
}

func (g *HTTPGateway) token(ctx context.Context, path, bucket, key string) (string, error) {
	req, err := g.session.NewRequest(ctx, http.MethodGet, path, scope(bucket, key), nil)
	if err != nil {
		return "", err
	}
	var out tokenResponse
	if err := g.session.Do(req, "token", &out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", fmt.Errorf("token: empty token for %s/%s", bucket, key)
	}
	return out.Token, nil
}

// DownloadToken requests a download token scoped to bucket/key.
func (g *HTTPGateway) DownloadToken(ctx context.Context, bucket, key string) (string, error) {
	return g.token(ctx, "/download/token", bucket, key)
}

// Open streams the object body.
func (g *HTTPGateway) Open(ctx context.Context, bucket, key, token string) (io.ReadCloser, error) {
	req, err := g.session.NewRequest(ctx, http.MethodGet, objectPath("/download", bucket, key), nil, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(HeaderDownloadToken, token)
	return g.session.Stream(req, "download")
}

// UploadToken requests an upload token scoped to bucket/key.
func (g *HTTPGateway) UploadToken(ctx context.Context, bucket, key string) (string, error) {
	return g.token(ctx, "/upload/token", bucket, key)
}

// CreateMultipart starts a multipart session.
func (g *HTTPGateway) CreateMultipart(ctx context.Context, bucket, key, token string) (string, error) {
	req, err := g.session.NewRequest(ctx, http.MethodPost, objectPath("/upload", bucket, key),
		url.Values{"action": {"mpu-create"}}, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set(HeaderUploadToken, token)

	var out createResponse
	if err := g.session.Do(req, "mpu-create", &out); err != nil {
		return "", err
	}
	if out.UploadID == "" {
		return "", fmt.Errorf("mpu-create: no upload id for %s/%s", bucket, key)
	}
	return out.UploadID, nil
}

// UploadPart sends one part as the raw request body.
func (g *HTTPGateway) UploadPart(ctx context.Context, bucket, key, token, uploadID string, partNumber int, body []byte) (engine.PartDescriptor, error) {
	req, err := g.session.NewRequest(ctx, http.MethodPut, objectPath("/upload", bucket, key), url.Values{
		"action":     {"mpu-uploadpart"},
		"uploadId":   {uploadID},
		"partNumber": {strconv.Itoa(partNumber)},
	}, body)
	if err != nil {
		return engine.PartDescriptor{}, err
	}
	req.Header.Set(HeaderUploadToken, token)
	req.Header.Set("Content-Type", "application/octet-stream")

	var desc engine.PartDescriptor
	if err := g.session.Do(req, "mpu-uploadpart", &desc); err != nil {
		return engine.PartDescriptor{}, err
	}
	return desc, nil
}

// CompleteMultipart posts the ordered part list.
func (g *HTTPGateway) CompleteMultipart(ctx context.Context, bucket, key, token, uploadID string, parts []engine.PartDescriptor) error {
	req, err := g.session.NewJSONRequest(ctx, http.MethodPost, objectPath("/upload", bucket, key), url.Values{
		"action":   {"mpu-complete"},
		"uploadId": {uploadID},
	}, completeRequest{Parts: parts})
	if err != nil {
		return err
	}
	req.Header.Set(HeaderUploadToken, token)
	return g.session.Do(req, "mpu-complete", nil)
}
