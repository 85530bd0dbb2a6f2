package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/franksops/trainworker/engine"
)

// ErrOutsideRoot is returned for bucket/key pairs that resolve outside the
// gateway root.
var ErrOutsideRoot = errors.New("path escapes storage root")

// ensure interface is implemented
var _ engine.Gateway = (*LocalGateway)(nil)

// mpuDir holds in-progress multipart uploads under the root.
const mpuDir = ".mpu"

// LocalGateway stores objects as files under basePath/<bucket>/<key>. It is
// used for air-gapped runs and tests. Tokens are not checked.
type LocalGateway struct {
	basePath string
}

// NewLocalGateway creates a new LocalGateway rooted at basePath.
func NewLocalGateway(basePath string) *LocalGateway {
	return &LocalGateway{basePath: basePath}
}

func (g *LocalGateway) resolve(bucket, key string) (string, error) {
	root := filepath.Clean(g.basePath)
	full := filepath.Join(root, bucket, filepath.FromSlash(key))
	rel, err := filepath.Rel(root, full)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || strings.HasPrefix(rel, mpuDir) {
		return "", fmt.Errorf("%s/%s: %w", bucket, key, ErrOutsideRoot)
	}
	return full, nil
}

func (g *LocalGateway) uploadDir(uploadID string) (string, error) {
	if _, err := uuid.Parse(uploadID); err != nil {
		return "", fmt.Errorf("invalid upload id %q: %w", uploadID, err)
	}
	return filepath.Join(g.basePath, mpuDir, uploadID), nil
}

func partFile(dir string, partNumber int) string {
	return filepath.Join(dir, strconv.Itoa(partNumber))
}

// DownloadToken returns a placeholder token.
func (g *LocalGateway) DownloadToken(ctx context.Context, bucket, key string) (string, error) {
	return "local", nil
}

// Open opens the object file.
func (g *LocalGateway) Open(ctx context.Context, bucket, key, token string) (io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	full, err := g.resolve(bucket, key)
	if err != nil {
		return nil, err
	}
	return os.Open(full)
}

// UploadToken returns a placeholder token.
func (g *LocalGateway) UploadToken(ctx context.Context, bucket, key string) (string, error) {
	return "local", nil
}

// CreateMultipart allocates a staging directory for the upload's parts.
func (g *LocalGateway) CreateMultipart(ctx context.Context, bucket, key, token string) (string, error) {
	if _, err := g.resolve(bucket, key); err != nil {
		return "", err
	}
	id := uuid.NewString()
	dir, _ := g.uploadDir(id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return id, nil
}

// UploadPart writes one part to the staging directory.
func (g *LocalGateway) UploadPart(ctx context.Context, bucket, key, token, uploadID string, partNumber int, body []byte) (engine.PartDescriptor, error) {
	select {
	case <-ctx.Done():
		return engine.PartDescriptor{}, ctx.Err()
	default:
	}

	dir, err := g.uploadDir(uploadID)
	if err != nil {
		return engine.PartDescriptor{}, err
	}
	if err := os.WriteFile(partFile(dir, partNumber), body, 0644); err != nil {
		return engine.PartDescriptor{}, fmt.Errorf("failed to store part %d: %w", partNumber, err)
	}
	return engine.PartDescriptor{
		PartNumber: partNumber,
		ETag:       strconv.FormatUint(engine.ChecksumBytes(body), 16),
	}, nil
}

// CompleteMultipart concatenates the listed parts into the object file and
// removes the staging directory.
func (g *LocalGateway) CompleteMultipart(ctx context.Context, bucket, key, token, uploadID string, parts []engine.PartDescriptor) error {
	full, err := g.resolve(bucket, key)
	if err != nil {
		return err
	}
	dir, err := g.uploadDir(uploadID)
	if err != nil {
		return err
	}
	if !sort.SliceIsSorted(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber }) {
		return fmt.Errorf("parts for %s/%s are not ordered by part number", bucket, key)
	}

	// Create parent directories if they don't exist
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	for _, p := range parts {
		if err := appendPart(tmp, partFile(dir, p.PartNumber)); err != nil {
			tmp.Close()
			return fmt.Errorf("part %d: %w", p.PartNumber, err)
		}
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmp.Name(), full); err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

func appendPart(dst io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(dst, f)
	return err
}
