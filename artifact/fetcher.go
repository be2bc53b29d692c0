// Package artifact resolves model and scaler artifact URIs to local files.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"retailforecast/config"
)

// ErrArtifactUnavailable marks every failure to resolve an artifact: missing
// object or file, unreachable store, or rejected credentials.
var ErrArtifactUnavailable = errors.New("artifact unavailable")

// ObjectGetter is the subset of the S3 API the fetcher needs.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Fetcher downloads s3:// URIs into a fixed temp directory and passes local
// paths through unchanged.
type Fetcher struct {
	tmpDir string
	logger *zap.Logger

	mu        sync.Mutex
	client    ObjectGetter
	newClient func(ctx context.Context) (ObjectGetter, error)
}

// NewFetcher builds a fetcher whose S3 client is created on first remote fetch.
func NewFetcher(cfg config.S3Config, tmpDir string, logger *zap.Logger) *Fetcher {
	return &Fetcher{
		tmpDir: tmpDir,
		logger: logger,
		newClient: func(ctx context.Context) (ObjectGetter, error) {
			return newS3Client(ctx, cfg)
		},
	}
}

// NewFetcherWithClient builds a fetcher around an existing S3 client.
func NewFetcherWithClient(client ObjectGetter, tmpDir string, logger *zap.Logger) *Fetcher {
	return &Fetcher{tmpDir: tmpDir, logger: logger, client: client}
}

// Fetch returns a local path holding the artifact named by uri. Remote objects
// are written to tmpDir/localName, replacing any previous download.
func (f *Fetcher) Fetch(ctx context.Context, uri, localName string) (string, error) {
	if uri == "" {
		return "", fmt.Errorf("%w: empty uri", ErrArtifactUnavailable)
	}
	if !strings.Contains(uri, "://") {
		return localPath(uri)
	}

	parsed, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("%w: parse %q: %w", ErrArtifactUnavailable, uri, err)
	}
	switch parsed.Scheme {
	case "file":
		return localPath(parsed.Path)
	case "s3":
		bucket := parsed.Host
		key := strings.TrimPrefix(parsed.Path, "/")
		if bucket == "" || key == "" {
			return "", fmt.Errorf("%w: %q has no bucket or key", ErrArtifactUnavailable, uri)
		}
		dst := filepath.Join(f.tmpDir, localName)
		if err := f.download(ctx, bucket, key, dst); err != nil {
			return "", err
		}
		f.logger.Info("downloaded artifact", zap.String("uri", uri), zap.String("path", dst))
		return dst, nil
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrArtifactUnavailable, parsed.Scheme)
	}
}

func (f *Fetcher) download(ctx context.Context, bucket, key, dst string) error {
	client, err := f.s3Client(ctx)
	if err != nil {
		return fmt.Errorf("%w: s3 client: %w", ErrArtifactUnavailable, err)
	}

	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("%w: s3://%s/%s: %s", ErrArtifactUnavailable, bucket, key, describeS3Error(err))
	}
	defer out.Body.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("%w: %w", ErrArtifactUnavailable, err)
	}
	file, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrArtifactUnavailable, err)
	}
	if _, err := io.Copy(file, out.Body); err != nil {
		file.Close()
		os.Remove(dst)
		return fmt.Errorf("%w: read s3://%s/%s: %w", ErrArtifactUnavailable, bucket, key, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrArtifactUnavailable, err)
	}
	return nil
}

func (f *Fetcher) s3Client(ctx context.Context) (ObjectGetter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.client != nil {
		return f.client, nil
	}
	if f.newClient == nil {
		return nil, errors.New("no s3 client configured")
	}
	client, err := f.newClient(ctx)
	if err != nil {
		return nil, err
	}
	f.client = client
	return client, nil
}

func localPath(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrArtifactUnavailable, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", ErrArtifactUnavailable, path)
	}
	return path, nil
}
