package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// StubStore is content-addressed storage for large I/O payloads. The
// audit trail records only the payload's content hash; the bytes
// themselves live here and are fetched on demand during replay.
type StubStore interface {
	// Put persists data and returns its "sha256:<hex>" reference.
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Exists(ctx context.Context, ref string) (bool, error)
}

func stubRef(data []byte) (ref, raw string) {
	sum := sha256.Sum256(data)
	raw = hex.EncodeToString(sum[:])
	return "sha256:" + raw, raw
}

func parseStubRef(ref string) (string, error) {
	raw, ok := strings.CutPrefix(ref, "sha256:")
	if !ok {
		return "", fmt.Errorf("stub: invalid ref format: %s", ref)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("stub: invalid ref hex: %w", err)
	}
	return raw, nil
}

// FileStubStore keeps payloads under a directory, one file per hash.
type FileStubStore struct {
	baseDir string
	mu      sync.RWMutex
}

func NewFileStubStore(baseDir string) (*FileStubStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("stub: ensure dir: %w", err)
	}
	return &FileStubStore{baseDir: baseDir}, nil
}

func (s *FileStubStore) Put(ctx context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref, raw := stubRef(data)
	path := filepath.Join(s.baseDir, raw+".blob")

	// Content addressing makes writes idempotent.
	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("stub: write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("stub: commit: %w", err)
	}
	return ref, nil
}

func (s *FileStubStore) Get(ctx context.Context, ref string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := parseStubRef(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(s.baseDir, raw+".blob"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("stub: %w: %s", ErrNotFound, ref)
		}
		return nil, fmt.Errorf("stub: open: %w", err)
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (s *FileStubStore) Exists(ctx context.Context, ref string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := parseStubRef(ref)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(filepath.Join(s.baseDir, raw+".blob"))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stub: stat: %w", err)
}

// S3StubStore keeps payloads in an S3 bucket, keyed by hash.
type S3StubStore struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3StubConfig configures the S3 backend. Endpoint supports
// S3-compatible object stores.
type S3StubConfig struct {
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

func NewS3StubStore(ctx context.Context, cfg S3StubConfig) (*S3StubStore, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("stub: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3StubStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *S3StubStore) key(raw string) string {
	return s.prefix + raw + ".blob"
}

func (s *S3StubStore) Put(ctx context.Context, data []byte) (string, error) {
	ref, raw := stubRef(data)
	key := s.key(raw)

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return ref, nil
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return "", fmt.Errorf("stub: s3 put: %w", err)
	}
	return ref, nil
}

func (s *S3StubStore) Get(ctx context.Context, ref string) ([]byte, error) {
	raw, err := parseStubRef(ref)
	if err != nil {
		return nil, err
	}
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(raw)),
	})
	if err != nil {
		return nil, fmt.Errorf("stub: s3 get %s: %w", ref, err)
	}
	defer func() { _ = result.Body.Close() }()
	return io.ReadAll(result.Body)
}

func (s *S3StubStore) Exists(ctx context.Context, ref string) (bool, error) {
	raw, err := parseStubRef(ref)
	if err != nil {
		return false, err
	}
	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(raw)),
	})
	return err == nil, nil
}
