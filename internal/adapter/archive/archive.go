// Package archive stores workload outputs keyed by run and output hash.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Archive keeps a copy of every output whose digest is settled on the ledger.
type Archive interface {
	Put(ctx context.Context, runID, outputHash string, payload []byte) error
}

// Config configures the MinIO archive.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// Enabled reports whether an endpoint is configured.
func (c Config) Enabled() bool {
	return c.Endpoint != ""
}

func (c Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("archive endpoint is required")
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		return errors.New("archive credentials are required")
	}
	if c.Bucket == "" {
		return errors.New("archive bucket is required")
	}
	return nil
}

// ObjectKey is where the output of a run is stored.
func ObjectKey(runID, outputHash string) string {
	return path.Join("runs", runID, outputHash+".json")
}

// MinIO stores outputs in an S3 compatible bucket.
type MinIO struct {
	client *minio.Client
	bucket string
	region string

	mu    sync.Mutex
	ready bool
}

var _ Archive = (*MinIO)(nil)

// NewMinIO creates the client. The bucket is created lazily on first Put.
func NewMinIO(cfg Config) (*MinIO, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &MinIO{client: client, bucket: cfg.Bucket, region: cfg.Region}, nil
}

// Put uploads payload under ObjectKey(runID, outputHash).
func (m *MinIO) Put(ctx context.Context, runID, outputHash string, payload []byte) error {
	if err := m.ensureBucket(ctx); err != nil {
		return err
	}
	_, err := m.client.PutObject(ctx, m.bucket, ObjectKey(runID, outputHash),
		bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{
			ContentType:  "application/json",
			UserMetadata: map[string]string{"output-sha256": outputHash},
		})
	if err != nil {
		return fmt.Errorf("put output %s: %w", runID, err)
	}
	return nil
}

func (m *MinIO) ensureBucket(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ready {
		return nil
	}
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("bucket exists: %w", err)
	}
	if !exists {
		if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{Region: m.region}); err != nil {
			return fmt.Errorf("make bucket %s: %w", m.bucket, err)
		}
	}
	m.ready = true
	return nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Memory is an in-process Archive for tests. With no endpoint configured the
// runner keeps no archive at all.
type Memory struct {
	mu       sync.Mutex
	objects  map[string][]byte
	failWith error
}

var _ Archive = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

func (m *Memory) Put(ctx context.Context, runID, outputHash string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	m.objects[ObjectKey(runID, outputHash)] = append([]byte(nil), payload...)
	return nil
}

// Get returns a stored object.
func (m *Memory) Get(runID, outputHash string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[ObjectKey(runID, outputHash)]
	return b, ok
}

// FailWith makes every Put return err until called with nil.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}
