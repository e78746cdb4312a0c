package storage

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ReportLocation says where a stored report can be found.
type ReportLocation struct {
	Backend string `json:"backend"`
	Key     string `json:"key"`
	URL     string `json:"url"`
}

// ReportStore persists rendered report files.
type ReportStore interface {
	SaveReport(ctx context.Context, name string, data []byte, contentType string) (*ReportLocation, error)
	Name() string
}

// reportKey keeps only the base name so callers cannot escape the report prefix.
func reportKey(name string) (string, error) {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" || base == ".." || base == "" {
		return "", fmt.Errorf("invalid report name %q", name)
	}
	return base, nil
}

// LocalReportStore writes reports under a directory.
type LocalReportStore struct {
	dir string
}

// NewLocalReportStore creates the directory if needed.
func NewLocalReportStore(dir string) (*LocalReportStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create report directory %s: %w", dir, err)
	}
	return &LocalReportStore{dir: dir}, nil
}

func (s *LocalReportStore) Name() string { return "local" }

// SaveReport writes the file atomically via a temp file and rename.
func (s *LocalReportStore) SaveReport(ctx context.Context, name string, data []byte, _ string) (*ReportLocation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := reportKey(name)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(s.dir, key)
	tmp, err := os.CreateTemp(s.dir, key+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp report: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("failed to write report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to close report: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return nil, fmt.Errorf("failed to move report into place: %w", err)
	}

	return &ReportLocation{
		Backend: s.Name(),
		Key:     key,
		URL:     (&url.URL{Scheme: "file", Path: path}).String(),
	}, nil
}

// MinioConfig holds object storage settings.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
	// URLExpiry is the lifetime of presigned download links.
	URLExpiry time.Duration
}

// MinioReportStore uploads reports to a bucket and hands out presigned links.
type MinioReportStore struct {
	client    *minio.Client
	bucket    string
	urlExpiry time.Duration
}

// NewMinioReportStore connects and makes sure the bucket exists.
func NewMinioReportStore(ctx context.Context, cfg MinioConfig) (*MinioReportStore, error) {
	cli, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	exists, err := cli.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := cli.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
		}
	}

	expiry := cfg.URLExpiry
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	return &MinioReportStore{client: cli, bucket: cfg.Bucket, urlExpiry: expiry}, nil
}

func (s *MinioReportStore) Name() string { return "minio" }

// SaveReport uploads under reports/<name> and returns a presigned GET URL.
func (s *MinioReportStore) SaveReport(ctx context.Context, name string, data []byte, contentType string) (*ReportLocation, error) {
	base, err := reportKey(name)
	if err != nil {
		return nil, err
	}
	key := "reports/" + base

	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload report %s: %w", key, err)
	}

	params := url.Values{}
	params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", base))
	link, err := s.client.PresignedGetObject(ctx, s.bucket, key, s.urlExpiry, params)
	if err != nil {
		return nil, fmt.Errorf("failed to presign report %s: %w", key, err)
	}

	return &ReportLocation{Backend: s.Name(), Key: key, URL: link.String()}, nil
}

// Ping checks that the bucket is reachable.
func (s *MinioReportStore) Ping(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucket)
	return err
}
