package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/shaiso/procorch/internal/domain"
)

// ObjectStoreConfig — параметры S3-совместимого хранилища.
type ObjectStoreConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	Bucket    string
	UseSSL    bool
	Prefix    string
}

// ObjectStoreConfigFromEnv читает S3_* переменные окружения.
// Возвращает ok=false, если S3_ENDPOINT не задан.
func ObjectStoreConfigFromEnv() (ObjectStoreConfig, bool) {
	endpoint := os.Getenv("S3_ENDPOINT")
	if endpoint == "" {
		return ObjectStoreConfig{}, false
	}

	cfg := ObjectStoreConfig{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("S3_ACCESS_KEY"),
		SecretKey: os.Getenv("S3_SECRET_KEY"),
		Region:    envOr("S3_REGION", "us-east-1"),
		Bucket:    envOr("S3_BUCKET", "procorch-reports"),
		UseSSL:    os.Getenv("S3_USE_SSL") == "true",
		Prefix:    envOr("S3_PREFIX", "reports"),
	}
	return cfg, true
}

// Validate проверяет обязательные поля.
func (c ObjectStoreConfig) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	if strings.TrimSpace(c.AccessKey) == "" || strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("access key and secret key are required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	return nil
}

// objectPutter — часть *minio.Client, нужная ObjectStore.
type objectPutter interface {
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// ObjectStore архивирует отчёты в S3-совместимое хранилище (MinIO).
// Ключ объекта: <prefix>/<process>/<YYYY>/<MM>/<DD>/<execution_id>.json.
type ObjectStore struct {
	client objectPutter
	bucket string
	prefix string
}

// NewObjectStore подключается к хранилищу и создаёт bucket при необходимости.
func NewObjectStore(ctx context.Context, cfg ObjectStoreConfig) (*ObjectStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("object store config: %w", err)
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

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}

	return &ObjectStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// ObjectKey возвращает ключ объекта для отчёта.
func (s *ObjectStore) ObjectKey(r *domain.Report) string {
	key := fmt.Sprintf("%s/%s/%s.json", r.Process, r.Timestamp.UTC().Format("2006/01/02"), r.ExecutionID)
	if s.prefix != "" {
		key = strings.TrimSuffix(s.prefix, "/") + "/" + key
	}
	return key
}

// Save загружает отчёт.
func (s *ObjectStore) Save(ctx context.Context, r *domain.Report) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	_, err = s.client.PutObject(ctx, s.bucket, s.ObjectKey(r), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{
			ContentType: "application/json",
			UserMetadata: map[string]string{
				"process": r.Process,
				"status":  string(r.Status),
			},
		})
	if err != nil {
		return fmt.Errorf("put report %s: %w", r.ExecutionID, err)
	}
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
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
