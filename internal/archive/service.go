// Package archive stores raw webhook payloads in object storage so failed
// deliveries can be replayed and inspected.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"convoops_backend/platform/config"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Service writes delivery payloads to a MinIO bucket.
type Service struct {
	client *minio.Client
	bucket string
}

func NewService(cfg config.ArchiveConfig) (*Service, error) {
	if !cfg.IsArchiveEnabled() {
		return nil, fmt.Errorf("archive storage is not configured")
	}

	client, err := minio.New(cfg.GetArchiveEndpoint(), &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.GetArchiveAccessKey(), cfg.GetArchiveSecretKey(), ""),
		Secure: cfg.GetArchiveUseSSL(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create archive client: %w", err)
	}

	bucket := cfg.GetArchiveBucket()
	if bucket == "" {
		bucket = "webhook-deliveries"
	}

	return &Service{client: client, bucket: bucket}, nil
}

// EnsureBucketExists creates the archive bucket if it doesn't exist.
func (s *Service) EnsureBucketExists(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", s.bucket, err)
		}
	}

	return nil
}

// StoreDeliveryPayload writes the raw payload under a per-org, per-day
// prefix keyed by delivery id.
func (s *Service) StoreDeliveryPayload(ctx context.Context, orgID, deliveryID uuid.UUID, payload []byte) error {
	key := deliveryObjectKey(orgID, deliveryID, time.Now())

	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("failed to archive payload %s: %w", key, err)
	}
	return nil
}

// FetchDeliveryPayload reads an archived payload back. The caller closes
// the returned reader.
func (s *Service) FetchDeliveryPayload(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get archived payload %s: %w", key, err)
	}
	return obj, nil
}

func deliveryObjectKey(orgID, deliveryID uuid.UUID, receivedAt time.Time) string {
	return fmt.Sprintf("%s/%s/%s.json", orgID, receivedAt.UTC().Format("2006-01-02"), deliveryID)
}
