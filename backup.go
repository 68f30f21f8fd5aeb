package worldsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// Snapshot is the merged world set as of a completed sync cycle.
type Snapshot struct {
	TakenAt     time.Time   `json:"takenAt"`
	Environment Environment `json:"environment"`
	Worlds      []World     `json:"worlds"`
}

// Snapshotter stores snapshots outside the device.
type Snapshotter interface {
	Snapshot(ctx context.Context, snap Snapshot) error
}

// MinIOBackup uploads snapshots to an S3-compatible bucket. Each snapshot is
// written under a timestamped name and copied to latest.json.
type MinIOBackup struct {
	client *minio.Client
	bucket string
	prefix string
	logger *zap.Logger

	bucketChecked bool
}

// NewMinIOBackup creates a backup target from the [backup] section.
func NewMinIOBackup(cfg BackupConfig, logger *zap.Logger) (*MinIOBackup, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("backup: endpoint and bucket are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       cfg.UseSSL,
		BucketLookup: minio.BucketLookupAuto,
	})
	if err != nil {
		return nil, fmt.Errorf("backup: failed to initialize MinIO client: %w", err)
	}
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix == "" {
		prefix = "worldsync"
	}
	return &MinIOBackup{client: client, bucket: cfg.Bucket, prefix: prefix, logger: logger}, nil
}

func (b *MinIOBackup) ensureBucket(ctx context.Context) error {
	if b.bucketChecked {
		return nil
	}
	exists, err := b.client.BucketExists(ctx, b.bucket)
	if err != nil {
		return fmt.Errorf("backup: check bucket %s: %w", b.bucket, err)
	}
	if !exists {
		if err := b.client.MakeBucket(ctx, b.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("backup: create bucket %s: %w", b.bucket, err)
		}
		b.logger.Info("Created backup bucket", zap.String("bucket", b.bucket))
	}
	b.bucketChecked = true
	return nil
}

// Snapshot uploads snap as JSON.
func (b *MinIOBackup) Snapshot(ctx context.Context, snap Snapshot) error {
	if err := b.ensureBucket(ctx); err != nil {
		return err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("backup: encode snapshot: %w", err)
	}

	name := snapshotObjectName(b.prefix, snap)
	for _, object := range []string{name, path.Join(b.prefix, string(snap.Environment), "latest.json")} {
		_, err := b.client.PutObject(ctx, b.bucket, object, bytes.NewReader(data), int64(len(data)),
			minio.PutObjectOptions{
				ContentType: "application/json",
				UserMetadata: map[string]string{
					"worlds":      fmt.Sprint(len(snap.Worlds)),
					"environment": string(snap.Environment),
				},
			})
		if err != nil {
			return fmt.Errorf("backup: upload %s: %w", object, err)
		}
	}
	b.logger.Debug("Snapshot uploaded",
		zap.String("bucket", b.bucket),
		zap.String("object", name),
		zap.Int("worlds", len(snap.Worlds)))
	return nil
}

func snapshotObjectName(prefix string, snap Snapshot) string {
	return path.Join(prefix, string(snap.Environment),
		snap.TakenAt.UTC().Format("20060102T150405.000Z")+".json")
}
