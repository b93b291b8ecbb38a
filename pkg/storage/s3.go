// Package storage offloads large version bodies to object storage so
// the relational tier only carries references above a size threshold.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/meshsync/meshsync/pkg/observability"
)

// BlobRefPrefix marks content fields that hold a blob reference rather
// than inline content.
const BlobRefPrefix = "s3ref://"

// Config tunes the blob store.
type Config struct {
	Enabled               bool   `mapstructure:"enabled"`
	Bucket                string `mapstructure:"bucket"`
	Region                string `mapstructure:"region"`
	Endpoint              string `mapstructure:"endpoint"`
	OffloadThresholdBytes int    `mapstructure:"offload_threshold_bytes"`
}

// BlobStore stores and retrieves content bodies by key.
type BlobStore interface {
	Put(ctx context.Context, key string, body []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// S3BlobStore is the production BlobStore on top of S3. Multipart
// upload and download are handled by the transfer manager so multi-MB
// bodies stream instead of buffering whole in one request.
type S3BlobStore struct {
	client     *s3.Client
	uploader   *manager.Uploader
	downloader *manager.Downloader
	bucket     string
	logger     observability.Logger
}

// NewS3BlobStore builds a blob store from ambient AWS credentials.
func NewS3BlobStore(ctx context.Context, cfg Config, logger observability.Logger) (*S3BlobStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("blob store bucket is required")
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, errors.Wrap(err, "failed to load aws config")
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = &cfg.Endpoint
			o.UsePathStyle = true
		}
	})
	return &S3BlobStore{
		client:     client,
		uploader:   manager.NewUploader(client),
		downloader: manager.NewDownloader(client),
		bucket:     cfg.Bucket,
		logger:     logger.WithPrefix("storage.s3"),
	}, nil
}

func (s *S3BlobStore) Put(ctx context.Context, key string, body []byte) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return errors.Wrapf(err, "failed to upload blob %s", key)
	}
	s.logger.Debug("stored blob", map[string]interface{}{"key": key, "bytes": len(body)})
	return nil
}

func (s *S3BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	buf := manager.NewWriteAtBuffer(nil)
	_, err := s.downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to download blob %s", key)
	}
	return buf.Bytes(), nil
}

func (s *S3BlobStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		return errors.Wrapf(err, "failed to delete blob %s", key)
	}
	return nil
}

// ContentOffloader swaps large content bodies for blob references on the
// way into the version store, and back on the way out.
type ContentOffloader struct {
	store     BlobStore
	threshold int
}

// NewContentOffloader creates an offloader. threshold <= 0 disables
// offloading.
func NewContentOffloader(store BlobStore, threshold int) *ContentOffloader {
	return &ContentOffloader{store: store, threshold: threshold}
}

// Offload stores content as a blob when it crosses the threshold and
// returns the reference to persist instead. Small content passes
// through untouched.
func (o *ContentOffloader) Offload(ctx context.Context, contentID uuid.UUID, content string) (string, error) {
	if o == nil || o.store == nil || o.threshold <= 0 || len(content) < o.threshold {
		return content, nil
	}
	key := fmt.Sprintf("versions/%s/%s", contentID, uuid.New())
	if err := o.store.Put(ctx, key, []byte(content)); err != nil {
		return "", err
	}
	return BlobRefPrefix + key, nil
}

// Resolve loads the real body behind a blob reference. Non-reference
// content passes through untouched.
func (o *ContentOffloader) Resolve(ctx context.Context, content string) (string, error) {
	if o == nil || o.store == nil || !strings.HasPrefix(content, BlobRefPrefix) {
		return content, nil
	}
	body, err := o.store.Get(ctx, strings.TrimPrefix(content, BlobRefPrefix))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

var _ BlobStore = (*S3BlobStore)(nil)
