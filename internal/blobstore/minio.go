package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/recordvault/recordvault/internal/config"
	"github.com/recordvault/recordvault/internal/errs"
)

// MinioStore keeps encrypted blobs in a single MinIO/S3 bucket keyed by
// content digest.
type MinioStore struct {
	client *minio.Client
	bucket string
	region string
}

// NewMinio creates a MinIO-backed store from the Config.
func NewMinio(cfg *config.Config) (*MinioStore, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &MinioStore{client: client, bucket: cfg.BlobBucket, region: cfg.S3Region}, nil
}

// EnsureBucket makes sure the blob bucket exists before use.
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return fmt.Errorf("make bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

// Put uploads data under its content address. An object already present
// under the same digest is identical by construction, so the upload is
// skipped.
func (s *MinioStore) Put(ctx context.Context, data []byte) (string, error) {
	cid := ComputeCID(data)
	key, err := objectKey(cid)
	if err != nil {
		return "", errs.E(errs.KindValidation, "blobstore.Put", err)
	}
	if _, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err == nil {
		return cid, nil
	}
	opts := minio.PutObjectOptions{ContentType: "application/octet-stream"}
	if _, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), opts); err != nil {
		return "", errs.E(errs.KindBlobUnavailable, "blobstore.Put", err)
	}
	return cid, nil
}

// Get fetches the bytes stored under cid.
func (s *MinioStore) Get(ctx context.Context, cid string) ([]byte, error) {
	key, err := objectKey(cid)
	if err != nil {
		return nil, errs.E(errs.KindValidation, "blobstore.Get", err)
	}
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, errs.E(errs.KindBlobUnavailable, "blobstore.Get", err)
	}
	defer obj.Close()
	buf, err := io.ReadAll(obj)
	if err != nil {
		// minio defers "no such key" until the first read.
		var resp minio.ErrorResponse
		if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
			return nil, errs.Errorf(errs.KindBlobMissing, "blobstore.Get", "cid %s", cid)
		}
		return nil, errs.E(errs.KindBlobUnavailable, "blobstore.Get", err)
	}
	return buf, nil
}

// Delete removes the object stored under cid; used only by the orphan
// reconciliation pass.
func (s *MinioStore) Delete(ctx context.Context, cid string) error {
	key, err := objectKey(cid)
	if err != nil {
		return errs.E(errs.KindValidation, "blobstore.Delete", err)
	}
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return errs.E(errs.KindBlobUnavailable, "blobstore.Delete", err)
	}
	return nil
}
