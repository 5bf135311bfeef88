// Package miniostore binds storage.Endpoint to MinIO and other S3-compatible
// servers through minio-go.
package miniostore

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"

	"github.com/guided-traffic/transfer-e2e/internal/config"
	"github.com/guided-traffic/transfer-e2e/internal/storage"
)

// Store is a bucket on a MinIO server
type Store struct {
	client             *minio.Client
	bucket             string
	prefix             string
	partSize           uint64
	concurrency        uint
	multipartThreshold int64
	logger             *logrus.Entry
}

// New wraps an existing client
func New(client *minio.Client, bucket, prefix string, t config.TransferConfig, logger *logrus.Entry) *Store {
	if logger == nil {
		logger = logrus.WithField("component", "minio-store")
	}
	concurrency := t.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Store{
		client:             client,
		bucket:             bucket,
		prefix:             config.NormalizePrefix(prefix),
		partSize:           uint64(t.PartSize.Int64()),
		concurrency:        uint(concurrency),
		multipartThreshold: t.MultipartThreshold.Int64(),
		logger:             logger.WithField("bucket", bucket),
	}
}

// NewClient creates a MinIO client for ep. The endpoint is host:port; a
// scheme, when present, overrides use_tls.
func NewClient(ep config.EndpointConfig) (*minio.Client, error) {
	host, secure := splitEndpoint(ep.Endpoint, ep.UseTLS)

	opts := &minio.Options{
		Creds:  credentials.NewStaticV4(ep.AccessKeyID, ep.SecretKey, ep.SessionToken),
		Secure: secure,
		Region: ep.Region,
	}
	if ep.UsePathStyle {
		opts.BucketLookup = minio.BucketLookupPath
	}
	if ep.InsecureSkipVerify {
		opts.Transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: true, // #nosec G402 - Only for development/testing
			},
		}
	}

	client, err := minio.New(host, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return client, nil
}

// NewFromConfig creates the client and the store
func NewFromConfig(ep config.EndpointConfig, t config.TransferConfig, logger *logrus.Entry) (*Store, error) {
	client, err := NewClient(ep)
	if err != nil {
		return nil, err
	}
	return New(client, ep.Bucket, ep.Prefix, t, logger), nil
}

func splitEndpoint(endpoint string, useTLS bool) (string, bool) {
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		return strings.TrimSuffix(strings.TrimPrefix(endpoint, "https://"), "/"), true
	case strings.HasPrefix(endpoint, "http://"):
		return strings.TrimSuffix(strings.TrimPrefix(endpoint, "http://"), "/"), false
	default:
		return endpoint, useTLS
	}
}

// Kind implements storage.Endpoint
func (s *Store) Kind() string { return config.KindMinio }

// Describe implements storage.Endpoint
func (s *Store) Describe(key string) string {
	return fmt.Sprintf("minio://%s/%s", s.bucket, key)
}

// Key implements storage.Endpoint
func (s *Store) Key(filename string) string {
	return s.prefix + filename
}

// Put implements storage.Endpoint
func (s *Store) Put(ctx context.Context, key string, r io.Reader, size int64, meta map[string]string) error {
	info, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		UserMetadata: meta,
		ContentType:  "application/octet-stream",
		PartSize:     s.partSize,
		NumThreads:   s.concurrency,
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", s.Describe(key), err)
	}
	s.logger.WithFields(logrus.Fields{
		"key":  key,
		"size": info.Size,
		"etag": info.ETag,
	}).Debug("Uploaded object")
	return nil
}

// Stat implements storage.Endpoint
func (s *Store) Stat(ctx context.Context, key string) (storage.ObjectInfo, error) {
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return storage.ObjectInfo{}, s.mapError(err, key, "stat")
	}
	return toObjectInfo(info), nil
}

// ReadRange implements storage.Endpoint
func (s *Store) ReadRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	if length <= 0 {
		return []byte{}, nil
	}

	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(offset, offset+length-1); err != nil {
		return nil, fmt.Errorf("invalid range for %s: %w", s.Describe(key), err)
	}
	obj, err := s.client.GetObject(ctx, s.bucket, key, opts)
	if err != nil {
		return nil, s.mapError(err, key, "get range")
	}
	defer obj.Close()

	data, err := storage.ReadFull(obj, length)
	if err != nil {
		return nil, s.mapError(err, key, fmt.Sprintf("read offset %d of", offset))
	}
	return data, nil
}

// Open implements storage.Endpoint
func (s *Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.mapError(err, key, "get")
	}
	// GetObject is lazy; Stat surfaces a missing object now
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, s.mapError(err, key, "get")
	}
	return obj, nil
}

// Delete implements storage.Endpoint
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return s.mapError(err, key, "delete")
	}
	return nil
}

// List implements storage.Lister
func (s *Store) List(ctx context.Context, prefix string) ([]storage.ObjectInfo, error) {
	var objects []storage.ObjectInfo
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list minio://%s/%s: %w", s.bucket, prefix, obj.Err)
		}
		objects = append(objects, toObjectInfo(obj))
	}
	return objects, nil
}

// CopyFrom copies an object from another bucket on the same server. Objects
// at or above the multipart threshold are composed server-side in parts.
func (s *Store) CopyFrom(ctx context.Context, src storage.Endpoint, srcKey, dstKey string, size int64) error {
	source, ok := src.(*Store)
	if !ok {
		return fmt.Errorf("server-side copy needs a minio source, got %s", src.Kind())
	}

	logger := s.logger.WithFields(logrus.Fields{
		"source": source.Describe(srcKey),
		"target": s.Describe(dstKey),
		"size":   humanize.IBytes(uint64(size)),
	})
	srcOpts := minio.CopySrcOptions{Bucket: source.bucket, Object: srcKey}

	if size < s.multipartThreshold {
		logger.Info("Copying object server-side")
		if _, err := s.client.CopyObject(ctx, minio.CopyDestOptions{Bucket: s.bucket, Object: dstKey}, srcOpts); err != nil {
			return source.mapError(err, srcKey, "copy")
		}
		return nil
	}

	// ComposeObject does not carry user metadata over by itself
	info, err := source.Stat(ctx, srcKey)
	if err != nil {
		return err
	}
	logger.Info("Composing object server-side")
	_, err = s.client.ComposeObject(ctx, minio.CopyDestOptions{
		Bucket:          s.bucket,
		Object:          dstKey,
		UserMetadata:    info.Metadata,
		ReplaceMetadata: true,
	}, srcOpts)
	if err != nil {
		return fmt.Errorf("failed to compose %s: %w", s.Describe(dstKey), err)
	}
	return nil
}

// Close implements storage.Endpoint
func (s *Store) Close() error { return nil }

func (s *Store) mapError(err error, key, op string) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || (resp.StatusCode == http.StatusNotFound && resp.Code != "NoSuchBucket") {
		return fmt.Errorf("%s %s: %w", op, s.Describe(key), storage.ErrNotFound)
	}
	return fmt.Errorf("failed to %s %s: %w", op, s.Describe(key), err)
}

func toObjectInfo(info minio.ObjectInfo) storage.ObjectInfo {
	var meta map[string]string
	if len(info.UserMetadata) > 0 {
		meta = make(map[string]string, len(info.UserMetadata))
		for k, v := range info.UserMetadata {
			meta[strings.ToLower(k)] = v
		}
	}
	return storage.ObjectInfo{
		Key:          info.Key,
		Size:         info.Size,
		ETag:         strings.Trim(info.ETag, "\""),
		LastModified: info.LastModified,
		Metadata:     meta,
	}
}
