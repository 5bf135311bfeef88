// Package s3store binds storage.Endpoint to Amazon S3 and S3-compatible
// services through aws-sdk-go-v2.
package s3store

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"

	"github.com/guided-traffic/transfer-e2e/internal/config"
	"github.com/guided-traffic/transfer-e2e/internal/storage"
)

// API is the subset of the S3 client the store uses
type API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)

	// Multipart upload operations
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	UploadPartCopy(ctx context.Context, params *s3.UploadPartCopyInput, optFns ...func(*s3.Options)) (*s3.UploadPartCopyOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// Options tune uploads and server-side copies
type Options struct {
	PartSize           int64 // upload part size
	Concurrency        int   // parallel parts for uploads and copies
	MultipartThreshold int64 // copies at or above this size use UploadPartCopy
	MultipartChunkSize int64 // part size of multipart copies
}

// Store is an S3 bucket (and key prefix) acting as a transfer endpoint
type Store struct {
	client   API
	uploader *manager.Uploader
	kind     string
	bucket   string
	prefix   string
	opts     Options
	logger   *logrus.Entry
}

// New creates a store on an existing client
func New(client API, bucket, prefix string, opts Options, logger *logrus.Entry) *Store {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.PartSize < manager.MinUploadPartSize {
		opts.PartSize = manager.MinUploadPartSize
	}
	if opts.MultipartChunkSize < manager.MinUploadPartSize {
		opts.MultipartChunkSize = manager.MinUploadPartSize
	}
	if logger == nil {
		logger = logrus.WithField("component", "s3-store")
	}

	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = opts.PartSize
		u.Concurrency = opts.Concurrency
	})

	return &Store{
		client:   client,
		uploader: uploader,
		kind:     config.KindS3,
		bucket:   bucket,
		prefix:   config.NormalizePrefix(prefix),
		opts:     opts,
		logger:   logger.WithField("bucket", bucket),
	}
}

// NewFromConfig builds the S3 client described by ep
func NewFromConfig(ctx context.Context, ep config.EndpointConfig, t config.TransferConfig, logger *logrus.Entry) (*Store, error) {
	client, err := NewClient(ctx, ep)
	if err != nil {
		return nil, err
	}
	return New(client, ep.Bucket, ep.Prefix, Options{
		PartSize:           t.PartSize.Int64(),
		Concurrency:        t.Concurrency,
		MultipartThreshold: t.MultipartThreshold.Int64(),
		MultipartChunkSize: t.MultipartChunkSize.Int64(),
	}, logger), nil
}

// NewClient creates an S3 client for ep. Credentials fall back to the default
// chain when no static keys are configured.
func NewClient(ctx context.Context, ep config.EndpointConfig) (*s3.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(ep.Region),
	}
	if ep.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			ep.AccessKeyID,
			ep.SecretKey,
			ep.SessionToken,
		)))
	}
	if ep.InsecureSkipVerify {
		loadOpts = append(loadOpts, awsconfig.WithHTTPClient(&http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				TLSClientConfig: &tls.Config{
					InsecureSkipVerify: true, // #nosec G402 - Only for development/testing
				},
			},
		}))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	endpoint := endpointURL(ep.Endpoint, ep.UseTLS)
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = ep.UsePathStyle
		if ep.ChecksumMode == "when_required" {
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
			o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		}
	}), nil
}

// endpointURL adds a scheme to a bare host:port endpoint
func endpointURL(endpoint string, useTLS bool) string {
	if endpoint == "" || strings.Contains(endpoint, "://") {
		return endpoint
	}
	if useTLS {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}

// Kind implements storage.Endpoint
func (s *Store) Kind() string { return s.kind }

// Bucket returns the bucket name
func (s *Store) Bucket() string { return s.bucket }

// Describe implements storage.Endpoint
func (s *Store) Describe(key string) string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, key)
}

// Key implements storage.Endpoint
func (s *Store) Key(filename string) string {
	return s.prefix + filename
}

// Put streams r to key through the upload manager. Objects larger than the
// part size become multipart uploads.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, size int64, meta map[string]string) error {
	s.logger.WithFields(logrus.Fields{
		"key":  key,
		"size": size,
	}).Debug("Uploading object")

	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        r,
		Metadata:    meta,
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", s.Describe(key), err)
	}
	return nil
}

// Stat implements storage.Endpoint
func (s *Store) Stat(ctx context.Context, key string) (storage.ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return storage.ObjectInfo{}, s.mapError(err, key, "head")
	}

	info := storage.ObjectInfo{
		Key:      key,
		Size:     aws.ToInt64(out.ContentLength),
		ETag:     TrimETag(aws.ToString(out.ETag)),
		Metadata: lowerKeys(out.Metadata),
	}
	if out.LastModified != nil {
		info.LastModified = *out.LastModified
	}
	return info, nil
}

// ReadRange implements storage.Endpoint
func (s *Store) ReadRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	if length <= 0 {
		return []byte{}, nil
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)),
	})
	if err != nil {
		return nil, s.mapError(err, key, "get range")
	}
	defer out.Body.Close()

	data, err := storage.ReadFull(out.Body, length)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s at offset %d: %w", s.Describe(key), offset, err)
	}
	return data, nil
}

// Open implements storage.Endpoint
func (s *Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, s.mapError(err, key, "get")
	}
	return out.Body, nil
}

// Delete implements storage.Endpoint
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return s.mapError(err, key, "delete")
	}
	return nil
}

// List implements storage.Lister
func (s *Store) List(ctx context.Context, prefix string) ([]storage.ObjectInfo, error) {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	var objects []storage.ObjectInfo
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list s3://%s/%s: %w", s.bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			info := storage.ObjectInfo{
				Key:  aws.ToString(obj.Key),
				Size: aws.ToInt64(obj.Size),
				ETag: TrimETag(aws.ToString(obj.ETag)),
			}
			if obj.LastModified != nil {
				info.LastModified = *obj.LastModified
			}
			objects = append(objects, info)
		}
	}
	return objects, nil
}

// Close implements storage.Endpoint
func (s *Store) Close() error { return nil }

// mapError turns S3 not-found responses into storage.ErrNotFound
func (s *Store) mapError(err error, key, op string) error {
	if isNotFound(err) {
		return fmt.Errorf("%s %s: %w", op, s.Describe(key), storage.ErrNotFound)
	}
	return fmt.Errorf("failed to %s %s: %w", op, s.Describe(key), err)
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "404":
			return true
		case "NoSuchBucket":
			return false
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound {
		return apiErr == nil || apiErr.ErrorCode() != "NoSuchBucket"
	}
	return false
}

// TrimETag strips the quotes S3 puts around ETags
func TrimETag(etag string) string {
	return strings.Trim(etag, "\"")
}

// copySource renders bucket/key for the x-amz-copy-source header
func copySource(bucket, key string) string {
	return (&url.URL{Path: bucket + "/" + key}).EscapedPath()
}

func lowerKeys(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[strings.ToLower(k)] = v
	}
	return out
}
