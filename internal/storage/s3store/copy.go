package s3store

import (
	"context"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/guided-traffic/transfer-e2e/internal/storage"
)

// maxParts is the S3 limit on parts per multipart upload
const maxParts = 10000

// PartRange is the inclusive byte range of one multipart copy part
type PartRange struct {
	Number int32
	First  int64
	Last   int64
}

// Header renders the range for CopySourceRange
func (p PartRange) Header() string {
	return fmt.Sprintf("bytes=%d-%d", p.First, p.Last)
}

// PartRanges splits size bytes into parts of partSize, growing the part size
// when the object would need more than 10000 parts.
func PartRanges(size, partSize int64) []PartRange {
	if size <= 0 {
		return nil
	}
	if partSize <= 0 {
		partSize = size
	}
	for (size+partSize-1)/partSize > maxParts {
		partSize *= 2
	}

	parts := make([]PartRange, 0, (size+partSize-1)/partSize)
	for first, n := int64(0), int32(1); first < size; first, n = first+partSize, n+1 {
		last := first + partSize - 1
		if last >= size {
			last = size - 1
		}
		parts = append(parts, PartRange{Number: n, First: first, Last: last})
	}
	return parts
}

// CopyFrom copies srcKey from another S3 store without moving the data
// through this process. Objects below the multipart threshold use a single
// CopyObject; larger ones are assembled with UploadPartCopy.
func (s *Store) CopyFrom(ctx context.Context, src storage.Endpoint, srcKey, dstKey string, size int64) error {
	source, ok := src.(*Store)
	if !ok {
		return fmt.Errorf("server-side copy needs an s3 source, got %s", src.Kind())
	}

	logger := s.logger.WithFields(logrus.Fields{
		"source": source.Describe(srcKey),
		"target": s.Describe(dstKey),
		"size":   humanize.IBytes(uint64(size)),
	})

	if size < s.opts.MultipartThreshold {
		logger.Info("Copying object server-side")
		_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:            aws.String(s.bucket),
			Key:               aws.String(dstKey),
			CopySource:        aws.String(copySource(source.bucket, srcKey)),
			MetadataDirective: types.MetadataDirectiveCopy,
		})
		if err != nil {
			return source.mapError(err, srcKey, "copy")
		}
		return nil
	}

	return s.multipartCopy(ctx, source, srcKey, dstKey, size, logger)
}

func (s *Store) multipartCopy(ctx context.Context, source *Store, srcKey, dstKey string, size int64, logger *logrus.Entry) error {
	// UploadPartCopy does not carry metadata over
	head, err := source.Stat(ctx, srcKey)
	if err != nil {
		return err
	}

	created, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(dstKey),
		Metadata:    head.Metadata,
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("failed to create multipart upload for %s: %w", s.Describe(dstKey), err)
	}
	uploadID := aws.ToString(created.UploadId)

	parts := PartRanges(size, s.opts.MultipartChunkSize)
	logger.WithFields(logrus.Fields{
		"upload_id": uploadID,
		"parts":     len(parts),
	}).Info("Copying object server-side in parts")

	completed := make([]types.CompletedPart, len(parts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for i, part := range parts {
		g.Go(func() error {
			out, err := s.client.UploadPartCopy(gctx, &s3.UploadPartCopyInput{
				Bucket:          aws.String(s.bucket),
				Key:             aws.String(dstKey),
				UploadId:        aws.String(uploadID),
				PartNumber:      aws.Int32(part.Number),
				CopySource:      aws.String(copySource(source.bucket, srcKey)),
				CopySourceRange: aws.String(part.Header()),
			})
			if err != nil {
				return fmt.Errorf("part %d (%s): %w", part.Number, part.Header(), err)
			}
			var etag *string
			if out.CopyPartResult != nil {
				etag = out.CopyPartResult.ETag
			}
			completed[i] = types.CompletedPart{
				ETag:       etag,
				PartNumber: aws.Int32(part.Number),
			}
			logger.WithField("part", part.Number).Debug("Copied part")
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		s.abort(ctx, dstKey, uploadID, logger)
		return fmt.Errorf("multipart copy to %s failed: %w", s.Describe(dstKey), err)
	}

	sort.Slice(completed, func(i, j int) bool {
		return aws.ToInt32(completed[i].PartNumber) < aws.ToInt32(completed[j].PartNumber)
	})

	_, err = s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(dstKey),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		s.abort(ctx, dstKey, uploadID, logger)
		return fmt.Errorf("failed to complete multipart copy to %s: %w", s.Describe(dstKey), err)
	}
	return nil
}

// abort releases the parts of a failed upload. It runs even when ctx is
// already canceled.
func (s *Store) abort(ctx context.Context, key, uploadID string, logger *logrus.Entry) {
	_, err := s.client.AbortMultipartUpload(context.WithoutCancel(ctx), &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		logger.WithError(err).WithField("upload_id", uploadID).Warn("Failed to abort multipart upload")
	}
}
