// Package storage defines the endpoint abstraction the end-to-end runs drive:
// somewhere an object can be written, sized, range-read and removed.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

// ErrNotFound is returned when the requested object does not exist (yet).
// Pollers treat it as transient.
var ErrNotFound = errors.New("object not found")

// Metadata keys attached to uploaded test objects
const (
	MetaTestID     = "e2e-test-id"
	MetaSeedSHA256 = "e2e-seed-sha256"
	MetaSizeBytes  = "e2e-size-bytes"
)

// ObjectInfo describes a stored object
type ObjectInfo struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size"`
	ETag         string            `json:"etag,omitempty"`
	LastModified time.Time         `json:"last_modified"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Endpoint is one side of a transfer
type Endpoint interface {
	// Kind returns the configured endpoint kind ("s3", "sftp", ...)
	Kind() string
	// Describe renders key as a URL-like location for logs and reports
	Describe(key string) string
	// Key maps a bare filename to the full key under the configured prefix
	Key(filename string) string

	Put(ctx context.Context, key string, r io.Reader, size int64, meta map[string]string) error
	// Stat returns ErrNotFound (wrapped) when the object is absent
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	// ReadRange returns exactly length bytes starting at offset
	ReadRange(ctx context.Context, key string, offset, length int64) ([]byte, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

// Lister is implemented by endpoints that can enumerate keys under a prefix
type Lister interface {
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// ServerSideCopier is implemented by endpoints that can copy an object from a
// source endpoint of the same kind without streaming it through this process.
type ServerSideCopier interface {
	CopyFrom(ctx context.Context, src Endpoint, srcKey, dstKey string, size int64) error
}

// IsNotFound reports whether err marks a missing object
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// NotFound wraps ErrNotFound with the location that was looked up
func NotFound(location string) error {
	return fmt.Errorf("%s: %w", location, ErrNotFound)
}

// Discover returns the most recently modified object under prefix whose key is
// filename or ends in "/"+filename.
func Discover(ctx context.Context, l Lister, prefix, filename string) (ObjectInfo, error) {
	objects, err := l.List(ctx, prefix)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("failed to list %q: %w", prefix, err)
	}

	var (
		best  ObjectInfo
		found bool
	)
	for _, obj := range objects {
		if obj.Key != filename && !strings.HasSuffix(obj.Key, "/"+filename) {
			continue
		}
		if !found || obj.LastModified.After(best.LastModified) {
			best = obj
			found = true
		}
	}
	if !found {
		return ObjectInfo{}, NotFound(path.Join(prefix, filename))
	}
	return best, nil
}

// ReadFull reads exactly length bytes from r, failing on a short body.
func ReadFull(r io.Reader, length int64) ([]byte, error) {
	buf := make([]byte, length)
	n, err := io.ReadFull(r, buf)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("short read: got %d of %d bytes", n, length)
		}
		return nil, err
	}
	return buf, nil
}
