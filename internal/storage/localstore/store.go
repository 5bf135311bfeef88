// Package localstore binds storage.Endpoint to a directory, on disk through
// osfs or in memory through memfs.
package localstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/sirupsen/logrus"

	"github.com/guided-traffic/transfer-e2e/internal/config"
	"github.com/guided-traffic/transfer-e2e/internal/storage"
)

// Store is a directory tree acting as a transfer endpoint. It has no object
// metadata; Put ignores it.
type Store struct {
	fs      billy.Filesystem
	name    string
	prefix  string
	ioChunk int
	logger  *logrus.Entry
}

// New wraps fs; name is used in Describe output
func New(fs billy.Filesystem, name, prefix string, ioChunk int, logger *logrus.Entry) *Store {
	if ioChunk <= 0 {
		ioChunk = 1024 * 1024
	}
	if logger == nil {
		logger = logrus.WithField("component", "local-store")
	}
	return &Store{
		fs:      fs,
		name:    name,
		prefix:  config.NormalizePrefix(prefix),
		ioChunk: ioChunk,
		logger:  logger.WithField("root", name),
	}
}

// NewDir opens a directory on disk, creating it if needed
func NewDir(dir, prefix string, ioChunk int, logger *logrus.Entry) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return New(osfs.New(dir), dir, prefix, ioChunk, logger), nil
}

// NewMemory creates an empty in-memory store
func NewMemory(name string) *Store {
	return New(memfs.New(), name, "", 0, nil)
}

// FS exposes the underlying filesystem
func (s *Store) FS() billy.Filesystem { return s.fs }

// Kind implements storage.Endpoint
func (s *Store) Kind() string { return config.KindLocal }

// Describe implements storage.Endpoint
func (s *Store) Describe(key string) string {
	return "file://" + path.Join(s.name, key)
}

// Key implements storage.Endpoint
func (s *Store) Key(filename string) string {
	return s.prefix + filename
}

// Put implements storage.Endpoint
func (s *Store) Put(ctx context.Context, key string, r io.Reader, size int64, meta map[string]string) error {
	if dir := path.Dir(key); dir != "." && dir != "/" {
		if err := s.fs.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create %s: %w", s.Describe(dir), err)
		}
	}

	f, err := s.fs.Create(key)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", s.Describe(key), err)
	}

	written, err := io.CopyBuffer(struct{ io.Writer }{f}, struct{ io.Reader }{&ctxReader{ctx: ctx, r: r}}, make([]byte, s.ioChunk))
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", s.Describe(key), err)
	}
	if size >= 0 && written != size {
		return fmt.Errorf("wrote %d bytes to %s, expected %d", written, s.Describe(key), size)
	}
	return nil
}

// Stat implements storage.Endpoint
func (s *Store) Stat(ctx context.Context, key string) (storage.ObjectInfo, error) {
	fi, err := s.fs.Stat(key)
	if err != nil {
		return storage.ObjectInfo{}, s.mapError(err, key, "stat")
	}
	if fi.IsDir() {
		return storage.ObjectInfo{}, fmt.Errorf("%s is a directory", s.Describe(key))
	}
	return storage.ObjectInfo{Key: key, Size: fi.Size(), LastModified: fi.ModTime()}, nil
}

// ReadRange implements storage.Endpoint
func (s *Store) ReadRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	if length <= 0 {
		return []byte{}, nil
	}
	f, err := s.fs.Open(key)
	if err != nil {
		return nil, s.mapError(err, key, "open")
	}
	defer f.Close()

	buf := make([]byte, length)
	n, err := f.ReadAt(buf, offset)
	if int64(n) == length {
		return buf, nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("short read from %s at offset %d: got %d of %d bytes", s.Describe(key), offset, n, length)
	}
	return nil, fmt.Errorf("failed to read %s at offset %d: %w", s.Describe(key), offset, err)
}

// Open implements storage.Endpoint
func (s *Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	f, err := s.fs.Open(key)
	if err != nil {
		return nil, s.mapError(err, key, "open")
	}
	return f, nil
}

// Delete implements storage.Endpoint
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.fs.Remove(key); err != nil {
		return s.mapError(err, key, "remove")
	}
	return nil
}

// List implements storage.Lister. prefix is a key prefix, not only a
// directory.
func (s *Store) List(ctx context.Context, prefix string) ([]storage.ObjectInfo, error) {
	var objects []storage.ObjectInfo
	if err := s.walk(ctx, "", prefix, &objects); err != nil {
		return nil, err
	}
	return objects, nil
}

func (s *Store) walk(ctx context.Context, dir, prefix string, out *[]storage.ObjectInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entries, err := s.fs.ReadDir(dirOrRoot(dir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to list %s: %w", s.Describe(dir), err)
	}
	for _, fi := range entries {
		p := fi.Name()
		if dir != "" {
			p = dir + "/" + fi.Name()
		}
		if fi.IsDir() {
			// descend only where the prefix can still match
			if strings.HasPrefix(p+"/", prefix) || strings.HasPrefix(prefix, p+"/") {
				if err := s.walk(ctx, p, prefix, out); err != nil {
					return err
				}
			}
			continue
		}
		if strings.HasPrefix(p, prefix) {
			*out = append(*out, storage.ObjectInfo{Key: p, Size: fi.Size(), LastModified: fi.ModTime()})
		}
	}
	return nil
}

// Close implements storage.Endpoint
func (s *Store) Close() error { return nil }

func (s *Store) mapError(err error, key, op string) error {
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%s %s: %w", op, s.Describe(key), storage.ErrNotFound)
	}
	return fmt.Errorf("failed to %s %s: %w", op, s.Describe(key), err)
}

func dirOrRoot(dir string) string {
	if dir == "" {
		return "."
	}
	return dir
}

// ctxReader stops a copy once ctx is done
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
