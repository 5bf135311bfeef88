// Package sftpstore binds storage.Endpoint to a directory on an SFTP server.
package sftpstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/guided-traffic/transfer-e2e/internal/config"
	"github.com/guided-traffic/transfer-e2e/internal/storage"
)

const dialTimeout = 30 * time.Second

// Store is a remote directory reached over SFTP
type Store struct {
	client    *sftp.Client
	conn      io.Closer // underlying ssh connection, nil when the caller owns it
	host      string
	user      string
	remoteDir string
	ioChunk   int
	logger    *logrus.Entry
}

// New wraps an established SFTP session
func New(client *sftp.Client, host, user, remoteDir string, ioChunk int, logger *logrus.Entry) *Store {
	if ioChunk <= 0 {
		ioChunk = 1024 * 1024
	}
	if remoteDir == "" {
		remoteDir = "/"
	}
	if logger == nil {
		logger = logrus.WithField("component", "sftp-store")
	}
	return &Store{
		client:    client,
		host:      host,
		user:      user,
		remoteDir: remoteDir,
		ioChunk:   ioChunk,
		logger:    logger.WithField("host", host),
	}
}

// Dial connects to the server described by ep with public key auth
func Dial(ctx context.Context, ep config.EndpointConfig, ioChunk int, logger *logrus.Entry) (*Store, error) {
	signer, err := loadSigner(ep.PrivateKeyPath, ep.PrivateKeyPassphrase)
	if err != nil {
		return nil, err
	}

	hostKeyCallback, err := hostKeyCallback(ep.KnownHostsPath)
	if err != nil {
		return nil, err
	}

	sshCfg := &ssh.ClientConfig{
		User:            ep.Username,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         dialTimeout,
	}

	addr := net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port))
	dialer := net.Dialer{Timeout: dialTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	c, chans, reqs, err := ssh.NewClientConn(netConn, addr, sshCfg)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", addr, err)
	}
	sshClient := ssh.NewClient(c, chans, reqs)

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, fmt.Errorf("failed to start sftp session on %s: %w", addr, err)
	}

	store := New(sftpClient, ep.Host, ep.Username, ep.RemoteDir, ioChunk, logger)
	store.conn = sshClient
	return store, nil
}

func loadSigner(keyPath, passphrase string) (ssh.Signer, error) {
	key, err := os.ReadFile(keyPath) // #nosec G304 - path comes from configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}

	var signer ssh.Signer
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(key, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key %s: %w", keyPath, err)
	}
	return signer, nil
}

// hostKeyCallback verifies against known_hosts when a file is configured
func hostKeyCallback(knownHostsPath string) (ssh.HostKeyCallback, error) {
	if knownHostsPath == "" {
		logrus.WithField("component", "sftp-store").Warn("No known_hosts file configured, host key is not verified")
		return ssh.InsecureIgnoreHostKey(), nil // #nosec G106 - explicit opt-out via configuration
	}
	cb, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load known_hosts %s: %w", knownHostsPath, err)
	}
	return cb, nil
}

// Kind implements storage.Endpoint
func (s *Store) Kind() string { return config.KindSFTP }

// Describe implements storage.Endpoint
func (s *Store) Describe(key string) string {
	if s.user != "" {
		return fmt.Sprintf("sftp://%s@%s%s", s.user, s.host, key)
	}
	return fmt.Sprintf("sftp://%s%s", s.host, key)
}

// Key implements storage.Endpoint
func (s *Store) Key(filename string) string {
	return path.Join(s.remoteDir, filename)
}

// Put writes r to key in io_chunk_bytes writes. SFTP has no metadata; meta is
// ignored.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, size int64, meta map[string]string) error {
	if dir := path.Dir(key); dir != "/" && dir != "." {
		if err := s.client.MkdirAll(dir); err != nil {
			return fmt.Errorf("failed to create %s: %w", s.Describe(dir), err)
		}
	}

	f, err := s.client.Create(key)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", s.Describe(key), err)
	}

	written, err := s.copyChunks(ctx, f, r)
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", s.Describe(key), err)
	}
	if size >= 0 && written != size {
		return fmt.Errorf("wrote %d bytes to %s, expected %d", written, s.Describe(key), size)
	}

	s.logger.WithFields(logrus.Fields{
		"key":  key,
		"size": written,
	}).Debug("Uploaded file")
	return nil
}

func (s *Store) copyChunks(ctx context.Context, w io.Writer, r io.Reader) (int64, error) {
	buf := make([]byte, s.ioChunk)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, readErr := io.ReadFull(r, buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return written, err
			}
			written += int64(n)
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}

// Stat implements storage.Endpoint
func (s *Store) Stat(ctx context.Context, key string) (storage.ObjectInfo, error) {
	fi, err := s.client.Stat(key)
	if err != nil {
		return storage.ObjectInfo{}, s.mapError(err, key, "stat")
	}
	if fi.IsDir() {
		return storage.ObjectInfo{}, fmt.Errorf("%s is a directory", s.Describe(key))
	}
	return storage.ObjectInfo{
		Key:          key,
		Size:         fi.Size(),
		LastModified: fi.ModTime(),
	}, nil
}

// ReadRange implements storage.Endpoint
func (s *Store) ReadRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	if length <= 0 {
		return []byte{}, nil
	}

	f, err := s.client.Open(key)
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
	f, err := s.client.Open(key)
	if err != nil {
		return nil, s.mapError(err, key, "open")
	}
	return f, nil
}

// Delete implements storage.Endpoint
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Remove(key); err != nil {
		return s.mapError(err, key, "remove")
	}
	return nil
}

// List returns every regular file below dir
func (s *Store) List(ctx context.Context, dir string) ([]storage.ObjectInfo, error) {
	if dir == "" {
		dir = s.remoteDir
	}
	dir = strings.TrimRight(dir, "/")
	if dir == "" {
		dir = "/"
	}

	var objects []storage.ObjectInfo
	if err := s.walk(ctx, dir, &objects); err != nil {
		return nil, err
	}
	return objects, nil
}

func (s *Store) walk(ctx context.Context, dir string, out *[]storage.ObjectInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entries, err := s.client.ReadDir(dir)
	if err != nil {
		if isNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to list %s: %w", s.Describe(dir), err)
	}
	for _, fi := range entries {
		p := path.Join(dir, fi.Name())
		if fi.IsDir() {
			if err := s.walk(ctx, p, out); err != nil {
				return err
			}
			continue
		}
		*out = append(*out, storage.ObjectInfo{
			Key:          p,
			Size:         fi.Size(),
			LastModified: fi.ModTime(),
		})
	}
	return nil
}

// Close ends the SFTP session and the ssh connection we opened
func (s *Store) Close() error {
	err := s.client.Close()
	if s.conn != nil {
		if cerr := s.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (s *Store) mapError(err error, key, op string) error {
	if isNotExist(err) {
		return fmt.Errorf("%s %s: %w", op, s.Describe(key), storage.ErrNotFound)
	}
	return fmt.Errorf("failed to %s %s: %w", op, s.Describe(key), err)
}

func isNotExist(err error) bool {
	if errors.Is(err, os.ErrNotExist) {
		return true
	}
	var status *sftp.StatusError
	return errors.As(err, &status) && status.FxCode() == sftp.ErrSSHFxNoSuchFile
}
