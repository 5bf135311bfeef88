package endpoints

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guided-traffic/transfer-e2e/internal/config"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestOpen_Local(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	ep, err := Open(context.Background(), "target", config.EndpointConfig{
		Kind:   config.KindLocal,
		Path:   dir,
		Prefix: "runs",
	}, config.TransferConfig{IOChunkBytes: 4096}, quietLogger())

	require.NoError(t, err)
	assert.Equal(t, config.KindLocal, ep.Kind())
	assert.Equal(t, "runs/x.bin", ep.Key("x.bin"))
	assert.NoError(t, ep.Close())
}

func TestOpen_S3(t *testing.T) {
	ep, err := Open(context.Background(), "source", config.EndpointConfig{
		Kind:         config.KindS3,
		Bucket:       "bucket",
		Region:       "eu-central-1",
		AccessKeyID:  "a",
		SecretKey:    "b",
		Endpoint:     "localhost:9000",
		ChecksumMode: "when_required",
	}, config.TransferConfig{Concurrency: 2}, quietLogger())

	require.NoError(t, err)
	assert.Equal(t, config.KindS3, ep.Kind())
	assert.Equal(t, "s3://bucket/k", ep.Describe("k"))
}

func TestOpen_Minio(t *testing.T) {
	ep, err := Open(context.Background(), "target", config.EndpointConfig{
		Kind:     config.KindMinio,
		Bucket:   "bucket",
		Endpoint: "minio:9000",
		Region:   "us-east-1",
	}, config.TransferConfig{}, quietLogger())

	require.NoError(t, err)
	assert.Equal(t, config.KindMinio, ep.Kind())
}

func TestOpen_SFTPBadKey(t *testing.T) {
	_, err := Open(context.Background(), "source", config.EndpointConfig{
		Kind:           config.KindSFTP,
		Host:           "127.0.0.1",
		Port:           22,
		Username:       "e2e",
		PrivateKeyPath: filepath.Join(t.TempDir(), "missing"),
	}, config.TransferConfig{}, quietLogger())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "source: failed to read private key")
}

func TestOpen_UnknownKind(t *testing.T) {
	_, err := Open(context.Background(), "target", config.EndpointConfig{Kind: "ftp"}, config.TransferConfig{}, quietLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported endpoint kind")
}

func TestOpenPair(t *testing.T) {
	cfg := &config.Config{
		Source: config.EndpointConfig{Kind: config.KindLocal, Path: filepath.Join(t.TempDir(), "src")},
		Target: config.EndpointConfig{Kind: "bogus"},
	}
	_, _, err := OpenPair(context.Background(), cfg, quietLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target")

	cfg.Target = config.EndpointConfig{Kind: config.KindLocal, Path: filepath.Join(t.TempDir(), "tgt")}
	src, tgt, err := OpenPair(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	assert.NotNil(t, src)
	assert.NotNil(t, tgt)
}
