package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestViper returns a viper instance with defaults and no config file.
func newTestViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	return v
}

func setValidEndpoints(v *viper.Viper) {
	v.Set("source.kind", "s3")
	v.Set("source.bucket", "src-bucket")
	v.Set("target.kind", "s3")
	v.Set("target.bucket", "tgt-bucket")
}

func TestLoad_Defaults(t *testing.T) {
	v := newTestViper()
	setValidEndpoints(v)

	cfg, err := Load(v)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, ByteSize(1000*1000), cfg.TestSize)
	assert.Equal(t, "s3-s3", cfg.Label)

	assert.Equal(t, ModeStream, cfg.Transfer.Mode)
	assert.Equal(t, ByteSize(1024*1024), cfg.Transfer.IOChunkBytes)
	assert.Equal(t, ByteSize(100*1024*1024), cfg.Transfer.MultipartThreshold)
	assert.Equal(t, ByteSize(256*1024*1024), cfg.Transfer.MultipartChunkSize)

	assert.Equal(t, 5*time.Second, cfg.Poll.Interval)
	assert.Equal(t, 3, cfg.Poll.StablePolls)
	assert.Equal(t, time.Hour, cfg.Poll.Timeout)

	assert.Equal(t, 8, cfg.Verify.SpotChecks)
	assert.Equal(t, ByteSize(256*1024), cfg.Verify.SpotCheckBytes)
	assert.True(t, cfg.Verify.CompareSource)

	assert.Equal(t, KeyModeExact, cfg.Target.KeyMode)
	assert.Equal(t, "/", cfg.Target.RemoteDir)
}

func TestLoad_HumanSizesAndDurations(t *testing.T) {
	v := newTestViper()
	setValidEndpoints(v)
	v.Set("test_size", "20GiB")
	v.Set("verify.spot_check_bytes", "1MiB")
	v.Set("transfer.part_size", "128MiB")
	v.Set("poll.interval", "250ms")
	v.Set("poll.timeout", "2h")

	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, ByteSize(20*1024*1024*1024), cfg.TestSize)
	assert.Equal(t, ByteSize(1024*1024), cfg.Verify.SpotCheckBytes)
	assert.Equal(t, ByteSize(128*1024*1024), cfg.Transfer.PartSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Poll.Interval)
	assert.Equal(t, 2*time.Hour, cfg.Poll.Timeout)
}

func TestLoad_PrefixNormalization(t *testing.T) {
	v := newTestViper()
	setValidEndpoints(v)
	v.Set("source.prefix", "/incoming")
	v.Set("target.prefix", "landing/")
	v.Set("target.remote_dir", "/upload/")

	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, "incoming/", cfg.Source.Prefix)
	assert.Equal(t, "landing/", cfg.Target.Prefix)
	assert.Equal(t, "/upload", cfg.Target.RemoteDir)
}

func TestNormalizePrefix(t *testing.T) {
	assert.Equal(t, "", NormalizePrefix(""))
	assert.Equal(t, "", NormalizePrefix("/"))
	assert.Equal(t, "a/b/", NormalizePrefix("/a/b"))
	assert.Equal(t, "a/", NormalizePrefix("a/"))
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name     string
		settings map[string]interface{}
		errorMsg string
	}{
		{
			name:     "missing source bucket",
			settings: map[string]interface{}{"source.bucket": ""},
			errorMsg: "source.bucket is required",
		},
		{
			name:     "unsupported kind",
			settings: map[string]interface{}{"target.kind": "ftp"},
			errorMsg: "unsupported kind 'ftp'",
		},
		{
			name: "sftp without key",
			settings: map[string]interface{}{
				"target.kind":     "sftp",
				"target.host":     "sftp.example.com",
				"target.username": "e2e",
			},
			errorMsg: "target.private_key_path is required",
		},
		{
			name:     "local without path",
			settings: map[string]interface{}{"source.kind": "local"},
			errorMsg: "source.path is required",
		},
		{
			name:     "minio without endpoint",
			settings: map[string]interface{}{"target.kind": "minio"},
			errorMsg: "target.endpoint is required",
		},
		{
			name: "server copy across kinds",
			settings: map[string]interface{}{
				"transfer.mode": "server-copy",
				"target.kind":   "local",
				"target.path":   "/tmp/x",
			},
			errorMsg: "server-copy requires two s3 or two minio endpoints",
		},
		{
			name:     "unknown mode",
			settings: map[string]interface{}{"transfer.mode": "teleport"},
			errorMsg: "unsupported mode 'teleport'",
		},
		{
			name:     "zero size",
			settings: map[string]interface{}{"test_size": 0},
			errorMsg: "test_size must be positive",
		},
		{
			name:     "zero spot checks",
			settings: map[string]interface{}{"verify.spot_checks": 0},
			errorMsg: "verify.spot_checks must be at least 1",
		},
		{
			name:     "zero stable polls",
			settings: map[string]interface{}{"poll.stable_polls": 0},
			errorMsg: "poll.stable_polls must be at least 1",
		},
		{
			name:     "small part size",
			settings: map[string]interface{}{"transfer.part_size": "1MiB"},
			errorMsg: "transfer.part_size: minimum value is 5MiB",
		},
		{
			name:     "discover on source",
			settings: map[string]interface{}{"source.key_mode": "discover"},
			errorMsg: "discover is only supported on the target",
		},
		{
			name:     "bad key mode",
			settings: map[string]interface{}{"target.key_mode": "guess"},
			errorMsg: "target.key_mode must be 'exact' or 'discover'",
		},
		{
			name:     "bad log format",
			settings: map[string]interface{}{"log_format": "xml"},
			errorMsg: "log_format: unsupported format 'xml'",
		},
		{
			name:     "bad test size string",
			settings: map[string]interface{}{"test_size": "lots"},
			errorMsg: "invalid size",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newTestViper()
			setValidEndpoints(v)
			for k, val := range tt.settings {
				v.Set(k, val)
			}

			cfg, err := Load(v)
			assert.Error(t, err)
			assert.Nil(t, cfg)
			assert.Contains(t, err.Error(), tt.errorMsg)
		})
	}
}

func TestLoad_LabelOverride(t *testing.T) {
	v := newTestViper()
	setValidEndpoints(v)
	v.Set("label", "nightly")

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "nightly", cfg.Label)
}

func TestNewViper_ConfigFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "e2e.yaml")
	content := `
test_size: 50MB
source:
  kind: sftp
  host: src.example.com
  username: e2e
  private_key_path: /keys/id_ed25519
  remote_dir: /inbox/
target:
  kind: s3
  bucket: landing
  key_mode: discover
verify:
  spot_checks: 4
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("XFER_VERIFY_SPOT_CHECK_BYTES", "64KiB")
	t.Setenv("SPOT_CHECKS", "6")

	v := NewViper(path)
	require.NoError(t, ReadInConfig(v, true))

	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, ByteSize(50*1000*1000), cfg.TestSize)
	assert.Equal(t, "sftp-s3", cfg.Label)
	assert.Equal(t, "/inbox", cfg.Source.RemoteDir)
	assert.Equal(t, 22, cfg.Source.Port)
	assert.Equal(t, KeyModeDiscover, cfg.Target.KeyMode)
	assert.Equal(t, ByteSize(64*1024), cfg.Verify.SpotCheckBytes)
	assert.Equal(t, 6, cfg.Verify.SpotChecks)
}

func TestNewViper_LegacyEnv(t *testing.T) {
	t.Setenv("SRC_BUCKET", "legacy-src")
	t.Setenv("TGT_BUCKET", "legacy-tgt")
	t.Setenv("TEST_SIZE", "10MB")
	t.Setenv("WAIT_TIMEOUT_SECONDS", "120")
	t.Setenv("CLEANUP_TGT", "true")

	v := NewViper(filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, "legacy-src", cfg.Source.Bucket)
	assert.Equal(t, "legacy-tgt", cfg.Target.Bucket)
	assert.Equal(t, ByteSize(10*1000*1000), cfg.TestSize)
	assert.Equal(t, 2*time.Minute, cfg.Poll.Timeout)
	assert.True(t, cfg.Target.Cleanup)
}

func TestReadInConfig_MissingExplicitFile(t *testing.T) {
	v := NewViper(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, ReadInConfig(v, true))
}
