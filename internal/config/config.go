package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Endpoint kinds
const (
	KindS3    = "s3"
	KindMinio = "minio"
	KindSFTP  = "sftp"
	KindLocal = "local"
)

// Transfer modes
const (
	ModeServerCopy = "server-copy"
	ModeStream     = "stream"
	ModeExternal   = "external"
)

// Key modes
const (
	KeyModeExact    = "exact"
	KeyModeDiscover = "discover"
)

// minPartSize is the smallest multipart part S3 accepts.
const minPartSize = 5 * 1024 * 1024

// EndpointConfig describes one side of a transfer
type EndpointConfig struct {
	Kind string `mapstructure:"kind"` // "s3", "minio", "sftp" or "local"

	// Object storage
	Bucket             string `mapstructure:"bucket"`
	Prefix             string `mapstructure:"prefix"`
	Region             string `mapstructure:"region"`
	Endpoint           string `mapstructure:"endpoint"` // custom endpoint for S3-compatible storage
	AccessKeyID        string `mapstructure:"access_key_id"`
	SecretKey          string `mapstructure:"secret_key"`
	SessionToken       string `mapstructure:"session_token"`
	UsePathStyle       bool   `mapstructure:"use_path_style"`
	UseTLS             bool   `mapstructure:"use_tls"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"` // Only for development/testing
	ChecksumMode       string `mapstructure:"checksum_mode"`        // "when_supported" (default) or "when_required"

	// SFTP
	Host                 string `mapstructure:"host"`
	Port                 int    `mapstructure:"port"`
	Username             string `mapstructure:"username"`
	PrivateKeyPath       string `mapstructure:"private_key_path"`
	PrivateKeyPassphrase string `mapstructure:"private_key_passphrase"`
	KnownHostsPath       string `mapstructure:"known_hosts_path"` // empty disables host key verification
	RemoteDir            string `mapstructure:"remote_dir"`

	// Local directory
	Path string `mapstructure:"path"`

	// How the object key is found on this endpoint
	KeyMode  string `mapstructure:"key_mode"`  // "exact" (default) or "discover"
	ExactKey string `mapstructure:"exact_key"` // overrides prefix+filename in exact mode

	Cleanup bool `mapstructure:"cleanup"`
}

// TransferConfig holds settings of the copy step
type TransferConfig struct {
	Mode               string        `mapstructure:"mode"`
	IOChunkBytes       ByteSize      `mapstructure:"io_chunk_bytes"`
	PartSize           ByteSize      `mapstructure:"part_size"`   // upload part size for object storage
	Concurrency        int           `mapstructure:"concurrency"` // parallel parts for uploads and copies
	MultipartThreshold ByteSize      `mapstructure:"multipart_threshold"`
	MultipartChunkSize ByteSize      `mapstructure:"multipart_chunk_size"`
	ProgressInterval   time.Duration `mapstructure:"progress_interval"`
}

// PollConfig holds settings of the stability wait
type PollConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	StablePolls int           `mapstructure:"stable_polls"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// VerifyConfig holds settings of the integrity checks
type VerifyConfig struct {
	SpotChecks     int      `mapstructure:"spot_checks"`
	SpotCheckBytes ByteSize `mapstructure:"spot_check_bytes"`
	CompareSource  bool     `mapstructure:"compare_source"` // also compare source ranges against the target
	FullCompare    bool     `mapstructure:"full_compare"`   // stream both objects completely
	Concurrency    int      `mapstructure:"concurrency"`
}

// MonitoringConfig holds monitoring configuration
type MonitoringConfig struct {
	Enabled        bool   `mapstructure:"enabled"`      // Serve metrics while a run is in progress
	BindAddress    string `mapstructure:"bind_address"` // default: :9090
	MetricsPath    string `mapstructure:"metrics_path"` // default: /metrics
	PushgatewayURL string `mapstructure:"pushgateway_url"`
	Job            string `mapstructure:"job"`
}

// JournalConfig holds run history configuration
type JournalConfig struct {
	Path string `mapstructure:"path"` // empty disables the journal
}

// Config holds the application configuration
type Config struct {
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"` // "text" (default) or "json"

	TestSize ByteSize `mapstructure:"test_size"`
	Label    string   `mapstructure:"label"` // defaults to "<source kind>-<target kind>"

	Source EndpointConfig `mapstructure:"source"`
	Target EndpointConfig `mapstructure:"target"`

	Transfer   TransferConfig   `mapstructure:"transfer"`
	Poll       PollConfig       `mapstructure:"poll"`
	Verify     VerifyConfig     `mapstructure:"verify"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Journal    JournalConfig    `mapstructure:"journal"`
}

// NewViper creates a configuration source reading cfgFile (or the default
// locations), XFER_* environment variables and the legacy variable names of the
// old transfer scripts.
func NewViper(cfgFile string) *viper.Viper {
	v := viper.New()

	if cfgFile != "" {
		// Use config file from the flag
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
		v.SetConfigType("yaml")
		v.SetConfigName(".transfer-e2e")
	}

	// Environment variable configuration
	v.SetEnvPrefix("XFER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	bindLegacyEnv(v)

	return v
}

// ReadInConfig reads the config file if one is present. A missing file in the
// default locations is not an error; a missing explicit file is.
func ReadInConfig(v *viper.Viper, explicit bool) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok && !explicit {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Using config file: %s\n", v.ConfigFileUsed())
	return nil
}

// Load unmarshals and validates the configuration held by v
func Load(v *viper.Viper) (*Config, error) {
	migrateLegacyDurations(v)

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		byteSizeHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	normalize(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values. Every key is given a default
// so that environment variables are honoured by Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("test_size", "1MB")
	v.SetDefault("label", "")

	for _, side := range []string{"source", "target"} {
		v.SetDefault(side+".kind", KindS3)
		v.SetDefault(side+".bucket", "")
		v.SetDefault(side+".prefix", "")
		v.SetDefault(side+".region", "us-west-2")
		v.SetDefault(side+".endpoint", "")
		v.SetDefault(side+".access_key_id", "")
		v.SetDefault(side+".secret_key", "")
		v.SetDefault(side+".session_token", "")
		v.SetDefault(side+".use_path_style", false)
		v.SetDefault(side+".use_tls", true)
		v.SetDefault(side+".insecure_skip_verify", false)
		v.SetDefault(side+".checksum_mode", "when_supported")
		v.SetDefault(side+".host", "")
		v.SetDefault(side+".port", 22)
		v.SetDefault(side+".username", "")
		v.SetDefault(side+".private_key_path", "")
		v.SetDefault(side+".private_key_passphrase", "")
		v.SetDefault(side+".known_hosts_path", "")
		v.SetDefault(side+".remote_dir", "/")
		v.SetDefault(side+".path", "")
		v.SetDefault(side+".key_mode", KeyModeExact)
		v.SetDefault(side+".exact_key", "")
		v.SetDefault(side+".cleanup", false)
	}

	// Transfer defaults
	v.SetDefault("transfer.mode", ModeStream)
	v.SetDefault("transfer.io_chunk_bytes", 1024*1024)           // 1MiB
	v.SetDefault("transfer.part_size", 64*1024*1024)             // 64MiB
	v.SetDefault("transfer.concurrency", 10)                     // as the boto3 transfer config
	v.SetDefault("transfer.multipart_threshold", 100*1024*1024)  // 100MiB
	v.SetDefault("transfer.multipart_chunk_size", 256*1024*1024) // 256MiB
	v.SetDefault("transfer.progress_interval", 10*time.Second)

	// Poll defaults
	v.SetDefault("poll.interval", 5*time.Second)
	v.SetDefault("poll.stable_polls", 3)
	v.SetDefault("poll.timeout", time.Hour)

	// Verify defaults
	v.SetDefault("verify.spot_checks", 8)
	v.SetDefault("verify.spot_check_bytes", 256*1024)
	v.SetDefault("verify.compare_source", true)
	v.SetDefault("verify.full_compare", false)
	v.SetDefault("verify.concurrency", 1)

	// Monitoring defaults
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.bind_address", ":9090")
	v.SetDefault("monitoring.metrics_path", "/metrics")
	v.SetDefault("monitoring.pushgateway_url", "")
	v.SetDefault("monitoring.job", "transfer-e2e")

	// Journal defaults
	v.SetDefault("journal.path", "")
}

// legacyEnv maps configuration keys to the variable names used by the old
// transfer scripts. The XFER_ name always wins.
var legacyEnv = map[string][]string{
	"log_level":                     {"LOG_LEVEL"},
	"test_size":                     {"TEST_SIZE"},
	"source.bucket":                 {"SRC_BUCKET"},
	"source.prefix":                 {"SRC_PREFIX"},
	"source.region":                 {"AWS_REGION"},
	"source.host":                   {"SRC_SFTP_HOST"},
	"source.port":                   {"SRC_SFTP_PORT"},
	"source.username":               {"SRC_SFTP_USERNAME"},
	"source.private_key_path":       {"SRC_SFTP_PRIVATE_KEY_PATH"},
	"source.private_key_passphrase": {"SRC_SFTP_PRIVATE_KEY_PASSPHRASE"},
	"source.remote_dir":             {"SRC_SFTP_REMOTE_DIR"},
	"source.cleanup":                {"CLEANUP_SRC"},
	"target.bucket":                 {"TGT_BUCKET"},
	"target.prefix":                 {"TGT_PREFIX"},
	"target.region":                 {"AWS_REGION"},
	"target.host":                   {"TGT_SFTP_HOST"},
	"target.port":                   {"TGT_SFTP_PORT"},
	"target.username":               {"TGT_SFTP_USERNAME"},
	"target.private_key_path":       {"TGT_SFTP_PRIVATE_KEY_PATH"},
	"target.private_key_passphrase": {"TGT_SFTP_PRIVATE_KEY_PASSPHRASE"},
	"target.remote_dir":             {"TGT_SFTP_REMOTE_DIR"},
	"target.cleanup":                {"CLEANUP_TGT"},
	"target.exact_key":              {"S3_EXACT_KEY"},
	"target.key_mode":               {"S3_KEY_MODE"},
	"transfer.io_chunk_bytes":       {"IO_CHUNK_BYTES"},
	"transfer.multipart_threshold":  {"MULTIPART_THRESHOLD"},
	"transfer.multipart_chunk_size": {"MULTIPART_CHUNK_SIZE"},
	"poll.stable_polls":             {"STABLE_POLLS_REQUIRED"},
	"verify.spot_checks":            {"SPOT_CHECKS"},
	"verify.spot_check_bytes":       {"SPOT_CHECK_BYTES"},
}

func bindLegacyEnv(v *viper.Viper) {
	for key, names := range legacyEnv {
		envKey := "XFER_" + strings.ToUpper(strings.NewReplacer(".", "_").Replace(key))
		_ = v.BindEnv(append([]string{key, envKey}, names...)...)
	}
}

// migrateLegacyDurations handles the *_SECONDS variables of the old scripts,
// which carry plain integers rather than durations.
func migrateLegacyDurations(v *viper.Viper) {
	legacy := map[string]string{
		"WAIT_TIMEOUT_SECONDS":  "poll.timeout",
		"POLL_INTERVAL_SECONDS": "poll.interval",
	}
	migratedFields := []string{}

	for env, key := range legacy {
		raw, ok := os.LookupEnv(env)
		if !ok || v.InConfig(key) {
			continue
		}
		if _, set := os.LookupEnv("XFER_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))); set {
			continue
		}
		secs, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			continue
		}
		v.Set(key, time.Duration(secs)*time.Second)
		migratedFields = append(migratedFields, env)
	}

	if len(migratedFields) > 0 {
		fmt.Fprintf(os.Stderr, "Warning: The following environment variables are deprecated:\n")
		for _, field := range migratedFields {
			fmt.Fprintf(os.Stderr, "  - '%s' should be replaced by XFER_%s (a duration such as 30s)\n",
				field, strings.ToUpper(strings.ReplaceAll(legacy[field], ".", "_")))
		}
	}
}

// normalize fills derived values
func normalize(cfg *Config) {
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.Source.Kind = strings.ToLower(strings.TrimSpace(cfg.Source.Kind))
	cfg.Target.Kind = strings.ToLower(strings.TrimSpace(cfg.Target.Kind))
	cfg.Transfer.Mode = strings.ToLower(strings.TrimSpace(cfg.Transfer.Mode))

	for _, ep := range []*EndpointConfig{&cfg.Source, &cfg.Target} {
		ep.KeyMode = strings.ToLower(strings.TrimSpace(ep.KeyMode))
		if ep.KeyMode == "" {
			ep.KeyMode = KeyModeExact
		}
		ep.Prefix = NormalizePrefix(ep.Prefix)
		ep.RemoteDir = strings.TrimRight(ep.RemoteDir, "/")
		if ep.RemoteDir == "" {
			ep.RemoteDir = "/"
		}
	}

	if cfg.Label == "" {
		cfg.Label = cfg.Source.Kind + "-" + cfg.Target.Kind
	}
}

// NormalizePrefix strips a leading slash and ensures a trailing one
func NormalizePrefix(prefix string) string {
	prefix = strings.TrimLeft(strings.TrimSpace(prefix), "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return fmt.Errorf("log_format: unsupported format '%s' (supported: text, json)", cfg.LogFormat)
	}

	if cfg.TestSize <= 0 {
		return fmt.Errorf("test_size must be positive, got %d", cfg.TestSize)
	}

	if err := validateEndpoint("source", &cfg.Source); err != nil {
		return err
	}
	if err := validateEndpoint("target", &cfg.Target); err != nil {
		return err
	}
	if cfg.Source.KeyMode == KeyModeDiscover {
		return fmt.Errorf("source.key_mode: discover is only supported on the target")
	}

	if err := validateTransfer(cfg); err != nil {
		return err
	}

	// Validate poll configuration
	if cfg.Poll.Interval <= 0 {
		return fmt.Errorf("poll.interval must be positive")
	}
	if cfg.Poll.Timeout <= 0 {
		return fmt.Errorf("poll.timeout must be positive")
	}
	if cfg.Poll.StablePolls < 1 {
		return fmt.Errorf("poll.stable_polls must be at least 1, got %d", cfg.Poll.StablePolls)
	}

	// Validate verify configuration
	if cfg.Verify.SpotChecks < 1 {
		return fmt.Errorf("verify.spot_checks must be at least 1, got %d", cfg.Verify.SpotChecks)
	}
	if cfg.Verify.SpotCheckBytes < 1 {
		return fmt.Errorf("verify.spot_check_bytes must be positive")
	}
	if cfg.Verify.Concurrency < 1 {
		return fmt.Errorf("verify.concurrency must be at least 1, got %d", cfg.Verify.Concurrency)
	}

	if cfg.Monitoring.Enabled && cfg.Monitoring.BindAddress == "" {
		return fmt.Errorf("monitoring.bind_address is required when monitoring is enabled")
	}

	return nil
}

// validateEndpoint validates one side of the transfer
func validateEndpoint(side string, ep *EndpointConfig) error {
	switch ep.Kind {
	case KindS3, KindMinio:
		if ep.Bucket == "" {
			return fmt.Errorf("%s.bucket is required for %s endpoints", side, ep.Kind)
		}
		if ep.Kind == KindMinio && ep.Endpoint == "" {
			return fmt.Errorf("%s.endpoint is required for minio endpoints", side)
		}
		if ep.ChecksumMode != "when_supported" && ep.ChecksumMode != "when_required" {
			return fmt.Errorf("%s.checksum_mode: unsupported mode '%s' (supported: when_supported, when_required)", side, ep.ChecksumMode)
		}
	case KindSFTP:
		if ep.Host == "" {
			return fmt.Errorf("%s.host is required for sftp endpoints", side)
		}
		if ep.Username == "" {
			return fmt.Errorf("%s.username is required for sftp endpoints", side)
		}
		if ep.PrivateKeyPath == "" {
			return fmt.Errorf("%s.private_key_path is required for sftp endpoints", side)
		}
		if ep.Port <= 0 || ep.Port > 65535 {
			return fmt.Errorf("%s.port: invalid port %d", side, ep.Port)
		}
	case KindLocal:
		if ep.Path == "" {
			return fmt.Errorf("%s.path is required for local endpoints", side)
		}
	default:
		return fmt.Errorf("%s.kind: unsupported kind '%s' (supported: s3, minio, sftp, local)", side, ep.Kind)
	}

	if ep.KeyMode != KeyModeExact && ep.KeyMode != KeyModeDiscover {
		return fmt.Errorf("%s.key_mode must be 'exact' or 'discover', got '%s'", side, ep.KeyMode)
	}

	return nil
}

// validateTransfer validates the transfer configuration
func validateTransfer(cfg *Config) error {
	t := cfg.Transfer

	switch t.Mode {
	case ModeServerCopy:
		if cfg.Source.Kind != cfg.Target.Kind || (cfg.Source.Kind != KindS3 && cfg.Source.Kind != KindMinio) {
			return fmt.Errorf("transfer.mode: server-copy requires two s3 or two minio endpoints, got %s -> %s", cfg.Source.Kind, cfg.Target.Kind)
		}
	case ModeStream, ModeExternal:
	default:
		return fmt.Errorf("transfer.mode: unsupported mode '%s' (supported: server-copy, stream, external)", t.Mode)
	}

	if t.IOChunkBytes <= 0 {
		return fmt.Errorf("transfer.io_chunk_bytes must be positive")
	}
	if t.Concurrency < 1 {
		return fmt.Errorf("transfer.concurrency must be at least 1, got %d", t.Concurrency)
	}
	if t.PartSize < minPartSize {
		return fmt.Errorf("transfer.part_size: minimum value is 5MiB (5242880 bytes), got %d", t.PartSize)
	}
	if t.MultipartChunkSize < minPartSize {
		return fmt.Errorf("transfer.multipart_chunk_size: minimum value is 5MiB (5242880 bytes), got %d", t.MultipartChunkSize)
	}
	if t.MultipartThreshold < 0 {
		return fmt.Errorf("transfer.multipart_threshold cannot be negative")
	}
	if t.ProgressInterval <= 0 {
		return fmt.Errorf("transfer.progress_interval must be positive")
	}

	return nil
}
