// Package config loads the relay's configuration from the environment (and
// an optional YAML overlay) into a single typed record, decoded once at
// startup as required by spec.md §6.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TransportMode selects which envelope versions the relay accepts.
type TransportMode string

const (
	ModeV1     TransportMode = "v1"
	ModeCompat TransportMode = "compat"
	ModeV2     TransportMode = "v2"
)

// KeySource selects how the v2 transport private key is obtained.
type KeySource string

const (
	KeySourceFile      KeySource = "file"
	KeySourceFileWatch KeySource = "file-watch"
	KeySourceKMIP      KeySource = "kmip"
)

// ReplayBackend selects the replay-nonce cache implementation.
type ReplayBackend string

const (
	ReplayBackendMemory ReplayBackend = "memory"
	ReplayBackendRedis  ReplayBackend = "redis"
)

// FileStorageBackend selects where the File Store writes its durable output.
type FileStorageBackend string

const (
	FileStorageLocal FileStorageBackend = "local"
	FileStorageS3    FileStorageBackend = "s3"
)

// TraceExporter selects the OpenTelemetry span exporter.
type TraceExporter string

const (
	TraceExporterStdout TraceExporter = "stdout"
	TraceExporterJaeger TraceExporter = "jaeger"
	TraceExporterOTLP   TraceExporter = "otlp"
)

// HardwareConfig controls whether AES hardware acceleration is reported/used.
// Mirrors the teacher gateway's config.HardwareConfig.
type HardwareConfig struct {
	EnableAESNI    bool
	EnableARMv8AES bool
}

// SinkConfig describes where audit events are written.
type SinkConfig struct {
	Type          string // "stdout" | "file" | "http"
	Endpoint      string
	FilePath      string
	Headers       map[string]string
	BatchSize     int
	FlushInterval time.Duration
	RetryCount    int
	RetryBackoff  time.Duration
}

// AuditConfig controls the audit logger. Mirrors the teacher gateway's
// config.AuditConfig shape.
type AuditConfig struct {
	Enabled            bool
	MaxEvents          int
	RedactMetadataKeys []string
	Sink               SinkConfig
}

// BackendConfig describes an S3-compatible endpoint. Mirrors the teacher
// gateway's config.BackendConfig, reused here for the File Store's optional
// S3 backend.
type BackendConfig struct {
	Provider  string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
}

// KMIPConfig configures the KMIP key provider.
type KMIPConfig struct {
	Endpoint      string
	TLSServerName string
	ClientCert    string
	ClientKey     string
	CACert        string
	KeyUniqueID   string
}

// Config is the relay's fully-resolved configuration, decoded once at
// startup per spec.md §6.
type Config struct {
	Port string

	APIKey      string
	GitHubPAT   string
	AuthorName  string
	AuthorEmail string
	CommitterName  string
	CommitterEmail string

	ReposDir        string
	SessionsRoot    string
	SessionTTL      time.Duration
	SweepInterval   time.Duration

	TransportMode   TransportMode
	TransportKeyID  string
	TransportKeyPEM string
	TransportKeySource KeySource
	ReplayTTL       time.Duration
	ClockSkew       time.Duration
	EncryptionKey   []byte // 32 bytes, v1 AES-256-GCM key

	ReplayBackend ReplayBackend
	RedisAddr     string

	FileStorageBackend FileStorageBackend
	FileStorageDir     string
	MaxFileSizeBytes   int64
	S3                 BackendConfig

	AllowedRepos []string

	TraceExporter TraceExporter
	JaegerEndpoint string
	OTLPEndpoint   string

	Hardware HardwareConfig
	Audit    AuditConfig
	KMIP     KMIPConfig

	ConfigFile string
}

// overlay is the shape of the optional YAML config file. Only fields that are
// awkward to express as a single environment variable live here; everything
// else is env-only, and env always wins when both are set.
type overlay struct {
	AllowedRepos []string `yaml:"allowedRepos"`
	Audit        struct {
		RedactMetadataKeys []string          `yaml:"redactMetadataKeys"`
		SinkHeaders        map[string]string `yaml:"sinkHeaders"`
	} `yaml:"audit"`
}

// Load parses Config from the environment, applying defaults from spec.md §6
// and SPEC_FULL.md §7.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnvDefault("PORT", "3000"),
		APIKey:         os.Getenv("API_KEY"),
		GitHubPAT:      os.Getenv("GITHUB_PAT"),
		AuthorName:     os.Getenv("GIT_AUTHOR_NAME"),
		AuthorEmail:    os.Getenv("GIT_AUTHOR_EMAIL"),
		CommitterName:  getEnvDefault("GIT_COMMITTER_NAME", os.Getenv("GIT_AUTHOR_NAME")),
		CommitterEmail: getEnvDefault("GIT_COMMITTER_EMAIL", os.Getenv("GIT_AUTHOR_EMAIL")),

		ReposDir:      getEnvDefault("REPOS_DIR", "/data/repos"),
		SessionsRoot:  getEnvDefault("SESSIONS_DIR", "/tmp/relay-sessions"),
		SweepInterval: 60 * time.Second,

		TransportMode:      TransportMode(getEnvDefault("TRANSPORT_CRYPTO_MODE", string(ModeCompat))),
		TransportKeyID:     os.Getenv("TRANSPORT_KEY_ID"),
		TransportKeySource: KeySource(getEnvDefault("TRANSPORT_KEY_SOURCE", string(KeySourceFile))),

		ReplayBackend: ReplayBackend(getEnvDefault("REPLAY_CACHE_BACKEND", string(ReplayBackendMemory))),
		RedisAddr:     os.Getenv("REDIS_ADDR"),

		FileStorageBackend: FileStorageBackend(getEnvDefault("FILE_STORAGE_BACKEND", string(FileStorageLocal))),
		FileStorageDir:     getEnvDefault("FILE_STORAGE_DIR", "/data/files"),

		TraceExporter:  TraceExporter(getEnvDefault("TRACE_EXPORTER", string(TraceExporterStdout))),
		JaegerEndpoint: os.Getenv("JAEGER_ENDPOINT"),
		OTLPEndpoint:   os.Getenv("OTLP_ENDPOINT"),

		ConfigFile: os.Getenv("RELAY_CONFIG_FILE"),
	}

	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API_KEY is required")
	}
	if cfg.GitHubPAT == "" {
		return nil, fmt.Errorf("GITHUB_PAT is required")
	}
	if cfg.AuthorName == "" || cfg.AuthorEmail == "" {
		return nil, fmt.Errorf("GIT_AUTHOR_NAME and GIT_AUTHOR_EMAIL are required")
	}

	var err error
	if cfg.SessionTTL, err = getEnvDurationMs("SESSION_TTL_MS", 600_000); err != nil {
		return nil, err
	}
	if cfg.ReplayTTL, err = getEnvDurationMs("TRANSPORT_REPLAY_TTL_MS", 300_000); err != nil {
		return nil, err
	}
	if cfg.ClockSkew, err = getEnvDurationMs("TRANSPORT_CLOCK_SKEW_MS", 30_000); err != nil {
		return nil, err
	}
	if cfg.MaxFileSizeBytes, err = getEnvInt64("MAX_FILE_SIZE_BYTES", 5*1024*1024*1024); err != nil {
		return nil, err
	}

	if cfg.TransportMode != ModeV1 {
		cfg.TransportKeyID = os.Getenv("TRANSPORT_KEY_ID")
		if cfg.TransportKeyID == "" {
			return nil, fmt.Errorf("TRANSPORT_KEY_ID is required when TRANSPORT_CRYPTO_MODE=%s", cfg.TransportMode)
		}
		if len(cfg.TransportKeyID) > 255 {
			return nil, fmt.Errorf("TRANSPORT_KEY_ID must be at most 255 bytes")
		}
		if cfg.TransportKeySource == KeySourceKMIP {
			cfg.KMIP = KMIPConfig{
				Endpoint:      os.Getenv("KMIP_ENDPOINT"),
				TLSServerName: os.Getenv("KMIP_TLS_SERVER_NAME"),
				ClientCert:    os.Getenv("KMIP_CLIENT_CERT"),
				ClientKey:     os.Getenv("KMIP_CLIENT_KEY"),
				CACert:        os.Getenv("KMIP_CA_CERT"),
				KeyUniqueID:   os.Getenv("KMIP_KEY_ID"),
			}
			if cfg.KMIP.Endpoint == "" || cfg.KMIP.KeyUniqueID == "" {
				return nil, fmt.Errorf("KMIP_ENDPOINT and KMIP_KEY_ID are required when TRANSPORT_KEY_SOURCE=kmip")
			}
		} else {
			raw := os.Getenv("TRANSPORT_PRIVATE_KEY_PEM")
			if raw == "" {
				return nil, fmt.Errorf("TRANSPORT_PRIVATE_KEY_PEM is required when TRANSPORT_CRYPTO_MODE=%s", cfg.TransportMode)
			}
			cfg.TransportKeyPEM = strings.ReplaceAll(raw, `\n`, "\n")
		}
	}

	if cfg.TransportMode != ModeV2 {
		raw := os.Getenv("ENCRYPTION_KEY")
		if raw == "" {
			return nil, fmt.Errorf("ENCRYPTION_KEY is required when TRANSPORT_CRYPTO_MODE=%s", cfg.TransportMode)
		}
		key, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("ENCRYPTION_KEY must be valid base64: %w", err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("ENCRYPTION_KEY must decode to exactly 32 bytes, got %d", len(key))
		}
		cfg.EncryptionKey = key
	}

	if cfg.ReplayBackend == ReplayBackendRedis && cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required when REPLAY_CACHE_BACKEND=redis")
	}

	if cfg.FileStorageBackend == FileStorageS3 {
		cfg.S3 = BackendConfig{
			Provider:  getEnvDefault("S3_PROVIDER", "aws"),
			Region:    os.Getenv("S3_REGION"),
			Endpoint:  os.Getenv("S3_ENDPOINT"),
			AccessKey: os.Getenv("S3_ACCESS_KEY"),
			SecretKey: os.Getenv("S3_SECRET_KEY"),
			Bucket:    os.Getenv("S3_BUCKET"),
		}
		if cfg.S3.Bucket == "" {
			return nil, fmt.Errorf("S3_BUCKET is required when FILE_STORAGE_BACKEND=s3")
		}
	}

	cfg.Hardware = HardwareConfig{
		EnableAESNI:    getEnvBoolDefault("ENABLE_AESNI", true),
		EnableARMv8AES: getEnvBoolDefault("ENABLE_ARMV8_AES", true),
	}

	cfg.Audit = AuditConfig{
		Enabled:   getEnvBoolDefault("AUDIT_ENABLED", true),
		MaxEvents: 10_000,
		Sink: SinkConfig{
			Type:     getEnvDefault("AUDIT_SINK", "stdout"),
			Endpoint: os.Getenv("AUDIT_SINK_ENDPOINT"),
			FilePath: os.Getenv("AUDIT_SINK_FILE"),
		},
	}

	cfg.AllowedRepos = splitAndTrim(getEnvDefault("ALLOWED_REPOS", "*"))

	if cfg.ConfigFile != "" {
		if err := applyOverlay(cfg, cfg.ConfigFile); err != nil {
			return nil, fmt.Errorf("loading RELAY_CONFIG_FILE: %w", err)
		}
	}

	return cfg, nil
}

// applyOverlay merges values from an optional YAML file into cfg for fields
// that were not already set by an environment variable.
func applyOverlay(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var ov overlay
	if err := yaml.Unmarshal(data, &ov); err != nil {
		return err
	}
	if len(ov.AllowedRepos) > 0 && os.Getenv("ALLOWED_REPOS") == "" {
		cfg.AllowedRepos = ov.AllowedRepos
	}
	if len(ov.Audit.RedactMetadataKeys) > 0 {
		cfg.Audit.RedactMetadataKeys = ov.Audit.RedactMetadataKeys
	}
	if len(ov.Audit.SinkHeaders) > 0 {
		cfg.Audit.Sink.Headers = ov.Audit.SinkHeaders
	}
	return nil
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBoolDefault(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getEnvDurationMs(key string, defMs int64) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return time.Duration(defMs) * time.Millisecond, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer number of milliseconds: %w", key, err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func getEnvInt64(key string, def int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
