// Package config centralizes how facescan reads its settings and exposes them
// as strongly typed Go values. Values come from an optional TOML file, then
// from the process environment (a local .env file is loaded first), with
// environment variables taking precedence.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// Result store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
	BackendSQLite   = "sqlite"
)

// Config represents runtime configuration for the service.
type Config struct {
	Address          string
	MaxSelfieBytes   int64
	AllowedTypes     []string
	SessionSecret    []byte
	SessionTTL       time.Duration
	AllowDevSessions bool

	// SessionSecretGenerated is set when no secret was configured and a
	// per-process one was generated; tokens then die with the process.
	SessionSecretGenerated bool

	EngineCommand  string
	EngineArgs     []string
	EngineTimeout  time.Duration
	MatchThreshold float64
	ScratchDir     string

	JobTTL             time.Duration
	ReapInterval       time.Duration
	MaxConcurrentScans int

	ResultBackend string
	DatabaseURL   string
	MongoURI      string
	MongoDatabase string
	SQLitePath    string

	PreviewAPIKey  string
	PreviewTimeout time.Duration

	S3Endpoint    string
	S3AccessKey   string
	S3SecretKey   string
	S3UseSSL      bool
	S3Region      string
	PreviewBucket string

	LogLevel  string
	LogFormat string
}

const (
	defaultAddress        = ":8080"
	defaultMaxSelfieBytes = 10 << 20 // 10 MiB
	defaultAllowedTypes   = "image/jpeg,image/png,image/webp"
	defaultSessionTTL     = 24 * time.Hour
	defaultEngineCommand  = "python3"
	defaultEngineArgs     = "face_scan.py"
	defaultEngineTimeout  = 15 * time.Minute
	defaultJobTTL         = time.Hour
	defaultReapInterval   = 5 * time.Minute
	defaultMongoDatabase  = "facescan"
	defaultSQLitePath     = "data/facescan.db"
	defaultPreviewTimeout = 10 * time.Second
	defaultPreviewBucket  = "facescan-previews"
	defaultS3Region       = "us-east-1"
	defaultLogLevel       = "info"
	defaultLogFormat      = "text"
)

// fileConfig mirrors the TOML layout. Durations are strings ("15m") so the
// file reads the same way as the environment.
type fileConfig struct {
	Server struct {
		Address          string   `toml:"address"`
		MaxSelfieBytes   int64    `toml:"max_selfie_bytes"`
		AllowedTypes     []string `toml:"allowed_types"`
		SessionSecret    string   `toml:"session_secret"`
		SessionTTL       string   `toml:"session_ttl"`
		AllowDevSessions bool     `toml:"allow_dev_sessions"`
	} `toml:"server"`
	Engine struct {
		Command    string   `toml:"command"`
		Args       []string `toml:"args"`
		Timeout    string   `toml:"timeout"`
		Threshold  float64  `toml:"threshold"`
		ScratchDir string   `toml:"scratch_dir"`
	} `toml:"engine"`
	Jobs struct {
		TTL           string `toml:"ttl"`
		ReapInterval  string `toml:"reap_interval"`
		MaxConcurrent int    `toml:"max_concurrent_scans"`
	} `toml:"jobs"`
	Results struct {
		Backend       string `toml:"backend"`
		DatabaseURL   string `toml:"database_url"`
		MongoURI      string `toml:"mongo_uri"`
		MongoDatabase string `toml:"mongo_database"`
		SQLitePath    string `toml:"sqlite_path"`
	} `toml:"results"`
	Preview struct {
		APIKey    string `toml:"api_key"`
		Timeout   string `toml:"timeout"`
		Endpoint  string `toml:"s3_endpoint"`
		AccessKey string `toml:"s3_access_key"`
		SecretKey string `toml:"s3_secret_key"`
		UseSSL    bool   `toml:"s3_use_ssl"`
		Region    string `toml:"s3_region"`
		Bucket    string `toml:"bucket"`
	} `toml:"preview"`
	Log struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"log"`
}

// Load reads configuration falling back to defaults. The TOML file named by
// FACESCAN_CONFIG is optional; a missing .env file is ignored.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path := strings.TrimSpace(os.Getenv("FACESCAN_CONFIG")); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if cfg.SessionSecret == nil {
		cfg.SessionSecret = randomSecret()
		cfg.SessionSecretGenerated = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a Config populated with built-in defaults only.
func Default() *Config {
	return &Config{
		Address:        defaultAddress,
		MaxSelfieBytes: defaultMaxSelfieBytes,
		AllowedTypes:   splitList(defaultAllowedTypes),
		SessionTTL:     defaultSessionTTL,
		EngineCommand:  defaultEngineCommand,
		EngineArgs:     splitList(defaultEngineArgs),
		EngineTimeout:  defaultEngineTimeout,
		ScratchDir:     filepath.Join(os.TempDir(), "facescan"),
		JobTTL:         defaultJobTTL,
		ReapInterval:   defaultReapInterval,
		ResultBackend:  BackendMemory,
		MongoDatabase:  defaultMongoDatabase,
		SQLitePath:     defaultSQLitePath,
		PreviewTimeout: defaultPreviewTimeout,
		S3Region:       defaultS3Region,
		PreviewBucket:  defaultPreviewBucket,
		LogLevel:       defaultLogLevel,
		LogFormat:      defaultLogFormat,
	}
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.MaxSelfieBytes <= 0 {
		errs = append(errs, errors.New("max selfie bytes must be positive"))
	}
	if strings.TrimSpace(c.EngineCommand) == "" {
		errs = append(errs, errors.New("engine command is required"))
	}
	if c.EngineTimeout <= 0 {
		errs = append(errs, errors.New("engine timeout must be positive"))
	}
	if c.JobTTL <= 0 {
		errs = append(errs, errors.New("job ttl must be positive"))
	}
	if c.ReapInterval <= 0 {
		errs = append(errs, errors.New("reap interval must be positive"))
	}
	if c.MaxConcurrentScans < 0 {
		errs = append(errs, errors.New("max concurrent scans cannot be negative"))
	}
	if c.MatchThreshold < 0 || c.MatchThreshold > 100 {
		errs = append(errs, fmt.Errorf("match threshold %.2f outside [0,100]", c.MatchThreshold))
	}
	switch c.ResultBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("postgres backend requires FACESCAN_DATABASE_URL"))
		}
	case BackendMongo:
		if c.MongoURI == "" {
			errs = append(errs, errors.New("mongo backend requires FACESCAN_MONGO_URI"))
		}
	case BackendSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("sqlite backend requires FACESCAN_SQLITE_PATH"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown result backend %q", c.ResultBackend))
	}
	return errors.Join(errs...)
}

// PreviewCacheEnabled reports whether an object store is configured for
// caching preview images.
func (c *Config) PreviewCacheEnabled() bool {
	return c.S3Endpoint != ""
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&c.Address, fc.Server.Address)
	if fc.Server.MaxSelfieBytes > 0 {
		c.MaxSelfieBytes = fc.Server.MaxSelfieBytes
	}
	if len(fc.Server.AllowedTypes) > 0 {
		c.AllowedTypes = fc.Server.AllowedTypes
	}
	if fc.Server.SessionSecret != "" {
		c.SessionSecret = []byte(fc.Server.SessionSecret)
	}
	c.AllowDevSessions = c.AllowDevSessions || fc.Server.AllowDevSessions

	setString(&c.EngineCommand, fc.Engine.Command)
	if len(fc.Engine.Args) > 0 {
		c.EngineArgs = fc.Engine.Args
	}
	if fc.Engine.Threshold > 0 {
		c.MatchThreshold = fc.Engine.Threshold
	}
	setString(&c.ScratchDir, fc.Engine.ScratchDir)
	if fc.Jobs.MaxConcurrent > 0 {
		c.MaxConcurrentScans = fc.Jobs.MaxConcurrent
	}

	setString(&c.ResultBackend, fc.Results.Backend)
	setString(&c.DatabaseURL, fc.Results.DatabaseURL)
	setString(&c.MongoURI, fc.Results.MongoURI)
	setString(&c.MongoDatabase, fc.Results.MongoDatabase)
	setString(&c.SQLitePath, fc.Results.SQLitePath)

	setString(&c.PreviewAPIKey, fc.Preview.APIKey)
	setString(&c.S3Endpoint, fc.Preview.Endpoint)
	setString(&c.S3AccessKey, fc.Preview.AccessKey)
	setString(&c.S3SecretKey, fc.Preview.SecretKey)
	c.S3UseSSL = c.S3UseSSL || fc.Preview.UseSSL
	setString(&c.S3Region, fc.Preview.Region)
	setString(&c.PreviewBucket, fc.Preview.Bucket)

	setString(&c.LogLevel, fc.Log.Level)
	setString(&c.LogFormat, fc.Log.Format)

	durations := []struct {
		field string
		raw   string
		dst   *time.Duration
	}{
		{"server.session_ttl", fc.Server.SessionTTL, &c.SessionTTL},
		{"engine.timeout", fc.Engine.Timeout, &c.EngineTimeout},
		{"jobs.ttl", fc.Jobs.TTL, &c.JobTTL},
		{"jobs.reap_interval", fc.Jobs.ReapInterval, &c.ReapInterval},
		{"preview.timeout", fc.Preview.Timeout, &c.PreviewTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("config %s: %w", d.field, err)
		}
		*d.dst = parsed
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Address = readEnv("FACESCAN_ADDRESS", c.Address)
	c.MaxSelfieBytes = parseInt64("FACESCAN_MAX_SELFIE_BYTES", c.MaxSelfieBytes)
	if v := readEnv("FACESCAN_ALLOWED_TYPES", ""); v != "" {
		c.AllowedTypes = splitList(v)
	}
	if secret := parseSecret("FACESCAN_SESSION_SECRET"); secret != nil {
		c.SessionSecret = secret
	}
	c.SessionTTL = parseDuration("FACESCAN_SESSION_TTL", c.SessionTTL)
	c.AllowDevSessions = parseBool("FACESCAN_ALLOW_DEV_SESSIONS", c.AllowDevSessions)

	c.EngineCommand = readEnv("FACESCAN_ENGINE_COMMAND", c.EngineCommand)
	if v, ok := os.LookupEnv("FACESCAN_ENGINE_ARGS"); ok {
		c.EngineArgs = strings.Fields(v)
	}
	c.EngineTimeout = parseDuration("FACESCAN_ENGINE_TIMEOUT", c.EngineTimeout)
	c.MatchThreshold = parseFloat("FACESCAN_MATCH_THRESHOLD", c.MatchThreshold)
	c.ScratchDir = readEnv("FACESCAN_SCRATCH_DIR", c.ScratchDir)

	c.JobTTL = parseDuration("FACESCAN_JOB_TTL", c.JobTTL)
	c.ReapInterval = parseDuration("FACESCAN_REAP_INTERVAL", c.ReapInterval)
	c.MaxConcurrentScans = parseInt("FACESCAN_MAX_CONCURRENT_SCANS", c.MaxConcurrentScans)

	c.ResultBackend = strings.ToLower(readEnv("FACESCAN_RESULT_BACKEND", c.ResultBackend))
	c.DatabaseURL = readEnv("FACESCAN_DATABASE_URL", c.DatabaseURL)
	c.MongoURI = readEnv("FACESCAN_MONGO_URI", c.MongoURI)
	c.MongoDatabase = readEnv("FACESCAN_MONGO_DATABASE", c.MongoDatabase)
	c.SQLitePath = readEnv("FACESCAN_SQLITE_PATH", c.SQLitePath)

	c.PreviewAPIKey = readEnv("FACESCAN_PREVIEW_API_KEY", c.PreviewAPIKey)
	c.PreviewTimeout = parseDuration("FACESCAN_PREVIEW_TIMEOUT", c.PreviewTimeout)
	c.S3Endpoint = readEnv("FACESCAN_S3_ENDPOINT", c.S3Endpoint)
	c.S3AccessKey = readEnv("FACESCAN_S3_ACCESS_KEY", c.S3AccessKey)
	c.S3SecretKey = readEnv("FACESCAN_S3_SECRET_KEY", c.S3SecretKey)
	c.S3UseSSL = parseBool("FACESCAN_S3_USE_SSL", c.S3UseSSL)
	c.S3Region = readEnv("FACESCAN_S3_REGION", c.S3Region)
	c.PreviewBucket = readEnv("FACESCAN_PREVIEW_BUCKET", c.PreviewBucket)

	c.LogLevel = readEnv("FACESCAN_LOG_LEVEL", c.LogLevel)
	c.LogFormat = readEnv("FACESCAN_LOG_FORMAT", c.LogFormat)
}

func setString(dst *string, v string) {
	if strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func readEnv(key, def string) string {
	// LookupEnv returns (value, true) when the variable is present.
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func splitList(val string) []string {
	out := make([]string, 0)
	for _, part := range strings.Split(val, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseInt64(key string, def int64) int64 {
	// Invalid input is ignored and the default kept.
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			return parsed
		}
	}
	return def
}

func parseInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseFloat(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return def
}

func parseBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseDuration(key string, def time.Duration) time.Duration {
	// time.ParseDuration understands inputs like "5m" or "30s".
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseSecret(key string) []byte {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return []byte(v)
	}
	return nil
}

func randomSecret() []byte {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return []byte(hex.EncodeToString([]byte("fallbacksecret")))
	}
	return buf
}
