package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jo-hoe/shotfolio/internal/common"
)

// Config is the root configuration loaded from YAML.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Browser   BrowserConfig   `yaml:"browser"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Projects  ProjectsConfig  `yaml:"projects"`
}

// ServerConfig holds HTTP server and runtime settings.
type ServerConfig struct {
	Addr            string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	IdleTimeout     time.Duration `yaml:"idleTimeout"`
	MaxUploadSize   ByteSize      `yaml:"maxUploadSize"`
	QueueCapacity   int           `yaml:"queueCapacity"`
	StorageDir      string        `yaml:"storageDir"`
	APIKey          string        `yaml:"apiKey"`          // optional static API key header (X-API-Key)
	DatabasePath    string        `yaml:"databasePath"`    // optional, overrides default storage_dir/shotfolio.db
	ShutdownGrace   time.Duration `yaml:"shutdownGrace"`   // time to wait for the running job before forced stop
	CallbackRetries int           `yaml:"callbackRetries"` // number of callback attempts
	CallbackBackoff time.Duration `yaml:"callbackBackoff"` // base backoff duration
	LogLevel        string        `yaml:"logLevel"`        // debug|info|warn|error
}

// BrowserConfig selects the headless browser and the capture timing.
type BrowserConfig struct {
	Endpoint          string        `yaml:"endpoint"` // remote DevTools endpoint, e.g. wss://chrome.browserless.io?token=${BLESS_TOKEN}
	ExecPath          string        `yaml:"execPath"` // local Chrome binary, used when endpoint is empty
	NavigationTimeout time.Duration `yaml:"navigationTimeout"`
	SettleDelay       time.Duration `yaml:"settleDelay"`
	ViewportWidth     int           `yaml:"viewportWidth"`
	MaxHeight         int           `yaml:"maxHeight"`
}

// ArtifactsConfig selects where final screenshots are persisted.
type ArtifactsConfig struct {
	Backend    string    `yaml:"backend"`    // filesystem|gcs
	Dir        string    `yaml:"dir"`        // filesystem root, default storage_dir/screenshots
	PublicPath string    `yaml:"publicPath"` // URL prefix the server serves artifacts under
	GCS        GCSConfig `yaml:"gcs"`
}

// GCSConfig configures the Google Cloud Storage artifact backend.
type GCSConfig struct {
	Bucket        string `yaml:"bucket"`
	Prefix        string `yaml:"prefix"`
	PublicBaseURL string `yaml:"publicBaseUrl"` // optional, default https://storage.googleapis.com/<bucket>
	Endpoint      string `yaml:"endpoint"`      // optional, e.g. a local emulator
}

// ProjectsConfig selects the project record backend.
type ProjectsConfig struct {
	Driver      string        `yaml:"driver"` // sqlite|postgres
	DSN         string        `yaml:"dsn"`    // postgres connection string; sqlite uses server.databasePath when empty
	MaxConns    int32         `yaml:"maxConns"`
	DialTimeout time.Duration `yaml:"dialTimeout"`
}

// Backend and driver names.
const (
	BackendFilesystem = "filesystem"
	BackendGCS        = "gcs"
	DriverSQLite      = "sqlite"
	DriverPostgres    = "postgres"
)

// ByteSize represents a size in bytes that unmarshals from strings like "10Mi", "20MB", "512KiB", "1024".
type ByteSize uint64

// UnmarshalYAML implements yaml unmarshalling for ByteSize.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		str := strings.TrimSpace(value.Value)
		parsed, err := ParseByteSize(str)
		if err != nil {
			return err
		}
		*b = ByteSize(parsed)
		return nil
	}
	return fmt.Errorf("invalid bytesize node kind: %v", value.Kind)
}

var reNumeric = regexp.MustCompile(`^\d+$`)

// ParseByteSize parses a string like "10Mi", "20MB", "512KiB", "1024" into bytes.
// Supports Kubernetes-style quantities for binary units: Ki, Mi, Gi (case-insensitive).
// Also accepts KiB/MiB/GiB and decimal KB/MB/GB, and bare bytes.
func ParseByteSize(s string) (uint64, error) {
	orig := s
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size")
	}
	if reNumeric.MatchString(s) {
		val, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid size number: %w", err)
		}
		return val, nil
	}

	up := strings.ToUpper(s)

	type unit struct {
		suffix string
		value  uint64
	}
	// longer suffixes first so "KIB" is not read as "B"
	units := []unit{
		{"KIB", 1024},
		{"MIB", 1024 * 1024},
		{"GIB", 1024 * 1024 * 1024},
		{"KI", 1024},
		{"MI", 1024 * 1024},
		{"GI", 1024 * 1024 * 1024},
		{"KB", 1000},
		{"MB", 1000 * 1000},
		{"GB", 1000 * 1000 * 1000},
		{"B", 1},
	}
	for _, u := range units {
		if strings.HasSuffix(up, u.suffix) {
			num := strings.TrimSpace(s[:len(s)-len(u.suffix)])
			val, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid size number in %q: %w", orig, err)
			}
			return uint64(val * float64(u.value)), nil
		}
	}
	return 0, fmt.Errorf("unknown size suffix in %q", orig)
}

// Load reads YAML config from path, expands environment variables, and validates it.
// If path is empty, it will attempt to read from env var SHOTFOLIO_CONFIG, then default to "config.yaml".
func Load(path string) (*Config, error) {
	if path == "" {
		if env := os.Getenv("SHOTFOLIO_CONFIG"); env != "" {
			path = env
		} else {
			path = "config.yaml"
		}
	}
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath) // #nosec G304 - reading sanitized config file path is expected
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	// Expand environment variables in file content.
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Server.StorageDir, 0o750); err != nil {
		return nil, fmt.Errorf("ensure storage_dir: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		// a synchronous capture spans navigation + settle + capture
		cfg.Server.WriteTimeout = 2 * time.Minute
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}
	if cfg.Server.MaxUploadSize == 0 {
		cfg.Server.MaxUploadSize = ByteSize(10 * 1024 * 1024) // 10 MiB default
	}
	if cfg.Server.QueueCapacity <= 0 {
		cfg.Server.QueueCapacity = common.DefaultQueueCapacity
	}
	if cfg.Server.StorageDir == "" {
		cfg.Server.StorageDir = "data"
	}
	if cfg.Server.DatabasePath == "" {
		cfg.Server.DatabasePath = filepath.Join(cfg.Server.StorageDir, "shotfolio.db")
	}
	if cfg.Server.ShutdownGrace == 0 {
		cfg.Server.ShutdownGrace = 15 * time.Second
	}
	if cfg.Server.CallbackRetries == 0 {
		cfg.Server.CallbackRetries = 3
	}
	if cfg.Server.CallbackBackoff == 0 {
		cfg.Server.CallbackBackoff = 2 * time.Second
	}
	if strings.TrimSpace(cfg.Server.LogLevel) == "" {
		cfg.Server.LogLevel = "info"
	}

	// Browser defaults
	if cfg.Browser.NavigationTimeout == 0 {
		cfg.Browser.NavigationTimeout = 30 * time.Second
	}
	if cfg.Browser.SettleDelay == 0 {
		cfg.Browser.SettleDelay = 3 * time.Second
	}
	if cfg.Browser.ViewportWidth <= 0 {
		cfg.Browser.ViewportWidth = common.CaptureViewportWidth
	}
	if cfg.Browser.MaxHeight <= 0 {
		cfg.Browser.MaxHeight = common.CaptureMaxHeight
	}

	// Artifact defaults
	if cfg.Artifacts.Backend == "" {
		cfg.Artifacts.Backend = BackendFilesystem
	}
	if cfg.Artifacts.Dir == "" {
		cfg.Artifacts.Dir = filepath.Join(cfg.Server.StorageDir, common.ScreenshotsDirName)
	}
	if cfg.Artifacts.PublicPath == "" {
		cfg.Artifacts.PublicPath = common.PathArtifacts
	}
	cfg.Artifacts.PublicPath = "/" + strings.Trim(cfg.Artifacts.PublicPath, "/")
	if strings.EqualFold(cfg.Artifacts.Backend, BackendGCS) {
		cfg.Artifacts.GCS.Prefix = normalizePathPrefix(cfg.Artifacts.GCS.Prefix)
		if strings.TrimSpace(cfg.Artifacts.GCS.PublicBaseURL) == "" && cfg.Artifacts.GCS.Bucket != "" {
			cfg.Artifacts.GCS.PublicBaseURL = "https://storage.googleapis.com/" + cfg.Artifacts.GCS.Bucket
		}
	}

	// Project record defaults
	if cfg.Projects.Driver == "" {
		cfg.Projects.Driver = DriverSQLite
	}
	if cfg.Projects.MaxConns <= 0 {
		cfg.Projects.MaxConns = 4
	}
	if cfg.Projects.DialTimeout == 0 {
		cfg.Projects.DialTimeout = 5 * time.Second
	}
}

func validate(cfg *Config) error {
	if cfg.Browser.NavigationTimeout < 0 || cfg.Browser.SettleDelay < 0 {
		return errors.New("browser timings must not be negative")
	}
	switch strings.ToLower(cfg.Artifacts.Backend) {
	case BackendFilesystem:
	case BackendGCS:
		if strings.TrimSpace(cfg.Artifacts.GCS.Bucket) == "" {
			return fmt.Errorf("artifacts.gcs.bucket is required")
		}
	default:
		return fmt.Errorf("unsupported artifacts backend %q", cfg.Artifacts.Backend)
	}
	switch strings.ToLower(cfg.Projects.Driver) {
	case DriverSQLite:
	case DriverPostgres:
		if strings.TrimSpace(cfg.Projects.DSN) == "" {
			return fmt.Errorf("projects.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported projects driver %q", cfg.Projects.Driver)
	}
	if _, err := ParseLogLevel(cfg.Server.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLogLevel maps the configured level name to a slog level.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

func normalizePathPrefix(p string) string {
	if p == "" {
		return p
	}
	p = strings.ReplaceAll(p, "\\", "/")
	if !strings.HasSuffix(p, "/") {
		p = p + "/"
	}
	p = strings.TrimPrefix(p, "./")
	return p
}
