package audit

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode selects the storage adapter.
type Mode string

const (
	ModeLocal    Mode = "local"
	ModeRemote   Mode = "remote"
	ModeDocument Mode = "document-store"
)

// Local storage media.
const (
	StorageMemory   = "memory"
	StorageFile     = "file"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
	StorageRedis    = "redis"
)

// Config selects exactly one adapter and carries its settings.
type Config struct {
	Mode     Mode           `yaml:"mode"`
	Local    LocalConfig    `yaml:"local"`
	Remote   RemoteConfig   `yaml:"remote"`
	Document DocumentConfig `yaml:"document_store"`
}

// LocalConfig configures ModeLocal.
type LocalConfig struct {
	Key       string `yaml:"key"`
	MaxEvents int    `yaml:"max_events"`
	Storage   string `yaml:"storage"`

	// Path is the directory for file storage or the database file for sqlite.
	Path     string `yaml:"path"`
	DSN      string `yaml:"dsn"`
	RedisURL string `yaml:"redis_url"`
}

// RemoteConfig configures ModeRemote.
type RemoteConfig struct {
	BaseURL    string            `yaml:"base_url"`
	CreatePath string            `yaml:"create_path"`
	ListPath   string            `yaml:"list_path"`
	Headers    map[string]string `yaml:"headers"`
	TimeoutMS  int               `yaml:"timeout_ms"`
}

// DocumentConfig configures ModeDocument.
type DocumentConfig struct {
	Addresses []string    `yaml:"addresses"`
	Username  string      `yaml:"username"`
	Password  string      `yaml:"password"`
	Index     string      `yaml:"index"`
	Total     TotalPolicy `yaml:"total"`
}

// LoadConfigFile loads adapter configuration from a YAML file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read config file: %w", ErrConfiguration, err)
	}
	return LoadConfig(data)
}

// LoadConfig parses YAML configuration, expanding environment variables,
// applying defaults, and validating the result.
func LoadConfig(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("%w: parse config YAML: %w", ErrConfiguration, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate applies defaults and checks that the selected mode has its
// required settings.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeLocal:
		return c.Local.validate()
	case ModeRemote:
		return c.Remote.validate()
	case ModeDocument:
		return c.Document.validate()
	case "":
		return fmt.Errorf("%w: mode is required (local, remote, document-store)", ErrConfiguration)
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrConfiguration, c.Mode)
	}
}

func (l *LocalConfig) validate() error {
	if l.Key == "" {
		l.Key = DefaultLocalKey
	}
	if l.MaxEvents == 0 {
		l.MaxEvents = DefaultMaxEvents
	}
	if l.MaxEvents < 0 {
		return fmt.Errorf("%w: local.max_events must be positive", ErrConfiguration)
	}
	if l.Storage == "" {
		l.Storage = StorageFile
	}
	switch l.Storage {
	case StorageMemory:
	case StorageFile:
		if l.Path == "" {
			l.Path = "audit-data"
		}
	case StorageSQLite:
		if l.Path == "" {
			l.Path = "audit.db"
		}
	case StoragePostgres:
		if l.DSN == "" {
			return fmt.Errorf("%w: local.dsn is required for postgres storage", ErrConfiguration)
		}
	case StorageRedis:
		if l.RedisURL == "" {
			return fmt.Errorf("%w: local.redis_url is required for redis storage", ErrConfiguration)
		}
	default:
		return fmt.Errorf("%w: unknown local.storage %q", ErrConfiguration, l.Storage)
	}
	return nil
}

func (r *RemoteConfig) validate() error {
	if r.BaseURL == "" {
		return fmt.Errorf("%w: remote.base_url is required", ErrConfiguration)
	}
	if r.CreatePath == "" {
		return fmt.Errorf("%w: remote.create_path is required", ErrConfiguration)
	}
	if r.ListPath == "" {
		return fmt.Errorf("%w: remote.list_path is required", ErrConfiguration)
	}
	if r.TimeoutMS < 0 {
		return fmt.Errorf("%w: remote.timeout_ms must not be negative", ErrConfiguration)
	}
	return nil
}

func (d *DocumentConfig) validate() error {
	if len(d.Addresses) == 0 {
		return fmt.Errorf("%w: document_store.addresses is required", ErrConfiguration)
	}
	if d.Index == "" {
		d.Index = DefaultDocumentIndex
	}
	if d.Total == "" {
		d.Total = TotalExact
	}
	if d.Total != TotalExact && d.Total != TotalPage {
		return fmt.Errorf("%w: unknown document_store.total %q", ErrConfiguration, d.Total)
	}
	return nil
}

// NewAdapter validates cfg and builds the adapter it selects.
func NewAdapter(cfg Config, logger *slog.Logger) (Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Mode {
	case ModeLocal:
		blobs, err := newBlobStore(cfg.Local)
		if err != nil {
			return nil, err
		}
		return NewLocalStore(blobs, LocalStoreConfig{
			Key:       cfg.Local.Key,
			MaxEvents: cfg.Local.MaxEvents,
			Logger:    logger,
		}), nil

	case ModeRemote:
		return NewRemoteStore(RemoteStoreConfig{
			BaseURL:    cfg.Remote.BaseURL,
			CreatePath: cfg.Remote.CreatePath,
			ListPath:   cfg.Remote.ListPath,
			Headers:    cfg.Remote.Headers,
			Timeout:    time.Duration(cfg.Remote.TimeoutMS) * time.Millisecond,
		})

	default:
		return NewDocumentStore(DocumentStoreConfig{
			Addresses: cfg.Document.Addresses,
			Username:  cfg.Document.Username,
			Password:  cfg.Document.Password,
			Index:     cfg.Document.Index,
			Total:     cfg.Document.Total,
			Logger:    logger,
		})
	}
}

func newBlobStore(l LocalConfig) (BlobStore, error) {
	blobs, err := openBlobStore(l)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s storage: %w", ErrStoreUnavailable, l.Storage, err)
	}
	return blobs, nil
}

func openBlobStore(l LocalConfig) (BlobStore, error) {
	switch l.Storage {
	case StorageMemory:
		return NewMemoryBlobStore(), nil
	case StorageFile:
		return NewFileBlobStore(filepath.Clean(l.Path))
	case StorageSQLite:
		return NewSQLBlobStore(SQLBlobConfig{DSN: l.Path})
	case StoragePostgres:
		return NewSQLBlobStore(SQLBlobConfig{DSN: l.DSN})
	default:
		return NewRedisBlobStore(l.RedisURL, "audittrail:")
	}
}
