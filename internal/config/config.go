package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the catalog service
type Config struct {
	Server   ServerConfig
	Log      LogConfig
	Catalog  CatalogConfig
	Storage  StorageConfig
	WAL      WALConfig
	Snapshot SnapshotConfig
	Cluster  ClusterConfig
	Audit    AuditConfig
	Auth     AuthConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    int
	WriteTimeout   int
	MaxPayloadSize int64 // Maximum request body in bytes
	TLSEnabled     bool
	TLSCertFile    string // PEM certificate
	TLSKeyFile     string // PEM private key
	EnablePprof    bool
}

type LogConfig struct {
	Level  string
	Format string // json or console
}

// CatalogConfig identifies this node's catalog. Empty IDs are generated on
// first start and then come from the restored snapshot.
type CatalogConfig struct {
	NodeID     string
	InstanceID string
	DataDir    string
}

type StorageConfig struct {
	Backend   string // local, s3 or azure
	LocalPath string
	// S3/MinIO
	S3Bucket    string
	S3Region    string
	S3Endpoint  string // Custom endpoint for MinIO (e.g., "http://localhost:9000")
	S3AccessKey string
	S3SecretKey string
	S3UseSSL    bool
	S3PathStyle bool // Required for MinIO
	// Azure Blob Storage
	AzureConnectionString   string
	AzureAccountName        string
	AzureAccountKey         string
	AzureSASToken           string
	AzureContainer          string
	AzureEndpoint           string // Custom endpoint (for Azurite testing)
	AzureUseManagedIdentity bool
}

type WALConfig struct {
	Enabled   bool
	Directory string
	SyncMode  string // fsync, fdatasync or async
	MaxSize   int64  // Rotate segments at this size in bytes
}

type SnapshotConfig struct {
	Schedule    string // cron expression for checkpoints
	Format      string // json or msgpack
	Compression string // none, zstd or gzip
	Retain      int    // snapshots kept after pruning
	Prefix      string // object key prefix in the storage backend
}

type ClusterConfig struct {
	Enabled       bool
	BindAddr      string
	AdvertiseAddr string
	Bootstrap     bool
	DataDir       string
	ApplyTimeout  time.Duration
	SnapshotCount int // raft snapshots retained on disk
}

type AuditConfig struct {
	Enabled       bool
	DBPath        string
	RetentionDays int
}

type AuthConfig struct {
	Enabled      bool
	DBPath       string        // SQLite token database
	CacheTTL     time.Duration // how long a verified token is trusted without a lookup
	MaxCacheSize int
}

// Load reads configuration from defaults, an optional TOML file and
// ARC_CATALOG_* environment variables, in increasing precedence. An empty
// configFile searches the standard locations.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ARC_CATALOG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("arc-catalog")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/arc-catalog/")
		v.AddConfigPath("$HOME/.arc-catalog/")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	maxPayloadSize, err := ParseSize(v.GetString("server.max_payload_size"))
	if err != nil {
		return nil, fmt.Errorf("invalid server.max_payload_size: %w", err)
	}
	walMaxSize, err := ParseSize(v.GetString("wal.max_size"))
	if err != nil {
		return nil, fmt.Errorf("invalid wal.max_size: %w", err)
	}

	dataDir := v.GetString("catalog.data_dir")
	cfg := &Config{
		Server: ServerConfig{
			Host:           v.GetString("server.host"),
			Port:           v.GetInt("server.port"),
			ReadTimeout:    v.GetInt("server.read_timeout"),
			WriteTimeout:   v.GetInt("server.write_timeout"),
			MaxPayloadSize: maxPayloadSize,
			TLSEnabled:     v.GetBool("server.tls_enabled"),
			TLSCertFile:    v.GetString("server.tls_cert_file"),
			TLSKeyFile:     v.GetString("server.tls_key_file"),
			EnablePprof:    v.GetBool("server.enable_pprof"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Catalog: CatalogConfig{
			NodeID:     v.GetString("catalog.node_id"),
			InstanceID: v.GetString("catalog.instance_id"),
			DataDir:    dataDir,
		},
		Storage: StorageConfig{
			Backend:                 strings.ToLower(v.GetString("storage.backend")),
			LocalPath:               orDataDir(v.GetString("storage.local_path"), dataDir, "objects"),
			S3Bucket:                v.GetString("storage.s3_bucket"),
			S3Region:                v.GetString("storage.s3_region"),
			S3Endpoint:              v.GetString("storage.s3_endpoint"),
			S3AccessKey:             v.GetString("storage.s3_access_key"),
			S3SecretKey:             v.GetString("storage.s3_secret_key"),
			S3UseSSL:                v.GetBool("storage.s3_use_ssl"),
			S3PathStyle:             v.GetBool("storage.s3_path_style"),
			AzureConnectionString:   v.GetString("storage.azure_connection_string"),
			AzureAccountName:        v.GetString("storage.azure_account_name"),
			AzureAccountKey:         v.GetString("storage.azure_account_key"),
			AzureSASToken:           v.GetString("storage.azure_sas_token"),
			AzureContainer:          v.GetString("storage.azure_container"),
			AzureEndpoint:           v.GetString("storage.azure_endpoint"),
			AzureUseManagedIdentity: v.GetBool("storage.azure_use_managed_identity"),
		},
		WAL: WALConfig{
			Enabled:   v.GetBool("wal.enabled"),
			Directory: orDataDir(v.GetString("wal.directory"), dataDir, "wal"),
			SyncMode:  strings.ToLower(v.GetString("wal.sync_mode")),
			MaxSize:   walMaxSize,
		},
		Snapshot: SnapshotConfig{
			Schedule:    v.GetString("snapshot.schedule"),
			Format:      strings.ToLower(v.GetString("snapshot.format")),
			Compression: strings.ToLower(v.GetString("snapshot.compression")),
			Retain:      v.GetInt("snapshot.retain"),
			Prefix:      v.GetString("snapshot.prefix"),
		},
		Cluster: ClusterConfig{
			Enabled:       v.GetBool("cluster.enabled"),
			BindAddr:      v.GetString("cluster.bind_addr"),
			AdvertiseAddr: v.GetString("cluster.advertise_addr"),
			Bootstrap:     v.GetBool("cluster.bootstrap"),
			DataDir:       orDataDir(v.GetString("cluster.data_dir"), dataDir, "raft"),
			ApplyTimeout:  v.GetDuration("cluster.apply_timeout"),
			SnapshotCount: v.GetInt("cluster.snapshot_count"),
		},
		Audit: AuditConfig{
			Enabled:       v.GetBool("audit.enabled"),
			DBPath:        orDataDir(v.GetString("audit.db_path"), dataDir, "audit.db"),
			RetentionDays: v.GetInt("audit.retention_days"),
		},
		Auth: AuthConfig{
			Enabled:      v.GetBool("auth.enabled"),
			DBPath:       orDataDir(v.GetString("auth.db_path"), dataDir, "auth.db"),
			CacheTTL:     v.GetDuration("auth.cache_ttl"),
			MaxCacheSize: v.GetInt("auth.max_cache_size"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)
	v.SetDefault("server.max_payload_size", "16MB")
	v.SetDefault("server.tls_enabled", false)
	v.SetDefault("server.enable_pprof", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("catalog.data_dir", "./data")

	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.s3_region", "us-east-1")
	v.SetDefault("storage.s3_use_ssl", true)
	v.SetDefault("storage.s3_path_style", false)

	// Catalog mutations are rare and must survive a crash, so the WAL is on
	// and fsyncs every entry by default.
	v.SetDefault("wal.enabled", true)
	v.SetDefault("wal.sync_mode", "fsync")
	v.SetDefault("wal.max_size", "64MB")

	v.SetDefault("snapshot.schedule", "@every 5m")
	v.SetDefault("snapshot.format", "json")
	v.SetDefault("snapshot.compression", "zstd")
	v.SetDefault("snapshot.retain", 5)
	v.SetDefault("snapshot.prefix", "snapshots/")

	v.SetDefault("cluster.enabled", false)
	v.SetDefault("cluster.bind_addr", "127.0.0.1:9190")
	v.SetDefault("cluster.bootstrap", false)
	v.SetDefault("cluster.apply_timeout", "10s")
	v.SetDefault("cluster.snapshot_count", 3)

	v.SetDefault("audit.enabled", false)
	v.SetDefault("audit.retention_days", 90)

	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.cache_ttl", "5m")
	v.SetDefault("auth.max_cache_size", 1000)
}

// orDataDir returns path, or name under dataDir when path is unset.
func orDataDir(path, dataDir, name string) string {
	if path != "" {
		return path
	}
	return filepath.Join(dataDir, name)
}

// Validate checks values that would otherwise fail late, at first use.
func (cfg *Config) Validate() error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d", cfg.Server.Port)
	}
	switch cfg.Storage.Backend {
	case "local":
	case "s3":
		if cfg.Storage.S3Bucket == "" {
			return fmt.Errorf("storage.s3_bucket is required for the s3 backend")
		}
	case "azure", "azblob":
		if cfg.Storage.AzureContainer == "" {
			return fmt.Errorf("storage.azure_container is required for the azure backend")
		}
	default:
		return fmt.Errorf("unsupported storage.backend: %q (use local, s3 or azure)", cfg.Storage.Backend)
	}
	switch cfg.WAL.SyncMode {
	case "fsync", "fdatasync", "async":
	default:
		return fmt.Errorf("invalid wal.sync_mode: %q (use fsync, fdatasync or async)", cfg.WAL.SyncMode)
	}
	if cfg.WAL.MaxSize <= 0 {
		return fmt.Errorf("wal.max_size must be positive")
	}
	switch cfg.Snapshot.Format {
	case "json", "msgpack":
	default:
		return fmt.Errorf("invalid snapshot.format: %q (use json or msgpack)", cfg.Snapshot.Format)
	}
	switch cfg.Snapshot.Compression {
	case "none", "zstd", "gzip":
	default:
		return fmt.Errorf("invalid snapshot.compression: %q (use none, zstd or gzip)", cfg.Snapshot.Compression)
	}
	if cfg.Snapshot.Retain < 1 {
		return fmt.Errorf("snapshot.retain must be at least 1")
	}
	if cfg.Cluster.Enabled {
		if cfg.Cluster.BindAddr == "" {
			return fmt.Errorf("cluster.bind_addr is required when clustering is enabled")
		}
		if cfg.Cluster.ApplyTimeout <= 0 {
			return fmt.Errorf("cluster.apply_timeout must be positive")
		}
		// Raft members are named by node ID and must agree on the instance.
		if cfg.Catalog.NodeID == "" || cfg.Catalog.InstanceID == "" {
			return fmt.Errorf("catalog.node_id and catalog.instance_id are required when clustering is enabled")
		}
	}
	if cfg.Auth.Enabled && cfg.Auth.CacheTTL <= 0 {
		return fmt.Errorf("auth.cache_ttl must be positive")
	}
	if cfg.Audit.Enabled && cfg.Audit.RetentionDays < 0 {
		return fmt.Errorf("audit.retention_days cannot be negative")
	}
	return cfg.Server.ValidateTLS()
}

// ValidateTLS checks that the certificate and key exist when TLS is enabled.
func (cfg *ServerConfig) ValidateTLS() error {
	if !cfg.TLSEnabled {
		return nil
	}
	for _, f := range []struct{ key, path string }{
		{"server.tls_cert_file", cfg.TLSCertFile},
		{"server.tls_key_file", cfg.TLSKeyFile},
	} {
		if f.path == "" {
			return fmt.Errorf("TLS enabled but %s not specified", f.key)
		}
		info, err := os.Stat(f.path)
		if err != nil {
			return fmt.Errorf("cannot access %s %s: %w", f.key, f.path, err)
		}
		if info.IsDir() {
			return fmt.Errorf("%s is a directory, not a file: %s", f.key, f.path)
		}
	}
	return nil
}

// ParseSize parses a human-readable size such as "1GB", "500MB", "100KB" or
// a plain byte count.
func ParseSize(sizeStr string) (int64, error) {
	s := strings.TrimSpace(strings.ToUpper(sizeStr))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	multiplier := int64(1)
	for _, unit := range []struct {
		suffix string
		mult   int64
	}{
		{"GB", 1 << 30},
		{"MB", 1 << 20},
		{"KB", 1 << 10},
		{"B", 1},
	} {
		if strings.HasSuffix(s, unit.suffix) {
			s = strings.TrimSpace(strings.TrimSuffix(s, unit.suffix))
			multiplier = unit.mult
			break
		}
	}

	var num float64
	var trailing string
	if n, _ := fmt.Sscanf(s, "%f%s", &num, &trailing); n == 0 || trailing != "" {
		return 0, fmt.Errorf("invalid size format: %s (use e.g., '1GB', '500MB', '100KB')", sizeStr)
	}
	if num < 0 {
		return 0, fmt.Errorf("size cannot be negative: %s", sizeStr)
	}
	return int64(num * float64(multiplier)), nil
}
