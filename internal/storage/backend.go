package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/basekick-labs/arc-catalog/internal/config"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned by Read when no object exists at the key.
var ErrNotFound = errors.New("storage: object not found")

// Backend stores catalog snapshots as opaque objects addressed by
// slash-separated keys.
type Backend interface {
	// Write stores data at key, replacing any existing object. Readers never
	// observe a partially written object.
	Write(ctx context.Context, key string, data []byte) error

	// Read returns the object at key, or an error wrapping ErrNotFound.
	Read(ctx context.Context, key string) ([]byte, error)

	// List returns every key starting with prefix, in no particular order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes the object at key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether an object exists at key.
	Exists(ctx context.Context, key string) (bool, error)

	// Close releases any resources held by the backend
	Close() error

	// Type returns the backend identifier ("local", "s3", "azure")
	Type() string
}

// NewBackend builds the backend selected by cfg.Backend. Remote backends are
// wrapped with retries and a circuit breaker.
func NewBackend(cfg config.StorageConfig, logger zerolog.Logger) (Backend, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocalBackend(cfg.LocalPath, logger)
	case "s3":
		b, err := NewS3Backend(&S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			UseSSL:    cfg.S3UseSSL,
			PathStyle: cfg.S3PathStyle,
		}, logger)
		if err != nil {
			return nil, err
		}
		return NewResilientBackend(b, nil, logger), nil
	case "azure", "azblob":
		b, err := NewAzureBlobBackend(&AzureBlobConfig{
			ConnectionString:   cfg.AzureConnectionString,
			AccountName:        cfg.AzureAccountName,
			AccountKey:         cfg.AzureAccountKey,
			SASToken:           cfg.AzureSASToken,
			UseManagedIdentity: cfg.AzureUseManagedIdentity,
			ContainerName:      cfg.AzureContainer,
			Endpoint:           cfg.AzureEndpoint,
		}, logger)
		if err != nil {
			return nil, err
		}
		return NewResilientBackend(b, nil, logger), nil
	default:
		return nil, fmt.Errorf("unsupported storage backend: %q", cfg.Backend)
	}
}
