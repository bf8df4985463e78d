package backup

import (
	"context"
	"fmt"

	"authvault/internal/config"
)

// NewRemoteStorage creates the configured remote artifact mirror. It returns
// nil with no error when remote mirroring is disabled.
func NewRemoteStorage(ctx context.Context, cfg config.RemoteStorageConfig) (ArtifactStorage, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	switch cfg.Provider {
	case "s3":
		return NewS3Storage(cfg.S3)
	case "gcs":
		return NewGCSStorage(ctx, cfg.GCS)
	case "azure":
		return NewAzureStorage(cfg.Azure)
	default:
		return nil, NewConfigurationError(fmt.Sprintf("unsupported remote storage provider: %s", cfg.Provider), nil)
	}
}
