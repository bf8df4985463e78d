package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/Azure/azure-storage-blob-go/azblob"

	"authvault/internal/config"
)

// AzureStorage implements ArtifactStorage on Azure Blob Storage
type AzureStorage struct {
	serviceURL    azblob.ServiceURL
	containerName string
	prefix        string
}

// NewAzureStorage creates an Azure Blob artifact store
func NewAzureStorage(cfg *config.AzureConfig) (*AzureStorage, error) {
	if cfg == nil {
		return nil, NewValidationError("Azure storage configuration is required", nil)
	}

	credential, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, NewStorageError("failed to create Azure credentials", err)
	}

	pipeline := azblob.NewPipeline(credential, azblob.PipelineOptions{})

	serviceURL, err := url.Parse(fmt.Sprintf("https://%s.blob.core.windows.net", cfg.AccountName))
	if err != nil {
		return nil, NewStorageError("failed to parse Azure service URL", err)
	}

	return &AzureStorage{
		serviceURL:    azblob.NewServiceURL(*serviceURL, pipeline),
		containerName: cfg.ContainerName,
		prefix:        "backups/",
	}, nil
}

// Name implements ArtifactStorage
func (as *AzureStorage) Name() string {
	return "azure"
}

// StoreArtifact uploads an artifact file into the set prefix
func (as *AzureStorage) StoreArtifact(ctx context.Context, setID, filename string, data []byte) (string, error) {
	if setID == "" {
		return "", NewValidationError("set ID cannot be empty", nil)
	}

	blobName := as.blobName(setID, filename)
	blobURL := as.containerURL().NewBlockBlobURL(blobName)

	_, err := azblob.UploadBufferToBlockBlob(ctx, data, blobURL, azblob.UploadToBlockBlobOptions{
		BlockSize:   4 * 1024 * 1024,
		Parallelism: 16,
		Metadata: azblob.Metadata{
			"backup_set_id": setID,
		},
		BlobHTTPHeaders: azblob.BlobHTTPHeaders{
			ContentType: "application/octet-stream",
		},
	})
	if err != nil {
		return "", NewStorageError("failed to upload artifact to Azure", err)
	}

	return fmt.Sprintf("azure://%s/%s", as.containerName, blobName), nil
}

// RetrieveArtifact downloads an artifact file from the set prefix
func (as *AzureStorage) RetrieveArtifact(ctx context.Context, setID, filename string) ([]byte, error) {
	blobURL := as.containerURL().NewBlockBlobURL(as.blobName(setID, filename))

	response, err := blobURL.Download(ctx, 0, azblob.CountToEnd, azblob.BlobAccessConditions{}, false, azblob.ClientProvidedKeyOptions{})
	if err != nil {
		if isAzureNotFound(err) {
			return nil, NewNotFoundError(fmt.Sprintf("artifact %s not found in backup %s", filename, setID), err)
		}
		return nil, NewStorageError("failed to download artifact from Azure", err)
	}

	var buf bytes.Buffer
	reader := response.Body(azblob.RetryReaderOptions{MaxRetryRequests: 3})
	defer reader.Close()

	if _, err := buf.ReadFrom(reader); err != nil {
		return nil, NewStorageError("failed to read artifact data", err)
	}

	return buf.Bytes(), nil
}

// StoreSetMetadata uploads the set's metadata.json
func (as *AzureStorage) StoreSetMetadata(ctx context.Context, set *Set) error {
	if set == nil {
		return NewValidationError("backup set cannot be nil", nil)
	}

	data, err := json.Marshal(set)
	if err != nil {
		return NewStorageError("failed to serialize set metadata", err)
	}

	blobURL := as.containerURL().NewBlockBlobURL(as.blobName(set.ID, "metadata.json"))
	_, err = azblob.UploadBufferToBlockBlob(ctx, data, blobURL, azblob.UploadToBlockBlobOptions{
		BlockSize:   4 * 1024 * 1024,
		Parallelism: 16,
		Metadata: azblob.Metadata{
			"backup_set_id": set.ID,
			"backup_type":   string(set.Type),
		},
		BlobHTTPHeaders: azblob.BlobHTTPHeaders{
			ContentType: "application/json",
		},
	})
	if err != nil {
		return NewStorageError("failed to upload set metadata to Azure", err)
	}

	return nil
}

// RetrieveSetMetadata downloads one set's metadata.json
func (as *AzureStorage) RetrieveSetMetadata(ctx context.Context, setID string) (*Set, error) {
	data, err := as.RetrieveArtifact(ctx, setID, "metadata.json")
	if err != nil {
		return nil, err
	}

	var set Set
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, NewStorageError("failed to unmarshal set metadata", err)
	}

	return &set, nil
}

// ListSets returns metadata for every set under the backup prefix
func (as *AzureStorage) ListSets(ctx context.Context) ([]*Set, error) {
	var sets []*Set

	containerURL := as.containerURL()
	for marker := (azblob.Marker{}); marker.NotDone(); {
		listBlob, err := containerURL.ListBlobsFlatSegment(ctx, marker, azblob.ListBlobsSegmentOptions{
			Prefix: as.prefix,
		})
		if err != nil {
			return nil, NewStorageError("failed to list backup sets from Azure", err)
		}
		marker = listBlob.NextMarker

		for _, blobInfo := range listBlob.Segment.BlobItems {
			if !strings.HasSuffix(blobInfo.Name, "/metadata.json") {
				continue
			}

			setID := as.setIDFromBlobName(blobInfo.Name)
			if setID == "" {
				continue
			}

			set, err := as.RetrieveSetMetadata(ctx, setID)
			if err != nil {
				continue
			}
			sets = append(sets, set)
		}
	}

	return sets, nil
}

// DeleteSet removes every blob under the set prefix
func (as *AzureStorage) DeleteSet(ctx context.Context, setID string) error {
	if setID == "" {
		return NewValidationError("set ID cannot be empty", nil)
	}

	containerURL := as.containerURL()
	deleted := 0

	for marker := (azblob.Marker{}); marker.NotDone(); {
		listBlob, err := containerURL.ListBlobsFlatSegment(ctx, marker, azblob.ListBlobsSegmentOptions{
			Prefix: as.prefix + sanitizeSetID(setID) + "/",
		})
		if err != nil {
			return NewStorageError("failed to list backup blobs", err)
		}
		marker = listBlob.NextMarker

		for _, blobInfo := range listBlob.Segment.BlobItems {
			blobURL := containerURL.NewBlockBlobURL(blobInfo.Name)
			if _, err := blobURL.Delete(ctx, azblob.DeleteSnapshotsOptionInclude, azblob.BlobAccessConditions{}); err != nil {
				return NewStorageError("failed to delete backup blob from Azure", err)
			}
			deleted++
		}
	}

	if deleted == 0 {
		return NewNotFoundError(fmt.Sprintf("backup %s not found", setID), nil)
	}

	return nil
}

// HealthCheck verifies the container is reachable
func (as *AzureStorage) HealthCheck(ctx context.Context) error {
	_, err := as.containerURL().GetProperties(ctx, azblob.LeaseAccessConditions{})
	if err != nil {
		return NewStorageError("Azure health check failed: container not accessible", err)
	}
	return nil
}

func (as *AzureStorage) containerURL() azblob.ContainerURL {
	return as.serviceURL.NewContainerURL(as.containerName)
}

func (as *AzureStorage) blobName(setID, filename string) string {
	return as.prefix + sanitizeSetID(setID) + "/" + filename
}

func (as *AzureStorage) setIDFromBlobName(blobName string) string {
	if !strings.HasPrefix(blobName, as.prefix) {
		return ""
	}
	withoutPrefix := strings.TrimPrefix(blobName, as.prefix)
	if !strings.HasSuffix(withoutPrefix, "/metadata.json") {
		return ""
	}
	return strings.TrimSuffix(withoutPrefix, "/metadata.json")
}

func isAzureNotFound(err error) bool {
	var storageErr azblob.StorageError
	if errors.As(err, &storageErr) {
		return storageErr.ServiceCode() == azblob.ServiceCodeBlobNotFound
	}
	return false
}
