package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"authvault/internal/config"
)

// GCSStorage implements ArtifactStorage on Google Cloud Storage
type GCSStorage struct {
	client     *storage.Client
	bucketName string
	prefix     string
}

// NewGCSStorage creates a GCS artifact store. With no credentials path the
// client falls back to application default credentials.
func NewGCSStorage(ctx context.Context, cfg *config.GCSConfig) (*GCSStorage, error) {
	if cfg == nil {
		return nil, NewValidationError("GCS storage configuration is required", nil)
	}

	var client *storage.Client
	var err error

	if cfg.CredentialsPath != "" {
		client, err = storage.NewClient(ctx, option.WithCredentialsFile(cfg.CredentialsPath))
	} else {
		client, err = storage.NewClient(ctx)
	}
	if err != nil {
		return nil, NewStorageError("failed to create GCS client", err)
	}

	return &GCSStorage{
		client:     client,
		bucketName: cfg.Bucket,
		prefix:     "backups/",
	}, nil
}

// Name implements ArtifactStorage
func (gs *GCSStorage) Name() string {
	return "gcs"
}

// StoreArtifact uploads an artifact file into the set prefix
func (gs *GCSStorage) StoreArtifact(ctx context.Context, setID, filename string, data []byte) (string, error) {
	if setID == "" {
		return "", NewValidationError("set ID cannot be empty", nil)
	}

	objectName := gs.objectName(setID, filename)
	writer := gs.client.Bucket(gs.bucketName).Object(objectName).NewWriter(ctx)
	writer.ContentType = "application/octet-stream"
	writer.Metadata = map[string]string{
		"backup-set-id": setID,
	}

	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return "", NewStorageError("failed to write artifact to GCS", err)
	}
	if err := writer.Close(); err != nil {
		return "", NewStorageError("failed to upload artifact to GCS", err)
	}

	return fmt.Sprintf("gs://%s/%s", gs.bucketName, objectName), nil
}

// RetrieveArtifact downloads an artifact file from the set prefix
func (gs *GCSStorage) RetrieveArtifact(ctx context.Context, setID, filename string) ([]byte, error) {
	reader, err := gs.client.Bucket(gs.bucketName).Object(gs.objectName(setID, filename)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, NewNotFoundError(fmt.Sprintf("artifact %s not found in backup %s", filename, setID), err)
		}
		return nil, NewStorageError("failed to download artifact from GCS", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, NewStorageError("failed to read artifact data", err)
	}

	return data, nil
}

// StoreSetMetadata uploads the set's metadata.json
func (gs *GCSStorage) StoreSetMetadata(ctx context.Context, set *Set) error {
	if set == nil {
		return NewValidationError("backup set cannot be nil", nil)
	}

	data, err := json.Marshal(set)
	if err != nil {
		return NewStorageError("failed to serialize set metadata", err)
	}

	writer := gs.client.Bucket(gs.bucketName).Object(gs.objectName(set.ID, "metadata.json")).NewWriter(ctx)
	writer.ContentType = "application/json"
	writer.Metadata = map[string]string{
		"backup-set-id": set.ID,
		"backup-type":   string(set.Type),
	}

	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return NewStorageError("failed to write set metadata to GCS", err)
	}
	if err := writer.Close(); err != nil {
		return NewStorageError("failed to upload set metadata to GCS", err)
	}

	return nil
}

// RetrieveSetMetadata downloads one set's metadata.json
func (gs *GCSStorage) RetrieveSetMetadata(ctx context.Context, setID string) (*Set, error) {
	data, err := gs.RetrieveArtifact(ctx, setID, "metadata.json")
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
func (gs *GCSStorage) ListSets(ctx context.Context) ([]*Set, error) {
	var sets []*Set

	it := gs.client.Bucket(gs.bucketName).Objects(ctx, &storage.Query{Prefix: gs.prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, NewStorageError("failed to list backup sets from GCS", err)
		}

		if !strings.HasSuffix(attrs.Name, "/metadata.json") {
			continue
		}

		setID := gs.setIDFromName(attrs.Name)
		if setID == "" {
			continue
		}

		set, err := gs.RetrieveSetMetadata(ctx, setID)
		if err != nil {
			continue
		}
		sets = append(sets, set)
	}

	return sets, nil
}

// DeleteSet removes every object under the set prefix
func (gs *GCSStorage) DeleteSet(ctx context.Context, setID string) error {
	if setID == "" {
		return NewValidationError("set ID cannot be empty", nil)
	}

	bucket := gs.client.Bucket(gs.bucketName)
	it := bucket.Objects(ctx, &storage.Query{Prefix: gs.prefix + sanitizeSetID(setID) + "/"})

	deleted := 0
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return NewStorageError("failed to list backup objects", err)
		}

		if err := bucket.Object(attrs.Name).Delete(ctx); err != nil {
			return NewStorageError("failed to delete backup object from GCS", err)
		}
		deleted++
	}

	if deleted == 0 {
		return NewNotFoundError(fmt.Sprintf("backup %s not found", setID), nil)
	}

	return nil
}

// HealthCheck verifies the bucket is reachable
func (gs *GCSStorage) HealthCheck(ctx context.Context) error {
	_, err := gs.client.Bucket(gs.bucketName).Attrs(ctx)
	if err != nil {
		return NewStorageError("GCS health check failed: bucket not accessible", err)
	}
	return nil
}

// Close releases the underlying client
func (gs *GCSStorage) Close() error {
	return gs.client.Close()
}

func (gs *GCSStorage) objectName(setID, filename string) string {
	return gs.prefix + sanitizeSetID(setID) + "/" + filename
}

func (gs *GCSStorage) setIDFromName(objectName string) string {
	if !strings.HasPrefix(objectName, gs.prefix) {
		return ""
	}
	withoutPrefix := strings.TrimPrefix(objectName, gs.prefix)
	if !strings.HasSuffix(withoutPrefix, "/metadata.json") {
		return ""
	}
	return strings.TrimSuffix(withoutPrefix, "/metadata.json")
}
