package backup

import "context"

// ArtifactStorage persists backup sets. Each set occupies one directory or
// object prefix containing the per-store artifact files and a metadata.json
// document describing the set.
type ArtifactStorage interface {
	// StoreArtifact writes one artifact file into the set and returns its
	// full path or object location
	StoreArtifact(ctx context.Context, setID, filename string, data []byte) (string, error)

	// RetrieveArtifact reads one artifact file back
	RetrieveArtifact(ctx context.Context, setID, filename string) ([]byte, error)

	// StoreSetMetadata writes the set's metadata.json
	StoreSetMetadata(ctx context.Context, set *Set) error

	// RetrieveSetMetadata loads one set's metadata.json
	RetrieveSetMetadata(ctx context.Context, setID string) (*Set, error)

	// ListSets returns metadata for every stored set
	ListSets(ctx context.Context) ([]*Set, error)

	// DeleteSet removes a set and all of its artifacts. Deleting a set that
	// does not exist returns a not-found error.
	DeleteSet(ctx context.Context, setID string) error

	// HealthCheck verifies the storage backend is reachable and writable
	HealthCheck(ctx context.Context) error

	// Name identifies the provider for logs
	Name() string
}
