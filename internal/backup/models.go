package backup

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GenerateBackupID generates a unique backup set id. The timestamp prefix
// keeps lexicographic order aligned with creation order.
func GenerateBackupID() string {
	timestamp := time.Now().UTC().Format("20060102-150405")
	shortUUID := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]

	return fmt.Sprintf("backup-%s-%s", timestamp, shortUUID)
}

// GenerateArtifactID generates a unique id for one artifact within a set
func GenerateArtifactID(setID string, store StoreKind) string {
	return fmt.Sprintf("%s-%s", setID, store)
}

// CalculateDataChecksum calculates a SHA-256 checksum for artifact bytes
func CalculateDataChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// VerifyDataChecksum verifies artifact bytes against an expected checksum
func VerifyDataChecksum(data []byte, expected string) bool {
	return CalculateDataChecksum(data) == expected
}

// Validate validates the Result struct
func (r *Result) Validate() error {
	var errs ValidationErrors

	if r.ID == "" {
		errs.Add("id", "artifact id is required", r.ID)
	}
	if r.SetID == "" {
		errs.Add("set_id", "backup set id is required", r.SetID)
	}
	if r.Store != StoreKindPostgres && r.Store != StoreKindRedis {
		errs.Add("store", "invalid store kind", r.Store)
	}
	if r.Type != BackupTypeFull && r.Type != BackupTypeIncremental {
		errs.Add("type", "invalid backup type", r.Type)
	}
	if r.Path == "" {
		errs.Add("path", "artifact path is required", r.Path)
	}
	if r.Size < 0 {
		errs.Add("size", "artifact size cannot be negative", r.Size)
	}
	if r.CreatedAt.IsZero() {
		errs.Add("created_at", "creation timestamp is required", r.CreatedAt)
	}

	if errs.HasErrors() {
		return errs
	}

	return nil
}

// ValidationError represents validation-specific errors
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value,omitempty"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// ValidationErrors represents a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	return fmt.Sprintf("%d validation errors: %s (and %d more)", len(e), e[0].Error(), len(e)-1)
}

// Add adds a validation error to the collection
func (e *ValidationErrors) Add(field, message string, value interface{}) {
	*e = append(*e, ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	})
}

// HasErrors returns true if there are validation errors
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}
