package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"authvault/internal/config"
)

// S3Storage implements ArtifactStorage on Amazon S3 or an S3-compatible
// endpoint.
type S3Storage struct {
	client *s3.S3
	bucket string
	prefix string
}

// NewS3Storage creates an S3 artifact store
func NewS3Storage(cfg *config.S3Config) (*S3Storage, error) {
	if cfg == nil {
		return nil, NewValidationError("S3 storage configuration is required", nil)
	}

	awsConfig := &aws.Config{
		Region: aws.String(cfg.Region),
		Credentials: credentials.NewStaticCredentials(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		),
	}
	if cfg.Endpoint != "" {
		awsConfig.Endpoint = aws.String(cfg.Endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, NewStorageError("failed to create AWS session", err)
	}

	return &S3Storage{
		client: s3.New(sess),
		bucket: cfg.Bucket,
		prefix: "backups/",
	}, nil
}

// Name implements ArtifactStorage
func (s3s *S3Storage) Name() string {
	return "s3"
}

// StoreArtifact uploads an artifact file into the set prefix
func (s3s *S3Storage) StoreArtifact(ctx context.Context, setID, filename string, data []byte) (string, error) {
	if setID == "" {
		return "", NewValidationError("set ID cannot be empty", nil)
	}

	key := s3s.objectKey(setID, filename)
	_, err := s3s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s3s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]*string{
			"backup-set-id": aws.String(setID),
		},
	})
	if err != nil {
		return "", NewStorageError("failed to upload artifact to S3", err)
	}

	return fmt.Sprintf("s3://%s/%s", s3s.bucket, key), nil
}

// RetrieveArtifact downloads an artifact file from the set prefix
func (s3s *S3Storage) RetrieveArtifact(ctx context.Context, setID, filename string) ([]byte, error) {
	result, err := s3s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s3s.bucket),
		Key:    aws.String(s3s.objectKey(setID, filename)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, NewNotFoundError(fmt.Sprintf("artifact %s not found in backup %s", filename, setID), err)
		}
		return nil, NewStorageError("failed to download artifact from S3", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, NewStorageError("failed to read artifact data", err)
	}

	return data, nil
}

// StoreSetMetadata uploads the set's metadata.json
func (s3s *S3Storage) StoreSetMetadata(ctx context.Context, set *Set) error {
	if set == nil {
		return NewValidationError("backup set cannot be nil", nil)
	}

	data, err := json.Marshal(set)
	if err != nil {
		return NewStorageError("failed to serialize set metadata", err)
	}

	_, err = s3s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s3s.bucket),
		Key:         aws.String(s3s.objectKey(set.ID, "metadata.json")),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		Metadata: map[string]*string{
			"backup-set-id": aws.String(set.ID),
			"backup-type":   aws.String(string(set.Type)),
		},
	})
	if err != nil {
		return NewStorageError("failed to upload set metadata to S3", err)
	}

	return nil
}

// RetrieveSetMetadata downloads one set's metadata.json
func (s3s *S3Storage) RetrieveSetMetadata(ctx context.Context, setID string) (*Set, error) {
	data, err := s3s.RetrieveArtifact(ctx, setID, "metadata.json")
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
func (s3s *S3Storage) ListSets(ctx context.Context) ([]*Set, error) {
	var sets []*Set

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s3s.bucket),
		Prefix: aws.String(s3s.prefix),
	}

	err := s3s.client.ListObjectsV2PagesWithContext(ctx, input,
		func(page *s3.ListObjectsV2Output, lastPage bool) bool {
			for _, obj := range page.Contents {
				if !strings.HasSuffix(*obj.Key, "/metadata.json") {
					continue
				}

				setID := s3s.setIDFromKey(*obj.Key)
				if setID == "" {
					continue
				}

				set, err := s3s.RetrieveSetMetadata(ctx, setID)
				if err != nil {
					continue
				}
				sets = append(sets, set)
			}
			return true
		})
	if err != nil {
		return nil, NewStorageError("failed to list backup sets from S3", err)
	}

	return sets, nil
}

// DeleteSet removes every object under the set prefix
func (s3s *S3Storage) DeleteSet(ctx context.Context, setID string) error {
	if setID == "" {
		return NewValidationError("set ID cannot be empty", nil)
	}

	listResult, err := s3s.client.ListObjectsV2WithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s3s.bucket),
		Prefix: aws.String(s3s.prefix + sanitizeSetID(setID) + "/"),
	})
	if err != nil {
		return NewStorageError("failed to list backup objects", err)
	}

	if len(listResult.Contents) == 0 {
		return NewNotFoundError(fmt.Sprintf("backup %s not found", setID), nil)
	}

	var objectsToDelete []*s3.ObjectIdentifier
	for _, obj := range listResult.Contents {
		objectsToDelete = append(objectsToDelete, &s3.ObjectIdentifier{Key: obj.Key})
	}

	_, err = s3s.client.DeleteObjectsWithContext(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(s3s.bucket),
		Delete: &s3.Delete{Objects: objectsToDelete},
	})
	if err != nil {
		return NewStorageError("failed to delete backup objects from S3", err)
	}

	return nil
}

// HealthCheck verifies the bucket is reachable and listable
func (s3s *S3Storage) HealthCheck(ctx context.Context) error {
	_, err := s3s.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s3s.bucket),
	})
	if err != nil {
		return NewStorageError("S3 health check failed: bucket not accessible", err)
	}

	_, err = s3s.client.ListObjectsV2WithContext(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s3s.bucket),
		Prefix:  aws.String(s3s.prefix),
		MaxKeys: aws.Int64(1),
	})
	if err != nil {
		return NewStorageError("S3 health check failed: cannot list objects", err)
	}

	return nil
}

func (s3s *S3Storage) objectKey(setID, filename string) string {
	return s3s.prefix + sanitizeSetID(setID) + "/" + filename
}

func (s3s *S3Storage) setIDFromKey(objectKey string) string {
	if !strings.HasPrefix(objectKey, s3s.prefix) {
		return ""
	}
	withoutPrefix := strings.TrimPrefix(objectKey, s3s.prefix)
	if !strings.HasSuffix(withoutPrefix, "/metadata.json") {
		return ""
	}
	return strings.TrimSuffix(withoutPrefix, "/metadata.json")
}

func isS3NotFound(err error) bool {
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return false
	}
	switch aerr.Code() {
	case s3.ErrCodeNoSuchKey, s3.ErrCodeNoSuchBucket, "NotFound":
		return true
	}
	return false
}
