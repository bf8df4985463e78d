package replication

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"authvault/internal/backup"
	"authvault/internal/config"
	apperrors "authvault/internal/errors"
)

// TargetTransport moves backup artifacts to one replication target
type TargetTransport interface {
	// Ping checks the target is reachable and writable enough to accept
	// artifacts
	Ping(ctx context.Context, target Target) error

	// Upload delivers one backup artifact to the target
	Upload(ctx context.Context, target Target, result backup.Result) error
}

// S3Transport replicates artifacts to S3-compatible object storage in each
// target region. Clients are created lazily per target and cached.
type S3Transport struct {
	mu          sync.Mutex
	clients     map[string]*s3.S3
	credentials map[string]config.TargetConfig
}

// NewS3Transport creates a transport for the configured targets
func NewS3Transport(targets []config.TargetConfig) *S3Transport {
	creds := make(map[string]config.TargetConfig, len(targets))
	for _, target := range targets {
		creds[target.Region] = target
	}

	return &S3Transport{
		clients:     make(map[string]*s3.S3, len(targets)),
		credentials: creds,
	}
}

// Ping implements TargetTransport
func (t *S3Transport) Ping(ctx context.Context, target Target) error {
	client, err := t.clientFor(target)
	if err != nil {
		return err
	}

	_, err = client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(target.Bucket),
	})
	if err != nil {
		return apperrors.NewAppError(apperrors.ErrorTypeTransientDelivery,
			fmt.Sprintf("target %s is unreachable", target.Region), err)
	}

	return nil
}

// Upload implements TargetTransport. The artifact is read back from its local
// path, so replication observes exactly the bytes that were stored.
func (t *S3Transport) Upload(ctx context.Context, target Target, result backup.Result) error {
	client, err := t.clientFor(target)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(result.Path)
	if err != nil {
		return apperrors.NewAppError(apperrors.ErrorTypeArtifact,
			fmt.Sprintf("failed to read artifact %s", result.Path), err)
	}

	key := fmt.Sprintf("replicated/%s/%s", result.SetID, filepath.Base(result.Path))
	_, err = client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(target.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]*string{
			"backup-set-id": aws.String(result.SetID),
			"checksum":      aws.String(result.Checksum),
		},
	})
	if err != nil {
		return apperrors.NewAppError(apperrors.ErrorTypeTransientDelivery,
			fmt.Sprintf("failed to upload %s to target %s", key, target.Region), err)
	}

	return nil
}

// clientFor returns the cached client for a target's region, creating it on
// first use
func (t *S3Transport) clientFor(target Target) (*s3.S3, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if client, ok := t.clients[target.Region]; ok {
		return client, nil
	}

	creds, ok := t.credentials[target.Region]
	if !ok {
		return nil, apperrors.NewAppError(apperrors.ErrorTypeConfiguration,
			fmt.Sprintf("no credentials configured for target region %s", target.Region), nil)
	}

	awsConfig := &aws.Config{
		Region: aws.String(creds.Region),
		Credentials: credentials.NewStaticCredentials(
			creds.AccessKey,
			creds.SecretKey,
			"",
		),
	}
	if creds.Endpoint != "" {
		awsConfig.Endpoint = aws.String(creds.Endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrorTypeConfiguration,
			fmt.Sprintf("failed to create session for target region %s", creds.Region), err)
	}

	client := s3.New(sess)
	t.clients[target.Region] = client

	return client, nil
}
