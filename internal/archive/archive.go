// Package archive retains raw provider result payloads in S3. Downloaded
// results are normalized into Postgres; the untouched payload is archived
// so disputes and provider regressions can be investigated later.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ignite/list-verifier/internal/config"
)

// S3API is the subset of the S3 client the archiver needs.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver writes raw result payloads to S3.
type Archiver struct {
	client S3API
	bucket string
}

// New builds an Archiver from config. Static keys win over a shared
// profile; with neither, the default AWS credential chain applies.
func New(ctx context.Context, cfg config.ArchiveConfig) (*Archiver, error) {
	var awsCfg aws.Config
	var err error

	switch {
	case cfg.AccessKey != "" && cfg.SecretKey != "":
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.S3Region),
			awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
		)
	case cfg.Profile != "":
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.S3Region),
			awsconfig.WithSharedConfigProfile(cfg.Profile),
		)
	default:
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.S3Region),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return &Archiver{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.S3Bucket,
	}, nil
}

// NewWithClient builds an Archiver around an existing client (tests).
func NewWithClient(client S3API, bucket string) *Archiver {
	return &Archiver{client: client, bucket: bucket}
}

// StoreResults uploads one batch's raw results under a dated key.
func (a *Archiver) StoreResults(ctx context.Context, batchID string, results interface{}) (string, error) {
	payload, err := json.Marshal(results)
	if err != nil {
		return "", fmt.Errorf("encoding archive payload: %w", err)
	}

	key := fmt.Sprintf("results/%s/%s.json", time.Now().UTC().Format("2006/01/02"), batchID)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("uploading archive %s: %w", key, err)
	}
	return key, nil
}
