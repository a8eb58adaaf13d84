// Package s3store is a Store backend that persists fingerprint->URL
// entries as small S3 objects, for deployments where engines on different
// hosts need to share resumption state (something the filesystem backend
// can't provide across hosts).
package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	bitriseretry "github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

const numRetries = 3
const keyPrefix = "tus-uploads/"

// Config configures an S3-backed Store.
type Config struct {
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
}

// Store persists fingerprint->URL entries as objects in an S3 bucket.
type Store struct {
	client *s3.Client
	bucket string
	logger log.Logger
}

// New creates a Store using the given AWS config and logger.
func New(ctx context.Context, cfg Config, logger log.Logger) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3store: bucket must not be empty")
	}

	awsCfg, err := loadAWSCredentials(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("s3store: load aws credentials: %w", err)
	}

	return &Store{
		client: s3.NewFromConfig(*awsCfg),
		bucket: cfg.Bucket,
		logger: logger,
	}, nil
}

func loadAWSCredentials(ctx context.Context, cfg Config, logger log.Logger) (*aws.Config, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		logger.Debugf("s3store: using provided static credentials")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	return &awsCfg, nil
}

func (s *Store) key(fingerprint string) string {
	return keyPrefix + fingerprint
}

// Get implements store.Store.
func (s *Store) Get(fingerprint string) (string, bool) {
	ctx := context.Background()

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(fingerprint)),
	})
	if err != nil {
		var apiError smithy.APIError
		if errors.As(err, &apiError) {
			if _, ok := apiError.(*types.NoSuchKey); ok {
				return "", false
			}
		}
		s.logger.Warnf("s3store: get %s: %s", fingerprint, err)
		return "", false
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		s.logger.Warnf("s3store: read %s: %s", fingerprint, err)
		return "", false
	}

	return string(data), true
}

// Set implements store.Store, retrying transient failures with a bounded
// wait-and-retry loop.
func (s *Store) Set(fingerprint, url string) error {
	ctx := context.Background()

	return bitriseretry.Times(numRetries).Wait(2 * time.Second).TryWithAbort(func(attempt uint) (error, bool) {
		uploader := manager.NewUploader(s.client)

		_, err := uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(s.key(fingerprint)),
			Body:        bytes.NewReader([]byte(url)),
			ContentType: aws.String("text/plain"),
		})
		if err != nil {
			return fmt.Errorf("put upload URL object: %w", err), false
		}

		return nil, true
	})
}

// Remove implements store.Store. Removing a non-existent key is not an
// error, matching S3 DeleteObject semantics.
func (s *Store) Remove(fingerprint string) error {
	ctx := context.Background()

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(fingerprint)),
	})
	if err != nil {
		return fmt.Errorf("delete upload URL object: %w", err)
	}
	return nil
}

// Close implements store.Store. The AWS SDK client holds no resources that
// need explicit release.
func (s *Store) Close() error {
	return nil
}
