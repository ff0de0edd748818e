package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"

	"chatty/internal/pkg/logx"
)

// s3Client implements BlobStore on top of an S3-compatible bucket.
type s3Client struct {
	bucket   string
	s3Client *s3.Client
	uploader *manager.Uploader
	logger   zerolog.Logger
}

// newS3Client initializes the S3 client using a custom configuration that supports S3-compatible endpoints.
func newS3Client(ctx context.Context, cfg ServiceConfig) (*s3Client, error) {
	region := cfg.S3Region
	if region == "" {
		region = "auto"
	}

	// Load Configuration
	sdkCfg, err := config.LoadDefaultConfig(ctx,
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.S3AccessKeyID,
			cfg.S3SecretAccessKey,
			"",
		)),
		config.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize S3 client configuration: %w", err)
	}

	// Create S3 Client with Custom Endpoint Resolver.
	client := s3.NewFromConfig(sdkCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		o.UsePathStyle = true
	})

	return &s3Client{
		bucket:   cfg.S3BucketName,
		s3Client: client,
		uploader: manager.NewUploader(client),
		logger: logx.Component("storage").With().
			Str("backend", "s3").
			Str("bucket", cfg.S3BucketName).
			Logger(),
	}, nil
}

// Store uploads data under the cleaned name.
func (c *s3Client) Store(ctx context.Context, name string, data []byte) error {
	key, err := CleanName(name)
	if err != nil {
		return err
	}

	_, err = c.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		c.logger.Error().Err(err).Str("key", key).Msg("S3 upload failed.")
		return fmt.Errorf("failed to upload file to S3: %w", err)
	}

	c.logger.Debug().Str("key", key).Int("bytes", len(data)).Msg("File stored.")
	return nil
}

// Load downloads the object stored under the cleaned name.
func (c *s3Client) Load(ctx context.Context, name string) ([]byte, error) {
	key, err := CleanName(name)
	if err != nil {
		return nil, err
	}

	resp, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		var nf *types.NotFound
		if errors.As(err, &nsk) || errors.As(err, &nf) {
			return nil, ErrNotFound
		}
		c.logger.Error().Err(err).Str("key", key).Msg("S3 download failed.")
		return nil, fmt.Errorf("failed to fetch file from S3: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read S3 object body: %w", err)
	}
	return data, nil
}
