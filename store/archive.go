package store

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "ignitionflow/config"
	"ignitionflow/logger"
)

// Archiver mirrors written parquet partitions to an S3 bucket. Uploads
// are best-effort: failures are logged, never surfaced to the write path.
type Archiver struct {
	client *s3.Client
	bucket string
	log    *logger.Log
}

// NewArchiver builds an S3 archiver from the store archive configuration.
func NewArchiver(cfg *appconfig.Config) (*Archiver, error) {
	log := logger.GetLogger()
	ac := cfg.Store.Archive

	ctx := context.Background()
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(ac.Region),
	}
	if ac.AccessKeyID != "" && ac.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(ac.AccessKeyID, ac.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if ac.Endpoint != "" {
			o.BaseEndpoint = aws.String(ac.Endpoint)
		}
		o.UsePathStyle = ac.PathStyle
	})

	log.WithComponent("store_archive").WithFields(logger.Fields{
		"bucket": ac.Bucket,
		"region": ac.Region,
	}).Info("s3 archiver initialized")

	return &Archiver{client: client, bucket: ac.Bucket, log: log}, nil
}

// Archive uploads one parquet partition under its tree-relative key.
func (a *Archiver) Archive(key string, data []byte) {
	log := a.log.WithComponent("store_archive").WithFields(logger.Fields{
		"s3_key":    key,
		"data_size": len(data),
	})

	input := &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type": "parquet",
		},
	}

	if _, err := a.client.PutObject(context.Background(), input); err != nil {
		log.WithError(err).Warn("failed to archive partition to S3")
		return
	}
	log.Debug("partition archived to S3")
}
