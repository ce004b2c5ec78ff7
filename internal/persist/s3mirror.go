package persist

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3MirrorConfig configures the optional S3 mirror for persisted state.
// The mirror is best-effort: failures are logged and never surfaced to
// the Writer's own health status, which tracks the local disk path only.
type S3MirrorConfig struct {
	BucketName  string
	Region      string
	AccessKeyID string
	SecretKey   string
	Endpoint    string
	PathPrefix  string
}

// S3Mirror replicates successful Writer commits to an S3 bucket, keyed
// by the same relative path the Writer persisted locally.
type S3Mirror struct {
	cfg    S3MirrorConfig
	client *s3.Client
	logger *slog.Logger
}

// NewS3Mirror builds an S3Mirror from cfg. It returns an error if cfg has
// no bucket name or the AWS SDK configuration cannot be loaded; the engine
// treats that error as fatal to New.
func NewS3Mirror(ctx context.Context, cfg S3MirrorConfig, logger *slog.Logger) (*S3Mirror, error) {
	if cfg.BucketName == "" {
		return nil, fmt.Errorf("persist: s3 mirror requires a bucket name")
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("persist: load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &S3Mirror{
		cfg:    cfg,
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		logger: logger,
	}, nil
}

// Mirror implements persist.Mirror. It is always called from a
// best-effort goroutine by the Writer and swallows its own errors.
func (m *S3Mirror) Mirror(ctx context.Context, path string, data []byte) {
	key := path
	if m.cfg.PathPrefix != "" {
		key = m.cfg.PathPrefix + "/" + path
	}

	_, err := m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.cfg.BucketName),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		m.logger.Warn("persist: s3 mirror upload failed", "path", path, "error", err)
	}
}
