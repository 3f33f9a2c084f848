package revstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"tigscm/internal/config"
	"tigscm/internal/logging"
	"tigscm/internal/metrics"
	"tigscm/internal/retry"
)

const flagsMetadataKey = "tig-flags"

// S3Client is an ObjectClient over an S3 compatible bucket.
type S3Client struct {
	client *s3.Client
	bucket string
	prefix string
	retry  retry.Config
	logger *zap.Logger
}

func NewS3Client(ctx context.Context, cfg config.S3Config, logger *zap.Logger) (*S3Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 remote needs a bucket")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Client{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		retry:  retry.DefaultConfig(),
		logger: logging.OrNop(logger).With(zap.String("bucket", cfg.Bucket)),
	}, nil
}

func (c *S3Client) objectKey(name string) string {
	if c.prefix == "" {
		return name
	}
	return path.Join(c.prefix, name)
}

func isS3NotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	var nf *s3types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

func (c *S3Client) GetObject(ctx context.Context, name string) ([]byte, ObjectAttrs, error) {
	type result struct {
		data  []byte
		attrs ObjectAttrs
	}

	start := time.Now()
	r, err := retry.Do(ctx, c.retry, func(ctx context.Context) (result, error) {
		out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(c.objectKey(name)),
		})
		if err != nil {
			if isS3NotFound(err) {
				return result{}, ErrNotFound
			}
			return result{}, retry.Retryable(err)
		}
		defer out.Body.Close()

		data, err := io.ReadAll(out.Body)
		if err != nil {
			return result{}, retry.Retryable(fmt.Errorf("reading body: %w", err))
		}
		var attrs ObjectAttrs
		if v, ok := out.Metadata[flagsMetadataKey]; ok {
			attrs.Flags, _ = strconv.ParseUint(v, 10, 64)
		}
		return result{data: data, attrs: attrs}, nil
	})
	if err != nil {
		if isNotFound(err) {
			metrics.RecordRemoteOperation("get_object", time.Since(start), true)
			return nil, ObjectAttrs{}, ErrNotFound
		}
		metrics.RecordRemoteOperation("get_object", time.Since(start), false)
		return nil, ObjectAttrs{}, fmt.Errorf("get object %s: %w", name, err)
	}

	metrics.RecordRemoteOperation("get_object", time.Since(start), true)
	return r.data, r.attrs, nil
}

func (c *S3Client) PutObject(ctx context.Context, name string, data []byte, attrs ObjectAttrs) error {
	start := time.Now()
	_, err := retry.Do(ctx, c.retry, func(ctx context.Context) (struct{}, error) {
		input := &s3.PutObjectInput{
			Bucket:        aws.String(c.bucket),
			Key:           aws.String(c.objectKey(name)),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
		}
		if attrs.Flags != 0 {
			input.Metadata = map[string]string{flagsMetadataKey: strconv.FormatUint(attrs.Flags, 10)}
		}
		if _, err := c.client.PutObject(ctx, input); err != nil {
			return struct{}{}, retry.Retryable(err)
		}
		return struct{}{}, nil
	})
	if err != nil {
		metrics.RecordRemoteOperation("put_object", time.Since(start), false)
		return fmt.Errorf("put object %s: %w", name, err)
	}

	metrics.RecordRemoteOperation("put_object", time.Since(start), true)
	c.logger.Debug("S3 put object", zap.String("key", name), zap.Int("size", len(data)))
	return nil
}
