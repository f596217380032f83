package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/hyperjump/nagare/internal/faults"
)

// S3Config configures the S3 fetcher. Credentials come from the default AWS chain
// (environment, shared config, instance role).
type S3Config struct {
	Region       string
	Endpoint     string
	UsePathStyle bool
}

// S3Fetcher reads s3://bucket/key references.
type S3Fetcher struct {
	client *s3.Client
}

// NewS3Fetcher loads the default AWS configuration and builds a client.
func NewS3Fetcher(ctx context.Context, cfg S3Config) (*S3Fetcher, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewS3FetcherFromConfig(awsCfg, cfg), nil
}

// NewS3FetcherFromConfig builds a fetcher from an existing AWS configuration.
func NewS3FetcherFromConfig(awsCfg aws.Config, cfg S3Config) *S3Fetcher {
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return &S3Fetcher{client: client}
}

// Fetch downloads the object. A missing bucket or key is permanent; everything else is transient.
func (s *S3Fetcher) Fetch(ctx context.Context, ref *url.URL, limit int64) ([]byte, error) {
	bucket := ref.Host
	key := strings.TrimPrefix(ref.Path, "/")
	if bucket == "" || key == "" {
		return nil, faults.Validationf("s3 reference %q needs a bucket and key", ref.String())
	}
	input := &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)}
	if limit > 0 {
		input.Range = aws.String(fmt.Sprintf("bytes=0-%d", limit-1))
	}
	out, err := s.client.GetObject(ctx, input)
	if err != nil {
		var noKey *types.NoSuchKey
		var noBucket *types.NoSuchBucket
		if errors.As(err, &noKey) || errors.As(err, &noBucket) {
			return nil, faults.Validation(fmt.Errorf("get s3 object: %w", err))
		}
		return nil, faults.Transient(fmt.Errorf("get s3 object: %w", err))
	}
	defer out.Body.Close()
	var r io.Reader = out.Body
	if limit > 0 {
		r = io.LimitReader(out.Body, limit)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, faults.Transient(fmt.Errorf("read s3 object: %w", err))
	}
	return data, nil
}
