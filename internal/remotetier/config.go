package remotetier

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config names the connection details for an S3-compatible offload
// bucket. AccessKeyID/SecretAccessKey are optional; when empty the default
// AWS credential chain (environment, shared config file, IMDS) is used.
type S3Config struct {
	Region          string
	Bucket          string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3BackendFromConfig resolves credentials via aws-sdk-go-v2/config and
// returns a ready-to-use S3Backend.
func NewS3BackendFromConfig(ctx context.Context, cfg S3Config) (*S3Backend, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewS3Backend(s3.NewFromConfig(awsCfg), cfg.Bucket, cfg.Prefix), nil
}
