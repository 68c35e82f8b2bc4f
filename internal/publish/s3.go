package publish

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"recon/internal/config"
)

// S3Publisher uploads to an S3-compatible bucket under <prefix>/<runID>/.
type S3Publisher struct {
	client   *minio.Client
	bucket   string
	prefix   string
	region   string
	initOnce sync.Once
	initErr  error
}

// NewS3Publisher validates cfg and creates the client. No request is made
// until the first upload.
func NewS3Publisher(cfg config.S3Config) (*S3Publisher, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("s3 access key and secret key are required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}
	return &S3Publisher{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		region: region,
	}, nil
}

func (p *S3Publisher) Target() string { return "s3" }

func (p *S3Publisher) ensureBucket(ctx context.Context) error {
	p.initOnce.Do(func() {
		exists, err := p.client.BucketExists(ctx, p.bucket)
		if err != nil {
			p.initErr = err
			return
		}
		if !exists {
			p.initErr = p.client.MakeBucket(ctx, p.bucket, minio.MakeBucketOptions{Region: p.region})
		}
	})
	return p.initErr
}

func (p *S3Publisher) Publish(ctx context.Context, runID string, files map[string]string) (map[string]string, error) {
	if err := p.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure bucket: %w", err)
	}

	locations := make(map[string]string, len(files))
	for _, name := range sortedNames(files) {
		file := files[name]
		key := objectKey(p.prefix, runID, file)
		_, err := p.client.FPutObject(ctx, p.bucket, key, file, minio.PutObjectOptions{
			ContentType: contentType(file),
		})
		if err != nil {
			return locations, fmt.Errorf("upload %s: %w", name, err)
		}
		locations[name] = "s3://" + p.bucket + "/" + key
	}
	return locations, nil
}
