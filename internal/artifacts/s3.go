package artifacts

import (
	"context"
	"fmt"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	minPartSize    int64 = 5 * 1024 * 1024
	uploadParallel       = 4
)

// S3Config describes an S3-compatible bucket (AWS, MinIO, R2)
type S3Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	AccessKey      string
	SecretKey      string
	Prefix         string
	ForcePathStyle bool
}

// ObjectUploader is the subset of manager.Uploader used here
type ObjectUploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Uploader mirrors run directories to a bucket under prefix/run_id/
type S3Uploader struct {
	logger   *zap.Logger
	uploader ObjectUploader
	bucket   string
	prefix   string
}

// NewS3Uploader builds an SDK client from cfg
func NewS3Uploader(ctx context.Context, logger *zap.Logger, cfg S3Config) (*S3Uploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket name is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("s3: region is required")
	}

	var loadOpts []func(*config.LoadOptions) error
	loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	if cfg.AccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
		loadOpts = append(loadOpts, config.WithCredentialsProvider(creds))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := normaliseEndpoint(cfg.Endpoint)
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = minPartSize
	})
	return NewS3UploaderWith(logger, uploader, cfg.Bucket, cfg.Prefix), nil
}

// NewS3UploaderWith wraps an existing uploader
func NewS3UploaderWith(logger *zap.Logger, uploader ObjectUploader, bucket, prefix string) *S3Uploader {
	return &S3Uploader{
		logger:   logger,
		uploader: uploader,
		bucket:   bucket,
		prefix:   prefix,
	}
}

// Key returns the object key of name for runID
func (u *S3Uploader) Key(runID, name string) string {
	return path.Join(u.prefix, runID, name)
}

// UploadDir uploads every regular file directly inside dir and returns
// the object keys in name order
func (u *S3Uploader) UploadDir(ctx context.Context, dir, runID string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("s3: read dir %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	keys := make([]string, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadParallel)
	for i, name := range names {
		keys[i] = u.Key(runID, name)
		g.Go(func() error {
			return u.uploadFile(gctx, filepath.Join(dir, name), keys[i])
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	u.logger.Info("Artifacts uploaded",
		zap.String("run_id", runID),
		zap.String("bucket", u.bucket),
		zap.Int("objects", len(keys)),
	)
	return keys, nil
}

func (u *S3Uploader) uploadFile(ctx context.Context, file, key string) error {
	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("s3: open %s: %w", file, err)
	}
	defer f.Close()

	input := &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
		Body:   f,
	}
	if ct := contentType(file); ct != "" {
		input.ContentType = aws.String(ct)
	}

	if _, err := u.uploader.Upload(ctx, input); err != nil {
		return fmt.Errorf("s3: upload %s: %w", key, err)
	}
	return nil
}

func contentType(file string) string {
	switch ext := filepath.Ext(file); ext {
	case ".jsonl":
		return "application/x-ndjson"
	case ".toml":
		return "application/toml"
	default:
		return mime.TypeByExtension(ext)
	}
}

// normaliseEndpoint prepends https:// when the endpoint has no scheme
func normaliseEndpoint(endpoint string) string {
	parsed, err := url.Parse(endpoint)
	if err == nil && parsed.Scheme != "" && parsed.Host != "" {
		return endpoint
	}
	return "https://" + endpoint
}
