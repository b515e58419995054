package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/3leaps/gowarden/pkg/jobfile"
)

// Classified upload failures. Callers log these; they never fail a job.
var (
	ErrAccessDenied       = errors.New("access denied")
	ErrBucketNotFound     = errors.New("bucket not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrThrottled          = errors.New("throttled by storage provider")
	ErrStoreUnavailable   = errors.New("storage provider unavailable")
)

// Uploader ships evidence files to an S3 bucket.
type Uploader struct {
	client *s3.Client
	cfg    Config
	log    *zap.Logger
}

// New creates an uploader against AWS S3 or an S3-compatible endpoint.
func New(ctx context.Context, cfg Config, log *zap.Logger) (*Uploader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	s3Opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}
		},
	}
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	return &Uploader{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		cfg:    cfg,
		log:    log,
	}, nil
}

// loadAWSConfig builds the AWS configuration with appropriate credentials.
func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		static := credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "")
		opts = append(opts, awsconfig.WithCredentialsProvider(static))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	if awsCfg.Region == "" && cfg.Endpoint == "" {
		awsCfg.Region = DefaultAWSRegion
	}
	return awsCfg, nil
}

// ArchiveStep uploads one step's evidence files. Files are read from the
// workspace; paths in files are workspace-relative. Upload failures are
// aggregated, not short-circuited, so one bad object cannot block the
// rest of the evidence.
func (u *Uploader) ArchiveStep(ctx context.Context, job *jobfile.Job, step int, workspaceDir string, files []string) error {
	var errs []error
	var shipped int
	for _, rel := range files {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		local := filepath.Join(workspaceDir, filepath.FromSlash(rel))
		info, err := os.Stat(local)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", rel, err))
			continue
		}
		if u.cfg.MaxFileBytes > 0 && info.Size() > u.cfg.MaxFileBytes {
			u.log.Warn("evidence file exceeds size limit, skipped",
				zap.String("job_id", job.JobID),
				zap.String("file", rel),
				zap.Int64("size", info.Size()))
			continue
		}

		f, err := os.Open(local)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", rel, err))
			continue
		}
		key := u.ObjectKey(job.JobID, step, rel)
		size := info.Size()
		_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(u.cfg.Bucket),
			Key:           aws.String(key),
			Body:          f,
			ContentLength: &size,
		})
		_ = f.Close()
		if err != nil {
			errs = append(errs, fmt.Errorf("put %s: %w", key, classify(err)))
			continue
		}
		shipped++
	}

	if shipped > 0 {
		u.log.Info("evidence archived",
			zap.String("job_id", job.JobID),
			zap.Int("step", step),
			zap.Int("files", shipped),
			zap.String("bucket", u.cfg.Bucket))
	}
	return errors.Join(errs...)
}

// ObjectKey builds the bucket key for one evidence file:
// [prefix/]<job_id>/step-<n>/<relative path>.
func (u *Uploader) ObjectKey(jobID string, step int, rel string) string {
	rel = strings.TrimLeft(filepath.ToSlash(rel), "/")
	key := path.Join(jobID, fmt.Sprintf("step-%d", step), rel)
	if u.cfg.Prefix != "" {
		key = path.Join(strings.Trim(u.cfg.Prefix, "/"), key)
	}
	return key
}

// classify maps provider errors onto the package sentinels so callers
// can log a stable category instead of a raw SDK string.
func classify(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchBucket":
			return fmt.Errorf("%w: %v", ErrBucketNotFound, err)
		case "AccessDenied", "Forbidden":
			return fmt.Errorf("%w: %v", ErrAccessDenied, err)
		case "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
		case "SlowDown", "Throttling", "RequestLimitExceeded":
			return fmt.Errorf("%w: %v", ErrThrottled, err)
		case "ServiceUnavailable", "InternalError":
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}
	return err
}
