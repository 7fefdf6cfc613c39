// Package upload implements ports.Uploader with three backends selected by
// config: local filesystem (dev/test), S3, and an OBS-compatible variant
// (S3 API with a custom endpoint), grounded on the S3 client wiring pattern
// from the infinitetalk-api example's storage layer.
package upload

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/textloom/orchestrator/internal/collaborators/resilience"
	"github.com/textloom/orchestrator/internal/ports"
)

// Backend selects which Uploader implementation New constructs.
type Backend string

// Supported upload backends.
const (
	BackendLocal Backend = "local"
	BackendS3    Backend = "s3"
	BackendOBS   Backend = "obs"
)

// Config configures whichever Backend is selected.
type Config struct {
	Backend         Backend
	LocalDir        string // BackendLocal: destination directory
	Bucket          string // BackendS3/BackendOBS
	Region          string
	Endpoint        string // BackendOBS: custom S3-compatible endpoint
	AccessKeyID     string
	SecretAccessKey string
	PublicBaseURL   string // URL prefix prepended to the stored object key
	Observer        resilience.Observer
}

// New builds the configured ports.Uploader. BackendLocal never fails;
// BackendS3/BackendOBS return an error if the AWS SDK config cannot be
// resolved.
func New(ctx context.Context, cfg Config) (ports.Uploader, error) {
	switch cfg.Backend {
	case "", BackendLocal:
		return &localUploader{dir: cfg.LocalDir, publicBaseURL: cfg.PublicBaseURL}, nil
	case BackendS3, BackendOBS:
		return newS3Uploader(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown upload backend %q", cfg.Backend)
	}
}

// localUploader copies the file within the local filesystem, used in dev and
// integration tests where no object store is available.
type localUploader struct {
	dir           string
	publicBaseURL string
}

func (u *localUploader) Put(ctx context.Context, localPath string) (string, error) {
	if err := os.MkdirAll(u.dir, 0o755); err != nil {
		return "", fmt.Errorf("preparing upload dir: %w", err)
	}
	name := filepath.Base(localPath)
	dest := filepath.Join(u.dir, name)
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", ports.NewCollaboratorError(ports.Permanent, fmt.Errorf("reading %s: %w", localPath, err))
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return "", ports.NewCollaboratorError(ports.Transient, fmt.Errorf("writing %s: %w", dest, err))
	}
	if u.publicBaseURL != "" {
		return u.publicBaseURL + "/" + name, nil
	}
	return dest, nil
}

// s3Uploader backs both BackendS3 (AWS) and BackendOBS (any S3-compatible
// store reachable via a custom endpoint) behind the same Uploader interface.
type s3Uploader struct {
	client        *s3.Client
	bucket        string
	publicBaseURL string
	policy        *resilience.Policy
}

func newS3Uploader(ctx context.Context, cfg Config) (*s3Uploader, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(awscreds.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // required by most OBS-compatible endpoints
		}
	})

	return &s3Uploader{
		client:        client,
		bucket:        cfg.Bucket,
		publicBaseURL: cfg.PublicBaseURL,
		policy:        resilience.NewPolicy("uploader").WithObserver(cfg.Observer),
	}, nil
}

func (u *s3Uploader) Put(ctx context.Context, localPath string) (string, error) {
	key := filepath.Base(localPath)
	err := resilience.Call(ctx, u.policy, nil, func(ctx context.Context) error {
		f, err := os.Open(localPath)
		if err != nil {
			return ports.NewCollaboratorError(ports.Permanent, fmt.Errorf("opening %s: %w", localPath, err))
		}
		defer f.Close()

		contentType := mime.TypeByExtension(filepath.Ext(localPath))
		if contentType == "" {
			contentType = "application/octet-stream"
		}

		_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(u.bucket),
			Key:         aws.String(key),
			Body:        f,
			ContentType: aws.String(contentType),
		})
		if err != nil {
			return ports.NewCollaboratorError(ports.Transient, fmt.Errorf("putting %s: %w", key, err))
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if u.publicBaseURL != "" {
		return u.publicBaseURL + "/" + key, nil
	}
	return fmt.Sprintf("s3://%s/%s", u.bucket, key), nil
}
