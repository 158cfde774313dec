package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"inactive-user-deauth/internal/config"
	"inactive-user-deauth/internal/models"
)

// Exporter persists run summaries as JSON documents, either to a local
// directory or an S3 bucket, so operators can audit past runs.
type Exporter struct {
	sink sink
}

type sink interface {
	put(ctx context.Context, key string, body []byte) error
}

// New builds an exporter from config, preferring S3 when a bucket is set.
// Returns nil when neither destination is configured.
func New(ctx context.Context, cfg config.Config) (*Exporter, error) {
	if cfg.ReportS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &Exporter{sink: &s3Sink{client: client, bucket: cfg.ReportS3Bucket}}, nil
	}
	if cfg.ReportDir != "" {
		return &Exporter{sink: &dirSink{baseDir: cfg.ReportDir}}, nil
	}
	return nil, nil
}

// Export writes the summary under a key derived from its start time and run id.
func (e *Exporter) Export(ctx context.Context, summary *models.RunSummary) error {
	body, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run summary: %w", err)
	}
	key := fmt.Sprintf("deauth-runs/%s-%s.json", summary.StartedAt.Format("20060102T150405Z"), summary.RunID)
	return e.sink.put(ctx, key, body)
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ReportS3Region),
	}
	if cfg.ReportS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ReportS3Endpoint,
					HostnameImmutable: cfg.ReportS3PathStyle,
					SigningRegion:     cfg.ReportS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ReportS3PathStyle
	}), nil
}

type dirSink struct {
	baseDir string
}

func (d *dirSink) put(_ context.Context, key string, body []byte) error {
	path := filepath.Join(d.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create report dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

type s3Sink struct {
	client *s3.Client
	bucket string
}

func (s *s3Sink) put(ctx context.Context, key string, body []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put report object: %w", err)
	}
	return nil
}
