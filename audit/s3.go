package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/ruteri/tee-sealing-key-provider/interfaces"
)

// S3Sink writes one object per event to Amazon S3 or a compatible service,
// under prefix/YYYY/MM/DD/<request id>.json.
type S3Sink struct {
	client     *s3.S3
	bucketName string
	prefix     string
	log        *slog.Logger
	name       string
}

// S3Config configures an S3Sink. Without credentials the SDK's default
// credential chain is used.
type S3Config struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

func NewS3Sink(cfg S3Config, log *slog.Logger) (*S3Sink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket not set")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	awsCfg := aws.Config{
		Region: aws.String(cfg.Region),
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		// Compatible services rarely support virtual-hosted buckets.
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}

	sess, err := session.NewSession(&awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &S3Sink{
		client:     s3.New(sess),
		bucketName: cfg.Bucket,
		prefix:     strings.Trim(cfg.Prefix, "/"),
		log:        log,
		name:       fmt.Sprintf("s3://%s/%s", cfg.Bucket, strings.Trim(cfg.Prefix, "/")),
	}, nil
}

func (s *S3Sink) objectKey(event interfaces.AuditEvent) string {
	ts := event.Time
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return path.Join(s.prefix, ts.Format("2006/01/02"), event.RequestID+".json")
}

func (s *S3Sink) Record(ctx context.Context, event interfaces.AuditEvent) error {
	start := time.Now()
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	key := s.objectKey(event)
	_, err = s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucketName),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload audit record to S3: %w", err)
	}

	s.log.Debug("Stored audit record in S3",
		slog.String("bucket", s.bucketName),
		slog.String("key", key),
		slog.Duration("duration", time.Since(start)))
	return nil
}

func (s *S3Sink) Name() string {
	return s.name
}
