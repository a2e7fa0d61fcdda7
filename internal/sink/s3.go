// internal/sink/s3.go
package sink

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	s3aws "github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Client is the subset of the S3 API used for uploads.
type S3Client interface {
	PutObject(ctx context.Context, params *s3aws.PutObjectInput, optFns ...func(*s3aws.Options)) (*s3aws.PutObjectOutput, error)
}

// S3Options configures NewS3Client. Empty keys fall back to the default
// AWS credential chain.
type S3Options struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
}

// NewS3Client builds an S3 client from opts.
func NewS3Client(ctx context.Context, opts S3Options) (*s3aws.Client, error) {
	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3aws.NewFromConfig(awsConfig, func(o *s3aws.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.ForcePathStyle
	}), nil
}

// S3Opener returns an Opener for s3://bucket/key targets. Events are
// spooled to a temporary file and uploaded in one PutObject on Close.
// The client is created on first use.
func S3Opener(newClient func(ctx context.Context) (S3Client, error)) Opener {
	return func(ctx context.Context, u *url.URL) (io.WriteCloser, error) {
		bucket := u.Host
		key := strings.TrimPrefix(u.Path, "/")
		if bucket == "" || key == "" {
			return nil, fmt.Errorf("s3 output needs s3://bucket/key, got %s", u.String())
		}

		client, err := newClient(ctx)
		if err != nil {
			return nil, err
		}

		f, err := os.CreateTemp("", "smooch-logs-*.jsonl")
		if err != nil {
			return nil, fmt.Errorf("create spool file: %w", err)
		}
		return &s3Object{
			ctx:    context.WithoutCancel(ctx),
			client: client,
			bucket: bucket,
			key:    key,
			spool:  f,
		}, nil
	}
}

type s3Object struct {
	ctx    context.Context
	client S3Client
	bucket string
	key    string
	spool  *os.File
}

func (o *s3Object) Write(p []byte) (int, error) { return o.spool.Write(p) }

func (o *s3Object) Close() error {
	defer os.Remove(o.spool.Name())
	defer o.spool.Close()

	if _, err := o.spool.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind spool file: %w", err)
	}

	contentType := "application/x-ndjson"
	if strings.HasSuffix(strings.ToLower(o.key), ".gz") {
		contentType = "application/gzip"
	}
	_, err := o.client.PutObject(o.ctx, &s3aws.PutObjectInput{
		Bucket:      aws.String(o.bucket),
		Key:         aws.String(o.key),
		Body:        o.spool,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("upload s3://%s/%s: %w", o.bucket, o.key, err)
	}
	return nil
}
