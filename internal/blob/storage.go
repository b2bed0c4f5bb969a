package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	conf "github.com/akimenko/webpress/internal/config"
)

// Store talks to an S3-compatible object store (R2). The bucket is resolved
// once at construction from the configured primary name plus the declared
// fallback list; per-call code never probes bucket names.
type Store struct {
	bucket     string
	publicBase string

	maxRetries     int
	retryBaseDelay time.Duration

	uploader *manager.Uploader
}

func New(ctx context.Context, cfg *conf.R2Config) (*Store, error) {
	awscfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretKey, "",
		)),
		awsconfig.WithRegion("auto"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)
	}

	client := s3.NewFromConfig(awscfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})

	bucket, err := resolveBucket(ctx, client, cfg.BucketName, cfg.FallbackBuckets)
	if err != nil {
		return nil, err
	}
	log.Printf("[blob] using bucket %q", bucket)

	return &Store{
		bucket:         bucket,
		publicBase:     strings.TrimRight(cfg.PublicBaseURL, "/"),
		maxRetries:     3,
		retryBaseDelay: 300 * time.Millisecond,
		uploader:       manager.NewUploader(client),
	}, nil
}

func resolveBucket(ctx context.Context, client *s3.Client, primary string, fallbacks []string) (string, error) {
	lastErr := errors.New("no bucket configured")
	for _, name := range append([]string{primary}, fallbacks...) {
		if name == "" {
			continue
		}
		_, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(name)})
		if err == nil {
			return name, nil
		}
		lastErr = fmt.Errorf("head bucket %q: %w", name, err)
	}
	return "", lastErr
}

func (s *Store) Bucket() string { return s.bucket }

// URL builds the public dereferenceable URL for an object key.
func (s *Store) URL(key string) string {
	return s.publicBase + "/" + key
}

// Upload writes the payload synchronously with bounded retry and returns the
// public URL. Placement needs the URL before the record write, so there is
// no fire-and-forget path here.
func (s *Store) Upload(ctx context.Context, key, contentType string, data []byte, meta map[string]string) (string, error) {
	var err error
	for attempt := 1; ; attempt++ {
		in := &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String(contentType),
		}
		if len(meta) > 0 {
			in.Metadata = meta
		}

		_, err = s.uploader.Upload(ctx, in)
		if err == nil {
			return s.URL(key), nil
		}
		if attempt > s.maxRetries || ctx.Err() != nil {
			return "", fmt.Errorf("upload %q: %w", key, err)
		}

		timer := time.NewTimer(s.backoffDelay(attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return "", fmt.Errorf("upload %q: %w", key, ctx.Err())
		}
	}
}

func (s *Store) backoffDelay(attempt int) time.Duration {
	delay := s.retryBaseDelay << (attempt - 1)
	jitter := delay / 10
	if jitter <= 0 {
		return delay
	}
	return delay - jitter/2 + time.Duration(rand.Int63n(int64(jitter)))
}
