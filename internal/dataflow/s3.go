package dataflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Backend provides S3-compatible storage (AWS, MinIO, R2).
type S3Backend struct {
	client    *s3.Client
	presigner *s3.PresignClient
	bucket    string
}

// S3Config holds S3 connection configuration.
type S3Config struct {
	// Endpoint for MinIO/R2. Leave empty for AWS S3.
	Endpoint string

	// Bucket name
	Bucket string

	// Region ("auto" for R2, optional for MinIO)
	Region string

	// Credentials
	AccessKeyID     string
	SecretAccessKey string

	// UseSSL applies when Endpoint has no scheme
	UseSSL bool
}

// NewS3Backend creates a new S3 backend.
func NewS3Backend(cfg *S3Config) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
		// R2 and older MinIO reject the default CRC32 trailers.
		config.WithRequestChecksumCalculation(aws.RequestChecksumCalculationWhenRequired),
		config.WithResponseChecksumValidation(aws.ResponseChecksumValidationWhenRequired),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := EndpointURL(cfg.Endpoint, cfg.UseSSL)
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)
	return &S3Backend{
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    cfg.Bucket,
	}, nil
}

// EndpointURL adds a scheme to a bare host endpoint.
func EndpointURL(endpoint string, useSSL bool) string {
	endpoint = strings.TrimRight(endpoint, "/")
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	if useSSL {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}

// Put uploads data under key. It never replaces an existing object: a key
// that is already taken fails with ErrObjectExists.
func (b *S3Backend) Put(ctx context.Context, key string, data io.ReadSeeker, contentType string) (*ArtifactRef, error) {
	sum, size, err := checksum(data)
	if err != nil {
		return nil, err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          data,
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(size),
		Metadata:      map[string]string{"sha256": sum},
		IfNoneMatch:   aws.String("*"),
	})
	if err != nil {
		var re *awshttp.ResponseError
		if errors.As(err, &re) && re.HTTPStatusCode() == http.StatusPreconditionFailed {
			return nil, fmt.Errorf("put object %s: %w", key, ErrObjectExists)
		}
		return nil, fmt.Errorf("put object: %w", err)
	}

	return &ArtifactRef{
		URI:         fmt.Sprintf("s3://%s/%s", b.bucket, key),
		ContentType: contentType,
		Size:        size,
		Checksum:    sum,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// Get retrieves an object. The bucket named in the URI wins over the
// configured one so templates can live in a separate bucket.
func (b *S3Backend) Get(ctx context.Context, ref *ArtifactRef) (io.ReadCloser, error) {
	bucket, key := b.splitURI(ref.URI)

	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}

	return result.Body, nil
}

// PresignGet generates a presigned URL for download.
func (b *S3Backend) PresignGet(ctx context.Context, ref *ArtifactRef, expiry time.Duration) (string, error) {
	bucket, key := b.splitURI(ref.URI)

	result, err := b.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("presign get: %w", err)
	}

	return result.URL, nil
}

// splitURI extracts bucket and key from "s3://bucket/key". A bare key uses
// the configured bucket.
func (b *S3Backend) splitURI(uri string) (bucket, key string) {
	if !strings.HasPrefix(uri, "s3://") {
		return b.bucket, strings.TrimPrefix(uri, "/")
	}
	parts := strings.SplitN(strings.TrimPrefix(uri, "s3://"), "/", 2)
	if len(parts) < 2 || parts[0] == "" {
		return b.bucket, parts[len(parts)-1]
	}
	return parts[0], parts[1]
}
