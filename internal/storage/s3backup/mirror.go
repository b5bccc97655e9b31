// Package s3backup mirrors published payloads into an S3 bucket, keyed by
// their content checksum.
package s3backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// API is the part of *s3.Client the mirror calls.
type API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type Config struct {
	Bucket   string
	Region   string
	// Endpoint selects a non-AWS endpoint such as MinIO and forces path-style addressing.
	Endpoint string
	Prefix   string
}

type Mirror struct {
	api    API
	bucket string
	prefix string
}

func New(ctx context.Context, cfg Config) (*Mirror, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 backup bucket is required")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewWithAPI(client, cfg.Bucket, cfg.Prefix), nil
}

func NewWithAPI(api API, bucket, prefix string) *Mirror {
	return &Mirror{api: api, bucket: bucket, prefix: prefix}
}

// Key is the object key for a "sha256:<hex>" checksum.
func (m *Mirror) Key(checksum string) (string, error) {
	hex, ok := strings.CutPrefix(checksum, "sha256:")
	if !ok || hex == "" {
		return "", fmt.Errorf("invalid checksum format: %q", checksum)
	}
	return m.prefix + hex + ".blob", nil
}

// Mirror uploads payload unless an object for checksum already exists.
func (m *Mirror) Mirror(ctx context.Context, checksum string, payload []byte) error {
	key, err := m.Key(checksum)
	if err != nil {
		return err
	}
	_, err = m.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(m.bucket), Key: aws.String(key)})
	if err == nil {
		return nil
	}
	var nf *types.NotFound
	if !errors.As(err, &nf) {
		return fmt.Errorf("s3 head %s: %w", key, err)
	}
	_, err = m.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("s3 put %s: %w", key, err)
	}
	return nil
}

// Restore reads a mirrored payload back.
func (m *Mirror) Restore(ctx context.Context, checksum string) ([]byte, error) {
	key, err := m.Key(checksum)
	if err != nil {
		return nil, err
	}
	out, err := m.api.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(m.bucket), Key: aws.String(key)})
	if err != nil {
		return nil, fmt.Errorf("s3 get %s: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()
	return io.ReadAll(out.Body)
}
