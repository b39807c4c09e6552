// Package mirror is the optional S3-compatible durability mirror for
// model and best-run archives: every archive the process would
// otherwise only hold in modelstore/sweep's local filesystem is also
// pushed to an S3 bucket, so a restart against a fresh volume can be
// seeded back from the mirror. Disabled when no bucket is configured.
package mirror

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/watershed-dss/wqdss/internal/wqlog"
)

// Client is the subset of the AWS S3 SDK Mirror needs, narrowed for
// dependency injection in tests.
type Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Mirror uploads and fetches archive blobs under a bucket/prefix,
// keyed by a caller-chosen logical name (a model name or an execution
// id).
type Mirror struct {
	client Client
	bucket string
	prefix string
	log    *wqlog.ContextLogger
}

// New loads AWS credentials/region from the environment the way the
// AWS SDK's default config chain does, and returns a Mirror over the
// given bucket. An empty bucket disables the mirror: callers should
// check Enabled before wiring New's result into a caller that assumes
// a functioning mirror.
func New(ctx context.Context, bucket, region, accessKey, secretKey string) (*Mirror, error) {
	if bucket == "" {
		return &Mirror{}, nil
	}

	optFns := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if accessKey != "" {
		optFns = append(optFns, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("load AWS configuration: %w", err)
	}

	return &Mirror{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		prefix: "wqdss/",
		log:    wqlog.New().WithField("component", "mirror"),
	}, nil
}

// Enabled reports whether the mirror is configured to do anything.
func (m *Mirror) Enabled() bool { return m.bucket != "" }

func (m *Mirror) key(name string) string { return m.prefix + name + ".zip" }

// Put uploads archiveBytes under name. A no-op when the mirror is
// disabled, so callers can call it unconditionally.
func (m *Mirror) Put(ctx context.Context, name string, archiveBytes []byte) error {
	if !m.Enabled() {
		return nil
	}

	_, err := m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(m.key(name)),
		Body:   bytes.NewReader(archiveBytes),
	})
	if err != nil {
		return fmt.Errorf("mirror upload %s: %w", name, err)
	}
	m.log.WithField("name", name).Infof("mirrored archive to s3")
	return nil
}

// Get downloads the archive bytes stored under name.
func (m *Mirror) Get(ctx context.Context, name string) ([]byte, error) {
	if !m.Enabled() {
		return nil, fmt.Errorf("mirror: not configured")
	}

	out, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(m.key(name)),
	})
	if err != nil {
		return nil, fmt.Errorf("mirror download %s: %w", name, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("mirror download %s: %w", name, err)
	}
	return data, nil
}

// List returns every mirrored archive's logical name.
func (m *Mirror) List(ctx context.Context) ([]string, error) {
	if !m.Enabled() {
		return nil, nil
	}

	out, err := m.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(m.bucket),
		Prefix: aws.String(m.prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("mirror list: %w", err)
	}

	names := make([]string, 0, len(out.Contents))
	for _, obj := range out.Contents {
		names = append(names, trimMirrorKey(m.prefix, aws.ToString(obj.Key)))
	}
	return names, nil
}

func trimMirrorKey(prefix, key string) string {
	name := key
	if len(key) > len(prefix) && key[:len(prefix)] == prefix {
		name = key[len(prefix):]
	}
	if len(name) > 4 && name[len(name)-4:] == ".zip" {
		name = name[:len(name)-4]
	}
	return name
}
