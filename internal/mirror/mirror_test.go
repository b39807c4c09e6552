package mirror

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/require"
)

type fakeS3Client struct {
	objects map[string][]byte
}

func newFakeS3Client() *fakeS3Client {
	return &fakeS3Client{objects: make(map[string][]byte)}
}

func (f *fakeS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(params.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3Client) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	var contents []types.Object
	prefix := aws.ToString(params.Prefix)
	for key := range f.objects {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			contents = append(contents, types.Object{Key: aws.String(key)})
		}
	}
	return &s3.ListObjectsV2Output{Contents: contents}, nil
}

func TestDisabledMirrorIsNoop(t *testing.T) {
	m := &Mirror{}
	require.False(t, m.Enabled())
	require.NoError(t, m.Put(context.Background(), "model-a", []byte("data")))

	_, err := m.Get(context.Background(), "model-a")
	require.Error(t, err)
}

func TestPutGetRoundTrip(t *testing.T) {
	client := newFakeS3Client()
	m := &Mirror{client: client, bucket: "wqdss-archives", prefix: "wqdss/"}

	require.NoError(t, m.Put(context.Background(), "model-a", []byte("archive-bytes")))

	data, err := m.Get(context.Background(), "model-a")
	require.NoError(t, err)
	require.Equal(t, []byte("archive-bytes"), data)
}

func TestListReturnsLogicalNames(t *testing.T) {
	client := newFakeS3Client()
	m := &Mirror{client: client, bucket: "wqdss-archives", prefix: "wqdss/"}

	require.NoError(t, m.Put(context.Background(), "model-a", []byte("a")))
	require.NoError(t, m.Put(context.Background(), "model-b", []byte("b")))

	names, err := m.List(context.Background())
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"model-a", "model-b"}, names)
}
