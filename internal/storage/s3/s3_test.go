package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/openmined/storeman/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 keeps objects in memory and answers like S3 does for missing keys.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	failPut error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.failPut != nil {
		return nil, f.failPut
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func newAdapter(prefix string) (*Adapter, *fakeS3) {
	fake := newFakeS3()
	return NewWithClient(fake, &Config{BucketName: "vault", Prefix: prefix}), fake
}

func TestAdapter_ReadWriteWithPrefix(t *testing.T) {
	ctx := context.Background()
	a, fake := newAdapter("team/archive")

	require.NoError(t, a.Write(ctx, "blobs/abc", []byte("payload")))
	assert.Contains(t, fake.objects, "team/archive/blobs/abc")

	ok, err := a.Exists(ctx, "blobs/abc")
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := a.Read(ctx, "blobs/abc")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	ok, err = a.Exists(ctx, "blobs/missing")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = a.Read(ctx, "blobs/missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAdapter_Unlink(t *testing.T) {
	ctx := context.Background()
	a, fake := newAdapter("")

	require.NoError(t, a.Write(ctx, "locks/storeman.lock", []byte("{}")))
	require.NoError(t, a.Unlink(ctx, "locks/storeman.lock"))
	assert.Empty(t, fake.objects)

	err := a.Unlink(ctx, "locks/storeman.lock")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.NoError(t, storage.IgnoreNotFound(err))
}

func TestAdapter_Streams(t *testing.T) {
	ctx := context.Background()
	a, fake := newAdapter("")

	w, err := storage.OpenWriter(ctx, a, "blobs/streamed")
	require.NoError(t, err)
	_, err = io.WriteString(w, "part one, ")
	require.NoError(t, err)
	_, err = io.WriteString(w, "part two")
	require.NoError(t, err)
	assert.Empty(t, fake.objects, "nothing is stored before close")
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	r, err := storage.OpenReader(ctx, a, "blobs/streamed")
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "part one, part two", string(data))
}

func TestAdapter_List(t *testing.T) {
	ctx := context.Background()
	a, _ := newAdapter("root")

	for _, p := range []string{"blobs/b", "blobs/a", "index/index.json.zst"} {
		require.NoError(t, a.Write(ctx, p, []byte(p)))
	}

	blobs, err := a.List(ctx, "blobs")
	require.NoError(t, err)
	assert.Equal(t, []string{"blobs/a", "blobs/b"}, blobs)

	all, err := a.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestAdapter_IOErrors(t *testing.T) {
	ctx := context.Background()
	a, fake := newAdapter("")
	fake.failPut = errors.New("connection reset")

	err := a.Write(ctx, "blobs/x", []byte("x"))
	assert.ErrorIs(t, err, storage.ErrIO)
	assert.NotErrorIs(t, err, storage.ErrNotFound)

	_, err = a.Read(ctx, "../escape")
	assert.ErrorIs(t, err, storage.ErrInvalidPath)
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(&types.NoSuchKey{}))
	assert.True(t, isNotFound(&types.NotFound{}))
	assert.True(t, isNotFound(&smithy.GenericAPIError{Code: "NotFound"}))
	assert.False(t, isNotFound(&smithy.GenericAPIError{Code: "AccessDenied"}))
	assert.False(t, isNotFound(errors.New("boom")))
}

func TestNewFromSettings_RequiresBucket(t *testing.T) {
	_, err := NewFromSettings(map[string]string{"region": "eu-west-1"})
	assert.ErrorIs(t, err, storage.ErrSettings)
}
