package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/openmined/storeman/internal/storage"
)

func init() {
	storage.Register("s3", NewFromSettings)
}

// Config describes the bucket a vault lives in.
type Config struct {
	BucketName    string
	Region        string
	AccessKey     string
	SecretKey     string
	Endpoint      string
	Prefix        string
	UseAccelerate bool
}

// ObjectAPI is the subset of the S3 client used by the adapter.
type ObjectAPI interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Adapter stores vault objects as keys in an S3 compatible bucket.
type Adapter struct {
	client ObjectAPI
	config *Config
}

// NewFromSettings is the registry factory for "s3" vaults.
func NewFromSettings(settings map[string]string) (storage.Adapter, error) {
	cfg := &Config{
		BucketName:    settings["bucket"],
		Region:        settings["region"],
		AccessKey:     settings["access_key"],
		SecretKey:     settings["secret_key"],
		Endpoint:      settings["endpoint"],
		Prefix:        strings.Trim(settings["prefix"], "/"),
		UseAccelerate: settings["accelerate"] == "true",
	}
	if cfg.BucketName == "" {
		return nil, fmt.Errorf("%w: missing setting 'bucket'", storage.ErrSettings)
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	return New(cfg)
}

// New builds an adapter with a tuned HTTP client, as the blob service does.
func New(cfg *Config) (*Adapter, error) {
	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          64,
			MaxIdleConnsPerHost:   32,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ForceAttemptHTTP2:     true,
		},
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithHTTPClient(httpClient),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		if cfg.UseAccelerate {
			o.UseAccelerate = true
		}
	})

	return NewWithClient(client, cfg), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client ObjectAPI, cfg *Config) *Adapter {
	return &Adapter{client: client, config: cfg}
}

func (a *Adapter) Name() string {
	return "s3"
}

func (a *Adapter) Exists(ctx context.Context, p string) (bool, error) {
	key, err := a.key(p)
	if err != nil {
		return false, err
	}
	_, err = a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &a.config.BucketName,
		Key:    &key,
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, a.wrap(key, err)
	}
	return true, nil
}

func (a *Adapter) Read(ctx context.Context, p string) ([]byte, error) {
	body, err := a.open(ctx, p)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, a.wrap(p, err)
	}
	return data, nil
}

func (a *Adapter) Write(ctx context.Context, p string, data []byte) error {
	key, err := a.key(p)
	if err != nil {
		return err
	}
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &a.config.BucketName,
		Key:           &key,
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return a.wrap(key, err)
	}
	return nil
}

// Unlink deletes the key. S3 deletes are idempotent, so existence is
// checked first to report ErrNotFound like every other adapter.
func (a *Adapter) Unlink(ctx context.Context, p string) error {
	exists, err := a.Exists(ctx, p)
	if err != nil {
		return err
	}
	key, _ := a.key(p)
	if !exists {
		return fmt.Errorf("s3 %s: %w", key, storage.ErrNotFound)
	}
	_, err = a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &a.config.BucketName,
		Key:    &key,
	})
	if err != nil {
		return a.wrap(key, err)
	}
	return nil
}

func (a *Adapter) GetStream(ctx context.Context, p string, mode storage.StreamMode) (io.Closer, error) {
	if mode == storage.StreamRead {
		return a.open(ctx, p)
	}

	key, err := a.key(p)
	if err != nil {
		return nil, err
	}
	// PutObject needs a known length, so writes are buffered until Close
	return &bufferedWriter{ctx: ctx, adapter: a, path: key}, nil
}

func (a *Adapter) List(ctx context.Context, prefix string) ([]string, error) {
	fullPrefix := a.config.Prefix
	if prefix != "" {
		fullPrefix = path.Join(fullPrefix, prefix) + "/"
	} else if fullPrefix != "" {
		fullPrefix += "/"
	}

	var out []string
	paginator := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket: &a.config.BucketName,
		Prefix: aws.String(fullPrefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, a.wrap(fullPrefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if a.config.Prefix != "" {
				key = strings.TrimPrefix(key, a.config.Prefix+"/")
			}
			out = append(out, key)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (a *Adapter) open(ctx context.Context, p string) (io.ReadCloser, error) {
	key, err := a.key(p)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &a.config.BucketName,
		Key:    &key,
	})
	if err != nil {
		return nil, a.wrap(key, err)
	}
	return resp.Body, nil
}

func (a *Adapter) key(p string) (string, error) {
	clean, err := storage.CleanPath(p)
	if err != nil {
		return "", err
	}
	if a.config.Prefix == "" {
		return clean, nil
	}
	return path.Join(a.config.Prefix, clean), nil
}

func (a *Adapter) wrap(key string, err error) error {
	if isNotFound(err) {
		return fmt.Errorf("s3 %s: %w", key, storage.ErrNotFound)
	}
	return fmt.Errorf("s3 %s: %w: %w", key, storage.ErrIO, err)
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "404":
			return true
		}
	}
	return false
}

type bufferedWriter struct {
	ctx     context.Context
	adapter *Adapter
	path    string
	buf     bytes.Buffer
	closed  bool
}

func (w *bufferedWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, fmt.Errorf("s3 %s: write after close", w.path)
	}
	return w.buf.Write(p)
}

// Abort drops the buffer without uploading.
func (w *bufferedWriter) Abort() error {
	w.closed = true
	w.buf.Reset()
	return nil
}

func (w *bufferedWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	_, err := w.adapter.client.PutObject(w.ctx, &s3.PutObjectInput{
		Bucket:        &w.adapter.config.BucketName,
		Key:           &w.path,
		Body:          bytes.NewReader(w.buf.Bytes()),
		ContentLength: aws.Int64(int64(w.buf.Len())),
	})
	if err != nil {
		return w.adapter.wrap(w.path, err)
	}
	return nil
}

var _ storage.Adapter = (*Adapter)(nil)
