package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var ErrObjectTooLarge = errors.New("object exceeds size limit")

type Config struct {
	Endpoint string
	Access   string
	Secret   string
	Bucket   string
	UseSSL   bool
	// MaxObjectBytes caps source downloads; zero disables the cap.
	MaxObjectBytes int64
}

// Object is an upload with the metadata recorded next to it.
type Object struct {
	Key         string
	Data        []byte
	ContentType string
	FileName    string
	Metadata    map[string]string
}

type Client struct {
	minio    *minio.Client
	bucket   string
	maxBytes int64
}

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Access, cfg.Secret, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	return &Client{minio: mc, bucket: cfg.Bucket, maxBytes: cfg.MaxObjectBytes}, nil
}

func (c *Client) Bucket() string {
	return c.bucket
}

func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.minio.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("check bucket existence: %w", err)
	}
	if exists {
		return nil
	}

	if err := c.minio.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
		// another replica may have won the race
		if ok, checkErr := c.minio.BucketExists(ctx, c.bucket); checkErr == nil && ok {
			return nil
		}
		return fmt.Errorf("create bucket %s: %w", c.bucket, err)
	}
	return nil
}

func (c *Client) PresignedPutURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error) {
	u, err := c.minio.PresignedPutObject(ctx, c.bucket, objectKey, expiry)
	if err != nil {
		return "", fmt.Errorf("presign put object: %w", err)
	}
	return u.String(), nil
}

// PresignedGetURL signs a download link that saves as fileName.
func (c *Client) PresignedGetURL(ctx context.Context, objectKey, fileName string, expiry time.Duration) (string, error) {
	params := url.Values{}
	if fileName != "" {
		params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", fileName))
	}
	u, err := c.minio.PresignedGetObject(ctx, c.bucket, objectKey, expiry, params)
	if err != nil {
		return "", fmt.Errorf("presign get object: %w", err)
	}
	return u.String(), nil
}

func (c *Client) ObjectExists(ctx context.Context, objectKey string) (bool, error) {
	_, err := c.minio.StatObject(ctx, c.bucket, objectKey, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}

	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.Code == "NoSuchObject" {
		return false, nil
	}
	return false, fmt.Errorf("stat object %s: %w", objectKey, err)
}

func (c *Client) ReadObject(ctx context.Context, objectKey string) ([]byte, error) {
	obj, err := c.minio.GetObject(ctx, c.bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", objectKey, err)
	}
	defer obj.Close()

	return readLimited(obj, c.maxBytes, objectKey)
}

func readLimited(r io.Reader, limit int64, objectKey string) ([]byte, error) {
	if limit > 0 {
		r = io.LimitReader(r, limit+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", objectKey, err)
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: %s is larger than %s", ErrObjectTooLarge, objectKey, humanize.IBytes(uint64(limit)))
	}
	return data, nil
}

func (c *Client) WriteObject(ctx context.Context, obj Object) error {
	opts := minio.PutObjectOptions{
		ContentType:  obj.ContentType,
		UserMetadata: obj.Metadata,
	}
	if obj.FileName != "" {
		opts.ContentDisposition = fmt.Sprintf("attachment; filename=%q", obj.FileName)
	}

	_, err := c.minio.PutObject(ctx, c.bucket, obj.Key, bytes.NewReader(obj.Data), int64(len(obj.Data)), opts)
	if err != nil {
		return fmt.Errorf("put object %s: %w", obj.Key, err)
	}
	return nil
}
