package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"path"

	"github.com/Sternrassler/helpdesk-exporter/pkg/client"
	"github.com/Sternrassler/helpdesk-exporter/pkg/logging"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectConfig configures upload to an S3-compatible bucket.
type ObjectConfig struct {
	// Endpoint is host:port or a URL; an https URL forces TLS.
	Endpoint  string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// Enabled reports whether an upload target is configured.
func (c ObjectConfig) Enabled() bool {
	return c.Endpoint != "" && c.Bucket != ""
}

type objectPutter interface {
	PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// ObjectWriter uploads snapshots to a bucket as <prefix>/<name>.
type ObjectWriter struct {
	client objectPutter
	bucket string
	prefix string
}

// NewObjectWriter creates a minio-backed writer.
func NewObjectWriter(cfg ObjectConfig) (*ObjectWriter, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("s3 credentials are required")
	}

	endpoint := cfg.Endpoint
	useSSL := cfg.UseSSL
	if u, err := url.Parse(cfg.Endpoint); err == nil && u.Host != "" {
		endpoint = u.Host
		useSSL = u.Scheme == "https"
	}

	mc, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	return &ObjectWriter{
		client: mc,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// Key returns the object key of a snapshot.
func (o *ObjectWriter) Key(name string) string {
	if o.prefix == "" {
		return name
	}
	return path.Join(o.prefix, name)
}

// Write implements Writer.
func (o *ObjectWriter) Write(ctx context.Context, name string, data []byte) error {
	key := o.Key(name)
	_, err := o.client.PutObject(ctx, o.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	observe("object", len(data), err)
	if err != nil {
		return &client.Error{
			Kind:    client.KindFormat,
			URL:     "s3://" + o.bucket + "/" + key,
			Message: "upload snapshot",
			Err:     err,
		}
	}

	logger := logging.NewLogger("snapshot")
	logger.Info().
		Str("bucket", o.bucket).
		Str("key", key).
		Int("bytes", len(data)).
		Msg("Snapshot uploaded")
	return nil
}
