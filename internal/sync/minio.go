package sync

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const srcMtimeKey = "src-mtime"

// MinioConfig locates the bucket a MinioDestination writes to.
type MinioConfig struct {
	Endpoint  string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	Secure    bool
	Region    string
}

// MinioDestination mirrors batches into an S3 compatible bucket. The source
// mtime travels as user metadata so the diff rule works unchanged.
type MinioDestination struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinioDestination connects to the endpoint in cfg.
func NewMinioDestination(cfg MinioConfig) (*MinioDestination, error) {
	tr := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	region := cfg.Region
	if region == "" {
		region = "auto"
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       cfg.Secure,
		Transport:    tr,
		Region:       region,
		BucketLookup: minio.BucketLookupAuto,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}
	return &MinioDestination{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// CheckBucket fails when the bucket is missing or unreachable.
func (d *MinioDestination) CheckBucket(ctx context.Context) error {
	ok, err := d.client.BucketExists(ctx, d.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", d.bucket, err)
	}
	if !ok {
		return fmt.Errorf("bucket %s does not exist", d.bucket)
	}
	return nil
}

func (d *MinioDestination) key(folder, rel string) string {
	return objectKey(path.Join(d.prefix, folder, rel))
}

func (d *MinioDestination) Stat(ctx context.Context, folder, rel string) (ObjectInfo, bool, error) {
	info, err := d.client.StatObject(ctx, d.bucket, d.key(folder, rel), minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return ObjectInfo{}, false, nil
		}
		return ObjectInfo{}, false, err
	}

	modTime := info.LastModified
	for k, v := range info.UserMetadata {
		if !strings.EqualFold(k, srcMtimeKey) {
			continue
		}
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			modTime = t
		}
	}
	return ObjectInfo{Size: info.Size, ModTime: modTime}, true, nil
}

func (d *MinioDestination) Put(ctx context.Context, folder, rel string, r io.Reader, src FileEntry) error {
	opts := minio.PutObjectOptions{
		ContentType: contentType(rel),
		UserMetadata: map[string]string{
			srcMtimeKey:   src.ModTime.UTC().Format(time.RFC3339Nano),
			"source-path": sanitizePath(rel),
		},
	}
	info, err := d.client.PutObject(ctx, d.bucket, d.key(folder, rel), r, src.Size, opts)
	if err != nil {
		if resp := minio.ToErrorResponse(err); resp.Code != "" {
			return fmt.Errorf("upload %s/%s: %s: %s", d.bucket, d.key(folder, rel), resp.Code, resp.Message)
		}
		return fmt.Errorf("upload %s/%s: %w", d.bucket, d.key(folder, rel), err)
	}
	if info.Size != src.Size {
		return fmt.Errorf("uploaded size mismatch: expected %d bytes, got %d", src.Size, info.Size)
	}
	return nil
}

func (d *MinioDestination) Open(ctx context.Context, folder, rel string) (io.ReadCloser, error) {
	return d.client.GetObject(ctx, d.bucket, d.key(folder, rel), minio.GetObjectOptions{})
}

func (d *MinioDestination) Describe(folder, rel string) string {
	return fmt.Sprintf("%s/%s", d.bucket, d.key(folder, rel))
}

// objectKey normalizes a key: forward slashes, no leading slash and no
// invisible characters.
func objectKey(key string) string {
	key = strings.Map(func(r rune) rune {
		switch r {
		case '\u3000': // full-width space
			return ' '
		case '\u200B', '\uFEFF': // zero-width space and BOM
			return -1
		default:
			return r
		}
	}, key)
	key = strings.ReplaceAll(key, "\\", "/")
	return strings.TrimPrefix(key, "/")
}

func contentType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".pdf":
		return "application/pdf"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case ".zip":
		return "application/zip"
	default:
		return "application/octet-stream"
	}
}

// sanitizePath makes a relative path safe to carry in object metadata.
func sanitizePath(path string) string {
	path = strings.ReplaceAll(path, "\\", "/")

	segments := strings.Split(path, "/")
	for i, segment := range segments {
		// Decode first in case the segment is already encoded.
		decoded, err := url.QueryUnescape(segment)
		if err == nil {
			segment = decoded
		}
		segment = strings.ReplaceAll(segment, "&", "and")
		segment = strings.ReplaceAll(segment, "+", "plus")
		segments[i] = url.QueryEscape(segment)
	}

	sanitized := strings.Join(segments, "/")
	for strings.Contains(sanitized, "//") {
		sanitized = strings.ReplaceAll(sanitized, "//", "/")
	}
	return sanitized
}
