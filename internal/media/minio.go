// Package media stores post photos and videos in an S3-compatible bucket.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"

	"charcha/api/internal/util"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const keyPrefix = "posts/"

// MaxUploadBytes caps a single media object.
const MaxUploadBytes = 25 << 20

var (
	ErrUnsupportedType = errors.New("unsupported media type")
	ErrTooLarge        = errors.New("media too large")
)

// Object is a stored media file. Kind is "image" or "video".
type Object struct {
	Key         string `json:"key"`
	URL         string `json:"mediaUrl"`
	Kind        string `json:"mediaType"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

type MinioStore struct {
	client     *minio.Client
	bucket     string
	publicBase string
}

type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// PublicBaseURL prefixes object keys in returned URLs. Defaults to
	// the endpoint's bucket URL.
	PublicBaseURL string
}

func NewMinioStore(o Options) (*MinioStore, error) {
	if o.Endpoint == "" || o.Bucket == "" {
		return nil, errors.New("media store requires endpoint and bucket")
	}
	client, err := minio.New(o.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(o.AccessKey, o.SecretKey, ""),
		Secure: o.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	base := o.PublicBaseURL
	if base == "" {
		scheme := "http"
		if o.UseSSL {
			scheme = "https"
		}
		base = scheme + "://" + o.Endpoint + "/" + o.Bucket
	}
	return &MinioStore{client: client, bucket: o.Bucket, publicBase: strings.TrimRight(base, "/")}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if ok {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

// Upload stores r under a fresh key and returns its public URL.
func (s *MinioStore) Upload(ctx context.Context, r io.Reader, size int64, contentType string) (Object, error) {
	kind, ext, err := Classify(contentType)
	if err != nil {
		return Object{}, err
	}
	if size > MaxUploadBytes {
		return Object{}, fmt.Errorf("%w: %d bytes", ErrTooLarge, size)
	}
	key := keyPrefix + util.NewID(kind) + ext
	info, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return Object{}, fmt.Errorf("put object %s: %w", key, err)
	}
	return Object{Key: key, URL: s.PublicURL(key), Kind: kind, ContentType: contentType, Size: info.Size}, nil
}

// Delete removes the object behind url. URLs outside this store are ignored.
func (s *MinioStore) Delete(ctx context.Context, url string) error {
	key, ok := s.KeyFromURL(url)
	if !ok {
		return nil
	}
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %s: %w", key, err)
	}
	return nil
}

func (s *MinioStore) Ping(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucket)
	return err
}

func (s *MinioStore) PublicURL(key string) string {
	return s.publicBase + "/" + key
}

// KeyFromURL reports the object key for a URL this store produced.
func (s *MinioStore) KeyFromURL(url string) (string, bool) {
	rest, ok := strings.CutPrefix(url, s.publicBase+"/")
	if !ok || !strings.HasPrefix(rest, keyPrefix) || strings.Contains(rest, "..") {
		return "", false
	}
	return rest, true
}

// Classify maps a content type to the post media kind and a file extension.
func Classify(contentType string) (kind, ext string, err error) {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", "", fmt.Errorf("%w: %q", ErrUnsupportedType, contentType)
	}
	switch {
	case strings.HasPrefix(mt, "image/"):
		kind = "image"
	case strings.HasPrefix(mt, "video/"):
		kind = "video"
	default:
		return "", "", fmt.Errorf("%w: %s", ErrUnsupportedType, mt)
	}
	switch mt {
	case "image/jpeg":
		ext = ".jpg"
	case "image/png":
		ext = ".png"
	case "image/gif":
		ext = ".gif"
	case "image/webp":
		ext = ".webp"
	case "video/mp4":
		ext = ".mp4"
	case "video/webm":
		ext = ".webm"
	case "video/quicktime":
		ext = ".mov"
	}
	return kind, ext, nil
}
