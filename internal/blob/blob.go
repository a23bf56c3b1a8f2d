// Package blob stores quiz images and other files outside the document store.
package blob

import (
	"context"
	"strings"

	"github.com/juju/errors"

	"github.com/zot/chatops/internal/config"
)

// Object is one file to upload.
type Object struct {
	Path        string
	Data        []byte
	ContentType string
}

// Bucket is a flat namespace of files addressed by slash-separated paths.
type Bucket interface {
	List(ctx context.Context, prefix string) ([]string, error)
	Read(ctx context.Context, path string) ([]byte, error)
	Upload(ctx context.Context, objects []Object, public bool) error
	PublicURL(path string) string
}

// Open creates the bucket named by the blob config.
func Open(ctx context.Context, cfg *config.Config) (Bucket, error) {
	switch cfg.Blob.Type {
	case "", "none":
		return None{}, nil
	case "fs":
		return NewFSBucket(cfg.ResolvePath(cfg.Blob.Dir), cfg.Blob.PublicURL)
	case "s3":
		return NewS3Bucket(ctx, cfg.Blob.Bucket, cfg.Blob.Region, cfg.Blob.PublicURL)
	default:
		return nil, errors.NotValidf("blob type %q", cfg.Blob.Type)
	}
}

// None is the bucket used when blob storage is off.
type None struct{}

func (None) List(context.Context, string) ([]string, error) {
	return nil, errors.NotSupportedf("blob storage")
}

func (None) Read(_ context.Context, path string) ([]byte, error) {
	return nil, errors.NotFoundf("blob %s", path)
}

func (None) Upload(context.Context, []Object, bool) error {
	return errors.NotSupportedf("blob storage")
}

// PublicURL returns the path unchanged, so absolute image URLs in quiz
// documents keep working without a bucket.
func (None) PublicURL(path string) string {
	return path
}

// cleanKey normalizes an object path and rejects escapes from the bucket.
func cleanKey(path string) (string, error) {
	key := strings.Trim(path, "/")
	if key == "" {
		return "", errors.NotValidf("empty blob path")
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", errors.NotValidf("blob path %q", path)
		}
	}
	return key, nil
}

func joinURL(base, key string) string {
	return strings.TrimSuffix(base, "/") + "/" + key
}

// IsURL reports whether an image reference is already absolute.
func IsURL(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}
