package blob

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/juju/errors"
)

// FSBucket keeps objects as files under a directory.
type FSBucket struct {
	root      string
	publicURL string
}

// NewFSBucket creates the directory if needed.
func NewFSBucket(root, publicURL string) (*FSBucket, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Annotatef(err, "creating blob dir %s", root)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &FSBucket{root: abs, publicURL: publicURL}, nil
}

func (b *FSBucket) file(path string) (string, error) {
	key, err := cleanKey(path)
	if err != nil {
		return "", err
	}
	return filepath.Join(b.root, filepath.FromSlash(key)), nil
}

// List returns the paths under prefix in lexical order.
func (b *FSBucket) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(b.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(b.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *FSBucket) Read(_ context.Context, path string) ([]byte, error) {
	name, err := b.file(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(name)
	if os.IsNotExist(err) {
		return nil, errors.NotFoundf("blob %s", path)
	}
	return data, errors.Trace(err)
}

// Upload writes every object. The public flag has no meaning on disk.
func (b *FSBucket) Upload(_ context.Context, objects []Object, _ bool) error {
	for _, obj := range objects {
		name, err := b.file(obj.Path)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
			return errors.Trace(err)
		}
		if err := os.WriteFile(name, obj.Data, 0o644); err != nil {
			return errors.Annotatef(err, "writing %s", obj.Path)
		}
	}
	return nil
}

// PublicURL joins the configured base URL, or falls back to a file URL.
func (b *FSBucket) PublicURL(path string) string {
	if IsURL(path) {
		return path
	}
	key := strings.Trim(path, "/")
	if b.publicURL != "" {
		return joinURL(b.publicURL, key)
	}
	return "file://" + filepath.ToSlash(filepath.Join(b.root, filepath.FromSlash(key)))
}
