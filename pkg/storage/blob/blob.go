// Package blob provides the object stores media segments are kept in.
//
// Keys are slash-separated relative paths. A Put either stores the whole
// object or leaves the key untouched, so readers never observe partial
// objects.
package blob

import (
	"context"
	"path"
	"strings"

	"github.com/ajitpratap0/quasar/pkg/config"
	"github.com/ajitpratap0/quasar/pkg/errors"
)

// Store is a flat key/value object store
type Store interface {
	// Put stores data under key, replacing any previous object
	Put(ctx context.Context, key string, data []byte) error
	// Get returns the object under key, or a not-found error
	Get(ctx context.Context, key string) ([]byte, error)
	// List returns the keys starting with prefix in lexical order
	List(ctx context.Context, prefix string) ([]string, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	Close() error
}

// Store types accepted by New
const (
	TypeLocal = "local"
	TypeS3    = "s3"
	TypeGCS   = "gcs"
	TypeAzure = "azure"
)

// New opens the store described by cfg
func New(ctx context.Context, cfg config.BlobConfig) (Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid blob store configuration")
	}
	var (
		store Store
		err   error
	)
	switch cfg.Type {
	case TypeLocal:
		store, err = NewLocal(cfg.Path)
	case TypeS3:
		store, err = NewS3(ctx, cfg)
	case TypeGCS:
		store, err = NewGCS(ctx, cfg)
	case TypeAzure:
		store, err = NewAzure(cfg)
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unsupported blob store type %q", cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	return store, nil
}

// CleanKey validates key and returns it in canonical form
func CleanKey(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") {
		return "", errors.Newf(errors.ErrorTypeValidation, "invalid blob key %q", key)
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", errors.Newf(errors.ErrorTypeValidation, "invalid blob key %q", key)
	}
	return cleaned, nil
}

func notFound(key string, cause error) error {
	if cause == nil {
		return errors.Newf(errors.ErrorTypeNotFound, "no object %q", key).WithDetail("key", key)
	}
	return errors.Wrapf(cause, errors.ErrorTypeNotFound, "no object %q", key).WithDetail("key", key)
}

// prefixed joins an optional store-wide prefix with key
func prefixed(prefix, key string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

// unprefixed strips the store-wide prefix from a listed key
func unprefixed(prefix, key string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, prefix+"/")
}
