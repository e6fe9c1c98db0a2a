package blob

import (
	"context"
	"io"

	"cloud.google.com/go/storage"
	"github.com/ajitpratap0/quasar/pkg/config"
	"github.com/ajitpratap0/quasar/pkg/errors"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCS stores objects in a Google Cloud Storage bucket
type GCS struct {
	client *storage.Client
	bucket *storage.BucketHandle
	name   string
	prefix string
}

// NewGCS creates a GCS store using a credentials file when configured and
// application default credentials otherwise
func NewGCS(ctx context.Context, cfg config.BlobConfig) (*GCS, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create GCS client")
	}
	return &GCS{
		client: client,
		bucket: client.Bucket(cfg.Bucket),
		name:   cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (g *GCS) Put(ctx context.Context, key string, data []byte) error {
	k, err := CleanKey(key)
	if err != nil {
		return err
	}
	w := g.bucket.Object(prefixed(g.prefix, k)).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return errors.Wrapf(err, errors.ErrorTypeConnection, "failed to write gs://%s/%s", g.name, k)
	}
	// the object becomes visible only when Close succeeds
	if err := w.Close(); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeConnection, "failed to commit gs://%s/%s", g.name, k)
	}
	return nil
}

func (g *GCS) Get(ctx context.Context, key string) ([]byte, error) {
	k, err := CleanKey(key)
	if err != nil {
		return nil, err
	}
	r, err := g.bucket.Object(prefixed(g.prefix, k)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, notFound(k, err)
		}
		return nil, errors.Wrapf(err, errors.ErrorTypeConnection, "failed to open gs://%s/%s", g.name, k)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeConnection, "failed to read gs://%s/%s", g.name, k)
	}
	return data, nil
}

func (g *GCS) List(ctx context.Context, prefix string) ([]string, error) {
	it := g.bucket.Objects(ctx, &storage.Query{Prefix: prefixed(g.prefix, prefix)})
	var keys []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, errors.ErrorTypeConnection, "failed to list gs://%s/%s", g.name, prefix)
		}
		keys = append(keys, unprefixed(g.prefix, attrs.Name))
	}
	return keys, nil
}

func (g *GCS) Delete(ctx context.Context, key string) error {
	k, err := CleanKey(key)
	if err != nil {
		return err
	}
	err = g.bucket.Object(prefixed(g.prefix, k)).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return errors.Wrapf(err, errors.ErrorTypeConnection, "failed to delete gs://%s/%s", g.name, k)
	}
	return nil
}

func (g *GCS) Close() error {
	return g.client.Close()
}

var _ Store = (*GCS)(nil)
