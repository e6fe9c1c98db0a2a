// Package backends builds the storage engines described by the
// configuration and registers them with a dispatcher.
package backends

import (
	"context"

	"github.com/ajitpratap0/quasar/pkg/compression"
	"github.com/ajitpratap0/quasar/pkg/config"
	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/storage"
	"github.com/ajitpratap0/quasar/pkg/storage/blob"
	"github.com/ajitpratap0/quasar/pkg/storage/media"
	"github.com/ajitpratap0/quasar/pkg/storage/structured"
)

// Structured returns the factory of the SQL backend
func Structured(cfg config.StructuredConfig) storage.Factory {
	return func(ctx context.Context) (storage.Backend, error) {
		return structured.New(ctx, cfg)
	}
}

// Media returns the factory of the segment backend
func Media(cfg config.MediaConfig) storage.Factory {
	return func(ctx context.Context) (storage.Backend, error) {
		opts, err := mediaOptions(cfg)
		if err != nil {
			return nil, err
		}
		store, err := blob.New(ctx, cfg.Blob)
		if err != nil {
			return nil, err
		}
		b, err := media.New(store, opts...)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		return b, nil
	}
}

func mediaOptions(cfg config.MediaConfig) ([]media.Option, error) {
	if cfg.Compression == "" {
		return nil, nil
	}
	alg, err := compression.ParseAlgorithm(cfg.Compression)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid storage.media.compression")
	}
	level := compression.Level(cfg.CompressionLevel)
	if level == 0 {
		level = compression.Default
	}
	return []media.Option{media.WithCompression(alg, level)}, nil
}

// NewDispatcher returns a dispatcher with both storage kinds registered.
// Backends connect on first use.
func NewDispatcher(cfg config.StorageConfig) *storage.Dispatcher {
	return storage.NewDispatcher(
		storage.WithFactory(storage.KindStructured, Structured(cfg.Structured)),
		storage.WithFactory(storage.KindMedia, Media(cfg.Media)),
	)
}
