// Package media implements the storage engine for decoded media frames.
//
// Each appended batch becomes one Arrow IPC segment, compressed and written
// to a blob store. A JSON manifest written after the segment makes it
// visible: scans only follow manifests, so an append that fails before its
// manifest is stored leaves no trace. Segment and manifest keys sort in
// commit order.
//
//	<database>/<table>/segments/<id>.arrow
//	<database>/<table>/manifests/<id>.json
package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/ajitpratap0/quasar/pkg/batch"
	"github.com/ajitpratap0/quasar/pkg/compression"
	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/logger"
	"github.com/ajitpratap0/quasar/pkg/pool"
	"github.com/ajitpratap0/quasar/pkg/reader"
	"github.com/ajitpratap0/quasar/pkg/schema"
	"github.com/ajitpratap0/quasar/pkg/storage"
	"github.com/ajitpratap0/quasar/pkg/storage/blob"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultDatabase = "default"

// Backend stores media tables as Arrow segments on a blob store
type Backend struct {
	store      blob.Store
	compressor compression.Compressor
	mem        memory.Allocator
	logger     *zap.Logger

	mu            sync.Mutex
	decompressors map[compression.Algorithm]compression.Compressor
	lastID        int64
}

// Option configures a Backend
type Option func(*Backend) error

// WithCompression compresses new segments with algorithm at level
func WithCompression(algorithm compression.Algorithm, level compression.Level) Option {
	return func(b *Backend) error {
		c, err := compression.NewCompressor(&compression.Config{Algorithm: algorithm, Level: level})
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeConfig, "invalid segment compression")
		}
		b.compressor = c
		return nil
	}
}

// New creates a media backend on store. Segments are zstd-compressed
// unless WithCompression says otherwise.
func New(store blob.Store, opts ...Option) (*Backend, error) {
	b := &Backend{
		store:         store,
		mem:           memory.NewGoAllocator(),
		logger:        logger.Get().With(zap.String("component", "media_storage")),
		decompressors: make(map[compression.Algorithm]compression.Compressor),
	}
	if err := WithCompression(compression.Zstd, compression.Default)(b); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (b *Backend) Kind() storage.Kind { return storage.KindMedia }

func (b *Backend) Capabilities() storage.CapabilitySet {
	return storage.Capabilities(storage.OpAppend, storage.OpScan, storage.OpDrop)
}

// Write is not supported: media tables only grow by whole batches
func (b *Backend) Write(ctx context.Context, desc storage.TableDescriptor, bat *batch.Batch) (int, error) {
	return 0, storage.Unsupported(storage.KindMedia, storage.OpInsert)
}

// manifest describes one committed segment
type manifest struct {
	Segment     string           `json:"segment"`
	Table       string           `json:"table"`
	Rows        int              `json:"rows"`
	Bytes       int              `json:"bytes"`
	Compression string           `json:"compression"`
	Columns     []manifestColumn `json:"columns"`
	CreatedAt   time.Time        `json:"created_at"`
}

type manifestColumn struct {
	Name string      `json:"name"`
	Kind schema.Kind `json:"kind"`
}

func tablePrefix(desc storage.TableDescriptor) string {
	db := desc.Database
	if db == "" {
		db = defaultDatabase
	}
	return db + "/" + desc.Name + "/"
}

// nextID returns a segment id that sorts after every id issued before it
func (b *Backend) nextID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now().UnixNano()
	if now <= b.lastID {
		now = b.lastID + 1
	}
	b.lastID = now
	return fmt.Sprintf("%020d-%s", now, uuid.NewString())
}

// Append stores bat as one segment. Nothing becomes visible unless the
// manifest is written.
func (b *Backend) Append(ctx context.Context, desc storage.TableDescriptor, bat *batch.Batch) (int, error) {
	bat, err := storage.Conform(desc, bat)
	if err != nil {
		return 0, err
	}
	if bat.Len() == 0 {
		return 0, nil
	}

	data, err := b.encode(bat)
	if err != nil {
		return 0, errors.Wrapf(err, errors.ErrorTypeInternal, "failed to encode segment for %s", desc.QualifiedName())
	}

	id := b.nextID()
	prefix := tablePrefix(desc)
	segmentKey := prefix + "segments/" + id + ".arrow"
	manifestKey := prefix + "manifests/" + id + ".json"

	if err := b.store.Put(ctx, segmentKey, data); err != nil {
		return 0, err
	}

	m := manifest{
		Segment:     segmentKey,
		Table:       desc.QualifiedName(),
		Rows:        bat.Len(),
		Bytes:       len(data),
		Compression: string(b.compressor.Algorithm()),
		CreatedAt:   time.Now().UTC(),
	}
	for _, c := range bat.Schema().Columns() {
		m.Columns = append(m.Columns, manifestColumn{Name: c.Name, Kind: c.Kind})
	}
	encoded, err := json.Marshal(m)
	if err != nil {
		b.discard(segmentKey)
		return 0, errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode manifest")
	}
	if err := b.store.Put(ctx, manifestKey, encoded); err != nil {
		b.discard(segmentKey)
		return 0, err
	}

	b.logger.Debug("segment committed",
		zap.String("table", desc.QualifiedName()),
		zap.String("segment", segmentKey),
		zap.Int("rows", bat.Len()),
		zap.Int("bytes", len(data)))
	return bat.Len(), nil
}

// encode streams the Arrow encoding of bat through the compressor
func (b *Backend) encode(bat *batch.Batch) ([]byte, error) {
	pr, pw := io.Pipe()
	var g errgroup.Group
	g.Go(func() error {
		err := writeSegment(pw, b.mem, bat)
		_ = pw.CloseWithError(err)
		return err
	})

	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)
	compressErr := b.compressor.CompressStream(buf, pr)
	_ = pr.CloseWithError(compressErr)
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if compressErr != nil {
		return nil, fmt.Errorf("failed to compress segment: %w", compressErr)
	}
	return bytes.Clone(buf.Bytes()), nil
}

// discard removes an uncommitted segment. The segment is invisible either
// way, so failures are only logged.
func (b *Backend) discard(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := b.store.Delete(ctx, key); err != nil {
		b.logger.Warn("failed to remove uncommitted segment", zap.String("segment", key), zap.Error(err))
	}
}

// Scan reads the committed segments of the table in commit order
func (b *Backend) Scan(ctx context.Context, desc storage.TableDescriptor, budget int64) (reader.Reader, error) {
	if budget <= 0 {
		return nil, errors.Newf(errors.ErrorTypeValidation, "budget must be positive, got %d", budget)
	}
	keys, err := b.store.List(ctx, tablePrefix(desc)+"manifests/")
	if err != nil {
		return nil, err
	}
	src := &segmentSource{backend: b, desc: desc, manifests: keys}
	return reader.FromRows("media", src, desc.Schema, budget, reader.Options{}), nil
}

// Drop deletes the table. Manifests go first so a partial drop never
// leaves a manifest pointing at a missing segment.
func (b *Backend) Drop(ctx context.Context, desc storage.TableDescriptor) error {
	prefix := tablePrefix(desc)
	manifests, err := b.store.List(ctx, prefix+"manifests/")
	if err != nil {
		return err
	}
	for _, k := range manifests {
		if err := b.store.Delete(ctx, k); err != nil {
			return err
		}
	}
	rest, err := b.store.List(ctx, prefix)
	if err != nil {
		return err
	}
	for _, k := range rest {
		if err := b.store.Delete(ctx, k); err != nil {
			return err
		}
	}
	b.logger.Info("table dropped", zap.String("table", desc.QualifiedName()), zap.Int("segments", len(manifests)))
	return nil
}

func (b *Backend) Close(ctx context.Context) error {
	return b.store.Close()
}

func (b *Backend) decompressor(name string) (compression.Compressor, error) {
	alg, err := compression.ParseAlgorithm(name)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.decompressors[alg]; ok {
		return c, nil
	}
	c, err := compression.NewCompressor(&compression.Config{Algorithm: alg})
	if err != nil {
		return nil, err
	}
	b.decompressors[alg] = c
	return c, nil
}

// segmentSource yields the rows of one segment at a time
type segmentSource struct {
	backend   *Backend
	desc      storage.TableDescriptor
	manifests []string
	rows      [][]interface{}
}

func (s *segmentSource) NextRow(ctx context.Context) ([]interface{}, error) {
	for len(s.rows) == 0 {
		if len(s.manifests) == 0 {
			return nil, io.EOF
		}
		key := s.manifests[0]
		s.manifests = s.manifests[1:]
		rows, err := s.load(ctx, key)
		if err != nil {
			return nil, err
		}
		s.rows = rows
	}
	row := s.rows[0]
	s.rows = s.rows[1:]
	return row, nil
}

func (s *segmentSource) load(ctx context.Context, manifestKey string) ([][]interface{}, error) {
	raw, err := s.backend.store.Get(ctx, manifestKey)
	if err != nil {
		return nil, err
	}
	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeInternal, "corrupt manifest %s", manifestKey)
	}
	if err := checkColumns(s.desc, m.Columns); err != nil {
		return nil, err
	}

	data, err := s.backend.store.Get(ctx, m.Segment)
	if err != nil {
		return nil, err
	}
	c, err := s.backend.decompressor(m.Compression)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeInternal, "segment %s", m.Segment)
	}
	plain := pool.GetBuffer()
	defer pool.PutBuffer(plain)
	if err := c.DecompressStream(plain, bytes.NewReader(data)); err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeInternal, "failed to decompress segment %s", m.Segment)
	}
	rows, err := decodeSegment(s.backend.mem, plain.Bytes(), s.desc.Schema)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeInternal, "failed to decode segment %s", m.Segment)
	}
	return rows, nil
}

// checkColumns rejects segments whose column kinds disagree with the
// descriptor. Descriptor columns missing from older segments read as null.
func checkColumns(desc storage.TableDescriptor, cols []manifestColumn) error {
	var diffs []string
	for _, mc := range cols {
		c, ok := desc.Schema.Lookup(mc.Name)
		if ok && c.Kind != mc.Kind {
			diffs = append(diffs, fmt.Sprintf("column %q is %s, expected %s", mc.Name, mc.Kind, c.Kind))
		}
	}
	if len(diffs) > 0 {
		return errors.Newf(errors.ErrorTypeSchemaMismatch, "stored segments of %s disagree with its schema: %s",
			desc.QualifiedName(), strings.Join(diffs, "; ")).
			WithDetail("differences", diffs)
	}
	return nil
}

func (s *segmentSource) Close() error {
	s.rows = nil
	s.manifests = nil
	return nil
}

var _ storage.Backend = (*Backend)(nil)
