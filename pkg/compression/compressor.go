// Package compression compresses media segments before they reach blob
// storage.
//
// Supported algorithms: none, gzip, deflate, snappy, s2, lz4 and zstd.
// Compressors are safe for concurrent use.
//
//	comp, err := compression.NewCompressor(&compression.Config{
//	    Algorithm: compression.Zstd,
//	    Level:     compression.Better,
//	})
//	err = comp.CompressStream(&compressed, segment)
//	err = comp.DecompressStream(&original, &compressed)
package compression

import (
	"fmt"
	"io"
	"strings"

	"github.com/ajitpratap0/quasar/pkg/pool"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm represents a compression algorithm
type Algorithm string

const (
	None    Algorithm = "none"
	Gzip    Algorithm = "gzip"
	Deflate Algorithm = "deflate"
	Snappy  Algorithm = "snappy"
	S2      Algorithm = "s2"
	LZ4     Algorithm = "lz4"
	Zstd    Algorithm = "zstd"
)

// Algorithms lists every supported algorithm
var Algorithms = []Algorithm{None, Gzip, Deflate, Snappy, S2, LZ4, Zstd}

// ParseAlgorithm resolves an algorithm name. The empty string means None.
func ParseAlgorithm(name string) (Algorithm, error) {
	if name == "" {
		return None, nil
	}
	for _, a := range Algorithms {
		if strings.EqualFold(name, string(a)) {
			return a, nil
		}
	}
	return "", fmt.Errorf("unsupported compression algorithm: %s", name)
}

// Level represents compression level
type Level int

const (
	Fastest Level = 1
	Default Level = 5
	Better  Level = 7
	Best    Level = 9
)

// DefaultMaxDecompressedSize bounds the output of DecompressStream
const DefaultMaxDecompressedSize = 1 << 30

// Compressor compresses and decompresses streams in the stream framing
// of its algorithm
type Compressor interface {
	CompressStream(dst io.Writer, src io.Reader) error
	// DecompressStream fails once the output would exceed the configured
	// MaxDecompressedSize. dst may hold partial output on error.
	DecompressStream(dst io.Writer, src io.Reader) error
	Algorithm() Algorithm
	Level() Level
}

// Config represents compressor configuration
type Config struct {
	Algorithm Algorithm `yaml:"algorithm" json:"algorithm"`
	Level     Level     `yaml:"level" json:"level"`
	// MaxDecompressedSize caps DecompressStream output; zero means the default
	MaxDecompressedSize int64 `yaml:"max_decompressed_size" json:"max_decompressed_size"`
}

// DefaultConfig returns zstd at the default level
func DefaultConfig() *Config {
	return &Config{
		Algorithm: Zstd,
		Level:     Default,
	}
}

// NewCompressor creates a compressor. A nil config means DefaultConfig.
func NewCompressor(config *Config) (Compressor, error) {
	if config == nil {
		config = DefaultConfig()
	}
	base := baseCompressor{
		algorithm: config.Algorithm,
		level:     config.Level,
		limit:     config.MaxDecompressedSize,
	}
	if base.level == 0 {
		base.level = Default
	}
	if base.limit <= 0 {
		base.limit = DefaultMaxDecompressedSize
	}

	switch config.Algorithm {
	case None, "":
		base.algorithm = None
		return &noneCompressor{baseCompressor: base}, nil
	case Gzip:
		return newGzipCompressor(base), nil
	case Deflate:
		return &deflateCompressor{baseCompressor: base, flateLevel: mapFlateLevel(base.level)}, nil
	case Snappy:
		return &snappyCompressor{baseCompressor: base}, nil
	case S2:
		return &s2Compressor{baseCompressor: base}, nil
	case LZ4:
		return &lz4Compressor{baseCompressor: base, lz4Level: mapLZ4Level(base.level)}, nil
	case Zstd:
		return &zstdCompressor{baseCompressor: base}, nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", config.Algorithm)
	}
}

type baseCompressor struct {
	algorithm Algorithm
	level     Level
	limit     int64
}

func (bc *baseCompressor) Algorithm() Algorithm { return bc.algorithm }

func (bc *baseCompressor) Level() Level { return bc.level }

// drain copies decompressed output from r to dst, failing once it exceeds
// the limit
func (bc *baseCompressor) drain(dst io.Writer, r io.Reader) error {
	n, err := io.Copy(dst, io.LimitReader(r, bc.limit+1))
	if err != nil {
		return err
	}
	if n > bc.limit {
		return fmt.Errorf("decompressed size exceeds %d bytes", bc.limit)
	}
	return nil
}

// encode copies src through w and closes it
func encode(w io.WriteCloser, src io.Reader) error {
	if _, err := io.Copy(w, src); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

type noneCompressor struct {
	baseCompressor
}

func (nc *noneCompressor) CompressStream(dst io.Writer, src io.Reader) error {
	_, err := io.Copy(dst, src)
	return err
}

func (nc *noneCompressor) DecompressStream(dst io.Writer, src io.Reader) error {
	return nc.drain(dst, src)
}

type gzipCompressor struct {
	baseCompressor
	writers *pool.Pool[*gzip.Writer]
}

func newGzipCompressor(base baseCompressor) *gzipCompressor {
	level := mapFlateLevel(base.level)
	return &gzipCompressor{
		baseCompressor: base,
		writers: pool.New(
			func() *gzip.Writer {
				w, _ := gzip.NewWriterLevel(nil, level)
				return w
			},
			func(w *gzip.Writer) { w.Reset(nil) },
		),
	}
}

func (gc *gzipCompressor) CompressStream(dst io.Writer, src io.Reader) error {
	w := gc.writers.Get()
	defer gc.writers.Put(w)

	w.Reset(dst)
	return encode(w, src)
}

func (gc *gzipCompressor) DecompressStream(dst io.Writer, src io.Reader) error {
	r, err := gzip.NewReader(src)
	if err != nil {
		return err
	}
	defer r.Close()
	return gc.drain(dst, r)
}

type deflateCompressor struct {
	baseCompressor
	flateLevel int
}

func (dc *deflateCompressor) CompressStream(dst io.Writer, src io.Reader) error {
	w, err := flate.NewWriter(dst, dc.flateLevel)
	if err != nil {
		return err
	}
	return encode(w, src)
}

func (dc *deflateCompressor) DecompressStream(dst io.Writer, src io.Reader) error {
	r := flate.NewReader(src)
	defer r.Close()
	return dc.drain(dst, r)
}

type snappyCompressor struct {
	baseCompressor
}

func (sc *snappyCompressor) CompressStream(dst io.Writer, src io.Reader) error {
	return encode(snappy.NewBufferedWriter(dst), src)
}

func (sc *snappyCompressor) DecompressStream(dst io.Writer, src io.Reader) error {
	return sc.drain(dst, snappy.NewReader(src))
}

type s2Compressor struct {
	baseCompressor
}

func (sc *s2Compressor) CompressStream(dst io.Writer, src io.Reader) error {
	var opts []s2.WriterOption
	if sc.level >= Better {
		opts = append(opts, s2.WriterBetterCompression())
	}
	return encode(s2.NewWriter(dst, opts...), src)
}

func (sc *s2Compressor) DecompressStream(dst io.Writer, src io.Reader) error {
	return sc.drain(dst, s2.NewReader(src))
}

type lz4Compressor struct {
	baseCompressor
	lz4Level lz4.CompressionLevel
}

func (lc *lz4Compressor) CompressStream(dst io.Writer, src io.Reader) error {
	w := lz4.NewWriter(dst)
	if err := w.Apply(lz4.CompressionLevelOption(lc.lz4Level)); err != nil {
		return err
	}
	return encode(w, src)
}

func (lc *lz4Compressor) DecompressStream(dst io.Writer, src io.Reader) error {
	return lc.drain(dst, lz4.NewReader(src))
}

type zstdCompressor struct {
	baseCompressor
}

func (zc *zstdCompressor) CompressStream(dst io.Writer, src io.Reader) error {
	enc, err := zstd.NewWriter(dst, zstd.WithEncoderLevel(mapZstdLevel(zc.level)))
	if err != nil {
		return err
	}
	return encode(enc, src)
}

func (zc *zstdCompressor) DecompressStream(dst io.Writer, src io.Reader) error {
	dec, err := zstd.NewReader(src, zstd.WithDecoderMaxMemory(uint64(zc.limit)))
	if err != nil {
		return err
	}
	defer dec.Close()
	return zc.drain(dst, dec)
}

func mapFlateLevel(level Level) int {
	switch level {
	case Fastest:
		return flate.BestSpeed
	case Best:
		return flate.BestCompression
	default:
		return flate.DefaultCompression
	}
}

func mapLZ4Level(level Level) lz4.CompressionLevel {
	switch level {
	case Fastest:
		return lz4.Fast
	case Best:
		return lz4.Level9
	default:
		return lz4.Level5
	}
}

func mapZstdLevel(level Level) zstd.EncoderLevel {
	switch level {
	case Fastest:
		return zstd.SpeedFastest
	case Better:
		return zstd.SpeedBetterCompression
	case Best:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedDefault
	}
}
