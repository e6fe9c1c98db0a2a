// Package framecodec defines the contract between the frame reader and the
// media decoders that turn a resource into a sequence of frames.
//
// Concrete video decoding is an external concern. Decoders are registered by
// name with the file extensions they handle; the frame reader picks one by
// extension. The package ships the "qfv" container, a length-prefixed frame
// stream used for pre-decoded frames and tests.
package framecodec

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Info describes a media resource
type Info struct {
	Width  int
	Height int
	// FPS is the nominal frame rate; zero when unknown
	FPS float64
}

// Frame is one decoded frame
type Frame struct {
	// Index is the zero-based position of the frame in the resource
	Index int64
	// Offset is the byte offset of the frame record in the resource
	Offset int64
	// PTS is the presentation time relative to the start of the resource
	PTS  time.Duration
	Data []byte
}

// Decoder yields frames in presentation order. Next returns io.EOF after the
// last frame. A Decoder is not safe for concurrent use.
type Decoder interface {
	Info() Info
	Next() (Frame, error)
	Close() error
}

// CorruptFrameError reports a frame record that could not be decoded.
// Decoders return it after skipping the record when they can resynchronize,
// so the caller may continue with the next frame.
type CorruptFrameError struct {
	Index  int64
	Offset int64
	Err    error
}

func (e *CorruptFrameError) Error() string {
	return fmt.Sprintf("corrupt frame %d at offset %d: %v", e.Index, e.Offset, e.Err)
}

func (e *CorruptFrameError) Unwrap() error { return e.Err }

// OpenFunc opens a decoder over an open resource. The decoder owns rc.
type OpenFunc func(rc io.ReadCloser) (Decoder, error)

type codec struct {
	name string
	open OpenFunc
}

var (
	mu         sync.RWMutex
	codecs     = make(map[string]codec)
	extensions = make(map[string]string)
)

// Register adds a decoder for the given extensions
func Register(name string, exts []string, open OpenFunc) error {
	mu.Lock()
	defer mu.Unlock()

	if _, exists := codecs[name]; exists {
		return fmt.Errorf("frame codec %s already registered", name)
	}
	codecs[name] = codec{name: name, open: open}
	for _, ext := range exts {
		extensions[normalize(ext)] = name
	}
	return nil
}

// Lookup returns the codec name registered for a path's extension
func Lookup(path string) (string, bool) {
	mu.RLock()
	defer mu.RUnlock()
	name, ok := extensions[normalize(filepath.Ext(path))]
	return name, ok
}

// Extensions returns every registered extension, sorted
func Extensions() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(extensions))
	for ext := range extensions {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// Names returns the registered codec names, sorted
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(codecs))
	for name := range codecs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Open opens rc with the named codec
func Open(name string, rc io.ReadCloser) (Decoder, error) {
	mu.RLock()
	c, ok := codecs[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown frame codec %q", name)
	}
	return c.open(rc)
}

func normalize(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}
