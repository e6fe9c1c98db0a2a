package reader

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	qerrors "github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/reader/framecodec"
	"github.com/ajitpratap0/quasar/pkg/schema"
)

func init() {
	_ = Register("frames", framecodec.Extensions(), openFrames)
}

// Frame columns a schema may select
const (
	FrameID        = "id"
	FrameData      = "data"
	FrameTimestamp = "timestamp"
	FrameWidth     = "width"
	FrameHeight    = "height"
	FrameVideo     = "video"
)

var frameColumnKinds = map[string][]schema.Kind{
	FrameID:        {schema.KindInt},
	FrameData:      {schema.KindBytes},
	FrameTimestamp: {schema.KindFloat, schema.KindInt, schema.KindTimestamp},
	FrameWidth:     {schema.KindInt},
	FrameHeight:    {schema.KindInt},
	FrameVideo:     {schema.KindString},
}

// FrameSchema is the full frame row layout
var FrameSchema = schema.MustNew(
	schema.Column{Name: FrameID, Kind: schema.KindInt},
	schema.Column{Name: FrameData, Kind: schema.KindBytes},
	schema.Column{Name: FrameTimestamp, Kind: schema.KindFloat},
	schema.Column{Name: FrameWidth, Kind: schema.KindInt},
	schema.Column{Name: FrameHeight, Kind: schema.KindInt},
	schema.Column{Name: FrameVideo, Kind: schema.KindString},
)

// frameSource turns decoded frames into rows. A float timestamp is seconds
// from the start, an int timestamp milliseconds, and a timestamp column the
// Unix epoch plus the presentation time.
type frameSource struct {
	locator     string
	video       string
	decoder     framecodec.Decoder
	schema      schema.Schema
	sampleEvery int64
}

func openFrames(ctx context.Context, locator string, sch schema.Schema, opts Options) (RowSource, error) {
	for _, col := range sch.Columns() {
		kinds, ok := frameColumnKinds[col.Name]
		if !ok {
			return nil, qerrors.Newf(qerrors.ErrorTypeSchemaMismatch, "frames have no column %q", col.Name).
				WithDetail("resource", locator)
		}
		if !containsKind(kinds, col.Kind) {
			return nil, qerrors.Newf(qerrors.ErrorTypeSchemaMismatch, "frame column %q cannot be %s", col.Name, col.Kind).
				WithDetail("resource", locator)
		}
	}

	codec, ok := framecodec.Lookup(locator)
	if !ok {
		return nil, qerrors.Newf(qerrors.ErrorTypeUnsupported, "no frame codec for %s", locator).
			WithDetail("resource", locator)
	}

	file, err := os.Open(locator) //nolint:gosec // G304: locator is chosen by the caller
	if err != nil {
		if os.IsNotExist(err) {
			return nil, locationError(locator, err)
		}
		return nil, qerrors.Wrapf(err, qerrors.ErrorTypeFile, "failed to open %s", locator)
	}
	dec, err := framecodec.Open(codec, file)
	if err != nil {
		_ = file.Close()
		return nil, NewParseError(locator, 0, 0, err)
	}

	return &frameSource{
		locator:     locator,
		video:       filepath.Base(locator),
		decoder:     dec,
		schema:      sch,
		sampleEvery: int64(opts.SampleEvery),
	}, nil
}

func containsKind(kinds []schema.Kind, k schema.Kind) bool {
	for _, c := range kinds {
		if c == k {
			return true
		}
	}
	return false
}

func (s *frameSource) NextRow(ctx context.Context) ([]interface{}, error) {
	for {
		f, err := s.decoder.Next()
		if err == io.EOF {
			return nil, io.EOF
		}
		if err != nil {
			var corrupt *framecodec.CorruptFrameError
			if errors.As(err, &corrupt) {
				return nil, NewParseError(s.locator, corrupt.Index, corrupt.Offset, corrupt.Err)
			}
			return nil, qerrors.Wrapf(err, qerrors.ErrorTypeFile, "failed to decode %s", s.locator)
		}
		if s.sampleEvery > 1 && f.Index%s.sampleEvery != 0 {
			continue
		}
		return s.row(f), nil
	}
}

func (s *frameSource) row(f framecodec.Frame) []interface{} {
	info := s.decoder.Info()
	row := make([]interface{}, s.schema.Len())
	for j, col := range s.schema.Columns() {
		switch col.Name {
		case FrameID:
			row[j] = f.Index
		case FrameData:
			row[j] = f.Data
		case FrameWidth:
			row[j] = int64(info.Width)
		case FrameHeight:
			row[j] = int64(info.Height)
		case FrameVideo:
			row[j] = s.video
		case FrameTimestamp:
			switch col.Kind {
			case schema.KindFloat:
				row[j] = f.PTS.Seconds()
			case schema.KindInt:
				row[j] = f.PTS.Milliseconds()
			default:
				row[j] = time.Unix(0, 0).Add(f.PTS).UTC()
			}
		}
	}
	return row
}

func (s *frameSource) Close() error {
	return s.decoder.Close()
}
