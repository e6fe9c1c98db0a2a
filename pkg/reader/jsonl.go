package reader

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/schema"
	"github.com/goccy/go-json"
)

func init() {
	_ = Register("jsonl", []string{"jsonl", "ndjson"}, openJSONL)
}

// jsonlSource reads one JSON object per line. Keys outside the schema are
// ignored and absent keys are null. Blank lines are skipped.
type jsonlSource struct {
	locator string
	file    *os.File
	reader  *bufio.Reader
	schema  schema.Schema
	line    int64
	offset  int64
}

func openJSONL(ctx context.Context, locator string, sch schema.Schema, opts Options) (RowSource, error) {
	file, err := os.Open(locator) //nolint:gosec // G304: locator is chosen by the caller
	if err != nil {
		if os.IsNotExist(err) {
			return nil, locationError(locator, err)
		}
		return nil, errors.Wrapf(err, errors.ErrorTypeFile, "failed to open %s", locator)
	}
	return &jsonlSource{
		locator: locator,
		file:    file,
		reader:  bufio.NewReaderSize(file, 64*1024),
		schema:  sch,
	}, nil
}

func (s *jsonlSource) NextRow(ctx context.Context) ([]interface{}, error) {
	for {
		raw, err := s.reader.ReadBytes('\n')
		if len(raw) == 0 && err == io.EOF {
			return nil, io.EOF
		}
		if err != nil && err != io.EOF {
			return nil, errors.Wrapf(err, errors.ErrorTypeFile, "failed to read %s", s.locator)
		}

		s.line++
		offset := s.offset
		s.offset += int64(len(raw))

		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) == 0 {
			continue
		}
		return s.decode(trimmed, offset)
	}
}

func (s *jsonlSource) decode(raw []byte, offset int64) ([]interface{}, error) {
	var obj map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil {
		return nil, NewParseError(s.locator, s.line, offset, err)
	}
	var extra interface{}
	if err := dec.Decode(&extra); err != io.EOF {
		return nil, NewParseError(s.locator, s.line, offset, fmt.Errorf("unexpected content after JSON object"))
	}
	if obj == nil {
		return nil, NewParseError(s.locator, s.line, offset, fmt.Errorf("line is not a JSON object"))
	}

	row := make([]interface{}, s.schema.Len())
	for j := range row {
		col := s.schema.Column(j)
		v, err := schema.Coerce(col.Kind, obj[col.Name])
		if err != nil {
			return nil, NewParseError(s.locator, s.line, offset, fmt.Errorf("column %q: %w", col.Name, err))
		}
		row[j] = v
	}
	return row, nil
}

func (s *jsonlSource) Close() error {
	return s.file.Close()
}
