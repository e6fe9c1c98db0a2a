package reader

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/schema"
)

func init() {
	_ = Register("csv", []string{"csv"}, newCSVFactory(','))
	_ = Register("tsv", []string{"tsv", "tab"}, newCSVFactory('\t'))
}

// csvSource reads delimited text with a mandatory header row. Schema
// columns are matched to header names; other columns are ignored.
type csvSource struct {
	locator string
	file    *os.File
	reader  *csv.Reader
	schema  schema.Schema
	// positions maps schema column index to record field index
	positions []int
	header    int
	nullToken string
}

func newCSVFactory(defaultDelimiter rune) Factory {
	return func(ctx context.Context, locator string, sch schema.Schema, opts Options) (RowSource, error) {
		delim := opts.Delimiter
		if delim == 0 {
			delim = defaultDelimiter
		}
		return openCSV(locator, sch, delim, opts)
	}
}

func openCSV(locator string, sch schema.Schema, delim rune, opts Options) (*csvSource, error) {
	file, err := os.Open(locator) //nolint:gosec // G304: locator is chosen by the caller
	if err != nil {
		if os.IsNotExist(err) {
			return nil, locationError(locator, err)
		}
		return nil, errors.Wrapf(err, errors.ErrorTypeFile, "failed to open %s", locator)
	}

	r := csv.NewReader(bufio.NewReaderSize(file, 64*1024))
	r.Comma = delim
	r.Comment = opts.Comment
	r.TrimLeadingSpace = opts.TrimSpace
	r.FieldsPerRecord = -1
	r.ReuseRecord = true

	header, err := r.Read()
	if err != nil {
		_ = file.Close()
		if err == io.EOF {
			return nil, NewParseError(locator, 1, 0, fmt.Errorf("missing header row"))
		}
		return nil, NewParseError(locator, 1, 0, err)
	}

	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.TrimSpace(h)] = i
	}
	positions := make([]int, sch.Len())
	var missing []string
	for j := 0; j < sch.Len(); j++ {
		name := sch.Column(j).Name
		i, ok := index[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		positions[j] = i
	}
	if len(missing) > 0 {
		_ = file.Close()
		return nil, errors.Newf(errors.ErrorTypeSchemaMismatch, "%s: header has no column %s", locator, strings.Join(missing, ", ")).
			WithDetail("resource", locator).
			WithDetail("columns", missing)
	}

	return &csvSource{
		locator:   locator,
		file:      file,
		reader:    r,
		schema:    sch,
		positions: positions,
		header:    len(header),
		nullToken: opts.NullToken,
	}, nil
}

func (s *csvSource) NextRow(ctx context.Context) ([]interface{}, error) {
	offset := s.reader.InputOffset()
	record, err := s.reader.Read()
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			return nil, NewParseError(s.locator, int64(perr.StartLine), offset, perr.Err)
		}
		return nil, errors.Wrapf(err, errors.ErrorTypeFile, "failed to read %s", s.locator)
	}

	line, _ := s.reader.FieldPos(0)
	if len(record) != s.header {
		return nil, NewParseError(s.locator, int64(line), offset,
			fmt.Errorf("record has %d fields, header has %d", len(record), s.header))
	}

	row := make([]interface{}, len(s.positions))
	for j, i := range s.positions {
		cell := record[i]
		if cell == "" || (s.nullToken != "" && cell == s.nullToken) {
			continue
		}
		col := s.schema.Column(j)
		v, err := schema.Parse(col.Kind, cell)
		if err != nil {
			return nil, NewParseError(s.locator, int64(line), offset,
				fmt.Errorf("column %q: %w", col.Name, err))
		}
		row[j] = v
	}
	return row, nil
}

func (s *csvSource) Close() error {
	return s.file.Close()
}
