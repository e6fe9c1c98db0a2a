package media

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ajitpratap0/quasar/pkg/batch"
	"github.com/ajitpratap0/quasar/pkg/schema"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

var timestampType = &arrow.TimestampType{Unit: arrow.Nanosecond, TimeZone: "UTC"}

func arrowType(k schema.Kind) (arrow.DataType, error) {
	switch k {
	case schema.KindInt:
		return arrow.PrimitiveTypes.Int64, nil
	case schema.KindFloat:
		return arrow.PrimitiveTypes.Float64, nil
	case schema.KindString:
		return arrow.BinaryTypes.String, nil
	case schema.KindBool:
		return arrow.FixedWidthTypes.Boolean, nil
	case schema.KindBytes:
		return arrow.BinaryTypes.Binary, nil
	case schema.KindTimestamp:
		return timestampType, nil
	}
	return nil, fmt.Errorf("no arrow type for kind %s", k)
}

func toArrowSchema(s schema.Schema) (*arrow.Schema, error) {
	fields := make([]arrow.Field, s.Len())
	for i, c := range s.Columns() {
		t, err := arrowType(c.Kind)
		if err != nil {
			return nil, err
		}
		fields[i] = arrow.Field{Name: c.Name, Type: t, Nullable: true}
	}
	return arrow.NewSchema(fields, nil), nil
}

// writeSegment writes b to w as a single-record Arrow IPC stream
func writeSegment(w io.Writer, mem memory.Allocator, b *batch.Batch) error {
	as, err := toArrowSchema(b.Schema())
	if err != nil {
		return err
	}

	rb := array.NewRecordBuilder(mem, as)
	defer rb.Release()

	var appendErr error
	b.Each(func(i int, row []interface{}) bool {
		for j, v := range row {
			if appendErr = appendValue(rb.Field(j), v); appendErr != nil {
				appendErr = fmt.Errorf("row %d column %q: %w", i, b.Schema().Column(j).Name, appendErr)
				return false
			}
		}
		return true
	})
	if appendErr != nil {
		return appendErr
	}

	rec := rb.NewRecord()
	defer rec.Release()

	iw := ipc.NewWriter(w, ipc.WithSchema(as), ipc.WithAllocator(mem))
	if err := iw.Write(rec); err != nil {
		_ = iw.Close()
		return fmt.Errorf("failed to write record batch: %w", err)
	}
	if err := iw.Close(); err != nil {
		return fmt.Errorf("failed to close segment: %w", err)
	}
	return nil
}

func appendValue(fb array.Builder, v interface{}) error {
	if v == nil {
		fb.AppendNull()
		return nil
	}
	switch b := fb.(type) {
	case *array.Int64Builder:
		b.Append(v.(int64))
	case *array.Float64Builder:
		b.Append(v.(float64))
	case *array.StringBuilder:
		b.Append(v.(string))
	case *array.BooleanBuilder:
		b.Append(v.(bool))
	case *array.BinaryBuilder:
		b.Append(v.([]byte))
	case *array.TimestampBuilder:
		b.Append(arrow.Timestamp(v.(time.Time).UnixNano()))
	default:
		return fmt.Errorf("unsupported arrow builder %T", fb)
	}
	return nil
}

// decodeSegment reads the rows of a segment in the column order of s.
// Columns of s absent from the segment read as null.
func decodeSegment(mem memory.Allocator, data []byte, s schema.Schema) ([][]interface{}, error) {
	r, err := ipc.NewReader(bytes.NewReader(data), ipc.WithAllocator(mem))
	if err != nil {
		return nil, fmt.Errorf("failed to open segment: %w", err)
	}
	defer r.Release()

	var rows [][]interface{}
	for r.Next() {
		rec := r.Record()
		positions := make([]int, s.Len())
		for j, c := range s.Columns() {
			positions[j] = -1
			if idx := rec.Schema().FieldIndices(c.Name); len(idx) > 0 {
				positions[j] = idx[0]
			}
		}
		for i := 0; i < int(rec.NumRows()); i++ {
			row := make([]interface{}, s.Len())
			for j, pos := range positions {
				if pos < 0 {
					continue
				}
				v, err := columnValue(rec.Column(pos), i)
				if err != nil {
					return nil, fmt.Errorf("column %q: %w", s.Column(j).Name, err)
				}
				row[j] = v
			}
			rows = append(rows, row)
		}
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("failed to read segment: %w", err)
	}
	return rows, nil
}

// columnValue copies one value out of an arrow array
func columnValue(col arrow.Array, i int) (interface{}, error) {
	if col.IsNull(i) {
		return nil, nil
	}
	switch c := col.(type) {
	case *array.Int64:
		return c.Value(i), nil
	case *array.Float64:
		return c.Value(i), nil
	case *array.String:
		return strings.Clone(c.Value(i)), nil
	case *array.Boolean:
		return c.Value(i), nil
	case *array.Binary:
		v := c.Value(i)
		out := make([]byte, len(v))
		copy(out, v)
		return out, nil
	case *array.Timestamp:
		return time.Unix(0, int64(c.Value(i))).UTC(), nil
	}
	return nil, fmt.Errorf("unsupported arrow array %T", col)
}
