package reader

import (
	"context"
	"io"

	"github.com/ajitpratap0/quasar/pkg/batch"
	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/logger"
	"github.com/ajitpratap0/quasar/pkg/metrics"
	"github.com/ajitpratap0/quasar/pkg/schema"
	"go.uber.org/zap"
)

// rowReader batches the rows of a RowSource under a memory budget
type rowReader struct {
	format  string
	src     RowSource
	budget  int64
	rowSize SizeFunc
	builder *batch.Builder
	acc     int64

	// pending is a row that did not fit into the previous batch
	pending     []interface{}
	pendingSize int64

	done   bool
	closed bool
	logger *zap.Logger
}

// FromRows batches the rows of src. Rows must already conform to sch.
// format labels metrics and logs.
func FromRows(format string, src RowSource, sch schema.Schema, budget int64, o Options) Reader {
	if o.RowSize == nil {
		o.RowSize = batch.EstimateRowSize
	}
	return &rowReader{
		format:  format,
		src:     src,
		budget:  budget,
		rowSize: o.RowSize,
		builder: batch.NewBuilder(sch),
		logger:  logger.With(zap.String("component", "reader"), zap.String("format", format)),
	}
}

func (r *rowReader) Next(ctx context.Context) (*batch.Batch, error) {
	if r.closed {
		return nil, errors.New(errors.ErrorTypeValidation, "reader is closed")
	}

	if r.pending != nil {
		if err := r.builder.Add(r.pending); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "source produced a non-conforming row")
		}
		r.acc = r.pendingSize
		r.pending = nil
	}

	for !r.done {
		if err := ctx.Err(); err != nil {
			return nil, errors.FromContext(err, "read interrupted")
		}

		row, err := r.src.NextRow(ctx)
		if err == io.EOF {
			r.done = true
			break
		}
		if err != nil {
			if errors.IsParse(err) {
				metrics.ParseErrors.WithLabelValues(r.format).Inc()
				r.logger.Debug("malformed record", zap.Error(err))
			}
			return nil, err
		}

		size := r.rowSize(row)
		if r.builder.Len() > 0 && r.acc+size > r.budget {
			r.pending = row
			r.pendingSize = size
			return r.emit(), nil
		}
		if err := r.builder.Add(row); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "source produced a non-conforming row")
		}
		r.acc += size
	}

	if r.builder.Len() == 0 {
		return nil, io.EOF
	}
	return r.emit(), nil
}

func (r *rowReader) emit() *batch.Batch {
	b := r.builder.Build()
	metrics.BatchesProduced.WithLabelValues(r.format).Inc()
	metrics.RowsRead.WithLabelValues(r.format).Add(float64(b.Len()))
	metrics.BatchBytes.WithLabelValues(r.format).Observe(float64(r.acc))
	r.logger.Debug("batch produced", zap.Int("rows", b.Len()), zap.Int64("bytes", r.acc))
	r.acc = 0
	return b
}

func (r *rowReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.pending = nil
	return r.src.Close()
}

// SliceSource serves rows from memory. Rows are handed out as given.
type SliceSource struct {
	rows [][]interface{}
	pos  int
}

// NewSliceSource creates a RowSource over rows
func NewSliceSource(rows [][]interface{}) *SliceSource {
	return &SliceSource{rows: rows}
}

// NextRow returns the next row or io.EOF
func (s *SliceSource) NextRow(ctx context.Context) ([]interface{}, error) {
	if s.pos >= len(s.rows) {
		return nil, io.EOF
	}
	row := s.rows[s.pos]
	s.pos++
	return row, nil
}

// Close is a no-op
func (s *SliceSource) Close() error { return nil }
