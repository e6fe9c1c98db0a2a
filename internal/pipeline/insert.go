package pipeline

import (
	"context"

	"github.com/ajitpratap0/quasar/pkg/batch"
	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/logger"
	"github.com/ajitpratap0/quasar/pkg/metrics"
	"github.com/ajitpratap0/quasar/pkg/observability"
	"github.com/ajitpratap0/quasar/pkg/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// InsertRequest is a single row for a structured table. Values may be text;
// they are coerced to the column kinds. Columns left out are null.
type InsertRequest struct {
	Database string
	Table    string
	Columns  []string
	Values   []interface{}
}

// Insert stores one row. On any failure it reports zero rows with the error.
func (p *Pipeline) Insert(ctx context.Context, req InsertRequest) (n int, err error) {
	ctx, span := observability.StartSpan(ctx, "pipeline", "insert", attribute.String("table", req.Table))
	defer func() {
		observability.EndSpan(span, err)
		metrics.PipelineRuns.WithLabelValues("insert", status(err)).Inc()
	}()

	n, err = p.insert(ctx, req)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (p *Pipeline) insert(ctx context.Context, req InsertRequest) (int, error) {
	desc, err := p.catalog.Lookup(req.Database, req.Table)
	if err != nil {
		return 0, err
	}
	if desc.Kind != storage.KindStructured {
		return 0, storage.Unsupported(desc.Kind, storage.OpInsert)
	}
	if len(req.Columns) != len(req.Values) {
		return 0, errors.Newf(errors.ErrorTypeValidation, "%d columns but %d values", len(req.Columns), len(req.Values))
	}

	row := make(map[string]interface{}, len(req.Columns))
	for i, c := range req.Columns {
		if _, dup := row[c]; dup {
			return 0, errors.Newf(errors.ErrorTypeValidation, "column %q given twice", c)
		}
		row[c] = req.Values[i]
	}
	b := batch.NewBuilder(desc.Schema)
	if err := b.AddMap(row); err != nil {
		return 0, err
	}

	n, err := p.storage.Write(ctx, desc, b.Build())
	if err != nil {
		return 0, err
	}
	logger.WithContext(logger.ContextWith(ctx, logger.TableKey, desc.QualifiedName())).
		Info("row inserted", zap.Int("rows", n))
	return n, nil
}
