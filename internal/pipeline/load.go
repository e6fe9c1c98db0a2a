package pipeline

import (
	"context"
	"io"
	"time"

	"github.com/ajitpratap0/quasar/pkg/batch"
	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/extension"
	"github.com/ajitpratap0/quasar/pkg/logger"
	"github.com/ajitpratap0/quasar/pkg/metrics"
	"github.com/ajitpratap0/quasar/pkg/observability"
	"github.com/ajitpratap0/quasar/pkg/reader"
	"github.com/ajitpratap0/quasar/pkg/schema"
	"github.com/ajitpratap0/quasar/pkg/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// LoadRequest describes one load
type LoadRequest struct {
	// Resource is the locator handed to the reader
	Resource string
	Database string
	Table    string

	// ReadSchema is the schema the resource is read with. It defaults to
	// the table schema; set it when an operator reshapes rows.
	ReadSchema schema.Schema
	// Budget is the per-batch memory budget; zero means reader.DefaultBudget
	Budget        int64
	ReaderOptions []reader.Option

	// Operator names a registered operator applied to every batch
	Operator string
	// OperatorFile locates an operator unit; OperatorSymbol selects the
	// operator in it when the unit defines more than one
	OperatorFile   string
	OperatorSymbol string

	// SkipMalformed skips records that fail to parse instead of aborting
	SkipMalformed bool
}

// LoadResult summarizes a load
type LoadResult struct {
	Rows     int
	Batches  int
	Skipped  int
	Duration time.Duration
}

// Load reads the resource into the table. Rows stored before an error stay
// stored; the result reports them alongside the error.
func (p *Pipeline) Load(ctx context.Context, req LoadRequest) (res LoadResult, err error) {
	timer := metrics.NewTimer()
	ctx, span := observability.StartSpan(ctx, "pipeline", "load",
		attribute.String("resource", req.Resource),
		attribute.String("table", req.Table))
	defer func() {
		res.Duration = timer.Stop()
		observability.EndSpan(span, err)
		metrics.PipelineRuns.WithLabelValues("load", status(err)).Inc()
	}()

	desc, err := p.catalog.Lookup(req.Database, req.Table)
	if err != nil {
		return res, err
	}
	ctx = logger.ContextWith(ctx, logger.TableKey, desc.QualifiedName())
	ctx = logger.ContextWith(ctx, logger.ResourceKey, req.Resource)

	def, err := p.definition(ctx, req)
	if err != nil {
		return res, err
	}
	if def != nil {
		ctx = logger.ContextWith(ctx, logger.OperatorKey, def.Identity().String())
	}
	log := logger.WithContext(ctx)

	readSchema := req.ReadSchema
	if readSchema.Len() == 0 {
		readSchema = desc.Schema
	}
	budget := req.Budget
	if budget == 0 {
		budget = reader.DefaultBudget
	}

	r, err := reader.Open(ctx, req.Resource, readSchema, budget, req.ReaderOptions...)
	if err != nil {
		return res, err
	}
	defer r.Close()

	log.Info("starting load", zap.Int64("budget", budget), zap.Bool("skip_malformed", req.SkipMalformed))
	for {
		b, err := r.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			if req.SkipMalformed && errors.IsParse(err) {
				res.Skipped++
				metrics.RecordsSkipped.WithLabelValues(desc.QualifiedName()).Inc()
				log.Warn("skipping malformed record", zap.Error(err))
				continue
			}
			return res, err
		}

		if def != nil {
			if b, err = def.Invoke(ctx, b); err != nil {
				return res, err
			}
			if b.Len() == 0 {
				continue
			}
		}

		n, err := p.store(ctx, desc, b)
		if err != nil {
			return res, err
		}
		res.Rows += n
		res.Batches++
	}

	log.Info("load completed",
		zap.Int("rows", res.Rows),
		zap.Int("batches", res.Batches),
		zap.Int("skipped", res.Skipped),
		zap.Duration("duration", timer.Stop()))
	return res, nil
}

// definition resolves the operator of req, if any
func (p *Pipeline) definition(ctx context.Context, req LoadRequest) (extension.Definition, error) {
	if req.Operator == "" && req.OperatorFile == "" {
		return nil, nil
	}
	if req.Operator != "" && req.OperatorFile != "" {
		return nil, errors.New(errors.ErrorTypeValidation, "an operator is named either by registered name or by file, not both")
	}
	if p.resolver == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "no operator resolver configured")
	}

	var (
		def extension.Definition
		err error
	)
	if req.Operator != "" {
		def, err = p.resolver.ResolveByName(ctx, req.Operator)
	} else {
		def, err = p.resolver.ResolveByLocation(ctx, req.OperatorFile, req.OperatorSymbol)
	}
	if err != nil {
		return nil, err
	}
	if def.Spec().RequiresGPU && !p.gpu() {
		return nil, errors.Newf(errors.ErrorTypeUnsupported, "operator %s requires a GPU", def.Identity()).
			WithDetail("operator", def.Identity().String())
	}
	return def, nil
}

// store routes b by table kind: structured tables take row inserts, every
// other kind bulk appends
func (p *Pipeline) store(ctx context.Context, desc storage.TableDescriptor, b *batch.Batch) (int, error) {
	if desc.Kind == storage.KindStructured {
		return p.storage.Write(ctx, desc, b)
	}
	return p.storage.Append(ctx, desc, b)
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
