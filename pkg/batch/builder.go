package batch

import (
	"fmt"
	"sort"

	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/schema"
)

// Builder accumulates validated rows for a single schema. A Builder is not
// safe for concurrent use.
type Builder struct {
	schema schema.Schema
	rows   [][]interface{}
	size   int64
}

// NewBuilder creates a builder for s
func NewBuilder(s schema.Schema) *Builder {
	return &Builder{schema: s}
}

// Schema returns the builder schema
func (b *Builder) Schema() schema.Schema { return b.schema }

// Len returns the number of buffered rows
func (b *Builder) Len() int { return len(b.rows) }

// Size returns the estimated size of the buffered rows
func (b *Builder) Size() int64 { return b.size }

// Add appends a positional row. Values must already have the Go type of
// their column kind.
func (b *Builder) Add(row []interface{}) error {
	if len(row) != b.schema.Len() {
		return errors.Newf(errors.ErrorTypeSchemaMismatch,
			"row has %d values, schema %s has %d columns", len(row), b.schema, b.schema.Len())
	}
	for j, v := range row {
		c := b.schema.Column(j)
		if !schema.Conforms(c.Kind, v) {
			return errors.Newf(errors.ErrorTypeSchemaMismatch,
				"column %q expects %s, got %T", c.Name, c.Kind, v).
				WithDetail("column", c.Name)
		}
	}
	b.append(copyRow(row))
	return nil
}

// AddMap appends a row given by column name, coercing loosely typed values
// to the column kinds. Missing columns are null; unknown keys are rejected.
func (b *Builder) AddMap(m map[string]interface{}) error {
	if extra := b.unknownKeys(m); len(extra) > 0 {
		return errors.Newf(errors.ErrorTypeSchemaMismatch, "unknown columns %v for schema %s", extra, b.schema).
			WithDetail("columns", extra)
	}
	row := make([]interface{}, b.schema.Len())
	for j := range row {
		c := b.schema.Column(j)
		v, err := schema.Coerce(c.Kind, m[c.Name])
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeSchemaMismatch, fmt.Sprintf("column %q", c.Name)).
				WithDetail("column", c.Name)
		}
		row[j] = v
	}
	b.append(row)
	return nil
}

func (b *Builder) unknownKeys(m map[string]interface{}) []string {
	var extra []string
	for k := range m {
		if _, ok := b.schema.Index(k); !ok {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	return extra
}

func (b *Builder) append(row []interface{}) {
	b.rows = append(b.rows, row)
	b.size += EstimateRowSize(row)
}

// Build returns the accumulated rows as a Batch and resets the builder
func (b *Builder) Build() *Batch {
	out := &Batch{schema: b.schema, rows: b.rows, size: b.size}
	b.rows = nil
	b.size = 0
	return out
}
