// Package batch provides the immutable row batch exchanged between readers,
// operators and storage backends.
//
// A Batch is created once, through a Builder or New, and never changes
// afterwards. Every row holds exactly the columns of the batch schema, in
// schema order, with values of the Go type fixed by the column kind. Byte
// payloads are copied on the way in and on the way out, so a Batch never
// aliases a reader's buffers and a receiver cannot mutate it.
package batch

import (
	"time"

	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/schema"
)

// Batch is an ordered, immutable set of rows sharing one schema
type Batch struct {
	schema schema.Schema
	rows   [][]interface{}
	size   int64
}

// New builds a batch from positional rows
func New(s schema.Schema, rows ...[]interface{}) (*Batch, error) {
	b := NewBuilder(s)
	for _, r := range rows {
		if err := b.Add(r); err != nil {
			return nil, err
		}
	}
	return b.Build(), nil
}

// Empty returns a batch with no rows
func Empty(s schema.Schema) *Batch {
	return &Batch{schema: s}
}

// Schema returns the batch schema
func (b *Batch) Schema() schema.Schema { return b.schema }

// Len returns the number of rows
func (b *Batch) Len() int { return len(b.rows) }

// Size returns the estimated in-memory size of the rows in bytes
func (b *Batch) Size() int64 { return b.size }

// Row returns a copy of the i-th row in schema order
func (b *Batch) Row(i int) []interface{} {
	return copyRow(b.rows[i])
}

// Value returns a single cell by row and column name
func (b *Batch) Value(i int, column string) (interface{}, bool) {
	j, ok := b.schema.Index(column)
	if !ok {
		return nil, false
	}
	return copyValue(b.rows[i][j]), true
}

// Column returns all values of the named column
func (b *Batch) Column(name string) ([]interface{}, error) {
	j, ok := b.schema.Index(name)
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeSchemaMismatch, "batch has no column %q", name)
	}
	out := make([]interface{}, len(b.rows))
	for i, r := range b.rows {
		out[i] = copyValue(r[j])
	}
	return out, nil
}

// Map returns the i-th row keyed by column name
func (b *Batch) Map(i int) map[string]interface{} {
	m := make(map[string]interface{}, b.schema.Len())
	for j, v := range b.rows[i] {
		m[b.schema.Column(j).Name] = copyValue(v)
	}
	return m
}

// Each calls fn for every row in order until fn returns false. The row
// slice passed to fn is a copy.
func (b *Batch) Each(fn func(i int, row []interface{}) bool) {
	for i, r := range b.rows {
		if !fn(i, copyRow(r)) {
			return
		}
	}
}

// Project returns a batch holding only the named columns
func (b *Batch) Project(names ...string) (*Batch, error) {
	sub, err := b.schema.Select(names...)
	if err != nil {
		return nil, err
	}
	idx := make([]int, len(names))
	for k, n := range names {
		idx[k], _ = b.schema.Index(n)
	}
	out := &Batch{schema: sub, rows: make([][]interface{}, len(b.rows))}
	for i, r := range b.rows {
		row := make([]interface{}, len(idx))
		for k, j := range idx {
			row[k] = r[j]
		}
		out.rows[i] = row
		out.size += EstimateRowSize(row)
	}
	return out, nil
}

// Conform returns a batch with the rows reordered into the column order of
// s. The column sets and kinds must match.
func (b *Batch) Conform(s schema.Schema) (*Batch, error) {
	if diff := b.schema.Diff(s); len(diff) > 0 {
		return nil, errors.New(errors.ErrorTypeSchemaMismatch, "batch does not match schema").
			WithDetail("differences", diff)
	}
	if b.schema.Equal(s) {
		return b, nil
	}
	p, err := b.Project(s.Names()...)
	if err != nil {
		return nil, err
	}
	p.schema = s
	return p, nil
}

// EstimateRowSize approximates the memory held by one row. It is the
// default size function used by readers to enforce their batch budget.
func EstimateRowSize(row []interface{}) int64 {
	var n int64
	for _, v := range row {
		n += valueSize(v)
	}
	return n
}

func valueSize(v interface{}) int64 {
	const ifaceHeader = 16
	switch x := v.(type) {
	case nil:
		return ifaceHeader
	case string:
		return ifaceHeader + 16 + int64(len(x))
	case []byte:
		return ifaceHeader + 24 + int64(len(x))
	case time.Time:
		return ifaceHeader + 24
	default:
		return ifaceHeader + 8
	}
}

func copyRow(r []interface{}) []interface{} {
	out := make([]interface{}, len(r))
	for i, v := range r {
		out[i] = copyValue(v)
	}
	return out
}

func copyValue(v interface{}) interface{} {
	if b, ok := v.([]byte); ok {
		c := make([]byte, len(b))
		copy(c, b)
		return c
	}
	return v
}
