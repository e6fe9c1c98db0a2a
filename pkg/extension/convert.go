package extension

import (
	"fmt"
	"time"

	"github.com/ajitpratap0/quasar/pkg/batch"
	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/schema"
	"go.starlark.net/starlark"
)

// toStarlark converts a batch value. Timestamps become RFC 3339 strings.
func toStarlark(v interface{}) (starlark.Value, error) {
	switch x := v.(type) {
	case nil:
		return starlark.None, nil
	case int64:
		return starlark.MakeInt64(x), nil
	case float64:
		return starlark.Float(x), nil
	case string:
		return starlark.String(x), nil
	case bool:
		return starlark.Bool(x), nil
	case []byte:
		return starlark.Bytes(x), nil
	case time.Time:
		return starlark.String(x.UTC().Format(time.RFC3339Nano)), nil
	}
	return nil, fmt.Errorf("unsupported value type %T", v)
}

// fromStarlark converts a scalar interpreter value. Values with no batch
// representation are rejected.
func fromStarlark(v starlark.Value) (interface{}, error) {
	switch x := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Int:
		i, ok := x.Int64()
		if !ok {
			return nil, fmt.Errorf("integer %s overflows int64", x.String())
		}
		return i, nil
	case starlark.Float:
		return float64(x), nil
	case starlark.String:
		return string(x), nil
	case starlark.Bool:
		return bool(x), nil
	case starlark.Bytes:
		return []byte(x), nil
	}
	return nil, fmt.Errorf("unsupported %s value", v.Type())
}

func batchToStarlark(b *batch.Batch) (*starlark.List, error) {
	names := b.Schema().Names()
	elems := make([]starlark.Value, 0, b.Len())
	for i := 0; i < b.Len(); i++ {
		row := b.Row(i)
		d := starlark.NewDict(len(names))
		for j, name := range names {
			v, err := toStarlark(row[j])
			if err != nil {
				return nil, errors.Wrapf(err, errors.ErrorTypeValidation, "row %d column %q", i, name)
			}
			if err := d.SetKey(starlark.String(name), v); err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to build row dict")
			}
		}
		elems = append(elems, d)
	}
	return starlark.NewList(elems), nil
}

// outputRow is a converted result dict with its key order
type outputRow struct {
	keys   []string
	values map[string]interface{}
}

func rowsFromStarlark(v starlark.Value) ([]outputRow, error) {
	if _, ok := v.(*starlark.Dict); ok {
		return nil, errors.New(errors.ErrorTypeValidation, "operator must return a list of dicts, got dict")
	}
	iter := starlark.Iterate(v)
	if iter == nil {
		return nil, errors.Newf(errors.ErrorTypeValidation, "operator must return a list of dicts, got %s", v.Type())
	}
	defer iter.Done()

	var rows []outputRow
	var elem starlark.Value
	for i := 0; iter.Next(&elem); i++ {
		d, ok := elem.(*starlark.Dict)
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeValidation, "output row %d is %s, not dict", i, elem.Type())
		}
		row := outputRow{values: make(map[string]interface{}, d.Len())}
		for _, item := range d.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, errors.Newf(errors.ErrorTypeValidation, "output row %d has non-string key %s", i, item[0].String())
			}
			val, err := fromStarlark(item[1])
			if err != nil {
				return nil, errors.Wrapf(err, errors.ErrorTypeValidation, "output row %d column %q", i, string(key))
			}
			row.keys = append(row.keys, string(key))
			row.values[string(key)] = val
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// outputsFromStarlark reads an outputs declaration: a dict from column
// name to kind name, in column order.
func outputsFromStarlark(v starlark.Value) (schema.Schema, error) {
	if v == nil || v == starlark.None {
		return schema.Schema{}, nil
	}
	d, ok := v.(*starlark.Dict)
	if !ok {
		return schema.Schema{}, fmt.Errorf("outputs must be a dict of column kinds, got %s", v.Type())
	}
	cols := make([]schema.Column, 0, d.Len())
	for _, item := range d.Items() {
		name, ok := starlark.AsString(item[0])
		if !ok {
			return schema.Schema{}, fmt.Errorf("outputs key %s is not a string", item[0].String())
		}
		kindName, ok := starlark.AsString(item[1])
		if !ok {
			return schema.Schema{}, fmt.Errorf("outputs[%q] must name a kind", name)
		}
		kind, err := schema.ParseKind(kindName)
		if err != nil {
			return schema.Schema{}, fmt.Errorf("outputs[%q]: %w", name, err)
		}
		cols = append(cols, schema.Column{Name: name, Kind: kind})
	}
	return schema.New(cols...)
}

// buildOutput rebuilds operator results into a batch. The declared outputs
// win; otherwise the input schema is kept when the first row has the same
// columns, and is inferred from the first row when it does not.
func buildOutput(declared, input schema.Schema, rows []outputRow) (*batch.Batch, error) {
	out := declared
	if out.Len() == 0 {
		var err error
		if out, err = inferSchema(input, rows); err != nil {
			return nil, err
		}
	}

	b := batch.NewBuilder(out)
	for i, row := range rows {
		if err := b.AddMap(row.values); err != nil {
			return nil, errors.Wrapf(err, errors.ErrorTypeSchemaMismatch, "output row %d", i)
		}
	}
	return b.Build(), nil
}

func inferSchema(input schema.Schema, rows []outputRow) (schema.Schema, error) {
	if len(rows) == 0 {
		return input, nil
	}
	first := rows[0]
	if len(first.keys) == input.Len() {
		same := true
		for _, k := range first.keys {
			if _, ok := input.Index(k); !ok {
				same = false
				break
			}
		}
		if same {
			return input, nil
		}
	}

	cols := make([]schema.Column, 0, len(first.keys))
	for _, k := range first.keys {
		kind, ok := schema.KindOf(first.values[k])
		if !ok {
			return schema.Schema{}, errors.Newf(errors.ErrorTypeSchemaMismatch,
				"cannot infer the kind of column %q from a null; declare outputs", k)
		}
		cols = append(cols, schema.Column{Name: k, Kind: kind})
	}
	s, err := schema.New(cols...)
	if err != nil {
		return schema.Schema{}, errors.Wrap(err, errors.ErrorTypeSchemaMismatch, "invalid inferred output schema")
	}
	return s, nil
}
