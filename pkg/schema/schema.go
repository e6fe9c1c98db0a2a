// Package schema defines column schemas and value kinds shared by batches,
// readers and storage backends.
//
// A Schema is an ordered, immutable list of uniquely named columns. Each
// column has a Kind that fixes the Go type of its values:
//
//	KindInt       int64
//	KindFloat     float64
//	KindString    string
//	KindBool      bool
//	KindBytes     []byte
//	KindTimestamp time.Time
//
// nil is the null value for every kind.
package schema

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ajitpratap0/quasar/pkg/errors"
)

// Kind is the value kind of a column
type Kind string

const (
	KindInt       Kind = "int"
	KindFloat     Kind = "float"
	KindString    Kind = "string"
	KindBool      Kind = "bool"
	KindBytes     Kind = "bytes"
	KindTimestamp Kind = "timestamp"
)

var kindAliases = map[string]Kind{
	"int":       KindInt,
	"integer":   KindInt,
	"int64":     KindInt,
	"bigint":    KindInt,
	"float":     KindFloat,
	"float64":   KindFloat,
	"double":    KindFloat,
	"real":      KindFloat,
	"string":    KindString,
	"str":       KindString,
	"text":      KindString,
	"varchar":   KindString,
	"bool":      KindBool,
	"boolean":   KindBool,
	"bytes":     KindBytes,
	"binary":    KindBytes,
	"blob":      KindBytes,
	"ndarray":   KindBytes,
	"timestamp": KindTimestamp,
	"datetime":  KindTimestamp,
	"time":      KindTimestamp,
}

// ParseKind resolves a kind name, accepting common SQL and dataframe aliases
func ParseKind(name string) (Kind, error) {
	k, ok := kindAliases[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return "", errors.Newf(errors.ErrorTypeValidation, "unknown value kind %q", name)
	}
	return k, nil
}

// Valid reports whether k is one of the defined kinds
func (k Kind) Valid() bool {
	switch k {
	case KindInt, KindFloat, KindString, KindBool, KindBytes, KindTimestamp:
		return true
	}
	return false
}

// Column is a named, kinded column
type Column struct {
	Name string `yaml:"name" json:"name"`
	Kind Kind   `yaml:"kind" json:"kind"`
}

func (c Column) String() string {
	return c.Name + ":" + string(c.Kind)
}

// Schema is an ordered list of uniquely named columns. The zero value is an
// empty schema. Schemas are values and never change after construction.
type Schema struct {
	cols  []Column
	index map[string]int
}

// New builds a schema, rejecting empty or duplicate names and unknown kinds
func New(cols ...Column) (Schema, error) {
	s := Schema{
		cols:  make([]Column, len(cols)),
		index: make(map[string]int, len(cols)),
	}
	for i, c := range cols {
		if c.Name == "" {
			return Schema{}, errors.Newf(errors.ErrorTypeValidation, "column %d has no name", i)
		}
		if !c.Kind.Valid() {
			return Schema{}, errors.Newf(errors.ErrorTypeValidation, "column %q has unknown kind %q", c.Name, c.Kind)
		}
		if _, dup := s.index[c.Name]; dup {
			return Schema{}, errors.Newf(errors.ErrorTypeValidation, "duplicate column %q", c.Name)
		}
		s.cols[i] = c
		s.index[c.Name] = i
	}
	return s, nil
}

// MustNew is like New but panics on error. Intended for static schemas.
func MustNew(cols ...Column) Schema {
	s, err := New(cols...)
	if err != nil {
		panic(err)
	}
	return s
}

// Len returns the number of columns
func (s Schema) Len() int { return len(s.cols) }

// Column returns the i-th column
func (s Schema) Column(i int) Column { return s.cols[i] }

// Columns returns a copy of the column list
func (s Schema) Columns() []Column {
	out := make([]Column, len(s.cols))
	copy(out, s.cols)
	return out
}

// Names returns the column names in order
func (s Schema) Names() []string {
	names := make([]string, len(s.cols))
	for i, c := range s.cols {
		names[i] = c.Name
	}
	return names
}

// Index returns the position of the named column
func (s Schema) Index(name string) (int, bool) {
	i, ok := s.index[name]
	return i, ok
}

// Lookup returns the named column
func (s Schema) Lookup(name string) (Column, bool) {
	i, ok := s.index[name]
	if !ok {
		return Column{}, false
	}
	return s.cols[i], true
}

// Select returns a schema made of the named columns, in the given order
func (s Schema) Select(names ...string) (Schema, error) {
	cols := make([]Column, 0, len(names))
	for _, n := range names {
		c, ok := s.Lookup(n)
		if !ok {
			return Schema{}, errors.Newf(errors.ErrorTypeSchemaMismatch, "unknown column %q", n)
		}
		cols = append(cols, c)
	}
	return New(cols...)
}

// Equal reports whether both schemas have the same columns in the same order
func (s Schema) Equal(o Schema) bool {
	if len(s.cols) != len(o.cols) {
		return false
	}
	for i := range s.cols {
		if s.cols[i] != o.cols[i] {
			return false
		}
	}
	return true
}

// Compatible reports whether both schemas have the same column set with the
// same kinds, ignoring order
func (s Schema) Compatible(o Schema) bool {
	return len(s.Diff(o)) == 0
}

// Diff describes how o differs from s, ignoring column order. The result is
// sorted and empty when the schemas are compatible.
func (s Schema) Diff(o Schema) []string {
	var diffs []string
	for _, c := range s.cols {
		oc, ok := o.Lookup(c.Name)
		switch {
		case !ok:
			diffs = append(diffs, fmt.Sprintf("missing column %q", c.Name))
		case oc.Kind != c.Kind:
			diffs = append(diffs, fmt.Sprintf("column %q is %s, expected %s", c.Name, oc.Kind, c.Kind))
		}
	}
	for _, oc := range o.cols {
		if _, ok := s.index[oc.Name]; !ok {
			diffs = append(diffs, fmt.Sprintf("unexpected column %q", oc.Name))
		}
	}
	sort.Strings(diffs)
	return diffs
}

func (s Schema) String() string {
	parts := make([]string, len(s.cols))
	for i, c := range s.cols {
		parts[i] = c.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
