// Package storage routes batches to the storage engine that owns a table.
//
// Every table belongs to one storage kind. The Dispatcher keeps one Backend
// per kind, creates it on first use through a registered Factory, and checks
// each batch against the table's schema and each operation against the
// backend's capabilities before handing it over.
package storage

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/ajitpratap0/quasar/pkg/batch"
	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/reader"
	"github.com/ajitpratap0/quasar/pkg/schema"
)

// Kind selects the storage engine of a table
type Kind string

const (
	// KindStructured holds relational rows in a SQL database
	KindStructured Kind = "structured"
	// KindMedia holds decoded media frames as columnar segments
	KindMedia Kind = "media"
)

// ParseKind resolves a storage kind name
func ParseKind(name string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(name))); k {
	case KindStructured, KindMedia:
		return k, nil
	}
	return "", errors.Newf(errors.ErrorTypeUnsupported, "unknown storage kind %q", name)
}

// Operation is something a backend may be asked to do
type Operation uint8

const (
	// OpInsert writes rows individually
	OpInsert Operation = 1 << iota
	// OpAppend bulk-appends a batch
	OpAppend
	// OpScan reads a table back
	OpScan
	// OpDrop removes a table
	OpDrop
)

func (o Operation) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpAppend:
		return "append"
	case OpScan:
		return "scan"
	case OpDrop:
		return "drop"
	}
	return fmt.Sprintf("operation(%d)", uint8(o))
}

// CapabilitySet is the set of operations a backend supports
type CapabilitySet uint8

// Capabilities builds a set from ops
func Capabilities(ops ...Operation) CapabilitySet {
	var c CapabilitySet
	for _, op := range ops {
		c |= CapabilitySet(op)
	}
	return c
}

// Has reports whether op is in the set
func (c CapabilitySet) Has(op Operation) bool {
	return c&CapabilitySet(op) != 0
}

// Operations lists the set in a stable order
func (c CapabilitySet) Operations() []Operation {
	var ops []Operation
	for _, op := range []Operation{OpInsert, OpAppend, OpScan, OpDrop} {
		if c.Has(op) {
			ops = append(ops, op)
		}
	}
	return ops
}

func (c CapabilitySet) String() string {
	ops := c.Operations()
	names := make([]string, len(ops))
	for i, op := range ops {
		names[i] = op.String()
	}
	return "{" + strings.Join(names, ",") + "}"
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// TableDescriptor describes a table as the catalog knows it. Backends treat
// it as read-only.
type TableDescriptor struct {
	Name     string
	Database string
	Kind     Kind
	Schema   schema.Schema
}

// QualifiedName returns database.name, or name without a database
func (d TableDescriptor) QualifiedName() string {
	if d.Database == "" {
		return d.Name
	}
	return d.Database + "." + d.Name
}

// Validate checks the names and schema of the descriptor
func (d TableDescriptor) Validate() error {
	if !identPattern.MatchString(d.Name) {
		return errors.Newf(errors.ErrorTypeValidation, "invalid table name %q", d.Name)
	}
	if d.Database != "" && !identPattern.MatchString(d.Database) {
		return errors.Newf(errors.ErrorTypeValidation, "invalid database name %q", d.Database)
	}
	if d.Schema.Len() == 0 {
		return errors.Newf(errors.ErrorTypeValidation, "table %s has no columns", d.QualifiedName())
	}
	for _, c := range d.Schema.Columns() {
		if !identPattern.MatchString(c.Name) {
			return errors.Newf(errors.ErrorTypeValidation, "table %s: invalid column name %q", d.QualifiedName(), c.Name)
		}
	}
	return nil
}

// Backend is a storage engine for one table kind. Backends are shared by
// all callers of a Dispatcher and must be safe for concurrent use.
type Backend interface {
	Kind() Kind
	Capabilities() CapabilitySet
	// Write inserts the rows of b. It either stores all of them or none.
	Write(ctx context.Context, desc TableDescriptor, b *batch.Batch) (int, error)
	// Append bulk-appends b. It either stores all of it or nothing.
	Append(ctx context.Context, desc TableDescriptor, b *batch.Batch) (int, error)
	// Scan reads the table back in batches bounded by budget
	Scan(ctx context.Context, desc TableDescriptor, budget int64) (reader.Reader, error)
	Drop(ctx context.Context, desc TableDescriptor) error
	Close(ctx context.Context) error
}

// Factory constructs the backend of one kind
type Factory func(ctx context.Context) (Backend, error)

// Unsupported returns the error backends report for operations outside
// their capabilities
func Unsupported(kind Kind, op Operation) error {
	return errors.Newf(errors.ErrorTypeUnsupported, "%s storage does not support %s", kind, op).
		WithDetail("kind", string(kind)).
		WithDetail("operation", op.String())
}

// Conform checks b against the expected schema of desc and returns it with
// its columns in descriptor order. A different column set or kind fails
// with a schema mismatch.
func Conform(desc TableDescriptor, b *batch.Batch) (*batch.Batch, error) {
	conformed, err := b.Conform(desc.Schema)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeSchemaMismatch, "batch does not match table %s", desc.QualifiedName()).
			WithDetail("table", desc.QualifiedName())
	}
	return conformed, nil
}
