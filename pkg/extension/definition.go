// Package extension resolves operators applied to batches during ingestion.
//
// Operators come from two places. Built-in operators are registered at init
// time under a qualified name and resolved with Loader.ResolveByName.
// Externally authored operators live in Starlark units on disk and are
// resolved with Loader.ResolveByLocation.
//
// A unit declares operators through the predeclared operator builtin:
//
//	def _apply(rows):
//	    return [{"id": r["id"], "label": "cat"} for r in rows]
//
//	detect = operator(
//	    name = "detect",
//	    apply = _apply,
//	    outputs = {"id": "int", "label": "string"},
//	)
//
// A global qualifies as a candidate only when it holds an operator created
// by the unit itself and its declared name equals the global's name.
// Operators brought in through load() and aliases of another binding never
// qualify.
package extension

import (
	"context"
	"fmt"

	"github.com/ajitpratap0/quasar/pkg/batch"
	"github.com/ajitpratap0/quasar/pkg/schema"
)

// Identity names a resolved definition. Registered operators carry a Name;
// file-located operators carry a Location and the Symbol they were bound to.
type Identity struct {
	Name     string
	Location string
	Symbol   string
}

func (id Identity) String() string {
	if id.Location == "" {
		return id.Name
	}
	return fmt.Sprintf("%s:%s", id.Location, id.Symbol)
}

// OperatorSpec describes what an operator produces and needs
type OperatorSpec struct {
	Name string
	// Outputs is the declared output schema. A zero schema means the
	// output follows the input, or is inferred from the first output row.
	Outputs     schema.Schema
	RequiresGPU bool
	Doc         string
}

// Definition is a resolved, invocable operator
type Definition interface {
	Identity() Identity
	Spec() OperatorSpec
	// Invoke applies the operator to in and returns a new batch
	Invoke(ctx context.Context, in *batch.Batch) (*batch.Batch, error)
}

// Operator is the implementation behind a registered name
type Operator interface {
	Spec() OperatorSpec
	Invoke(ctx context.Context, in *batch.Batch) (*batch.Batch, error)
}

// OperatorFunc is the body of a Go operator
type OperatorFunc func(ctx context.Context, in *batch.Batch) (*batch.Batch, error)

type funcOperator struct {
	spec OperatorSpec
	fn   OperatorFunc
}

// NewOperator wraps fn into an Operator described by spec
func NewOperator(spec OperatorSpec, fn OperatorFunc) Operator {
	return &funcOperator{spec: spec, fn: fn}
}

func (o *funcOperator) Spec() OperatorSpec { return o.spec }

func (o *funcOperator) Invoke(ctx context.Context, in *batch.Batch) (*batch.Batch, error) {
	return o.fn(ctx, in)
}
