// Package operators registers the built-in operators with the default
// extension registry. Import it for its side effects:
//
//	import _ "github.com/ajitpratap0/quasar/pkg/operators"
package operators

import (
	"context"
	"fmt"
	"strings"

	"github.com/ajitpratap0/quasar/pkg/batch"
	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/extension"
	"github.com/ajitpratap0/quasar/pkg/reader"
	"github.com/ajitpratap0/quasar/pkg/schema"
)

// Registered names
const (
	Identity   = "builtin.identity"
	Dedupe     = "builtin.dedupe"
	FrameStats = "builtin.frame_stats"
)

func init() {
	extension.MustRegister(Identity, newIdentity)
	extension.MustRegister(Dedupe, newDedupe)
	extension.MustRegister(FrameStats, newFrameStats)
}

func newIdentity() (extension.Operator, error) {
	return extension.NewOperator(extension.OperatorSpec{
		Name: Identity,
		Doc:  "returns its input unchanged",
	}, func(ctx context.Context, in *batch.Batch) (*batch.Batch, error) {
		return in, nil
	}), nil
}

func newDedupe() (extension.Operator, error) {
	return extension.NewOperator(extension.OperatorSpec{
		Name: Dedupe,
		Doc:  "drops rows equal to an earlier row of the same batch",
	}, dedupe), nil
}

func dedupe(ctx context.Context, in *batch.Batch) (*batch.Batch, error) {
	seen := make(map[string]struct{}, in.Len())
	b := batch.NewBuilder(in.Schema())
	var err error
	in.Each(func(i int, row []interface{}) bool {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = errors.FromContext(ctxErr, "dedupe interrupted")
			return false
		}
		key := rowKey(row)
		if _, dup := seen[key]; dup {
			return true
		}
		seen[key] = struct{}{}
		err = b.Add(row)
		return err == nil
	})
	if err != nil {
		return nil, err
	}
	return b.Build(), nil
}

func rowKey(row []interface{}) string {
	var sb strings.Builder
	for _, v := range row {
		if v == nil {
			sb.WriteString("\x00n")
			continue
		}
		fmt.Fprintf(&sb, "\x00%T:%v", v, v)
	}
	return sb.String()
}

var frameStatsSchema = schema.MustNew(
	schema.Column{Name: reader.FrameID, Kind: schema.KindInt},
	schema.Column{Name: "bytes", Kind: schema.KindInt},
)

func newFrameStats() (extension.Operator, error) {
	return extension.NewOperator(extension.OperatorSpec{
		Name:    FrameStats,
		Outputs: frameStatsSchema,
		Doc:     "reports the payload size of each frame",
	}, frameStats), nil
}

func frameStats(ctx context.Context, in *batch.Batch) (*batch.Batch, error) {
	ids, err := in.Column(reader.FrameID)
	if err != nil {
		return nil, err
	}
	data, err := in.Column(reader.FrameData)
	if err != nil {
		return nil, err
	}
	b := batch.NewBuilder(frameStatsSchema)
	for i := range ids {
		var size interface{}
		if payload, ok := data[i].([]byte); ok {
			size = int64(len(payload))
		}
		if err := b.Add([]interface{}{ids[i], size}); err != nil {
			return nil, err
		}
	}
	return b.Build(), nil
}
