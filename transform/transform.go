package transform

import (
	"context"
	"errors"
	"fmt"

	"github.com/baldanca/sales-etl/record"
)

// ErrDrop signals that a record was rejected by a transform and must be
// silently skipped. Callers check for it with errors.Is; any other error is
// fatal for the pipeline.
var ErrDrop = errors.New("record dropped")

// Transformer converts one value into another.
//
// Returning an error wrapping ErrDrop drops the input without failing the
// pipeline.
type Transformer[I, O any] interface {
	Transform(ctx context.Context, in I) (O, error)
}

// Func adapts a plain function to a Transformer.
type Func[I, O any] func(ctx context.Context, in I) (O, error)

func (f Func[I, O]) Transform(ctx context.Context, in I) (O, error) {
	return f(ctx, in)
}

// Chain composes two transformers into one. Drops and errors from either leg
// propagate unchanged.
func Chain[I, M, O any](a Transformer[I, M], b Transformer[M, O]) Transformer[I, O] {
	return Func[I, O](func(ctx context.Context, in I) (O, error) {
		mid, err := a.Transform(ctx, in)
		if err != nil {
			var zero O
			return zero, err
		}
		return b.Transform(ctx, mid)
	})
}

// ParseSales is the composite parse+validate stage: RawLine in, SalesRecord
// out. Malformed lines (wrong field count, non-positive or unparsable amount,
// bad timestamp) are dropped via ErrDrop.
type ParseSales struct{}

func (ParseSales) Transform(_ context.Context, in record.RawLine) (record.SalesRecord, error) {
	rec, err := record.Parse(in.Text)
	if err != nil {
		return record.SalesRecord{}, fmt.Errorf("%w: line %d: %v", ErrDrop, in.Number, err)
	}
	return rec, nil
}

// Enrich derives AmountUSD from a fixed FX rate. Pure, no failure modes.
type Enrich struct {
	FXRate float64
}

func (e Enrich) Transform(_ context.Context, in record.SalesRecord) (record.EnrichedRecord, error) {
	return record.Enrich(in, e.FXRate), nil
}

// SignificanceFilter keeps records with Amount strictly above Threshold and
// drops the rest.
type SignificanceFilter struct {
	Threshold float64
}

func (f SignificanceFilter) Transform(_ context.Context, in record.EnrichedRecord) (record.EnrichedRecord, error) {
	if in.Amount > f.Threshold {
		return in, nil
	}
	return record.EnrichedRecord{}, fmt.Errorf("%w: order %s below significance threshold", ErrDrop, in.OrderID)
}
