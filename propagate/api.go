// Package propagate infers abstract types for the variables of a trace. It
// replays the trace abstractly over an external type lattice, seeded with the
// types of the concrete values each variable held, until a fixpoint.
package propagate

import (
	"context"
	"fmt"

	"github.com/speakeasy-api/tracetype"
	"github.com/speakeasy-api/tracetype/replay"
)

// Run replays trace concretely and propagates types over the result.
//
// Example:
//
//	lat := schemalattice.New()
//	values := propagate.ValueTypeConfig{Lattice: lat, Ascribe: lat.Ascriber(store).Ascribe}
//	result, err := propagate.Run(context.Background(), trace, values, propagate.FlowInsensitive())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	t, _ := result.PropagatedEnv.Lookup(v)
//
// Values usually needs the heap of the concrete replay; callers that ascribe
// instances run replay.Run themselves and call Propagate.
func Run(ctx context.Context, trace *tracetype.Trace, values ValueTypeConfig, precision PrecisionConfig, opts ...Options) (*Result, error) {
	opt := DefaultOptions()
	if len(opts) > 0 {
		opt = opts[0]
	}

	replayOpts := opt.Replay
	if replayOpts.Logger == nil {
		replayOpts.Logger = opt.Logger
	}
	concrete, err := replay.Run(ctx, trace, replayOpts)
	if err != nil {
		return nil, fmt.Errorf("concrete replay failed: %w", err)
	}

	return Propagate(ctx, concrete, values, precision, opt)
}

// Propagate runs abstract propagation over a concrete replay.
func Propagate(ctx context.Context, concrete *replay.Result, values ValueTypeConfig, precision PrecisionConfig, opts ...Options) (*Result, error) {
	opt := DefaultOptions()
	if len(opts) > 0 {
		opt = opts[0]
	}
	if err := validateOptions(opt); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	if concrete == nil {
		return nil, fmt.Errorf("concrete result cannot be nil")
	}

	e, err := newEngine(ctx, concrete, values, precision, opt)
	if err != nil {
		return nil, err
	}
	return e.execute()
}

func validateOptions(o Options) error {
	if o.MaxRounds < 1 {
		return fmt.Errorf("MaxRounds must be positive, got %d", o.MaxRounds)
	}
	if o.OscillationThreshold < 0 {
		return fmt.Errorf("OscillationThreshold must not be negative, got %d", o.OscillationThreshold)
	}
	return nil
}
