package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/speakeasy-api/tracetype"
	"github.com/speakeasy-api/tracetype/pkg/schemalattice"
	"github.com/speakeasy-api/tracetype/propagate"
	"github.com/speakeasy-api/tracetype/replay"
)

type preset struct {
	name   string
	config propagate.PrecisionConfig
}

func main() {
	precisionPath := flag.String("precision", "", "YAML precision config; runs every preset when empty")
	logLevel := flag.String("log", "warn", "log level: error, warn, info, debug")
	flag.Parse()

	presets := []preset{
		{"precise", propagate.Precise()},
		{"flow-insensitive", propagate.FlowInsensitive()},
		{"context-insensitive", propagate.ContextInsensitive()},
		{"callstring(1)", propagate.CallString(1)},
		{"parameter-types(1)", propagate.ParameterTypes(1)},
	}
	if *precisionPath != "" {
		config, err := propagate.LoadPrecisionConfig(*precisionPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		presets = []preset{{*precisionPath, config}}
	}

	trace := sampleTrace()
	opts := propagate.DefaultOptions()
	opts.LogLevel = *logLevel
	opts.Replay.LogLevel = *logLevel

	concrete, err := replay.Run(context.Background(), trace, opts.Replay)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Replay error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("replayed %d statements: %d instances, %d variables\n",
		len(trace.Statements), len(concrete.Instances()), concrete.Len())

	lat := schemalattice.New()
	asc := lat.Ascriber(concrete.Store)
	values := propagate.ValueTypeConfig{Lattice: lat, Ascribe: asc.Ascribe, AlternateAscribe: asc.AscribeShallow}

	for _, p := range presets {
		fmt.Printf("\n=== %s ===\n", p.name)
		res, err := propagate.Propagate(context.Background(), concrete, values, p.config, opts)
		if err != nil {
			fmt.Printf("Propagation error: %v\n", err)
			continue
		}
		fmt.Printf("rounds: %d, live: %d, dead: %d\n", res.Rounds, res.Live.Size(), res.Dead.Size())
		for _, v := range res.PropagatedEnv.Variables() {
			t, _ := res.PropagatedEnv.Lookup(v)
			fmt.Printf("  %-16s %s\n", v, t)
		}
		if err := res.Recovery.Render(os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		for _, w := range res.Warnings {
			fmt.Printf("warning: %s\n", w)
		}
	}
}

// sampleTrace records
//
//	function Point(x) { this.x = x }
//	var a = new Point(1)
//	var b = new Point("one")
//	var v = a.x
func sampleTrace() *tracetype.Trace {
	top := tracetype.ScopeID{Function: 1, Call: 0}
	point := tracetype.NamedVar("Point", 2, top)
	a := tracetype.NamedVar("a", 3, top)
	b := tracetype.NamedVar("b", 4, top)
	v := tracetype.NamedVar("v", 5, top)
	one := tracetype.TempVar(6, top)
	str := tracetype.TempVar(7, top)

	var stmts []tracetype.Statement
	stmts = append(stmts,
		&tracetype.Info{ID: 1, Info: tracetype.InfoFunctionEnter, Scope: top},
		&tracetype.Info{ID: 2, Info: tracetype.InfoNextNewIsFunction},
		&tracetype.Write{ID: 2, Target: point, Expr: &tracetype.New{}},
		&tracetype.Write{ID: 6, Target: one, Expr: &tracetype.PrimitiveExpression{Primitive: tracetype.PrimNumber}},
	)
	construct := func(call int, arg, target tracetype.Variable) {
		scope := tracetype.ScopeID{Function: 20, Call: call}
		this := tracetype.NamedVar("this", 21, scope)
		x := tracetype.NamedVar("x", 22, scope)
		stmts = append(stmts,
			&tracetype.Info{ID: 10, Info: tracetype.InfoFunctionInvocation, Call: &tracetype.Invocation{
				Callee: point, Receiver: point, Args: []tracetype.Variable{arg}, Constructor: true,
			}},
			&tracetype.Info{ID: 20, Info: tracetype.InfoFunctionEnter, Scope: scope},
			&tracetype.Write{ID: 21, Target: this, Expr: &tracetype.New{}},
			&tracetype.Write{ID: 22, Target: x, Expr: &tracetype.Read{Var: arg}},
			&tracetype.FieldWrite{ID: 23, Base: this, Property: "x", Value: x},
			&tracetype.Info{ID: 24, Info: tracetype.InfoFunctionReturn, Result: this},
			&tracetype.Write{ID: target.Site, Target: target, Expr: &tracetype.Read{Var: this}},
		)
	}
	construct(0, one, a)
	stmts = append(stmts,
		&tracetype.Write{ID: 7, Target: str, Expr: &tracetype.PrimitiveExpression{Primitive: tracetype.PrimString}},
	)
	construct(1, str, b)
	stmts = append(stmts,
		&tracetype.Write{ID: 5, Target: v, Expr: &tracetype.FieldRead{Base: a, Property: "x"}},
	)

	return &tracetype.Trace{
		Statements: stmts,
		Locations: map[tracetype.InstructionID]tracetype.SourceLocation{
			2:  {File: "point.js", Line: 1, Column: 1},
			3:  {File: "point.js", Line: 2, Column: 5},
			4:  {File: "point.js", Line: 3, Column: 5},
			5:  {File: "point.js", Line: 4, Column: 5},
			21: {File: "point.js", Line: 1, Column: 20},
			23: {File: "point.js", Line: 1, Column: 22},
		},
	}
}
