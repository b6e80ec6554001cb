package indicator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// ErrCyclicDependency is returned when the registered dependency graph
// contains a cycle. No indicator runs in that case.
var ErrCyclicDependency = errors.New("cyclic indicator dependency")

// DAG executes registered indicators in dependency order
type DAG struct {
	logger zerolog.Logger

	mu         sync.Mutex
	nodes      map[Type]Indicator
	deps       map[Type][]Type
	order      []Type // memoized topological order
	orderValid bool
}

// NewDAG creates an empty indicator graph
func NewDAG(logger zerolog.Logger) *DAG {
	return &DAG{
		logger: logger,
		nodes:  make(map[Type]Indicator),
		deps:   make(map[Type][]Type),
	}
}

// Register adds an indicator with its dependencies. Re-registration replaces
// the node and invalidates the memoized execution order.
func (d *DAG) Register(ind Indicator, dependencies ...Type) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t := ind.Type()
	d.nodes[t] = ind
	d.deps[t] = append([]Type(nil), dependencies...)
	d.orderValid = false

	d.logger.Debug().
		Str("indicator", string(t)).
		Int("dependencies", len(dependencies)).
		Msg("Registered indicator")
}

// Registered returns the registered indicator types
func (d *DAG) Registered() []Type {
	d.mu.Lock()
	defer d.mu.Unlock()

	types := make([]Type, 0, len(d.nodes))
	for t := range d.nodes {
		types = append(types, t)
	}
	return types
}

// Indicator returns the registered node for a type
func (d *DAG) Indicator(t Type) (Indicator, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ind, ok := d.nodes[t]
	return ind, ok
}

// ExecutionOrder returns the memoized topological order over all registered
// indicators, computing it on first use. Unknown dependencies are skipped
// with a warning; a cycle yields ErrCyclicDependency.
func (d *DAG) ExecutionOrder() ([]Type, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.executionOrderLocked()
}

func (d *DAG) executionOrderLocked() ([]Type, error) {
	if d.orderValid {
		return d.order, nil
	}

	const (
		unvisited = 0
		onStack   = 1
		done      = 2
	)
	state := make(map[Type]int, len(d.nodes))
	order := make([]Type, 0, len(d.nodes))

	var visit func(t Type) error
	visit = func(t Type) error {
		switch state[t] {
		case done:
			return nil
		case onStack:
			return fmt.Errorf("%w: %s", ErrCyclicDependency, t)
		}
		state[t] = onStack

		for _, dep := range d.deps[t] {
			if _, ok := d.nodes[dep]; !ok {
				d.logger.Warn().
					Str("indicator", string(t)).
					Str("dependency", string(dep)).
					Msg("Unknown indicator dependency, skipping")
				continue
			}
			if err := visit(dep); err != nil {
				return err
			}
		}

		state[t] = done
		order = append(order, t)
		return nil
	}

	// Deterministic iteration keeps the memoized order stable
	for _, t := range sortedTypes(d.nodes) {
		if err := visit(t); err != nil {
			return nil, err
		}
	}

	d.order = order
	d.orderValid = true
	return order, nil
}

// Run executes the graph over the given data. requested limits execution to
// those indicators and their transitive dependencies; nil runs everything.
// A node error is isolated: its result carries the error string and the run
// continues.
func (d *DAG) Run(ctx context.Context, data *Data, requested []Type) (map[Type]Result, error) {
	d.mu.Lock()
	order, err := d.executionOrderLocked()
	if err != nil {
		d.mu.Unlock()
		return nil, err
	}
	required := d.requiredSetLocked(requested)
	nodes := make(map[Type]Indicator, len(d.nodes))
	for t, ind := range d.nodes {
		nodes[t] = ind
	}
	d.mu.Unlock()

	for _, t := range order {
		if !required[t] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		ind := nodes[t]
		value, calcErr := ind.Calculate(ctx, data)
		if calcErr != nil {
			d.logger.Error().
				Err(calcErr).
				Str("indicator", string(t)).
				Str("symbol", data.Symbol).
				Str("timeframe", data.Timeframe).
				Msg("Indicator calculation failed, isolating")
			data.store(t, Result{Error: calcErr.Error()})
			continue
		}
		data.store(t, Result{Value: value})
	}

	return data.Results(), nil
}

// requiredSetLocked expands requested over dependencies. A nil request
// selects every registered indicator.
func (d *DAG) requiredSetLocked(requested []Type) map[Type]bool {
	required := make(map[Type]bool, len(d.nodes))
	if requested == nil {
		for t := range d.nodes {
			required[t] = true
		}
		return required
	}

	var add func(t Type)
	add = func(t Type) {
		if required[t] {
			return
		}
		if _, ok := d.nodes[t]; !ok {
			return
		}
		required[t] = true
		for _, dep := range d.deps[t] {
			add(dep)
		}
	}
	for _, t := range requested {
		add(t)
	}
	return required
}

func sortedTypes(nodes map[Type]Indicator) []Type {
	types := make([]Type, 0, len(nodes))
	for t := range nodes {
		types = append(types, t)
	}
	for i := 1; i < len(types); i++ {
		for j := i; j > 0 && types[j] < types[j-1]; j-- {
			types[j], types[j-1] = types[j-1], types[j]
		}
	}
	return types
}
