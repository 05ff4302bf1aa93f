// Package dag models an orchestration chain as a directed graph of steps.
//
// Steps are appended in declaration order and each new step depends on the
// previous one. The graph answers the bookkeeping questions the orchestrator
// needs once at build time: step sequence numbers, first/last flags and, for
// each step, which earlier step must be compensated when it fails.
package dag

import (
	"fmt"
	"strconv"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/encoding"
	"gonum.org/v1/gonum/graph/encoding/dot"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// NoStep is returned when no step satisfies a lookup.
const NoStep = -1

// Chain is a linear graph of orchestration steps.
type Chain struct {
	*simple.DirectedGraph
	name  string
	steps []*Step
}

// Step is a node in the chain.
type Step struct {
	graph.Node
	Name        string
	Sequence    int
	Compensable bool
}

// Attributes implements encoding.Attributer for DOT export.
func (s *Step) Attributes() []encoding.Attribute {
	attrs := []encoding.Attribute{
		{Key: "label", Value: strconv.Quote(fmt.Sprintf("%d: %s", s.Sequence, s.Name))},
	}
	if s.Compensable {
		attrs = append(attrs, encoding.Attribute{Key: "peripheries", Value: "2"})
	}
	return attrs
}

// New creates an empty chain.
func New(name string) *Chain {
	return &Chain{DirectedGraph: simple.NewDirectedGraph(), name: name}
}

// Append adds a step after the current last step and returns it.
func (c *Chain) Append(name string, compensable bool) *Step {
	step := &Step{
		Node:        c.NewNode(),
		Name:        name,
		Sequence:    len(c.steps),
		Compensable: compensable,
	}
	c.AddNode(step)
	if len(c.steps) > 0 {
		c.SetEdge(c.NewEdge(c.steps[len(c.steps)-1], step))
	}
	c.steps = append(c.steps, step)
	return step
}

// Len returns the number of steps.
func (c *Chain) Len() int {
	return len(c.steps)
}

// Step returns the step with the given sequence number.
func (c *Chain) Step(sequence int) (*Step, bool) {
	if sequence < 0 || sequence >= len(c.steps) {
		return nil, false
	}
	return c.steps[sequence], true
}

// IsFirst reports whether sequence is the first step.
func (c *Chain) IsFirst(sequence int) bool {
	return sequence == 0 && len(c.steps) > 0
}

// IsLast reports whether sequence is the last step.
func (c *Chain) IsLast(sequence int) bool {
	return len(c.steps) > 0 && sequence == len(c.steps)-1
}

// CompensationTarget walks the chain backwards from sequence and returns the
// sequence of the nearest strictly earlier compensable step, or NoStep.
func (c *Chain) CompensationTarget(sequence int) int {
	step, ok := c.Step(sequence)
	if !ok {
		return NoStep
	}
	for {
		prev := c.To(step.ID())
		if !prev.Next() {
			return NoStep
		}
		step = prev.Node().(*Step)
		if step.Compensable {
			return step.Sequence
		}
	}
}

// CompensationTargets returns CompensationTarget for every step, indexed by
// sequence.
func (c *Chain) CompensationTargets() []int {
	targets := make([]int, len(c.steps))
	for i := range c.steps {
		targets[i] = c.CompensationTarget(i)
	}
	return targets
}

// Validate checks that the chain is acyclic and that its topological order
// matches declaration order.
func (c *Chain) Validate() error {
	if len(c.steps) == 0 {
		return fmt.Errorf("chain %q has no steps", c.name)
	}
	sorted, err := topo.Sort(c)
	if err != nil {
		return fmt.Errorf("chain %q: %w", c.name, err)
	}
	for i, n := range sorted {
		if n.(*Step).Sequence != i {
			return fmt.Errorf("chain %q: step %q out of order", c.name, n.(*Step).Name)
		}
	}
	return nil
}

// ExportToDot exports the chain to Graphviz .dot format.
func (c *Chain) ExportToDot() (string, error) {
	data, err := dot.Marshal(c, strconv.Quote(c.name), "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to export chain to DOT format: %w", err)
	}
	return string(data), nil
}
