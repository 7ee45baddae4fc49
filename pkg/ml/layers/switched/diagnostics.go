// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package switched

import (
	"fmt"
	"slices"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

const (
	// SpecificitySuffix is appended to the name of a recorded attention map for its specificity mean.
	SpecificitySuffix = "_specificity"

	// HistogramSuffix is appended to the name of a recorded attention map for its selection histogram.
	HistogramSuffix = "_histogram"
)

// Diagnostics collects named graph values (attention maps, specificities, statistics) while a model
// graph is built, so the caller can return them as extra outputs of the graph and map them back by
// name after execution.
//
// Create a new one for each graph being built. A nil *Diagnostics is valid and records nothing.
type Diagnostics struct {
	specificityWindow int
	names             []string
	nodes             []*Node
}

// NewDiagnostics creates an empty Diagnostics. specificityWindow is the window used by
// RecordAttention for AttentionSpecificity.
func NewDiagnostics(specificityWindow int) *Diagnostics {
	return &Diagnostics{specificityWindow: specificityWindow}
}

// Record value under name. Names must be unique.
func (d *Diagnostics) Record(name string, value *Node) {
	if d == nil {
		return
	}
	if slices.Contains(d.names, name) {
		panicf(ErrConfiguration, "diagnostic %q recorded twice", name)
	}
	d.names = append(d.names, name)
	d.nodes = append(d.nodes, StopGradient(value))
}

// RecordAttention records the attention map under name, along with its AttentionSpecificity mean
// and histogram, named with SpecificitySuffix and HistogramSuffix.
func (d *Diagnostics) RecordAttention(name string, attention *Node) {
	if d == nil {
		return
	}
	mean, histogram := AttentionSpecificity(attention, d.specificityWindow)
	d.Record(name, attention)
	d.Record(name+SpecificitySuffix, mean)
	d.Record(name+HistogramSuffix, histogram)
}

// Names of the recorded values, in the order they were recorded.
func (d *Diagnostics) Names() []string {
	if d == nil {
		return nil
	}
	return slices.Clone(d.names)
}

// Nodes returns the recorded values, in the same order as Names.
func (d *Diagnostics) Nodes() []*Node {
	if d == nil {
		return nil
	}
	return slices.Clone(d.nodes)
}

// Len returns the number of recorded values.
func (d *Diagnostics) Len() int {
	if d == nil {
		return 0
	}
	return len(d.nodes)
}

// Values maps diagnostic names to their values after execution.
type Values map[string]*tensors.Tensor

// Bind maps the executed values of the recorded nodes, given in the order of Nodes, to their names.
func Bind(names []string, values []*tensors.Tensor) (Values, error) {
	if len(names) != len(values) {
		return nil, errors.Errorf("diagnostics: %d names for %d values", len(names), len(values))
	}
	bound := make(Values, len(names))
	for ii, name := range names {
		bound[name] = values[ii]
	}
	return bound, nil
}

// Attention returns the attention map recorded under name, along with its specificity and histogram.
func (v Values) Attention(name string) (attention, specificity, histogram *tensors.Tensor, err error) {
	var found bool
	if attention, found = v[name]; !found {
		return nil, nil, nil, errors.Errorf("attention %q was not recorded", name)
	}
	specificity, histogram = v[name+SpecificitySuffix], v[name+HistogramSuffix]
	if specificity == nil || histogram == nil {
		return nil, nil, nil, errors.Errorf("attention %q was recorded without specificity", name)
	}
	return
}

// AttentionName returns the name under which the attention of the switch with the given index is
// recorded.
func AttentionName(switchIndex int) string {
	return fmt.Sprintf("switch_%d", switchIndex)
}
