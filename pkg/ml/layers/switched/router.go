// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package switched

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/switchedsr/pkg/ml/layers/convblocks"
	"github.com/gomlx/switchedsr/pkg/support/xtensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// TemperatureVariableName is the name of the non-trainable scalar variable holding the routing
	// temperature, created in the scope of each switch.
	TemperatureVariableName = "temperature"

	// ParamTemperature is the context hyperparameter that, if set, overrides the initial temperature
	// of switches created afterwards. SetTemperature sets it.
	ParamTemperature = "switched_temperature"

	// DefaultInitialTemperature is the temperature of new switches, unless configured otherwise.
	DefaultInitialTemperature = 10.0

	// MinTemperature is the floor of the temperature: at 1 routing is a plain softmax.
	MinTemperature = 1.0
)

// Route converts raw logits shaped `[batch, T, <spatial...>]` into attention weights with a
// softmax over the transforms axis (1), after dividing the logits by temperature, a scalar.
//
// The result is non-negative and sums to 1 over the transforms axis at every location. Higher
// temperatures make it closer to uniform.
func Route(logits, temperature *Node) *Node {
	if logits.Rank() < 2 {
		panicf(ErrShapeMismatch, "routing logits must be shaped [batch, transforms, ...], got %s", logits.Shape())
	}
	if !temperature.Shape().IsScalar() {
		panicf(ErrShapeMismatch, "routing temperature must be a scalar, got %s", temperature.Shape())
	}
	return Softmax(Div(logits, ConvertDType(temperature, logits.DType())), 1)
}

// AnnealedTemperature returns the temperature for a training step: it decays linearly from
// 1+initialTemperature at step 0 to 1 at finalStep, and stays at 1 afterwards.
func AnnealedTemperature(step, finalStep int, initialTemperature float64) float64 {
	if finalStep <= 0 {
		return MinTemperature
	}
	return math.Max(MinTemperature, 1+initialTemperature*float64(finalStep-step)/float64(finalStep))
}

// temperatureVariable returns the temperature variable in ctx's current scope, creating it with
// the initial value if it doesn't exist yet. ParamTemperature, if set, takes precedence over initial.
func temperatureVariable(ctx *context.Context, g *Graph, dtype dtypes.DType, initial float64) *Node {
	initial = context.GetParamOr(ctx, ParamTemperature, initial)
	v := ctx.WithInitializer(convblocks.Constant(initial)).
		VariableWithShape(TemperatureVariableName, shapes.Make(dtype)).
		SetTrainable(false)
	return v.ValueGraph(g)
}

// SetTemperature sets the temperature of every switch under ctx's scope, and sets ParamTemperature
// so switches created later start at the same temperature.
//
// It returns the number of switch variables updated, or an error wrapping ErrConfiguration if the
// temperature is below MinTemperature.
func SetTemperature(ctx *context.Context, temperature float64) (int, error) {
	if temperature < MinTemperature || math.IsNaN(temperature) {
		return 0, errors.Wrapf(ErrConfiguration, "temperature must be >= %g, got %g", MinTemperature, temperature)
	}
	ctx.SetParam(ParamTemperature, temperature)
	var count int
	for v := range ctx.IterVariablesInScope() {
		if v.Name() != TemperatureVariableName {
			continue
		}
		value, err := xtensors.FromScalarFloat(v.DType(), temperature)
		if err != nil {
			return count, errors.WithMessagef(err, "setting temperature of %q", v.ScopeAndName())
		}
		if err = v.SetValue(value); err != nil {
			return count, errors.WithMessagef(err, "setting temperature of %q", v.ScopeAndName())
		}
		count++
	}
	klog.V(2).Infof("switched: temperature set to %g on %d switches under %q", temperature, count, ctx.Scope())
	return count, nil
}

// Temperature returns the temperature of the first switch created under ctx's scope. If no
// switch was created yet, it returns the value of ParamTemperature, if set.
func Temperature(ctx *context.Context) (temperature float64, found bool) {
	for v := range ctx.IterVariablesInScope() {
		if v.Name() != TemperatureVariableName {
			continue
		}
		value, err := v.Value()
		if err != nil {
			continue
		}
		temperature, err = xtensors.ScalarFloat(value)
		if err != nil {
			klog.Warningf("switched: can't read temperature variable %q: %+v", v.ScopeAndName(), err)
			continue
		}
		return temperature, true
	}
	value, found := ctx.GetParam(ParamTemperature)
	if !found {
		return 0, false
	}
	temperature, ok := value.(float64)
	return temperature, ok
}
