// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xtensors holds host-side helpers to move floating-point values in and out of
// tensors.Tensor, independent of the float dtype the model was built with.
package xtensors

import (
	"github.com/gomlx/compute/dtypes/float16"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// ToFloat64s returns a copy of the flat values of t converted to float64.
//
// It supports Float16, Float32 and Float64 tensors, and it returns an error for any other dtype.
func ToFloat64s(t *tensors.Tensor) ([]float64, error) {
	var out []float64
	var convErr error
	err := t.ConstFlatData(func(flat any) {
		switch data := flat.(type) {
		case []float32:
			out = convert[float32, float64](data)
		case []float64:
			out = convert[float64, float64](data)
		case []float16.Float16:
			out = make([]float64, len(data))
			for ii, v := range data {
				out[ii] = float64(v.Float32())
			}
		default:
			convErr = errors.Errorf("xtensors: unsupported dtype %s, want a float tensor", t.DType())
		}
	})
	if err != nil {
		return nil, err
	}
	return out, convErr
}

// ToFloat32s is like ToFloat64s, but returns float32 values.
func ToFloat32s(t *tensors.Tensor) ([]float32, error) {
	values, err := ToFloat64s(t)
	if err != nil {
		return nil, err
	}
	return convert[float64, float32](values), nil
}

// ScalarFloat returns the value of a scalar float tensor.
func ScalarFloat(t *tensors.Tensor) (float64, error) {
	if !t.Shape().IsScalar() {
		return 0, errors.Errorf("xtensors: expected a scalar tensor, got shape %s", t.Shape())
	}
	values, err := ToFloat64s(t)
	if err != nil {
		return 0, err
	}
	return values[0], nil
}

// FromScalarFloat creates a scalar tensor of the given float dtype holding value.
func FromScalarFloat(dtype dtypes.DType, value float64) (*tensors.Tensor, error) {
	switch dtype {
	case dtypes.Float32:
		return tensors.FromScalar(float32(value)), nil
	case dtypes.Float64:
		return tensors.FromScalar(value), nil
	case dtypes.Float16:
		return tensors.FromScalar(float16.FromFloat32(float32(value))), nil
	default:
		return nil, errors.Errorf("xtensors: unsupported dtype %s for a float scalar", dtype)
	}
}

func convert[From, To constraints.Float](values []From) []To {
	out := make([]To, len(values))
	for ii, v := range values {
		out[ii] = To(v)
	}
	return out
}

// ToInts returns a copy of the flat values of an integer tensor (Int32, Int64 or Int) as []int.
func ToInts(t *tensors.Tensor) ([]int, error) {
	var out []int
	var convErr error
	err := t.ConstFlatData(func(flat any) {
		switch data := flat.(type) {
		case []int32:
			out = convertInts(data)
		case []int64:
			out = convertInts(data)
		case []int:
			out = convertInts(data)
		default:
			convErr = errors.Errorf("xtensors: unsupported dtype %s, want an integer tensor", t.DType())
		}
	})
	if err != nil {
		return nil, err
	}
	return out, convErr
}

func convertInts[From constraints.Integer](data []From) []int {
	out := make([]int, len(data))
	for ii, v := range data {
		out[ii] = int(v)
	}
	return out
}
