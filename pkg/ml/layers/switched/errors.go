// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package switched

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrShapeMismatch is the error wrapped when an input rank, channel count or spatial dimension
	// doesn't match what a component expects.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrIndexOutOfBounds is the error wrapped when a gather index falls outside of its source.
	ErrIndexOutOfBounds = errors.New("index out of bounds")

	// ErrConfiguration is the error wrapped when a component is configured with inconsistent
	// transform counts, factors or channel counts.
	ErrConfiguration = errors.New("invalid configuration")
)

// panicf panics with kind wrapped with the formatted message, so it can be recovered with
// exceptions.TryCatch[error] and checked with errors.Is.
func panicf(kind error, format string, args ...any) {
	panic(errors.Wrap(kind, fmt.Sprintf(format, args...)))
}
