/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package gradients derives a backward pass from a forward operator net.
//
// Given an ordered list of netdef.OpDef records, GetBackwardPass produces a second
// ordered list of operator records that computes the gradients of the requested blobs,
// plus a map from every blob that accumulated a gradient to that gradient's blob name.
// The generated list is ready to be appended to (or run after) the forward list by the
// execution layer; this package never executes anything itself.
//
// Per-operator-type gradient formulas live in a registry: RegisterGradient associates a
// GradientDef with an operator type name, either one of the closed set of strategies
// (Direct, UseOutput, UseInput, NoGradient, the Add/Sub pass-throughs) or a Custom
// generator function. A handful of types (Add, Sub, Sum, StopGradient, ConstantFill)
// are built-in special cases consulted before the registry.
//
// The transformation is pure and deterministic: it holds no state between calls and is
// safe to invoke concurrently for independent inputs, as long as all RegisterGradient
// calls happen at initialization time.
package gradients

import (
	"fmt"

	"github.com/pkg/errors"
)

// Errors reported by GetBackwardPass. They are always wrapped with context about the
// offending operator and blob; test with errors.Is.
var (
	// ErrMissingGradientInput: a generator requires the gradient of every output of its
	// forward op, but at least one was absent.
	ErrMissingGradientInput = errors.New("gradient of an output is needed but was not provided")

	// ErrStaleBlobVersion: a gradient op needs a blob value that a later forward op
	// overwrote, so the value will no longer be resident when the backward pass runs.
	ErrStaleBlobVersion = errors.New("blob value needed for gradient has been overwritten")

	// ErrUnregisteredGradient: an operator on the gradient path has neither a registered
	// GradientDef nor a built-in special case.
	ErrUnregisteredGradient = errors.New("no gradient defined for operator type")

	// ErrSparseDenseMismatch: a blob receives both sparse and dense gradient
	// contributions; reconcile them explicitly with an EnsureDense op.
	ErrSparseDenseMismatch = errors.New("cannot accumulate a mix of sparse and dense gradients")
)

// Gradient identifies the gradient of one blob. It is either a Dense blob name, a
// Sparse (indices, values) blob-name pair, or nil, meaning no gradient is needed or
// available.
type Gradient interface {
	fmt.Stringer
	isGradient()
}

// Dense is the common case: the gradient of a blob is held in a single blob.
type Dense string

func (Dense) isGradient() {}

// String implements fmt.Stringer.
func (d Dense) String() string { return string(d) }

// Sparse is a gradient represented as an (indices, values) blob pair, produced by
// gather-style lookups that only touch a few rows of their input.
type Sparse struct {
	Indices string
	Values  string
}

func (Sparse) isGradient() {}

// String implements fmt.Stringer.
func (s Sparse) String() string {
	return fmt.Sprintf("sparse(indices=%s, values=%s)", s.Indices, s.Values)
}

// GradientRequest asks for the gradient of Blob. If Grad is nil the backward pass
// synthesizes a constant-one seed named "<Blob>_autogen_grad"; otherwise Grad names the
// externally provided seed gradient.
type GradientRequest struct {
	Blob string
	Grad Gradient
}

// GradientRequests builds auto-seeded requests for the given blobs.
func GradientRequests(blobs ...string) []GradientRequest {
	reqs := make([]GradientRequest, len(blobs))
	for i, blob := range blobs {
		reqs[i] = GradientRequest{Blob: blob}
	}
	return reqs
}

// gradName is the canonical gradient blob name for the latest version of a blob.
func gradName(blob string) string { return blob + "_grad" }

// gradNames applies gradName to a list of blobs, e.g. a forward op's inputs.
func gradNames(blobs []string) []string {
	names := make([]string, len(blobs))
	for i, blob := range blobs {
		names[i] = gradName(blob)
	}
	return names
}
