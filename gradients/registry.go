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

package gradients

import (
	"slices"
	"sort"

	. "github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"

	"github.com/gomlx/netgrad/netdef"
)

// GradientFunc generates the gradient ops for one forward operator.
//
// gOutputs has one entry per forward output: the gradient blob of that output, or nil
// when no gradient is needed or available for it. The function returns the new gradient
// operator records (possibly none) and one Gradient per forward input (nil entries mean
// the input receives no gradient through this op).
//
// Implementations must not retain or mutate op, and must not forward-reference blobs:
// every blob a returned record reads must be a forward blob still holding the version
// the record needs, a gOutputs name, or an output of an earlier returned record.
// On contract violations they panic with an error (see Errors above); the panic is
// converted to an error by GetBackwardPass.
type GradientFunc func(op *netdef.OpDef, gOutputs []Gradient) (gradOps []*netdef.OpDef, gInputs []Gradient)

// Strategy enumerates the closed set of gradient-generation patterns. Everything that
// doesn't fit one of the fixed patterns uses StrategyCustom with a GradientFunc.
type Strategy int

//go:generate go tool enumer -type=Strategy -trimprefix=Strategy -output=gen_strategy_enumer.go registry.go

const (
	// StrategyCustom delegates to GradientDef.Func.
	StrategyCustom Strategy = iota

	// StrategyDirect emits GradOpType(outputs_grad -> inputs_grad). All output
	// gradients are required.
	StrategyDirect

	// StrategyUseOutput emits GradOpType(outputs + outputs_grad -> inputs_grad), for
	// ops whose gradient is computed from their output value (e.g. activations).
	StrategyUseOutput

	// StrategyUseInput emits GradOpType(inputs + outputs_grad -> inputs_grad), for ops
	// whose gradient needs the pre-transform value.
	StrategyUseInput

	// StrategyNoGradient blocks gradient flow: no ops, all-nil input gradients.
	StrategyNoGradient

	// StrategyPassThroughAdd forwards the output gradient unchanged to every input,
	// eliding any gradient op. Used by Add and Sum.
	StrategyPassThroughAdd

	// StrategyPassThroughSub forwards the output gradient to the first input and emits
	// a single Neg for the second.
	StrategyPassThroughSub
)

// GradientDef describes how to differentiate one operator type. Build values with
// Direct, UseOutput, UseInput, NoGradient or Custom.
type GradientDef struct {
	Strategy Strategy

	// GradOpType names the operator emitted by Direct/UseOutput/UseInput.
	GradOpType string

	// Func implements StrategyCustom.
	Func GradientFunc
}

// Direct declares op(inputs -> outputs) to have gradient
// gradOpType(outputs_grad -> inputs_grad).
func Direct(gradOpType string) GradientDef {
	return GradientDef{Strategy: StrategyDirect, GradOpType: gradOpType}
}

// UseOutput declares a gradient computed from the forward op's output values:
// gradOpType(outputs + outputs_grad -> inputs_grad).
func UseOutput(gradOpType string) GradientDef {
	return GradientDef{Strategy: StrategyUseOutput, GradOpType: gradOpType}
}

// UseInput declares a gradient computed from the forward op's input values:
// gradOpType(inputs + outputs_grad -> inputs_grad).
func UseInput(gradOpType string) GradientDef {
	return GradientDef{Strategy: StrategyUseInput, GradOpType: gradOpType}
}

// NoGradient declares that the operator type blocks gradient flow.
func NoGradient() GradientDef {
	return GradientDef{Strategy: StrategyNoGradient}
}

// Custom declares a free-form generator.
func Custom(fn GradientFunc) GradientDef {
	return GradientDef{Strategy: StrategyCustom, Func: fn}
}

// registry holds the user-extensible operator type -> GradientDef mapping. Registration
// happens at init time; afterwards the map is read-only, so no locking.
var registry = map[string]GradientDef{}

// builtinGradients are the special cases the backward pass recognizes independently of
// the registry, and before it: a registration under one of these names is never
// consulted. StopGradient always truncates flow; ConstantFill sources no gradient;
// Add/Sum/Sub gradients are pure relabelings of the output gradient, elided into
// accumulation candidates instead of materializing trivial ops.
var builtinGradients = map[string]GradientDef{
	"Add":          {Strategy: StrategyPassThroughAdd},
	"Sum":          {Strategy: StrategyPassThroughAdd},
	"Sub":          {Strategy: StrategyPassThroughSub},
	"StopGradient": {Strategy: StrategyNoGradient},
	"ConstantFill": {Strategy: StrategyNoGradient},
}

// RegisterGradient associates a GradientDef with an operator type name. It panics if the
// type already has a registration: gradient formulas are global and registering twice is
// a programming error, not a condition to resolve at runtime.
func RegisterGradient(opType string, def GradientDef) {
	if _, found := registry[opType]; found {
		Panicf("gradients: RegisterGradient(%q) called twice", opType)
	}
	if def.Strategy == StrategyCustom && def.Func == nil {
		Panicf("gradients: RegisterGradient(%q) with StrategyCustom requires a Func", opType)
	}
	registry[opType] = def
}

// HasGradient reports whether opType can be differentiated, through a builtin special
// case or a registration.
func HasGradient(opType string) bool {
	if _, found := builtinGradients[opType]; found {
		return true
	}
	_, found := registry[opType]
	return found
}

// Lookup returns the GradientDef for an operator type, builtin special cases first. It
// fails with ErrUnregisteredGradient if the type cannot be differentiated.
func Lookup(opType string) (GradientDef, error) {
	if def, found := builtinGradients[opType]; found {
		return def, nil
	}
	if def, found := registry[opType]; found {
		return def, nil
	}
	known := maps.Keys(registry)
	known = append(known, maps.Keys(builtinGradients)...)
	sort.Strings(known)
	return GradientDef{}, errors.Wrapf(ErrUnregisteredGradient,
		"operator type %q (known types: %v)", opType, known)
}

// gradientsForOp dispatches to the generator for op, then normalizes the result:
// every generated record inherits op's device and engine tags verbatim and is marked
// IsGradientOp. Panics (with an error) on any generator contract violation.
func gradientsForOp(op *netdef.OpDef, gOutputs []Gradient) ([]*netdef.OpDef, []Gradient) {
	def, err := Lookup(op.Type)
	if err != nil {
		panic(err)
	}

	var gradOps []*netdef.OpDef
	var gInputs []Gradient
	switch def.Strategy {
	case StrategyDirect:
		grads := needAll(op, gOutputs)
		gradOps = []*netdef.OpDef{netdef.New(def.GradOpType, denseNames(op, grads), gradNames(op.Inputs))}
		gInputs = denseGradients(gradNames(op.Inputs))
	case StrategyUseOutput:
		grads := needAll(op, gOutputs)
		inputs := append(slices.Clone(op.Outputs), denseNames(op, grads)...)
		gradOps = []*netdef.OpDef{netdef.New(def.GradOpType, inputs, gradNames(op.Inputs))}
		gInputs = denseGradients(gradNames(op.Inputs))
	case StrategyUseInput:
		grads := needAll(op, gOutputs)
		inputs := append(slices.Clone(op.Inputs), denseNames(op, grads)...)
		gradOps = []*netdef.OpDef{netdef.New(def.GradOpType, inputs, gradNames(op.Inputs))}
		gInputs = denseGradients(gradNames(op.Inputs))
	case StrategyNoGradient:
		gInputs = make([]Gradient, len(op.Inputs))
	case StrategyPassThroughAdd:
		g := needAll(op, gOutputs)[0]
		gInputs = make([]Gradient, len(op.Inputs))
		for i := range gInputs {
			gInputs[i] = g
		}
	case StrategyPassThroughSub:
		gradOps, gInputs = passThroughSub(op, gOutputs)
	case StrategyCustom:
		gradOps, gInputs = def.Func(op, gOutputs)
	default:
		Panicf("gradients: operator type %q registered with invalid strategy %s", op.Type, def.Strategy)
	}

	if len(gInputs) != len(op.Inputs) {
		Panicf("gradients: generator for %q returned %d input gradients, but the op has %d inputs",
			op.Type, len(gInputs), len(op.Inputs))
	}
	for i, gradOp := range gradOps {
		gradOp = gradOp.AsGradientOp()
		if op.Device != nil {
			gradOp.Device = op.Device.Clone()
		}
		if op.Engine != "" && gradOp.Engine == "" {
			gradOp.Engine = op.Engine
		}
		gradOps[i] = gradOp
	}
	return gradOps, gInputs
}

// passThroughSub forwards the output gradient to the minuend and negates it for the
// subtrahend. Only the Neg is materialized; the forwarded name becomes a zero-cost
// accumulation candidate upstream.
func passThroughSub(op *netdef.OpDef, gOutputs []Gradient) ([]*netdef.OpDef, []Gradient) {
	if len(op.Inputs) != 2 {
		Panicf("gradients: %s expects exactly 2 inputs, got %d", op.Type, len(op.Inputs))
	}
	g := needAll(op, gOutputs)[0]
	dense, ok := g.(Dense)
	if !ok {
		Panicf("gradients: %s cannot back-propagate a sparse gradient (%s)", op.Type, g)
	}
	negated := gradName(op.Inputs[1])
	neg := netdef.New("Neg", []string{string(dense)}, []string{negated})
	return []*netdef.OpDef{neg}, []Gradient{dense, Dense(negated)}
}

// needAll asserts that every output of op received a gradient, the canonical contract
// of elementwise/direct generators.
func needAll(op *netdef.OpDef, gOutputs []Gradient) []Gradient {
	for i, g := range gOutputs {
		if g == nil {
			panic(errors.Wrapf(ErrMissingGradientInput,
				"operator %s needs the gradient of output %q", op, op.Outputs[i]))
		}
	}
	return gOutputs
}

// denseNames extracts the blob names of dense gradients, for strategies that cannot
// consume sparse pairs.
func denseNames(op *netdef.OpDef, grads []Gradient) []string {
	names := make([]string, len(grads))
	for i, g := range grads {
		dense, ok := g.(Dense)
		if !ok {
			Panicf("gradients: generator for %q only accepts dense output gradients, output %q got %s",
				op.Type, op.Outputs[i], g)
		}
		names[i] = string(dense)
	}
	return names
}

func denseGradients(names []string) []Gradient {
	grads := make([]Gradient, len(names))
	for i, name := range names {
		grads[i] = Dense(name)
	}
	return grads
}
