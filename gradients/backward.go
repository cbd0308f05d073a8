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

	. "github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/gomlx/netgrad/netdef"
	"github.com/gomlx/netgrad/types"
)

// backwardBuilder holds the state of one GetBackwardPass call: the versioned replay of
// the forward ops, the gradient ops emitted so far, and the blob-to-gradient mapping
// as it evolves during the reverse walk.
type backwardBuilder struct {
	// Forward net, replayed into versioned records.
	ssa      []ssaOp
	frontier map[string]int
	known    types.Set[string]

	// inputUsages[blob][version] lists the forward ops reading that version, in
	// program order. A requested blob gets a pseudo-usage at index len(ssa).
	inputUsages map[string]map[int][]int

	// gradientFrontier[blob] is the forward version whose gradient is currently
	// being propagated for blob.
	gradientFrontier map[string]int

	// generators[blob][version] collects accumulation candidates.
	generators map[string]map[int][]gradGen

	// Emitted gradient ops and the current blob-to-gradient mapping.
	gradOps     []*netdef.OpDef
	inputToGrad map[string]Gradient
}

func newBackwardBuilder(ops []*netdef.OpDef) *backwardBuilder {
	b := &backwardBuilder{
		frontier:         make(map[string]int),
		known:            types.MakeSet[string](),
		inputUsages:      make(map[string]map[int][]int),
		gradientFrontier: make(map[string]int),
		generators:       make(map[string]map[int][]gradGen),
		inputToGrad:      make(map[string]Gradient),
	}
	for _, op := range ops {
		b.play(op)
	}
	return b
}

// GetBackwardPass builds the gradient ops for the given forward ops, for the requested
// blobs. A request with a nil gradient gets an auto-generated all-ones seed named
// "<blob>_autogen_grad"; a non-nil gradient is used as the seed directly.
//
// It returns the gradient ops, in the order they must run after the forward ops, and
// the mapping from every forward blob that received a gradient to its gradient blob(s).
//
// Requests are processed in order, so the returned ops are deterministic. Errors from
// malformed nets, unregistered op types or irreconcilable sparse/dense contributions
// are returned wrapped; invalid API usage (duplicate requests, gradients requested for
// blobs the net never writes) panics inside and is also returned as an error.
func GetBackwardPass(ops []*netdef.OpDef, requests []GradientRequest) ([]*netdef.OpDef, map[string]Gradient, error) {
	b := newBackwardBuilder(ops)
	err := TryCatch[error](func() { b.run(requests) })
	if err != nil {
		return nil, nil, err
	}
	grads := make(map[string]Gradient, len(b.inputToGrad))
	for blob, g := range b.inputToGrad {
		if g != nil {
			grads[blob] = g
		}
	}
	return b.gradOps, grads, nil
}

// AddGradientOperators is a convenience wrapper of GetBackwardPass that appends the
// gradient ops to the net.
func AddGradientOperators(net *netdef.NetDef, requests []GradientRequest) (map[string]Gradient, error) {
	gradOps, grads, err := GetBackwardPass(net.Ops, requests)
	if err != nil {
		return nil, err
	}
	net.Ops = append(net.Ops, gradOps...)
	return grads, nil
}

func (b *backwardBuilder) run(requests []GradientRequest) {
	b.seed(requests)
	for i := len(b.ssa) - 1; i >= 0; i-- {
		b.step(i)
		b.accumulate(i)
	}
}

// seed registers the requested gradients, synthesizing ConstantFill seeds where the
// caller did not provide one, and marks the requested blobs as used one past the end of
// the net so accumulation also triggers for blobs whose last version is read nowhere.
func (b *backwardBuilder) seed(requests []GradientRequest) {
	seen := types.MakeSet[string]()
	for _, req := range requests {
		if !b.known.Has(req.Blob) {
			Panicf("gradients: gradient requested for blob %q, which no op in the net writes", req.Blob)
		}
		if seen.Has(req.Blob) {
			Panicf("gradients: gradient requested twice for blob %q", req.Blob)
		}
		seen.Insert(req.Blob)
		version := b.frontier[req.Blob]
		b.addUsage(req.Blob, version, len(b.ssa))
		// Seeds participate in accumulation like any other contribution, so a request
		// for a blob the net also reads downstream adds to, not replaces, the gradient
		// flowing back into it.
		switch g := req.Grad.(type) {
		case nil:
			seedOp := netdef.New("ConstantFill",
				[]string{req.Blob}, []string{req.Blob + "_autogen_grad"},
				netdef.FloatArg("value", 1.0))
			b.gradOps = append(b.gradOps, seedOp)
			req.Grad = Dense(seedOp.Outputs[0])
			b.appendGen(req.Blob, version,
				denseGen{opIdx: len(b.gradOps) - 1, outIdx: 0, grad: req.Grad.(Dense)})
		case Dense:
			b.appendGen(req.Blob, version, denseGen{opIdx: -1, grad: g})
		case Sparse:
			b.appendGen(req.Blob, version, sparseGen{indicesOpIdx: -1, valuesOpIdx: -1, grad: g})
		}
		g := req.Grad
		b.inputToGrad[req.Blob] = g
		b.gradientFrontier[req.Blob] = version
		klog.V(2).Infof("seeded gradient %s for blob %q (version %d)", g, req.Blob, version)
	}
}

// step runs the generator for forward op i and folds the resulting input gradients into
// the blob-to-gradient mapping.
func (b *backwardBuilder) step(i int) {
	op := b.ssa[i].op
	gOutputs := make([]Gradient, len(op.Outputs))
	anyGrad := false
	for k, out := range op.Outputs {
		gOutputs[k] = b.inputToGrad[out]
		if gOutputs[k] != nil {
			anyGrad = true
		}
	}
	if !anyGrad {
		klog.V(2).Infof("skipping %s: no output carries a gradient", op)
		return
	}
	opsStart := len(b.gradOps)
	gradOps, gInputs := gradientsForOp(op, gOutputs)
	b.gradOps = append(b.gradOps, gradOps...)
	b.buildGradientGenerators(i, opsStart, gOutputs, gInputs)
	for k, in := range op.Inputs {
		g := gInputs[k]
		// A nil gradient only clears an existing mapping when the op wrote the blob
		// in place: the stale gradient belongs to the older version.
		if g == nil && !slices.Contains(op.Outputs, in) {
			if _, ok := b.inputToGrad[in]; ok {
				continue
			}
		}
		b.inputToGrad[in] = g
	}
	if klog.V(2).Enabled() && len(b.gradOps) > opsStart {
		for _, gradOp := range b.gradOps[opsStart:] {
			klog.Infof("generated %s for %s", gradOp, op)
		}
	}
}
