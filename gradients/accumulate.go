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
	"fmt"
	"strings"

	. "github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/gomlx/netgrad/netdef"
	"github.com/gomlx/netgrad/types"
)

// A blob version read by several downstream ops collects one gradient candidate per
// reader. This file merges those candidates into a single gradient blob: exactly one
// candidate is used as-is; two or more are renamed to private autosplit names and summed
// (dense) or concatenated per stream (sparse) into the canonical gradient name.

// gradGen is one accumulation candidate for a (blob, version) pair: either denseGen or
// sparseGen.
type gradGen interface {
	isGradGen()
}

// denseGen records where a dense gradient candidate comes from. opIdx indexes
// b.gradOps, or is -1 for a pass-through candidate (a gradient name forwarded by an
// Add/Sub-style generator without a materializing op).
type denseGen struct {
	opIdx  int
	outIdx int
	grad   Dense
}

func (denseGen) isGradGen() {}

// sparseGen records a sparse candidate; each of the two streams independently either
// points at a generated op output or passes through a forward blob (opIdx -1).
type sparseGen struct {
	indicesOpIdx  int
	indicesOutIdx int
	valuesOpIdx   int
	valuesOutIdx  int
	grad          Sparse
}

func (sparseGen) isGradGen() {}

func (b *backwardBuilder) appendGen(blob string, version int, gen gradGen) {
	byVersion := b.generators[blob]
	if byVersion == nil {
		byVersion = make(map[int][]gradGen)
		b.generators[blob] = byVersion
	}
	byVersion[version] = append(byVersion[version], gen)
}

// buildGradientGenerators validates the records a generator returned for forward op
// fwdIdx (b.gradOps[opsStart:] are the new ones) and files one accumulation candidate
// per input gradient. It also advances the gradient frontier of every input that
// received a gradient.
func (b *backwardBuilder) buildGradientGenerators(fwdIdx, opsStart int, gOutputs, gInputs []Gradient) {
	entry := b.ssa[fwdIdx]
	fwdOp := entry.op
	local := types.MakeSet[string]()

	// Sparse candidates are assembled incrementally: the indices and values streams of
	// one input may come from two different generated ops.
	pending := make([]sparseGen, len(gInputs))
	pendingSet := make([]bool, len(gInputs))
	for i := range pending {
		pending[i] = sparseGen{indicesOpIdx: -1, valuesOpIdx: -1}
	}

	for j := opsStart; j < len(b.gradOps); j++ {
		gradOp := b.gradOps[j]
		for _, in := range gradOp.Inputs {
			b.checkGradientOpInput(in, gOutputs, fwdIdx, local)
		}
		local.Insert(gradOp.Outputs...)
		for k, out := range gradOp.Outputs {
			i, stream := matchGradientName(gInputs, out)
			if i < 0 {
				continue
			}
			switch stream {
			case denseStream:
				b.appendGen(fwdOp.Inputs[i], entry.inVersions[fwdOp.Inputs[i]],
					denseGen{opIdx: j, outIdx: k, grad: gInputs[i].(Dense)})
			case indicesStream:
				pending[i].indicesOpIdx, pending[i].indicesOutIdx = j, k
				pending[i].grad = gInputs[i].(Sparse)
				pendingSet[i] = true
			case valuesStream:
				pending[i].valuesOpIdx, pending[i].valuesOutIdx = j, k
				pending[i].grad = gInputs[i].(Sparse)
				pendingSet[i] = true
			}
		}
	}
	for i, set := range pendingSet {
		if set {
			blob := fwdOp.Inputs[i]
			b.appendGen(blob, entry.inVersions[blob], pending[i])
		}
	}

	// Gradients forwarded from the outputs without a materializing op (the Add/Sub
	// pass-through elision) still count as accumulation candidates.
	for i, g := range gInputs {
		if g == nil {
			continue
		}
		blob := fwdOp.Inputs[i]
		version := entry.inVersions[blob]
		switch g := g.(type) {
		case Dense:
			if !local.Has(string(g)) {
				b.appendGen(blob, version, denseGen{opIdx: -1, grad: g})
			}
		case Sparse:
			if !local.Has(g.Indices) && !local.Has(g.Values) {
				b.appendGen(blob, version, sparseGen{indicesOpIdx: -1, valuesOpIdx: -1, grad: g})
			}
		}
		b.gradientFrontier[blob] = version
	}
}

// accumulate runs gradient accumulation for every input of forward op fwdIdx whose
// version is read by multiple ops. fwdIdx being the first reader means the backward
// walk has now seen every reader, so all candidates are in.
func (b *backwardBuilder) accumulate(fwdIdx int) {
	entry := b.ssa[fwdIdx]
	seen := types.MakeSet[string]()
	for _, blob := range entry.op.Inputs {
		if seen.Has(blob) {
			continue
		}
		seen.Insert(blob)
		version := entry.inVersions[blob]
		usages := b.inputUsages[blob][version]
		if len(usages) <= 1 || usages[0] != fwdIdx {
			continue
		}
		gens := b.generators[blob][version]
		if !b.verifyGenerators(blob, gens) {
			continue
		}
		b.inputToGrad[blob] = b.makeSumOps(blob, version)
	}
}

// verifyGenerators reports whether accumulation is needed for the candidate list, and
// rejects the combinations the engine refuses to resolve silently.
func (b *backwardBuilder) verifyGenerators(blob string, gens []gradGen) bool {
	var hasDense, hasSparse bool
	for _, gen := range gens {
		switch gen.(type) {
		case denseGen:
			hasDense = true
		case sparseGen:
			hasSparse = true
		}
	}
	if hasDense && hasSparse {
		panic(errors.Wrapf(ErrSparseDenseMismatch,
			"blob %q; insert an EnsureDense op to reconcile them", blob))
	}
	if len(gens) < 2 {
		// None or a single candidate: it is used directly, no accumulation op.
		return false
	}

	// All op-backed candidates must agree on placement; the accumulation op inherits it.
	var devices []*netdef.DeviceOption
	for _, gen := range gens {
		for _, op := range b.generatorOps(gen) {
			devices = append(devices, op.Device)
		}
	}
	for _, device := range devices {
		if !device.Equal(devices[0]) {
			Panicf("gradients: gradient contributions for blob %q sit on different devices (%s vs %s)",
				blob, devices[0], device)
		}
	}
	return true
}

// generatorOps returns the generated op records backing a candidate, if any.
func (b *backwardBuilder) generatorOps(gen gradGen) []*netdef.OpDef {
	var ops []*netdef.OpDef
	switch gen := gen.(type) {
	case denseGen:
		if gen.opIdx >= 0 {
			ops = append(ops, b.gradOps[gen.opIdx])
		}
	case sparseGen:
		if gen.indicesOpIdx >= 0 {
			ops = append(ops, b.gradOps[gen.indicesOpIdx])
		}
		if gen.valuesOpIdx >= 0 {
			ops = append(ops, b.gradOps[gen.valuesOpIdx])
		}
	}
	return ops
}

// makeSumOps merges all candidates for (blob, version) into one gradient, emitting the
// accumulation op(s), and returns the merged gradient.
func (b *backwardBuilder) makeSumOps(blob string, version int) Gradient {
	gens := b.generators[blob][version]
	outBase := b.sumOutputBaseName(gens, blob)
	var device *netdef.DeviceOption
	for _, gen := range gens {
		if ops := b.generatorOps(gen); len(ops) > 0 {
			device = ops[0].Device
			break
		}
	}
	if _, sparse := gens[0].(sparseGen); sparse {
		return b.makeSparseSumOps(gens, outBase, device)
	}
	return b.makeDenseSumOps(gens, outBase, device)
}

// sumOutputBaseName picks the canonical name the merged gradient is accumulated into:
// the output name of the first op-backed candidate (with the sparse stream suffix
// stripped), or "<blob>_grad" when every candidate is a pass-through.
func (b *backwardBuilder) sumOutputBaseName(gens []gradGen, blob string) string {
	for _, gen := range gens {
		switch gen := gen.(type) {
		case denseGen:
			if gen.opIdx >= 0 {
				return b.gradOps[gen.opIdx].Outputs[gen.outIdx]
			}
		case sparseGen:
			if gen.indicesOpIdx >= 0 {
				return strings.TrimSuffix(b.gradOps[gen.indicesOpIdx].Outputs[gen.indicesOutIdx], "_indices")
			}
			if gen.valuesOpIdx >= 0 {
				return strings.TrimSuffix(b.gradOps[gen.valuesOpIdx].Outputs[gen.valuesOutIdx], "_values")
			}
		}
	}
	return gradName(blob)
}

// autosplitRename rewires output outIdx of the already-emitted op at opIdx to the
// private name "_<original>_autosplit_<cnt>", replacing the record (records are
// immutable). Returns the new name.
func (b *backwardBuilder) autosplitRename(opIdx, outIdx, cnt int) string {
	name := fmt.Sprintf("_%s_autosplit_%d", b.gradOps[opIdx].Outputs[outIdx], cnt)
	b.gradOps[opIdx] = b.gradOps[opIdx].WithOutput(outIdx, name)
	return name
}

// checkPassThroughConflict rejects a pass-through candidate whose name collides with
// the name the accumulation op is about to write: summing a blob into itself would
// clobber one contribution.
func checkPassThroughConflict(outBase, name string) {
	if outBase == name {
		Panicf("gradients: pass-through gradient %q conflicts with the accumulated gradient of the same name", name)
	}
}

// makeDenseSumOps renames every op-backed candidate to an autosplit name, in the order
// candidates were collected (reverse visitation order, zero-based), and emits one Sum
// over all candidates into outBase.
func (b *backwardBuilder) makeDenseSumOps(gens []gradGen, outBase string, device *netdef.DeviceOption) Gradient {
	inputs := make([]string, 0, len(gens))
	cnt := 0
	for _, gen := range gens {
		gen := gen.(denseGen)
		if gen.opIdx >= 0 {
			inputs = append(inputs, b.autosplitRename(gen.opIdx, gen.outIdx, cnt))
			cnt++
		} else {
			checkPassThroughConflict(outBase, string(gen.grad))
			inputs = append(inputs, string(gen.grad))
		}
	}
	sum := netdef.New("Sum", inputs, []string{outBase})
	if device != nil {
		sum.Device = device.Clone()
	}
	b.gradOps = append(b.gradOps, sum)
	return Dense(outBase)
}

// makeSparseSumOps accumulates sparse candidates with two parallel Concat ops, one per
// stream, with independent autosplit counters. The pair of concat outputs is the
// accumulated sparse gradient.
func (b *backwardBuilder) makeSparseSumOps(gens []gradGen, outBase string, device *netdef.DeviceOption) Gradient {
	indicesInputs := make([]string, 0, len(gens))
	valuesInputs := make([]string, 0, len(gens))
	cntIndices, cntValues := 0, 0
	for _, gen := range gens {
		gen := gen.(sparseGen)
		if gen.indicesOpIdx >= 0 {
			indicesInputs = append(indicesInputs, b.autosplitRename(gen.indicesOpIdx, gen.indicesOutIdx, cntIndices))
			cntIndices++
		} else {
			checkPassThroughConflict(outBase, gen.grad.Indices)
			indicesInputs = append(indicesInputs, gen.grad.Indices)
		}
		if gen.valuesOpIdx >= 0 {
			valuesInputs = append(valuesInputs, b.autosplitRename(gen.valuesOpIdx, gen.valuesOutIdx, cntValues))
			cntValues++
		} else {
			checkPassThroughConflict(outBase, gen.grad.Values)
			valuesInputs = append(valuesInputs, gen.grad.Values)
		}
	}
	merged := Sparse{
		Indices: outBase + "_indices_concat",
		Values:  outBase + "_values_concat",
	}
	concats := []*netdef.OpDef{
		netdef.New("Concat", indicesInputs,
			[]string{merged.Indices, merged.Indices + "_split"}, netdef.IntArg("axis", 0)),
		netdef.New("Concat", valuesInputs,
			[]string{merged.Values, merged.Values + "_split"}, netdef.IntArg("axis", 0)),
	}
	for _, concat := range concats {
		if device != nil {
			concat.Device = device.Clone()
		}
		b.gradOps = append(b.gradOps, concat)
	}
	return merged
}
