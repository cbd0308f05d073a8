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
	. "github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/gomlx/netgrad/netdef"
	"github.com/gomlx/netgrad/types"
)

// This file holds the version bookkeeping of the forward net: every write to a blob
// creates a new version (starting at 0 for unwritten, +1 per write), and reads bind to
// the version current at the op's position in the list. The backward walk uses the
// tables built here to bind gradients to exact versions and to detect, instead of
// silently mis-generating, the cases where a later forward op clobbered a value a
// gradient generator still needs.

// ssaOp is one forward operator annotated with the blob versions it read and wrote.
type ssaOp struct {
	op          *netdef.OpDef
	inVersions  map[string]int
	outVersions map[string]int
}

// play appends op to the ssa list, binding its reads to the current blob versions and
// bumping the version of every blob it writes. An in-place op reads version v and
// writes v+1 of the same name.
func (b *backwardBuilder) play(op *netdef.OpDef) {
	idx := len(b.ssa)
	entry := ssaOp{
		op:          op,
		inVersions:  make(map[string]int, len(op.Inputs)),
		outVersions: make(map[string]int, len(op.Outputs)),
	}
	for _, blob := range op.Inputs {
		v := b.frontier[blob]
		entry.inVersions[blob] = v
		b.addUsage(blob, v, idx)
		b.known.Insert(blob)
	}
	for _, blob := range op.Outputs {
		b.frontier[blob]++
		entry.outVersions[blob] = b.frontier[blob]
		b.known.Insert(blob)
	}
	b.ssa = append(b.ssa, entry)
}

func (b *backwardBuilder) addUsage(blob string, version, opIdx int) {
	byVersion := b.inputUsages[blob]
	if byVersion == nil {
		byVersion = make(map[int][]int)
		b.inputUsages[blob] = byVersion
	}
	byVersion[version] = append(byVersion[version], opIdx)
}

// gradStream tells which part of a Gradient a blob name matched.
type gradStream int

const (
	denseStream gradStream = iota
	indicesStream
	valuesStream
)

// matchGradientName finds the first gradient in the list that name identifies: the
// dense name itself, or the indices/values half of a sparse pair. Returns -1 when name
// is not a gradient name.
func matchGradientName(grads []Gradient, name string) (int, gradStream) {
	for i, g := range grads {
		switch g := g.(type) {
		case Dense:
			if string(g) == name {
				return i, denseStream
			}
		case Sparse:
			if g.Indices == name {
				return i, indicesStream
			}
			if g.Values == name {
				return i, valuesStream
			}
		}
	}
	return -1, denseStream
}

// checkGradientOpInput verifies that one input blob of a generated gradient op will
// hold the right value when the backward pass runs after the forward pass:
//
//   - a gradient name from gOutputs must correspond to the version sitting at the
//     gradient frontier;
//   - a forward blob that op fwdIdx wrote (the use-output pattern) must still be at the
//     version op fwdIdx produced; in-place ops pass this check through their output
//     version, which is why outputs are tested before inputs;
//   - a forward blob that op fwdIdx read (the use-input pattern) must still be at the
//     version op fwdIdx saw;
//   - anything else must have been produced by an earlier gradient op of this same
//     generator call.
func (b *backwardBuilder) checkGradientOpInput(name string, gOutputs []Gradient, fwdIdx int, local types.Set[string]) {
	entry := b.ssa[fwdIdx]
	if origIdx, _ := matchGradientName(gOutputs, name); origIdx >= 0 {
		origName := entry.op.Outputs[origIdx]
		if entry.outVersions[origName] != b.gradientFrontier[origName] {
			panic(errors.Wrapf(ErrStaleBlobVersion,
				"gradient %q corresponds to version %d of blob %q, but the gradient frontier is at version %d",
				name, entry.outVersions[origName], origName, b.gradientFrontier[origName]))
		}
		return
	}
	if v, ok := entry.outVersions[name]; ok {
		if b.frontier[name] != v {
			panic(errors.Wrapf(ErrStaleBlobVersion,
				"gradient of %s needs the value of its output %q (version %d), but a later forward op overwrote it (now version %d)",
				entry.op, name, v, b.frontier[name]))
		}
		return
	}
	if v, ok := entry.inVersions[name]; ok {
		if b.frontier[name] != v {
			panic(errors.Wrapf(ErrStaleBlobVersion,
				"gradient of %s needs the value of its input %q (version %d), but a later forward op overwrote it (now version %d)",
				entry.op, name, v, b.frontier[name]))
		}
		return
	}
	if !local.Has(name) {
		Panicf("gradients: blob %q read by a gradient op of %s is neither in the scope of the forward op nor generated by a preceding gradient op",
			name, entry.op)
	}
}
