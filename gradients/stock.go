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

	"github.com/gomlx/netgrad/netdef"
)

// Gradient definitions for the stock operator types. Anything not listed here (and not
// a structural builtin, see builtinGradients) must be registered by the caller with
// RegisterGradient before GetBackwardPass sees it.

func init() {
	RegisterGradient("Relu", UseOutput("ReluGradient"))
	RegisterGradient("Softmax", UseOutput("SoftmaxGradient"))
	RegisterGradient("AveragedLoss", UseInput("AveragedLossGradient"))
	RegisterGradient("DotProduct", UseInput("DotProductGradient"))
	RegisterGradient("Neg", Direct("Neg"))
	RegisterGradient("FC", Custom(fcGradient))
	RegisterGradient("Gather", Custom(gatherGradient))
	RegisterGradient("SparseHash", Custom(sparseHashGradient))
	RegisterGradient("EnsureDense", Custom(ensureDenseGradient))
}

// fcGradient emits FCGradient(X, W, dY) -> (dW, db, dX); the output order of the
// gradient op does not follow the forward input order.
func fcGradient(op *netdef.OpDef, gOutputs []Gradient) ([]*netdef.OpDef, []Gradient) {
	if len(op.Inputs) != 3 || len(op.Outputs) != 1 {
		Panicf("gradients: FC expects 3 inputs and 1 output, got %s", op)
	}
	g := needAll(op, gOutputs)
	gradOp := netdef.New("FCGradient",
		append([]string{op.Inputs[0], op.Inputs[1]}, denseNames(op, g)...),
		[]string{gradName(op.Inputs[1]), gradName(op.Inputs[2]), gradName(op.Inputs[0])})
	return []*netdef.OpDef{gradOp},
		denseGradients([]string{gradName(op.Inputs[0]), gradName(op.Inputs[1]), gradName(op.Inputs[2])})
}

// gatherGradient emits no op at all: the gradient of the gathered table is the sparse
// pair (forward indices, dense output gradient). The indices input has no gradient.
func gatherGradient(op *netdef.OpDef, gOutputs []Gradient) ([]*netdef.OpDef, []Gradient) {
	if len(op.Inputs) != 2 || len(op.Outputs) != 1 {
		Panicf("gradients: Gather expects 2 inputs and 1 output, got %s", op)
	}
	g := needAll(op, gOutputs)
	return nil, []Gradient{
		Sparse{Indices: op.Inputs[1], Values: string(g[0].(Dense))},
		nil,
	}
}

// sparseHashGradient produces a sparse gradient for the hashed table (the last input)
// and none for the leading inputs.
func sparseHashGradient(op *netdef.OpDef, gOutputs []Gradient) ([]*netdef.OpDef, []Gradient) {
	if len(op.Inputs) == 0 || len(op.Outputs) != 1 {
		Panicf("gradients: SparseHash expects at least 1 input and 1 output, got %s", op)
	}
	g := needAll(op, gOutputs)
	table := op.Inputs[len(op.Inputs)-1]
	base := gradName(table)
	gradOp := netdef.New("SparseHashGradient",
		append([]string{string(g[0].(Dense))}, op.Inputs[:len(op.Inputs)-1]...),
		[]string{base + "_indices", base + "_values"})
	gInputs := make([]Gradient, len(op.Inputs))
	gInputs[len(gInputs)-1] = Sparse{Indices: base + "_indices", Values: base + "_values"}
	return []*netdef.OpDef{gradOp}, gInputs
}

// ensureDenseGradient forwards a dense output gradient untouched and densifies a
// sparse one with SparseToDense, using the forward input for the output shape.
func ensureDenseGradient(op *netdef.OpDef, gOutputs []Gradient) ([]*netdef.OpDef, []Gradient) {
	if len(op.Inputs) != 1 || len(op.Outputs) != 1 {
		Panicf("gradients: EnsureDense expects 1 input and 1 output, got %s", op)
	}
	switch g := needAll(op, gOutputs)[0].(type) {
	case Dense:
		return nil, []Gradient{g}
	case Sparse:
		gradOp := netdef.New("SparseToDense",
			[]string{g.Indices, g.Values, op.Inputs[0]},
			[]string{gradName(op.Inputs[0])})
		return []*netdef.OpDef{gradOp}, []Gradient{Dense(gradName(op.Inputs[0]))}
	default:
		Panicf("gradients: EnsureDense got an unknown gradient kind %T", g)
		return nil, nil
	}
}
