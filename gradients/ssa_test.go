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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gomlx/netgrad/netdef"
)

func TestPlayVersioning(t *testing.T) {
	b := newBackwardBuilder([]*netdef.OpDef{
		netdef.New("Direct", []string{"in"}, []string{"in"}),
		netdef.New("Direct", []string{"in"}, []string{"hidden"}),
		netdef.New("Direct", []string{"in", "hidden"}, []string{"out"}),
	})
	require.Len(t, b.ssa, 3)

	// Version 0 is "unwritten"; the first write makes version 1.
	require.Equal(t, 0, b.ssa[0].inVersions["in"])
	require.Equal(t, 1, b.ssa[0].outVersions["in"])
	require.Equal(t, 1, b.ssa[1].inVersions["in"])
	require.Equal(t, 1, b.ssa[2].inVersions["in"])
	require.Equal(t, 1, b.ssa[2].inVersions["hidden"])
	require.Equal(t, 1, b.ssa[2].outVersions["out"])

	require.Equal(t, 1, b.frontier["in"])
	require.Equal(t, 1, b.frontier["hidden"])
	require.Equal(t, 1, b.frontier["out"])

	// in@0 is read only by op 0; in@1 by ops 1 and 2.
	require.Equal(t, []int{0}, b.inputUsages["in"][0])
	require.Equal(t, []int{1, 2}, b.inputUsages["in"][1])
	require.Equal(t, []int{2}, b.inputUsages["hidden"][1])

	require.True(t, b.known.Has("in"))
	require.True(t, b.known.Has("hidden"))
	require.True(t, b.known.Has("out"))
	require.False(t, b.known.Has("nope"))
}

func TestMatchGradientName(t *testing.T) {
	grads := []Gradient{
		Dense("a_grad"),
		nil,
		Sparse{Indices: "w_grad_indices", Values: "w_grad_values"},
	}
	i, stream := matchGradientName(grads, "a_grad")
	require.Equal(t, 0, i)
	require.Equal(t, denseStream, stream)

	i, stream = matchGradientName(grads, "w_grad_indices")
	require.Equal(t, 2, i)
	require.Equal(t, indicesStream, stream)

	i, stream = matchGradientName(grads, "w_grad_values")
	require.Equal(t, 2, i)
	require.Equal(t, valuesStream, stream)

	i, _ = matchGradientName(grads, "b_grad")
	require.Equal(t, -1, i)
}

func TestSumOutputBaseName(t *testing.T) {
	b := newBackwardBuilder(nil)
	b.gradOps = []*netdef.OpDef{
		netdef.New("DirectGradient", []string{"g"}, []string{"x_grad"}),
		netdef.New("SparseHashGradient", []string{"g"}, []string{"w_grad_indices", "w_grad_values"}),
	}

	// Pass-through candidates only: fall back to the canonical name.
	gens := []gradGen{denseGen{opIdx: -1, grad: Dense("up_grad")}}
	require.Equal(t, "x_grad", b.sumOutputBaseName(gens, "x"))

	// First op-backed candidate names the accumulation target.
	gens = []gradGen{
		denseGen{opIdx: -1, grad: Dense("up_grad")},
		denseGen{opIdx: 0, outIdx: 0, grad: Dense("x_grad")},
	}
	require.Equal(t, "x_grad", b.sumOutputBaseName(gens, "x"))

	// Sparse candidates drop the stream suffix.
	gens = []gradGen{
		sparseGen{indicesOpIdx: 1, indicesOutIdx: 0, valuesOpIdx: 1, valuesOutIdx: 1},
	}
	require.Equal(t, "w_grad", b.sumOutputBaseName(gens, "w"))
}
