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

package gradients_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	. "github.com/gomlx/netgrad/gradients"
	"github.com/gomlx/netgrad/netdef"
)

func TestRegisterGradientTwicePanics(t *testing.T) {
	RegisterGradient("RegistryTestOnce", Direct("RegistryTestOnceGradient"))
	require.Panics(t, func() {
		RegisterGradient("RegistryTestOnce", Direct("RegistryTestOnceGradient"))
	})
}

func TestRegisterCustomWithoutFuncPanics(t *testing.T) {
	require.Panics(t, func() {
		RegisterGradient("RegistryTestNilFunc", GradientDef{Strategy: StrategyCustom})
	})
}

func TestHasGradient(t *testing.T) {
	for _, opType := range []string{"Add", "Sum", "Sub", "StopGradient", "ConstantFill", "Relu", "FC", "Direct"} {
		require.Truef(t, HasGradient(opType), "expected a gradient for %q", opType)
	}
	require.False(t, HasGradient("NeverHeardOfIt"))
}

func TestLookupUnknownListsKnownTypes(t *testing.T) {
	_, err := Lookup("NeverHeardOfIt")
	require.ErrorIs(t, err, ErrUnregisteredGradient)
	require.Contains(t, err.Error(), "Relu")
}

func TestBuiltinsShadowRegistrations(t *testing.T) {
	// A registration under a builtin name is accepted but never consulted.
	RegisterGradient("Add", Direct("AddGradient"))
	def, err := Lookup("Add")
	require.NoError(t, err)
	require.Equal(t, StrategyPassThroughAdd, def.Strategy)

	ops := []*netdef.OpDef{
		op("Add", []string{"x1", "x2"}, []string{"x3"}),
	}
	gradOps, grads := backward(t, ops, []GradientRequest{withGrad("x3", "x3_grad")})
	require.Empty(t, gradOps)
	require.Equal(t, Dense("x3_grad"), grads["x1"])
	require.Equal(t, Dense("x3_grad"), grads["x2"])
}

func TestStrategyString(t *testing.T) {
	require.Equal(t, "Direct", StrategyDirect.String())
	require.Equal(t, "PassThroughSub", StrategyPassThroughSub.String())
}
