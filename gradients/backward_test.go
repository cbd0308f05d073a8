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

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	. "github.com/gomlx/netgrad/gradients"
	"github.com/gomlx/netgrad/netdef"
)

// Synthetic operator types exercising each fixed strategy, so the tests don't depend on
// the stock formulas:
//
//	Direct:     op(in -> out) differentiates to DirectGradient(out_grad -> in_grad)
//	UseOutput:  UseOutputGradient(out, out_grad -> in_grad)
//	UseInput:   UseInputGradient(in, out_grad -> in_grad)
//	Nogradient: blocks gradient flow
func init() {
	RegisterGradient("Direct", Direct("DirectGradient"))
	RegisterGradient("UseOutput", UseOutput("UseOutputGradient"))
	RegisterGradient("UseInput", UseInput("UseInputGradient"))
	RegisterGradient("Nogradient", NoGradient())
}

func op(opType string, inputs, outputs []string, args ...netdef.Arg) *netdef.OpDef {
	return netdef.New(opType, inputs, outputs, args...)
}

func gop(opType string, inputs, outputs []string, args ...netdef.Arg) *netdef.OpDef {
	return netdef.New(opType, inputs, outputs, args...).AsGradientOp()
}

func backward(t *testing.T, ops []*netdef.OpDef, requests []GradientRequest) ([]*netdef.OpDef, map[string]Gradient) {
	gradOps, grads, err := GetBackwardPass(ops, requests)
	require.NoError(t, err)
	return gradOps, grads
}

func requireOpsEqual(t *testing.T, want, got []*netdef.OpDef) {
	require.Truef(t, netdef.OpsEqual(want, got), "gradient ops mismatch:\n want %v\n got  %v", want, got)
}

func withGrad(blob, grad string) GradientRequest {
	return GradientRequest{Blob: blob, Grad: Dense(grad)}
}

func TestDirect(t *testing.T) {
	for _, device := range []*netdef.DeviceOption{nil, netdef.Device(netdef.DeviceTypeCUDA, 1)} {
		ops := []*netdef.OpDef{
			op("Direct", []string{"in"}, []string{"hidden"}).WithDevice(device),
			op("Direct", []string{"hidden"}, []string{"out"}).WithDevice(device),
		}
		want := []*netdef.OpDef{
			gop("DirectGradient", []string{"out_grad"}, []string{"hidden_grad"}).WithDevice(device),
			gop("DirectGradient", []string{"hidden_grad"}, []string{"in_grad"}).WithDevice(device),
		}
		gradOps, grads := backward(t, ops, []GradientRequest{withGrad("out", "out_grad")})
		requireOpsEqual(t, want, gradOps)
		require.Equal(t, map[string]Gradient{
			"out":    Dense("out_grad"),
			"hidden": Dense("hidden_grad"),
			"in":     Dense("in_grad"),
		}, grads)
	}
}

func TestDirectImplicitGradientSource(t *testing.T) {
	ops := []*netdef.OpDef{
		op("Direct", []string{"in"}, []string{"hidden"}),
		op("Direct", []string{"hidden"}, []string{"out"}),
	}
	want := []*netdef.OpDef{
		op("ConstantFill", []string{"out"}, []string{"out_autogen_grad"}, netdef.FloatArg("value", 1.0)),
		gop("DirectGradient", []string{"out_autogen_grad"}, []string{"hidden_grad"}),
		gop("DirectGradient", []string{"hidden_grad"}, []string{"in_grad"}),
	}
	gradOps, grads := backward(t, ops, GradientRequests("out"))
	requireOpsEqual(t, want, gradOps)
	require.Equal(t, Dense("out_autogen_grad"), grads["out"])
}

func TestDoesNotGenerateUnnecessaryGradients(t *testing.T) {
	ops := []*netdef.OpDef{
		op("Direct", []string{"in"}, []string{"hidden"}),
		op("Direct", []string{"hidden"}, []string{"out"}),
	}
	want := []*netdef.OpDef{
		gop("DirectGradient", []string{"hidden_grad"}, []string{"in_grad"}),
	}
	gradOps, _ := backward(t, ops, []GradientRequest{withGrad("hidden", "hidden_grad")})
	requireOpsEqual(t, want, gradOps)
}

func TestNoRequestsNoGradients(t *testing.T) {
	ops := []*netdef.OpDef{
		op("Direct", []string{"in"}, []string{"hidden"}),
		op("Direct", []string{"hidden"}, []string{"out"}),
	}
	gradOps, grads := backward(t, ops, nil)
	require.Empty(t, gradOps)
	require.Empty(t, grads)
}

func TestDirectInPlace(t *testing.T) {
	ops := []*netdef.OpDef{
		op("Direct", []string{"in"}, []string{"in"}),
		op("Direct", []string{"in"}, []string{"out"}),
	}
	want := []*netdef.OpDef{
		gop("DirectGradient", []string{"out_grad"}, []string{"in_grad"}),
		gop("DirectGradient", []string{"in_grad"}, []string{"in_grad"}),
	}
	gradOps, _ := backward(t, ops, []GradientRequest{withGrad("out", "out_grad")})
	requireOpsEqual(t, want, gradOps)
}

func TestUseOutput(t *testing.T) {
	ops := []*netdef.OpDef{
		op("UseOutput", []string{"in"}, []string{"hidden"}),
		op("UseOutput", []string{"hidden"}, []string{"out"}),
		op("Direct", []string{"out"}, []string{"sink"}),
	}
	want := []*netdef.OpDef{
		gop("DirectGradient", []string{"sink_grad"}, []string{"out_grad"}),
		gop("UseOutputGradient", []string{"out", "out_grad"}, []string{"hidden_grad"}),
		gop("UseOutputGradient", []string{"hidden", "hidden_grad"}, []string{"in_grad"}),
	}
	gradOps, _ := backward(t, ops, []GradientRequest{withGrad("sink", "sink_grad")})
	requireOpsEqual(t, want, gradOps)
}

func TestUseOutputInPlace(t *testing.T) {
	ops := []*netdef.OpDef{
		op("UseOutput", []string{"in"}, []string{"in"}),
		op("UseOutput", []string{"in"}, []string{"out"}),
		op("Direct", []string{"out"}, []string{"sink"}),
	}
	want := []*netdef.OpDef{
		gop("DirectGradient", []string{"sink_grad"}, []string{"out_grad"}),
		gop("UseOutputGradient", []string{"out", "out_grad"}, []string{"in_grad"}),
		gop("UseOutputGradient", []string{"in", "in_grad"}, []string{"in_grad"}),
	}
	gradOps, _ := backward(t, ops, []GradientRequest{withGrad("sink", "sink_grad")})
	requireOpsEqual(t, want, gradOps)
}

func TestUseOutputButOutputOverwritten(t *testing.T) {
	ops := []*netdef.OpDef{
		op("UseOutput", []string{"in"}, []string{"hidden"}),
		// hidden is overwritten here, but the gradient of the first op still needs
		// the value the first op produced.
		op("Direct", []string{"hidden"}, []string{"hidden"}),
		op("UseOutput", []string{"hidden"}, []string{"out"}),
		op("Direct", []string{"out"}, []string{"sink"}),
	}
	_, _, err := GetBackwardPass(ops, []GradientRequest{withGrad("sink", "sink_grad")})
	require.ErrorIs(t, err, ErrStaleBlobVersion)
}

func TestUseInput(t *testing.T) {
	ops := []*netdef.OpDef{
		op("Direct", []string{"in"}, []string{"hidden"}),
		op("UseInput", []string{"hidden"}, []string{"out"}),
		op("Direct", []string{"out"}, []string{"sink"}),
	}
	want := []*netdef.OpDef{
		gop("DirectGradient", []string{"sink_grad"}, []string{"out_grad"}),
		gop("UseInputGradient", []string{"hidden", "out_grad"}, []string{"hidden_grad"}),
		gop("DirectGradient", []string{"hidden_grad"}, []string{"in_grad"}),
	}
	gradOps, _ := backward(t, ops, []GradientRequest{withGrad("sink", "sink_grad")})
	requireOpsEqual(t, want, gradOps)
}

func TestUseInputButInputOverwritten(t *testing.T) {
	ops := []*netdef.OpDef{
		op("UseInput", []string{"in"}, []string{"out"}),
		op("Direct", []string{"in"}, []string{"in"}),
	}
	_, _, err := GetBackwardPass(ops, []GradientRequest{withGrad("out", "out_grad")})
	require.ErrorIs(t, err, ErrStaleBlobVersion)
}

func TestStopGradient(t *testing.T) {
	ops := []*netdef.OpDef{
		op("Direct", []string{"in"}, []string{"hidden"}),
		op("StopGradient", []string{"hidden"}, []string{"hidden2"}),
		op("Direct", []string{"hidden2"}, []string{"out"}),
	}
	want := []*netdef.OpDef{
		gop("DirectGradient", []string{"out_grad"}, []string{"hidden2_grad"}),
	}
	gradOps, _ := backward(t, ops, []GradientRequest{withGrad("out", "out_grad")})
	requireOpsEqual(t, want, gradOps)
}

func TestStopGradientInplace(t *testing.T) {
	ops := []*netdef.OpDef{
		op("Direct", []string{"in"}, []string{"hidden"}),
		op("StopGradient", []string{"hidden"}, []string{"hidden"}),
		op("Direct", []string{"hidden"}, []string{"out"}),
	}
	want := []*netdef.OpDef{
		gop("DirectGradient", []string{"out_grad"}, []string{"hidden_grad"}),
	}
	gradOps, grads := backward(t, ops, []GradientRequest{withGrad("out", "out_grad")})
	requireOpsEqual(t, want, gradOps)
	// The in-place StopGradient invalidates the gradient mapping of "hidden": the
	// generated hidden_grad belongs to the overwritten version.
	require.Equal(t, map[string]Gradient{"out": Dense("out_grad")}, grads)
}

func TestStopGradientWithMultiUseOperators(t *testing.T) {
	ops := []*netdef.OpDef{
		op("Direct", []string{"in"}, []string{"hidden"}),
		op("Direct", []string{"hidden"}, []string{"hidden2"}),
		op("StopGradient", []string{"hidden"}, []string{"hidden3"}),
		op("Direct", []string{"hidden2", "hidden3"}, []string{"out"}),
	}
	want := []*netdef.OpDef{
		gop("DirectGradient", []string{"out_grad"}, []string{"hidden2_grad", "hidden3_grad"}),
		gop("DirectGradient", []string{"hidden2_grad"}, []string{"hidden_grad"}),
		gop("DirectGradient", []string{"hidden_grad"}, []string{"in_grad"}),
	}
	gradOps, grads := backward(t, ops, []GradientRequest{withGrad("out", "out_grad")})
	requireOpsEqual(t, want, gradOps)
	require.Equal(t, map[string]Gradient{
		"out":     Dense("out_grad"),
		"hidden2": Dense("hidden2_grad"),
		"hidden3": Dense("hidden3_grad"),
		"hidden":  Dense("hidden_grad"),
		"in":      Dense("in_grad"),
	}, grads)
}

func TestGradientCalculationWithPrint(t *testing.T) {
	ops := []*netdef.OpDef{
		op("FC", []string{"in", "w", "b"}, []string{"fc"}),
		op("Print", []string{"fc"}, nil),
		op("AveragedLoss", []string{"fc"}, []string{"loss"}),
	}
	want := []*netdef.OpDef{
		gop("AveragedLossGradient", []string{"fc", "loss_grad"}, []string{"fc_grad"}),
		gop("FCGradient", []string{"in", "w", "fc_grad"}, []string{"w_grad", "b_grad", "in_grad"}),
	}
	gradOps, grads := backward(t, ops, []GradientRequest{withGrad("loss", "loss_grad")})
	requireOpsEqual(t, want, gradOps)
	for _, gradOp := range gradOps {
		require.True(t, gradOp.IsGradientOp)
	}
	require.Equal(t, Dense("in_grad"), grads["in"])
	require.Equal(t, Dense("w_grad"), grads["w"])
	require.Equal(t, Dense("b_grad"), grads["b"])
}

func TestUnregisteredOperatorType(t *testing.T) {
	ops := []*netdef.OpDef{
		op("NeverHeardOfIt", []string{"in"}, []string{"out"}),
	}
	_, _, err := GetBackwardPass(ops, []GradientRequest{withGrad("out", "out_grad")})
	require.ErrorIs(t, err, ErrUnregisteredGradient)
	require.Contains(t, err.Error(), "NeverHeardOfIt")
}

func TestRequestForUnknownBlob(t *testing.T) {
	ops := []*netdef.OpDef{
		op("Direct", []string{"in"}, []string{"out"}),
	}
	_, _, err := GetBackwardPass(ops, []GradientRequest{withGrad("nope", "nope_grad")})
	require.Error(t, err)
	require.Contains(t, err.Error(), "nope")
}

func TestDuplicateRequest(t *testing.T) {
	ops := []*netdef.OpDef{
		op("Direct", []string{"in"}, []string{"out"}),
	}
	_, _, err := GetBackwardPass(ops, []GradientRequest{
		withGrad("out", "out_grad"),
		withGrad("out", "other_grad"),
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "twice")
}

func TestMissingGradientForDirect(t *testing.T) {
	// Direct requires the gradient of every output; hidden2 never gets one.
	ops := []*netdef.OpDef{
		op("Direct", []string{"in"}, []string{"hidden1", "hidden2"}),
		op("Direct", []string{"hidden1"}, []string{"out"}),
	}
	_, _, err := GetBackwardPass(ops, []GradientRequest{withGrad("out", "out_grad")})
	require.ErrorIs(t, err, ErrMissingGradientInput)
}

func TestAddGradientOperatorsAppends(t *testing.T) {
	net := &netdef.NetDef{Name: "test_net"}
	net.Append(
		op("Direct", []string{"in"}, []string{"hidden"}),
		op("Direct", []string{"hidden"}, []string{"out"}),
	)
	grads, err := AddGradientOperators(net, []GradientRequest{withGrad("out", "out_grad")})
	require.NoError(t, err)
	require.Len(t, net.Ops, 4)
	require.Equal(t, Dense("in_grad"), grads["in"])
	requireOpsEqual(t, []*netdef.OpDef{
		gop("DirectGradient", []string{"out_grad"}, []string{"hidden_grad"}),
		gop("DirectGradient", []string{"hidden_grad"}, []string{"in_grad"}),
	}, net.Ops[2:])
}

func TestErrorsCarryCause(t *testing.T) {
	ops := []*netdef.OpDef{
		op("UseInput", []string{"in"}, []string{"out"}),
		op("Direct", []string{"in"}, []string{"in"}),
	}
	_, _, err := GetBackwardPass(ops, []GradientRequest{withGrad("out", "out_grad")})
	require.Equal(t, ErrStaleBlobVersion, errors.Cause(err))
}
