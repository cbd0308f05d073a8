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

// Package netdef defines the operator records ("ops") that make up a forward network
// definition, the unit of work consumed and produced by package gradients.
//
// An OpDef names an operator type and the blobs it reads and writes. Blobs are logical
// value slots identified by name only: netdef knows nothing about shapes, dtypes or the
// numeric kernels behind an operator type -- materializing blobs and running ops is the
// job of an external workspace/execution layer.
//
// OpDef values are immutable by convention: once constructed they are never modified in
// place. Code that needs a variation of an existing record creates a new one with Clone,
// WithOutput or WithDevice.
package netdef

import (
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"strings"

	"github.com/pkg/errors"
)

// Arg is one entry of an operator's argument bag. The backward-pass machinery copies
// args around but never interprets them; their meaning belongs to the execution layer.
type Arg struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// FloatArg returns a float-valued operator argument.
func FloatArg(name string, value float64) Arg { return Arg{Name: name, Value: value} }

// IntArg returns an int-valued operator argument.
//
// The value is stored as a float64 so that records survive a JSON round-trip unchanged.
func IntArg(name string, value int64) Arg { return Arg{Name: name, Value: float64(value)} }

// StringArg returns a string-valued operator argument.
func StringArg(name, value string) Arg { return Arg{Name: name, Value: value} }

// DeviceOption is the placement tag of an operator. It is opaque to the backward-pass
// algorithm, which only ever copies it verbatim from a forward op to the gradient ops
// derived from it.
type DeviceOption struct {
	Type    DeviceType `json:"type"`
	Ordinal int        `json:"ordinal,omitempty"`
}

// DeviceType enumerates the execution device classes a DeviceOption can name.
type DeviceType int

//go:generate go tool enumer -type=DeviceType -trimprefix=DeviceType -json -output=gen_devicetype_enumer.go netdef.go

const (
	DeviceTypeCPU DeviceType = iota
	DeviceTypeCUDA
	DeviceTypeTPU
)

// Device is a convenience constructor for a DeviceOption.
func Device(deviceType DeviceType, ordinal int) *DeviceOption {
	return &DeviceOption{Type: deviceType, Ordinal: ordinal}
}

// String implements fmt.Stringer, e.g. "CUDA:1".
func (d *DeviceOption) String() string {
	if d == nil {
		return ""
	}
	return fmt.Sprintf("%s:%d", d.Type, d.Ordinal)
}

// Equal reports whether two placement tags are the same. Two nil tags are equal.
func (d *DeviceOption) Equal(other *DeviceOption) bool {
	if d == nil || other == nil {
		return d == other
	}
	return *d == *other
}

// Clone returns a copy of the placement tag, nil for nil.
func (d *DeviceOption) Clone() *DeviceOption {
	if d == nil {
		return nil
	}
	c := *d
	return &c
}

// OpDef is one operator record: a type name plus the ordered blob names it consumes and
// produces. It is the forward-net element handed to gradients.GetBackwardPass, and the
// element the backward pass emits.
//
// Treat OpDef as immutable after construction.
type OpDef struct {
	// Type names the operator kernel, e.g. "Relu" or "ReluGradient".
	Type string `json:"type"`

	// Inputs and Outputs are ordered blob names. A name may appear in both (an in-place
	// operator), which bumps the blob version without conflicting with itself.
	Inputs  []string `json:"inputs,omitempty"`
	Outputs []string `json:"outputs,omitempty"`

	// Args is the opaque argument bag, e.g. the fill value of a ConstantFill.
	Args []Arg `json:"args,omitempty"`

	// Device, when set, pins the op to a device. Gradient ops inherit it verbatim.
	Device *DeviceOption `json:"device,omitempty"`

	// Engine optionally selects a kernel implementation, copied like Device.
	Engine string `json:"engine,omitempty"`

	// IsGradientOp marks records produced by a gradient generator, as opposed to
	// user-authored forward ops and synthesized accumulation/seed ops.
	IsGradientOp bool `json:"is_gradient_op,omitempty"`
}

// New creates an operator record. The input and output slices are copied, so the caller
// may reuse them.
func New(opType string, inputs, outputs []string, args ...Arg) *OpDef {
	op := &OpDef{
		Type:    opType,
		Inputs:  append([]string(nil), inputs...),
		Outputs: append([]string(nil), outputs...),
	}
	if len(args) > 0 {
		op.Args = append([]Arg(nil), args...)
	}
	return op
}

// Clone returns a deep-enough copy of the record: slices and the device tag are fresh,
// argument values are shared (they are never mutated).
func (op *OpDef) Clone() *OpDef {
	c := &OpDef{
		Type:         op.Type,
		Inputs:       append([]string(nil), op.Inputs...),
		Outputs:      append([]string(nil), op.Outputs...),
		Device:       op.Device.Clone(),
		Engine:       op.Engine,
		IsGradientOp: op.IsGradientOp,
	}
	if len(op.Args) > 0 {
		c.Args = append([]Arg(nil), op.Args...)
	}
	return c
}

// WithOutput returns a copy of the record with output i renamed. It is how the backward
// pass rewires a gradient op to a private autosplit name without mutating the original.
func (op *OpDef) WithOutput(i int, name string) *OpDef {
	c := op.Clone()
	c.Outputs[i] = name
	return c
}

// WithDevice returns a copy of the record placed on the given device.
func (op *OpDef) WithDevice(device *DeviceOption) *OpDef {
	c := op.Clone()
	c.Device = device.Clone()
	return c
}

// AsGradientOp returns a copy of the record marked as generated by a gradient generator.
func (op *OpDef) AsGradientOp() *OpDef {
	c := op.Clone()
	c.IsGradientOp = true
	return c
}

// Equal reports whether two records are structurally identical, argument bags included.
func (op *OpDef) Equal(other *OpDef) bool {
	if op == nil || other == nil {
		return op == other
	}
	return op.Type == other.Type &&
		op.Engine == other.Engine &&
		op.IsGradientOp == other.IsGradientOp &&
		op.Device.Equal(other.Device) &&
		stringsEqual(op.Inputs, other.Inputs) &&
		stringsEqual(op.Outputs, other.Outputs) &&
		reflect.DeepEqual(op.Args, other.Args)
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer with a compact one-line rendering,
// e.g. `Sum(_in_grad_autosplit_0, _in_grad_autosplit_1) -> in_grad [CUDA:1]`.
func (op *OpDef) String() string {
	var sb strings.Builder
	sb.WriteString(op.Type)
	sb.WriteByte('(')
	sb.WriteString(strings.Join(op.Inputs, ", "))
	sb.WriteString(") -> ")
	sb.WriteString(strings.Join(op.Outputs, ", "))
	if op.Device != nil {
		_, _ = fmt.Fprintf(&sb, " [%s]", op.Device)
	}
	return sb.String()
}

// OpsEqual reports whether two op lists are element-wise Equal.
func OpsEqual(a, b []*OpDef) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// NetDef is an ordered operator list with a name, the unit stored on disk and consumed
// by the netgrad command-line tool.
type NetDef struct {
	Name string   `json:"name,omitempty"`
	Ops  []*OpDef `json:"ops"`
}

// Append adds ops to the end of the net and returns the net, for chaining.
func (n *NetDef) Append(ops ...*OpDef) *NetDef {
	n.Ops = append(n.Ops, ops...)
	return n
}

// Load parses a JSON-serialized NetDef.
func Load(r io.Reader) (*NetDef, error) {
	n := &NetDef{}
	dec := json.NewDecoder(r)
	if err := dec.Decode(n); err != nil {
		return nil, errors.Wrap(err, "netdef: failed to parse NetDef JSON")
	}
	return n, nil
}

// Write serializes the net as indented JSON.
func (n *NetDef) Write(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(n); err != nil {
		return errors.Wrap(err, "netdef: failed to serialize NetDef to JSON")
	}
	return nil
}
