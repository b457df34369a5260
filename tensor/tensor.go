package tensor

import (
	"fmt"
)

type DType int

const (
	Float32 DType = iota
	Float16
	Int32
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "Float32"
	case Float16:
		return "Float16"
	case Int32:
		return "Int32"
	default:
		return "Unknown"
	}
}

// Device identifies a logical compute device. CPU is the host; Compute(i)
// is the i-th accelerator slot. All storage is host-backed, but operations
// refuse to mix devices, so placement mistakes surface the same way they
// would on real hardware.
type Device struct {
	ordinal int
}

// CPU is the host device. Offloaded activations live here, pinned.
var CPU = Device{ordinal: -1}

// Compute returns the device for accelerator slot i.
func Compute(i int) Device {
	if i < 0 {
		panic(fmt.Sprintf("invalid device ordinal %d", i))
	}
	return Device{ordinal: i}
}

// Devices returns the first n compute devices in order.
func Devices(n int) []Device {
	out := make([]Device, n)
	for i := range out {
		out[i] = Compute(i)
	}
	return out
}

func (d Device) IsCPU() bool {
	return d.ordinal < 0
}

func (d Device) String() string {
	if d.IsCPU() {
		return "cpu"
	}
	return fmt.Sprintf("compute:%d", d.ordinal)
}

// Operation is a node in the autograd graph. Forward computes the result
// and records its inputs; Backward maps the output gradient to one
// gradient per input (nil for non-differentiable inputs such as integer
// codes).
type Operation interface {
	Forward(...*Tensor) *Tensor
	Backward(gradOut *Tensor) []*Tensor
	Inputs() []*Tensor
}

type Tensor struct {
	Shape        []int
	Strides      []int
	DType        DType
	Device       Device
	Data         interface{}
	NumElems     int
	requiresGrad bool
	pinned       bool
	grad         *Tensor
	creator      Operation
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, dtype=%s, device=%s, elements=%d)",
		t.Shape, t.DType, t.Device, t.NumElems)
}

func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

func (t *Tensor) SetRequiresGrad(requires bool) {
	t.requiresGrad = requires
}

func (t *Tensor) Grad() *Tensor {
	return t.grad
}

// Pinned reports whether the tensor is in pinned host memory.
func (t *Tensor) Pinned() bool {
	return t.pinned
}

// Pin marks a CPU tensor as pinned host memory. Pinning a compute-device
// tensor is an error.
func (t *Tensor) Pin() error {
	if !t.Device.IsCPU() {
		return fmt.Errorf("cannot pin tensor on %s: only host tensors can be pinned", t.Device)
	}
	t.pinned = true
	return nil
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("invalid shape: must have at least one dimension")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}
