package tensor

import (
	"fmt"
)

// Reshape returns a new tensor sharing the same data with a different
// shape. The new shape must have the same total number of elements; one
// dimension may be -1 and is inferred.
func (t *Tensor) Reshape(newShape []int) (*Tensor, error) {
	shape := make([]int, len(newShape))
	copy(shape, newShape)

	newNumElems := 1
	negOneIdx := -1
	for i, dim := range shape {
		switch {
		case dim == -1:
			if negOneIdx >= 0 {
				return nil, fmt.Errorf("only one dimension can be -1")
			}
			negOneIdx = i
		case dim <= 0:
			return nil, fmt.Errorf("invalid dimension %d at index %d", dim, i)
		default:
			newNumElems *= dim
		}
	}

	if negOneIdx >= 0 {
		if t.NumElems%newNumElems != 0 {
			return nil, fmt.Errorf("cannot reshape tensor of size %d into shape %v", t.NumElems, newShape)
		}
		shape[negOneIdx] = t.NumElems / newNumElems
		newNumElems = t.NumElems
	}

	if newNumElems != t.NumElems {
		return nil, fmt.Errorf("cannot reshape tensor of size %d into shape %v (size %d)", t.NumElems, shape, newNumElems)
	}

	return &Tensor{
		Shape:        shape,
		Strides:      calculateStrides(shape),
		DType:        t.DType,
		Device:       t.Device,
		Data:         t.Data, // shares the underlying data
		NumElems:     t.NumElems,
		requiresGrad: t.requiresGrad,
	}, nil
}

// Clone returns a deep copy of the tensor's value. The clone keeps the
// dtype, device, pinned flag and requires-grad flag but drops the autograd
// graph and any accumulated gradient.
func (t *Tensor) Clone() (*Tensor, error) {
	clone := &Tensor{
		Shape:        make([]int, len(t.Shape)),
		Strides:      make([]int, len(t.Strides)),
		DType:        t.DType,
		Device:       t.Device,
		NumElems:     t.NumElems,
		requiresGrad: t.requiresGrad,
		pinned:       t.pinned,
	}
	copy(clone.Shape, t.Shape)
	copy(clone.Strides, t.Strides)

	switch t.DType {
	case Float32:
		data := t.Data.([]float32)
		cloneData := make([]float32, len(data))
		copy(cloneData, data)
		clone.Data = cloneData
	case Float16:
		data := t.Data.([]uint16)
		cloneData := make([]uint16, len(data))
		copy(cloneData, data)
		clone.Data = cloneData
	case Int32:
		data := t.Data.([]int32)
		cloneData := make([]int32, len(data))
		copy(cloneData, data)
		clone.Data = cloneData
	default:
		return nil, fmt.Errorf("unsupported dtype for Clone: %s", t.DType)
	}

	return clone, nil
}

// ToDevice returns a copy of the tensor placed on the target device,
// outside the autograd graph. Use CopyToDeviceAutograd when gradients
// must flow back across the device boundary.
func (t *Tensor) ToDevice(device Device) (*Tensor, error) {
	clone, err := t.Clone()
	if err != nil {
		return nil, err
	}
	clone.Device = device
	clone.pinned = false
	return clone, nil
}

// CopyValuesFrom overwrites the tensor's data with the values of src,
// leaving identity, gradient and graph state untouched. Shape and dtype
// must match. This is how best-snapshot rollback restores parameters
// without invalidating pointers held by the optimizer or replacement
// tables.
func (t *Tensor) CopyValuesFrom(src *Tensor) error {
	if t.DType != src.DType {
		return fmt.Errorf("dtype mismatch: %s vs %s", t.DType, src.DType)
	}
	if !shapesEqual(t.Shape, src.Shape) {
		return fmt.Errorf("shape mismatch: %v vs %v", t.Shape, src.Shape)
	}

	switch t.DType {
	case Float32:
		copy(t.Data.([]float32), src.Data.([]float32))
	case Float16:
		copy(t.Data.([]uint16), src.Data.([]uint16))
	case Int32:
		copy(t.Data.([]int32), src.Data.([]int32))
	default:
		return fmt.Errorf("unsupported dtype: %s", t.DType)
	}
	return nil
}

// Item returns the value of a single-element Float32 tensor.
func (t *Tensor) Item() (float64, error) {
	if t.NumElems != 1 {
		return 0, fmt.Errorf("Item requires a single-element tensor, got %d elements", t.NumElems)
	}
	if t.DType != Float32 {
		return 0, fmt.Errorf("Item requires a Float32 tensor, got %s", t.DType)
	}
	return float64(t.Data.([]float32)[0]), nil
}

// AccumulateGrad adds g into the tensor's gradient, allocating it on
// first use. Accumulation across backward passes is what makes gradient
// accumulation over multiple minibatches work.
func (t *Tensor) AccumulateGrad(g *Tensor) error {
	if !shapesEqual(t.Shape, g.Shape) {
		return fmt.Errorf("gradient shape %v does not match parameter shape %v", g.Shape, t.Shape)
	}
	if g.DType != Float32 {
		return fmt.Errorf("gradients must be Float32, got %s", g.DType)
	}

	if t.grad == nil {
		grad, err := g.Clone()
		if err != nil {
			return err
		}
		grad.Device = t.Device
		grad.requiresGrad = false
		t.grad = grad
		return nil
	}

	dst := t.grad.Data.([]float32)
	src := g.Data.([]float32)
	for i := range dst {
		dst[i] += src[i]
	}
	return nil
}

// ZeroGrad clears accumulated gradients on the given tensors.
func ZeroGrad(tensors []*Tensor) {
	for _, t := range tensors {
		if t.grad == nil {
			continue
		}
		data := t.grad.Data.([]float32)
		for i := range data {
			data[i] = 0
		}
	}
}
