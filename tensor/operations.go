package tensor

import (
	"fmt"
	"math"
)

func checkCompatibility(t1, t2 *Tensor) error {
	if t1.DType != t2.DType {
		return fmt.Errorf("tensors must have same dtype: %s vs %s", t1.DType, t2.DType)
	}
	if t1.Device != t2.Device {
		return fmt.Errorf("tensors must be on same device: %s vs %s", t1.Device, t2.Device)
	}
	return nil
}

type binaryKernel func(a, b float32) float32

func elementwise(t1, t2 *Tensor, name string, f binaryKernel) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}
	if t1.DType != Float32 {
		return nil, fmt.Errorf("unsupported dtype for %s: %s", name, t1.DType)
	}

	outputShape, err := BroadcastShapes(t1.Shape, t2.Shape)
	if err != nil {
		return nil, err
	}

	a, err := BroadcastTensor(t1, outputShape)
	if err != nil {
		return nil, err
	}
	b, err := BroadcastTensor(t2, outputShape)
	if err != nil {
		return nil, err
	}

	result, err := Zeros(outputShape, Float32, t1.Device)
	if err != nil {
		return nil, err
	}

	data1 := a.Data.([]float32)
	data2 := b.Data.([]float32)
	resultData := result.Data.([]float32)
	for i := 0; i < result.NumElems; i++ {
		resultData[i] = f(data1[i], data2[i])
	}

	return result, nil
}

func Add(t1, t2 *Tensor) (*Tensor, error) {
	return elementwise(t1, t2, "Add", func(a, b float32) float32 { return a + b })
}

func Sub(t1, t2 *Tensor) (*Tensor, error) {
	return elementwise(t1, t2, "Sub", func(a, b float32) float32 { return a - b })
}

func Mul(t1, t2 *Tensor) (*Tensor, error) {
	return elementwise(t1, t2, "Mul", func(a, b float32) float32 { return a * b })
}

// Scale multiplies every element by a scalar, out of the autograd graph.
func Scale(t *Tensor, s float64) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("unsupported dtype for Scale: %s", t.DType)
	}
	result, err := Zeros(t.Shape, Float32, t.Device)
	if err != nil {
		return nil, err
	}
	data := t.Data.([]float32)
	resultData := result.Data.([]float32)
	for i := range data {
		resultData[i] = data[i] * float32(s)
	}
	return result, nil
}

// Tile repeats t along the leading dimension. Used to expand forward
// keyword arguments shaped for a single sample up to the batch size.
func Tile(t *Tensor, repeats int) (*Tensor, error) {
	if repeats <= 0 {
		return nil, fmt.Errorf("repeats must be positive, got %d", repeats)
	}
	if t.Shape[0] != 1 {
		return nil, fmt.Errorf("Tile expects leading dimension 1, got shape %v", t.Shape)
	}

	outShape := make([]int, len(t.Shape))
	copy(outShape, t.Shape)
	outShape[0] = repeats

	result, err := Zeros(outShape, t.DType, t.Device)
	if err != nil {
		return nil, err
	}

	switch t.DType {
	case Float32:
		src := t.Data.([]float32)
		dst := result.Data.([]float32)
		for r := 0; r < repeats; r++ {
			copy(dst[r*len(src):(r+1)*len(src)], src)
		}
	case Int32:
		src := t.Data.([]int32)
		dst := result.Data.([]int32)
		for r := 0; r < repeats; r++ {
			copy(dst[r*len(src):(r+1)*len(src)], src)
		}
	default:
		return nil, fmt.Errorf("unsupported dtype for Tile: %s", t.DType)
	}

	return result, nil
}

// CastToFloat32 returns a detached Float32 copy of t on the same device.
func CastToFloat32(t *Tensor) (*Tensor, error) {
	data := make([]float32, t.NumElems)
	switch t.DType {
	case Float32:
		copy(data, t.Data.([]float32))
	case Float16:
		src := t.Data.([]uint16)
		for i, h := range src {
			data[i] = halfToFloat32(h)
		}
	case Int32:
		src := t.Data.([]int32)
		for i, v := range src {
			data[i] = float32(v)
		}
	default:
		return nil, fmt.Errorf("unsupported dtype for cast: %s", t.DType)
	}

	shape := make([]int, len(t.Shape))
	copy(shape, t.Shape)
	return NewTensor(shape, Float32, t.Device, data)
}

// SelectRows gathers rows of t (along the leading dimension) at the given
// indices into a new tensor. The minibatch sampler uses this to assemble
// batches from stored activations.
func SelectRows(t *Tensor, indices []int) (*Tensor, error) {
	n := t.Shape[0]
	for _, idx := range indices {
		if idx < 0 || idx >= n {
			return nil, fmt.Errorf("row index %d out of range [0, %d)", idx, n)
		}
	}

	rowSize := t.NumElems / n
	outShape := make([]int, len(t.Shape))
	copy(outShape, t.Shape)
	outShape[0] = len(indices)

	result, err := Zeros(outShape, t.DType, t.Device)
	if err != nil {
		return nil, err
	}

	switch t.DType {
	case Float32:
		src := t.Data.([]float32)
		dst := result.Data.([]float32)
		for i, idx := range indices {
			copy(dst[i*rowSize:(i+1)*rowSize], src[idx*rowSize:(idx+1)*rowSize])
		}
	case Float16:
		src := t.Data.([]uint16)
		dst := result.Data.([]uint16)
		for i, idx := range indices {
			copy(dst[i*rowSize:(i+1)*rowSize], src[idx*rowSize:(idx+1)*rowSize])
		}
	case Int32:
		src := t.Data.([]int32)
		dst := result.Data.([]int32)
		for i, idx := range indices {
			copy(dst[i*rowSize:(i+1)*rowSize], src[idx*rowSize:(idx+1)*rowSize])
		}
	default:
		return nil, fmt.Errorf("unsupported dtype for SelectRows: %s", t.DType)
	}

	return result, nil
}

// IsFinite reports whether every element of a Float32 tensor is finite.
func (t *Tensor) IsFinite() bool {
	if t.DType != Float32 {
		return true
	}
	for _, v := range t.Data.([]float32) {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
