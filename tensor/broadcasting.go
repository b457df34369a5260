package tensor

import (
	"fmt"
)

// BroadcastShapes computes the broadcast result shape for two shapes using
// trailing-dimension alignment, or an error if they are incompatible.
func BroadcastShapes(shape1, shape2 []int) ([]int, error) {
	ndim := len(shape1)
	if len(shape2) > ndim {
		ndim = len(shape2)
	}

	out := make([]int, ndim)
	for i := 0; i < ndim; i++ {
		d1, d2 := 1, 1
		if i < len(shape1) {
			d1 = shape1[len(shape1)-1-i]
		}
		if i < len(shape2) {
			d2 = shape2[len(shape2)-1-i]
		}

		switch {
		case d1 == d2:
			out[ndim-1-i] = d1
		case d1 == 1:
			out[ndim-1-i] = d2
		case d2 == 1:
			out[ndim-1-i] = d1
		default:
			return nil, fmt.Errorf("shapes %v and %v are not broadcastable", shape1, shape2)
		}
	}
	return out, nil
}

// BroadcastTensor materializes t expanded to targetShape. Only Float32 and
// Int32 tensors can be broadcast.
func BroadcastTensor(t *Tensor, targetShape []int) (*Tensor, error) {
	if shapesEqual(t.Shape, targetShape) {
		return t, nil
	}

	// Verify every source dimension is either 1 or matches the target.
	offset := len(targetShape) - len(t.Shape)
	if offset < 0 {
		return nil, fmt.Errorf("cannot broadcast shape %v to smaller shape %v", t.Shape, targetShape)
	}
	for i, dim := range t.Shape {
		if dim != 1 && dim != targetShape[i+offset] {
			return nil, fmt.Errorf("cannot broadcast shape %v to %v", t.Shape, targetShape)
		}
	}

	result, err := Zeros(targetShape, t.DType, t.Device)
	if err != nil {
		return nil, err
	}

	srcStrides := make([]int, len(targetShape))
	for i := range targetShape {
		si := i - offset
		if si < 0 || t.Shape[si] == 1 {
			srcStrides[i] = 0
		} else {
			srcStrides[i] = t.Strides[si]
		}
	}

	coords := make([]int, len(targetShape))
	for idx := 0; idx < result.NumElems; idx++ {
		srcIdx := 0
		for i, c := range coords {
			srcIdx += c * srcStrides[i]
		}
		switch t.DType {
		case Float32:
			result.Data.([]float32)[idx] = t.Data.([]float32)[srcIdx]
		case Int32:
			result.Data.([]int32)[idx] = t.Data.([]int32)[srcIdx]
		default:
			return nil, fmt.Errorf("unsupported dtype for broadcast: %s", t.DType)
		}

		for i := len(coords) - 1; i >= 0; i-- {
			coords[i]++
			if coords[i] < targetShape[i] {
				break
			}
			coords[i] = 0
		}
	}

	return result, nil
}

func shapesEqual(shape1, shape2 []int) bool {
	if len(shape1) != len(shape2) {
		return false
	}
	for i := range shape1 {
		if shape1[i] != shape2[i] {
			return false
		}
	}
	return true
}
