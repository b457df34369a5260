package tensor

import (
	"fmt"
)

// MatMul multiplies t1 by t2. t2 must be 2D; t1 may carry extra leading
// dimensions (e.g. [batch, seq, hidden] inputs against a [hidden, out]
// weight), which are flattened for the multiply and restored afterwards.
func MatMul(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}
	if t1.DType != Float32 {
		return nil, fmt.Errorf("unsupported dtype for MatMul: %s", t1.DType)
	}
	if len(t1.Shape) < 2 || len(t2.Shape) != 2 {
		return nil, fmt.Errorf("MatMul requires a >=2D left operand and a 2D right operand, got %v x %v", t1.Shape, t2.Shape)
	}

	k := t1.Shape[len(t1.Shape)-1]
	if k != t2.Shape[0] {
		return nil, fmt.Errorf("inner dimensions do not match: %v x %v", t1.Shape, t2.Shape)
	}

	rows := t1.NumElems / k
	cols := t2.Shape[1]

	outShape := make([]int, len(t1.Shape))
	copy(outShape, t1.Shape)
	outShape[len(outShape)-1] = cols

	result, err := Zeros(outShape, Float32, t1.Device)
	if err != nil {
		return nil, err
	}

	a := t1.Data.([]float32)
	b := t2.Data.([]float32)
	c := result.Data.([]float32)

	for i := 0; i < rows; i++ {
		for l := 0; l < k; l++ {
			av := a[i*k+l]
			if av == 0 {
				continue
			}
			bRow := b[l*cols : (l+1)*cols]
			cRow := c[i*cols : (i+1)*cols]
			for j := range cRow {
				cRow[j] += av * bRow[j]
			}
		}
	}

	return result, nil
}

// Transpose swaps the two dimensions of a 2D tensor.
func Transpose(t *Tensor) (*Tensor, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("Transpose requires a 2D tensor, got shape %v", t.Shape)
	}
	if t.DType != Float32 {
		return nil, fmt.Errorf("unsupported dtype for Transpose: %s", t.DType)
	}

	rows, cols := t.Shape[0], t.Shape[1]
	result, err := Zeros([]int{cols, rows}, Float32, t.Device)
	if err != nil {
		return nil, err
	}

	src := t.Data.([]float32)
	dst := result.Data.([]float32)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			dst[j*rows+i] = src[i*cols+j]
		}
	}

	return result, nil
}

// flatten2D views t as a [rows, lastDim] matrix without copying.
func flatten2D(t *Tensor) (*Tensor, error) {
	last := t.Shape[len(t.Shape)-1]
	return t.Reshape([]int{t.NumElems / last, last})
}
