package tensor

import (
	"fmt"
)

// sumToShape reduces grad down to targetShape by summing over broadcast
// dimensions (trailing alignment). Needed whenever a forward op broadcast
// one of its inputs.
func sumToShape(grad *Tensor, targetShape []int) (*Tensor, error) {
	if shapesEqual(grad.Shape, targetShape) {
		return grad.Clone()
	}

	result, err := Zeros(targetShape, Float32, grad.Device)
	if err != nil {
		return nil, err
	}

	offset := len(grad.Shape) - len(targetShape)
	if offset < 0 {
		return nil, fmt.Errorf("cannot reduce gradient %v to larger shape %v", grad.Shape, targetShape)
	}

	dstStrides := make([]int, len(grad.Shape))
	for i := range grad.Shape {
		ti := i - offset
		if ti < 0 || targetShape[ti] == 1 {
			dstStrides[i] = 0
		} else if targetShape[ti] != grad.Shape[i] {
			return nil, fmt.Errorf("cannot reduce gradient %v to shape %v", grad.Shape, targetShape)
		} else {
			dstStrides[i] = result.Strides[ti]
		}
	}

	src := grad.Data.([]float32)
	dst := result.Data.([]float32)
	coords := make([]int, len(grad.Shape))
	for idx := 0; idx < grad.NumElems; idx++ {
		dstIdx := 0
		for i, c := range coords {
			dstIdx += c * dstStrides[i]
		}
		dst[dstIdx] += src[idx]

		for i := len(coords) - 1; i >= 0; i-- {
			coords[i]++
			if coords[i] < grad.Shape[i] {
				break
			}
			coords[i] = 0
		}
	}

	return result, nil
}

// AddOp implements the Operation interface for broadcast addition.
type AddOp struct {
	inputs []*Tensor
}

func (op *AddOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 2 {
		panic("AddOp requires exactly 2 inputs")
	}
	a, b := inputs[0], inputs[1]
	op.inputs = inputs

	result, err := Add(a, b)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}
	result.creator = op
	result.requiresGrad = a.requiresGrad || b.requiresGrad
	return result
}

func (op *AddOp) Backward(gradOut *Tensor) []*Tensor {
	gradA, err := sumToShape(gradOut, op.inputs[0].Shape)
	if err != nil {
		panic(fmt.Sprintf("Backward pass failed for input A: %v", err))
	}
	gradB, err := sumToShape(gradOut, op.inputs[1].Shape)
	if err != nil {
		panic(fmt.Sprintf("Backward pass failed for input B: %v", err))
	}
	return []*Tensor{gradA, gradB}
}

func (op *AddOp) Inputs() []*Tensor { return op.inputs }

// SubOp implements the Operation interface for broadcast subtraction.
type SubOp struct {
	inputs []*Tensor
}

func (op *SubOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 2 {
		panic("SubOp requires exactly 2 inputs")
	}
	a, b := inputs[0], inputs[1]
	op.inputs = inputs

	result, err := Sub(a, b)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}
	result.creator = op
	result.requiresGrad = a.requiresGrad || b.requiresGrad
	return result
}

func (op *SubOp) Backward(gradOut *Tensor) []*Tensor {
	gradA, err := sumToShape(gradOut, op.inputs[0].Shape)
	if err != nil {
		panic(fmt.Sprintf("Backward pass failed for input A: %v", err))
	}

	neg, err := Scale(gradOut, -1)
	if err != nil {
		panic(fmt.Sprintf("Backward pass failed negating gradient: %v", err))
	}
	gradB, err := sumToShape(neg, op.inputs[1].Shape)
	if err != nil {
		panic(fmt.Sprintf("Backward pass failed for input B: %v", err))
	}
	return []*Tensor{gradA, gradB}
}

func (op *SubOp) Inputs() []*Tensor { return op.inputs }

// MulOp implements the Operation interface for broadcast elementwise
// multiplication.
type MulOp struct {
	inputs []*Tensor
}

func (op *MulOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 2 {
		panic("MulOp requires exactly 2 inputs")
	}
	a, b := inputs[0], inputs[1]
	op.inputs = inputs

	result, err := Mul(a, b)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}
	result.creator = op
	result.requiresGrad = a.requiresGrad || b.requiresGrad
	return result
}

func (op *MulOp) Backward(gradOut *Tensor) []*Tensor {
	a, b := op.inputs[0], op.inputs[1]

	gradAFull, err := Mul(gradOut, b)
	if err != nil {
		panic(fmt.Sprintf("Backward pass failed for input A: %v", err))
	}
	gradA, err := sumToShape(gradAFull, a.Shape)
	if err != nil {
		panic(fmt.Sprintf("Backward pass failed reducing gradient A: %v", err))
	}

	gradBFull, err := Mul(gradOut, a)
	if err != nil {
		panic(fmt.Sprintf("Backward pass failed for input B: %v", err))
	}
	gradB, err := sumToShape(gradBFull, b.Shape)
	if err != nil {
		panic(fmt.Sprintf("Backward pass failed reducing gradient B: %v", err))
	}

	return []*Tensor{gradA, gradB}
}

func (op *MulOp) Inputs() []*Tensor { return op.inputs }

// MatMulOp implements the Operation interface for matrix multiplication
// of a >=2D left operand by a 2D right operand.
type MatMulOp struct {
	inputs []*Tensor
}

func (op *MatMulOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 2 {
		panic("MatMulOp requires exactly 2 inputs")
	}
	a, b := inputs[0], inputs[1]
	op.inputs = inputs

	result, err := MatMul(a, b)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}
	result.creator = op
	result.requiresGrad = a.requiresGrad || b.requiresGrad
	return result
}

func (op *MatMulOp) Backward(gradOut *Tensor) []*Tensor {
	a, b := op.inputs[0], op.inputs[1]

	// dL/dA = gradOut @ B^T, dL/dB = A_flat^T @ gradOut_flat.
	bT, err := Transpose(b)
	if err != nil {
		panic(fmt.Sprintf("Backward pass failed transposing B: %v", err))
	}
	gradA, err := MatMul(gradOut, bT)
	if err != nil {
		panic(fmt.Sprintf("Backward pass failed for input A: %v", err))
	}

	aFlat, err := flatten2D(a)
	if err != nil {
		panic(fmt.Sprintf("Backward pass failed flattening A: %v", err))
	}
	gradFlat, err := flatten2D(gradOut)
	if err != nil {
		panic(fmt.Sprintf("Backward pass failed flattening gradient: %v", err))
	}
	aT, err := Transpose(aFlat)
	if err != nil {
		panic(fmt.Sprintf("Backward pass failed transposing A: %v", err))
	}
	gradB, err := MatMul(aT, gradFlat)
	if err != nil {
		panic(fmt.Sprintf("Backward pass failed for input B: %v", err))
	}

	return []*Tensor{gradA, gradB}
}

func (op *MatMulOp) Inputs() []*Tensor { return op.inputs }

// TransposeOp implements the Operation interface for 2D transposition.
type TransposeOp struct {
	inputs []*Tensor
}

func (op *TransposeOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("TransposeOp requires exactly 1 input")
	}
	a := inputs[0]
	op.inputs = inputs

	result, err := Transpose(a)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}
	result.creator = op
	result.requiresGrad = a.requiresGrad
	return result
}

func (op *TransposeOp) Backward(gradOut *Tensor) []*Tensor {
	grad, err := Transpose(gradOut)
	if err != nil {
		panic(fmt.Sprintf("Backward pass failed: %v", err))
	}
	return []*Tensor{grad}
}

func (op *TransposeOp) Inputs() []*Tensor { return op.inputs }

// ReshapeOp implements the Operation interface for shape changes.
type ReshapeOp struct {
	inputs []*Tensor
	shape  []int
}

func (op *ReshapeOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("ReshapeOp requires exactly 1 input")
	}
	a := inputs[0]
	op.inputs = inputs

	result, err := a.Reshape(op.shape)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}
	result.creator = op
	result.requiresGrad = a.requiresGrad
	return result
}

func (op *ReshapeOp) Backward(gradOut *Tensor) []*Tensor {
	grad, err := gradOut.Reshape(op.inputs[0].Shape)
	if err != nil {
		panic(fmt.Sprintf("Backward pass failed: %v", err))
	}
	return []*Tensor{grad}
}

func (op *ReshapeOp) Inputs() []*Tensor { return op.inputs }

// GatherRowsOp looks up rows of a table by integer index: output shape is
// codes.Shape + [rowSize]. This is the codebook dequantization primitive;
// the backward pass scatter-adds into the table and yields no gradient
// for the frozen codes.
type GatherRowsOp struct {
	inputs []*Tensor
}

func (op *GatherRowsOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 2 {
		panic("GatherRowsOp requires exactly 2 inputs (table, codes)")
	}
	table, codes := inputs[0], inputs[1]
	op.inputs = inputs

	if len(table.Shape) != 2 {
		panic(fmt.Sprintf("GatherRowsOp table must be 2D, got shape %v", table.Shape))
	}
	if codes.DType != Int32 {
		panic(fmt.Sprintf("GatherRowsOp codes must be Int32, got %s", codes.DType))
	}
	if table.Device != codes.Device {
		panic(fmt.Sprintf("GatherRowsOp inputs on different devices: %s vs %s", table.Device, codes.Device))
	}

	rows, rowSize := table.Shape[0], table.Shape[1]
	outShape := append(append([]int{}, codes.Shape...), rowSize)

	result, err := Zeros(outShape, Float32, table.Device)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}

	src := table.Data.([]float32)
	idx := codes.Data.([]int32)
	dst := result.Data.([]float32)
	for i, code := range idx {
		if code < 0 || int(code) >= rows {
			panic(fmt.Sprintf("code %d out of range for table with %d rows", code, rows))
		}
		copy(dst[i*rowSize:(i+1)*rowSize], src[int(code)*rowSize:(int(code)+1)*rowSize])
	}

	result.creator = op
	result.requiresGrad = table.requiresGrad
	return result
}

func (op *GatherRowsOp) Backward(gradOut *Tensor) []*Tensor {
	table, codes := op.inputs[0], op.inputs[1]
	rowSize := table.Shape[1]

	gradTable, err := Zeros(table.Shape, Float32, table.Device)
	if err != nil {
		panic(fmt.Sprintf("Backward pass failed: %v", err))
	}

	src := gradOut.Data.([]float32)
	idx := codes.Data.([]int32)
	dst := gradTable.Data.([]float32)
	for i, code := range idx {
		gRow := src[i*rowSize : (i+1)*rowSize]
		tRow := dst[int(code)*rowSize : (int(code)+1)*rowSize]
		for j := range tRow {
			tRow[j] += gRow[j]
		}
	}

	return []*Tensor{gradTable, nil}
}

func (op *GatherRowsOp) Inputs() []*Tensor { return op.inputs }

// MeanAllOp reduces a tensor to the mean of its elements.
type MeanAllOp struct {
	inputs []*Tensor
}

func (op *MeanAllOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("MeanAllOp requires exactly 1 input")
	}
	a := inputs[0]
	op.inputs = inputs

	if a.DType != Float32 {
		panic(fmt.Sprintf("MeanAllOp requires Float32, got %s", a.DType))
	}

	sum := float32(0)
	for _, v := range a.Data.([]float32) {
		sum += v
	}

	result, err := NewTensor([]int{1}, Float32, a.Device, []float32{sum / float32(a.NumElems)})
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}
	result.creator = op
	result.requiresGrad = a.requiresGrad
	return result
}

func (op *MeanAllOp) Backward(gradOut *Tensor) []*Tensor {
	a := op.inputs[0]
	g := gradOut.Data.([]float32)[0] / float32(a.NumElems)

	grad, err := NewTensor(append([]int{}, a.Shape...), Float32, a.Device, g)
	if err != nil {
		panic(fmt.Sprintf("Backward pass failed: %v", err))
	}
	return []*Tensor{grad}
}

func (op *MeanAllOp) Inputs() []*Tensor { return op.inputs }

// CopyToDeviceOp copies a tensor to another device inside the autograd
// graph, so gradients computed against the copy flow back into the
// source. This is the replication half of the replicate-then-gather pair
// used for data-parallel parameter injection.
type CopyToDeviceOp struct {
	inputs []*Tensor
	device Device
}

func (op *CopyToDeviceOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) != 1 {
		panic("CopyToDeviceOp requires exactly 1 input")
	}
	a := inputs[0]
	op.inputs = inputs

	result, err := a.Clone()
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}
	result.Device = op.device
	result.pinned = false
	result.creator = op
	result.requiresGrad = a.requiresGrad
	return result
}

func (op *CopyToDeviceOp) Backward(gradOut *Tensor) []*Tensor {
	grad, err := gradOut.Clone()
	if err != nil {
		panic(fmt.Sprintf("Backward pass failed: %v", err))
	}
	grad.Device = op.inputs[0].Device
	return []*Tensor{grad}
}

func (op *CopyToDeviceOp) Inputs() []*Tensor { return op.inputs }

// GatherMeanOp collects single-element tensors from several devices onto
// a target device and averages them. The gathering half of the
// replicate-then-gather pair: its backward hands each device its equal
// share of the output gradient.
type GatherMeanOp struct {
	inputs []*Tensor
	device Device
}

func (op *GatherMeanOp) Forward(inputs ...*Tensor) *Tensor {
	if len(inputs) == 0 {
		panic("GatherMeanOp requires at least 1 input")
	}
	op.inputs = inputs

	sum := float32(0)
	requiresGrad := false
	for _, in := range inputs {
		if in.NumElems != 1 || in.DType != Float32 {
			panic(fmt.Sprintf("GatherMeanOp requires single-element Float32 inputs, got %s", in))
		}
		sum += in.Data.([]float32)[0]
		requiresGrad = requiresGrad || in.requiresGrad
	}

	result, err := NewTensor([]int{1}, Float32, op.device, []float32{sum / float32(len(inputs))})
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}
	result.creator = op
	result.requiresGrad = requiresGrad
	return result
}

func (op *GatherMeanOp) Backward(gradOut *Tensor) []*Tensor {
	share := gradOut.Data.([]float32)[0] / float32(len(op.inputs))
	grads := make([]*Tensor, len(op.inputs))
	for i, in := range op.inputs {
		g, err := NewTensor([]int{1}, Float32, in.Device, []float32{share})
		if err != nil {
			panic(fmt.Sprintf("Backward pass failed: %v", err))
		}
		grads[i] = g
	}
	return grads
}

func (op *GatherMeanOp) Inputs() []*Tensor { return op.inputs }

// High-level autograd entry points.

func AddAutograd(a, b *Tensor) *Tensor {
	op := &AddOp{}
	return op.Forward(a, b)
}

func SubAutograd(a, b *Tensor) *Tensor {
	op := &SubOp{}
	return op.Forward(a, b)
}

func MulAutograd(a, b *Tensor) *Tensor {
	op := &MulOp{}
	return op.Forward(a, b)
}

func MatMulAutograd(a, b *Tensor) *Tensor {
	op := &MatMulOp{}
	return op.Forward(a, b)
}

func TransposeAutograd(a *Tensor) *Tensor {
	op := &TransposeOp{}
	return op.Forward(a)
}

func ReshapeAutograd(a *Tensor, shape []int) *Tensor {
	op := &ReshapeOp{shape: shape}
	return op.Forward(a)
}

func GatherRowsAutograd(table, codes *Tensor) *Tensor {
	op := &GatherRowsOp{}
	return op.Forward(table, codes)
}

func MeanAllAutograd(a *Tensor) *Tensor {
	op := &MeanAllOp{}
	return op.Forward(a)
}

func CopyToDeviceAutograd(a *Tensor, device Device) *Tensor {
	op := &CopyToDeviceOp{device: device}
	return op.Forward(a)
}

func GatherMeanAutograd(device Device, losses ...*Tensor) *Tensor {
	op := &GatherMeanOp{device: device}
	return op.Forward(losses...)
}

// Backward runs reverse-mode differentiation from a single-element
// tensor, accumulating gradients into every reachable leaf that requires
// them. Repeated calls keep accumulating, which is what gradient
// accumulation over several minibatches relies on.
func (t *Tensor) Backward() error {
	if t.NumElems != 1 {
		return fmt.Errorf("Backward requires a single-element tensor, got %d elements", t.NumElems)
	}
	if !t.requiresGrad {
		return fmt.Errorf("Backward called on a tensor that does not require gradients")
	}

	// Topological order over the graph reachable through creators.
	var order []*Tensor
	visited := make(map[*Tensor]bool)
	var visit func(node *Tensor)
	visit = func(node *Tensor) {
		if visited[node] {
			return
		}
		visited[node] = true
		if node.creator != nil {
			for _, in := range node.creator.Inputs() {
				visit(in)
			}
		}
		order = append(order, node)
	}
	visit(t)

	grads := make(map[*Tensor]*Tensor)
	seed, err := Ones([]int{1}, Float32, t.Device)
	if err != nil {
		return err
	}
	grads[t] = seed

	accumulate := func(node, g *Tensor) error {
		if existing, ok := grads[node]; ok {
			dst := existing.Data.([]float32)
			src := g.Data.([]float32)
			for i := range dst {
				dst[i] += src[i]
			}
			return nil
		}
		own, err := g.Clone()
		if err != nil {
			return err
		}
		grads[node] = own
		return nil
	}

	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		g, ok := grads[node]
		if !ok {
			continue
		}

		if node.creator == nil {
			if node.requiresGrad {
				if err := node.AccumulateGrad(g); err != nil {
					return err
				}
			}
			continue
		}

		inputGrads := node.creator.Backward(g)
		inputs := node.creator.Inputs()
		if len(inputGrads) != len(inputs) {
			return fmt.Errorf("operation returned %d gradients for %d inputs", len(inputGrads), len(inputs))
		}
		for j, in := range inputs {
			if inputGrads[j] == nil {
				continue
			}
			if !in.requiresGrad && in.creator == nil {
				continue
			}
			if err := accumulate(in, inputGrads[j]); err != nil {
				return err
			}
		}
	}

	return nil
}
