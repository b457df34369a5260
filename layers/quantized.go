package layers

import (
	"fmt"

	"golang.org/x/exp/rand"

	"github.com/mz0in/aqlm-go/tensor"
)

// QuantizedLinear is a dense layer whose weight matrix has been replaced
// by a groupwise codebook approximation. The integer codes are frozen;
// the codebook and per-output scales stay continuous and are what
// fine-tuning adjusts. The reconstructed weight is
//
//	weight[o, g*gs:(g+1)*gs] = scales[o] * codebook[codes[o, g]]
//
// for each group g of size gs along the input dimension.
type QuantizedLinear struct {
	InFeatures  int
	OutFeatures int
	GroupSize   int

	codes    *tensor.Tensor // Int32 [out, in/groupSize], frozen
	codebook *tensor.Tensor // Float32 [codebookSize, groupSize], trainable
	scales   *tensor.Tensor // Float32 [out, 1], trainable
	bias     *tensor.Tensor // Float32 [out], frozen, optional
}

// NewQuantizedLinear builds a layer with randomly initialized codebook,
// scales and codes, standing in for the output of an upstream
// quantization pass.
func NewQuantizedLinear(in, out, groupSize, codebookSize int, withBias bool, device tensor.Device, rng *rand.Rand) (*QuantizedLinear, error) {
	if in%groupSize != 0 {
		return nil, fmt.Errorf("input size %d is not divisible by group size %d", in, groupSize)
	}

	codebook, err := tensor.RandomNormal([]int{codebookSize, groupSize}, 0, 0.1, device, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to create codebook: %v", err)
	}
	codebook.SetRequiresGrad(true)

	scales, err := tensor.Ones([]int{out, 1}, tensor.Float32, device)
	if err != nil {
		return nil, fmt.Errorf("failed to create scales: %v", err)
	}
	scales.SetRequiresGrad(true)

	codes, err := tensor.RandomCodes([]int{out, in / groupSize}, int32(codebookSize), device, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to create codes: %v", err)
	}

	q := &QuantizedLinear{
		InFeatures:  in,
		OutFeatures: out,
		GroupSize:   groupSize,
		codes:       codes,
		codebook:    codebook,
		scales:      scales,
	}

	if withBias {
		bias, err := tensor.Zeros([]int{out}, tensor.Float32, device)
		if err != nil {
			return nil, fmt.Errorf("failed to create bias: %v", err)
		}
		q.bias = bias
	}

	return q, nil
}

// TieCodebook makes the layer share another layer's codebook tensor.
// Both layers then dequantize through the same trainable table.
func (q *QuantizedLinear) TieCodebook(other *QuantizedLinear) error {
	if other.codebook.Shape[1] != q.GroupSize {
		return fmt.Errorf("cannot tie codebook with group size %d to layer with group size %d",
			other.codebook.Shape[1], q.GroupSize)
	}
	q.codebook = other.codebook
	return nil
}

// DequantizedWeight reconstructs the [out, in] weight matrix through
// autograd ops, so the loss differentiates into codebook and scales.
func (q *QuantizedLinear) DequantizedWeight() *tensor.Tensor {
	gathered := tensor.GatherRowsAutograd(q.codebook, q.codes)   // [out, groups, groupSize]
	flat := tensor.ReshapeAutograd(gathered, []int{q.OutFeatures, q.InFeatures})
	return tensor.MulAutograd(flat, q.scales) // scales broadcast along inputs
}

func (q *QuantizedLinear) Forward(input *tensor.Tensor, kwargs map[string]*tensor.Tensor) ([]*tensor.Tensor, error) {
	if input.Shape[len(input.Shape)-1] != q.InFeatures {
		return nil, fmt.Errorf("input feature dimension %d does not match layer input size %d",
			input.Shape[len(input.Shape)-1], q.InFeatures)
	}
	if input.Device != q.codebook.Device {
		return nil, fmt.Errorf("input on %s but layer on %s", input.Device, q.codebook.Device)
	}

	weight := q.DequantizedWeight()
	out := tensor.MatMulAutograd(input, tensor.TransposeAutograd(weight))
	if q.bias != nil {
		out = tensor.AddAutograd(out, q.bias)
	}
	return []*tensor.Tensor{out}, nil
}

func (q *QuantizedLinear) NamedParameters() []NamedParameter {
	params := []NamedParameter{
		{Name: "codebook", Param: q.codebook},
		{Name: "scales", Param: q.scales},
	}
	if q.bias != nil {
		params = append(params, NamedParameter{Name: "bias", Param: q.bias})
	}
	return params
}

func (q *QuantizedLinear) NamedChildren() []NamedChild {
	return nil
}

func (q *QuantizedLinear) ReplaceParameter(name string, p *tensor.Tensor) error {
	switch name {
	case "codebook":
		q.codebook = p
	case "scales":
		q.scales = p
	case "bias":
		if q.bias == nil {
			return fmt.Errorf("layer has no bias to replace")
		}
		q.bias = p
	default:
		return fmt.Errorf("unknown parameter %q", name)
	}
	return nil
}

func (q *QuantizedLinear) CloneTo(device tensor.Device) (Module, error) {
	codes, err := q.codes.Clone()
	if err != nil {
		return nil, fmt.Errorf("failed to clone codes: %v", err)
	}
	codes.Device = device

	codebook, err := q.codebook.Clone()
	if err != nil {
		return nil, fmt.Errorf("failed to clone codebook: %v", err)
	}
	codebook.Device = device

	scales, err := q.scales.Clone()
	if err != nil {
		return nil, fmt.Errorf("failed to clone scales: %v", err)
	}
	scales.Device = device

	clone := &QuantizedLinear{
		InFeatures:  q.InFeatures,
		OutFeatures: q.OutFeatures,
		GroupSize:   q.GroupSize,
		codes:       codes,
		codebook:    codebook,
		scales:      scales,
	}

	if q.bias != nil {
		bias, err := q.bias.Clone()
		if err != nil {
			return nil, fmt.Errorf("failed to clone bias: %v", err)
		}
		bias.Device = device
		clone.bias = bias
	}

	return clone, nil
}
