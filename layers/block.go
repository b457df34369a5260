package layers

import (
	"fmt"

	"github.com/mz0in/aqlm-go/tensor"
)

// Block is a container layer: named children applied in sequence, with an
// optional residual connection around the stack. When an attention_mask
// keyword tensor is supplied it is added to the block input before the
// first child runs (the additive-mask idiom; the mask broadcasts over the
// hidden dimension).
type Block struct {
	children []NamedChild
	residual bool
}

func NewBlock(residual bool, children ...NamedChild) *Block {
	return &Block{children: children, residual: residual}
}

func (b *Block) Forward(input *tensor.Tensor, kwargs map[string]*tensor.Tensor) ([]*tensor.Tensor, error) {
	hidden := input
	if mask, ok := kwargs["attention_mask"]; ok && mask != nil {
		if mask.Device != input.Device {
			return nil, fmt.Errorf("attention_mask on %s but input on %s", mask.Device, input.Device)
		}
		hidden = tensor.AddAutograd(hidden, mask)
	}

	for _, child := range b.children {
		outs, err := child.Module.Forward(hidden, kwargs)
		if err != nil {
			return nil, fmt.Errorf("child %s forward failed: %v", child.Name, err)
		}
		hidden = outs[0]
	}

	if b.residual {
		hidden = tensor.AddAutograd(hidden, input)
	}

	return []*tensor.Tensor{hidden}, nil
}

func (b *Block) NamedParameters() []NamedParameter {
	return nil
}

func (b *Block) NamedChildren() []NamedChild {
	return b.children
}

func (b *Block) ReplaceParameter(name string, p *tensor.Tensor) error {
	return fmt.Errorf("block has no own parameters, cannot replace %q", name)
}

func (b *Block) CloneTo(device tensor.Device) (Module, error) {
	children := make([]NamedChild, len(b.children))
	for i, child := range b.children {
		clone, err := child.Module.CloneTo(device)
		if err != nil {
			return nil, fmt.Errorf("failed to clone child %s: %v", child.Name, err)
		}
		children[i] = NamedChild{Name: child.Name, Module: clone}
	}
	return &Block{children: children, residual: b.residual}, nil
}
