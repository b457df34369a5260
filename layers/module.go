package layers

import (
	"github.com/mz0in/aqlm-go/tensor"
)

// NamedParameter is an immediate parameter of a module: Name is the
// attribute name local to the module that stores it.
type NamedParameter struct {
	Name  string
	Param *tensor.Tensor
}

// NamedChild is an immediate submodule.
type NamedChild struct {
	Name   string
	Module Module
}

// NamedModule is a module addressed by its dotted path from a walk root.
type NamedModule struct {
	Path   string
	Module Module
}

// Module is a node in a layer's module tree.
//
// Forward takes the hidden-state input plus named keyword tensors (an
// attention mask, position ids and the like) and returns one or more
// outputs; the first output is the prediction. NamedParameters and
// NamedChildren expose only the module's own attributes, not those of
// descendants — tree-wide views are built by the walk helpers below.
//
// ReplaceParameter overwrites the named parameter attribute in place,
// without rebuilding the module, so that subsequent forward passes use
// the new tensor and gradients flow to it. CloneTo produces a structural
// copy on another device: buffers and frozen state are deep-copied,
// trainable parameters are copied too but are expected to be overwritten
// per step through replacement tables.
type Module interface {
	Forward(input *tensor.Tensor, kwargs map[string]*tensor.Tensor) ([]*tensor.Tensor, error)
	NamedParameters() []NamedParameter
	NamedChildren() []NamedChild
	ReplaceParameter(name string, p *tensor.Tensor) error
	CloneTo(device tensor.Device) (Module, error)
}

// NamedModules walks the tree rooted at m in pre-order and returns every
// module with its dotted path. The root's path is the empty string.
func NamedModules(m Module) []NamedModule {
	var out []NamedModule
	var walk func(path string, mod Module)
	walk = func(path string, mod Module) {
		out = append(out, NamedModule{Path: path, Module: mod})
		for _, child := range mod.NamedChildren() {
			childPath := child.Name
			if path != "" {
				childPath = path + "." + child.Name
			}
			walk(childPath, child.Module)
		}
	}
	walk("", m)
	return out
}

// TrainableParameters collects every requires-grad tensor in the tree,
// ordered by first occurrence and deduplicated by tensor identity, so a
// parameter shared across submodules appears exactly once under its
// first name.
func TrainableParameters(m Module) []NamedParameter {
	var out []NamedParameter
	seen := make(map[*tensor.Tensor]bool)
	for _, nm := range NamedModules(m) {
		for _, np := range nm.Module.NamedParameters() {
			if !np.Param.RequiresGrad() || seen[np.Param] {
				continue
			}
			seen[np.Param] = true
			name := np.Name
			if nm.Path != "" {
				name = nm.Path + "." + np.Name
			}
			out = append(out, NamedParameter{Name: name, Param: np.Param})
		}
	}
	return out
}
