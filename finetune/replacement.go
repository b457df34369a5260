package finetune

import (
	"fmt"

	"github.com/mz0in/aqlm-go/layers"
	"github.com/mz0in/aqlm-go/tensor"
)

// ParamLocation is one physical storage site of a trainable parameter
// inside a replica: the submodule holding it and the attribute name it is
// stored under.
type ParamLocation struct {
	Module layers.Module
	Attr   string
}

// ReplacementTable holds, for one replica, the locations to overwrite per
// registry parameter, in registry order. Built once per fine-tuning call;
// only the injected values change across steps.
type ReplacementTable [][]ParamLocation

type occurrence struct {
	path string
	attr string
}

// buildReplacementTables precomputes, for every replica, where each
// registry parameter must be substituted before that replica's forward
// pass. A parameter shared by several submodules in the master layer
// yields one location per occurrence. Any mismatch between the registry
// and what a tree walk discovers is an internal consistency error.
func buildReplacementTables(layer layers.Module, replicas []layers.Module, params []NamedParameter) ([]ReplacementTable, error) {
	if len(replicas) < 2 {
		return nil, fmt.Errorf("replacement tables only apply to multi-device runs, got %d replicas", len(replicas))
	}
	if replicas[0] != layer {
		return nil, fmt.Errorf("internal error: replica 0 must be the master layer")
	}

	inRegistry := make(map[*tensor.Tensor]int, len(params))
	for i, p := range params {
		inRegistry[p.Param] = i
	}

	// One walk of the master tree: parameter identity -> all immediate
	// (submodule path, attribute) sites.
	occurrences := make(map[*tensor.Tensor][]occurrence)
	for _, nm := range layers.NamedModules(layer) {
		for _, np := range nm.Module.NamedParameters() {
			if _, ok := inRegistry[np.Param]; ok {
				occurrences[np.Param] = append(occurrences[np.Param], occurrence{path: nm.Path, attr: np.Name})
			}
		}
	}
	if len(occurrences) != len(params) {
		return nil, fmt.Errorf("internal error: found %d distinct trainable parameters in the module tree, registry has %d",
			len(occurrences), len(params))
	}

	tables := make([]ReplacementTable, len(replicas))
	for r, replica := range replicas {
		modulesByPath := make(map[string]layers.Module)
		for _, nm := range layers.NamedModules(replica) {
			modulesByPath[nm.Path] = nm.Module
		}

		table := make(ReplacementTable, len(params))
		for i, p := range params {
			occs := occurrences[p.Param]
			if len(occs) == 0 {
				return nil, fmt.Errorf("internal error: parameter %s has no occurrence in the module tree", p.Name)
			}
			locations := make([]ParamLocation, len(occs))
			for j, occ := range occs {
				mod, ok := modulesByPath[occ.path]
				if !ok {
					return nil, fmt.Errorf("internal error: replica %d has no submodule at path %q", r, occ.path)
				}
				locations[j] = ParamLocation{Module: mod, Attr: occ.attr}
			}
			table[i] = locations
		}
		tables[r] = table
	}

	return tables, nil
}
