package finetune

import (
	"strings"
	"testing"

	"github.com/mz0in/aqlm-go/layers"
	"github.com/mz0in/aqlm-go/tensor"
)

func TestReplacementTablesMatchRegistry(t *testing.T) {
	devices := tensor.Devices(3)
	layer := buildTestLayer(t, devices[0], 1)

	replicas, err := buildReplicas(layer, devices)
	if err != nil {
		t.Fatalf("buildReplicas failed: %v", err)
	}
	params := layers.TrainableParameters(layer)
	if len(params) != 3 {
		t.Fatalf("registry size: got %d, want 3", len(params))
	}

	tables, err := buildReplacementTables(layer, replicas, params)
	if err != nil {
		t.Fatalf("buildReplacementTables failed: %v", err)
	}
	if len(tables) != len(replicas) {
		t.Fatalf("tables: got %d, want one per replica (%d)", len(tables), len(replicas))
	}

	for r, table := range tables {
		if len(table) != len(params) {
			t.Fatalf("replica %d table has %d entries, registry has %d", r, len(table), len(params))
		}
		for i, locations := range table {
			if len(locations) == 0 {
				t.Errorf("replica %d parameter %s has no locations", r, params[i].Name)
			}
		}
	}
}

func TestSharedParameterGetsOneLocationPerOccurrence(t *testing.T) {
	devices := tensor.Devices(2)
	layer := buildTestLayer(t, devices[0], 1) // codebook shared by both projections

	replicas, err := buildReplicas(layer, devices)
	if err != nil {
		t.Fatalf("buildReplicas failed: %v", err)
	}
	params := layers.TrainableParameters(layer)
	tables, err := buildReplacementTables(layer, replicas, params)
	if err != nil {
		t.Fatalf("buildReplacementTables failed: %v", err)
	}

	var codebookIdx = -1
	for i, p := range params {
		if strings.HasSuffix(p.Name, "codebook") {
			codebookIdx = i
			break
		}
	}
	if codebookIdx < 0 {
		t.Fatal("no codebook parameter in the registry")
	}

	for r, table := range tables {
		locs := table[codebookIdx]
		if len(locs) != 2 {
			t.Fatalf("replica %d: shared codebook has %d locations, want 2", r, len(locs))
		}
		for _, loc := range locs {
			if loc.Attr != "codebook" {
				t.Errorf("replica %d: location attr is %q, want codebook", r, loc.Attr)
			}
		}
		if locs[0].Module == locs[1].Module {
			t.Errorf("replica %d: shared codebook locations collapse to one submodule", r)
		}
	}

	// Non-master locations must point into the replica's own tree.
	for i := range params {
		if tables[1][i][0].Module == tables[0][i][0].Module {
			t.Errorf("parameter %s: replica 1 location aliases the master submodule", params[i].Name)
		}
	}
}

func TestReplacementTablesDetectInconsistency(t *testing.T) {
	devices := tensor.Devices(2)
	layer := buildTestLayer(t, devices[0], 1)
	replicas, err := buildReplicas(layer, devices)
	if err != nil {
		t.Fatalf("buildReplicas failed: %v", err)
	}
	params := layers.TrainableParameters(layer)

	t.Run("registry entry absent from the tree", func(t *testing.T) {
		ghost, _ := tensor.Zeros([]int{2, 2}, tensor.Float32, devices[0])
		ghost.SetRequiresGrad(true)
		bad := append(append([]NamedParameter{}, params...), NamedParameter{Name: "ghost", Param: ghost})

		_, err := buildReplacementTables(layer, replicas, bad)
		if err == nil || !strings.Contains(err.Error(), "internal error") {
			t.Fatalf("got %v, want internal consistency error", err)
		}
	})

	t.Run("single replica", func(t *testing.T) {
		if _, err := buildReplacementTables(layer, []layers.Module{layer}, params); err == nil {
			t.Fatal("expected error for single-replica table build")
		}
	})

	t.Run("wrong master replica", func(t *testing.T) {
		other := buildTestLayer(t, devices[0], 2)
		if _, err := buildReplacementTables(layer, []layers.Module{other, replicas[1]}, params); err == nil {
			t.Fatal("expected error when replica 0 is not the master")
		}
	})
}
