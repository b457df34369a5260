package tensor

import (
	"math"
	"testing"
)

func floatsClose(t *testing.T, got []float32, want []float32, tol float64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d values, want %d", len(got), len(want))
	}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > tol {
			t.Errorf("value[%d]: got %.6f, want %.6f", i, got[i], want[i])
		}
	}
}

func TestBackwardThroughElementwiseChain(t *testing.T) {
	a, err := NewTensor([]int{2}, Float32, CPU, []float32{1.0, 2.0})
	if err != nil {
		t.Fatalf("failed to create tensor: %v", err)
	}
	a.SetRequiresGrad(true)

	b, _ := NewTensor([]int{2}, Float32, CPU, []float32{3.0, 4.0})
	b.SetRequiresGrad(true)

	// loss = mean((a*b) + a) = mean([4, 10]) = 7
	loss := MeanAllAutograd(AddAutograd(MulAutograd(a, b), a))

	val, err := loss.Item()
	if err != nil {
		t.Fatalf("failed to read loss: %v", err)
	}
	if math.Abs(val-7.0) > 1e-6 {
		t.Errorf("loss: got %.6f, want 7.0", val)
	}

	if err := loss.Backward(); err != nil {
		t.Fatalf("backward failed: %v", err)
	}

	// dloss/da = (b + 1) / 2, dloss/db = a / 2
	floatsClose(t, a.Grad().Data.([]float32), []float32{2.0, 2.5}, 1e-6)
	floatsClose(t, b.Grad().Data.([]float32), []float32{0.5, 1.0}, 1e-6)
}

func TestBackwardAccumulatesAcrossCalls(t *testing.T) {
	a, _ := NewTensor([]int{2}, Float32, CPU, []float32{1.0, 2.0})
	a.SetRequiresGrad(true)

	for i := 0; i < 2; i++ {
		loss := MeanAllAutograd(MulAutograd(a, a))
		if err := loss.Backward(); err != nil {
			t.Fatalf("backward %d failed: %v", i, err)
		}
	}

	// Each pass contributes 2a/2 = a; two passes double it.
	floatsClose(t, a.Grad().Data.([]float32), []float32{2.0, 4.0}, 1e-6)

	ZeroGrad([]*Tensor{a})
	floatsClose(t, a.Grad().Data.([]float32), []float32{0, 0}, 0)
}

func TestMatMulBackward(t *testing.T) {
	x, _ := NewTensor([]int{1, 2, 2}, Float32, CPU, []float32{1, 2, 3, 4})
	w, _ := NewTensor([]int{2, 2}, Float32, CPU, []float32{1, 0, 0, 1})
	w.SetRequiresGrad(true)

	loss := MeanAllAutograd(MatMulAutograd(x, w))
	if err := loss.Backward(); err != nil {
		t.Fatalf("backward failed: %v", err)
	}

	// dloss/dW = X^T @ ones/4: columns of X sum to [4, 6].
	floatsClose(t, w.Grad().Data.([]float32), []float32{1.0, 1.0, 1.5, 1.5}, 1e-6)
}

func TestGatherRowsBackwardScatterAdds(t *testing.T) {
	table, _ := NewTensor([]int{3, 2}, Float32, CPU, []float32{1, 2, 3, 4, 5, 6})
	table.SetRequiresGrad(true)
	codes, _ := NewTensor([]int{2}, Int32, CPU, []int32{1, 1})

	gathered := GatherRowsAutograd(table, codes)
	if !shapesEqual(gathered.Shape, []int{2, 2}) {
		t.Fatalf("gathered shape: got %v, want [2 2]", gathered.Shape)
	}
	floatsClose(t, gathered.Data.([]float32), []float32{3, 4, 3, 4}, 0)

	loss := MeanAllAutograd(gathered)
	if err := loss.Backward(); err != nil {
		t.Fatalf("backward failed: %v", err)
	}

	// Row 1 is hit twice; each gathered element carries 1/4.
	floatsClose(t, table.Grad().Data.([]float32), []float32{0, 0, 0.5, 0.5, 0, 0}, 1e-6)
}

func TestBroadcastMulBackwardReduces(t *testing.T) {
	a, _ := NewTensor([]int{2, 3}, Float32, CPU, []float32{1, 2, 3, 4, 5, 6})
	s, _ := NewTensor([]int{2, 1}, Float32, CPU, []float32{2, 3})
	s.SetRequiresGrad(true)

	loss := MeanAllAutograd(MulAutograd(a, s))
	if err := loss.Backward(); err != nil {
		t.Fatalf("backward failed: %v", err)
	}

	// dloss/ds[i] = sum of row i of a / 6.
	floatsClose(t, s.Grad().Data.([]float32), []float32{1.0, 2.5}, 1e-6)
}

func TestCrossDeviceReplicateAndGather(t *testing.T) {
	dev0, dev1 := Compute(0), Compute(1)

	p, _ := NewTensor([]int{2}, Float32, dev0, []float32{1.0, 3.0})
	p.SetRequiresGrad(true)

	replica := CopyToDeviceAutograd(p, dev1)
	if replica.Device != dev1 {
		t.Fatalf("replica device: got %s, want %s", replica.Device, dev1)
	}
	if !replica.RequiresGrad() {
		t.Fatal("replica lost requires-grad")
	}

	lossMaster := MeanAllAutograd(MulAutograd(p, p))
	lossReplica := MeanAllAutograd(MulAutograd(replica, replica))
	total := GatherMeanAutograd(dev0, lossMaster, lossReplica)

	if total.Device != dev0 {
		t.Fatalf("gathered loss device: got %s, want %s", total.Device, dev0)
	}
	val, _ := total.Item()
	if math.Abs(val-5.0) > 1e-6 {
		t.Errorf("gathered loss: got %.6f, want 5.0", val)
	}

	if err := total.Backward(); err != nil {
		t.Fatalf("backward failed: %v", err)
	}

	// Both halves flow into the master copy: 2 * (p/2) * 0.5 * 2 = p.
	floatsClose(t, p.Grad().Data.([]float32), []float32{1.0, 3.0}, 1e-6)
	if p.Grad().Device != dev0 {
		t.Errorf("master gradient device: got %s, want %s", p.Grad().Device, dev0)
	}
}

func TestBackwardRejectsNonScalar(t *testing.T) {
	a, _ := NewTensor([]int{2}, Float32, CPU, []float32{1, 2})
	a.SetRequiresGrad(true)
	out := MulAutograd(a, a)
	if err := out.Backward(); err == nil {
		t.Fatal("expected error for non-scalar backward")
	}
}
