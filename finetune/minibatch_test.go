package finetune

import (
	"testing"

	"golang.org/x/exp/rand"

	"github.com/mz0in/aqlm-go/tensor"
)

func storedPairs(t *testing.T, samples, seq, hidden int, device tensor.Device, seed uint64) (*tensor.Tensor, *tensor.Tensor) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	inps, err := tensor.RandomNormal([]int{samples, seq, hidden}, 0, 1, device, rng)
	if err != nil {
		t.Fatalf("failed to create input store: %v", err)
	}
	outs, err := tensor.RandomNormal([]int{samples, seq, hidden}, 0, 1, device, rng)
	if err != nil {
		t.Fatalf("failed to create output store: %v", err)
	}
	return inps, outs
}

func TestMinibatchSourceLoopsPastStoredSamples(t *testing.T) {
	inps, outs := storedPairs(t, 4, 2, 3, tensor.CPU, 1)

	src, err := NewMinibatchSource(inps, outs, 2, tensor.CPU, 7)
	if err != nil {
		t.Fatalf("failed to create source: %v", err)
	}
	if src.Samples() != 4 {
		t.Fatalf("samples: got %d, want 4", src.Samples())
	}

	// Three epochs worth of batches from a four-sample store.
	for i := 0; i < 6; i++ {
		in, out, err := src.Next()
		if err != nil {
			t.Fatalf("batch %d failed: %v", i, err)
		}
		if in.Shape[0] != 2 || out.Shape[0] != 2 {
			t.Fatalf("batch %d: got leading dims (%d, %d), want (2, 2)", i, in.Shape[0], out.Shape[0])
		}
	}
}

func TestMinibatchSourceIsDeterministicPerSeed(t *testing.T) {
	inps, outs := storedPairs(t, 8, 2, 3, tensor.CPU, 1)

	a, err := NewMinibatchSource(inps, outs, 4, tensor.CPU, 11)
	if err != nil {
		t.Fatalf("failed to create source: %v", err)
	}
	b, err := NewMinibatchSource(inps, outs, 4, tensor.CPU, 11)
	if err != nil {
		t.Fatalf("failed to create source: %v", err)
	}

	for i := 0; i < 4; i++ {
		inA, _, err := a.Next()
		if err != nil {
			t.Fatalf("batch %d failed: %v", i, err)
		}
		inB, _, err := b.Next()
		if err != nil {
			t.Fatalf("batch %d failed: %v", i, err)
		}

		dataA := inA.Data.([]float32)
		dataB := inB.Data.([]float32)
		for j := range dataA {
			if dataA[j] != dataB[j] {
				t.Fatalf("batch %d diverges at element %d: %f vs %f", i, j, dataA[j], dataB[j])
			}
		}
	}
}

func TestMinibatchSourceMovesOffloadedBatches(t *testing.T) {
	inps, outs := storedPairs(t, 4, 2, 3, tensor.CPU, 1)
	if err := inps.Pin(); err != nil {
		t.Fatalf("failed to pin inputs: %v", err)
	}
	if err := outs.Pin(); err != nil {
		t.Fatalf("failed to pin outputs: %v", err)
	}

	src, err := NewMinibatchSource(inps, outs, 2, tensor.Compute(0), 3)
	if err != nil {
		t.Fatalf("failed to create source: %v", err)
	}

	in, out, err := src.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if in.Device != tensor.Compute(0) || out.Device != tensor.Compute(0) {
		t.Errorf("batch devices: got (%s, %s), want compute:0", in.Device, out.Device)
	}
	if in.Pinned() || out.Pinned() {
		t.Error("pinned flag leaked onto the device batch")
	}
}

func TestMinibatchSourceRejectsOversizedBatch(t *testing.T) {
	inps, outs := storedPairs(t, 4, 2, 3, tensor.CPU, 1)
	if _, err := NewMinibatchSource(inps, outs, 5, tensor.CPU, 1); err == nil {
		t.Fatal("expected error for batch size larger than the store")
	}

	short, _ := tensor.Zeros([]int{2, 2, 3}, tensor.Float32, tensor.CPU)
	if _, err := NewMinibatchSource(inps, short, 2, tensor.CPU, 1); err == nil {
		t.Fatal("expected error for mismatched sample counts")
	}
}
