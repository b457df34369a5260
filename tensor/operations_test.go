package tensor

import (
	"math"
	"testing"
)

func TestAddBroadcasting(t *testing.T) {
	tests := []struct {
		name     string
		shapeA   []int
		dataA    []float32
		shapeB   []int
		dataB    []float32
		expShape []int
		expData  []float32
	}{
		{
			name:   "same shape",
			shapeA: []int{2, 2}, dataA: []float32{1, 2, 3, 4},
			shapeB: []int{2, 2}, dataB: []float32{10, 20, 30, 40},
			expShape: []int{2, 2}, expData: []float32{11, 22, 33, 44},
		},
		{
			name:   "row vector over matrix",
			shapeA: []int{2, 3}, dataA: []float32{1, 2, 3, 4, 5, 6},
			shapeB: []int{3}, dataB: []float32{10, 20, 30},
			expShape: []int{2, 3}, expData: []float32{11, 22, 33, 14, 25, 36},
		},
		{
			name:   "mask over batch",
			shapeA: []int{2, 2, 2}, dataA: []float32{1, 1, 1, 1, 2, 2, 2, 2},
			shapeB: []int{1, 2, 1}, dataB: []float32{0, -1},
			expShape: []int{2, 2, 2}, expData: []float32{1, 1, 0, 0, 2, 2, 1, 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := NewTensor(tt.shapeA, Float32, CPU, tt.dataA)
			if err != nil {
				t.Fatalf("failed to create tensor: %v", err)
			}
			b, err := NewTensor(tt.shapeB, Float32, CPU, tt.dataB)
			if err != nil {
				t.Fatalf("failed to create tensor: %v", err)
			}

			sum, err := Add(a, b)
			if err != nil {
				t.Fatalf("Add failed: %v", err)
			}
			if !shapesEqual(sum.Shape, tt.expShape) {
				t.Fatalf("shape: got %v, want %v", sum.Shape, tt.expShape)
			}
			floatsClose(t, sum.Data.([]float32), tt.expData, 1e-6)
		})
	}
}

func TestAddRejectsMixedDevices(t *testing.T) {
	a, _ := NewTensor([]int{2}, Float32, Compute(0), []float32{1, 2})
	b, _ := NewTensor([]int{2}, Float32, Compute(1), []float32{3, 4})
	if _, err := Add(a, b); err == nil {
		t.Fatal("expected error for tensors on different devices")
	}
}

func TestTile(t *testing.T) {
	mask, _ := NewTensor([]int{1, 3}, Float32, CPU, []float32{1, 2, 3})

	tiled, err := Tile(mask, 4)
	if err != nil {
		t.Fatalf("Tile failed: %v", err)
	}
	if !shapesEqual(tiled.Shape, []int{4, 3}) {
		t.Fatalf("shape: got %v, want [4 3]", tiled.Shape)
	}
	floatsClose(t, tiled.Data.([]float32), []float32{1, 2, 3, 1, 2, 3, 1, 2, 3, 1, 2, 3}, 0)

	batch, _ := NewTensor([]int{2, 3}, Float32, CPU, []float32{1, 2, 3, 4, 5, 6})
	if _, err := Tile(batch, 4); err == nil {
		t.Fatal("expected error for leading dimension > 1")
	}
}

func TestCastToFloat32(t *testing.T) {
	t.Run("from half precision", func(t *testing.T) {
		values := []float32{0, 1, -2, 0.5, 65504}
		half := make([]uint16, len(values))
		for i, v := range values {
			half[i] = float32ToHalf(v)
		}
		src, err := NewTensor([]int{5}, Float16, CPU, half)
		if err != nil {
			t.Fatalf("failed to create tensor: %v", err)
		}

		cast, err := CastToFloat32(src)
		if err != nil {
			t.Fatalf("cast failed: %v", err)
		}
		if cast.DType != Float32 {
			t.Fatalf("dtype: got %s, want Float32", cast.DType)
		}
		floatsClose(t, cast.Data.([]float32), values, 0)
	})

	t.Run("from int codes", func(t *testing.T) {
		src, _ := NewTensor([]int{3}, Int32, CPU, []int32{0, 7, 255})
		cast, err := CastToFloat32(src)
		if err != nil {
			t.Fatalf("cast failed: %v", err)
		}
		floatsClose(t, cast.Data.([]float32), []float32{0, 7, 255}, 0)
	})

	t.Run("detaches from source", func(t *testing.T) {
		src, _ := NewTensor([]int{2}, Float32, CPU, []float32{1, 2})
		cast, _ := CastToFloat32(src)
		cast.Data.([]float32)[0] = 99
		if src.Data.([]float32)[0] != 1 {
			t.Fatal("cast shares storage with the source tensor")
		}
	})
}

func TestSelectRows(t *testing.T) {
	src, _ := NewTensor([]int{3, 2}, Float32, CPU, []float32{1, 2, 3, 4, 5, 6})

	sel, err := SelectRows(src, []int{2, 0, 2})
	if err != nil {
		t.Fatalf("SelectRows failed: %v", err)
	}
	if !shapesEqual(sel.Shape, []int{3, 2}) {
		t.Fatalf("shape: got %v, want [3 2]", sel.Shape)
	}
	floatsClose(t, sel.Data.([]float32), []float32{5, 6, 1, 2, 5, 6}, 0)

	if _, err := SelectRows(src, []int{3}); err == nil {
		t.Fatal("expected error for out-of-range index")
	}
}

func TestIsFinite(t *testing.T) {
	good, _ := NewTensor([]int{2}, Float32, CPU, []float32{1, -2})
	if !good.IsFinite() {
		t.Error("finite tensor reported non-finite")
	}

	bad, _ := NewTensor([]int{2}, Float32, CPU, []float32{1, float32(math.NaN())})
	if bad.IsFinite() {
		t.Error("NaN tensor reported finite")
	}

	inf, _ := NewTensor([]int{2}, Float32, CPU, []float32{float32(math.Inf(1)), 0})
	if inf.IsFinite() {
		t.Error("Inf tensor reported finite")
	}
}

func TestReshapeSharesData(t *testing.T) {
	src, _ := NewTensor([]int{2, 3}, Float32, CPU, []float32{1, 2, 3, 4, 5, 6})

	view, err := src.Reshape([]int{3, -1})
	if err != nil {
		t.Fatalf("Reshape failed: %v", err)
	}
	if !shapesEqual(view.Shape, []int{3, 2}) {
		t.Fatalf("shape: got %v, want [3 2]", view.Shape)
	}

	view.Data.([]float32)[0] = 99
	if src.Data.([]float32)[0] != 99 {
		t.Error("reshaped view does not share storage")
	}

	if _, err := src.Reshape([]int{4, 2}); err == nil {
		t.Fatal("expected error for element count mismatch")
	}
}

func TestToDeviceAndPin(t *testing.T) {
	src, _ := NewTensor([]int{2}, Float32, CPU, []float32{1, 2})
	if err := src.Pin(); err != nil {
		t.Fatalf("Pin failed: %v", err)
	}
	if !src.Pinned() {
		t.Fatal("tensor not pinned after Pin")
	}

	moved, err := src.ToDevice(Compute(0))
	if err != nil {
		t.Fatalf("ToDevice failed: %v", err)
	}
	if moved.Device != Compute(0) {
		t.Errorf("device: got %s, want compute:0", moved.Device)
	}
	if moved.Pinned() {
		t.Error("pinned flag survived the device move")
	}

	if err := moved.Pin(); err == nil {
		t.Fatal("expected error pinning a compute-device tensor")
	}
}
