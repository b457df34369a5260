package finetune

import (
	"testing"

	"github.com/mz0in/aqlm-go/tensor"
)

func activationGroup(t *testing.T, samples int, device tensor.Device) (*tensor.Tensor, *tensor.Tensor) {
	t.Helper()
	in, err := tensor.Zeros([]int{samples, 2, 4}, tensor.Float32, device)
	if err != nil {
		t.Fatalf("failed to create activations: %v", err)
	}
	out, err := tensor.Zeros([]int{samples, 2, 4}, tensor.Float32, device)
	if err != nil {
		t.Fatalf("failed to create activations: %v", err)
	}
	return in, out
}

func TestCheckActivationPlacement(t *testing.T) {
	devices := tensor.Devices(2)

	t.Run("accepts on-device groups", func(t *testing.T) {
		cfg := &Config{Devices: devices}
		in0, out0 := activationGroup(t, 4, devices[0])
		in1, out1 := activationGroup(t, 4, devices[1])
		if err := checkActivationPlacement(
			[]*tensor.Tensor{in0, in1}, []*tensor.Tensor{out0, out1}, cfg); err != nil {
			t.Fatalf("placement rejected: %v", err)
		}
	})

	t.Run("rejects group count mismatch", func(t *testing.T) {
		cfg := &Config{Devices: devices}
		in0, out0 := activationGroup(t, 4, devices[0])
		if err := checkActivationPlacement(
			[]*tensor.Tensor{in0}, []*tensor.Tensor{out0}, cfg); err == nil {
			t.Fatal("expected error for one group on two devices")
		}
	})

	t.Run("rejects misplaced group", func(t *testing.T) {
		cfg := &Config{Devices: devices}
		in0, out0 := activationGroup(t, 4, devices[0])
		in1, out1 := activationGroup(t, 4, devices[0]) // wrong device
		if err := checkActivationPlacement(
			[]*tensor.Tensor{in0, in1}, []*tensor.Tensor{out0, out1}, cfg); err == nil {
			t.Fatal("expected error for group on the wrong device")
		}
	})

	t.Run("rejects uneven sample counts", func(t *testing.T) {
		cfg := &Config{Devices: devices}
		in0, out0 := activationGroup(t, 4, devices[0])
		in1, out1 := activationGroup(t, 2, devices[1])
		if err := checkActivationPlacement(
			[]*tensor.Tensor{in0, in1}, []*tensor.Tensor{out0, out1}, cfg); err == nil {
			t.Fatal("expected error for uneven per-device sample counts")
		}
	})

	t.Run("offloading requires pinned host memory", func(t *testing.T) {
		cfg := &Config{Devices: devices[:1], OffloadActivations: true}

		in, out := activationGroup(t, 4, tensor.CPU)
		if err := checkActivationPlacement(
			[]*tensor.Tensor{in}, []*tensor.Tensor{out}, cfg); err == nil {
			t.Fatal("expected error for unpinned offloaded activations")
		}

		if err := in.Pin(); err != nil {
			t.Fatalf("Pin failed: %v", err)
		}
		if err := out.Pin(); err != nil {
			t.Fatalf("Pin failed: %v", err)
		}
		if err := checkActivationPlacement(
			[]*tensor.Tensor{in}, []*tensor.Tensor{out}, cfg); err != nil {
			t.Fatalf("pinned host activations rejected: %v", err)
		}

		onDevice, outDevice := activationGroup(t, 4, devices[0])
		if err := checkActivationPlacement(
			[]*tensor.Tensor{onDevice}, []*tensor.Tensor{outDevice}, cfg); err == nil {
			t.Fatal("expected error for offloaded activations on a compute device")
		}
	})
}

func TestBuildReplicas(t *testing.T) {
	devices := tensor.Devices(2)
	layer := buildTestLayer(t, devices[0], 1)

	replicas, err := buildReplicas(layer, devices)
	if err != nil {
		t.Fatalf("buildReplicas failed: %v", err)
	}
	if len(replicas) != 2 {
		t.Fatalf("replicas: got %d, want 2", len(replicas))
	}
	if replicas[0] != layer {
		t.Error("replica 0 is not the master layer itself")
	}
	if replicas[1] == layer {
		t.Error("replica 1 aliases the master layer")
	}
}

func TestMoveKwargs(t *testing.T) {
	devices := tensor.Devices(2)
	mask, _ := tensor.Zeros([]int{1, 2, 1}, tensor.Float32, devices[0])

	byDevice, err := moveKwargs(map[string]*tensor.Tensor{
		"attention_mask": mask,
		"absent":         nil,
	}, devices)
	if err != nil {
		t.Fatalf("moveKwargs failed: %v", err)
	}

	for i, device := range devices {
		local := byDevice[i]
		if got := local["attention_mask"]; got == nil || got.Device != device {
			t.Errorf("device %d mask: got %v, want tensor on %s", i, got, device)
		}
		if _, ok := local["absent"]; ok {
			t.Errorf("device %d carries the nil kwarg", i)
		}
	}
}
