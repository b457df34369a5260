package finetune

import (
	"fmt"

	"github.com/mz0in/aqlm-go/layers"
	"github.com/mz0in/aqlm-go/tensor"
)

// NamedParameter re-exports the layer walk's parameter entries; identity
// of an entry is the tensor pointer, not the name (a parameter aliased
// across submodules appears once, under its first name).
type NamedParameter = layers.NamedParameter

// checkActivationPlacement enforces the setup preconditions: one
// activation group per device, placed on its device — or, with
// offloading, every group in pinned host memory.
func checkActivationPlacement(inps, outs []*tensor.Tensor, cfg *Config) error {
	if len(inps) != len(outs) || len(inps) != len(cfg.Devices) {
		return fmt.Errorf("got %d input groups and %d output groups for %d devices",
			len(inps), len(outs), len(cfg.Devices))
	}

	for i := range cfg.Devices {
		in, out := inps[i], outs[i]
		if in == nil || out == nil {
			return fmt.Errorf("activation group %d is missing", i)
		}
		if !cfg.OffloadActivations {
			if in.Device != cfg.Devices[i] || out.Device != cfg.Devices[i] {
				return fmt.Errorf("activation group %d placed on (%s, %s), want %s",
					i, in.Device, out.Device, cfg.Devices[i])
			}
		} else {
			if !in.Device.IsCPU() || !out.Device.IsCPU() {
				return fmt.Errorf("offloaded activation group %d must live on the host, got (%s, %s)",
					i, in.Device, out.Device)
			}
			if !in.Pinned() || !out.Pinned() {
				return fmt.Errorf("offloaded activation group %d must be pinned", i)
			}
		}
		if in.Shape[0] != out.Shape[0] {
			return fmt.Errorf("activation group %d has %d inputs but %d outputs", i, in.Shape[0], out.Shape[0])
		}
	}

	samplesPerDevice := inps[0].Shape[0]
	for i, in := range inps {
		if in.Shape[0] != samplesPerDevice {
			return fmt.Errorf("activation group %d has %d samples, want %d on every device",
				i, in.Shape[0], samplesPerDevice)
		}
	}

	return nil
}

// buildReplicas places one structural copy of the layer on each device.
// The replica for the first device is the original layer itself.
func buildReplicas(layer layers.Module, devices []tensor.Device) ([]layers.Module, error) {
	replicas := make([]layers.Module, len(devices))
	replicas[0] = layer
	for i := 1; i < len(devices); i++ {
		replica, err := layer.CloneTo(devices[i])
		if err != nil {
			return nil, fmt.Errorf("failed to replicate layer to %s: %v", devices[i], err)
		}
		replicas[i] = replica
	}
	return replicas, nil
}

// moveKwargs pre-places the forward keyword tensors on each device.
func moveKwargs(kwargs map[string]*tensor.Tensor, devices []tensor.Device) ([]map[string]*tensor.Tensor, error) {
	byDevice := make([]map[string]*tensor.Tensor, len(devices))
	for i, device := range devices {
		local := make(map[string]*tensor.Tensor, len(kwargs))
		for name, value := range kwargs {
			if value == nil {
				continue
			}
			moved, err := value.ToDevice(device)
			if err != nil {
				return nil, fmt.Errorf("failed to move kwarg %q to %s: %v", name, device, err)
			}
			local[name] = moved
		}
		byDevice[i] = local
	}
	return byDevice, nil
}
