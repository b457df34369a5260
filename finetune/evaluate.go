package finetune

import (
	"fmt"
	"log"

	"golang.org/x/sync/errgroup"

	"github.com/mz0in/aqlm-go/layers"
	"github.com/mz0in/aqlm-go/tensor"
)

// Keyword tensors it is always safe to tile over the batch dimension.
var tileSafeKwargs = map[string]bool{
	"attention_mask": true,
	"position_ids":   true,
}

// computeMSEOnBatch pulls one minibatch, runs the layer and returns the
// mean-squared error between the prediction and the recorded output, as
// a scalar in the autograd graph.
//
// Keyword tensors shaped for a single sample (leading dimension 1) are
// tiled up to the batch size; tiling anything outside the known-safe set
// is allowed but logged, since the broadcast may not be semantically
// valid for an arbitrary argument.
func computeMSEOnBatch(layer layers.Module, batches *MinibatchSource, kwargs map[string]*tensor.Tensor) (*tensor.Tensor, error) {
	inBatch, outBatch, err := batches.Next()
	if err != nil {
		return nil, err
	}

	// Loss runs in a fixed precision regardless of how activations are
	// stored.
	inBatch, err = tensor.CastToFloat32(inBatch)
	if err != nil {
		return nil, fmt.Errorf("failed to cast input batch: %v", err)
	}
	outBatch, err = tensor.CastToFloat32(outBatch)
	if err != nil {
		return nil, fmt.Errorf("failed to cast output batch: %v", err)
	}

	batchSize := inBatch.Shape[0]
	if batchSize != 1 && len(kwargs) > 0 {
		tiled := make(map[string]*tensor.Tensor, len(kwargs))
		for name, value := range kwargs {
			if value != nil && value.Shape[0] == 1 {
				if !tileSafeKwargs[name] {
					log.Printf("warning: tiling unexpected kwarg %q over batch size %d; make sure this is valid", name, batchSize)
				}
				if value, err = tensor.Tile(value, batchSize); err != nil {
					return nil, fmt.Errorf("failed to tile kwarg %q: %v", name, err)
				}
			}
			tiled[name] = value
		}
		kwargs = tiled
	}

	outputs, err := layer.Forward(inBatch, kwargs)
	if err != nil {
		return nil, fmt.Errorf("forward pass failed: %v", err)
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("layer produced no outputs")
	}

	prediction := outputs[0]
	if !shapesMatch(prediction.Shape, outBatch.Shape) {
		return nil, fmt.Errorf("prediction shape %v does not match target shape %v", prediction.Shape, outBatch.Shape)
	}

	diff := tensor.SubAutograd(prediction, outBatch)
	return tensor.MeanAllAutograd(tensor.MulAutograd(diff, diff)), nil
}

// computeMSEParallel evaluates one step's loss across all devices.
//
// Before any forward pass, the current parameter values are copied to
// each non-master replica through the autograd graph and written into
// every replacement location, so replicas compute with this step's
// values while gradients still flow into the master parameters. The
// per-device forward passes then run concurrently; their scalar losses
// are gathered (differentiably) onto the master device and averaged.
func computeMSEParallel(
	devices []tensor.Device,
	replicas []layers.Module,
	params []NamedParameter,
	tables []ReplacementTable,
	batches []*MinibatchSource,
	kwargsByDevice []map[string]*tensor.Tensor,
) (*tensor.Tensor, error) {
	for i := 1; i < len(replicas); i++ {
		for j, p := range params {
			replicated := tensor.CopyToDeviceAutograd(p.Param, devices[i])
			for _, loc := range tables[i][j] {
				if err := loc.Module.ReplaceParameter(loc.Attr, replicated); err != nil {
					return nil, fmt.Errorf("failed to inject %s into replica %d: %v", p.Name, i, err)
				}
			}
		}
	}

	losses := make([]*tensor.Tensor, len(replicas))
	var group errgroup.Group
	for i := range replicas {
		i := i
		group.Go(func() error {
			loss, err := computeMSEOnBatch(replicas[i], batches[i], kwargsByDevice[i])
			if err != nil {
				return fmt.Errorf("device %s: %v", devices[i], err)
			}
			losses[i] = loss
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	return tensor.GatherMeanAutograd(devices[0], losses...), nil
}

func shapesMatch(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
