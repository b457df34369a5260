package finetune

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/mz0in/aqlm-go/layers"
	"github.com/mz0in/aqlm-go/optimizer"
	"github.com/mz0in/aqlm-go/tensor"
)

// Stats reports what one fine-tuning call did.
type Stats struct {
	EpochsRun        int
	Steps            int
	OptimizerUpdates int64
	EpochLosses      []float64
	StoppedEarly     bool
}

// Finetune adjusts the layer's trainable parameters so that it maps the
// recorded input activations to the recorded output activations as
// closely as possible under MSE.
//
// inps and outs hold one activation group per configured device, each
// shaped [samples, seq, hidden]. kwargs are extra keyword tensors passed
// into every forward pass. The layer is updated in place and returned;
// with early stopping and FinetuneKeepBest the returned parameters are
// the best snapshot rather than the last live state.
func Finetune(layer layers.Module, inps, outs []*tensor.Tensor, cfg Config, kwargs map[string]*tensor.Tensor) (layers.Module, *Stats, error) {
	if err := cfg.validate(); err != nil {
		return nil, nil, err
	}
	if err := checkActivationPlacement(inps, outs, &cfg); err != nil {
		return nil, nil, err
	}

	numDevices := len(cfg.Devices)

	params := layers.TrainableParameters(layer)
	if len(params) == 0 {
		return nil, nil, fmt.Errorf("layer has no trainable parameters")
	}
	paramTensors := make([]*tensor.Tensor, len(params))
	numel := 0
	for i, p := range params {
		paramTensors[i] = p.Param
		numel += p.Param.NumElems
	}

	// Multi-device setup: replicas, per-device kwargs, replacement tables.
	var replicas []layers.Module
	var tables []ReplacementTable
	var kwargsByDevice []map[string]*tensor.Tensor
	if numDevices > 1 {
		var err error
		if replicas, err = buildReplicas(layer, cfg.Devices); err != nil {
			return nil, nil, err
		}
		if kwargsByDevice, err = moveKwargs(kwargs, cfg.Devices); err != nil {
			return nil, nil, err
		}
		if tables, err = buildReplacementTables(layer, replicas, params); err != nil {
			return nil, nil, err
		}
	}

	if cfg.Verbose {
		fmt.Printf("Fine-tuning %d parameters\n", numel)
	}

	opt := optimizer.NewAdam(paramTensors, cfg.FinetuneLR, cfg.FinetuneAdamBeta1, cfg.FinetuneAdamBeta2)

	var best []*tensor.Tensor
	if cfg.FinetuneKeepBest {
		var err error
		if best, err = snapshotParameters(paramTensors); err != nil {
			return nil, nil, err
		}
	}

	// Loop shape. Every division must be exact: a remainder means the
	// configuration cannot tile the stored samples into whole updates.
	if cfg.FinetuneBatchSize%numDevices != 0 {
		return nil, nil, fmt.Errorf("batch size %d must be divisible by the number of devices %d",
			cfg.FinetuneBatchSize, numDevices)
	}
	localBatchSize := cfg.LocalBatchSize
	if localBatchSize == 0 {
		localBatchSize = cfg.FinetuneBatchSize / numDevices
	}
	if cfg.FinetuneBatchSize%(localBatchSize*numDevices) != 0 {
		return nil, nil, fmt.Errorf("batch size %d must be divisible by local batch size %d times %d devices",
			cfg.FinetuneBatchSize, localBatchSize, numDevices)
	}
	numAccumulationSteps := cfg.FinetuneBatchSize / (localBatchSize * numDevices)

	samplesPerDevice := inps[0].Shape[0]
	if samplesPerDevice%localBatchSize != 0 {
		return nil, nil, fmt.Errorf("%d samples per device do not divide into local batches of %d",
			samplesPerDevice, localBatchSize)
	}
	if (samplesPerDevice*numDevices)%cfg.FinetuneBatchSize != 0 {
		return nil, nil, fmt.Errorf("%d total samples do not divide into batches of %d",
			samplesPerDevice*numDevices, cfg.FinetuneBatchSize)
	}
	stepsPerEpoch := samplesPerDevice * numDevices / cfg.FinetuneBatchSize

	sources := make([]*MinibatchSource, numDevices)
	for i := range sources {
		var err error
		sources[i], err = NewMinibatchSource(inps[i], outs[i], localBatchSize, cfg.Devices[i], cfg.Seed+uint64(i))
		if err != nil {
			return nil, nil, err
		}
	}

	stats := &Stats{}
	previousBestLoss := math.Inf(1)
	stepsAccumulated := 0
	accumulationScale := tensor.FromScalar(1.0/float64(numAccumulationSteps), tensor.Float32, cfg.Devices[0])

	for epoch := 0; epoch < cfg.FinetuneMaxEpochs; epoch++ {
		stepLosses := make([]float64, 0, stepsPerEpoch)

		for step := 0; step < stepsPerEpoch; step++ {
			var loss *tensor.Tensor
			var err error
			if numDevices == 1 {
				loss, err = computeMSEOnBatch(layer, sources[0], kwargs)
			} else {
				loss, err = computeMSEParallel(cfg.Devices, replicas, params, tables, sources, kwargsByDevice)
			}
			if err != nil {
				return nil, stats, err
			}

			lossValue, err := loss.Item()
			if err != nil {
				return nil, stats, err
			}
			if math.IsNaN(lossValue) || math.IsInf(lossValue, 0) {
				return nil, stats, fmt.Errorf("fine-tuning loss is %v", lossValue)
			}

			if err := tensor.MulAutograd(loss, accumulationScale).Backward(); err != nil {
				return nil, stats, fmt.Errorf("backward pass failed: %v", err)
			}
			stepsAccumulated++

			if stepsAccumulated >= numAccumulationSteps {
				if err := opt.Step(); err != nil {
					return nil, stats, fmt.Errorf("optimizer step failed: %v", err)
				}
				opt.ZeroGrad()
				stepsAccumulated = 0
			}

			stepLosses = append(stepLosses, lossValue)
			stats.Steps++

			if cfg.Verbose && (epoch*stepsPerEpoch+step)%cfg.PrintFrequency == 0 {
				fmt.Printf("epoch=%d\tstep=%d\tloss=%.10f\n",
					epoch, step, floats.Sum(stepLosses)/float64(len(stepLosses)))
			}
		}

		// The epoch's final running average is always reported, even off
		// the print period.
		if cfg.Verbose && (epoch*stepsPerEpoch+stepsPerEpoch-1)%cfg.PrintFrequency != 0 {
			fmt.Printf("epoch=%d\tstep=%d\tloss=%.10f\n",
				epoch, stepsPerEpoch-1, floats.Sum(stepLosses)/float64(len(stepLosses)))
		}

		epochLoss := stat.Mean(stepLosses, nil)
		stats.EpochLosses = append(stats.EpochLosses, epochLoss)
		stats.EpochsRun++
		stats.OptimizerUpdates = opt.StepCount()

		if cfg.RelativeMSETolerance != nil {
			if cfg.FinetuneKeepBest {
				if epochLoss/previousBestLoss < 1.0 {
					var err error
					if best, err = snapshotParameters(paramTensors); err != nil {
						return nil, stats, err
					}
				} else if err := restoreParameters(paramTensors, best); err != nil {
					return nil, stats, err
				}
			}
			if epochLoss/previousBestLoss > 1.0-*cfg.RelativeMSETolerance {
				// Improvement too small: stop before rolling this epoch's
				// update forward.
				stats.StoppedEarly = true
				return layer, stats, nil
			}
			previousBestLoss = math.Min(epochLoss, previousBestLoss)
		}
	}

	stats.OptimizerUpdates = opt.StepCount()
	return layer, stats, nil
}

// snapshotParameters deep-copies the current parameter values.
func snapshotParameters(params []*tensor.Tensor) ([]*tensor.Tensor, error) {
	snapshot := make([]*tensor.Tensor, len(params))
	for i, p := range params {
		clone, err := p.Clone()
		if err != nil {
			return nil, fmt.Errorf("failed to snapshot parameter %d: %v", i, err)
		}
		snapshot[i] = clone
	}
	return snapshot, nil
}

// restoreParameters copies snapshot values back into the live tensors,
// preserving their identity so the optimizer and replacement tables stay
// valid.
func restoreParameters(params, snapshot []*tensor.Tensor) error {
	for i, p := range params {
		if err := p.CopyValuesFrom(snapshot[i]); err != nil {
			return fmt.Errorf("failed to restore parameter %d: %v", i, err)
		}
	}
	return nil
}
