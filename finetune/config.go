// Package finetune implements post-quantization fine-tuning of a layer
// whose dense weights were replaced by quantized approximations: given
// recorded input/output activations from a full-precision reference run,
// it adjusts the continuous trainable parameters (codebooks, scales) so
// the quantized layer reproduces the reference outputs under MSE, across
// one or more devices sharing a single logical parameter set.
package finetune

import (
	"fmt"

	"github.com/mz0in/aqlm-go/tensor"
)

// Config is the fine-tuning configuration surface.
type Config struct {
	// Devices is the ordered, non-empty list of compute targets. One
	// replica of the layer runs per device; the first device is the
	// master and owns parameters and optimizer state.
	Devices []tensor.Device

	// OffloadActivations keeps recorded activations in pinned host
	// memory instead of on their device.
	OffloadActivations bool

	// FinetuneBatchSize is the effective global batch size per optimizer
	// update. LocalBatchSize is the per-device minibatch size; zero
	// derives FinetuneBatchSize / len(Devices).
	FinetuneBatchSize int
	LocalBatchSize    int

	FinetuneMaxEpochs int
	PrintFrequency    int

	FinetuneLR        float64
	FinetuneAdamBeta1 float64
	FinetuneAdamBeta2 float64

	// FinetuneKeepBest snapshots the trainable parameters after each
	// improving epoch and rolls back after a non-improving one.
	FinetuneKeepBest bool

	// RelativeMSETolerance enables early stopping: training stops once
	// the epoch-over-best loss ratio exceeds (1 - tolerance). Nil
	// disables early stopping entirely and the loop runs all epochs.
	RelativeMSETolerance *float64

	// Seed drives minibatch sampling order per device.
	Seed uint64

	Verbose bool
}

// DefaultConfig mirrors the usual fine-tuning hyperparameters.
func DefaultConfig(devices []tensor.Device) Config {
	return Config{
		Devices:           devices,
		FinetuneBatchSize: 32,
		FinetuneMaxEpochs: 10,
		PrintFrequency:    10,
		FinetuneLR:        1e-4,
		FinetuneAdamBeta1: 0.9,
		FinetuneAdamBeta2: 0.95,
		FinetuneKeepBest:  true,
		Seed:              1,
		Verbose:           true,
	}
}

func (cfg *Config) validate() error {
	if len(cfg.Devices) < 1 {
		return fmt.Errorf("at least one device is required, found devices = %v", cfg.Devices)
	}
	if cfg.FinetuneBatchSize <= 0 {
		return fmt.Errorf("finetune batch size must be positive, got %d", cfg.FinetuneBatchSize)
	}
	if cfg.FinetuneMaxEpochs <= 0 {
		return fmt.Errorf("finetune max epochs must be positive, got %d", cfg.FinetuneMaxEpochs)
	}
	if cfg.PrintFrequency <= 0 {
		cfg.PrintFrequency = 10
	}
	return nil
}
