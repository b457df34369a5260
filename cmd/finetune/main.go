// Command finetune runs the quantized-layer fine-tuning engine on a
// synthetic workload: a residual block of quantized linear layers is
// trained to reproduce noisy reference activations recorded from its own
// initial state.
package main

import (
	"flag"
	"fmt"
	"log"

	"golang.org/x/exp/rand"

	"github.com/mz0in/aqlm-go/checkpoints"
	"github.com/mz0in/aqlm-go/finetune"
	"github.com/mz0in/aqlm-go/layers"
	"github.com/mz0in/aqlm-go/tensor"
)

func main() {
	numDevices := flag.Int("devices", 1, "number of compute devices")
	hidden := flag.Int("hidden", 64, "hidden size")
	seqLen := flag.Int("seq-len", 8, "sequence length")
	samples := flag.Int("samples", 64, "stored samples per device")
	batchSize := flag.Int("batch-size", 16, "effective batch size per optimizer update")
	epochs := flag.Int("epochs", 5, "maximum fine-tuning epochs")
	lr := flag.Float64("lr", 1e-3, "Adam learning rate")
	tolerance := flag.Float64("tolerance", 0.001, "relative MSE tolerance for early stopping (0 disables)")
	checkpointPath := flag.String("checkpoint", "", "optional path to write the fine-tuned parameter state")
	flag.Parse()

	devices := tensor.Devices(*numDevices)
	rng := rand.New(rand.NewSource(42))

	layer, err := buildLayer(*hidden, devices[0], rng)
	if err != nil {
		log.Fatalf("failed to build layer: %v", err)
	}

	inps, outs, err := recordActivations(layer, devices, *samples, *seqLen, *hidden, rng)
	if err != nil {
		log.Fatalf("failed to record activations: %v", err)
	}

	cfg := finetune.DefaultConfig(devices)
	cfg.FinetuneBatchSize = *batchSize
	cfg.FinetuneMaxEpochs = *epochs
	cfg.FinetuneLR = *lr
	if *tolerance > 0 {
		cfg.RelativeMSETolerance = tolerance
	}

	mask, err := tensor.Zeros([]int{1, *seqLen, 1}, tensor.Float32, devices[0])
	if err != nil {
		log.Fatalf("failed to build attention mask: %v", err)
	}
	kwargs := map[string]*tensor.Tensor{"attention_mask": mask}

	layer, stats, err := finetune.Finetune(layer, inps, outs, cfg, kwargs)
	if err != nil {
		log.Fatalf("fine-tuning failed: %v", err)
	}

	fmt.Printf("Finished after %d epochs (%d steps, %d optimizer updates)\n",
		stats.EpochsRun, stats.Steps, stats.OptimizerUpdates)
	if n := len(stats.EpochLosses); n > 0 {
		fmt.Printf("First epoch loss %.6f, last epoch loss %.6f\n",
			stats.EpochLosses[0], stats.EpochLosses[n-1])
	}

	if *checkpointPath != "" {
		state := checkpoints.TrainingState{Epoch: stats.EpochsRun, Steps: stats.Steps}
		if n := len(stats.EpochLosses); n > 0 {
			state.BestLoss = stats.EpochLosses[n-1]
		}
		ckpt, err := checkpoints.FromModule(layer, state, "synthetic fine-tuning demo")
		if err != nil {
			log.Fatalf("failed to build checkpoint: %v", err)
		}
		if err := ckpt.Save(*checkpointPath); err != nil {
			log.Fatalf("failed to save checkpoint: %v", err)
		}
		fmt.Printf("Saved trainable state to %s\n", *checkpointPath)
	}
}

// buildLayer assembles a residual block of two quantized projections
// sharing one codebook.
func buildLayer(hidden int, device tensor.Device, rng *rand.Rand) (layers.Module, error) {
	up, err := layers.NewQuantizedLinear(hidden, hidden, 8, 256, true, device, rng)
	if err != nil {
		return nil, err
	}
	down, err := layers.NewQuantizedLinear(hidden, hidden, 8, 256, true, device, rng)
	if err != nil {
		return nil, err
	}
	if err := down.TieCodebook(up); err != nil {
		return nil, err
	}

	return layers.NewBlock(true,
		layers.NamedChild{Name: "up_proj", Module: up},
		layers.NamedChild{Name: "down_proj", Module: down},
	), nil
}

// recordActivations plays random inputs through the layer and stores the
// outputs, lightly perturbed, as the fine-tuning target.
func recordActivations(layer layers.Module, devices []tensor.Device, samples, seqLen, hidden int, rng *rand.Rand) ([]*tensor.Tensor, []*tensor.Tensor, error) {
	inps := make([]*tensor.Tensor, len(devices))
	outs := make([]*tensor.Tensor, len(devices))
	for i, device := range devices {
		in, err := tensor.RandomNormal([]int{samples, seqLen, hidden}, 0, 1, devices[0], rng)
		if err != nil {
			return nil, nil, err
		}

		forward, err := layer.Forward(in, nil)
		if err != nil {
			return nil, nil, err
		}
		noise, err := tensor.RandomNormal(forward[0].Shape, 0, 0.05, devices[0], rng)
		if err != nil {
			return nil, nil, err
		}
		out, err := tensor.Add(forward[0], noise)
		if err != nil {
			return nil, nil, err
		}

		if inps[i], err = in.ToDevice(device); err != nil {
			return nil, nil, err
		}
		if outs[i], err = out.ToDevice(device); err != nil {
			return nil, nil, err
		}
	}
	return inps, outs, nil
}
