// Package checkpoints serializes trainable-parameter state so a
// fine-tuned layer's codebooks and scales can be persisted and restored.
package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mz0in/aqlm-go/layers"
	"github.com/mz0in/aqlm-go/tensor"
)

// WeightTensor is one named parameter's values.
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// TrainingState captures where fine-tuning left off.
type TrainingState struct {
	Epoch    int     `json:"epoch"`
	Steps    int     `json:"steps"`
	BestLoss float64 `json:"best_loss"`
}

// CheckpointMetadata describes the checkpoint itself.
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
}

// Checkpoint is the on-disk representation of a fine-tuned layer's
// trainable state.
type Checkpoint struct {
	Weights       []WeightTensor     `json:"weights"`
	TrainingState TrainingState      `json:"training_state"`
	Metadata      CheckpointMetadata `json:"metadata"`
}

// FromModule extracts the layer's trainable parameters into a checkpoint.
func FromModule(m layers.Module, state TrainingState, description string) (*Checkpoint, error) {
	params := layers.TrainableParameters(m)
	weights := make([]WeightTensor, 0, len(params))
	for _, p := range params {
		if p.Param.DType != tensor.Float32 {
			return nil, fmt.Errorf("parameter %s has dtype %s, only Float32 parameters are checkpointed", p.Name, p.Param.DType)
		}
		data := make([]float32, p.Param.NumElems)
		copy(data, p.Param.Data.([]float32))
		shape := make([]int, len(p.Param.Shape))
		copy(shape, p.Param.Shape)
		weights = append(weights, WeightTensor{Name: p.Name, Shape: shape, Data: data})
	}

	return &Checkpoint{
		Weights:       weights,
		TrainingState: state,
		Metadata: CheckpointMetadata{
			Version:     "1.0.0",
			CreatedAt:   time.Now().UTC(),
			Description: description,
		},
	}, nil
}

// ApplyToModule writes checkpointed values back into the layer's
// trainable parameters, matching by name.
func (c *Checkpoint) ApplyToModule(m layers.Module) error {
	byName := make(map[string]WeightTensor, len(c.Weights))
	for _, w := range c.Weights {
		byName[w.Name] = w
	}

	for _, p := range layers.TrainableParameters(m) {
		w, ok := byName[p.Name]
		if !ok {
			return fmt.Errorf("checkpoint has no weights for parameter %s", p.Name)
		}
		if len(w.Data) != p.Param.NumElems {
			return fmt.Errorf("checkpoint weights for %s hold %d values, parameter has %d", p.Name, len(w.Data), p.Param.NumElems)
		}
		copy(p.Param.Data.([]float32), w.Data)
	}
	return nil
}

// Save writes the checkpoint to path as JSON.
func (c *Checkpoint) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %v", err)
	}
	return nil
}

// Load reads a checkpoint previously written by Save.
func Load(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %v", err)
	}
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint: %v", err)
	}
	return &c, nil
}
