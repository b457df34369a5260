// Package optimizer provides the first-order optimizers used by the
// fine-tuning engine. Optimizer state lives on the master device only;
// replicas never see it.
package optimizer

import (
	"fmt"
	"math"
	"sync"

	"github.com/mz0in/aqlm-go/tensor"
)

// Optimizer is the interface the training loop drives.
type Optimizer interface {
	Step() error
	ZeroGrad()
}

// Adam implements the Adam optimizer over an ordered parameter list.
type Adam struct {
	parameters []*tensor.Tensor
	lr         float64
	beta1      float64
	beta2      float64
	eps        float64
	step       int64
	m          map[*tensor.Tensor][]float32
	v          map[*tensor.Tensor][]float32
	mutex      sync.Mutex
}

func NewAdam(parameters []*tensor.Tensor, lr, beta1, beta2 float64) *Adam {
	adam := &Adam{
		parameters: parameters,
		lr:         lr,
		beta1:      beta1,
		beta2:      beta2,
		eps:        1e-8,
		m:          make(map[*tensor.Tensor][]float32),
		v:          make(map[*tensor.Tensor][]float32),
	}
	for _, param := range parameters {
		if param.RequiresGrad() {
			adam.m[param] = make([]float32, param.NumElems)
			adam.v[param] = make([]float32, param.NumElems)
		}
	}
	return adam
}

// Step applies one Adam update to every parameter with an accumulated
// gradient.
func (adam *Adam) Step() error {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	adam.step++
	bias1 := 1.0 - math.Pow(adam.beta1, float64(adam.step))
	bias2 := 1.0 - math.Pow(adam.beta2, float64(adam.step))

	for _, param := range adam.parameters {
		if !param.RequiresGrad() || param.Grad() == nil {
			continue
		}
		if param.DType != tensor.Float32 {
			return fmt.Errorf("cannot optimize %s parameter", param.DType)
		}

		data := param.Data.([]float32)
		grad := param.Grad().Data.([]float32)
		m := adam.m[param]
		v := adam.v[param]

		for i := range data {
			g := float64(grad[i])
			mi := adam.beta1*float64(m[i]) + (1-adam.beta1)*g
			vi := adam.beta2*float64(v[i]) + (1-adam.beta2)*g*g
			m[i] = float32(mi)
			v[i] = float32(vi)

			mHat := mi / bias1
			vHat := vi / bias2
			data[i] -= float32(adam.lr * mHat / (math.Sqrt(vHat) + adam.eps))
		}
	}

	return nil
}

// ZeroGrad resets accumulated gradients on all parameters.
func (adam *Adam) ZeroGrad() {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	tensor.ZeroGrad(adam.parameters)
}

// StepCount returns the number of optimizer updates applied so far.
func (adam *Adam) StepCount() int64 {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	return adam.step
}
