package finetune

import (
	"fmt"

	"golang.org/x/exp/rand"

	"github.com/mz0in/aqlm-go/tensor"
)

// MinibatchSource is a restartable sampler over one device's stored
// (input, output) activation pairs. It yields minibatches forever,
// reshuffling its permutation each time the samples are exhausted, so it
// can be asked for more pairs than the store holds.
type MinibatchSource struct {
	inps      *tensor.Tensor // [samples, seq, hidden]
	outs      *tensor.Tensor
	batchSize int
	device    tensor.Device
	rng       *rand.Rand
	perm      []int
	pos       int
}

func NewMinibatchSource(inps, outs *tensor.Tensor, batchSize int, device tensor.Device, seed uint64) (*MinibatchSource, error) {
	if inps.Shape[0] != outs.Shape[0] {
		return nil, fmt.Errorf("input store has %d samples but output store has %d", inps.Shape[0], outs.Shape[0])
	}
	if batchSize <= 0 || batchSize > inps.Shape[0] {
		return nil, fmt.Errorf("batch size %d out of range for %d stored samples", batchSize, inps.Shape[0])
	}

	s := &MinibatchSource{
		inps:      inps,
		outs:      outs,
		batchSize: batchSize,
		device:    device,
		rng:       rand.New(rand.NewSource(seed)),
	}
	s.reshuffle()
	return s, nil
}

func (s *MinibatchSource) reshuffle() {
	s.perm = s.rng.Perm(s.inps.Shape[0])
	s.pos = 0
}

// Samples returns the number of stored activation pairs.
func (s *MinibatchSource) Samples() int {
	return s.inps.Shape[0]
}

// Next yields the next (input, output) minibatch on the source's device.
func (s *MinibatchSource) Next() (*tensor.Tensor, *tensor.Tensor, error) {
	if s.pos+s.batchSize > len(s.perm) {
		s.reshuffle()
	}
	indices := s.perm[s.pos : s.pos+s.batchSize]
	s.pos += s.batchSize

	in, err := tensor.SelectRows(s.inps, indices)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to gather input minibatch: %v", err)
	}
	out, err := tensor.SelectRows(s.outs, indices)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to gather output minibatch: %v", err)
	}

	// Offloaded stores live on the host; batches always move to the
	// consuming device.
	if in.Device != s.device {
		if in, err = in.ToDevice(s.device); err != nil {
			return nil, nil, err
		}
	}
	if out.Device != s.device {
		if out, err = out.ToDevice(s.device); err != nil {
			return nil, nil, err
		}
	}

	return in, out, nil
}
