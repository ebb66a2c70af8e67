package data

import (
	"fmt"
	"math/rand/v2"
)

// Batch holds model inputs and next-token targets, both (batch, block_size).
// Targets[b][i] == Inputs[b][i+1] for i < block_size-1.
type Batch struct {
	Inputs  [][]int
	Targets [][]int
}

// Size returns the number of sequences in the batch.
func (b Batch) Size() int {
	return len(b.Inputs)
}

// BlockDataset serves windows of a token stream that always start right
// after an EOS token. Each window holds blockSize+1 tokens, padded with EOS
// past the end of the stream, and yields (window[:blockSize], window[1:]).
type BlockDataset struct {
	stream    []int
	blockSize int
	eos       int
	starts    []int
}

// NewBlockDataset indexes the line starts of stream. The last EOS starts
// no window since no line follows it.
func NewBlockDataset(stream []int, blockSize, eos int) (*BlockDataset, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("block size must be positive, got %d", blockSize)
	}

	var eosPos []int
	for i, id := range stream {
		if id == eos {
			eosPos = append(eosPos, i)
		}
	}
	if len(eosPos) < 2 {
		return nil, fmt.Errorf("stream of %d tokens has %d EOS tokens, need at least 2", len(stream), len(eosPos))
	}

	starts := make([]int, len(eosPos)-1)
	for i, p := range eosPos[:len(eosPos)-1] {
		starts[i] = p + 1
	}

	return &BlockDataset{stream: stream, blockSize: blockSize, eos: eos, starts: starts}, nil
}

// Len returns the number of windows.
func (d *BlockDataset) Len() int {
	return len(d.starts)
}

// BlockSize returns the window length.
func (d *BlockDataset) BlockSize() int {
	return d.blockSize
}

// Window returns the inputs and targets of window i.
func (d *BlockDataset) Window(i int) (x, y []int) {
	s := d.starts[i]
	seq := make([]int, d.blockSize+1)
	n := copy(seq, d.stream[s:min(s+d.blockSize+1, len(d.stream))])
	for j := n; j < len(seq); j++ {
		seq[j] = d.eos
	}
	return seq[:d.blockSize], seq[1:]
}

// RandomBatch draws batchSize windows uniformly with replacement.
func (d *BlockDataset) RandomBatch(rng *rand.Rand, batchSize int) Batch {
	b := Batch{Inputs: make([][]int, batchSize), Targets: make([][]int, batchSize)}
	for i := range b.Inputs {
		b.Inputs[i], b.Targets[i] = d.Window(rng.IntN(len(d.starts)))
	}
	return b
}

// Batches returns every window once, in order, grouped into batches of at
// most batchSize.
func (d *BlockDataset) Batches(batchSize int) []Batch {
	if batchSize <= 0 {
		batchSize = 1
	}

	var batches []Batch
	for lo := 0; lo < len(d.starts); lo += batchSize {
		hi := min(lo+batchSize, len(d.starts))
		b := Batch{Inputs: make([][]int, 0, hi-lo), Targets: make([][]int, 0, hi-lo)}
		for i := lo; i < hi; i++ {
			x, y := d.Window(i)
			b.Inputs = append(b.Inputs, x)
			b.Targets = append(b.Targets, y)
		}
		batches = append(batches, b)
	}
	return batches
}
