package model

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"headlinegpt/pkg/tensor"
)

// CrossEntropy returns the mean next-token cross-entropy of logits
// (batch, seq, vocab_size) against targets (batch, seq), and its gradient
// with respect to the logits.
//
// Each position contributes logsumexp(row) - row[target]; the gradient is
// (softmax(row) - onehot(target)) / positions.
func CrossEntropy(logits *tensor.Tensor, targets [][]int) (float64, *tensor.Tensor, error) {
	if len(logits.Shape) != 3 {
		return 0, nil, fmt.Errorf("expected 3D logits (batch, seq, vocab_size), got shape %v", logits.Shape)
	}
	batchSize, seqLen, vocabSize := logits.Shape[0], logits.Shape[1], logits.Shape[2]

	if len(targets) != batchSize {
		return 0, nil, fmt.Errorf("%w: %d target rows for batch of %d", ErrSequenceLength, len(targets), batchSize)
	}

	positions := batchSize * seqLen
	dlogits := tensor.NewTensor(logits.Shape)
	row := make([]float64, vocabSize)
	total := 0.0

	for b, tgt := range targets {
		if len(tgt) != seqLen {
			return 0, nil, fmt.Errorf("%w: target row %d has length %d, expected %d",
				ErrSequenceLength, b, len(tgt), seqLen)
		}

		for s, target := range tgt {
			if target < 0 || target >= vocabSize {
				return 0, nil, fmt.Errorf("%w: target id %d at (%d, %d), vocab size is %d",
					ErrVocabularyRange, target, b, s, vocabSize)
			}

			off := (b*seqLen + s) * vocabSize
			for v := range row {
				row[v] = float64(logits.Data[off+v])
			}

			lse := floats.LogSumExp(row)
			total += lse - row[target]

			for v := range row {
				dlogits.Data[off+v] = float32(math.Exp(row[v]-lse) / float64(positions))
			}
			dlogits.Data[off+target] -= float32(1 / float64(positions))
		}
	}

	loss := total / float64(positions)
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return 0, nil, fmt.Errorf("%w: loss is %v", ErrNumericInstability, loss)
	}

	return loss, dlogits, nil
}
