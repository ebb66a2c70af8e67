package train

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"

	"headlinegpt/pkg/checkpoint"
)

// History is the loss curve, one entry per evaluation.
type History struct {
	checkpoint.History
}

// Record appends one evaluation.
func (h *History) Record(step int, trainLoss, valLoss float64) {
	h.Steps = append(h.Steps, step)
	h.TrainLoss = append(h.TrainLoss, trainLoss)
	h.ValLoss = append(h.ValLoss, valLoss)
}

// Len returns the number of evaluations.
func (h *History) Len() int {
	return len(h.ValLoss)
}

// Ratio compares the latest validation loss with the one int(0.2*n)+2
// evaluations back, covering the trailing fifth of training. ok is false
// with fewer than two evaluations.
func (h *History) Ratio() (ratio float64, ok bool) {
	n := len(h.ValLoss)
	if n < 2 {
		return 0, false
	}
	back := min(int(float64(n)*0.2)+2, n)
	return h.ValLoss[n-1] / h.ValLoss[n-back], true
}

// WriteCSV writes the history as step,train_loss,val_loss rows.
func (h *History) WriteCSV(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create history file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"step", "train_loss", "val_loss"}); err != nil {
		return fmt.Errorf("failed to write history header: %w", err)
	}
	for i := range h.ValLoss {
		err := w.Write([]string{
			strconv.Itoa(h.Steps[i]),
			strconv.FormatFloat(h.TrainLoss[i], 'g', -1, 64),
			strconv.FormatFloat(h.ValLoss[i], 'g', -1, 64),
		})
		if err != nil {
			return fmt.Errorf("failed to write history row %d: %w", i, err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to flush history: %w", err)
	}
	return f.Close()
}
