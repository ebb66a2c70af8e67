package train

import (
	"fmt"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// PlotLosses saves a log-log plot of the training and validation loss
// against the training step. The image format follows the file extension.
func PlotLosses(path string, h *History) error {
	if h.Len() < 2 {
		return fmt.Errorf("need at least 2 evaluations to plot, have %d", h.Len())
	}

	train := make(plotter.XYs, h.Len())
	val := make(plotter.XYs, h.Len())
	for i, step := range h.Steps {
		train[i] = plotter.XY{X: float64(step), Y: h.TrainLoss[i]}
		val[i] = plotter.XY{X: float64(step), Y: h.ValLoss[i]}
	}

	p := plot.New()
	p.X.Label.Text = "Training step"
	p.Y.Label.Text = "Loss"
	p.X.Scale = plot.LogScale{}
	p.Y.Scale = plot.LogScale{}
	p.X.Tick.Marker = plot.LogTicks{Prec: -1}
	p.Y.Tick.Marker = plot.LogTicks{Prec: -1}
	p.Legend.Top = true

	last := h.Len() - 1
	err := plotutil.AddLines(p,
		fmt.Sprintf("train, final = %.4f", h.TrainLoss[last]), train,
		fmt.Sprintf("validation, final = %.4f", h.ValLoss[last]), val,
	)
	if err != nil {
		return fmt.Errorf("failed to add loss lines: %w", err)
	}

	if err := p.Save(6*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save loss plot: %w", err)
	}
	return nil
}

// PlotLengths saves a histogram of tokenized line lengths.
func PlotLengths(path string, lengths []int) error {
	if len(lengths) == 0 {
		return fmt.Errorf("no line lengths to plot")
	}

	values := make(plotter.Values, len(lengths))
	for i, l := range lengths {
		values[i] = float64(l)
	}

	hist, err := plotter.NewHist(values, 30)
	if err != nil {
		return fmt.Errorf("failed to build histogram: %w", err)
	}

	p := plot.New()
	p.Title.Text = "Line lengths"
	p.X.Label.Text = "Length (tokens)"
	p.Y.Label.Text = "Frequency"
	p.Add(hist)

	if err := p.Save(6*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save length histogram: %w", err)
	}
	return nil
}
