// Package evaluate scores a classifier against a labelled dataset split.
package evaluate

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/pkg/errors"

	"github.com/Brownie44l1/pomegrade/internal/dataset"
	"github.com/Brownie44l1/pomegrade/internal/model"
)

// Predictor classifies one preprocessed input.
type Predictor interface {
	Predict(input []float32) (*model.Prediction, error)
}

// ClassMetrics holds per-class scores.
type ClassMetrics struct {
	Name      string
	Precision float64
	Recall    float64
	F1        float64
	Support   int
}

// Report summarizes predictions against true labels.
type Report struct {
	Classes []string
	// Confusion[i][j] counts samples of true class i predicted as class j.
	Confusion [][]int
	PerClass  []ClassMetrics
	Accuracy  float64
	Total     int
}

// Run predicts every sample of ds, which must be built with the validation
// transform matching the model, and reports the results. The predictor's
// class order must match the dataset's. progress, if not nil, is called after
// each sample.
func Run(ctx context.Context, ds *dataset.Dataset, p Predictor, progress func()) (*Report, error) {
	classes := ds.ClassNames()
	yTrue := make([]int, 0, ds.Len())
	yPred := make([]int, 0, ds.Len())

	for i := 0; i < ds.Len(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		item, err := ds.Get(i)
		if err != nil {
			return nil, err
		}
		if item.Tensor == nil {
			return nil, errors.New("dataset has no transform")
		}
		pred, err := p.Predict(item.Tensor.Data)
		if err != nil {
			return nil, errors.Wrapf(err, "predict sample %d", i)
		}
		if pred.Index < 0 || pred.Index >= len(classes) {
			return nil, errors.Errorf("predicted index %d outside %d dataset classes", pred.Index, len(classes))
		}
		yTrue = append(yTrue, item.Label)
		yPred = append(yPred, pred.Index)
		if progress != nil {
			progress()
		}
	}

	return NewReport(classes, yTrue, yPred)
}

// NewReport builds the confusion matrix and per-class metrics.
func NewReport(classes []string, yTrue, yPred []int) (*Report, error) {
	if len(yTrue) != len(yPred) {
		return nil, errors.Errorf("%d labels but %d predictions", len(yTrue), len(yPred))
	}

	k := len(classes)
	r := &Report{
		Classes:   classes,
		Confusion: make([][]int, k),
		PerClass:  make([]ClassMetrics, k),
		Total:     len(yTrue),
	}
	for i := range r.Confusion {
		r.Confusion[i] = make([]int, k)
	}

	correct := 0
	for i := range yTrue {
		t, p := yTrue[i], yPred[i]
		if t < 0 || t >= k || p < 0 || p >= k {
			return nil, errors.Errorf("label pair (%d, %d) outside %d classes", t, p, k)
		}
		r.Confusion[t][p]++
		if t == p {
			correct++
		}
	}
	if r.Total > 0 {
		r.Accuracy = float64(correct) / float64(r.Total)
	}

	for c := 0; c < k; c++ {
		tp := r.Confusion[c][c]
		predicted, support := 0, 0
		for j := 0; j < k; j++ {
			predicted += r.Confusion[j][c]
			support += r.Confusion[c][j]
		}
		m := ClassMetrics{Name: classes[c], Support: support}
		if predicted > 0 {
			m.Precision = float64(tp) / float64(predicted)
		}
		if support > 0 {
			m.Recall = float64(tp) / float64(support)
		}
		if m.Precision+m.Recall > 0 {
			m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
		}
		r.PerClass[c] = m
	}
	return r, nil
}

// MacroAverage returns the unweighted mean of per-class metrics.
func (r *Report) MacroAverage() ClassMetrics {
	avg := ClassMetrics{Name: "macro avg", Support: r.Total}
	if len(r.PerClass) == 0 {
		return avg
	}
	for _, m := range r.PerClass {
		avg.Precision += m.Precision
		avg.Recall += m.Recall
		avg.F1 += m.F1
	}
	n := float64(len(r.PerClass))
	avg.Precision /= n
	avg.Recall /= n
	avg.F1 /= n
	return avg
}

// WriteTo renders a classification report followed by the confusion matrix.
func (r *Report) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 0, 0, 2, ' ', tabwriter.AlignRight)

	fmt.Fprintln(tw, "\tprecision\trecall\tf1-score\tsupport\t")
	for _, m := range r.PerClass {
		fmt.Fprintf(tw, "%s\t%.2f\t%.2f\t%.2f\t%d\t\n", m.Name, m.Precision, m.Recall, m.F1, m.Support)
	}
	fmt.Fprintln(tw, "\t\t\t\t\t")
	fmt.Fprintf(tw, "accuracy\t\t\t%.2f\t%d\t\n", r.Accuracy, r.Total)
	macro := r.MacroAverage()
	fmt.Fprintf(tw, "%s\t%.2f\t%.2f\t%.2f\t%d\t\n", macro.Name, macro.Precision, macro.Recall, macro.F1, macro.Support)
	tw.Flush()

	b.WriteString("\nconfusion matrix (rows: true, columns: predicted)\n")
	tw = tabwriter.NewWriter(&b, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintf(tw, "\t%s\t\n", strings.Join(r.Classes, "\t"))
	for i, row := range r.Confusion {
		cells := make([]string, len(row))
		for j, v := range row {
			cells[j] = fmt.Sprint(v)
		}
		fmt.Fprintf(tw, "%s\t%s\t\n", r.Classes[i], strings.Join(cells, "\t"))
	}
	tw.Flush()

	n, err := io.WriteString(w, b.String())
	return int64(n), err
}
