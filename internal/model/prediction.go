package model

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
)

// Prediction is the result of classifying one image.
type Prediction struct {
	// Index is the label index of Class.
	Index      int
	Class      string
	Confidence float32
	// Probabilities holds the softmax probability of each class.
	Probabilities map[string]float32
}

// Response converts the prediction into its API form.
func (p *Prediction) Response(id string) *PredictionResponse {
	return &PredictionResponse{
		ID:          id,
		Class:       p.Class,
		Confidence:  p.Confidence,
		Predictions: p.Probabilities,
	}
}

// NewPrediction applies softmax to the logits of one example and picks the
// most likely class. Extra logits beyond len(classes) are ignored.
func NewPrediction(classes []string, logits []float32) (*Prediction, error) {
	if len(classes) == 0 {
		return nil, errors.New("no classes")
	}
	if len(logits) < len(classes) {
		return nil, errors.Errorf("model produced %d outputs for %d classes", len(logits), len(classes))
	}

	probs := Softmax(logits[:len(classes)])
	maxIdx := 0
	probabilities := make(map[string]float32, len(classes))
	for i, p := range probs {
		probabilities[classes[i]] = p
		if p > probs[maxIdx] {
			maxIdx = i
		}
	}

	return &Prediction{
		Index:         maxIdx,
		Class:         classes[maxIdx],
		Confidence:    probs[maxIdx],
		Probabilities: probabilities,
	}, nil
}

// Softmax returns the normalized exponentials of logits, shifted by the
// maximum for numerical stability.
func Softmax(logits []float32) []float32 {
	out := make([]float32, len(logits))
	if len(logits) == 0 {
		return out
	}

	maxVal := logits[0]
	for _, v := range logits[1:] {
		maxVal = math32.Max(maxVal, v)
	}

	var sum float32
	for i, v := range logits {
		out[i] = math32.Exp(v - maxVal)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
