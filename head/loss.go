package head

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// CrossEntropyLoss is categorical cross-entropy over softmax probabilities
// and one-hot targets.
type CrossEntropyLoss struct {
	epsilon float64
}

// NewCrossEntropyLoss creates the loss with a small clamp to keep log() away
// from zero probabilities.
func NewCrossEntropyLoss() *CrossEntropyLoss {
	return &CrossEntropyLoss{epsilon: 1e-12}
}

// Forward computes the mean cross-entropy of a batch.
func (ce *CrossEntropyLoss) Forward(probs, targets *mat.Dense) (float64, error) {
	pr, pc := probs.Dims()
	tr, tc := targets.Dims()
	if pr != tr || pc != tc {
		return 0, errors.Errorf("probs %dx%d and targets %dx%d must match", pr, pc, tr, tc)
	}

	var total float64
	for r := 0; r < pr; r++ {
		for c := 0; c < pc; c++ {
			t := targets.At(r, c)
			if t == 0 {
				continue
			}
			p := probs.At(r, c)
			if p < ce.epsilon {
				p = ce.epsilon
			}
			total -= t * math.Log(p)
		}
	}
	return total / float64(pr), nil
}

// Backward returns the gradient of the mean loss w.r.t. the logits. For
// softmax + cross-entropy that collapses to (probs - targets) / batch.
func (ce *CrossEntropyLoss) Backward(probs, targets *mat.Dense) (*mat.Dense, error) {
	pr, pc := probs.Dims()
	tr, tc := targets.Dims()
	if pr != tr || pc != tc {
		return nil, errors.Errorf("probs %dx%d and targets %dx%d must match", pr, pc, tr, tc)
	}

	grad := mat.NewDense(pr, pc, nil)
	grad.Sub(probs, targets)
	grad.Scale(1.0/float64(pr), grad)
	return grad, nil
}

// Accuracy is the fraction of rows whose argmax matches the one-hot target.
func Accuracy(probs, targets *mat.Dense) float64 {
	rows, cols := probs.Dims()
	if rows == 0 {
		return 0
	}
	correct := 0
	for r := 0; r < rows; r++ {
		if argmaxRow(probs, r, cols) == argmaxRow(targets, r, cols) {
			correct++
		}
	}
	return float64(correct) / float64(rows)
}

func argmaxRow(m *mat.Dense, row, cols int) int {
	best := 0
	bestVal := m.At(row, 0)
	for c := 1; c < cols; c++ {
		if v := m.At(row, c); v > bestVal {
			bestVal = v
			best = c
		}
	}
	return best
}
