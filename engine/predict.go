package engine

import (
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/lenslab/teachkit/preprocess"
)

// Prediction is one class's confidence for one input frame. Confidence is a
// softmax probability scaled to 0..100, so a full prediction list sums to
// ~100.
type Prediction struct {
	ClassName  string
	Confidence float64
	ClassIndex int
}

// Predictions is a full ranked list over all known classes, sorted by
// descending confidence with ties broken by ascending class index.
type Predictions []Prediction

// Best returns the top-ranked prediction, the headline readout.
func (p Predictions) Best() Prediction {
	if len(p) == 0 {
		return Prediction{ClassIndex: -1}
	}
	return p[0]
}

// Predict runs the frozen extractor and the trained head on a single frame
// and returns the ranked confidence list. It never mutates the model or the
// dataset and may interleave with sample collection, but requires a ready
// model; fails with ErrModelNotReady otherwise.
func (s *Session) Predict(buf *preprocess.PixelBuffer) (Predictions, error) {
	s.mu.Lock()
	current := s.model
	s.mu.Unlock()

	if !current.ready {
		return nil, ErrModelNotReady
	}

	tensor, err := preprocess.Preprocess(buf)
	if err != nil {
		return nil, err
	}
	embedding, err := s.embedder.Embed(tensor)
	if err != nil {
		return nil, err
	}

	row := make([]float64, len(embedding))
	for i, v := range embedding {
		row[i] = float64(v)
	}
	act, err := current.head.Forward(mat.NewDense(1, len(row), row), false)
	if err != nil {
		return nil, err
	}

	// Class-count changes invalidate readiness, so the current names always
	// line up with the head's outputs; renames are picked up live.
	names := s.data.ClassNames()
	predictions := make(Predictions, current.head.Classes())
	for i := range predictions {
		predictions[i] = Prediction{
			ClassName:  names[i],
			Confidence: act.Probs.At(0, i) * 100,
			ClassIndex: i,
		}
	}

	// Stable sort keeps equal confidences in ascending index order.
	sort.SliceStable(predictions, func(a, b int) bool {
		return predictions[a].Confidence > predictions[b].Confidence
	})
	return predictions, nil
}
