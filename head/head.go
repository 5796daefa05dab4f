// Package head implements the trainable classifier head: the only part of
// the model that gradient descent updates. It maps frozen extractor
// embeddings to per-class probabilities through dropout, a dense projection,
// and softmax.
package head

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ErrInsufficientClasses indicates an attempt to build a head for fewer than
// two classes.
var ErrInsufficientClasses = errors.New("at least 2 classes are required")

// DefaultDropoutRate is the training-time dropout applied to embeddings.
const DefaultDropoutRate = 0.2

// Head is a dropout + dense + softmax classifier over embedding vectors.
// A head is built for a fixed (embedding dim, class count) pair; changing the
// class count means building a new head, discarding any trained weights.
type Head struct {
	dim     int
	classes int
	dropout float64

	weights *mat.Dense    // dim x classes
	bias    *mat.VecDense // classes

	rng *rand.Rand
}

// New builds a freshly initialized head for dim-length embeddings and the
// given class count. Fails with ErrInsufficientClasses when classes < 2.
func New(dim, classes int) (*Head, error) {
	if classes < 2 {
		return nil, errors.Wrapf(ErrInsufficientClasses, "got %d", classes)
	}
	if dim <= 0 {
		return nil, errors.Errorf("invalid embedding dimension %d", dim)
	}

	h := &Head{
		dim:     dim,
		classes: classes,
		dropout: DefaultDropoutRate,
		bias:    mat.NewVecDense(classes, nil),
		rng:     rand.New(rand.NewSource(rand.Int63())),
	}

	// Glorot initialization for the dense projection.
	std := math.Sqrt(2.0 / float64(dim+classes))
	data := make([]float64, dim*classes)
	for i := range data {
		data[i] = h.rng.NormFloat64() * std
	}
	h.weights = mat.NewDense(dim, classes, data)
	return h, nil
}

// Reseed makes dropout masks (and nothing else) deterministic; initialization
// has already happened by the time a caller can invoke it.
func (h *Head) Reseed(seed int64) {
	h.rng = rand.New(rand.NewSource(seed))
}

// Dim returns the embedding dimension the head accepts.
func (h *Head) Dim() int { return h.dim }

// Classes returns the class count the head projects to.
func (h *Head) Classes() int { return h.classes }

// Activations carries the intermediate state of one forward pass that the
// backward pass needs.
type Activations struct {
	// Probs is the batch x classes softmax output.
	Probs *mat.Dense

	// dropped is the post-dropout input actually fed to the dense layer.
	dropped *mat.Dense
}

// Forward computes per-class probabilities for a batch of embeddings
// (batch x dim). With train set, dropout zeroes each input unit with
// probability DefaultDropoutRate and rescales the survivors (inverted
// dropout); at inference dropout is the identity.
func (h *Head) Forward(batch *mat.Dense, train bool) (*Activations, error) {
	rows, cols := batch.Dims()
	if cols != h.dim {
		return nil, errors.Errorf("embedding dim mismatch: head expects %d, batch has %d", h.dim, cols)
	}

	input := batch
	if train && h.dropout > 0 {
		dropped := mat.NewDense(rows, cols, nil)
		scale := 1.0 / (1.0 - h.dropout)
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				if h.rng.Float64() < h.dropout {
					continue
				}
				dropped.Set(r, c, batch.At(r, c)*scale)
			}
		}
		input = dropped
	}

	logits := mat.NewDense(rows, h.classes, nil)
	logits.Mul(input, h.weights)
	for r := 0; r < rows; r++ {
		for c := 0; c < h.classes; c++ {
			logits.Set(r, c, logits.At(r, c)+h.bias.AtVec(c))
		}
	}

	probs := mat.NewDense(rows, h.classes, nil)
	for r := 0; r < rows; r++ {
		softmaxRow(logits.RawRowView(r), probs.RawRowView(r))
	}

	act := &Activations{Probs: probs}
	if train {
		act.dropped = input
	}
	return act, nil
}

// softmaxRow writes the numerically stable softmax of src into dst.
func softmaxRow(src, dst []float64) {
	max := src[0]
	for _, v := range src[1:] {
		if v > max {
			max = v
		}
	}
	var sum float64
	for i, v := range src {
		e := math.Exp(v - max)
		dst[i] = e
		sum += e
	}
	for i := range dst {
		dst[i] /= sum
	}
}

// Gradients holds one step's parameter gradients.
type Gradients struct {
	Weights *mat.Dense    // dim x classes
	Bias    *mat.VecDense // classes
}

// Backward turns the loss gradient w.r.t. logits into parameter gradients.
// The extractor is frozen, so no gradient flows past the head's input.
func (h *Head) Backward(act *Activations, gradLogits *mat.Dense) (*Gradients, error) {
	if act == nil || act.dropped == nil {
		return nil, errors.New("backward requires activations from a training-mode forward pass")
	}

	gradW := mat.NewDense(h.dim, h.classes, nil)
	gradW.Mul(act.dropped.T(), gradLogits)

	rows, _ := gradLogits.Dims()
	gradB := mat.NewVecDense(h.classes, nil)
	for r := 0; r < rows; r++ {
		for c := 0; c < h.classes; c++ {
			gradB.SetVec(c, gradB.AtVec(c)+gradLogits.At(r, c))
		}
	}

	return &Gradients{Weights: gradW, Bias: gradB}, nil
}

// Parameters exposes the head's trainable tensors for the optimizer.
func (h *Head) Parameters() (*mat.Dense, *mat.VecDense) {
	return h.weights, h.bias
}

// WeightData returns a flat row-major copy of the dense weights.
func (h *Head) WeightData() []float64 {
	out := make([]float64, h.dim*h.classes)
	copy(out, h.weights.RawMatrix().Data)
	return out
}

// BiasData returns a copy of the bias vector.
func (h *Head) BiasData() []float64 {
	out := make([]float64, h.classes)
	copy(out, h.bias.RawVector().Data)
	return out
}

// Restore overwrites the head's parameters, used when importing a previously
// exported head.
func (h *Head) Restore(weights, bias []float64) error {
	if len(weights) != h.dim*h.classes {
		return errors.Errorf("weight length %d does not match %dx%d", len(weights), h.dim, h.classes)
	}
	if len(bias) != h.classes {
		return errors.Errorf("bias length %d does not match %d classes", len(bias), h.classes)
	}
	h.weights = mat.NewDense(h.dim, h.classes, append([]float64(nil), weights...))
	h.bias = mat.NewVecDense(h.classes, append([]float64(nil), bias...))
	return nil
}
