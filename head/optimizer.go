package head

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// DefaultLearningRate is the standard learning rate for head training.
const DefaultLearningRate = 0.001

// Adam implements the adaptive-moment optimizer over a head's parameters.
// Moment buffers are allocated once per head and live for the optimizer's
// lifetime, so a fresh head needs a fresh optimizer.
type Adam struct {
	head *Head

	learningRate float64
	beta1        float64
	beta2        float64
	epsilon      float64
	step         int

	mWeights *mat.Dense
	vWeights *mat.Dense
	mBias    *mat.VecDense
	vBias    *mat.VecDense
}

// NewAdam creates an Adam optimizer for h with standard moment decay rates.
func NewAdam(h *Head, learningRate float64) *Adam {
	if learningRate <= 0 {
		learningRate = DefaultLearningRate
	}
	return &Adam{
		head:         h,
		learningRate: learningRate,
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-8,
		mWeights:     mat.NewDense(h.dim, h.classes, nil),
		vWeights:     mat.NewDense(h.dim, h.classes, nil),
		mBias:        mat.NewVecDense(h.classes, nil),
		vBias:        mat.NewVecDense(h.classes, nil),
	}
}

// LearningRate returns the current learning rate.
func (a *Adam) LearningRate() float64 { return a.learningRate }

// SetLearningRate adjusts the learning rate between steps.
func (a *Adam) SetLearningRate(lr float64) { a.learningRate = lr }

// Step applies one Adam update to the head's parameters.
func (a *Adam) Step(grads *Gradients) error {
	if grads == nil || grads.Weights == nil || grads.Bias == nil {
		return errors.New("step requires gradients")
	}
	gr, gc := grads.Weights.Dims()
	if gr != a.head.dim || gc != a.head.classes {
		return errors.Errorf("gradient shape %dx%d does not match head %dx%d",
			gr, gc, a.head.dim, a.head.classes)
	}

	a.step++
	correction1 := 1 - math.Pow(a.beta1, float64(a.step))
	correction2 := 1 - math.Pow(a.beta2, float64(a.step))

	weights, bias := a.head.Parameters()
	for r := 0; r < gr; r++ {
		for c := 0; c < gc; c++ {
			g := grads.Weights.At(r, c)
			m := a.beta1*a.mWeights.At(r, c) + (1-a.beta1)*g
			v := a.beta2*a.vWeights.At(r, c) + (1-a.beta2)*g*g
			a.mWeights.Set(r, c, m)
			a.vWeights.Set(r, c, v)

			mHat := m / correction1
			vHat := v / correction2
			weights.Set(r, c, weights.At(r, c)-a.learningRate*mHat/(math.Sqrt(vHat)+a.epsilon))
		}
	}
	for c := 0; c < a.head.classes; c++ {
		g := grads.Bias.AtVec(c)
		m := a.beta1*a.mBias.AtVec(c) + (1-a.beta1)*g
		v := a.beta2*a.vBias.AtVec(c) + (1-a.beta2)*g*g
		a.mBias.SetVec(c, m)
		a.vBias.SetVec(c, v)

		mHat := m / correction1
		vHat := v / correction2
		bias.SetVec(c, bias.AtVec(c)-a.learningRate*mHat/(math.Sqrt(vHat)+a.epsilon))
	}
	return nil
}
