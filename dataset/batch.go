package dataset

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/lenslab/teachkit/preprocess"
)

// ErrEmptyClass indicates materialization was attempted while some class has
// no samples; training cannot proceed with a class that has no evidence.
var ErrEmptyClass = errors.New("class has no samples")

// Batch is a materialized snapshot of the dataset taken at the start of a
// training run: image tensors and parallel integer labels, where a label is
// the class's position in the class list. Structural changes to the dataset
// after materialization do not affect an existing batch.
type Batch struct {
	Tensors    []*preprocess.Tensor
	Labels     []int
	ClassNames []string
	released   bool
}

// Materialize validates and snapshots the dataset for training. The empty-
// class check runs before any per-sample work so the failure is cheap.
func (d *Dataset) Materialize() (*Batch, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, c := range d.classes {
		if len(c.samples) == 0 {
			return nil, errors.Wrapf(ErrEmptyClass, "class %q", c.Name)
		}
	}

	b := &Batch{ClassNames: make([]string, len(d.classes))}
	for label, c := range d.classes {
		b.ClassNames[label] = c.Name
		for _, s := range c.samples {
			b.Tensors = append(b.Tensors, s.Tensor)
			b.Labels = append(b.Labels, label)
		}
	}
	return b, nil
}

// Len returns the number of samples in the batch.
func (b *Batch) Len() int {
	return len(b.Tensors)
}

// OneHot builds the batch x classes one-hot label matrix for a categorical
// loss.
func (b *Batch) OneHot() (*mat.Dense, error) {
	if b.released {
		return nil, errors.New("batch already released")
	}
	if len(b.Labels) == 0 {
		return nil, errors.New("empty batch")
	}
	classes := len(b.ClassNames)
	oneHot := mat.NewDense(len(b.Labels), classes, nil)
	for i, label := range b.Labels {
		if label < 0 || label >= classes {
			return nil, errors.Errorf("label %d out of range for %d classes", label, classes)
		}
		oneHot.Set(i, label, 1)
	}
	return oneHot, nil
}

// Release drops the batch's references to its tensors. Called at the end of
// a training run on every exit path so repeated retrains do not accumulate
// batches.
func (b *Batch) Release() {
	b.Tensors = nil
	b.Labels = nil
	b.released = true
}
