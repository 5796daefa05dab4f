// Package dataset holds the labeled training classes and their example
// samples. The class list is the single source of truth for labels: a
// class's position in the list is its numeric label during training.
package dataset

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/lenslab/teachkit/preprocess"
)

// ErrUnknownClass indicates an operation against a class id not in the list.
var ErrUnknownClass = errors.New("unknown class")

// ErrUnknownSample indicates a sample id not present in its class.
var ErrUnknownSample = errors.New("unknown sample")

// palette is the fixed display-color cycle assigned to classes at creation.
var palette = []string{
	"#4285f4",
	"#ea4335",
	"#fbbc05",
	"#34a853",
	"#ab47bc",
	"#00acc1",
	"#ff7043",
	"#9e9d24",
}

// DisplayHandle is an externally held handle to a displayable encoded image
// (thumbnail, preview). The dataset releases it when the owning sample is
// removed.
type DisplayHandle interface {
	Release()
}

// Sample is one labeled example: the decoded pixels it came from, the cached
// preprocessed tensor fed to the extractor, and an optional display handle.
type Sample struct {
	ID      string
	Buffer  *preprocess.PixelBuffer
	Tensor  *preprocess.Tensor
	display DisplayHandle
}

// Class is one labeled category. Samples are owned by exactly one class.
type Class struct {
	ID      string
	Name    string
	Color   string
	samples []*Sample
}

// SampleCount returns the number of samples in the class.
func (c *Class) SampleCount() int { return len(c.samples) }

// Samples returns a copy of the class's sample list.
func (c *Class) Samples() []*Sample {
	return append([]*Sample(nil), c.samples...)
}

// Dataset is the in-memory collection of classes and samples for one session.
// All methods are safe for concurrent use with each other; training runs
// operate on a materialized snapshot instead (see Materialize).
type Dataset struct {
	mu        sync.Mutex
	classes   []*Class
	nextColor int
}

// New creates an empty dataset.
func New() *Dataset {
	return &Dataset{}
}

// SetClasses reconciles the class list against the given ordered names.
// Positions that already exist are renamed in place (keeping their id, color,
// and samples); new positions get fresh classes with the next palette color;
// classes beyond the new length are removed and their samples released.
func (d *Dataset) SetClasses(names []string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, name := range names {
		if i < len(d.classes) {
			d.classes[i].Name = name
			continue
		}
		d.classes = append(d.classes, &Class{
			ID:    uuid.NewString(),
			Name:  name,
			Color: palette[d.nextColor%len(palette)],
		})
		d.nextColor++
	}
	for _, dropped := range d.classes[len(names):] {
		releaseSamples(dropped)
	}
	d.classes = d.classes[:len(names)]
}

func releaseSamples(c *Class) {
	for _, s := range c.samples {
		if s.display != nil {
			s.display.Release()
		}
	}
	c.samples = nil
}

// ClassInfo is a read-only snapshot of one class.
type ClassInfo struct {
	ID          string
	Name        string
	Color       string
	SampleCount int
}

// Classes returns a snapshot of the class list in label order.
func (d *Dataset) Classes() []ClassInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]ClassInfo, len(d.classes))
	for i, c := range d.classes {
		out[i] = ClassInfo{ID: c.ID, Name: c.Name, Color: c.Color, SampleCount: len(c.samples)}
	}
	return out
}

// ClassNames returns the display names in label order.
func (d *Dataset) ClassNames() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]string, len(d.classes))
	for i, c := range d.classes {
		out[i] = c.Name
	}
	return out
}

// ClassCount returns the number of classes.
func (d *Dataset) ClassCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.classes)
}

// SampleCount returns the total number of samples across all classes.
func (d *Dataset) SampleCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	total := 0
	for _, c := range d.classes {
		total += len(c.samples)
	}
	return total
}

// AddSample preprocesses the pixel buffer and appends the resulting sample to
// the class. Fails with preprocess.ErrInvalidImageFormat before anything is
// stored when the buffer cannot be converted.
func (d *Dataset) AddSample(classID string, buf *preprocess.PixelBuffer, display DisplayHandle) (*Sample, error) {
	tensor, err := preprocess.Preprocess(buf)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	c := d.findClass(classID)
	if c == nil {
		return nil, errors.Wrap(ErrUnknownClass, classID)
	}
	s := &Sample{
		ID:      uuid.NewString(),
		Buffer:  buf,
		Tensor:  tensor,
		display: display,
	}
	c.samples = append(c.samples, s)
	return s, nil
}

// RemoveSample deletes the sample from its class and releases its display
// handle.
func (d *Dataset) RemoveSample(classID, sampleID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	c := d.findClass(classID)
	if c == nil {
		return errors.Wrap(ErrUnknownClass, classID)
	}
	for i, s := range c.samples {
		if s.ID != sampleID {
			continue
		}
		if s.display != nil {
			s.display.Release()
		}
		c.samples = append(c.samples[:i], c.samples[i+1:]...)
		return nil
	}
	return errors.Wrap(ErrUnknownSample, sampleID)
}

func (d *Dataset) findClass(id string) *Class {
	for _, c := range d.classes {
		if c.ID == id {
			return c
		}
	}
	return nil
}
