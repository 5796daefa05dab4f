// Package training drives the epoch loop that fits a classifier head on top
// of a frozen feature extractor. A run consumes a materialized dataset
// snapshot, reports per-epoch metrics through a pull-based stream, and can be
// cancelled between epochs.
package training

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/lenslab/teachkit/dataset"
	"github.com/lenslab/teachkit/head"
	"github.com/lenslab/teachkit/preprocess"
)

// ErrAlreadyRunning indicates StartTraining was called while a run is active.
// Concurrent runs are rejected, never queued.
var ErrAlreadyRunning = errors.New("a training run is already in progress")

// State is the lifecycle state of the orchestrator's current (or last) run.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateCompleted
	StateFailed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// Embedder is the frozen feature extractor a run trains against. Embed must
// be pure: the orchestrator never updates extractor parameters.
type Embedder interface {
	Embed(t *preprocess.Tensor) ([]float32, error)
	Dim() int
}

// EpochResult is one record of the progress stream and the training history.
type EpochResult struct {
	Epoch       int // 1-based
	TotalEpochs int

	Loss     float64
	Accuracy float64

	ValidationLoss     float64
	ValidationAccuracy float64

	ElapsedSeconds   float64
	SamplesProcessed int
}

// Config controls a single training run.
type Config struct {
	// Epochs is the number of full passes over the training split.
	Epochs int

	// LearningRate for the Adam optimizer; zero means the default.
	LearningRate float64

	// ValidationSplit is the held-out fraction of samples, shuffled before
	// the split. Zero means no validation.
	ValidationSplit float64

	// Seed fixes the split shuffle and dropout masks for reproducible runs;
	// zero keeps them randomized.
	Seed int64

	// Clock supplies elapsed-time measurements; nil means the wall clock.
	Clock clock.Clock
}

// DefaultConfig returns the standard run configuration.
func DefaultConfig() Config {
	return Config{
		Epochs:          20,
		LearningRate:    head.DefaultLearningRate,
		ValidationSplit: 0.2,
	}
}

// Orchestrator owns the idle → running → completed|failed state machine for
// one session's training runs. At most one run is in flight at a time.
type Orchestrator struct {
	mu      sync.Mutex
	state   State
	runErr  error
	history []EpochResult
	logger  golog.Logger
}

// NewOrchestrator creates an idle orchestrator.
func NewOrchestrator(logger golog.Logger) *Orchestrator {
	if logger == nil {
		logger = golog.NewDevelopmentLogger("training")
	}
	return &Orchestrator{logger: logger}
}

// State returns the current run state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Err returns the terminal error of the last run, nil unless state is failed.
func (o *Orchestrator) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runErr
}

// History returns a copy of the current run's append-only epoch log.
func (o *Orchestrator) History() []EpochResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]EpochResult(nil), o.history...)
}

// Start begins a training run over the materialized batch, fitting h on top
// of emb's embeddings. It returns a buffered stream that receives one
// EpochResult per completed epoch and is closed when the run reaches a
// terminal state; done (optional) fires once with the terminal error, after
// the state is set and before the stream closes.
//
// The run takes ownership of batch and releases it on every exit path.
// Validation failures here are synchronous: nothing is allocated for the run
// and no stream is created.
func (o *Orchestrator) Start(
	ctx context.Context,
	emb Embedder,
	batch *dataset.Batch,
	h *head.Head,
	cfg Config,
	done func(error),
) (<-chan EpochResult, error) {
	if emb == nil {
		return nil, errors.New("start requires a loaded feature extractor")
	}
	if h == nil {
		return nil, errors.New("start requires a built classifier head")
	}
	if batch == nil || batch.Len() == 0 {
		return nil, errors.New("start requires a non-empty materialized batch")
	}
	if cfg.Epochs <= 0 {
		return nil, errors.Errorf("epochs must be positive, got %d", cfg.Epochs)
	}
	if len(batch.ClassNames) < 2 {
		return nil, errors.Wrapf(head.ErrInsufficientClasses, "got %d", len(batch.ClassNames))
	}
	if h.Classes() != len(batch.ClassNames) {
		return nil, errors.Errorf("head built for %d classes, batch has %d",
			h.Classes(), len(batch.ClassNames))
	}
	if h.Dim() != emb.Dim() {
		return nil, errors.Errorf("head built for dim %d, extractor produces %d",
			h.Dim(), emb.Dim())
	}

	o.mu.Lock()
	if o.state == StateRunning {
		o.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	o.state = StateRunning
	o.runErr = nil
	o.history = nil
	o.mu.Unlock()

	// Buffered to the full run length so an abandoned consumer never blocks
	// the epoch loop; cancellation is the caller's context.
	progress := make(chan EpochResult, cfg.Epochs)
	go o.run(ctx, emb, batch, h, cfg, progress, done)
	return progress, nil
}

// run executes the epoch loop. It is the only writer of the orchestrator's
// terminal state for this run.
func (o *Orchestrator) run(
	ctx context.Context,
	emb Embedder,
	batch *dataset.Batch,
	h *head.Head,
	cfg Config,
	progress chan<- EpochResult,
	done func(error),
) {
	// Scoped acquisition: the batch and everything derived from it below are
	// released when the run exits, success or failure.
	defer batch.Release()

	finish := func(err error) {
		o.mu.Lock()
		if err != nil {
			o.state = StateFailed
			o.runErr = err
		} else {
			o.state = StateCompleted
		}
		o.mu.Unlock()
		if err != nil {
			o.logger.Warnw("training run failed", "error", err)
		} else {
			o.logger.Debugw("training run completed", "epochs", cfg.Epochs)
		}
		if done != nil {
			done(err)
		}
		close(progress)
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	start := clk.Now()

	run, err := o.prepare(emb, batch, h, cfg)
	if err != nil {
		finish(err)
		return
	}
	defer run.release()

	lossFn := head.NewCrossEntropyLoss()
	optimizer := head.NewAdam(h, cfg.LearningRate)

	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		// Cancellation boundary: a gradient step is atomic, so the signal is
		// only checked between epochs.
		if err := ctx.Err(); err != nil {
			finish(errors.Wrap(err, "training cancelled"))
			return
		}

		act, err := h.Forward(run.trainX, true)
		if err != nil {
			finish(errors.Wrap(err, "forward pass failed"))
			return
		}
		loss, err := lossFn.Forward(act.Probs, run.trainY)
		if err != nil {
			finish(errors.Wrap(err, "loss computation failed"))
			return
		}
		gradLogits, err := lossFn.Backward(act.Probs, run.trainY)
		if err != nil {
			finish(errors.Wrap(err, "loss gradient failed"))
			return
		}
		grads, err := h.Backward(act, gradLogits)
		if err != nil {
			finish(errors.Wrap(err, "backward pass failed"))
			return
		}
		if err := optimizer.Step(grads); err != nil {
			finish(errors.Wrap(err, "optimizer step failed"))
			return
		}

		result := EpochResult{
			Epoch:            epoch,
			TotalEpochs:      cfg.Epochs,
			Loss:             loss,
			Accuracy:         head.Accuracy(act.Probs, run.trainY),
			ElapsedSeconds:   clk.Since(start).Seconds(),
			SamplesProcessed: epoch * run.trainCount,
		}

		if run.valX != nil {
			valAct, err := h.Forward(run.valX, false)
			if err != nil {
				finish(errors.Wrap(err, "validation forward pass failed"))
				return
			}
			valLoss, err := lossFn.Forward(valAct.Probs, run.valY)
			if err != nil {
				finish(errors.Wrap(err, "validation loss failed"))
				return
			}
			result.ValidationLoss = valLoss
			result.ValidationAccuracy = head.Accuracy(valAct.Probs, run.valY)
		} else {
			result.ValidationLoss = result.Loss
			result.ValidationAccuracy = result.Accuracy
		}

		o.mu.Lock()
		o.history = append(o.history, result)
		o.mu.Unlock()
		progress <- result
	}

	finish(nil)
}

// runTensors holds the per-run intermediate tensors: embedded inputs and
// one-hot labels for the train and validation splits.
type runTensors struct {
	trainX, trainY *mat.Dense
	valX, valY     *mat.Dense
	trainCount     int
}

// release drops the run's tensor references on exit.
func (r *runTensors) release() {
	r.trainX, r.trainY, r.valX, r.valY = nil, nil, nil, nil
}

// prepare embeds every sample once (embeddings are ephemeral and recomputed
// per run since the extractor is frozen) and shuffles out the validation
// split.
func (o *Orchestrator) prepare(emb Embedder, batch *dataset.Batch, h *head.Head, cfg Config) (*runTensors, error) {
	total := batch.Len()
	classes := len(batch.ClassNames)

	oneHot, err := batch.OneHot()
	if err != nil {
		return nil, err
	}

	inputs := mat.NewDense(total, emb.Dim(), nil)
	for i, tensor := range batch.Tensors {
		vec, err := emb.Embed(tensor)
		if err != nil {
			return nil, errors.Wrapf(err, "embedding sample %d", i)
		}
		row := inputs.RawRowView(i)
		for j, v := range vec {
			row[j] = float64(v)
		}
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Int63()
	} else {
		h.Reseed(seed)
	}
	rng := rand.New(rand.NewSource(seed))
	perm := rng.Perm(total)

	valCount := int(cfg.ValidationSplit * float64(total))
	if total-valCount < 1 {
		valCount = 0
	}
	trainCount := total - valCount

	gather := func(indices []int) (*mat.Dense, *mat.Dense) {
		x := mat.NewDense(len(indices), emb.Dim(), nil)
		y := mat.NewDense(len(indices), classes, nil)
		for row, idx := range indices {
			x.SetRow(row, inputs.RawRowView(idx))
			y.SetRow(row, oneHot.RawRowView(idx))
		}
		return x, y
	}

	run := &runTensors{trainCount: trainCount}
	run.trainX, run.trainY = gather(perm[:trainCount])
	if valCount > 0 {
		run.valX, run.valY = gather(perm[trainCount:])
	}
	return run, nil
}
