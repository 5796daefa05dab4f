// Package engine ties the pipeline together for one user session: class and
// sample management, training runs over the frozen extractor, live ranked
// inference, and head export/import. A session is the single logical owner of
// its model and dataset.
package engine

import (
	"context"
	"sync"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/lenslab/teachkit/checkpoints"
	"github.com/lenslab/teachkit/dataset"
	"github.com/lenslab/teachkit/head"
	"github.com/lenslab/teachkit/preprocess"
	"github.com/lenslab/teachkit/training"
)

// ErrModelNotReady indicates inference or export was requested before a
// training run has completed successfully for the current class list.
var ErrModelNotReady = errors.New("model is not trained and ready")

// model pairs a classifier head with its readiness flag. ready only becomes
// true when a training run completes without error, and flips back to false
// whenever the class count changes.
type model struct {
	head  *head.Head
	ready bool
}

// Session is the external interface of the engine. Sample collection and
// Predict may interleave freely; structural class changes are rejected while
// a training run is active, and runs themselves work on a materialized
// snapshot.
type Session struct {
	mu       sync.Mutex
	logger   golog.Logger
	embedder training.Embedder
	data     *dataset.Dataset
	orch     *training.Orchestrator
	model    model
	runCfg   training.Config

	// modelGen invalidates pending model installs. It advances whenever the
	// class count changes, a head is imported, or a new run starts; a run's
	// completion callback only installs its head when the generation it
	// started under is still current.
	modelGen uint64
}

// NewSession creates a session on top of a loaded feature extractor.
func NewSession(embedder training.Embedder, logger golog.Logger) *Session {
	if logger == nil {
		logger = golog.NewDevelopmentLogger("teachkit")
	}
	return &Session{
		logger:   logger,
		embedder: embedder,
		data:     dataset.New(),
		orch:     training.NewOrchestrator(logger),
		runCfg:   training.DefaultConfig(),
	}
}

// SetTrainingConfig overrides the run configuration used by StartTraining.
// The per-call epoch count still wins over cfg.Epochs.
func (s *Session) SetTrainingConfig(cfg training.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runCfg = cfg
}

// Classes returns the current class list in label order.
func (s *Session) Classes() []dataset.ClassInfo {
	return s.data.Classes()
}

// SetClasses replaces the ordered class list. Changing the class count
// invalidates the current model: the head was built for a different output
// size and must be retrained. Rejected while a training run is active because
// the run's labels are positions in this list.
func (s *Session) SetClasses(names []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.orch.State() == training.StateRunning {
		return errors.New("cannot change classes while a training run is active")
	}
	countChanged := len(names) != s.data.ClassCount()
	s.data.SetClasses(names)
	if countChanged {
		s.model = model{}
		s.modelGen++
		s.logger.Debugw("class count changed; model invalidated", "classes", len(names))
	}
	return nil
}

// AddSample preprocesses and stores one example image for the class. Safe to
// call during a training run; the run works on its own snapshot.
func (s *Session) AddSample(classID string, buf *preprocess.PixelBuffer, display dataset.DisplayHandle) (*dataset.Sample, error) {
	return s.data.AddSample(classID, buf, display)
}

// RemoveSample deletes one example image and releases its display handle.
func (s *Session) RemoveSample(classID, sampleID string) error {
	return s.data.RemoveSample(classID, sampleID)
}

// Ready reports whether a trained model is available for Predict and
// ExportHead.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model.ready
}

// TrainingState returns the orchestrator's current run state.
func (s *Session) TrainingState() training.State {
	return s.orch.State()
}

// TrainingErr returns the terminal error of the last run, if any.
func (s *Session) TrainingErr() error {
	return s.orch.Err()
}

// TrainingHistory returns the append-only epoch log of the current run.
func (s *Session) TrainingHistory() []training.EpochResult {
	return s.orch.History()
}

// StartTraining fine-tunes a fresh classifier head for the current class
// list over the given number of epochs. It returns the run's progress
// stream; the stream closes when the run reaches a terminal state.
//
// The trained head only replaces the session's model when the run completes
// successfully and the class list is still the one it was trained for, so a
// failed retrain never revokes a previously working model and a class change
// racing a run's completion never installs a mismatched head. Preconditions
// (a run already active, fewer than two classes, an empty class) fail
// synchronously before any tensor work.
func (s *Session) StartTraining(ctx context.Context, epochs int) (<-chan training.EpochResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.orch.State() == training.StateRunning {
		return nil, training.ErrAlreadyRunning
	}
	classCount := s.data.ClassCount()
	if classCount < 2 {
		return nil, errors.Wrapf(head.ErrInsufficientClasses, "got %d", classCount)
	}
	batch, err := s.data.Materialize()
	if err != nil {
		return nil, err
	}

	fresh, err := head.New(s.embedder.Dim(), classCount)
	if err != nil {
		return nil, err
	}

	cfg := s.runCfg
	cfg.Epochs = epochs

	s.modelGen++
	gen := s.modelGen

	progress, err := s.orch.Start(ctx, s.embedder, batch, fresh, cfg, func(runErr error) {
		if runErr != nil {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		// The class list may change between the run reaching its terminal
		// state and this callback acquiring the lock; a head trained for the
		// old list must not be installed over the new one.
		if s.modelGen != gen {
			s.logger.Debugw("discarding trained head; classes changed during run handoff")
			return
		}
		s.model = model{head: fresh, ready: true}
	})
	if err != nil {
		batch.Release()
		return nil, err
	}

	s.logger.Infow("training started",
		"classes", classCount, "samples", batch.Len(), "epochs", epochs)
	return progress, nil
}

// ExportHead serializes the trained head with its class names. Requires a
// ready model.
func (s *Session) ExportHead() ([]byte, error) {
	s.mu.Lock()
	current := s.model
	s.mu.Unlock()

	if !current.ready {
		return nil, ErrModelNotReady
	}
	return checkpoints.Export(current.head, s.data.ClassNames())
}

// ImportHead restores a previously exported head. The embedding dimension
// must match the session's extractor. When the session has no classes yet,
// the imported class names are adopted; otherwise the class count must match.
func (s *Session) ImportHead(data []byte) error {
	restored, names, err := checkpoints.Import(data)
	if err != nil {
		return err
	}
	if restored.Dim() != s.embedder.Dim() {
		return errors.Errorf("head trained for embedding dim %d, extractor produces %d",
			restored.Dim(), s.embedder.Dim())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.orch.State() == training.StateRunning {
		return errors.New("cannot import a head while a training run is active")
	}
	switch count := s.data.ClassCount(); count {
	case 0:
		s.data.SetClasses(names)
	case restored.Classes():
		// Keep the session's class list; positions line up.
	default:
		return errors.Errorf("imported head has %d classes, session has %d",
			restored.Classes(), count)
	}

	s.modelGen++
	s.model = model{head: restored, ready: true}
	s.logger.Infow("head imported", "classes", restored.Classes())
	return nil
}
