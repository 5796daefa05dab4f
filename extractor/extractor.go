// Package extractor loads a pretrained image network and repurposes it as a
// frozen embedding function. The network itself is never trained; it is cut
// at its feature-pooling layer and everything after that point is discarded.
//
// The cut point is chosen among the model's declared graph outputs, so the
// export must expose the pooling or flatten tensor as an output to yield a
// true embedding. A model exported with only its final classification output
// still loads, but its embeddings are the class scores of the original task.
package extractor

import (
	"fmt"
	"sync"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/lenslab/teachkit/preprocess"
)

// ErrNotLoaded indicates Embed was called before a successful Load.
var ErrNotLoaded = errors.New("feature extractor not loaded")

// Backend identifies which numeric backend is serving the extractor.
type Backend int

const (
	BackendCUDA Backend = iota
	BackendCoreML
	BackendCPU
	BackendBuiltin
)

// String returns a human-readable backend name.
func (b Backend) String() string {
	switch b {
	case BackendCUDA:
		return "CUDA"
	case BackendCoreML:
		return "CoreML"
	case BackendCPU:
		return "CPU"
	case BackendBuiltin:
		return "Builtin"
	default:
		return fmt.Sprintf("Unknown(%d)", int(b))
	}
}

// Config controls extractor loading.
type Config struct {
	// ModelPath points at a pretrained ONNX image network. When empty, the
	// built-in convolutional stack is used directly.
	ModelPath string

	// LibraryPath optionally overrides the ONNX Runtime shared library
	// location before environment initialization.
	LibraryPath string

	// Backends is the attempt order for session creation. Accelerated
	// providers come first; an empty slice means CUDA, CoreML, CPU.
	Backends []Backend

	Logger golog.Logger
}

// DefaultBackends is the standard accelerated-first attempt order.
var DefaultBackends = []Backend{BackendCUDA, BackendCoreML, BackendCPU}

// Extractor is a frozen embedding function over preprocessed image tensors.
// It is loaded once per session and never updated by gradient steps.
type Extractor struct {
	mu      sync.Mutex
	loaded  bool
	backend Backend
	dim     int
	logger  golog.Logger

	// ONNX Runtime session state. The input and output tensors are
	// preallocated once and reused across Embed calls.
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	nchw    bool

	// Last-resort extractor when no runtime backend is available.
	builtin *builtinNet
}

// Load builds an extractor from the configured pretrained network. Backend
// initialization failure is not a hard failure: accelerated providers fall
// back to CPU, and a completely unavailable runtime falls back to the
// built-in convolutional stack so the pipeline stays operable at degraded
// quality. Load only returns an error for programmer mistakes, never for
// backend availability.
func Load(cfg Config) (*Extractor, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = golog.NewDevelopmentLogger("extractor")
	}
	e := &Extractor{logger: logger}

	if cfg.ModelPath == "" {
		logger.Warn("no pretrained model configured; using built-in extractor")
		e.useBuiltin()
		return e, nil
	}

	if err := e.loadONNX(cfg); err != nil {
		logger.Warnw("pretrained model unavailable; falling back to built-in extractor",
			"model", cfg.ModelPath, "error", err)
		e.useBuiltin()
		return e, nil
	}

	logger.Infow("feature extractor loaded",
		"model", cfg.ModelPath, "backend", e.backend.String(), "dim", e.dim)
	e.loaded = true
	return e, nil
}

func (e *Extractor) useBuiltin() {
	e.builtin = newBuiltinNet()
	e.backend = BackendBuiltin
	e.dim = builtinDim
	e.loaded = true
}

// loadONNX initializes the runtime, locates the cut point, and opens a
// session on the first backend that accepts the model.
func (e *Extractor) loadONNX(cfg Config) error {
	if cfg.LibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.LibraryPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return errors.Wrap(err, "initializing onnxruntime environment")
		}
	}

	inputs, outputs, err := ort.GetInputOutputInfo(cfg.ModelPath)
	if err != nil {
		return errors.Wrap(err, "reading model graph info")
	}
	if len(inputs) == 0 {
		return errors.New("model has no inputs")
	}
	in := inputs[0]
	out, err := selectCutPoint(outputs)
	if err != nil {
		return err
	}

	backends := cfg.Backends
	if len(backends) == 0 {
		backends = DefaultBackends
	}
	var lastErr error
	for _, backend := range backends {
		if err := e.openSession(cfg.ModelPath, in, out, backend); err != nil {
			e.logger.Infow("backend unavailable, trying next",
				"backend", backend.String(), "error", err)
			lastErr = err
			continue
		}
		e.backend = backend
		return nil
	}
	return errors.Wrap(lastErr, "all configured backends failed")
}

// openSession creates the session plus its reusable input/output tensors.
// On any failure it releases whatever it had already acquired.
func (e *Extractor) openSession(path string, in, out ort.InputOutputInfo, backend Backend) error {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return errors.Wrap(err, "creating session options")
	}
	defer opts.Destroy()

	switch backend {
	case BackendCUDA:
		cudaOpts, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return errors.Wrap(err, "creating CUDA provider options")
		}
		defer cudaOpts.Destroy()
		if err := opts.AppendExecutionProviderCUDA(cudaOpts); err != nil {
			return errors.Wrap(err, "appending CUDA execution provider")
		}
	case BackendCoreML:
		if err := opts.AppendExecutionProviderCoreML(0); err != nil {
			return errors.Wrap(err, "appending CoreML execution provider")
		}
	case BackendCPU:
		// Default provider, nothing to append.
	default:
		return errors.Errorf("backend %s cannot open a session", backend)
	}

	inShape := concreteShape(in.Dimensions)
	outShape := concreteShape(out.Dimensions)
	if err := validateInputShape(inShape); err != nil {
		return err
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(inShape...))
	if err != nil {
		return errors.Wrap(err, "creating input tensor")
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(outShape...))
	if err != nil {
		inputTensor.Destroy()
		return errors.Wrap(err, "creating output tensor")
	}

	session, err := ort.NewAdvancedSession(path,
		[]string{in.Name}, []string{out.Name},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		opts)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return errors.Wrapf(err, "creating %s session", backend)
	}

	dim := 1
	for _, d := range outShape[1:] {
		dim *= int(d)
	}

	e.session = session
	e.input = inputTensor
	e.output = outputTensor
	e.nchw = len(inShape) == 4 && inShape[1] == 3
	e.dim = dim
	return nil
}

// concreteShape replaces symbolic (-1) dimensions with a batch of one.
func concreteShape(dims ort.Shape) []int64 {
	shape := make([]int64, len(dims))
	for i, d := range dims {
		if d <= 0 {
			shape[i] = 1
		} else {
			shape[i] = d
		}
	}
	return shape
}

// validateInputShape confirms the model takes a single 224x224 RGB image in
// either NCHW or NHWC layout.
func validateInputShape(shape []int64) error {
	if len(shape) != 4 || shape[0] != 1 {
		return errors.Errorf("unsupported input shape %v", shape)
	}
	size := int64(preprocess.TargetSize)
	nchw := shape[1] == 3 && shape[2] == size && shape[3] == size
	nhwc := shape[3] == 3 && shape[1] == size && shape[2] == size
	if !nchw && !nhwc {
		return errors.Errorf("input shape %v is not a %dx%d RGB image", shape, size, size)
	}
	return nil
}

// Embed maps a preprocessed image tensor to a fixed-length embedding vector.
// The extractor is frozen, so Embed never mutates any model state; the
// returned slice is owned by the caller.
func (e *Extractor) Embed(t *preprocess.Tensor) ([]float32, error) {
	if e == nil {
		return nil, ErrNotLoaded
	}
	if t == nil || len(t.Data) != preprocess.TargetSize*preprocess.TargetSize*preprocess.TargetChannels {
		return nil, errors.New("embed requires a preprocessed tensor")
	}

	// Embeds serialize: the session tensors are preallocated and shared, and
	// Close tears the backend down under the same lock, so an in-flight embed
	// never races a concurrent Close.
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.loaded {
		return nil, ErrNotLoaded
	}
	if e.builtin != nil {
		return e.builtin.embed(t), nil
	}

	dst := e.input.GetData()
	if e.nchw {
		hwcToCHW(t, dst)
	} else {
		copy(dst, t.Data)
	}
	if err := e.session.Run(); err != nil {
		return nil, errors.Wrap(err, "extractor inference failed")
	}

	out := make([]float32, e.dim)
	copy(out, e.output.GetData())
	return out, nil
}

// hwcToCHW transposes an interleaved HWC tensor into planar CHW layout.
func hwcToCHW(t *preprocess.Tensor, dst []float32) {
	plane := t.Height * t.Width
	for i := 0; i < plane; i++ {
		for c := 0; c < t.Channels; c++ {
			dst[c*plane+i] = t.Data[i*t.Channels+c]
		}
	}
}

// Dim returns the embedding vector length.
func (e *Extractor) Dim() int {
	return e.dim
}

// Backend reports which backend is serving embeddings.
func (e *Extractor) Backend() Backend {
	return e.backend
}

// Close performs deterministic release of the session and its tensors.
func (e *Extractor) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.input != nil {
		e.input.Destroy()
		e.input = nil
	}
	if e.output != nil {
		e.output.Destroy()
		e.output = nil
	}
	if e.session != nil {
		e.session.Destroy()
		e.session = nil
	}
	e.builtin = nil
	e.loaded = false
}
