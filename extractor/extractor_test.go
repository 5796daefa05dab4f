package extractor

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/edaniels/golog"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/lenslab/teachkit/preprocess"
)

func testTensor(seed byte) *preprocess.Tensor {
	size := preprocess.TargetSize * preprocess.TargetSize * preprocess.TargetChannels
	data := make([]float32, size)
	for i := range data {
		data[i] = float32((i+int(seed))%255) / 255.0
	}
	return &preprocess.Tensor{
		Data:     data,
		Height:   preprocess.TargetSize,
		Width:    preprocess.TargetSize,
		Channels: preprocess.TargetChannels,
	}
}

func TestLoadFallsBackToBuiltin(t *testing.T) {
	t.Run("NoModelConfigured", func(t *testing.T) {
		e, err := Load(Config{Logger: golog.NewTestLogger(t)})
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		defer e.Close()

		if e.Backend() != BackendBuiltin {
			t.Errorf("expected builtin backend, got %s", e.Backend())
		}
		if e.Dim() != builtinDim {
			t.Errorf("expected dim %d, got %d", builtinDim, e.Dim())
		}
	})

	t.Run("MissingModelFile", func(t *testing.T) {
		e, err := Load(Config{ModelPath: "testdata/does-not-exist.onnx", Logger: golog.NewTestLogger(t)})
		if err != nil {
			t.Fatalf("Load must not hard-fail on a missing model: %v", err)
		}
		defer e.Close()

		if e.Backend() != BackendBuiltin {
			t.Errorf("expected builtin fallback, got %s", e.Backend())
		}
	})
}

func TestEmbedRequiresLoad(t *testing.T) {
	var e Extractor
	_, err := e.Embed(testTensor(0))
	if !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("expected ErrNotLoaded, got %v", err)
	}
}

func TestBuiltinEmbedding(t *testing.T) {
	e, err := Load(Config{Logger: golog.NewTestLogger(t)})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	defer e.Close()

	vec, err := e.Embed(testTensor(1))
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(vec) != e.Dim() {
		t.Fatalf("expected %d values, got %d", e.Dim(), len(vec))
	}

	var norm float64
	for _, v := range vec {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatal("embedding contains NaN/Inf")
		}
		norm += float64(v) * float64(v)
	}
	if math.Abs(math.Sqrt(norm)-1) > 1e-4 {
		t.Errorf("expected unit-length embedding, got norm %f", math.Sqrt(norm))
	}

	t.Run("StableAcrossSessions", func(t *testing.T) {
		other, err := Load(Config{Logger: golog.NewTestLogger(t)})
		if err != nil {
			t.Fatalf("second Load failed: %v", err)
		}
		defer other.Close()

		again, err := other.Embed(testTensor(1))
		if err != nil {
			t.Fatalf("Embed failed: %v", err)
		}
		for i := range vec {
			if vec[i] != again[i] {
				t.Fatalf("embeddings differ at index %d: %v vs %v", i, vec[i], again[i])
			}
		}
	})

	t.Run("DistinctInputsDistinctEmbeddings", func(t *testing.T) {
		other, err := e.Embed(testTensor(97))
		if err != nil {
			t.Fatalf("Embed failed: %v", err)
		}
		same := true
		for i := range vec {
			if vec[i] != other[i] {
				same = false
				break
			}
		}
		if same {
			t.Error("different inputs produced identical embeddings")
		}
	})
}

func TestEmbedRejectsWrongShape(t *testing.T) {
	e, err := Load(Config{Logger: golog.NewTestLogger(t)})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	defer e.Close()

	if _, err := e.Embed(&preprocess.Tensor{Data: make([]float32, 10)}); err == nil {
		t.Fatal("expected error for non-preprocessed tensor")
	}
	if _, err := e.Embed(nil); err == nil {
		t.Fatal("expected error for nil tensor")
	}
}

func TestEmbedAfterClose(t *testing.T) {
	e, err := Load(Config{Logger: golog.NewTestLogger(t)})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, err := e.Embed(testTensor(3)); err != nil {
		t.Fatalf("Embed failed: %v", err)
	}

	e.Close()
	if _, err := e.Embed(testTensor(3)); !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("expected ErrNotLoaded after Close, got %v", err)
	}
}

// TestEmbedConcurrentWithClose closes the extractor while embeds are in
// flight; every call must either succeed or report ErrNotLoaded, never
// observe a half-torn-down backend.
func TestEmbedConcurrentWithClose(t *testing.T) {
	e, err := Load(Config{Logger: golog.NewTestLogger(t)})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(seed byte) {
			defer wg.Done()
			if _, err := e.Embed(testTensor(seed)); err != nil && !errors.Is(err, ErrNotLoaded) {
				t.Errorf("Embed failed with %v", err)
			}
		}(byte(i))
	}
	e.Close()
	wg.Wait()
}

func TestSelectCutPoint(t *testing.T) {
	info := func(names ...string) []ort.InputOutputInfo {
		outs := make([]ort.InputOutputInfo, len(names))
		for i, name := range names {
			outs[i] = ort.InputOutputInfo{Name: name}
		}
		return outs
	}

	tests := []struct {
		name     string
		outputs  []ort.InputOutputInfo
		expected string
	}{
		{"PoolingByRole", info("predictions", "global_average_pooling2d"), "global_average_pooling2d"},
		{"RankedOrder", info("flatten_1", "GlobalAveragePool_0"), "GlobalAveragePool_0"},
		{"FlattenFallbackRole", info("logits", "flatten_2"), "flatten_2"},
		{"SecondToLastDefault", info("conv5_out", "fc_out"), "conv5_out"},
		{"SingleOutput", info("only"), "only"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out, err := selectCutPoint(tc.outputs)
			if err != nil {
				t.Fatalf("selectCutPoint failed: %v", err)
			}
			if out.Name != tc.expected {
				t.Errorf("expected %q, got %q", tc.expected, out.Name)
			}
		})
	}

	t.Run("NoOutputs", func(t *testing.T) {
		if _, err := selectCutPoint(nil); err == nil {
			t.Fatal("expected error for empty output list")
		}
	})
}

func TestShapeHelpers(t *testing.T) {
	t.Run("ConcreteShape", func(t *testing.T) {
		shape := concreteShape(ort.NewShape(-1, 3, 224, 224))
		if shape[0] != 1 || shape[1] != 3 {
			t.Errorf("unexpected shape %v", shape)
		}
	})

	t.Run("ValidateInputShape", func(t *testing.T) {
		if err := validateInputShape([]int64{1, 3, 224, 224}); err != nil {
			t.Errorf("NCHW rejected: %v", err)
		}
		if err := validateInputShape([]int64{1, 224, 224, 3}); err != nil {
			t.Errorf("NHWC rejected: %v", err)
		}
		if err := validateInputShape([]int64{1, 3, 96, 96}); err == nil {
			t.Error("expected rejection of non-224 input")
		}
	})

	t.Run("HWCToCHW", func(t *testing.T) {
		src := &preprocess.Tensor{
			Data:     []float32{1, 2, 3, 4, 5, 6},
			Height:   1,
			Width:    2,
			Channels: 3,
		}
		dst := make([]float32, 6)
		hwcToCHW(src, dst)
		expected := []float32{1, 4, 2, 5, 3, 6}
		for i := range expected {
			if dst[i] != expected[i] {
				t.Fatalf("index %d: expected %v, got %v", i, expected[i], dst[i])
			}
		}
	})
}
