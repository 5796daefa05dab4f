package extractor

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/lenslab/teachkit/preprocess"
)

// builtinDim is the embedding length of the built-in extractor.
const builtinDim = 256

// builtinSeed fixes the random projection weights so embeddings are stable
// across sessions; a head trained against the built-in extractor must see the
// same embedding function at inference time.
const builtinSeed = 0x7ea11

// builtinNet is the last-resort feature extractor: a small strided
// convolutional stack with fixed random weights, global average pooling, and
// a dense projection to the embedding size. Quality is well below a
// pretrained network, but it keeps the pipeline operable when no runtime
// backend is available.
type builtinNet struct {
	stages []*convStage
	proj   *mat.Dense // pooled channels x builtinDim
}

// convStage is one 3x3 stride-2 convolution with ReLU.
type convStage struct {
	in, out int
	weights []float32 // out * 3 * 3 * in
	bias    []float32
}

func newBuiltinNet() *builtinNet {
	rng := rand.New(rand.NewSource(builtinSeed))
	channels := []int{preprocess.TargetChannels, 8, 16, 32, 64}

	net := &builtinNet{}
	for i := 0; i+1 < len(channels); i++ {
		net.stages = append(net.stages, newConvStage(channels[i], channels[i+1], rng))
	}

	pooled := channels[len(channels)-1]
	projData := make([]float64, pooled*builtinDim)
	std := math.Sqrt(2.0 / float64(pooled))
	for i := range projData {
		projData[i] = rng.NormFloat64() * std
	}
	net.proj = mat.NewDense(pooled, builtinDim, projData)
	return net
}

func newConvStage(in, out int, rng *rand.Rand) *convStage {
	s := &convStage{
		in:      in,
		out:     out,
		weights: make([]float32, out*3*3*in),
		bias:    make([]float32, out),
	}
	// He initialization keeps activations in a usable range through the stack.
	std := math.Sqrt(2.0 / float64(in*9))
	for i := range s.weights {
		s.weights[i] = float32(rng.NormFloat64() * std)
	}
	return s
}

// forward applies the stage to an HWC activation map, halving both spatial
// dimensions (stride 2, zero padding).
func (s *convStage) forward(src []float32, width, height int) ([]float32, int, int) {
	outW := (width + 1) / 2
	outH := (height + 1) / 2
	dst := make([]float32, outW*outH*s.out)

	for oy := 0; oy < outH; oy++ {
		for ox := 0; ox < outW; ox++ {
			cy := oy * 2
			cx := ox * 2
			for oc := 0; oc < s.out; oc++ {
				sum := s.bias[oc]
				for ky := -1; ky <= 1; ky++ {
					sy := cy + ky
					if sy < 0 || sy >= height {
						continue
					}
					for kx := -1; kx <= 1; kx++ {
						sx := cx + kx
						if sx < 0 || sx >= width {
							continue
						}
						srcBase := (sy*width + sx) * s.in
						wBase := ((oc*3+(ky+1))*3 + (kx + 1)) * s.in
						for ic := 0; ic < s.in; ic++ {
							sum += src[srcBase+ic] * s.weights[wBase+ic]
						}
					}
				}
				if sum < 0 {
					sum = 0 // ReLU
				}
				dst[(oy*outW+ox)*s.out+oc] = sum
			}
		}
	}
	return dst, outW, outH
}

// embed runs the stack, global-average-pools the final activation map, and
// projects the pooled vector to the embedding size. The result is
// L2-normalized so downstream training is well conditioned regardless of
// input brightness.
func (n *builtinNet) embed(t *preprocess.Tensor) []float32 {
	act := t.Data
	width, height := t.Width, t.Height
	for _, stage := range n.stages {
		act, width, height = stage.forward(act, width, height)
	}

	channels := n.stages[len(n.stages)-1].out
	pooled := make([]float64, channels)
	plane := width * height
	for i := 0; i < plane; i++ {
		for c := 0; c < channels; c++ {
			pooled[c] += float64(act[i*channels+c])
		}
	}
	for c := range pooled {
		pooled[c] /= float64(plane)
	}

	var projected mat.Dense
	projected.Mul(mat.NewDense(1, channels, pooled), n.proj)

	row := projected.RawRowView(0)
	norm := floats.Norm(row, 2)
	if norm == 0 {
		norm = 1
	}
	out := make([]float32, builtinDim)
	for i, v := range row {
		out[i] = float32(v / norm)
	}
	return out
}
