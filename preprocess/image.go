package preprocess

import (
	"image"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
)

const (
	// TargetSize is the spatial size (height and width) every image is
	// resized to before it reaches the feature extractor.
	TargetSize = 224

	// TargetChannels is the channel count of the preprocessed tensor.
	TargetChannels = 3
)

// ErrInvalidImageFormat indicates a pixel buffer whose channel layout cannot
// be converted to RGB (for example an alpha-only buffer).
var ErrInvalidImageFormat = errors.New("invalid image format")

// PixelBuffer is a decoded image as delivered by a collaborator (file upload,
// camera frame). Pix holds interleaved 8-bit samples in row-major order,
// Channels samples per pixel.
type PixelBuffer struct {
	Width    int
	Height   int
	Channels int
	Pix      []byte
}

// Tensor is a preprocessed image ready for the feature extractor: HWC layout,
// float32 values in [0, 1], fixed TargetSize spatial dimensions.
type Tensor struct {
	Data     []float32
	Height   int
	Width    int
	Channels int
}

// Preprocess converts an arbitrary-sized pixel buffer into a fixed-size
// normalized tensor. Both axes are independently rescaled with bilinear
// interpolation; aspect ratio is not preserved. Training and inference share
// this single code path so the two stages see bit-identical preprocessing.
//
// Preprocess is a pure function of its input and never mutates buf.
func Preprocess(buf *PixelBuffer) (*Tensor, error) {
	if buf == nil {
		return nil, errors.Wrap(ErrInvalidImageFormat, "nil pixel buffer")
	}
	if buf.Width <= 0 || buf.Height <= 0 {
		return nil, errors.Wrapf(ErrInvalidImageFormat, "bad dimensions %dx%d", buf.Width, buf.Height)
	}
	if len(buf.Pix) != buf.Width*buf.Height*buf.Channels {
		return nil, errors.Wrapf(ErrInvalidImageFormat,
			"pixel data length %d does not match %dx%dx%d",
			len(buf.Pix), buf.Width, buf.Height, buf.Channels)
	}

	src, err := toRGBA(buf)
	if err != nil {
		return nil, err
	}

	resized := resize.Resize(TargetSize, TargetSize, src, resize.Bilinear)

	t := &Tensor{
		Data:     make([]float32, TargetSize*TargetSize*TargetChannels),
		Height:   TargetSize,
		Width:    TargetSize,
		Channels: TargetChannels,
	}
	idx := 0
	for y := 0; y < TargetSize; y++ {
		for x := 0; x < TargetSize; x++ {
			r, g, b, _ := resized.At(x, y).RGBA()
			// RGBA returns 16-bit samples; rescale to [0, 1].
			t.Data[idx] = float32(r) / 65535.0
			t.Data[idx+1] = float32(g) / 65535.0
			t.Data[idx+2] = float32(b) / 65535.0
			idx += 3
		}
	}
	return t, nil
}

// toRGBA expands the supported channel layouts into an image.RGBA so the
// resize kernel sees a uniform source. Grayscale is replicated across RGB,
// RGBA drops alpha. Anything else is rejected.
func toRGBA(buf *PixelBuffer) (*image.RGBA, error) {
	img := image.NewRGBA(image.Rect(0, 0, buf.Width, buf.Height))
	switch buf.Channels {
	case 1:
		for i := 0; i < buf.Width*buf.Height; i++ {
			v := buf.Pix[i]
			img.Pix[i*4] = v
			img.Pix[i*4+1] = v
			img.Pix[i*4+2] = v
			img.Pix[i*4+3] = 0xff
		}
	case 3:
		for i := 0; i < buf.Width*buf.Height; i++ {
			img.Pix[i*4] = buf.Pix[i*3]
			img.Pix[i*4+1] = buf.Pix[i*3+1]
			img.Pix[i*4+2] = buf.Pix[i*3+2]
			img.Pix[i*4+3] = 0xff
		}
	case 4:
		for i := 0; i < buf.Width*buf.Height; i++ {
			img.Pix[i*4] = buf.Pix[i*4]
			img.Pix[i*4+1] = buf.Pix[i*4+1]
			img.Pix[i*4+2] = buf.Pix[i*4+2]
			img.Pix[i*4+3] = 0xff
		}
	default:
		return nil, errors.Wrapf(ErrInvalidImageFormat, "unsupported channel count %d", buf.Channels)
	}
	return img, nil
}
