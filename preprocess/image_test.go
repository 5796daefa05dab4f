package preprocess

import (
	"errors"
	"testing"
)

// syntheticBuffer builds a WxH RGB buffer with a horizontal gradient so
// resized output still has structure to check.
func syntheticBuffer(width, height int) *PixelBuffer {
	pix := make([]byte, width*height*3)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := (y*width + x) * 3
			pix[i] = byte(255 * x / width)
			pix[i+1] = byte(255 * y / height)
			pix[i+2] = 128
		}
	}
	return &PixelBuffer{Width: width, Height: height, Channels: 3, Pix: pix}
}

func TestPreprocessDimensionsAndRange(t *testing.T) {
	sizes := []struct{ w, h int }{
		{64, 64},
		{640, 480},
		{224, 224},
		{17, 301},
	}

	for _, size := range sizes {
		tensor, err := Preprocess(syntheticBuffer(size.w, size.h))
		if err != nil {
			t.Fatalf("Preprocess(%dx%d) failed: %v", size.w, size.h, err)
		}

		if tensor.Width != TargetSize || tensor.Height != TargetSize || tensor.Channels != TargetChannels {
			t.Errorf("expected %dx%dx%d tensor, got %dx%dx%d",
				TargetSize, TargetSize, TargetChannels, tensor.Height, tensor.Width, tensor.Channels)
		}
		if len(tensor.Data) != TargetSize*TargetSize*TargetChannels {
			t.Errorf("expected %d values, got %d", TargetSize*TargetSize*TargetChannels, len(tensor.Data))
		}
		for i, v := range tensor.Data {
			if v < 0 || v > 1 {
				t.Fatalf("value %f at index %d outside [0, 1]", v, i)
			}
		}
	}
}

func TestPreprocessChannelLayouts(t *testing.T) {
	t.Run("Grayscale", func(t *testing.T) {
		buf := &PixelBuffer{Width: 2, Height: 2, Channels: 1, Pix: []byte{0, 85, 170, 255}}
		tensor, err := Preprocess(buf)
		if err != nil {
			t.Fatalf("grayscale preprocess failed: %v", err)
		}
		// Grayscale replicates across RGB, so each pixel's channels match.
		for i := 0; i < len(tensor.Data); i += 3 {
			if tensor.Data[i] != tensor.Data[i+1] || tensor.Data[i+1] != tensor.Data[i+2] {
				t.Fatalf("channels diverge at pixel %d: %v %v %v",
					i/3, tensor.Data[i], tensor.Data[i+1], tensor.Data[i+2])
			}
		}
	})

	t.Run("RGBA", func(t *testing.T) {
		pix := make([]byte, 4*4*4)
		for i := range pix {
			pix[i] = byte(i * 7)
		}
		buf := &PixelBuffer{Width: 4, Height: 4, Channels: 4, Pix: pix}
		if _, err := Preprocess(buf); err != nil {
			t.Fatalf("RGBA preprocess failed: %v", err)
		}
	})

	t.Run("UnsupportedChannels", func(t *testing.T) {
		buf := &PixelBuffer{Width: 2, Height: 2, Channels: 2, Pix: make([]byte, 8)}
		_, err := Preprocess(buf)
		if !errors.Is(err, ErrInvalidImageFormat) {
			t.Fatalf("expected ErrInvalidImageFormat, got %v", err)
		}
	})
}

func TestPreprocessRejectsMalformedBuffers(t *testing.T) {
	cases := []struct {
		name string
		buf  *PixelBuffer
	}{
		{"Nil", nil},
		{"ZeroWidth", &PixelBuffer{Width: 0, Height: 4, Channels: 3, Pix: []byte{}}},
		{"ShortData", &PixelBuffer{Width: 4, Height: 4, Channels: 3, Pix: make([]byte, 10)}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Preprocess(tc.buf)
			if !errors.Is(err, ErrInvalidImageFormat) {
				t.Fatalf("expected ErrInvalidImageFormat, got %v", err)
			}
		})
	}
}

func TestPreprocessIsDeterministic(t *testing.T) {
	buf := syntheticBuffer(100, 80)
	first, err := Preprocess(buf)
	if err != nil {
		t.Fatalf("first pass failed: %v", err)
	}
	second, err := Preprocess(buf)
	if err != nil {
		t.Fatalf("second pass failed: %v", err)
	}
	for i := range first.Data {
		if first.Data[i] != second.Data[i] {
			t.Fatalf("outputs differ at index %d: %v vs %v", i, first.Data[i], second.Data[i])
		}
	}
}
