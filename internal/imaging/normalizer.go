// Package imaging turns an arbitrary raster image into the fixed-shape
// tensor expected by the feature extractor: single-channel luminance,
// contrast-limited adaptive histogram equalization, replication back to
// three channels, resize to the model input resolution, and the ResNet50
// caffe-style input normalization.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	xdraw "golang.org/x/image/draw"
)

// InputSize is the extractor's fixed input resolution. The resize does not
// preserve aspect ratio.
const InputSize = 224

const (
	claheClipLimit = 4.0
	claheTileGrid  = 8
)

// ImageNet channel means subtracted by the ResNet50 preprocessing
// contract, in BGR order.
var imagenetMeansBGR = [3]float32{103.939, 116.779, 123.68}

// ErrEmptyImage reports an empty input buffer.
var ErrEmptyImage = errors.New("imaging: empty image buffer")

// ErrUnsupportedImageFormat reports a decodable image whose channel layout
// has no luminance reduction (e.g. CMYK).
var ErrUnsupportedImageFormat = errors.New("imaging: unsupported image format")

// DecodeError wraps the underlying decoder failure. The original cause is
// preserved; a blank image is never substituted.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("imaging: decode failed: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Tensor is a float32 tensor in NHWC layout.
type Tensor struct {
	Data  []float32
	Shape [4]int
}

// Normalize converts raw image bytes into a [1, 224, 224, 3] tensor ready
// for the feature extractor. Every step is a pure function of its input;
// concurrent calls share no state.
func Normalize(data []byte) (*Tensor, error) {
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{Err: err}
	}

	gray, err := toLuminance(img)
	if err != nil {
		return nil, err
	}

	enhanced := clahe(gray, claheTileGrid, claheTileGrid, claheClipLimit)
	resized := resizeGray(enhanced, InputSize, InputSize)

	return toTensor(resized), nil
}

// toLuminance reduces the decoded image to a single luminance channel.
// Grayscale sources pass through; color sources use the standard BT.601
// conversion; alpha is discarded. Channel layouts without a luminance
// reduction fail with ErrUnsupportedImageFormat.
func toLuminance(img image.Image) (*image.Gray, error) {
	switch img.(type) {
	case *image.Gray, *image.Gray16:
	case *image.YCbCr, *image.NYCbCrA,
		*image.RGBA, *image.NRGBA, *image.RGBA64, *image.NRGBA64,
		*image.Paletted:
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedImageFormat, img)
	}

	bounds := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	xdraw.Draw(gray, gray.Bounds(), img, bounds.Min, xdraw.Src)
	return gray, nil
}

func resizeGray(src *image.Gray, width, height int) *image.Gray {
	if src.Bounds().Dx() == width && src.Bounds().Dy() == height {
		return src
	}
	dst := image.NewGray(image.Rect(0, 0, width, height))
	xdraw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Src, nil)
	return dst
}

// toTensor replicates the luminance channel to three channels, applies the
// RGB-to-BGR swap and per-channel mean subtraction of the extractor's
// published preprocessing, and adds the batch dimension. With replicated
// channels the swap reduces to subtracting the BGR means in order.
func toTensor(img *image.Gray) *Tensor {
	data := make([]float32, InputSize*InputSize*3)
	for y := 0; y < InputSize; y++ {
		for x := 0; x < InputSize; x++ {
			v := float32(img.Pix[y*img.Stride+x])
			idx := (y*InputSize + x) * 3
			data[idx] = v - imagenetMeansBGR[0]
			data[idx+1] = v - imagenetMeansBGR[1]
			data[idx+2] = v - imagenetMeansBGR[2]
		}
	}
	return &Tensor{
		Data:  data,
		Shape: [4]int{1, InputSize, InputSize, 3},
	}
}
