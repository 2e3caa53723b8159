// Package transform turns decoded images into normalized CHW float32 tensors.
//
// Validation is the preprocessing contract shared by evaluation and the
// inference API; Training adds random augmentation in front of it.
package transform

import (
	"image"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
)

// ImageNet channel statistics the pretrained backbones were trained with.
var (
	ImageNetMean = [3]float32{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

// Tensor is a dense float32 buffer in channel-height-width order.
type Tensor struct {
	Data  []float32
	Shape []int
}

// Func maps a decoded image to a model input tensor.
type Func func(img image.Image) (*Tensor, error)

// Config describes the fixed output shape and normalization.
type Config struct {
	Width  int        `toml:"width"`
	Height int        `toml:"height"`
	Mean   [3]float32 `toml:"mean"`
	Std    [3]float32 `toml:"std"`
}

// DefaultConfig resizes to 256x256 and standardizes with ImageNet statistics.
func DefaultConfig() Config {
	return Config{
		Width:  256,
		Height: 256,
		Mean:   ImageNetMean,
		Std:    ImageNetStd,
	}
}

// Shape returns the [C, H, W] shape of tensors produced with this config.
func (c Config) Shape() []int {
	return []int{3, c.Height, c.Width}
}

func (c Config) validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return errors.Errorf("invalid target size %dx%d", c.Width, c.Height)
	}
	for i, s := range c.Std {
		if s == 0 {
			return errors.Errorf("std for channel %d is zero", i)
		}
	}
	return nil
}

// Validation returns the deterministic resize, scale and normalize pipeline.
func Validation(cfg Config) Func {
	return func(img image.Image) (*Tensor, error) {
		if img == nil {
			return nil, errors.New("nil image")
		}
		if err := cfg.validate(); err != nil {
			return nil, err
		}
		resized := resize.Resize(uint(cfg.Width), uint(cfg.Height), img, resize.Bilinear)
		return ToTensor(resized, cfg.Mean, cfg.Std), nil
	}
}

// ToTensor converts img into a CHW tensor with values scaled to [0, 1] and
// then standardized per channel. Alpha is ignored.
func ToTensor(img image.Image, mean, std [3]float32) *Tensor {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	plane := width * height

	data := make([]float32, 3*plane)
	red := data[0:plane]
	green := data[plane : 2*plane]
	blue := data[2*plane : 3*plane]

	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			red[i] = (float32(r>>8)/255.0 - mean[0]) / std[0]
			green[i] = (float32(g>>8)/255.0 - mean[1]) / std[1]
			blue[i] = (float32(b>>8)/255.0 - mean[2]) / std[2]
			i++
		}
	}

	return &Tensor{Data: data, Shape: []int{3, height, width}}
}
