package transform

import (
	"image"
	"image/color"
	"math/rand"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// Augment configures the random perturbations applied by Training.
type Augment struct {
	// FlipProbability is the chance of a horizontal flip.
	FlipProbability float64 `toml:"flip_probability"`
	// MaxRotation is the rotation range in degrees, sampled uniformly in [-MaxRotation, MaxRotation].
	MaxRotation float64 `toml:"max_rotation"`
	// Brightness, Contrast and Saturation are jitter factors: a value of 0.2
	// samples a factor in [0.8, 1.2]. Brightness multiplies every channel by
	// the factor, so black stays black.
	Brightness float64 `toml:"brightness"`
	Contrast   float64 `toml:"contrast"`
	Saturation float64 `toml:"saturation"`
}

// DefaultAugment mirrors the augmentation the grading model was trained with.
func DefaultAugment() Augment {
	return Augment{
		FlipProbability: 0.5,
		MaxRotation:     15,
		Brightness:      0.2,
		Contrast:        0.2,
		Saturation:      0.2,
	}
}

// Training returns a pipeline that resizes, augments and normalizes. The
// random source is owned by the returned Func; calls are serialized on it.
func Training(cfg Config, aug Augment, rng *rand.Rand) Func {
	var mu sync.Mutex
	return func(img image.Image) (*Tensor, error) {
		if img == nil {
			return nil, errors.New("nil image")
		}
		if err := cfg.validate(); err != nil {
			return nil, err
		}
		if rng == nil {
			return nil, errors.New("training transform requires a random source")
		}

		out := imaging.Resize(img, cfg.Width, cfg.Height, imaging.Linear)

		mu.Lock()
		flip := rng.Float64() < aug.FlipProbability
		angle := uniform(rng, aug.MaxRotation)
		brightness := uniform(rng, aug.Brightness)
		contrast := uniform(rng, aug.Contrast)
		saturation := uniform(rng, aug.Saturation)
		mu.Unlock()

		if flip {
			out = imaging.FlipH(out)
		}
		if angle != 0 {
			rotated := imaging.Rotate(out, angle, color.Black)
			out = imaging.CropCenter(rotated, cfg.Width, cfg.Height)
		}
		if brightness != 0 {
			out = scaleBrightness(out, 1+brightness)
		}
		if contrast != 0 {
			out = imaging.AdjustContrast(out, contrast*100)
		}
		if saturation != 0 {
			out = imaging.AdjustSaturation(out, saturation*100)
		}

		return ToTensor(out, cfg.Mean, cfg.Std), nil
	}
}

// scaleBrightness multiplies the colour channels by factor, clamping to 255.
func scaleBrightness(img *image.NRGBA, factor float64) *image.NRGBA {
	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		return color.NRGBA{
			R: scaleChannel(c.R, factor),
			G: scaleChannel(c.G, factor),
			B: scaleChannel(c.B, factor),
			A: c.A,
		}
	})
}

func scaleChannel(v uint8, factor float64) uint8 {
	x := float64(v)*factor + 0.5
	if x >= 255 {
		return 255
	}
	if x <= 0 {
		return 0
	}
	return uint8(x)
}

// uniform samples from [-r, r]; zero when r is not positive.
func uniform(rng *rand.Rand, r float64) float64 {
	if r <= 0 {
		return 0
	}
	return (rng.Float64()*2 - 1) * r
}

// RGB copies img into an opaque NRGBA image, dropping any alpha channel
// without compositing so colour values are kept as stored.
func RGB(img image.Image) *image.NRGBA {
	dst := imaging.Clone(img)
	for i := 3; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = 0xff
	}
	return dst
}
