// Package attachment shrinks uploaded pictures so they fit inline in a message record.
package attachment

import (
	"bytes"
	"image"
	"math"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	"github.com/syuukuriimu/student-forum/core"
)

var (
	ErrEmpty             = errors.New("empty image")
	ErrUnsupportedFormat = errors.New("unsupported image format (jpeg, png or gif expected)")
	ErrTooLarge          = errors.New("image is still too large after compression")
	ErrTooManyPixels     = errors.New("image dimensions are too large")
)

// Options drive Normalize. Zero values fall back to the defaults below.
type Options struct {
	MaxWidth    int     // width cap, keeps the aspect ratio
	MinWidth    int     // iterative downscale stops here
	MaxBytes    int     // size ceiling of the encoded blob
	Quality     int     // first JPEG quality tried
	MinQuality  int     // lowest JPEG quality tried
	QualityStep int     // quality decrement between attempts
	ScaleStep   float64 // width factor applied when quality alone is not enough (0 < step < 1)
	MaxPixels   int     // width*height accepted before any pixel is decoded
}

func DefaultOptions() Options {
	return Options{
		MaxWidth:    800,
		MinWidth:    100,
		MaxBytes:    1000000,
		Quality:     85,
		MinQuality:  20,
		QualityStep: 10,
		ScaleStep:   0.8,
		MaxPixels:   40000000,
	}
}

func OptionsFromConfig(c core.ImageConfig) Options {
	return Options{
		MaxWidth:    c.MaxWidth,
		MinWidth:    c.MinWidth,
		MaxBytes:    c.MaxBytes,
		Quality:     c.Quality,
		MinQuality:  c.MinQuality,
		QualityStep: c.QualityStep,
		ScaleStep:   c.ScaleStep,
		MaxPixels:   c.MaxPixels,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.MaxWidth <= 0 {
		o.MaxWidth = def.MaxWidth
	}
	if o.MinWidth <= 0 {
		o.MinWidth = def.MinWidth
	}
	if o.MinWidth > o.MaxWidth {
		o.MinWidth = o.MaxWidth
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = def.MaxBytes
	}
	if o.Quality <= 0 || o.Quality > 100 {
		o.Quality = def.Quality
	}
	if o.MinQuality <= 0 || o.MinQuality > o.Quality {
		o.MinQuality = o.Quality
		if def.MinQuality < o.Quality {
			o.MinQuality = def.MinQuality
		}
	}
	if o.QualityStep <= 0 {
		o.QualityStep = def.QualityStep
	}
	if o.ScaleStep <= 0 || o.ScaleStep >= 1 {
		o.ScaleStep = def.ScaleStep
	}
	if o.MaxPixels <= 0 {
		o.MaxPixels = def.MaxPixels
	}
	return o
}

// Normalize decodes data, caps its width and re-encodes it as JPEG at decreasing quality until it fits MaxBytes.
// When the lowest quality is still too big the width is reduced by ScaleStep and the quality search starts again.
// The returned blob is never larger than MaxBytes; ErrTooLarge is returned when MinWidth is reached first.
func Normalize(data []byte, opts Options) ([]byte, error) {
	opts = opts.withDefaults()

	img, err := decode(data, opts.MaxPixels)
	if err != nil {
		return nil, err
	}

	cur := downscaleIfNeeded(img, opts.MaxWidth)
	for {
		out, ok, err := encodeWithinCeiling(cur, opts)
		if err != nil {
			return nil, err
		}
		if ok {
			return out, nil
		}

		w := cur.Bounds().Dx()
		if w <= opts.MinWidth {
			return nil, ErrTooLarge
		}
		nw := int(math.Floor(float64(w) * opts.ScaleStep))
		if nw < opts.MinWidth {
			nw = opts.MinWidth
		}
		if nw >= w {
			nw = w - 1
		}
		cur = imaging.Resize(cur, nw, 0, imaging.Lanczos)
	}
}

// decode reads the header first so that a small file declaring huge dimensions is refused before allocation.
func decode(data []byte, maxPixels int) (image.Image, error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		if errors.Cause(err) == image.ErrFormat {
			return nil, ErrUnsupportedFormat
		}
		return nil, errors.Wrap(err, "decoding image header")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return nil, ErrTooManyPixels
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		if errors.Cause(err) == image.ErrFormat {
			return nil, ErrUnsupportedFormat
		}
		return nil, errors.Wrap(err, "decoding image")
	}
	return img, nil
}

// downscaleIfNeeded caps the width, keeping the aspect ratio.
func downscaleIfNeeded(src image.Image, maxW int) image.Image {
	if src.Bounds().Dx() <= maxW {
		return src
	}
	return imaging.Resize(src, maxW, 0, imaging.Lanczos)
}

// encodeWithinCeiling tries qualities from Quality down to MinQuality and returns the first encoding that fits.
func encodeWithinCeiling(img image.Image, opts Options) ([]byte, bool, error) {
	var buf bytes.Buffer
	for q := opts.Quality; ; q -= opts.QualityStep {
		if q < opts.MinQuality {
			q = opts.MinQuality
		}
		buf.Reset()
		if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(q)); err != nil {
			return nil, false, errors.Wrap(err, "encoding jpeg")
		}
		if buf.Len() <= opts.MaxBytes {
			out := make([]byte, buf.Len())
			copy(out, buf.Bytes())
			return out, true, nil
		}
		if q == opts.MinQuality {
			return nil, false, nil
		}
	}
}

// ContentType is the MIME type of normalized images.
const ContentType = "image/jpeg"
