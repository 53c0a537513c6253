package attachment

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noisePNG(t *testing.T, seed int64, w, h int) []byte {
	t.Helper()
	rnd := rand.New(rand.NewSource(seed))
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(rnd.Intn(256)), G: uint8(rnd.Intn(256)), B: uint8(rnd.Intn(256)), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode() failed: %v", err)
	}
	return buf.Bytes()
}

func flatPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := imaging.New(w, h, color.NRGBA{R: 30, G: 120, B: 200, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode() failed: %v", err)
	}
	return buf.Bytes()
}

// hugePNG is a valid PNG header declaring w x h pixels with almost no pixel data behind it.
func hugePNG(t *testing.T, w, h uint32) []byte {
	t.Helper()
	data := flatPNG(t, 1, 1)
	// signature (8) + IHDR length (4) + "IHDR" (4) + width (4) + height (4) ... crc after 13 data bytes
	binary.BigEndian.PutUint32(data[16:20], w)
	binary.BigEndian.PutUint32(data[20:24], h)
	binary.BigEndian.PutUint32(data[29:33], crc32.ChecksumIEEE(data[12:29]))
	return data
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name      string
		data      []byte
		opts      Options
		wantErr   error
		wantWidth int
	}{
		{name: "empty", data: nil, opts: DefaultOptions(), wantErr: ErrEmpty},
		{name: "not an image", data: []byte("definitely not a picture"), opts: DefaultOptions(), wantErr: ErrUnsupportedFormat},
		{name: "small image keeps its width", data: flatPNG(t, 320, 200), opts: DefaultOptions(), wantWidth: 320},
		{name: "wide image is capped", data: flatPNG(t, 1600, 900), opts: DefaultOptions(), wantWidth: 800},
		{
			name:    "ceiling cannot be reached",
			data:    noisePNG(t, 1, 400, 300),
			opts:    Options{MaxWidth: 400, MinWidth: 200, MaxBytes: 200, Quality: 80, MinQuality: 20, QualityStep: 20, ScaleStep: 0.5},
			wantErr: ErrTooLarge,
		},
		{name: "declared dimensions over the cap", data: hugePNG(t, 20000, 20000), opts: DefaultOptions(), wantErr: ErrTooManyPixels},
		{name: "oversized side", data: hugePNG(t, 1<<31-1, 2), opts: DefaultOptions(), wantErr: ErrTooManyPixels},
		{
			name:    "small cap",
			data:    flatPNG(t, 20, 20),
			opts:    Options{MaxPixels: 399},
			wantErr: ErrTooManyPixels,
		},
		{name: "exactly at the cap", data: flatPNG(t, 20, 20), opts: Options{MaxPixels: 400}, wantWidth: 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Normalize(tt.data, tt.opts)
			if tt.wantErr != nil {
				assert.Equal(t, tt.wantErr, err)
				assert.Nil(t, out)
				return
			}
			require.NoError(t, err)

			img, err := imaging.Decode(bytes.NewReader(out))
			require.NoError(t, err)
			assert.Equal(t, tt.wantWidth, img.Bounds().Dx())
			assert.LessOrEqual(t, len(out), tt.opts.withDefaults().MaxBytes)
		})
	}
}

// Whatever the input, the result either fits the ceiling or is an error.
func TestNormalize_neverExceedsCeiling(t *testing.T) {
	ceilings := []int{2000, 8000, 30000, 120000}
	for seed := int64(1); seed <= 4; seed++ {
		data := noisePNG(t, seed, 300+int(seed)*150, 200+int(seed)*100)
		for _, ceiling := range ceilings {
			opts := DefaultOptions()
			opts.MaxBytes = ceiling
			opts.MinWidth = 40

			out, err := Normalize(data, opts)
			if err != nil {
				assert.Equal(t, ErrTooLarge, err, "seed %d ceiling %d", seed, ceiling)
				continue
			}
			assert.LessOrEqual(t, len(out), ceiling, "seed %d ceiling %d", seed, ceiling)
		}
	}
}

func TestNormalize_downscalesWhenQualityIsNotEnough(t *testing.T) {
	data := noisePNG(t, 42, 800, 600)
	opts := DefaultOptions()
	opts.MaxBytes = 25000
	opts.MinWidth = 50

	out, err := Normalize(data, opts)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(out), opts.MaxBytes)

	img, err := imaging.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Less(t, img.Bounds().Dx(), 800)
}

func TestOptions_withDefaults(t *testing.T) {
	got := Options{Quality: 50, MinQuality: 70, ScaleStep: 2}.withDefaults()
	assert.Equal(t, 20, got.MinQuality)
	assert.Equal(t, 0.8, got.ScaleStep)
	assert.Equal(t, 800, got.MaxWidth)
	assert.Equal(t, 1000000, got.MaxBytes)
	assert.Equal(t, 40000000, got.MaxPixels)
}
