package texture

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solidRGBA(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func encodePNGBytes(t *testing.T, img *image.RGBA) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestInternKeysByMaskAndAtlasFlag(t *testing.T) {
	in := NewInterner()
	id1 := in.Intern(FormatJpg|FormatPng, false)
	id2 := in.Intern(FormatJpg|FormatPng, false)
	id3 := in.Intern(FormatJpg|FormatPng, true)
	assert.Equal(t, id1, id2)
	assert.NotEqual(t, id1, id3)
}

func TestInternDefinitionListsOneEntryPerBit(t *testing.T) {
	in := NewInterner()
	id := in.Intern(FormatJpg|FormatDxt, false)
	defs := in.Definitions()
	require.Len(t, defs, 1)
	require.Len(t, defs[id].Entries, 2)
	tags := map[string]bool{}
	for _, e := range defs[id].Entries {
		tags[e.Tag] = true
	}
	assert.True(t, tags["0"])
	assert.True(t, tags["0_0_1"])
}

func TestClassifyAlphaOpaque(t *testing.T) {
	img := solidRGBA(2, 2, color.RGBA{255, 0, 0, 255})
	assert.Equal(t, AlphaOpaque, classifyAlpha(img))
}

func TestClassifyAlphaMask1Bit(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 1))
	img.Set(0, 0, color.RGBA{255, 0, 0, 255})
	img.Set(1, 0, color.RGBA{0, 0, 0, 0})
	assert.Equal(t, AlphaMask1Bit, classifyAlpha(img))
}

func TestClassifyAlphaBlend(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 1))
	img.Set(0, 0, color.RGBA{255, 0, 0, 255})
	img.Set(1, 0, color.RGBA{10, 10, 10, 128})
	assert.Equal(t, AlphaBlend, classifyAlpha(img))
}

func TestResampleShrinksLargerDimension(t *testing.T) {
	img := solidRGBA(512, 256, color.RGBA{1, 2, 3, 255})
	out := resample(img, 128)
	assert.Equal(t, 128, out.Bounds().Dx())
	assert.Equal(t, 64, out.Bounds().Dy())
}

func TestResampleNoopWhenWithinBound(t *testing.T) {
	img := solidRGBA(64, 32, color.RGBA{1, 2, 3, 255})
	out := resample(img, 128)
	assert.Same(t, img, out)
}

func TestEncodeSetFailsWithoutAnySource(t *testing.T) {
	_, _, err := EncodeSet(Context{}, Buffer{}, FormatJpg)
	assert.Error(t, err)
}

func TestEncodeSetPrefersRawThenEncodesDesiredFormats(t *testing.T) {
	raw := solidRGBA(8, 8, color.RGBA{200, 100, 50, 255})
	out, alpha, err := EncodeSet(Context{}, Buffer{Raw: raw}, FormatJpg|FormatPng)
	require.NoError(t, err)
	assert.Equal(t, AlphaOpaque, alpha)
	assert.Contains(t, out, FormatJpg)
	assert.Contains(t, out, FormatPng)
}

func TestEncodeSetDecodesPNGWhenNoRaw(t *testing.T) {
	pngBytes := encodePNGBytes(t, solidRGBA(4, 4, color.RGBA{9, 9, 9, 255}))
	out, _, err := EncodeSet(Context{}, Buffer{Images: map[Format][]byte{FormatPng: pngBytes}}, FormatPng)
	require.NoError(t, err)
	assert.Equal(t, pngBytes, out[FormatPng])
}

func TestEncodeSetUsesRegisteredEncoderForCompressedFormats(t *testing.T) {
	raw := solidRGBA(4, 4, color.RGBA{1, 1, 1, 255})
	called := false
	ctx := Context{
		Encoders: map[Format]func(*image.RGBA) ([]byte, error){
			FormatDxt: func(r *image.RGBA) ([]byte, error) {
				called = true
				return []byte{0xDD, 0x77}, nil
			},
		},
	}
	out, _, err := EncodeSet(ctx, Buffer{Raw: raw}, FormatDxt)
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, []byte{0xDD, 0x77}, out[FormatDxt])
}

func TestEncodeSetSkipsFormatsWithNoRegisteredCompressedEncoder(t *testing.T) {
	raw := solidRGBA(4, 4, color.RGBA{1, 1, 1, 255})
	out, _, err := EncodeSet(Context{}, Buffer{Raw: raw}, FormatEtc2)
	require.NoError(t, err)
	_, ok := out[FormatEtc2]
	assert.False(t, ok)
}
