// Package texture implements the multi-format texture buffer, the
// texture-set interner, and the texture-set encoder of spec.md §4.4/§4.5.
//
// Grounded on texture/texture2D.go's DecodeImage (the stdlib image.Decode
// registry sniff-and-decode idiom, minus its GL-upload half) and on
// material/pbr_mr.go's texture-slot pattern, generalized from a single
// GL-bound slot to a per-format byte-buffer map. Resampling uses
// golang.org/x/image/draw directly on image.RGBA, whose pixel format is
// already alpha-premultiplied per the stdlib image/color contract, which
// is what spec.md §4.5 means by "premultiplied-alpha resampling".
package texture

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"sync"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/image/draw"

	"github.com/esri-i3s/slpk-writer/werr"
)

// Format is one bit of a texture-set's format bitmask.
type Format uint8

const (
	FormatJpg Format = 1 << iota
	FormatPng
	FormatDxt
	FormatEtc2
)

var allFormats = []Format{FormatJpg, FormatPng, FormatDxt, FormatEtc2}

// tag returns the legacy on-disk name i3s readers expect for format,
// per spec.md §4.4: `"0"` for JPG/PNG, `"0_0_1"` for DXT, `"0_0_2"` for KTX.
func (f Format) tag() string {
	switch f {
	case FormatJpg, FormatPng:
		return "0"
	case FormatDxt:
		return "0_0_1"
	case FormatEtc2:
		return "0_0_2"
	default:
		return "0"
	}
}

// Extension returns the archive file extension a texture payload of format
// f is written under (e.g. "nodes/<id>/textures/<tag>.<extension>").
func (f Format) Extension() string {
	switch f {
	case FormatJpg:
		return "jpg"
	case FormatPng:
		return "png"
	case FormatDxt:
		return "bin.dds"
	case FormatEtc2:
		return "ktx"
	default:
		return "bin"
	}
}

// AlphaStatus classifies a raster's alpha channel.
type AlphaStatus int

const (
	AlphaUnknown AlphaStatus = iota
	AlphaOpaque
	AlphaMask1Bit
	AlphaBlend
)

// Buffer is the multi-format input (and output) a node submits for one
// logical image, per spec.md §3: "a multi-format texture buffer (0..N
// images, each tagged with one of the supported raster formats)."
type Buffer struct {
	Raw    *image.RGBA // canonical decoded source, may be nil
	Alpha  AlphaStatus
	Images map[Format][]byte // encoded bytes already available per format
}

// Definition is the texture-set record emitted on interning, listing one
// entry per bit of the format mask, per spec.md §4.4.
type Definition struct {
	ID      int
	IsAtlas bool
	Entries []DefinitionEntry
}

// DefinitionEntry is one format within a Definition.
type DefinitionEntry struct {
	Format Format
	Tag    string
	Ext    string
}

type setKey struct {
	mask    Format
	isAtlas bool
}

// Interner keys texture sets by (format bitmask, is-atlas flag), per
// spec.md §4.4, and is safe for concurrent use like material.Interner.
type Interner struct {
	mu      sync.Mutex
	byKey   map[uint64]int
	entries []Definition
}

// NewInterner creates an empty Interner.
func NewInterner() *Interner {
	return &Interner{byKey: make(map[uint64]int)}
}

// Intern assigns mask/isAtlas the first unused ID, or returns the ID of an
// already-seen identical (mask, isAtlas) pair.
func (in *Interner) Intern(mask Format, isAtlas bool) int {
	k := setKey{mask: mask, isAtlas: isAtlas}
	hash := xxhash.Sum64String(fmt.Sprintf("%d|%t", k.mask, k.isAtlas))

	in.mu.Lock()
	defer in.mu.Unlock()

	if id, ok := in.byKey[hash]; ok {
		return id
	}
	id := len(in.entries)
	def := Definition{ID: id, IsAtlas: isAtlas}
	for _, f := range allFormats {
		if mask&f != 0 {
			def.Entries = append(def.Entries, DefinitionEntry{Format: f, Tag: f.tag(), Ext: f.Extension()})
		}
	}
	in.entries = append(in.entries, def)
	in.byKey[hash] = id
	return id
}

// Definitions returns the interned texture-set records in assignment order.
func (in *Interner) Definitions() []Definition {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]Definition(nil), in.entries...)
}

// Context carries the codecs and sizing policy the texture-set encoder
// needs, injected per spec.md §6's external-collaborator model.
type Context struct {
	MaxTextureSize int
	Encoders       map[Format]func(*image.RGBA) ([]byte, error)
	DecodeJPEG     func([]byte) (*image.RGBA, error)
	DecodePNG      func([]byte) (*image.RGBA, error)
}

// decodeRaw sniffs and decodes a raster into RGBA8, the stdlib half of the
// original teacher DecodeImage (its GL-upload half has no analog here).
func decodeRaw(data []byte) (*image.RGBA, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	rgba := image.NewRGBA(img.Bounds())
	draw.Draw(rgba, rgba.Bounds(), img, img.Bounds().Min, draw.Src)
	return rgba, nil
}

func defaultDecodeJPEG(data []byte) (*image.RGBA, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	rgba := image.NewRGBA(img.Bounds())
	draw.Draw(rgba, rgba.Bounds(), img, img.Bounds().Min, draw.Src)
	return rgba, nil
}

func defaultDecodePNG(data []byte) (*image.RGBA, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	rgba := image.NewRGBA(img.Bounds())
	draw.Draw(rgba, rgba.Bounds(), img, img.Bounds().Min, draw.Src)
	return rgba, nil
}

// classifyAlpha scans the alpha channel of rgba and classifies it, per
// spec.md §4.5.
func classifyAlpha(rgba *image.RGBA) AlphaStatus {
	sawTransparent := false
	sawIntermediate := false
	for i := 3; i < len(rgba.Pix); i += 4 {
		a := rgba.Pix[i]
		switch {
		case a == 255:
		case a == 0:
			sawTransparent = true
		default:
			sawIntermediate = true
		}
	}
	if sawIntermediate {
		return AlphaBlend
	}
	if sawTransparent {
		return AlphaMask1Bit
	}
	return AlphaOpaque
}

// resample scales rgba to fit within maxDim on its larger side, preserving
// aspect ratio, using x/image/draw's bilinear scaler over the
// already-premultiplied RGBA pixel data.
func resample(rgba *image.RGBA, maxDim int) *image.RGBA {
	w, h := rgba.Bounds().Dx(), rgba.Bounds().Dy()
	largest := w
	if h > largest {
		largest = h
	}
	if largest <= maxDim {
		return rgba
	}
	scale := float64(maxDim) / float64(largest)
	newW := int(float64(w)*scale + 0.5)
	newH := int(float64(h)*scale + 0.5)
	if newW < 1 {
		newW = 1
	}
	if newH < 1 {
		newH = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	draw.BiLinear.Scale(dst, dst.Bounds(), rgba, rgba.Bounds(), draw.Src, nil)
	return dst
}

// EncodeSet produces the final per-format byte map for in, per spec.md
// §4.5's five-step procedure: pick/decode a canonical raw source,
// classify alpha, resample to fit MaxTextureSize, then invoke each
// missing desired format's encoder.
func EncodeSet(ctx Context, in Buffer, desired Format) (map[Format][]byte, AlphaStatus, error) {
	decodeJPEG := ctx.DecodeJPEG
	if decodeJPEG == nil {
		decodeJPEG = defaultDecodeJPEG
	}
	decodePNG := ctx.DecodePNG
	if decodePNG == nil {
		decodePNG = defaultDecodePNG
	}

	raw := in.Raw
	if raw == nil {
		pngBytes, hasPNG := in.Images[FormatPng]
		jpgBytes, hasJPG := in.Images[FormatJpg]
		var err error
		switch {
		case hasPNG:
			raw, err = decodePNG(pngBytes)
		case hasJPG:
			raw, err = decodeJPEG(jpgBytes)
		default:
			return nil, AlphaUnknown, &werr.MissingJpgOrPng{}
		}
		if err != nil {
			format := "png"
			if hasJPG && !hasPNG {
				format = "jpg"
			}
			return nil, AlphaUnknown, &werr.ImageDecodingError{Format: format}
		}
	}

	alpha := in.Alpha
	if alpha == AlphaUnknown {
		alpha = classifyAlpha(raw)
	}

	if ctx.MaxTextureSize > 0 {
		raw = resample(raw, ctx.MaxTextureSize)
	}

	out := make(map[Format][]byte, len(in.Images)+2)
	for f, b := range in.Images {
		out[f] = b
	}

	for _, f := range allFormats {
		if desired&f == 0 {
			continue
		}
		if _, ok := out[f]; ok {
			continue
		}
		encoder := ctx.Encoders[f]
		if encoder == nil {
			if f == FormatJpg || f == FormatPng {
				encoded, err := encodeBuiltin(f, raw)
				if err != nil {
					return nil, alpha, &werr.ImageEncodingError{Format: formatName(f)}
				}
				out[f] = encoded
			}
			continue
		}
		encoded, err := encoder(raw)
		if err != nil {
			return nil, alpha, &werr.ImageEncodingError{Format: formatName(f)}
		}
		out[f] = encoded
	}

	return out, alpha, nil
}

func encodeBuiltin(f Format, raw *image.RGBA) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	switch f {
	case FormatPng:
		err = png.Encode(&buf, raw)
	case FormatJpg:
		err = jpeg.Encode(&buf, raw, &jpeg.Options{Quality: 90})
	default:
		return nil, fmt.Errorf("texture: no built-in encoder for format %d", f)
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func formatName(f Format) string {
	switch f {
	case FormatJpg:
		return "jpg"
	case FormatPng:
		return "png"
	case FormatDxt:
		return "dxt"
	case FormatEtc2:
		return "etc2"
	default:
		return "unknown"
	}
}

// DecodeRaw exposes decodeRaw for callers (e.g. cmd/raster2slpk) that need
// to sniff an arbitrary source raster before building a Buffer.
func DecodeRaw(data []byte) (*image.RGBA, error) {
	return decodeRaw(data)
}
