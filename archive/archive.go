// Package archive implements the append-only archive sink of spec.md §6
// and the codec-closure bundle the writer invokes through it.
//
// Grounded on arloliu-mebo/compress/codec.go's Compressor/Decompressor
// interface split (here narrowed to the one direction the archive sink
// needs, gzip write-side compression) and on spec.md §6's literal archive
// layout table. Uses klauspost/compress/gzip as a drop-in, faster
// replacement for stdlib compress/gzip, the same substitution
// arloliu-mebo itself makes by picking third-party codecs (zstd/s2/lz4)
// over stdlib ones wherever available — gzip is specifically required
// here because the SLPK layout's `.gz` extensions are a format
// requirement, not a free choice of algorithm.
package archive

import (
	"bytes"
	"image"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/esri-i3s/slpk-writer/geo"
	"github.com/esri-i3s/slpk-writer/layer"
	"github.com/esri-i3s/slpk-writer/mesh"
	"github.com/esri-i3s/slpk-writer/werr"
)

// Archive is the single primitive the writer depends on, per spec.md §6:
// "Consumed as an append-only sink with one primitive:
// append_file(path, bytes) -> bool." Paths are forward-slash,
// case-sensitive, no leading slash.
type Archive interface {
	AppendFile(path string, data []byte) bool
}

// Codecs bundles the optional injected closures of spec.md §6. Every
// field is optional; the writer calls only the ones it finds non-nil and
// falls back to a less-capable path otherwise (no Draco closure means
// legacy-only geometry, no GPU-texture encoder means that format is
// skipped).
type Codecs struct {
	EncodeToJPEG         func(raw *image.RGBA) ([]byte, error)
	EncodeToPNG          func(raw *image.RGBA) ([]byte, error)
	EncodeToDXTWithMips  func(raw *image.RGBA) ([]byte, error)
	EncodeToETC2WithMips func(raw *image.RGBA) ([]byte, error)
	EncodeToDraco        func(m *mesh.Mesh, scaleX, scaleY float64) ([]byte, error)
	DecodeJPEG           func(data []byte) (*image.RGBA, error)
	DecodePNG            func(data []byte) (*image.RGBA, error)
	ToCartesianSpace     layer.Transform
	FromCartesianSpace   layer.Transform
}

// GzipArchive wraps any Archive and gzip-compresses every payload whose
// path does not already carry one of the image extensions spec.md §6
// excludes from compression ("images not gzipped").
type GzipArchive struct {
	Sink Archive
}

// NewGzipArchive wraps sink so every AppendFile call through it gzips
// JSON/binary payloads and passes image payloads through untouched.
func NewGzipArchive(sink Archive) *GzipArchive {
	return &GzipArchive{Sink: sink}
}

var uncompressedExtensions = []string{".jpg", ".jpeg", ".png", ".bin.dds", ".ktx"}

func isImagePath(path string) bool {
	for _, ext := range uncompressedExtensions {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}

// AppendFile gzips data (appending ".gz" to path) unless path names an
// image payload, then delegates to Sink.
func (g *GzipArchive) AppendFile(path string, data []byte) bool {
	if isImagePath(path) {
		return g.Sink.AppendFile(path, data)
	}
	compressed, err := gzipCompress(data)
	if err != nil {
		return false
	}
	return g.Sink.AppendFile(path+".gz", compressed)
}

func gzipCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MemoryArchive is an in-memory Archive implementation useful for tests
// and for assembling an SLPK's contents before zipping them, keyed by the
// exact path AppendFile was called with.
type MemoryArchive struct {
	files map[string][]byte
}

// NewMemoryArchive creates an empty MemoryArchive.
func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{files: make(map[string][]byte)}
}

// AppendFile stores data under path, rejecting paths that are empty, have
// a leading slash, or use backslashes, per spec.md §6's path rules.
func (m *MemoryArchive) AppendFile(path string, data []byte) bool {
	if path == "" || strings.HasPrefix(path, "/") || strings.Contains(path, "\\") {
		return false
	}
	m.files[path] = append([]byte(nil), data...)
	return true
}

// Files returns a snapshot of every stored path and its bytes.
func (m *MemoryArchive) Files() map[string][]byte {
	out := make(map[string][]byte, len(m.files))
	for k, v := range m.files {
		out[k] = v
	}
	return out
}

// Get returns the bytes stored at path.
func (m *MemoryArchive) Get(path string) ([]byte, bool) {
	b, ok := m.files[path]
	return b, ok
}

// AppendOrError writes data to path through sink and converts a false
// return into a *werr.IoWriteFailed, the shape the writer's per-node
// procedures expect to propagate, per spec.md §7.
func AppendOrError(sink Archive, path string, data []byte) error {
	if sink.AppendFile(path, data) {
		return nil
	}
	return &werr.IoWriteFailed{Path: path}
}

// ToCartesianSpace applies codecs.ToCartesianSpace if present, falling
// back to identity so node assembly can call it unconditionally.
func ToCartesianSpace(codecs Codecs, sr layer.SpatialReference, points []geo.Vec3) ([]geo.Vec3, bool) {
	if codecs.ToCartesianSpace == nil {
		return points, true
	}
	return codecs.ToCartesianSpace(sr, points)
}

// FromCartesianSpace applies codecs.FromCartesianSpace if present,
// falling back to identity.
func FromCartesianSpace(codecs Codecs, sr layer.SpatialReference, points []geo.Vec3) ([]geo.Vec3, bool) {
	if codecs.FromCartesianSpace == nil {
		return points, true
	}
	return codecs.FromCartesianSpace(sr, points)
}
