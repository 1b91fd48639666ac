// Package legacy implements the fixed-layout binary geometry buffer used
// by nodes/<id>/geometries/0, per spec.md §4.3: a header, followed by
// attribute blocks whose presence is driven by a mesh's attribute mask.
//
// Grounded on original_source/src/i3s/i3s_legacy_mesh.cpp for block
// ordering and face-range run detection, and on g3n-engine's byte-layout
// conventions (vector/quaternion component order) for how fixed binary
// records are described. Uses stdlib encoding/binary the same way
// arloliu-mebo/encoding encodes its own fixed binary columns: this is a
// little-endian struct layout, not a self-describing format, so no pack
// library (protobuf/flatbuffers/msgpack codecs elsewhere in the corpus)
// fits better than direct binary.Write/Read.
package legacy

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/esri-i3s/slpk-writer/mesh"
	"github.com/esri-i3s/slpk-writer/trace"
	"github.com/esri-i3s/slpk-writer/werr"
)

// FaceRange is an inclusive [FirstTriangle, LastTriangle] run sharing one
// feature index.
type FaceRange struct {
	FirstTriangle uint32
	LastTriangle  uint32
}

// Encode produces the contiguous legacy buffer for m, per spec.md §4.3.
// If a triangle mesh carries no feature attribute, a dummy feature
// spanning every triangle is injected so its feature_count is always
// >= 1; a point mesh without feature IDs is written with feature_count 0.
func Encode(m *mesh.Mesh) ([]byte, error) {
	vertexCount := m.VertexCount()
	mask := m.Mask()

	var buf bytes.Buffer
	writeU32(&buf, uint32(vertexCount))

	featureValues, featureIndex := featureArrays(m)
	writeU32(&buf, uint32(len(featureValues)))

	if mask.Has(mesh.MaskPos) {
		for _, p := range m.RelativePositions() {
			writeF32(&buf, p.X)
			writeF32(&buf, p.Y)
			writeF32(&buf, p.Z)
		}
	}
	if mask.Has(mesh.MaskNormal) {
		normals := m.Normals()
		if len(normals) != vertexCount {
			return nil, fmt.Errorf("legacy: %w: normal count %d != vertex count %d", werr.ErrTypeMismatch, len(normals), vertexCount)
		}
		for _, n := range normals {
			writeF32(&buf, n.X)
			writeF32(&buf, n.Y)
			writeF32(&buf, n.Z)
		}
	}
	if mask.Has(mesh.MaskUV0) {
		uvs := m.UVs()
		if len(uvs) != vertexCount {
			return nil, fmt.Errorf("legacy: %w: uv count %d != vertex count %d", werr.ErrTypeMismatch, len(uvs), vertexCount)
		}
		for _, uv := range uvs {
			writeF32(&buf, clampUVEdge(uv.X))
			writeF32(&buf, clampUVEdge(uv.Y))
		}
	}
	if mask.Has(mesh.MaskColor) {
		colors := m.Colors()
		for i := 0; i < vertexCount; i++ {
			c := [4]uint8{0xFF, 0xFF, 0xFF, 0xFF}
			if i < len(colors) {
				c = colors[i]
			}
			buf.WriteByte(c[0])
			buf.WriteByte(c[1])
			buf.WriteByte(c[2])
			buf.WriteByte(c[3])
		}
	}
	if mask.Has(mesh.MaskFeatureID) || len(featureValues) > 0 {
		for _, v := range featureValues {
			writeU64(&buf, v)
		}
		ranges, err := faceRanges(featureIndex, vertexCount)
		if err != nil {
			return nil, err
		}
		for _, r := range ranges {
			writeU32(&buf, r.FirstTriangle)
			writeU32(&buf, r.LastTriangle)
		}
	}
	if mask.Has(mesh.MaskRegion) {
		for i := 0; i < vertexCount; i++ {
			r := m.RegionAt(i)
			writeU16(&buf, quantizeRegion(r.UMin))
			writeU16(&buf, quantizeRegion(r.VMin))
			writeU16(&buf, quantizeRegion(r.UMax))
			writeU16(&buf, quantizeRegion(r.VMax))
		}
	}
	return buf.Bytes(), nil
}

// clampUVEdge works around a downstream renderer bug (spec §6): a UV
// component that lands exactly on 1.0 is nudged to 0.9999 before it is
// written to the legacy buffer.
func clampUVEdge(v float32) float32 {
	if v == 1.0 {
		return 0.9999
	}
	return v
}

func quantizeRegion(v float32) uint16 {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return uint16(v * 65535)
}

func dequantizeRegion(v uint16) float32 {
	return float32(v) / 65535
}

// featureArrays normalizes a mesh's feature attribute into a dense values
// array plus a per-vertex (or per-point) index array, injecting a single
// dummy feature spanning every triangle when the mesh declares none.
func featureArrays(m *mesh.Mesh) (values []uint64, index []uint32) {
	vertexCount := m.VertexCount()
	if m.Kind() == mesh.Points {
		values = m.FeatureValues()
		if len(values) == 0 && m.Mask().Has(mesh.MaskFeatureID) {
			for i := 0; i < vertexCount; i++ {
				values = append(values, m.FeatureIDAt(i))
			}
		}
		return values, nil
	}
	if !m.Mask().Has(mesh.MaskFeatureID) {
		return []uint64{0}, make([]uint32, vertexCount)
	}
	values = m.FeatureValues()
	index = m.FeatureIndex()
	if index == nil {
		index = make([]uint32, vertexCount)
	}
	return values, index
}

// faceRanges groups the per-vertex feature index array into maximal
// contiguous triangle runs, per spec.md §4.3: "face-range-count !=
// feature-count is possible ... writer scans the per-vertex feature-index
// array and groups maximal runs, emitting one (first_triangle_index,
// last_triangle_index) pair per run." Index arrays that are not
// triangle-aligned (length not a multiple of 3) are rejected.
func faceRanges(index []uint32, vertexCount int) ([]FaceRange, error) {
	if len(index) == 0 {
		if vertexCount == 0 {
			return nil, nil
		}
		return []FaceRange{{FirstTriangle: 0, LastTriangle: uint32(vertexCount/3 - 1)}}, nil
	}
	if len(index)%3 != 0 {
		return nil, fmt.Errorf("legacy: %w: feature index length %d is not triangle-aligned", werr.ErrInvalidTopology, len(index))
	}
	triCount := len(index) / 3
	var ranges []FaceRange
	runStart := 0
	runFeature := index[0]
	for tri := 1; tri < triCount; tri++ {
		f := index[tri*3]
		if f != runFeature {
			ranges = append(ranges, FaceRange{FirstTriangle: uint32(runStart), LastTriangle: uint32(tri - 1)})
			runStart = tri
			runFeature = f
		}
	}
	ranges = append(ranges, FaceRange{FirstTriangle: uint32(runStart), LastTriangle: uint32(triCount - 1)})
	return ranges, nil
}

// Decoded is the result of decoding a legacy buffer: the conditioned mesh
// attribute arrays plus the feature/face-range tables, kept separate from
// mesh.Mesh since a decoded buffer may carry feature data without an
// owning node.
type Decoded struct {
	VertexCount   int
	Positions     []float32 // 3 per vertex, present iff Mask.Has(MaskPos)
	Normals       []float32 // 3 per vertex
	UVs           []float32 // 2 per vertex
	Colors        [][4]uint8
	FeatureValues []uint64
	FaceRanges    []FaceRange
	Regions       []mesh.Region
	Mask          mesh.AttrMask

	SanitizedRanges int // out-of-range face ranges clamped during decode
}

// Decode parses a legacy buffer previously produced by Encode, given the
// attribute mask it was encoded with and the face-range count recorded
// alongside the node's geometry definition (the binary buffer carries no
// explicit face-range count of its own, since its end is shared with the
// optional uv_region block). Out-of-range face ranges are clamped to the
// valid vertex range and counted rather than rejected, per spec.md §4.3;
// each clamp is reported through tracker as a warning, and more than one
// clamp in a buffer adds a further summary warning.
func Decode(data []byte, mask mesh.AttrMask, faceRangeCount int, tracker trace.Tracker) (*Decoded, error) {
	r := bytes.NewReader(data)
	vertexCount, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("legacy: %w: reading vertex_count", werr.ErrJSONParsing)
	}
	featureCount, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("legacy: %w: reading feature_count", werr.ErrJSONParsing)
	}

	out := &Decoded{VertexCount: int(vertexCount), Mask: mask}

	if mask.Has(mesh.MaskPos) {
		out.Positions = make([]float32, int(vertexCount)*3)
		if err := readF32Slice(r, out.Positions); err != nil {
			return nil, err
		}
	}
	if mask.Has(mesh.MaskNormal) {
		out.Normals = make([]float32, int(vertexCount)*3)
		if err := readF32Slice(r, out.Normals); err != nil {
			return nil, err
		}
	}
	if mask.Has(mesh.MaskUV0) {
		out.UVs = make([]float32, int(vertexCount)*2)
		if err := readF32Slice(r, out.UVs); err != nil {
			return nil, err
		}
	}
	if mask.Has(mesh.MaskColor) {
		out.Colors = make([][4]uint8, vertexCount)
		for i := range out.Colors {
			if _, err := io.ReadFull(r, out.Colors[i][:]); err != nil {
				return nil, fmt.Errorf("legacy: %w: reading color %d", werr.ErrJSONParsing, i)
			}
		}
	}

	out.FeatureValues = make([]uint64, featureCount)
	for i := range out.FeatureValues {
		v, err := readU64(r)
		if err != nil {
			return nil, fmt.Errorf("legacy: %w: reading feature value %d", werr.ErrJSONParsing, i)
		}
		out.FeatureValues[i] = v
	}

	triCount := int(vertexCount) / 3
	for i := 0; i < faceRangeCount; i++ {
		first, err := readU32(r)
		if err != nil {
			return nil, fmt.Errorf("legacy: %w: reading face range %d", werr.ErrJSONParsing, i)
		}
		last, err := readU32(r)
		if err != nil {
			return nil, fmt.Errorf("legacy: %w: reading face range %d", werr.ErrJSONParsing, i)
		}
		fr := FaceRange{FirstTriangle: first, LastTriangle: last}
		if triCount > 0 && (fr.LastTriangle >= uint32(triCount) || fr.FirstTriangle > fr.LastTriangle) {
			if fr.FirstTriangle > uint32(triCount-1) {
				fr.FirstTriangle = uint32(triCount - 1)
			}
			if fr.LastTriangle > uint32(triCount-1) {
				fr.LastTriangle = uint32(triCount - 1)
			}
			out.SanitizedRanges++
			trace.Warn(tracker, -1, "face_range_clamped", fmt.Sprintf("face range [%d,%d] clamped to valid triangle range", first, last))
		}
		out.FaceRanges = append(out.FaceRanges, fr)
	}

	if mask.Has(mesh.MaskRegion) {
		remaining := r.Len()
		if remaining != 0 && remaining != int(vertexCount)*8 {
			return nil, fmt.Errorf("legacy: %w: unexpected %d residual bytes for uv_region block", werr.ErrTypeMismatch, remaining)
		}
		if remaining == int(vertexCount)*8 {
			out.Regions = make([]mesh.Region, vertexCount)
			for i := range out.Regions {
				umin, _ := readU16(r)
				vmin, _ := readU16(r)
				umax, _ := readU16(r)
				vmax, _ := readU16(r)
				out.Regions[i] = mesh.Region{
					UMin: dequantizeRegion(umin), VMin: dequantizeRegion(vmin),
					UMax: dequantizeRegion(umax), VMax: dequantizeRegion(vmax),
				}
			}
		}
	}

	if out.SanitizedRanges > 1 {
		trace.Warn(tracker, -1, "excessive_face_range_violations", fmt.Sprintf("%d face ranges required clamping", out.SanitizedRanges))
	}

	return out, nil
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	buf.Write(tmp[:])
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	buf.Write(tmp[:])
}

func writeF32(buf *bytes.Buffer, v float32) {
	writeU32(buf, math.Float32bits(v))
}

func readU16(r *bytes.Reader) (uint16, error) {
	var tmp [2]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(tmp[:]), nil
}

func readU32(r *bytes.Reader) (uint32, error) {
	var tmp [4]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(tmp[:]), nil
}

func readU64(r *bytes.Reader) (uint64, error) {
	var tmp [8]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(tmp[:]), nil
}

func readF32Slice(r *bytes.Reader, dst []float32) error {
	for i := range dst {
		bits, err := readU32(r)
		if err != nil {
			return fmt.Errorf("legacy: %w: reading float at index %d", werr.ErrJSONParsing, i)
		}
		dst[i] = math.Float32frombits(bits)
	}
	return nil
}
