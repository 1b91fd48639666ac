// Package attrs implements the attribute-schema aggregator, the binary
// attribute-buffer codec, and the per-attribute statistics documents of
// spec.md §3 (Attribute-schema slot, Attribute buffer layout) and the
// statistics fields supplemented from
// original_source/src/utils/utl_stats.h/utl_stats_types.h.
//
// Grounded on g3n-engine/math32/array.go's flat-buffer-with-header idiom
// for the binary layout, and on arloliu-mebo/encoding's raw
// binary.LittleEndian usage for fixed-width columnar data — the same
// family of format this buffer is (a typed column, not a self-describing
// document), so encoding/binary is used directly rather than adopting a
// general-purpose serialization library.
package attrs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"sync"

	"golang.org/x/text/unicode/norm"

	"github.com/esri-i3s/slpk-writer/werr"
)

// ScalarType enumerates the field types spec.md §3 lists for an
// attribute-schema slot.
type ScalarType int

const (
	Unknown ScalarType = iota
	Int8
	UInt8
	Int16
	UInt16
	Int32
	UInt32
	Int64
	UInt64
	Float32
	Float64
	String
	Date
	ObjectID
	GlobalID
	GUID
)

func (t ScalarType) String() string {
	switch t {
	case Int8:
		return "int8"
	case UInt8:
		return "uint8"
	case Int16:
		return "int16"
	case UInt16:
		return "uint16"
	case Int32:
		return "int32"
	case UInt32:
		return "uint32"
	case Int64:
		return "int64"
	case UInt64:
		return "uint64"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case String:
		return "string"
	case Date:
		return "date"
	case ObjectID:
		return "oid"
	case GlobalID:
		return "globalid"
	case GUID:
		return "guid"
	default:
		return "unknown"
	}
}

// IsNumeric reports whether t is encoded via the fixed-width scalar
// buffer layout rather than the UTF-8 string layout. Date, ObjectID and
// GlobalID are stored as int64; GUID and String are stored as strings.
func (t ScalarType) IsNumeric() bool {
	switch t {
	case String, GUID:
		return false
	default:
		return true
	}
}

// Numeric is the set of Go types the fixed-width scalar buffer codec
// accepts.
type Numeric interface {
	~int8 | ~uint8 | ~int16 | ~uint16 | ~int32 | ~uint32 | ~int64 | ~uint64 | ~float32 | ~float64
}

// EncodeScalar writes vals as a spec.md §3 scalar attribute buffer: a
// 4-byte count header, 4 bytes of zero padding to reach 8-byte alignment
// when T is 8 bytes wide, then the contiguous array.
func EncodeScalar[T Numeric](vals []T) []byte {
	var buf bytes.Buffer
	writeU32(&buf, uint32(len(vals)))
	if sizeOf[T]() == 8 {
		buf.Write([]byte{0, 0, 0, 0})
	}
	binary.Write(&buf, binary.LittleEndian, vals) //nolint:errcheck // fixed-width slice write to bytes.Buffer never fails
	return buf.Bytes()
}

// DecodeScalar parses a buffer produced by EncodeScalar.
func DecodeScalar[T Numeric](data []byte) ([]T, error) {
	r := bytes.NewReader(data)
	count, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("attrs: %w: reading scalar count", werr.ErrJSONParsing)
	}
	if sizeOf[T]() == 8 {
		var pad [4]byte
		if _, err := io.ReadFull(r, pad[:]); err != nil {
			return nil, fmt.Errorf("attrs: %w: reading alignment padding", werr.ErrJSONParsing)
		}
	}
	vals := make([]T, count)
	if err := binary.Read(r, binary.LittleEndian, vals); err != nil {
		return nil, fmt.Errorf("attrs: %w: reading scalar array", werr.ErrJSONParsing)
	}
	return vals, nil
}

func sizeOf[T Numeric]() int {
	var z T
	return binary.Size(z)
}

// NullableString is one value of a UTF-8 string attribute column. A
// null string (Valid == false) is distinct from an empty one, per
// spec.md §3.
type NullableString struct {
	Valid bool
	Value string
}

// EncodeStrings writes vals as a spec.md §3 string attribute buffer:
// `(u32 count, u32 total_bytes, count*u32 string_sizes, concatenated
// null-terminated strings)`. A null value has size 0 and contributes no
// bytes; an empty string has size 1 (a lone null byte).
func EncodeStrings(vals []NullableString) []byte {
	sizes := make([]uint32, len(vals))
	var concatenated bytes.Buffer
	for i, v := range vals {
		if !v.Valid {
			sizes[i] = 0
			continue
		}
		b := append([]byte(v.Value), 0)
		sizes[i] = uint32(len(b))
		concatenated.Write(b)
	}
	var buf bytes.Buffer
	writeU32(&buf, uint32(len(vals)))
	writeU32(&buf, uint32(concatenated.Len()))
	for _, s := range sizes {
		writeU32(&buf, s)
	}
	buf.Write(concatenated.Bytes())
	return buf.Bytes()
}

// DecodeStrings parses a buffer produced by EncodeStrings.
func DecodeStrings(data []byte) ([]NullableString, error) {
	r := bytes.NewReader(data)
	count, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("attrs: %w: reading string count", werr.ErrJSONParsing)
	}
	totalBytes, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("attrs: %w: reading total_bytes", werr.ErrJSONParsing)
	}
	sizes := make([]uint32, count)
	for i := range sizes {
		sizes[i], err = readU32(r)
		if err != nil {
			return nil, fmt.Errorf("attrs: %w: reading string size %d", werr.ErrJSONParsing, i)
		}
	}
	concatenated := make([]byte, totalBytes)
	if totalBytes > 0 {
		if _, err := io.ReadFull(r, concatenated); err != nil {
			return nil, fmt.Errorf("attrs: %w: reading concatenated string bytes", werr.ErrJSONParsing)
		}
	}

	out := make([]NullableString, count)
	offset := 0
	for i, sz := range sizes {
		if sz == 0 {
			out[i] = NullableString{Valid: false}
			continue
		}
		chunk := concatenated[offset : offset+int(sz)]
		offset += int(sz)
		// Strip the trailing null terminator.
		if len(chunk) > 0 && chunk[len(chunk)-1] == 0 {
			chunk = chunk[:len(chunk)-1]
		}
		out[i] = NullableString{Valid: true, Value: string(chunk)}
	}
	return out, nil
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func readU32(r *bytes.Reader) (uint32, error) {
	var tmp [4]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(tmp[:]), nil
}

// Slot is the attribute-schema slot record of spec.md §3: "Per logical
// field index, the tuple {scalar type, display name, alias, optional
// statistics document}."
type Slot struct {
	Index       int
	Name        string
	Alias       string
	Type        ScalarType
	typeLocked  bool
	Stats       *StatsAggregator
}

// Aggregator tracks one Slot per logical attribute field index across all
// nodes, type-locking each slot on its first non-null submission, per
// spec.md §3: "The writer requires that all nodes agree on the type at
// each slot; the first non-null submission fixes it." Safe for concurrent
// use by multiple node-assembler goroutines.
type Aggregator struct {
	mu    sync.Mutex
	slots map[int]*Slot
}

// NewAggregator creates an empty Aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{slots: make(map[int]*Slot)}
}

// Declare registers a node's observation of field index with the given
// type, name and alias. Passing Unknown records no type (a null
// submission) and never errors. A mismatched non-Unknown type against an
// already-locked slot returns werr.TypeMismatch.
func (a *Aggregator) Declare(index int, t ScalarType, name, alias string) (*Slot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.slots[index]
	if !ok {
		s = &Slot{Index: index, Name: name, Alias: alias, Stats: NewStatsAggregator(defaultTopK)}
		a.slots[index] = s
	}
	if t == Unknown {
		return s, nil
	}
	if !s.typeLocked {
		s.Type = t
		s.typeLocked = true
		return s, nil
	}
	if s.Type != t {
		return nil, &werr.TypeMismatch{
			Kind:     fmt.Sprintf("attribute f_%d", index),
			Got:      t.String(),
			Expected: s.Type.String(),
		}
	}
	return s, nil
}

// Slot returns the slot registered at index, if any.
func (a *Aggregator) Slot(index int) (*Slot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.slots[index]
	return s, ok
}

// CheckIndex reports werr.OutOfRangeID if index falls outside [0, width).
func (a *Aggregator) CheckIndex(index, width int) error {
	if index < 0 || index >= width {
		return &werr.OutOfRangeID{Kind: "attribute", Got: index, Max: width}
	}
	return nil
}

// Indices returns the set of declared field indices in ascending order.
func (a *Aggregator) Indices() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]int, 0, len(a.slots))
	for i := range a.slots {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

const defaultTopK = 5

// FrequentValue is one entry of a StatisticsDoc's most-frequent-values
// list.
type FrequentValue struct {
	Value string
	Count int64
}

// StatisticsDoc is the per-attribute statistics document spec.md §4.8
// emits under statistics/f_<i>/0.json.gz, supplemented from
// original_source/src/utils/utl_stats_types.h with min/max/mean/variance
// and a most-frequent-values table.
type StatisticsDoc struct {
	Count              int64
	NumNulls           int64
	Min                float64
	Max                float64
	Sum                float64
	Mean               float64
	Variance           float64
	MostFrequentValues []FrequentValue
}

// StatsAggregator accumulates running statistics for one attribute field
// using Welford's online algorithm for mean/variance, plus a bounded
// most-frequent-values table. Safe for concurrent use.
type StatsAggregator struct {
	mu sync.Mutex

	count     int64
	numNulls  int64
	hasMinMax bool
	min, max  float64
	mean, m2  float64
	sum       float64

	topK      int
	frequency map[string]int64
}

// NewStatsAggregator creates a StatsAggregator retaining up to topK
// distinct values in its most-frequent-values table.
func NewStatsAggregator(topK int) *StatsAggregator {
	return &StatsAggregator{topK: topK, frequency: make(map[string]int64)}
}

// ObserveNull records a null value.
func (s *StatsAggregator) ObserveNull() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.numNulls++
}

// ObserveNumeric folds v into the running count/min/max/mean/variance/sum
// and into the frequency table, keyed by its formatted value.
func (s *StatsAggregator) ObserveNumeric(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.count++
	s.sum += v
	if !s.hasMinMax {
		s.min, s.max = v, v
		s.hasMinMax = true
	} else {
		if v < s.min {
			s.min = v
		}
		if v > s.max {
			s.max = v
		}
	}
	delta := v - s.mean
	s.mean += delta / float64(s.count)
	delta2 := v - s.mean
	s.m2 += delta * delta2

	s.observeFrequency(fmt.Sprintf("%g", v))
}

// ObserveString folds a string value into the count and frequency table.
// Values are normalized to NFC before being used as a frequency key, so
// that two byte-distinct but canonically-equal strings are not counted as
// separate values.
func (s *StatsAggregator) ObserveString(v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	s.observeFrequency(norm.NFC.String(v))
}

func (s *StatsAggregator) observeFrequency(key string) {
	s.frequency[key]++
}

// Document materializes the current StatisticsDoc snapshot.
func (s *StatsAggregator) Document() StatisticsDoc {
	s.mu.Lock()
	defer s.mu.Unlock()

	variance := 0.0
	if s.count > 1 {
		variance = s.m2 / float64(s.count-1)
	}

	type kv struct {
		k string
		v int64
	}
	ranked := make([]kv, 0, len(s.frequency))
	for k, v := range s.frequency {
		ranked = append(ranked, kv{k, v})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].v != ranked[j].v {
			return ranked[i].v > ranked[j].v
		}
		return ranked[i].k < ranked[j].k
	})
	if len(ranked) > s.topK {
		ranked = ranked[:s.topK]
	}
	mfv := make([]FrequentValue, len(ranked))
	for i, r := range ranked {
		mfv[i] = FrequentValue{Value: r.k, Count: r.v}
	}

	return StatisticsDoc{
		Count:              s.count,
		NumNulls:           s.numNulls,
		Min:                s.min,
		Max:                s.max,
		Sum:                s.sum,
		Mean:                s.mean,
		Variance:           variance,
		MostFrequentValues: mfv,
	}
}
