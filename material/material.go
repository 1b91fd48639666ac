// Package material implements the PBR metallic-roughness material record
// and its thread-safe interner, per spec.md §3 and §4.4.
//
// Grounded on g3n-engine/material/material.go's enum-and-struct style
// (Side/Blending become AlphaMode/CullMode here) and on
// arloliu-mebo/internal/hash/id.go's xxhash.Sum64String interning-key
// pattern, generalized from a single string key to the material record's
// full field set.
package material

import (
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// AlphaMode controls how a material's alpha channel is interpreted.
type AlphaMode int

const (
	AlphaOpaque AlphaMode = iota
	AlphaMask
	AlphaBlend
)

// CullMode controls face culling.
type CullMode int

const (
	CullNone CullMode = iota
	CullBack
	CullFront
)

// DefaultAlphaCutoff is substituted for AlphaCutoff whenever AlphaMode is
// AlphaOpaque, per spec.md §4.4: "when alpha mode is Opaque, reset the
// alpha cutoff to the default before comparison."
const DefaultAlphaCutoff = 0.25

// Color4 is an RGBA factor in [0,1] per channel.
type Color4 struct {
	R, G, B, A float32
}

// Color3 is an RGB factor in [0,1] per channel.
type Color3 struct {
	R, G, B float32
}

// PBRMetallicRoughness holds the base-color factor, the metallic and
// roughness factors, and the ID of the interned texture set of a
// material's metallic-roughness sub-record; the texture images
// themselves are carried separately and interned by the texture package.
type PBRMetallicRoughness struct {
	BaseColorFactor Color4
	MetallicFactor  float32
	RoughnessFactor float32
	TextureSetID    int // -1 when the material carries no texture
}

// Data is the full material record of spec.md §3.
type Data struct {
	AlphaMode       AlphaMode
	AlphaCutoff     float32
	DoubleSided     bool
	CullMode        CullMode
	EmissiveFactor  Color3
	MetallicRough   PBRMetallicRoughness
}

// normalized returns a copy of d with AlphaCutoff reset to
// DefaultAlphaCutoff when AlphaMode is AlphaOpaque, matching the
// comparison rule spec.md §4.4 requires before interning.
func (d Data) normalized() Data {
	if d.AlphaMode == AlphaOpaque {
		d.AlphaCutoff = DefaultAlphaCutoff
	}
	return d
}

func (d Data) key() string {
	n := d.normalized()
	return fmt.Sprintf("%d|%.9g|%t|%d|%.9g|%.9g|%.9g|%.9g|%.9g|%.9g|%.9g|%d",
		n.AlphaMode, n.AlphaCutoff, n.DoubleSided, n.CullMode,
		n.EmissiveFactor.R, n.EmissiveFactor.G, n.EmissiveFactor.B,
		n.MetallicRough.BaseColorFactor.R, n.MetallicRough.BaseColorFactor.G,
		n.MetallicRough.BaseColorFactor.B, n.MetallicRough.BaseColorFactor.A,
		n.MetallicRough.TextureSetID)
}

// Interner assigns small-integer IDs to distinct normalized material
// records, reusing the ID of an already-seen equal record. Safe for
// concurrent use, per spec.md §4.4: "Thread-safe: callers may intern
// concurrently."
type Interner struct {
	mu      sync.Mutex
	byKey   map[uint64][]int
	entries []Data
}

// NewInterner creates an empty Interner.
func NewInterner() *Interner {
	return &Interner{byKey: make(map[uint64][]int)}
}

// Intern normalizes d, assigns it the first unused ID if not already
// present, and returns that ID.
func (in *Interner) Intern(d Data) int {
	norm := d.normalized()
	hash := xxhash.Sum64String(norm.key())

	in.mu.Lock()
	defer in.mu.Unlock()

	for _, id := range in.byKey[hash] {
		if in.entries[id] == norm {
			return id
		}
	}
	id := len(in.entries)
	in.entries = append(in.entries, norm)
	in.byKey[hash] = append(in.byKey[hash], id)
	return id
}

// Entries returns the interned records in assignment order. The returned
// slice must not be mutated by the caller.
func (in *Interner) Entries() []Data {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]Data(nil), in.entries...)
}

// Len reports how many distinct materials have been interned.
func (in *Interner) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.entries)
}
