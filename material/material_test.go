package material

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInternAssignsSequentialIDs(t *testing.T) {
	in := NewInterner()
	a := Data{AlphaMode: AlphaBlend, AlphaCutoff: 0.5}
	b := Data{AlphaMode: AlphaMask, AlphaCutoff: 0.3}

	idA := in.Intern(a)
	idB := in.Intern(b)
	assert.Equal(t, 0, idA)
	assert.Equal(t, 1, idB)
	assert.Equal(t, 2, in.Len())
}

func TestInternDeduplicatesEqualRecords(t *testing.T) {
	in := NewInterner()
	a := Data{AlphaMode: AlphaBlend, AlphaCutoff: 0.5, DoubleSided: true}
	idA1 := in.Intern(a)
	idA2 := in.Intern(a)
	assert.Equal(t, idA1, idA2)
	assert.Equal(t, 1, in.Len())
}

func TestInternNormalizesOpaqueAlphaCutoff(t *testing.T) {
	in := NewInterner()
	a := Data{AlphaMode: AlphaOpaque, AlphaCutoff: 0.9}
	b := Data{AlphaMode: AlphaOpaque, AlphaCutoff: 0.1}

	idA := in.Intern(a)
	idB := in.Intern(b)
	assert.Equal(t, idA, idB, "opaque materials must compare equal regardless of alpha cutoff")
	assert.Equal(t, 1, in.Len())
	assert.Equal(t, float32(DefaultAlphaCutoff), in.Entries()[0].AlphaCutoff)
}

func TestInternIsConcurrencySafe(t *testing.T) {
	in := NewInterner()
	var wg sync.WaitGroup
	ids := make([]int, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i] = in.Intern(Data{AlphaMode: AlphaMask, AlphaCutoff: 0.42})
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, in.Len())
	for _, id := range ids {
		assert.Equal(t, 0, id)
	}
}

func TestDistinctTextureSetIDsProduceDistinctMaterials(t *testing.T) {
	in := NewInterner()
	a := Data{MetallicRough: PBRMetallicRoughness{TextureSetID: 0}}
	b := Data{MetallicRough: PBRMetallicRoughness{TextureSetID: 1}}
	assert.NotEqual(t, in.Intern(a), in.Intern(b))
}
