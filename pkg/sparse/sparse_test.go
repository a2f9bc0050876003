package sparse

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMapSetGetDelete(t *testing.T) {
	m := NewMap[string]()

	m.Set(3, "three")
	m.Set(100, "hundred")
	m.Set(3, "three-again")

	v, ok := m.Get(3)
	assert.True(t, ok)
	assert.Equal(t, "three-again", v)

	v, ok = m.Get(100)
	assert.True(t, ok)
	assert.Equal(t, "hundred", v)

	_, ok = m.Get(4)
	assert.False(t, ok)
	assert.Equal(t, 2, m.Len())

	m.Delete(3)
	assert.False(t, m.Has(3))
	assert.True(t, m.Has(100))
	assert.Equal(t, 1, m.Len())

	// Deleting an absent key is a no-op
	m.Delete(3)
	m.Delete(9999)
	assert.Equal(t, 1, m.Len())
}

func TestMapSwapRemoveKeepsIndexConsistent(t *testing.T) {
	m := NewMap[int]()
	for i := uint32(0); i < 10; i++ {
		m.Set(i, int(i)*10)
	}

	// Remove from the middle; the swapped-in tail entry must stay reachable
	m.Delete(4)
	for i := uint32(0); i < 10; i++ {
		v, ok := m.Get(i)
		if i == 4 {
			assert.False(t, ok)
			continue
		}
		assert.True(t, ok)
		assert.Equal(t, int(i)*10, v)
	}
}

func TestMapEachVisitsPresentKeysOnly(t *testing.T) {
	m := NewMap[int]()
	m.Set(1, 1)
	m.Set(5, 5)
	m.Set(9, 9)
	m.Delete(5)

	visited := map[uint32]int{}
	m.Each(func(k uint32, v int) {
		visited[k] = v
	})
	assert.Equal(t, map[uint32]int{1: 1, 9: 9}, visited)
}

func TestSet(t *testing.T) {
	s := NewSet()
	s.Add(7)
	s.Add(7)
	s.Add(2)

	assert.True(t, s.Has(7))
	assert.True(t, s.Has(2))
	assert.False(t, s.Has(3))
	assert.Equal(t, 2, s.Len())

	s.Delete(7)
	assert.False(t, s.Has(7))
	assert.Equal(t, 1, s.Len())
}
