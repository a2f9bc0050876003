package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEntityPacking(t *testing.T) {
	tests := []struct {
		name    string
		domain  uint8
		ordinal uint32
	}{
		{name: "producer domain", domain: 0, ordinal: 1},
		{name: "consumer domain", domain: 3, ordinal: 42},
		{name: "max ordinal", domain: 255, ordinal: 0x00ffffff},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEntity(tt.domain, tt.ordinal)
			assert.Equal(t, tt.domain, e.Domain())
			assert.Equal(t, tt.ordinal, e.Ordinal())
		})
	}
}

func TestOrdinalMasksTo24Bits(t *testing.T) {
	e := NewEntity(1, 0x01ffffff)
	assert.Equal(t, uint8(1), e.Domain())
	assert.Equal(t, uint32(0x00ffffff), e.Ordinal())
}

func TestNil(t *testing.T) {
	assert.True(t, Nil.IsNil())
	assert.False(t, NewEntity(0, 1).IsNil())
	assert.False(t, NewEntity(1, 0).IsNil())
}
