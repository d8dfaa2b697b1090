package idgen

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_IsUniqueUUID(t *testing.T) {
	a, b := New(), New()
	assert.NotEqual(t, a, b)
	assert.True(t, Valid(a))
	assert.False(t, Valid("bk_123"))
}

func TestKey(t *testing.T) {
	assert.Equal(t, "payment:p1:wallet", Key("payment", "p1", "wallet"))
}

func TestHex_Length(t *testing.T) {
	assert.Len(t, Hex(8), 16)
}
