package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_ValidAmounts(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected int64
	}{
		{"zero", "0", 0},
		{"deposit", "20000000", 20_000_000},
		{"trailing zero fraction", "5000000.00", 5_000_000},
		{"surrounding space", " 42 ", 42},
		{"leading zeros", "0007", 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			require.NoError(t, err)
			assert.True(t, got.Equal(decimal.NewFromInt(tt.expected)), "got %s", got)
		})
	}
}

func TestParse_Rejects(t *testing.T) {
	for _, in := range []string{"", "-1", "1.5", "abc", "1e-2", "1.2.3"} {
		t.Run(in, func(t *testing.T) {
			_, err := Parse(in)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestParse_LargeAmountKeepsPrecision(t *testing.T) {
	got, err := Parse("123456789012345678901234567890")
	require.NoError(t, err)
	assert.Equal(t, "123456789012345678901234567890", Format(got))
}

func TestIsPositiveUnits(t *testing.T) {
	assert.True(t, IsPositiveUnits(FromInt(1)))
	assert.False(t, IsPositiveUnits(Zero))
	assert.False(t, IsPositiveUnits(FromInt(-5)))
	assert.False(t, IsPositiveUnits(decimal.RequireFromString("0.5")))
}

func TestNormalizeCurrency(t *testing.T) {
	assert.Equal(t, "VND", NormalizeCurrency(""))
	assert.Equal(t, "USD", NormalizeCurrency(" usd "))
}
