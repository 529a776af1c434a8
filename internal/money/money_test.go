package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromDecimalRounds(t *testing.T) {
	cases := []struct {
		in   string
		want Micros
	}{
		{"0.0416", 41600},
		{"0.0124", 12400},
		{"1", 1000000},
		{"0.0000005", 1},
		{"0.0000004", 0},
		{"-0.0000005", -1},
		{"123.456789", 123456789},
	}
	for _, tc := range cases {
		d, err := decimal.NewFromString(tc.in)
		require.NoError(t, err)
		assert.Equal(t, tc.want, FromDecimal(d), "input %s", tc.in)
	}
}

func TestDecimalRoundTrip(t *testing.T) {
	for _, s := range []string{"0.0416", "0.041667", "3.5", "0", "-1.25"} {
		d, err := decimal.NewFromString(s)
		require.NoError(t, err)
		assert.True(t, FromDecimal(d).Decimal().Equal(d), "round trip %s", s)
	}
}

func TestParse(t *testing.T) {
	m, err := Parse("0.0416")
	require.NoError(t, err)
	assert.Equal(t, Micros(41600), m)

	_, err = Parse("not-a-number")
	assert.Error(t, err)
}

func TestString(t *testing.T) {
	assert.Equal(t, "0.041600", Micros(41600).String())
	assert.Equal(t, "0.000000", Micros(0).String())
}

func TestFloat(t *testing.T) {
	assert.InDelta(t, 0.0416, Micros(41600).Float(), 1e-9)
}
