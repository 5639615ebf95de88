package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/web3guy0/perpindexer/types"
)

func TestParseToX6(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"108.91001", 108910010},
		{"100", 100000000},
		{"0.000001", 1},
		{"-2.5", -2500000},
		{"0", 0},
	}
	for _, c := range cases {
		got, err := ParseToX6(c.in)
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, got, c.in)
	}
}

func TestParseToX6TooManyFracDigits(t *testing.T) {
	_, err := ParseToX6("1.1234567")
	assert.Error(t, err)
}

func TestFormatX6RoundTrip(t *testing.T) {
	for _, x := range []int64{0, 108910010, -2500000, 1} {
		s := FormatX6(x)
		back, err := ParseToX6(s)
		require.NoError(t, err)
		assert.Equal(t, x, back)
	}
}

func TestBucket(t *testing.T) {
	b, err := Bucket(108_910_010_000, 10000)
	require.NoError(t, err)
	assert.Equal(t, int64(10891001), b)
}

func TestBucketBadTick(t *testing.T) {
	_, err := Bucket(100, 0)
	assert.ErrorIs(t, err, types.ErrBadTick)

	_, err = Bucket(100, -5)
	assert.ErrorIs(t, err, types.ErrBadTick)
}

func TestNotionalAndMargin(t *testing.T) {
	notional, err := Notional(100_000_000, 2, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(200_000_000), notional)

	margin, err := Margin(notional, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(40_000_000), margin)
}

func TestNotionalTruncation(t *testing.T) {
	// 7 / 2 truncates toward zero = 3, not 3.5 rounded.
	notional, err := Notional(7, 1, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), notional)
}
