package money

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShareIsExact(t *testing.T) {
	revenue := MustParse("0.3")
	fee := Share(revenue, 800, DefaultDivisor)
	require.True(t, fee.Equal(MustParse("0.024")), "got %s", fee)

	bda := Share(revenue, 200, DefaultDivisor)
	require.True(t, Sum(fee, bda).Equal(MustParse("0.03")))
}

func TestShareKeepsColumnScale(t *testing.T) {
	revenue := MustParse("1.123456789012345678")
	fee := Share(revenue, 3333, DefaultDivisor)
	require.True(t, fee.Equal(MustParse("0.374448147777814814")), "got %s", fee)

	dust := MustParse("0.000000000000000001")
	half := Share(dust, 5000, DefaultDivisor)
	require.True(t, Sum(half, half).LessThanOrEqual(dust))
}

func TestShareAvoidsFloatDrift(t *testing.T) {
	total := Zero
	for i := 0; i < 10; i++ {
		total = total.Add(MustParse("0.1"))
	}
	require.True(t, total.Equal(MustParse("1")))
	require.True(t, Share(total, 10000, DefaultDivisor).Equal(total))
}

func TestParse(t *testing.T) {
	v, err := Parse("  ")
	require.NoError(t, err)
	require.True(t, v.IsZero())

	_, err = Parse("12.x")
	require.Error(t, err)

	require.True(t, Percent(200, DefaultDivisor).Equal(MustParse("2")))
	require.True(t, Ratio(1, 0).IsZero())
	require.True(t, Mul(MustParse("1.25"), 3).Equal(MustParse("3.75")))
	require.True(t, Min(MustParse("2"), MustParse("1")).Equal(MustParse("1")))
	require.True(t, AtLeast(MustParse("5"), MustParse("5")))
	require.False(t, IsPositive(Zero))
}
