package decimal_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clobcore/internal/decimal"
)

func TestParse_Rejects(t *testing.T) {
	cases := []string{"", "-1", "-0.5", "1e10", "1E-3", "NaN", "abc", "1.2.3"}
	for _, c := range cases {
		_, err := decimal.Parse(c)
		assert.Errorf(t, err, "expected %q to be rejected", c)
	}
}

func TestParse_Accepts(t *testing.T) {
	a, err := decimal.Parse("123.456000000000000001")
	require.NoError(t, err)
	assert.Equal(t, "123.456000000000000001", a.String())

	z, err := decimal.Parse("0")
	require.NoError(t, err)
	assert.True(t, z.IsZero())
	assert.False(t, z.IsPositive())
}

func TestArithmetic_Exact(t *testing.T) {
	a := decimal.MustParse("0.1")
	b := decimal.MustParse("0.2")
	assert.Equal(t, "0.3", a.Add(b).String())

	c := decimal.MustParse("10")
	d := decimal.MustParse("3")
	q, err := c.DivTrunc(d)
	require.NoError(t, err)
	assert.Equal(t, "3.333333333333333333", q.String())
}

func TestDivTrunc_TruncatesTowardZero(t *testing.T) {
	a := decimal.MustParse("1")
	b := decimal.MustParse("3")
	q, err := a.DivTrunc(b)
	require.NoError(t, err)
	assert.Equal(t, "0.333333333333333333", q.String())
}

func TestDivTrunc_DivisionByZero(t *testing.T) {
	a := decimal.MustParse("1")
	_, err := a.DivTrunc(decimal.Zero())
	assert.Error(t, err)
}

func TestComparators(t *testing.T) {
	a := decimal.MustParse("5")
	b := decimal.MustParse("7")
	assert.True(t, a.LessThan(b))
	assert.True(t, b.GreaterThan(a))
	assert.True(t, a.GreaterThanOrEqual(a))
	assert.True(t, a.Equal(decimal.MustParse("5")))
	assert.Equal(t, a, decimal.Min(a, b))
}
