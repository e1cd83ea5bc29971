package checkpoint

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestStoreRegisterAndGet(t *testing.T) {
	s := NewStore()
	v, err := s.Register("proj/kernel", 4, 3, true, Zeros())
	require.NoError(t, err)
	assert.Equal(t, []int{4, 3}, v.Shape())
	assert.Equal(t, 12, v.NumElements())
	assert.True(t, v.Trainable)

	got, ok := s.Get("proj/kernel")
	require.True(t, ok)
	assert.Same(t, v, got)

	_, ok = s.Get("missing")
	assert.False(t, ok)

	_, err = s.Register("proj/kernel", 4, 3, true, Zeros())
	assert.Error(t, err, "duplicate registration must fail")

	_, err = s.Register("bad", 0, 3, true, Zeros())
	assert.Error(t, err)
}

func TestStoreOrderAndTrainable(t *testing.T) {
	s := NewStore()
	_, err := s.Register("b", 1, 2, false, Zeros())
	require.NoError(t, err)
	_, err = s.Register("a", 2, 2, true, Ones())
	require.NoError(t, err)
	_, err = s.Register("c", 1, 1, true, Zeros())
	require.NoError(t, err)

	// Registration order, not lexical order.
	assert.Equal(t, []string{"b", "a", "c"}, s.Names())
	assert.Equal(t, 3, s.Len())
	assert.Equal(t, 2+4+1, s.NumParams())

	var trainable []string
	for _, v := range s.Trainable() {
		trainable = append(trainable, v.Name)
	}
	assert.Equal(t, []string{"a", "c"}, trainable)

	var seen []string
	for v := range s.Variables() {
		seen = append(seen, v.Name)
	}
	assert.Equal(t, []string{"b", "a", "c"}, seen)
}

func TestInitializers(t *testing.T) {
	z := Zeros()(2, 3)
	assert.Equal(t, 0.0, mat.Sum(z))

	o := Ones()(2, 3)
	assert.Equal(t, 6.0, mat.Sum(o))

	tn := TruncatedNormal(0.02, rand.New(rand.NewSource(1)))(50, 50)
	rows, cols := tn.Dims()
	nonZero := 0
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			v := tn.At(i, j)
			assert.LessOrEqual(t, v, 0.04, "truncated at two standard deviations")
			assert.GreaterOrEqual(t, v, -0.04)
			if v != 0 {
				nonZero++
			}
		}
	}
	assert.Greater(t, nonZero, 2000)

	// Same seed, same values.
	tn2 := TruncatedNormal(0.02, rand.New(rand.NewSource(1)))(50, 50)
	assert.True(t, mat.Equal(tn, tn2))
}
