package nn

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestLinear(t *testing.T) {
	x := mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6})
	k := mat.NewDense(3, 2, []float64{1, 0, 0, 1, 1, 1})
	b := mat.NewDense(1, 2, []float64{10, 20})

	y := Linear(x, k, b)
	assert.InDelta(t, 1+3+10, y.At(0, 0), 1e-12)
	assert.InDelta(t, 2+3+20, y.At(0, 1), 1e-12)
	assert.InDelta(t, 4+6+10, y.At(1, 0), 1e-12)

	// nil bias
	y = Linear(x, k, nil)
	assert.InDelta(t, 4.0, y.At(0, 0), 1e-12)
}

func TestLayerNormForward(t *testing.T) {
	x := mat.NewDense(2, 4, []float64{1, 2, 3, 4, -2, -2, 2, 2})
	gamma := mat.NewDense(1, 4, []float64{1, 1, 1, 1})
	beta := mat.NewDense(1, 4, nil)

	out, tape := LayerNormForward(x, gamma, beta, 1e-12)
	for i := 0; i < 2; i++ {
		mean, variance := 0.0, 0.0
		for j := 0; j < 4; j++ {
			mean += out.At(i, j)
		}
		mean /= 4
		for j := 0; j < 4; j++ {
			d := out.At(i, j) - mean
			variance += d * d
		}
		variance /= 4
		assert.InDelta(t, 0.0, mean, 1e-9)
		assert.InDelta(t, 1.0, variance, 1e-6)
	}
	require.NotNil(t, tape)
	assert.Len(t, tape.InvStd, 2)
}

// Gradient check for LayerNormBackward against a numeric finite difference.
func TestLayerNormBackwardNumeric(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	rows, cols := 3, 5
	raw := make([]float64, rows*cols)
	for i := range raw {
		raw[i] = rng.NormFloat64()
	}
	x := mat.NewDense(rows, cols, raw)
	gamma := mat.NewDense(1, cols, []float64{1.1, 0.9, 1.3, 0.8, 1.0})
	beta := mat.NewDense(1, cols, []float64{0.1, -0.2, 0, 0.3, -0.1})
	eps := 1e-6

	// Scalar objective: sum of outputs weighted by fixed coefficients.
	w := make([]float64, rows*cols)
	for i := range w {
		w[i] = rng.NormFloat64()
	}
	objective := func(x *mat.Dense) float64 {
		out, _ := LayerNormForward(x, gamma, beta, eps)
		s := 0.0
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				s += w[i*cols+j] * out.At(i, j)
			}
		}
		return s
	}

	_, tape := LayerNormForward(x, gamma, beta, eps)
	dY := mat.NewDense(rows, cols, w)
	dX, _, _ := LayerNormBackward(tape, gamma, dY)

	const h = 1e-6
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			orig := x.At(i, j)
			x.Set(i, j, orig+h)
			up := objective(x)
			x.Set(i, j, orig-h)
			down := objective(x)
			x.Set(i, j, orig)
			numeric := (up - down) / (2 * h)
			assert.InDelta(t, numeric, dX.At(i, j), 1e-4, "dX[%d,%d]", i, j)
		}
	}
}

func TestSoftmaxRows(t *testing.T) {
	x := mat.NewDense(2, 3, []float64{1, 2, 3, 1000, 1000, 1000})
	s := SoftmaxRows(x)
	for i := 0; i < 2; i++ {
		sum := 0.0
		for j := 0; j < 3; j++ {
			sum += s.At(i, j)
		}
		assert.InDelta(t, 1.0, sum, 1e-12)
	}
	// Large inputs stay finite.
	assert.InDelta(t, 1.0/3.0, s.At(1, 0), 1e-12)
	assert.True(t, s.At(0, 2) > s.At(0, 1) && s.At(0, 1) > s.At(0, 0))
}

func TestSoftmaxBackwardNumeric(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	rows, cols := 2, 4
	raw := make([]float64, rows*cols)
	for i := range raw {
		raw[i] = rng.NormFloat64()
	}
	scores := mat.NewDense(rows, cols, raw)
	w := make([]float64, rows*cols)
	for i := range w {
		w[i] = rng.NormFloat64()
	}
	objective := func(s *mat.Dense) float64 {
		a := SoftmaxRows(s)
		sum := 0.0
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				sum += w[i*cols+j] * a.At(i, j)
			}
		}
		return sum
	}

	a := SoftmaxRows(scores)
	dA := mat.NewDense(rows, cols, w)
	dS := SoftmaxBackward(dA, a)

	const h = 1e-6
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			orig := scores.At(i, j)
			scores.Set(i, j, orig+h)
			up := objective(scores)
			scores.Set(i, j, orig-h)
			down := objective(scores)
			scores.Set(i, j, orig)
			assert.InDelta(t, (up-down)/(2*h), dS.At(i, j), 1e-5)
		}
	}
}

func TestCausalMask(t *testing.T) {
	m := CausalMask(3)
	assert.Equal(t, 0.0, m.At(0, 0))
	assert.Equal(t, 0.0, m.At(2, 1))
	assert.Equal(t, maskedScore, m.At(0, 1))
	assert.Equal(t, maskedScore, m.At(1, 2))
}

func TestPaddingMaskAndAddMask(t *testing.T) {
	mask := PaddingMask([]int{1, 1, 0})
	scores := mat.NewDense(2, 3, []float64{1, 1, 1, 2, 2, 2})
	AddMask(scores, mask)
	assert.Equal(t, 1.0, scores.At(0, 0))
	assert.Equal(t, 1.0+maskedScore, scores.At(0, 2))
	assert.Equal(t, 2.0+maskedScore, scores.At(1, 2))

	// Masked scores vanish after softmax.
	a := SoftmaxRows(scores)
	assert.InDelta(t, 0.0, a.At(0, 2), 1e-12)
}

func TestGELU(t *testing.T) {
	x := mat.NewDense(1, 3, []float64{-10, 0, 10})
	y := GELU(x)
	assert.InDelta(t, 0.0, y.At(0, 0), 1e-4)
	assert.InDelta(t, 0.0, y.At(0, 1), 1e-12)
	assert.InDelta(t, 10.0, y.At(0, 2), 1e-4)
}

func TestReLUBackward(t *testing.T) {
	pre := mat.NewDense(1, 4, []float64{-1, 0, 0.5, 2})
	dY := mat.NewDense(1, 4, []float64{10, 10, 10, 10})
	dX := ReLUBackward(dY, pre)
	assert.Equal(t, []float64{0, 0, 10, 10}, dX.RawRowView(0))
}

func TestLookup(t *testing.T) {
	table := mat.NewDense(3, 2, []float64{0, 0, 1, 1, 2, 2})
	out := Lookup(table, []int{2, 0, 2})
	assert.Equal(t, []float64{2, 2}, out.RawRowView(0))
	assert.Equal(t, []float64{0, 0}, out.RawRowView(1))
	assert.Equal(t, []float64{2, 2}, out.RawRowView(2))
}

func TestArgMaxRows(t *testing.T) {
	x := mat.NewDense(3, 3, []float64{
		1, 5, 2,
		7, 7, 7, // tie resolves to the lowest index
		-3, -1, -2,
	})
	assert.Equal(t, []int{1, 0, 1}, ArgMaxRows(x))
}

func TestDropoutForward(t *testing.T) {
	x := mat.NewDense(4, 8, nil)
	for i := 0; i < 4; i++ {
		for j := 0; j < 8; j++ {
			x.Set(i, j, 1.0)
		}
	}

	out, maskM := DropoutForward(x, 0.5, rand.New(rand.NewSource(1)))
	require.NotNil(t, maskM)
	zeros, doubled := 0, 0
	for i := 0; i < 4; i++ {
		for j := 0; j < 8; j++ {
			switch out.At(i, j) {
			case 0.0:
				zeros++
			case 2.0:
				doubled++
			default:
				t.Fatalf("unexpected dropout output %v", out.At(i, j))
			}
		}
	}
	assert.Equal(t, 32, zeros+doubled)
	assert.Greater(t, zeros, 0)
	assert.Greater(t, doubled, 0)

	// Same seed, same mask.
	out2, _ := DropoutForward(x, 0.5, rand.New(rand.NewSource(1)))
	assert.True(t, mat.Equal(out, out2))

	// Rate zero passes through.
	same, m := DropoutForward(x, 0, nil)
	assert.Nil(t, m)
	assert.True(t, mat.Equal(x, same))
}

func TestSumColumns(t *testing.T) {
	x := mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6})
	s := SumColumns(x)
	assert.Equal(t, []float64{5, 7, 9}, s.RawRowView(0))
}

func TestSoftmaxRowsDeterministic(t *testing.T) {
	x := mat.NewDense(1, 4, []float64{0.1, 0.2, 0.3, 0.4})
	a := SoftmaxRows(x)
	b := SoftmaxRows(x)
	for j := 0; j < 4; j++ {
		assert.True(t, math.Float64bits(a.At(0, j)) == math.Float64bits(b.At(0, j)),
			"softmax must be bit-identical across invocations")
	}
}
