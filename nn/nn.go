// Package nn provides the dense-matrix building blocks the encoder and
// decoder stacks are assembled from: affine layers, layer normalization,
// row softmax, activations and attention masks.
//
// Convention: activations are *mat.Dense with one row per sequence position
// and one column per feature. Weight kernels are [in, out], biases are
// [1, out] row vectors. Dimension mismatches panic, as in gonum/mat itself;
// batch shapes are validated before any math at the model boundary.
package nn

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// maskedScore is added to attention scores at disallowed positions before
// the softmax, driving their probability to zero.
const maskedScore = -1e9

// Linear computes x*kernel + bias with the bias broadcast over rows.
// bias may be nil.
func Linear(x, kernel, bias *mat.Dense) *mat.Dense {
	var y mat.Dense
	y.Mul(x, kernel)
	if bias != nil {
		rows, cols := y.Dims()
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				y.Set(i, j, y.At(i, j)+bias.At(0, j))
			}
		}
	}
	return &y
}

// LayerNormTape caches the intermediates of a layer-norm forward pass for
// the corresponding backward pass.
type LayerNormTape struct {
	XHat   *mat.Dense
	InvStd []float64
}

// LayerNormForward normalizes every row of x to zero mean and unit variance
// and applies the gamma/beta affine ([1, d] row vectors). It returns the
// output and the tape needed by LayerNormBackward.
func LayerNormForward(x, gamma, beta *mat.Dense, eps float64) (*mat.Dense, *LayerNormTape) {
	rows, cols := x.Dims()
	out := mat.NewDense(rows, cols, nil)
	xhat := mat.NewDense(rows, cols, nil)
	inv := make([]float64, rows)
	for i := 0; i < rows; i++ {
		mu := 0.0
		for j := 0; j < cols; j++ {
			mu += x.At(i, j)
		}
		mu /= float64(cols)
		v := 0.0
		for j := 0; j < cols; j++ {
			d := x.At(i, j) - mu
			v += d * d
		}
		v /= float64(cols)
		istd := 1.0 / math.Sqrt(v+eps)
		inv[i] = istd
		for j := 0; j < cols; j++ {
			n := (x.At(i, j) - mu) * istd
			xhat.Set(i, j, n)
			out.Set(i, j, gamma.At(0, j)*n+beta.At(0, j))
		}
	}
	return out, &LayerNormTape{XHat: xhat, InvStd: inv}
}

// LayerNorm is LayerNormForward without the tape, for forward-only paths.
func LayerNorm(x, gamma, beta *mat.Dense, eps float64) *mat.Dense {
	out, _ := LayerNormForward(x, gamma, beta, eps)
	return out
}

// LayerNormBackward computes the input and parameter gradients of a
// layer-norm given the upstream gradient dY and the forward tape.
func LayerNormBackward(tape *LayerNormTape, gamma, dY *mat.Dense) (dX, dGamma, dBeta *mat.Dense) {
	rows, cols := dY.Dims()
	dGamma = mat.NewDense(1, cols, nil)
	dBeta = mat.NewDense(1, cols, nil)
	for j := 0; j < cols; j++ {
		sg, sb := 0.0, 0.0
		for i := 0; i < rows; i++ {
			sg += dY.At(i, j) * tape.XHat.At(i, j)
			sb += dY.At(i, j)
		}
		dGamma.Set(0, j, sg)
		dBeta.Set(0, j, sb)
	}
	dX = mat.NewDense(rows, cols, nil)
	n := float64(cols)
	for i := 0; i < rows; i++ {
		istd := tape.InvStd[i]
		sum1, sum2 := 0.0, 0.0
		for j := 0; j < cols; j++ {
			gy := dY.At(i, j) * gamma.At(0, j)
			sum1 += gy
			sum2 += gy * tape.XHat.At(i, j)
		}
		for j := 0; j < cols; j++ {
			gy := dY.At(i, j) * gamma.At(0, j)
			dX.Set(i, j, (n*gy-sum1-tape.XHat.At(i, j)*sum2)*(istd/n))
		}
	}
	return dX, dGamma, dBeta
}

// SoftmaxRows applies a numerically stable softmax to every row of x.
func SoftmaxRows(x *mat.Dense) *mat.Dense {
	rows, cols := x.Dims()
	out := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		maxv := math.Inf(-1)
		for j := 0; j < cols; j++ {
			if v := x.At(i, j); v > maxv {
				maxv = v
			}
		}
		sum := 0.0
		for j := 0; j < cols; j++ {
			e := math.Exp(x.At(i, j) - maxv)
			out.Set(i, j, e)
			sum += e
		}
		for j := 0; j < cols; j++ {
			out.Set(i, j, out.At(i, j)/sum)
		}
	}
	return out
}

// SoftmaxBackward converts a gradient w.r.t. softmax outputs A into the
// gradient w.r.t. the pre-softmax scores, row by row.
func SoftmaxBackward(dA, a *mat.Dense) *mat.Dense {
	rows, cols := a.Dims()
	dS := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		s := 0.0
		for j := 0; j < cols; j++ {
			s += dA.At(i, j) * a.At(i, j)
		}
		for j := 0; j < cols; j++ {
			aj := a.At(i, j)
			dS.Set(i, j, aj*(dA.At(i, j)-s))
		}
	}
	return dS
}

// CausalMask returns a [t, t] additive mask that blocks attention from a
// position to any later position.
func CausalMask(t int) *mat.Dense {
	m := mat.NewDense(t, t, nil)
	for i := 0; i < t; i++ {
		for j := i + 1; j < t; j++ {
			m.Set(i, j, maskedScore)
		}
	}
	return m
}

// PaddingMask returns a [1, len(mask)] additive mask from a 0/1 input mask:
// zero where the input token is real, a large negative value where it is
// padding.
func PaddingMask(inputMask []int) *mat.Dense {
	m := mat.NewDense(1, len(inputMask), nil)
	for j, v := range inputMask {
		if v == 0 {
			m.Set(0, j, maskedScore)
		}
	}
	return m
}

// AddMask adds an additive attention mask to scores in place. The mask must
// either match the score dimensions or be a single row broadcast over all
// score rows.
func AddMask(scores, mask *mat.Dense) {
	rows, cols := scores.Dims()
	mr, _ := mask.Dims()
	for i := 0; i < rows; i++ {
		src := i
		if mr == 1 {
			src = 0
		}
		for j := 0; j < cols; j++ {
			scores.Set(i, j, scores.At(i, j)+mask.At(src, j))
		}
	}
}

// GELU applies the Gaussian error linear unit (tanh approximation, as in
// BERT) elementwise.
func GELU(x *mat.Dense) *mat.Dense {
	var out mat.Dense
	out.Apply(func(_, _ int, v float64) float64 {
		return 0.5 * v * (1.0 + math.Tanh(math.Sqrt(2.0/math.Pi)*(v+0.044715*v*v*v)))
	}, x)
	return &out
}

// ReLU applies max(0, x) elementwise.
func ReLU(x *mat.Dense) *mat.Dense {
	var out mat.Dense
	out.Apply(func(_, _ int, v float64) float64 {
		return math.Max(0, v)
	}, x)
	return &out
}

// ReLUBackward masks the upstream gradient with the ReLU activation pattern
// of the cached pre-activation input.
func ReLUBackward(dY, preAct *mat.Dense) *mat.Dense {
	rows, cols := dY.Dims()
	out := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			if preAct.At(i, j) > 0 {
				out.Set(i, j, dY.At(i, j))
			}
		}
	}
	return out
}

// Lookup gathers rows of an embedding table ([vocab, d]) by id.
func Lookup(table *mat.Dense, ids []int) *mat.Dense {
	_, d := table.Dims()
	out := mat.NewDense(len(ids), d, nil)
	for i, id := range ids {
		out.SetRow(i, table.RawRowView(id))
	}
	return out
}

// ArgMaxRows returns the column index of the maximum entry of every row.
// Ties resolve to the lowest index, keeping results deterministic.
func ArgMaxRows(x *mat.Dense) []int {
	rows, cols := x.Dims()
	out := make([]int, rows)
	for i := 0; i < rows; i++ {
		best, bestJ := x.At(i, 0), 0
		for j := 1; j < cols; j++ {
			if v := x.At(i, j); v > best {
				best, bestJ = v, j
			}
		}
		out[i] = bestJ
	}
	return out
}

// DropoutForward zeroes entries of x with probability rate and scales the
// survivors by 1/(1-rate) (inverted dropout). It returns the output and the
// applied scale mask so gradients can reuse it. A rate of 0 returns x
// untouched with a nil mask.
func DropoutForward(x *mat.Dense, rate float64, rng *rand.Rand) (*mat.Dense, *mat.Dense) {
	if rate == 0 {
		return x, nil
	}
	rows, cols := x.Dims()
	keep := 1.0 - rate
	scale := 1.0 / keep
	out := mat.NewDense(rows, cols, nil)
	maskM := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			if rng.Float64() < keep {
				maskM.Set(i, j, scale)
				out.Set(i, j, x.At(i, j)*scale)
			}
		}
	}
	return out, maskM
}

// SumColumns sums a matrix over its rows into a [1, cols] row vector,
// the gradient reduction for broadcast biases.
func SumColumns(x *mat.Dense) *mat.Dense {
	rows, cols := x.Dims()
	out := mat.NewDense(1, cols, nil)
	for j := 0; j < cols; j++ {
		s := 0.0
		for i := 0; i < rows; i++ {
			s += x.At(i, j)
		}
		out.Set(0, j, s)
	}
	return out
}
