package decoder

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/gomlx/lasertagger/checkpoint"
	"github.com/gomlx/lasertagger/nn"
)

// layerGrads mirrors layer, holding the gradient for each variable.
type layerGrads struct {
	selfGamma, selfBeta          *mat.Dense
	selfQ, selfK, selfV, selfOut *mat.Dense
	crossGamma, crossBeta        *mat.Dense
	crossQ, crossK               *mat.Dense
	crossV, crossOut             *mat.Dense
	ffnGamma, ffnBeta            *mat.Dense
	filterKernel, filterBias     *mat.Dense
	outputKernel, outputBias     *mat.Dense
}

// Backward propagates dLogits through the recorded forward pass and returns
// the gradient of every decoder variable, in registration order. The shared
// embedding accumulates both its softmax and its input-lookup contributions.
func (d *Decoder) Backward(tape *Tape, dLogits *mat.Dense) ([]checkpoint.Gradient, error) {
	if tape == nil || tape.hidden == nil {
		return nil, errors.New("nil or incomplete tape")
	}
	rows, cols := dLogits.Dims()
	if rows != tape.t || cols != d.params.VocabSize {
		return nil, errors.Errorf("dLogits is [%d, %d], want [%d, %d]",
			rows, cols, tape.t, d.params.VocabSize)
	}

	// Shared weights: logits = hidden · Eᵀ.
	var dHidden mat.Dense
	dHidden.Mul(dLogits, d.embedding.Value)
	var dEmb mat.Dense
	dEmb.Mul(dLogits.T(), tape.hidden)

	dX, dOutGamma, dOutBeta := nn.LayerNormBackward(tape.final, d.outGamma.Value, &dHidden)

	grads := make([]layerGrads, len(d.layers))
	for i := len(d.layers) - 1; i >= 0; i-- {
		l := &d.layers[i]
		lt := &tape.layers[i]
		g := &grads[i]

		// FFN sublayer: out = x + W2·relu(W1·ln(x)+b1)+b2.
		dAct := mulBT(dX, l.outputKernel.Value)
		g.outputKernel = mulAT(lt.ffnAct, dX)
		g.outputBias = nn.SumColumns(dX)
		dPre := nn.ReLUBackward(dAct, lt.ffnPre)
		g.filterKernel = mulAT(lt.ffnZ, dPre)
		g.filterBias = nn.SumColumns(dPre)
		dZ := mulBT(dPre, l.filterKernel.Value)
		dLN, dGamma, dBeta := nn.LayerNormBackward(lt.ffnLN, l.ffnGamma.Value, dZ)
		g.ffnGamma, g.ffnBeta = dGamma, dBeta
		dX.Add(dX, dLN)

		// Encoder-decoder sublayer. Gradients toward the encoder output are
		// dropped: the encoder is frozen and its inputs are ids.
		dCtx := mulBT(dX, l.crossOut.Value)
		g.crossOut = mulAT(lt.crossCtx, dX)
		if d.params.UseFullAttention {
			dQ, dK, dV := d.multiHeadBackward(dCtx, lt.crossQ, lt.crossK, lt.crossV, lt.crossAttn)
			g.crossQ = mulAT(lt.crossZ, dQ)
			g.crossK = mulAT(tape.encOut, dK)
			g.crossV = mulAT(tape.encOut, dV)
			dZ = mulBT(dQ, l.crossQ.Value)
			dLN, dGamma, dBeta = nn.LayerNormBackward(lt.crossLN, l.crossGamma.Value, dZ)
			g.crossGamma, g.crossBeta = dGamma, dBeta
			dX.Add(dX, dLN)
		} else {
			// Aligned attention reads only the encoder side, so nothing flows
			// back into x beyond the residual.
			g.crossV = mulAT(tape.encOut, dCtx)
		}

		// Self-attention sublayer.
		dCtx = mulBT(dX, l.selfOut.Value)
		g.selfOut = mulAT(lt.selfCtx, dX)
		dQ, dK, dV := d.multiHeadBackward(dCtx, lt.selfQ, lt.selfK, lt.selfV, lt.selfAttn)
		g.selfQ = mulAT(lt.selfZ, dQ)
		g.selfK = mulAT(lt.selfZ, dK)
		g.selfV = mulAT(lt.selfZ, dV)
		dZ = mulBT(dQ, l.selfQ.Value)
		dZ.Add(dZ, mulBT(dK, l.selfK.Value))
		dZ.Add(dZ, mulBT(dV, l.selfV.Value))
		dLN, dGamma, dBeta = nn.LayerNormBackward(lt.selfLN, l.selfGamma.Value, dZ)
		g.selfGamma, g.selfBeta = dGamma, dBeta
		dX.Add(dX, dLN)
	}

	// Input lookup: x0 = E[ids]·√h, so rows of dX scatter into dEmb.
	scale := math.Sqrt(float64(d.params.HiddenSize))
	for i, id := range tape.inputs {
		for j := 0; j < d.params.HiddenSize; j++ {
			dEmb.Set(id, j, dEmb.At(id, j)+scale*dX.At(i, j))
		}
	}

	out := make([]checkpoint.Gradient, 0, 3+len(d.layers)*18)
	add := func(v *checkpoint.Variable, grad *mat.Dense) {
		out = append(out, checkpoint.Gradient{Var: v, Grad: grad})
	}
	add(d.embedding, &dEmb)
	for i := range d.layers {
		l := &d.layers[i]
		g := &grads[i]
		add(l.selfGamma, g.selfGamma)
		add(l.selfBeta, g.selfBeta)
		add(l.selfQ, g.selfQ)
		add(l.selfK, g.selfK)
		add(l.selfV, g.selfV)
		add(l.selfOut, g.selfOut)
		if d.params.UseFullAttention {
			add(l.crossGamma, g.crossGamma)
			add(l.crossBeta, g.crossBeta)
			add(l.crossQ, g.crossQ)
			add(l.crossK, g.crossK)
		}
		add(l.crossV, g.crossV)
		add(l.crossOut, g.crossOut)
		add(l.ffnGamma, g.ffnGamma)
		add(l.ffnBeta, g.ffnBeta)
		add(l.filterKernel, g.filterKernel)
		add(l.filterBias, g.filterBias)
		add(l.outputKernel, g.outputKernel)
		add(l.outputBias, g.outputBias)
	}
	add(d.outGamma, dOutGamma)
	add(d.outBeta, dOutBeta)
	return out, nil
}

// multiHeadBackward inverts multiHead: given the gradient of the concatenated
// context it returns the gradients of the projected q, k and v activations.
func (d *Decoder) multiHeadBackward(dCtx, q, k, v *mat.Dense, attn []*mat.Dense) (dQ, dK, dV *mat.Dense) {
	tq, _ := q.Dims()
	tk, _ := k.Dims()
	h := d.params.HiddenSize
	dQ = mat.NewDense(tq, h, nil)
	dK = mat.NewDense(tk, h, nil)
	dV = mat.NewDense(tk, h, nil)
	scale := 1.0 / math.Sqrt(float64(d.headDim))
	for hd := 0; hd < d.params.NumAttentionHeads; hd++ {
		lo, hi := hd*d.headDim, (hd+1)*d.headDim
		a := attn[hd]

		var dA mat.Dense
		dA.Mul(dCtx.Slice(0, tq, lo, hi), v.Slice(0, tk, lo, hi).T())
		dS := nn.SoftmaxBackward(&dA, a)

		var dVh mat.Dense
		dVh.Mul(a.T(), dCtx.Slice(0, tq, lo, hi))
		var dQh mat.Dense
		dQh.Mul(dS, k.Slice(0, tk, lo, hi))
		dQh.Scale(scale, &dQh)
		var dKh mat.Dense
		dKh.Mul(dS.T(), q.Slice(0, tq, lo, hi))
		dKh.Scale(scale, &dKh)

		setColumns(dQ, &dQh, lo)
		setColumns(dK, &dKh, lo)
		setColumns(dV, &dVh, lo)
	}
	return dQ, dK, dV
}

func setColumns(dst, src *mat.Dense, colOffset int) {
	rows, cols := src.Dims()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			dst.Set(i, j+colOffset, src.At(i, j))
		}
	}
}

// mulBT returns a·bᵀ.
func mulBT(a, b *mat.Dense) *mat.Dense {
	var out mat.Dense
	out.Mul(a, b.T())
	return &out
}

// mulAT returns aᵀ·b.
func mulAT(a, b *mat.Dense) *mat.Dense {
	var out mat.Dense
	out.Mul(a.T(), b)
	return &out
}
