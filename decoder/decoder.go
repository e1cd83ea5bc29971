// Package decoder implements the autoregressive transformer decoder that
// turns encoder hidden states into tag-id sequences: teacher-forcing logits
// for training and evaluation, greedy fixed-length decoding for prediction,
// and a full backward pass over the recorded activations.
//
// The decoder works in the offset id space: ids 0 and 1 are reserved for the
// padding and begin markers, real tags start at 2. Offsetting labels on the
// way in and stripping the offset from decoded ids is the caller's job and
// happens exactly once on each side.
package decoder

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/gomlx/lasertagger/checkpoint"
	"github.com/gomlx/lasertagger/nn"
)

// layerNormEps follows the tensor2tensor transformer, not BERT.
const layerNormEps = 1e-6

// beginID is the id fed to the first decode step. Real tags never map to it.
const beginID = 0

// Params configures the decoder stack. VocabSize already includes the two
// reserved ids.
type Params struct {
	NumHiddenLayers   int
	HiddenSize        int
	NumAttentionHeads int
	FilterSize        int
	VocabSize         int
	MaxLength         int

	// UseFullAttention selects softmax attention over all source positions
	// for the encoder-decoder sublayer. When false the decoder attends only
	// to the source position it is currently tagging, which reduces the
	// sublayer to the value and output projections.
	UseFullAttention bool
}

// Validate checks the structural constraints of the parameter set.
func (p Params) Validate() error {
	switch {
	case p.NumHiddenLayers <= 0:
		return errors.Errorf("decoder needs at least one layer, got %d", p.NumHiddenLayers)
	case p.HiddenSize <= 0:
		return errors.Errorf("decoder hidden size must be positive, got %d", p.HiddenSize)
	case p.HiddenSize%2 != 0:
		return errors.Errorf("decoder hidden size must be even for sinusoidal positions, got %d", p.HiddenSize)
	case p.NumAttentionHeads <= 0:
		return errors.Errorf("decoder needs at least one attention head, got %d", p.NumAttentionHeads)
	case p.HiddenSize%p.NumAttentionHeads != 0:
		return errors.Errorf("decoder hidden size %d not divisible by %d heads",
			p.HiddenSize, p.NumAttentionHeads)
	case p.FilterSize <= 0:
		return errors.Errorf("decoder filter size must be positive, got %d", p.FilterSize)
	case p.VocabSize <= 2:
		return errors.Errorf("decoder vocab %d leaves no room for real tags after the 2 reserved ids", p.VocabSize)
	case p.MaxLength <= 0:
		return errors.Errorf("decoder max length must be positive, got %d", p.MaxLength)
	}
	return nil
}

// Decoder is a pre-norm transformer decoder with shared embedding/softmax
// weights. All its variables are trainable.
type Decoder struct {
	params       Params
	encoderWidth int
	headDim      int

	embedding *checkpoint.Variable
	layers    []layer
	outGamma  *checkpoint.Variable
	outBeta   *checkpoint.Variable

	posEnc *mat.Dense
}

// layer holds the variables of one decoder block. The encoder-decoder
// query/key projections and their layer norm exist only in full-attention
// mode; the aligned variant keeps just the value and output projections.
type layer struct {
	selfGamma, selfBeta          *checkpoint.Variable
	selfQ, selfK, selfV, selfOut *checkpoint.Variable

	crossGamma, crossBeta *checkpoint.Variable
	crossQ, crossK        *checkpoint.Variable
	crossV, crossOut      *checkpoint.Variable

	ffnGamma, ffnBeta        *checkpoint.Variable
	filterKernel, filterBias *checkpoint.Variable
	outputKernel, outputBias *checkpoint.Variable
}

// New registers the decoder variables in store and precomputes the sinusoidal
// position table. encoderWidth is the column count of the encoder hidden
// states the encoder-decoder sublayer consumes.
func New(params Params, encoderWidth int, store *checkpoint.Store, rng *rand.Rand) (*Decoder, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if encoderWidth <= 0 {
		return nil, errors.Errorf("encoder width must be positive, got %d", encoderWidth)
	}
	d := &Decoder{
		params:       params,
		encoderWidth: encoderWidth,
		headDim:      params.HiddenSize / params.NumAttentionHeads,
		posEnc:       sinusoidalPositions(params.MaxLength, params.HiddenSize),
	}

	var err error
	reg := func(name string, rows, cols int, init checkpoint.Initializer) *checkpoint.Variable {
		if err != nil {
			return nil
		}
		var v *checkpoint.Variable
		v, err = store.Register(name, rows, cols, true, init)
		return v
	}
	h := params.HiddenSize
	embedInit := checkpoint.TruncatedNormal(1.0/math.Sqrt(float64(h)), rng)
	kernelInit := checkpoint.TruncatedNormal(0.02, rng)

	d.embedding = reg("decoder/embedding_shared_weights/weights", params.VocabSize, h, embedInit)
	d.layers = make([]layer, params.NumHiddenLayers)
	for i := range d.layers {
		prefix := fmt.Sprintf("decoder/layer_%d", i)
		l := &d.layers[i]
		l.selfGamma = reg(prefix+"/self_attention/layer_norm/gamma", 1, h, checkpoint.Ones())
		l.selfBeta = reg(prefix+"/self_attention/layer_norm/beta", 1, h, checkpoint.Zeros())
		l.selfQ = reg(prefix+"/self_attention/q/kernel", h, h, kernelInit)
		l.selfK = reg(prefix+"/self_attention/k/kernel", h, h, kernelInit)
		l.selfV = reg(prefix+"/self_attention/v/kernel", h, h, kernelInit)
		l.selfOut = reg(prefix+"/self_attention/output/kernel", h, h, kernelInit)
		if params.UseFullAttention {
			l.crossGamma = reg(prefix+"/encdec_attention/layer_norm/gamma", 1, h, checkpoint.Ones())
			l.crossBeta = reg(prefix+"/encdec_attention/layer_norm/beta", 1, h, checkpoint.Zeros())
			l.crossQ = reg(prefix+"/encdec_attention/q/kernel", h, h, kernelInit)
			l.crossK = reg(prefix+"/encdec_attention/k/kernel", encoderWidth, h, kernelInit)
		}
		l.crossV = reg(prefix+"/encdec_attention/v/kernel", encoderWidth, h, kernelInit)
		l.crossOut = reg(prefix+"/encdec_attention/output/kernel", h, h, kernelInit)
		l.ffnGamma = reg(prefix+"/ffn/layer_norm/gamma", 1, h, checkpoint.Ones())
		l.ffnBeta = reg(prefix+"/ffn/layer_norm/beta", 1, h, checkpoint.Zeros())
		l.filterKernel = reg(prefix+"/ffn/filter/kernel", h, params.FilterSize, kernelInit)
		l.filterBias = reg(prefix+"/ffn/filter/bias", 1, params.FilterSize, checkpoint.Zeros())
		l.outputKernel = reg(prefix+"/ffn/output/kernel", params.FilterSize, h, kernelInit)
		l.outputBias = reg(prefix+"/ffn/output/bias", 1, h, checkpoint.Zeros())
	}
	d.outGamma = reg("decoder/output_norm/gamma", 1, h, checkpoint.Ones())
	d.outBeta = reg("decoder/output_norm/beta", 1, h, checkpoint.Zeros())
	if err != nil {
		return nil, errors.WithMessage(err, "failed to register decoder variables")
	}
	return d, nil
}

// Params returns the parameter set the decoder was built from.
func (d *Decoder) Params() Params { return d.params }

// Tape records the activations of one teacher-forcing forward pass for the
// backward pass. It holds references into the forward inputs; callers must
// not mutate those between Forward and Backward.
type Tape struct {
	inputs []int
	encOut *mat.Dense
	layers []layerTape
	final  *nn.LayerNormTape
	hidden *mat.Dense
	t      int
}

type layerTape struct {
	selfLN                 *nn.LayerNormTape
	selfZ                  *mat.Dense
	selfQ, selfK, selfV    *mat.Dense
	selfAttn               []*mat.Dense
	selfCtx                *mat.Dense
	crossLN                *nn.LayerNormTape
	crossZ                 *mat.Dense
	crossQ, crossK, crossV *mat.Dense
	crossAttn              []*mat.Dense
	crossCtx               *mat.Dense
	ffnLN                  *nn.LayerNormTape
	ffnZ, ffnPre, ffnAct   *mat.Dense
}

// ForwardTrain runs one teacher-forcing pass: targets shifted right behind
// the begin token form the decoder input, and every position emits logits
// over the offset vocabulary. targetIDs must already be in offset space.
func (d *Decoder) ForwardTrain(encOut *mat.Dense, inputMask, targetIDs []int) (*mat.Dense, *Tape, error) {
	if err := d.checkSource(encOut, inputMask); err != nil {
		return nil, nil, err
	}
	rows, _ := encOut.Dims()
	if len(targetIDs) != rows {
		return nil, nil, errors.Errorf("target length %d does not match %d encoder positions",
			len(targetIDs), rows)
	}
	for i, id := range targetIDs {
		if id < 0 || id >= d.params.VocabSize {
			return nil, nil, errors.Errorf("target id %d at position %d outside vocab of size %d",
				id, i, d.params.VocabSize)
		}
	}
	inputs := make([]int, rows)
	inputs[0] = beginID
	copy(inputs[1:], targetIDs[:rows-1])
	logits, tape := d.run(inputs, encOut, inputMask)
	return logits, tape, nil
}

// Forward is ForwardTrain without keeping the tape, for evaluation.
func (d *Decoder) Forward(encOut *mat.Dense, inputMask, targetIDs []int) (*mat.Dense, error) {
	logits, _, err := d.ForwardTrain(encOut, inputMask, targetIDs)
	return logits, err
}

// GreedyDecode produces one offset tag id per source position by repeatedly
// re-running the stack over the grown prefix and taking the argmax of the
// final position. The result has exactly as many ids as encOut has rows and
// stays in offset space.
func (d *Decoder) GreedyDecode(encOut *mat.Dense, inputMask []int) ([]int, error) {
	if err := d.checkSource(encOut, inputMask); err != nil {
		return nil, err
	}
	rows, _ := encOut.Dims()
	prefix := make([]int, 1, rows+1)
	prefix[0] = beginID
	for step := 0; step < rows; step++ {
		logits, _ := d.run(prefix, encOut, inputMask)
		last := logits.RawRowView(step)
		best, bestJ := last[0], 0
		for j := 1; j < len(last); j++ {
			if last[j] > best {
				best, bestJ = last[j], j
			}
		}
		prefix = append(prefix, bestJ)
	}
	return prefix[1:], nil
}

func (d *Decoder) checkSource(encOut *mat.Dense, inputMask []int) error {
	rows, cols := encOut.Dims()
	if cols != d.encoderWidth {
		return errors.Errorf("encoder hidden width %d does not match decoder's expected %d",
			cols, d.encoderWidth)
	}
	if rows == 0 {
		return errors.New("empty encoder output")
	}
	if rows > d.params.MaxLength {
		return errors.Errorf("sequence length %d exceeds decoder max length %d", rows, d.params.MaxLength)
	}
	if inputMask != nil && len(inputMask) != rows {
		return errors.Errorf("input mask length %d does not match %d encoder positions",
			len(inputMask), rows)
	}
	return nil
}

// run executes the stack over the given decoder input ids. The prefix may be
// shorter than the source during greedy decoding; in full-attention mode all
// source positions stay visible, in aligned mode only the first len(inputs)
// source rows are consumed.
func (d *Decoder) run(inputs []int, encOut *mat.Dense, inputMask []int) (*mat.Dense, *Tape) {
	t := len(inputs)
	h := d.params.HiddenSize

	x := nn.Lookup(d.embedding.Value, inputs)
	x.Scale(math.Sqrt(float64(h)), x)
	x.Add(x, d.posEnc.Slice(0, t, 0, h))

	causal := nn.CausalMask(t)
	var srcMask *mat.Dense
	if d.params.UseFullAttention && inputMask != nil {
		srcMask = nn.PaddingMask(inputMask)
	}

	tape := &Tape{
		inputs: append([]int(nil), inputs...),
		encOut: encOut,
		layers: make([]layerTape, len(d.layers)),
		t:      t,
	}
	for i := range d.layers {
		l := &d.layers[i]
		lt := &tape.layers[i]

		z, zTape := nn.LayerNormForward(x, l.selfGamma.Value, l.selfBeta.Value, layerNormEps)
		q := nn.Linear(z, l.selfQ.Value, nil)
		k := nn.Linear(z, l.selfK.Value, nil)
		v := nn.Linear(z, l.selfV.Value, nil)
		ctx, attn := d.multiHead(q, k, v, causal)
		out := nn.Linear(ctx, l.selfOut.Value, nil)
		out.Add(out, x)
		lt.selfLN, lt.selfZ, lt.selfQ, lt.selfK, lt.selfV, lt.selfAttn, lt.selfCtx = zTape, z, q, k, v, attn, ctx
		x = out

		if d.params.UseFullAttention {
			z, zTape = nn.LayerNormForward(x, l.crossGamma.Value, l.crossBeta.Value, layerNormEps)
			q = nn.Linear(z, l.crossQ.Value, nil)
			k = nn.Linear(encOut, l.crossK.Value, nil)
			v = nn.Linear(encOut, l.crossV.Value, nil)
			ctx, attn = d.multiHead(q, k, v, srcMask)
			out = nn.Linear(ctx, l.crossOut.Value, nil)
			out.Add(out, x)
			lt.crossLN, lt.crossZ, lt.crossQ, lt.crossK, lt.crossV, lt.crossAttn, lt.crossCtx = zTape, z, q, k, v, attn, ctx
			x = out
		} else {
			src := encOut
			if rows, _ := encOut.Dims(); rows != t {
				src = encOut.Slice(0, t, 0, d.encoderWidth).(*mat.Dense)
			}
			v = nn.Linear(src, l.crossV.Value, nil)
			out = nn.Linear(v, l.crossOut.Value, nil)
			out.Add(out, x)
			lt.crossV, lt.crossCtx = v, v
			x = out
		}

		z, zTape = nn.LayerNormForward(x, l.ffnGamma.Value, l.ffnBeta.Value, layerNormEps)
		pre := nn.Linear(z, l.filterKernel.Value, l.filterBias.Value)
		act := nn.ReLU(pre)
		out = nn.Linear(act, l.outputKernel.Value, l.outputBias.Value)
		out.Add(out, x)
		lt.ffnLN, lt.ffnZ, lt.ffnPre, lt.ffnAct = zTape, z, pre, act
		x = out
	}

	hidden, finalTape := nn.LayerNormForward(x, d.outGamma.Value, d.outBeta.Value, layerNormEps)
	tape.final = finalTape
	tape.hidden = hidden

	var logits mat.Dense
	logits.Mul(hidden, d.embedding.Value.T())
	return &logits, tape
}

// multiHead computes multi-head softmax attention. bias is an additive mask
// (causal [t,t] or padding [1,s]) and may be nil.
func (d *Decoder) multiHead(q, k, v, bias *mat.Dense) (*mat.Dense, []*mat.Dense) {
	tq, _ := q.Dims()
	tk, _ := k.Dims()
	ctx := mat.NewDense(tq, d.params.HiddenSize, nil)
	attn := make([]*mat.Dense, d.params.NumAttentionHeads)
	scale := 1.0 / math.Sqrt(float64(d.headDim))
	for h := 0; h < d.params.NumAttentionHeads; h++ {
		lo, hi := h*d.headDim, (h+1)*d.headDim

		var scores mat.Dense
		scores.Mul(q.Slice(0, tq, lo, hi), k.Slice(0, tk, lo, hi).T())
		scores.Scale(scale, &scores)
		if bias != nil {
			nn.AddMask(&scores, bias)
		}
		a := nn.SoftmaxRows(&scores)
		attn[h] = a

		var head mat.Dense
		head.Mul(a, v.Slice(0, tk, lo, hi))
		for i := 0; i < tq; i++ {
			for j := lo; j < hi; j++ {
				ctx.Set(i, j, head.At(i, j-lo))
			}
		}
	}
	return ctx, attn
}

// sinusoidalPositions builds the fixed position table: sines over the first
// half of the features, cosines over the second, timescales geometrically
// spaced from 1 to 10000.
func sinusoidalPositions(length, dim int) *mat.Dense {
	out := mat.NewDense(length, dim, nil)
	half := dim / 2
	increment := math.Log(10000.0) / math.Max(float64(half-1), 1)
	for pos := 0; pos < length; pos++ {
		for i := 0; i < half; i++ {
			scaled := float64(pos) * math.Exp(-float64(i)*increment)
			out.Set(pos, i, math.Sin(scaled))
			out.Set(pos, half+i, math.Cos(scaled))
		}
	}
	return out
}
