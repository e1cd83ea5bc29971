package encoder

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/gomlx/lasertagger/checkpoint"
	"github.com/gomlx/lasertagger/nn"
)

// Encoder is a BERT-style post-norm transformer stack over summed word,
// position and segment embeddings. All variables are registered frozen;
// Forward never produces gradients.
type Encoder struct {
	cfg     Config
	headDim int

	wordEmb  *checkpoint.Variable
	typeEmb  *checkpoint.Variable
	posEmb   *checkpoint.Variable
	embGamma *checkpoint.Variable
	embBeta  *checkpoint.Variable

	layers []layer
}

// layer holds the variables of one transformer block.
type layer struct {
	queryKernel, queryBias     *checkpoint.Variable
	keyKernel, keyBias         *checkpoint.Variable
	valueKernel, valueBias     *checkpoint.Variable
	attnOutKernel, attnOutBias *checkpoint.Variable
	attnGamma, attnBeta        *checkpoint.Variable
	interKernel, interBias     *checkpoint.Variable
	outKernel, outBias         *checkpoint.Variable
	outGamma, outBeta          *checkpoint.Variable
}

// New registers the encoder variables in store under the canonical
// "bert/..." names used by published BERT checkpoints, so a warm start
// restores them with an identity assignment map. rng seeds the fallback
// random initialization used when no checkpoint is restored.
func New(cfg Config, store *checkpoint.Store, rng *rand.Rand) (*Encoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Encoder{cfg: cfg, headDim: cfg.HiddenSize / cfg.NumAttentionHeads}

	var err error
	reg := func(name string, rows, cols int, init checkpoint.Initializer) *checkpoint.Variable {
		if err != nil {
			return nil
		}
		var v *checkpoint.Variable
		v, err = store.Register(name, rows, cols, false, init)
		return v
	}
	normal := checkpoint.TruncatedNormal(cfg.InitializerRange, rng)
	h := cfg.HiddenSize

	e.wordEmb = reg("bert/embeddings/word_embeddings", cfg.VocabSize, h, normal)
	e.typeEmb = reg("bert/embeddings/token_type_embeddings", cfg.TypeVocabSize, h, normal)
	e.posEmb = reg("bert/embeddings/position_embeddings", cfg.MaxPositionEmbeddings, h, normal)
	e.embGamma = reg("bert/embeddings/LayerNorm/gamma", 1, h, checkpoint.Ones())
	e.embBeta = reg("bert/embeddings/LayerNorm/beta", 1, h, checkpoint.Zeros())

	e.layers = make([]layer, cfg.NumHiddenLayers)
	for i := range e.layers {
		prefix := fmt.Sprintf("bert/encoder/layer_%d", i)
		l := &e.layers[i]
		l.queryKernel = reg(prefix+"/attention/self/query/kernel", h, h, normal)
		l.queryBias = reg(prefix+"/attention/self/query/bias", 1, h, checkpoint.Zeros())
		l.keyKernel = reg(prefix+"/attention/self/key/kernel", h, h, normal)
		l.keyBias = reg(prefix+"/attention/self/key/bias", 1, h, checkpoint.Zeros())
		l.valueKernel = reg(prefix+"/attention/self/value/kernel", h, h, normal)
		l.valueBias = reg(prefix+"/attention/self/value/bias", 1, h, checkpoint.Zeros())
		l.attnOutKernel = reg(prefix+"/attention/output/dense/kernel", h, h, normal)
		l.attnOutBias = reg(prefix+"/attention/output/dense/bias", 1, h, checkpoint.Zeros())
		l.attnGamma = reg(prefix+"/attention/output/LayerNorm/gamma", 1, h, checkpoint.Ones())
		l.attnBeta = reg(prefix+"/attention/output/LayerNorm/beta", 1, h, checkpoint.Zeros())
		l.interKernel = reg(prefix+"/intermediate/dense/kernel", h, cfg.IntermediateSize, normal)
		l.interBias = reg(prefix+"/intermediate/dense/bias", 1, cfg.IntermediateSize, checkpoint.Zeros())
		l.outKernel = reg(prefix+"/output/dense/kernel", cfg.IntermediateSize, h, normal)
		l.outBias = reg(prefix+"/output/dense/bias", 1, h, checkpoint.Zeros())
		l.outGamma = reg(prefix+"/output/LayerNorm/gamma", 1, h, checkpoint.Ones())
		l.outBeta = reg(prefix+"/output/LayerNorm/beta", 1, h, checkpoint.Zeros())
	}
	if err != nil {
		return nil, errors.WithMessage(err, "failed to register encoder variables")
	}
	return e, nil
}

// Config returns the configuration the encoder was built from.
func (e *Encoder) Config() Config { return e.cfg }

// HiddenSize returns the width of the hidden states Forward produces.
func (e *Encoder) HiddenSize() int { return e.cfg.HiddenSize }

// Forward runs one sequence through the stack and returns the final hidden
// states, one row per input position. inputMask marks real tokens with 1 and
// padding with 0; padded positions still produce rows but attract no
// attention. segmentIDs index the token-type embedding table (they also
// carry POS tags when verb-deletion reweighting is in use, so the table must
// be sized for the largest tag id).
func (e *Encoder) Forward(inputIDs, inputMask, segmentIDs []int) (*mat.Dense, error) {
	t := len(inputIDs)
	if t == 0 {
		return nil, errors.New("empty input sequence")
	}
	if len(inputMask) != t || len(segmentIDs) != t {
		return nil, errors.Errorf("input lengths disagree: ids=%d mask=%d segments=%d",
			t, len(inputMask), len(segmentIDs))
	}
	if t > e.cfg.MaxPositionEmbeddings {
		return nil, errors.Errorf("sequence length %d exceeds max_position_embeddings %d",
			t, e.cfg.MaxPositionEmbeddings)
	}
	for i, id := range inputIDs {
		if id < 0 || id >= e.cfg.VocabSize {
			return nil, errors.Errorf("input id %d at position %d outside vocab of size %d",
				id, i, e.cfg.VocabSize)
		}
	}
	for i, id := range segmentIDs {
		if id < 0 || id >= e.cfg.TypeVocabSize {
			return nil, errors.Errorf("segment id %d at position %d outside type vocab of size %d",
				id, i, e.cfg.TypeVocabSize)
		}
	}

	x := nn.Lookup(e.wordEmb.Value, inputIDs)
	x.Add(x, nn.Lookup(e.typeEmb.Value, segmentIDs))
	positions := make([]int, t)
	for i := range positions {
		positions[i] = i
	}
	x.Add(x, nn.Lookup(e.posEmb.Value, positions))
	x = nn.LayerNorm(x, e.embGamma.Value, e.embBeta.Value, layerNormEps)

	mask := nn.PaddingMask(inputMask)
	for i := range e.layers {
		l := &e.layers[i]

		attn := e.selfAttention(l, x, mask)
		attn.Add(attn, x)
		x = nn.LayerNorm(attn, l.attnGamma.Value, l.attnBeta.Value, layerNormEps)

		inter := nn.Linear(x, l.interKernel.Value, l.interBias.Value)
		if e.cfg.HiddenAct == "relu" {
			inter = nn.ReLU(inter)
		} else {
			inter = nn.GELU(inter)
		}
		out := nn.Linear(inter, l.outKernel.Value, l.outBias.Value)
		out.Add(out, x)
		x = nn.LayerNorm(out, l.outGamma.Value, l.outBeta.Value, layerNormEps)
	}
	return x, nil
}

// selfAttention computes masked multi-head self-attention over x followed by
// the output projection.
func (e *Encoder) selfAttention(l *layer, x, mask *mat.Dense) *mat.Dense {
	q := nn.Linear(x, l.queryKernel.Value, l.queryBias.Value)
	k := nn.Linear(x, l.keyKernel.Value, l.keyBias.Value)
	v := nn.Linear(x, l.valueKernel.Value, l.valueBias.Value)

	t, _ := x.Dims()
	ctx := mat.NewDense(t, e.cfg.HiddenSize, nil)
	scale := 1.0 / math.Sqrt(float64(e.headDim))
	for h := 0; h < e.cfg.NumAttentionHeads; h++ {
		lo, hi := h*e.headDim, (h+1)*e.headDim
		qh := q.Slice(0, t, lo, hi)
		kh := k.Slice(0, t, lo, hi)
		vh := v.Slice(0, t, lo, hi)

		var scores mat.Dense
		scores.Mul(qh, kh.T())
		scores.Scale(scale, &scores)
		nn.AddMask(&scores, mask)
		attn := nn.SoftmaxRows(&scores)

		var head mat.Dense
		head.Mul(attn, vh)
		for i := 0; i < t; i++ {
			for j := lo; j < hi; j++ {
				ctx.Set(i, j, head.At(i, j-lo))
			}
		}
	}
	return nn.Linear(ctx, l.attnOutKernel.Value, l.attnOutBias.Value)
}
