package model

import (
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/gomlx/lasertagger/checkpoint"
	"github.com/gomlx/lasertagger/decoder"
	"github.com/gomlx/lasertagger/encoder"
	"github.com/gomlx/lasertagger/nn"
	"github.com/gomlx/lasertagger/tagging"
)

// defaultDropout is the projection-path dropout rate during training.
const defaultDropout = 0.1

// Batch is one rectangular batch of encoded examples. All sequences of all
// examples share one length. Batches are consumed read-only.
type Batch struct {
	InputIDs  [][]int
	InputMask [][]int
	// SegmentIDs index the token-type embeddings and double as the POS-tag
	// carrier when verb-deletion reweighting is enabled.
	SegmentIDs [][]int
}

// LabeledBatch adds gold labels for training and evaluation. Labels are raw
// tag ids in [0, numTags); the builder applies the decoder offset itself.
type LabeledBatch struct {
	Batch
	Labels     [][]int
	LabelsMask [][]float64
}

// Options carries the run-level knobs of a model build.
type Options struct {
	// MaxSeqLength bounds every batch sequence. Zero selects the encoder's
	// max position embeddings.
	MaxSeqLength int
	// InitCheckpoint warm-starts matching variables from a snapshot when
	// set. Missing variables keep their random initialization; shape
	// mismatches are fatal.
	InitCheckpoint string
	// Weights are the per-category loss factors. The zero value selects the
	// neutral (1, 1, 1).
	Weights LossWeights
	Verb    VerbDeletion
	// DropoutRate applies on the projection path during training. Zero
	// selects the default 0.1, a negative value disables dropout.
	DropoutRate float64
	// Seed drives every random choice: initialization and dropout.
	Seed int64
	// Observer receives build events; nil selects the klog-backed default.
	Observer Observer
}

// Builder holds a constructed model and runs the three execution paths over
// batches. The two prediction paths are mutually exclusive: either the
// autoregressive decoder or the dropout+projection head, fixed at build time.
type Builder struct {
	cfg                  Config
	numTags              int
	maxLen               int
	store                *checkpoint.Store
	enc                  *encoder.Encoder
	adapter              *SequenceDecoderAdapter
	projKernel, projBias *checkpoint.Variable
	composer             *Composer
	dropout              float64
	rng                  *rand.Rand
}

// TrainOutput is one training step's result. Gradients cover every trainable
// variable and pair with optimize.AdamW.Apply to form the update operation.
type TrainOutput struct {
	Loss        float64
	PerExample  []float64
	Predictions [][]int
	Gradients   []checkpoint.Gradient
}

// EvalOutput carries the loss-path results without gradients.
type EvalOutput struct {
	Loss        float64
	PerExample  []float64
	Predictions [][]int
}

// PredictOutput carries final tag predictions in the raw tag-id space.
type PredictOutput struct {
	Predictions [][]int
}

// NewBuilder constructs the variable store, the frozen encoder, the decoder
// or projection head, and the loss composer, then warm-starts from
// Options.InitCheckpoint when given.
func NewBuilder(cfg Config, vocab *tagging.Vocabulary, opts Options) (*Builder, error) {
	if vocab == nil || vocab.Size() == 0 {
		return nil, errors.Wrapf(ErrConfiguration, "tag vocabulary is empty")
	}
	obs := opts.Observer
	if obs == nil {
		obs = DefaultObserver()
	}
	maxLen := opts.MaxSeqLength
	if maxLen == 0 {
		maxLen = cfg.Encoder.MaxPositionEmbeddings
	}
	if maxLen <= 0 || maxLen > cfg.Encoder.MaxPositionEmbeddings {
		return nil, errors.Wrapf(ErrConfiguration, "max sequence length %d outside (0, %d]",
			maxLen, cfg.Encoder.MaxPositionEmbeddings)
	}
	weights := opts.Weights
	if weights == (LossWeights{}) {
		weights = DefaultLossWeights()
	}
	verb := opts.Verb
	if verb.Enabled() && verb.DeleteIndicator == nil {
		verb.DeleteIndicator = vocab.DeleteIndicator()
	}
	dropout := opts.DropoutRate
	if dropout == 0 {
		dropout = defaultDropout
	} else if dropout < 0 {
		dropout = 0
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	store := checkpoint.NewStore()
	enc, err := encoder.New(cfg.Encoder, store, rng)
	if err != nil {
		return nil, errors.WithMessagef(ErrConfiguration, "encoder: %v", err)
	}

	b := &Builder{
		cfg:     cfg,
		numTags: vocab.Size(),
		maxLen:  maxLen,
		store:   store,
		enc:     enc,
		dropout: dropout,
		rng:     rng,
	}
	if cfg.UseAutoregressiveDecoder {
		b.adapter, err = NewSequenceDecoderAdapter(cfg.Decoder, vocab.Size(), maxLen,
			cfg.Encoder.HiddenSize, store, rng)
		if err != nil {
			return nil, err
		}
	} else {
		b.projKernel, err = store.Register("output_projection/kernel",
			cfg.Encoder.HiddenSize, vocab.Size(), true, checkpoint.TruncatedNormal(0.02, rng))
		if err != nil {
			return nil, err
		}
		b.projBias, err = store.Register("output_projection/bias",
			1, vocab.Size(), true, checkpoint.Zeros())
		if err != nil {
			return nil, err
		}
	}
	b.composer, err = NewComposer(LossOptions{
		Weights:     weights,
		Verb:        verb,
		IDSets:      vocab.IDSets(),
		NumTags:     vocab.Size(),
		DecoderMode: cfg.UseAutoregressiveDecoder,
	})
	if err != nil {
		return nil, err
	}

	restored := make(map[string]bool)
	if opts.InitCheckpoint != "" {
		result, err := checkpoint.WarmStart(store, opts.InitCheckpoint, checkpoint.WarmStartOptions{
			OnMissing: obs.CheckpointVariableMissing,
		})
		if err != nil {
			return nil, errors.WithMessagef(err, "warm start from %s", opts.InitCheckpoint)
		}
		for _, name := range result.Restored {
			restored[name] = true
		}
	}
	trainableParams := 0
	for _, v := range store.Trainable() {
		trainableParams += v.NumElements()
	}
	for v := range store.Variables() {
		obs.VariableInitialized(v.Name, v.Shape(), restored[v.Name])
	}
	obs.ModelBuilt(BuildInfo{
		NumTags:         vocab.Size(),
		NumVariables:    store.Len(),
		NumParams:       store.NumParams(),
		TrainableParams: trainableParams,
		UsesDecoder:     cfg.UseAutoregressiveDecoder,
		InitCheckpoint:  opts.InitCheckpoint,
	})
	return b, nil
}

// Store exposes the variable store for checkpointing and optimization.
func (b *Builder) Store() *checkpoint.Store { return b.store }

// NumTags returns the raw tag vocabulary size.
func (b *Builder) NumTags() int { return b.numTags }

// UsesDecoder reports which prediction path the model was built with.
func (b *Builder) UsesDecoder() bool { return b.cfg.UseAutoregressiveDecoder }

// Train runs one batch through the loss path with dropout active and returns
// the loss together with the gradients of every trainable variable.
func (b *Builder) Train(batch LabeledBatch) (*TrainOutput, error) {
	seqLen, err := b.checkLabeled(batch)
	if err != nil {
		return nil, err
	}
	n := len(batch.InputIDs)
	logits := make([]*mat.Dense, n)
	lossLabels := b.lossLabels(batch.Labels)

	var tapes []*decoder.Tape
	var droppedIn []*mat.Dense
	if b.adapter != nil {
		tapes = make([]*decoder.Tape, n)
	} else {
		droppedIn = make([]*mat.Dense, n)
	}
	for i := 0; i < n; i++ {
		hidden, err := b.enc.Forward(batch.InputIDs[i], batch.InputMask[i], batch.SegmentIDs[i])
		if err != nil {
			return nil, errors.WithMessagef(err, "example %d", i)
		}
		if b.adapter != nil {
			logits[i], tapes[i], err = b.adapter.DecodeTrain(batch.InputMask[i], hidden, lossLabels[i])
			if err != nil {
				return nil, errors.WithMessagef(err, "example %d", i)
			}
		} else {
			dropped, _ := nn.DropoutForward(hidden, b.dropout, b.rng)
			droppedIn[i] = dropped
			logits[i] = nn.Linear(dropped, b.projKernel.Value, b.projBias.Value)
		}
	}

	res, err := b.composer.Compute(logits, lossLabels, batch.LabelsMask, batch.SegmentIDs)
	if err != nil {
		return nil, err
	}

	grads, err := b.gradients(batch, res, logits, tapes, droppedIn, seqLen)
	if err != nil {
		return nil, err
	}
	return &TrainOutput{
		Loss:        res.Loss,
		PerExample:  res.PerExample,
		Predictions: res.Predictions,
		Gradients:   grads,
	}, nil
}

// Evaluate runs the loss path without dropout or gradients. When metrics is
// non-nil every example is folded into it, with labels and predictions in
// the same id space.
func (b *Builder) Evaluate(batch LabeledBatch, metrics *Metrics) (*EvalOutput, error) {
	if _, err := b.checkLabeled(batch); err != nil {
		return nil, err
	}
	n := len(batch.InputIDs)
	logits := make([]*mat.Dense, n)
	lossLabels := b.lossLabels(batch.Labels)
	for i := 0; i < n; i++ {
		hidden, err := b.enc.Forward(batch.InputIDs[i], batch.InputMask[i], batch.SegmentIDs[i])
		if err != nil {
			return nil, errors.WithMessagef(err, "example %d", i)
		}
		if b.adapter != nil {
			logits[i], _, err = b.adapter.Decode(batch.InputMask[i], hidden, lossLabels[i])
			if err != nil {
				return nil, errors.WithMessagef(err, "example %d", i)
			}
		} else {
			logits[i] = nn.Linear(hidden, b.projKernel.Value, b.projBias.Value)
		}
	}
	res, err := b.composer.Compute(logits, lossLabels, batch.LabelsMask, batch.SegmentIDs)
	if err != nil {
		return nil, err
	}
	if metrics != nil {
		for i := 0; i < n; i++ {
			metrics.Update(lossLabels[i], batch.LabelsMask[i], res.Predictions[i], res.PerExample[i])
		}
	}
	return &EvalOutput{Loss: res.Loss, PerExample: res.PerExample, Predictions: res.Predictions}, nil
}

// Predict returns final tag ids. On the decoder path the greedy ids have the
// reserved-id offset removed here, exactly once; the projection path is a
// plain per-position argmax.
func (b *Builder) Predict(batch Batch) (*PredictOutput, error) {
	if _, err := b.checkBatch(batch); err != nil {
		return nil, err
	}
	n := len(batch.InputIDs)
	preds := make([][]int, n)
	for i := 0; i < n; i++ {
		hidden, err := b.enc.Forward(batch.InputIDs[i], batch.InputMask[i], batch.SegmentIDs[i])
		if err != nil {
			return nil, errors.WithMessagef(err, "example %d", i)
		}
		if b.adapter != nil {
			_, ids, err := b.adapter.Decode(batch.InputMask[i], hidden, nil)
			if err != nil {
				return nil, errors.WithMessagef(err, "example %d", i)
			}
			for j := range ids {
				ids[j] -= 2
			}
			preds[i] = ids
		} else {
			logits := nn.Linear(hidden, b.projKernel.Value, b.projBias.Value)
			preds[i] = nn.ArgMaxRows(logits)
		}
	}
	return &PredictOutput{Predictions: preds}, nil
}

// lossLabels returns the labels fed to the loss and decoder: offset copies
// in decoder mode, the originals otherwise. Batches are never mutated.
func (b *Builder) lossLabels(labels [][]int) [][]int {
	if b.adapter == nil {
		return labels
	}
	out := make([][]int, len(labels))
	for i, seq := range labels {
		shifted := make([]int, len(seq))
		for j, id := range seq {
			shifted[j] = id + 2
		}
		out[i] = shifted
	}
	return out
}

// gradients computes d loss / d logits and backpropagates it through the
// head. The per-token factor is TokenWeights·(softmax−onehot) divided by the
// batch size and the example's valid-token count; the verb-deletion
// multiplier inside TokenWeights is treated as a constant.
func (b *Builder) gradients(batch LabeledBatch, res *Result, logits []*mat.Dense,
	tapes []*decoder.Tape, droppedIn []*mat.Dense, seqLen int) ([]checkpoint.Gradient, error) {
	n := len(logits)
	lossLabels := b.lossLabels(batch.Labels)

	dLogits := make([]*mat.Dense, n)
	for i := 0; i < n; i++ {
		maskSum := 0.0
		for _, v := range batch.LabelsMask[i] {
			maskSum += v
		}
		probs := nn.SoftmaxRows(logits[i])
		d := mat.NewDense(seqLen, b.composer.VocabSize(), nil)
		for t := 0; t < seqLen; t++ {
			factor := res.TokenWeights[i][t] / (float64(n) * maskSum)
			for j := 0; j < b.composer.VocabSize(); j++ {
				p := probs.At(t, j)
				if j == lossLabels[i][t] {
					p -= 1
				}
				d.Set(t, j, factor*p)
			}
		}
		dLogits[i] = d
	}

	if b.adapter != nil {
		acc := gradAccumulator{sums: make(map[string]*mat.Dense)}
		for i := 0; i < n; i++ {
			gs, err := b.adapter.Backward(tapes[i], dLogits[i])
			if err != nil {
				return nil, errors.WithMessagef(err, "example %d", i)
			}
			acc.add(gs)
		}
		return acc.list(), nil
	}

	dKernel := mat.NewDense(b.cfg.Encoder.HiddenSize, b.numTags, nil)
	dBias := mat.NewDense(1, b.numTags, nil)
	for i := 0; i < n; i++ {
		var dk mat.Dense
		dk.Mul(droppedIn[i].T(), dLogits[i])
		dKernel.Add(dKernel, &dk)
		dBias.Add(dBias, nn.SumColumns(dLogits[i]))
	}
	return []checkpoint.Gradient{
		{Var: b.projKernel, Grad: dKernel},
		{Var: b.projBias, Grad: dBias},
	}, nil
}

// gradAccumulator sums per-example gradient lists by variable, preserving
// first-seen order.
type gradAccumulator struct {
	order []*checkpoint.Variable
	sums  map[string]*mat.Dense
}

func (a *gradAccumulator) add(gs []checkpoint.Gradient) {
	for _, g := range gs {
		if sum, ok := a.sums[g.Var.Name]; ok {
			sum.Add(sum, g.Grad)
		} else {
			a.sums[g.Var.Name] = g.Grad
			a.order = append(a.order, g.Var)
		}
	}
}

func (a *gradAccumulator) list() []checkpoint.Gradient {
	out := make([]checkpoint.Gradient, len(a.order))
	for i, v := range a.order {
		out[i] = checkpoint.Gradient{Var: v, Grad: a.sums[v.Name]}
	}
	return out
}

// checkBatch validates the rectangular batch shape and returns the common
// sequence length.
func (b *Builder) checkBatch(batch Batch) (int, error) {
	n := len(batch.InputIDs)
	if n == 0 {
		return 0, errors.Wrapf(ErrShape, "empty batch")
	}
	if len(batch.InputMask) != n || len(batch.SegmentIDs) != n {
		return 0, errors.Wrapf(ErrShape, "batch sizes disagree: %d input ids, %d masks, %d segment ids",
			n, len(batch.InputMask), len(batch.SegmentIDs))
	}
	seqLen := len(batch.InputIDs[0])
	if seqLen == 0 {
		return 0, errors.Wrapf(ErrShape, "empty sequence in batch")
	}
	if seqLen > b.maxLen {
		return 0, errors.Wrapf(ErrShape, "sequence length %d exceeds max %d", seqLen, b.maxLen)
	}
	for i := 0; i < n; i++ {
		if len(batch.InputIDs[i]) != seqLen || len(batch.InputMask[i]) != seqLen || len(batch.SegmentIDs[i]) != seqLen {
			return 0, errors.Wrapf(ErrShape, "example %d: sequences of lengths %d/%d/%d, want %d",
				i, len(batch.InputIDs[i]), len(batch.InputMask[i]), len(batch.SegmentIDs[i]), seqLen)
		}
	}
	return seqLen, nil
}

func (b *Builder) checkLabeled(batch LabeledBatch) (int, error) {
	seqLen, err := b.checkBatch(batch.Batch)
	if err != nil {
		return 0, err
	}
	n := len(batch.InputIDs)
	if len(batch.Labels) != n || len(batch.LabelsMask) != n {
		return 0, errors.Wrapf(ErrShape, "batch sizes disagree: %d input ids, %d labels, %d label masks",
			n, len(batch.Labels), len(batch.LabelsMask))
	}
	for i := 0; i < n; i++ {
		if len(batch.Labels[i]) != seqLen || len(batch.LabelsMask[i]) != seqLen {
			return 0, errors.Wrapf(ErrShape, "example %d: %d labels, %d mask entries, want %d",
				i, len(batch.Labels[i]), len(batch.LabelsMask[i]), seqLen)
		}
		for t, label := range batch.Labels[i] {
			if label < 0 || label >= b.numTags {
				return 0, errors.Wrapf(ErrShape, "example %d position %d: label %d outside [0, %d)",
					i, t, label, b.numTags)
			}
		}
	}
	return seqLen, nil
}
