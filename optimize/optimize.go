// Package optimize implements the training update: AdamW in the BERT
// variant, which applies decoupled weight decay to a filtered set of
// parameters and, unlike textbook Adam, performs no bias correction of the
// moment estimates. Learning rates follow a linear warmup then linear decay
// schedule.
package optimize

import (
	"math"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/gomlx/lasertagger/checkpoint"
)

// Schedule is a linear warmup followed by a linear decay to zero. During
// warmup the rate ramps from 0 to LearningRate; afterwards it decays so it
// reaches 0 at TotalSteps. A zero TotalSteps disables decay, a zero
// WarmupSteps disables warmup.
type Schedule struct {
	LearningRate float64
	WarmupSteps  int
	TotalSteps   int
}

// Validate checks the schedule parameters.
func (s Schedule) Validate() error {
	switch {
	case s.LearningRate <= 0:
		return errors.Errorf("learning rate must be positive, got %g", s.LearningRate)
	case s.WarmupSteps < 0:
		return errors.Errorf("warmup steps must not be negative, got %d", s.WarmupSteps)
	case s.TotalSteps < 0:
		return errors.Errorf("total steps must not be negative, got %d", s.TotalSteps)
	case s.TotalSteps > 0 && s.WarmupSteps > s.TotalSteps:
		return errors.Errorf("warmup %d exceeds total steps %d", s.WarmupSteps, s.TotalSteps)
	}
	return nil
}

// At returns the learning rate for a 0-based step. Warmup overrides decay,
// matching the reference schedule: the first step of a warmed-up run trains
// at rate 0.
func (s Schedule) At(step int) float64 {
	if s.WarmupSteps > 0 && step < s.WarmupSteps {
		return s.LearningRate * float64(step) / float64(s.WarmupSteps)
	}
	if s.TotalSteps > 0 {
		if step >= s.TotalSteps {
			return 0
		}
		return s.LearningRate * (1 - float64(step)/float64(s.TotalSteps))
	}
	return s.LearningRate
}

// DefaultNoDecay lists the name fragments excluded from weight decay:
// normalization parameters and biases.
func DefaultNoDecay() []string {
	return []string{"LayerNorm", "layer_norm", "output_norm", "bias"}
}

// AdamW holds the optimizer configuration and per-variable moment state.
// State is keyed by variable name, so one AdamW instance must stay paired
// with one variable store.
type AdamW struct {
	Schedule    Schedule
	Beta1       float64
	Beta2       float64
	Epsilon     float64
	WeightDecay float64
	// ClipNorm rescales the whole gradient set when its global L2 norm
	// exceeds this value. Zero disables clipping.
	ClipNorm float64
	// NoDecay fragments exempt a variable from weight decay when they occur
	// in its name.
	NoDecay []string

	step int
	m    map[string]*mat.Dense
	v    map[string]*mat.Dense
}

// NewAdamW returns an optimizer with the reference defaults: β1 0.9, β2
// 0.999, ε 1e-6, weight decay 0.01, clip norm 1.0.
func NewAdamW(schedule Schedule) *AdamW {
	return &AdamW{
		Schedule:    schedule,
		Beta1:       0.9,
		Beta2:       0.999,
		Epsilon:     1e-6,
		WeightDecay: 0.01,
		ClipNorm:    1.0,
		NoDecay:     DefaultNoDecay(),
		m:           make(map[string]*mat.Dense),
		v:           make(map[string]*mat.Dense),
	}
}

// Step returns the number of updates applied so far.
func (a *AdamW) Step() int { return a.step }

// Stats describes one applied update.
type Stats struct {
	// Step is the 0-based step the update was computed at.
	Step int
	// LearningRate is the scheduled rate used.
	LearningRate float64
	// GradNorm is the global gradient norm before clipping.
	GradNorm float64
}

// Apply performs one in-place parameter update from the given gradients.
// Every gradient must belong to a trainable variable and match its shape.
func (a *AdamW) Apply(grads []checkpoint.Gradient) (Stats, error) {
	if len(grads) == 0 {
		return Stats{}, errors.New("no gradients to apply")
	}
	sumSq := 0.0
	for _, g := range grads {
		if g.Var == nil || g.Grad == nil {
			return Stats{}, errors.New("nil gradient entry")
		}
		if !g.Var.Trainable {
			return Stats{}, errors.Errorf("gradient for frozen variable %q", g.Var.Name)
		}
		vr, vc := g.Var.Value.Dims()
		gr, gc := g.Grad.Dims()
		if vr != gr || vc != gc {
			return Stats{}, errors.Errorf("gradient shape [%d, %d] does not match variable %q [%d, %d]",
				gr, gc, g.Var.Name, vr, vc)
		}
		for i := 0; i < gr; i++ {
			for j := 0; j < gc; j++ {
				val := g.Grad.At(i, j)
				sumSq += val * val
			}
		}
	}
	norm := math.Sqrt(sumSq)
	clipScale := 1.0
	if a.ClipNorm > 0 && norm > a.ClipNorm {
		clipScale = a.ClipNorm / norm
	}

	lr := a.Schedule.At(a.step)
	for _, g := range grads {
		rows, cols := g.Var.Value.Dims()
		mState, ok := a.m[g.Var.Name]
		if !ok {
			mState = mat.NewDense(rows, cols, nil)
			a.m[g.Var.Name] = mState
		}
		vState, ok := a.v[g.Var.Name]
		if !ok {
			vState = mat.NewDense(rows, cols, nil)
			a.v[g.Var.Name] = vState
		}
		decay := a.WeightDecay
		if a.exemptFromDecay(g.Var.Name) {
			decay = 0
		}
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				grad := g.Grad.At(i, j) * clipScale
				mNext := a.Beta1*mState.At(i, j) + (1-a.Beta1)*grad
				vNext := a.Beta2*vState.At(i, j) + (1-a.Beta2)*grad*grad
				mState.Set(i, j, mNext)
				vState.Set(i, j, vNext)

				update := mNext / (math.Sqrt(vNext) + a.Epsilon)
				if decay != 0 {
					update += decay * g.Var.Value.At(i, j)
				}
				g.Var.Value.Set(i, j, g.Var.Value.At(i, j)-lr*update)
			}
		}
	}
	stats := Stats{Step: a.step, LearningRate: lr, GradNorm: norm}
	a.step++
	return stats, nil
}

func (a *AdamW) exemptFromDecay(name string) bool {
	for _, fragment := range a.NoDecay {
		if strings.Contains(name, fragment) {
			return true
		}
	}
	return false
}
