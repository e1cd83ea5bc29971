// Package checkpoint owns the model parameters: a store of named matrix
// variables, safetensors snapshots of them on disk, and the warm-start
// machinery that restores matching variables from a previous snapshot
// through a name assignment map.
package checkpoint

import (
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Variable is one named model parameter. Values are dense float64 matrices;
// vectors are stored as single-row matrices. Trainable marks parameters the
// optimizer may update (the pretrained encoder registers its weights as
// frozen).
type Variable struct {
	Name      string
	Value     *mat.Dense
	Trainable bool
}

// Shape returns the [rows, cols] dimensions of the variable.
func (v *Variable) Shape() []int {
	r, c := v.Value.Dims()
	return []int{r, c}
}

// NumElements returns the number of scalar parameters in the variable.
func (v *Variable) NumElements() int {
	r, c := v.Value.Dims()
	return r * c
}

// Gradient pairs a variable with the gradient of the loss with respect to
// it. A slice of Gradients is the material of one training update.
type Gradient struct {
	Var  *Variable
	Grad *mat.Dense
}

// Initializer fills a freshly registered variable.
type Initializer func(rows, cols int) *mat.Dense

// Zeros initializes a variable with zeros.
func Zeros() Initializer {
	return func(rows, cols int) *mat.Dense {
		return mat.NewDense(rows, cols, nil)
	}
}

// Ones initializes a variable with ones (layer-norm gains).
func Ones() Initializer {
	return func(rows, cols int) *mat.Dense {
		m := mat.NewDense(rows, cols, nil)
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				m.Set(i, j, 1.0)
			}
		}
		return m
	}
}

// TruncatedNormal initializes from a normal distribution with the given
// standard deviation, resampling any draw beyond two standard deviations.
func TruncatedNormal(stddev float64, rng *rand.Rand) Initializer {
	return func(rows, cols int) *mat.Dense {
		m := mat.NewDense(rows, cols, nil)
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				v := rng.NormFloat64() * stddev
				for v > 2*stddev || v < -2*stddev {
					v = rng.NormFloat64() * stddev
				}
				m.Set(i, j, v)
			}
		}
		return m
	}
}

// Store holds the variables of one model in registration order.
type Store struct {
	vars  map[string]*Variable
	order []string
}

// NewStore returns an empty variable store.
func NewStore() *Store {
	return &Store{vars: make(map[string]*Variable)}
}

// Register creates a variable. Registering the same name twice is an error.
func (s *Store) Register(name string, rows, cols int, trainable bool, init Initializer) (*Variable, error) {
	if _, exists := s.vars[name]; exists {
		return nil, errors.Errorf("variable %q already registered", name)
	}
	if rows <= 0 || cols <= 0 {
		return nil, errors.Errorf("variable %q has invalid shape [%d, %d]", name, rows, cols)
	}
	v := &Variable{Name: name, Value: init(rows, cols), Trainable: trainable}
	s.vars[name] = v
	s.order = append(s.order, name)
	return v, nil
}

// Get looks a variable up by name.
func (s *Store) Get(name string) (*Variable, bool) {
	v, ok := s.vars[name]
	return v, ok
}

// Len returns the number of registered variables.
func (s *Store) Len() int { return len(s.order) }

// Names returns the variable names in registration order.
func (s *Store) Names() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Variables returns an iterator over the variables in registration order.
func (s *Store) Variables() func(yield func(*Variable) bool) {
	return func(yield func(*Variable) bool) {
		for _, name := range s.order {
			if !yield(s.vars[name]) {
				return
			}
		}
	}
}

// Trainable returns the trainable variables in registration order.
func (s *Store) Trainable() []*Variable {
	var out []*Variable
	for _, name := range s.order {
		if v := s.vars[name]; v.Trainable {
			out = append(out, v)
		}
	}
	return out
}

// NumParams returns the total number of scalar parameters in the store.
func (s *Store) NumParams() int {
	total := 0
	for _, name := range s.order {
		total += s.vars[name].NumElements()
	}
	return total
}
