package detection

import (
	"context"
	"math/rand/v2"
	"sync"

	"attendscan/internal/model"
)

// DefaultProbability is the per-tick chance that a simulated detection succeeds.
const DefaultProbability = 0.4

// Detector decides whether the targeted student was recognized on this tick.
// A false result is a normal outcome, not an error.
type Detector interface {
	Attempt(ctx context.Context, target model.Student) bool
}

// Float64Source yields uniform draws in [0, 1).
type Float64Source interface {
	Float64() float64
}

// Simulator succeeds when a uniform draw falls below Probability.
// It never looks at the target; the camera feed is decorative.
type Simulator struct {
	Probability float64

	mu   sync.Mutex
	rand Float64Source
}

// NewSimulator returns a simulator using src for draws. A nil src uses an unseeded generator.
func NewSimulator(probability float64, src Float64Source) *Simulator {
	if src == nil {
		src = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Simulator{Probability: probability, rand: src}
}

// Attempt performs one Bernoulli trial.
func (s *Simulator) Attempt(_ context.Context, _ model.Student) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rand.Float64() < s.Probability
}

// Fixed always returns the same outcome and counts how often it was asked.
type Fixed struct {
	Outcome bool

	mu    sync.Mutex
	calls int
}

// Always returns a detector with a fixed outcome.
func Always(outcome bool) *Fixed {
	return &Fixed{Outcome: outcome}
}

// Attempt returns the fixed outcome.
func (f *Fixed) Attempt(_ context.Context, _ model.Student) bool {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.Outcome
}

// Calls returns the number of attempts made so far.
func (f *Fixed) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
