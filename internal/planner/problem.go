// Package planner keeps a short receding optimization window synchronized
// with the robot's live state and turns its solutions into executable path
// segments.
package planner

import (
	"context"

	"github.com/pkg/errors"
)

// Feasibility thresholds on the optimizer residuals.
const (
	MaxSOS  = 50.
	MaxIneq = .1
	MaxEq   = .1
)

var (
	// ErrInfeasible is returned by Prefix when the last solve was rejected.
	ErrInfeasible = errors.New("last solution is infeasible")
	// ErrTimingFailed reports that the timing sub-problem did not converge.
	// Callers must fall back to explicit timing.
	ErrTimingFailed = errors.New("timing optimization failed")
)

// Residuals are the three scalars an optimizer reports for a solution:
// smooth cost, total inequality violation and total equality violation.
type Residuals struct {
	SOS  float64
	Ineq float64
	Eq   float64
}

// Feasible accepts a solution iff all residuals are below their thresholds.
func Feasible(r Residuals) bool {
	return r.SOS < MaxSOS && r.Ineq < MaxIneq && r.Eq < MaxEq
}

// Verdict is the outcome of one solve.
type Verdict struct {
	Residuals
	Feasible bool
	// ConstraintSlice is the slice the goal was attached to.
	ConstraintSlice int
}

// Path is a sequence of configurations with per-step durations. Vel is
// filled for executable prefixes.
type Path struct {
	Q   [][]float64
	Vel [][]float64
	Tau []float64
}

// Len returns the number of configurations.
func (p Path) Len() int { return len(p.Q) }

// Times returns the cumulative times of the configurations, measured from
// the start of the path.
func (p Path) Times() []float64 {
	out := make([]float64, len(p.Tau))
	t := 0.
	for i, tau := range p.Tau {
		t += tau
		out[i] = t
	}
	return out
}

// Problem is the discretized multi-slice problem handed to an Optimizer.
type Problem struct {
	// K is the number of optimized slices, Order the number of trailing
	// history slices.
	K     int
	Order int
	Tau   float64
	// History holds Order configurations preceding slice 0, oldest first.
	History [][]float64
	// Init is the initial guess for all K slices.
	Init [][]float64

	ConstraintSlice int
	Goal            []float64
	// StopAtGoal adds a zero velocity equality between the constraint slice
	// and the next one.
	StopAtGoal bool

	// Lower and Upper are optional joint limits.
	Lower, Upper []float64

	// Home adds a small sum of squares pull towards a rest posture.
	Home       []float64
	HomeWeight float64

	// Exploration noise added to Init before solving.
	Noise float64

	PosTol  float64
	GradTol float64
}

// Result is the optimizer's answer.
type Result struct {
	Path      Path
	Residuals Residuals
}

// Optimizer solves a window problem. It may be invoked repeatedly and must
// tolerate re-initialization between calls.
type Optimizer interface {
	Solve(ctx context.Context, p Problem) (Result, error)
}
