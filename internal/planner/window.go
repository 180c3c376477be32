package planner

import (
	"context"
	"fmt"
	"math"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// Window defaults.
const (
	DefaultK    = 10
	DefaultTau  = .1
	DefaultTol  = 1e-4
	historySize = 2
)

// WindowConfig parameterizes a Window.
type WindowConfig struct {
	K   int     `json:"k,omitempty" yaml:"k"`
	Tau float64 `json:"tau,omitempty" yaml:"tau"`
	// StopAtGoal requires zero velocity after the constraint slice.
	StopAtGoal bool      `json:"stop_at_goal,omitempty" yaml:"stop_at_goal"`
	Lower      []float64 `json:"lower,omitempty" yaml:"lower"`
	Upper      []float64 `json:"upper,omitempty" yaml:"upper"`
	HomeWeight float64   `json:"home_weight,omitempty" yaml:"home_weight"`
}

// Window is a fixed length optimization window at a fixed step. Its first
// slice tracks the live state; its constraint slice slides with the time left
// until the goal.
type Window struct {
	k      int
	tau    float64
	dof    int
	cfg    WindowConfig
	home   []float64
	opt    Optimizer
	logger logging.Logger

	slice   int
	history [][]float64
	guess   [][]float64
	goal    []float64

	solution Path
	verdict  Verdict
	solved   bool
}

// NewWindow returns a window resting at q0 with the goal at q0. q0 is also
// the home posture the optional home term pulls towards.
func NewWindow(q0 []float64, cfg WindowConfig, opt Optimizer, logger logging.Logger) (*Window, error) {
	if cfg.K == 0 {
		cfg.K = DefaultK
	}
	if cfg.Tau == 0 {
		cfg.Tau = DefaultTau
	}
	if cfg.K < 4 {
		return nil, fmt.Errorf("window needs at least 4 slices, got %d", cfg.K)
	}
	if cfg.Tau < 0 {
		return nil, fmt.Errorf("negative window step %v", cfg.Tau)
	}
	if len(q0) == 0 {
		return nil, errors.New("window needs a start configuration")
	}
	if opt == nil {
		opt = NewPenaltySolver()
	}
	w := &Window{
		k:      cfg.K,
		tau:    cfg.Tau,
		dof:    len(q0),
		cfg:    cfg,
		home:   append([]float64(nil), q0...),
		opt:    opt,
		logger: logger,
		slice:  cfg.K - 2,
		goal:   append([]float64(nil), q0...),
	}
	w.history = make([][]float64, historySize)
	for i := range w.history {
		w.history[i] = append([]float64(nil), q0...)
	}
	w.guess = make([][]float64, cfg.K)
	for i := range w.guess {
		w.guess[i] = append([]float64(nil), q0...)
	}
	return w, nil
}

// K returns the number of slices.
func (w *Window) K() int { return w.k }

// Tau returns the fixed step.
func (w *Window) Tau() float64 { return w.tau }

// ConstraintSlice returns the slice the goal is attached to.
func (w *Window) ConstraintSlice() int { return w.slice }

// SetGoal moves the goal the constraint slice must reach.
func (w *Window) SetGoal(goal []float64) error {
	if len(goal) != w.dof {
		return fmt.Errorf("goal has %d joints, window has %d", len(goal), w.dof)
	}
	w.goal = append(w.goal[:0], goal...)
	return nil
}

// Goal returns a copy of the current goal.
func (w *Window) Goal() []float64 { return append([]float64(nil), w.goal...) }

// Rehome attaches the goal to slice floor(timeToConstraint/tau), clamped to
// [2, K-2]. The step itself never changes.
func (w *Window) Rehome(timeToConstraint float64) int {
	s := 2
	if f := math.Floor(timeToConstraint / w.tau); f > 2 {
		s = int(min(f, float64(w.k-2)))
	}
	w.slice = min(s, w.k-2)
	return w.slice
}

// Reinit overwrites the trailing history from the real position x and
// velocity v so that the next solve extrapolates forward from now. Slice 0
// of the guess is reset to x; later slices keep the previous solution.
func (w *Window) Reinit(x, v []float64) error {
	if len(x) != w.dof || len(v) != w.dof {
		return fmt.Errorf("reinit with %d positions and %d velocities for %d joints", len(x), len(v), w.dof)
	}
	prev := w.history[0]
	for j := range x {
		prev[j] = x[j] - w.tau*v[j]
	}
	copy(w.history[1], x)
	copy(w.guess[0], x)
	return nil
}

// History returns copies of x(-2) and x(-1).
func (w *Window) History() [][]float64 {
	out := make([][]float64, len(w.history))
	for i, h := range w.history {
		out[i] = append([]float64(nil), h...)
	}
	return out
}

// Guess returns a copy of the initial guess of the next solve.
func (w *Window) Guess() [][]float64 {
	out := make([][]float64, len(w.guess))
	for i, g := range w.guess {
		out[i] = append([]float64(nil), g...)
	}
	return out
}

// Problem builds the optimizer input for the current window.
func (w *Window) Problem() Problem {
	p := Problem{
		K:               w.k,
		Order:           historySize,
		Tau:             w.tau,
		History:         w.History(),
		Init:            w.Guess(),
		ConstraintSlice: w.slice,
		Goal:            w.Goal(),
		StopAtGoal:      w.cfg.StopAtGoal,
		Lower:           w.cfg.Lower,
		Upper:           w.cfg.Upper,
		PosTol:          DefaultTol,
		GradTol:         DefaultTol,
	}
	if w.cfg.HomeWeight > 0 {
		p.Home = append([]float64(nil), w.home...)
		p.HomeWeight = w.cfg.HomeWeight
	}
	return p
}

// Solve runs the optimizer and records the verdict. The solution warm starts
// the next solve whether or not it was accepted.
func (w *Window) Solve(ctx context.Context) (Verdict, error) {
	res, err := w.opt.Solve(ctx, w.Problem())
	if err != nil {
		w.solved = false
		return Verdict{}, errors.Wrap(err, "window solve")
	}
	if len(res.Path.Q) != w.k {
		w.solved = false
		return Verdict{}, fmt.Errorf("optimizer returned %d slices for a window of %d", len(res.Path.Q), w.k)
	}
	w.verdict = Verdict{Residuals: res.Residuals, Feasible: Feasible(res.Residuals), ConstraintSlice: w.slice}
	w.solution = res.Path
	w.solved = true
	for t, q := range res.Path.Q {
		copy(w.guess[t], q)
	}
	if w.logger != nil {
		w.logger.Debugf("window solve feasible=%t sos=%.3g ineq=%.3g eq=%.3g slice=%d",
			w.verdict.Feasible, w.verdict.SOS, w.verdict.Ineq, w.verdict.Eq, w.slice)
	}
	return w.verdict, nil
}

// Verdict returns the verdict of the last solve.
func (w *Window) Verdict() Verdict { return w.verdict }

// Prefix returns the executable part of the last solution: slices 0 up to
// and including the constraint slice, their step durations and finite
// difference velocities. It returns ErrInfeasible, and an empty path, when
// the last solve was rejected.
func (w *Window) Prefix() (Path, error) {
	if !w.solved || !w.verdict.Feasible {
		return Path{}, ErrInfeasible
	}
	c := w.verdict.ConstraintSlice
	q := w.solution.Q
	out := Path{
		Q:   make([][]float64, c+1),
		Vel: make([][]float64, c+1),
		Tau: make([]float64, c+1),
	}
	for t := 0; t <= c; t++ {
		out.Q[t] = append([]float64(nil), q[t]...)
		out.Tau[t] = w.tau
		if w.solution.Tau != nil && t < len(w.solution.Tau) && w.solution.Tau[t] > 0 {
			out.Tau[t] = w.solution.Tau[t]
		}

		before := w.history[historySize-1]
		if t > 0 {
			before = q[t-1]
		}
		v := make([]float64, w.dof)
		switch {
		case t == c && w.cfg.StopAtGoal:
		case t+1 < len(q):
			for j := range v {
				v[j] = (q[t+1][j] - before[j]) / (2 * w.tau)
			}
		default:
			for j := range v {
				v[j] = (q[t][j] - before[j]) / w.tau
			}
		}
		out.Vel[t] = v
	}
	return out, nil
}
