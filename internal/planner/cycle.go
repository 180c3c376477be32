package planner

import (
	"context"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"

	"botop/internal/control"
)

// Mover accepts executable path segments. Override anchors the segment at
// the current control time.
type Mover interface {
	Move(path, vels [][]float64, times []float64, override bool) (float64, error)
}

// StateSource provides state snapshots.
type StateSource interface {
	State() control.State
}

// Cycle is one receding horizon step: read state, re-home, re-initialize,
// solve and push the prefix. It runs on the caller's goroutine.
type Cycle struct {
	window *Window
	mover  Mover
	states StateSource
	// Indices picks the window's joints out of the system state. Empty
	// means the window covers the whole system.
	indices []int
	logger  logging.Logger

	failures int
}

// NewCycle ties a window to a mover and a state source.
func NewCycle(w *Window, mover Mover, states StateSource, indices []int, logger logging.Logger) *Cycle {
	return &Cycle{window: w, mover: mover, states: states, indices: indices, logger: logger}
}

// Window returns the underlying window.
func (c *Cycle) Window() *Window { return c.window }

// Failures returns the number of consecutive rejected solves.
func (c *Cycle) Failures() int { return c.failures }

// Step runs one cycle. A rejected solve is not an error: it is logged, the
// previously pushed segment stays active and the verdict is returned.
func (c *Cycle) Step(ctx context.Context, timeToConstraint float64) (Verdict, error) {
	st := c.states.State()
	x, v := c.pick(st.Q), c.pick(st.QDot)

	c.window.Rehome(timeToConstraint)
	if err := c.window.Reinit(x, v); err != nil {
		return Verdict{}, err
	}
	verdict, err := c.window.Solve(ctx)
	if err != nil {
		return Verdict{}, err
	}
	if !verdict.Feasible {
		c.failures++
		c.logger.Warnf("receding solve rejected (%d in a row): sos=%.3g ineq=%.3g eq=%.3g",
			c.failures, verdict.SOS, verdict.Ineq, verdict.Eq)
		return verdict, nil
	}
	c.failures = 0

	prefix, err := c.window.Prefix()
	if err != nil {
		return verdict, err
	}
	path, vels := prefix.Q, prefix.Vel
	if len(c.indices) > 0 {
		path, vels = c.scatter(st.Q, path), c.scatter(make([]float64, len(st.Q)), vels)
	}
	if _, err := c.mover.Move(path, vels, prefix.Times(), true); err != nil {
		return verdict, errors.Wrap(err, "push receding segment")
	}
	return verdict, nil
}

func (c *Cycle) pick(v []float64) []float64 {
	if len(c.indices) == 0 {
		return append([]float64(nil), v...)
	}
	out := make([]float64, len(c.indices))
	for i, idx := range c.indices {
		if idx < len(v) {
			out[i] = v[idx]
		}
	}
	return out
}

// scatter writes window rows into full system rows, filling the remaining
// joints from base.
func (c *Cycle) scatter(base []float64, rows [][]float64) [][]float64 {
	out := make([][]float64, len(rows))
	for t, r := range rows {
		full := append([]float64(nil), base...)
		for i, idx := range c.indices {
			full[idx] = r[i]
		}
		out[t] = full
	}
	return out
}
