// Package control defines the command and state records exchanged between the
// actuator loops, the planner and the orchestrator.
package control

import (
	"fmt"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"botop/internal/reference"
)

// Mode selects how a loop turns a reference into torques.
type Mode int

const (
	// ModeReference tracks position/velocity references with Kp/Kd gains.
	ModeReference Mode = iota
	// ModeProjectedAcc uses mass-weighted gains supplied by the command.
	ModeProjectedAcc
)

func (m Mode) String() string {
	switch m {
	case ModeReference:
		return "reference"
	case ModeProjectedAcc:
		return "projected_acc"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode is the inverse of Mode.String.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "reference":
		return ModeReference, nil
	case "projected_acc":
		return ModeProjectedAcc, nil
	default:
		return 0, fmt.Errorf("unknown control mode %q", s)
	}
}

// ErrDimension marks a gain, projector or reference whose size does not match
// the system's degrees of freedom.
var ErrDimension = errors.New("dimension mismatch")

// Command is written by the orchestrator and read by every loop each tick.
type Command struct {
	Mode Mode
	// Kp and Kd override the loop's default gains when set.
	Kp, Kd *mat.Dense
	// P is the optional compliance projector.
	P *mat.Dense
	// Ref is shared with the loops, which only read through it.
	Ref reference.Feed
}

// Clone copies the matrices. The feed handle is shared on purpose: the feed
// guards its own buffers.
func (c Command) Clone() Command {
	out := Command{Mode: c.Mode, Ref: c.Ref}
	if c.Kp != nil {
		out.Kp = mat.DenseCopyOf(c.Kp)
	}
	if c.Kd != nil {
		out.Kd = mat.DenseCopyOf(c.Kd)
	}
	if c.P != nil {
		out.P = mat.DenseCopyOf(c.P)
	}
	return out
}

// Validate checks that every matrix present is square with dof rows.
func (c Command) Validate(dof int) error {
	for _, m := range []struct {
		name string
		m    *mat.Dense
	}{{"Kp", c.Kp}, {"Kd", c.Kd}, {"P", c.P}} {
		if m.m == nil {
			continue
		}
		if err := CheckSquare(m.m, dof); err != nil {
			return errors.Wrapf(err, "%s", m.name)
		}
	}
	return nil
}

// CheckSquare returns ErrDimension unless m is dof x dof.
func CheckSquare(m mat.Matrix, dof int) error {
	r, cols := m.Dims()
	if r != cols {
		return fmt.Errorf("matrix is %dx%d, not square: %w", r, cols, ErrDimension)
	}
	if r != dof {
		return fmt.Errorf("matrix is %dx%d, expected %dx%d: %w", r, cols, dof, dof, ErrDimension)
	}
	return nil
}

// State is produced exclusively by the actuator loops.
type State struct {
	Q           []float64
	QDot        []float64
	TauExternal []float64
	// Time is the control time. It never decreases.
	Time float64
	// Stall counts lead ticks during which Time must not advance.
	Stall int
}

// NewState returns a zero state sized for dof degrees of freedom.
func NewState(dof int) State {
	return State{
		Q:           make([]float64, dof),
		QDot:        make([]float64, dof),
		TauExternal: make([]float64, dof),
	}
}

// Clone returns a deep copy.
func (s State) Clone() State {
	return State{
		Q:           append([]float64(nil), s.Q...),
		QDot:        append([]float64(nil), s.QDot...),
		TauExternal: append([]float64(nil), s.TauExternal...),
		Time:        s.Time,
		Stall:       s.Stall,
	}
}

// Ensure grows the vectors so that index maxIdx is addressable.
func (s *State) Ensure(maxIdx int) {
	for len(s.Q) <= maxIdx {
		s.Q = append(s.Q, 0)
	}
	for len(s.QDot) <= maxIdx {
		s.QDot = append(s.QDot, 0)
	}
	for len(s.TauExternal) <= maxIdx {
		s.TauExternal = append(s.TauExternal, 0)
	}
}
