// Package reference implements the motion references sampled by the actuator
// loops every tick.
package reference

import (
	"github.com/pkg/errors"
)

// Feed produces the reference a loop should track at a given control time.
type Feed interface {
	Reference(time float64, q, qDot []float64) (Triple, error)
}

// Triple is a desired position, velocity and acceleration. A nil or empty
// term is absent, which means the loop applies no gain of that kind. Absent
// is not the same as zero.
type Triple struct {
	Pos []float64
	Vel []float64
	Acc []float64
}

// HasPos reports whether a position term is present.
func (tr Triple) HasPos() bool { return len(tr.Pos) > 0 }

// HasVel reports whether a velocity term is present.
func (tr Triple) HasVel() bool { return len(tr.Vel) > 0 }

// HasAcc reports whether an acceleration term is present.
func (tr Triple) HasAcc() bool { return len(tr.Acc) > 0 }

// ErrInvalidPath is returned for mismatched or badly timed waypoints.
var ErrInvalidPath = errors.New("invalid path")

func clone(v []float64) []float64 {
	if v == nil {
		return nil
	}
	return append([]float64{}, v...)
}
