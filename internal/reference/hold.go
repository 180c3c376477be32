package reference

import (
	"fmt"

	"botop/internal/channel"
)

type holdSetting struct {
	pos []float64
	vel []float64
}

func (h holdSetting) Clone() holdSetting {
	return holdSetting{pos: clone(h.pos), vel: clone(h.vel)}
}

// Hold returns a fixed position and velocity setting. It is used for safety
// holds and free floating.
//
// The velocity setting has three forms: empty (no damping term at all), a
// single scalar a (reference velocity a*qDot, so [0] damps toward rest and
// [1] only compensates friction) or a full vector used as is.
type Hold struct {
	setting *channel.Var[holdSetting]
}

// NewHold returns a Hold with the given position and velocity settings.
func NewHold(pos, vel []float64) *Hold {
	return &Hold{setting: channel.New(holdSetting{pos: clone(pos), vel: clone(vel)})}
}

// SetPosition replaces the stored position. Empty means no position term.
func (h *Hold) SetPosition(pos []float64) {
	h.setting.Update(func(s *holdSetting) { s.pos = clone(pos) })
}

// SetVelocity replaces the stored velocity setting.
func (h *Hold) SetVelocity(vel []float64) {
	h.setting.Update(func(s *holdSetting) { s.vel = clone(vel) })
}

// Set replaces position and velocity in one publish.
func (h *Hold) Set(pos, vel []float64) {
	h.setting.Update(func(s *holdSetting) {
		s.pos = clone(pos)
		s.vel = clone(vel)
	})
}

// Position returns the stored position, nil when absent.
func (h *Hold) Position() []float64 {
	return h.setting.Get().pos
}

// Velocity returns the stored velocity setting, nil when absent.
func (h *Hold) Velocity() []float64 {
	return h.setting.Get().vel
}

// Reference implements Feed. Acceleration is always absent.
func (h *Hold) Reference(_ float64, _, qDot []float64) (Triple, error) {
	s := h.setting.Get()
	var out Triple
	if len(s.pos) > 0 {
		out.Pos = s.pos
	}
	switch {
	case len(s.vel) == 0:
	case len(s.vel) == 1:
		a := s.vel[0]
		if a < 0 || a > 1 {
			return Triple{}, fmt.Errorf("velocity damping fraction %.3f outside [0,1]", a)
		}
		out.Vel = make([]float64, len(qDot))
		for i, v := range qDot {
			out.Vel[i] = a * v
		}
	default:
		out.Vel = s.vel
	}
	return out, nil
}
