package reference

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/interp"

	"botop/internal/channel"
)

// derivative step used for the acceleration term
const accStep = 1e-5

type knot struct {
	t    float64
	q, v []float64
}

// knotSet is replaced as a whole on every edit. Knots and fits are never
// mutated after a publish, so Clone only copies the slices that hold them.
type knotSet struct {
	knots []knot
	fits  []*interp.PiecewiseCubic
}

func (k knotSet) Clone() knotSet {
	return knotSet{
		knots: append([]knot(nil), k.knots...),
		fits:  append([]*interp.PiecewiseCubic(nil), k.fits...),
	}
}

func (k *knotSet) refit() {
	k.fits = nil
	if len(k.knots) < 2 {
		return
	}
	dof := len(k.knots[0].q)
	xs := make([]float64, len(k.knots))
	for i, kn := range k.knots {
		xs[i] = kn.t
	}
	k.fits = make([]*interp.PiecewiseCubic, dof)
	for d := 0; d < dof; d++ {
		ys := make([]float64, len(k.knots))
		dydxs := make([]float64, len(k.knots))
		for i, kn := range k.knots {
			ys[i] = kn.q[d]
			dydxs[i] = kn.v[d]
		}
		pc := &interp.PiecewiseCubic{}
		pc.FitWithDerivatives(xs, ys, dydxs)
		k.fits[d] = pc
	}
}

func (k knotSet) end() float64 {
	return k.knots[len(k.knots)-1].t
}

func (k knotSet) eval(t float64) (pos, vel, acc []float64) {
	first, last := k.knots[0], k.knots[len(k.knots)-1]
	dof := len(first.q)
	if len(k.knots) == 1 || t <= first.t {
		return clone(first.q), make([]float64, dof), make([]float64, dof)
	}
	if t == last.t {
		return clone(last.q), clone(last.v), make([]float64, dof)
	}
	if t > last.t {
		return clone(last.q), make([]float64, dof), make([]float64, dof)
	}

	lo := math.Max(first.t, t-accStep)
	hi := math.Min(last.t, t+accStep)
	pos = make([]float64, dof)
	vel = make([]float64, dof)
	acc = make([]float64, dof)
	for d, pc := range k.fits {
		pos[d] = pc.Predict(t)
		vel[d] = pc.PredictDerivative(t)
		acc[d] = (pc.PredictDerivative(hi) - pc.PredictDerivative(lo)) / (hi - lo)
	}
	return pos, vel, acc
}

// Spline is a time-indexed Hermite path of waypoints. The orchestrator edits
// it while a loop samples it; edits are published atomically.
type Spline struct {
	dof   int
	knots *channel.Var[knotSet]
}

// NewSpline returns a spline resting at q0 from time t0 on.
func NewSpline(q0 []float64, t0 float64) *Spline {
	ks := knotSet{knots: []knot{{t: t0, q: clone(q0), v: make([]float64, len(q0))}}}
	return &Spline{dof: len(q0), knots: channel.New(ks)}
}

// DOF returns the dimension of every waypoint.
func (s *Spline) DOF() int { return s.dof }

// EndTime returns the time of the last waypoint.
func (s *Spline) EndTime() float64 {
	return s.knots.Get().end()
}

// Eval samples position, velocity and acceleration at time t.
func (s *Spline) Eval(t float64) (pos, vel, acc []float64) {
	return s.knots.Get().eval(t)
}

// Reference implements Feed. All three terms are present.
func (s *Spline) Reference(time float64, _, _ []float64) (Triple, error) {
	pos, vel, acc := s.Eval(time)
	return Triple{Pos: pos, Vel: vel, Acc: acc}, nil
}

// Append adds a tail after the current motion. times are offsets from the
// later of the current end time and fromTime. A finished motion is first
// collapsed to a resting waypoint at fromTime.
func (s *Spline) Append(path, vels [][]float64, times []float64, fromTime float64) error {
	if err := s.validate(path, vels, times); err != nil {
		return err
	}
	acc := s.knots.Set()
	defer acc.Discard()
	ks := acc.Value
	start := ks.end()
	if fromTime > start {
		last := ks.knots[len(ks.knots)-1]
		ks.knots = []knot{{t: fromTime, q: clone(last.q), v: make([]float64, s.dof)}}
		start = fromTime
	}
	knots, err := appendKnots(ks.knots, path, vels, times, start)
	if err != nil {
		return err
	}
	ks.knots = knots
	ks.refit()
	acc.Value = ks
	acc.Release()
	return nil
}

// Override discards everything at or after fromTime and continues with the
// given tail, timed from fromTime. The caller should start the tail close to
// the spline's own state at fromTime to avoid a torque jump.
func (s *Spline) Override(path, vels [][]float64, times []float64, fromTime float64) error {
	if err := s.validate(path, vels, times); err != nil {
		return err
	}
	acc := s.knots.Set()
	defer acc.Discard()
	ks := acc.Value
	if first := ks.knots[0].t; fromTime < first {
		fromTime = first
	}
	q0, v0, _ := ks.eval(fromTime)
	if fromTime > ks.end() {
		v0 = make([]float64, s.dof)
	}
	kept := make([]knot, 0, len(ks.knots)+len(path)+1)
	for _, kn := range ks.knots {
		if kn.t >= fromTime {
			break
		}
		kept = append(kept, kn)
	}
	kept = append(kept, knot{t: fromTime, q: q0, v: v0})
	knots, err := appendKnots(kept, path, vels, times, fromTime)
	if err != nil {
		return err
	}
	ks.knots = knots
	ks.refit()
	acc.Value = ks
	acc.Release()
	return nil
}

// MoveTo is a single target move that comes to rest after duration.
func (s *Spline) MoveTo(target []float64, duration, fromTime float64, appendMode bool) error {
	path := [][]float64{target}
	vels := [][]float64{make([]float64, len(target))}
	times := []float64{duration}
	if appendMode {
		return s.Append(path, vels, times, fromTime)
	}
	return s.Override(path, vels, times, fromTime)
}

// appendKnots places the waypoints at start+times. Offsets that are too small
// to separate knots at this absolute time are rejected.
func appendKnots(knots []knot, path, vels [][]float64, times []float64, start float64) ([]knot, error) {
	prev := knots[len(knots)-1].t
	for i := range path {
		t := start + times[i]
		if !(t > prev) {
			return nil, errors.Wrapf(ErrInvalidPath, "time %d (%.4g) does not advance past %.17g at %.17g", i, times[i], prev, start)
		}
		knots = append(knots, knot{t: t, q: clone(path[i]), v: clone(vels[i])})
		prev = t
	}
	return knots, nil
}

func (s *Spline) validate(path, vels [][]float64, times []float64) error {
	if len(path) == 0 {
		return errors.Wrap(ErrInvalidPath, "empty path")
	}
	if len(vels) != len(path) || len(times) != len(path) {
		return errors.Wrapf(ErrInvalidPath, "path has %d waypoints, %d velocities, %d times", len(path), len(vels), len(times))
	}
	prev := 0.0
	for i := range path {
		if len(path[i]) != s.dof || len(vels[i]) != s.dof {
			return errors.Wrapf(ErrInvalidPath, "waypoint %d has dimension %d/%d, expected %d", i, len(path[i]), len(vels[i]), s.dof)
		}
		if !finite(path[i]) || !finite(vels[i]) {
			return errors.Wrapf(ErrInvalidPath, "waypoint %d is not finite", i)
		}
		if math.IsInf(times[i], 0) || !(times[i] > prev) {
			return errors.Wrapf(ErrInvalidPath, "time %d (%.4f) must be greater than %.4f", i, times[i], prev)
		}
		prev = times[i]
	}
	return nil
}

func finite(v []float64) bool {
	if floats.HasNaN(v) {
		return false
	}
	for _, x := range v {
		if math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
