package planner

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
)

// DefaultTimeCost weighs total duration against acceleration energy.
const DefaultTimeCost = 10.

const minSegment = .05

// TimingProblem describes a waypoint sequence whose velocities, and
// optionally durations, are to be chosen.
type TimingProblem struct {
	Waypoints [][]float64
	// Start position and velocity of the motion.
	Q0, V0 []float64
	// Durations fixes the segment durations when set. Otherwise they are
	// free variables.
	Durations []float64
	TimeCost  float64
	// Tangents overrides the central difference tangent estimates.
	Tangents [][]float64
}

// Timing is the answer of SolveTiming. Vels[i] is the velocity at waypoint
// i; the last one is zero. Durations[i] is the time from waypoint i-1 (the
// start for i == 0) to waypoint i.
type Timing struct {
	Vels      [][]float64
	Durations []float64
}

// Times returns the cumulative waypoint times.
func (t Timing) Times() []float64 {
	return Path{Tau: t.Durations}.Times()
}

// Tangents estimates normalized waypoint tangents by central differencing.
// The last waypoint has none since the motion comes to rest there.
func Tangents(q0 []float64, waypoints [][]float64) [][]float64 {
	n := len(waypoints)
	if n == 0 {
		return nil
	}
	out := make([][]float64, n-1)
	for i := 0; i < n-1; i++ {
		prev := q0
		if i > 0 {
			prev = waypoints[i-1]
		}
		d := make([]float64, len(prev))
		floats.SubTo(d, waypoints[i+1], prev)
		if norm := floats.Norm(d, 2); norm > 1e-10 {
			floats.Scale(1/norm, d)
		} else {
			floats.Scale(0, d)
		}
		out[i] = d
	}
	return out
}

// SegmentEnergy is the integrated squared acceleration of the cubic Hermite
// segment covering displacement d in time t with boundary velocities v0, v1.
func SegmentEnergy(t float64, d, v0, v1 []float64) float64 {
	dd := floats.Dot(d, d)
	dv := 0.
	vv := 0.
	for i := range d {
		dv += d[i] * (v0[i] + v1[i])
		vv += v0[i]*v0[i] + v0[i]*v1[i] + v1[i]*v1[i]
	}
	return 12/(t*t*t)*dd - 12/(t*t)*dv + 4/t*vv
}

// SolveTiming chooses waypoint speeds along the tangents, and durations when
// they are free, minimizing acceleration energy plus TimeCost times the
// total duration.
func SolveTiming(p TimingProblem) (Timing, error) {
	n := len(p.Waypoints)
	if n == 0 {
		return Timing{}, errors.New("timing needs at least one waypoint")
	}
	dof := len(p.Q0)
	if len(p.V0) != dof {
		return Timing{}, fmt.Errorf("start velocity has %d joints, start has %d", len(p.V0), dof)
	}
	for i, w := range p.Waypoints {
		if len(w) != dof {
			return Timing{}, fmt.Errorf("waypoint %d has %d joints, start has %d", i, len(w), dof)
		}
	}
	freeTime := len(p.Durations) == 0
	if !freeTime && len(p.Durations) != n {
		return Timing{}, fmt.Errorf("%d durations for %d waypoints", len(p.Durations), n)
	}
	for _, d := range p.Durations {
		if d <= 0 {
			return Timing{}, fmt.Errorf("non-positive segment duration %v", d)
		}
	}
	tangents := p.Tangents
	if tangents == nil {
		tangents = Tangents(p.Q0, p.Waypoints)
	}
	if len(tangents) != n-1 {
		return Timing{}, fmt.Errorf("%d tangents for %d waypoints", len(tangents), n)
	}
	timeCost := p.TimeCost
	if timeCost <= 0 {
		timeCost = DefaultTimeCost
	}

	disp := make([][]float64, n)
	for i, w := range p.Waypoints {
		prev := p.Q0
		if i > 0 {
			prev = p.Waypoints[i-1]
		}
		disp[i] = make([]float64, dof)
		floats.SubTo(disp[i], w, prev)
	}

	// variables: n-1 tangent speeds, then n log durations when free
	nv := n - 1
	if freeTime {
		nv += n
	}
	x := make([]float64, nv)
	durations := append([]float64(nil), p.Durations...)
	if freeTime {
		durations = make([]float64, n)
		for i, d := range disp {
			// rest to rest optimum of a single segment
			durations[i] = math.Max(minSegment, math.Pow(36*floats.Dot(d, d)/timeCost, .25))
			x[n-1+i] = math.Log(durations[i])
		}
	}
	for i := 0; i < n-1; i++ {
		x[i] = .5 * (floats.Norm(disp[i], 2)/durations[i] + floats.Norm(disp[i+1], 2)/durations[i+1])
	}

	decode := func(x []float64) (vels [][]float64, ts []float64) {
		vels = make([][]float64, n)
		for i := 0; i < n-1; i++ {
			vels[i] = make([]float64, dof)
			floats.ScaleTo(vels[i], x[i], tangents[i])
		}
		vels[n-1] = make([]float64, dof)
		ts = durations
		if freeTime {
			ts = make([]float64, n)
			for i := range ts {
				ts[i] = minSegment + math.Exp(x[n-1+i])
			}
		}
		return vels, ts
	}
	cost := func(x []float64) float64 {
		vels, ts := decode(x)
		f := 0.
		for i := 0; i < n; i++ {
			v0 := p.V0
			if i > 0 {
				v0 = vels[i-1]
			}
			f += SegmentEnergy(ts[i], disp[i], v0, vels[i])
			if freeTime {
				f += timeCost * ts[i]
			}
		}
		return f
	}

	if nv > 0 {
		fdSettings := &fd.Settings{Formula: fd.Central}
		problem := optimize.Problem{
			Func: cost,
			Grad: func(grad, x []float64) { fd.Gradient(grad, cost, x, fdSettings) },
		}
		settings := &optimize.Settings{
			GradientThreshold: 1e-6,
			MajorIterations:   1000,
			Converger:         &optimize.FunctionConverge{Absolute: 1e-10, Iterations: 50},
		}
		res, err := optimize.Minimize(problem, x, settings, &optimize.LBFGS{})
		if res == nil || !allFinite(res.X) || math.IsNaN(res.F) || math.IsInf(res.F, 0) {
			if err == nil {
				err = errors.New("no finite solution")
			}
			return Timing{}, fmt.Errorf("%w: %v", ErrTimingFailed, err)
		}
		x = res.X
	}

	vels, ts := decode(x)
	return Timing{Vels: vels, Durations: append([]float64(nil), ts...)}, nil
}
