package orchestrator

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

const (
	minLeapDuration = .1
	minLeapDistance = 1e-4
	// smallest uniform step MoveAutoTimed will use
	minAutoStep = .01
)

// LeapDuration is the duration of a direct move from q to target that
// balances squared acceleration against timeCost per second. The velocity
// component along the move shortens it.
func LeapDuration(q, qDot, target []float64, timeCost float64) float64 {
	delta := make([]float64, len(q))
	floats.SubTo(delta, target, q)
	dist := floats.Norm(delta, 2)
	if dist < minLeapDistance {
		return minLeapDuration
	}
	vel := floats.Dot(qDot, delta) / dist
	t := (math.Sqrt(6*timeCost*dist+vel*vel) - vel) / timeCost
	if math.IsNaN(t) || t < minLeapDuration {
		return minLeapDuration
	}
	return t
}

// MinDuration is the shortest total duration of a uniformly timed path whose
// finite difference velocities and accelerations stay within the limits.
func MinDuration(path [][]float64, maxVel, maxAcc float64) float64 {
	n := len(path)
	if n < 2 {
		return 0
	}
	step := minAutoStep
	for i := 1; i < n; i++ {
		step = math.Max(step, floats.Distance(path[i], path[i-1], math.Inf(1))/maxVel)
		if i+1 < n {
			acc := 0.
			for j := range path[i] {
				acc = math.Max(acc, math.Abs(path[i+1][j]-2*path[i][j]+path[i-1][j]))
			}
			step = math.Max(step, math.Sqrt(acc/maxAcc))
		}
	}
	return step * float64(n-1)
}

// spreadUniform returns n waypoint times stepping total/(n-1), starting one
// step from now.
func spreadUniform(total float64, n int) []float64 {
	dt := total / float64(n-1)
	ts := make([]float64, n)
	for i := range ts {
		ts[i] = float64(i+1) * dt
	}
	return ts
}

// durations converts cumulative times into segment durations.
func durations(times []float64) []float64 {
	out := make([]float64, len(times))
	prev := 0.
	for i, t := range times {
		out[i] = t - prev
		prev = t
	}
	return out
}

func maxAbsDiff(a, b []float64) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	return floats.Distance(a, b, math.Inf(1))
}
