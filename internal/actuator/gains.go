package actuator

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Gains are the diagonal position and velocity gains of a loop.
type Gains struct {
	Kp []float64
	Kd []float64
}

// Default natural frequencies and damping ratios of a 7 joint arm.
var (
	DefaultArmFrequency = []float64{18, 18, 18, 13, 8, 8, 6}
	DefaultArmRatio     = []float64{.8, .8, .7, .7, .1, .1, .1}
)

// FrequencyGains returns Kp = w^2 and Kd = 2*ratio*w per joint.
func FrequencyGains(freq, ratio []float64) (Gains, error) {
	if len(freq) != len(ratio) {
		return Gains{}, fmt.Errorf("got %d frequencies and %d ratios", len(freq), len(ratio))
	}
	g := Gains{Kp: make([]float64, len(freq)), Kd: make([]float64, len(freq))}
	for i, w := range freq {
		g.Kp[i] = w * w
		g.Kd[i] = 2 * ratio[i] * w
	}
	return g, nil
}

// DefaultArmGains returns the default arm gains for dof joints. Joints past the
// table reuse its last entry.
func DefaultArmGains(dof int) Gains {
	freq := make([]float64, dof)
	ratio := make([]float64, dof)
	for i := 0; i < dof; i++ {
		j := min(i, len(DefaultArmFrequency)-1)
		freq[i] = DefaultArmFrequency[j]
		ratio[i] = DefaultArmRatio[j]
	}
	g, _ := FrequencyGains(freq, ratio)
	return g
}

// NaturalGains returns scalar gains whose critically scaled response decays to
// 10% within decayTime.
func NaturalGains(decayTime, dampingRatio float64) (kp, kd float64) {
	lambda := -decayTime * dampingRatio / math.Log(.1)
	freq := 1 / lambda
	return freq * freq, 2 * dampingRatio * freq
}

// UniformGains repeats scalar gains over dof joints.
func UniformGains(dof int, kp, kd float64) Gains {
	g := Gains{Kp: make([]float64, dof), Kd: make([]float64, dof)}
	for i := range g.Kp {
		g.Kp[i] = kp
		g.Kd[i] = kd
	}
	return g
}

// Validate checks the gain vectors against dof.
func (g Gains) Validate(dof int) error {
	if len(g.Kp) != dof || len(g.Kd) != dof {
		return fmt.Errorf("gains sized %d/%d for %d joints", len(g.Kp), len(g.Kd), dof)
	}
	return nil
}

func (g Gains) matrices() (kp, kd *mat.Dense) {
	return diag(g.Kp), diag(g.Kd)
}

func diag(v []float64) *mat.Dense {
	n := len(v)
	m := mat.NewDense(n, n, nil)
	for i, x := range v {
		m.Set(i, i, x)
	}
	return m
}
