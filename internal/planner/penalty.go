package planner

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
)

// PenaltySolver is the default Optimizer. It minimizes the integrated squared
// finite-difference control cost of the window with an augmented Lagrangian:
// each outer round runs L-BFGS, updates the multipliers and grows the penalty
// weight.
type PenaltySolver struct {
	Rounds        int
	Mu            float64
	MuGrowth      float64
	MaxIterations int
	// Seed drives the exploration noise, if any.
	Seed int64
}

// NewPenaltySolver returns a solver with the default schedule.
func NewPenaltySolver() *PenaltySolver {
	return &PenaltySolver{Rounds: 6, Mu: 10, MuGrowth: 10, MaxIterations: 300}
}

// Solve implements Optimizer.
func (s *PenaltySolver) Solve(ctx context.Context, p Problem) (Result, error) {
	if err := p.validate(); err != nil {
		return Result{}, err
	}
	obj := newObjective(p)
	x := make([]float64, p.K*obj.dof)
	for t, q := range p.Init {
		copy(x[t*obj.dof:], q)
	}
	if p.Noise > 0 {
		rng := rand.New(rand.NewSource(s.Seed))
		for i := range x {
			x[i] += p.Noise * rng.NormFloat64()
		}
	}

	rounds := max(s.Rounds, 1)
	growth := s.MuGrowth
	if growth <= 1 {
		growth = 10
	}
	obj.mu = s.Mu
	if obj.mu <= 0 {
		obj.mu = 10
	}
	settings := &optimize.Settings{
		GradientThreshold: p.GradTol,
		MajorIterations:   s.MaxIterations,
		Converger:         &optimize.FunctionConverge{Absolute: p.PosTol * p.PosTol, Iterations: 20},
	}

	for round := 0; round < rounds; round++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		res, err := optimize.Minimize(optimize.Problem{Func: obj.value, Grad: obj.grad}, x, settings, &optimize.LBFGS{})
		switch {
		case res != nil && allFinite(res.X):
			// line search stalls still leave a usable location
			x = res.X
		case err != nil:
			return Result{}, errors.Wrapf(err, "round %d", round)
		default:
			return Result{}, fmt.Errorf("round %d diverged", round)
		}

		h := obj.eq(x)
		for i, v := range h {
			obj.lambda[i] += 2 * obj.mu * v
		}
		g := obj.ineq(x)
		for i, v := range g {
			obj.kappa[i] = math.Max(0, obj.kappa[i]+2*obj.mu*v)
		}
		if r := obj.residuals(x); r.Eq < p.PosTol && r.Ineq < p.PosTol {
			break
		}
		obj.mu *= growth
	}

	out := Result{Residuals: obj.residuals(x)}
	out.Path.Q = make([][]float64, p.K)
	out.Path.Tau = make([]float64, p.K)
	for t := range out.Path.Q {
		out.Path.Q[t] = append([]float64(nil), x[t*obj.dof:(t+1)*obj.dof]...)
		out.Path.Tau[t] = p.Tau
	}
	return out, nil
}

func (p Problem) validate() error {
	if p.K < 1 || p.Tau <= 0 {
		return fmt.Errorf("window needs K >= 1 and tau > 0, got K=%d tau=%v", p.K, p.Tau)
	}
	if p.Order < 1 || p.Order > 2 || len(p.History) != p.Order {
		return fmt.Errorf("order %d with %d history slices", p.Order, len(p.History))
	}
	if len(p.Init) != p.K {
		return fmt.Errorf("initial guess has %d slices, window has %d", len(p.Init), p.K)
	}
	if p.ConstraintSlice < 0 || p.ConstraintSlice >= p.K {
		return fmt.Errorf("constraint slice %d outside window of %d", p.ConstraintSlice, p.K)
	}
	dof := len(p.Goal)
	for _, q := range append(append([][]float64(nil), p.History...), p.Init...) {
		if len(q) != dof {
			return fmt.Errorf("slice of %d joints, goal has %d", len(q), dof)
		}
	}
	if (len(p.Lower) > 0 && len(p.Lower) != dof) || (len(p.Upper) > 0 && len(p.Upper) != dof) {
		return fmt.Errorf("joint limits do not match %d joints", dof)
	}
	if len(p.Home) > 0 && len(p.Home) != dof {
		return fmt.Errorf("home has %d joints, goal has %d", len(p.Home), dof)
	}
	return nil
}

// objective evaluates the augmented Lagrangian of a Problem over the
// flattened slice variables.
type objective struct {
	p      Problem
	dof    int
	coef   []float64
	mu     float64
	lambda []float64
	kappa  []float64
}

func newObjective(p Problem) *objective {
	o := &objective{p: p, dof: len(p.Goal)}
	switch p.Order {
	case 1:
		o.coef = []float64{1 / p.Tau, -1 / p.Tau}
	default:
		tau2 := p.Tau * p.Tau
		o.coef = []float64{1 / tau2, -2 / tau2, 1 / tau2}
	}
	o.lambda = make([]float64, len(o.eq(make([]float64, p.K*o.dof))))
	o.kappa = make([]float64, len(o.ineq(make([]float64, p.K*o.dof))))
	return o
}

// at returns joint j of slice t, reading negative slices from the history.
func (o *objective) at(x []float64, t, j int) float64 {
	if t < 0 {
		return o.p.History[o.p.Order+t][j]
	}
	return x[t*o.dof+j]
}

func (o *objective) stopTerm() bool {
	return o.p.StopAtGoal && o.p.ConstraintSlice+1 < o.p.K
}

func (o *objective) eq(x []float64) []float64 {
	c := o.p.ConstraintSlice
	h := make([]float64, 0, 2*o.dof)
	for j := 0; j < o.dof; j++ {
		h = append(h, o.at(x, c, j)-o.p.Goal[j])
	}
	if o.stopTerm() {
		for j := 0; j < o.dof; j++ {
			h = append(h, (o.at(x, c+1, j)-o.at(x, c, j))/o.p.Tau)
		}
	}
	return h
}

// ineq lists lower-x and x-upper for every slice and joint; feasible is <= 0.
func (o *objective) ineq(x []float64) []float64 {
	var g []float64
	for t := 0; t < o.p.K; t++ {
		for j := 0; j < o.dof; j++ {
			if len(o.p.Lower) > 0 {
				g = append(g, o.p.Lower[j]-o.at(x, t, j))
			}
			if len(o.p.Upper) > 0 {
				g = append(g, o.at(x, t, j)-o.p.Upper[j])
			}
		}
	}
	return g
}

func (o *objective) sos(x []float64) float64 {
	f := 0.
	for t := 0; t < o.p.K; t++ {
		for j := 0; j < o.dof; j++ {
			a := 0.
			for k, c := range o.coef {
				a += c * o.at(x, t-k, j)
			}
			f += o.p.Tau * a * a
			if len(o.p.Home) > 0 {
				d := o.p.HomeWeight * (o.at(x, t, j) - o.p.Home[j])
				f += d * d
			}
		}
	}
	return f
}

func (o *objective) value(x []float64) float64 {
	f := o.sos(x)
	for i, h := range o.eq(x) {
		f += o.lambda[i]*h + o.mu*h*h
	}
	for i, g := range o.ineq(x) {
		if g > 0 || o.kappa[i] > 0 {
			f += o.kappa[i]*g + o.mu*g*g
		}
	}
	return f
}

func (o *objective) grad(grad, x []float64) {
	for i := range grad {
		grad[i] = 0
	}
	add := func(t, j int, v float64) {
		if t >= 0 {
			grad[t*o.dof+j] += v
		}
	}
	for t := 0; t < o.p.K; t++ {
		for j := 0; j < o.dof; j++ {
			a := 0.
			for k, c := range o.coef {
				a += c * o.at(x, t-k, j)
			}
			for k, c := range o.coef {
				add(t-k, j, 2*o.p.Tau*a*c)
			}
			if len(o.p.Home) > 0 {
				w := o.p.HomeWeight
				add(t, j, 2*w*w*(o.at(x, t, j)-o.p.Home[j]))
			}
		}
	}

	c := o.p.ConstraintSlice
	h := o.eq(x)
	for j := 0; j < o.dof; j++ {
		add(c, j, o.lambda[j]+2*o.mu*h[j])
	}
	if o.stopTerm() {
		for j := 0; j < o.dof; j++ {
			i := o.dof + j
			d := (o.lambda[i] + 2*o.mu*h[i]) / o.p.Tau
			add(c+1, j, d)
			add(c, j, -d)
		}
	}

	g := o.ineq(x)
	i := 0
	for t := 0; t < o.p.K; t++ {
		for j := 0; j < o.dof; j++ {
			if len(o.p.Lower) > 0 {
				if g[i] > 0 || o.kappa[i] > 0 {
					add(t, j, -(o.kappa[i] + 2*o.mu*g[i]))
				}
				i++
			}
			if len(o.p.Upper) > 0 {
				if g[i] > 0 || o.kappa[i] > 0 {
					add(t, j, o.kappa[i]+2*o.mu*g[i])
				}
				i++
			}
		}
	}
}

func (o *objective) residuals(x []float64) Residuals {
	r := Residuals{SOS: o.sos(x)}
	for _, h := range o.eq(x) {
		r.Eq += math.Abs(h)
	}
	for _, g := range o.ineq(x) {
		r.Ineq += math.Max(0, g)
	}
	return r
}

func allFinite(x []float64) bool {
	return len(x) > 0 && !floats.HasNaN(x) && floats.Max(x) < math.Inf(1) && floats.Min(x) > math.Inf(-1)
}
