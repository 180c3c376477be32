package actuator

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Omnibase geometry and control defaults.
const (
	OmnibaseWheelRadius = .06
	OmnibaseBaseRadius  = .35
	OmnibaseGearRatio   = 4.2
	OmnibaseKp          = .2
	OmnibaseKd          = .02
	OmnibasePeriod      = 20 * time.Millisecond

	// wheel speed in rad/s at full motor command
	omnibaseMaxWheelSpeed = 25.0
)

// OmnibaseJacobian maps wheel angle deltas to (x, y, phi) deltas of a three
// wheel omnidirectional base at heading phi.
func OmnibaseJacobian(phi float64) *mat.Dense {
	s3 := math.Sqrt(3)
	r := OmnibaseWheelRadius / OmnibaseGearRatio
	base := mat.NewDense(3, 3, []float64{
		-.5, -.5, 1,
		.5 * s3, -.5 * s3, 0,
		1 / (3 * OmnibaseBaseRadius), 1 / (3 * OmnibaseBaseRadius), 1 / (3 * OmnibaseBaseRadius),
	})
	base.Scale(r, base)

	c, s := math.Cos(phi), math.Sin(phi)
	rot := mat.NewDense(3, 3, []float64{
		c, -s, 0,
		s, c, 0,
		0, 0, 1,
	})
	var j mat.Dense
	j.Mul(rot, base)
	return &j
}

// Omnibase emulates a three wheel base with velocity controlled motors. The
// pose is kept as an r3.Vector whose Z carries the heading.
type Omnibase struct {
	mu     sync.Mutex
	pose   r3.Vector
	vel    r3.Vector
	wheels [3]float64
	period time.Duration
}

// NewOmnibase returns a base at rest at pose (x, y, phi).
func NewOmnibase(x, y, phi float64) *Omnibase {
	return &Omnibase{pose: r3.Vector{X: x, Y: y, Z: phi}, period: OmnibasePeriod}
}

// DOF implements Driver.
func (o *Omnibase) DOF() int { return 3 }

// Period implements Driver.
func (o *Omnibase) Period() time.Duration { return o.period }

// Connect implements Driver.
func (o *Omnibase) Connect(context.Context) error { return nil }

// Close implements Driver.
func (o *Omnibase) Close() error { return nil }

// DefaultGains implements DefaultGainer.
func (o *Omnibase) DefaultGains() Gains {
	return UniformGains(3, OmnibaseKp, OmnibaseKd)
}

// MotorLimit implements Kinematic.
func (o *Omnibase) MotorLimit() float64 { return 1 }

// Jacobian implements Kinematic.
func (o *Omnibase) Jacobian() *mat.Dense {
	o.mu.Lock()
	phi := o.pose.Z
	o.mu.Unlock()
	return OmnibaseJacobian(phi)
}

// Pose returns (x, y, phi).
func (o *Omnibase) Pose() r3.Vector {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pose
}

// Wheels returns the accumulated wheel angles.
func (o *Omnibase) Wheels() [3]float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.wheels
}

// ReadState implements Driver.
func (o *Omnibase) ReadState(context.Context) ([]float64, []float64, []float64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return []float64{o.pose.X, o.pose.Y, o.pose.Z}, []float64{o.vel.X, o.vel.Y, o.vel.Z}, make([]float64, 3), nil
}

// SendTorque drives the wheels for one period with speeds proportional to u.
func (o *Omnibase) SendTorque(_ context.Context, u []float64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	dt := o.period.Seconds()
	var sDot [3]float64
	for i := 0; i < 3 && i < len(u); i++ {
		sDot[i] = math.Max(-1, math.Min(1, u[i])) * omnibaseMaxWheelSpeed
		o.wheels[i] += sDot[i] * dt
	}
	var qDot mat.VecDense
	qDot.MulVec(OmnibaseJacobian(o.pose.Z), mat.NewVecDense(3, sDot[:]))
	o.vel = r3.Vector{X: qDot.AtVec(0), Y: qDot.AtVec(1), Z: qDot.AtVec(2)}
	o.pose = o.pose.Add(o.vel.Mul(dt))
	return nil
}
