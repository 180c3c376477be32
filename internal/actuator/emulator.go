package actuator

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

const (
	// DefaultEmulatorPeriod is the tick of an emulated arm.
	DefaultEmulatorPeriod = 10 * time.Millisecond
	emulatorDecay         = .05
)

// Emulator is a kinematic stand-in for an arm. It treats the command as the
// joint acceleration and integrates it with a leapfrog step.
type Emulator struct {
	period time.Duration

	mu       sync.Mutex
	q, qDot  []float64
	noise    float64
	rng      *rand.Rand
	lastSent []float64
}

// EmulatorOption configures an Emulator.
type EmulatorOption func(*Emulator)

// WithVelocityNoise adds Gaussian noise of standard deviation sigma to the
// velocity on every step.
func WithVelocityNoise(sigma float64, seed int64) EmulatorOption {
	return func(e *Emulator) {
		e.noise = sigma
		e.rng = rand.New(rand.NewSource(seed))
	}
}

// NewEmulator returns an emulated arm resting at q0.
func NewEmulator(q0 []float64, period time.Duration, opts ...EmulatorOption) *Emulator {
	if period <= 0 {
		period = DefaultEmulatorPeriod
	}
	e := &Emulator{
		period:   period,
		q:        append([]float64(nil), q0...),
		qDot:     make([]float64, len(q0)),
		lastSent: make([]float64, len(q0)),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DOF implements Driver.
func (e *Emulator) DOF() int { return len(e.q) }

// Period implements Driver.
func (e *Emulator) Period() time.Duration { return e.period }

// Connect implements Driver.
func (e *Emulator) Connect(context.Context) error { return nil }

// Close implements Driver.
func (e *Emulator) Close() error { return nil }

// DefaultGains are stiff critically damped gains, so the emulator follows the
// reference closely.
func (e *Emulator) DefaultGains() Gains {
	kp, kd := NaturalGains(emulatorDecay, 1)
	return UniformGains(len(e.q), kp, kd)
}

// ReadState implements Driver. The external torque estimate is always zero.
func (e *Emulator) ReadState(context.Context) ([]float64, []float64, []float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]float64(nil), e.q...), append([]float64(nil), e.qDot...), make([]float64, len(e.q)), nil
}

// SendTorque integrates one period with u as the acceleration.
func (e *Emulator) SendTorque(_ context.Context, u []float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	tau := e.period.Seconds()
	for i := range e.q {
		a := 0.0
		if i < len(u) {
			a = u[i]
		}
		e.q[i] += .5 * tau * e.qDot[i]
		e.qDot[i] += tau * a
		e.q[i] += .5 * tau * e.qDot[i]
		if e.rng != nil {
			e.qDot[i] += e.noise * e.rng.NormFloat64()
		}
	}
	copy(e.lastSent, u)
	return nil
}

// LastCommand returns the most recent command received.
func (e *Emulator) LastCommand() []float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]float64(nil), e.lastSent...)
}

// SetState teleports the emulated joints.
func (e *Emulator) SetState(q, qDot []float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	copy(e.q, q)
	copy(e.qDot, qDot)
}
