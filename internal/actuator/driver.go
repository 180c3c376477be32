// Package actuator runs the per-device real-time control loops.
package actuator

import (
	"context"
	"time"

	"gonum.org/v1/gonum/mat"
)

// Driver is the hardware (or emulated hardware) behind one loop.
type Driver interface {
	// DOF is the number of joints this driver reads and commands.
	DOF() int
	// Period is the nominal tick period.
	Period() time.Duration
	Connect(ctx context.Context) error
	// ReadState returns position, velocity and the external torque estimate.
	ReadState(ctx context.Context) (q, qDot, tauExt []float64, err error)
	SendTorque(ctx context.Context, u []float64) error
	Close() error
}

// Kinematic drivers command motors that map onto joints through a Jacobian.
type Kinematic interface {
	// Jacobian maps motor deltas to joint deltas at the current state.
	Jacobian() *mat.Dense
	// MotorLimit bounds each motor command symmetrically.
	MotorLimit() float64
}

// Dynamic drivers provide a mass matrix for projected-acceleration control.
type Dynamic interface {
	MassMatrix(q []float64) *mat.Dense
}

// DefaultGainer drivers provide gains used when the command carries none.
type DefaultGainer interface {
	DefaultGains() Gains
}

// SafetyConfig is applied once when a driver connects.
type SafetyConfig struct {
	// CollisionTorque holds per-joint contact thresholds. Empty keeps the driver default.
	CollisionTorque []float64 `json:"collision_torque,omitempty" yaml:"collision_torque,omitempty"`
	// JointLower and JointUpper bound positions. Empty means unbounded.
	JointLower []float64 `json:"joint_lower,omitempty" yaml:"joint_lower,omitempty"`
	JointUpper []float64 `json:"joint_upper,omitempty" yaml:"joint_upper,omitempty"`
}

// SafetyConfigurer drivers accept a SafetyConfig at connect time.
type SafetyConfigurer interface {
	ApplySafety(cfg SafetyConfig) error
}
