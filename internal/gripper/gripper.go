// Package gripper drives parallel grippers: an emulated one and a Feetech
// serial bus servo.
package gripper

import (
	"context"
	"math"

	"github.com/pkg/errors"
)

// Default motion parameters, widths in meters, speeds in m/s, force in N.
const (
	DefaultOpenWidth  = .075
	DefaultOpenSpeed  = .2
	DefaultCloseForce = 10.
	DefaultCloseWidth = .05
	DefaultCloseSpeed = .1

	minSpeed = .005
	maxSpeed = .5
	maxForce = 70.
)

// ErrReleased is returned by calls on a released gripper.
var ErrReleased = errors.New("gripper released")

// Gripper is a two finger gripper addressed by opening width.
type Gripper interface {
	Open(ctx context.Context, width, speed float64) error
	Close(ctx context.Context, force, width, speed float64) error
	// CloseGrasp closes on a named object.
	CloseGrasp(ctx context.Context, objectID string, force, width, speed float64) error
	Position(ctx context.Context) (float64, error)
	IsDone(ctx context.Context) (bool, error)
	Stop(ctx context.Context) error
	// Release gives the handle back. The gripper is unusable afterwards.
	Release() error
}

// moveOptions are the clamped parameters of one motion.
type moveOptions struct {
	width float64
	speed float64
	force float64
}

// buildMoveOptions clamps the requested motion to what the hardware accepts.
// Non-positive speeds fall back to def.
func buildMoveOptions(width, speed, force, maxWidth, defSpeed float64) moveOptions {
	if speed <= 0 {
		speed = defSpeed
	}
	return moveOptions{
		width: math.Max(0, math.Min(maxWidth, width)),
		speed: math.Max(minSpeed, math.Min(maxSpeed, speed)),
		force: math.Max(0, math.Min(maxForce, force)),
	}
}
