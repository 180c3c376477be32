package gripper

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/rdk/logging"
)

// Emulator is a simulated gripper that moves linearly at the commanded speed.
type Emulator struct {
	clock    clock.Clock
	logger   logging.Logger
	maxWidth float64

	mu       sync.Mutex
	start    float64
	target   float64
	speed    float64
	since    time.Time
	held     string
	released bool
}

// EmulatorInitialWidth is where a new emulated gripper rests.
const EmulatorInitialWidth = .02

// NewEmulator returns an emulated gripper at EmulatorInitialWidth. A nil clock
// means the wall clock.
func NewEmulator(clk clock.Clock, logger logging.Logger) *Emulator {
	if clk == nil {
		clk = clock.New()
	}
	return &Emulator{
		clock:    clk,
		logger:   logger,
		maxWidth: .1,
		start:    EmulatorInitialWidth,
		target:   EmulatorInitialWidth,
		speed:    DefaultOpenSpeed,
		since:    clk.Now(),
	}
}

func (e *Emulator) position() float64 {
	elapsed := e.clock.Since(e.since).Seconds()
	d := e.target - e.start
	step := e.speed * elapsed
	if step >= math.Abs(d) {
		return e.target
	}
	return e.start + math.Copysign(step, d)
}

func (e *Emulator) moveTo(opts moveOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return ErrReleased
	}
	e.start = e.position()
	e.target = opts.width
	e.speed = opts.speed
	e.since = e.clock.Now()
	return nil
}

// Open implements Gripper.
func (e *Emulator) Open(_ context.Context, width, speed float64) error {
	opts := buildMoveOptions(width, speed, 0, e.maxWidth, DefaultOpenSpeed)
	e.mu.Lock()
	e.held = ""
	e.mu.Unlock()
	if e.logger != nil {
		e.logger.Debugf("emulated gripper opening to %.3f at %.3f m/s", opts.width, opts.speed)
	}
	return e.moveTo(opts)
}

// Close implements Gripper. The force is accepted and ignored.
func (e *Emulator) Close(_ context.Context, force, width, speed float64) error {
	opts := buildMoveOptions(width, speed, force, e.maxWidth, DefaultCloseSpeed)
	if e.logger != nil {
		e.logger.Debugf("emulated gripper closing to %.3f with %.1f N", opts.width, opts.force)
	}
	return e.moveTo(opts)
}

// CloseGrasp implements Gripper and remembers the grasped object.
func (e *Emulator) CloseGrasp(ctx context.Context, objectID string, force, width, speed float64) error {
	if err := e.Close(ctx, force, width, speed); err != nil {
		return err
	}
	e.mu.Lock()
	e.held = objectID
	e.mu.Unlock()
	return nil
}

// Held returns the object of the last grasp, empty after an open.
func (e *Emulator) Held() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.held
}

// Position implements Gripper.
func (e *Emulator) Position(context.Context) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return 0, ErrReleased
	}
	return e.position(), nil
}

// IsDone implements Gripper.
func (e *Emulator) IsDone(context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return false, ErrReleased
	}
	return e.position() == e.target, nil
}

// Stop implements Gripper by freezing at the current width.
func (e *Emulator) Stop(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	q := e.position()
	e.start, e.target = q, q
	e.since = e.clock.Now()
	return nil
}

// Release implements Gripper.
func (e *Emulator) Release() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.released = true
	return nil
}
