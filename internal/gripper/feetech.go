package gripper

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// FeetechConfig configures a gripper driven by one Feetech bus servo.
type FeetechConfig struct {
	BusConfig       `yaml:",inline"`
	ServoID         int    `json:"servo_id,omitempty" yaml:"servo_id"`
	CalibrationFile string `json:"calibration_file,omitempty" yaml:"calibration_file"`
}

// Validate fills defaults and checks ranges.
func (cfg *FeetechConfig) Validate() error {
	if cfg.Port == "" {
		return errors.New("must specify port for serial communication")
	}
	if cfg.ServoID == 0 {
		cfg.ServoID = 6
	}
	if cfg.ServoID < 1 || cfg.ServoID > 253 {
		return errors.Errorf("servo_id must be between 1 and 253, got %d", cfg.ServoID)
	}
	cfg.BusConfig = cfg.BusConfig.withDefaults()
	return nil
}

// Feetech is a Gripper on a shared Feetech serial bus.
type Feetech struct {
	registry *Registry
	bus      *Bus
	port     string
	id       int
	cal      Calibration
	logger   logging.Logger

	mu       sync.Mutex
	held     string
	released bool
}

// NewFeetech acquires the bus from registry, pings the servo and enables its
// torque.
func NewFeetech(cfg FeetechConfig, registry *Registry, logger logging.Logger) (*Feetech, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if registry == nil {
		registry = DefaultRegistry()
	}
	cal, _ := LoadCalibration(cfg.CalibrationFile, logger)
	if cal.Servo.ID != cfg.ServoID {
		logger.Debugf("Updating gripper calibration servo ID from %d to %d (from config)", cal.Servo.ID, cfg.ServoID)
		cal.Servo.ID = cfg.ServoID
	}

	bus, err := registry.Acquire(cfg.BusConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get shared bus for gripper")
	}
	g := &Feetech{registry: registry, bus: bus, port: cfg.Port, id: cfg.ServoID, cal: cal, logger: logger}
	if err := bus.Ping(g.id); err != nil {
		registry.Release(cfg.Port)
		return nil, errors.Wrapf(err, "gripper servo %d ping failed", g.id)
	}
	if err := bus.SetTorqueEnable(g.id, true); err != nil {
		logger.Warnf("Failed to enable gripper torque: %v", err)
	}
	logger.Debugf("Feetech gripper initialized on %s with servo ID %d", cfg.Port, cfg.ServoID)
	return g, nil
}

func (g *Feetech) check() error {
	if g.released {
		return ErrReleased
	}
	return nil
}

func (g *Feetech) moveTo(opts moveOptions) error {
	raw, err := g.cal.WidthToRaw(opts.width)
	if err != nil {
		return err
	}
	if opts.force > 0 {
		if err := g.bus.SetTorqueLimit(g.id, uint16(opts.force/maxForce*1000)); err != nil {
			return errors.Wrap(err, "set torque limit")
		}
	}
	return g.bus.SetGoal(g.id, uint16(raw), g.cal.SpeedToRaw(opts.speed))
}

// Open implements Gripper.
func (g *Feetech) Open(_ context.Context, width, speed float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.check(); err != nil {
		return err
	}
	g.held = ""
	opts := buildMoveOptions(width, speed, maxForce, g.cal.MaxWidth, DefaultOpenSpeed)
	g.logger.Debugf("Opening gripper to %.3f at %.3f m/s", opts.width, opts.speed)
	return errors.Wrap(g.moveTo(opts), "failed to open gripper")
}

// Close implements Gripper. The force becomes the servo's torque limit.
func (g *Feetech) Close(_ context.Context, force, width, speed float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.check(); err != nil {
		return err
	}
	opts := buildMoveOptions(width, speed, force, g.cal.MaxWidth, DefaultCloseSpeed)
	g.logger.Debugf("Closing gripper to %.3f with %.1f N", opts.width, opts.force)
	return errors.Wrap(g.moveTo(opts), "failed to close gripper")
}

// CloseGrasp implements Gripper.
func (g *Feetech) CloseGrasp(ctx context.Context, objectID string, force, width, speed float64) error {
	if err := g.Close(ctx, force, width, speed); err != nil {
		return err
	}
	g.mu.Lock()
	g.held = objectID
	g.mu.Unlock()
	return nil
}

// Position implements Gripper.
func (g *Feetech) Position(context.Context) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.check(); err != nil {
		return 0, err
	}
	raw, err := g.bus.PresentPosition(g.id)
	if err != nil {
		return 0, errors.Wrap(err, "failed to read gripper position")
	}
	return g.cal.RawToWidth(raw)
}

// IsDone implements Gripper.
func (g *Feetech) IsDone(context.Context) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.check(); err != nil {
		return false, err
	}
	moving, err := g.bus.Moving(g.id)
	return !moving, err
}

// Load reads the signed servo load, useful to detect a grasped object.
func (g *Feetech) Load(context.Context) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.check(); err != nil {
		return 0, err
	}
	return g.bus.PresentLoad(g.id)
}

// Stop implements Gripper by making the present position the goal.
func (g *Feetech) Stop(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.check(); err != nil {
		return err
	}
	raw, err := g.bus.PresentPosition(g.id)
	if err != nil {
		return errors.Wrap(err, "failed to stop gripper")
	}
	return g.bus.SetGoal(g.id, uint16(raw), 0)
}

// Release implements Gripper.
func (g *Feetech) Release() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.released {
		return nil
	}
	g.released = true
	g.registry.Release(g.port)
	return nil
}
