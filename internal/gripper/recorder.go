package gripper

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.viam.com/rdk/logging"
)

// minRecordedSpan is the smallest recorded range, in raw steps, accepted as
// a calibration.
const minRecordedSpan = 100

// RangeRecorder records the extreme raw positions of a gripper servo while
// it is moved through its range by hand.
type RangeRecorder struct {
	bus     *Bus
	id      int
	logger  logging.Logger
	min     int
	max     int
	samples int
}

// NewRangeRecorder records servo id on bus.
func NewRangeRecorder(bus *Bus, id int, logger logging.Logger) *RangeRecorder {
	return &RangeRecorder{bus: bus, id: id, logger: logger, min: math.MaxInt32, max: math.MinInt32}
}

// Start disables the holding torque so the fingers can be moved by hand.
func (r *RangeRecorder) Start() error {
	if err := r.bus.SetTorqueEnable(r.id, false); err != nil {
		return fmt.Errorf("failed to disable torque: %w", err)
	}
	r.min, r.max, r.samples = math.MaxInt32, math.MinInt32, 0
	return nil
}

// Sample reads the present position once.
func (r *RangeRecorder) Sample() error {
	raw, err := r.bus.PresentPosition(r.id)
	if err != nil {
		return err
	}
	if raw < r.min {
		r.min = raw
		r.logger.Debugf("New minimum %d", raw)
	}
	if raw > r.max {
		r.max = raw
		r.logger.Debugf("New maximum %d", raw)
	}
	r.samples++
	return nil
}

// Record samples every interval until ctx ends. Read errors are logged and
// skipped.
func (r *RangeRecorder) Record(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := r.Sample(); err != nil {
			r.logger.Warnf("Failed to read servo %d: %v", r.id, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Range returns the recorded extremes and the number of samples taken.
func (r *RangeRecorder) Range() (lo, hi, samples int) {
	return r.min, r.max, r.samples
}

// Calibration turns the recorded range into a gripper calibration whose full
// range opens the fingers to maxWidth.
func (r *RangeRecorder) Calibration(maxWidth float64) (Calibration, error) {
	if r.samples == 0 || r.max-r.min < minRecordedSpan {
		return Calibration{}, fmt.Errorf("recorded range [%d, %d] of servo %d is too small, move the fingers through their full range", r.min, r.max, r.id)
	}
	cal := Calibration{
		Servo: MotorCalibration{
			ID:       r.id,
			RangeMin: r.min,
			RangeMax: r.max,
			NormMode: NormModeRange100,
		},
		MaxWidth: maxWidth,
	}
	return cal, cal.Validate()
}
