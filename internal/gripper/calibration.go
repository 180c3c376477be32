package gripper

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"go.viam.com/rdk/logging"
)

// Normalization modes
const (
	NormModeRaw      = 0 // raw servo steps, 0-4095
	NormModeRange100 = 1 // 0 to 100 percent of the calibrated range
	NormModeDegrees  = 3 // degrees around the range center
)

const maxRaw = 4095

// MotorCalibration maps between raw servo steps and normalized values.
type MotorCalibration struct {
	ID           int `json:"id"`
	DriveMode    int `json:"drive_mode"`
	HomingOffset int `json:"homing_offset"`
	RangeMin     int `json:"range_min"`
	RangeMax     int `json:"range_max"`
	NormMode     int `json:"norm_mode,omitempty"`
}

// Normalize converts a raw position to the normalized value.
func (c *MotorCalibration) Normalize(raw int) (float64, error) {
	var v float64
	switch c.NormMode {
	case NormModeRaw:
		v = float64(raw)
		if c.DriveMode != 0 {
			v = float64(c.RangeMin+c.RangeMax) - v
		}
	case NormModeRange100:
		if c.RangeMax == c.RangeMin {
			return 0, fmt.Errorf("invalid calibration: min and max are equal")
		}
		v = float64(raw-c.RangeMin) / float64(c.RangeMax-c.RangeMin) * 100
		v = math.Max(0, math.Min(100, v))
		if c.DriveMode != 0 {
			v = 100 - v
		}
	case NormModeDegrees:
		center := float64(c.RangeMin+c.RangeMax) / 2
		v = (float64(raw) - center) * 360 / maxRaw
		if c.DriveMode != 0 {
			v = -v
		}
	default:
		return 0, fmt.Errorf("unknown normalization mode: %d", c.NormMode)
	}
	return v, nil
}

// Denormalize converts a normalized value back to a raw position clamped to
// the calibrated range.
func (c *MotorCalibration) Denormalize(v float64) (int, error) {
	var raw int
	switch c.NormMode {
	case NormModeRaw:
		if c.DriveMode != 0 {
			v = float64(c.RangeMin+c.RangeMax) - v
		}
		raw = int(math.Round(v))
	case NormModeRange100:
		if c.RangeMax == c.RangeMin {
			return 0, fmt.Errorf("invalid calibration: min and max are equal")
		}
		if c.DriveMode != 0 {
			v = 100 - v
		}
		v = math.Max(0, math.Min(100, v))
		raw = int(math.Round(v/100*float64(c.RangeMax-c.RangeMin) + float64(c.RangeMin)))
	case NormModeDegrees:
		if c.DriveMode != 0 {
			v = -v
		}
		center := float64(c.RangeMin+c.RangeMax) / 2
		raw = int(math.Round(v*maxRaw/360 + center))
	default:
		return 0, fmt.Errorf("unknown normalization mode: %d", c.NormMode)
	}
	return max(c.RangeMin, min(c.RangeMax, raw)), nil
}

// Validate checks the calibration parameters.
func (c *MotorCalibration) Validate() error {
	if c.ID < 0 || c.ID > 253 {
		return fmt.Errorf("invalid servo ID: %d", c.ID)
	}
	if c.RangeMin >= c.RangeMax {
		return fmt.Errorf("invalid range: min (%d) must be less than max (%d)", c.RangeMin, c.RangeMax)
	}
	if c.RangeMin < 0 || c.RangeMax > maxRaw {
		return fmt.Errorf("range values must be between 0-4095, got min=%d max=%d", c.RangeMin, c.RangeMax)
	}
	switch c.NormMode {
	case NormModeRaw, NormModeRange100, NormModeDegrees:
	default:
		return fmt.Errorf("invalid normalization mode: %d", c.NormMode)
	}
	return nil
}

// Calibration relates a gripper servo to finger opening. The servo is
// normalized to percent of its range; 100 percent is MaxWidth.
type Calibration struct {
	Servo    MotorCalibration `json:"servo"`
	MaxWidth float64          `json:"max_width"`
}

// DefaultCalibration is used when no calibration file is configured.
var DefaultCalibration = Calibration{
	Servo: MotorCalibration{
		ID: 6, RangeMin: 500, RangeMax: 3500,
		NormMode: NormModeRange100,
	},
	MaxWidth: .1,
}

// Validate checks the servo calibration and the width.
func (c Calibration) Validate() error {
	if err := c.Servo.Validate(); err != nil {
		return err
	}
	if c.Servo.NormMode != NormModeRange100 {
		return fmt.Errorf("gripper servo must use percent normalization, got mode %d", c.Servo.NormMode)
	}
	if c.MaxWidth <= 0 {
		return fmt.Errorf("max_width must be positive, got %v", c.MaxWidth)
	}
	return nil
}

// WidthToRaw converts an opening width to a servo position.
func (c Calibration) WidthToRaw(width float64) (int, error) {
	return c.Servo.Denormalize(width / c.MaxWidth * 100)
}

// RawToWidth converts a servo position to an opening width.
func (c Calibration) RawToWidth(raw int) (float64, error) {
	p, err := c.Servo.Normalize(raw)
	if err != nil {
		return 0, err
	}
	return p / 100 * c.MaxWidth, nil
}

// SpeedToRaw converts an opening speed in m/s to servo steps per second.
func (c Calibration) SpeedToRaw(speed float64) uint16 {
	steps := speed / c.MaxWidth * float64(c.Servo.RangeMax-c.Servo.RangeMin)
	return uint16(max(1, min(4094, math.Round(steps))))
}

// ResolvePath makes a relative path absolute against VIAM_MODULE_DATA, or
// /tmp when that is not set.
func ResolvePath(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	dir := os.Getenv("VIAM_MODULE_DATA")
	if dir == "" {
		dir = "/tmp"
	}
	return filepath.Join(dir, path)
}

// LoadCalibrationFile reads and validates a calibration file.
func LoadCalibrationFile(path string) (Calibration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Calibration{}, fmt.Errorf("failed to read calibration file: %w", err)
	}
	cal := DefaultCalibration
	if err := json.Unmarshal(data, &cal); err != nil {
		return Calibration{}, fmt.Errorf("failed to parse calibration JSON: %w", err)
	}
	if cal.Servo.NormMode == NormModeRaw {
		cal.Servo.NormMode = NormModeRange100
	}
	if err := cal.Validate(); err != nil {
		return Calibration{}, fmt.Errorf("calibration validation failed: %w", err)
	}
	return cal, nil
}

// SaveCalibrationFile writes cal as indented JSON.
func SaveCalibrationFile(path string, cal Calibration) error {
	data, err := json.MarshalIndent(cal, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal calibration: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write calibration file: %w", err)
	}
	return nil
}

// LoadCalibration returns the calibration at path, falling back to the
// default. fromFile reports whether the file was used.
func LoadCalibration(path string, logger logging.Logger) (cal Calibration, fromFile bool) {
	if path == "" {
		logger.Debug("No calibration file specified, using default calibration")
		return DefaultCalibration, false
	}
	path = ResolvePath(path)
	cal, err := LoadCalibrationFile(path)
	if err != nil {
		logger.Warnf("Failed to load calibration from %s: %v, using default calibration", path, err)
		return DefaultCalibration, false
	}
	logger.Infof("Loaded gripper calibration from %s", path)
	return cal, true
}
