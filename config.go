package botop

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"botop/internal/actuator"
	"botop/internal/gripper"
	"botop/internal/planner"
)

// Arm and gripper kinds.
const (
	KindEmulator = "emulator"
	KindFeetech  = "feetech"
)

const defaultArmDOF = 7

// ArmConfig describes the arm loop.
type ArmConfig struct {
	// Kind is the driver. Only the emulator ships with this module.
	Kind string `json:"kind,omitempty" yaml:"kind"`
	DOF  int    `json:"dof,omitempty" yaml:"dof"`
	// Initial is the emulated start posture, zeros by default.
	Initial []float64 `json:"initial,omitempty" yaml:"initial"`
	// Home defaults to Initial.
	Home     []float64 `json:"home,omitempty" yaml:"home"`
	PeriodMs int       `json:"period_ms,omitempty" yaml:"period_ms"`

	// Frequency and Ratio override the driver's gains: Kp = w^2, Kd = 2*ratio*w.
	Frequency []float64 `json:"frequency,omitempty" yaml:"frequency"`
	Ratio     []float64 `json:"ratio,omitempty" yaml:"ratio"`

	VelocityNoise  float64 `json:"velocity_noise,omitempty" yaml:"velocity_noise"`
	StallThreshold float64 `json:"stall_threshold,omitempty" yaml:"stall_threshold"`
	StallTicks     int     `json:"stall_ticks,omitempty" yaml:"stall_ticks"`
}

// OmnibaseConfig adds an emulated three wheel base after the arm joints.
type OmnibaseConfig struct {
	X   float64 `json:"x" yaml:"x"`
	Y   float64 `json:"y" yaml:"y"`
	Phi float64 `json:"phi" yaml:"phi"`
}

// GripperConfig selects the gripper. An empty kind means the emulator.
type GripperConfig struct {
	Kind    string                 `json:"kind,omitempty" yaml:"kind"`
	Feetech *gripper.FeetechConfig `json:"feetech,omitempty" yaml:"feetech"`
	// Disabled runs without a gripper.
	Disabled bool `json:"disabled,omitempty" yaml:"disabled"`
}

// Config is the configuration of the bot component and of the CLI session.
type Config struct {
	Arm      ArmConfig            `json:"arm" yaml:"arm"`
	Omnibase *OmnibaseConfig      `json:"omnibase,omitempty" yaml:"omnibase"`
	Gripper  GripperConfig        `json:"gripper" yaml:"gripper"`
	Planner  planner.WindowConfig `json:"planner" yaml:"planner"`

	// Lead names the loop that advances control time, "arm" or "base".
	Lead string `json:"lead,omitempty" yaml:"lead"`

	// DataLog is a per tick log file, relative to VIAM_MODULE_DATA.
	DataLog          string `json:"data_log,omitempty" yaml:"data_log"`
	DataLogVerbosity int    `json:"data_log_verbosity,omitempty" yaml:"data_log_verbosity"`

	PollIntervalMs int `json:"poll_interval_ms,omitempty" yaml:"poll_interval_ms"`
}

// Validate fills defaults and checks the configuration.
func (cfg *Config) Validate(path string) ([]string, []string, error) {
	if err := cfg.Arm.validate(); err != nil {
		return nil, nil, errors.Wrap(err, "arm")
	}

	switch cfg.Gripper.Kind {
	case "":
		cfg.Gripper.Kind = KindEmulator
	case KindEmulator:
	case KindFeetech:
		if cfg.Gripper.Feetech == nil {
			return nil, nil, errors.New("feetech gripper needs a feetech section")
		}
		if err := cfg.Gripper.Feetech.Validate(); err != nil {
			return nil, nil, errors.Wrap(err, "gripper")
		}
	default:
		return nil, nil, fmt.Errorf("unknown gripper kind %q", cfg.Gripper.Kind)
	}

	if cfg.Planner.K != 0 && cfg.Planner.K < 4 {
		return nil, nil, fmt.Errorf("planner k must be at least 4, got %d", cfg.Planner.K)
	}
	if cfg.Planner.Tau < 0 {
		return nil, nil, fmt.Errorf("planner tau must be positive, got %v", cfg.Planner.Tau)
	}
	if n := len(cfg.Planner.Lower); n > 0 && n != cfg.DOF() {
		return nil, nil, fmt.Errorf("planner lower limits have %d joints, system has %d", n, cfg.DOF())
	}
	if n := len(cfg.Planner.Upper); n > 0 && n != cfg.DOF() {
		return nil, nil, fmt.Errorf("planner upper limits have %d joints, system has %d", n, cfg.DOF())
	}

	switch cfg.Lead {
	case "":
		cfg.Lead = armLoopID
	case armLoopID:
	case baseLoopID:
		if cfg.Omnibase == nil {
			return nil, nil, errors.New("lead is the base but no omnibase is configured")
		}
	default:
		return nil, nil, fmt.Errorf("lead must be %q or %q, got %q", armLoopID, baseLoopID, cfg.Lead)
	}

	if cfg.DataLog != "" && cfg.DataLogVerbosity == 0 {
		cfg.DataLogVerbosity = 1
	}
	if cfg.DataLogVerbosity < 0 || cfg.DataLogVerbosity > 2 {
		return nil, nil, fmt.Errorf("data_log_verbosity must be 1 or 2, got %d", cfg.DataLogVerbosity)
	}
	if cfg.PollIntervalMs < 0 {
		return nil, nil, fmt.Errorf("poll_interval_ms must be positive, got %d", cfg.PollIntervalMs)
	}
	return nil, nil, nil
}

func (a *ArmConfig) validate() error {
	switch a.Kind {
	case "":
		a.Kind = KindEmulator
	case KindEmulator:
	default:
		return fmt.Errorf("unknown arm kind %q", a.Kind)
	}
	if a.DOF == 0 {
		a.DOF = max(len(a.Initial), len(a.Home))
	}
	if a.DOF == 0 {
		a.DOF = defaultArmDOF
	}
	if a.DOF < 0 {
		return fmt.Errorf("dof must be positive, got %d", a.DOF)
	}
	if len(a.Initial) == 0 {
		a.Initial = make([]float64, a.DOF)
	}
	if len(a.Home) == 0 {
		a.Home = append([]float64(nil), a.Initial...)
	}
	if len(a.Initial) != a.DOF || len(a.Home) != a.DOF {
		return fmt.Errorf("initial and home must have %d joints, got %d and %d", a.DOF, len(a.Initial), len(a.Home))
	}
	if a.PeriodMs == 0 {
		a.PeriodMs = int(actuator.DefaultEmulatorPeriod / time.Millisecond)
	}
	if a.PeriodMs < 0 {
		return fmt.Errorf("period_ms must be positive, got %d", a.PeriodMs)
	}
	if len(a.Frequency) != len(a.Ratio) {
		return fmt.Errorf("got %d frequencies and %d ratios", len(a.Frequency), len(a.Ratio))
	}
	if len(a.Frequency) > 0 && len(a.Frequency) != a.DOF {
		return fmt.Errorf("gains must have %d joints, got %d", a.DOF, len(a.Frequency))
	}
	if a.VelocityNoise < 0 {
		return fmt.Errorf("velocity_noise must not be negative, got %v", a.VelocityNoise)
	}
	return nil
}

// DOF is the number of system joints: the arm, then the base.
func (cfg *Config) DOF() int {
	n := cfg.Arm.DOF
	if cfg.Omnibase != nil {
		n += 3
	}
	return n
}

// Home is the home posture of the whole system.
func (cfg *Config) Home() []float64 {
	home := append([]float64(nil), cfg.Arm.Home...)
	if cfg.Omnibase != nil {
		home = append(home, cfg.Omnibase.X, cfg.Omnibase.Y, cfg.Omnibase.Phi)
	}
	return home
}

// LoadConfigFile reads and validates a YAML configuration. A relative path
// is looked up in VIAM_MODULE_DATA.
func LoadConfigFile(path string) (*Config, error) {
	path = gripper.ResolvePath(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config YAML")
	}
	if _, _, err := cfg.Validate(path); err != nil {
		return nil, err
	}
	return cfg, nil
}
