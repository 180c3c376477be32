package botop

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"

	"botop/internal/actuator"
	"botop/internal/gripper"
	"botop/internal/orchestrator"
)

const (
	armLoopID  = "arm"
	baseLoopID = "base"
)

// Build creates the drivers, the gripper and the bot described by a
// validated cfg. The loops are connected but not started.
func Build(ctx context.Context, cfg *Config, logger logging.Logger) (*orchestrator.Bot, error) {
	arm := cfg.Arm
	var emuOpts []actuator.EmulatorOption
	if arm.VelocityNoise > 0 {
		emuOpts = append(emuOpts, actuator.WithVelocityNoise(arm.VelocityNoise, time.Now().UnixNano()))
	}
	armCfg := actuator.Config{
		ID:             armLoopID,
		StallThreshold: arm.StallThreshold,
		StallTicks:     arm.StallTicks,
	}
	if len(arm.Frequency) > 0 {
		gains, err := actuator.FrequencyGains(arm.Frequency, arm.Ratio)
		if err != nil {
			return nil, errors.Wrap(err, "arm gains")
		}
		armCfg.Gains = &gains
	}
	if cfg.DataLog != "" {
		dl, err := actuator.OpenDataLog(gripper.ResolvePath(cfg.DataLog), cfg.DataLogVerbosity)
		if err != nil {
			return nil, err
		}
		armCfg.DataLog = dl
	}
	period := time.Duration(arm.PeriodMs) * time.Millisecond
	actuators := []orchestrator.Actuator{{
		Driver: actuator.NewEmulator(arm.Initial, period, emuOpts...),
		Config: armCfg,
	}}
	if base := cfg.Omnibase; base != nil {
		actuators = append(actuators, orchestrator.Actuator{
			Driver: actuator.NewOmnibase(base.X, base.Y, base.Phi),
			Config: actuator.Config{ID: baseLoopID},
		})
	}

	g, err := buildGripper(cfg.Gripper, logger)
	if err != nil {
		if armCfg.DataLog != nil {
			err = multierr.Combine(err, armCfg.DataLog.Close())
		}
		return nil, err
	}

	bot, err := orchestrator.New(ctx, orchestrator.Options{
		Actuators:    actuators,
		Lead:         cfg.Lead,
		Home:         cfg.Home(),
		Gripper:      g,
		Window:       cfg.Planner,
		PollInterval: time.Duration(cfg.PollIntervalMs) * time.Millisecond,
	}, logger)
	if err != nil {
		if g != nil {
			err = multierr.Combine(err, g.Release())
		}
		return nil, err
	}
	return bot, nil
}

func buildGripper(cfg GripperConfig, logger logging.Logger) (gripper.Gripper, error) {
	if cfg.Disabled {
		return nil, nil
	}
	switch cfg.Kind {
	case KindFeetech:
		g, err := gripper.NewFeetech(*cfg.Feetech, gripper.DefaultRegistry(), logger.Sublogger("gripper"))
		if err != nil {
			return nil, err
		}
		return g, nil
	default:
		return gripper.NewEmulator(nil, logger.Sublogger("gripper")), nil
	}
}
