package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"

	"botop"
	"botop/internal/orchestrator"
)

var (
	target   []float64
	timeCost float64
	goHome   bool
	horizon  float64
)

func runCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "home the bot, then leap to --target and wait",
		RunE:  runSession,
	}
	cmd.Flags().Float64SliceVar(&target, "target", nil, "joint target")
	cmd.Flags().Float64Var(&timeCost, "time-cost", 1, "leap time cost")
	cmd.Flags().BoolVar(&goHome, "home", true, "home before moving")
	return cmd
}

func recedingCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "receding",
		Short: "reach --target with the receding horizon planner",
		RunE:  runReceding,
	}
	cmd.Flags().Float64SliceVar(&target, "target", nil, "joint goal")
	cmd.Flags().Float64Var(&horizon, "horizon", 2, "seconds until the goal")
	return cmd
}

// withBot builds and starts the configured bot, runs fn and closes the bot.
func withBot(ctx context.Context, fn func(ctx context.Context, bot *orchestrator.Bot, logger logging.Logger) error) (err error) {
	logger := newLogger()

	cfg := &botop.Config{}
	if configFile != "" {
		if cfg, err = botop.LoadConfigFile(configFile); err != nil {
			return err
		}
	} else if _, _, err := cfg.Validate(""); err != nil {
		return err
	}

	bot, err := botop.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, bot.Close(context.Background()))
	}()
	if err := bot.Start(ctx); err != nil {
		return err
	}
	return fn(ctx, bot, logger)
}

func runSession(cmd *cobra.Command, args []string) error {
	return withBot(cmd.Context(), func(ctx context.Context, bot *orchestrator.Bot, logger logging.Logger) error {
		if goHome {
			logger.Info("Homing")
			if err := bot.Home(ctx); err != nil {
				return err
			}
		}
		if len(target) > 0 {
			end, err := bot.MoveLeap(target, timeCost)
			if err != nil {
				return err
			}
			logger.Infof("Leaping to %v, done at control time %.3f", target, end)
			if err := bot.Wait(ctx); err != nil {
				return err
			}
		}
		printState(bot)
		return nil
	})
}

func runReceding(cmd *cobra.Command, args []string) error {
	if len(target) == 0 {
		return fmt.Errorf("receding needs --target")
	}
	return withBot(cmd.Context(), func(ctx context.Context, bot *orchestrator.Bot, logger logging.Logger) error {
		cycle, err := bot.Receding(target)
		if err != nil {
			return err
		}
		tau := cycle.Window().Tau()
		ticker := time.NewTicker(time.Duration(tau * float64(time.Second)))
		defer ticker.Stop()

		for ttc := horizon; ttc > -tau; ttc -= tau {
			verdict, err := cycle.Step(ctx, ttc)
			if err != nil {
				return err
			}
			logger.Debugf("ttc %.2f slice %d feasible %v sos %.3g ineq %.3g eq %.3g",
				ttc, verdict.ConstraintSlice, verdict.Feasible, verdict.SOS, verdict.Ineq, verdict.Eq)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
		if err := bot.Wait(ctx); err != nil {
			return err
		}
		logger.Infof("Receding horizon finished with %d infeasible cycles", cycle.Failures())
		printState(bot)
		return nil
	})
}

func printState(bot *orchestrator.Bot) {
	st := bot.State()
	fmt.Printf("time: %.3f\n", st.Time)
	fmt.Printf("q:    %.4f\n", st.Q)
	fmt.Printf("qdot: %.4f\n", st.QDot)
	if faults := bot.Faults(); len(faults) > 0 {
		fmt.Printf("faults: %v\n", faults)
	}
}
