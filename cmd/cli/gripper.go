package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"botop/internal/gripper"
)

var (
	port    string
	servoID int
	calFile string
)

func portsCommand() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "ports",
		Short: "list serial ports",
		RunE: func(cmd *cobra.Command, args []string) error {
			ports := gripper.EnumeratePorts()
			if !all {
				ports = gripper.FilterCandidatePorts(ports)
			}
			for _, p := range ports {
				fmt.Printf("%s\t%s\n", p, gripper.PortSuffix(p))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include ports that are not USB serial adapters")
	return cmd
}

func scanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "ping the gripper servo on every candidate port",
		RunE: func(cmd *cobra.Command, args []string) error {
			found, err := gripper.Scan(cmd.Context(), gripper.EnumeratePorts(), servoID, gripper.DefaultRegistry(), newLogger())
			for _, p := range found {
				cal := p.CalibrationFile
				if cal == "" {
					cal = "-"
				}
				fmt.Printf("%s\t%s\t%s\n", p.Port, p.Suffix, cal)
			}
			return err
		},
	}
	cmd.Flags().IntVar(&servoID, "servo-id", 6, "gripper servo id")
	return cmd
}

func gripperCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gripper",
		Short: "drive a Feetech gripper directly",
	}
	cmd.PersistentFlags().StringVar(&port, "port", "", "serial port")
	cmd.PersistentFlags().IntVar(&servoID, "servo-id", 6, "gripper servo id")
	cmd.PersistentFlags().StringVar(&calFile, "calibration", "", "calibration file")
	cmd.MarkPersistentFlagRequired("port")

	var openWidth, openSpeed float64
	openCmd := &cobra.Command{
		Use:   "open",
		Short: "open to --width",
		RunE: withGripper(func(ctx context.Context, g *gripper.Feetech) error {
			return g.Open(ctx, openWidth, openSpeed)
		}),
	}
	openCmd.Flags().Float64Var(&openWidth, "width", gripper.DefaultOpenWidth, "opening width (m)")
	openCmd.Flags().Float64Var(&openSpeed, "speed", gripper.DefaultOpenSpeed, "speed (m/s)")

	var closeWidth, closeSpeed, force float64
	closeCmd := &cobra.Command{
		Use:   "close",
		Short: "close to --width with --force",
		RunE: withGripper(func(ctx context.Context, g *gripper.Feetech) error {
			return g.Close(ctx, force, closeWidth, closeSpeed)
		}),
	}
	closeCmd.Flags().Float64Var(&closeWidth, "width", gripper.DefaultCloseWidth, "closing width (m)")
	closeCmd.Flags().Float64Var(&closeSpeed, "speed", gripper.DefaultCloseSpeed, "speed (m/s)")
	closeCmd.Flags().Float64Var(&force, "force", gripper.DefaultCloseForce, "force (N)")

	var readInterval time.Duration
	readCmd := &cobra.Command{
		Use:   "read",
		Short: "print width and load every --interval until interrupted",
		RunE: withGripper(func(ctx context.Context, g *gripper.Feetech) error {
			ticker := time.NewTicker(readInterval)
			defer ticker.Stop()
			for {
				w, err := g.Position(ctx)
				if err != nil {
					return err
				}
				load, err := g.Load(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("width %.4f m\tload %d\n", w, load)
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		}),
	}
	readCmd.Flags().DurationVar(&readInterval, "interval", time.Second, "read interval")

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "hold the present width",
		RunE: withGripper(func(ctx context.Context, g *gripper.Feetech) error {
			return g.Stop(ctx)
		}),
	}

	var maxWidth float64
	var sampleInterval time.Duration
	calibrateCmd := &cobra.Command{
		Use:   "calibrate",
		Short: "record the finger range by hand and save it to --calibration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return calibrate(cmd.Context(), maxWidth, sampleInterval)
		},
	}
	calibrateCmd.Flags().Float64Var(&maxWidth, "max-width", gripper.DefaultCalibration.MaxWidth, "finger opening at the end of the range (m)")
	calibrateCmd.Flags().DurationVar(&sampleInterval, "interval", 50*time.Millisecond, "sample interval")

	cmd.AddCommand(openCmd, closeCmd, readCmd, stopCmd, calibrateCmd)
	return cmd
}

func withGripper(fn func(ctx context.Context, g *gripper.Feetech) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		g, err := gripper.NewFeetech(gripper.FeetechConfig{
			BusConfig:       gripper.BusConfig{Port: port},
			ServoID:         servoID,
			CalibrationFile: calFile,
		}, gripper.DefaultRegistry(), newLogger())
		if err != nil {
			return err
		}
		defer g.Release()
		return fn(cmd.Context(), g)
	}
}

// calibrate records the servo range until interrupted and writes the
// calibration file.
func calibrate(ctx context.Context, maxWidth float64, interval time.Duration) error {
	if calFile == "" {
		return fmt.Errorf("calibrate needs --calibration")
	}
	logger := newLogger()
	registry := gripper.DefaultRegistry()
	bus, err := registry.Acquire(gripper.BusConfig{Port: port})
	if err != nil {
		return err
	}
	defer registry.Release(port)

	rec := gripper.NewRangeRecorder(bus, servoID, logger)
	if err := rec.Start(); err != nil {
		return err
	}
	logger.Info("Torque is off. Open and close the fingers fully, then press Ctrl+C.")
	rec.Record(ctx, interval)

	lo, hi, n := rec.Range()
	logger.Infof("Recorded range [%d, %d] from %d samples", lo, hi, n)
	cal, err := rec.Calibration(maxWidth)
	if err != nil {
		return err
	}
	path := gripper.ResolvePath(calFile)
	if err := gripper.SaveCalibrationFile(path, cal); err != nil {
		return err
	}
	fmt.Printf("saved %s\n", path)
	return nil
}
