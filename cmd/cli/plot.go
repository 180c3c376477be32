package main

import (
	"fmt"
	"math"
	"os"

	"github.com/guptarohit/asciigraph"
	"github.com/spf13/cobra"

	"botop/internal/actuator"
	"botop/internal/gripper"
)

var (
	plotDOF   int
	plotJoint int
)

func plotCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plot [data_log]",
		Short: "plot a joint's position and reference from a data log",
		Args:  cobra.ExactArgs(1),
		RunE:  plotDataLog,
	}
	cmd.Flags().IntVar(&plotDOF, "dof", 7, "joints per row in the log")
	cmd.Flags().IntVar(&plotJoint, "joint", 0, "joint to plot")
	return cmd
}

func plotDataLog(cmd *cobra.Command, args []string) error {
	if plotJoint < 0 || plotJoint >= plotDOF {
		return fmt.Errorf("joint %d out of range for %d joints", plotJoint, plotDOF)
	}
	f, err := os.Open(gripper.ResolvePath(args[0]))
	if err != nil {
		return err
	}
	defer f.Close()

	rows, err := actuator.ReadDataLog(f, plotDOF)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("no data to plot")
	}

	q := make([]float64, len(rows))
	ref := make([]float64, len(rows))
	last := rows[0].Q[plotJoint]
	for i, r := range rows {
		q[i] = r.Q[plotJoint]
		// a floating joint has no reference; hold the line at the last one
		if v := r.QRef[plotJoint]; !math.IsNaN(v) {
			last = v
		}
		ref[i] = last
	}

	fmt.Printf("samples: %d\n", len(rows))
	fmt.Printf("control time: %.3f .. %.3f\n\n", rows[0].Time, rows[len(rows)-1].Time)
	graph := asciigraph.PlotMany([][]float64{q, ref},
		asciigraph.Height(15),
		asciigraph.Width(80),
		asciigraph.SeriesColors(asciigraph.Blue, asciigraph.Red),
		asciigraph.Caption(fmt.Sprintf("joint %d: q (blue) and reference (red)", plotJoint)),
	)
	fmt.Println(graph)
	return nil
}
