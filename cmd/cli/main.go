package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.viam.com/rdk/logging"
)

var (
	configFile string
	debug      bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "botop",
		Short: "drive a bot from the command line",
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "bot config file (yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "debug logging")

	rootCmd.AddCommand(
		runCommand(),
		recedingCommand(),
		portsCommand(),
		scanCommand(),
		gripperCommand(),
		plotCommand(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() logging.Logger {
	if debug {
		return logging.NewDebugLogger("botop-cli")
	}
	return logging.NewLogger("botop-cli")
}
