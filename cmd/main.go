// Package main runs the device session orchestrator.
//
// Usage:
//
//	orchestrator serve                    - run the websocket and HTTP server
//	orchestrator token --device ABCD1234  - print a device token
//
// Configuration is read from the environment and an optional .env file.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/satriahrh/arunika/orchestrator/internal/config"
)

var rootCmd = &cobra.Command{
	Use:           "orchestrator",
	Short:         "Device session orchestrator",
	Long:          `Bridges toy devices to a realtime speech engine, one session per device.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.LogLevel == "debug" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
