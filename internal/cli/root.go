// Package cli 定义 proctorstream 命令行
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev" // 构建时通过 ldflags 注入

// rootOptions 所有子命令共享的参数
type rootOptions struct {
	configFile string
	logLevel   string
	logFormat  string
}

// NewRootCmd 创建根命令
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "proctorstream",
		Short: "Proctoring session streaming and alert dispatch",
		Long: `proctorstream ingests candidate webcam frames over websocket, runs them
through a detection collaborator, coalesces the results into alerts and
fans session events out to proctors over websocket, gRPC and MQTT.`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (default searches ./configs, ../configs and . for proctor.yaml)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "override log.format (text, json)")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newSimulateCmd(opts))
	cmd.AddCommand(newWatchCmd(opts))
	cmd.AddCommand(newExportCmd(opts))
	cmd.AddCommand(newLoadTestCmd(opts))
	return cmd
}

// Execute 运行根命令，由 main 调用
func Execute() {
	if err := NewRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
