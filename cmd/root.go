package cmd

import (
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "orders",
	Short: "Order lifecycle service",
	Long:  `Order lifecycle service: accepts order commands over HTTP, publishes order events and runs the reactors that consume them`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", ".", "directory containing config.yaml or app.env")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
