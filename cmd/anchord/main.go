package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var version = "dev"

var (
	configPath string

	headerColor = color.New(color.FgCyan, color.Bold)
	warnColor   = color.New(color.FgYellow)
)

var rootCmd = &cobra.Command{
	Use:     "anchord",
	Version: version,
	Short:   "Keeps anchored world regions resident",
	Long: `anchord keeps the regions around owner-placed anchors loaded.

Each anchor pins a square of regions either always or while at least one
owner is online. Owners manage their anchors over a websocket session.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yml", "path to config.yml")
	rootCmd.AddCommand(serveCmd, listCmd, clientCmd, auditCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
