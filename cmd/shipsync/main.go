package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	serverAddr string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "shipsync",
	Short: "shipsync - offline-tolerant content replication",
	Long: `Keeps edge replicas ("ships") eventually consistent with a central
master over intermittent links. Run "shipsync serve" to start the engine;
the other commands talk to a running engine over its HTTP surface.`,
	Run: func(cmd *cobra.Command, args []string) {
		if v, _ := cmd.Flags().GetBool("version"); v {
			printVersion()
			return
		}
		_ = cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: shipsync.yaml in . or /etc/shipsync)")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "", "Address of a running engine (default: httpAddr from config)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.Flags().BoolP("version", "V", false, "Print version information")

	rootCmd.AddCommand(
		serveCmd,
		statusCmd,
		pushCmd,
		pullCmd,
		queueCmd,
		shipsCmd,
		dlqCmd,
		conflictsCmd,
		initialSyncCmd,
		mediaCmd,
		versionCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
