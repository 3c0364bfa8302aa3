package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	pullTypes  []string
	pullDryRun bool
)

var initialSyncCmd = &cobra.Command{
	Use:   "initial-sync",
	Short: "Pull the master's current dataset into an empty replica",
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{"dryRun": pullDryRun}
		if len(pullTypes) > 0 {
			body["contentTypes"] = pullTypes
		}
		out, err := postJSON("/initial-sync/pull", body)
		if out != nil && jsonOutput {
			printResult(out)
		}
		if err != nil {
			return err
		}
		if !jsonOutput {
			printPullStatus(out["status"])
		}
		return nil
	},
}

var initialSyncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the last initial sync run",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := getJSON("/initial-sync/status")
		if err != nil {
			return err
		}
		if jsonOutput {
			printResult(out)
			return nil
		}
		printPullStatus(out)
		return nil
	},
}

func printPullStatus(v any) {
	st, _ := v.(map[string]any)
	if st == nil {
		fmt.Println("no initial sync has run")
		return
	}
	perType, _ := st["perType"].(map[string]any)
	for ct, r := range perType {
		res, _ := r.(map[string]any)
		fmt.Printf("%-30s seen %v, created %v, skipped %v, failed %v\n",
			ct, res["seen"], res["created"], res["skipped"], res["failed"])
	}
	if errMsg, ok := st["error"].(string); ok && errMsg != "" {
		fmt.Printf("error: %s\n", errMsg)
	}
}

var mediaCmd = &cobra.Command{
	Use:   "media",
	Short: "Control the blob mirror",
}

var mediaSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a mirror cycle now",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := postJSON("/media/sync", map[string]any{})
		if out != nil && jsonOutput {
			printResult(out)
		}
		if err != nil {
			return err
		}
		if !jsonOutput {
			printResult(out["stats"])
		}
		return nil
	},
}

var mediaStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show mirror statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := getJSON("/media/stats")
		if err != nil {
			return err
		}
		printResult(out)
		return nil
	},
}

func init() {
	initialSyncCmd.Flags().StringSliceVar(&pullTypes, "content-type", nil, "Limit to specific content types (repeatable)")
	initialSyncCmd.Flags().BoolVar(&pullDryRun, "dry-run", false, "Count what would be pulled without writing")
	initialSyncCmd.AddCommand(initialSyncStatusCmd)
	mediaCmd.AddCommand(mediaSyncCmd, mediaStatsCmd)
}
