package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	conflictState    string
	conflictStrategy string
	conflictData     string
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Inspect and resolve write-write conflicts",
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conflict records",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/conflicts"
		if conflictState != "" {
			path += "?state=" + conflictState
		}
		out, err := getJSON(path)
		if err != nil {
			return err
		}
		if jsonOutput {
			printResult(out)
			return nil
		}
		conflicts, _ := out["conflicts"].([]any)
		if len(conflicts) == 0 {
			fmt.Println("no conflicts")
			return nil
		}
		for _, c := range conflicts {
			rec, _ := c.(map[string]any)
			fmt.Printf("%-6v %-9v %s/%s detected %v\n",
				rec["id"], rec["state"], rec["contentType"], rec["documentId"], rec["detectedAt"])
		}
		return nil
	},
}

var conflictsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one conflict with both snapshots",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := getJSON("/conflicts/" + args[0])
		if err != nil {
			return err
		}
		printResult(out)
		return nil
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Resolve a conflict by keeping local state, applying the remote snapshot, or supplying data",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{"strategy": conflictStrategy}
		if conflictData != "" {
			if !json.Valid([]byte(conflictData)) {
				return fmt.Errorf("--data must be valid JSON")
			}
			body["data"] = json.RawMessage(conflictData)
		}
		out, err := postJSON("/conflicts/"+args[0]+"/resolve", body)
		if out != nil && jsonOutput {
			printResult(out)
		}
		if err != nil {
			return err
		}
		if !jsonOutput {
			fmt.Printf("resolved (%v)\n", out["resolution"])
		}
		return nil
	},
}

func init() {
	conflictsListCmd.Flags().StringVar(&conflictState, "state", "", "Filter by state (open|resolved)")
	conflictsResolveCmd.Flags().StringVar(&conflictStrategy, "strategy", "keep_local", "Resolution strategy (keep_local|apply_remote)")
	conflictsResolveCmd.Flags().StringVar(&conflictData, "data", "", "Operator-supplied JSON payload to apply instead")
	conflictsCmd.AddCommand(conflictsListCmd, conflictsShowCmd, conflictsResolveCmd)
}
