package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

var (
	dlqState   string
	dlqReason  string
	dlqShipID  string
	dlqAction  string
	dlqLocalID string
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and replay dead-lettered messages",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-letter entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if dlqState != "" {
			q.Set("state", dlqState)
		}
		if dlqReason != "" {
			q.Set("reason", dlqReason)
		}
		if dlqShipID != "" {
			q.Set("shipId", dlqShipID)
		}
		path := "/dead-letter"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}
		out, err := getJSON(path)
		if err != nil {
			return err
		}
		if jsonOutput {
			printResult(out)
			return nil
		}
		entries, _ := out["entries"].([]any)
		if len(entries) == 0 {
			fmt.Println("dead-letter queue is empty")
			return nil
		}
		for _, e := range entries {
			entry, _ := e.(map[string]any)
			msg, _ := entry["message"].(map[string]any)
			fmt.Printf("%-6v %-10v %-8v %s %s/%s\n",
				entry["id"], entry["state"], entry["reason"],
				msg["operation"], msg["contentType"], msg["documentId"])
		}
		return nil
	},
}

var dlqShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one dead-letter entry in full",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := getJSON("/dead-letter/" + args[0])
		if err != nil {
			return err
		}
		printResult(out)
		return nil
	},
}

var dlqRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Replay a dead-lettered message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := postJSON("/dead-letter/"+args[0]+"/retry", map[string]any{})
		if out != nil && jsonOutput {
			printResult(out)
		}
		if err != nil {
			return err
		}
		if !jsonOutput {
			fmt.Printf("outcome: %v\n", out["outcome"])
		}
		return nil
	},
}

var dlqResolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Close a dead-letter entry (discard, or rebind its identity and replay)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{"action": dlqAction}
		if dlqLocalID != "" {
			body["localId"] = dlqLocalID
		}
		out, err := postJSON("/dead-letter/"+args[0]+"/resolve", body)
		if out != nil && jsonOutput {
			printResult(out)
		}
		if err != nil {
			return err
		}
		if !jsonOutput {
			fmt.Printf("outcome: %v\n", out["outcome"])
		}
		return nil
	},
}

func init() {
	dlqListCmd.Flags().StringVar(&dlqState, "state", "", "Filter by state (pending|retrying|exhausted|resolved)")
	dlqListCmd.Flags().StringVar(&dlqReason, "reason", "", "Filter by reason (orphan|schema|conflict|apply|publish)")
	dlqListCmd.Flags().StringVar(&dlqShipID, "ship", "", "Filter by originating ship")
	dlqResolveCmd.Flags().StringVar(&dlqAction, "action", "discard", "Resolution action (discard|rebind)")
	dlqResolveCmd.Flags().StringVar(&dlqLocalID, "local-id", "", "Local row id for --action rebind")
	dlqCmd.AddCommand(dlqListCmd, dlqShowCmd, dlqRetryCmd, dlqResolveCmd)
}
