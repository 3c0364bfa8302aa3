package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engine mode, connectivity and queue depth",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := getJSON("/status")
		if err != nil {
			return err
		}
		if jsonOutput {
			printResult(out)
			return nil
		}
		fmt.Printf("mode:       %v\n", out["mode"])
		if shipID, ok := out["shipId"].(string); ok && shipID != "" {
			fmt.Printf("ship:       %s\n", shipID)
		}
		fmt.Printf("queue:      %v pending\n", out["queueSize"])
		if conn, ok := out["connectivity"].(map[string]any); ok {
			state := "offline"
			if online, _ := conn["isOnline"].(bool); online {
				state = "online"
			}
			fmt.Printf("link:       %s (%vms)\n", state, conn["latencyMs"])
		}
		return nil
	},
}

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Drain the outbound queue now",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := postJSON("/push", map[string]any{})
		if err != nil {
			return err
		}
		if jsonOutput {
			printResult(out)
			return nil
		}
		if skipped, _ := out["skipped"].(bool); skipped {
			fmt.Println("skipped: link is offline")
			return nil
		}
		fmt.Printf("sent %v, failed %v\n", out["sent"], out["failed"])
		return nil
	},
}

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Requeue failed outbound entries for another push",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := postJSON("/pull", map[string]any{})
		if err != nil {
			return err
		}
		if jsonOutput {
			printResult(out)
			return nil
		}
		fmt.Printf("requeued %v entries\n", out["requeued"])
		return nil
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List outbound queue entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := getJSON("/queue")
		if err != nil {
			return err
		}
		if jsonOutput {
			printResult(out)
			return nil
		}
		entries, _ := out["entries"].([]any)
		if len(entries) == 0 {
			fmt.Println("queue is empty")
			return nil
		}
		for _, e := range entries {
			entry, _ := e.(map[string]any)
			msg, _ := entry["message"].(map[string]any)
			fmt.Printf("%-6v %-8v %s %s/%s\n",
				entry["id"], entry["state"], msg["operation"], msg["contentType"], msg["documentId"])
		}
		return nil
	},
}

var shipsCmd = &cobra.Command{
	Use:   "ships",
	Short: "List known ships and their connectivity (master only)",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := getJSON("/ships")
		if err != nil {
			return err
		}
		if jsonOutput {
			printResult(out)
			return nil
		}
		ships, _ := out["ships"].([]any)
		if len(ships) == 0 {
			fmt.Println("no ships have reported yet")
			return nil
		}
		for _, s := range ships {
			ship, _ := s.(map[string]any)
			name, _ := ship["shipName"].(string)
			if name != "" {
				name = " (" + name + ")"
			}
			fmt.Printf("%-16v%s %-8v last seen %v\n",
				ship["shipId"], name, ship["connectivityStatus"], ship["lastSeenAt"])
		}
		return nil
	},
}
