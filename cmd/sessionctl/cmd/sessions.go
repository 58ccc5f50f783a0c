package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// sessionsCmd represents the sessions command
var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List supervised sessions",
	Long:  `Retrieve and display all sessions registered with the daemon.`,
	RunE:  runSessionsList,
}

// describeCmd represents the sessions describe command
var describeCmd = &cobra.Command{
	Use:   "describe <key>",
	Short: "Show one session's state and recent events",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsDescribe,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(describeCmd)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	infos, err := apiClient().Sessions()
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	switch outputFormat {
	case "json":
		return json.NewEncoder(os.Stdout).Encode(infos)
	case "yaml":
		return yaml.NewEncoder(os.Stdout).Encode(infos)
	}

	if len(infos) == 0 {
		fmt.Println("No sessions registered")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Key", "State", "PID")
	for _, info := range infos {
		pid := "-"
		if info.PID > 0 {
			pid = fmt.Sprintf("%d", info.PID)
		}
		table.Append(info.Key, string(info.State), pid)
	}
	table.Render()
	return nil
}

func runSessionsDescribe(cmd *cobra.Command, args []string) error {
	detail, err := apiClient().Session(args[0])
	if err != nil {
		return fmt.Errorf("failed to describe session: %w", err)
	}

	switch outputFormat {
	case "json":
		return json.NewEncoder(os.Stdout).Encode(detail)
	case "yaml":
		return yaml.NewEncoder(os.Stdout).Encode(detail)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Append("Key", detail.Key)
	table.Append("State", string(detail.State))
	table.Append("PID", fmt.Sprintf("%d", detail.PID))
	table.Append("Connected", fmt.Sprintf("%t", detail.Connected))
	if detail.Detail != "" {
		table.Append("Detail", detail.Detail)
	}
	table.Render()

	if len(detail.Events) > 0 {
		fmt.Println("\nRecent events:")
		events := tablewriter.NewWriter(os.Stdout)
		events.Header("Time", "Op", "Outcome", "Detail")
		for _, ev := range detail.Events {
			events.Append(ev.At.Format("2006-01-02 15:04:05"), string(ev.Op), ev.Outcome, ev.Detail)
		}
		events.Render()
	}
	return nil
}
