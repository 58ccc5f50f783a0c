package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/psantana5/sessiond/pkg/models"
)

var (
	stopLogout bool
	stopDelete bool
	flushAll   bool
)

// startCmd represents the start command
var startCmd = &cobra.Command{
	Use:   "start <key>",
	Short: "Start a session worker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient().Start(args[0]); err != nil {
			return fmt.Errorf("failed to start session: %w", err)
		}
		fmt.Printf("Session %s started\n", args[0])
		return nil
	},
}

// stopCmd represents the stop command
var stopCmd = &cobra.Command{
	Use:   "stop <key>",
	Short: "Stop a session worker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode := models.TeardownDestroy
		if stopLogout {
			mode = models.TeardownLogout
		}
		if err := apiClient().Stop(args[0], mode, stopDelete); err != nil {
			return fmt.Errorf("failed to stop session: %w", err)
		}
		fmt.Printf("Session %s stopped\n", args[0])
		return nil
	},
}

// reloadCmd represents the reload command
var reloadCmd = &cobra.Command{
	Use:   "reload <key>",
	Short: "Restart a session worker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient().Reload(args[0]); err != nil {
			return fmt.Errorf("failed to reload session: %w", err)
		}
		fmt.Printf("Session %s reloaded\n", args[0])
		return nil
	},
}

// flushCmd represents the flush command
var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Reconcile persisted session directories",
	Long:  `Run a reconciliation pass: orphaned work directories are reclaimed and disconnected sessions are torn down. With --all, every session is flushed regardless of its connection state.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient().Flush(!flushAll); err != nil {
			return fmt.Errorf("flush failed: %w", err)
		}
		fmt.Println("Flush complete")
		return nil
	},
}

func init() {
	stopCmd.Flags().BoolVar(&stopLogout, "logout", false, "deauthenticate the worker before stopping")
	stopCmd.Flags().BoolVar(&stopDelete, "delete", false, "remove the session's work directory")
	flushCmd.Flags().BoolVar(&flushAll, "all", false, "flush connected sessions as well")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(reloadCmd)
	rootCmd.AddCommand(flushCmd)
}
