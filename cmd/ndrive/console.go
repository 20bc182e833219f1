package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nxdrive/drivesync/internal/engine"
)

var consoleCmd = &cobra.Command{
	Use:     "console",
	GroupID: "sync",
	Short:   "Synchronize every bound folder until interrupted",
	Long: `Start every bound folder and keep it synchronized until interrupted.

Send SIGHUP to reopen the log file after an external rotation. With
--notify-port, state changes are published on ws://127.0.0.1:<port>/ws.

Example usage:
  ndrive console
  ndrive console --notify-port 8765 --verbose`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		go func() {
			for range hup {
				if err := logs.Rotate(); err != nil {
					fmt.Fprintf(os.Stderr, "%s failed to rotate log: %v\n", renderWarn("Warning:"), err)
				}
			}
		}()

		return withManager(cmd.Context(), func(m *engine.Manager) error {
			bindings := m.Bindings()
			if len(bindings) == 0 {
				return fmt.Errorf(`no folder bound, run "ndrive bind-server" first`)
			}
			fmt.Printf("%s Synchronizing %d folder(s)\n", renderAccent("⟳"), len(bindings))
			for _, b := range bindings {
				fmt.Printf("   %s → %s %s\n", b.LocalFolder, b.ServerURL, renderMuted(b.UID))
			}
			if cfg.NotifyPort > 0 {
				fmt.Printf("   Events: ws://127.0.0.1:%d/ws\n", cfg.NotifyPort)
			}
			fmt.Println(renderMuted("   Press Ctrl+C to stop."))

			if err := m.Run(cmd.Context()); err != nil {
				return err
			}
			fmt.Printf("%s Stopped\n", renderPass("✓"))
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(consoleCmd)
}
