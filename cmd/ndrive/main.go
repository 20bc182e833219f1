// Command ndrive binds local folders to Nuxeo servers and keeps them
// synchronized.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nxdrive/drivesync/internal/config"
	"github.com/nxdrive/drivesync/internal/engine"
	"github.com/nxdrive/drivesync/internal/logging"
)

var (
	v    = viper.New()
	cfg  *config.Config
	logs *logging.Sink
)

// flagKeys maps persistent flags to configuration keys.
var flagKeys = map[string]string{
	"nxdrive-home":         config.KeyHome,
	"delay":                config.KeyDelay,
	"timeout":              config.KeyTimeout,
	"max-errors":           config.KeyMaxErrors,
	"big-file":             config.KeyBigFile,
	"chunk-size":           config.KeyChunkSize,
	"ssl-no-verify":        config.KeySSLNoVerify,
	"deletion-behavior":    config.KeyDeletionBehavior,
	"max-file-processors":  config.KeyMaxFileProcessors,
	"remote-scan-interval": config.KeyRemoteScanInterval,
	"notify-port":          config.KeyNotifyPort,
	"verbose":              config.KeyVerbose,
	"console-log":          config.KeyConsoleLog,
}

var rootCmd = &cobra.Command{
	Use:   "ndrive",
	Short: "Synchronize local folders with Nuxeo servers",
	Long: `ndrive keeps local folders and Nuxeo workspaces in agreement.

Bind a folder once with "ndrive bind-server", then run "ndrive console" to
synchronize continuously, or "ndrive sync" for a single pass.

Options come from flags, NXDRIVE_* environment variables and
{nxdrive_home}/config.toml, in that order.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logs != nil {
			_ = logs.Close()
		}
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "binding", Title: "Binding:"},
		&cobra.Group{ID: "sync", Title: "Synchronization:"},
		&cobra.Group{ID: "documents", Title: "Documents:"},
	)

	f := rootCmd.PersistentFlags()
	f.String("nxdrive-home", config.DefaultHome(), "Folder holding databases, logs and the configuration")
	f.Int("delay", 30, "Seconds between two remote polls")
	f.Int("timeout", 20, "Seconds before a server request times out")
	f.Int("max-errors", 3, "Failures before a pair is left aside")
	f.Int64("big-file", 300, "Size in MiB above which digests are computed lazily")
	f.Int64("chunk-size", 20, "Upload chunk size in MiB")
	f.Bool("ssl-no-verify", false, "Skip TLS certificate verification")
	f.String("deletion-behavior", config.DeleteToTrash, `What a local deletion does remotely: "trash" or "delete"`)
	f.Int("max-file-processors", 5, "Concurrent file workers")
	f.Int("remote-scan-interval", 0, "Seconds between full remote scans, 0 to disable")
	f.Int("notify-port", 0, "Port of the event WebSocket server, 0 to disable")
	f.BoolP("verbose", "v", false, "Log debug output")
	f.Bool("console-log", true, "Mirror the log file on stderr")
	f.Bool("no-color", false, "Disable colored output")
}

func setup(cmd *cobra.Command, args []string) error {
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, cmd.Root().PersistentFlags().Lookup(name)); err != nil {
			return err
		}
	}
	changed := func(key string) bool {
		for name, k := range flagKeys {
			if k == key {
				return cmd.Flags().Changed(name)
			}
		}
		return false
	}

	var err error
	if cfg, err = config.Load(v, changed); err != nil {
		return err
	}
	opts := logging.DefaultOptions(cfg.LogDir())
	opts.Console = cfg.ConsoleLog
	opts.Verbose = cfg.Verbose
	if logs, err = logging.Open(opts); err != nil {
		return fmt.Errorf("failed to open log: %w", err)
	}

	noColor, _ := cmd.Flags().GetBool("no-color")
	setColor(noColor)
	return nil
}

// withManager runs fn on a manager of the configured home and closes it.
func withManager(ctx context.Context, fn func(m *engine.Manager) error) error {
	m, err := engine.NewManager(engine.ManagerOptions{Config: cfg, Logs: logs})
	if err != nil {
		return err
	}
	err = fn(m)
	if cerr := m.Close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// pickEngine returns the engine named by uid, the engine of the current
// folder, or the only bound engine.
func pickEngine(ctx context.Context, m *engine.Manager, uid string) (*engine.Engine, error) {
	if uid != "" {
		return m.Engine(ctx, uid)
	}
	bindings := m.Bindings()
	switch len(bindings) {
	case 0:
		return nil, errors.New(`no folder bound, run "ndrive bind-server" first`)
	case 1:
		return m.Engine(ctx, bindings[0].UID)
	}
	if wd, err := os.Getwd(); err == nil {
		if e, _, err := m.EngineFor(ctx, wd); err == nil {
			return e, nil
		}
	}
	return nil, errors.New("several folders are bound, pick one with --engine")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", renderFail("Error:"), err)
		cancel()
		os.Exit(1)
	}
}
