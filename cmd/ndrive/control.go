package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/nxdrive/drivesync/internal/engine"
	"github.com/nxdrive/drivesync/internal/state"
)

// engineCommand builds a command acting on one engine, picked with
// --engine or from the current folder.
func engineCommand(cmd *cobra.Command, fn func(ctx context.Context, e *engine.Engine, args []string) error) *cobra.Command {
	cmd.Flags().String("engine", "", "Engine uid, when several folders are bound")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		uid, _ := cmd.Flags().GetString("engine")
		return withManager(cmd.Context(), func(m *engine.Manager) error {
			e, err := pickEngine(cmd.Context(), m, uid)
			if err != nil {
				return err
			}
			return fn(cmd.Context(), e, args)
		})
	}
	return cmd
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(s, "#"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

// parseUntil reads an absolute or relative time such as "in 2 hours" or
// "tomorrow at 9am".
func parseUntil(text string, now time.Time) (time.Time, error) {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(text, now)
	if err != nil {
		return time.Time{}, err
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("cannot understand %q as a time", text)
	}
	if !r.Time.After(now) {
		return time.Time{}, fmt.Errorf("%s is in the past", r.Time.Format(time.DateTime))
	}
	return r.Time, nil
}

var suspendCmd = engineCommand(&cobra.Command{
	Use:     "suspend",
	GroupID: "sync",
	Short:   "Suspend synchronization",
	Long: `Suspend synchronization of a bound folder. Running transfers stop after
their current chunk and resume later.

A running console picks the suspension up within seconds.

Example usage:
  ndrive suspend
  ndrive suspend --until "in 2 hours"
  ndrive suspend --until "tomorrow at 9am"`,
	Args: cobra.NoArgs,
}, func(ctx context.Context, e *engine.Engine, args []string) error {
	until := time.Time{}
	if text := suspendUntil; text != "" {
		var err error
		if until, err = parseUntil(text, time.Now()); err != nil {
			return err
		}
	}
	if err := e.SuspendUntil(ctx, until); err != nil {
		return err
	}
	if until.IsZero() {
		fmt.Printf("%s Suspended %s\n", renderWarn("⏸"), e.Binding().Name)
	} else {
		fmt.Printf("%s Suspended %s until %s (%s)\n", renderWarn("⏸"), e.Binding().Name,
			until.Format(time.DateTime), humanize.Time(until))
	}
	return nil
})

var suspendUntil string

var resumeCmd = engineCommand(&cobra.Command{
	Use:     "resume",
	GroupID: "sync",
	Short:   "Resume a suspended synchronization",
	Args:    cobra.NoArgs,
}, func(ctx context.Context, e *engine.Engine, args []string) error {
	if err := e.Resume(ctx); err != nil {
		return err
	}
	fmt.Printf("%s Resumed %s\n", renderPass("▶"), e.Binding().Name)
	return nil
})

var syncCmd = engineCommand(&cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run a single synchronization pass",
	Long: `Scan local and remote changes once, process everything queued and exit.

Use "ndrive console" to keep folders synchronized continuously.`,
	Args: cobra.NoArgs,
}, func(ctx context.Context, e *engine.Engine, args []string) error {
	start := time.Now()
	n, err := e.SyncOnce(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%s Processed %d item(s) in %s\n", renderPass("✓"), n, time.Since(start).Round(time.Millisecond))
	return nil
})

var filterCmd = &cobra.Command{
	Use:     "filter",
	GroupID: "sync",
	Short:   "Manage remote folders excluded from synchronization",
	Long: `Filtered remote folders are not synchronized; their local copy is
removed. Folders are named by their remote path, as shown by "ndrive status".`,
}

var filterAddCmd = engineCommand(&cobra.Command{
	Use:   "add <remote_path>",
	Short: "Exclude a remote folder",
	Args:  cobra.ExactArgs(1),
}, func(ctx context.Context, e *engine.Engine, args []string) error {
	if err := e.AddFilter(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("%s Filtered %s\n", renderPass("✓"), args[0])
	return nil
})

var filterRemoveCmd = engineCommand(&cobra.Command{
	Use:   "remove <remote_path>",
	Short: "Synchronize a filtered folder again",
	Args:  cobra.ExactArgs(1),
}, func(ctx context.Context, e *engine.Engine, args []string) error {
	if err := e.RemoveFilter(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("%s Unfiltered %s\n", renderPass("✓"), args[0])
	return nil
})

var filterListCmd = engineCommand(&cobra.Command{
	Use:   "list",
	Short: "List filtered folders",
	Args:  cobra.NoArgs,
}, func(ctx context.Context, e *engine.Engine, args []string) error {
	filters := e.Filters()
	if len(filters) == 0 {
		fmt.Println("No filter.")
		return nil
	}
	for _, f := range filters {
		fmt.Println(f)
	}
	return nil
})

var resolveCmd = engineCommand(&cobra.Command{
	Use:     "resolve <pair_id>",
	GroupID: "sync",
	Short:   "Resolve a conflict",
	Long: `Resolve a conflicted pair by keeping one side.

Example usage:
  ndrive resolve 42 --with local
  ndrive resolve 42 --with remote`,
	Args: cobra.ExactArgs(1),
}, func(ctx context.Context, e *engine.Engine, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	switch resolveWith {
	case "local":
		err = e.ResolveWithLocal(ctx, id)
	case "remote":
		err = e.ResolveWithRemote(ctx, id)
	default:
		return fmt.Errorf(`--with must be "local" or "remote"`)
	}
	if err != nil {
		return err
	}
	fmt.Printf("%s Kept the %s version of #%d\n", renderPass("✓"), resolveWith, id)
	return nil
})

var resolveWith string

var retryCmd = engineCommand(&cobra.Command{
	Use:     "retry <pair_id>",
	GroupID: "sync",
	Short:   "Retry a pair left aside after errors",
	Args:    cobra.ExactArgs(1),
}, func(ctx context.Context, e *engine.Engine, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	if err := e.RetryPair(ctx, id); err != nil {
		return err
	}
	fmt.Printf("%s Queued #%d\n", renderPass("✓"), id)
	return nil
})

var unsyncCmd = engineCommand(&cobra.Command{
	Use:     "unsync <pair_id>",
	GroupID: "sync",
	Short:   "Stop synchronizing one pair",
	Args:    cobra.ExactArgs(1),
}, func(ctx context.Context, e *engine.Engine, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	if err := e.Unsynchronize(ctx, id, unsyncReason); err != nil {
		return err
	}
	fmt.Printf("%s Unsynchronized #%d\n", renderPass("✓"), id)
	return nil
})

var unsyncReason string

var resyncCmd = engineCommand(&cobra.Command{
	Use:     "resync <pair_id>",
	GroupID: "sync",
	Short:   "Synchronize an unsynchronized pair again",
	Args:    cobra.ExactArgs(1),
}, func(ctx context.Context, e *engine.Engine, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	if err := e.Resynchronize(ctx, id); err != nil {
		return err
	}
	fmt.Printf("%s Queued #%d\n", renderPass("✓"), id)
	return nil
})

var transferCmd = &cobra.Command{
	Use:     "transfer",
	GroupID: "sync",
	Short:   "Pause or resume uploads and downloads",
	Long: `Pause or resume one transfer. Transfer ids are shown by "ndrive status".

Example usage:
  ndrive transfer pause upload 3
  ndrive transfer resume upload 3`,
}

func transferControl(use, short string, pause bool) *cobra.Command {
	return engineCommand(&cobra.Command{
		Use:       use + " <upload|download> <id>",
		Short:     short,
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{string(state.TransferUpload), string(state.TransferDownload)},
	}, func(ctx context.Context, e *engine.Engine, args []string) error {
		kind := state.TransferKind(args[0])
		if kind != state.TransferUpload && kind != state.TransferDownload {
			return fmt.Errorf("unknown transfer kind %q", args[0])
		}
		id, err := parseID(args[1])
		if err != nil {
			return err
		}
		if pause {
			err = e.PauseTransfer(ctx, kind, id)
		} else {
			err = e.ResumeTransfer(ctx, kind, id)
		}
		if err != nil {
			return err
		}
		fmt.Printf("%s %s %d\n", renderPass("✓"), short, id)
		return nil
	})
}

var directTransferCmd = engineCommand(&cobra.Command{
	Use:     "direct-transfer <path>... --to <remote_ref>",
	GroupID: "documents",
	Short:   "Upload files from anywhere into a remote folder",
	Long: `Upload local files and folders, which need not be in a bound folder,
into a remote folder. The upload is tracked as a session that can be paused,
resumed and cancelled.

Example usage:
  ndrive direct-transfer ~/Scans --to 5ad0... --description "March scans"
  ndrive direct-transfer report.pdf slides.odp --to 5ad0... --no-wait`,
	Args: cobra.MinimumNArgs(1),
}, func(ctx context.Context, e *engine.Engine, args []string) error {
	if directTo == "" {
		return fmt.Errorf("--to is required")
	}
	sess, err := e.DirectTransfer(ctx, args, directTo, directDescription)
	if err != nil {
		return err
	}
	fmt.Printf("%s Session #%d: %d item(s) to %s\n", renderAccent("⇪"), sess.UID, sess.Total, sess.RemotePath)
	if directNoWait {
		fmt.Println(renderMuted("   Uploads run with the next synchronization pass."))
		return nil
	}
	n, err := e.SyncOnce(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%s Processed %d item(s)\n", renderPass("✓"), n)
	return nil
})

var (
	directTo          string
	directDescription string
	directNoWait      bool
)

var sessionCmd = &cobra.Command{
	Use:     "session",
	GroupID: "documents",
	Short:   "Manage Direct Transfer sessions",
}

var sessionListCmd = engineCommand(&cobra.Command{
	Use:   "list",
	Short: "List Direct Transfer sessions",
	Args:  cobra.NoArgs,
}, func(ctx context.Context, e *engine.Engine, args []string) error {
	sessions, err := e.Sessions(ctx, sessionListAll)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No session.")
		return nil
	}
	for _, s := range sessions {
		fmt.Printf("#%d %s %d/%d to %s, %s [%s]\n", s.UID, s.Description, s.Uploaded, s.Total,
			s.RemotePath, humanize.Time(s.CreatedOn), s.Status)
	}
	return nil
})

var sessionListAll bool

func sessionControl(use, short string, fn func(*engine.Engine, context.Context, int64) error) *cobra.Command {
	return engineCommand(&cobra.Command{
		Use:   use + " <session_id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
	}, func(ctx context.Context, e *engine.Engine, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		if err := fn(e, ctx, id); err != nil {
			return err
		}
		fmt.Printf("%s %s #%d\n", renderPass("✓"), short, id)
		return nil
	})
}

func init() {
	suspendCmd.Flags().StringVar(&suspendUntil, "until", "", `When to resume, e.g. "in 2 hours" (default: until "ndrive resume")`)
	resolveCmd.Flags().StringVar(&resolveWith, "with", "", `Version to keep: "local" or "remote"`)
	unsyncCmd.Flags().StringVar(&unsyncReason, "reason", "", "Note kept with the pair")
	directTransferCmd.Flags().StringVar(&directTo, "to", "", "Remote folder reference")
	directTransferCmd.Flags().StringVar(&directDescription, "description", "", "Session description")
	directTransferCmd.Flags().BoolVar(&directNoWait, "no-wait", false, "Queue the uploads and exit")
	sessionListCmd.Flags().BoolVar(&sessionListAll, "all", false, "Include finished sessions")

	filterCmd.AddCommand(filterAddCmd, filterRemoveCmd, filterListCmd)
	transferCmd.AddCommand(
		transferControl("pause", "Paused transfer", true),
		transferControl("resume", "Resumed transfer", false),
	)
	sessionCmd.AddCommand(
		sessionListCmd,
		sessionControl("pause", "Paused session", (*engine.Engine).PauseSession),
		sessionControl("resume", "Resumed session", (*engine.Engine).ResumeSession),
		sessionControl("cancel", "Cancelled session", (*engine.Engine).CancelSession),
	)

	rootCmd.AddCommand(suspendCmd, resumeCmd, syncCmd, filterCmd, resolveCmd, retryCmd,
		unsyncCmd, resyncCmd, transferCmd, directTransferCmd, sessionCmd)
}
