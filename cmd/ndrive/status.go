package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/disiqueira/gotree/v3"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nxdrive/drivesync/internal/engine"
	"github.com/nxdrive/drivesync/internal/state"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show the synchronization state of bound folders",
	Long: `Show the state of each bound folder: pair counts, queued work,
conflicts, errors and transfers in progress.

The folders with pending work below them are drawn as a tree.

Example usage:
  ndrive status
  ndrive status --engine 2f1c... --format json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		uid, _ := cmd.Flags().GetString("engine")
		format, _ := cmd.Flags().GetString("format")
		switch format {
		case "text", "json", "yaml":
		default:
			return fmt.Errorf("unknown format %q (want text, json or yaml)", format)
		}

		return withManager(cmd.Context(), func(m *engine.Manager) error {
			var engines []*engine.Engine
			if uid != "" {
				e, err := m.Engine(cmd.Context(), uid)
				if err != nil {
					return err
				}
				engines = append(engines, e)
			} else {
				var err error
				if engines, err = m.Engines(cmd.Context()); err != nil {
					return err
				}
			}
			if len(engines) == 0 {
				fmt.Println("No folder bound. Run 'ndrive bind-server' to add one.")
				return nil
			}

			reports := make([]*engine.Status, 0, len(engines))
			for _, e := range engines {
				st, err := e.Status(cmd.Context())
				if err != nil {
					return fmt.Errorf("engine %s: %w", e.UID(), err)
				}
				reports = append(reports, st)
			}

			switch format {
			case "json":
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(reports)
			case "yaml":
				enc := yaml.NewEncoder(os.Stdout)
				enc.SetIndent(2)
				defer enc.Close()
				return enc.Encode(reports)
			}
			for i, st := range reports {
				if i > 0 {
					fmt.Println()
				}
				printStatus(os.Stdout, st)
			}
			return nil
		})
	},
}

func printStatus(w io.Writer, st *engine.Status) {
	fmt.Fprintf(w, "%s %s\n", renderHeader(st.Name), renderMuted(st.UID))
	fmt.Fprintf(w, "  Folder: %s\n", st.LocalFolder)
	fmt.Fprintf(w, "  Server: %s as %s\n", st.ServerURL, st.User)
	fmt.Fprintf(w, "  State:  %s", stateLabel(st.State))
	if st.SuspendedUntil != nil {
		fmt.Fprintf(w, " until %s (%s)", st.SuspendedUntil.Format(time.DateTime), humanize.Time(*st.SuspendedUntil))
	}
	fmt.Fprintln(w)

	states := make([]string, 0, len(st.Pairs))
	for s := range st.Pairs {
		states = append(states, string(s))
	}
	sort.Strings(states)
	parts := make([]string, 0, len(states))
	for _, s := range states {
		parts = append(parts, fmt.Sprintf("%s %s", humanize.Comma(int64(st.Pairs[state.PairState(s)])), s))
	}
	if len(parts) > 0 {
		fmt.Fprintf(w, "  Pairs:  %s\n", strings.Join(parts, ", "))
	}
	fmt.Fprintf(w, "  Queue:  %d queued, %d in flight\n", st.Queued, st.InFlight)
	if len(st.Filters) > 0 {
		fmt.Fprintf(w, "  Filtered: %s\n", strings.Join(st.Filters, ", "))
	}

	if len(st.ChildrenModified) > 0 {
		fmt.Fprintln(w)
		fmt.Fprint(w, pendingTree(st.ChildrenModified))
	}
	printItems(w, "Conflicts", st.Conflicts, renderWarn)
	printItems(w, "Errors", st.Errors, renderFail)
	printItems(w, "Unsynchronized", st.Unsynchronized, renderMuted)

	if len(st.Transfers) > 0 {
		fmt.Fprintf(w, "\n%s\n", renderAccent("Transfers"))
		for _, t := range st.Transfers {
			fmt.Fprintf(w, "  %-8s %s %5.1f%% of %s [%s]\n",
				t.Kind, t.Path, t.Progress, humanize.IBytes(uint64(max(t.Filesize, 0))), t.Status)
		}
	}
	if len(st.Sessions) > 0 {
		fmt.Fprintf(w, "\n%s\n", renderAccent("Direct Transfer sessions"))
		for _, s := range st.Sessions {
			fmt.Fprintf(w, "  #%d %s %d/%d to %s [%s]\n", s.UID, s.Description, s.Uploaded, s.Total, s.RemotePath, s.Status)
		}
	}
}

func stateLabel(s string) string {
	switch s {
	case engine.StateRunning:
		return renderPass(s)
	case engine.StateSuspended:
		return renderWarn(s)
	default:
		return renderMuted(s)
	}
}

func printItems(w io.Writer, title string, items []engine.Item, render func(string) string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(w, "\n%s\n", render(fmt.Sprintf("%s (%d)", title, len(items))))
	for _, it := range items {
		line := fmt.Sprintf("  #%d %s [%s]", it.ID, it.Path, it.PairState)
		if it.Error != "" {
			line += fmt.Sprintf(" %s x%d", it.Error, it.ErrorCount)
		}
		fmt.Fprintln(w, line)
	}
}

// pendingTree draws the folders with pending work as a tree rooted at the
// bound folder.
func pendingTree(folders []string) string {
	root := gotree.New("/")
	nodes := map[string]gotree.Tree{"/": root}
	sorted := append([]string(nil), folders...)
	sort.Strings(sorted)
	for _, f := range sorted {
		parent, name := "/", f
		if i := strings.LastIndex(f, "/"); i > 0 {
			parent, name = f[:i], f[i+1:]
		} else {
			name = strings.TrimPrefix(f, "/")
		}
		node, ok := nodes[parent]
		if !ok {
			node, name = root, strings.TrimPrefix(f, "/")
		}
		nodes[f] = node.Add(name)
	}
	return root.Print()
}

func init() {
	statusCmd.Flags().String("engine", "", "Only show this engine")
	statusCmd.Flags().String("format", "text", "Output format: text, json or yaml")
	rootCmd.AddCommand(statusCmd)
}
