package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/nxdrive/drivesync/internal/engine"
)

var bindServerCmd = &cobra.Command{
	Use:     "bind-server <local_folder> <server_url>",
	GroupID: "binding",
	Short:   "Bind a local folder to a server account",
	Long: `Bind a local folder to a Nuxeo server account.

The password is exchanged for a token tied to this device; only the token is
stored. Without --password or --token, the password is asked for when the
command runs in a terminal.

Example usage:
  ndrive bind-server ~/Nuxeo https://server/nuxeo --username alice
  ndrive bind-server ~/Nuxeo https://server/nuxeo --username alice --token 0f8e...`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("username")
		password, _ := cmd.Flags().GetString("password")
		token, _ := cmd.Flags().GetString("token")
		root, _ := cmd.Flags().GetString("remote-root")
		name, _ := cmd.Flags().GetString("name")
		if user == "" {
			return fmt.Errorf("--username is required")
		}

		if password == "" && token == "" && term.IsTerminal(int(os.Stdin.Fd())) {
			err := huh.NewInput().
				Title(fmt.Sprintf("Password of %s on %s", user, args[1])).
				EchoMode(huh.EchoModePassword).
				Value(&password).
				Run()
			if err != nil {
				return err
			}
		}

		return withManager(cmd.Context(), func(m *engine.Manager) error {
			e, err := m.BindServer(cmd.Context(), engine.BindRequest{
				LocalFolder: args[0],
				ServerURL:   args[1],
				User:        user,
				Password:    password,
				Token:       token,
				RootRef:     root,
				Name:        name,
			})
			if err != nil {
				return err
			}
			b := e.Binding()
			fmt.Printf("%s Bound %s to %s as %s\n", renderPass("✓"), b.LocalFolder, b.ServerURL, b.User)
			fmt.Printf("   Engine: %s\n", renderMuted(b.UID))
			return nil
		})
	},
}

var unbindServerCmd = &cobra.Command{
	Use:     "unbind-server <local_folder>",
	GroupID: "binding",
	Short:   "Forget a bound folder",
	Long: `Stop synchronizing a local folder and revoke its token.

Local files are kept; their remote references are removed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd.Context(), func(m *engine.Manager) error {
			uid, err := bindingOf(m, args[0])
			if err != nil {
				return err
			}
			if err := m.UnbindServer(cmd.Context(), uid); err != nil {
				return err
			}
			fmt.Printf("%s Unbound %s\n", renderPass("✓"), args[0])
			return nil
		})
	},
}

// bindingOf returns the uid of the engine bound to folder.
func bindingOf(m *engine.Manager, folder string) (string, error) {
	abs, err := filepath.Abs(folder)
	if err != nil {
		return "", err
	}
	for _, b := range m.Bindings() {
		if b.LocalFolder == abs {
			return b.UID, nil
		}
	}
	return "", fmt.Errorf("%w: %s", engine.ErrUnknownEngine, folder)
}

func rootCommand(use, short string, bind bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:     use + " <remote_ref>",
		GroupID: "binding",
		Short:   short,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			uid, _ := cmd.Flags().GetString("engine")
			return withManager(cmd.Context(), func(m *engine.Manager) error {
				e, err := pickEngine(cmd.Context(), m, uid)
				if err != nil {
					return err
				}
				if bind {
					err = m.BindRoot(cmd.Context(), e.UID(), args[0])
				} else {
					err = m.UnbindRoot(cmd.Context(), e.UID(), args[0])
				}
				if err != nil {
					return err
				}
				fmt.Printf("%s %s\n", renderPass("✓"), short)
				return nil
			})
		},
	}
	cmd.Flags().String("engine", "", "Engine uid, when several folders are bound")
	return cmd
}

var cleanFolderCmd = &cobra.Command{
	Use:     "clean-folder <local_folder>",
	GroupID: "binding",
	Short:   "Remove synchronization metadata below a folder",
	Long: `Strip remote references and partial downloads below a folder, e.g.
after copying it from a bound folder.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(cmd.Context(), func(m *engine.Manager) error {
			stats, err := m.CleanFolder(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s Cleaned %s\n", renderPass("✓"), args[0])
			fmt.Printf("   References: %d\n", stats.Refs)
			fmt.Printf("   Partial downloads: %d\n", stats.Partials)
			return nil
		})
	},
}

func init() {
	bindServerCmd.Flags().String("username", "", "Account name")
	bindServerCmd.Flags().String("password", "", "Account password, exchanged for a token")
	bindServerCmd.Flags().String("token", "", "Existing token, instead of a password")
	bindServerCmd.Flags().String("remote-root", "", "Remote folder to synchronize (default: every synchronization root)")
	bindServerCmd.Flags().String("name", "", "Display name (default: the folder name)")

	rootCmd.AddCommand(bindServerCmd)
	rootCmd.AddCommand(unbindServerCmd)
	rootCmd.AddCommand(rootCommand("bind-root", "Register a synchronization root", true))
	rootCmd.AddCommand(rootCommand("unbind-root", "Unregister a synchronization root", false))
	rootCmd.AddCommand(cleanFolderCmd)
}
