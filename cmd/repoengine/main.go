package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cuemby/repoengine/internal/config"
	"github.com/cuemby/repoengine/internal/objstore"
	"github.com/cuemby/repoengine/internal/repo"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath string
	commitMsg  string
	userName   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "repoengine",
	Short: "Repoengine - content-addressed repository engine maintenance tool",
	Long: `Repoengine drives the local repository engine directly: create and
inspect repositories, stage and commit worktree changes, check out and
revert history, and merge remote branches. It is an operator tool over
the engine API, not the sync client's user-facing surface.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Repoengine version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "repoengine.yaml", "Path to the engine config file")

	commitCmd.Flags().StringVarP(&commitMsg, "message", "m", "", "Commit description")
	commitCmd.Flags().StringVarP(&userName, "user", "u", os.Getenv("USER"), "Creator name recorded on the commit")

	passwdCmd.AddCommand(passwdSetCmd, passwdVerifyCmd)
	rootCmd.AddCommand(
		createCmd, listCmd, deleteCmd,
		worktreeCmd, stageCmd, commitCmd, statusCmd, logCmd,
		checkoutCmd, resetCmd, revertCmd, mergeCmd,
		passwdCmd, exportCmd, importCmd,
	)
}

// withManager loads config, starts a Manager, runs fn, and shuts the
// Manager down again. Every subcommand goes through it.
func withManager(fn func(ctx context.Context, m *repo.Manager) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg.ApplyLogging()

	m, err := repo.NewManager(cfg)
	if err != nil {
		return err
	}
	defer m.Close()

	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		return err
	}
	return fn(ctx, m)
}

func resolveRepo(m *repo.Manager, prefix string) (*repo.Repo, error) {
	r, err := m.GetRepoPrefix(prefix)
	if err != nil {
		return nil, fmt.Errorf("repo %q: %w", prefix, err)
	}
	return r, nil
}

var createCmd = &cobra.Command{
	Use:   "create <name> [description]",
	Short: "Create a new empty repository",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(ctx context.Context, m *repo.Manager) error {
			desc := ""
			if len(args) > 1 {
				desc = args[1]
			}
			r, err := m.CreateNewRepo(args[0], desc)
			if err != nil {
				return err
			}
			fmt.Println(r.ID)
			return nil
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List repositories",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(ctx context.Context, m *repo.Manager) error {
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tENCRYPTED\tWORKTREE")
			for _, r := range m.GetRepoList("", 1000) {
				fmt.Fprintf(w, "%s\t%s\t%v\t%s\n", r.ID, r.Name, r.Encrypted, r.WorktreePath)
			}
			return w.Flush()
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <repo-prefix>",
	Short: "Delete a repository (two-phase: tombstone, then reclaim)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(ctx context.Context, m *repo.Manager) error {
			r, err := resolveRepo(m, args[0])
			if err != nil {
				return err
			}
			return m.MarkRepoDeleted(r)
		})
	},
}

var worktreeCmd = &cobra.Command{
	Use:   "worktree <repo-prefix> <path>",
	Short: "Bind an existing directory as the repository's worktree",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(ctx context.Context, m *repo.Manager) error {
			r, err := resolveRepo(m, args[0])
			if err != nil {
				return err
			}
			return m.SetRepoWorktree(r, args[1])
		})
	},
}

var stageCmd = &cobra.Command{
	Use:   "stage <repo-prefix> [path-prefix]",
	Short: "Stage worktree changes into the index",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(ctx context.Context, m *repo.Manager) error {
			r, err := resolveRepo(m, args[0])
			if err != nil {
				return err
			}
			prefix := ""
			if len(args) > 1 {
				prefix = args[1]
			}
			return m.IndexAdd(r, prefix)
		})
	},
}

var commitCmd = &cobra.Command{
	Use:   "commit <repo-prefix>",
	Short: "Commit the index to the head branch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(ctx context.Context, m *repo.Manager) error {
			r, err := resolveRepo(m, args[0])
			if err != nil {
				return err
			}
			id, err := m.IndexCommit(r, commitMsg, userName, "")
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <repo-prefix>",
	Short: "Show worktree/index/HEAD differences",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(ctx context.Context, m *repo.Manager) error {
			r, err := resolveRepo(m, args[0])
			if err != nil {
				return err
			}
			changes, err := m.Status(r)
			if err != nil {
				return err
			}
			for _, c := range changes {
				if c.OldPath != "" {
					fmt.Printf("%-12s %s -> %s\n", c.Type, c.OldPath, c.Path)
					continue
				}
				fmt.Printf("%-12s %s\n", c.Type, c.Path)
			}
			return nil
		})
	},
}

var logCmd = &cobra.Command{
	Use:   "log <repo-prefix>",
	Short: "Show commit history newest-first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(ctx context.Context, m *repo.Manager) error {
			r, err := resolveRepo(m, args[0])
			if err != nil {
				return err
			}
			commits, err := m.GetCommits(r, 0)
			if err != nil {
				return err
			}
			for _, c := range commits {
				fmt.Printf("%s  %s  %s\n", c.CreatedAt.Format("2006-01-02 15:04:05"), c.CreatorName, c.Description)
			}
			return nil
		})
	},
}

var checkoutCmd = &cobra.Command{
	Use:   "checkout <repo-prefix> <commit-id>",
	Short: "Check out a commit into the bound worktree (2-way)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(ctx context.Context, m *repo.Manager) error {
			r, err := resolveRepo(m, args[0])
			if err != nil {
				return err
			}
			id, err := objstore.ParseID(args[1])
			if err != nil {
				return err
			}
			return m.Checkout(r, id)
		})
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset <repo-prefix> <commit-id>",
	Short: "Force index and worktree to a commit (1-way)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(ctx context.Context, m *repo.Manager) error {
			r, err := resolveRepo(m, args[0])
			if err != nil {
				return err
			}
			id, err := objstore.ParseID(args[1])
			if err != nil {
				return err
			}
			return m.Reset(r, id)
		})
	},
}

var revertCmd = &cobra.Command{
	Use:   "revert <repo-prefix> <commit-id>",
	Short: "Record a new commit restoring a past commit's content",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(ctx context.Context, m *repo.Manager) error {
			r, err := resolveRepo(m, args[0])
			if err != nil {
				return err
			}
			id, err := objstore.ParseID(args[1])
			if err != nil {
				return err
			}
			newID, err := m.Revert(r, id, os.Getenv("USER"), "", args[1][:8])
			if err != nil {
				return err
			}
			fmt.Println(newID)
			return nil
		})
	},
}

var mergeCmd = &cobra.Command{
	Use:   "merge <repo-prefix> <branch>",
	Short: "Merge a branch into the head branch",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(ctx context.Context, m *repo.Manager) error {
			r, err := resolveRepo(m, args[0])
			if err != nil {
				return err
			}
			real, err := m.MergeBranch(ctx, r, args[1])
			if err != nil {
				return err
			}
			if real {
				fmt.Println("merged (new merge commit)")
			} else {
				fmt.Println("up to date or fast-forwarded")
			}
			return nil
		})
	},
}

var passwdCmd = &cobra.Command{
	Use:   "passwd",
	Short: "Manage repository encryption passwords",
}

var passwdSetCmd = &cobra.Command{
	Use:   "set <repo-prefix> <password>",
	Short: "Enable encryption and set the password",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(ctx context.Context, m *repo.Manager) error {
			r, err := resolveRepo(m, args[0])
			if err != nil {
				return err
			}
			_, err = m.GenerateMagic(r, args[1])
			return err
		})
	},
}

var passwdVerifyCmd = &cobra.Command{
	Use:   "verify <repo-prefix> <password>",
	Short: "Verify a password against the repository's magic",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(ctx context.Context, m *repo.Manager) error {
			r, err := resolveRepo(m, args[0])
			if err != nil {
				return err
			}
			if err := m.VerifyPasswd(r, args[1]); err != nil {
				return err
			}
			fmt.Println("password ok")
			return nil
		})
	},
}

var exportCmd = &cobra.Command{
	Use:   "export <repo-prefix> <archive.tar>",
	Short: "Export every object reachable from the head commit",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(ctx context.Context, m *repo.Manager) error {
			r, err := resolveRepo(m, args[0])
			if err != nil {
				return err
			}
			head, err := m.HeadCommit(r)
			if err != nil {
				return err
			}
			f, err := os.Create(args[1])
			if err != nil {
				return err
			}
			defer f.Close()
			return m.ExportRepoArchive(r, f, head)
		})
	},
}

var importCmd = &cobra.Command{
	Use:   "import <repo-prefix> <archive.tar>",
	Short: "Import objects from an exported archive",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(ctx context.Context, m *repo.Manager) error {
			r, err := resolveRepo(m, args[0])
			if err != nil {
				return err
			}
			f, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer f.Close()
			return m.ImportRepoArchive(r, f)
		})
	},
}
