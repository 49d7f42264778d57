// clean.go implements the "trivium clean" command for pruning archived sessions.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/berth-dev/trivium/internal/cleanup"
)

var cleanCmd = &cobra.Command{
	Use:   "clean <owner>",
	Short: "Remove old archived sessions",
	Long: `Remove archived session records for an owner.

By default, removes records older than the configured max_age_days (default 90).
Use --keep to keep only the N most recent records per scope instead.
Use --dry-run to preview what would be removed.`,
	Args: cobra.ExactArgs(1),
	RunE: runClean,
}

var (
	keepFlag   int
	dryRunFlag bool
)

func init() {
	cleanCmd.Flags().IntVar(&keepFlag, "keep", 0, "Keep only the last N records per scope (0 = use age-based cleanup)")
	cleanCmd.Flags().BoolVar(&dryRunFlag, "dry-run", false, "Preview what would be removed without deleting")
}

func runClean(cmd *cobra.Command, args []string) error {
	owner := args[0]

	var pruned []string
	var err error

	if keepFlag > 0 {
		pruned, err = cleanup.PruneKeepRecent(cmd.Context(), env.store, owner, keepFlag, dryRunFlag)
	} else {
		pruned, err = cleanup.PruneByAge(cmd.Context(), env.store, owner, env.cfg.Cleanup.MaxAgeDays, dryRunFlag)
	}
	if err != nil {
		return fmt.Errorf("cleanup failed: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(pruned) == 0 {
		fmt.Fprintln(out, "No archived sessions to clean up.")
		return nil
	}

	verb := "Removed"
	if dryRunFlag {
		verb = "Would remove"
	}

	for _, id := range pruned {
		fmt.Fprintf(out, "  %s %s\n", verb, id)
	}
	fmt.Fprintf(out, "%s %d session(s).\n", verb, len(pruned))

	return nil
}
