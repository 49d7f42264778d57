// init.go implements the "trivium init" command.
package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/berth-dev/trivium/internal/config"
	"github.com/berth-dev/trivium/internal/tui"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize trivium in a directory",
	Long: `Create .trivium/config.yaml with default thresholds and the
workspace directory that owner artifacts are written to.`,
	RunE: runInit,
}

var forceFlag bool

func init() {
	initCmd.Flags().BoolVar(&forceFlag, "force", false, "Overwrite an existing config without asking")
}

func runInit(cmd *cobra.Command, args []string) error {
	dir := dirFlag
	out := cmd.OutOrStdout()

	if _, err := config.ReadConfig(dir); err == nil && !forceFlag {
		if !tui.IsTTY() {
			return fmt.Errorf("config already exists in %s; pass --force to overwrite", dir)
		}
		fmt.Fprintln(out, "Warning: .trivium/config.yaml already exists.")
		fmt.Fprint(out, "Reinitialize? [y/N]: ")
		reader := bufio.NewReader(cmd.InOrStdin())
		answer, _ := reader.ReadString('\n')
		answer = strings.TrimSpace(strings.ToLower(answer))
		if answer != "y" && answer != "yes" {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: replacing unreadable config: %v\n", err)
	}

	cfg := config.DefaultConfig()
	if err := config.WriteConfig(dir, cfg); err != nil {
		return err
	}

	workspaceDir := config.Resolve(dir, cfg.Workspace)
	if err := os.MkdirAll(workspaceDir, 0755); err != nil {
		return fmt.Errorf("creating workspace directory: %w", err)
	}

	fmt.Fprintf(out, "Initialized %s\n", filepath.Join(dir, ".trivium", "config.yaml"))
	fmt.Fprintf(out, "Workspace: %s\n", workspaceDir)
	return nil
}
