// chat.go implements "trivium chat", the interactive answering screen.
package cli

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/berth-dev/trivium/internal/tui"
	"github.com/berth-dev/trivium/internal/tui/views"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Answer the active session's questions interactively",
	Long: `Open a terminal screen on the owner's active session. Each answer is
sent to the engine as it is entered; the screen closes its input once the
session completes or pauses at its question limit.`,
	RunE: runChat,
}

func runChat(cmd *cobra.Command, args []string) error {
	hint, err := contextHint()
	if err != nil {
		return err
	}
	first, err := env.engine.Status(cmd.Context(), ownerFlag, hint)
	if err != nil {
		return err
	}
	if first.Session == nil {
		// Nothing to chat about; show why.
		if first.Reason != "" {
			return fmt.Errorf("%s: %s", first.Reason, first.Question)
		}
		return fmt.Errorf("no active session for %s; start one with: trivium start", ownerFlag)
	}

	if !tui.IsTTY() {
		return tui.NewFallbackRunner(cmd.OutOrStdout()).Run()
	}

	width, height := 100, 30
	if w, h, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
		width, height = w, h
	}
	model := views.NewSessionModel(env.engine, ownerFlag, first.Session.Context, first, width, height)
	return tui.Run(tea.Model(model))
}
