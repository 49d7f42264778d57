// sessions.go implements the session lifecycle commands: start, status,
// answer, resume and cancel. Each prints the engine response as JSON.
package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/berth-dev/trivium/internal/cq"
	"github.com/berth-dev/trivium/internal/workspace"
)

var (
	ownerFlag   string
	contextFlag string
	projectFlag string
	titleFlag   string
	topicFlag   string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start or rejoin a questioning session",
	Long: `Start a session for an owner in one context:

  onboarding  fill in the owner's profile (mission, scope, key terms...)
  project     refine one project; --project names it, --title creates it
  topic       explore a free-form subject; --topic names it

Starting a context that already has a session in the same scope rejoins it.`,
	Example: `  trivium start --owner ops --context onboarding
  trivium start --owner ops --context project --project "release train"
  trivium start --owner ops --context topic --topic "pricing"`,
	RunE: runStart,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the owner's active session and its next question",
	RunE: func(cmd *cobra.Command, args []string) error {
		hint, err := contextHint()
		if err != nil {
			return err
		}
		resp, err := env.engine.Status(cmd.Context(), ownerFlag, hint)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), resp)
	},
}

var answerCmd = &cobra.Command{
	Use:   "answer <text>",
	Short: "Answer the current question of the owner's active session",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hint, err := contextHint()
		if err != nil {
			return err
		}
		resp, err := env.engine.Answer(cmd.Context(), ownerFlag, hint, strings.Join(args, " "))
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), resp)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a session paused at its question limit",
	RunE: func(cmd *cobra.Command, args []string) error {
		hint, err := contextHint()
		if err != nil {
			return err
		}
		resp, err := env.engine.Resume(cmd.Context(), ownerFlag, hint)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), resp)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel the owner's active session",
	RunE: func(cmd *cobra.Command, args []string) error {
		hint, err := contextHint()
		if err != nil {
			return err
		}
		resp, err := env.engine.Cancel(cmd.Context(), ownerFlag, hint)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), resp)
	},
}

func init() {
	for _, c := range []*cobra.Command{startCmd, statusCmd, answerCmd, resumeCmd, cancelCmd, chatCmd} {
		c.Flags().StringVar(&ownerFlag, "owner", "", "Owner the session belongs to")
		c.Flags().StringVar(&contextFlag, "context", "", "Context type: onboarding, project or topic")
		_ = c.MarkFlagRequired("owner")
	}
	_ = startCmd.MarkFlagRequired("context")
	startCmd.Flags().StringVar(&projectFlag, "project", "", "Project slug, title or search text (project context)")
	startCmd.Flags().StringVar(&titleFlag, "title", "", "Title for a new project (project context)")
	startCmd.Flags().StringVar(&topicFlag, "topic", "", "Subject of a topic session")
}

func contextHint() (cq.ContextType, error) {
	return cq.ParseContextType(contextFlag)
}

func runStart(cmd *cobra.Command, args []string) error {
	req, err := startRequest()
	if err != nil {
		return err
	}
	resp, err := env.engine.Start(cmd.Context(), req)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), resp)
}

// startRequest builds a StartRequest from flags, resolving --project against
// the owner's existing projects.
func startRequest() (cq.StartRequest, error) {
	ctxType, err := contextHint()
	if err != nil {
		return cq.StartRequest{}, err
	}
	if ctxType == "" {
		return cq.StartRequest{}, fmt.Errorf("--context is required")
	}
	req := cq.StartRequest{
		Owner:     ownerFlag,
		Context:   ctxType,
		Topic:     topicFlag,
		StartedBy: "cli",
	}
	if ctxType != cq.Project {
		return req, nil
	}

	query := projectFlag
	if query == "" {
		query = titleFlag
	}
	if query == "" {
		return cq.StartRequest{}, fmt.Errorf("project sessions need --project or --title")
	}
	slug, err := env.workspace.ResolveProject(ownerFlag, query)
	switch {
	case err == nil:
		req.SubScope = slug
	case errors.Is(err, cq.ErrArtifactNotFound):
		// Unknown projects are created from --title; without one the engine
		// reports project_not_found.
		req.SubScope = workspace.Slugify(query)
		req.Title = titleFlag
	default:
		return cq.StartRequest{}, err
	}
	return req, nil
}
