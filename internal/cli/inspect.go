// inspect.go implements read-only commands over stored state: archived
// sessions, projects, scheduled jobs and the event log.
package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/berth-dev/trivium/internal/cq"
	"github.com/berth-dev/trivium/internal/log"
	"github.com/berth-dev/trivium/internal/schedule"
)

var (
	archiveOwner   string
	archiveContext string
	archiveProject string
	jobsOwner      string
	eventsSession  string
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Show finished sessions",
	Long: `Show compact records of finished sessions. With --context, lists one
lock scope's archive; otherwise lists the owner's history across scopes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctxType, err := cq.ParseContextType(archiveContext)
		if err != nil {
			return err
		}
		var records []cq.CompactRecord
		if ctxType == "" {
			records, err = env.store.History(cmd.Context(), archiveOwner)
		} else {
			records, err = env.store.ArchiveFor(cmd.Context(), cq.Location{
				Owner:    archiveOwner,
				Context:  ctxType,
				SubScope: archiveProject,
			})
		}
		if err != nil {
			return err
		}
		if records == nil {
			records = []cq.CompactRecord{}
		}
		return printJSON(cmd.OutOrStdout(), records)
	},
}

var projectsCmd = &cobra.Command{
	Use:   "projects <owner>",
	Short: "List an owner's projects",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		projects, err := env.workspace.ListProjects(args[0])
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SLUG\tTITLE")
		for _, p := range projects {
			fmt.Fprintf(w, "%s\t%s\n", p.Slug, p.Title)
		}
		return w.Flush()
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List scheduled daily brief jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		jobs, err := env.jobs.List()
		if err != nil {
			return err
		}
		now := time.Now()
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tOWNER\tSCHEDULE\tTIMEZONE\tNEXT RUN")
		for _, j := range jobs {
			if jobsOwner != "" && j.Owner != jobsOwner {
				continue
			}
			next := "-"
			if t, err := schedule.NextRun(j.Expression, j.Timezone, now); err == nil {
				next = t.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", j.ID, j.Owner, j.Expression, j.Timezone, next)
		}
		return w.Flush()
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Print the session event log",
	RunE: func(cmd *cobra.Command, args []string) error {
		var events []log.LogEvent
		var err error
		if eventsSession != "" {
			events, err = env.events.ForSession(eventsSession)
		} else {
			events, err = env.events.ReadAll()
		}
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), events)
	},
}

func init() {
	archiveCmd.Flags().StringVar(&archiveOwner, "owner", "", "Owner whose sessions to show")
	archiveCmd.Flags().StringVar(&archiveContext, "context", "", "Limit to one context's lock scope")
	archiveCmd.Flags().StringVar(&archiveProject, "project", "", "Project slug (project context)")
	_ = archiveCmd.MarkFlagRequired("owner")

	jobsCmd.Flags().StringVar(&jobsOwner, "owner", "", "Only show this owner's jobs")
	eventsCmd.Flags().StringVar(&eventsSession, "session", "", "Only show events for this session id")
}
