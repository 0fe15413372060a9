package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/GalaxyXieyu/xhs-runner/internal/client"
	"github.com/GalaxyXieyu/xhs-runner/internal/ui"
	"github.com/GalaxyXieyu/xhs-runner/internal/ui/components"
	"github.com/GalaxyXieyu/xhs-runner/pkg/models"
)

var titleStyle = lipgloss.NewStyle().Bold(true)

// summaryLimit is the largest page the server returns.
const summaryLimit = 200

func parseTaskID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid task id %q", s)
	}
	return id, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newSubmitCmd(opts *rootOptions) *cobra.Command {
	var (
		payload      models.SubmitPayload
		sourceTaskID int64
		watch        bool
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a content generation task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			if sourceTaskID > 0 {
				payload.SourceTaskID = &sourceTaskID
			}
			res, err := c.Submit(cmd.Context(), payload)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Submitted task %d (%s)\n", res.TaskID, ui.RenderStatus(res.Status))
			if res.ResumeHandle != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "  thread: %s\n", *res.ResumeHandle)
			}
			if watch {
				return ui.RunWatch(cmd.Context(), c, res.TaskID)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&payload.Message, "message", "m", "", "Creative brief for the workflow")
	f.Int64Var(&payload.ThemeID, "theme", 0, "Theme id")
	f.BoolVar(&payload.HitlEnabled, "hitl", false, "Pause for human confirmation when the workflow asks")
	f.StringSliceVar(&payload.ReferenceAssets, "reference", nil, "Reference asset path or id (repeatable)")
	f.StringVar(&payload.ProviderHint, "provider", "", "Image provider hint")
	f.Int64Var(&sourceTaskID, "source-task", 0, "Task this one is derived from")
	f.BoolVar(&watch, "watch", false, "Follow the task after submitting")
	cmd.MarkFlagRequired("message")
	cmd.MarkFlagRequired("theme")
	return cmd
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status [task-id]",
		Short: "Show one task, or a summary of all tasks",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if len(args) == 0 {
				views, err := c.List(cmd.Context(), models.TaskFilter{Limit: summaryLimit})
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(out, views)
				}
				printSummary(out, views)
				return nil
			}

			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			view, err := c.Status(cmd.Context(), id)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(out, view)
			}
			printStatus(out, view)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print raw JSON")
	return cmd
}

func printSummary(w io.Writer, views []*models.TaskStatusView) {
	counts := make(map[models.TaskStatus]int)
	for _, v := range views {
		counts[v.Status]++
	}

	fmt.Fprintln(w, titleStyle.Render("xhs-runner Status"))
	fmt.Fprintln(w, "=================")
	fmt.Fprintf(w, "Total Tasks: %d\n", len(views))
	fmt.Fprintln(w, "\nTask Breakdown:")
	for _, s := range []models.TaskStatus{
		models.TaskStatusQueued,
		models.TaskStatusRunning,
		models.TaskStatusPaused,
		models.TaskStatusCompleted,
		models.TaskStatusFailed,
	} {
		fmt.Fprintf(w, "  %-10s %d\n", string(s)+":", counts[s])
	}

	var waiting []*models.TaskStatusView
	for _, v := range views {
		if v.Status == models.TaskStatusPaused {
			waiting = append(waiting, v)
		}
	}
	if len(waiting) > 0 {
		fmt.Fprintln(w, "\nWaiting for a response:")
		for _, v := range waiting {
			question := ""
			if v.HitlSnapshot != nil {
				question = v.HitlSnapshot.Question
			}
			fmt.Fprintf(w, "  - #%d %s\n", v.ID, question)
		}
	}
}

func printStatus(w io.Writer, v *models.TaskStatusView) {
	fmt.Fprintf(w, "%s #%d\n", titleStyle.Render("Task"), v.ID)
	fmt.Fprintf(w, "Status:   %s\n", ui.RenderStatus(v.Status))
	fmt.Fprintf(w, "Progress: %s %d%%\n", ui.ProgressBar(v.Progress, 20), v.Progress)
	if v.CurrentAgent != nil {
		fmt.Fprintf(w, "Agent:    %s\n", *v.CurrentAgent)
	}
	fmt.Fprintf(w, "Events:   %d\n", v.EventCount)
	if v.CreativeID != nil {
		fmt.Fprintf(w, "Creative: %d\n", *v.CreativeID)
	}
	if v.ErrorMessage != nil {
		fmt.Fprintf(w, "Error:    %s\n", *v.ErrorMessage)
	}
	if v.HitlStatus == models.HitlStatusPending && v.HitlSnapshot != nil {
		fmt.Fprintf(w, "\nQuestion: %s\n", v.HitlSnapshot.Question)
		for _, opt := range v.HitlSnapshot.Options {
			fmt.Fprintf(w, "  [%s] %s\n", opt.ID, opt.Label)
		}
		fmt.Fprintf(w, "\nAnswer with: xhsrunner respond %d --action approve|reject\n", v.ID)
	}
}

func newEventsCmd(opts *rootOptions) *cobra.Command {
	var (
		from   int
		follow bool
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "events <task-id>",
		Short: "Print a task's event timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			emit := func(ev models.Event) error {
				if asJSON {
					data, err := json.Marshal(ev)
					if err != nil {
						return err
					}
					_, err = fmt.Fprintln(out, string(data))
					return err
				}
				_, err := fmt.Fprintln(out, components.FormatEvent(ev))
				return err
			}

			if follow {
				return c.Follow(cmd.Context(), id, from, emit)
			}
			events, err := c.Events(cmd.Context(), id, from)
			if err != nil {
				return err
			}
			for _, ev := range events {
				if err := emit(ev); err != nil {
					return err
				}
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.IntVar(&from, "from", 0, "First event index to print")
	f.BoolVarP(&follow, "follow", "f", false, "Keep streaming until the task finishes or pauses")
	f.BoolVar(&asJSON, "json", false, "Print one JSON event per line")
	return cmd
}

func newRespondCmd(opts *rootOptions) *cobra.Command {
	var (
		action   string
		selected []string
		input    string
		modified string
	)

	cmd := &cobra.Command{
		Use:   "respond <task-id>",
		Short: "Answer a task that is waiting for human input",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			resp := models.HitlResponse{
				Action:      models.HitlAction(action),
				SelectedIDs: selected,
				CustomInput: input,
			}
			if modified != "" {
				var data any
				if err := json.Unmarshal([]byte(modified), &data); err != nil {
					return fmt.Errorf("invalid --modified JSON: %w", err)
				}
				resp.ModifiedData = data
			}

			c, err := opts.client()
			if err != nil {
				return err
			}
			res, err := c.Respond(cmd.Context(), id, resp)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Task %d resumed (%s)\n", id, ui.RenderStatus(res.Status))
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&action, "action", string(models.HitlActionApprove), "approve or reject")
	f.StringSliceVar(&selected, "select", nil, "Selected option id (repeatable)")
	f.StringVar(&input, "input", "", "Free-form answer or rejection feedback")
	f.StringVar(&modified, "modified", "", "Edited checkpoint data as JSON")
	return cmd
}

func newListCmd(opts *rootOptions) *cobra.Command {
	var (
		status    string
		theme     int64
		timeRange string
		limit     int
		offset    int
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := models.TaskFilter{TimeRange: timeRange, Limit: limit, Offset: offset}
			if status != "" {
				s := models.TaskStatus(status)
				filter.Status = &s
			}
			if theme > 0 {
				filter.ThemeID = &theme
			}

			c, err := opts.client()
			if err != nil {
				return err
			}
			views, err := c.List(cmd.Context(), filter)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, views)
			}
			if len(views) == 0 {
				fmt.Fprintln(out, "No tasks found.")
				return nil
			}
			fmt.Fprintf(out, "%-6s %-10s %-9s %-20s %-20s\n", "ID", "STATUS", "PROGRESS", "AGENT", "UPDATED")
			fmt.Fprintln(out, strings.Repeat("-", 70))
			for _, v := range views {
				agent := "-"
				if v.CurrentAgent != nil {
					agent = *v.CurrentAgent
				}
				fmt.Fprintf(out, "%-6d %-10s %-9s %-20s %-20s\n",
					v.ID, v.Status, fmt.Sprintf("%d%%", v.Progress), agent, v.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&status, "status", "", "Filter by status (queued, running, paused, completed, failed)")
	f.Int64Var(&theme, "theme", 0, "Filter by theme id")
	f.StringVar(&timeRange, "since", "all", "Only tasks created in the last 7d or 30d")
	f.IntVar(&limit, "limit", 0, "Maximum number of tasks")
	f.IntVar(&offset, "offset", 0, "Number of tasks to skip")
	f.BoolVar(&asJSON, "json", false, "Print raw JSON")
	return cmd
}

func newWatchCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [task-id]",
		Short: "Follow a task's timeline in the terminal (defaults to the newest task)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}

			var id int64
			if len(args) > 0 {
				if id, err = parseTaskID(args[0]); err != nil {
					return err
				}
			} else {
				views, err := c.List(cmd.Context(), models.TaskFilter{Limit: 1})
				if err != nil {
					return err
				}
				if len(views) == 0 {
					return errors.New("no tasks to watch")
				}
				id = views[0].ID
			}
			return ui.RunWatch(cmd.Context(), c, id)
		},
	}
}

func newDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task-id>...",
		Short: "Delete finished tasks and their events",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, a := range args {
				id, err := parseTaskID(a)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}

			c, err := opts.client()
			if err != nil {
				return err
			}
			n, err := c.Delete(cmd.Context(), ids)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Deleted %d of %d tasks\n", n, len(ids))
			if n < len(ids) {
				fmt.Fprintln(cmd.OutOrStdout(), "  Unfinished or unknown tasks are skipped.")
			}
			return nil
		},
	}
}

var (
	_ ui.TaskSource = (*client.HTTPClient)(nil)
	_ ui.TaskLister = (*client.HTTPClient)(nil)
)
