package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/cogflow/internal/config"
	"github.com/fyrsmithlabs/cogflow/internal/engine"
	api "github.com/fyrsmithlabs/cogflow/internal/http"
)

var (
	submitSession    string
	submitIterations int
	submitMaxTokens  int
	submitMaxTime    time.Duration
	submitWait       bool
	pollInterval     time.Duration
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Submit and inspect tasks",
}

var taskSubmitCmd = &cobra.Command{
	Use:   "submit <description>",
	Short: "Submit a task",
	Long: `Submit a task to the engine. Words are joined into one description.

Examples:
  # Submit and return immediately
  cogctl task submit "summarize the open incidents"

  # Submit with a tighter budget and wait for the outcome
  cogctl task submit --max-tokens 20000 --max-iterations 2 --wait "draft the release notes"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSubmit,
}

var taskGetCmd = &cobra.Command{
	Use:   "get <task-id>",
	Short: "Show one task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var snap engine.Snapshot
		if err := newClient(serverURL).do(cmd.Context(), http.MethodGet, taskPath(args[0]), nil, &snap); err != nil {
			return err
		}
		printTask(cmd.OutOrStdout(), snap)
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		var list api.TaskListResponse
		if err := newClient(serverURL).do(cmd.Context(), http.MethodGet, "/api/v1/tasks", nil, &list); err != nil {
			return err
		}
		printTaskList(cmd.OutOrStdout(), list.Tasks)
		return nil
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a queued, running or paused task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var snap engine.Snapshot
		if err := newClient(serverURL).do(cmd.Context(), http.MethodPost, taskPath(args[0])+"/cancel", nil, &snap); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %s\n", snap.ID)
		return nil
	},
}

var taskResumeCmd = &cobra.Command{
	Use:   "resume <task-id>",
	Short: "Resume a task paused on an escalation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var snap engine.Snapshot
		if err := newClient(serverURL).do(cmd.Context(), http.MethodPost, taskPath(args[0])+"/resume", nil, &snap); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Resumed %s (%s)\n", snap.ID, statusColor(string(snap.Status)))
		return nil
	},
}

var taskAuditCmd = &cobra.Command{
	Use:   "audit <task-id>",
	Short: "Show the audit trail of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var trail api.AuditResponse
		if err := newClient(serverURL).do(cmd.Context(), http.MethodGet, taskPath(args[0])+"/audit", nil, &trail); err != nil {
			return err
		}
		printAudit(cmd.OutOrStdout(), trail)
		return nil
	},
}

func init() {
	f := taskSubmitCmd.Flags()
	f.StringVar(&submitSession, "session", "", "session id (generated when empty)")
	f.IntVar(&submitIterations, "max-iterations", 0, "replan limit (server default when 0)")
	f.IntVar(&submitMaxTokens, "max-tokens", 0, "token budget (server default when 0)")
	f.DurationVar(&submitMaxTime, "max-time", 0, "wall-clock budget (server default when 0)")
	f.BoolVar(&submitWait, "wait", false, "wait until the task reaches a final status")
	f.DurationVar(&pollInterval, "poll", 2*time.Second, "poll interval used with --wait")

	taskCmd.AddCommand(taskSubmitCmd, taskGetCmd, taskListCmd, taskCancelCmd, taskResumeCmd, taskAuditCmd)
}

func taskPath(id string) string {
	return "/api/v1/tasks/" + url.PathEscape(id)
}

func submitRequest(description string) engine.SubmitRequest {
	req := engine.SubmitRequest{
		Description:   description,
		SessionID:     submitSession,
		MaxIterations: submitIterations,
	}
	if submitMaxTokens > 0 || submitMaxTime > 0 {
		req.Budget = &engine.BudgetOverride{
			MaxTokens: submitMaxTokens,
			MaxTime:   config.Duration(submitMaxTime),
		}
	}
	return req
}

func runSubmit(cmd *cobra.Command, args []string) error {
	c := newClient(serverURL)
	var snap engine.Snapshot
	if err := c.do(cmd.Context(), http.MethodPost, "/api/v1/tasks", submitRequest(strings.Join(args, " ")), &snap); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Submitted %s\n", color.New(color.Bold).Sprint(snap.ID))
	if !submitWait {
		return nil
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	last := snap.State.Stage
	for !snap.Status.IsFinal() {
		select {
		case <-cmd.Context().Done():
			return cmd.Context().Err()
		case <-ticker.C:
		}
		if err := c.do(cmd.Context(), http.MethodGet, taskPath(snap.ID), nil, &snap); err != nil {
			return err
		}
		if snap.State.Stage != last {
			last = snap.State.Stage
			fmt.Fprintf(cmd.OutOrStdout(), "  stage %s (iteration %d)\n", last, snap.State.Iteration)
		}
	}
	printTask(cmd.OutOrStdout(), snap)
	return nil
}

// statusColor renders a task or health status.
func statusColor(status string) string {
	switch status {
	case string(engine.TaskCommitted), "ok":
		return color.New(color.FgGreen).Sprint(status)
	case string(engine.TaskFailed), string(engine.TaskCancelled):
		return color.New(color.FgRed).Sprint(status)
	case string(engine.TaskPaused):
		return color.New(color.FgYellow).Sprint(status)
	default:
		return color.New(color.FgCyan).Sprint(status)
	}
}

func printTask(w io.Writer, snap engine.Snapshot) {
	fmt.Fprintf(w, "Task:        %s\n", snap.ID)
	fmt.Fprintf(w, "Status:      %s\n", statusColor(string(snap.Status)))
	fmt.Fprintf(w, "Description: %s\n", snap.State.Description)
	fmt.Fprintf(w, "Stage:       %s\n", snap.State.Stage)
	fmt.Fprintf(w, "Iteration:   %d/%d\n", snap.State.Iteration, snap.State.MaxIterations)
	fmt.Fprintf(w, "Usage:       %d tokens, %d contexts\n", snap.Usage.Tokens, snap.Usage.Contexts)
	if len(snap.State.Artifacts) > 0 {
		fmt.Fprintf(w, "Artifacts:   %s\n", strings.Join(snap.State.Artifacts, ", "))
	}
	if snap.State.Output != "" {
		fmt.Fprintf(w, "\n%s\n", snap.State.Output)
	}
	if snap.Failure != nil {
		fmt.Fprintf(w, "\n%s\n", color.New(color.FgRed).Sprint(snap.Failure.String()))
	}
}

func printTaskList(w io.Writer, tasks []engine.Snapshot) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, "No tasks")
		return
	}
	for _, t := range tasks {
		fmt.Fprintf(w, "%-36s  %-10s  %-9s  %s\n", t.ID, statusColor(string(t.Status)), t.State.Stage, truncate(t.State.Description, 60))
	}
}

func printStatus(w io.Writer, st api.StatusResponse) {
	fmt.Fprintf(w, "Status:  %s", statusColor(st.Status))
	if st.Version != "" {
		fmt.Fprintf(w, " (%s)", st.Version)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Tasks:   %d total, %d queued, %d running, %d paused\n", st.Tasks.Total, st.Tasks.Queued, st.Tasks.Running, st.Tasks.Paused)
	fmt.Fprintf(w, "         %d committed, %d failed, %d cancelled\n", st.Tasks.Committed, st.Tasks.Failed, st.Tasks.Cancelled)
	fmt.Fprintf(w, "Pending escalations: %d\n", st.PendingEscalations)
}

func printAudit(w io.Writer, trail api.AuditResponse) {
	fmt.Fprintf(w, "Audit trail of %s (%d entries)\n", trail.TaskID, trail.Count)
	for _, e := range trail.Entries {
		fmt.Fprintf(w, "%s  %-22s  %s\n", e.Timestamp.Format(time.RFC3339), e.EventType, e.Description)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
