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

	"github.com/fyrsmithlabs/cogflow/internal/escalation"
	api "github.com/fyrsmithlabs/cogflow/internal/http"
)

var escalationCmd = &cobra.Command{
	Use:     "escalation",
	Aliases: []string{"esc"},
	Short:   "List and answer escalations",
}

var escalationListCmd = &cobra.Command{
	Use:   "list",
	Short: "List escalations waiting on a human",
	RunE: func(cmd *cobra.Command, args []string) error {
		pending, err := listEscalations(cmd, newClient(serverURL))
		if err != nil {
			return err
		}
		printEscalations(cmd.OutOrStdout(), pending)
		return nil
	},
}

var escalationRespondCmd = &cobra.Command{
	Use:   "respond <escalation-id> <approve|reject|modify|guide|override|defer> [content]",
	Short: "Answer an escalation",
	Long: `Answer an escalation. modify, override and guide need content.

Examples:
  # Let the task continue
  cogctl escalation respond 3f2a... approve

  # Send the planner back with guidance
  cogctl escalation respond 3f2a... guide "check the staging cluster first"`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, resp, err := parseResponse(args)
		if err != nil {
			return err
		}
		return respond(cmd.OutOrStdout(), cmd, newClient(serverURL), id, resp)
	},
}

func init() {
	escalationCmd.AddCommand(escalationListCmd, escalationRespondCmd)
}

func listEscalations(cmd *cobra.Command, c *client) ([]escalation.Escalation, error) {
	var list api.EscalationListResponse
	if err := c.do(cmd.Context(), http.MethodGet, "/api/v1/escalations", nil, &list); err != nil {
		return nil, err
	}
	return list.Escalations, nil
}

// parseResponse reads "<id> <type> [content...]".
func parseResponse(args []string) (string, escalation.HumanResponse, error) {
	if len(args) < 2 {
		return "", escalation.HumanResponse{}, fmt.Errorf("usage: <escalation-id> <type> [content]")
	}
	resp := escalation.HumanResponse{
		Type:        escalation.ResponseType(strings.ToLower(args[1])),
		Content:     strings.TrimSpace(strings.Join(args[2:], " ")),
		Responder:   responder,
		RespondedAt: time.Now().UTC(),
	}
	if err := resp.Validate(); err != nil {
		return "", escalation.HumanResponse{}, err
	}
	return args[0], resp, nil
}

func respond(w io.Writer, cmd *cobra.Command, c *client, id string, resp escalation.HumanResponse) error {
	var out api.RespondResponse
	path := "/api/v1/escalations/" + url.PathEscape(id) + "/response"
	if err := c.do(cmd.Context(), http.MethodPost, path, resp, &out); err != nil {
		return err
	}
	if out.Delivered {
		fmt.Fprintf(w, "Sent %s to %s\n", resp.Type, out.EscalationID)
	} else {
		fmt.Fprintf(w, "Stored %s for %s; no task was waiting, resume it to apply\n", resp.Type, out.EscalationID)
	}
	return nil
}

func priorityColor(p escalation.Priority) string {
	switch p {
	case escalation.PriorityCritical, escalation.PriorityHigh:
		return color.New(color.FgRed, color.Bold).Sprint(p)
	case escalation.PriorityMedium:
		return color.New(color.FgYellow).Sprint(p)
	default:
		return string(p)
	}
}

func printEscalations(w io.Writer, pending []escalation.Escalation) {
	if len(pending) == 0 {
		fmt.Fprintln(w, "No pending escalations")
		return
	}
	for _, e := range pending {
		fmt.Fprintf(w, "%s  [%s] task %s at %s (confidence %.2f)\n", e.ID, priorityColor(e.Priority), e.TaskID, e.Stage, e.Confidence)
		fmt.Fprintf(w, "    %s\n", e.Question)
		if e.Reason != "" {
			fmt.Fprintf(w, "    reason: %s\n", e.Reason)
		}
	}
}
