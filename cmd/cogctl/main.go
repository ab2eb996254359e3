// Package main implements cogctl, the command-line client for cogflowd.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	api "github.com/fyrsmithlabs/cogflow/internal/http"
)

var (
	// serverURL is the base URL of the cogflowd HTTP server
	serverURL string
	// responder identifies the human answering escalations
	responder string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "cogctl",
	Short: "CLI for the cogflowd task engine",
	Long: `cogctl submits and inspects cogflow tasks and answers the escalations
the engine raises when it needs a human decision.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:9191", "cogflowd server URL")
	rootCmd.PersistentFlags().StringVar(&responder, "responder", os.Getenv("USER"), "name recorded on escalation responses")
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(escalationCmd)
	rootCmd.AddCommand(consoleCmd)
}

// healthCmd checks server health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check cogflowd server health",
	Long: `Check the health status of the cogflowd HTTP server.

Examples:
  # Check health
  cogctl health

  # Check health on a different server
  cogctl health --server http://10.0.0.5:9191`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var health api.HealthResponse
		if err := newClient(serverURL).do(cmd.Context(), http.MethodGet, "/health", nil, &health); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Server: %s\nStatus: %s\n", serverURL, statusColor(health.Status))
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show task counts and pending escalations",
	RunE: func(cmd *cobra.Command, args []string) error {
		var st api.StatusResponse
		if err := newClient(serverURL).do(cmd.Context(), http.MethodGet, "/api/v1/status", nil, &st); err != nil {
			return err
		}
		printStatus(cmd.OutOrStdout(), st)
		return nil
	},
}

// apiError is a non-2xx answer from the server.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned status %d: %s", e.Status, e.Message)
}

// client talks JSON to the cogflowd REST API.
type client struct {
	base string
	http *http.Client
}

func newClient(base string) *client {
	return &client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// do sends body as JSON and decodes a successful response into out.
func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var reader io.Reader
	if body != nil {
		reqJSON, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(reqJSON)
	}

	url := c.base + path
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
		}
		// echo errors carry a {"message": ...} body.
		var echoErr struct {
			Message string `json:"message"`
		}
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &echoErr) == nil && echoErr.Message != "" {
			msg = echoErr.Message
		}
		return &apiError{Status: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
