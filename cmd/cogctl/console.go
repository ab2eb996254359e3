package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

const consoleHelp = `Commands:
  pending                          list escalations waiting on a human
  tasks                            list tasks
  task <id>                        show one task
  <type> <escalation-id> [text]    answer an escalation; type is one of
                                   approve reject modify guide override defer
  help                             show this help
  quit                             leave the console`

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Interactive console for answering escalations",
	RunE:  runConsole,
}

func runConsole(cmd *cobra.Command, args []string) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "cogflow> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return fmt.Errorf("starting console: %w", err)
	}
	defer rl.Close()

	c := newClient(serverURL)
	out := rl.Stdout()
	fmt.Fprintf(out, "Connected to %s as %s. Type help for commands.\n", serverURL, color.New(color.Bold).Sprint(responder))
	if pending, err := listEscalations(cmd, c); err == nil {
		printEscalations(out, pending)
	}

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		quit, err := consoleLine(cmd, c, out, line)
		if err != nil {
			fmt.Fprintln(out, color.New(color.FgRed).Sprint("error: "+err.Error()))
		}
		if quit {
			return nil
		}
	}
}

// consoleLine runs one console command and reports whether to quit.
func consoleLine(cmd *cobra.Command, c *client, out io.Writer, line string) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	switch strings.ToLower(fields[0]) {
	case "quit", "exit":
		return true, nil
	case "help", "?":
		fmt.Fprintln(out, consoleHelp)
	case "pending", "ls":
		pending, err := listEscalations(cmd, c)
		if err != nil {
			return false, err
		}
		printEscalations(out, pending)
	case "tasks":
		return false, runWith(cmd, out, taskListCmd, nil)
	case "task":
		if len(fields) != 2 {
			return false, fmt.Errorf("usage: task <id>")
		}
		return false, runWith(cmd, out, taskGetCmd, fields[1:])
	default:
		if len(fields) < 2 {
			return false, fmt.Errorf("unknown command %q, type help", fields[0])
		}
		// "<type> <id> [text]" reads naturally; parseResponse wants id first.
		id, resp, err := parseResponse(append([]string{fields[1], fields[0]}, fields[2:]...))
		if err != nil {
			return false, err
		}
		return false, respond(out, cmd, c, id, resp)
	}
	return false, nil
}

// runWith runs sub with its output sent to out.
func runWith(parent *cobra.Command, out io.Writer, sub *cobra.Command, args []string) error {
	sub.SetOut(out)
	sub.SetContext(parent.Context())
	return sub.RunE(sub, args)
}
