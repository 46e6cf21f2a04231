package chatbot

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// REPL runs the relay in a terminal under a single local user id.
type REPL struct {
	relay  Responder
	userID string
	model  string
	logger *slog.Logger
}

// NewREPL creates a terminal chat for userID.
func NewREPL(r Responder, userID, model string, logger *slog.Logger) *REPL {
	if logger == nil {
		logger = slog.Default()
	}
	if userID == "" {
		userID = "local"
	}
	return &REPL{relay: r, userID: userID, model: model, logger: logger}
}

// Run reads lines from in until EOF or /quit and writes replies to out.
func (c *REPL) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	fmt.Fprintln(out, "=== RelayChat ===")
	fmt.Fprintf(out, "Session: %s\n", c.userID)
	if c.model != "" {
		fmt.Fprintf(out, "Model: %s\n", c.model)
	}
	fmt.Fprintln(out, "Type /help for commands, /quit to exit")
	fmt.Fprintln(out)

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "You: ")
		if !scanner.Scan() {
			break
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			shouldQuit, err := c.handleCommand(ctx, input, out)
			if err != nil {
				fmt.Fprintf(out, "Error: %v\n", err)
				c.logger.Error("command error", "error", err)
			}
			if shouldQuit {
				break
			}
			continue
		}

		reply := c.relay.Respond(ctx, c.userID, input)
		if reply.Err != nil {
			c.logger.Error("failed to send message", "error", reply.Err)
		}
		fmt.Fprintf(out, "Bot: %s\n\n", reply.Text)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	fmt.Fprintln(out, "Goodbye!")
	return nil
}

func (c *REPL) handleCommand(ctx context.Context, cmd string, out io.Writer) (bool, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return false, nil
	}

	switch parts[0] {
	case "/quit", "/exit":
		return true, nil

	case "/clear":
		if err := c.relay.Clear(ctx, c.userID); err != nil {
			return false, fmt.Errorf("failed to clear session: %w", err)
		}
		fmt.Fprintln(out, ClearedText)
		return false, nil

	case "/history":
		sess, err := c.relay.History(ctx, c.userID)
		if err != nil {
			return false, fmt.Errorf("failed to load session: %w", err)
		}
		if sess.Len() == 0 {
			fmt.Fprintln(out, "No messages yet.")
			return false, nil
		}
		for i, turn := range sess.Turns {
			fmt.Fprintf(out, "%d. [%s] %s\n", i+1, turn.Role, turn.Content)
		}
		fmt.Fprintln(out)
		return false, nil

	case "/help":
		fmt.Fprintln(out, "Available commands:")
		fmt.Fprintln(out, "  /quit, /exit  - Exit the chat")
		fmt.Fprintln(out, "  /clear        - Forget the conversation")
		fmt.Fprintln(out, "  /history      - Show the remembered turns")
		fmt.Fprintln(out, "  /help         - Show this help message")
		return false, nil

	default:
		return false, fmt.Errorf("unknown command: %s", parts[0])
	}
}
