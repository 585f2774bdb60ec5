// Package console runs the interactive operator prompt.
//
// Each non-empty line typed at the prompt is sent to the connected computer
// as a command. The prompt is reprinted after every line.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/nerrad567/cc-bridge/internal/computer"
	"github.com/nerrad567/cc-bridge/internal/infrastructure/logging"
)

// DefaultPrompt is printed before each line is read.
const DefaultPrompt = "Command> "

// Dispatcher sends an operator line to the active computer.
type Dispatcher interface {
	Dispatch(ctx context.Context, line string) (computer.Command, error)
}

// Console reads operator lines from In and reports outcomes on Out.
type Console struct {
	In         io.Reader
	Out        io.Writer
	Prompt     string
	Dispatcher Dispatcher
	Logger     *logging.Logger
}

// Run prompts and dispatches until In reaches EOF or ctx is cancelled.
// EOF is a normal exit and returns nil.
func (c *Console) Run(ctx context.Context) error {
	if c.Dispatcher == nil {
		return errors.New("console: dispatcher is required")
	}
	prompt := c.Prompt
	if prompt == "" {
		prompt = DefaultPrompt
	}
	logger := c.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(c.In)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		fmt.Fprint(c.Out, prompt)

		select {
		case <-ctx.Done():
			return nil
		case err := <-scanErr:
			fmt.Fprintln(c.Out)
			if err != nil {
				return fmt.Errorf("reading console input: %w", err)
			}
			return nil
		case line := <-lines:
			c.handle(ctx, logger, strings.TrimSpace(line))
		}
	}
}

func (c *Console) handle(ctx context.Context, logger *logging.Logger, line string) {
	if line == "" {
		return
	}

	_, err := c.Dispatcher.Dispatch(ctx, line)
	switch {
	case err == nil:
		fmt.Fprintf(c.Out, "Message sent: %s\n", line)
	case errors.Is(err, computer.ErrNotConnected):
		fmt.Fprintln(c.Out, "Not connected to computer")
	default:
		logger.Warn("console dispatch failed", "line", line, "error", err)
		fmt.Fprintf(c.Out, "Send failed: %v\n", err)
	}
}
