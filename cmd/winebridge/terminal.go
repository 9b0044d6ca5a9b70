// cmd/winebridge/terminal.go - interactive terminal front end.

package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/huh"

	"github.com/windowsadmins/winebridge/pkg/frontend"
	"github.com/windowsadmins/winebridge/pkg/logging"
)

// otherOption lets the user type an answer that is not among the offered options.
const otherOption = "Other..."

// terminal is a frontend.Adapter drawing prompts with huh and status lines on the console.
// Prompts are serialized so concurrent workers never draw over each other.
type terminal struct {
	console *logging.Console
	prompt  sync.Mutex

	mu       sync.Mutex
	lastLine string
}

func newTerminal(console *logging.Console) *terminal {
	return &terminal{console: console}
}

func statusLine(message string, percent int) string {
	if percent == frontend.NoPercent || percent < 0 {
		return message
	}
	return fmt.Sprintf("[%3d%%] %s", percent, message)
}

func (t *terminal) Status(message string, percent int) {
	line := statusLine(message, percent)
	t.mu.Lock()
	if line == t.lastLine {
		t.mu.Unlock()
		return
	}
	t.lastLine = line
	t.mu.Unlock()
	t.console.Printf("%s", line)
}

func (t *terminal) run(ctx context.Context, field huh.Field) error {
	t.prompt.Lock()
	defer t.prompt.Unlock()
	err := huh.NewForm(huh.NewGroup(field)).RunWithContext(ctx)
	if errors.Is(err, huh.ErrUserAborted) {
		return frontend.ErrAbort
	}
	return err
}

func (t *terminal) Ask(ctx context.Context, q frontend.Question) (string, error) {
	var answer string
	if len(q.Options) > 0 {
		options := append(append([]string{}, q.Options...), otherOption)
		sel := huh.NewSelect[string]().
			Title(q.Text).
			Options(huh.NewOptions(options...)...).
			Value(&answer)
		if err := t.run(ctx, sel); err != nil {
			return "", err
		}
		if answer != otherOption {
			return answer, nil
		}
		answer = ""
	}

	input := huh.NewInput().
		Title(q.Text).
		Value(&answer)
	if err := t.run(ctx, input); err != nil {
		return "", err
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return "", fmt.Errorf("%w: %s", frontend.ErrAbort, q.Text)
	}
	return answer, nil
}

func (t *terminal) Approve(ctx context.Context, question string) (bool, error) {
	var ok bool
	confirm := huh.NewConfirm().
		Title(question).
		Affirmative("Yes").
		Negative("No").
		Value(&ok)
	if err := t.run(ctx, confirm); err != nil {
		return false, err
	}
	return ok, nil
}

func (t *terminal) Exit(reason error) {
	if reason != nil {
		t.console.Error("%v", reason)
	}
}
