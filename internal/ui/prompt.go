package ui

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"opsconsole/internal/confirm"
	"opsconsole/internal/model"
)

// Confirm asks a yes/no question on stderr. Non-interactive terminals get
// *ErrNoInteraction carrying bypassHint.
func Confirm(ctx context.Context, question string, bypassHint string) (bool, error) {
	if err := RequireInteraction(bypassHint); err != nil {
		return false, fmt.Errorf("confirmation required: %w", err)
	}
	return runConfirm(ctx, question, os.Stdin, os.Stderr)
}

func runConfirm(ctx context.Context, question string, in io.Reader, out io.Writer) (bool, error) {
	m := &confirmModel{question: question}
	p := tea.NewProgram(m,
		tea.WithContext(ctx),
		tea.WithInput(in),
		tea.WithOutput(out),
	)
	if _, err := p.Run(); err != nil {
		return false, fmt.Errorf("confirm prompt: %w", err)
	}
	if m.cancelled {
		return false, ErrCancelled
	}
	return m.confirmed, nil
}

// BrokerPrompt answers broker requests with a terminal prompt. A prompt
// that cannot run declines the request.
func BrokerPrompt(ctx context.Context, broker *confirm.Broker, bypassHint string) confirm.PromptFunc {
	return func(request model.ConfirmationRequest) {
		question := strings.TrimSpace(request.Title)
		if msg := strings.TrimSpace(request.Message); msg != "" {
			question = question + ": " + msg
		}
		ok, err := Confirm(ctx, question, bypassHint)
		_ = broker.Resolve(request.ID, ok && err == nil)
	}
}

type confirmModel struct {
	question  string
	confirmed bool
	cancelled bool
	answered  bool
}

func (m *confirmModel) Init() tea.Cmd { return nil }

func (m *confirmModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.String() {
		case "y", "Y":
			m.confirmed = true
			m.answered = true
			return m, tea.Quit
		case "n", "N", "enter":
			m.confirmed = false
			m.answered = true
			return m, tea.Quit
		case "ctrl+c", "esc":
			m.cancelled = true
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m *confirmModel) View() string {
	if m.answered || m.cancelled {
		return ""
	}
	return AccentStyle.Render("?") + " " + m.question + " " + MutedStyle.Render("[y/N]") + " "
}
