package ui

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"opsconsole/internal/console"
	"opsconsole/internal/dispatch"
	"opsconsole/internal/model"
)

// RenderView draws the whole console state as plain sections.
func RenderView(view console.View) string {
	var sb strings.Builder

	sb.WriteString(HeadingStyle.Render("Supervisor") + "\n")
	health := view.Health
	sb.WriteString(KeyValues("  ",
		KV("status", overallStatus(health.Status)),
		KV("runner", runnerLine(health.Runner)),
		KV("watchdog", watchdogLine(health.Watchdog)),
		KV("build", buildLine(health.Build)),
		KV("version", fallback(health.Supervisor.Version, "-")),
	))

	if len(view.Services.Services) > 0 {
		rows := make([][]string, 0, len(view.Services.Services))
		for _, service := range view.Services.Services {
			rows = append(rows, []string{service.Name, strconv.Itoa(service.Port), availability(service.Available)})
		}
		sb.WriteString(Table([]string{"SERVICE", "PORT", "STATE"}, rows) + "\n")
	}

	sb.WriteString("\n" + HeadingStyle.Render("Workflow loop") + "\n")
	loop := view.Loop
	phase := string(loop.Status.Phase)
	if loop.StopPending {
		phase += " " + WarnStyle.Render("(stopping)")
	}
	sb.WriteString(KeyValues("  ",
		KV("phase", fallback(phase, "idle")),
		KV("iteration", fmt.Sprintf("%d/%d", loop.Status.CurrentIteration, loop.Status.MaxIterations())),
		KV("progress", progressBar(loop.Progress, 20)),
		KV("history", fmt.Sprintf("%d iterations", view.History.Total)),
	))
	if loop.Status.Error != "" {
		sb.WriteString("  " + ErrorMsg("%s", loop.Status.Error) + "\n")
	}

	sb.WriteString("\n" + HeadingStyle.Render("AI session") + "\n")
	sb.WriteString(KeyValues("  ",
		KV("running", boolWord(view.AI.Running)),
		KV("liveness", string(view.AISession)),
		KV("auto debug", boolWord(view.AI.AutoDebugEnabled)),
	))
	for _, entry := range view.RecentOutput {
		sb.WriteString("  " + Muted(truncate(entry.Content, 100)) + "\n")
	}

	if len(view.Errors) > 0 {
		sb.WriteString("\n" + HeadingStyle.Render("Errors") + "\n")
		for _, serviceErr := range view.Errors {
			detail := fallback(firstLine(serviceErr.Stderr), firstLine(serviceErr.Stdout))
			source := serviceErr.ActionKey
			if serviceErr.Origin == model.ErrorOriginExternal {
				source = "detected"
			}
			sb.WriteString("  " + ErrorMsg("%s [%s] %s", serviceErr.Target, source, detail) + "\n")
		}
	}

	var stale []string
	for _, domain := range view.Domains {
		if domain.FetchFailed {
			stale = append(stale, string(domain.Domain))
		}
	}
	if len(stale) > 0 {
		sb.WriteString("\n" + WarnMsg("stale: %s", strings.Join(stale, ", ")) + "\n")
	}
	for _, stream := range view.Streams {
		if stream.Enabled && !stream.Connected {
			sb.WriteString(WarnMsg("%s stream reconnecting in %s", stream.Name, stream.RetryDelay) + "\n")
		}
	}
	if view.Relay.Error != "" {
		sb.WriteString(WarnMsg("event relay down: %s", view.Relay.Error) + "\n")
	}
	if view.InFlight != "" {
		sb.WriteString(InfoMsg("running %s", view.InFlight) + "\n")
	}
	if view.Confirmation != nil {
		sb.WriteString(WarnMsg("awaiting confirmation: %s", view.Confirmation.Title) + "\n")
	}
	for _, n := range view.Notifications {
		sb.WriteString(RenderNotification(n) + "\n")
	}
	return sb.String()
}

func RenderNotification(n model.Notification) string {
	text := n.Title
	if strings.TrimSpace(n.Message) != "" {
		text += ": " + firstLine(n.Message)
	}
	switch n.Level {
	case model.NotificationSuccess:
		return SuccessMsg("%s", text)
	case model.NotificationWarning:
		return WarnMsg("%s", text)
	default:
		return ErrorMsg("%s", text)
	}
}

// RenderResult summarizes one executed action.
func RenderResult(result dispatch.Result) string {
	var sb strings.Builder
	sb.WriteString(RenderNotification(result.Notification) + "\n")
	sb.WriteString(KeyValues("  ",
		KV("id", result.ID),
		KV("outcome", string(result.Outcome.Kind)),
		KV("elapsed", result.FinishedAt.Sub(result.StartedAt).Round(time.Millisecond).String()),
	))
	if strings.TrimSpace(result.Outcome.Stdout) != "" {
		sb.WriteString(Muted(strings.TrimRight(result.Outcome.Stdout, "\n")) + "\n")
	}
	if result.Outcome.Failed() && strings.TrimSpace(result.Outcome.Stderr) != "" {
		sb.WriteString(ErrorStyle.Render(strings.TrimRight(result.Outcome.Stderr, "\n")) + "\n")
	}
	return sb.String()
}

func RenderActions(actions []console.Action, destructive func(string) bool) string {
	rows := make([][]string, 0, len(actions))
	for _, action := range actions {
		confirm := ""
		if destructive != nil && destructive(action.Key) {
			confirm = "yes"
		}
		rows = append(rows, []string{action.Key, action.Label, string(action.Target), confirm})
	}
	return Table([]string{"KEY", "ACTION", "TARGET", "CONFIRM"}, rows)
}

func overallStatus(status model.OverallStatus) string {
	switch status {
	case model.OverallHealthy:
		return SuccessStyle.Render(string(status))
	case model.OverallDegraded, model.OverallBuilding:
		return WarnStyle.Render(string(status))
	case "":
		return Muted("unknown")
	default:
		return ErrorStyle.Render(string(status))
	}
}

func runnerLine(runner model.RunnerHealth) string {
	if !runner.Running {
		return ErrorStyle.Render("stopped")
	}
	parts := []string{SuccessStyle.Render("running")}
	if runner.PID != nil {
		parts = append(parts, fmt.Sprintf("pid %d", *runner.PID))
	}
	if !runner.APIResponding {
		parts = append(parts, WarnStyle.Render("api not responding"))
	}
	return strings.Join(parts, ", ")
}

func watchdogLine(w model.WatchdogHealth) string {
	if !w.Enabled {
		if w.DisabledReason != "" {
			return Muted("disabled: " + w.DisabledReason)
		}
		return Muted("disabled")
	}
	return fmt.Sprintf("enabled, %d restarts, %d crashes", w.RestartAttempts, w.CrashCount)
}

func buildLine(b model.BuildHealth) string {
	switch {
	case b.InProgress:
		return WarnStyle.Render("building")
	case b.ErrorDetected:
		return ErrorStyle.Render("error")
	default:
		return "ok"
	}
}

func availability(ok bool) string {
	if ok {
		return "up"
	}
	return "down"
}

func boolWord(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func progressBar(percent float64, width int) string {
	filled := int(percent / 100 * float64(width))
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}
	return AccentStyle.Render(strings.Repeat("█", filled)) + Muted(strings.Repeat("░", width-filled)) + fmt.Sprintf(" %.0f%%", percent)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

func truncate(s string, n int) string {
	s = firstLine(s)
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}

func fallback(value string, def string) string {
	if strings.TrimSpace(value) == "" {
		return def
	}
	return value
}
