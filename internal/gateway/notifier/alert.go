package notifier

import (
	"fmt"
	"strings"
	"time"
)

// Alert severity levels, in escalation order.
const (
	SeverityLow      = "low"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Alert is a structured operational notification. Delivery is best-effort;
// the trading loop never blocks on it.
type Alert struct {
	Severity string
	Title    string
	Lines    []string
	At       time.Time
}

func (a Alert) Render() string {
	icon := "ℹ️"
	switch a.Severity {
	case SeverityWarning:
		icon = "⚠️"
	case SeverityCritical:
		icon = "🚨"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s*\n", icon, strings.TrimSpace(a.Title))
	for _, line := range a.Lines {
		if line = strings.TrimSpace(line); line != "" {
			b.WriteString("- " + line + "\n")
		}
	}
	at := a.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	b.WriteString(at.Format("2006-01-02 15:04:05 MST"))
	return b.String()
}

// Send renders and pushes an alert through the given notifier, swallowing
// delivery errors into the return value.
func Send(n TextNotifier, a Alert) error {
	if n == nil {
		return nil
	}
	return n.SendText(a.Render())
}
