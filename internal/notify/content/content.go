// Package content renders alert records into notification subjects and bodies.
package content

import (
	"bytes"
	"fmt"
	"html/template"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"alerting/internal/alert"
)

// Content is the rendered form of an alert for a channel.
type Content struct {
	Subject string
	Body    string
	HTML    string
}

// Subject returns "[LEVEL] Device: <device> <title>".
func Subject(rec *alert.Record) string {
	var sb strings.Builder
	sb.WriteString("[")
	sb.WriteString(string(rec.Level))
	sb.WriteString("]")
	if rec.DeviceID != "" {
		sb.WriteString(" Device: ")
		sb.WriteString(rec.DeviceID)
	}
	sb.WriteString(" ")
	sb.WriteString(rec.Title)
	return sb.String()
}

// Text returns the plain-text body.
func Text(rec *alert.Record) string {
	var sb strings.Builder
	sb.WriteString("Equipment Alert Notification\n")
	sb.WriteString("============================\n\n")
	for _, row := range rows(rec) {
		sb.WriteString(fmt.Sprintf("%s: %s\n", row.Label, row.Value))
	}
	sb.WriteString("\nPlease handle this alert promptly.\n")
	return sb.String()
}

// SMS returns a single-line body sized for a text message.
func SMS(rec *alert.Record) string {
	msg := fmt.Sprintf("[%s] %s %s", rec.Level, rec.DeviceID, rec.Title)
	if rec.TriggeredValue != nil && rec.ThresholdValue != nil {
		msg += fmt.Sprintf(" (value %s, threshold %s)", formatFloat(*rec.TriggeredValue), formatFloat(*rec.ThresholdValue))
	}
	return msg
}

var htmlTemplate = template.Must(template.New("alert").Parse(`<html><body>
<h2>Equipment Alert Notification</h2>
<table border="1" cellpadding="5" cellspacing="0">
{{- range .Rows}}
<tr><td><b>{{.Label}}</b></td><td>{{.Value}}</td></tr>
{{- end}}
</table>
<p><b>Please handle this alert promptly.</b></p>
<hr>
<p><small>This message was sent automatically by the equipment alerting service. Do not reply.</small></p>
</body></html>
`))

// HTML returns the HTML body. Record fields are escaped.
func HTML(rec *alert.Record) (string, error) {
	var buf bytes.Buffer
	if err := htmlTemplate.Execute(&buf, struct{ Rows []row }{Rows: rows(rec)}); err != nil {
		return "", fmt.Errorf("failed to render alert HTML: %w", err)
	}
	return buf.String(), nil
}

// Build renders subject, text and HTML. When HTML rendering fails the HTML
// part is left empty and providers fall back to the text body.
func Build(rec *alert.Record) Content {
	html, err := HTML(rec)
	if err != nil {
		slog.Warn("Falling back to plain-text email body", "alert_id", rec.ID, "error", err)
	}
	return Content{
		Subject: Subject(rec),
		Body:    Text(rec),
		HTML:    html,
	}
}

type row struct {
	Label string
	Value string
}

func rows(rec *alert.Record) []row {
	out := []row{
		{"Alert ID", rec.ID},
		{"Alert Level", string(rec.Level)},
		{"Device ID", rec.DeviceID},
		{"Title", rec.Title},
		{"Content", rec.Content},
		{"Alert Time", rec.AlertTime.Format(time.RFC3339)},
	}
	if rec.TriggeredValue != nil && rec.ThresholdValue != nil {
		out = append(out,
			row{"Current Value", formatFloat(*rec.TriggeredValue)},
			row{"Threshold", formatFloat(*rec.ThresholdValue)},
		)
	}
	out = append(out, row{"Confidence", fmt.Sprintf("%.1f%%", rec.Confidence*100)})
	return out
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
