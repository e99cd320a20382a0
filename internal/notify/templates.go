package notify

import (
	"bytes"
	"strconv"
	"strings"
	"text/template"
	"time"
)

// TemplateData holds the variables available to notification templates.
type TemplateData struct {
	RuleName      string
	HostName      string
	ContainerName string
	Severity      string
	Value         float64
	Threshold     float64
	Occurrences   int
	Detail        string
	Timestamp     time.Time
	Title         string
}

// TemplateEngine renders notification bodies using Go text/template.
// When no custom template is set for a rule, the default format is used.
type TemplateEngine struct {
	customs map[string]string // rule name -> template string
}

// NewTemplateEngine creates an engine with the given custom templates.
func NewTemplateEngine(customs map[string]string) *TemplateEngine {
	return &TemplateEngine{customs: customs}
}

// Render produces the notification body for the given data. If a custom
// template exists for the rule, it is used. On template error, falls back to
// the default format.
func (e *TemplateEngine) Render(data TemplateData) string {
	if e != nil && e.customs != nil {
		if tmplStr, ok := e.customs[data.RuleName]; ok && tmplStr != "" {
			result, err := executeTemplate(tmplStr, data)
			if err == nil {
				return result
			}
			// Fall through to default on error.
		}
	}
	return defaultFormat(data)
}

// RenderPreview renders a template string with sample data so users can
// validate a custom template before saving it.
func RenderPreview(tmplStr string) (string, error) {
	return executeTemplate(tmplStr, sampleData())
}

func executeTemplate(tmplStr string, data TemplateData) (string, error) {
	t, err := template.New("notify").Parse(tmplStr)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func defaultFormat(data TemplateData) string {
	var b strings.Builder
	if data.RuleName != "" {
		b.WriteString("Rule: ")
		b.WriteString(data.RuleName)
		b.WriteString("\n")
	}
	if data.HostName != "" {
		b.WriteString("Host: ")
		b.WriteString(data.HostName)
		b.WriteString("\n")
	}
	if data.ContainerName != "" {
		b.WriteString("Container: ")
		b.WriteString(data.ContainerName)
		b.WriteString("\n")
	}
	if data.Threshold != 0 || data.Value != 0 {
		fprintfValue(&b, data)
	}
	if data.Detail != "" {
		b.WriteString(data.Detail)
		b.WriteString("\n")
	}
	return b.String()
}

func fprintfValue(b *strings.Builder, data TemplateData) {
	b.WriteString("Value: ")
	b.WriteString(strconv.FormatFloat(data.Value, 'f', -1, 64))
	if data.Threshold != 0 {
		b.WriteString(" (threshold ")
		b.WriteString(strconv.FormatFloat(data.Threshold, 'f', -1, 64))
		b.WriteString(")")
	}
	b.WriteString("\n")
}

func sampleData() TemplateData {
	return TemplateData{
		RuleName:      "high cpu",
		HostName:      "docker-01",
		ContainerName: "nginx",
		Severity:      SeverityWarning,
		Value:         92.5,
		Threshold:     90,
		Occurrences:   3,
		Detail:        "cpu above threshold for 3 samples",
		Timestamp:     time.Now(),
		Title:         "High CPU",
	}
}
