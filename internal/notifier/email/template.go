package email

import (
	"bytes"
	"fmt"
	"html/template"
	"sort"
	"strings"

	"agrialert/internal/alert"
	"agrialert/internal/notifier"
)

type detail struct {
	Key   string
	Value string
}

type view struct {
	Name      string
	Title     string
	Message   string
	Icon      string
	Severity  string
	Color     string
	Details   []detail
	Dashboard string
}

var htmlTmpl = template.Must(template.New("alert").Parse(`<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1.0">
  <title>AgriIntel360 - Alert</title>
</head>
<body style="margin:0;padding:0;font-family:'Segoe UI',Tahoma,Geneva,Verdana,sans-serif;background-color:#f3f4f6;">
  <div style="max-width:600px;margin:0 auto;background-color:white;border-radius:8px;overflow:hidden;">
    <div style="background:linear-gradient(135deg,#22c55e,#16a34a);padding:30px;text-align:center;">
      <h1 style="color:white;margin:0;font-size:24px;font-weight:600;">🌾 AgriIntel360</h1>
    </div>
    <div style="padding:30px;">
      <div style="background-color:{{.Color}};color:white;padding:15px;border-radius:6px;margin-bottom:20px;">
        <h2 style="margin:0;font-size:18px;font-weight:600;">{{.Icon}} {{.Title}}</h2>
        <p style="margin:5px 0 0 0;font-size:12px;opacity:0.9;">Level: {{.Severity}}</p>
      </div>
      <div style="margin-bottom:20px;">
        <p style="color:#374151;line-height:1.6;margin:0;">Hello {{.Name}},</p>
        <br>
        <p style="color:#374151;line-height:1.6;margin:0;">{{.Message}}</p>
      </div>
{{- if .Details}}
      <div style="background-color:#f9fafb;padding:15px;border-radius:6px;margin-bottom:20px;">
        <h3 style="color:#374151;margin:0 0 10px 0;font-size:14px;">Details:</h3>
{{- range .Details}}
        <p style="margin:5px 0;font-size:13px;color:#6b7280;"><strong>{{.Key}}:</strong> {{.Value}}</p>
{{- end}}
      </div>
{{- end}}
{{- if .Dashboard}}
      <div style="text-align:center;margin:30px 0;">
        <a href="{{.Dashboard}}" style="background-color:#22c55e;color:white;padding:12px 24px;text-decoration:none;border-radius:6px;font-weight:500;display:inline-block;">Open dashboard</a>
      </div>
{{- end}}
    </div>
    <div style="background-color:#f9fafb;padding:20px;text-align:center;border-top:1px solid #e5e7eb;">
      <p style="color:#6b7280;font-size:12px;margin:0;">You receive this email because you subscribed to AgriIntel360 alerts.</p>
    </div>
  </div>
</body>
</html>
`))

func newView(dashboard string, to notifier.Recipient, rec alert.Record) view {
	name := strings.TrimSpace(to.Name)
	if name == "" {
		name = "there"
	}
	return view{
		Name:      name,
		Title:     rec.Title,
		Message:   rec.Message,
		Icon:      rec.Type.Icon(),
		Severity:  strings.ToUpper(string(rec.Severity)),
		Color:     rec.Severity.Color(),
		Details:   details(rec.Data),
		Dashboard: dashboard,
	}
}

func details(data map[string]any) []detail {
	if len(data) == 0 {
		return nil
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]detail, 0, len(keys))
	for _, k := range keys {
		out = append(out, detail{Key: k, Value: fmt.Sprint(data[k])})
	}
	return out
}

func renderHTML(dashboard string, to notifier.Recipient, rec alert.Record) (string, error) {
	var buf bytes.Buffer
	if err := htmlTmpl.Execute(&buf, newView(dashboard, to, rec)); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func renderText(dashboard string, to notifier.Recipient, rec alert.Record) string {
	v := newView(dashboard, to, rec)
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\nLevel: %s\n\nHello %s,\n\n%s\n", v.Icon, v.Title, v.Severity, v.Name, v.Message)
	if len(v.Details) > 0 {
		b.WriteString("\nDetails:\n")
		for _, d := range v.Details {
			fmt.Fprintf(&b, "  %s: %s\n", d.Key, d.Value)
		}
	}
	if v.Dashboard != "" {
		fmt.Fprintf(&b, "\n%s\n", v.Dashboard)
	}
	return b.String()
}
