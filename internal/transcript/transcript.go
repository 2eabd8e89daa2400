// Package transcript renders a conversation to a standalone HTML document.
package transcript

import (
	"bytes"
	"fmt"
	"html/template"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"

	"github.com/youruser/livegen/internal/history"
)

// Document is the input to Render.
type Document struct {
	Title   string
	Turns   []history.Turn
	Created time.Time
}

// Raw HTML in turns is escaped: AI turns may still contain markup the filter let through.
var md = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(html.WithHardWraps()),
)

var page = template.Must(template.New("transcript").Parse(`<!DOCTYPE html>
<html lang="zh-CN">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: -apple-system, "PingFang SC", sans-serif; max-width: 860px; margin: 2em auto; color: #222; }
.turn { margin: 1em 0; padding: .6em 1em; border-radius: 8px; }
.user { background: #e8f0fe; }
.ai { background: #f5f5f5; }
.role { font-size: .8em; color: #666; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
{{- if .Created}}
<p class="role">{{.Created}}</p>
{{- end}}
{{range .Turns}}
<div class="turn {{.Role}}">
<div class="role">{{.Label}}{{if .CreatedAt}} · {{.CreatedAt}}{{end}}</div>
{{.Body}}
</div>
{{end}}
</body>
</html>
`))

type turnView struct {
	Role      string
	Label     string
	CreatedAt string
	Body      template.HTML
}

// RenderMarkdown converts one turn's Markdown to an HTML fragment.
func RenderMarkdown(src string) (string, error) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(src), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Render writes doc as HTML to w.
func Render(w io.Writer, doc Document) error {
	title := doc.Title
	if title == "" {
		title = "Conversation"
	}
	data := struct {
		Title   string
		Created string
		Turns   []turnView
	}{Title: title}
	if !doc.Created.IsZero() {
		data.Created = doc.Created.Format("2006-01-02 15:04:05")
	}

	for i, t := range doc.Turns {
		body, err := RenderMarkdown(t.Content)
		if err != nil {
			return fmt.Errorf("turn %d: %w", i, err)
		}
		role, label := history.RoleAI, "AI"
		if t.Role == history.RoleUser {
			role, label = history.RoleUser, "You"
		}
		data.Turns = append(data.Turns, turnView{
			Role:      role,
			Label:     label,
			CreatedAt: t.CreatedAt,
			Body:      template.HTML(body),
		})
	}
	return page.Execute(w, data)
}

// WriteFile renders doc to path, creating parent directories.
func WriteFile(path string, doc Document) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := Render(&buf, doc); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}
