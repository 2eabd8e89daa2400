package transcript

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/youruser/livegen/internal/history"
)

func TestRenderMarkdown(t *testing.T) {
	out, err := RenderMarkdown("**[选择工具]** 写入文件\n\n| a | b |\n|---|---|\n| 1 | 2 |")
	require.NoError(t, err)
	assert.Contains(t, out, "<strong>[选择工具]</strong> 写入文件")
	assert.Contains(t, out, "<table>", "GFM tables are enabled")
}

func TestRender(t *testing.T) {
	doc := Document{
		Title:   "App <42>",
		Created: time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC),
		Turns: []history.Turn{
			{Role: history.RoleUser, Content: "做一个 <script>alert(1)</script> 页面", CreatedAt: "t0"},
			{Role: history.RoleAI, Content: "好的\n第二行"},
		},
	}
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, doc))
	out := buf.String()

	assert.True(t, strings.HasPrefix(out, "<!DOCTYPE html>"))
	assert.Contains(t, out, "<title>App &lt;42&gt;</title>")
	assert.Contains(t, out, "2025-01-02 10:00:00")
	assert.Contains(t, out, `class="turn user"`)
	assert.Contains(t, out, `class="turn ai"`)
	assert.NotContains(t, out, "<script>alert(1)</script>", "raw HTML is not passed through")
	assert.Contains(t, out, "好的<br>", "line breaks are kept")
	assert.Less(t, strings.Index(out, "做一个"), strings.Index(out, "好的"), "turns keep their order")
}

func TestWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "chat.html")
	require.NoError(t, WriteFile(path, Document{Turns: []history.Turn{{Role: history.RoleAI, Content: "hi"}}}))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "<title>Conversation</title>")
	assert.Contains(t, string(data), "<p>hi</p>")
}
