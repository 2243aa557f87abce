package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"golang.org/x/term"

	"github.com/tOgg1/toolchat/internal/models"
)

const previewWidth = 48

func hasTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

type styles struct {
	color bool
	badge lipgloss.Style
	muted lipgloss.Style
	bold  lipgloss.Style
	match lipgloss.Style
}

func newStyles(color bool) styles {
	return styles{
		color: color,
		badge: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("231")).Background(lipgloss.Color("161")),
		muted: lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		bold:  lipgloss.NewStyle().Bold(true),
		match: lipgloss.NewStyle().Reverse(true),
	}
}

func (s styles) render(style lipgloss.Style, value string) string {
	if !s.color || value == "" {
		return value
	}
	return style.Render(value)
}

// unread renders a count, highlighted when non-zero.
func (s styles) unread(n int) string {
	if n <= 0 {
		return "0"
	}
	return s.render(s.badge, fmt.Sprintf(" %d ", n))
}

// highlight marks content[offset:offset+length].
func (s styles) highlight(content string, offset, length int) string {
	if offset < 0 || length <= 0 || offset+length > len(content) {
		return content
	}
	if !s.color {
		return content[:offset] + "[" + content[offset:offset+length] + "]" + content[offset+length:]
	}
	return content[:offset] + s.render(s.match, content[offset:offset+length]) + content[offset+length:]
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// oneLine flattens whitespace and cuts content to width display cells.
func oneLine(content string, width int) string {
	flat := strings.Join(strings.Fields(content), " ")
	if width <= 0 {
		return flat
	}
	return runewidth.Truncate(flat, width, "…")
}

func formatAge(now, t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d/time.Minute))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d/time.Hour))
	case d < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(d/(24*time.Hour)))
	default:
		return t.Local().Format("2006-01-02")
	}
}

func preview(msg *models.Message) string {
	if msg == nil {
		return ""
	}
	text := oneLine(msg.Content, previewWidth)
	if text == "" && len(msg.Images) > 0 {
		text = fmt.Sprintf("(%d image(s))", len(msg.Images))
	}
	return text
}

// messageLine renders one history line: "15:04 sender: content".
func (s styles) messageLine(msg models.Message, selfID string) string {
	sender := msg.SenderID
	if sender == selfID {
		sender = "you"
	}
	marker := "  "
	if !msg.Read {
		marker = s.render(s.bold, "* ")
	}
	body := msg.Content
	if len(msg.Images) > 0 {
		body = strings.TrimSpace(fmt.Sprintf("%s (%d image(s))", body, len(msg.Images)))
	}
	stamp := msg.CreatedAt.Local().Format("2006-01-02 15:04")
	return fmt.Sprintf("%s%s %s: %s", marker, s.render(s.muted, stamp), s.render(s.bold, sender), body)
}
