package diagram

import (
	"fmt"
	"strings"
)

// statusTag returns a short ASCII indicator for a status string.
func statusTag(status string) string {
	switch status {
	case "completed":
		return "[OK]"
	case "failed":
		return "[FAIL]"
	case "running":
		return "[RUN]"
	case "skipped":
		return "[SKIP]"
	case "pending":
		return "[PEND]"
	default:
		return ""
	}
}

// RenderASCII renders the model top to bottom with box-drawing characters.
func RenderASCII(m *Model) string {
	var b strings.Builder
	if m.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", m.Title)
	}

	boxes := make([]asciiBox, len(m.Nodes))
	width := 0
	for i, n := range m.Nodes {
		boxes[i] = makeBox(n)
		width = max(width, boxes[i].width)
	}
	for i, box := range boxes {
		pad := strings.Repeat(" ", (width-box.width)/2)
		for _, line := range box.lines {
			b.WriteString(pad + line + "\n")
		}
		if i < len(boxes)-1 {
			renderConnector(&b, width, edgeLabel(m, m.Nodes[i].ID))
		}
	}

	var failures []string
	for _, n := range m.Nodes {
		if n.Status != nil && n.Status.Error != "" {
			failures = append(failures, fmt.Sprintf("  %s: %s", n.ID, n.Status.Error))
		}
	}
	if len(failures) > 0 {
		b.WriteString("\nerrors:\n" + strings.Join(failures, "\n") + "\n")
	}
	return b.String()
}

type asciiBox struct {
	lines []string
	width int
}

func makeBox(n *Node) asciiBox {
	content := []string{n.Label}
	if n.Agent != "" {
		content = append(content, "("+n.Agent+")")
	}
	if n.Status != nil {
		if tag := statusTag(n.Status.Status); tag != "" {
			extra := ""
			if n.Status.Status == "running" && n.Status.Progress > 0 {
				extra = fmt.Sprintf(" %d%%", n.Status.Progress)
			}
			if n.Status.RetryCount > 0 {
				extra += fmt.Sprintf(" retries=%d", n.Status.RetryCount)
			}
			content = append(content, tag+extra)
		}
		if n.Status.DurationMs > 0 {
			content = append(content, fmt.Sprintf("%dms", n.Status.DurationMs))
		}
	}

	inner := 0
	for _, line := range content {
		inner = max(inner, len([]rune(line)))
	}
	width := inner + 4 // 2 border + 2 padding

	lines := make([]string, 0, len(content)+2)
	lines = append(lines, "┌"+strings.Repeat("─", width-2)+"┐")
	for _, c := range content {
		lines = append(lines, "│ "+c+strings.Repeat(" ", inner-len([]rune(c)))+" │")
	}
	lines = append(lines, "└"+strings.Repeat("─", width-2)+"┘")
	return asciiBox{lines: lines, width: width}
}

func renderConnector(b *strings.Builder, width int, label string) {
	pad := strings.Repeat(" ", width/2)
	if label != "" {
		b.WriteString(pad + "│ " + label + "\n")
	} else {
		b.WriteString(pad + "│\n")
	}
	b.WriteString(pad + "▼\n")
}

func edgeLabel(m *Model, from string) string {
	for _, e := range m.Edges {
		if e.From == from {
			return e.Label
		}
	}
	return ""
}
