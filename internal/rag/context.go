package rag

import (
	"strings"

	"coachchat/internal/models"
)

const (
	contextPreamble = "---\nUse the below context to provide relevant insights to the user, but don't explicitly mention that you're reading from these files unless the user asks about their Files.\n---\n\n"
	contextHeader   = "\nContext from user Files:\n\n"
	contextFooter   = "---\nEnd of context from user Files.\n---\n\n"
)

// BuildContext renders matches as the block appended to the system prompt.
// No matches renders nothing.
func BuildContext(matches []models.SectionMatch) string {
	if len(matches) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(contextPreamble)
	b.WriteString(contextHeader)
	for _, m := range matches {
		b.WriteString("[")
		b.WriteString(m.Title)
		b.WriteString("]\n")
		b.WriteString(m.Content)
		b.WriteString("\n\n")
	}
	b.WriteString(contextFooter)
	return b.String()
}
