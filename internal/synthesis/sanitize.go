package synthesis

import (
	"regexp"
	"strings"

	"concierge/internal/gateway"
)

// Assistant history arrives with our own plumbing embedded: attribution
// prefixes and state footers from earlier turns. Models must never see
// those, or they start imitating them.

var multiBlankRE = regexp.MustCompile(`\n{3,}`)

func normalizeMDLine(line string) string {
	trimmed := strings.TrimSpace(line)
	trimmed = strings.Trim(trimmed, "*_ ")
	return strings.ToLower(strings.TrimSpace(trimmed))
}

func isStateBlockHeader(line string) bool {
	switch normalizeMDLine(line) {
	case "state detection:", "state writes:", "state warning:":
		return true
	}
	return false
}

func isAttributionHeader(line string) bool {
	return strings.HasPrefix(normalizeMDLine(line), "answered by ")
}

// SanitizeAssistantText strips attribution lines and state footer blocks
// from one assistant message, collapsing the leftover blank runs.
func SanitizeAssistantText(text string) string {
	if strings.TrimSpace(text) == "" {
		return text
	}

	lines := strings.Split(text, "\n")
	var cleaned []string
	idx := 0
	for idx < len(lines) {
		line := lines[idx]

		if isStateBlockHeader(line) {
			idx++
			// Swallow the block's bullet lines and surrounding blanks.
			for idx < len(lines) {
				stripped := strings.TrimSpace(lines[idx])
				if stripped == "" || strings.HasPrefix(stripped, "- ") {
					idx++
					continue
				}
				break
			}
			for idx < len(lines) && strings.TrimSpace(lines[idx]) == "" {
				idx++
			}
			continue
		}

		if isAttributionHeader(line) {
			idx++
			for idx < len(lines) && strings.TrimSpace(lines[idx]) == "" {
				idx++
			}
			continue
		}

		cleaned = append(cleaned, line)
		idx++
	}

	rendered := strings.TrimSpace(strings.Join(cleaned, "\n"))
	if rendered == "" {
		return ""
	}
	return multiBlankRE.ReplaceAllString(rendered, "\n\n")
}

// SanitizeHistory cleans assistant messages and drops the ones left empty,
// returning a new slice. User and system messages pass through untouched.
func SanitizeHistory(messages []gateway.Message) []gateway.Message {
	out := make([]gateway.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role != gateway.RoleAssistant {
			out = append(out, msg)
			continue
		}
		cleaned := SanitizeAssistantText(msg.Content)
		if strings.TrimSpace(cleaned) == "" {
			continue
		}
		out = append(out, gateway.Message{Role: msg.Role, Content: cleaned})
	}
	return out
}
