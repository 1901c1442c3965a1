package decision

import (
	"regexp"
	"strings"

	"concierge/internal/logging"
)

var whitespaceRE = regexp.MustCompile(`\s+`)

// containsEvidence reports whether quote appears verbatim in userText,
// comparing case-insensitively with collapsed whitespace. Empty sides
// never match.
func containsEvidence(userText, quote string) bool {
	user := strings.ToLower(whitespaceRE.ReplaceAllString(strings.TrimSpace(userText), " "))
	q := strings.ToLower(whitespaceRE.ReplaceAllString(strings.TrimSpace(quote), " "))
	if user == "" || q == "" {
		return false
	}
	return strings.Contains(user, q)
}

// ambiguousPrefixes open with a pronoun whose referent lives outside the
// memory text. Such memories are useless once detached from the turn.
var ambiguousPrefixes = []string{
	"it ", "this ", "that ", "these ", "those ",
	"they ", "he ", "she ", "there ", "here ",
}

func looksAmbiguousMemory(text string) bool {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return true
	}
	for _, prefix := range ambiguousPrefixes {
		if strings.HasPrefix(normalized, prefix) {
			return true
		}
	}
	return false
}

// applyGuards re-checks an accepted decision against the user's actual
// words. Guards are mechanical and run after the model: strict grounding
// drops blocks whose evidence is not a verbatim quote, facts-only rewrites
// surviving blocks to the quotes themselves, the low-confidence gate drops
// memory writes, and ambiguous memories are dropped outright. Every drop
// appends a filter tag to the decision reason.
func (e *Engine) applyGuards(d *Decision, userText string) {
	if d == nil {
		return
	}

	var reasonParts []string

	minConfidence := e.cfg.Decision.MinConfidence
	if d.Memory != nil && minConfidence > 0 && d.Confidence < minConfidence {
		logging.DecisionDebug("Memory write dropped: confidence %.2f below threshold %.2f", d.Confidence, minConfidence)
		d.Memory = nil
		reasonParts = append(reasonParts, "memory-filtered-low-confidence")
	}

	strict := e.cfg.Decision.StrictGrounding
	factsOnly := e.cfg.Decision.FactsOnly
	if strict || factsOnly {
		if c := d.Checkin; c != nil {
			evidence := strings.TrimSpace(c.Evidence)
			if strict && !containsEvidence(userText, evidence) {
				d.Checkin = nil
				reasonParts = append(reasonParts, "check-in-filtered-missing-evidence")
			} else if factsOnly {
				if evidence != "" {
					c.Summary = evidence
				}
				c.Wins = groundedItems(userText, c.Wins)
				c.Barriers = groundedItems(userText, c.Barriers)
				c.NextActions = groundedItems(userText, c.NextActions)
				c.Tags = nil
				c.Evidence = evidence
			}
		}

		if j := d.Journal; j != nil {
			evidence := strings.TrimSpace(j.Evidence)
			if strict && !containsEvidence(userText, evidence) {
				d.Journal = nil
				reasonParts = append(reasonParts, "journal-filtered-missing-evidence")
			} else if factsOnly {
				j.BodyMD = strings.TrimSpace(userText)
				j.Evidence = evidence
			}
		}

		if m := d.Memory; m != nil {
			evidence := strings.TrimSpace(m.Evidence)
			if strict && !containsEvidence(userText, evidence) {
				d.Memory = nil
				reasonParts = append(reasonParts, "memory-filtered-missing-evidence")
			} else {
				memoryText := evidence
				if memoryText == "" {
					memoryText = m.Memory
				}
				if looksAmbiguousMemory(memoryText) {
					d.Memory = nil
					reasonParts = append(reasonParts, "memory-filtered-ambiguous")
				} else if factsOnly {
					m.Memory = strings.TrimSpace(memoryText)
					m.Evidence = evidence
				}
			}
		}
	}

	if len(reasonParts) > 0 {
		suffix := strings.Join(reasonParts, ",")
		if d.Reason != "" {
			d.Reason = d.Reason + "|" + suffix
		} else {
			d.Reason = suffix
		}
	}
}

// groundedItems keeps only list items quoted from the user's message.
func groundedItems(userText string, items []string) []string {
	var kept []string
	for _, item := range items {
		if containsEvidence(userText, item) {
			kept = append(kept, item)
		}
	}
	return kept
}
