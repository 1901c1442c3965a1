package decision

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

var (
	jsonFenceRE = regexp.MustCompile("(?is)```(?:json)?\\s*(\\{.*?\\})\\s*```")
	wordRE      = regexp.MustCompile(`[A-Za-z0-9_]+`)
)

// extractJSONObject pulls one JSON object out of model output: a fenced
// block wins, then the outermost brace slice. Returns nil when nothing
// parses to an object.
func extractJSONObject(text string) map[string]interface{} {
	candidate := strings.TrimSpace(text)
	if m := jsonFenceRE.FindStringSubmatch(candidate); m != nil {
		candidate = strings.TrimSpace(m[1])
	} else {
		start := strings.Index(candidate, "{")
		end := strings.LastIndex(candidate, "}")
		if start != -1 && end > start {
			candidate = candidate[start : end+1]
		}
	}

	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(candidate), &payload); err != nil {
		return nil
	}
	return payload
}

func stringField(payload map[string]interface{}, key string) string {
	if payload == nil {
		return ""
	}
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

func boolField(payload map[string]interface{}, key string) bool {
	if payload == nil {
		return false
	}
	v, _ := payload[key].(bool)
	return v
}

// floatField coerces a payload field to float64, tolerating the string and
// integer encodings decision models actually emit.
func floatField(payload map[string]interface{}, key string) float64 {
	if payload == nil {
		return 0
	}
	switch v := payload[key].(type) {
	case float64:
		return v
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0
		}
		return f
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// normalizeItems coerces a payload list into trimmed non-empty strings,
// bounded by limit. Non-list input yields nil.
func normalizeItems(raw interface{}, limit int) []string {
	values, ok := raw.([]interface{})
	if !ok || limit <= 0 {
		return nil
	}
	var items []string
	for _, v := range values {
		text, ok := v.(string)
		if !ok {
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		items = append(items, text)
		if len(items) >= limit {
			break
		}
	}
	return items
}

// compactReason collapses internal whitespace so reasons stay single-line.
func compactReason(raw string) string {
	return strings.Join(strings.Fields(raw), " ")
}

// firstWords keeps the leading word tokens of text, up to max, joined by
// single spaces. Punctuation is dropped.
func firstWords(text string, max int) string {
	words := wordRE.FindAllString(strings.TrimSpace(text), -1)
	if len(words) > max {
		words = words[:max]
	}
	return strings.TrimSpace(strings.Join(words, " "))
}

// defaultTitleFromText derives a stable title from the first sentence of
// the user's message.
func defaultTitleFromText(userText string) string {
	sentence := strings.TrimSpace(userText)
	if idx := strings.IndexAny(sentence, ".!?\n"); idx >= 0 {
		sentence = sentence[:idx]
	}
	if title := firstWords(sentence, 8); title != "" {
		return title
	}
	return "User note"
}

// truncateRunes bounds text to max runes; non-positive max keeps all.
func truncateRunes(text string, max int) string {
	if max <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max])
}
