package state

import (
	"fmt"
	"strings"
)

// Write channels, in footer order.
const (
	ChannelCheckin    = "checkin"
	ChannelJournal    = "journal"
	ChannelMemory     = "memory"
	ChannelProjection = "projection"
)

// Write statuses surfaced in the footer.
const (
	StatusApplied          = "applied"
	StatusSkipped          = "skipped"
	StatusSkippedDuplicate = "skipped_duplicate"
	StatusFailed           = "failed"
)

// WriteSummaryItem is one channel's outcome for a turn.
type WriteSummaryItem struct {
	Channel   string
	Status    string
	Target    string
	Details   string
	ResultRef int64
}

// Applied reports whether the item committed a durable change.
func (w WriteSummaryItem) Applied() bool {
	return w.Status == StatusApplied
}

var channelLabels = map[string]string{
	ChannelCheckin: "check-in",
}

func channelLabel(channel string) string {
	if label, ok := channelLabels[channel]; ok {
		return label
	}
	return channel
}

// FormatFooter renders the per-turn state summary appended to assistant
// replies. Targets are shown relative to the user's state directory except
// for projection items, whose targets already name the exported tree.
func FormatFooter(items []WriteSummaryItem, userKey string) string {
	if len(items) == 0 {
		return ""
	}
	safe := SafeUserPath(userKey)
	var b strings.Builder
	b.WriteString("*State writes:*")
	for _, item := range items {
		target := item.Target
		if item.Channel != ChannelProjection {
			target = fmt.Sprintf("state/users/%s/%s", safe, item.Target)
		}
		b.WriteString(fmt.Sprintf("\n- %s: `%s` (%s)", channelLabel(item.Channel), target, item.Status))
		if item.Details != "" {
			b.WriteString(" - " + item.Details)
		}
	}
	return b.String()
}

// failureFooter explains a skipped turn when the decision engine fails and
// the configured failure mode asks for a visible warning.
func failureFooter(reason, userKey string) string {
	if strings.TrimSpace(reason) == "" {
		reason = "state-decision-failure"
	}
	return fmt.Sprintf(
		"*State warning:*\n- decision engine failed for this turn (`%s`), so state writes were skipped.\n- state path scope: `state/users/%s/`",
		reason, SafeUserPath(userKey))
}
