package cortex

import (
	"regexp"
	"strings"
)

// silenceMarker is the session-record placeholder for a turn that produced
// no outbound text (spec.md §4.6 step 7).
const silenceMarker = "[silence]"

// sendToDirective matches repeatable [[send_to:<channel>]] directives embedded
// in LLM text (spec.md §6 "Response directives").
var sendToDirective = regexp.MustCompile(`\[\[send_to:([^\]]+)\]\]`)

// isSilent reports whether text is a whole-message sentinel: NO_REPLY or
// HEARTBEAT_OK produce no outbound send (spec.md §4.6 "Response Protocol").
func isSilent(text string) bool {
	trimmed := strings.TrimSpace(text)
	return trimmed == "NO_REPLY" || trimmed == "HEARTBEAT_OK"
}

// extractTargets strips [[send_to:...]] directives from text and returns the
// cleaned content plus the directed channel targets, in the order they
// appeared. An empty slice means no directive fired and the caller should
// fall back to the default target.
func extractTargets(text string) (content string, targets []string) {
	matches := sendToDirective.FindAllStringSubmatch(text, -1)
	for _, m := range matches {
		ch := strings.TrimSpace(m[1])
		if ch != "" {
			targets = append(targets, ch)
		}
	}
	content = strings.TrimSpace(sendToDirective.ReplaceAllString(text, ""))
	return content, targets
}
