package mcpproxy

import "strings"

// Phrases that mark text as an instruction to the model rather than
// data. Deliberately coarse; false positives only cost a fenced block.
var injectionPhrases = []string{
	"ignore previous instructions",
	"ignore all previous instructions",
	"ignore the above",
	"disregard your instructions",
	"disregard all prior",
	"you are now",
	"new system prompt",
	"system prompt:",
	"do not tell the user",
	"without telling the user",
	"exfiltrate",
	"reveal your instructions",
	"print your instructions",
}

// LooksLikeInjection is the default prompt-injection scanner for MCP
// responses from public sources.
func LooksLikeInjection(text string) bool {
	lower := strings.ToLower(text)
	for _, phrase := range injectionPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
