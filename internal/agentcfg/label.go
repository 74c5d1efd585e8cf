package agentcfg

import (
	"regexp"
	"strings"
)

var (
	unsafeLabelChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)
	underscoreRuns   = regexp.MustCompile(`_+`)
	leadingLetter    = regexp.MustCompile(`^[a-z]`)
)

// ServerLabel derives a protocol-safe label from a human-readable server
// name: characters outside [A-Za-z0-9_-] become underscores, runs of
// underscores collapse, the result is lower-cased, and a name that does not
// start with a letter gets an "s_" prefix. The result always matches
// ^[a-z][a-z0-9_-]*$ and is stable for a given input.
func ServerLabel(name string) string {
	label := unsafeLabelChars.ReplaceAllString(name, "_")
	label = underscoreRuns.ReplaceAllString(label, "_")
	label = strings.ToLower(label)
	label = strings.Trim(label, "_")
	if !leadingLetter.MatchString(label) {
		label = "s_" + label
	}
	return label
}
