package relay

import (
	"regexp"
	"strings"
)

var (
	thinkBlock = regexp.MustCompile(`(?s)<think>(.*?)</think>`)
	thinkTag   = regexp.MustCompile(`</?think>`)
	blankRuns  = regexp.MustCompile(`\n\s*\n`)
)

// SplitThinking separates <think>…</think> blocks from a model answer. The
// answer has every think tag removed and blank-line runs collapsed; the
// blocks are joined into the returned trace.
func SplitThinking(raw string) (answer, thinking string) {
	var traces []string
	for _, m := range thinkBlock.FindAllStringSubmatch(raw, -1) {
		if trace := strings.TrimSpace(m[1]); trace != "" {
			traces = append(traces, trace)
		}
	}
	answer = thinkBlock.ReplaceAllString(raw, "")
	answer = thinkTag.ReplaceAllString(answer, "")
	answer = blankRuns.ReplaceAllString(answer, "\n\n")
	return strings.TrimSpace(answer), strings.Join(traces, "\n\n")
}
