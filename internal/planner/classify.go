package planner

import "strings"

// Kind is a coarse label for a query, available to rule conditions.
type Kind string

const (
	KindGeneral   Kind = "general"
	KindChat      Kind = "chat"
	KindCode      Kind = "code"
	KindTransform Kind = "transform"
	KindSchedule  Kind = "schedule"
	KindAnalysis  Kind = "analysis"
)

var transformKeywords = []string{
	"translate", "summarize", "summarise", "summary", "convert", "rewrite",
	"paraphrase", "rephrase", "extract",
}

var scheduleKeywords = []string{
	"deadline", "due", "schedule", "meeting", "calendar", "remind",
}

// Classify labels query by keyword. Earlier checks win.
func Classify(query string) Kind {
	lower := strings.ToLower(query)
	switch {
	case strings.TrimSpace(query) == "":
		return KindGeneral
	case containsCode(query):
		return KindCode
	case containsAny(lower, transformKeywords):
		return KindTransform
	case containsAny(lower, scheduleKeywords):
		return KindSchedule
	case len(query) > 500:
		return KindAnalysis
	case len(query) < 100 && !strings.Contains(query, "\n"):
		return KindChat
	}
	return KindGeneral
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func containsCode(s string) bool {
	return strings.Contains(s, "```") ||
		strings.Contains(s, "func ") ||
		strings.Contains(s, "def ") ||
		strings.Contains(s, "package ")
}
