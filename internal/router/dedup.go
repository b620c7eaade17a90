package router

import (
	"strings"
	"unicode"

	"github.com/p-blackswan/agent-broker/internal/store"
)

// Dedup reasons, also used as metric labels.
const (
	ReasonSameThread     = "same Slack thread"
	ReasonHighSimilarity = "high similarity"
	ReasonSameAgent      = "similar task for same agent"
)

const (
	similarityThreshold = 0.80
	sameAgentThreshold  = 0.60
)

// wordSet lowercases, replaces punctuation with whitespace and drops empty
// tokens.
func wordSet(s string) map[string]struct{} {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, s)

	set := make(map[string]struct{})
	for _, w := range strings.Fields(cleaned) {
		set[w] = struct{}{}
	}
	return set
}

// Jaccard computes word-set similarity of two descriptions. Both empty is
// 1.0; exactly one empty is 0.0.
func Jaccard(a, b string) float64 {
	sa, sb := wordSet(a), wordSet(b)
	if len(sa) == 0 && len(sb) == 0 {
		return 1.0
	}
	if len(sa) == 0 || len(sb) == 0 {
		return 0.0
	}

	intersection := 0
	for w := range sa {
		if _, ok := sb[w]; ok {
			intersection++
		}
	}
	union := len(sa) + len(sb) - intersection
	return float64(intersection) / float64(union)
}

// FindDuplicate checks the event against recent candidate tasks, in order:
// thread match, high overall similarity, moderate similarity on the same
// target agent. Returns the first matching task and the reason, or nil.
func FindDuplicate(candidates []*store.Task, ev Event) (*store.Task, string) {
	for _, task := range candidates {
		if ev.SlackChannelID != "" && ev.SlackThreadTS != "" &&
			task.SlackChannelID == ev.SlackChannelID && task.SlackThreadTS == ev.SlackThreadTS {
			return task, ReasonSameThread
		}

		sim := Jaccard(ev.Text, task.Description)
		if sim > similarityThreshold {
			return task, ReasonHighSimilarity
		}
		if ev.TargetAgentID != "" && ev.TargetAgentID == task.AgentID && sim > sameAgentThreshold {
			return task, ReasonSameAgent
		}
	}
	return nil, ""
}
