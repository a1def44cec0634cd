// ABOUTME: Scores registry snapshots to pick the best agent for a task category.
// ABOUTME: Pure function over value records; no access to live registry state.

package agent

import (
	"errors"
	"strings"
)

// ErrNoAgentsAvailable indicates no agent can take a task of the given category.
var ErrNoAgentsAvailable = errors.New("no agents available")

// Score components.
const (
	scoreExactMatch   = 10
	scoreLooseMatch   = 5
	scoreAvailable    = 5
	scoreBusy         = -3
	scoreUnresponsive = -10
)

// Weights is the static priority table keyed by agent type. A lookup first
// tries the full agent name, then the name with a trailing "-N" instance
// suffix removed ("debug-1" -> "debug").
type Weights map[string]int

// DefaultWeights ranks agent types by how urgently their work usually matters.
func DefaultWeights() Weights {
	return Weights{
		"debug":   9,
		"build":   8,
		"test":    7,
		"codegen": 6,
		"ui":      5,
		"review":  4,
		"generic": 3,
		"docs":    2,
	}
}

// For returns the weight for the named agent, or 0 when none is configured.
func (w Weights) For(name string) int {
	if v, ok := w[name]; ok {
		return v
	}
	if v, ok := w[agentType(name)]; ok {
		return v
	}
	return 0
}

// agentType strips a numeric instance suffix from an agent name.
func agentType(name string) string {
	i := strings.LastIndexByte(name, '-')
	if i <= 0 || i == len(name)-1 {
		return name
	}
	for _, c := range name[i+1:] {
		if c < '0' || c > '9' {
			return name
		}
	}
	return name[:i]
}

type candidate struct {
	Name  string
	Score int
}

// Score computes the selection score for one agent. The bool is false when
// none of the agent's capabilities match the category at all.
func Score(category string, rec Record, weights Weights) (int, bool) {
	score := 0
	switch {
	case rec.HasCapability(category):
		score += scoreExactMatch
	case looseMatch(category, rec.Capabilities):
		score += scoreLooseMatch
	default:
		return 0, false
	}

	score += weights.For(rec.Name)

	switch rec.Status {
	case StatusAvailable, StatusUnknown:
		score += scoreAvailable
	case StatusBusy:
		score += scoreBusy
	case StatusUnresponsive:
		score += scoreUnresponsive
	}
	return score, true
}

func looseMatch(category string, caps []string) bool {
	for _, c := range caps {
		if strings.Contains(c, category) {
			return true
		}
	}
	return false
}

// Select returns the name of the best agent for category. Agents must be
// supplied in registration order; the first agent wins a tie. Returns
// ErrNoAgentsAvailable when no agent matches or the best score is negative.
func Select(category string, agents []Record, weights Weights) (string, error) {
	best := candidate{Score: -1}
	found := false
	for _, rec := range agents {
		score, ok := Score(category, rec, weights)
		if !ok || score < 0 {
			continue
		}
		if !found || score > best.Score {
			best = candidate{Name: rec.Name, Score: score}
			found = true
		}
	}
	if !found {
		return "", ErrNoAgentsAvailable
	}
	return best.Name, nil
}
