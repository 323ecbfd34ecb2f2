package spawner

import (
	"strings"
)

// Complexity buckets a task for model routing.
type Complexity string

const (
	ComplexityTrivial Complexity = "trivial"
	ComplexityLow     Complexity = "low"
	ComplexityMedium  Complexity = "medium"
	ComplexityHigh    Complexity = "high"
)

// ModelRoute is the spawn parameter set chosen for a complexity bucket.
type ModelRoute struct {
	Model        string
	MaxTurns     int
	MaxBudgetUSD float64
}

var defaultRoutes = map[Complexity]ModelRoute{
	ComplexityTrivial: {Model: "haiku", MaxTurns: 10, MaxBudgetUSD: 0.50},
	ComplexityLow:     {Model: "haiku", MaxTurns: 20, MaxBudgetUSD: 1.00},
	ComplexityMedium:  {Model: "sonnet", MaxTurns: 40, MaxBudgetUSD: 3.00},
	ComplexityHigh:    {Model: "opus", MaxTurns: 80, MaxBudgetUSD: 10.00},
}

var complexityKeywords = map[Complexity][]string{
	ComplexityTrivial: {"typo", "rename", "comment", "bump", "format"},
	ComplexityLow:     {"fix", "update", "add test", "docs", "small"},
	ComplexityHigh: {
		"architecture", "refactor", "migrate", "redesign", "security",
		"concurrency", "performance", "protocol",
	},
}

// ClassifyComplexity picks a bucket from an explicit hint when present,
// else from keyword heuristics over the task name and description.
// Medium is the fallback.
func ClassifyComplexity(hint, name, description string) Complexity {
	switch Complexity(strings.ToLower(strings.TrimSpace(hint))) {
	case ComplexityTrivial, ComplexityLow, ComplexityMedium, ComplexityHigh:
		return Complexity(strings.ToLower(strings.TrimSpace(hint)))
	}

	text := strings.ToLower(name + " " + description)
	for _, bucket := range []Complexity{ComplexityHigh, ComplexityTrivial, ComplexityLow} {
		for _, kw := range complexityKeywords[bucket] {
			if strings.Contains(text, kw) {
				return bucket
			}
		}
	}
	return ComplexityMedium
}

// RouteFor maps a complexity bucket to its spawn parameters.
func RouteFor(c Complexity) ModelRoute {
	if r, ok := defaultRoutes[c]; ok {
		return r
	}
	return defaultRoutes[ComplexityMedium]
}
