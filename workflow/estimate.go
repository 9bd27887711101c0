package workflow

import "time"

// Per-kind execution time estimates.
const (
	EstimateAgent     = 30 * time.Second
	EstimateCondition = 1 * time.Second
	EstimateParallel  = 5 * time.Second
	EstimateLoop      = 10 * time.Second

	// DefaultPricePerMillion is the token price used when none is configured.
	DefaultPricePerMillion = 5.0
)

// EstimateExecutionTime sums a rough per-node duration. A loop adds one
// agent estimate for every iteration after the first.
func EstimateExecutionTime(g *Graph) time.Duration {
	var total time.Duration
	for _, n := range g.Nodes() {
		switch n.Kind {
		case NodeKindAgent:
			total += EstimateAgent
		case NodeKindCondition:
			total += EstimateCondition
		case NodeKindParallel:
			total += EstimateParallel
		case NodeKindLoop:
			total += EstimateLoop
			if cfg := n.loopConfig(); cfg != nil && cfg.Iterations > 1 {
				total += time.Duration(cfg.Iterations-1) * EstimateAgent
			}
		}
	}
	return total
}

// EstimateCost prices tokens at pricePerMillion, or DefaultPricePerMillion
// when pricePerMillion is not positive.
func EstimateCost(tokens int, pricePerMillion float64) float64 {
	if pricePerMillion <= 0 {
		pricePerMillion = DefaultPricePerMillion
	}
	return float64(tokens) / 1_000_000 * pricePerMillion
}
