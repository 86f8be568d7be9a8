package agent

import (
	"regexp"
	"strings"

	"github.com/nyzhi-com/nyzhi/internal/provider"
)

// Router selects a model tier for the next step based on the pending
// work. Implementations must be cheap; they run before every request.
type Router interface {
	// Route returns the tier for this step and whether the router has an
	// opinion at all.
	Route(input string) (provider.ModelTier, bool)
}

var (
	codeRe      = regexp.MustCompile(`(?i)\b(func|class|def|package|import|SELECT|INSERT|UPDATE|DELETE)\b`)
	reasoningRe = regexp.MustCompile(`(?i)\b(analyze|reason|think through|derive|prove|why|tradeoff|architecture|refactor)\b`)
	quickRe     = regexp.MustCompile(`(?i)\b(what is|define|quick|brief|summary|list)\b`)
	fenceRe     = regexp.MustCompile("```")
)

// HeuristicRouter tags the pending input with simple content heuristics
// and maps the tags to tiers: reasoning or fenced code routes high, short
// lookups route low, everything else routes medium.
type HeuristicRouter struct{}

// Route classifies the input.
func (HeuristicRouter) Route(input string) (provider.ModelTier, bool) {
	content := strings.TrimSpace(input)
	if content == "" {
		return "", false
	}
	switch {
	case reasoningRe.MatchString(content) || fenceRe.MatchString(content):
		return provider.TierHigh, true
	case codeRe.MatchString(content):
		return provider.TierMedium, true
	case quickRe.MatchString(content) && len(content) < 80:
		return provider.TierLow, true
	default:
		return provider.TierMedium, true
	}
}
