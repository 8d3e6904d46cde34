package sched

import (
	"regexp"
	"strings"

	"inferd/pkg/types"
)

// Classifier maps a prompt plus the calling service's policy to a tier.
// Deterministic and side-effect free.
type Classifier struct {
	services map[string]types.ServicePolicy
}

func NewClassifier(services map[string]types.ServicePolicy) *Classifier {
	return &Classifier{services: services}
}

const shortPromptWords = 20

var greetingRe = regexp.MustCompile(`(?i)^\s*(hi|hello|hey|howdy|thanks|thank you|good (morning|afternoon|evening)|yes|no|ok|okay)\b`)

// factoidRe matches short lookup-style questions ("what is X", "who was Y").
var factoidRe = regexp.MustCompile(`(?i)^\s*(what|who|when|where|which)\s+(is|are|was|were)\b`)

var expertMarkers = []string{
	"theorem", "proof", "lemma", "asymptotic", "complexity analysis",
	"differential equation", "eigenvalue", "quantum", "bayesian",
	"formal verification", "cryptograph", "compiler", "distributed consensus",
	"peer-reviewed", "cite sources", "academic",
}

var analysisMarkers = []string{
	"analyze", "analyse", "compare", "contrast", "evaluate", "assess",
	"pros and cons", "trade-off", "tradeoff", "implications", "critique",
	"step by step", "in depth", "comprehensive",
}

// Classify derives the tier for one prompt. Precedence: short greeting or
// factoid, then expert markers, then analysis markers or long prompts, then
// the service default. Unknown services default to moderate.
func (c *Classifier) Classify(prompt, service string) types.Tier {
	words := len(strings.Fields(prompt))
	lower := strings.ToLower(prompt)

	if words < shortPromptWords && (greetingRe.MatchString(prompt) || factoidRe.MatchString(prompt)) {
		return types.TierSimple
	}
	for _, m := range expertMarkers {
		if strings.Contains(lower, m) {
			return types.TierExpert
		}
	}
	for _, m := range analysisMarkers {
		if strings.Contains(lower, m) {
			return types.TierComplex
		}
	}
	if words > 100 {
		return types.TierComplex
	}
	if pol, ok := c.services[service]; ok && pol.DefaultTier.Valid() {
		return pol.DefaultTier
	}
	return types.TierModerate
}
