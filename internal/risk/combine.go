package risk

// Combination weights. The classifier sees conversational context and actor
// history; the heuristic sees a single message.
const (
	weightClassifier = 0.7
	weightHeuristic  = 0.3
)

// Combine merges the heuristic and classifier analyses into the final one.
// If the classifier did not run (nil), the heuristic result passes through
// unchanged. Indicator order is heuristic first, then classifier, both in
// their original order.
func Combine(heuristic, classifier *Analysis) *Analysis {
	if classifier == nil {
		return heuristic
	}

	combined := &Analysis{
		RiskScore:           weightClassifier*classifier.RiskScore + weightHeuristic*heuristic.RiskScore,
		Category:            classifier.Category,
		Explanation:         classifier.Explanation,
		Confidence:          classifier.Confidence,
		Method:              "combined",
		RequiresHumanReview: classifier.RequiresHumanReview,
	}
	if combined.Category == "" {
		combined.Category = heuristic.Category
	}
	if combined.Explanation == "" {
		combined.Explanation = heuristic.Explanation
	}

	combined.Indicators = make([]Indicator, 0, len(heuristic.Indicators)+len(classifier.Indicators))
	combined.Indicators = append(combined.Indicators, heuristic.Indicators...)
	combined.Indicators = append(combined.Indicators, classifier.Indicators...)

	return combined
}

// ClampScore bounds a score into [0, 100]. Applied at the classifier port
// boundary before combination.
func ClampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}
