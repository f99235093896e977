package igor

import "strings"

// VerifyResult is the verdict of a smart-verify step
type VerifyResult struct {
	Passed    bool     `json:"passed"`
	Reason    string   `json:"reason"`
	Positives []string `json:"positives,omitempty"`
	Negatives []string `json:"negatives,omitempty"`
}

// indicator families keyed by the predicate's vocabulary. Each family
// contributes page-text keywords read as evidence for or against.
var verifyFamilies = []struct {
	triggers  []string
	positives []string
	negatives []string
}{
	{
		triggers:  []string{"logged in", "login", "signed in", "sign in", "authenticated"},
		positives: []string{"logout", "sign out", "welcome", "dashboard", "my account", "profile"},
		negatives: []string{"invalid password", "invalid credentials", "login failed", "incorrect", "try again", "forgot password"},
	},
	{
		triggers:  []string{"created", "posted", "published", "submitted", "saved"},
		positives: []string{"success", "created", "published", "saved", "thank you", "confirmation"},
		negatives: []string{"error", "failed", "could not", "unable to", "required field", "invalid"},
	},
	{
		triggers:  []string{"approved", "accepted", "confirmed"},
		positives: []string{"approved", "accepted", "confirmed", "complete"},
		negatives: []string{"rejected", "denied", "declined", "pending"},
	},
}

// genericNegatives apply to every predicate
var genericNegatives = []string{"404", "not found", "server error", "exception", "something went wrong"}

// smartVerify decides whether the page satisfies a natural-language
// expectation. Pass when positive evidence clearly dominates; fail on
// negative evidence or when nothing decisive shows up.
func smartVerify(expected, pageText, pageURL, intent string) VerifyResult {
	expectedLower := strings.ToLower(expected)
	textLower := strings.ToLower(pageText + " " + pageURL)

	// "should NOT" predicates invert: finding the phrase is the failure
	if strings.Contains(expectedLower, "should not") || strings.Contains(expectedLower, "shouldn't") {
		phrase := negatedPhrase(expectedLower)
		if phrase != "" && strings.Contains(textLower, phrase) {
			return VerifyResult{Passed: false, Reason: "forbidden content present: " + phrase, Negatives: []string{phrase}}
		}
		return VerifyResult{Passed: true, Reason: "forbidden content absent"}
	}

	var positives, negatives []string
	matched := false
	for _, family := range verifyFamilies {
		if !containsAny(expectedLower+" "+strings.ToLower(intent), family.triggers) {
			continue
		}
		matched = true
		positives = append(positives, found(textLower, family.positives)...)
		negatives = append(negatives, found(textLower, family.negatives)...)
	}
	if !matched {
		// Generic fallback: the predicate's own significant words count
		// as positive evidence
		positives = found(textLower, significantWords(expectedLower))
	}
	negatives = append(negatives, found(textLower, genericNegatives)...)

	switch {
	case len(positives) > 0 && len(negatives) == 0:
		return VerifyResult{Passed: true, Reason: "positive indicators found", Positives: positives}
	case len(positives) > 2*len(negatives) && len(positives) > 0:
		return VerifyResult{Passed: true, Reason: "positive indicators dominate", Positives: positives, Negatives: negatives}
	case len(negatives) > 0:
		return VerifyResult{Passed: false, Reason: "negative indicators found", Positives: positives, Negatives: negatives}
	default:
		return VerifyResult{Passed: false, Reason: "no clear indicators"}
	}
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func found(s string, words []string) []string {
	var out []string
	for _, w := range words {
		if strings.Contains(s, w) {
			out = append(out, w)
		}
	}
	return out
}

// negatedPhrase extracts what follows "should not ..." for inversion
func negatedPhrase(expected string) string {
	for _, marker := range []string{"should not contain", "should not show", "should not", "shouldn't"} {
		if _, after, ok := strings.Cut(expected, marker); ok {
			return strings.Trim(after, " .\"'")
		}
	}
	return ""
}

// significantWords keeps the predicate's words long enough to be
// meaningful evidence on their own
func significantWords(s string) []string {
	var out []string
	for _, w := range strings.Fields(s) {
		w = strings.Trim(w, ".,!?\"'")
		if len(w) >= 4 {
			out = append(out, w)
		}
	}
	return out
}
