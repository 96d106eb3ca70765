package compliance

import (
	"regexp"
	"strings"
	"unicode"
)

type spamRule struct {
	name    string
	weight  int
	pattern *regexp.Regexp
}

var spamRules = []spamRule{
	{"free offer", 15, regexp.MustCompile(`(?i)\b(100% )?free\b`)},
	{"prize", 20, regexp.MustCompile(`(?i)\b(winner|you('ve| have) won|prize|congratulations)\b`)},
	{"urgency", 10, regexp.MustCompile(`(?i)\b(act now|urgent|limited time|expires? today|don'?t miss)\b`)},
	{"click bait", 15, regexp.MustCompile(`(?i)\bclick (here|now|below)\b`)},
	{"money", 15, regexp.MustCompile(`(?i)(\$\$+|\bcash\b|\bearn \$?\d+|\bmake money\b)`)},
	{"guarantee", 10, regexp.MustCompile(`(?i)\b(guaranteed?|risk[- ]free|no obligation)\b`)},
	{"credit", 15, regexp.MustCompile(`(?i)\b(credit card|bank account|ssn|social security)\b`)},
	{"url shortener", 20, regexp.MustCompile(`(?i)\b(bit\.ly|tinyurl\.com|goo\.gl|t\.co|ow\.ly|is\.gd)/`)},
	{"pharma", 25, regexp.MustCompile(`(?i)\b(viagra|cialis|weight loss pill)\b`)},
}

var urlPattern = regexp.MustCompile(`(?i)https?://\S+`)

// SpamScore rates body from 0 (clean) to 100 and returns the names of
// the rules that matched.
func SpamScore(body string) (int, []string) {
	score := 0
	var hits []string
	for _, r := range spamRules {
		if r.pattern.MatchString(body) {
			score += r.weight
			hits = append(hits, r.name)
		}
	}
	if n := len(urlPattern.FindAllString(body, -1)); n > 1 {
		score += 10
		hits = append(hits, "many links")
	}
	if strings.Count(body, "!") >= 3 {
		score += 10
		hits = append(hits, "exclamations")
	}
	if shouting(body) {
		score += 15
		hits = append(hits, "all caps")
	}
	if score > 100 {
		score = 100
	}
	return score, hits
}

// shouting is true when most letters of a non-trivial body are upper case.
func shouting(body string) bool {
	letters, upper := 0, 0
	for _, r := range body {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	return letters >= 12 && upper*10 >= letters*7
}
