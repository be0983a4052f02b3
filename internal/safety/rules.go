package safety

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

var defaultProfanity = []string{
	"damn", "hell", "shit", "fuck", "bitch", "ass", "piss", "crap", "bastard",
	"slut", "whore", "dick", "cock", "pussy", "cunt",
}

var defaultPatterns = []string{
	`\b(kill|murder|suicide|die|death)\b`,
	`\b(hate|hatred|despise)\s+(people|person|group|race|religion)\b`,
	`\b(buy|purchase|sale|discount|offer|deal)\b.*\b(now|today|limited)\b`,
	`\b(click|visit|check\s+out)\s+(link|website|url)\b`,
	`\b(drugs|cocaine|heroin|meth|marijuana)\b`,
}

var defaultPolitical = []string{
	"trump", "biden", "republican", "democrat", "liberal", "conservative", "election",
	"vote", "politics", "political", "government", "congress", "president", "senator",
	"politician",
}

const (
	maxCapsRatio      = 0.5
	capsMinLength     = 20
	minUniqueRatio    = 0.5
	uniqueMinWordSize = 5
)

// Rules is the local content filter. It is cheap and runs before moderation.
type Rules struct {
	profanity map[string]struct{}
	political map[string]struct{}
	patterns  []*regexp.Regexp
}

// DefaultRules returns the built-in word lists plus extra blocked words.
func DefaultRules(extraBlocked []string) *Rules {
	r := &Rules{
		profanity: make(map[string]struct{}),
		political: make(map[string]struct{}),
	}
	for _, w := range append(append([]string(nil), defaultProfanity...), extraBlocked...) {
		r.profanity[strings.ToLower(strings.TrimSpace(w))] = struct{}{}
	}
	for _, w := range defaultPolitical {
		r.political[w] = struct{}{}
	}
	for _, p := range defaultPatterns {
		r.patterns = append(r.patterns, regexp.MustCompile(p))
	}
	return r
}

// Check returns every reason text is unacceptable, or nil.
func (r *Rules) Check(text string) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return []string{"empty content"}
	}
	lower := strings.ToLower(trimmed)
	words := tokenize(lower)

	var reasons []string
	if hits := matchWords(words, r.profanity); len(hits) > 0 {
		reasons = append(reasons, "profanity: "+strings.Join(hits, ", "))
	}
	for _, p := range r.patterns {
		if p.MatchString(lower) {
			reasons = append(reasons, "inappropriate pattern: "+p.String())
		}
	}
	if hits := matchWords(words, r.political); len(hits) > 0 {
		reasons = append(reasons, "political content: "+strings.Join(hits, ", "))
	}
	if n := utf8.RuneCountInString(trimmed); n > capsMinLength {
		upper := 0
		for _, c := range trimmed {
			if unicode.IsUpper(c) {
				upper++
			}
		}
		if ratio := float64(upper) / float64(n); ratio > maxCapsRatio {
			reasons = append(reasons, fmt.Sprintf("excessive caps: %.2f", ratio))
		}
	}
	if fields := strings.Fields(lower); len(fields) > uniqueMinWordSize {
		unique := make(map[string]struct{}, len(fields))
		for _, f := range fields {
			unique[f] = struct{}{}
		}
		if ratio := float64(len(unique)) / float64(len(fields)); ratio < minUniqueRatio {
			reasons = append(reasons, fmt.Sprintf("repetitive content: %.2f unique", ratio))
		}
	}
	return reasons
}

func tokenize(lower string) []string {
	return strings.FieldsFunc(lower, func(c rune) bool {
		return !unicode.IsLetter(c) && !unicode.IsDigit(c)
	})
}

func matchWords(words []string, set map[string]struct{}) []string {
	seen := make(map[string]struct{})
	for _, w := range words {
		if _, ok := set[w]; ok {
			seen[w] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for w := range seen {
		out = append(out, w)
	}
	sort.Strings(out)
	return out
}
