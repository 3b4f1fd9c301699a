package classification

import (
	"strings"
	"unicode"
)

var connectives = map[string]bool{"and": true, "or": true, "etc": true}

// Normalize lowercases and trims an ingredient name, removes pure numeric
// tokens and the connectives "and", "or" and "etc", strips surrounding
// punctuation and collapses whitespace. A spaced additive code ("E 471",
// "INS 441") is joined first so its number survives.
func Normalize(raw string) string {
	var tokens []string
	for _, f := range strings.Fields(strings.ToLower(raw)) {
		f = strings.TrimFunc(f, func(r rune) bool {
			return unicode.IsPunct(r) && r != '-' && r != '%'
		})
		if f = strings.Trim(f, "-"); f != "" {
			tokens = append(tokens, f)
		}
	}

	kept := make([]string, 0, len(tokens))
	for i := 0; i < len(tokens); i++ {
		f := tokens[i]
		if (f == "e" || f == "ins") && i+1 < len(tokens) && isCodeNumber(tokens[i+1]) {
			kept = append(kept, f+tokens[i+1])
			i++
			continue
		}
		if connectives[f] || isNumeric(f) {
			continue
		}
		kept = append(kept, f)
	}
	return strings.Join(kept, " ")
}

func isCodeNumber(tok string) bool {
	if len(tok) < 3 || len(tok) > 5 {
		return false
	}
	for i, r := range tok {
		if !unicode.IsDigit(r) && !(i >= 3 && unicode.IsLetter(r)) {
			return false
		}
	}
	return true
}

// isNumeric reports whether a token is a bare number such as "2", "0.5" or "10%".
func isNumeric(tok string) bool {
	tok = strings.TrimSuffix(tok, "%")
	if tok == "" {
		return false
	}
	digits := 0
	for _, r := range tok {
		switch {
		case unicode.IsDigit(r):
			digits++
		case r == '.' || r == ',':
		default:
			return false
		}
	}
	return digits > 0
}
