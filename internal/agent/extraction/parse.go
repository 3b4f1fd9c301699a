package extraction

import (
	"regexp"
	"strings"
)

var (
	headingPattern = regexp.MustCompile(`(?i)^\s*(ingredients?|contains|composition)\s*[:\-]\s*`)
	percentPattern = regexp.MustCompile(`\s*[\(\[]?\s*\d+(?:[.,]\d+)?\s*%\s*[\)\]]?`)
	footerPattern  = regexp.MustCompile(`(?i)^\s*(allergy advice|allergens?|may contain|nutrition|storage|best before)\b`)
)

// SplitDeclaration separates an optional product name from the ingredient
// text. The product name is the first line when the text spans several lines
// and a later line carries an "Ingredients:" heading.
func SplitDeclaration(text string) (productName, ingredients string) {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	for i, line := range lines {
		if !headingPattern.MatchString(line) {
			continue
		}
		if i > 0 {
			productName = strings.TrimSpace(strings.Join(lines[:i], " "))
		}
		body := []string{headingPattern.ReplaceAllString(line, "")}
		for _, rest := range lines[i+1:] {
			if footerPattern.MatchString(rest) {
				break
			}
			body = append(body, rest)
		}
		return productName, strings.Join(body, "\n")
	}
	return "", text
}

// ParseIngredients splits a declaration into individual ingredients. Commas,
// semicolons and newlines separate items outside brackets; bracketed
// sub-ingredients follow their parent. Percentages and trailing periods are
// removed and empty items dropped.
func ParseIngredients(text string) []string {
	_, body := SplitDeclaration(text)

	var out []string
	for _, item := range splitTopLevel(body) {
		parent, subs := splitSubIngredients(item)
		if parent = clean(parent); parent != "" {
			out = append(out, parent)
		}
		for _, sub := range subs {
			if sub = clean(sub); sub != "" {
				out = append(out, sub)
			}
		}
	}
	return out
}

func splitTopLevel(s string) []string {
	var parts []string
	depth := 0
	start := 0
	for i, r := range s {
		switch r {
		case '(', '[':
			depth++
		case ')', ']':
			if depth > 0 {
				depth--
			}
		case ',', ';', '\n':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}

// splitSubIngredients turns "chocolate (sugar, cocoa butter)" into the parent
// and its components. A bracket holding a single additive code or a
// percentage stays with the parent.
func splitSubIngredients(item string) (string, []string) {
	item = percentPattern.ReplaceAllString(item, "")
	lo := strings.IndexAny(item, "([")
	if lo < 0 {
		return item, nil
	}
	hi := strings.LastIndexAny(item, ")]")
	if hi < lo {
		hi = len(item)
	}
	inner := item[lo+1 : hi]
	parent := item[:lo] + item[min(hi+1, len(item)):]

	if !strings.ContainsAny(inner, ",;") {
		// "emulsifier (e471)" keeps the code on the parent.
		return item[:lo] + " " + inner + item[min(hi+1, len(item)):], nil
	}

	var subs []string
	for _, sub := range splitTopLevel(inner) {
		p, nested := splitSubIngredients(sub)
		subs = append(subs, p)
		subs = append(subs, nested...)
	}
	return parent, subs
}

func clean(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	s = strings.TrimRight(s, ".:*")
	s = strings.TrimLeft(s, "-•*: ")
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "and") {
		return ""
	}
	return strings.TrimPrefix(strings.TrimPrefix(s, "and "), "And ")
}
