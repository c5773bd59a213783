package locator

import (
	"strings"
	"unicode"

	"github.com/xkilldash9x/autopilot-cli/api/schemas"
)

// Weights of the relevance score.
const (
	textualWeight  = 0.75
	salienceWeight = 0.25

	coverageWeight = 0.8
	exactWeight    = 0.2
	prefixCredit   = 0.75
	minPrefixLen   = 4
)

// stopWords carry no targeting information.
var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "on": true, "in": true, "of": true, "to": true,
	"for": true, "with": true, "at": true, "and": true, "or": true, "labeled": true,
	"labelled": true, "called": true, "named": true, "that": true, "says": true,
	"reading": true, "which": true, "this": true, "please": true, "click": true,
	"press": true, "select": true, "enter": true, "type": true, "into": true, "element": true,
}

// roleWords map words describing an element's kind onto the roles they imply.
var roleWords = map[string][]string{
	"button":   {"button"},
	"btn":      {"button"},
	"link":     {"link"},
	"anchor":   {"link"},
	"field":    {"textbox", "searchbox", "combobox"},
	"input":    {"textbox", "searchbox", "combobox", "checkbox", "radio"},
	"box":      {"textbox", "searchbox", "checkbox"},
	"textbox":  {"textbox"},
	"textarea": {"textbox"},
	"search":   {"searchbox"},
	"checkbox": {"checkbox"},
	"radio":    {"radio"},
	"dropdown": {"combobox"},
	"menu":     {"combobox", "menuitem"},
	"option":   {"option", "combobox"},
	"tab":      {"tab"},
	"heading":  {"heading"},
	"header":   {"heading"},
	"title":    {"heading"},
}

// query is a parsed semantic target.
type query struct {
	content []string // Tokens that must appear in the element.
	roles   map[string]bool
	phrase  string // Content tokens joined, for exact matching.
}

func parseQuery(value string) query {
	q := query{roles: make(map[string]bool)}
	for _, tok := range tokenize(value) {
		if roles, ok := roleWords[tok]; ok {
			for _, r := range roles {
				q.roles[r] = true
			}
			// "search" is both a role hint and frequent content.
			if tok != "search" {
				continue
			}
		}
		if stopWords[tok] {
			continue
		}
		q.content = append(q.content, tok)
	}
	q.phrase = strings.Join(q.content, " ")
	return q
}

// tokenize lowercases s and splits it on anything that is not a letter or
// digit, also breaking camelCase identifiers.
func tokenize(s string) []string {
	var out []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			out = append(out, strings.ToLower(string(cur)))
			cur = cur[:0]
		}
	}
	var prev rune
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if unicode.IsUpper(r) && unicode.IsLower(prev) {
				flush()
			}
			cur = append(cur, r)
		default:
			flush()
		}
		prev = r
	}
	flush()
	return out
}

// haystack collects the searchable strings of a candidate.
func haystack(d schemas.ElementDescription) []string {
	return []string{
		d.Text, d.Label, d.Value,
		d.Attr("aria-label"), d.Attr("placeholder"), d.Attr("name"),
		d.Attr("id"), d.Attr("title"), d.Attr("alt"), d.Attr("value"),
	}
}

// textualScore is token coverage of the query over the candidate's text and
// naming attributes, plus a bonus when one of them equals the query phrase.
func textualScore(q query, d schemas.ElementDescription) float64 {
	if len(q.content) == 0 {
		return 0
	}
	tokens := make(map[string]bool)
	exact := 0.0
	for _, s := range haystack(d) {
		if s == "" {
			continue
		}
		for _, t := range tokenize(s) {
			tokens[t] = true
		}
		if parseQuery(s).phrase == q.phrase {
			exact = 1
		}
	}

	matched := 0.0
	for _, want := range q.content {
		if tokens[want] {
			matched++
			continue
		}
		if len(want) >= minPrefixLen {
			for have := range tokens {
				if len(have) >= minPrefixLen && (strings.HasPrefix(have, want) || strings.HasPrefix(want, have)) {
					matched += prefixCredit
					break
				}
			}
		}
	}
	return coverageWeight*matched/float64(len(q.content)) + exactWeight*exact
}

// salience rewards elements a user could see and act on, and whose role agrees
// with the kind of element the query names.
func salience(q query, d schemas.ElementDescription) float64 {
	s := 0.0
	if d.Visible {
		s += 0.5
	}
	if q.roles[d.Role] {
		s += 0.3
	}
	if d.Interactive && !d.Disabled {
		s += 0.2
	}
	return s
}

// Score is the deterministic relevance of d to a semantic target value in [0,1].
// Elements with no textual overlap score zero whatever their salience.
func Score(value string, d schemas.ElementDescription) float64 {
	q := parseQuery(value)
	return score(q, d)
}

func score(q query, d schemas.ElementDescription) float64 {
	t := textualScore(q, d)
	if t == 0 {
		return 0
	}
	return textualWeight*t + salienceWeight*salience(q, d)
}
