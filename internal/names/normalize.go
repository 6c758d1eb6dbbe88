// Package names reconciles person-name mentions against a roster of known
// identities.
//
// Matching is an ordered scan: the first roster entry that either equals the
// detected name or shares a single token with it wins. Roster order is part
// of the contract and callers that care about precedence must order the
// roster accordingly.
package names

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Normalize returns the comparison key for a name: lower-cased with the
// full Unicode mappings ("İ" becomes "i̇", a word-final "Σ" becomes "ς"),
// trimmed, and with every whitespace run collapsed to a single space.
func Normalize(name string) string {
	// A Caser keeps state, so each call gets its own.
	return strings.Join(tokens(cases.Lower(language.Und).String(name)), " ")
}

func tokens(s string) []string {
	return strings.FieldsFunc(s, isSpace)
}

// isSpace also treats the ASCII information separators as whitespace so
// keys line up with rosters exported by tools that split on them.
func isSpace(r rune) bool {
	return unicode.IsSpace(r) || (r >= 0x1c && r <= 0x1f)
}
