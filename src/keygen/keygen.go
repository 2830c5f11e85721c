// Package keygen derives the deterministic keys used by every cache layer.
package keygen

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const brackets = "()[]{}<>"

// GenerateKey maps an artist and a title to a stable cache key of the form
// "{artist}-{title}". Both parts are folded independently.
func GenerateKey(artist, title string) string {
	return fold(artist) + "-" + fold(title)
}

// SearchID derives the path-safe id of a search query.
func SearchID(query string) string {
	return strings.ReplaceAll(strings.TrimSpace(strings.ToLower(query)), " ", "-")
}

func fold(s string) string {
	s = stripMarks(s)
	s = strings.ToLower(s)
	s = strings.Map(func(r rune) rune {
		if strings.ContainsRune(brackets, r) {
			return -1
		}
		return r
	}, s)
	s = strings.Join(strings.Fields(s), "_")
	return strings.Trim(s, "_")
}

// combiningDiacritics is the Combining Diacritical Marks block. Marks of
// other scripts, such as the Devanagari anusvara or Hebrew points, are part
// of the spelling and stay in the key.
var combiningDiacritics = &unicode.RangeTable{
	R16: []unicode.Range16{{Lo: 0x0300, Hi: 0x036f, Stride: 1}},
}

// stripMarks decomposes s and drops Latin combining diacritics, so "ç"
// becomes "c".
func stripMarks(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(combiningDiacritics)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}
