// Package match links license records to national-registry identities using
// phonetic blocking and a fixed confidence tier table.
package match

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// nameSuffixes lists generational and degree suffixes stripped before comparison.
var nameSuffixes = []string{
	" JR", " SR", " II", " III", " IV",
	" DDS", " DMD", " MD", " DO", " RDH", " PHD", " NP", " PA", " RN",
}

var (
	nonAlphaRe    = regexp.MustCompile(`[^A-Z ]+`)
	multiSpaceRe  = regexp.MustCompile(`\s{2,}`)
	nonCityCharRe = regexp.MustCompile(`[^A-Z0-9 ]+`)
)

// foldDiacritics maps "Peña" to "Pena" so feeds with and without accents agree.
func foldDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// NormalizeName standardizes a person-name component for matching by:
//  1. Folding diacritics and converting to uppercase
//  2. Replacing hyphens with spaces and dropping other punctuation
//  3. Removing generational and degree suffixes
//  4. Collapsing whitespace
func NormalizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}

	name = strings.ToUpper(foldDiacritics(name))
	name = strings.ReplaceAll(name, "-", " ")
	name = strings.ReplaceAll(name, ",", " ")
	name = nonAlphaRe.ReplaceAllString(name, "")
	name = multiSpaceRe.ReplaceAllString(name, " ")
	name = strings.TrimSpace(name)

	for _, suffix := range nameSuffixes {
		if strings.HasSuffix(name, suffix) {
			name = strings.TrimSpace(strings.TrimSuffix(name, suffix))
			break
		}
	}
	return name
}

// NormalizeCity uppercases a city and strips punctuation ("St. Louis" → "ST LOUIS").
func NormalizeCity(city string) string {
	city = strings.ToUpper(foldDiacritics(strings.TrimSpace(city)))
	city = strings.ReplaceAll(city, "-", " ")
	city = nonCityCharRe.ReplaceAllString(city, "")
	city = multiSpaceRe.ReplaceAllString(city, " ")
	return strings.TrimSpace(city)
}

// NormalizeRegion uppercases a state or province code.
func NormalizeRegion(region string) string {
	return strings.ToUpper(strings.TrimSpace(region))
}
