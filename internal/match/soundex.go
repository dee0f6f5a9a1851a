package match

import "strings"

var soundexCodes = [26]byte{
	'0', '1', '2', '3', '0', '1', '2', '0', '0', '2', '2', '4', '5',
	'5', '0', '1', '2', '6', '2', '3', '0', '1', '0', '2', '0', '2',
}

// Soundex returns the four-character American Soundex code of a normalized
// name, or "" when the name has no letters. Multi-word names are encoded as a
// single run of letters so "DE LA CRUZ" and "DELACRUZ" agree.
func Soundex(name string) string {
	var letters []byte
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		if c >= 'A' && c <= 'Z' {
			letters = append(letters, c)
		}
	}
	if len(letters) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteByte(letters[0])
	last := soundexCodes[letters[0]-'A']
	for _, c := range letters[1:] {
		code := soundexCodes[c-'A']
		switch {
		case c == 'H' || c == 'W':
			// H and W do not separate letters with the same code.
			continue
		case code == '0':
			last = '0'
			continue
		case code == last:
			continue
		}
		b.WriteByte(code)
		last = code
		if b.Len() == 4 {
			break
		}
	}
	for b.Len() < 4 {
		b.WriteByte('0')
	}
	return b.String()
}

// BlockKey is the candidate-bounding key: phonetic first and last name plus
// region. Returns "" when either name is empty so such records never block.
func BlockKey(first, last, region string) string {
	f := Soundex(NormalizeName(first))
	l := Soundex(NormalizeName(last))
	r := NormalizeRegion(region)
	if f == "" || l == "" || r == "" {
		return ""
	}
	return f + l + "|" + r
}
