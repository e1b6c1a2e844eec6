// Package keynorm canonicalizes identifiers (SKU codes, PO numbers, area and
// person names) so imported rows can be matched despite formatting noise.
package keynorm

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Key is the normalized form of a raw identifier. The zero Key is the empty
// marker: it matches nothing.
type Key struct {
	Raw     string // input as received
	Display string // trimmed, original casing
	Upper   string // trimmed, whitespace collapsed, upper-cased
	Code    string // matchable prefix of "<CODE> : <description>", upper-cased

	// Pattern matches strings starting with Code followed by optional
	// whitespace and then a colon or the end of the string.
	Pattern *regexp.Regexp
}

// Empty reports whether k came from blank input. Empty keys are unmatchable.
func (k Key) Empty() bool {
	return k.Upper == ""
}

// HasDescription reports whether the raw key carried a "<CODE> : <description>" suffix.
func (k Key) HasDescription() bool {
	return !k.Empty() && k.Code != k.Upper
}

// MatchString reports whether s is matched by the key's prefix pattern.
func (k Key) MatchString(s string) bool {
	if k.Pattern == nil {
		return false
	}
	return k.Pattern.MatchString(collapseSpaces(strings.TrimSpace(s)))
}

// Equal reports case-insensitive equality with another key. Empty keys are never equal.
func (k Key) Equal(other Key) bool {
	if k.Empty() || other.Empty() {
		return false
	}
	return k.Upper == other.Upper
}

func (k Key) String() string {
	return k.Display
}

// Normalize returns the Key for raw. Blank input yields the empty Key.
func Normalize(raw string) Key {
	display := strings.TrimSpace(raw)
	if display == "" {
		return Key{Raw: raw}
	}
	upper := strings.ToUpper(collapseSpaces(display))
	code := upper
	if idx := strings.Index(upper, ":"); idx >= 0 {
		code = strings.TrimSpace(upper[:idx])
	}
	k := Key{
		Raw:     raw,
		Display: display,
		Upper:   upper,
		Code:    code,
	}
	if code != "" {
		k.Pattern = regexp.MustCompile(`(?i)^` + regexp.QuoteMeta(code) + `(?:\s*:|\s*$)`)
	}
	return k
}

// CodeOf returns the matchable code prefix of s ("" for blank input).
func CodeOf(s string) string {
	return Normalize(s).Code
}

// NormalizeLegacy canonicalizes an upstream identifier. Spreadsheet exports
// tend to render integer ids as floats ("1042.0"), which are folded back.
func NormalizeLegacy(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return ""
	}
	if strings.HasSuffix(s, ".0") && isDigits(s[:len(s)-2]) {
		s = s[:len(s)-2]
	}
	return s
}

// NormalizeArea folds a place or person name: diacritics stripped,
// punctuation turned into spaces, whitespace collapsed, upper-cased.
// "Bánbury-Ward." and "BANBURY WARD" normalize to the same key.
func NormalizeArea(name string) string {
	s := strings.TrimSpace(name)
	if s == "" {
		return ""
	}
	s = stripDiacritics(s)
	s = strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			return r
		case r == '\'' || r == '’':
			return -1
		default:
			return ' '
		}
	}, s)
	return strings.ToUpper(collapseSpaces(strings.TrimSpace(s)))
}

// CommonPrefixLen returns the number of leading runes a and b share after
// upper-casing and whitespace collapsing.
func CommonPrefixLen(a, b string) int {
	a = strings.ToUpper(collapseSpaces(strings.TrimSpace(a)))
	b = strings.ToUpper(collapseSpaces(strings.TrimSpace(b)))
	n := 0
	for a != "" && b != "" {
		ra, sa := utf8.DecodeRuneInString(a)
		rb, sb := utf8.DecodeRuneInString(b)
		if ra != rb {
			break
		}
		n++
		a = a[sa:]
		b = b[sb:]
	}
	return n
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func stripDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
