package classifier

import (
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// bidiControls are the directional formatting characters that can reorder
// displayed text so that what a reviewer reads differs from what a model
// receives.
var bidiControls = map[rune]string{
	'\u061C': "ALM",
	'\u200E': "LRM",
	'\u200F': "RLM",
	'\u202A': "LRE",
	'\u202B': "RLE",
	'\u202C': "PDF",
	'\u202D': "LRO",
	'\u202E': "RLO",
	'\u2066': "LRI",
	'\u2067': "RLI",
	'\u2068': "FSI",
	'\u2069': "PDI",
}

// invisibleRunes have no visible glyph and are dropped before matching so
// they cannot split a keyword.
var invisibleRunes = map[rune]bool{
	'\u00AD': true, // soft hyphen
	'\u180E': true,
	'\u200B': true,
	'\u200C': true,
	'\u200D': true,
	'\u2060': true,
	'\u2061': true,
	'\u2062': true,
	'\u2063': true,
	'\u2064': true,
	'\uFEFF': true,
}

// confusables folds Cyrillic and Greek lookalikes to the Latin letter they
// imitate. NFKC already handles fullwidth and mathematical forms.
var confusables = map[rune]rune{
	// Cyrillic lowercase
	'а': 'a', 'в': 'b', 'е': 'e', 'і': 'i', 'ј': 'j', 'к': 'k', 'м': 'm', 'н': 'h',
	'о': 'o', 'р': 'p', 'с': 'c', 'т': 't', 'у': 'y', 'х': 'x', 'ѕ': 's', 'ԁ': 'd',
	'ԛ': 'q', 'ԝ': 'w', 'һ': 'h', 'ӏ': 'l',
	// Cyrillic uppercase
	'А': 'A', 'В': 'B', 'Е': 'E', 'К': 'K', 'М': 'M', 'Н': 'H', 'О': 'O', 'Р': 'P',
	'С': 'C', 'Т': 'T', 'Х': 'X', 'І': 'I', 'Ј': 'J', 'Ѕ': 'S', 'Ԁ': 'D',
	// Greek
	'α': 'a', 'β': 'b', 'ε': 'e', 'η': 'n', 'ι': 'i', 'κ': 'k', 'ν': 'v', 'ο': 'o',
	'ρ': 'p', 'τ': 't', 'υ': 'u', 'χ': 'x',
	'Α': 'A', 'Β': 'B', 'Ε': 'E', 'Ζ': 'Z', 'Η': 'H', 'Ι': 'I', 'Κ': 'K', 'Μ': 'M',
	'Ν': 'N', 'Ο': 'O', 'Ρ': 'P', 'Τ': 'T', 'Υ': 'Y', 'Χ': 'X',
	// IPA
	'ɑ': 'a', 'ɡ': 'g', 'ɩ': 'i', 'ɪ': 'i',
}

// IsBidiControl reports whether r is a bidirectional control character.
func IsBidiControl(r rune) bool {
	_, ok := bidiControls[r]
	return ok
}

// folded is text prepared for matching plus a byte-level map back into the
// original: byte i of text came from original bytes [start[i], end[i]).
type folded struct {
	text  string
	start []int
	end   []int
}

// foldForMatching applies NFKC per rune, folds confusables and drops
// invisible and bidi characters.
func foldForMatching(s string) folded {
	f := folded{
		start: make([]int, 0, len(s)),
		end:   make([]int, 0, len(s)),
	}
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		next := i + size
		if invisibleRunes[r] || IsBidiControl(r) {
			i = next
			continue
		}
		var rep string
		switch {
		case r < utf8.RuneSelf:
			rep = s[i:next]
		case confusables[r] != 0:
			rep = string(confusables[r])
		default:
			rep = norm.NFKC.String(s[i:next])
		}
		for k := 0; k < len(rep); k++ {
			f.start = append(f.start, i)
			f.end = append(f.end, next)
		}
		out = append(out, rep...)
		i = next
	}
	f.text = string(out)
	return f
}

// originalSpan maps a byte range in the folded text back to the original.
func (f folded) originalSpan(start, end int) (int, int, bool) {
	if start < 0 || end > len(f.start) || start >= end {
		return 0, 0, false
	}
	return f.start[start], f.end[end-1], true
}

// findBidiControls returns the byte offsets of every bidi control in s.
func findBidiControls(s string) []int {
	var out []int
	for i, r := range s {
		if IsBidiControl(r) {
			out = append(out, i)
		}
	}
	return out
}

// findInvisible returns the byte range of every invisible rune in s.
func findInvisible(s string) [][2]int {
	var out [][2]int
	for i, r := range s {
		if invisibleRunes[r] {
			out = append(out, [2]int{i, i + utf8.RuneLen(r)})
		}
	}
	return out
}

// findMixedScriptWords returns the byte ranges of words that mix Latin
// letters with Cyrillic or Greek ones, the usual shape of a homograph.
func findMixedScriptWords(s string) [][2]int {
	var out [][2]int
	wordStart := -1
	var latin, cyrillic, greek bool

	flush := func(end int) {
		if wordStart >= 0 {
			scripts := 0
			for _, has := range []bool{latin, cyrillic, greek} {
				if has {
					scripts++
				}
			}
			if scripts > 1 {
				out = append(out, [2]int{wordStart, end})
			}
		}
		wordStart = -1
		latin, cyrillic, greek = false, false, false
	}

	for i, r := range s {
		isWordRune := unicode.IsLetter(r) || unicode.Is(unicode.Mn, r) || invisibleRunes[r]
		if !isWordRune {
			flush(i)
			continue
		}
		if wordStart < 0 {
			wordStart = i
		}
		switch {
		case unicode.Is(unicode.Latin, r):
			latin = true
		case unicode.Is(unicode.Cyrillic, r):
			cyrillic = true
		case unicode.Is(unicode.Greek, r):
			greek = true
		}
	}
	flush(len(s))
	return out
}
