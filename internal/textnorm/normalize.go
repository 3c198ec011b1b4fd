// Package textnorm canonicalizes message text before rule matching.
// Normalization folds visually equivalent code points (NFKC), strips
// zero-width and directional marks, lower-cases, and undoes simple
// leet-speak substitutions so that obfuscated spam still matches
// plainly written keywords.
package textnorm

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// zeroWidth strips zero-width spaces/joiners and directional marks that
// spammers insert between characters to defeat substring matching.
var zeroWidth = strings.NewReplacer(
	"\u200B", "", // zero-width space
	"\u200C", "", // zero-width non-joiner
	"\u200D", "", // zero-width joiner
	"\u200E", "", // left-to-right mark
	"\u200F", "", // right-to-left mark
	"\uFEFF", "", // zero-width no-break space / BOM
)

// leet undoes the common single-character substitutions. Applied after
// case folding, so only lower-case letters appear on the right side.
var leet = strings.NewReplacer(
	"0", "o",
	"1", "i",
	"3", "e",
	"4", "a",
	"5", "s",
	"7", "t",
	"@", "a",
	"$", "s",
)

// linkPattern matches URL-ish prefixes on raw, non-normalized text:
// http(s) schemes, bare www. hosts, and Telegram's own link schemes.
var linkPattern = regexp.MustCompile(`(?i)https?://|www\.|t\.me/|tg://`)

// Normalize returns the canonical matching form of text. Deterministic
// and pure; empty input yields empty output.
//
// Steps, in order: NFKC compatibility normalization, zero-width and
// directional mark removal, lower-casing, leet-speak folding. Plain
// ASCII spaces are deliberately preserved: "低 价" does not normalize
// to "低价".
func Normalize(text string) string {
	if text == "" {
		return ""
	}
	t := norm.NFKC.String(text)
	t = zeroWidth.Replace(t)
	t = strings.ToLower(t)
	return leet.Replace(t)
}

// ContainsLink reports whether raw text contains a URL-ish prefix.
// Callers must pass raw text; leet folding corrupts link characters.
func ContainsLink(text string) bool {
	if text == "" {
		return false
	}
	return linkPattern.MatchString(text)
}
