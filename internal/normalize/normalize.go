// Package normalize prepares text fragments for submission to the scanning
// service. Zero-width and invisible characters are stripped and the text is
// NFKC-folded so that steganographic padding does not dilute what the
// scanner sees. Image fragments are never normalized.
package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// InvisibleRanges defines Unicode ranges stripped before scanning.
// Covers zero-width characters, bidi controls, the Tags block (a known
// steganography vector), and variation selectors.
var InvisibleRanges = &unicode.RangeTable{
	R16: []unicode.Range16{
		{Lo: 0x00AD, Hi: 0x00AD, Stride: 1}, // soft hyphen
		{Lo: 0x200B, Hi: 0x200F, Stride: 1}, // zero-width space through RTL mark
		{Lo: 0x202A, Hi: 0x202E, Stride: 1}, // bidi embedding controls
		{Lo: 0x2060, Hi: 0x2064, Stride: 1}, // word joiner through invisible plus
		{Lo: 0x2066, Hi: 0x2069, Stride: 1}, // bidi isolate controls
		{Lo: 0xFE00, Hi: 0xFE0F, Stride: 1}, // variation selectors 1-16
		{Lo: 0xFEFF, Hi: 0xFEFF, Stride: 1}, // BOM / ZWNBSP
		{Lo: 0xFFF9, Hi: 0xFFFB, Stride: 1}, // interlinear annotation anchors
	},
	R32: []unicode.Range32{
		{Lo: 0xE0000, Hi: 0xE007F, Stride: 1}, // Tags block
		{Lo: 0xE0100, Hi: 0xE01EF, Stride: 1}, // variation selectors supplement
	},
}

// StripInvisible removes Unicode zero-width/invisible characters and
// non-whitespace control characters. Tabs, newlines, and carriage returns
// are preserved because they carry legitimate structure in tool output.
func StripInvisible(s string) string {
	return strings.Map(func(r rune) rune {
		if r <= 0x1F && r != '\t' && r != '\n' && r != '\r' {
			return -1
		}
		if r == 0x7F || (r >= 0x80 && r <= 0x9F) {
			return -1
		}
		if unicode.Is(InvisibleRanges, r) {
			return -1
		}
		return r
	}, s)
}

// ForScan applies the fragment normalization pipeline: invisible-character
// stripping followed by NFKC folding. The result is what the scanning
// service receives; the original message bytes are untouched.
func ForScan(s string) string {
	return norm.NFKC.String(StripInvisible(s))
}
