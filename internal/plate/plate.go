// Package plate normalises OCR plate readings to the xx-xxxx digit pattern.
package plate

import (
	"strings"
	"unicode"
)

// Unknown is what the OCR stage reports when it could not read a plate.
const Unknown = "00-0000"

// OCR regularly confuses these letters with digits on local plates.
var swaps = map[rune]rune{
	'O': '0', 'D': '0', 'Q': '0', 'U': '0', 'C': '0',
	'I': '1', 'L': '1', 'T': '1', 'J': '1',
	'Z': '2',
	'A': '4',
	'S': '5',
	'G': '6', 'E': '6',
	'Y': '7', 'V': '7',
	'B': '8',
	'P': '9',
}

// Normalize maps a raw reading to xx-xxxx, or Unknown when exactly six digits
// cannot be recovered.
func Normalize(raw string) string {
	var digits []rune
	for _, r := range strings.ToUpper(strings.TrimSpace(raw)) {
		if unicode.IsDigit(r) {
			digits = append(digits, r)
			continue
		}
		if d, ok := swaps[r]; ok {
			digits = append(digits, d)
		}
	}
	if len(digits) != 6 {
		return Unknown
	}
	return string(digits[:2]) + "-" + string(digits[2:])
}

// Readable reports whether a normalised plate carries a real reading.
func Readable(p string) bool {
	return p != "" && p != Unknown
}
