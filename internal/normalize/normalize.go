// Package normalize canonicalizes display names into comparison keys so
// that visually different renderings of the same logical name (diacritics,
// elongation, hamza variants, stray punctuation) compare equal.
package normalize

import "strings"

// Graphemically distinct Arabic letters that carry the same identity.
var letterVariants = strings.NewReplacer(
	"أ", "ا", // alef with hamza above -> alef
	"إ", "ا", // alef with hamza below -> alef
	"آ", "ا", // alef with madda -> alef
	"ى", "ي", // alef maksura -> yeh
	"ؤ", "و", // waw with hamza -> waw
	"ئ", "ي", // yeh with hamza -> yeh
)

// Normalize maps a display string to its comparison key. It is total,
// deterministic and idempotent. Digits are never removed: numeric tokens
// inside names ("6 meters") are part of the identity.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		// Tashkeel marks and the tatweel carry no identity.
		if r >= 0x064B && r <= 0x065F || r == 0x0640 {
			continue
		}
		b.WriteRune(r)
	}

	x := strings.ToLower(b.String())
	x = letterVariants.Replace(x)

	x = strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '=', '،', ',', ':', ';', '(', ')', '-', '_', '/', '\\':
			return ' '
		}
		return r
	}, x)

	return strings.Join(strings.Fields(x), " ")
}
