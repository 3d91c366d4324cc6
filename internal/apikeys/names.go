package apikeys

import (
	"math/rand/v2"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var (
	nameAdjectives = []string{"mealy", "dazzling", "abundant", "nice", "ancient", "rapid"}
	nameNouns      = []string{"scientist", "fountain", "journalist", "knife", "candle", "river"}
)

// RandomName returns an adjective-adjective-noun slug for keys created
// without a name.
func RandomName() string {
	return nameAdjectives[rand.IntN(len(nameAdjectives))] + "-" +
		nameAdjectives[rand.IntN(len(nameAdjectives))] + "-" +
		nameNouns[rand.IntN(len(nameNouns))]
}

// normalizeName trims a user-supplied key name and puts it in NFC form so
// visually identical names compare equal.
func normalizeName(name string) string {
	return strings.TrimSpace(norm.NFC.String(name))
}
