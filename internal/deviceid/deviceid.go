// Package deviceid canonicalizes device identifiers. Device IDs are short
// hex strings (typically 4 characters); every external input (HTTP
// parameters, cloud document keys, config files, script arguments) must
// pass through Normalize before it is compared, used as a map key, or
// embedded in a topic name.
package deviceid

import (
	"errors"
	"strings"
)

// ErrInvalid is returned when an input contains no hex characters at all.
var ErrInvalid = errors.New("invalid device id")

// Normalize strips every character outside {0-9, A-F, a-f} and uppercases
// the remainder. Inputs that leave nothing behind are rejected; callers
// must abort rather than substitute a placeholder ID.
func Normalize(input string) (string, error) {
	var b strings.Builder
	for _, r := range input {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'A' && r <= 'F':
			b.WriteRune(r)
		case r >= 'a' && r <= 'f':
			b.WriteRune(r - 'a' + 'A')
		}
	}
	if b.Len() == 0 {
		return "", ErrInvalid
	}
	return b.String(), nil
}

// Valid reports whether input survives normalization.
func Valid(input string) bool {
	_, err := Normalize(input)
	return err == nil
}
