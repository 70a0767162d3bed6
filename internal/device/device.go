// Package device holds the data model for one controllable unit: the
// stable roster record, the live state document, and the merge rules that
// combine incoming state frames with what is already known.
package device

import (
	"errors"
	"strings"
)

// Kind selects the payload schema a device speaks and the default name
// prefix used during provisioning.
type Kind string

const (
	KindLight Kind = "light"
	KindBlind Kind = "blind"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindLight || k == KindBlind
}

// DisplayPrefix returns the human-readable prefix for default names.
func (k Kind) DisplayPrefix() string {
	if k == KindBlind {
		return "Blind"
	}
	return "Light"
}

// Record is the stable metadata for one device. The cloud roster is the
// source of truth for records; the local cache only mirrors them. IDs are
// always in normalized form (see the deviceid package).
type Record struct {
	ID      string `json:"id" dynamodbav:"id"`
	Name    string `json:"name" dynamodbav:"name"`
	Kind    Kind   `json:"kind" dynamodbav:"kind"`
	AddedAt int64  `json:"addedAt" dynamodbav:"addedAt"` // milliseconds since epoch

	// Servo calibration, set during provisioning.
	AngleOn  *int `json:"angleOn,omitempty" dynamodbav:"angleOn,omitempty"`
	AngleOff *int `json:"angleOff,omitempty" dynamodbav:"angleOff,omitempty"`
}

// ErrInvalidName is returned when a proposed name sanitizes to nothing.
var ErrInvalidName = errors.New("invalid device name")

// SanitizeName reduces a proposed device name to its printable subset:
// alphanumerics, space, '-' and '_', trimmed. An empty result is invalid;
// callers wanting a fallback should use DefaultName.
func SanitizeName(name string) (string, error) {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= '0' && r <= '9', r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return "", ErrInvalidName
	}
	return out, nil
}

// DefaultName builds the provisioning name for a device with no
// user-chosen name, e.g. "Light A1B2".
func DefaultName(kind Kind, id string) string {
	return kind.DisplayPrefix() + " " + id
}

// DisplayMode maps the wire mode value to the one shown in a UI. Mode 2
// is a legacy alias some firmware publishes; it renders as mode 0 and is
// never commanded by the client.
func DisplayMode(mode int) int {
	if mode == 2 {
		return 0
	}
	return mode
}

// ValidCommandMode reports whether a mode value may be commanded.
func ValidCommandMode(mode int) bool {
	switch mode {
	case 0, 1, 3, 4:
		return true
	}
	return false
}
