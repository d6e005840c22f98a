// Package theme picks the root CSS class from the visitor's color-scheme
// preference.
package theme

import "strings"

const (
	ClassDay   = "theme-day"
	ClassNight = "theme-night"

	// HintHeader is the client hint carrying prefers-color-scheme.
	HintHeader = "Sec-CH-Prefers-Color-Scheme"
)

type Scheme int

const (
	Unknown Scheme = iota
	Light
	Dark
)

func (s Scheme) String() string {
	switch s {
	case Light:
		return "light"
	case Dark:
		return "dark"
	default:
		return "unknown"
	}
}

// FromHint parses a Sec-CH-Prefers-Color-Scheme value. Browsers send it as a
// structured-header string, so the quotes are optional.
func FromHint(v string) Scheme {
	v = strings.ToLower(strings.Trim(strings.TrimSpace(v), `"`))
	switch v {
	case "dark":
		return Dark
	case "light":
		return Light
	default:
		return Unknown
	}
}

// Class returns the root class for s. Without a known preference the day
// theme is used.
func Class(s Scheme) string {
	if s == Dark {
		return ClassNight
	}
	return ClassDay
}

// Apply removes both theme classes from classes and appends the one for s.
// The other classes keep their order.
func Apply(classes []string, s Scheme) []string {
	out := make([]string, 0, len(classes)+1)
	for _, c := range classes {
		if c == ClassDay || c == ClassNight {
			continue
		}
		out = append(out, c)
	}
	return append(out, Class(s))
}
