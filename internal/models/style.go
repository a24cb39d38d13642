package models

import (
	"fmt"
	"strings"
)

// Style selects how a summary is worded.
type Style string

const (
	StylePlain    Style = "plain"
	StyleFriendly Style = "friendly"
	StyleConcise  Style = "concise"
	StylePlayful  Style = "playful"
)

// Styles lists every supported style.
var Styles = []Style{StylePlain, StyleFriendly, StyleConcise, StylePlayful}

// ParseStyle validates a style name. The empty string maps to plain.
func ParseStyle(s string) (Style, error) {
	switch Style(strings.ToLower(strings.TrimSpace(s))) {
	case "", StylePlain:
		return StylePlain, nil
	case StyleFriendly:
		return StyleFriendly, nil
	case StyleConcise:
		return StyleConcise, nil
	case StylePlayful:
		return StylePlayful, nil
	}
	return "", fmt.Errorf("unknown message style %q", s)
}

// OrPlain returns s when it is a known style and plain otherwise.
func (s Style) OrPlain() Style {
	parsed, err := ParseStyle(string(s))
	if err != nil {
		return StylePlain
	}
	return parsed
}
