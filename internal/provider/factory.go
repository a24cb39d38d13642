package provider

import (
	"fmt"
	"time"
)

// NewProvider creates a provider instance based on configuration.
// kind can be "google", "microsoft" or "ics".
func NewProvider(kind, baseURL string, timeout time.Duration) (Provider, error) {
	switch kind {
	case "", "google":
		return NewGoogleProvider(baseURL, timeout), nil
	case "microsoft":
		return NewMicrosoftProvider(baseURL, timeout), nil
	case "ics":
		return NewICSProvider(timeout), nil
	}
	return nil, fmt.Errorf("unknown provider type %q", kind)
}
