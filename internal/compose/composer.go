// Package compose turns a day's events into an SMS body.
package compose

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/stoik/herald/internal/models"
)

// MaxAIRunes rejects AI output that would blow past a few SMS segments.
const MaxAIRunes = 960

// Paraphraser is an optional AI-assisted formatter. Any error makes the
// composer fall back to the deterministic formatter.
type Paraphraser interface {
	Paraphrase(ctx context.Context, events []models.Event, name string, style models.Style, loc *time.Location) (string, error)
}

// Composer renders summaries, trying the paraphraser first when set.
type Composer struct {
	ai      Paraphraser
	timeout time.Duration
}

// NewComposer creates a composer. ai may be nil.
func NewComposer(ai Paraphraser, timeout time.Duration) *Composer {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Composer{ai: ai, timeout: timeout}
}

// Compose returns a non-empty message body. It never fails.
func (c *Composer) Compose(ctx context.Context, events []models.Event, name string, style models.Style, loc *time.Location) string {
	style = style.OrPlain()
	if c.ai != nil {
		body, err := c.paraphrase(ctx, events, name, style, loc)
		if err == nil {
			return body
		}
		log.WithError(err).WithField("style", style).Warn("AI composition failed, using plain formatter")
	}
	return Format(events, name, style, loc)
}

func (c *Composer) paraphrase(ctx context.Context, events []models.Event, name string, style models.Style, loc *time.Location) (body string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("paraphraser panicked: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err = c.ai.Paraphrase(ctx, events, name, style, loc)
	if err != nil {
		return "", err
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return "", errors.New("empty AI response")
	}
	if n := len([]rune(body)); n > MaxAIRunes {
		return "", fmt.Errorf("AI response too long (%d runes)", n)
	}
	return body, nil
}
