package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stoik/herald/internal/models"
)

// RESTProvider implements the Provider interface against a Google or
// Microsoft flavoured calendar REST API.
type RESTProvider struct {
	kind    string
	baseURL string
	client  *http.Client
}

// NewGoogleProvider creates a new Google calendar provider client
func NewGoogleProvider(baseURL string, timeout time.Duration) *RESTProvider {
	return newRESTProvider("google", baseURL, timeout)
}

// NewMicrosoftProvider creates a new Microsoft calendar provider client
func NewMicrosoftProvider(baseURL string, timeout time.Duration) *RESTProvider {
	return newRESTProvider("microsoft", baseURL, timeout)
}

func newRESTProvider(kind, baseURL string, timeout time.Duration) *RESTProvider {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &RESTProvider{
		kind:    kind,
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// eventTime is the provider-native time representation: either an instant
// (dateTime) or a calendar date for all-day events.
type eventTime struct {
	DateTime string `json:"dateTime,omitempty"`
	Date     string `json:"date,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`
}

type providerEvent struct {
	ID       string    `json:"id"`
	Summary  string    `json:"summary"`
	Location string    `json:"location,omitempty"`
	Status   string    `json:"status,omitempty"`
	Start    eventTime `json:"start"`
	End      eventTime `json:"end"`
}

type eventsResponse struct {
	Items []providerEvent `json:"items"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// FetchEvents implements Provider.FetchEvents
func (p *RESTProvider) FetchEvents(ctx context.Context, acct models.Account, start, end time.Time) ([]models.Event, error) {
	endpoint := fmt.Sprintf("%s/%s/calendars/%s/events", p.baseURL, p.kind, url.PathEscape(acct.ProviderSubject))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	q := req.URL.Query()
	q.Set("timeMin", start.UTC().Format(time.RFC3339))
	q.Set("timeMax", end.UTC().Format(time.RFC3339))
	q.Set("orderBy", "startTime")
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Authorization", "Bearer "+acct.Credential.AccessToken)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &models.TransientError{Op: "fetch events", Err: err}
	}
	defer resp.Body.Close()

	if err := classifyStatus("fetch events", resp, http.StatusUnauthorized, http.StatusForbidden); err != nil {
		return nil, err
	}

	var payload eventsResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, &models.TransientError{Op: "fetch events", Err: fmt.Errorf("failed to decode response: %w", err)}
	}

	events := make([]models.Event, 0, len(payload.Items))
	for _, item := range payload.Items {
		if item.Status == "cancelled" {
			continue
		}
		ev, err := normalizeEvent(item, acct.Timezone)
		if err != nil {
			// One malformed event must not hide the rest of the day.
			continue
		}
		events = append(events, ev)
	}

	return events, nil
}

// Refresh implements Provider.Refresh
func (p *RESTProvider) Refresh(ctx context.Context, acct models.Account) (models.Account, error) {
	if acct.Credential.RefreshToken == "" {
		return acct, fmt.Errorf("%w: no refresh credential", models.ErrReauthRequired)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", acct.Credential.RefreshToken)
	form.Set("subject", acct.ProviderSubject)

	endpoint := fmt.Sprintf("%s/%s/token", p.baseURL, p.kind)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return acct, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return acct, &models.TransientError{Op: "refresh token", Err: err}
	}
	defer resp.Body.Close()

	// invalid_grant comes back as 400.
	if err := classifyStatus("refresh token", resp, http.StatusBadRequest, http.StatusUnauthorized); err != nil {
		return acct, err
	}

	var token tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return acct, &models.TransientError{Op: "refresh token", Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	if token.AccessToken == "" {
		return acct, fmt.Errorf("%w: empty access token", models.ErrReauthRequired)
	}

	acct.Credential.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		acct.Credential.RefreshToken = token.RefreshToken
	}
	acct.Credential.ExpiresAt = time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)

	return acct, nil
}

// classifyStatus maps non-2xx responses onto the provider error taxonomy.
func classifyStatus(op string, resp *http.Response, reauthCodes ...int) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	for _, code := range reauthCodes {
		if resp.StatusCode == code {
			return fmt.Errorf("%w: %s: status %d: %s", models.ErrReauthRequired, op, resp.StatusCode, strings.TrimSpace(string(body)))
		}
	}
	return &models.TransientError{
		Op:  op,
		Err: fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
	}
}

func normalizeEvent(item providerEvent, accountTZ string) (models.Event, error) {
	start, allDay, zone, err := parseEventTime(item.Start, accountTZ)
	if err != nil {
		return models.Event{}, fmt.Errorf("event %s start: %w", item.ID, err)
	}

	end, _, _, err := parseEventTime(item.End, accountTZ)
	if err != nil || !end.After(start) {
		if allDay {
			end = start.AddDate(0, 0, 1)
		} else {
			end = start.Add(time.Hour)
		}
	}

	title := strings.TrimSpace(item.Summary)
	if title == "" {
		title = "(no title)"
	}

	return models.Event{
		Title:    title,
		Start:    start,
		End:      end,
		Location: strings.TrimSpace(item.Location),
		AllDay:   allDay,
		TimeZone: zone,
		Source:   models.SourceProvider,
	}, nil
}

func parseEventTime(t eventTime, fallbackTZ string) (time.Time, bool, string, error) {
	zone := t.TimeZone
	if zone == "" {
		zone = fallbackTZ
	}
	loc, err := time.LoadLocation(zone)
	if err != nil || zone == "" {
		loc, zone = time.UTC, "UTC"
	}

	switch {
	case t.DateTime != "":
		instant, err := time.Parse(time.RFC3339, t.DateTime)
		if err != nil {
			return time.Time{}, false, "", err
		}
		return instant.UTC(), false, zone, nil
	case t.Date != "":
		day, err := time.ParseInLocation(models.DateLayout, t.Date, loc)
		if err != nil {
			return time.Time{}, false, "", err
		}
		return day.UTC(), true, zone, nil
	}
	return time.Time{}, false, "", errors.New("missing dateTime and date")
}
