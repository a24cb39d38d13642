package sms

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

// GatewayTransport sends through a Twilio-style HTTP SMS gateway.
type GatewayTransport struct {
	baseURL    string
	accountSID string
	authToken  string
	from       string
	client     *http.Client
}

// NewGatewayTransport creates a new HTTP SMS gateway client
func NewGatewayTransport(baseURL, accountSID, authToken, from string, timeout time.Duration) *GatewayTransport {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &GatewayTransport{
		baseURL:    strings.TrimRight(baseURL, "/"),
		accountSID: accountSID,
		authToken:  authToken,
		from:       from,
		client:     &http.Client{Timeout: timeout},
	}
}

type gatewayResponse struct {
	SID     string `json:"sid"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// Send implements Transport
func (g *GatewayTransport) Send(ctx context.Context, to, body string) (string, error) {
	if err := validate(to, body); err != nil {
		return "", err
	}

	form := url.Values{}
	form.Set("To", to)
	form.Set("From", g.from)
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", g.baseURL, url.PathEscape(g.accountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", &models.TransportError{To: to, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(g.accountSID, g.authToken)

	resp, err := g.client.Do(req)
	if err != nil {
		return "", &models.TransportError{To: to, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", &models.TransportError{To: to, StatusCode: resp.StatusCode, Err: err}
	}

	var out gatewayResponse
	_ = json.Unmarshal(raw, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := out.Message
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return "", &models.TransportError{To: to, StatusCode: resp.StatusCode, Err: errors.New(msg)}
	}
	if out.SID == "" {
		return "", &models.TransportError{To: to, StatusCode: resp.StatusCode, Err: errors.New("response has no message sid")}
	}

	return out.SID, nil
}

// NewTransport creates a transport based on configuration.
// kind can be "http" or "log".
func NewTransport(kind, baseURL, accountSID, authToken, from string, timeout time.Duration) (Transport, error) {
	switch kind {
	case "", "log":
		return NewLogTransport(), nil
	case "http":
		if baseURL == "" || from == "" {
			return nil, errors.New("sms.api_url and sms.from are required for the http transport")
		}
		return NewGatewayTransport(baseURL, accountSID, authToken, from, timeout), nil
	}
	return nil, fmt.Errorf("unknown sms type %q", kind)
}
