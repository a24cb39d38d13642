package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stoik/herald/internal/models"
	"github.com/stoik/herald/internal/provider"
	"github.com/stoik/herald/internal/sms"
	"github.com/stoik/herald/services/mock-server/internal/mock"
)

func newTestServer(t *testing.T) (*httptest.Server, *mock.State) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	state := mock.NewState(1)
	srv := httptest.NewServer(newRouter(state))
	t.Cleanup(srv.Close)
	return srv, state
}

func testAccount() models.Account {
	return models.Account{
		ProviderSubject: "alice",
		Timezone:        "UTC",
		Credential:      models.Credential{AccessToken: "token", RefreshToken: "refresh"},
	}
}

func TestCalendarEventsServedToProvider(t *testing.T) {
	srv, state := newTestServer(t)
	day := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	state.SetEvents("alice", []mock.Event{
		{Summary: "Late", Start: mock.EventTime{DateTime: "2025-06-10T15:00:00Z"}, End: mock.EventTime{DateTime: "2025-06-10T16:00:00Z"}},
		{Summary: "Early", Start: mock.EventTime{DateTime: "2025-06-10T09:00:00Z"}, End: mock.EventTime{DateTime: "2025-06-10T09:30:00Z"}},
		{Summary: "Tomorrow", Start: mock.EventTime{DateTime: "2025-06-12T09:00:00Z"}, End: mock.EventTime{DateTime: "2025-06-12T10:00:00Z"}},
		{Summary: "Dropped", Status: "cancelled", Start: mock.EventTime{DateTime: "2025-06-10T11:00:00Z"}, End: mock.EventTime{DateTime: "2025-06-10T12:00:00Z"}},
	})

	p := provider.NewGoogleProvider(srv.URL, 5*time.Second)
	events, err := p.FetchEvents(context.Background(), testAccount(), day, day.Add(24*time.Hour))
	require.NoError(t, err)

	require.Len(t, events, 2)
	assert.Equal(t, "Early", events[0].Title)
	assert.Equal(t, "Late", events[1].Title)
}

func TestGeneratedCalendarIsStable(t *testing.T) {
	_, state := newTestServer(t)
	day := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)

	first := state.Events("bob", day, day.Add(24*time.Hour))
	second := state.Events("bob", day, day.Add(24*time.Hour))

	assert.NotEmpty(t, first)
	assert.Equal(t, first, second)
}

func TestRevokedSubjectRequiresReauth(t *testing.T) {
	srv, state := newTestServer(t)
	state.Revoke("alice")

	p := provider.NewMicrosoftProvider(srv.URL, 5*time.Second)
	_, err := p.Refresh(context.Background(), testAccount())
	assert.True(t, errors.Is(err, models.ErrReauthRequired))

	now := time.Now()
	_, err = p.FetchEvents(context.Background(), testAccount(), now, now.Add(time.Hour))
	assert.True(t, errors.Is(err, models.ErrReauthRequired))
}

func TestRefreshIssuesToken(t *testing.T) {
	srv, _ := newTestServer(t)

	p := provider.NewGoogleProvider(srv.URL, 5*time.Second)
	acct, err := p.Refresh(context.Background(), testAccount())
	require.NoError(t, err)

	assert.NotEqual(t, "token", acct.Credential.AccessToken)
	assert.Equal(t, "refresh", acct.Credential.RefreshToken)
	assert.True(t, acct.Credential.ExpiresAt.After(time.Now()))
}

func TestGatewayAcceptsMessages(t *testing.T) {
	srv, state := newTestServer(t)

	transport := sms.NewGatewayTransport(srv.URL, "AC123", "secret", "+15550000000", 5*time.Second)
	sid, err := transport.Send(context.Background(), "+15551234567", "Good morning")
	require.NoError(t, err)
	assert.NotEmpty(t, sid)

	msgs := state.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, sid, msgs[0].SID)
	assert.Equal(t, "+15551234567", msgs[0].To)
	assert.Equal(t, "Good morning", msgs[0].Body)
}

func TestGatewayRequiresBasicAuth(t *testing.T) {
	srv, state := newTestServer(t)

	form := url.Values{"To": {"+15551234567"}, "Body": {"hi"}}
	resp, err := http.PostForm(srv.URL+"/Accounts/AC123/Messages.json", form)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, state.Messages())
}
