package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/stoik/herald/internal/dispatch"
	"github.com/stoik/herald/internal/invite"
	"github.com/stoik/herald/internal/models"
	"github.com/stoik/herald/internal/scheduler"
	"github.com/stoik/herald/internal/store"
)

const testSecret = "test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

type mockCore struct {
	mock.Mock
}

func (m *mockCore) TriggerManualDispatch(ctx context.Context, id uuid.UUID) (dispatch.Outcome, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(dispatch.Outcome), args.Error(1)
}

func (m *mockCore) RunTickManually(ctx context.Context) scheduler.TickSummary {
	return m.Called(ctx).Get(0).(scheduler.TickSummary)
}

func (m *mockCore) EvaluateDueNow(ctx context.Context, id uuid.UUID) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

type fixture struct {
	core     *mockCore
	accounts *store.MemoryStore
	codes    *invite.Store
	server   *Server
	account  models.Account
}

func newFixture(t *testing.T, secret string) *fixture {
	t.Helper()
	accounts := store.NewMemoryStore(0)
	acct, err := accounts.Create(context.Background(), models.Account{
		Email:    "ada@example.com",
		Phone:    "+15555550100",
		Timezone: "UTC",
		SendTime: "07:00",
		Active:   true,
	})
	require.NoError(t, err)

	core := new(mockCore)
	codes := invite.NewStore(time.Hour)
	return &fixture{
		core:     core,
		accounts: accounts,
		codes:    codes,
		server:   NewServer(core, accounts, codes, invite.NewRegistrar(codes, accounts), secret),
		account:  acct,
	}
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func adminToken(t *testing.T) string {
	t.Helper()
	token, err := IssueToken(testSecret, "ops", true)
	require.NoError(t, err)
	return token
}

func TestHealth(t *testing.T) {
	f := newFixture(t, testSecret)
	w := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","service":"herald"}`, w.Body.String())
}

func TestAuth(t *testing.T) {
	f := newFixture(t, testSecret)
	path := fmt.Sprintf("/api/v1/accounts/%s/due", f.account.ID)
	f.core.On("EvaluateDueNow", mock.Anything, f.account.ID).Return(true, nil)

	own, err := IssueToken(testSecret, f.account.ID.String(), false)
	require.NoError(t, err)
	other, err := IssueToken(testSecret, uuid.NewString(), false)
	require.NoError(t, err)
	forged, err := IssueToken("wrong-secret", f.account.ID.String(), true)
	require.NoError(t, err)

	tests := []struct {
		name   string
		token  string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"forged", forged, http.StatusUnauthorized},
		{"garbage", "not-a-jwt", http.StatusUnauthorized},
		{"other account", other, http.StatusForbidden},
		{"own account", own, http.StatusOK},
		{"admin", adminToken(t), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodGet, path, tt.token, nil)
			assert.Equal(t, tt.status, w.Code)
		})
	}

	w := f.do(t, http.MethodPost, "/api/v1/admin/tick", own, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAuthDisabledWithoutSecret(t *testing.T) {
	f := newFixture(t, "")
	f.core.On("RunTickManually", mock.Anything).Return(scheduler.TickSummary{Checked: 1})

	w := f.do(t, http.MethodPost, "/api/v1/admin/tick", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDue(t *testing.T) {
	f := newFixture(t, testSecret)
	f.core.On("EvaluateDueNow", mock.Anything, f.account.ID).Return(false, nil)

	w := f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/accounts/%s/due", f.account.ID), adminToken(t), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Due bool `json:"due"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Due)

	w = f.do(t, http.MethodGet, "/api/v1/accounts/not-a-uuid/due", adminToken(t), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDispatch(t *testing.T) {
	f := newFixture(t, testSecret)
	delegateID := uuid.New()
	f.core.On("TriggerManualDispatch", mock.Anything, f.account.ID).Return(dispatch.Outcome{
		AccountID:  f.account.ID,
		LocalDate:  "2025-06-10",
		EventCount: 2,
		Primary:    &dispatch.RecipientResult{Phone: "+15555550100", MessageID: "SM1"},
		Delegates: []dispatch.RecipientResult{
			{DelegateID: delegateID, Name: "Grace", Phone: "+15555550101", Err: errors.New("rejected")},
		},
		Manual: true,
	}, nil)

	w := f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/accounts/%s/dispatch", f.account.ID), adminToken(t), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp outcomeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.EventCount)
	assert.True(t, resp.Manual)
	assert.False(t, resp.Stamped)
	require.NotNil(t, resp.Primary)
	assert.Equal(t, "****0100", resp.Primary.Phone)
	assert.Equal(t, "sent", resp.Primary.Status)
	require.Len(t, resp.Delegates, 1)
	assert.Equal(t, "failed", resp.Delegates[0].Status)
	assert.Equal(t, "rejected", resp.Delegates[0].Error)
	assert.Equal(t, delegateID, *resp.Delegates[0].DelegateID)
}

func TestDispatchErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"unknown account", fmt.Errorf("%w: x", models.ErrAccountNotFound), http.StatusNotFound},
		{"reauth", models.ErrReauthRequired, http.StatusConflict},
		{"in progress", models.ErrDispatchInProgress, http.StatusConflict},
		{"not configured", models.ErrNotConfigured, http.StatusUnprocessableEntity},
		{"bad timezone", fmt.Errorf("%w: empty", models.ErrInvalidTimezone), http.StatusUnprocessableEntity},
		{"transient", &models.TransientError{Op: "fetch events", Err: errors.New("503")}, http.StatusBadGateway},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, testSecret)
			f.core.On("TriggerManualDispatch", mock.Anything, f.account.ID).Return(dispatch.Outcome{}, tt.err)

			w := f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/accounts/%s/dispatch", f.account.ID), adminToken(t), nil)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestHistory(t *testing.T) {
	f := newFixture(t, testSecret)
	ctx := context.Background()
	require.NoError(t, f.accounts.AppendHistory(ctx, f.account.ID, models.DeliveryRecord{
		RecipientPhone: "+15555550100",
		Body:           "Good morning",
		Status:         models.DeliverySent,
		SentAt:         time.Now(),
	}))

	w := f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/accounts/%s/history", f.account.ID), adminToken(t), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		History []models.DeliveryRecord `json:"history"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.History, 1)
	assert.Equal(t, "Good morning", resp.History[0].Body)

	w = f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/accounts/%s/history", uuid.New()), adminToken(t), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestInvitationAndJoin(t *testing.T) {
	f := newFixture(t, testSecret)

	w := f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/accounts/%s/invitations", f.account.ID), adminToken(t), nil)
	require.Equal(t, http.StatusCreated, w.Code)

	var inv models.InvitationCode
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &inv))
	assert.Len(t, inv.Code, invite.CodeLength)

	join := invite.JoinRequest{Name: "Grace", Phone: "+15555550101"}
	w = f.do(t, http.MethodPost, "/api/v1/join/"+inv.Code, "", join)
	require.Equal(t, http.StatusCreated, w.Code)

	stored, err := f.accounts.Get(context.Background(), f.account.ID)
	require.NoError(t, err)
	require.Len(t, stored.ActiveDelegates(), 1)

	w = f.do(t, http.MethodPost, "/api/v1/join/"+inv.Code, "", join)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/accounts/%s/invitations", uuid.New()), adminToken(t), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestJoinRejectsBadRequests(t *testing.T) {
	f := newFixture(t, testSecret)
	inv, err := f.codes.Create(f.account.ID)
	require.NoError(t, err)

	w := f.do(t, http.MethodPost, "/api/v1/join/"+inv.Code, "", invite.JoinRequest{Name: "Grace", Phone: "0101"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/join/"+inv.Code, bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTick(t *testing.T) {
	f := newFixture(t, testSecret)
	f.core.On("RunTickManually", mock.Anything).Return(scheduler.TickSummary{
		Checked:    3,
		Due:        2,
		Dispatched: 1,
		Failed:     1,
		Duration:   1500 * time.Millisecond,
	})

	w := f.do(t, http.MethodPost, "/api/v1/admin/tick", adminToken(t), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp tickResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Checked)
	assert.Equal(t, 1, resp.Failed)
	assert.Equal(t, int64(1500), resp.DurationMillis)
}
