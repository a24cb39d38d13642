package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"

	"github.com/stoik/herald/internal/calendar"
	"github.com/stoik/herald/internal/compose"
	"github.com/stoik/herald/internal/events"
	"github.com/stoik/herald/internal/gate"
	"github.com/stoik/herald/internal/models"
	"github.com/stoik/herald/internal/store"
)

const (
	ownerPhone = "+15555550100"
	gracePhone = "+15555550101"
	linusPhone = "+15555550102"
)

type fakeProvider struct {
	events     []models.Event
	fetchErr   error
	refreshErr error
	fetches    atomic.Int32
	refreshes  atomic.Int32
}

func (p *fakeProvider) FetchEvents(_ context.Context, _ models.Account, _, _ time.Time) ([]models.Event, error) {
	p.fetches.Add(1)
	if p.fetchErr != nil {
		return nil, p.fetchErr
	}
	return append([]models.Event(nil), p.events...), nil
}

func (p *fakeProvider) Refresh(_ context.Context, acct models.Account) (models.Account, error) {
	p.refreshes.Add(1)
	if p.refreshErr != nil {
		return acct, p.refreshErr
	}
	acct.Credential.AccessToken = "refreshed"
	acct.Credential.ExpiresAt = time.Now().Add(time.Hour)
	return acct, nil
}

type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) Send(ctx context.Context, to, body string) (string, error) {
	args := m.Called(ctx, to, body)
	return args.String(0), args.Error(1)
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) DispatchCompleted(ctx context.Context, msg events.DispatchCompleted) error {
	return m.Called(ctx, msg).Error(0)
}

func (m *mockNotifier) TickCompleted(ctx context.Context, msg events.TickCompleted) error {
	return m.Called(ctx, msg).Error(0)
}

func (o *Orchestrator) locksHeld() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.inFlight)
}

type OrchestratorTestSuite struct {
	suite.Suite
	ctx       context.Context
	store     *store.MemoryStore
	provider  *fakeProvider
	transport *mockTransport
	orch      *Orchestrator
	la        *time.Location
	now       time.Time
}

func (s *OrchestratorTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = store.NewMemoryStore(0)
	s.provider = &fakeProvider{}
	s.transport = new(mockTransport)

	la, err := time.LoadLocation("America/Los_Angeles")
	s.Require().NoError(err)
	s.la = la
	s.now = time.Date(2025, 6, 10, 7, 2, 0, 0, la).UTC()

	fetcher := calendar.NewFetcher(s.provider, s.store, 0, time.Second)
	s.orch = NewOrchestrator(fetcher, compose.NewComposer(nil, 0), s.transport, s.store, nil, Config{SendTimeout: time.Second})
}

func (s *OrchestratorTestSuite) createAccount(mutate func(*models.Account)) models.Account {
	acct := models.Account{
		Email:            "ada@example.com",
		DisplayName:      "Ada",
		Phone:            ownerPhone,
		Timezone:         "America/Los_Angeles",
		SendTime:         "07:00",
		Active:           true,
		LastDeliveryDate: "2025-06-09",
		Credential: models.Credential{
			AccessToken:  "token",
			RefreshToken: "refresh",
			ExpiresAt:    s.now.Add(time.Hour),
		},
	}
	if mutate != nil {
		mutate(&acct)
	}
	created, err := s.store.Create(s.ctx, acct)
	s.Require().NoError(err)
	return created
}

func (s *OrchestratorTestSuite) withDelegates(a *models.Account) {
	a.Delegates = []models.Delegate{
		{Name: "Grace", Phone: gracePhone, Active: true},
		{Name: "Linus", Phone: linusPhone, Active: true},
	}
}

func (s *OrchestratorTestSuite) twoEvents() []models.Event {
	return []models.Event{
		{Title: "Standup", Start: time.Date(2025, 6, 10, 9, 0, 0, 0, s.la), End: time.Date(2025, 6, 10, 9, 15, 0, 0, s.la)},
		{Title: "Dentist", Start: time.Date(2025, 6, 10, 15, 0, 0, 0, s.la), End: time.Date(2025, 6, 10, 16, 0, 0, 0, s.la), Location: "Main St"},
	}
}

func (s *OrchestratorTestSuite) reload(id uuid.UUID) models.Account {
	acct, err := s.store.Get(s.ctx, id)
	s.Require().NoError(err)
	return acct
}

func (s *OrchestratorTestSuite) TestHappyPath() {
	acct := s.createAccount(nil)
	s.provider.events = s.twoEvents()

	due, err := gate.Gate{}.IsDue(acct, s.now)
	s.Require().NoError(err)
	s.Require().True(due)

	s.transport.On("Send", mock.Anything, ownerPhone, mock.MatchedBy(func(body string) bool {
		return len(body) > 0
	})).Return("SM1", nil).Once()

	outcome, err := s.orch.DispatchOne(s.ctx, acct, s.now, Options{Stamp: true})
	s.Require().NoError(err)
	s.transport.AssertExpectations(s.T())

	s.Equal(2, outcome.EventCount)
	s.Contains(outcome.Body, "You have 2 events coming up (Tue Jun 10):")
	s.Contains(outcome.Body, "1. 9:00 AM Standup")
	s.Contains(outcome.Body, "2. 3:00 PM Dentist @ Main St")
	s.Require().NotNil(outcome.Primary)
	s.Equal("SM1", outcome.Primary.MessageID)
	s.True(outcome.Stamped)
	s.Equal("2025-06-10", outcome.LocalDate)

	stored := s.reload(acct.ID)
	s.Equal("2025-06-10", stored.LastDeliveryDate)
	s.Require().Len(stored.DeliveryHistory, 1)
	rec := stored.DeliveryHistory[0]
	s.Equal(ownerPhone, rec.RecipientPhone)
	s.Empty(rec.RecipientName)
	s.Equal(2, rec.EventCount)
	s.Equal(models.DeliverySent, rec.Status)
	s.Equal(models.StylePlain, rec.Style)
	s.Equal("SM1", rec.MessageID)
}

func (s *OrchestratorTestSuite) TestAlreadySentToday() {
	acct := s.createAccount(func(a *models.Account) { a.LastDeliveryDate = "2025-06-10" })

	due, err := gate.Gate{}.IsDue(acct, s.now)
	s.Require().NoError(err)
	s.False(due)

	s.transport.AssertNotCalled(s.T(), "Send", mock.Anything, mock.Anything, mock.Anything)
	s.Empty(s.reload(acct.ID).DeliveryHistory)
}

func (s *OrchestratorTestSuite) TestGateThenDispatchIsIdempotent() {
	acct := s.createAccount(nil)
	s.provider.events = s.twoEvents()
	s.transport.On("Send", mock.Anything, ownerPhone, mock.Anything).Return("SM1", nil).Once()

	for i := 0; i < 2; i++ {
		current := s.reload(acct.ID)
		due, err := gate.Gate{}.IsDue(current, s.now.Add(time.Duration(i)*10*time.Minute))
		s.Require().NoError(err)
		if !due {
			continue
		}
		_, err = s.orch.DispatchOne(s.ctx, current, s.now, Options{Stamp: true})
		s.Require().NoError(err)
	}

	s.transport.AssertNumberOfCalls(s.T(), "Send", 1)
	s.Len(s.reload(acct.ID).DeliveryHistory, 1)
}

func (s *OrchestratorTestSuite) TestReauthRequired() {
	acct := s.createAccount(func(a *models.Account) {
		a.Credential.ExpiresAt = s.now.Add(time.Minute)
		s.withDelegates(a)
	})
	s.provider.refreshErr = models.ErrReauthRequired

	outcome, err := s.orch.DispatchOne(s.ctx, acct, s.now, Options{Stamp: true})
	s.Require().ErrorIs(err, models.ErrReauthRequired)

	s.True(outcome.ReauthRequired)
	s.False(outcome.Stamped)
	s.Nil(outcome.Primary)
	s.Empty(outcome.Delegates)
	s.Equal(int32(0), s.provider.fetches.Load())
	s.transport.AssertNotCalled(s.T(), "Send", mock.Anything, mock.Anything, mock.Anything)

	stored := s.reload(acct.ID)
	s.Equal("2025-06-09", stored.LastDeliveryDate)
	s.Empty(stored.DeliveryHistory)
}

func (s *OrchestratorTestSuite) TestExpiringCredentialIsRefreshedAndSaved() {
	acct := s.createAccount(func(a *models.Account) { a.Credential.ExpiresAt = s.now.Add(time.Minute) })
	s.transport.On("Send", mock.Anything, ownerPhone, mock.Anything).Return("SM1", nil).Once()

	_, err := s.orch.DispatchOne(s.ctx, acct, s.now, Options{Stamp: true})
	s.Require().NoError(err)

	s.Equal(int32(1), s.provider.refreshes.Load())
	s.Equal("refreshed", s.reload(acct.ID).Credential.AccessToken)
}

func (s *OrchestratorTestSuite) TestDelegateFailureIsIsolated() {
	acct := s.createAccount(s.withDelegates)
	s.provider.events = s.twoEvents()

	s.transport.On("Send", mock.Anything, ownerPhone, mock.Anything).Return("SM-owner", nil).Once()
	s.transport.On("Send", mock.Anything, gracePhone, mock.Anything).
		Return("", &models.TransportError{To: gracePhone, StatusCode: 400, Err: errors.New("unreachable")}).Once()
	s.transport.On("Send", mock.Anything, linusPhone, mock.Anything).Return("SM-linus", nil).Once()

	outcome, err := s.orch.DispatchOne(s.ctx, acct, s.now, Options{Stamp: true})
	s.Require().NoError(err)
	s.transport.AssertExpectations(s.T())

	s.Require().NotNil(outcome.Primary)
	s.True(outcome.Primary.OK())
	s.Require().Len(outcome.Delegates, 2)
	s.Equal("Grace", outcome.Delegates[0].Name)
	s.False(outcome.Delegates[0].OK())
	s.Equal("Linus", outcome.Delegates[1].Name)
	s.True(outcome.Delegates[1].OK())
	s.Equal(2, outcome.Sent())
	s.Equal(1, outcome.Failed())
	s.True(outcome.Stamped)

	history := s.reload(acct.ID).DeliveryHistory
	s.Require().Len(history, 3)
	byPhone := make(map[string]models.DeliveryRecord)
	for _, rec := range history {
		byPhone[rec.RecipientPhone] = rec
	}
	s.Equal(models.DeliveryFailed, byPhone[gracePhone].Status)
	s.Contains(byPhone[gracePhone].Error, "unreachable")
	s.Equal("Grace", byPhone[gracePhone].RecipientName)
	s.Equal(models.DeliverySent, byPhone[linusPhone].Status)
	s.Equal(models.DeliverySent, byPhone[ownerPhone].Status)
}

func (s *OrchestratorTestSuite) TestPrimaryFailureStillReachesDelegatesAndStamps() {
	acct := s.createAccount(s.withDelegates)

	s.transport.On("Send", mock.Anything, ownerPhone, mock.Anything).
		Return("", &models.TransportError{To: ownerPhone, Err: errors.New("carrier down")}).Once()
	s.transport.On("Send", mock.Anything, gracePhone, mock.Anything).Return("SM2", nil).Once()
	s.transport.On("Send", mock.Anything, linusPhone, mock.Anything).Return("SM3", nil).Once()

	outcome, err := s.orch.DispatchOne(s.ctx, acct, s.now, Options{Stamp: true})
	s.Require().NoError(err)

	s.False(outcome.Primary.OK())
	s.Equal(2, outcome.Sent())
	s.True(outcome.Stamped)
	s.Equal("2025-06-10", s.reload(acct.ID).LastDeliveryDate)
}

func (s *OrchestratorTestSuite) TestDelegateBodyIsPersonalized() {
	acct := s.createAccount(func(a *models.Account) {
		a.Delegates = []models.Delegate{{Name: "Grace", Phone: gracePhone, Active: true}}
	})

	s.transport.On("Send", mock.Anything, ownerPhone, mock.MatchedBy(func(body string) bool {
		return body == "Good morning, Ada! Nothing on your calendar today. Enjoy the free day."
	})).Return("SM1", nil).Once()
	s.transport.On("Send", mock.Anything, gracePhone, mock.MatchedBy(func(body string) bool {
		return body == "Good morning, Grace! Nothing on your calendar today. Enjoy the free day."
	})).Return("SM2", nil).Once()

	_, err := s.orch.DispatchOne(s.ctx, acct, s.now, Options{Stamp: true})
	s.Require().NoError(err)
	s.transport.AssertExpectations(s.T())
}

func (s *OrchestratorTestSuite) TestDelegateBodyKeepsEventsContainingOwnerName() {
	acct := s.createAccount(func(a *models.Account) {
		a.DisplayName = "Ann"
		a.Delegates = []models.Delegate{{Name: "Bob", Phone: gracePhone, Active: true}}
	})
	s.provider.events = []models.Event{
		{Title: "Annual review", Start: time.Date(2025, 6, 10, 9, 0, 0, 0, s.la), End: time.Date(2025, 6, 10, 10, 0, 0, 0, s.la), Location: "Ann's office"},
	}

	var delegateBody string
	s.transport.On("Send", mock.Anything, ownerPhone, mock.Anything).Return("SM1", nil).Once()
	s.transport.On("Send", mock.Anything, gracePhone, mock.Anything).Run(func(args mock.Arguments) {
		delegateBody = args.String(2)
	}).Return("SM2", nil).Once()

	_, err := s.orch.DispatchOne(s.ctx, acct, s.now, Options{Stamp: true})
	s.Require().NoError(err)

	s.Contains(delegateBody, "Good morning, Bob.")
	s.Contains(delegateBody, "9:00 AM Annual review @ Ann's office")
	s.NotContains(delegateBody, "Bobual")
}

func (s *OrchestratorTestSuite) TestInactiveDelegatesAreSkipped() {
	acct := s.createAccount(func(a *models.Account) {
		a.Delegates = []models.Delegate{
			{Name: "Grace", Phone: gracePhone, Active: false},
			{Name: "Linus", Phone: linusPhone, Active: true},
		}
	})
	s.transport.On("Send", mock.Anything, ownerPhone, mock.Anything).Return("SM1", nil).Once()
	s.transport.On("Send", mock.Anything, linusPhone, mock.Anything).Return("SM2", nil).Once()

	outcome, err := s.orch.DispatchOne(s.ctx, acct, s.now, Options{Stamp: true})
	s.Require().NoError(err)
	s.Len(outcome.Delegates, 1)
	s.transport.AssertNotCalled(s.T(), "Send", mock.Anything, gracePhone, mock.Anything)
}

func (s *OrchestratorTestSuite) TestDelegatesOnlyAccount() {
	acct := s.createAccount(func(a *models.Account) {
		a.Phone = ""
		a.Delegates = []models.Delegate{{Name: "Grace", Phone: gracePhone, Active: true}}
	})
	s.transport.On("Send", mock.Anything, gracePhone, mock.Anything).Return("SM2", nil).Once()

	outcome, err := s.orch.DispatchOne(s.ctx, acct, s.now, Options{Stamp: true})
	s.Require().NoError(err)
	s.Nil(outcome.Primary)
	s.Equal(1, outcome.Sent())
	s.True(outcome.Stamped)
}

func (s *OrchestratorTestSuite) TestNotConfigured() {
	acct := s.createAccount(func(a *models.Account) { a.Phone = "" })

	_, err := s.orch.DispatchOne(s.ctx, acct, s.now, Options{Stamp: true})
	s.Require().ErrorIs(err, models.ErrNotConfigured)

	s.Equal(int32(0), s.provider.fetches.Load())
	s.transport.AssertNotCalled(s.T(), "Send", mock.Anything, mock.Anything, mock.Anything)
	s.Equal("2025-06-09", s.reload(acct.ID).LastDeliveryDate)
}

func (s *OrchestratorTestSuite) TestInvalidTimezone() {
	acct := s.createAccount(func(a *models.Account) { a.Timezone = "Mars/Olympus" })

	_, err := s.orch.DispatchOne(s.ctx, acct, s.now, Options{Stamp: true})
	s.Require().ErrorIs(err, models.ErrInvalidTimezone)
	s.transport.AssertNotCalled(s.T(), "Send", mock.Anything, mock.Anything, mock.Anything)
}

func (s *OrchestratorTestSuite) TestTransientFetchRecordsFailureAndStamps() {
	acct := s.createAccount(s.withDelegates)
	s.provider.fetchErr = &models.TransientError{Op: "fetch events", Err: errors.New("503")}

	outcome, err := s.orch.DispatchOne(s.ctx, acct, s.now, Options{Stamp: true})
	var transient *models.TransientError
	s.Require().ErrorAs(err, &transient)

	s.False(outcome.ReauthRequired)
	s.True(outcome.Stamped)
	s.Require().NotNil(outcome.Primary)
	s.False(outcome.Primary.OK())
	s.transport.AssertNotCalled(s.T(), "Send", mock.Anything, mock.Anything, mock.Anything)

	stored := s.reload(acct.ID)
	s.Equal("2025-06-10", stored.LastDeliveryDate)
	s.Require().Len(stored.DeliveryHistory, 1)
	s.Equal(models.DeliveryFailed, stored.DeliveryHistory[0].Status)
}

func (s *OrchestratorTestSuite) TestManualDispatchDoesNotStamp() {
	acct := s.createAccount(nil)
	s.transport.On("Send", mock.Anything, ownerPhone, mock.Anything).Return("SM1", nil).Once()

	outcome, err := s.orch.DispatchOne(s.ctx, acct, s.now, Options{Manual: true})
	s.Require().NoError(err)
	s.False(outcome.Stamped)
	s.True(outcome.Manual)

	stored := s.reload(acct.ID)
	s.Equal("2025-06-09", stored.LastDeliveryDate)
	s.Len(stored.DeliveryHistory, 1)
}

func (s *OrchestratorTestSuite) TestTransportPanicIsAttributed() {
	acct := s.createAccount(nil)
	s.transport.On("Send", mock.Anything, ownerPhone, mock.Anything).Run(func(mock.Arguments) {
		panic("boom")
	}).Return("", nil).Once()

	outcome, err := s.orch.DispatchOne(s.ctx, acct, s.now, Options{Stamp: true})
	s.Require().NoError(err)
	var transportErr *models.TransportError
	s.Require().ErrorAs(outcome.Primary.Err, &transportErr)
	s.True(outcome.Stamped)
}

func (s *OrchestratorTestSuite) TestConcurrentDispatchIsRejected() {
	acct := s.createAccount(nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	s.transport.On("Send", mock.Anything, ownerPhone, mock.Anything).Run(func(mock.Arguments) {
		close(entered)
		<-release
	}).Return("SM1", nil).Once()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := s.orch.DispatchOne(s.ctx, acct, s.now, Options{Stamp: true})
		s.NoError(err)
	}()

	<-entered
	_, err := s.orch.DispatchOne(s.ctx, acct, s.now, Options{Manual: true})
	s.ErrorIs(err, models.ErrDispatchInProgress)

	close(release)
	wg.Wait()
	s.transport.AssertNumberOfCalls(s.T(), "Send", 1)
	s.Zero(s.orch.locksHeld())
}

func (s *OrchestratorTestSuite) TestScheduledDispatchWaitsForManualOne() {
	acct := s.createAccount(nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	s.transport.On("Send", mock.Anything, ownerPhone, mock.Anything).Run(func(mock.Arguments) {
		close(entered)
		<-release
	}).Return("SM1", nil).Once()
	s.transport.On("Send", mock.Anything, ownerPhone, mock.Anything).Return("SM2", nil).Once()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := s.orch.DispatchOne(s.ctx, acct, s.now, Options{Manual: true})
		s.NoError(err)
	}()
	<-entered

	done := make(chan Outcome)
	go func() {
		outcome, err := s.orch.DispatchOne(s.ctx, acct, s.now, Options{Stamp: true})
		s.NoError(err)
		done <- outcome
	}()

	select {
	case <-done:
		close(release)
		wg.Wait()
		s.FailNow("scheduled dispatch did not wait")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	outcome := <-done
	wg.Wait()

	s.True(outcome.Stamped)
	s.transport.AssertNumberOfCalls(s.T(), "Send", 2)
	s.Zero(s.orch.locksHeld())
}

func (s *OrchestratorTestSuite) TestOutcomeIsPublished() {
	notifier := new(mockNotifier)
	fetcher := calendar.NewFetcher(s.provider, s.store, 0, time.Second)
	s.orch = NewOrchestrator(fetcher, compose.NewComposer(nil, 0), s.transport, s.store, notifier, Config{})

	acct := s.createAccount(nil)
	s.provider.events = s.twoEvents()
	s.transport.On("Send", mock.Anything, ownerPhone, mock.Anything).Return("SM1", nil).Once()
	notifier.On("DispatchCompleted", mock.Anything, mock.MatchedBy(func(msg events.DispatchCompleted) bool {
		return msg.AccountID == acct.ID && msg.Sent == 1 && msg.EventCount == 2 && msg.Stamped
	})).Return(errors.New("broker down")).Once()

	_, err := s.orch.DispatchOne(s.ctx, acct, s.now, Options{Stamp: true})
	s.Require().NoError(err)
	notifier.AssertExpectations(s.T())
}

func TestOrchestratorTestSuite(t *testing.T) {
	suite.Run(t, new(OrchestratorTestSuite))
}
