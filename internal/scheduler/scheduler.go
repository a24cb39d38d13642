// Package scheduler drives hourly ticks: every active account is checked
// against the delivery gate and due accounts are dispatched.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/stoik/herald/internal/dispatch"
	"github.com/stoik/herald/internal/events"
	"github.com/stoik/herald/internal/gate"
	"github.com/stoik/herald/internal/models"
)

const (
	// DefaultSpec fires at the top of every hour.
	DefaultSpec           = "0 * * * *"
	DefaultWorkers        = 8
	DefaultAccountTimeout = 2 * time.Minute
)

type AccountSource interface {
	ListActive(ctx context.Context) ([]models.Account, error)
	Get(ctx context.Context, id uuid.UUID) (models.Account, error)
}

type Dispatcher interface {
	DispatchOne(ctx context.Context, acct models.Account, now time.Time, opts dispatch.Options) (dispatch.Outcome, error)
}

type Config struct {
	Spec              string
	Workers           int
	AccountTimeout    time.Duration
	MinuteGranularity bool
}

// TickSummary aggregates one tick.
type TickSummary struct {
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
	Checked        int           `json:"checked"`
	Due            int           `json:"due"`
	Dispatched     int           `json:"dispatched"`
	Failed         int           `json:"failed"`
	ReauthRequired int           `json:"reauth_required"`
	ConfigErrors   int           `json:"config_errors"`
	// Sent and SendFailures count individual recipient sends across all
	// dispatches of the tick.
	Sent         int `json:"sent"`
	SendFailures int `json:"send_failures"`
}

type Option func(*Scheduler)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

type Scheduler struct {
	accounts   AccountSource
	dispatcher Dispatcher
	notifier   events.Notifier
	gate       gate.Gate
	cfg        Config
	now        func() time.Time

	cron *cron.Cron
	// tickMu keeps ticks from overlapping, cron-driven or manual.
	tickMu sync.Mutex
}

func New(accounts AccountSource, dispatcher Dispatcher, notifier events.Notifier, cfg Config, opts ...Option) (*Scheduler, error) {
	if cfg.Spec == "" {
		cfg.Spec = DefaultSpec
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.AccountTimeout <= 0 {
		cfg.AccountTimeout = DefaultAccountTimeout
	}
	if _, err := cron.ParseStandard(cfg.Spec); err != nil {
		return nil, fmt.Errorf("invalid scheduler.cron %q: %w", cfg.Spec, err)
	}
	if notifier == nil {
		notifier = events.NopNotifier{}
	}

	s := &Scheduler{
		accounts:   accounts,
		dispatcher: dispatcher,
		notifier:   notifier,
		gate:       gate.Gate{MinuteGranularity: cfg.MinuteGranularity},
		cfg:        cfg,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start schedules ticks until Shutdown. ctx bounds the work of each tick.
func (s *Scheduler) Start(ctx context.Context) error {
	logger := cron.PrintfLogger(log.StandardLogger())
	s.cron = cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := s.cron.AddFunc(s.cfg.Spec, func() { s.RunTick(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule ticks: %w", err)
	}
	s.cron.Start()

	log.WithFields(log.Fields{
		"spec":    s.cfg.Spec,
		"workers": s.cfg.Workers,
	}).Info("Scheduler started")
	return nil
}

// Shutdown stops scheduling and waits up to timeout for a running tick.
// It reports whether the running tick finished in time.
func (s *Scheduler) Shutdown(timeout time.Duration) bool {
	if s.cron == nil {
		return true
	}
	log.Infof("Shutting down scheduler, waiting up to %v for the running tick...", timeout)

	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
		log.Info("Scheduler stopped")
		return true
	case <-time.After(timeout):
		log.Warnf("Shutdown timeout (%v) reached, a tick may still be in progress", timeout)
		return false
	}
}

// RunTickManually runs one tick synchronously. The gate and the date stamp
// apply exactly as for scheduled ticks.
func (s *Scheduler) RunTickManually(ctx context.Context) TickSummary {
	return s.RunTick(ctx)
}

// TriggerManualDispatch sends the account's summary now, bypassing the
// gate. The day's scheduled delivery is left untouched.
func (s *Scheduler) TriggerManualDispatch(ctx context.Context, id uuid.UUID) (dispatch.Outcome, error) {
	acct, err := s.accounts.Get(ctx, id)
	if err != nil {
		return dispatch.Outcome{AccountID: id, Manual: true, Err: err}, err
	}
	return s.dispatcher.DispatchOne(ctx, acct, s.now(), dispatch.Options{Manual: true})
}

// EvaluateDueNow exposes the gate decision for one account.
func (s *Scheduler) EvaluateDueNow(ctx context.Context, id uuid.UUID) (bool, error) {
	acct, err := s.accounts.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return s.gate.IsDue(acct, s.now())
}

// RunTick evaluates every active account once. Per-account failures are
// logged and counted, never returned.
func (s *Scheduler) RunTick(ctx context.Context) TickSummary {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	now := s.now()
	summary := TickSummary{StartedAt: now}
	started := time.Now()

	accounts, err := s.accounts.ListActive(ctx)
	if err != nil {
		log.WithError(err).Error("Failed to list active accounts")
		summary.Failed++
		s.finish(ctx, &summary, started)
		return summary
	}

	results := s.fanOut(ctx, accounts, now)
	for r := range results {
		summary.Checked++
		summary.Sent += r.sent
		summary.SendFailures += r.sendFailures
		switch r.status {
		case resultNotDue:
		case resultDispatched:
			summary.Due++
			summary.Dispatched++
		case resultFailed:
			summary.Due++
			summary.Failed++
		case resultReauth:
			summary.Due++
			summary.ReauthRequired++
		case resultConfigError:
			summary.ConfigErrors++
		case resultDueConfigError:
			summary.Due++
			summary.ConfigErrors++
		}
	}

	s.finish(ctx, &summary, started)
	return summary
}

func (s *Scheduler) finish(ctx context.Context, summary *TickSummary, started time.Time) {
	summary.Duration = time.Since(started)

	log.WithFields(log.Fields{
		"checked":         summary.Checked,
		"due":             summary.Due,
		"dispatched":      summary.Dispatched,
		"failed":          summary.Failed,
		"reauth_required": summary.ReauthRequired,
		"config_errors":   summary.ConfigErrors,
		"sent":            summary.Sent,
		"send_failures":   summary.SendFailures,
		"duration":        summary.Duration.String(),
	}).Info("Tick completed")

	err := s.notifier.TickCompleted(ctx, events.TickCompleted{
		StartedAt:      summary.StartedAt,
		DurationMillis: summary.Duration.Milliseconds(),
		Checked:        summary.Checked,
		Due:            summary.Due,
		Dispatched:     summary.Dispatched,
		Failed:         summary.Failed,
		ReauthRequired: summary.ReauthRequired,
		ConfigErrors:   summary.ConfigErrors,
		Sent:           summary.Sent,
		SendFailures:   summary.SendFailures,
	})
	if err != nil {
		log.WithError(err).Warn("Failed to publish tick summary")
	}
}

type result int

const (
	resultNotDue result = iota
	resultDispatched
	resultFailed
	resultReauth
	resultConfigError
	resultDueConfigError
)

type accountResult struct {
	status       result
	sent         int
	sendFailures int
}

// fanOut processes accounts on a bounded worker pool. The returned channel
// is closed once every account has a result.
func (s *Scheduler) fanOut(ctx context.Context, accounts []models.Account, now time.Time) <-chan accountResult {
	jobs := make(chan models.Account)
	results := make(chan accountResult, len(accounts))

	workers := s.cfg.Workers
	if workers > len(accounts) {
		workers = len(accounts)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for acct := range jobs {
				results <- s.processAccount(ctx, acct, now)
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, acct := range accounts {
			jobs <- acct
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	return results
}

func (s *Scheduler) processAccount(ctx context.Context, acct models.Account, now time.Time) (res accountResult) {
	logger := log.WithField("account_id", acct.ID)

	defer func() {
		if r := recover(); r != nil {
			logger.WithField("panic", r).Error("Recovered from panic while processing account")
			res = accountResult{status: resultFailed}
		}
	}()

	due, err := s.gate.IsDue(acct, now)
	if err != nil {
		logger.WithError(err).Error("Account has an invalid delivery configuration")
		return accountResult{status: resultConfigError}
	}
	if !due {
		return accountResult{status: resultNotDue}
	}

	accountCtx, cancel := context.WithTimeout(ctx, s.cfg.AccountTimeout)
	defer cancel()

	outcome, err := s.dispatcher.DispatchOne(accountCtx, acct, now, dispatch.Options{Stamp: true})
	res = accountResult{sent: outcome.Sent(), sendFailures: outcome.Failed()}
	if res.sendFailures > 0 {
		logger.WithFields(log.Fields{
			"sent":   res.sent,
			"failed": res.sendFailures,
		}).Warn("Some recipients were not reached")
	}
	switch {
	case err == nil:
		res.status = resultDispatched
	case errors.Is(err, models.ErrReauthRequired):
		res.status = resultReauth
	case errors.Is(err, models.ErrNotConfigured),
		errors.Is(err, models.ErrInvalidTimezone),
		errors.Is(err, models.ErrInvalidSendTime):
		logger.WithError(err).Warn("Account is not configured for delivery")
		res.status = resultDueConfigError
	default:
		logger.WithError(err).Error("Dispatch failed")
		res.status = resultFailed
	}
	return res
}
