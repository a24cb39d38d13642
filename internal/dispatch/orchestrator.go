// Package dispatch runs one account's notification pipeline: fetch the
// window, compose, send to the owner and every active delegate, record and
// stamp.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/stoik/herald/internal/calendar"
	"github.com/stoik/herald/internal/events"
	"github.com/stoik/herald/internal/gate"
	"github.com/stoik/herald/internal/models"
	"github.com/stoik/herald/internal/sms"
)

const (
	DefaultWindow      = 24 * time.Hour
	DefaultSendTimeout = 15 * time.Second
)

type WindowFetcher interface {
	GetWindow(ctx context.Context, acct models.Account, now time.Time, duration time.Duration) (calendar.Window, error)
}

type MessageComposer interface {
	Compose(ctx context.Context, events []models.Event, name string, style models.Style, loc *time.Location) string
}

// Recorder is the slice of the account store a dispatch writes to.
type Recorder interface {
	MarkDelivered(ctx context.Context, id uuid.UUID, date string) (bool, error)
	AppendHistory(ctx context.Context, id uuid.UUID, rec models.DeliveryRecord) error
}

type Options struct {
	// Stamp records the local date as served after the owner send was
	// attempted. Scheduled dispatches stamp, test sends do not.
	Stamp bool
	// Manual dispatches fail fast with ErrDispatchInProgress when the
	// account is busy; scheduled ones wait for the running dispatch.
	Manual bool
}

type Config struct {
	Window      time.Duration
	SendTimeout time.Duration
}

type Orchestrator struct {
	fetcher   WindowFetcher
	composer  MessageComposer
	transport sms.Transport
	recorder  Recorder
	notifier  events.Notifier
	cfg       Config

	mu       sync.Mutex
	inFlight map[uuid.UUID]*accountLock
}

// accountLock serialises dispatches of one account. refs counts holders and
// waiters; the entry is dropped when it reaches zero.
type accountLock struct {
	sem  chan struct{}
	refs int
}

func NewOrchestrator(fetcher WindowFetcher, composer MessageComposer, transport sms.Transport, recorder Recorder, notifier events.Notifier, cfg Config) *Orchestrator {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if notifier == nil {
		notifier = events.NopNotifier{}
	}
	return &Orchestrator{
		fetcher:   fetcher,
		composer:  composer,
		transport: transport,
		recorder:  recorder,
		notifier:  notifier,
		cfg:       cfg,
		inFlight:  make(map[uuid.UUID]*accountLock),
	}
}

// DispatchOne notifies the account's owner and active delegates. Recipient
// failures are reported in the outcome only; the returned error is set when
// a whole stage failed (configuration, re-authentication, fetch).
func (o *Orchestrator) DispatchOne(ctx context.Context, acct models.Account, now time.Time, opts Options) (Outcome, error) {
	unlock, err := o.lock(ctx, acct.ID, !opts.Manual)
	if err != nil {
		return Outcome{AccountID: acct.ID, Manual: opts.Manual, Err: err}, err
	}
	defer unlock()

	outcome, err := o.dispatch(ctx, acct, now, opts)
	outcome.Err = err
	o.publish(ctx, outcome)
	return outcome, err
}

func (o *Orchestrator) dispatch(ctx context.Context, acct models.Account, now time.Time, opts Options) (Outcome, error) {
	outcome := Outcome{AccountID: acct.ID, Manual: opts.Manual}
	logger := log.WithFields(log.Fields{
		"account_id": acct.ID,
		"manual":     opts.Manual,
	})

	if !acct.HasRecipient() {
		return outcome, models.ErrNotConfigured
	}

	loc, err := gate.Location(acct.Timezone)
	if err != nil {
		return outcome, err
	}
	outcome.LocalDate = now.In(loc).Format(models.DateLayout)
	style := acct.Style.OrPlain()

	window, err := o.fetcher.GetWindow(ctx, acct, now, o.cfg.Window)
	if errors.Is(err, models.ErrReauthRequired) {
		outcome.ReauthRequired = true
		logger.WithError(err).Warn("Calendar re-authentication required, skipping dispatch")
		return outcome, err
	}
	if err != nil {
		// No message reached anyone; the attempt is still recorded against
		// the owner and the stamping policy applies.
		logger.WithError(err).Error("Failed to fetch calendar window")
		if acct.Phone != "" {
			failed := RecipientResult{Phone: acct.Phone, Err: err}
			outcome.Primary = &failed
			o.record(ctx, acct.ID, failed, "", 0, style, now)
		}
		o.stamp(ctx, &outcome, opts, logger)
		return outcome, err
	}
	acct = window.Account

	body := o.composer.Compose(ctx, window.Events, acct.Name(), style, loc)
	outcome.Body = body
	outcome.EventCount = len(window.Events)

	if acct.Phone != "" {
		primary := o.send(ctx, RecipientResult{Phone: acct.Phone}, body)
		outcome.Primary = &primary
		o.record(ctx, acct.ID, primary, body, outcome.EventCount, style, now)
		if primary.OK() {
			logger.WithField("to", models.MaskPhone(primary.Phone)).Info("Sent summary to owner")
		} else {
			logger.WithError(primary.Err).Error("Failed to send summary to owner")
		}
	}

	o.stamp(ctx, &outcome, opts, logger)

	delegates := acct.ActiveDelegates()
	outcome.Delegates = make([]RecipientResult, len(delegates))

	var wg sync.WaitGroup
	for i, d := range delegates {
		wg.Add(1)
		go func(i int, d models.Delegate) {
			defer wg.Done()
			personal := o.composer.Compose(ctx, window.Events, d.Greeting(), style, loc)
			res := o.send(ctx, RecipientResult{DelegateID: d.ID, Name: d.Name, Phone: d.Phone}, personal)
			outcome.Delegates[i] = res
			o.record(ctx, acct.ID, res, personal, outcome.EventCount, style, now)

			dlog := logger.WithFields(log.Fields{
				"delegate_id": d.ID,
				"to":          models.MaskPhone(d.Phone),
			})
			if res.OK() {
				dlog.Info("Sent summary to delegate")
			} else {
				dlog.WithError(res.Err).Error("Failed to send summary to delegate")
			}
		}(i, d)
	}
	wg.Wait()

	logger.WithFields(log.Fields{
		"events":  outcome.EventCount,
		"sent":    outcome.Sent(),
		"failed":  outcome.Failed(),
		"stamped": outcome.Stamped,
	}).Info("Dispatch completed")

	return outcome, nil
}

// send performs one bounded transport call; panics are attributed to the
// recipient.
func (o *Orchestrator) send(ctx context.Context, res RecipientResult, body string) (out RecipientResult) {
	out = res
	defer func() {
		if r := recover(); r != nil {
			out.Err = &models.TransportError{To: res.Phone, Err: fmt.Errorf("transport panicked: %v", r)}
		}
	}()

	sendCtx, cancel := context.WithTimeout(ctx, o.cfg.SendTimeout)
	defer cancel()

	out.MessageID, out.Err = o.transport.Send(sendCtx, res.Phone, body)
	return out
}

func (o *Orchestrator) record(ctx context.Context, accountID uuid.UUID, res RecipientResult, body string, eventCount int, style models.Style, now time.Time) {
	rec := models.DeliveryRecord{
		ID:             uuid.New(),
		RecipientPhone: res.Phone,
		RecipientName:  res.Name,
		Body:           body,
		EventCount:     eventCount,
		Style:          style,
		Status:         models.DeliverySent,
		MessageID:      res.MessageID,
		SentAt:         now,
	}
	if res.Err != nil {
		rec.Status = models.DeliveryFailed
		rec.Error = res.Err.Error()
	}
	if err := o.recorder.AppendHistory(ctx, accountID, rec); err != nil {
		log.WithError(err).WithField("account_id", accountID).Error("Failed to append delivery record")
	}
}

func (o *Orchestrator) stamp(ctx context.Context, outcome *Outcome, opts Options, logger *log.Entry) {
	if !opts.Stamp {
		return
	}
	stamped, err := o.recorder.MarkDelivered(ctx, outcome.AccountID, outcome.LocalDate)
	if err != nil {
		logger.WithError(err).Error("Failed to stamp delivery date")
		return
	}
	outcome.Stamped = stamped
}

func (o *Orchestrator) publish(ctx context.Context, outcome Outcome) {
	if err := o.notifier.DispatchCompleted(ctx, outcome.message(time.Now())); err != nil {
		log.WithError(err).WithField("account_id", outcome.AccountID).Warn("Failed to publish dispatch outcome")
	}
}

// lock takes the per-account dispatch lock. Without wait it fails at once
// when the account is busy.
func (o *Orchestrator) lock(ctx context.Context, id uuid.UUID, wait bool) (func(), error) {
	o.mu.Lock()
	l, ok := o.inFlight[id]
	if !ok {
		l = &accountLock{sem: make(chan struct{}, 1)}
		o.inFlight[id] = l
	}
	l.refs++
	o.mu.Unlock()

	release := func() {
		<-l.sem
		o.unref(id, l)
	}

	select {
	case l.sem <- struct{}{}:
		return release, nil
	default:
	}
	if !wait {
		o.unref(id, l)
		return nil, models.ErrDispatchInProgress
	}

	select {
	case l.sem <- struct{}{}:
		return release, nil
	case <-ctx.Done():
		o.unref(id, l)
		return nil, ctx.Err()
	}
}

func (o *Orchestrator) unref(id uuid.UUID, l *accountLock) {
	o.mu.Lock()
	defer o.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(o.inFlight, id)
	}
}
