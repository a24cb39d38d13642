package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/stoik/herald/internal/calendar"
	"github.com/stoik/herald/internal/compose"
	"github.com/stoik/herald/internal/config"
	"github.com/stoik/herald/internal/dispatch"
	"github.com/stoik/herald/internal/events"
	"github.com/stoik/herald/internal/invite"
	"github.com/stoik/herald/internal/models"
	"github.com/stoik/herald/internal/provider"
	"github.com/stoik/herald/internal/scheduler"
	"github.com/stoik/herald/internal/sms"
	"github.com/stoik/herald/internal/store"
)

// demoAccountID is the account created by setup and by in-memory runs.
var demoAccountID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

// runtime holds the process-wide components, built once at startup.
type runtime struct {
	store     store.AccountStore
	scheduler *scheduler.Scheduler
	codes     *invite.Store
	registrar *invite.Registrar
	closers   []func()
}

func build(ctx context.Context, cfg config.Config) (*runtime, error) {
	rt := &runtime{}

	switch cfg.Store.Type {
	case "memory":
		rt.store = store.NewMemoryStore(cfg.Dispatch.HistoryLimit)
	default:
		pool, err := store.Connect(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		rt.closers = append(rt.closers, pool.Close)
		rt.store = store.NewPostgresStore(pool, cfg.Dispatch.HistoryLimit)
	}

	calendarProvider, err := provider.NewProvider(cfg.Provider.Type, cfg.Provider.APIURL, cfg.Provider.Timeout)
	if err != nil {
		rt.Close()
		return nil, err
	}

	transport, err := sms.NewTransport(cfg.SMS.Type, cfg.SMS.APIURL, cfg.SMS.AccountSID, cfg.SMS.AuthToken, cfg.SMS.From, cfg.SMS.Timeout)
	if err != nil {
		rt.Close()
		return nil, err
	}

	var ai compose.Paraphraser
	if cfg.AI.Enabled {
		ai = compose.NewAIClient(cfg.AI.APIURL, cfg.AI.APIKey, cfg.AI.Model, cfg.AI.Timeout)
	}

	notifier, err := rt.notifier(cfg.AMQP)
	if err != nil {
		rt.Close()
		return nil, err
	}

	fetcher := calendar.NewFetcher(calendarProvider, rt.store, cfg.Provider.RefreshMargin, cfg.Provider.Timeout)
	orchestrator := dispatch.NewOrchestrator(
		fetcher,
		compose.NewComposer(ai, cfg.AI.Timeout),
		transport,
		rt.store,
		notifier,
		dispatch.Config{Window: cfg.Dispatch.Window, SendTimeout: cfg.SMS.Timeout},
	)

	rt.scheduler, err = scheduler.New(rt.store, orchestrator, notifier, scheduler.Config{
		Spec:              cfg.Scheduler.Cron,
		Workers:           cfg.Scheduler.Workers,
		AccountTimeout:    cfg.Scheduler.AccountTimeout,
		MinuteGranularity: cfg.Scheduler.MinuteGranularity,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.codes = invite.NewStore(cfg.Invite.TTL)
	rt.registrar = invite.NewRegistrar(rt.codes, rt.store)

	log.WithFields(log.Fields{
		"store":    cfg.Store.Type,
		"provider": cfg.Provider.Type,
		"sms":      cfg.SMS.Type,
		"ai":       cfg.AI.Enabled,
		"amqp":     cfg.AMQP.URL != "",
	}).Info("Herald initialized")

	return rt, nil
}

func (rt *runtime) notifier(cfg config.AMQPConfig) (events.Notifier, error) {
	if cfg.URL == "" {
		return events.NopNotifier{}, nil
	}
	client, err := events.NewClient(cfg.URL)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, func() {
		if err := client.Close(); err != nil {
			log.WithError(err).Warn("Failed to close AMQP client")
		}
	})
	if err := client.DeclareExchange(cfg.Exchange); err != nil {
		return nil, err
	}
	return events.NewAMQPNotifier(events.NewAMQPPublisher(client), cfg.Exchange), nil
}

// Close releases connections in reverse order of acquisition.
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

func demoAccount() models.Account {
	return models.Account{
		ID:              demoAccountID,
		Email:           "demo@example.com",
		ProviderSubject: "demo",
		DisplayName:     "Demo",
		Phone:           "+15555550100",
		Credential:      models.Credential{AccessToken: "demo-token", RefreshToken: "demo-refresh"},
		Timezone:        "UTC",
		SendTime:        "07:00",
		Active:          true,
		Style:           models.StyleFriendly,
	}
}

func seedDemoAccount(ctx context.Context, accounts store.AccountStore) error {
	if _, err := accounts.Get(ctx, demoAccountID); err == nil {
		return nil
	} else if !errors.Is(err, models.ErrAccountNotFound) {
		return err
	}
	if _, err := accounts.Create(ctx, demoAccount()); err != nil {
		return fmt.Errorf("failed to seed demo account: %w", err)
	}
	log.WithField("account_id", demoAccountID).Info("Seeded demo account")
	return nil
}
