package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stoik/herald/internal/models"
)

const accountColumns = `id, email, provider_subject, display_name, phone, feed_url,
	access_token, refresh_token, token_expires_at, timezone, send_time, active,
	style, last_delivery_date, created_at`

// PostgresStore is the AccountStore backed by PostgreSQL.
type PostgresStore struct {
	pool         *pgxpool.Pool
	historyLimit int
}

func NewPostgresStore(pool *pgxpool.Pool, historyLimit int) *PostgresStore {
	if historyLimit <= 0 {
		historyLimit = models.DefaultHistoryLimit
	}
	return &PostgresStore{pool: pool, historyLimit: historyLimit}
}

func (s *PostgresStore) ListActive(ctx context.Context) ([]models.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE active ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acct)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range accounts {
		if err := s.loadChildren(ctx, &accounts[i], false); err != nil {
			return nil, fmt.Errorf("failed to load account %s: %w", accounts[i].ID, err)
		}
	}
	return accounts, nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (models.Account, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	acct, err := scanAccount(row)
	if err != nil {
		return models.Account{}, notFound(id, err)
	}
	if err := s.loadChildren(ctx, &acct, true); err != nil {
		return models.Account{}, err
	}
	return acct, nil
}

func (s *PostgresStore) Create(ctx context.Context, acct models.Account) (models.Account, error) {
	if acct.ID == uuid.Nil {
		acct.ID = uuid.New()
	}
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = time.Now()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.Account{}, err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		acct.ID, acct.Email, acct.ProviderSubject, acct.DisplayName, acct.Phone, acct.FeedURL,
		acct.Credential.AccessToken, acct.Credential.RefreshToken, nullTime(acct.Credential.ExpiresAt),
		acct.Timezone, acct.SendTime, acct.Active, string(acct.Style.OrPlain()),
		acct.LastDeliveryDate, acct.CreatedAt,
	)
	if err != nil {
		return models.Account{}, fmt.Errorf("failed to insert account: %w", err)
	}

	for i := range acct.Delegates {
		d := &acct.Delegates[i]
		if d.ID == uuid.Nil {
			d.ID = uuid.New()
		}
		d.AccountID = acct.ID
		if d.CreatedAt.IsZero() {
			d.CreatedAt = acct.CreatedAt
		}
		if err := insertDelegate(ctx, tx, *d); err != nil {
			return models.Account{}, err
		}
	}
	for i := range acct.ManualEvents {
		ev := &acct.ManualEvents[i]
		if ev.ID == uuid.Nil {
			ev.ID = uuid.New()
		}
		ev.Source = models.SourceManual
		if err := insertManualEvent(ctx, tx, acct.ID, *ev); err != nil {
			return models.Account{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Account{}, err
	}
	return acct, nil
}

func (s *PostgresStore) Update(ctx context.Context, id uuid.UUID, patch models.AccountPatch) (models.Account, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.Account{}, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id)
	acct, err := scanAccount(row)
	if err != nil {
		return models.Account{}, notFound(id, err)
	}
	patch.Apply(&acct)

	_, err = tx.Exec(ctx, `
		UPDATE accounts
		SET display_name = $2, phone = $3, timezone = $4, send_time = $5,
		    active = $6, style = $7, feed_url = $8
		WHERE id = $1`,
		id, acct.DisplayName, acct.Phone, acct.Timezone, acct.SendTime,
		acct.Active, string(acct.Style.OrPlain()), acct.FeedURL,
	)
	if err != nil {
		return models.Account{}, fmt.Errorf("failed to update account: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Account{}, err
	}
	return s.Get(ctx, id)
}

func (s *PostgresStore) SaveCredential(ctx context.Context, id uuid.UUID, cred models.Credential) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE accounts
		SET access_token = $2, refresh_token = $3, token_expires_at = $4
		WHERE id = $1`,
		id, cred.AccessToken, cred.RefreshToken, nullTime(cred.ExpiresAt),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", models.ErrAccountNotFound, id)
	}
	return nil
}

func (s *PostgresStore) MarkDelivered(ctx context.Context, id uuid.UUID, date string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE accounts
		SET last_delivery_date = $2
		WHERE id = $1 AND last_delivery_date <> $2`,
		id, date,
	)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, fmt.Errorf("%w: %s", models.ErrAccountNotFound, id)
	}
	return false, nil
}

func (s *PostgresStore) AppendHistory(ctx context.Context, id uuid.UUID, rec models.DeliveryRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO delivery_history (id, account_id, recipient_phone, recipient_name, body,
		    event_count, style, status, message_id, error, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, id, rec.RecipientPhone, rec.RecipientName, rec.Body,
		rec.EventCount, string(rec.Style), string(rec.Status), rec.MessageID, rec.Error, rec.SentAt,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("%w: %s", models.ErrAccountNotFound, id)
		}
		return fmt.Errorf("failed to insert delivery record: %w", err)
	}

	// Keep only the newest historyLimit records
	_, err = tx.Exec(ctx, `
		DELETE FROM delivery_history
		WHERE account_id = $1 AND id NOT IN (
		    SELECT id FROM delivery_history
		    WHERE account_id = $1
		    ORDER BY sent_at DESC, id
		    LIMIT $2
		)`,
		id, s.historyLimit,
	)
	if err != nil {
		return fmt.Errorf("failed to trim delivery history: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) History(ctx context.Context, id uuid.UUID) ([]models.DeliveryRecord, error) {
	acct, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return acct.DeliveryHistory, nil
}

func (s *PostgresStore) AddDelegate(ctx context.Context, id uuid.UUID, d models.Delegate) (models.Delegate, error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	d.AccountID = id
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	if err := insertDelegate(ctx, s.pool, d); err != nil {
		if isForeignKeyViolation(err) {
			return models.Delegate{}, fmt.Errorf("%w: %s", models.ErrAccountNotFound, id)
		}
		return models.Delegate{}, err
	}
	return d, nil
}

func (s *PostgresStore) SetDelegateActive(ctx context.Context, id, delegateID uuid.UUID, active bool) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE delegates SET active = $3 WHERE id = $2 AND account_id = $1",
		id, delegateID, active,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delegate %s not found", delegateID)
	}
	return nil
}

func (s *PostgresStore) AddManualEvent(ctx context.Context, id uuid.UUID, ev models.Event) (models.Event, error) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	ev.Source = models.SourceManual
	if err := insertManualEvent(ctx, s.pool, id, ev); err != nil {
		if isForeignKeyViolation(err) {
			return models.Event{}, fmt.Errorf("%w: %s", models.ErrAccountNotFound, id)
		}
		return models.Event{}, err
	}
	return ev, nil
}

// loadChildren fills delegates, manual events and, when withHistory is set,
// delivery history.
func (s *PostgresStore) loadChildren(ctx context.Context, acct *models.Account, withHistory bool) error {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, name, phone, active, created_at
		FROM delegates WHERE account_id = $1 ORDER BY created_at, id`, acct.ID)
	if err != nil {
		return err
	}
	acct.Delegates, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Delegate, error) {
		var d models.Delegate
		err := row.Scan(&d.ID, &d.AccountID, &d.Name, &d.Phone, &d.Active, &d.CreatedAt)
		return d, err
	})
	if err != nil {
		return err
	}

	rows, err = s.pool.Query(ctx,
		`SELECT id, title, starts_at, ends_at, location, all_day, time_zone
		FROM manual_events WHERE account_id = $1 ORDER BY starts_at, id`, acct.ID)
	if err != nil {
		return err
	}
	acct.ManualEvents, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Event, error) {
		ev := models.Event{Source: models.SourceManual}
		err := row.Scan(&ev.ID, &ev.Title, &ev.Start, &ev.End, &ev.Location, &ev.AllDay, &ev.TimeZone)
		return ev, err
	})
	if err != nil {
		return err
	}

	if !withHistory {
		return nil
	}

	rows, err = s.pool.Query(ctx,
		`SELECT id, recipient_phone, recipient_name, body, event_count, style, status,
		    message_id, error, sent_at
		FROM delivery_history WHERE account_id = $1
		ORDER BY sent_at DESC, id LIMIT $2`, acct.ID, s.historyLimit)
	if err != nil {
		return err
	}
	acct.DeliveryHistory, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.DeliveryRecord, error) {
		var rec models.DeliveryRecord
		var style, status string
		err := row.Scan(&rec.ID, &rec.RecipientPhone, &rec.RecipientName, &rec.Body,
			&rec.EventCount, &style, &status, &rec.MessageID, &rec.Error, &rec.SentAt)
		rec.Style = models.Style(style)
		rec.Status = models.DeliveryStatus(status)
		return rec, err
	})
	return err
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertDelegate(ctx context.Context, db execer, d models.Delegate) error {
	_, err := db.Exec(ctx, `
		INSERT INTO delegates (id, account_id, name, phone, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		d.ID, d.AccountID, d.Name, d.Phone, d.Active, d.CreatedAt,
	)
	return err
}

func insertManualEvent(ctx context.Context, db execer, accountID uuid.UUID, ev models.Event) error {
	_, err := db.Exec(ctx, `
		INSERT INTO manual_events (id, account_id, title, starts_at, ends_at, location, all_day, time_zone)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.ID, accountID, ev.Title, ev.Start, ev.End, ev.Location, ev.AllDay, ev.TimeZone,
	)
	return err
}

func scanAccount(row pgx.Row) (models.Account, error) {
	var acct models.Account
	var expiresAt *time.Time
	var style string
	err := row.Scan(
		&acct.ID,
		&acct.Email,
		&acct.ProviderSubject,
		&acct.DisplayName,
		&acct.Phone,
		&acct.FeedURL,
		&acct.Credential.AccessToken,
		&acct.Credential.RefreshToken,
		&expiresAt,
		&acct.Timezone,
		&acct.SendTime,
		&acct.Active,
		&style,
		&acct.LastDeliveryDate,
		&acct.CreatedAt,
	)
	if expiresAt != nil {
		acct.Credential.ExpiresAt = *expiresAt
	}
	acct.Style = models.Style(style)
	return acct, err
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func notFound(id uuid.UUID, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", models.ErrAccountNotFound, id)
	}
	return err
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
