package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates every table used by PostgresStore. It is idempotent.
const Schema = `
	CREATE TABLE IF NOT EXISTS accounts (
	    id UUID PRIMARY KEY,
	    email VARCHAR(255) NOT NULL UNIQUE,
	    provider_subject VARCHAR(255) NOT NULL DEFAULT '',
	    display_name VARCHAR(255) NOT NULL DEFAULT '',
	    phone VARCHAR(32) NOT NULL DEFAULT '',
	    feed_url TEXT NOT NULL DEFAULT '',
	    access_token TEXT NOT NULL DEFAULT '',
	    refresh_token TEXT NOT NULL DEFAULT '',
	    token_expires_at TIMESTAMP WITH TIME ZONE,
	    timezone VARCHAR(64) NOT NULL,
	    send_time VARCHAR(5) NOT NULL,
	    active BOOLEAN NOT NULL DEFAULT TRUE,
	    style VARCHAR(16) NOT NULL DEFAULT 'plain',
	    last_delivery_date VARCHAR(10) NOT NULL DEFAULT '',
	    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_accounts_active ON accounts(active);

	CREATE TABLE IF NOT EXISTS delegates (
	    id UUID PRIMARY KEY,
	    account_id UUID NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	    name VARCHAR(255) NOT NULL,
	    phone VARCHAR(32) NOT NULL,
	    active BOOLEAN NOT NULL DEFAULT TRUE,
	    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_delegates_account_id ON delegates(account_id);

	CREATE TABLE IF NOT EXISTS manual_events (
	    id UUID PRIMARY KEY,
	    account_id UUID NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	    title VARCHAR(255) NOT NULL,
	    starts_at TIMESTAMP WITH TIME ZONE NOT NULL,
	    ends_at TIMESTAMP WITH TIME ZONE NOT NULL,
	    location VARCHAR(255) NOT NULL DEFAULT '',
	    all_day BOOLEAN NOT NULL DEFAULT FALSE,
	    time_zone VARCHAR(64) NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_manual_events_account_starts ON manual_events(account_id, starts_at);

	CREATE TABLE IF NOT EXISTS delivery_history (
	    id UUID PRIMARY KEY,
	    account_id UUID NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	    recipient_phone VARCHAR(32) NOT NULL,
	    recipient_name VARCHAR(255) NOT NULL DEFAULT '',
	    body TEXT NOT NULL,
	    event_count INTEGER NOT NULL,
	    style VARCHAR(16) NOT NULL,
	    status VARCHAR(16) NOT NULL,
	    message_id VARCHAR(255) NOT NULL DEFAULT '',
	    error TEXT NOT NULL DEFAULT '',
	    sent_at TIMESTAMP WITH TIME ZONE NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_delivery_history_account_sent ON delivery_history(account_id, sent_at DESC);
`

// Migrate applies Schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
