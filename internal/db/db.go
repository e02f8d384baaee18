package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	*sql.DB
}

// New opens the sqlite store. Transactions begin IMMEDIATE so concurrent
// writers wait on busy_timeout instead of failing on lock upgrade.
func New(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return &DB{db}, nil
}

func (db *DB) Migrate() error {
	migrations := []string{
		migrationTenants,
		migrationSenderInstances,
		migrationContacts,
		migrationCalendars,
		migrationCampaigns,
		migrationCampaignVariants,
		migrationCampaignInstances,
		migrationCampaignAudience,
		migrationCampaignContacts,
		migrationCampaignLogs,
		migrationCampaignNotifications,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

type txKey struct{}

// Querier is the subset of *sql.DB and *sql.Tx used by repositories
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Conn returns the transaction bound to ctx, or the pool
func Conn(ctx context.Context, db *sql.DB) Querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return db
}

// InTx reports whether ctx carries a transaction
func InTx(ctx context.Context) bool {
	_, ok := ctx.Value(txKey{}).(*sql.Tx)
	return ok
}

// WithTx runs fn inside one transaction. Repositories called with the
// derived context join it. Nested calls reuse the outer transaction.
func WithTx(ctx context.Context, db *sql.DB, fn func(ctx context.Context) error) error {
	if InTx(ctx) {
		return fn(ctx)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const migrationTenants = `
CREATE TABLE IF NOT EXISTS tenants (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    timezone TEXT NOT NULL DEFAULT 'UTC',
    active INTEGER NOT NULL DEFAULT 1
);
`

const migrationSenderInstances = `
CREATE TABLE IF NOT EXISTS sender_instances (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL REFERENCES tenants(id),
    display_name TEXT NOT NULL,
    external_handle TEXT UNIQUE NOT NULL,
    api_key TEXT NOT NULL DEFAULT '',
    connection_state TEXT NOT NULL DEFAULT 'unknown',
    last_state_seen_at TIMESTAMP,
    health_score INTEGER NOT NULL DEFAULT 100 CHECK (health_score >= 0 AND health_score <= 100),
    msgs_sent_today INTEGER NOT NULL DEFAULT 0,
    msgs_delivered_today INTEGER NOT NULL DEFAULT 0,
    msgs_read_today INTEGER NOT NULL DEFAULT 0,
    msgs_failed_today INTEGER NOT NULL DEFAULT 0,
    day_epoch TEXT NOT NULL DEFAULT '',
    consecutive_failures INTEGER NOT NULL DEFAULT 0,
    disabled INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_sender_instances_tenant ON sender_instances(tenant_id);
`

const migrationContacts = `
CREATE TABLE IF NOT EXISTS contacts (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL REFERENCES tenants(id),
    name TEXT NOT NULL DEFAULT '',
    phone TEXT NOT NULL,
    referred_by TEXT NOT NULL DEFAULT '',
    opted_out INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_contacts_tenant_phone ON contacts(tenant_id, phone);
`

const migrationCalendars = `
CREATE TABLE IF NOT EXISTS calendars (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL REFERENCES tenants(id),
    name TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS business_hours (
    calendar_id TEXT NOT NULL REFERENCES calendars(id) ON DELETE CASCADE,
    weekday INTEGER NOT NULL CHECK (weekday >= 0 AND weekday <= 6),
    open_time TEXT NOT NULL,
    close_time TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS holidays (
    calendar_id TEXT NOT NULL REFERENCES calendars(id) ON DELETE CASCADE,
    date TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    UNIQUE(calendar_id, date)
);
`

const migrationCampaigns = `
CREATE TABLE IF NOT EXISTS campaigns (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL REFERENCES tenants(id),
    name TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'draft',
    rotation_mode TEXT NOT NULL,
    interval_min_seconds INTEGER NOT NULL,
    interval_max_seconds INTEGER NOT NULL,
    daily_limit_per_instance INTEGER NOT NULL DEFAULT 100,
    pause_on_health_below INTEGER NOT NULL DEFAULT 0,
    scheduled_at TIMESTAMP,
    calendar_id TEXT REFERENCES calendars(id) ON DELETE SET NULL,
    current_instance_index INTEGER NOT NULL DEFAULT 0,
    current_variant_index INTEGER NOT NULL DEFAULT 0,
    contacts_materialized INTEGER NOT NULL DEFAULT 0,
    total_contacts INTEGER NOT NULL DEFAULT 0,
    messages_sent INTEGER NOT NULL DEFAULT 0,
    messages_delivered INTEGER NOT NULL DEFAULT 0,
    messages_read INTEGER NOT NULL DEFAULT 0,
    messages_failed INTEGER NOT NULL DEFAULT 0,
    last_contact_name TEXT NOT NULL DEFAULT '',
    last_contact_phone TEXT NOT NULL DEFAULT '',
    last_instance_name TEXT NOT NULL DEFAULT '',
    next_contact_name TEXT NOT NULL DEFAULT '',
    next_contact_phone TEXT NOT NULL DEFAULT '',
    next_instance_name TEXT NOT NULL DEFAULT '',
    last_message_sent_at TIMESTAMP,
    next_message_scheduled_at TIMESTAMP,
    started_by TEXT NOT NULL DEFAULT '',
    started_at TIMESTAMP,
    completed_at TIMESTAMP,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    CHECK (messages_sent <= total_contacts)
);
CREATE INDEX IF NOT EXISTS idx_campaigns_tenant_status ON campaigns(tenant_id, status);
`

const migrationCampaignVariants = `
CREATE TABLE IF NOT EXISTS campaign_variants (
    id TEXT PRIMARY KEY,
    campaign_id TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
    position INTEGER NOT NULL,
    body TEXT NOT NULL,
    times_used INTEGER NOT NULL DEFAULT 0,
    UNIQUE(campaign_id, position)
);
`

const migrationCampaignInstances = `
CREATE TABLE IF NOT EXISTS campaign_instances (
    campaign_id TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
    instance_id TEXT NOT NULL REFERENCES sender_instances(id),
    position INTEGER NOT NULL,
    PRIMARY KEY (campaign_id, instance_id)
);
`

const migrationCampaignAudience = `
CREATE TABLE IF NOT EXISTS campaign_audience (
    campaign_id TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
    contact_id TEXT NOT NULL REFERENCES contacts(id),
    position INTEGER NOT NULL,
    PRIMARY KEY (campaign_id, contact_id)
);
`

const migrationCampaignContacts = `
CREATE TABLE IF NOT EXISTS campaign_contacts (
    campaign_id TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
    contact_id TEXT NOT NULL REFERENCES contacts(id),
    tenant_id TEXT NOT NULL,
    position INTEGER NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    variant_used TEXT NOT NULL DEFAULT '',
    rendered_text TEXT NOT NULL DEFAULT '',
    instance_used TEXT NOT NULL DEFAULT '',
    external_message_id TEXT,
    sent_at TIMESTAMP,
    delivered_at TIMESTAMP,
    read_at TIMESTAMP,
    error_class TEXT NOT NULL DEFAULT '',
    error_detail TEXT NOT NULL DEFAULT '',
    retry_count INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(campaign_id, contact_id)
);
CREATE INDEX IF NOT EXISTS idx_campaign_contacts_status ON campaign_contacts(campaign_id, status, position);
CREATE INDEX IF NOT EXISTS idx_campaign_contacts_external ON campaign_contacts(external_message_id);
`

const migrationCampaignLogs = `
CREATE TABLE IF NOT EXISTS campaign_logs (
    id TEXT PRIMARY KEY,
    campaign_id TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
    tenant_id TEXT NOT NULL,
    log_type TEXT NOT NULL,
    severity TEXT NOT NULL,
    details TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_campaign_logs_campaign ON campaign_logs(campaign_id, created_at);
`

const migrationCampaignNotifications = `
CREATE TABLE IF NOT EXISTS campaign_notifications (
    id TEXT PRIMARY KEY,
    campaign_id TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
    contact_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    event_id TEXT,
    received_message TEXT NOT NULL DEFAULT '',
    received_at TIMESTAMP NOT NULL,
    read_status INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_campaign_notifications_campaign ON campaign_notifications(campaign_id, received_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_campaign_notifications_event ON campaign_notifications(tenant_id, event_id);
`
