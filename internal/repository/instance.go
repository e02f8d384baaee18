package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/foxzi/zapflow/internal/models"
	"github.com/google/uuid"
)

type InstanceRepository struct {
	base
}

func NewInstanceRepository(db *sql.DB) *InstanceRepository {
	return &InstanceRepository{base{db: db}}
}

const instanceColumns = `id, tenant_id, display_name, external_handle, api_key, connection_state, last_state_seen_at,
	health_score, msgs_sent_today, msgs_delivered_today, msgs_read_today, msgs_failed_today, day_epoch,
	consecutive_failures, disabled, created_at, updated_at`

func scanInstance(s scanner) (*models.SenderInstance, error) {
	i := &models.SenderInstance{}
	var state string
	var seen sql.NullTime
	err := s.Scan(&i.ID, &i.TenantID, &i.DisplayName, &i.ExternalHandle, &i.APIKey, &state, &seen,
		&i.HealthScore, &i.MsgsSentToday, &i.MsgsDeliveredToday, &i.MsgsReadToday, &i.MsgsFailedToday, &i.DayEpoch,
		&i.ConsecutiveFailures, &i.Disabled, &i.CreatedAt, &i.UpdatedAt)
	if err != nil {
		return nil, err
	}
	i.ConnectionState = models.ConnectionState(state)
	i.LastStateSeenAt = timePtr(seen)
	return i, nil
}

// Create registers a sender instance. Instances are provisioned by the
// admin collaborator; this is used by provisioning and tests.
func (r *InstanceRepository) Create(ctx context.Context, i *models.SenderInstance) error {
	if i.ID == "" {
		i.ID = uuid.New().String()
	}
	if i.ConnectionState == "" {
		i.ConnectionState = models.StateUnknown
	}
	now := time.Now().UTC()
	i.CreatedAt = now
	i.UpdatedAt = now

	_, err := r.conn(ctx).ExecContext(ctx, `
		INSERT INTO sender_instances (id, tenant_id, display_name, external_handle, api_key, connection_state,
			last_state_seen_at, health_score, msgs_sent_today, msgs_delivered_today, msgs_read_today,
			msgs_failed_today, day_epoch, consecutive_failures, disabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		i.ID, i.TenantID, i.DisplayName, i.ExternalHandle, i.APIKey, string(i.ConnectionState),
		nullTime(i.LastStateSeenAt), i.HealthScore, i.MsgsSentToday, i.MsgsDeliveredToday, i.MsgsReadToday,
		i.MsgsFailedToday, i.DayEpoch, i.ConsecutiveFailures, i.Disabled, i.CreatedAt, i.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create instance: %w", err)
	}
	return nil
}

// GetByID returns a tenant instance
func (r *InstanceRepository) GetByID(ctx context.Context, tenantID, id string) (*models.SenderInstance, error) {
	row := r.conn(ctx).QueryRowContext(ctx, `
		SELECT `+instanceColumns+` FROM sender_instances WHERE tenant_id = ? AND id = ?`, tenantID, id)
	i, err := scanInstance(row)
	if err != nil {
		return nil, notFound(err, "instance "+id)
	}
	return i, nil
}

// GetByHandle resolves the gateway handle of an inbound webhook. Handles are
// globally unique, so this is the one lookup that establishes the tenant.
func (r *InstanceRepository) GetByHandle(ctx context.Context, handle string) (*models.SenderInstance, error) {
	row := r.conn(ctx).QueryRowContext(ctx, `
		SELECT `+instanceColumns+` FROM sender_instances WHERE external_handle = ?`, handle)
	i, err := scanInstance(row)
	if err != nil {
		return nil, notFound(err, "instance handle "+handle)
	}
	return i, nil
}

// ListByIDs returns the tenant instances with the given IDs, in the order given
func (r *InstanceRepository) ListByIDs(ctx context.Context, tenantID string, ids []string) ([]models.SenderInstance, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := []any{tenantID}
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := r.conn(ctx).QueryContext(ctx, `
		SELECT `+instanceColumns+` FROM sender_instances
		WHERE tenant_id = ? AND id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]models.SenderInstance, len(ids))
	for rows.Next() {
		i, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		byID[i.ID] = *i
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := make([]models.SenderInstance, 0, len(ids))
	for _, id := range ids {
		if i, ok := byID[id]; ok {
			result = append(result, i)
		}
	}
	return result, nil
}

// ListByTenant returns all instances of a tenant
func (r *InstanceRepository) ListByTenant(ctx context.Context, tenantID string) ([]models.SenderInstance, error) {
	rows, err := r.conn(ctx).QueryContext(ctx, `
		SELECT `+instanceColumns+` FROM sender_instances WHERE tenant_id = ? ORDER BY id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	var result []models.SenderInstance
	for rows.Next() {
		i, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *i)
	}
	return result, rows.Err()
}

// rollover builds SET clauses that zero counters bound to another day and
// then apply the deltas. Every referenced column is evaluated against the
// pre-update row, so the clauses are order independent.
func rollover(day string, deltas map[string]int) (string, []any) {
	cols := []string{"msgs_sent_today", "msgs_delivered_today", "msgs_read_today", "msgs_failed_today"}
	parts := make([]string, 0, len(cols)+1)
	args := make([]any, 0, len(cols)+1)
	for _, col := range cols {
		parts = append(parts, fmt.Sprintf("%s = MAX(0, (CASE WHEN day_epoch = ? THEN %s ELSE 0 END) + %d)", col, col, deltas[col]))
		args = append(args, day)
	}
	parts = append(parts, "day_epoch = ?")
	args = append(args, day)
	return strings.Join(parts, ", "), args
}

// ReserveSend increments msgs_sent_today only while it stays below limit
// for the given tenant-local day. Returns ErrDailyLimitReached otherwise.
func (r *InstanceRepository) ReserveSend(ctx context.Context, tenantID, id, day string, limit int) error {
	set, args := rollover(day, map[string]int{"msgs_sent_today": 1})
	args = append(args, time.Now().UTC(), tenantID, id, day, limit)

	res, err := r.conn(ctx).ExecContext(ctx, `
		UPDATE sender_instances SET `+set+`, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND (day_epoch <> ? OR msgs_sent_today < ?)`, args...)
	if err != nil {
		return fmt.Errorf("failed to reserve send: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := r.GetByID(ctx, tenantID, id); err != nil {
			return err
		}
		return models.ErrDailyLimitReached
	}
	return nil
}

// ReleaseSend gives back a reserved slot for the same day
func (r *InstanceRepository) ReleaseSend(ctx context.Context, tenantID, id, day string) error {
	set, args := rollover(day, map[string]int{"msgs_sent_today": -1})
	args = append(args, time.Now().UTC(), tenantID, id)
	_, err := r.conn(ctx).ExecContext(ctx, `
		UPDATE sender_instances SET `+set+`, updated_at = ? WHERE tenant_id = ? AND id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to release send: %w", err)
	}
	return nil
}

// RecordFailure counts a failed send, lowers health by penalty and
// soft-disables the instance after disableAfter consecutive failures.
func (r *InstanceRepository) RecordFailure(ctx context.Context, tenantID, id, day string, penalty, disableAfter int) (int, bool, error) {
	set, args := rollover(day, map[string]int{"msgs_failed_today": 1})
	args = append(args, penalty, disableAfter, disableAfter, time.Now().UTC(), tenantID, id)

	var health int
	var disabled bool
	err := r.conn(ctx).QueryRowContext(ctx, `
		UPDATE sender_instances SET `+set+`,
			health_score = MAX(0, health_score - ?),
			consecutive_failures = consecutive_failures + 1,
			disabled = CASE WHEN ? > 0 AND consecutive_failures + 1 >= ? THEN 1 ELSE disabled END,
			updated_at = ?
		WHERE tenant_id = ? AND id = ?
		RETURNING health_score, disabled`, args...,
	).Scan(&health, &disabled)
	if err != nil {
		return 0, false, notFound(err, "instance "+id)
	}
	return health, disabled, nil
}

// RecordPositive counts a delivery signal (column may be empty for
// engagement without a counter) and nudges health up by one.
func (r *InstanceRepository) RecordPositive(ctx context.Context, tenantID, id, day, column string) (int, error) {
	deltas := map[string]int{}
	if column != "" {
		deltas[column] = 1
	}
	set, args := rollover(day, deltas)
	args = append(args, models.MaxHealthScore, time.Now().UTC(), tenantID, id)

	var health int
	err := r.conn(ctx).QueryRowContext(ctx, `
		UPDATE sender_instances SET `+set+`,
			health_score = MIN(?, health_score + 1),
			consecutive_failures = 0,
			updated_at = ?
		WHERE tenant_id = ? AND id = ?
		RETURNING health_score`, args...,
	).Scan(&health)
	if err != nil {
		return 0, notFound(err, "instance "+id)
	}
	return health, nil
}

// SetConnectionState records a gateway-reported session state
func (r *InstanceRepository) SetConnectionState(ctx context.Context, tenantID, id string, state models.ConnectionState, seenAt time.Time) error {
	res, err := r.conn(ctx).ExecContext(ctx, `
		UPDATE sender_instances SET connection_state = ?, last_state_seen_at = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?`,
		string(state), seenAt.UTC(), time.Now().UTC(), tenantID, id,
	)
	if err != nil {
		return fmt.Errorf("failed to set connection state: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("instance %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// ResetDaily zeroes counters of tenant instances bound to another day
func (r *InstanceRepository) ResetDaily(ctx context.Context, tenantID, day string) (int64, error) {
	res, err := r.conn(ctx).ExecContext(ctx, `
		UPDATE sender_instances SET msgs_sent_today = 0, msgs_delivered_today = 0, msgs_read_today = 0,
			msgs_failed_today = 0, day_epoch = ?, updated_at = ?
		WHERE tenant_id = ? AND day_epoch <> ?`,
		day, time.Now().UTC(), tenantID, day,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reset daily counters: %w", err)
	}
	return affected(res)
}
