package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/foxzi/zapflow/internal/db"
	"github.com/foxzi/zapflow/internal/models"
	"github.com/google/uuid"
)

type CampaignRepository struct {
	base
}

func NewCampaignRepository(db *sql.DB) *CampaignRepository {
	return &CampaignRepository{base{db: db}}
}

const campaignColumns = `id, tenant_id, name, status, rotation_mode, interval_min_seconds, interval_max_seconds,
	daily_limit_per_instance, pause_on_health_below, scheduled_at, calendar_id, current_instance_index,
	current_variant_index, contacts_materialized, total_contacts, messages_sent, messages_delivered,
	messages_read, messages_failed, last_contact_name, last_contact_phone, last_instance_name,
	next_contact_name, next_contact_phone, next_instance_name, last_message_sent_at,
	next_message_scheduled_at, started_by, started_at, completed_at, created_at, updated_at`

func scanCampaign(s scanner) (*models.Campaign, error) {
	c := &models.Campaign{}
	var status, rotation string
	var calendarID sql.NullString
	var scheduledAt, lastSent, nextAt, startedAt, completedAt sql.NullTime
	err := s.Scan(&c.ID, &c.TenantID, &c.Name, &status, &rotation, &c.IntervalMinSeconds, &c.IntervalMaxSeconds,
		&c.DailyLimitPerInstance, &c.PauseOnHealthBelow, &scheduledAt, &calendarID, &c.CurrentInstanceIndex,
		&c.CurrentVariantIndex, &c.ContactsMaterialized, &c.TotalContacts, &c.MessagesSent, &c.MessagesDelivered,
		&c.MessagesRead, &c.MessagesFailed, &c.LastContactName, &c.LastContactPhone, &c.LastInstanceName,
		&c.NextContactName, &c.NextContactPhone, &c.NextInstanceName, &lastSent,
		&nextAt, &c.StartedBy, &startedAt, &completedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Status = models.CampaignStatus(status)
	c.RotationMode = models.RotationMode(rotation)
	c.CalendarID = calendarID.String
	c.ScheduledAt = timePtr(scheduledAt)
	c.LastMessageSentAt = timePtr(lastSent)
	c.NextMessageScheduledAt = timePtr(nextAt)
	c.StartedAt = timePtr(startedAt)
	c.CompletedAt = timePtr(completedAt)
	return c, nil
}

// Create persists a campaign with its variants, instance references and
// audience binding in one transaction
func (r *CampaignRepository) Create(ctx context.Context, c *models.Campaign, contactIDs []string) error {
	c.ID = uuid.New().String()
	c.CreatedAt = time.Now().UTC()
	c.UpdatedAt = c.CreatedAt

	return db.WithTx(ctx, r.db, func(ctx context.Context) error {
		q := r.conn(ctx)
		_, err := q.ExecContext(ctx, `
			INSERT INTO campaigns (id, tenant_id, name, status, rotation_mode, interval_min_seconds,
				interval_max_seconds, daily_limit_per_instance, pause_on_health_below, scheduled_at, calendar_id,
				created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.TenantID, c.Name, string(c.Status), string(c.RotationMode), c.IntervalMinSeconds,
			c.IntervalMaxSeconds, c.DailyLimitPerInstance, c.PauseOnHealthBelow, nullTime(c.ScheduledAt),
			nullString(c.CalendarID), c.CreatedAt, c.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create campaign: %w", err)
		}

		for i := range c.Variants {
			v := &c.Variants[i]
			v.ID = uuid.New().String()
			v.CampaignID = c.ID
			v.Position = i
			v.TimesUsed = 0
			if _, err := q.ExecContext(ctx, `
				INSERT INTO campaign_variants (id, campaign_id, position, body, times_used) VALUES (?, ?, ?, ?, 0)`,
				v.ID, c.ID, v.Position, v.Body); err != nil {
				return fmt.Errorf("failed to create variant: %w", err)
			}
		}

		for pos, instanceID := range c.InstanceIDs {
			if _, err := q.ExecContext(ctx, `
				INSERT INTO campaign_instances (campaign_id, instance_id, position) VALUES (?, ?, ?)`,
				c.ID, instanceID, pos); err != nil {
				return fmt.Errorf("failed to attach instance: %w", err)
			}
		}

		for pos, contactID := range contactIDs {
			if _, err := q.ExecContext(ctx, `
				INSERT OR IGNORE INTO campaign_audience (campaign_id, contact_id, position) VALUES (?, ?, ?)`,
				c.ID, contactID, pos); err != nil {
				return fmt.Errorf("failed to bind audience: %w", err)
			}
		}
		return nil
	})
}

// GetByID returns a tenant campaign with variants and instance references
func (r *CampaignRepository) GetByID(ctx context.Context, tenantID, id string) (*models.Campaign, error) {
	q := r.conn(ctx)
	c, err := scanCampaign(q.QueryRowContext(ctx, `
		SELECT `+campaignColumns+` FROM campaigns WHERE tenant_id = ? AND id = ?`, tenantID, id))
	if err != nil {
		return nil, notFound(err, "campaign "+id)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT id, campaign_id, position, body, times_used FROM campaign_variants
		WHERE campaign_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load variants: %w", err)
	}
	for rows.Next() {
		var v models.Variant
		if err := rows.Scan(&v.ID, &v.CampaignID, &v.Position, &v.Body, &v.TimesUsed); err != nil {
			rows.Close()
			return nil, err
		}
		c.Variants = append(c.Variants, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = q.QueryContext(ctx, `
		SELECT instance_id FROM campaign_instances WHERE campaign_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load instances: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var instanceID string
		if err := rows.Scan(&instanceID); err != nil {
			return nil, err
		}
		c.InstanceIDs = append(c.InstanceIDs, instanceID)
	}
	return c, rows.Err()
}

// GetStatus is the cheap checkpoint read used while a worker sleeps
func (r *CampaignRepository) GetStatus(ctx context.Context, tenantID, id string) (models.CampaignStatus, error) {
	var status string
	err := r.conn(ctx).QueryRowContext(ctx, `
		SELECT status FROM campaigns WHERE tenant_id = ? AND id = ?`, tenantID, id).Scan(&status)
	if err != nil {
		return "", notFound(err, "campaign "+id)
	}
	return models.CampaignStatus(status), nil
}

// AudienceIDs returns the contact IDs bound to a campaign
func (r *CampaignRepository) AudienceIDs(ctx context.Context, tenantID, id string) ([]string, error) {
	rows, err := r.conn(ctx).QueryContext(ctx, `
		SELECT a.contact_id FROM campaign_audience a
		JOIN campaigns c ON c.id = a.campaign_id
		WHERE c.tenant_id = ? AND a.campaign_id = ? ORDER BY a.position`, tenantID, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load audience: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var contactID string
		if err := rows.Scan(&contactID); err != nil {
			return nil, err
		}
		ids = append(ids, contactID)
	}
	return ids, rows.Err()
}

// List returns tenant campaigns, newest first
func (r *CampaignRepository) List(ctx context.Context, tenantID string, filter models.CampaignFilter) ([]models.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE tenant_id = ?`
	args := []any{tenantID}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := r.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []models.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, *c)
	}
	return campaigns, rows.Err()
}

// ListDue returns scheduled campaigns whose start time has arrived
func (r *CampaignRepository) ListDue(ctx context.Context, tenantID string, now time.Time) ([]models.Campaign, error) {
	rows, err := r.conn(ctx).QueryContext(ctx, `
		SELECT `+campaignColumns+` FROM campaigns
		WHERE tenant_id = ? AND status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?
		ORDER BY scheduled_at`,
		tenantID, string(models.CampaignScheduled), now.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list due campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []models.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, *c)
	}
	return campaigns, rows.Err()
}

// CountByStatus counts tenant campaigns in a status
func (r *CampaignRepository) CountByStatus(ctx context.Context, tenantID string, status models.CampaignStatus) (int, error) {
	var n int
	err := r.conn(ctx).QueryRowContext(ctx, `
		SELECT COUNT(*) FROM campaigns WHERE tenant_id = ? AND status = ?`, tenantID, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count campaigns: %w", err)
	}
	return n, nil
}

// Transition performs a compare-and-set status change. It fails with
// ErrInvalidStateTransition when the machine forbids it or when the stored
// status is no longer from.
func (r *CampaignRepository) Transition(ctx context.Context, tenantID, id string, from, to models.CampaignStatus, now time.Time) error {
	if !from.CanTransition(to) {
		return &models.TransitionError{Entity: "campaign", From: string(from), To: string(to)}
	}

	query := `UPDATE campaigns SET status = ?, updated_at = ?`
	args := []any{string(to), now.UTC()}
	switch to {
	case models.CampaignRunning:
		query += `, started_at = COALESCE(started_at, ?)`
		args = append(args, now.UTC())
	case models.CampaignCompleted:
		query += `, completed_at = ?, next_contact_name = '', next_contact_phone = '', next_instance_name = '',
			next_message_scheduled_at = NULL`
		args = append(args, now.UTC())
	case models.CampaignStopped:
		query += `, next_contact_name = '', next_contact_phone = '', next_instance_name = '',
			next_message_scheduled_at = NULL`
	}
	query += ` WHERE tenant_id = ? AND id = ? AND status = ?`
	args = append(args, tenantID, id, string(from))

	res, err := r.conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update campaign status: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		current, err := r.GetStatus(ctx, tenantID, id)
		if err != nil {
			return err
		}
		return &models.TransitionError{Entity: "campaign", From: string(current), To: string(to)}
	}
	return nil
}

// SetStartedBy records who issued the first start
func (r *CampaignRepository) SetStartedBy(ctx context.Context, tenantID, id, user string) error {
	_, err := r.conn(ctx).ExecContext(ctx, `
		UPDATE campaigns SET started_by = ? WHERE tenant_id = ? AND id = ? AND started_by = ''`, user, tenantID, id)
	if err != nil {
		return fmt.Errorf("failed to set started_by: %w", err)
	}
	return nil
}

// MaterializeContacts creates ledger rows from the audience binding. The
// unique (campaign, contact) key makes repeated calls a no-op.
func (r *CampaignRepository) MaterializeContacts(ctx context.Context, tenantID, id string, now time.Time) (int, error) {
	var total int
	err := db.WithTx(ctx, r.db, func(ctx context.Context) error {
		q := r.conn(ctx)
		_, err := q.ExecContext(ctx, `
			INSERT OR IGNORE INTO campaign_contacts (campaign_id, contact_id, tenant_id, position, status, created_at, updated_at)
			SELECT a.campaign_id, a.contact_id, ?, a.position, ?, ?, ?
			FROM campaign_audience a
			JOIN campaigns c ON c.id = a.campaign_id AND c.tenant_id = ?
			JOIN contacts ct ON ct.id = a.contact_id AND ct.tenant_id = ?
			WHERE a.campaign_id = ?`,
			tenantID, string(models.ContactPending), now.UTC(), now.UTC(), tenantID, tenantID, id)
		if err != nil {
			return fmt.Errorf("failed to materialize contacts: %w", err)
		}

		if err := q.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM campaign_contacts WHERE tenant_id = ? AND campaign_id = ?`, tenantID, id,
		).Scan(&total); err != nil {
			return fmt.Errorf("failed to count contacts: %w", err)
		}

		_, err = q.ExecContext(ctx, `
			UPDATE campaigns SET total_contacts = ?, contacts_materialized = 1, updated_at = ?
			WHERE tenant_id = ? AND id = ?`, total, now.UTC(), tenantID, id)
		if err != nil {
			return fmt.Errorf("failed to update total contacts: %w", err)
		}
		return nil
	})
	return total, err
}

// SetNext publishes the upcoming send in the progress snapshot
func (r *CampaignRepository) SetNext(ctx context.Context, tenantID, id, contactName, contactPhone, instanceName string, at time.Time) error {
	_, err := r.conn(ctx).ExecContext(ctx, `
		UPDATE campaigns SET next_contact_name = ?, next_contact_phone = ?, next_instance_name = ?,
			next_message_scheduled_at = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?`,
		contactName, contactPhone, instanceName, at.UTC(), time.Now().UTC(), tenantID, id)
	if err != nil {
		return fmt.Errorf("failed to set next message: %w", err)
	}
	return nil
}

// ClearNext removes the upcoming send from the progress snapshot
func (r *CampaignRepository) ClearNext(ctx context.Context, tenantID, id string) error {
	_, err := r.conn(ctx).ExecContext(ctx, `
		UPDATE campaigns SET next_contact_name = '', next_contact_phone = '', next_instance_name = '',
			next_message_scheduled_at = NULL, updated_at = ?
		WHERE tenant_id = ? AND id = ?`, time.Now().UTC(), tenantID, id)
	if err != nil {
		return fmt.Errorf("failed to clear next message: %w", err)
	}
	return nil
}

// SetRotation persists the rotation cursors after a pick is committed
func (r *CampaignRepository) SetRotation(ctx context.Context, tenantID, id string, instanceIndex, variantIndex int) error {
	_, err := r.conn(ctx).ExecContext(ctx, `
		UPDATE campaigns SET current_instance_index = ?, current_variant_index = ?
		WHERE tenant_id = ? AND id = ?`, instanceIndex, variantIndex, tenantID, id)
	if err != nil {
		return fmt.Errorf("failed to set rotation: %w", err)
	}
	return nil
}

// RecordSent counts a dispatched message and updates the last-sent snapshot
func (r *CampaignRepository) RecordSent(ctx context.Context, tenantID, id, contactName, contactPhone, instanceName string, at time.Time) error {
	_, err := r.conn(ctx).ExecContext(ctx, `
		UPDATE campaigns SET messages_sent = messages_sent + 1, last_contact_name = ?, last_contact_phone = ?,
			last_instance_name = ?, last_message_sent_at = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?`,
		contactName, contactPhone, instanceName, at.UTC(), time.Now().UTC(), tenantID, id)
	if err != nil {
		return fmt.Errorf("failed to record sent: %w", err)
	}
	return nil
}

// Counters are increments applied to campaign progress
type Counters struct {
	Delivered int
	Read      int
	Failed    int
}

// AddCounters applies progress increments
func (r *CampaignRepository) AddCounters(ctx context.Context, tenantID, id string, c Counters) error {
	_, err := r.conn(ctx).ExecContext(ctx, `
		UPDATE campaigns SET messages_delivered = messages_delivered + ?, messages_read = messages_read + ?,
			messages_failed = MAX(0, messages_failed + ?), updated_at = ?
		WHERE tenant_id = ? AND id = ?`,
		c.Delivered, c.Read, c.Failed, time.Now().UTC(), tenantID, id)
	if err != nil {
		return fmt.Errorf("failed to update counters: %w", err)
	}
	return nil
}

// IncrementVariantUse counts a successful send of a variant
func (r *CampaignRepository) IncrementVariantUse(ctx context.Context, tenantID, campaignID, variantID string) error {
	_, err := r.conn(ctx).ExecContext(ctx, `
		UPDATE campaign_variants SET times_used = times_used + 1
		WHERE id = ? AND campaign_id = ? AND campaign_id IN (SELECT id FROM campaigns WHERE tenant_id = ?)`,
		variantID, campaignID, tenantID)
	if err != nil {
		return fmt.Errorf("failed to increment variant use: %w", err)
	}
	return nil
}

// Delete removes a campaign and the rows it owns. Only draft, completed and
// stopped campaigns may be deleted.
func (r *CampaignRepository) Delete(ctx context.Context, tenantID, id string) error {
	return db.WithTx(ctx, r.db, func(ctx context.Context) error {
		status, err := r.GetStatus(ctx, tenantID, id)
		if err != nil {
			return err
		}
		if !status.Deletable() {
			return &models.TransitionError{Entity: "campaign", From: string(status), To: "deleted"}
		}
		if _, err := r.conn(ctx).ExecContext(ctx, `
			DELETE FROM campaigns WHERE tenant_id = ? AND id = ?`, tenantID, id); err != nil {
			return fmt.Errorf("failed to delete campaign: %w", err)
		}
		return nil
	})
}
