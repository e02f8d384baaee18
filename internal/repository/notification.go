package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/foxzi/zapflow/internal/models"
	"github.com/google/uuid"
)

type NotificationRepository struct {
	base
}

func NewNotificationRepository(db *sql.DB) *NotificationRepository {
	return &NotificationRepository{base{db: db}}
}

// Create stores an inbound reply. A reply whose event id is already
// stored for the tenant is skipped and reported as not inserted.
func (r *NotificationRepository) Create(ctx context.Context, n *models.CampaignNotification) (bool, error) {
	id := uuid.New().String()
	var eventID any
	if n.EventID != "" {
		eventID = n.EventID
	}
	res, err := r.conn(ctx).ExecContext(ctx, `
		INSERT OR IGNORE INTO campaign_notifications
			(id, campaign_id, contact_id, tenant_id, event_id, received_message, received_at, read_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, n.CampaignID, n.ContactID, n.TenantID, eventID, n.ReceivedMessage, n.ReceivedAt.UTC(), n.ReadStatus,
	)
	if err != nil {
		return false, fmt.Errorf("failed to create notification: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to create notification: %w", err)
	}
	if affected == 0 {
		return false, nil
	}
	n.ID = id
	return true, nil
}

// List returns campaign replies, newest first
func (r *NotificationRepository) List(ctx context.Context, tenantID, campaignID string, limit int) ([]models.CampaignNotification, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.conn(ctx).QueryContext(ctx, `
		SELECT id, campaign_id, contact_id, tenant_id, COALESCE(event_id, ''), received_message, received_at, read_status
		FROM campaign_notifications WHERE tenant_id = ? AND campaign_id = ?
		ORDER BY received_at DESC LIMIT ?`, tenantID, campaignID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	var result []models.CampaignNotification
	for rows.Next() {
		var n models.CampaignNotification
		if err := rows.Scan(&n.ID, &n.CampaignID, &n.ContactID, &n.TenantID, &n.EventID, &n.ReceivedMessage, &n.ReceivedAt, &n.ReadStatus); err != nil {
			return nil, err
		}
		result = append(result, n)
	}
	return result, rows.Err()
}
