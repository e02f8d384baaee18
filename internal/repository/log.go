package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/foxzi/zapflow/internal/models"
	"github.com/google/uuid"
)

type LogRepository struct {
	base
}

func NewLogRepository(db *sql.DB) *LogRepository {
	return &LogRepository{base{db: db}}
}

// Append adds a diagnostic entry to a campaign log
func (r *LogRepository) Append(ctx context.Context, l *models.CampaignLog) error {
	l.ID = uuid.New().String()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	if l.Severity == "" {
		l.Severity = models.SeverityInfo
	}
	_, err := r.conn(ctx).ExecContext(ctx, `
		INSERT INTO campaign_logs (id, campaign_id, tenant_id, log_type, severity, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.CampaignID, l.TenantID, l.LogType, l.Severity, l.Details, l.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append campaign log: %w", err)
	}
	return nil
}

// List returns campaign log entries, newest first
func (r *LogRepository) List(ctx context.Context, tenantID, campaignID string, limit int) ([]models.CampaignLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.conn(ctx).QueryContext(ctx, `
		SELECT id, campaign_id, tenant_id, log_type, severity, details, created_at
		FROM campaign_logs WHERE tenant_id = ? AND campaign_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT ?`, tenantID, campaignID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaign logs: %w", err)
	}
	defer rows.Close()

	var logs []models.CampaignLog
	for rows.Next() {
		var l models.CampaignLog
		if err := rows.Scan(&l.ID, &l.CampaignID, &l.TenantID, &l.LogType, &l.Severity, &l.Details, &l.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
