package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/foxzi/zapflow/internal/models"
)

// RecipientRepository owns the campaign_contacts ledger. Every status
// change is a conditional update on the expected current status, so a
// row can never move backwards or be dispatched twice.
type RecipientRepository struct {
	base
}

func NewRecipientRepository(db *sql.DB) *RecipientRepository {
	return &RecipientRepository{base{db: db}}
}

const recipientColumns = `cc.campaign_id, cc.contact_id, cc.tenant_id, cc.position, cc.status, cc.variant_used,
	cc.rendered_text, cc.instance_used, cc.external_message_id, cc.sent_at, cc.delivered_at, cc.read_at,
	cc.error_class, cc.error_detail, cc.retry_count, cc.created_at, cc.updated_at,
	ct.name, ct.phone, ct.referred_by, ct.opted_out`

func scanRecipient(s scanner) (*models.CampaignContact, error) {
	r := &models.CampaignContact{Contact: &models.Contact{}}
	var status string
	var externalID sql.NullString
	var sentAt, deliveredAt, readAt sql.NullTime
	err := s.Scan(&r.CampaignID, &r.ContactID, &r.TenantID, &r.Position, &status, &r.VariantUsed,
		&r.RenderedText, &r.InstanceUsed, &externalID, &sentAt, &deliveredAt, &readAt,
		&r.ErrorClass, &r.ErrorDetail, &r.RetryCount, &r.CreatedAt, &r.UpdatedAt,
		&r.Contact.Name, &r.Contact.Phone, &r.Contact.ReferredBy, &r.Contact.OptedOut)
	if err != nil {
		return nil, err
	}
	r.Status = models.ContactStatus(status)
	r.ExternalMessageID = externalID.String
	r.SentAt = timePtr(sentAt)
	r.DeliveredAt = timePtr(deliveredAt)
	r.ReadAt = timePtr(readAt)
	r.Contact.ID = r.ContactID
	r.Contact.TenantID = r.TenantID
	return r, nil
}

const recipientFrom = ` FROM campaign_contacts cc JOIN contacts ct ON ct.id = cc.contact_id `

// Get returns one ledger row with its contact
func (r *RecipientRepository) Get(ctx context.Context, tenantID, campaignID, contactID string) (*models.CampaignContact, error) {
	rc, err := scanRecipient(r.conn(ctx).QueryRowContext(ctx, `
		SELECT `+recipientColumns+recipientFrom+`
		WHERE cc.tenant_id = ? AND cc.campaign_id = ? AND cc.contact_id = ?`, tenantID, campaignID, contactID))
	if err != nil {
		return nil, notFound(err, "campaign contact "+contactID)
	}
	return rc, nil
}

// NextPending returns the lowest-position pending recipient
func (r *RecipientRepository) NextPending(ctx context.Context, tenantID, campaignID string) (*models.CampaignContact, error) {
	rc, err := scanRecipient(r.conn(ctx).QueryRowContext(ctx, `
		SELECT `+recipientColumns+recipientFrom+`
		WHERE cc.tenant_id = ? AND cc.campaign_id = ? AND cc.status = ?
		ORDER BY cc.position LIMIT 1`, tenantID, campaignID, string(models.ContactPending)))
	if err != nil {
		return nil, notFound(err, "pending recipient")
	}
	return rc, nil
}

func (r *RecipientRepository) move(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := r.conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n == 1, err
}

// MarkQueued reserves a pending recipient for dispatch. Returns false when
// the row is no longer pending.
func (r *RecipientRepository) MarkQueued(ctx context.Context, tenantID, campaignID, contactID, instanceID, variantID, text string) (bool, error) {
	ok, err := r.move(ctx, `
		UPDATE campaign_contacts SET status = ?, instance_used = ?, variant_used = ?, rendered_text = ?, updated_at = ?
		WHERE tenant_id = ? AND campaign_id = ? AND contact_id = ? AND status = ?`,
		string(models.ContactQueued), instanceID, variantID, text, time.Now().UTC(),
		tenantID, campaignID, contactID, string(models.ContactPending))
	if err != nil {
		return false, fmt.Errorf("failed to mark recipient queued: %w", err)
	}
	return ok, nil
}

// MarkSent records gateway acceptance of a queued recipient
func (r *RecipientRepository) MarkSent(ctx context.Context, tenantID, campaignID, contactID, externalID string, sentAt time.Time) (bool, error) {
	ok, err := r.move(ctx, `
		UPDATE campaign_contacts SET status = ?, external_message_id = ?, sent_at = ?, error_class = '',
			error_detail = '', updated_at = ?
		WHERE tenant_id = ? AND campaign_id = ? AND contact_id = ? AND status = ?`,
		string(models.ContactSent), nullString(externalID), sentAt.UTC(), time.Now().UTC(),
		tenantID, campaignID, contactID, string(models.ContactQueued))
	if err != nil {
		return false, fmt.Errorf("failed to mark recipient sent: %w", err)
	}
	return ok, nil
}

// RevertToPending returns a queued recipient to the pending pool,
// optionally counting a retry and keeping the error for diagnostics.
func (r *RecipientRepository) RevertToPending(ctx context.Context, tenantID, campaignID, contactID string, countRetry bool, errorClass, detail string) (bool, error) {
	retry := 0
	if countRetry {
		retry = 1
	}
	ok, err := r.move(ctx, `
		UPDATE campaign_contacts SET status = ?, retry_count = retry_count + ?, error_class = ?, error_detail = ?,
			updated_at = ?
		WHERE tenant_id = ? AND campaign_id = ? AND contact_id = ? AND status = ?`,
		string(models.ContactPending), retry, errorClass, detail, time.Now().UTC(),
		tenantID, campaignID, contactID, string(models.ContactQueued))
	if err != nil {
		return false, fmt.Errorf("failed to revert recipient: %w", err)
	}
	return ok, nil
}

// MarkFailed moves a pending or queued recipient to failed
func (r *RecipientRepository) MarkFailed(ctx context.Context, tenantID, campaignID, contactID, errorClass, detail string) (bool, error) {
	ok, err := r.move(ctx, `
		UPDATE campaign_contacts SET status = ?, error_class = ?, error_detail = ?, updated_at = ?
		WHERE tenant_id = ? AND campaign_id = ? AND contact_id = ? AND status IN (?, ?)`,
		string(models.ContactFailed), errorClass, detail, time.Now().UTC(),
		tenantID, campaignID, contactID, string(models.ContactPending), string(models.ContactQueued))
	if err != nil {
		return false, fmt.Errorf("failed to mark recipient failed: %w", err)
	}
	return ok, nil
}

// MarkOptedOut skips a pending recipient whose contact opted out
func (r *RecipientRepository) MarkOptedOut(ctx context.Context, tenantID, campaignID, contactID string) (bool, error) {
	ok, err := r.move(ctx, `
		UPDATE campaign_contacts SET status = ?, updated_at = ?
		WHERE tenant_id = ? AND campaign_id = ? AND contact_id = ? AND status = ?`,
		string(models.ContactOptedOut), time.Now().UTC(),
		tenantID, campaignID, contactID, string(models.ContactPending))
	if err != nil {
		return false, fmt.Errorf("failed to mark recipient opted out: %w", err)
	}
	return ok, nil
}

// RecoverQueued returns rows stranded in queued by a crash back to pending.
// Rows carrying an external message id were accepted by the gateway and
// are promoted to sent instead.
func (r *RecipientRepository) RecoverQueued(ctx context.Context, tenantID, campaignID string) (int64, error) {
	now := time.Now().UTC()
	res, err := r.conn(ctx).ExecContext(ctx, `
		UPDATE campaign_contacts SET status = ?, updated_at = ?
		WHERE tenant_id = ? AND campaign_id = ? AND status = ? AND external_message_id IS NULL`,
		string(models.ContactPending), now, tenantID, campaignID, string(models.ContactQueued))
	if err != nil {
		return 0, fmt.Errorf("failed to recover queued recipients: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return 0, err
	}

	if _, err := r.conn(ctx).ExecContext(ctx, `
		UPDATE campaign_contacts SET status = ?, sent_at = COALESCE(sent_at, ?), updated_at = ?
		WHERE tenant_id = ? AND campaign_id = ? AND status = ? AND external_message_id IS NOT NULL`,
		string(models.ContactSent), now, now, tenantID, campaignID, string(models.ContactQueued)); err != nil {
		return 0, fmt.Errorf("failed to promote accepted recipients: %w", err)
	}
	return n, nil
}

// FindByExternalID resolves a gateway message id within a tenant
func (r *RecipientRepository) FindByExternalID(ctx context.Context, tenantID, externalID string) (*models.CampaignContact, error) {
	rc, err := scanRecipient(r.conn(ctx).QueryRowContext(ctx, `
		SELECT `+recipientColumns+recipientFrom+`
		WHERE cc.tenant_id = ? AND cc.external_message_id = ?
		ORDER BY cc.sent_at DESC LIMIT 1`, tenantID, externalID))
	if err != nil {
		return nil, notFound(err, "message "+externalID)
	}
	return rc, nil
}

// ApplyDelivery advances a dispatched recipient to delivered or read. The
// update only matches rows of lower rank, so stale or replayed events do
// nothing and report false.
func (r *RecipientRepository) ApplyDelivery(ctx context.Context, tenantID, campaignID, contactID string, to models.ContactStatus, at time.Time) (bool, error) {
	var query string
	var args []any
	now := time.Now().UTC()
	switch to {
	case models.ContactDelivered:
		query = `UPDATE campaign_contacts SET status = ?, delivered_at = COALESCE(delivered_at, ?), updated_at = ?
			WHERE tenant_id = ? AND campaign_id = ? AND contact_id = ? AND status = ?`
		args = []any{string(to), at.UTC(), now, tenantID, campaignID, contactID, string(models.ContactSent)}
	case models.ContactRead:
		query = `UPDATE campaign_contacts SET status = ?, read_at = COALESCE(read_at, ?), updated_at = ?
			WHERE tenant_id = ? AND campaign_id = ? AND contact_id = ? AND status IN (?, ?)`
		args = []any{string(to), at.UTC(), now, tenantID, campaignID, contactID,
			string(models.ContactSent), string(models.ContactDelivered)}
	default:
		return false, &models.TransitionError{Entity: "campaign contact", From: "dispatched", To: string(to)}
	}

	ok, err := r.move(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to apply delivery: %w", err)
	}
	return ok, nil
}

// AnnotateError records a gateway-reported failure without changing status
func (r *RecipientRepository) AnnotateError(ctx context.Context, tenantID, campaignID, contactID, errorClass, detail string) error {
	_, err := r.conn(ctx).ExecContext(ctx, `
		UPDATE campaign_contacts SET error_class = ?, error_detail = ?, updated_at = ?
		WHERE tenant_id = ? AND campaign_id = ? AND contact_id = ?`,
		errorClass, detail, time.Now().UTC(), tenantID, campaignID, contactID)
	if err != nil {
		return fmt.Errorf("failed to annotate recipient: %w", err)
	}
	return nil
}

// Counts returns the per-status ledger breakdown
func (r *RecipientRepository) Counts(ctx context.Context, tenantID, campaignID string) (models.StatusCounts, error) {
	rows, err := r.conn(ctx).QueryContext(ctx, `
		SELECT status, COUNT(*) FROM campaign_contacts
		WHERE tenant_id = ? AND campaign_id = ? GROUP BY status`, tenantID, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to count recipients: %w", err)
	}
	defer rows.Close()

	counts := models.StatusCounts{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[models.ContactStatus(status)] = n
	}
	return counts, rows.Err()
}

// List enumerates campaign recipients in dispatch order
func (r *RecipientRepository) List(ctx context.Context, tenantID, campaignID string, filter models.RecipientFilter) ([]models.CampaignContact, error) {
	query := `SELECT ` + recipientColumns + recipientFrom + ` WHERE cc.tenant_id = ? AND cc.campaign_id = ?`
	args := []any{tenantID, campaignID}
	if filter.Status != "" {
		query += " AND cc.status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY cc.position"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := r.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list recipients: %w", err)
	}
	defer rows.Close()

	var result []models.CampaignContact
	for rows.Next() {
		rc, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *rc)
	}
	return result, rows.Err()
}

// FindRecentByPhone returns the latest dispatched recipient of the tenant
// with the given phone, sent at or after since
func (r *RecipientRepository) FindRecentByPhone(ctx context.Context, tenantID, phone string, since time.Time) (*models.CampaignContact, error) {
	rc, err := scanRecipient(r.conn(ctx).QueryRowContext(ctx, `
		SELECT `+recipientColumns+recipientFrom+`
		JOIN campaigns c ON c.id = cc.campaign_id
		WHERE cc.tenant_id = ? AND ct.phone = ? AND cc.status IN (?, ?, ?) AND cc.sent_at >= ?
			AND c.status IN (?, ?, ?)
		ORDER BY cc.sent_at DESC LIMIT 1`,
		tenantID, phone, string(models.ContactSent), string(models.ContactDelivered), string(models.ContactRead),
		since.UTC(),
		string(models.CampaignRunning), string(models.CampaignPaused), string(models.CampaignCompleted)))
	if err != nil {
		return nil, notFound(err, "recipient "+phone)
	}
	return rc, nil
}

// RequeueFailed returns failed recipients to pending with a fresh retry budget
func (r *RecipientRepository) RequeueFailed(ctx context.Context, tenantID, campaignID string) (int64, error) {
	res, err := r.conn(ctx).ExecContext(ctx, `
		UPDATE campaign_contacts SET status = ?, retry_count = 0, error_class = '', error_detail = '',
			instance_used = '', variant_used = '', rendered_text = '', updated_at = ?
		WHERE tenant_id = ? AND campaign_id = ? AND status = ?`,
		string(models.ContactPending), time.Now().UTC(), tenantID, campaignID, string(models.ContactFailed))
	if err != nil {
		return 0, fmt.Errorf("failed to requeue recipients: %w", err)
	}
	return affected(res)
}
