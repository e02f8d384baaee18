package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/foxzi/zapflow/internal/models"
	"github.com/google/uuid"
)

type ContactRepository struct {
	base
}

func NewContactRepository(db *sql.DB) *ContactRepository {
	return &ContactRepository{base{db: db}}
}

// Create inserts a contact. Contacts are imported by the contacts
// collaborator; this is used by provisioning and tests.
func (r *ContactRepository) Create(ctx context.Context, c *models.Contact) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := r.conn(ctx).ExecContext(ctx, `
		INSERT INTO contacts (id, tenant_id, name, phone, referred_by, opted_out, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.TenantID, c.Name, c.Phone, c.ReferredBy, c.OptedOut, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create contact: %w", err)
	}
	return nil
}

// GetByID returns a tenant contact
func (r *ContactRepository) GetByID(ctx context.Context, tenantID, id string) (*models.Contact, error) {
	c := &models.Contact{}
	err := r.conn(ctx).QueryRowContext(ctx, `
		SELECT id, tenant_id, name, phone, referred_by, opted_out, created_at
		FROM contacts WHERE tenant_id = ? AND id = ?`, tenantID, id,
	).Scan(&c.ID, &c.TenantID, &c.Name, &c.Phone, &c.ReferredBy, &c.OptedOut, &c.CreatedAt)
	if err != nil {
		return nil, notFound(err, "contact "+id)
	}
	return c, nil
}

// SetOptOut flips the opt-out flag
func (r *ContactRepository) SetOptOut(ctx context.Context, tenantID, id string, optedOut bool) error {
	_, err := r.conn(ctx).ExecContext(ctx, `
		UPDATE contacts SET opted_out = ? WHERE tenant_id = ? AND id = ?`, optedOut, tenantID, id)
	if err != nil {
		return fmt.Errorf("failed to set opt-out: %w", err)
	}
	return nil
}

// CountExisting returns how many of ids belong to the tenant
func (r *ContactRepository) CountExisting(ctx context.Context, tenantID string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := []any{tenantID}
	for _, id := range ids {
		args = append(args, id)
	}
	var n int
	err := r.conn(ctx).QueryRowContext(ctx, `
		SELECT COUNT(*) FROM contacts WHERE tenant_id = ? AND id IN (`+placeholders(len(ids))+`)`, args...,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count contacts: %w", err)
	}
	return n, nil
}
