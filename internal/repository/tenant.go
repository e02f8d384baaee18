package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/foxzi/zapflow/internal/models"
)

type TenantRepository struct {
	base
}

func NewTenantRepository(db *sql.DB) *TenantRepository {
	return &TenantRepository{base{db: db}}
}

// Create inserts a tenant. Tenants are owned by the accounts collaborator;
// this is used by provisioning and tests.
func (r *TenantRepository) Create(ctx context.Context, t *models.Tenant) error {
	if t.Timezone == "" {
		t.Timezone = "UTC"
	}
	_, err := r.conn(ctx).ExecContext(ctx, `
		INSERT INTO tenants (id, name, timezone, active) VALUES (?, ?, ?, ?)`,
		t.ID, t.Name, t.Timezone, t.Active,
	)
	if err != nil {
		return fmt.Errorf("failed to create tenant: %w", err)
	}
	return nil
}

// GetByID returns a tenant by ID
func (r *TenantRepository) GetByID(ctx context.Context, id string) (*models.Tenant, error) {
	t := &models.Tenant{}
	err := r.conn(ctx).QueryRowContext(ctx, `
		SELECT id, name, timezone, active FROM tenants WHERE id = ?`, id,
	).Scan(&t.ID, &t.Name, &t.Timezone, &t.Active)
	if err != nil {
		return nil, notFound(err, "tenant "+id)
	}
	return t, nil
}

// ListActive returns all active tenants
func (r *TenantRepository) ListActive(ctx context.Context) ([]models.Tenant, error) {
	rows, err := r.conn(ctx).QueryContext(ctx, `
		SELECT id, name, timezone, active FROM tenants WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []models.Tenant
	for rows.Next() {
		var t models.Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.Timezone, &t.Active); err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}
