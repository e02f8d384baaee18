package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/foxzi/zapflow/internal/db"
	"github.com/foxzi/zapflow/internal/models"
	"github.com/google/uuid"
)

type CalendarRepository struct {
	base
}

func NewCalendarRepository(db *sql.DB) *CalendarRepository {
	return &CalendarRepository{base{db: db}}
}

// Create stores a calendar with its hours and holidays
func (r *CalendarRepository) Create(ctx context.Context, c *models.Calendar) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	return db.WithTx(ctx, r.db, func(ctx context.Context) error {
		q := r.conn(ctx)
		if _, err := q.ExecContext(ctx, `INSERT INTO calendars (id, tenant_id, name) VALUES (?, ?, ?)`,
			c.ID, c.TenantID, c.Name); err != nil {
			return fmt.Errorf("failed to create calendar: %w", err)
		}
		for _, h := range c.Hours {
			if _, err := q.ExecContext(ctx, `
				INSERT INTO business_hours (calendar_id, weekday, open_time, close_time) VALUES (?, ?, ?, ?)`,
				c.ID, h.Weekday, h.Open, h.Close); err != nil {
				return fmt.Errorf("failed to add business hours: %w", err)
			}
		}
		for _, h := range c.Holidays {
			if _, err := q.ExecContext(ctx, `
				INSERT INTO holidays (calendar_id, date, name) VALUES (?, ?, ?)`,
				c.ID, h.Date, h.Name); err != nil {
				return fmt.Errorf("failed to add holiday: %w", err)
			}
		}
		return nil
	})
}

// GetByID returns a tenant calendar with hours and holidays
func (r *CalendarRepository) GetByID(ctx context.Context, tenantID, id string) (*models.Calendar, error) {
	c := &models.Calendar{}
	q := r.conn(ctx)
	err := q.QueryRowContext(ctx, `
		SELECT id, tenant_id, name FROM calendars WHERE tenant_id = ? AND id = ?`, tenantID, id,
	).Scan(&c.ID, &c.TenantID, &c.Name)
	if err != nil {
		return nil, notFound(err, "calendar "+id)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT weekday, open_time, close_time FROM business_hours WHERE calendar_id = ? ORDER BY weekday, open_time`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load business hours: %w", err)
	}
	for rows.Next() {
		var h models.BusinessHours
		if err := rows.Scan(&h.Weekday, &h.Open, &h.Close); err != nil {
			rows.Close()
			return nil, err
		}
		c.Hours = append(c.Hours, h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = q.QueryContext(ctx, `SELECT date, name FROM holidays WHERE calendar_id = ? ORDER BY date`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load holidays: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var h models.Holiday
		if err := rows.Scan(&h.Date, &h.Name); err != nil {
			return nil, err
		}
		c.Holidays = append(c.Holidays, h)
	}
	return c, rows.Err()
}
