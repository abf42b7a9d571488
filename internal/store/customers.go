package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/joescharf/daybook/internal/models"
)

const customerColumns = "id, name, invoice_ref, hourly_rate, currency, vat_percent, billing_address, cost_center, notes, archived, created_at, updated_at"

type customerRow struct {
	ID             string     `db:"id"`
	Name           string     `db:"name"`
	InvoiceRef     string     `db:"invoice_ref"`
	HourlyRate     *float64   `db:"hourly_rate"`
	Currency       string     `db:"currency"`
	VATPercent     *float64   `db:"vat_percent"`
	BillingAddress string     `db:"billing_address"`
	CostCenter     string     `db:"cost_center"`
	Notes          string     `db:"notes"`
	Archived       bool       `db:"archived"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      *time.Time `db:"updated_at"`
}

func (r customerRow) toModel() *models.Customer {
	return &models.Customer{
		ID:             r.ID,
		Name:           r.Name,
		InvoiceRef:     r.InvoiceRef,
		HourlyRate:     r.HourlyRate,
		Currency:       r.Currency,
		VATPercent:     r.VATPercent,
		BillingAddress: r.BillingAddress,
		CostCenter:     r.CostCenter,
		Notes:          r.Notes,
		Archived:       r.Archived,
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      utcPtr(r.UpdatedAt),
	}
}

func insertCustomer(ctx context.Context, tx *sqlx.Tx, c *models.Customer) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO customers (`+customerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.InvoiceRef, c.HourlyRate, c.Currency, c.VATPercent, c.BillingAddress,
		c.CostCenter, c.Notes, boolToInt(c.Archived), c.CreatedAt.UTC(), utcPtr(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert customer %s: %w", c.ID, err)
	}
	return nil
}

// ListCustomers returns customers ordered by name; archived ones only when requested.
func (s *SQLiteStore) ListCustomers(ctx context.Context, filter CustomerFilter) ([]*models.Customer, error) {
	query := "SELECT " + customerColumns + " FROM customers"
	if !filter.IncludeArchived {
		query += " WHERE archived = 0"
	}
	query += " ORDER BY name COLLATE NOCASE, id"

	var rows []customerRow
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("list customers: %w", err)
	}
	out := make([]*models.Customer, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

func (s *SQLiteStore) GetCustomer(ctx context.Context, id string) (*models.Customer, error) {
	var r customerRow
	if err := s.db.GetContext(ctx, &r, "SELECT "+customerColumns+" FROM customers WHERE id = ?", id); err != nil {
		return nil, notFound(err, "customer", id)
	}
	return r.toModel(), nil
}

func (s *SQLiteStore) InsertCustomer(ctx context.Context, c *models.Customer) (*models.Customer, error) {
	c = c.Clone()
	if c.ID == "" {
		c.ID = newULID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := insertCustomer(ctx, tx, c); err != nil {
			return err
		}
		return dropTombstone(ctx, tx, models.CollectionCustomers, c.ID)
	})
	if err != nil {
		return nil, err
	}
	return s.GetCustomer(ctx, c.ID)
}

func (s *SQLiteStore) UpdateCustomer(ctx context.Context, c *models.Customer) (*models.Customer, error) {
	c = c.Clone()
	now := s.now()
	c.UpdatedAt = &now
	if err := c.Validate(); err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE customers SET name = ?, invoice_ref = ?, hourly_rate = ?, currency = ?, vat_percent = ?,
		billing_address = ?, cost_center = ?, notes = ?, archived = ?, updated_at = ? WHERE id = ?`,
		c.Name, c.InvoiceRef, c.HourlyRate, c.Currency, c.VATPercent, c.BillingAddress,
		c.CostCenter, c.Notes, boolToInt(c.Archived), now, c.ID)
	if err != nil {
		return nil, fmt.Errorf("update customer %s: %w", c.ID, err)
	}
	if err := checkAffected(res, "customer", c.ID); err != nil {
		return nil, err
	}
	return s.GetCustomer(ctx, c.ID)
}

// DeleteCustomer hard-deletes a customer. Prefer archiving customers that have time entries.
func (s *SQLiteStore) DeleteCustomer(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM customers WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("delete customer %s: %w", id, err)
		}
		if err := checkAffected(res, "customer", id); err != nil {
			return err
		}
		return addTombstone(ctx, tx, models.CollectionCustomers, id, s.now())
	})
}

func (s *SQLiteStore) ReplaceCustomers(ctx context.Context, expected, customers []*models.Customer) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var rows []customerRow
		if err := tx.SelectContext(ctx, &rows, "SELECT "+customerColumns+" FROM customers"); err != nil {
			return fmt.Errorf("read customers: %w", err)
		}
		current := make([]*models.Customer, len(rows))
		for i, r := range rows {
			current[i] = r.toModel()
		}
		if err := checkUnchanged("customers", current, expected); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM customers"); err != nil {
			return fmt.Errorf("clear customers: %w", err)
		}
		for _, c := range customers {
			if err := insertCustomer(ctx, tx, c); err != nil {
				return err
			}
		}
		return nil
	})
}
