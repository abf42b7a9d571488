package models

import "time"

// Customer is a billable party. Archived customers are hidden from default listings.
type Customer struct {
	ID             string `validate:"required"`
	Name           string `validate:"required"`
	InvoiceRef     string
	HourlyRate     *float64 `validate:"omitempty,gte=0"`
	Currency       string   `validate:"omitempty,len=3"`
	VATPercent     *float64 `validate:"omitempty,gte=0,lte=100"`
	BillingAddress string
	CostCenter     string
	Notes          string
	Archived       bool
	CreatedAt      time.Time
	UpdatedAt      *time.Time
}

// Validate checks the customer invariants.
func (c *Customer) Validate() error {
	return checkStruct("customer", c.ID, c)
}

// RecordID implements merge.Record.
func (c *Customer) RecordID() string { return c.ID }

// Completion implements merge.Record; customers have no completion state.
func (c *Customer) Completion() *time.Time { return nil }

// ModifiedAt implements merge.Record.
func (c *Customer) ModifiedAt() time.Time { return modifiedAt(c.CreatedAt, c.UpdatedAt) }

// Clone returns a deep copy.
func (c *Customer) Clone() *Customer {
	cp := *c
	if c.HourlyRate != nil {
		r := *c.HourlyRate
		cp.HourlyRate = &r
	}
	if c.VATPercent != nil {
		v := *c.VATPercent
		cp.VATPercent = &v
	}
	cp.UpdatedAt = cloneTime(c.UpdatedAt)
	return &cp
}
