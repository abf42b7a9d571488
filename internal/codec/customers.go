package codec

import (
	"time"

	"github.com/joescharf/daybook/internal/models"
)

type customerWire struct {
	ID             string     `json:"id" validate:"required"`
	Name           string     `json:"name" validate:"required"`
	InvoiceRef     string     `json:"invoice_ref,omitempty"`
	HourlyRate     *float64   `json:"hourly_rate,omitempty"`
	Currency       string     `json:"currency,omitempty"`
	VATPercent     *float64   `json:"vat_percent,omitempty"`
	BillingAddress string     `json:"billing_address,omitempty"`
	CostCenter     string     `json:"cost_center,omitempty"`
	Notes          string     `json:"notes,omitempty"`
	Archived       bool       `json:"archived"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      *time.Time `json:"updated_at,omitempty"`
}

func customerToWire(c *models.Customer) customerWire {
	return customerWire{
		ID:             c.ID,
		Name:           c.Name,
		InvoiceRef:     c.InvoiceRef,
		HourlyRate:     c.HourlyRate,
		Currency:       c.Currency,
		VATPercent:     c.VATPercent,
		BillingAddress: c.BillingAddress,
		CostCenter:     c.CostCenter,
		Notes:          c.Notes,
		Archived:       c.Archived,
		CreatedAt:      c.CreatedAt.UTC(),
		UpdatedAt:      utc(c.UpdatedAt),
	}
}

func customerFromWire(w *customerWire) (*models.Customer, error) {
	c := &models.Customer{
		ID:             w.ID,
		Name:           w.Name,
		InvoiceRef:     w.InvoiceRef,
		HourlyRate:     w.HourlyRate,
		Currency:       w.Currency,
		VATPercent:     w.VATPercent,
		BillingAddress: w.BillingAddress,
		CostCenter:     w.CostCenter,
		Notes:          w.Notes,
		Archived:       w.Archived,
		CreatedAt:      w.CreatedAt.UTC(),
		UpdatedAt:      utc(w.UpdatedAt),
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Customers stores every customer in a single file.
type Customers struct{}

func (Customers) Collection() models.Collection { return models.CollectionCustomers }

func (Customers) Dirs() []string { return []string{CustomersDir} }

func (Customers) Owns(path string) bool { return path == CustomersPath }

func (Customers) Decode(path string, data []byte) ([]*models.Customer, error) {
	return decodeRecords(path, data, customerFromWire)
}

func (Customers) Encode(customers []*models.Customer, prior map[string][]*models.Customer, _ func(string) bool) (map[string][]byte, error) {
	groups := map[string][]*models.Customer{}
	if len(customers) > 0 {
		groups[CustomersPath] = append([]*models.Customer(nil), customers...)
	}
	return encodeGroups(groups, priorPaths(prior), customerToWire)
}
