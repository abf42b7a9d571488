package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joescharf/daybook/internal/models"
	"github.com/joescharf/daybook/internal/output"
	"github.com/joescharf/daybook/internal/store"
)

var (
	customerRate       float64
	customerCurrency   string
	customerVAT        float64
	customerInvoiceRef string
	customerAddress    string
	customerCostCenter string
	customerNotes      string
	customerName       string
	customerAll        bool
)

var customerCmd = &cobra.Command{
	Use:     "customer",
	Aliases: []string{"customers", "c"},
	Short:   "Manage customers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return customerListRun()
	},
}

var customerAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add a customer",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return customerAddRun(cmd, strings.Join(args, " "))
	},
}

var customerListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List customers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return customerListRun()
	},
}

var customerEditCmd = &cobra.Command{
	Use:   "edit <customer>",
	Short: "Edit a customer's billing details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return customerEditRun(cmd, args[0])
	},
}

var customerArchiveCmd = &cobra.Command{
	Use:   "archive <customer>",
	Short: "Hide a customer from default listings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return customerSetArchivedRun(args[0], true)
	},
}

var customerUnarchiveCmd = &cobra.Command{
	Use:   "unarchive <customer>",
	Short: "Restore an archived customer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return customerSetArchivedRun(args[0], false)
	},
}

var customerDeleteCmd = &cobra.Command{
	Use:   "delete <customer>",
	Short: "Delete a customer with no time entries",
	Long: `Delete a customer permanently.

Customers that still have time entries cannot be deleted; archive them instead.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return customerDeleteRun(args[0])
	},
}

func init() {
	for _, c := range []*cobra.Command{customerAddCmd, customerEditCmd} {
		c.Flags().Float64Var(&customerRate, "rate", 0, "Hourly rate")
		c.Flags().StringVar(&customerCurrency, "currency", "", "ISO 4217 currency code, e.g. EUR")
		c.Flags().Float64Var(&customerVAT, "vat", 0, "VAT percent (0-100)")
		c.Flags().StringVar(&customerInvoiceRef, "invoice-ref", "", "Invoice reference")
		c.Flags().StringVar(&customerAddress, "address", "", "Billing address")
		c.Flags().StringVar(&customerCostCenter, "cost-center", "", "Cost center")
		c.Flags().StringVar(&customerNotes, "notes", "", "Free-form notes")
	}
	customerEditCmd.Flags().StringVar(&customerName, "name", "", "New name")
	customerListCmd.Flags().BoolVar(&customerAll, "all", false, "Include archived customers")

	customerCmd.AddCommand(customerAddCmd)
	customerCmd.AddCommand(customerListCmd)
	customerCmd.AddCommand(customerEditCmd)
	customerCmd.AddCommand(customerArchiveCmd)
	customerCmd.AddCommand(customerUnarchiveCmd)
	customerCmd.AddCommand(customerDeleteCmd)
	rootCmd.AddCommand(customerCmd)
}

// applyCustomerFlags copies the flags the user set onto c.
func applyCustomerFlags(cmd *cobra.Command, c *models.Customer) bool {
	changed := false
	f := cmd.Flags()
	if f.Changed("name") {
		c.Name = strings.TrimSpace(customerName)
		changed = true
	}
	if f.Changed("rate") {
		r := customerRate
		c.HourlyRate = &r
		changed = true
	}
	if f.Changed("currency") {
		c.Currency = strings.ToUpper(customerCurrency)
		changed = true
	}
	if f.Changed("vat") {
		v := customerVAT
		c.VATPercent = &v
		changed = true
	}
	if f.Changed("invoice-ref") {
		c.InvoiceRef = customerInvoiceRef
		changed = true
	}
	if f.Changed("address") {
		c.BillingAddress = customerAddress
		changed = true
	}
	if f.Changed("cost-center") {
		c.CostCenter = customerCostCenter
		changed = true
	}
	if f.Changed("notes") {
		c.Notes = customerNotes
		changed = true
	}
	return changed
}

// resolveCustomer finds a customer by id, unique id prefix, or case-insensitive name.
func resolveCustomer(ctx context.Context, s store.Store, ref string) (*models.Customer, error) {
	if c, err := s.GetCustomer(ctx, ref); err == nil {
		return c, nil
	}
	all, err := s.ListCustomers(ctx, store.CustomerFilter{IncludeArchived: true})
	if err != nil {
		return nil, err
	}
	var matches []*models.Customer
	for _, c := range all {
		if strings.EqualFold(c.Name, ref) {
			return c, nil
		}
		if strings.HasPrefix(strings.ToLower(c.ID), strings.ToLower(ref)) {
			matches = append(matches, c)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("customer %s: %w", ref, store.ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous customer %s: matches %d customers", ref, len(matches))
	}
}

func customerAddRun(cmd *cobra.Command, name string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	c := &models.Customer{Name: strings.TrimSpace(name)}
	applyCustomerFlags(cmd, c)

	if dryRun {
		ui.DryRunMsg("Would add customer: %s", c.Name)
		return nil
	}

	created, err := s.InsertCustomer(context.Background(), c)
	if err != nil {
		return fmt.Errorf("add customer: %w", err)
	}
	ui.Success("Added customer %s: %s", output.Cyan(shortID(created.ID)), created.Name)
	return nil
}

func customerListRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	list, err := s.ListCustomers(context.Background(), store.CustomerFilter{IncludeArchived: customerAll})
	if err != nil {
		return err
	}
	if len(list) == 0 {
		ui.Info("No customers yet. Use 'daybook customer add <name>' to create one.")
		return nil
	}

	table := ui.Table([]string{"ID", "Name", "Rate", "VAT", "Invoice Ref", "Archived"})
	for _, c := range list {
		rate := ""
		if c.HourlyRate != nil {
			rate = strings.TrimSpace(fmt.Sprintf("%.2f %s", *c.HourlyRate, c.Currency))
		}
		vat := ""
		if c.VATPercent != nil {
			vat = fmt.Sprintf("%g%%", *c.VATPercent)
		}
		archived := ""
		if c.Archived {
			archived = output.Yellow("yes")
		}
		_ = table.Append([]string{shortID(c.ID), c.Name, rate, vat, c.InvoiceRef, archived})
	}
	_ = table.Render()
	return nil
}

func customerEditRun(cmd *cobra.Command, ref string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()
	c, err := resolveCustomer(ctx, s, ref)
	if err != nil {
		return err
	}
	if !applyCustomerFlags(cmd, c) {
		return fmt.Errorf("no updates specified (use --name, --rate, --currency, --vat, --invoice-ref, --address, --cost-center or --notes)")
	}

	if dryRun {
		ui.DryRunMsg("Would update customer %s", c.Name)
		return nil
	}
	if _, err := s.UpdateCustomer(ctx, c); err != nil {
		return fmt.Errorf("update customer: %w", err)
	}
	ui.Success("Updated customer %s", c.Name)
	return nil
}

func customerSetArchivedRun(ref string, archived bool) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()
	c, err := resolveCustomer(ctx, s, ref)
	if err != nil {
		return err
	}
	verb := "Archived"
	if !archived {
		verb = "Unarchived"
	}
	if c.Archived == archived {
		ui.Info("%s is already %s", c.Name, strings.ToLower(verb))
		return nil
	}

	if dryRun {
		ui.DryRunMsg("Would set archived=%t on %s", archived, c.Name)
		return nil
	}
	c.Archived = archived
	if _, err := s.UpdateCustomer(ctx, c); err != nil {
		return fmt.Errorf("update customer: %w", err)
	}
	ui.Success("%s %s", verb, c.Name)
	return nil
}

func customerDeleteRun(ref string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()
	c, err := resolveCustomer(ctx, s, ref)
	if errors.Is(err, store.ErrNotFound) {
		ui.Info("Customer %s does not exist; nothing to delete", ref)
		return nil
	}
	if err != nil {
		return err
	}
	entries, err := s.ListTimeEntries(ctx, store.TimeEntryFilter{CustomerID: c.ID})
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		return fmt.Errorf("customer %s has %d time entries; archive it instead", c.Name, len(entries))
	}

	if dryRun {
		ui.DryRunMsg("Would delete customer %s", c.Name)
		return nil
	}
	if err := s.DeleteCustomer(ctx, c.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("delete customer: %w", err)
	}
	ui.Success("Deleted customer %s", c.Name)
	return nil
}
