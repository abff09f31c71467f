package erp

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"
)

// Domain identifies one of the data categories synchronized from the ERP.
type Domain string

const (
	DomainCustomers Domain = "customers"
	DomainProducts  Domain = "products"
	DomainPrices    Domain = "prices"
	DomainOrders    Domain = "orders"
	DomainDDT       Domain = "ddt"
	DomainInvoices  Domain = "invoices"
)

// Domains lists every sync domain in a stable order.
var Domains = []Domain{
	DomainCustomers,
	DomainProducts,
	DomainPrices,
	DomainOrders,
	DomainDDT,
	DomainInvoices,
}

// ParseDomain validates a domain name coming from config, CLI or HTTP.
func ParseDomain(s string) (Domain, error) {
	d := Domain(s)
	for _, known := range Domains {
		if d == known {
			return d, nil
		}
	}
	return "", fmt.Errorf("unknown sync domain: %q", s)
}

// Item is one record extracted from the ERP for a domain.
// Fields holds the semantically meaningful columns keyed by a stable name;
// presentation-only values (row numbers, pagination artifacts) must not be included
// because they feed the content hash.
type Item struct {
	ID     string
	Fields map[string]string
}

// Hash returns a content hash over the item's fields in canonical (sorted) order.
// Two items with equal IDs and equal hashes are considered unchanged.
func (it Item) Hash() string {
	keys := make([]string, 0, len(it.Fields))
	for k := range it.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(it.Fields[k]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// OrderLine is one row of an order to be placed through the ERP UI.
type OrderLine struct {
	ProductCode string  `json:"product_code"`
	Variant     string  `json:"variant,omitempty"`
	Quantity    float64 `json:"quantity"`
	Note        string  `json:"note,omitempty"`
}

// Order is the payload for one order placement.
type Order struct {
	UserID       string      `json:"user_id"`
	CustomerCode string      `json:"customer_code"`
	Lines        []OrderLine `json:"lines"`
	RequestedAt  time.Time   `json:"requested_at"`
}

// Validate checks the minimal invariants before an order may be enqueued.
func (o Order) Validate() error {
	if o.UserID == "" {
		return fmt.Errorf("order requires a user id")
	}
	if o.CustomerCode == "" {
		return fmt.Errorf("order requires a customer code")
	}
	if len(o.Lines) == 0 {
		return fmt.Errorf("order requires at least one line")
	}
	for i, l := range o.Lines {
		if l.ProductCode == "" {
			return fmt.Errorf("order line %d missing product code", i)
		}
		if l.Quantity <= 0 {
			return fmt.Errorf("order line %d has non-positive quantity", i)
		}
	}
	return nil
}
