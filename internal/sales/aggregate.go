package sales

import (
	"fmt"
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"estoque/internal/domain"
	"estoque/internal/store"
)

const noClient = "no-client"

// Key returns the sale grouping key of an outbound transaction: the stamped
// sale id, else the "venda-<ts>"/"sale-<ts>" part of a legacy id (before any
// "-item-" suffix), else the client and UTC day.
func Key(tx domain.Transaction) string {
	if tx.SaleID != "" {
		return tx.SaleID
	}
	if prefix, ok := legacyPrefix(tx.ID); ok {
		return prefix
	}
	client := tx.ClientID
	if client == "" {
		client = noClient
	}
	return fmt.Sprintf("%s-%s", client, tx.CreatedAt.UTC().Format("2006-01-02"))
}

func legacyPrefix(id string) (string, bool) {
	if !strings.HasPrefix(id, "venda-") && !strings.HasPrefix(id, "sale-") {
		return "", false
	}
	if idx := strings.Index(id, "-item-"); idx >= 0 {
		return id[:idx], true
	}
	// Single-record sales from older clients carry no item suffix.
	return id, true
}

// List groups outbound transactions into sales, newest first. It does not
// modify its input and the result only depends on the set of transactions.
func List(transactions []domain.Transaction) []domain.Sale {
	groups := make(map[string]*domain.Sale)
	for _, tx := range transactions {
		if tx.Kind != domain.KindOutbound {
			continue
		}
		key := Key(tx)
		sale, ok := groups[key]
		if !ok {
			sale = &domain.Sale{ID: key, TotalValue: decimal.Zero, CreatedAt: tx.CreatedAt}
			groups[key] = sale
		}
		sale.Items = append(sale.Items, tx)
		sale.TotalValue = sale.TotalValue.Add(tx.TotalPrice)
		sale.TotalQuantity += tx.Quantity
		if tx.CreatedAt.Before(sale.CreatedAt) {
			sale.CreatedAt = tx.CreatedAt
		}
	}

	out := make([]domain.Sale, 0, len(groups))
	for _, sale := range groups {
		slices.SortFunc(sale.Items, func(a, b domain.Transaction) int {
			if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
				return c
			}
			return strings.Compare(a.ID, b.ID)
		})
		first := sale.Items[0]
		sale.SaleID = first.SaleID
		sale.ClientID = first.ClientID
		sale.OrderNumber = first.OrderNumber
		out = append(out, *sale)
	}

	slices.SortFunc(out, func(a, b domain.Sale) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

func Find(transactions []domain.Transaction, key string) (domain.Sale, error) {
	matching := make([]domain.Transaction, 0, 4)
	for _, tx := range transactions {
		if tx.Kind == domain.KindOutbound && Key(tx) == key {
			matching = append(matching, tx)
		}
	}
	if len(matching) == 0 {
		return domain.Sale{}, fmt.Errorf("%w: sale %s", store.ErrNotFound, key)
	}
	return List(matching)[0], nil
}
