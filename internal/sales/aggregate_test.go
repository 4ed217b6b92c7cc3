package sales

import (
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"estoque/internal/domain"
	"estoque/internal/store"
)

func outbound(id string, clientID string, qty int, price int64, at time.Time) domain.Transaction {
	unit := decimal.NewFromInt(price)
	return domain.Transaction{
		ID:         id,
		Kind:       domain.KindOutbound,
		ProductID:  "p-" + id,
		ClientID:   clientID,
		Quantity:   qty,
		UnitPrice:  unit,
		TotalPrice: unit.Mul(decimal.NewFromInt(int64(qty))),
		CreatedAt:  at,
	}
}

func TestListGroupsLegacyItemPrefix(t *testing.T) {
	at := time.UnixMilli(1700000000000).UTC()
	txs := []domain.Transaction{
		outbound("venda-1700000000000-item-0", "cli-1", 2, 10, at),
		outbound("venda-1700000000000-item-1", "cli-1", 1, 35, at),
	}

	got := List(txs)
	require.Len(t, got, 1)
	assert.Equal(t, "venda-1700000000000", got[0].ID)
	assert.True(t, decimal.NewFromInt(55).Equal(got[0].TotalValue))
	assert.Equal(t, 3, got[0].TotalQuantity)
	assert.Len(t, got[0].Items, 2)
}

func TestListKeysLegacySaleWithoutItemSuffixByWholeID(t *testing.T) {
	at := time.Date(2024, 3, 10, 15, 0, 0, 0, time.UTC)
	txs := []domain.Transaction{
		outbound("venda-1710082800000", "cli-1", 2, 10, at),
		outbound("venda-1710082900000", "cli-1", 1, 4, at),
	}

	got := List(txs)
	require.Len(t, got, 2)
	assert.Equal(t, "venda-1710082800000", got[0].ID)
	assert.Equal(t, "venda-1710082900000", got[1].ID)
	assert.Equal(t, "venda-1710082800000", Key(txs[0]))

	sale, err := Find(txs, "venda-1710082900000")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(4).Equal(sale.TotalValue))
}

func TestListPrefersStampedSaleID(t *testing.T) {
	at := time.Date(2024, 3, 10, 15, 0, 0, 0, time.UTC)
	a := outbound("tx-a", "cli-1", 1, 5, at)
	a.SaleID = "venda-1-abc"
	b := outbound("tx-b", "cli-1", 1, 5, at)
	b.SaleID = "venda-2-def"

	got := List([]domain.Transaction{a, b})
	require.Len(t, got, 2)
	for _, sale := range got {
		assert.NotEmpty(t, sale.SaleID)
	}
}

func TestListFallsBackToClientAndDay(t *testing.T) {
	morning := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	evening := time.Date(2024, 3, 10, 20, 0, 0, 0, time.UTC)
	nextDay := time.Date(2024, 3, 11, 9, 0, 0, 0, time.UTC)

	txs := []domain.Transaction{
		outbound("t1", "cli-1", 1, 10, morning),
		outbound("t2", "cli-1", 2, 10, evening),
		outbound("t3", "cli-1", 1, 10, nextDay),
		outbound("t4", "", 1, 10, morning),
	}

	got := List(txs)
	require.Len(t, got, 3)
	assert.Equal(t, "cli-1-2024-03-11", got[0].ID)
	keys := []string{got[1].ID, got[2].ID}
	assert.ElementsMatch(t, []string{"cli-1-2024-03-10", "no-client-2024-03-10"}, keys)

	for _, sale := range got {
		if sale.ID == "cli-1-2024-03-10" {
			assert.Equal(t, morning, sale.CreatedAt)
			assert.Equal(t, 3, sale.TotalQuantity)
		}
	}
}

func TestListIgnoresInboundAndKeepsDanglingRefs(t *testing.T) {
	at := time.Now().UTC()
	in := outbound("t-in", "cli-1", 5, 1, at)
	in.Kind = domain.KindInbound
	dangling := outbound("t-out", "cli-removed", 1, 3, at)
	dangling.ProductID = "prod-removed"

	got := List([]domain.Transaction{in, dangling})
	require.Len(t, got, 1)
	assert.Equal(t, "prod-removed", got[0].Items[0].ProductID)
}

func TestListIsDeterministicAcrossInputOrder(t *testing.T) {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	txs := []domain.Transaction{
		outbound("venda-1-item-0", "c1", 1, 3, base),
		outbound("venda-1-item-1", "c1", 2, 4, base),
		outbound("legacy-a", "c2", 1, 9, base.Add(time.Hour)),
		outbound("legacy-b", "c3", 1, 9, base.Add(time.Hour)),
		outbound("sale-9-item-0", "", 3, 1, base.Add(-time.Hour)),
	}
	want := List(txs)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 20; i++ {
		shuffled := append([]domain.Transaction(nil), txs...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		assert.Equal(t, want, List(shuffled))
	}
	assert.Equal(t, "venda-1-item-0", txs[0].ID, "input must not be reordered")
}

func TestFindReturnsNotFound(t *testing.T) {
	_, err := Find(nil, "venda-missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}
