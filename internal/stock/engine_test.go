package stock

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"estoque/internal/domain"
	"estoque/internal/store"
	"estoque/internal/store/memory"
)

func newTestEngine(t *testing.T, products ...domain.Product) (*Engine, *memory.Store) {
	t.Helper()
	repo := memory.New()
	ctx := context.Background()
	now := time.Now().UTC()

	err := repo.Atomic(ctx, func(tx store.Store) error {
		if err := tx.InsertCategory(ctx, domain.Category{ID: "cat-1", Name: "Geral", Color: domain.DefaultCategoryColor, CreatedAt: now}); err != nil {
			return err
		}
		if err := tx.InsertClient(ctx, domain.Client{ID: "cli-1", Name: "Joana", CreatedAt: now}); err != nil {
			return err
		}
		for _, p := range products {
			if p.CategoryID == "" {
				p.CategoryID = "cat-1"
			}
			if err := tx.InsertProduct(ctx, p); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	return NewEngine(repo, zaptest.NewLogger(t)), repo
}

func quantityOf(t *testing.T, repo *memory.Store, id string) int {
	t.Helper()
	ctx := context.Background()
	var qty int
	require.NoError(t, repo.View(ctx, func(tx store.Store) error {
		p, err := tx.GetProduct(ctx, id)
		if err != nil {
			return err
		}
		qty = p.Quantity
		return nil
	}))
	return qty
}

func transactionCount(t *testing.T, repo *memory.Store) int {
	t.Helper()
	ctx := context.Background()
	var n int
	require.NoError(t, repo.View(ctx, func(tx store.Store) error {
		txs, err := tx.ListTransactions(ctx)
		n = len(txs)
		return err
	}))
	return n
}

func TestApplyOutboundFreezesPriceAndDecrements(t *testing.T) {
	engine, repo := newTestEngine(t, domain.Product{ID: "p1", Name: "Cadeira", UnitPrice: decimal.RequireFromString("12.50"), Quantity: 20})

	tx, err := engine.Apply(context.Background(), domain.TransactionRequest{Kind: domain.KindOutbound, ProductID: "p1", Quantity: 5})
	require.NoError(t, err)

	assert.Equal(t, 15, quantityOf(t, repo, "p1"))
	assert.True(t, decimal.RequireFromString("62.50").Equal(tx.TotalPrice))
	assert.True(t, decimal.RequireFromString("12.50").Equal(tx.UnitPrice))
	assert.Equal(t, 1, transactionCount(t, repo))
}

func TestApplyOutboundInsufficientStock(t *testing.T) {
	engine, repo := newTestEngine(t, domain.Product{ID: "p1", Name: "Mesa", UnitPrice: decimal.NewFromInt(100), Quantity: 2})

	_, err := engine.Apply(context.Background(), domain.TransactionRequest{Kind: domain.KindOutbound, ProductID: "p1", Quantity: 3})
	require.ErrorIs(t, err, store.ErrInsufficientStock)
	assert.Equal(t, 2, quantityOf(t, repo, "p1"))
	assert.Equal(t, 0, transactionCount(t, repo))
}

func TestApplyValidatesInput(t *testing.T) {
	engine, _ := newTestEngine(t, domain.Product{ID: "p1", Name: "Mesa", UnitPrice: decimal.NewFromInt(100), Quantity: 2})
	ctx := context.Background()

	_, err := engine.Apply(ctx, domain.TransactionRequest{Kind: "ajuste", ProductID: "p1", Quantity: 1})
	require.ErrorIs(t, err, store.ErrInvalidTransaction)

	_, err = engine.Apply(ctx, domain.TransactionRequest{Kind: domain.KindInbound, ProductID: "p1", Quantity: 0})
	require.ErrorIs(t, err, store.ErrInvalidTransaction)

	_, err = engine.Apply(ctx, domain.TransactionRequest{Kind: domain.KindInbound, ProductID: "missing", Quantity: 1})
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = engine.Apply(ctx, domain.TransactionRequest{Kind: domain.KindInbound, ProductID: "p1", ClientID: "ghost", Quantity: 1})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestLaterPriceChangeDoesNotTouchPastTransactions(t *testing.T) {
	engine, repo := newTestEngine(t, domain.Product{ID: "p1", Name: "Lápis", UnitPrice: decimal.NewFromInt(2), Quantity: 10})
	ctx := context.Background()

	tx, err := engine.Apply(ctx, domain.TransactionRequest{Kind: domain.KindOutbound, ProductID: "p1", Quantity: 1})
	require.NoError(t, err)

	require.NoError(t, repo.Atomic(ctx, func(st store.Store) error {
		p, err := st.GetProduct(ctx, "p1")
		if err != nil {
			return err
		}
		p.UnitPrice = decimal.NewFromInt(9)
		return st.UpdateProduct(ctx, *p)
	}))

	require.NoError(t, repo.View(ctx, func(st store.Store) error {
		stored, err := st.GetTransaction(ctx, tx.ID)
		require.NoError(t, err)
		assert.True(t, decimal.NewFromInt(2).Equal(stored.UnitPrice))
		return nil
	}))
}

func TestUndoTwiceFailsWithNotFound(t *testing.T) {
	engine, repo := newTestEngine(t, domain.Product{ID: "p1", Name: "Caderno", UnitPrice: decimal.NewFromInt(8), Quantity: 10})
	ctx := context.Background()

	tx, err := engine.Apply(ctx, domain.TransactionRequest{Kind: domain.KindOutbound, ProductID: "p1", Quantity: 4})
	require.NoError(t, err)
	require.Equal(t, 6, quantityOf(t, repo, "p1"))

	_, err = engine.Undo(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, quantityOf(t, repo, "p1"))

	_, err = engine.Undo(ctx, tx.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, 10, quantityOf(t, repo, "p1"))
}

func TestUndoConsumedInboundIsRejected(t *testing.T) {
	engine, repo := newTestEngine(t, domain.Product{ID: "p1", Name: "Toner", UnitPrice: decimal.NewFromInt(90), Quantity: 0})
	ctx := context.Background()

	in, err := engine.Apply(ctx, domain.TransactionRequest{Kind: domain.KindInbound, ProductID: "p1", Quantity: 10})
	require.NoError(t, err)
	_, err = engine.Apply(ctx, domain.TransactionRequest{Kind: domain.KindOutbound, ProductID: "p1", Quantity: 8})
	require.NoError(t, err)

	_, err = engine.Undo(ctx, in.ID)
	require.ErrorIs(t, err, store.ErrInsufficientStock)
	assert.Equal(t, 2, quantityOf(t, repo, "p1"))
	assert.Equal(t, 2, transactionCount(t, repo))
}

func TestUndoWithDeletedProductDropsRecordOnly(t *testing.T) {
	engine, repo := newTestEngine(t, domain.Product{ID: "p1", Name: "Cola", UnitPrice: decimal.NewFromInt(4), Quantity: 3})
	ctx := context.Background()

	tx, err := engine.Apply(ctx, domain.TransactionRequest{Kind: domain.KindOutbound, ProductID: "p1", Quantity: 1})
	require.NoError(t, err)
	require.NoError(t, repo.Atomic(ctx, func(st store.Store) error { return st.DeleteProduct(ctx, "p1") }))

	_, err = engine.Undo(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, transactionCount(t, repo))
}

func TestUndoCascadesAttachments(t *testing.T) {
	engine, repo := newTestEngine(t, domain.Product{ID: "p1", Name: "Tinta", UnitPrice: decimal.NewFromInt(40), Quantity: 0})
	ctx := context.Background()

	tx, err := engine.Apply(ctx, domain.TransactionRequest{
		Kind: domain.KindInbound, ProductID: "p1", Quantity: 5,
		Attachments: []domain.AttachmentUpload{{FileName: "orcamento.pdf", DocumentType: domain.DocSupplierQuote, Payload: "data:application/pdf;base64,JVBERi0xLjQ="}},
	})
	require.NoError(t, err)
	require.Len(t, tx.Attachments, 1)
	assert.EqualValues(t, 8, tx.Attachments[0].SizeBytes)

	removed, err := engine.Undo(ctx, tx.ID)
	require.NoError(t, err)
	assert.Len(t, removed.Attachments, 1)

	require.NoError(t, repo.View(ctx, func(st store.Store) error {
		_, err := st.GetTransaction(ctx, tx.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	}))
}

func TestApplyRejectsBadAttachment(t *testing.T) {
	engine, _ := newTestEngine(t, domain.Product{ID: "p1", Name: "Tinta", UnitPrice: decimal.NewFromInt(40), Quantity: 0})

	_, err := engine.Apply(context.Background(), domain.TransactionRequest{
		Kind: domain.KindInbound, ProductID: "p1", Quantity: 1,
		Attachments: []domain.AttachmentUpload{{FileName: "x.pdf", DocumentType: "contrato", Payload: "JVBERi0="}},
	})
	require.ErrorIs(t, err, store.ErrInvalidTransaction)

	_, err = engine.Apply(context.Background(), domain.TransactionRequest{
		Kind: domain.KindInbound, ProductID: "p1", Quantity: 1,
		Attachments: []domain.AttachmentUpload{{FileName: "x.pdf", Payload: "not base64!"}},
	})
	require.ErrorIs(t, err, store.ErrInvalidTransaction)
}

func TestProcessSaleCumulativeCartCheck(t *testing.T) {
	engine, repo := newTestEngine(t, domain.Product{ID: "p1", Name: "Copo", UnitPrice: decimal.NewFromInt(3), Quantity: 5})

	_, err := engine.ProcessSale(context.Background(), domain.SaleRequest{
		ClientID: "cli-1",
		Items:    []domain.SaleItem{{ProductID: "p1", Quantity: 3}, {ProductID: "p1", Quantity: 3}},
	})
	require.ErrorIs(t, err, store.ErrInsufficientStock)
	assert.Equal(t, 5, quantityOf(t, repo, "p1"))
	assert.Equal(t, 0, transactionCount(t, repo))
}

func TestProcessSaleIsAllOrNothing(t *testing.T) {
	engine, repo := newTestEngine(t,
		domain.Product{ID: "p1", Name: "Prato", UnitPrice: decimal.NewFromInt(10), Quantity: 4},
		domain.Product{ID: "p2", Name: "Garfo", UnitPrice: decimal.NewFromInt(2), Quantity: 1},
	)

	_, err := engine.ProcessSale(context.Background(), domain.SaleRequest{
		ClientID: "cli-1",
		Items:    []domain.SaleItem{{ProductID: "p1", Quantity: 2}, {ProductID: "p2", Quantity: 2}},
	})
	require.ErrorIs(t, err, store.ErrInsufficientStock)
	assert.Equal(t, 4, quantityOf(t, repo, "p1"))
	assert.Equal(t, 1, quantityOf(t, repo, "p2"))
	assert.Equal(t, 0, transactionCount(t, repo))
}

func TestProcessSaleRejectsEmptyAndUnknownClient(t *testing.T) {
	engine, repo := newTestEngine(t, domain.Product{ID: "p1", Name: "Prato", UnitPrice: decimal.NewFromInt(10), Quantity: 4})
	ctx := context.Background()

	_, err := engine.ProcessSale(ctx, domain.SaleRequest{ClientID: "cli-1"})
	require.ErrorIs(t, err, store.ErrEmptySale)

	_, err = engine.ProcessSale(ctx, domain.SaleRequest{ClientID: "ghost", Items: []domain.SaleItem{{ProductID: "p1", Quantity: 1}}})
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = engine.ProcessSale(ctx, domain.SaleRequest{ClientID: "cli-1", Items: []domain.SaleItem{{ProductID: "p1", Quantity: -1}}})
	require.ErrorIs(t, err, store.ErrInvalidTransaction)

	assert.Equal(t, 4, quantityOf(t, repo, "p1"))
}

func TestProcessSaleEmitsOneTransactionPerItem(t *testing.T) {
	engine, repo := newTestEngine(t,
		domain.Product{ID: "p1", Name: "Prato", UnitPrice: decimal.NewFromInt(10), Quantity: 4},
		domain.Product{ID: "p2", Name: "Garfo", UnitPrice: decimal.RequireFromString("2.5"), Quantity: 10},
	)

	sale, err := engine.ProcessSale(context.Background(), domain.SaleRequest{
		ClientID:    "cli-1",
		OrderNumber: "PED-77",
		Items:       []domain.SaleItem{{ProductID: "p1", Quantity: 2}, {ProductID: "p2", Quantity: 4}, {ProductID: "p1", Quantity: 1}},
		Attachments: []domain.AttachmentUpload{{FileName: "nota.pdf", DocumentType: domain.DocCompanyDocument, Payload: "JVBERi0="}},
	})
	require.NoError(t, err)

	require.Len(t, sale.Items, 3)
	assert.Equal(t, sale.SaleID, sale.ID)
	assert.Equal(t, "PED-77", sale.OrderNumber)
	assert.True(t, decimal.NewFromInt(40).Equal(sale.TotalValue))
	assert.Equal(t, 7, sale.TotalQuantity)
	for i, item := range sale.Items {
		assert.Equal(t, sale.SaleID, item.SaleID)
		assert.Equal(t, sale.Items[0].CreatedAt, item.CreatedAt)
		assert.Equal(t, domain.KindOutbound, item.Kind)
		assert.Contains(t, item.ID, "-item-")
		if i > 0 {
			assert.Empty(t, item.Attachments)
		}
	}

	assert.Equal(t, 1, quantityOf(t, repo, "p1"))
	assert.Equal(t, 6, quantityOf(t, repo, "p2"))
}

func TestRandomSequencesNeverGoNegative(t *testing.T) {
	engine, repo := newTestEngine(t,
		domain.Product{ID: "p1", Name: "A", UnitPrice: decimal.NewFromInt(1), Quantity: 5},
		domain.Product{ID: "p2", Name: "B", UnitPrice: decimal.NewFromInt(1), Quantity: 0},
	)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))
	initial := map[string]int{"p1": 5, "p2": 0}
	applied := map[string]domain.Transaction{}

	for i := 0; i < 300; i++ {
		productID := []string{"p1", "p2"}[rng.Intn(2)]
		switch rng.Intn(3) {
		case 0:
			tx, err := engine.Apply(ctx, domain.TransactionRequest{Kind: domain.KindInbound, ProductID: productID, Quantity: 1 + rng.Intn(4)})
			require.NoError(t, err)
			applied[tx.ID] = tx
		case 1:
			tx, err := engine.Apply(ctx, domain.TransactionRequest{Kind: domain.KindOutbound, ProductID: productID, Quantity: 1 + rng.Intn(4)})
			if err == nil {
				applied[tx.ID] = tx
			} else {
				require.ErrorIs(t, err, store.ErrInsufficientStock)
			}
		case 2:
			for id := range applied {
				if _, err := engine.Undo(ctx, id); err == nil {
					delete(applied, id)
				} else {
					require.ErrorIs(t, err, store.ErrInsufficientStock)
				}
				break
			}
		}

		for id, start := range initial {
			qty := quantityOf(t, repo, id)
			require.GreaterOrEqual(t, qty, 0)
			want := start
			for _, tx := range applied {
				if tx.ProductID == id {
					want += tx.Kind.Delta(tx.Quantity)
				}
			}
			require.Equal(t, want, qty, "product %s drifted from its history", id)
		}
	}
}

func TestQuantitiesStayWithinColumnRange(t *testing.T) {
	engine, repo := newTestEngine(t, domain.Product{ID: "p1", Name: "Parafuso", UnitPrice: decimal.RequireFromString("0.10"), Quantity: domain.MaxQuantity - 1})
	ctx := context.Background()

	_, err := engine.Apply(ctx, domain.TransactionRequest{Kind: domain.KindInbound, ProductID: "p1", Quantity: domain.MaxQuantity + 1})
	require.ErrorIs(t, err, store.ErrInvalidTransaction)

	_, err = engine.Apply(ctx, domain.TransactionRequest{Kind: domain.KindInbound, ProductID: "p1", Quantity: 2})
	require.ErrorIs(t, err, store.ErrInvalidTransaction)
	assert.Equal(t, domain.MaxQuantity-1, quantityOf(t, repo, "p1"))

	_, err = engine.ProcessSale(ctx, domain.SaleRequest{ClientID: "cli-1", Items: []domain.SaleItem{{ProductID: "p1", Quantity: domain.MaxQuantity + 1}}})
	require.ErrorIs(t, err, store.ErrInvalidTransaction)

	out, err := engine.Apply(ctx, domain.TransactionRequest{Kind: domain.KindOutbound, ProductID: "p1", Quantity: 1})
	require.NoError(t, err)
	_, err = engine.Apply(ctx, domain.TransactionRequest{Kind: domain.KindInbound, ProductID: "p1", Quantity: 2})
	require.NoError(t, err)
	assert.Equal(t, domain.MaxQuantity, quantityOf(t, repo, "p1"))

	// Giving the sold unit back would overflow the column.
	_, err = engine.Undo(ctx, out.ID)
	require.ErrorIs(t, err, store.ErrInvalidTransaction)
	assert.Equal(t, domain.MaxQuantity, quantityOf(t, repo, "p1"))
	assert.Equal(t, 2, transactionCount(t, repo))
}
