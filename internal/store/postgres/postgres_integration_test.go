package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"estoque/internal/domain"
	"estoque/internal/store"
)

func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("ESTOQUE_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set ESTOQUE_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return s
}

func TestAtomicRollsBackStockAndHistory(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	stamp := time.Now().UnixNano()
	productID := fmt.Sprintf("prod-it-%d", stamp)
	txID := fmt.Sprintf("tx-it-%d", stamp)
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_transactions WHERE id = $1`, txID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID)
	})

	err := s.Atomic(ctx, func(tx store.Store) error {
		return tx.InsertProduct(ctx, domain.Product{
			ID: productID, Name: "Produto IT", UnitPrice: decimal.RequireFromString("12.50"),
			Quantity: 10, CategoryID: "cat-it", CreatedAt: time.Now().UTC(),
		})
	})
	if err != nil {
		t.Fatalf("insert product: %v", err)
	}

	boom := errors.New("boom")
	err = s.Atomic(ctx, func(tx store.Store) error {
		if err := tx.InsertTransaction(ctx, domain.Transaction{
			ID: txID, Kind: domain.KindOutbound, ProductID: productID, Quantity: 4,
			UnitPrice: decimal.RequireFromString("12.50"), TotalPrice: decimal.RequireFromString("50.00"),
			Attachments: []domain.Attachment{{ID: txID + "-a", FileName: "nf.pdf", DocumentType: domain.DocOther, Payload: "eA==", SizeBytes: 1, UploadedAt: time.Now().UTC()}},
			CreatedAt:   time.Now().UTC(),
		}); err != nil {
			return err
		}
		if err := tx.SetProductQuantity(ctx, productID, 6); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	err = s.View(ctx, func(tx store.Store) error {
		p, err := tx.GetProduct(ctx, productID)
		if err != nil {
			return err
		}
		if p.Quantity != 10 {
			return fmt.Errorf("expected quantity 10 after rollback, got %d", p.Quantity)
		}
		if !p.UnitPrice.Equal(decimal.RequireFromString("12.5")) {
			return fmt.Errorf("unexpected price %s", p.UnitPrice)
		}
		if _, err := tx.GetTransaction(ctx, txID); !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("expected transaction to be rolled back, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestDeleteTransactionReturnsAttachments(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	txID := fmt.Sprintf("tx-it-del-%d", time.Now().UnixNano())
	at := time.Now().UTC().Truncate(time.Millisecond)
	err := s.Atomic(ctx, func(tx store.Store) error {
		return tx.InsertTransaction(ctx, domain.Transaction{
			ID: txID, Kind: domain.KindInbound, ProductID: "prod-it-missing", Quantity: 1,
			UnitPrice: decimal.Zero, TotalPrice: decimal.Zero, CreatedAt: at,
			Attachments: []domain.Attachment{
				{ID: txID + "-a1", FileName: "a.pdf", DocumentType: domain.DocSupplierQuote, Payload: "eA==", SizeBytes: 1, UploadedAt: at},
				{ID: txID + "-a2", FileName: "b.pdf", DocumentType: domain.DocCompanyDocument, Payload: "eHg=", SizeBytes: 2, UploadedAt: at},
			},
		})
	})
	if err != nil {
		t.Fatalf("insert transaction: %v", err)
	}

	var removed *domain.Transaction
	err = s.Atomic(ctx, func(tx store.Store) error {
		var err error
		removed, err = tx.DeleteTransaction(ctx, txID)
		return err
	})
	if err != nil {
		t.Fatalf("delete transaction: %v", err)
	}
	if len(removed.Attachments) != 2 || removed.Attachments[0].FileName != "a.pdf" {
		t.Fatalf("unexpected attachments %+v", removed.Attachments)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM transaction_attachments WHERE transaction_id = $1`, txID).Scan(&count); err != nil {
		t.Fatalf("count attachments: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected attachments to cascade, got %d", count)
	}

	err = s.Atomic(ctx, func(tx store.Store) error {
		_, err := tx.DeleteTransaction(ctx, txID)
		return err
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}
