package stock

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"estoque/internal/domain"
	"estoque/internal/sales"
	"estoque/internal/store"
	"estoque/internal/xid"
)

// Engine applies stock deltas. Every operation runs inside one unit of work so
// a product quantity always equals its initial quantity plus inbound minus
// outbound transactions, and never goes below zero.
type Engine struct {
	repo   store.Repository
	logger *zap.Logger
	now    func() time.Time
}

func NewEngine(repo store.Repository, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		repo:   repo,
		logger: logger.Named("stock"),
		now:    func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	}
}

func (e *Engine) Apply(ctx context.Context, req domain.TransactionRequest) (domain.Transaction, error) {
	req.ProductID = strings.TrimSpace(req.ProductID)
	req.ClientID = strings.TrimSpace(req.ClientID)
	if !req.Kind.Valid() {
		return domain.Transaction{}, fmt.Errorf("%w: unknown kind %q", store.ErrInvalidTransaction, req.Kind)
	}
	if req.ProductID == "" || req.Quantity <= 0 {
		return domain.Transaction{}, fmt.Errorf("%w: product and positive quantity required", store.ErrInvalidTransaction)
	}
	if req.Quantity > domain.MaxQuantity {
		return domain.Transaction{}, fmt.Errorf("%w: quantity above %d", store.ErrInvalidTransaction, domain.MaxQuantity)
	}

	at := e.now()
	attachments, err := buildAttachments(req.Attachments, at)
	if err != nil {
		return domain.Transaction{}, err
	}

	var created domain.Transaction
	err = e.repo.Atomic(ctx, func(tx store.Store) error {
		product, err := tx.GetProduct(ctx, req.ProductID)
		if err != nil {
			return fmt.Errorf("product %s: %w", req.ProductID, err)
		}
		if req.ClientID != "" {
			if _, err := tx.GetClient(ctx, req.ClientID); err != nil {
				return fmt.Errorf("client %s: %w", req.ClientID, err)
			}
		}

		next := product.Quantity + req.Kind.Delta(req.Quantity)
		if next < 0 {
			return fmt.Errorf("%w: product %s has %d, requested %d", store.ErrInsufficientStock, product.ID, product.Quantity, req.Quantity)
		}
		if next > domain.MaxQuantity {
			return fmt.Errorf("%w: product %s would exceed %d", store.ErrInvalidTransaction, product.ID, domain.MaxQuantity)
		}

		created = domain.Transaction{
			ID:          xid.New("tx"),
			Kind:        req.Kind,
			ProductID:   product.ID,
			ClientID:    req.ClientID,
			OrderNumber: strings.TrimSpace(req.OrderNumber),
			Quantity:    req.Quantity,
			UnitPrice:   product.UnitPrice,
			TotalPrice:  lineTotal(product.UnitPrice, req.Quantity),
			Notes:       strings.TrimSpace(req.Notes),
			Attachments: attachments,
			CreatedAt:   at,
		}
		if err := tx.InsertTransaction(ctx, created); err != nil {
			return err
		}
		return tx.SetProductQuantity(ctx, product.ID, next)
	})
	if err != nil {
		return domain.Transaction{}, err
	}

	e.logger.Info("transaction applied",
		zap.String("transaction_id", created.ID),
		zap.String("kind", string(created.Kind)),
		zap.String("product_id", created.ProductID),
		zap.Int("quantity", created.Quantity),
	)
	return created, nil
}

// Undo removes a transaction and reverses its delta. A second call for the same
// id fails with store.ErrNotFound.
func (e *Engine) Undo(ctx context.Context, id string) (domain.Transaction, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Transaction{}, fmt.Errorf("%w: transaction id required", store.ErrInvalidTransaction)
	}

	var removed domain.Transaction
	err := e.repo.Atomic(ctx, func(tx store.Store) error {
		deleted, err := tx.DeleteTransaction(ctx, id)
		if err != nil {
			return fmt.Errorf("transaction %s: %w", id, err)
		}
		removed = *deleted

		product, err := tx.GetProduct(ctx, deleted.ProductID)
		if errors.Is(err, store.ErrNotFound) {
			// Product already gone; only the history record is dropped.
			return nil
		}
		if err != nil {
			return err
		}

		next := product.Quantity - deleted.Kind.Delta(deleted.Quantity)
		if next < 0 {
			return fmt.Errorf("%w: undoing %s would leave product %s at %d", store.ErrInsufficientStock, id, product.ID, next)
		}
		if next > domain.MaxQuantity {
			return fmt.Errorf("%w: undoing %s would push product %s above %d", store.ErrInvalidTransaction, id, product.ID, domain.MaxQuantity)
		}
		return tx.SetProductQuantity(ctx, product.ID, next)
	})
	if err != nil {
		return domain.Transaction{}, err
	}

	e.logger.Info("transaction undone",
		zap.String("transaction_id", removed.ID),
		zap.String("kind", string(removed.Kind)),
		zap.String("product_id", removed.ProductID),
		zap.Int("quantity", removed.Quantity),
		zap.Int("attachments", len(removed.Attachments)),
	)
	return removed, nil
}

// ProcessSale records a multi-item checkout. Quantities of repeated products
// are summed before the stock check and either every item is recorded or none.
func (e *Engine) ProcessSale(ctx context.Context, req domain.SaleRequest) (domain.Sale, error) {
	if len(req.Items) == 0 {
		return domain.Sale{}, store.ErrEmptySale
	}
	req.ClientID = strings.TrimSpace(req.ClientID)
	if req.ClientID == "" {
		return domain.Sale{}, fmt.Errorf("%w: client required for a sale", store.ErrInvalidTransaction)
	}

	items := make([]domain.SaleItem, 0, len(req.Items))
	requested := make(map[string]int, len(req.Items))
	order := make([]string, 0, len(req.Items))
	for i, item := range req.Items {
		item.ProductID = strings.TrimSpace(item.ProductID)
		if item.ProductID == "" || item.Quantity <= 0 || item.Quantity > domain.MaxQuantity {
			return domain.Sale{}, fmt.Errorf("%w: item %d needs a product and a quantity between 1 and %d", store.ErrInvalidTransaction, i, domain.MaxQuantity)
		}
		items = append(items, item)
		if _, seen := requested[item.ProductID]; !seen {
			order = append(order, item.ProductID)
		}
		requested[item.ProductID] += item.Quantity
	}

	at := e.now()
	attachments, err := buildAttachments(req.Attachments, at)
	if err != nil {
		return domain.Sale{}, err
	}
	saleID := xid.SaleID(at)

	var created []domain.Transaction
	err = e.repo.Atomic(ctx, func(tx store.Store) error {
		created = make([]domain.Transaction, 0, len(items))
		if _, err := tx.GetClient(ctx, req.ClientID); err != nil {
			return fmt.Errorf("client %s: %w", req.ClientID, err)
		}

		products := make(map[string]domain.Product, len(order))
		for _, productID := range order {
			product, err := tx.GetProduct(ctx, productID)
			if err != nil {
				return fmt.Errorf("product %s: %w", productID, err)
			}
			if requested[productID] > product.Quantity {
				return fmt.Errorf("%w: product %s has %d, sale requests %d", store.ErrInsufficientStock, productID, product.Quantity, requested[productID])
			}
			products[productID] = *product
		}

		for i, item := range items {
			product := products[item.ProductID]
			line := domain.Transaction{
				ID:          xid.SaleItemID(saleID, i),
				Kind:        domain.KindOutbound,
				ProductID:   item.ProductID,
				ClientID:    req.ClientID,
				SaleID:      saleID,
				OrderNumber: strings.TrimSpace(req.OrderNumber),
				Quantity:    item.Quantity,
				UnitPrice:   product.UnitPrice,
				TotalPrice:  lineTotal(product.UnitPrice, item.Quantity),
				Notes:       strings.TrimSpace(req.Notes),
				CreatedAt:   at,
			}
			if i == 0 {
				line.Attachments = attachments
			}
			if err := tx.InsertTransaction(ctx, line); err != nil {
				return err
			}
			created = append(created, line)
		}

		for _, productID := range order {
			remaining := products[productID].Quantity - requested[productID]
			if err := tx.SetProductQuantity(ctx, productID, remaining); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.Sale{}, err
	}

	sale := sales.List(created)[0]
	e.logger.Info("sale processed",
		zap.String("sale_id", saleID),
		zap.String("client_id", req.ClientID),
		zap.Int("items", len(created)),
		zap.String("total", sale.TotalValue.StringFixed(2)),
	)
	return sale, nil
}

func lineTotal(unitPrice decimal.Decimal, qty int) decimal.Decimal {
	return unitPrice.Mul(decimal.NewFromInt(int64(qty)))
}

func buildAttachments(uploads []domain.AttachmentUpload, at time.Time) ([]domain.Attachment, error) {
	if len(uploads) == 0 {
		return nil, nil
	}
	out := make([]domain.Attachment, 0, len(uploads))
	for _, upload := range uploads {
		docType := upload.DocumentType
		if docType == "" {
			docType = domain.DocOther
		}
		if !docType.Valid() {
			return nil, fmt.Errorf("%w: unknown attachment type %q", store.ErrInvalidTransaction, upload.DocumentType)
		}
		name := strings.TrimSpace(upload.FileName)
		if name == "" {
			return nil, fmt.Errorf("%w: attachment name required", store.ErrInvalidTransaction)
		}
		size, err := PayloadSize(upload.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: attachment %s: %v", store.ErrInvalidTransaction, name, err)
		}
		out = append(out, domain.Attachment{
			ID:           xid.New("anexo"),
			FileName:     name,
			DocumentType: docType,
			Payload:      upload.Payload,
			SizeBytes:    size,
			UploadedAt:   at,
		})
	}
	return out, nil
}

// PayloadSize decodes a base64 payload, with or without a data URL header,
// and returns the size of the decoded file.
func PayloadSize(payload string) (int64, error) {
	raw := strings.TrimSpace(payload)
	if strings.HasPrefix(raw, "data:") {
		idx := strings.Index(raw, ",")
		if idx < 0 {
			return 0, errors.New("malformed data url")
		}
		raw = raw[idx+1:]
	}
	if raw == "" {
		return 0, errors.New("empty payload")
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return 0, err
	}
	return int64(len(decoded)), nil
}
