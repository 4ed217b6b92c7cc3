package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"estoque/internal/domain"
	"estoque/internal/stock"
	"estoque/internal/store"
)

func (s *Service) ExportSnapshot(ctx context.Context) (domain.Snapshot, error) {
	var snapshot domain.Snapshot
	err := s.repo.View(ctx, func(tx store.Store) error {
		var err error
		snapshot, err = tx.DumpAll(ctx)
		return err
	})
	if err != nil {
		return domain.Snapshot{}, err
	}
	snapshot.ExportedAt = s.now()

	s.logAudit(ctx, "snapshot_export", "snapshot", "",
		zap.Int("products", len(snapshot.Products)),
		zap.Int("transactions", len(snapshot.Transactions)),
	)
	return snapshot, nil
}

// ImportSnapshot replaces every entity with the snapshot contents. The snapshot
// is checked first; a bad record or a failed insert leaves the store untouched.
// References between entities are not checked.
func (s *Service) ImportSnapshot(ctx context.Context, snapshot domain.Snapshot) (domain.ImportResult, error) {
	normalized, err := normalizeSnapshot(snapshot)
	if err != nil {
		return domain.ImportResult{}, err
	}

	err = s.repo.Atomic(ctx, func(tx store.Store) error {
		return tx.ReplaceAll(ctx, normalized)
	})
	if err != nil {
		return domain.ImportResult{}, fmt.Errorf("%w: %v", store.ErrImportFailure, err)
	}
	s.invalidateSales(ctx)

	result := domain.ImportResult{
		Categories:   len(normalized.Categories),
		Products:     len(normalized.Products),
		Clients:      len(normalized.Clients),
		Transactions: len(normalized.Transactions),
		ImportedAt:   s.now(),
	}
	for _, tx := range normalized.Transactions {
		result.Attachments += len(tx.Attachments)
	}

	s.logAudit(ctx, "snapshot_import", "snapshot", "",
		zap.Int("categories", result.Categories),
		zap.Int("products", result.Products),
		zap.Int("clients", result.Clients),
		zap.Int("transactions", result.Transactions),
		zap.Int("attachments", result.Attachments),
	)
	return result, nil
}

func DecodeSnapshot(r io.Reader) (domain.Snapshot, error) {
	var snapshot domain.Snapshot
	if err := json.NewDecoder(r).Decode(&snapshot); err != nil {
		return domain.Snapshot{}, fmt.Errorf("%w: %w", store.ErrImportFailure, err)
	}
	return snapshot, nil
}

func normalizeSnapshot(in domain.Snapshot) (domain.Snapshot, error) {
	out := domain.Snapshot{
		Categories:   make([]domain.Category, 0, len(in.Categories)),
		Products:     make([]domain.Product, 0, len(in.Products)),
		Clients:      make([]domain.Client, 0, len(in.Clients)),
		Transactions: make([]domain.Transaction, 0, len(in.Transactions)),
		ExportedAt:   in.ExportedAt,
	}

	seen := make(map[string]struct{})
	unique := func(kind string, id string) error {
		if id == "" {
			return importErr("%s without id", kind)
		}
		key := kind + "\x00" + id
		if _, dup := seen[key]; dup {
			return importErr("duplicate %s id %q", kind, id)
		}
		seen[key] = struct{}{}
		return nil
	}

	for _, c := range in.Categories {
		if err := unique("category", c.ID); err != nil {
			return domain.Snapshot{}, err
		}
		if c.Color == "" {
			c.Color = domain.DefaultCategoryColor
		}
		out.Categories = append(out.Categories, c)
	}

	for _, p := range in.Products {
		if err := unique("product", p.ID); err != nil {
			return domain.Snapshot{}, err
		}
		if p.Quantity < 0 || p.UnitPrice.IsNegative() {
			return domain.Snapshot{}, importErr("product %q has negative quantity or price", p.ID)
		}
		if p.Quantity > domain.MaxQuantity {
			return domain.Snapshot{}, importErr("product %q quantity above %d", p.ID, domain.MaxQuantity)
		}
		p.UnitPrice = domain.RoundMoney(p.UnitPrice)
		out.Products = append(out.Products, p)
	}

	for _, c := range in.Clients {
		if err := unique("client", c.ID); err != nil {
			return domain.Snapshot{}, err
		}
		out.Clients = append(out.Clients, c)
	}

	for _, tx := range in.Transactions {
		if err := unique("transaction", tx.ID); err != nil {
			return domain.Snapshot{}, err
		}
		if !tx.Kind.Valid() {
			return domain.Snapshot{}, importErr("transaction %q has unknown kind %q", tx.ID, tx.Kind)
		}
		if tx.Quantity <= 0 || tx.UnitPrice.IsNegative() || tx.TotalPrice.IsNegative() {
			return domain.Snapshot{}, importErr("transaction %q has invalid quantity or price", tx.ID)
		}
		if tx.Quantity > domain.MaxQuantity {
			return domain.Snapshot{}, importErr("transaction %q quantity above %d", tx.ID, domain.MaxQuantity)
		}
		tx.UnitPrice, tx.TotalPrice = importedPrices(tx)

		attachments := make([]domain.Attachment, 0, len(tx.Attachments))
		for _, att := range tx.Attachments {
			if err := unique("attachment", att.ID); err != nil {
				return domain.Snapshot{}, err
			}
			if att.DocumentType == "" {
				att.DocumentType = domain.DocOther
			}
			if !att.DocumentType.Valid() {
				return domain.Snapshot{}, importErr("attachment %q has unknown type %q", att.ID, att.DocumentType)
			}
			size, err := stock.PayloadSize(att.Payload)
			if err != nil {
				return domain.Snapshot{}, importErr("attachment %q: %v", att.ID, err)
			}
			if att.SizeBytes == 0 {
				att.SizeBytes = size
			}
			attachments = append(attachments, att)
		}
		if len(attachments) == 0 {
			attachments = nil
		}
		tx.Attachments = attachments
		out.Transactions = append(out.Transactions, tx)
	}

	return out, nil
}

// importedPrices brings a transaction's prices to cents. A total that matches
// quantity times unit price to the cent, or is missing, is recomputed from the
// rounded unit price; any other recorded total is only rounded.
func importedPrices(tx domain.Transaction) (decimal.Decimal, decimal.Decimal) {
	qty := decimal.NewFromInt(int64(tx.Quantity))
	unit := domain.RoundMoney(tx.UnitPrice)
	drift := tx.TotalPrice.Sub(tx.UnitPrice.Mul(qty)).Abs()
	if tx.TotalPrice.IsZero() || drift.LessThan(halfCent) {
		return unit, unit.Mul(qty)
	}
	return unit, domain.RoundMoney(tx.TotalPrice)
}

var halfCent = decimal.New(5, -3)

func importErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", store.ErrImportFailure, fmt.Sprintf(format, args...))
}
