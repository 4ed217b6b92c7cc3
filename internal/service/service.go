package service

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"estoque/internal/cache"
	"estoque/internal/domain"
	"estoque/internal/sales"
	"estoque/internal/stock"
	"estoque/internal/store"
	"estoque/internal/xid"
)

const salesCacheKey = "sales:all"

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Options struct {
	SalesCacheTTL     time.Duration
	LowStockThreshold int
}

type Service struct {
	repo       store.Repository
	engine     *stock.Engine
	salesCache cache.SalesCache
	opts       Options
	logger     *zap.Logger
	now        func() time.Time

	// salesGen counts sales invalidations; a list built across one is not cached.
	salesGen atomic.Uint64
}

func New(repo store.Repository, engine *stock.Engine, salesCache cache.SalesCache, opts Options, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if engine == nil {
		engine = stock.NewEngine(repo, logger)
	}
	if salesCache == nil {
		salesCache = cache.NoopSalesCache{}
	}
	if opts.SalesCacheTTL <= 0 {
		opts.SalesCacheTTL = time.Minute
	}
	if opts.LowStockThreshold < 1 {
		opts.LowStockThreshold = 5
	}

	return &Service{
		repo:       repo,
		engine:     engine,
		salesCache: salesCache,
		opts:       opts,
		logger:     logger.Named("service"),
		now:        func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	}
}

func (s *Service) ListCategories(ctx context.Context) ([]domain.Category, error) {
	var out []domain.Category
	err := s.repo.View(ctx, func(tx store.Store) error {
		var err error
		out, err = tx.ListCategories(ctx)
		return err
	})
	return out, err
}

func (s *Service) CreateCategory(ctx context.Context, req domain.CategoryRequest) (domain.Category, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.Category{}, fmt.Errorf("%w: category name required", store.ErrInvalidTransaction)
	}
	category := domain.Category{
		ID:          xid.New("cat"),
		Name:        name,
		Description: strings.TrimSpace(req.Description),
		Color:       defaultString(strings.TrimSpace(req.Color), domain.DefaultCategoryColor),
		CreatedAt:   s.now(),
	}

	err := s.repo.Atomic(ctx, func(tx store.Store) error {
		return tx.InsertCategory(ctx, category)
	})
	if err != nil {
		return domain.Category{}, err
	}
	s.logAudit(ctx, "category_create", "category", category.ID, zap.String("name", category.Name))
	return category, nil
}

func (s *Service) UpdateCategory(ctx context.Context, id string, req domain.CategoryRequest) (domain.Category, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.Category{}, fmt.Errorf("%w: category name required", store.ErrInvalidTransaction)
	}

	var updated domain.Category
	err := s.repo.Atomic(ctx, func(tx store.Store) error {
		existing, err := tx.GetCategory(ctx, id)
		if err != nil {
			return fmt.Errorf("category %s: %w", id, err)
		}
		updated = *existing
		updated.Name = name
		updated.Description = strings.TrimSpace(req.Description)
		updated.Color = defaultString(strings.TrimSpace(req.Color), existing.Color)
		return tx.UpdateCategory(ctx, updated)
	})
	if err != nil {
		return domain.Category{}, err
	}
	s.logAudit(ctx, "category_update", "category", id)
	return updated, nil
}

// DeleteCategory refuses while any product still points at the category.
func (s *Service) DeleteCategory(ctx context.Context, id string) error {
	err := s.repo.Atomic(ctx, func(tx store.Store) error {
		if _, err := tx.GetCategory(ctx, id); err != nil {
			return fmt.Errorf("category %s: %w", id, err)
		}
		count, err := tx.CountProductsByCategory(ctx, id)
		if err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w: category %s is used by %d products", store.ErrReferentialConflict, id, count)
		}
		return tx.DeleteCategory(ctx, id)
	})
	if err != nil {
		return err
	}
	s.logAudit(ctx, "category_delete", "category", id)
	return nil
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	var out []domain.Product
	err := s.repo.View(ctx, func(tx store.Store) error {
		var err error
		out, err = tx.ListProducts(ctx)
		return err
	})
	return out, err
}

func (s *Service) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	var out domain.Product
	err := s.repo.View(ctx, func(tx store.Store) error {
		p, err := tx.GetProduct(ctx, id)
		if err != nil {
			return fmt.Errorf("product %s: %w", id, err)
		}
		out = *p
		return nil
	})
	return out, err
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	name := strings.TrimSpace(req.Name)
	categoryID := strings.TrimSpace(req.CategoryID)
	if name == "" || categoryID == "" {
		return domain.Product{}, fmt.Errorf("%w: product name and category required", store.ErrInvalidTransaction)
	}
	if req.UnitPrice.IsNegative() || req.Quantity < 0 {
		return domain.Product{}, fmt.Errorf("%w: price and quantity must not be negative", store.ErrInvalidTransaction)
	}
	if req.Quantity > domain.MaxQuantity {
		return domain.Product{}, fmt.Errorf("%w: quantity above %d", store.ErrInvalidTransaction, domain.MaxQuantity)
	}

	product := domain.Product{
		ID:          xid.New("prod"),
		Name:        name,
		UnitPrice:   domain.RoundMoney(req.UnitPrice),
		Quantity:    req.Quantity,
		CategoryID:  categoryID,
		Description: strings.TrimSpace(req.Description),
		CreatedAt:   s.now(),
	}
	err := s.repo.Atomic(ctx, func(tx store.Store) error {
		if _, err := tx.GetCategory(ctx, categoryID); err != nil {
			return fmt.Errorf("category %s: %w", categoryID, err)
		}
		return tx.InsertProduct(ctx, product)
	})
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_create", "product", product.ID,
		zap.String("name", product.Name),
		zap.String("price", product.UnitPrice.String()),
		zap.Int("quantity", product.Quantity),
	)
	return product, nil
}

func (s *Service) UpdateProduct(ctx context.Context, id string, req domain.ProductUpdateRequest) (domain.Product, error) {
	var updated domain.Product
	err := s.repo.Atomic(ctx, func(tx store.Store) error {
		existing, err := tx.GetProduct(ctx, id)
		if err != nil {
			return fmt.Errorf("product %s: %w", id, err)
		}
		updated = *existing

		if req.Name != nil {
			name := strings.TrimSpace(*req.Name)
			if name == "" {
				return fmt.Errorf("%w: product name required", store.ErrInvalidTransaction)
			}
			updated.Name = name
		}
		if req.UnitPrice != nil {
			if req.UnitPrice.IsNegative() {
				return fmt.Errorf("%w: price must not be negative", store.ErrInvalidTransaction)
			}
			updated.UnitPrice = domain.RoundMoney(*req.UnitPrice)
		}
		if req.CategoryID != nil {
			categoryID := strings.TrimSpace(*req.CategoryID)
			if _, err := tx.GetCategory(ctx, categoryID); err != nil {
				return fmt.Errorf("category %s: %w", categoryID, err)
			}
			updated.CategoryID = categoryID
		}
		if req.Description != nil {
			updated.Description = strings.TrimSpace(*req.Description)
		}
		return tx.UpdateProduct(ctx, updated)
	})
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_update", "product", id, zap.String("price", updated.UnitPrice.String()))
	return updated, nil
}

// DeleteProduct keeps the product's transactions; they become dangling history.
func (s *Service) DeleteProduct(ctx context.Context, id string) error {
	err := s.repo.Atomic(ctx, func(tx store.Store) error {
		if err := tx.DeleteProduct(ctx, id); err != nil {
			return fmt.Errorf("product %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logAudit(ctx, "product_delete", "product", id)
	return nil
}

func (s *Service) ListClients(ctx context.Context) ([]domain.Client, error) {
	var out []domain.Client
	err := s.repo.View(ctx, func(tx store.Store) error {
		var err error
		out, err = tx.ListClients(ctx)
		return err
	})
	return out, err
}

func (s *Service) CreateClient(ctx context.Context, req domain.ClientRequest) (domain.Client, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.Client{}, fmt.Errorf("%w: client name required", store.ErrInvalidTransaction)
	}
	client := domain.Client{
		ID:        xid.New("cli"),
		Name:      name,
		Email:     strings.TrimSpace(req.Email),
		Phone:     strings.TrimSpace(req.Phone),
		TaxID:     strings.TrimSpace(req.TaxID),
		CreatedAt: s.now(),
	}
	err := s.repo.Atomic(ctx, func(tx store.Store) error {
		return tx.InsertClient(ctx, client)
	})
	if err != nil {
		return domain.Client{}, err
	}
	s.logAudit(ctx, "client_create", "client", client.ID)
	return client, nil
}

func (s *Service) UpdateClient(ctx context.Context, id string, req domain.ClientRequest) (domain.Client, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.Client{}, fmt.Errorf("%w: client name required", store.ErrInvalidTransaction)
	}

	var updated domain.Client
	err := s.repo.Atomic(ctx, func(tx store.Store) error {
		existing, err := tx.GetClient(ctx, id)
		if err != nil {
			return fmt.Errorf("client %s: %w", id, err)
		}
		updated = *existing
		updated.Name = name
		updated.Email = strings.TrimSpace(req.Email)
		updated.Phone = strings.TrimSpace(req.Phone)
		updated.TaxID = strings.TrimSpace(req.TaxID)
		return tx.UpdateClient(ctx, updated)
	})
	if err != nil {
		return domain.Client{}, err
	}
	s.logAudit(ctx, "client_update", "client", id)
	return updated, nil
}

func (s *Service) DeleteClient(ctx context.Context, id string) error {
	err := s.repo.Atomic(ctx, func(tx store.Store) error {
		if err := tx.DeleteClient(ctx, id); err != nil {
			return fmt.Errorf("client %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logAudit(ctx, "client_delete", "client", id)
	return nil
}

// ListTransactions returns the history newest first.
func (s *Service) ListTransactions(ctx context.Context) ([]domain.Transaction, error) {
	txs, err := s.transactions(ctx)
	if err != nil {
		return nil, err
	}
	slices.Reverse(txs)
	return txs, nil
}

func (s *Service) ApplyTransaction(ctx context.Context, req domain.TransactionRequest) (domain.Transaction, error) {
	tx, err := s.engine.Apply(ctx, req)
	if err != nil {
		return domain.Transaction{}, err
	}
	s.invalidateSales(ctx)
	s.logAudit(ctx, "transaction_create", "transaction", tx.ID,
		zap.String("kind", string(tx.Kind)),
		zap.Int("quantity", tx.Quantity),
	)
	return tx, nil
}

func (s *Service) UndoTransaction(ctx context.Context, id string) (domain.Transaction, error) {
	tx, err := s.engine.Undo(ctx, id)
	if err != nil {
		return domain.Transaction{}, err
	}
	s.invalidateSales(ctx)
	s.logAudit(ctx, "transaction_undo", "transaction", tx.ID)
	return tx, nil
}

func (s *Service) ProcessSale(ctx context.Context, req domain.SaleRequest) (domain.Sale, error) {
	sale, err := s.engine.ProcessSale(ctx, req)
	if err != nil {
		return domain.Sale{}, err
	}
	s.invalidateSales(ctx)
	s.logAudit(ctx, "sale_create", "sale", sale.ID,
		zap.Int("items", len(sale.Items)),
		zap.String("total", sale.TotalValue.StringFixed(2)),
	)
	return sale, nil
}

func (s *Service) ListSales(ctx context.Context) ([]domain.Sale, error) {
	cached, found, err := s.salesCache.Get(ctx, salesCacheKey)
	if err != nil {
		s.logger.Warn("sales cache read failed", zap.Error(err))
	}
	if found {
		return cached, nil
	}

	gen := s.salesGen.Load()
	txs, err := s.transactions(ctx)
	if err != nil {
		return nil, err
	}
	list := sales.List(txs)
	if s.salesGen.Load() != gen {
		return list, nil
	}
	if err := s.salesCache.Set(ctx, salesCacheKey, list, s.opts.SalesCacheTTL); err != nil {
		s.logger.Warn("sales cache write failed", zap.Error(err))
	}
	// A write that committed while Set was in flight may have deleted the key
	// before Set landed.
	if s.salesGen.Load() != gen {
		s.dropSales(ctx)
	}
	return list, nil
}

func (s *Service) GetSale(ctx context.Context, key string) (domain.Sale, error) {
	txs, err := s.transactions(ctx)
	if err != nil {
		return domain.Sale{}, err
	}
	return sales.Find(txs, key)
}

func (s *Service) Dashboard(ctx context.Context) (domain.Dashboard, error) {
	var (
		products []domain.Product
		clients  []domain.Client
	)
	err := s.repo.View(ctx, func(tx store.Store) error {
		var err error
		if products, err = tx.ListProducts(ctx); err != nil {
			return err
		}
		clients, err = tx.ListClients(ctx)
		return err
	})
	if err != nil {
		return domain.Dashboard{}, err
	}
	saleList, err := s.ListSales(ctx)
	if err != nil {
		return domain.Dashboard{}, err
	}

	dash := domain.Dashboard{
		Products:      len(products),
		Clients:       len(clients),
		Sales:         len(saleList),
		Revenue:       decimal.Zero,
		StockValue:    decimal.Zero,
		LowStock:      make([]domain.Product, 0, 8),
		LowStockLimit: s.opts.LowStockThreshold,
	}
	for _, p := range products {
		dash.StockValue = dash.StockValue.Add(p.UnitPrice.Mul(decimal.NewFromInt(int64(p.Quantity))))
		switch {
		case p.Quantity == 0:
			dash.OutOfStock++
		case p.Quantity <= s.opts.LowStockThreshold:
			dash.LowStock = append(dash.LowStock, p)
		}
	}
	slices.SortFunc(dash.LowStock, func(a, b domain.Product) int {
		if a.Quantity != b.Quantity {
			return a.Quantity - b.Quantity
		}
		return strings.Compare(a.Name, b.Name)
	})
	for _, sale := range saleList {
		dash.Revenue = dash.Revenue.Add(sale.TotalValue)
	}
	dash.RecentSales = saleList[:min(5, len(saleList))]
	return dash, nil
}

func (s *Service) transactions(ctx context.Context) ([]domain.Transaction, error) {
	var out []domain.Transaction
	err := s.repo.View(ctx, func(tx store.Store) error {
		var err error
		out, err = tx.ListTransactions(ctx)
		return err
	})
	return out, err
}

// invalidateSales must run after the mutation has committed.
func (s *Service) invalidateSales(ctx context.Context) {
	s.salesGen.Add(1)
	s.dropSales(ctx)
}

func (s *Service) dropSales(ctx context.Context) {
	if err := s.salesCache.Delete(ctx, salesCacheKey); err != nil {
		s.logger.Warn("sales cache invalidation failed", zap.Error(err))
	}
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, fields ...zap.Field) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}
	base := []zap.Field{
		zap.String("action", action),
		zap.String("entity_type", entityType),
		zap.String("entity_id", entityID),
		zap.String("actor", actor.Username),
		zap.String("actor_role", string(actor.Role)),
	}
	s.logger.Info("audit", append(base, fields...)...)
}

func defaultString(value string, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
