package store

import (
	"context"
	"errors"

	"estoque/internal/domain"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrInvalidTransaction  = errors.New("invalid transaction")
	ErrEmptySale           = errors.New("sale has no items")
	ErrReferentialConflict = errors.New("referential conflict")
	ErrImportFailure       = errors.New("import failed")
)

// Store is the set of entity primitives available inside a unit of work.
type Store interface {
	ListCategories(ctx context.Context) ([]domain.Category, error)
	GetCategory(ctx context.Context, id string) (*domain.Category, error)
	InsertCategory(ctx context.Context, category domain.Category) error
	UpdateCategory(ctx context.Context, category domain.Category) error
	DeleteCategory(ctx context.Context, id string) error
	CountProductsByCategory(ctx context.Context, categoryID string) (int, error)

	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	InsertProduct(ctx context.Context, product domain.Product) error
	UpdateProduct(ctx context.Context, product domain.Product) error
	SetProductQuantity(ctx context.Context, id string, qty int) error
	DeleteProduct(ctx context.Context, id string) error

	ListClients(ctx context.Context) ([]domain.Client, error)
	GetClient(ctx context.Context, id string) (*domain.Client, error)
	InsertClient(ctx context.Context, client domain.Client) error
	UpdateClient(ctx context.Context, client domain.Client) error
	DeleteClient(ctx context.Context, id string) error

	ListTransactions(ctx context.Context) ([]domain.Transaction, error)
	GetTransaction(ctx context.Context, id string) (*domain.Transaction, error)
	InsertTransaction(ctx context.Context, tx domain.Transaction) error
	// DeleteTransaction removes the transaction and its attachments and
	// returns the removed record.
	DeleteTransaction(ctx context.Context, id string) (*domain.Transaction, error)

	DumpAll(ctx context.Context) (domain.Snapshot, error)
	// ReplaceAll drops every entity and inserts the snapshot in reference order:
	// categories, products, clients, transactions, attachments.
	ReplaceAll(ctx context.Context, snapshot domain.Snapshot) error
}

type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// Repository hands out units of work. Atomic runs fn with exclusive write
// access; when fn returns an error nothing it did is kept. View runs fn
// against a consistent read-only view.
type Repository interface {
	UserStore
	Atomic(ctx context.Context, fn func(tx Store) error) error
	View(ctx context.Context, fn func(tx Store) error) error
}
