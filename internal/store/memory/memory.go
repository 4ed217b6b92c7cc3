package memory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"estoque/internal/domain"
	"estoque/internal/store"
)

var errReadOnly = errors.New("memory store: write inside read-only view")

// Store keeps every entity in maps. Mutations go through Atomic, which works on
// a copy of the maps and swaps it in only when the callback succeeds.
type Store struct {
	mu    sync.RWMutex
	state *state
	users map[string]domain.UserAccount
}

type state struct {
	readOnly     bool
	categories   map[string]domain.Category
	products     map[string]domain.Product
	clients      map[string]domain.Client
	transactions map[string]domain.Transaction
}

func newState() *state {
	return &state{
		categories:   make(map[string]domain.Category),
		products:     make(map[string]domain.Product),
		clients:      make(map[string]domain.Client),
		transactions: make(map[string]domain.Transaction),
	}
}

// New returns an empty store with the seed user accounts.
func New() *Store {
	return &Store{state: newState(), users: seedUsers()}
}

// NewSeeded returns a store with demo catalog data for dev mode.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	categories := []domain.Category{
		{ID: "cat-eletronicos", Name: "Eletrônicos", Color: domain.DefaultCategoryColor, CreatedAt: now},
		{ID: "cat-escritorio", Name: "Escritório", Color: "#10B981", CreatedAt: now},
		{ID: "cat-limpeza", Name: "Limpeza", Color: "#F59E0B", CreatedAt: now},
	}
	products := []domain.Product{
		{ID: "prod-mouse", Name: "Mouse sem fio", UnitPrice: decimal.RequireFromString("79.90"), Quantity: 25, CategoryID: "cat-eletronicos", CreatedAt: now},
		{ID: "prod-teclado", Name: "Teclado ABNT2", UnitPrice: decimal.RequireFromString("129.00"), Quantity: 12, CategoryID: "cat-eletronicos", CreatedAt: now},
		{ID: "prod-papel", Name: "Papel A4 500 folhas", UnitPrice: decimal.RequireFromString("32.50"), Quantity: 40, CategoryID: "cat-escritorio", CreatedAt: now},
		{ID: "prod-caneta", Name: "Caneta azul", UnitPrice: decimal.RequireFromString("2.10"), Quantity: 3, CategoryID: "cat-escritorio", CreatedAt: now},
		{ID: "prod-detergente", Name: "Detergente 500ml", UnitPrice: decimal.RequireFromString("3.99"), Quantity: 0, CategoryID: "cat-limpeza", CreatedAt: now},
	}
	clients := []domain.Client{
		{ID: "cli-padaria", Name: "Padaria Central", Email: "contato@padariacentral.com.br", Phone: "(11) 3333-0001", CreatedAt: now},
		{ID: "cli-escola", Name: "Escola Aurora", Phone: "(11) 3333-0002", TaxID: "12.345.678/0001-90", CreatedAt: now},
	}

	for _, c := range categories {
		s.state.categories[c.ID] = c
	}
	for _, p := range products {
		s.state.products[p.ID] = p
	}
	for _, c := range clients {
		s.state.clients[c.ID] = c
	}
	return s
}

// SeedAccounts returns the seed users sorted by username, for stores that
// persist accounts elsewhere.
func SeedAccounts() []domain.UserAccount {
	users := seedUsers()
	out := make([]domain.UserAccount, 0, len(users))
	for _, u := range users {
		out = append(out, u)
	}
	slices.SortFunc(out, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return out
}

// seedUsers builds the initial accounts for dev/demo mode from
// SEED_ADMIN_PASSWORD, SEED_MANAGER_PASSWORD and SEED_USER_PASSWORD.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	managerPwd := envOr("SEED_MANAGER_PASSWORD", "gerente123")
	userPwd := envOr("SEED_USER_PASSWORD", "usuario123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" {
		zap.L().Named("memory-store").Warn("using default dev credentials; set SEED_ADMIN_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     domain.Role
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"gerente", managerPwd, domain.RoleManager},
		{"usuario", userPwd, domain.RoleUser},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			zap.L().Named("memory-store").Fatal("hash seed password", zap.String("username", u.username), zap.Error(err))
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *Store) Atomic(_ context.Context, fn func(tx store.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := s.state.clone()
	if err := fn(staged); err != nil {
		return err
	}
	s.state = staged
	return nil
}

func (s *Store) View(_ context.Context, fn func(tx store.Store) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	view := *s.state
	view.readOnly = true
	return fn(&view)
}

func (st *state) clone() *state {
	out := &state{
		categories:   make(map[string]domain.Category, len(st.categories)),
		products:     make(map[string]domain.Product, len(st.products)),
		clients:      make(map[string]domain.Client, len(st.clients)),
		transactions: make(map[string]domain.Transaction, len(st.transactions)),
	}
	for id, c := range st.categories {
		out.categories[id] = c
	}
	for id, p := range st.products {
		out.products[id] = p
	}
	for id, c := range st.clients {
		out.clients[id] = c
	}
	for id, tx := range st.transactions {
		out.transactions[id] = tx
	}
	return out
}

func (st *state) writable() error {
	if st.readOnly {
		return errReadOnly
	}
	return nil
}

func (st *state) ListCategories(_ context.Context) ([]domain.Category, error) {
	out := make([]domain.Category, 0, len(st.categories))
	for _, c := range st.categories {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b domain.Category) int {
		return cmpCreated(a.CreatedAt, b.CreatedAt, a.ID, b.ID)
	})
	return out, nil
}

func (st *state) GetCategory(_ context.Context, id string) (*domain.Category, error) {
	c, ok := st.categories[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (st *state) InsertCategory(_ context.Context, category domain.Category) error {
	if err := st.writable(); err != nil {
		return err
	}
	if _, exists := st.categories[category.ID]; exists || category.ID == "" {
		return fmt.Errorf("%w: duplicate category id %q", store.ErrInvalidTransaction, category.ID)
	}
	st.categories[category.ID] = category
	return nil
}

func (st *state) UpdateCategory(_ context.Context, category domain.Category) error {
	if err := st.writable(); err != nil {
		return err
	}
	if _, ok := st.categories[category.ID]; !ok {
		return store.ErrNotFound
	}
	st.categories[category.ID] = category
	return nil
}

func (st *state) DeleteCategory(_ context.Context, id string) error {
	if err := st.writable(); err != nil {
		return err
	}
	if _, ok := st.categories[id]; !ok {
		return store.ErrNotFound
	}
	delete(st.categories, id)
	return nil
}

func (st *state) CountProductsByCategory(_ context.Context, categoryID string) (int, error) {
	count := 0
	for _, p := range st.products {
		if p.CategoryID == categoryID {
			count++
		}
	}
	return count, nil
}

func (st *state) ListProducts(_ context.Context) ([]domain.Product, error) {
	out := make([]domain.Product, 0, len(st.products))
	for _, p := range st.products {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b domain.Product) int {
		return cmpCreated(a.CreatedAt, b.CreatedAt, a.ID, b.ID)
	})
	return out, nil
}

func (st *state) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	p, ok := st.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (st *state) InsertProduct(_ context.Context, product domain.Product) error {
	if err := st.writable(); err != nil {
		return err
	}
	if _, exists := st.products[product.ID]; exists || product.ID == "" {
		return fmt.Errorf("%w: duplicate product id %q", store.ErrInvalidTransaction, product.ID)
	}
	st.products[product.ID] = product
	return nil
}

func (st *state) UpdateProduct(_ context.Context, product domain.Product) error {
	if err := st.writable(); err != nil {
		return err
	}
	if _, ok := st.products[product.ID]; !ok {
		return store.ErrNotFound
	}
	st.products[product.ID] = product
	return nil
}

func (st *state) SetProductQuantity(_ context.Context, id string, qty int) error {
	if err := st.writable(); err != nil {
		return err
	}
	p, ok := st.products[id]
	if !ok {
		return store.ErrNotFound
	}
	if qty < 0 {
		return fmt.Errorf("%w: product %s would reach %d", store.ErrInsufficientStock, id, qty)
	}
	p.Quantity = qty
	st.products[id] = p
	return nil
}

func (st *state) DeleteProduct(_ context.Context, id string) error {
	if err := st.writable(); err != nil {
		return err
	}
	if _, ok := st.products[id]; !ok {
		return store.ErrNotFound
	}
	delete(st.products, id)
	return nil
}

func (st *state) ListClients(_ context.Context) ([]domain.Client, error) {
	out := make([]domain.Client, 0, len(st.clients))
	for _, c := range st.clients {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b domain.Client) int {
		return cmpCreated(a.CreatedAt, b.CreatedAt, a.ID, b.ID)
	})
	return out, nil
}

func (st *state) GetClient(_ context.Context, id string) (*domain.Client, error) {
	c, ok := st.clients[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (st *state) InsertClient(_ context.Context, client domain.Client) error {
	if err := st.writable(); err != nil {
		return err
	}
	if _, exists := st.clients[client.ID]; exists || client.ID == "" {
		return fmt.Errorf("%w: duplicate client id %q", store.ErrInvalidTransaction, client.ID)
	}
	st.clients[client.ID] = client
	return nil
}

func (st *state) UpdateClient(_ context.Context, client domain.Client) error {
	if err := st.writable(); err != nil {
		return err
	}
	if _, ok := st.clients[client.ID]; !ok {
		return store.ErrNotFound
	}
	st.clients[client.ID] = client
	return nil
}

func (st *state) DeleteClient(_ context.Context, id string) error {
	if err := st.writable(); err != nil {
		return err
	}
	if _, ok := st.clients[id]; !ok {
		return store.ErrNotFound
	}
	delete(st.clients, id)
	return nil
}

func (st *state) ListTransactions(_ context.Context) ([]domain.Transaction, error) {
	out := make([]domain.Transaction, 0, len(st.transactions))
	for _, tx := range st.transactions {
		out = append(out, cloneTransaction(tx))
	}
	slices.SortFunc(out, func(a, b domain.Transaction) int {
		return cmpCreated(a.CreatedAt, b.CreatedAt, a.ID, b.ID)
	})
	return out, nil
}

func (st *state) GetTransaction(_ context.Context, id string) (*domain.Transaction, error) {
	tx, ok := st.transactions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneTransaction(tx)
	return &out, nil
}

func (st *state) InsertTransaction(_ context.Context, tx domain.Transaction) error {
	if err := st.writable(); err != nil {
		return err
	}
	if _, exists := st.transactions[tx.ID]; exists || tx.ID == "" {
		return fmt.Errorf("%w: duplicate transaction id %q", store.ErrInvalidTransaction, tx.ID)
	}
	st.transactions[tx.ID] = cloneTransaction(tx)
	return nil
}

func (st *state) DeleteTransaction(_ context.Context, id string) (*domain.Transaction, error) {
	if err := st.writable(); err != nil {
		return nil, err
	}
	tx, ok := st.transactions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	// Attachments live inside the record, so they go with it.
	delete(st.transactions, id)
	return &tx, nil
}

func (st *state) DumpAll(ctx context.Context) (domain.Snapshot, error) {
	categories, _ := st.ListCategories(ctx)
	products, _ := st.ListProducts(ctx)
	clients, _ := st.ListClients(ctx)
	transactions, _ := st.ListTransactions(ctx)
	return domain.Snapshot{
		Categories:   categories,
		Products:     products,
		Clients:      clients,
		Transactions: transactions,
	}, nil
}

func (st *state) ReplaceAll(ctx context.Context, snapshot domain.Snapshot) error {
	if err := st.writable(); err != nil {
		return err
	}
	st.transactions = make(map[string]domain.Transaction, len(snapshot.Transactions))
	st.products = make(map[string]domain.Product, len(snapshot.Products))
	st.clients = make(map[string]domain.Client, len(snapshot.Clients))
	st.categories = make(map[string]domain.Category, len(snapshot.Categories))

	for _, c := range snapshot.Categories {
		if err := st.InsertCategory(ctx, c); err != nil {
			return err
		}
	}
	for _, p := range snapshot.Products {
		if err := st.InsertProduct(ctx, p); err != nil {
			return err
		}
	}
	for _, c := range snapshot.Clients {
		if err := st.InsertClient(ctx, c); err != nil {
			return err
		}
	}
	for _, tx := range snapshot.Transactions {
		if err := st.InsertTransaction(ctx, tx); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if user.Role == "" {
		user.Role = domain.RoleUser
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[user.Username]; exists {
		return store.ErrInvalidTransaction
	}
	s.users[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.users[username] = user
	return nil
}

func cmpCreated(a time.Time, b time.Time, aID string, bID string) int {
	if c := a.Compare(b); c != 0 {
		return c
	}
	return strings.Compare(aID, bID)
}

func cloneTransaction(src domain.Transaction) domain.Transaction {
	out := src
	if src.Attachments != nil {
		out.Attachments = append([]domain.Attachment(nil), src.Attachments...)
	}
	return out
}
