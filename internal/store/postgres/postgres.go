package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"estoque/internal/domain"
	"estoque/internal/store"
)

//go:embed schema.sql
var schemaSQL string

var errReadOnly = errors.New("postgres store: write inside read-only view")

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSchema creates the tables when missing. Safe to run on every start.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schemaSQL)
	return err
}

func (s *Store) Atomic(ctx context.Context, fn func(tx store.Store) error) error {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = pgTx.Rollback() }()

	if err := fn(&txStore{q: pgTx}); err != nil {
		return err
	}
	return pgTx.Commit()
}

func (s *Store) View(ctx context.Context, fn func(tx store.Store) error) error {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return err
	}
	defer func() { _ = pgTx.Rollback() }()

	return fn(&txStore{q: pgTx, readOnly: true})
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
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

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, string(user.Role), user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidTransaction
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var (
			user domain.UserAccount
			role string
		)
		if err := rows.Scan(&user.Username, &user.Password, &role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.Role = domain.Role(role)
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

// SeedUsers inserts accounts that do not exist yet.
func (s *Store) SeedUsers(ctx context.Context, users []domain.UserAccount) error {
	for _, user := range users {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO app_users (username, password, role, active, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,now())
			ON CONFLICT (username) DO NOTHING
		`, user.Username, user.Password, string(user.Role), user.Active, user.CreatedAt)
		if err != nil {
			return err
		}
	}
	return nil
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txStore struct {
	q        queryer
	readOnly bool
}

func (t *txStore) writable() error {
	if t.readOnly {
		return errReadOnly
	}
	return nil
}

// lockClause makes reads inside Atomic hold the row until commit.
func (t *txStore) lockClause() string {
	if t.readOnly {
		return ""
	}
	return " FOR UPDATE"
}

func (t *txStore) ListCategories(ctx context.Context) ([]domain.Category, error) {
	rows, err := t.q.QueryContext(ctx, `
		SELECT id, name, COALESCE(description, ''), color, created_at
		FROM categories
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Category, 0, 16)
	for rows.Next() {
		var c domain.Category
		if err := rows.Scan(&c.ID, &c.Name, &c.Description, &c.Color, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.CreatedAt = c.CreatedAt.UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

func (t *txStore) GetCategory(ctx context.Context, id string) (*domain.Category, error) {
	var c domain.Category
	err := t.q.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(description, ''), color, created_at
		FROM categories
		WHERE id = $1`+t.lockClause(), id).Scan(&c.ID, &c.Name, &c.Description, &c.Color, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}

func (t *txStore) InsertCategory(ctx context.Context, c domain.Category) error {
	if err := t.writable(); err != nil {
		return err
	}
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO categories (id, name, description, color, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, c.ID, c.Name, nullIfEmpty(c.Description), c.Color, c.CreatedAt)
	return mapInsertErr("category", c.ID, err)
}

func (t *txStore) UpdateCategory(ctx context.Context, c domain.Category) error {
	if err := t.writable(); err != nil {
		return err
	}
	res, err := t.q.ExecContext(ctx, `
		UPDATE categories SET name = $2, description = $3, color = $4
		WHERE id = $1
	`, c.ID, c.Name, nullIfEmpty(c.Description), c.Color)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (t *txStore) DeleteCategory(ctx context.Context, id string) error {
	if err := t.writable(); err != nil {
		return err
	}
	res, err := t.q.ExecContext(ctx, `DELETE FROM categories WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (t *txStore) CountProductsByCategory(ctx context.Context, categoryID string) (int, error) {
	var count int
	err := t.q.QueryRowContext(ctx, `SELECT count(*) FROM products WHERE category_id = $1`, categoryID).Scan(&count)
	return count, err
}

const productColumns = `id, name, unit_price, quantity, category_id, COALESCE(description, ''), created_at`

func scanProduct(row interface{ Scan(...any) error }) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.Name, &p.UnitPrice, &p.Quantity, &p.CategoryID, &p.Description, &p.CreatedAt)
	p.CreatedAt = p.CreatedAt.UTC()
	return p, err
}

func (t *txStore) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := t.q.QueryContext(ctx, `SELECT `+productColumns+` FROM products ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Product, 0, 64)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (t *txStore) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	p, err := scanProduct(t.q.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`+t.lockClause(), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *txStore) InsertProduct(ctx context.Context, p domain.Product) error {
	if err := t.writable(); err != nil {
		return err
	}
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO products (id, name, unit_price, quantity, category_id, description, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, p.ID, p.Name, p.UnitPrice, p.Quantity, p.CategoryID, nullIfEmpty(p.Description), p.CreatedAt)
	return mapInsertErr("product", p.ID, err)
}

func (t *txStore) UpdateProduct(ctx context.Context, p domain.Product) error {
	if err := t.writable(); err != nil {
		return err
	}
	res, err := t.q.ExecContext(ctx, `
		UPDATE products
		SET name = $2, unit_price = $3, quantity = $4, category_id = $5, description = $6
		WHERE id = $1
	`, p.ID, p.Name, p.UnitPrice, p.Quantity, p.CategoryID, nullIfEmpty(p.Description))
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (t *txStore) SetProductQuantity(ctx context.Context, id string, qty int) error {
	if err := t.writable(); err != nil {
		return err
	}
	if qty < 0 {
		return fmt.Errorf("%w: product %s would reach %d", store.ErrInsufficientStock, id, qty)
	}
	res, err := t.q.ExecContext(ctx, `UPDATE products SET quantity = $2 WHERE id = $1`, id, qty)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (t *txStore) DeleteProduct(ctx context.Context, id string) error {
	if err := t.writable(); err != nil {
		return err
	}
	res, err := t.q.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

const clientColumns = `id, name, COALESCE(email, ''), COALESCE(phone, ''), COALESCE(tax_id, ''), created_at`

func scanClient(row interface{ Scan(...any) error }) (domain.Client, error) {
	var c domain.Client
	err := row.Scan(&c.ID, &c.Name, &c.Email, &c.Phone, &c.TaxID, &c.CreatedAt)
	c.CreatedAt = c.CreatedAt.UTC()
	return c, err
}

func (t *txStore) ListClients(ctx context.Context) ([]domain.Client, error) {
	rows, err := t.q.QueryContext(ctx, `SELECT `+clientColumns+` FROM clients ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Client, 0, 32)
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (t *txStore) GetClient(ctx context.Context, id string) (*domain.Client, error) {
	c, err := scanClient(t.q.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM clients WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (t *txStore) InsertClient(ctx context.Context, c domain.Client) error {
	if err := t.writable(); err != nil {
		return err
	}
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO clients (id, name, email, phone, tax_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, c.ID, c.Name, nullIfEmpty(c.Email), nullIfEmpty(c.Phone), nullIfEmpty(c.TaxID), c.CreatedAt)
	return mapInsertErr("client", c.ID, err)
}

func (t *txStore) UpdateClient(ctx context.Context, c domain.Client) error {
	if err := t.writable(); err != nil {
		return err
	}
	res, err := t.q.ExecContext(ctx, `
		UPDATE clients SET name = $2, email = $3, phone = $4, tax_id = $5
		WHERE id = $1
	`, c.ID, c.Name, nullIfEmpty(c.Email), nullIfEmpty(c.Phone), nullIfEmpty(c.TaxID))
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (t *txStore) DeleteClient(ctx context.Context, id string) error {
	if err := t.writable(); err != nil {
		return err
	}
	res, err := t.q.ExecContext(ctx, `DELETE FROM clients WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

const transactionColumns = `id, kind, product_id, COALESCE(client_id, ''), COALESCE(sale_id, ''),
	COALESCE(order_number, ''), quantity, unit_price, total_price, COALESCE(notes, ''), created_at`

func scanTransaction(row interface{ Scan(...any) error }) (domain.Transaction, error) {
	var (
		tx   domain.Transaction
		kind string
	)
	err := row.Scan(&tx.ID, &kind, &tx.ProductID, &tx.ClientID, &tx.SaleID, &tx.OrderNumber,
		&tx.Quantity, &tx.UnitPrice, &tx.TotalPrice, &tx.Notes, &tx.CreatedAt)
	tx.Kind = domain.TransactionKind(kind)
	tx.CreatedAt = tx.CreatedAt.UTC()
	return tx, err
}

func (t *txStore) ListTransactions(ctx context.Context) ([]domain.Transaction, error) {
	rows, err := t.q.QueryContext(ctx, `SELECT `+transactionColumns+` FROM stock_transactions ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Transaction, 0, 128)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	attachments, err := t.attachments(ctx, "")
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Attachments = attachments[out[i].ID]
	}
	return out, nil
}

func (t *txStore) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	tx, err := scanTransaction(t.q.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM stock_transactions WHERE id = $1`+t.lockClause(), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	attachments, err := t.attachments(ctx, id)
	if err != nil {
		return nil, err
	}
	tx.Attachments = attachments[id]
	return &tx, nil
}

// attachments loads attachments grouped by transaction id; an empty
// transactionID loads all of them.
func (t *txStore) attachments(ctx context.Context, transactionID string) (map[string][]domain.Attachment, error) {
	query := `
		SELECT transaction_id, id, file_name, document_type, payload, size_bytes, uploaded_at
		FROM transaction_attachments`
	args := []any{}
	if transactionID != "" {
		query += ` WHERE transaction_id = $1`
		args = append(args, transactionID)
	}
	query += ` ORDER BY transaction_id, position`

	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]domain.Attachment)
	for rows.Next() {
		var (
			txID    string
			att     domain.Attachment
			docType string
		)
		if err := rows.Scan(&txID, &att.ID, &att.FileName, &docType, &att.Payload, &att.SizeBytes, &att.UploadedAt); err != nil {
			return nil, err
		}
		att.DocumentType = domain.DocumentType(docType)
		att.UploadedAt = att.UploadedAt.UTC()
		out[txID] = append(out[txID], att)
	}
	return out, rows.Err()
}

func (t *txStore) InsertTransaction(ctx context.Context, tx domain.Transaction) error {
	if err := t.writable(); err != nil {
		return err
	}
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO stock_transactions (
			id, kind, product_id, client_id, sale_id, order_number,
			quantity, unit_price, total_price, notes, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, tx.ID, string(tx.Kind), tx.ProductID, nullIfEmpty(tx.ClientID), nullIfEmpty(tx.SaleID),
		nullIfEmpty(tx.OrderNumber), tx.Quantity, tx.UnitPrice, tx.TotalPrice, nullIfEmpty(tx.Notes), tx.CreatedAt)
	if err := mapInsertErr("transaction", tx.ID, err); err != nil {
		return err
	}

	for i, att := range tx.Attachments {
		_, err := t.q.ExecContext(ctx, `
			INSERT INTO transaction_attachments (
				id, transaction_id, position, file_name, document_type, payload, size_bytes, uploaded_at
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, att.ID, tx.ID, i, att.FileName, string(att.DocumentType), att.Payload, att.SizeBytes, att.UploadedAt)
		if err := mapInsertErr("attachment", att.ID, err); err != nil {
			return err
		}
	}
	return nil
}

func (t *txStore) DeleteTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	if err := t.writable(); err != nil {
		return nil, err
	}
	tx, err := t.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	// Attachments cascade.
	if _, err := t.q.ExecContext(ctx, `DELETE FROM stock_transactions WHERE id = $1`, id); err != nil {
		return nil, err
	}
	return tx, nil
}

func (t *txStore) DumpAll(ctx context.Context) (domain.Snapshot, error) {
	var (
		snapshot domain.Snapshot
		err      error
	)
	if snapshot.Categories, err = t.ListCategories(ctx); err != nil {
		return domain.Snapshot{}, err
	}
	if snapshot.Products, err = t.ListProducts(ctx); err != nil {
		return domain.Snapshot{}, err
	}
	if snapshot.Clients, err = t.ListClients(ctx); err != nil {
		return domain.Snapshot{}, err
	}
	if snapshot.Transactions, err = t.ListTransactions(ctx); err != nil {
		return domain.Snapshot{}, err
	}
	return snapshot, nil
}

func (t *txStore) ReplaceAll(ctx context.Context, snapshot domain.Snapshot) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, err := t.q.ExecContext(ctx, `
		TRUNCATE transaction_attachments, stock_transactions, clients, products, categories
	`); err != nil {
		return err
	}

	for _, c := range snapshot.Categories {
		if err := t.InsertCategory(ctx, c); err != nil {
			return err
		}
	}
	for _, p := range snapshot.Products {
		if err := t.InsertProduct(ctx, p); err != nil {
			return err
		}
	}
	for _, c := range snapshot.Clients {
		if err := t.InsertClient(ctx, c); err != nil {
			return err
		}
	}
	for _, tx := range snapshot.Transactions {
		if err := t.InsertTransaction(ctx, tx); err != nil {
			return err
		}
	}
	return nil
}

func mapInsertErr(kind string, id string, err error) error {
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: duplicate %s id %q", store.ErrInvalidTransaction, kind, id)
	}
	return err
}

func expectAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
