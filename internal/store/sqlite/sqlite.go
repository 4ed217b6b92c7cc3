package sqlite

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"estoque/internal/domain"
	"estoque/internal/store"
)

var errReadOnly = errors.New("sqlite store: write inside read-only view")

type categoryRow struct {
	ID          string `gorm:"primaryKey"`
	Name        string `gorm:"not null"`
	Description string
	Color       string `gorm:"not null"`
	CreatedAt   time.Time `gorm:"autoCreateTime:false"`
}

func (categoryRow) TableName() string { return "categories" }

type productRow struct {
	ID          string          `gorm:"primaryKey"`
	Name        string          `gorm:"not null"`
	UnitPrice   decimal.Decimal `gorm:"type:text;not null"`
	Quantity    int             `gorm:"not null"`
	CategoryID  string          `gorm:"not null;index"`
	Description string
	CreatedAt   time.Time `gorm:"autoCreateTime:false"`
}

func (productRow) TableName() string { return "products" }

type clientRow struct {
	ID        string `gorm:"primaryKey"`
	Name      string `gorm:"not null"`
	Email     string
	Phone     string
	TaxID     string
	CreatedAt time.Time `gorm:"autoCreateTime:false"`
}

func (clientRow) TableName() string { return "clients" }

type transactionRow struct {
	ID          string `gorm:"primaryKey"`
	Kind        string `gorm:"not null"`
	ProductID   string `gorm:"not null;index"`
	ClientID    string
	SaleID      string          `gorm:"index"`
	OrderNumber string
	Quantity    int             `gorm:"not null"`
	UnitPrice   decimal.Decimal `gorm:"type:text;not null"`
	TotalPrice  decimal.Decimal `gorm:"type:text;not null"`
	Notes       string
	CreatedAt   time.Time `gorm:"index:idx_stock_transactions_created;autoCreateTime:false"`
}

func (transactionRow) TableName() string { return "stock_transactions" }

type attachmentRow struct {
	ID            string `gorm:"primaryKey"`
	TransactionID string `gorm:"not null;index"`
	Position      int    `gorm:"not null"`
	FileName      string `gorm:"not null"`
	DocumentType  string `gorm:"not null"`
	Payload       string `gorm:"not null"`
	SizeBytes     int64  `gorm:"not null"`
	UploadedAt    time.Time
}

func (attachmentRow) TableName() string { return "transaction_attachments" }

type userRow struct {
	Username  string `gorm:"primaryKey"`
	Password  string `gorm:"not null"`
	Role      string `gorm:"not null"`
	Active    bool   `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (userRow) TableName() string { return "app_users" }

// Store persists entities in a single SQLite file through gorm.
type Store struct {
	db *gorm.DB
}

// Open connects to path and migrates the tables.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// One writer at a time; Atomic relies on it.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&categoryRow{}, &productRow{}, &clientRow{}, &transactionRow{}, &attachmentRow{}, &userRow{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Atomic(ctx context.Context, fn func(tx store.Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTx{db: tx})
	})
}

func (s *Store) View(ctx context.Context, fn func(tx store.Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTx{db: tx, readOnly: true})
	})
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

	row := userRow{
		Username:  user.Username,
		Password:  user.Password,
		Role:      string(user.Role),
		Active:    user.Active,
		CreatedAt: user.CreatedAt.UTC(),
	}
	err := s.db.WithContext(ctx).Create(&row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return store.ErrInvalidTransaction
	}
	return err
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	var rows []userRow
	if err := s.db.WithContext(ctx).Order("username").Find(&rows).Error; err != nil {
		return nil, err
	}
	users := make([]domain.UserAccount, 0, len(rows))
	for _, row := range rows {
		users = append(users, domain.UserAccount{
			Username:  row.Username,
			Password:  row.Password,
			Role:      domain.Role(row.Role),
			Active:    row.Active,
			CreatedAt: row.CreatedAt.UTC(),
		})
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}
	res := s.db.WithContext(ctx).Model(&userRow{}).Where("username = ?", username).Update("password", password)
	return affected(res)
}

// SeedUsers inserts accounts that do not exist yet.
func (s *Store) SeedUsers(ctx context.Context, users []domain.UserAccount) error {
	for _, user := range users {
		err := s.CreateUser(ctx, user)
		if err != nil && !errors.Is(err, store.ErrInvalidTransaction) {
			return err
		}
	}
	return nil
}

type gormTx struct {
	db       *gorm.DB
	readOnly bool
}

func (t *gormTx) writable() error {
	if t.readOnly {
		return errReadOnly
	}
	return nil
}

func (t *gormTx) ListCategories(_ context.Context) ([]domain.Category, error) {
	var rows []categoryRow
	if err := t.db.Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Category, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func (t *gormTx) GetCategory(_ context.Context, id string) (*domain.Category, error) {
	var row categoryRow
	if err := first(t.db.Where("id = ?", id), &row); err != nil {
		return nil, err
	}
	c := row.toDomain()
	return &c, nil
}

func (t *gormTx) InsertCategory(_ context.Context, c domain.Category) error {
	if err := t.writable(); err != nil {
		return err
	}
	row := categoryRow{ID: c.ID, Name: c.Name, Description: c.Description, Color: c.Color, CreatedAt: c.CreatedAt.UTC()}
	return create(t.db, "category", c.ID, &row)
}

func (t *gormTx) UpdateCategory(_ context.Context, c domain.Category) error {
	if err := t.writable(); err != nil {
		return err
	}
	return affected(t.db.Model(&categoryRow{}).Where("id = ?", c.ID).Updates(map[string]any{
		"name":        c.Name,
		"description": c.Description,
		"color":       c.Color,
	}))
}

func (t *gormTx) DeleteCategory(_ context.Context, id string) error {
	if err := t.writable(); err != nil {
		return err
	}
	return affected(t.db.Where("id = ?", id).Delete(&categoryRow{}))
}

func (t *gormTx) CountProductsByCategory(_ context.Context, categoryID string) (int, error) {
	var count int64
	err := t.db.Model(&productRow{}).Where("category_id = ?", categoryID).Count(&count).Error
	return int(count), err
}

func (t *gormTx) ListProducts(_ context.Context) ([]domain.Product, error) {
	var rows []productRow
	if err := t.db.Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Product, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func (t *gormTx) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	var row productRow
	if err := first(t.db.Where("id = ?", id), &row); err != nil {
		return nil, err
	}
	p := row.toDomain()
	return &p, nil
}

func (t *gormTx) InsertProduct(_ context.Context, p domain.Product) error {
	if err := t.writable(); err != nil {
		return err
	}
	row := productRow{
		ID:          p.ID,
		Name:        p.Name,
		UnitPrice:   p.UnitPrice,
		Quantity:    p.Quantity,
		CategoryID:  p.CategoryID,
		Description: p.Description,
		CreatedAt:   p.CreatedAt.UTC(),
	}
	return create(t.db, "product", p.ID, &row)
}

func (t *gormTx) UpdateProduct(_ context.Context, p domain.Product) error {
	if err := t.writable(); err != nil {
		return err
	}
	return affected(t.db.Model(&productRow{}).Where("id = ?", p.ID).Updates(map[string]any{
		"name":        p.Name,
		"unit_price":  p.UnitPrice,
		"quantity":    p.Quantity,
		"category_id": p.CategoryID,
		"description": p.Description,
	}))
}

func (t *gormTx) SetProductQuantity(_ context.Context, id string, qty int) error {
	if err := t.writable(); err != nil {
		return err
	}
	if qty < 0 {
		return fmt.Errorf("%w: product %s would reach %d", store.ErrInsufficientStock, id, qty)
	}
	return affected(t.db.Model(&productRow{}).Where("id = ?", id).Update("quantity", qty))
}

func (t *gormTx) DeleteProduct(_ context.Context, id string) error {
	if err := t.writable(); err != nil {
		return err
	}
	return affected(t.db.Where("id = ?", id).Delete(&productRow{}))
}

func (t *gormTx) ListClients(_ context.Context) ([]domain.Client, error) {
	var rows []clientRow
	if err := t.db.Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Client, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func (t *gormTx) GetClient(_ context.Context, id string) (*domain.Client, error) {
	var row clientRow
	if err := first(t.db.Where("id = ?", id), &row); err != nil {
		return nil, err
	}
	c := row.toDomain()
	return &c, nil
}

func (t *gormTx) InsertClient(_ context.Context, c domain.Client) error {
	if err := t.writable(); err != nil {
		return err
	}
	row := clientRow{ID: c.ID, Name: c.Name, Email: c.Email, Phone: c.Phone, TaxID: c.TaxID, CreatedAt: c.CreatedAt.UTC()}
	return create(t.db, "client", c.ID, &row)
}

func (t *gormTx) UpdateClient(_ context.Context, c domain.Client) error {
	if err := t.writable(); err != nil {
		return err
	}
	return affected(t.db.Model(&clientRow{}).Where("id = ?", c.ID).Updates(map[string]any{
		"name":   c.Name,
		"email":  c.Email,
		"phone":  c.Phone,
		"tax_id": c.TaxID,
	}))
}

func (t *gormTx) DeleteClient(_ context.Context, id string) error {
	if err := t.writable(); err != nil {
		return err
	}
	return affected(t.db.Where("id = ?", id).Delete(&clientRow{}))
}

func (t *gormTx) ListTransactions(_ context.Context) ([]domain.Transaction, error) {
	var rows []transactionRow
	if err := t.db.Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, err
	}
	var attachments []attachmentRow
	if err := t.db.Order("transaction_id, position").Find(&attachments).Error; err != nil {
		return nil, err
	}
	byTx := groupAttachments(attachments)

	out := make([]domain.Transaction, 0, len(rows))
	for _, row := range rows {
		tx := row.toDomain()
		tx.Attachments = byTx[row.ID]
		out = append(out, tx)
	}
	return out, nil
}

func (t *gormTx) GetTransaction(_ context.Context, id string) (*domain.Transaction, error) {
	var row transactionRow
	if err := first(t.db.Where("id = ?", id), &row); err != nil {
		return nil, err
	}
	var attachments []attachmentRow
	if err := t.db.Where("transaction_id = ?", id).Order("position").Find(&attachments).Error; err != nil {
		return nil, err
	}
	tx := row.toDomain()
	tx.Attachments = groupAttachments(attachments)[id]
	return &tx, nil
}

func (t *gormTx) InsertTransaction(_ context.Context, tx domain.Transaction) error {
	if err := t.writable(); err != nil {
		return err
	}
	row := transactionRow{
		ID:          tx.ID,
		Kind:        string(tx.Kind),
		ProductID:   tx.ProductID,
		ClientID:    tx.ClientID,
		SaleID:      tx.SaleID,
		OrderNumber: tx.OrderNumber,
		Quantity:    tx.Quantity,
		UnitPrice:   tx.UnitPrice,
		TotalPrice:  tx.TotalPrice,
		Notes:       tx.Notes,
		CreatedAt:   tx.CreatedAt.UTC(),
	}
	if err := create(t.db, "transaction", tx.ID, &row); err != nil {
		return err
	}
	for i, att := range tx.Attachments {
		attRow := attachmentRow{
			ID:            att.ID,
			TransactionID: tx.ID,
			Position:      i,
			FileName:      att.FileName,
			DocumentType:  string(att.DocumentType),
			Payload:       att.Payload,
			SizeBytes:     att.SizeBytes,
			UploadedAt:    att.UploadedAt.UTC(),
		}
		if err := create(t.db, "attachment", att.ID, &attRow); err != nil {
			return err
		}
	}
	return nil
}

func (t *gormTx) DeleteTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	if err := t.writable(); err != nil {
		return nil, err
	}
	tx, err := t.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := t.db.Where("transaction_id = ?", id).Delete(&attachmentRow{}).Error; err != nil {
		return nil, err
	}
	if err := t.db.Where("id = ?", id).Delete(&transactionRow{}).Error; err != nil {
		return nil, err
	}
	return tx, nil
}

func (t *gormTx) DumpAll(ctx context.Context) (domain.Snapshot, error) {
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

func (t *gormTx) ReplaceAll(ctx context.Context, snapshot domain.Snapshot) error {
	if err := t.writable(); err != nil {
		return err
	}
	for _, model := range []any{&attachmentRow{}, &transactionRow{}, &clientRow{}, &productRow{}, &categoryRow{}} {
		if err := t.db.Where("1 = 1").Delete(model).Error; err != nil {
			return err
		}
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

func (r categoryRow) toDomain() domain.Category {
	return domain.Category{ID: r.ID, Name: r.Name, Description: r.Description, Color: r.Color, CreatedAt: r.CreatedAt.UTC()}
}

func (r productRow) toDomain() domain.Product {
	return domain.Product{
		ID:          r.ID,
		Name:        r.Name,
		UnitPrice:   r.UnitPrice,
		Quantity:    r.Quantity,
		CategoryID:  r.CategoryID,
		Description: r.Description,
		CreatedAt:   r.CreatedAt.UTC(),
	}
}

func (r clientRow) toDomain() domain.Client {
	return domain.Client{ID: r.ID, Name: r.Name, Email: r.Email, Phone: r.Phone, TaxID: r.TaxID, CreatedAt: r.CreatedAt.UTC()}
}

func (r transactionRow) toDomain() domain.Transaction {
	return domain.Transaction{
		ID:          r.ID,
		Kind:        domain.TransactionKind(r.Kind),
		ProductID:   r.ProductID,
		ClientID:    r.ClientID,
		SaleID:      r.SaleID,
		OrderNumber: r.OrderNumber,
		Quantity:    r.Quantity,
		UnitPrice:   r.UnitPrice,
		TotalPrice:  r.TotalPrice,
		Notes:       r.Notes,
		CreatedAt:   r.CreatedAt.UTC(),
	}
}

func groupAttachments(rows []attachmentRow) map[string][]domain.Attachment {
	out := make(map[string][]domain.Attachment)
	for _, r := range rows {
		out[r.TransactionID] = append(out[r.TransactionID], domain.Attachment{
			ID:           r.ID,
			FileName:     r.FileName,
			DocumentType: domain.DocumentType(r.DocumentType),
			Payload:      r.Payload,
			SizeBytes:    r.SizeBytes,
			UploadedAt:   r.UploadedAt.UTC(),
		})
	}
	return out
}

func first(q *gorm.DB, dest any) error {
	err := q.First(dest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.ErrNotFound
	}
	return err
}

func create(db *gorm.DB, kind string, id string, row any) error {
	if id == "" {
		return fmt.Errorf("%w: %s without id", store.ErrInvalidTransaction, kind)
	}
	err := db.Create(row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: duplicate %s id %q", store.ErrInvalidTransaction, kind, id)
	}
	return err
}

func affected(res *gorm.DB) error {
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}
