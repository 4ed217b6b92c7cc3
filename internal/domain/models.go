package domain

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

func init() {
	// Snapshots written by older clients carry money as plain JSON numbers.
	decimal.MarshalJSONWithoutQuotes = true
}

const DefaultCategoryColor = "#3B82F6"

const (
	// MoneyPlaces is the scale every stored price is kept at.
	MoneyPlaces = 2
	// MaxQuantity bounds stock levels and movement sizes to a 32-bit column.
	MaxQuantity = math.MaxInt32
)

// RoundMoney rounds half away from zero to MoneyPlaces.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyPlaces)
}

type Category struct {
	ID          string    `json:"id"`
	Name        string    `json:"nome"`
	Description string    `json:"descricao,omitempty"`
	Color       string    `json:"cor"`
	CreatedAt   time.Time `json:"createdAt"`
}

type CategoryRequest struct {
	Name        string `json:"nome"`
	Description string `json:"descricao"`
	Color       string `json:"cor"`
}

type Product struct {
	ID          string          `json:"id"`
	Name        string          `json:"nome"`
	UnitPrice   decimal.Decimal `json:"valor"`
	Quantity    int             `json:"quantidade"`
	CategoryID  string          `json:"categoriaId"`
	Description string          `json:"descricao,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

type ProductCreateRequest struct {
	Name        string          `json:"nome"`
	UnitPrice   decimal.Decimal `json:"valor"`
	Quantity    int             `json:"quantidade"`
	CategoryID  string          `json:"categoriaId"`
	Description string          `json:"descricao"`
}

// ProductUpdateRequest has no quantity: stock only moves through transactions.
type ProductUpdateRequest struct {
	Name        *string          `json:"nome,omitempty"`
	UnitPrice   *decimal.Decimal `json:"valor,omitempty"`
	CategoryID  *string          `json:"categoriaId,omitempty"`
	Description *string          `json:"descricao,omitempty"`
}

// Client.TaxID is stored under the legacy "endereco" key. Older records hold an
// address there, newer ones a CPF; it is kept as an opaque string.
type Client struct {
	ID        string    `json:"id"`
	Name      string    `json:"nome"`
	Email     string    `json:"email,omitempty"`
	Phone     string    `json:"telefone,omitempty"`
	TaxID     string    `json:"endereco,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type ClientRequest struct {
	Name  string `json:"nome"`
	Email string `json:"email"`
	Phone string `json:"telefone"`
	TaxID string `json:"endereco"`
}

type TransactionKind string

const (
	KindInbound  TransactionKind = "entrada"
	KindOutbound TransactionKind = "saida"
)

func (k TransactionKind) Valid() bool {
	return k == KindInbound || k == KindOutbound
}

// Delta is the signed stock change a transaction of this kind causes.
func (k TransactionKind) Delta(qty int) int {
	if k == KindOutbound {
		return -qty
	}
	return qty
}

type DocumentType string

const (
	DocSupplierQuote   DocumentType = "orcamento_fornecedor"
	DocCompanyDocument DocumentType = "documento_empresa"
	DocOther           DocumentType = "outros"
)

func (d DocumentType) Valid() bool {
	switch d {
	case DocSupplierQuote, DocCompanyDocument, DocOther:
		return true
	}
	return false
}

type Attachment struct {
	ID           string       `json:"id"`
	FileName     string       `json:"nome"`
	DocumentType DocumentType `json:"tipo"`
	Payload      string       `json:"arquivo"`
	SizeBytes    int64        `json:"tamanho"`
	UploadedAt   time.Time    `json:"dataUpload"`
}

type Transaction struct {
	ID          string          `json:"id"`
	Kind        TransactionKind `json:"tipo"`
	ProductID   string          `json:"produtoId"`
	ClientID    string          `json:"clienteId,omitempty"`
	SaleID      string          `json:"vendaId,omitempty"`
	OrderNumber string          `json:"numeroPedido,omitempty"`
	Quantity    int             `json:"quantidade"`
	UnitPrice   decimal.Decimal `json:"valorUnitario"`
	TotalPrice  decimal.Decimal `json:"valorTotal"`
	Notes       string          `json:"observacoes,omitempty"`
	Attachments []Attachment    `json:"anexos,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

type AttachmentUpload struct {
	FileName     string       `json:"nome"`
	DocumentType DocumentType `json:"tipo"`
	Payload      string       `json:"arquivo"`
}

type TransactionRequest struct {
	Kind        TransactionKind    `json:"tipo"`
	ProductID   string             `json:"produtoId"`
	ClientID    string             `json:"clienteId"`
	OrderNumber string             `json:"numeroPedido"`
	Quantity    int                `json:"quantidade"`
	Notes       string             `json:"observacoes"`
	Attachments []AttachmentUpload `json:"anexos"`
}

type SaleItem struct {
	ProductID string `json:"produtoId"`
	Quantity  int    `json:"quantidade"`
}

type SaleRequest struct {
	ClientID    string             `json:"clienteId"`
	Items       []SaleItem         `json:"itens"`
	OrderNumber string             `json:"numeroPedido"`
	Notes       string             `json:"observacoes"`
	Attachments []AttachmentUpload `json:"anexos"`
}

// Sale is derived from outbound transactions and never stored.
type Sale struct {
	ID            string          `json:"id"`
	SaleID        string          `json:"vendaId,omitempty"`
	ClientID      string          `json:"clienteId,omitempty"`
	OrderNumber   string          `json:"numeroPedido,omitempty"`
	TotalValue    decimal.Decimal `json:"valorTotal"`
	TotalQuantity int             `json:"quantidadeTotal"`
	Items         []Transaction   `json:"itens"`
	CreatedAt     time.Time       `json:"createdAt"`
}

type Snapshot struct {
	Categories   []Category    `json:"categorias"`
	Products     []Product     `json:"produtos"`
	Clients      []Client      `json:"clientes"`
	Transactions []Transaction `json:"transacoes"`
	ExportedAt   time.Time     `json:"exportadoEm"`
}

type ImportResult struct {
	Categories   int       `json:"categorias"`
	Products     int       `json:"produtos"`
	Clients      int       `json:"clientes"`
	Transactions int       `json:"transacoes"`
	Attachments  int       `json:"anexos"`
	ImportedAt   time.Time `json:"importadoEm"`
}

type Dashboard struct {
	Products      int             `json:"totalProdutos"`
	Clients       int             `json:"totalClientes"`
	Sales         int             `json:"totalVendas"`
	Revenue       decimal.Decimal `json:"faturamento"`
	StockValue    decimal.Decimal `json:"valorEstoque"`
	OutOfStock    int             `json:"semEstoque"`
	LowStock      []Product       `json:"estoqueBaixo"`
	RecentSales   []Sale          `json:"vendasRecentes"`
	LowStockLimit int             `json:"limiteEstoqueBaixo"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        Role   `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     Role
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      Role
	Active    bool
	CreatedAt time.Time
}

type UserCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     Role   `json:"role"`
}

type User struct {
	Username  string    `json:"username"`
	Role      Role      `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}
