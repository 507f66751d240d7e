package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"medipos/backend/internal/domain"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrInvalidCart = errors.New("invalid cart")
	ErrDuplicate   = errors.New("duplicate")
	// ErrLotConflict signals a concurrent settlement touched the same lots;
	// the caller may retry the whole sale.
	ErrLotConflict = errors.New("lot conflict")
)

// InsufficientStockError aborts a settlement when a cart line cannot be
// covered by sellable lots. Available counts only non-expired remainders at
// the settlement instant.
type InsufficientStockError struct {
	ProductID string `json:"product_id"`
	Available int    `json:"available"`
	Requested int    `json:"requested"`
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: available %d, requested %d", e.ProductID, e.Available, e.Requested)
}

type Repository interface {
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	ListProducts(ctx context.Context, activeOnly bool, asOf time.Time) ([]domain.ProductStock, error)

	CreateSupplier(ctx context.Context, supplier domain.Supplier) (*domain.Supplier, error)
	GetSupplier(ctx context.Context, id string) (*domain.Supplier, error)
	ListSuppliers(ctx context.Context) ([]domain.Supplier, error)

	ReceiveLot(ctx context.Context, lot domain.Lot) (*domain.Lot, error)
	ListLots(ctx context.Context, productID string, includeEmpty bool, limit int) ([]domain.Lot, error)

	// SettleSale runs the plan-then-commit settlement: it locks the involved
	// lots, plans a FEFO allocation for every cart line, and either applies
	// all decrements plus the invoice and its sale lines atomically or
	// leaves stock untouched. The invoice arrives with identity, totals and
	// validated items already set; the store fills Lines.
	SettleSale(ctx context.Context, invoice domain.Invoice, items []domain.CartItem, asOf time.Time) (*domain.Invoice, error)
	GetInvoice(ctx context.Context, id string) (*domain.Invoice, error)
	GetInvoiceByIdempotencyKey(ctx context.Context, key string) (*domain.Invoice, error)
	ListInvoices(ctx context.Context, limit int) ([]domain.Invoice, error)

	LowStock(ctx context.Context, threshold int, asOf time.Time) ([]domain.LowStockAlert, error)
	ExpiringLots(ctx context.Context, asOf time.Time, windowDays int) ([]domain.ExpiryAlert, error)

	TopProducts(ctx context.Context, since time.Time, until time.Time, limit int) ([]domain.ProductSales, error)
	SalesSummary(ctx context.Context, from time.Time, to time.Time) (domain.MarginReport, error)

	CreateUser(ctx context.Context, user domain.User) error
	GetUser(ctx context.Context, username string) (*domain.User, error)
	ListUsers(ctx context.Context) ([]domain.User, error)
}
