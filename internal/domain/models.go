package domain

import "time"

// Product.Splittable marks items that may be dispensed in split units
// (e.g. single tablets off a strip). Allocation still works in whole units;
// the flag is catalog data for the terminal.
type Product struct {
	ID             string    `json:"id"`
	SKU            string    `json:"sku"`
	Name           string    `json:"name"`
	Category       string    `json:"category"`
	UnitPriceCents int64     `json:"unit_price_cents"`
	Splittable     bool      `json:"splittable"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"created_at"`
}

type ProductCreateRequest struct {
	SKU            string `json:"sku"`
	Name           string `json:"name"`
	Category       string `json:"category"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	Splittable     bool   `json:"splittable"`
}

type ProductUpdateRequest struct {
	Name           *string `json:"name,omitempty"`
	Category       *string `json:"category,omitempty"`
	UnitPriceCents *int64  `json:"unit_price_cents,omitempty"`
	Splittable     *bool   `json:"splittable,omitempty"`
	Active         *bool   `json:"active,omitempty"`
}

// ProductStock is the derived view of a product's quantity. Stock is never
// stored on the product row; both fields are computed from its lots.
type ProductStock struct {
	Product     Product `json:"product"`
	ShelfQty    int     `json:"shelf_qty"`
	SellableQty int     `json:"sellable_qty"`
}

type Supplier struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type SupplierCreateRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
}

// Lot is a received batch of a product. ExpiryDate nil means the batch
// carries no recorded expiry and never counts as expired.
type Lot struct {
	ID            string     `json:"id"`
	ProductID     string     `json:"product_id"`
	BatchNumber   string     `json:"batch_number,omitempty"`
	SupplierID    string     `json:"supplier_id,omitempty"`
	ExpiryDate    *time.Time `json:"expiry_date,omitempty"`
	QtyReceived   int        `json:"qty_received"`
	QtyRemaining  int        `json:"qty_remaining"`
	UnitCostCents int64      `json:"unit_cost_cents"`
	ReceivedAt    time.Time  `json:"received_at"`
}

type LotReceiveRequest struct {
	ProductID     string `json:"product_id"`
	BatchNumber   string `json:"batch_number,omitempty"`
	SupplierID    string `json:"supplier_id,omitempty"`
	ExpiryDate    string `json:"expiry_date,omitempty"` // YYYY-MM-DD
	Qty           int    `json:"qty"`
	UnitCostCents int64  `json:"unit_cost_cents"`
}

type AllocationStep struct {
	LotID string `json:"lot_id"`
	Qty   int    `json:"qty"`
}

type CartItem struct {
	ProductID      string `json:"product_id"`
	Qty            int    `json:"qty"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

type SettleRequest struct {
	IdempotencyKey   string     `json:"idempotency_key"`
	PaymentMethod    string     `json:"payment_method"`
	BuyerRef         string     `json:"buyer_ref,omitempty"`
	ClientTotalCents int64      `json:"client_total_cents"`
	Items            []CartItem `json:"items"`
}

const (
	InvoiceStatusPaid = "paid"

	PaymentCash     = "cash"
	PaymentCard     = "card"
	PaymentTransfer = "transfer"
)

type Invoice struct {
	ID             string     `json:"id"`
	Number         string     `json:"number"`
	Status         string     `json:"status"`
	PaymentMethod  string     `json:"payment_method"`
	BuyerRef       string     `json:"buyer_ref,omitempty"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	TotalCents     int64      `json:"total_cents"`
	CreatedAt      time.Time  `json:"created_at"`
	Lines          []SaleLine `json:"lines,omitempty"`
}

// SaleLine records one allocation step of a settled sale. A cart item that
// drained several lots produces several lines, one per lot.
type SaleLine struct {
	ID             string `json:"id"`
	InvoiceID      string `json:"invoice_id"`
	ProductID      string `json:"product_id"`
	LotID          string `json:"lot_id"`
	Qty            int    `json:"qty"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	UnitCostCents  int64  `json:"unit_cost_cents"`
	LineTotalCents int64  `json:"line_total_cents"`
}

type AlertQuery struct {
	LowStockThreshold int       `json:"low_stock_threshold"`
	ExpiryWindowDays  int       `json:"expiry_window_days"`
	AsOf              time.Time `json:"as_of"`
}

type LowStockAlert struct {
	ProductID   string `json:"product_id"`
	SKU         string `json:"sku"`
	Name        string `json:"name"`
	ShelfQty    int    `json:"shelf_qty"`
	SellableQty int    `json:"sellable_qty"`
	Threshold   int    `json:"threshold"`
}

type ExpiryAlert struct {
	LotID        string    `json:"lot_id"`
	ProductID    string    `json:"product_id"`
	ProductName  string    `json:"product_name"`
	BatchNumber  string    `json:"batch_number,omitempty"`
	ExpiryDate   time.Time `json:"expiry_date"`
	QtyRemaining int       `json:"qty_remaining"`
	DaysLeft     int       `json:"days_left"`
	Expired      bool      `json:"expired"`
}

type AlertReport struct {
	GeneratedAt time.Time       `json:"generated_at"`
	Threshold   int             `json:"threshold"`
	WindowDays  int             `json:"window_days"`
	LowStock    []LowStockAlert `json:"low_stock"`
	NearExpiry  []ExpiryAlert   `json:"near_expiry"`
}

type PopularityQuery struct {
	WindowHours int       `json:"window_hours"`
	Limit       int       `json:"limit"`
	AsOf        time.Time `json:"as_of"`
}

type ProductSales struct {
	ProductID    string `json:"product_id"`
	SKU          string `json:"sku"`
	Name         string `json:"name"`
	QtySold      int    `json:"qty_sold"`
	RevenueCents int64  `json:"revenue_cents"`
}

type PopularityReport struct {
	WindowHours int            `json:"window_hours"`
	GeneratedAt time.Time      `json:"generated_at"`
	Products    []ProductSales `json:"products"`
}

type MarginReport struct {
	Date         string `json:"date"`
	InvoiceCount int    `json:"invoice_count"`
	RevenueCents int64  `json:"revenue_cents"`
	CostCents    int64  `json:"cost_cents"`
	MarginCents  int64  `json:"margin_cents"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type User struct {
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}
