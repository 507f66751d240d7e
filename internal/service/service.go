package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"medipos/backend/internal/cache"
	"medipos/backend/internal/domain"
	"medipos/backend/internal/store"
	"medipos/backend/internal/xid"
)

const (
	DefaultLowStockThreshold = 50
	DefaultExpiryWindowDays  = 90
	MaxExpiryWindowDays      = 730

	DefaultPopularityWindowHours = 2
	MaxPopularityWindowHours     = 8760
	DefaultPopularityLimit       = 10
	MaxPopularityLimit           = 100

	settleAttempts  = 3
	alertsCacheTTL  = 30 * time.Second
	rankingCacheTTL = 60 * time.Second
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo    store.Repository
	reports cache.ReportCache
	nowFn   func() time.Time

	lowStockThreshold int
	expiryWindowDays  int
}

func New(repo store.Repository, reports cache.ReportCache) *Service {
	if reports == nil {
		reports = cache.NoopReportCache{}
	}
	return &Service{
		repo:              repo,
		reports:           reports,
		nowFn:             func() time.Time { return time.Now().UTC() },
		lowStockThreshold: DefaultLowStockThreshold,
		expiryWindowDays:  DefaultExpiryWindowDays,
	}
}

// SetAlertDefaults overrides the deployment-wide alert defaults. Per-request
// query values still win over these.
func (s *Service) SetAlertDefaults(threshold int, windowDays int) {
	if threshold > 0 {
		s.lowStockThreshold = threshold
	}
	if windowDays > 0 && windowDays <= MaxExpiryWindowDays {
		s.expiryWindowDays = windowDays
	}
}

func (s *Service) ListProducts(ctx context.Context, activeOnly bool) ([]domain.ProductStock, error) {
	return s.repo.ListProducts(ctx, activeOnly, s.nowFn())
}

func (s *Service) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	product, err := s.repo.GetProduct(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Product{}, fmt.Errorf("admin role required")
	}

	req.SKU = strings.ToUpper(strings.TrimSpace(req.SKU))
	req.Name = strings.TrimSpace(req.Name)
	req.Category = strings.TrimSpace(req.Category)

	if req.SKU == "" || req.Name == "" {
		return domain.Product{}, store.ErrInvalidCart
	}
	if req.UnitPriceCents < 1 {
		return domain.Product{}, store.ErrInvalidCart
	}

	product := domain.Product{
		ID:             xid.New("prod"),
		SKU:            req.SKU,
		Name:           req.Name,
		Category:       req.Category,
		UnitPriceCents: req.UnitPriceCents,
		Splittable:     req.Splittable,
		Active:         true,
		CreatedAt:      s.nowFn(),
	}

	created, err := s.repo.CreateProduct(ctx, product)
	if err != nil {
		return domain.Product{}, err
	}
	s.logEvent(ctx, "product_create", created.ID, fmt.Sprintf("sku=%s,price=%d", created.SKU, created.UnitPriceCents))
	return *created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, id string, req domain.ProductUpdateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Product{}, fmt.Errorf("admin role required")
	}

	existing, err := s.repo.GetProduct(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Product{}, err
	}

	updated := *existing
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Product{}, store.ErrInvalidCart
		}
		updated.Name = name
	}
	if req.Category != nil {
		updated.Category = strings.TrimSpace(*req.Category)
	}
	if req.UnitPriceCents != nil {
		if *req.UnitPriceCents < 1 {
			return domain.Product{}, store.ErrInvalidCart
		}
		updated.UnitPriceCents = *req.UnitPriceCents
	}
	if req.Splittable != nil {
		updated.Splittable = *req.Splittable
	}
	if req.Active != nil {
		updated.Active = *req.Active
	}

	saved, err := s.repo.UpdateProduct(ctx, updated)
	if err != nil {
		return domain.Product{}, err
	}
	s.logEvent(ctx, "product_update", saved.ID, fmt.Sprintf("active=%t,price=%d", saved.Active, saved.UnitPriceCents))
	return *saved, nil
}

func (s *Service) CreateSupplier(ctx context.Context, req domain.SupplierCreateRequest) (domain.Supplier, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Supplier{}, fmt.Errorf("admin role required")
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return domain.Supplier{}, store.ErrInvalidCart
	}

	supplier := domain.Supplier{
		ID:        xid.New("sup"),
		Name:      req.Name,
		Phone:     strings.TrimSpace(req.Phone),
		CreatedAt: s.nowFn(),
	}
	saved, err := s.repo.CreateSupplier(ctx, supplier)
	if err != nil {
		return domain.Supplier{}, err
	}
	s.logEvent(ctx, "supplier_create", saved.ID, saved.Name)
	return *saved, nil
}

func (s *Service) ListSuppliers(ctx context.Context) ([]domain.Supplier, error) {
	return s.repo.ListSuppliers(ctx)
}

func (s *Service) ReceiveLot(ctx context.Context, req domain.LotReceiveRequest) (domain.Lot, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || (actor.Role != "admin" && actor.Role != "pharmacist") {
		return domain.Lot{}, fmt.Errorf("admin or pharmacist role required")
	}

	req.ProductID = strings.TrimSpace(req.ProductID)
	if req.ProductID == "" || req.Qty < 1 || req.UnitCostCents < 0 {
		return domain.Lot{}, store.ErrInvalidCart
	}

	var expiry *time.Time
	if req.ExpiryDate != "" {
		parsed, err := time.Parse("2006-01-02", req.ExpiryDate)
		if err != nil {
			return domain.Lot{}, store.ErrInvalidCart
		}
		parsed = parsed.UTC()
		expiry = &parsed
	}

	if req.SupplierID != "" {
		if _, err := s.repo.GetSupplier(ctx, req.SupplierID); err != nil {
			return domain.Lot{}, err
		}
	}

	lot := domain.Lot{
		ID:            xid.New("lot"),
		ProductID:     req.ProductID,
		BatchNumber:   strings.TrimSpace(req.BatchNumber),
		SupplierID:    strings.TrimSpace(req.SupplierID),
		ExpiryDate:    expiry,
		QtyReceived:   req.Qty,
		QtyRemaining:  req.Qty,
		UnitCostCents: req.UnitCostCents,
		ReceivedAt:    s.nowFn(),
	}
	saved, err := s.repo.ReceiveLot(ctx, lot)
	if err != nil {
		return domain.Lot{}, err
	}
	s.logEvent(ctx, "lot_receive", saved.ID, fmt.Sprintf("product=%s,qty=%d,expiry=%s", saved.ProductID, saved.QtyReceived, req.ExpiryDate))
	return *saved, nil
}

func (s *Service) ListLots(ctx context.Context, productID string, includeEmpty bool, limit int) ([]domain.Lot, error) {
	if limit < 1 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}
	return s.repo.ListLots(ctx, strings.TrimSpace(productID), includeEmpty, limit)
}

// Settle runs the plan-then-commit checkout. The returned bool reports an
// idempotent replay: the key was seen before and the original invoice was
// returned without touching stock.
func (s *Service) Settle(ctx context.Context, req domain.SettleRequest) (domain.Invoice, bool, error) {
	if req.PaymentMethod == "" {
		req.PaymentMethod = domain.PaymentCash
	}
	if !isSupportedPaymentMethod(req.PaymentMethod) {
		return domain.Invoice{}, false, store.ErrInvalidCart
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = xid.New("idem")
	}

	items := normalizeItems(req.Items)
	if len(items) == 0 {
		return domain.Invoice{}, false, store.ErrInvalidCart
	}

	if existing, err := s.repo.GetInvoiceByIdempotencyKey(ctx, req.IdempotencyKey); err == nil {
		return *existing, true, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.Invoice{}, false, err
	}

	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ProductID)
	}
	products, err := s.repo.GetProductsByIDs(ctx, ids)
	if err != nil {
		return domain.Invoice{}, false, err
	}

	// The charged per-unit price comes from the cart (discounts and
	// negotiated prices are legitimate); the catalog fills in missing prices
	// and flags drift. The invoice total is always recomputed from the lines.
	total := int64(0)
	for i, item := range items {
		product, exists := products[item.ProductID]
		if !exists || !product.Active {
			return domain.Invoice{}, false, store.ErrNotFound
		}
		charged := item.UnitPriceCents
		if charged <= 0 {
			charged = product.UnitPriceCents
		}
		if charged != product.UnitPriceCents {
			log.Printf("[service] WARN: price drift product=%s charged=%d catalog=%d", item.ProductID, charged, product.UnitPriceCents)
		}
		items[i].UnitPriceCents = charged
		total += int64(item.Qty) * charged
	}
	if req.ClientTotalCents != 0 && req.ClientTotalCents != total {
		log.Printf("[service] WARN: total mismatch key=%s client=%d server=%d", req.IdempotencyKey, req.ClientTotalCents, total)
	}

	now := s.nowFn()
	invoice := domain.Invoice{
		ID:             xid.New("inv"),
		Number:         xid.InvoiceNumber(now),
		Status:         domain.InvoiceStatusPaid,
		PaymentMethod:  req.PaymentMethod,
		BuyerRef:       strings.TrimSpace(req.BuyerRef),
		IdempotencyKey: req.IdempotencyKey,
		TotalCents:     total,
		CreatedAt:      now,
	}

	var settled *domain.Invoice
	for attempt := 1; attempt <= settleAttempts; attempt++ {
		settled, err = s.repo.SettleSale(ctx, invoice, items, now)
		if err == nil || !errors.Is(err, store.ErrLotConflict) {
			break
		}
		log.Printf("[service] lot conflict on settle key=%s attempt=%d", req.IdempotencyKey, attempt)
	}
	if err != nil {
		return domain.Invoice{}, false, err
	}

	replayed := settled.ID != invoice.ID
	if !replayed {
		s.logEvent(ctx, "sale_settle", settled.ID, fmt.Sprintf("total=%d,lines=%d,method=%s", settled.TotalCents, len(settled.Lines), settled.PaymentMethod))
	}
	return *settled, replayed, nil
}

func (s *Service) GetInvoice(ctx context.Context, id string) (domain.Invoice, error) {
	invoice, err := s.repo.GetInvoice(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Invoice{}, err
	}
	return *invoice, nil
}

func (s *Service) LookupSettlement(ctx context.Context, idempotencyKey string) (domain.Invoice, error) {
	invoice, err := s.repo.GetInvoiceByIdempotencyKey(ctx, strings.TrimSpace(idempotencyKey))
	if err != nil {
		return domain.Invoice{}, err
	}
	return *invoice, nil
}

func (s *Service) ListInvoices(ctx context.Context, limit int) ([]domain.Invoice, error) {
	if limit < 1 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	return s.repo.ListInvoices(ctx, limit)
}

// StockAlerts produces the low-stock and near-expiry report. The scan is
// read-only and idempotent; repeated calls with the same inputs return the
// same report, modulo GeneratedAt.
func (s *Service) StockAlerts(ctx context.Context, q domain.AlertQuery) (domain.AlertReport, error) {
	if q.LowStockThreshold < 1 {
		q.LowStockThreshold = s.lowStockThreshold
	}
	if q.ExpiryWindowDays < 1 {
		q.ExpiryWindowDays = s.expiryWindowDays
	}
	if q.ExpiryWindowDays > MaxExpiryWindowDays {
		q.ExpiryWindowDays = MaxExpiryWindowDays
	}
	if q.AsOf.IsZero() {
		q.AsOf = s.nowFn()
	}

	key := fmt.Sprintf("%d:%d:%s", q.LowStockThreshold, q.ExpiryWindowDays, q.AsOf.Truncate(time.Minute).Format(time.RFC3339))
	if cached, found, err := s.reports.GetAlerts(ctx, key); err != nil {
		log.Printf("[service] WARN: alerts cache read failed: %v", err)
	} else if found {
		return *cached, nil
	}

	lowStock, err := s.repo.LowStock(ctx, q.LowStockThreshold, q.AsOf)
	if err != nil {
		return domain.AlertReport{}, err
	}
	nearExpiry, err := s.repo.ExpiringLots(ctx, q.AsOf, q.ExpiryWindowDays)
	if err != nil {
		return domain.AlertReport{}, err
	}

	report := domain.AlertReport{
		GeneratedAt: s.nowFn(),
		Threshold:   q.LowStockThreshold,
		WindowDays:  q.ExpiryWindowDays,
		LowStock:    lowStock,
		NearExpiry:  nearExpiry,
	}
	if err := s.reports.SetAlerts(ctx, key, &report, alertsCacheTTL); err != nil {
		log.Printf("[service] WARN: alerts cache write failed: %v", err)
	}
	return report, nil
}

// TopProducts ranks products by quantity sold across paid invoices in a
// trailing window.
func (s *Service) TopProducts(ctx context.Context, q domain.PopularityQuery) (domain.PopularityReport, error) {
	if q.WindowHours < 1 {
		q.WindowHours = DefaultPopularityWindowHours
	}
	if q.WindowHours > MaxPopularityWindowHours {
		q.WindowHours = MaxPopularityWindowHours
	}
	if q.Limit < 1 {
		q.Limit = DefaultPopularityLimit
	}
	if q.Limit > MaxPopularityLimit {
		q.Limit = MaxPopularityLimit
	}
	if q.AsOf.IsZero() {
		q.AsOf = s.nowFn()
	}

	key := fmt.Sprintf("%d:%d:%s", q.WindowHours, q.Limit, q.AsOf.Truncate(time.Minute).Format(time.RFC3339))
	if cached, found, err := s.reports.GetPopularity(ctx, key); err != nil {
		log.Printf("[service] WARN: popularity cache read failed: %v", err)
	} else if found {
		return *cached, nil
	}

	since := q.AsOf.Add(-time.Duration(q.WindowHours) * time.Hour)
	products, err := s.repo.TopProducts(ctx, since, q.AsOf, q.Limit)
	if err != nil {
		return domain.PopularityReport{}, err
	}

	report := domain.PopularityReport{
		WindowHours: q.WindowHours,
		GeneratedAt: s.nowFn(),
		Products:    products,
	}
	if err := s.reports.SetPopularity(ctx, key, &report, rankingCacheTTL); err != nil {
		log.Printf("[service] WARN: popularity cache write failed: %v", err)
	}
	return report, nil
}

// MarginReport summarises one calendar day (UTC) of paid invoices.
func (s *Service) MarginReport(ctx context.Context, date string) (domain.MarginReport, error) {
	day := s.nowFn()
	if date != "" {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return domain.MarginReport{}, store.ErrInvalidCart
		}
		day = parsed
	}
	from := time.Date(day.UTC().Year(), day.UTC().Month(), day.UTC().Day(), 0, 0, 0, 0, time.UTC)
	return s.repo.SalesSummary(ctx, from, from.Add(24*time.Hour))
}

func (s *Service) logEvent(ctx context.Context, action string, entityID string, detail string) {
	actor, _ := ActorFromContext(ctx)
	log.Printf("[service] %s actor=%s entity=%s %s", action, actor.Username, entityID, detail)
}

func normalizeItems(items []domain.CartItem) []domain.CartItem {
	normalized := make([]domain.CartItem, 0, len(items))
	for _, item := range items {
		item.ProductID = strings.TrimSpace(item.ProductID)
		if item.ProductID == "" || item.Qty < 1 {
			return nil
		}
		normalized = append(normalized, item)
	}
	return normalized
}

func isSupportedPaymentMethod(method string) bool {
	switch method {
	case domain.PaymentCash, domain.PaymentCard, domain.PaymentTransfer:
		return true
	}
	return false
}
