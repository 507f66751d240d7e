package memory

import (
	"context"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"medipos/backend/internal/allocation"
	"medipos/backend/internal/domain"
	"medipos/backend/internal/store"
	"medipos/backend/internal/xid"
)

type Store struct {
	mu              sync.RWMutex
	products        map[string]domain.Product
	productIDBySKU  map[string]string
	suppliersByID   map[string]domain.Supplier
	lotsByProduct   map[string][]domain.Lot
	invoicesByID    map[string]*domain.Invoice
	invoicesByIdem  map[string]string
	invoiceOrder    []string
	usersByUsername map[string]domain.User
}

func New() *Store {
	return &Store{
		products:        map[string]domain.Product{},
		productIDBySKU:  map[string]string{},
		suppliersByID:   map[string]domain.Supplier{},
		lotsByProduct:   map[string][]domain.Lot{},
		invoicesByID:    map[string]*domain.Invoice{},
		invoicesByIdem:  map[string]string{},
		usersByUsername: seedUsers(),
	}
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD and SEED_PHARMACIST_PASSWORD;
// hardcoded dev defaults are used otherwise, with a warning. Production
// deployments run against PostgreSQL and never hit this path.
func seedUsers() map[string]domain.User {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	pharmacistPwd := envOr("SEED_PHARMACIST_PASSWORD", "apotek123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_PHARMACIST_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_PHARMACIST_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.User{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"pharmacist", pharmacistPwd, "pharmacist"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.User{
			Username:     u.username,
			PasswordHash: string(hash),
			Role:         u.role,
			Active:       true,
			CreatedAt:    now,
		}
	}
	return users
}

// NewSeeded returns a store preloaded with a small pharmacy catalog and a
// spread of lots (near-expiry, long-dated, undated) for dev mode and tests.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	supplier := domain.Supplier{ID: "sup-seed-1", Name: "Kimia Medika Distribusi", Phone: "021-555-0101", CreatedAt: now}
	s.suppliersByID[supplier.ID] = supplier

	seedProducts := []domain.Product{
		{ID: "prod-paracetamol", SKU: "PCT-500", Name: "Paracetamol 500mg", Category: "analgesic", UnitPriceCents: 1500, Splittable: true, Active: true, CreatedAt: now},
		{ID: "prod-amoxicillin", SKU: "AMX-500", Name: "Amoxicillin 500mg", Category: "antibiotic", UnitPriceCents: 4200, Splittable: true, Active: true, CreatedAt: now},
		{ID: "prod-cough-syrup", SKU: "OBH-100", Name: "Cough Syrup 100ml", Category: "cough-cold", UnitPriceCents: 3800, Active: true, CreatedAt: now},
		{ID: "prod-vitamin-c", SKU: "VTC-250", Name: "Vitamin C 250mg", Category: "supplement", UnitPriceCents: 900, Active: true, CreatedAt: now},
		{ID: "prod-face-mask", SKU: "MSK-50", Name: "Surgical Mask (50pcs)", Category: "consumable", UnitPriceCents: 5500, Active: true, CreatedAt: now},
	}
	for _, p := range seedProducts {
		s.products[p.ID] = p
		s.productIDBySKU[p.SKU] = p.ID
	}

	date := func(days int) *time.Time {
		d := now.Add(time.Duration(days) * 24 * time.Hour)
		return &d
	}
	seedLots := []domain.Lot{
		{ID: "lot-seed-1", ProductID: "prod-paracetamol", BatchNumber: "PCT-B1", SupplierID: supplier.ID, ExpiryDate: date(20), QtyReceived: 40, QtyRemaining: 40, UnitCostCents: 900, ReceivedAt: now.Add(-96 * time.Hour)},
		{ID: "lot-seed-2", ProductID: "prod-paracetamol", BatchNumber: "PCT-B2", SupplierID: supplier.ID, ExpiryDate: date(180), QtyReceived: 120, QtyRemaining: 120, UnitCostCents: 850, ReceivedAt: now.Add(-48 * time.Hour)},
		{ID: "lot-seed-3", ProductID: "prod-amoxicillin", BatchNumber: "AMX-B1", SupplierID: supplier.ID, ExpiryDate: date(45), QtyReceived: 60, QtyRemaining: 60, UnitCostCents: 3100, ReceivedAt: now.Add(-72 * time.Hour)},
		{ID: "lot-seed-4", ProductID: "prod-cough-syrup", BatchNumber: "OBH-B1", SupplierID: supplier.ID, ExpiryDate: date(300), QtyReceived: 30, QtyRemaining: 30, UnitCostCents: 2600, ReceivedAt: now.Add(-24 * time.Hour)},
		{ID: "lot-seed-5", ProductID: "prod-vitamin-c", BatchNumber: "VTC-B1", SupplierID: supplier.ID, ExpiryDate: nil, QtyReceived: 200, QtyRemaining: 200, UnitCostCents: 500, ReceivedAt: now.Add(-24 * time.Hour)},
		{ID: "lot-seed-6", ProductID: "prod-face-mask", BatchNumber: "MSK-B1", SupplierID: supplier.ID, ExpiryDate: date(700), QtyReceived: 25, QtyRemaining: 25, UnitCostCents: 4000, ReceivedAt: now.Add(-24 * time.Hour)},
	}
	for _, lot := range seedLots {
		s.lotsByProduct[lot.ProductID] = append(s.lotsByProduct[lot.ProductID], lot)
	}
	return s
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.products[product.ID]; exists {
		return nil, store.ErrDuplicate
	}
	if _, exists := s.productIDBySKU[product.SKU]; exists {
		return nil, store.ErrDuplicate
	}
	s.products[product.ID] = product
	s.productIDBySKU[product.SKU] = product.ID
	clone := product
	return &clone, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := product
	return &clone, nil
}

func (s *Store) GetProductsByIDs(_ context.Context, ids []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if product, ok := s.products[id]; ok {
			result[id] = product
		}
	}
	return result, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.products[product.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	// SKU is immutable once assigned.
	product.SKU = existing.SKU
	product.CreatedAt = existing.CreatedAt
	s.products[product.ID] = product
	clone := product
	return &clone, nil
}

func (s *Store) ListProducts(_ context.Context, activeOnly bool, asOf time.Time) ([]domain.ProductStock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.ProductStock, 0, len(s.products))
	for _, product := range s.products {
		if activeOnly && !product.Active {
			continue
		}
		shelf, sellable := 0, 0
		for _, lot := range s.lotsByProduct[product.ID] {
			shelf += lot.QtyRemaining
			if allocation.Sellable(lot, asOf) {
				sellable += lot.QtyRemaining
			}
		}
		result = append(result, domain.ProductStock{Product: product, ShelfQty: shelf, SellableQty: sellable})
	}
	slices.SortFunc(result, func(a, b domain.ProductStock) int {
		return strings.Compare(a.Product.Name, b.Product.Name)
	})
	return result, nil
}

func (s *Store) CreateSupplier(_ context.Context, supplier domain.Supplier) (*domain.Supplier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.suppliersByID[supplier.ID]; exists {
		return nil, store.ErrDuplicate
	}
	s.suppliersByID[supplier.ID] = supplier
	clone := supplier
	return &clone, nil
}

func (s *Store) GetSupplier(_ context.Context, id string) (*domain.Supplier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	supplier, ok := s.suppliersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := supplier
	return &clone, nil
}

func (s *Store) ListSuppliers(_ context.Context) ([]domain.Supplier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Supplier, 0, len(s.suppliersByID))
	for _, supplier := range s.suppliersByID {
		result = append(result, supplier)
	}
	slices.SortFunc(result, func(a, b domain.Supplier) int {
		return strings.Compare(a.Name, b.Name)
	})
	return result, nil
}

func (s *Store) ReceiveLot(_ context.Context, lot domain.Lot) (*domain.Lot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[lot.ProductID]; !ok {
		return nil, store.ErrNotFound
	}
	if lot.SupplierID != "" {
		if _, ok := s.suppliersByID[lot.SupplierID]; !ok {
			return nil, store.ErrNotFound
		}
	}
	s.lotsByProduct[lot.ProductID] = append(s.lotsByProduct[lot.ProductID], lot)
	clone := lot
	return &clone, nil
}

func (s *Store) ListLots(_ context.Context, productID string, includeEmpty bool, limit int) ([]domain.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.products[productID]; !ok {
		return nil, store.ErrNotFound
	}
	result := make([]domain.Lot, 0, len(s.lotsByProduct[productID]))
	for _, lot := range s.lotsByProduct[productID] {
		if !includeEmpty && lot.QtyRemaining < 1 {
			continue
		}
		result = append(result, lot)
	}
	slices.SortFunc(result, allocation.CompareFEFO)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// SettleSale holds the write lock across planning and commit, which makes the
// whole settlement serializable: concurrent sales observe either none or all
// of each other's decrements.
func (s *Store) SettleSale(_ context.Context, invoice domain.Invoice, items []domain.CartItem, asOf time.Time) (*domain.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if invoice.IdempotencyKey != "" {
		if existingID, ok := s.invoicesByIdem[invoice.IdempotencyKey]; ok {
			return cloneInvoice(s.invoicesByID[existingID]), nil
		}
	}
	if len(items) == 0 {
		return nil, store.ErrInvalidCart
	}

	// Plan phase: allocate every line against a working copy so nothing is
	// written until the whole cart is known to fit.
	work := map[string][]domain.Lot{}
	type plannedLine struct {
		item  domain.CartItem
		steps []domain.AllocationStep
	}
	planned := make([]plannedLine, 0, len(items))
	for _, item := range items {
		product, ok := s.products[item.ProductID]
		if !ok || !product.Active {
			return nil, store.ErrNotFound
		}
		lots, ok := work[item.ProductID]
		if !ok {
			lots = cloneLots(s.lotsByProduct[item.ProductID])
			work[item.ProductID] = lots
		}
		steps, shortfall := allocation.Plan(lots, item.Qty, asOf)
		if shortfall > 0 {
			return nil, &store.InsufficientStockError{
				ProductID: item.ProductID,
				Available: allocation.Available(lots, asOf),
				Requested: item.Qty,
			}
		}
		applySteps(lots, steps)
		planned = append(planned, plannedLine{item: item, steps: steps})
	}

	// Commit phase.
	for productID, lots := range work {
		s.lotsByProduct[productID] = lots
	}
	costByLot := map[string]int64{}
	for _, lots := range work {
		for _, lot := range lots {
			costByLot[lot.ID] = lot.UnitCostCents
		}
	}
	invoice.Lines = nil
	for _, line := range planned {
		for _, step := range line.steps {
			invoice.Lines = append(invoice.Lines, domain.SaleLine{
				ID:             xid.New("line"),
				InvoiceID:      invoice.ID,
				ProductID:      line.item.ProductID,
				LotID:          step.LotID,
				Qty:            step.Qty,
				UnitPriceCents: line.item.UnitPriceCents,
				UnitCostCents:  costByLot[step.LotID],
				LineTotalCents: int64(step.Qty) * line.item.UnitPriceCents,
			})
		}
	}
	invoice.Status = domain.InvoiceStatusPaid

	stored := cloneInvoice(&invoice)
	s.invoicesByID[invoice.ID] = stored
	s.invoiceOrder = append(s.invoiceOrder, invoice.ID)
	if invoice.IdempotencyKey != "" {
		s.invoicesByIdem[invoice.IdempotencyKey] = invoice.ID
	}
	return cloneInvoice(stored), nil
}

func (s *Store) GetInvoice(_ context.Context, id string) (*domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	invoice, ok := s.invoicesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneInvoice(invoice), nil
}

func (s *Store) GetInvoiceByIdempotencyKey(_ context.Context, key string) (*domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.invoicesByIdem[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneInvoice(s.invoicesByID[id]), nil
}

func (s *Store) ListInvoices(_ context.Context, limit int) ([]domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Invoice, 0, limit)
	for i := len(s.invoiceOrder) - 1; i >= 0; i-- {
		if limit > 0 && len(result) >= limit {
			break
		}
		result = append(result, *cloneInvoice(s.invoicesByID[s.invoiceOrder[i]]))
	}
	return result, nil
}

func (s *Store) LowStock(_ context.Context, threshold int, asOf time.Time) ([]domain.LowStockAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []domain.LowStockAlert{}
	for _, product := range s.products {
		if !product.Active {
			continue
		}
		shelf, sellable := 0, 0
		for _, lot := range s.lotsByProduct[product.ID] {
			shelf += lot.QtyRemaining
			if allocation.Sellable(lot, asOf) {
				sellable += lot.QtyRemaining
			}
		}
		if shelf >= threshold {
			continue
		}
		result = append(result, domain.LowStockAlert{
			ProductID:   product.ID,
			SKU:         product.SKU,
			Name:        product.Name,
			ShelfQty:    shelf,
			SellableQty: sellable,
			Threshold:   threshold,
		})
	}
	slices.SortFunc(result, func(a, b domain.LowStockAlert) int {
		if a.ShelfQty != b.ShelfQty {
			return a.ShelfQty - b.ShelfQty
		}
		return strings.Compare(a.Name, b.Name)
	})
	return result, nil
}

func (s *Store) ExpiringLots(_ context.Context, asOf time.Time, windowDays int) ([]domain.ExpiryAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	horizon := asOf.Add(time.Duration(windowDays) * 24 * time.Hour)
	result := []domain.ExpiryAlert{}
	for productID, lots := range s.lotsByProduct {
		product := s.products[productID]
		for _, lot := range lots {
			if lot.QtyRemaining < 1 || lot.ExpiryDate == nil {
				continue
			}
			if lot.ExpiryDate.After(horizon) {
				continue
			}
			result = append(result, domain.ExpiryAlert{
				LotID:        lot.ID,
				ProductID:    productID,
				ProductName:  product.Name,
				BatchNumber:  lot.BatchNumber,
				ExpiryDate:   *lot.ExpiryDate,
				QtyRemaining: lot.QtyRemaining,
				DaysLeft:     int(lot.ExpiryDate.Sub(asOf).Hours() / 24),
				Expired:      !lot.ExpiryDate.After(asOf),
			})
		}
	}
	slices.SortFunc(result, func(a, b domain.ExpiryAlert) int {
		if a.ExpiryDate.Before(b.ExpiryDate) {
			return -1
		}
		if a.ExpiryDate.After(b.ExpiryDate) {
			return 1
		}
		return strings.Compare(a.LotID, b.LotID)
	})
	return result, nil
}

func (s *Store) TopProducts(_ context.Context, since time.Time, until time.Time, limit int) ([]domain.ProductSales, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	totals := map[string]*domain.ProductSales{}
	for _, invoice := range s.invoicesByID {
		if invoice.Status != domain.InvoiceStatusPaid {
			continue
		}
		if !invoice.CreatedAt.After(since) || invoice.CreatedAt.After(until) {
			continue
		}
		for _, line := range invoice.Lines {
			entry, ok := totals[line.ProductID]
			if !ok {
				product := s.products[line.ProductID]
				entry = &domain.ProductSales{ProductID: line.ProductID, SKU: product.SKU, Name: product.Name}
				totals[line.ProductID] = entry
			}
			entry.QtySold += line.Qty
			entry.RevenueCents += line.LineTotalCents
		}
	}

	result := make([]domain.ProductSales, 0, len(totals))
	for _, entry := range totals {
		result = append(result, *entry)
	}
	slices.SortFunc(result, func(a, b domain.ProductSales) int {
		if a.QtySold != b.QtySold {
			return b.QtySold - a.QtySold
		}
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.ProductID, b.ProductID)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) SalesSummary(_ context.Context, from time.Time, to time.Time) (domain.MarginReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report := domain.MarginReport{Date: from.UTC().Format("2006-01-02")}
	for _, invoice := range s.invoicesByID {
		if invoice.Status != domain.InvoiceStatusPaid {
			continue
		}
		if invoice.CreatedAt.Before(from) || !invoice.CreatedAt.Before(to) {
			continue
		}
		report.InvoiceCount++
		report.RevenueCents += invoice.TotalCents
		for _, line := range invoice.Lines {
			report.CostCents += int64(line.Qty) * line.UnitCostCents
		}
	}
	report.MarginCents = report.RevenueCents - report.CostCents
	return report, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usersByUsername[user.Username]; exists {
		return store.ErrDuplicate
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) GetUser(_ context.Context, username string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.usersByUsername[username]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := user
	return &clone, nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.User, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		result = append(result, user)
	}
	slices.SortFunc(result, func(a, b domain.User) int {
		return strings.Compare(a.Username, b.Username)
	})
	return result, nil
}

func applySteps(lots []domain.Lot, steps []domain.AllocationStep) {
	for _, step := range steps {
		for i := range lots {
			if lots[i].ID == step.LotID {
				lots[i].QtyRemaining -= step.Qty
				break
			}
		}
	}
}

func cloneLots(lots []domain.Lot) []domain.Lot {
	cloned := make([]domain.Lot, len(lots))
	copy(cloned, lots)
	for i := range cloned {
		if cloned[i].ExpiryDate != nil {
			d := *cloned[i].ExpiryDate
			cloned[i].ExpiryDate = &d
		}
	}
	return cloned
}

func cloneInvoice(invoice *domain.Invoice) *domain.Invoice {
	if invoice == nil {
		return nil
	}
	clone := *invoice
	clone.Lines = make([]domain.SaleLine, len(invoice.Lines))
	copy(clone.Lines, invoice.Lines)
	return &clone
}
