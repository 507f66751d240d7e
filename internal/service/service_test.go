package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"medipos/backend/internal/cache"
	"medipos/backend/internal/domain"
	"medipos/backend/internal/store"
	"medipos/backend/internal/store/memory"
)

func newTestService() *Service {
	return New(memory.NewSeeded(), cache.NoopReportCache{})
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin"})
}

func expiryIn(days int) string {
	return time.Now().UTC().Add(time.Duration(days) * 24 * time.Hour).Format("2006-01-02")
}

// seedProduct creates a product plus lots described as (expiryDays, qty,
// costCents) triples. expiryDays 0 receives the lot without an expiry date.
func seedProduct(t *testing.T, svc *Service, name string, priceCents int64, lots ...[3]int) domain.Product {
	t.Helper()
	product, err := svc.CreateProduct(adminCtx(), domain.ProductCreateRequest{
		SKU:            fmt.Sprintf("TST-%s", name),
		Name:           name,
		Category:       "test",
		UnitPriceCents: priceCents,
	})
	if err != nil {
		t.Fatalf("create product %s: %v", name, err)
	}
	for i, spec := range lots {
		req := domain.LotReceiveRequest{
			ProductID:     product.ID,
			BatchNumber:   fmt.Sprintf("%s-B%d", name, i+1),
			Qty:           spec[1],
			UnitCostCents: int64(spec[2]),
		}
		if spec[0] != 0 {
			req.ExpiryDate = expiryIn(spec[0])
		}
		if _, err := svc.ReceiveLot(adminCtx(), req); err != nil {
			t.Fatalf("receive lot %d for %s: %v", i+1, name, err)
		}
		// Receipt order must be observable for FEFO tie-breaks.
		time.Sleep(time.Millisecond)
	}
	return product
}

func TestSettleDrainsNearestExpiryLotFirst(t *testing.T) {
	svc := newTestService()
	product := seedProduct(t, svc, "paracetamol", 1500,
		[3]int{3, 20, 900},
		[3]int{30, 50, 900},
	)

	invoice, replayed, err := svc.Settle(adminCtx(), domain.SettleRequest{
		IdempotencyKey: "idem-fefo",
		Items:          []domain.CartItem{{ProductID: product.ID, Qty: 25}},
	})
	if err != nil {
		t.Fatalf("settle failed: %v", err)
	}
	if replayed {
		t.Fatalf("first settle must not be a replay")
	}
	if invoice.TotalCents != 25*1500 {
		t.Fatalf("expected total %d, got %d", 25*1500, invoice.TotalCents)
	}
	if len(invoice.Lines) != 2 {
		t.Fatalf("expected 2 sale lines, got %d: %+v", len(invoice.Lines), invoice.Lines)
	}
	if invoice.Lines[0].Qty != 20 || invoice.Lines[1].Qty != 5 {
		t.Fatalf("expected near-expiry lot drained fully then 5 from the next, got %+v", invoice.Lines)
	}

	lots, err := svc.ListLots(context.Background(), product.ID, true, 0)
	if err != nil {
		t.Fatalf("list lots: %v", err)
	}
	if lots[0].QtyRemaining != 0 || lots[1].QtyRemaining != 45 {
		t.Fatalf("expected remaining 0 and 45, got %d and %d", lots[0].QtyRemaining, lots[1].QtyRemaining)
	}
}

func TestSettleRecomputesTotalServerSide(t *testing.T) {
	svc := newTestService()
	product := seedProduct(t, svc, "syrup", 3800, [3]int{60, 10, 2600})

	invoice, _, err := svc.Settle(adminCtx(), domain.SettleRequest{
		IdempotencyKey:   "idem-total",
		ClientTotalCents: 1, // stale terminal total, must be ignored
		Items: []domain.CartItem{
			{ProductID: product.ID, Qty: 2},
		},
	})
	if err != nil {
		t.Fatalf("settle failed: %v", err)
	}
	if invoice.TotalCents != 2*3800 {
		t.Fatalf("total must be recomputed from the lines, got %d", invoice.TotalCents)
	}
	if invoice.Lines[0].UnitPriceCents != 3800 {
		t.Fatalf("missing cart price must fall back to the catalog, got %d", invoice.Lines[0].UnitPriceCents)
	}
}

func TestSettleRecordsChargedPrice(t *testing.T) {
	svc := newTestService()
	product := seedProduct(t, svc, "discounted-syrup", 3800, [3]int{60, 10, 2600})

	invoice, _, err := svc.Settle(adminCtx(), domain.SettleRequest{
		IdempotencyKey: "idem-charged",
		Items: []domain.CartItem{
			{ProductID: product.ID, Qty: 2, UnitPriceCents: 3000},
		},
	})
	if err != nil {
		t.Fatalf("settle failed: %v", err)
	}
	if invoice.Lines[0].UnitPriceCents != 3000 {
		t.Fatalf("sale line must carry the charged price, got %d", invoice.Lines[0].UnitPriceCents)
	}
	if invoice.Lines[0].LineTotalCents != 2*3000 {
		t.Fatalf("line total must use the charged price, got %d", invoice.Lines[0].LineTotalCents)
	}
	if invoice.TotalCents != 2*3000 {
		t.Fatalf("invoice total must sum the charged line totals, got %d", invoice.TotalCents)
	}
}

func TestSettleInsufficientStockIsTyped(t *testing.T) {
	svc := newTestService()
	product := seedProduct(t, svc, "gauze", 700, [3]int{90, 8, 300})

	_, _, err := svc.Settle(adminCtx(), domain.SettleRequest{
		IdempotencyKey: "idem-short",
		Items:          []domain.CartItem{{ProductID: product.ID, Qty: 9}},
	})
	var insufficient *store.InsufficientStockError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	if insufficient.ProductID != product.ID || insufficient.Available != 8 || insufficient.Requested != 9 {
		t.Fatalf("unexpected error payload: %+v", insufficient)
	}

	lots, _ := svc.ListLots(context.Background(), product.ID, true, 0)
	if lots[0].QtyRemaining != 8 {
		t.Fatalf("failed settle must not touch stock, remaining %d", lots[0].QtyRemaining)
	}
}

func TestSettleIsAtomicAcrossItems(t *testing.T) {
	svc := newTestService()
	plenty := seedProduct(t, svc, "plenty", 1000, [3]int{120, 50, 400})
	scarce := seedProduct(t, svc, "scarce", 2000, [3]int{120, 3, 900})

	_, _, err := svc.Settle(adminCtx(), domain.SettleRequest{
		IdempotencyKey: "idem-atomic",
		Items: []domain.CartItem{
			{ProductID: plenty.ID, Qty: 10},
			{ProductID: scarce.ID, Qty: 4},
		},
	})
	var insufficient *store.InsufficientStockError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	if insufficient.ProductID != scarce.ID {
		t.Fatalf("shortfall should be on the scarce product, got %s", insufficient.ProductID)
	}

	lots, _ := svc.ListLots(context.Background(), plenty.ID, true, 0)
	if lots[0].QtyRemaining != 50 {
		t.Fatalf("aborted settle must leave the first item's stock untouched, remaining %d", lots[0].QtyRemaining)
	}
}

func TestSettleExcludesExpiredLots(t *testing.T) {
	svc := newTestService()
	product := seedProduct(t, svc, "expired-mix", 1200,
		[3]int{-2, 40, 500},
		[3]int{45, 5, 500},
	)

	_, _, err := svc.Settle(adminCtx(), domain.SettleRequest{
		IdempotencyKey: "idem-expired",
		Items:          []domain.CartItem{{ProductID: product.ID, Qty: 6}},
	})
	var insufficient *store.InsufficientStockError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	if insufficient.Available != 5 {
		t.Fatalf("expired lot must not count as available, got %d", insufficient.Available)
	}
}

func TestSettleIdempotencyReplay(t *testing.T) {
	svc := newTestService()
	product := seedProduct(t, svc, "replay", 900, [3]int{120, 20, 400})

	req := domain.SettleRequest{
		IdempotencyKey: "idem-replay",
		Items:          []domain.CartItem{{ProductID: product.ID, Qty: 4}},
	}
	first, replayed, err := svc.Settle(adminCtx(), req)
	if err != nil || replayed {
		t.Fatalf("first settle: err=%v replayed=%t", err, replayed)
	}
	second, replayed, err := svc.Settle(adminCtx(), req)
	if err != nil {
		t.Fatalf("replay settle: %v", err)
	}
	if !replayed || second.ID != first.ID {
		t.Fatalf("expected idempotent replay of %s, got %s replayed=%t", first.ID, second.ID, replayed)
	}

	lots, _ := svc.ListLots(context.Background(), product.ID, true, 0)
	if lots[0].QtyRemaining != 16 {
		t.Fatalf("stock must be decremented exactly once, remaining %d", lots[0].QtyRemaining)
	}
}

func TestSettleRejectsInvalidRequests(t *testing.T) {
	svc := newTestService()
	product := seedProduct(t, svc, "valid", 500, [3]int{120, 10, 200})

	cases := []struct {
		name string
		req  domain.SettleRequest
	}{
		{"empty cart", domain.SettleRequest{IdempotencyKey: "k1"}},
		{"zero qty", domain.SettleRequest{IdempotencyKey: "k2", Items: []domain.CartItem{{ProductID: product.ID, Qty: 0}}}},
		{"blank product", domain.SettleRequest{IdempotencyKey: "k3", Items: []domain.CartItem{{ProductID: "  ", Qty: 1}}}},
		{"bad payment", domain.SettleRequest{IdempotencyKey: "k4", PaymentMethod: "barter", Items: []domain.CartItem{{ProductID: product.ID, Qty: 1}}}},
	}
	for _, tc := range cases {
		if _, _, err := svc.Settle(adminCtx(), tc.req); !errors.Is(err, store.ErrInvalidCart) {
			t.Fatalf("%s: expected ErrInvalidCart, got %v", tc.name, err)
		}
	}

	_, _, err := svc.Settle(adminCtx(), domain.SettleRequest{
		IdempotencyKey: "k5",
		Items:          []domain.CartItem{{ProductID: "prod-missing", Qty: 1}},
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unknown product: expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentSettlementsNeverOversell(t *testing.T) {
	svc := newTestService()
	product := seedProduct(t, svc, "contended", 1000,
		[3]int{30, 10, 400},
		[3]int{60, 10, 400},
		[3]int{90, 10, 400},
	)

	const workers = 10
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, _, err := svc.Settle(adminCtx(), domain.SettleRequest{
				IdempotencyKey: fmt.Sprintf("idem-race-%d", n),
				Items:          []domain.CartItem{{ProductID: product.ID, Qty: 5}},
			})
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	succeeded, rejected := 0, 0
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		default:
			var insufficient *store.InsufficientStockError
			if !errors.As(err, &insufficient) {
				t.Fatalf("unexpected settle error: %v", err)
			}
			rejected++
		}
	}
	if succeeded != 6 || rejected != 4 {
		t.Fatalf("expected exactly 6 settlements for 30 units, got %d ok / %d rejected", succeeded, rejected)
	}

	lots, _ := svc.ListLots(context.Background(), product.ID, true, 0)
	for _, lot := range lots {
		if lot.QtyRemaining != 0 {
			t.Fatalf("lot %s oversold or undersold: remaining %d", lot.ID, lot.QtyRemaining)
		}
	}
}

func TestStockAlertsDefaults(t *testing.T) {
	svc := newTestService()

	report, err := svc.StockAlerts(context.Background(), domain.AlertQuery{})
	if err != nil {
		t.Fatalf("stock alerts: %v", err)
	}
	if report.Threshold != DefaultLowStockThreshold || report.WindowDays != DefaultExpiryWindowDays {
		t.Fatalf("defaults not applied: %+v", report)
	}

	lowStockNames := map[string]bool{}
	for _, alert := range report.LowStock {
		lowStockNames[alert.Name] = true
		if alert.ShelfQty >= DefaultLowStockThreshold {
			t.Fatalf("alert at or above threshold: %+v", alert)
		}
	}
	if !lowStockNames["Cough Syrup 100ml"] || !lowStockNames["Surgical Mask (50pcs)"] {
		t.Fatalf("expected the two low seeded products, got %+v", report.LowStock)
	}
	if lowStockNames["Paracetamol 500mg"] {
		t.Fatalf("well-stocked product must not alert")
	}

	if len(report.NearExpiry) < 2 {
		t.Fatalf("expected the 20d and 45d seed lots in the expiry report, got %+v", report.NearExpiry)
	}
	for i := 1; i < len(report.NearExpiry); i++ {
		if report.NearExpiry[i].ExpiryDate.Before(report.NearExpiry[i-1].ExpiryDate) {
			t.Fatalf("expiry report must be sorted soonest first")
		}
	}
}

func TestStockAlertsThresholdBoundaryIsExclusive(t *testing.T) {
	svc := newTestService()
	atThreshold := seedProduct(t, svc, "exactly-stocked", 1000, [3]int{120, DefaultLowStockThreshold, 400})
	justBelow := seedProduct(t, svc, "barely-stocked", 1000, [3]int{120, DefaultLowStockThreshold - 1, 400})

	report, err := svc.StockAlerts(context.Background(), domain.AlertQuery{})
	if err != nil {
		t.Fatalf("stock alerts: %v", err)
	}
	alerted := map[string]bool{}
	for _, alert := range report.LowStock {
		alerted[alert.ProductID] = true
	}
	if alerted[atThreshold.ID] {
		t.Fatalf("stock equal to the threshold must not alert")
	}
	if !alerted[justBelow.ID] {
		t.Fatalf("stock below the threshold must alert")
	}
}

func TestStockAlertsCountExpiredOnShelf(t *testing.T) {
	svc := newTestService()
	product := seedProduct(t, svc, "old-batch", 1000, [3]int{-5, 10, 400})

	report, err := svc.StockAlerts(context.Background(), domain.AlertQuery{})
	if err != nil {
		t.Fatalf("stock alerts: %v", err)
	}

	var alert *domain.LowStockAlert
	for i := range report.LowStock {
		if report.LowStock[i].ProductID == product.ID {
			alert = &report.LowStock[i]
		}
	}
	if alert == nil {
		t.Fatalf("product with only an expired lot should be low on stock")
	}
	if alert.ShelfQty != 10 || alert.SellableQty != 0 {
		t.Fatalf("expired units belong on the shelf count only: %+v", alert)
	}

	found := false
	for _, entry := range report.NearExpiry {
		if entry.ProductID == product.ID {
			found = true
			if !entry.Expired || entry.DaysLeft >= 0 {
				t.Fatalf("expired lot should be flagged: %+v", entry)
			}
		}
	}
	if !found {
		t.Fatalf("expired lot with remaining qty must appear in the expiry report")
	}
}

func TestStockAlertsIdempotent(t *testing.T) {
	svc := newTestService()
	asOf := time.Now().UTC()

	q := domain.AlertQuery{LowStockThreshold: 100, ExpiryWindowDays: 60, AsOf: asOf}
	first, err := svc.StockAlerts(context.Background(), q)
	if err != nil {
		t.Fatalf("first scan: %v", err)
	}
	second, err := svc.StockAlerts(context.Background(), q)
	if err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if !reflect.DeepEqual(first.LowStock, second.LowStock) || !reflect.DeepEqual(first.NearExpiry, second.NearExpiry) {
		t.Fatalf("repeated scans with identical inputs must agree")
	}
}

func TestTopProductsRanksPaidSales(t *testing.T) {
	svc := newTestService()
	tea := seedProduct(t, svc, "herbal-tea", 2000, [3]int{0, 100, 800})
	balm := seedProduct(t, svc, "balm", 3000, [3]int{0, 100, 1200})

	sales := []struct {
		product domain.Product
		qty     int
	}{{tea, 7}, {balm, 2}, {tea, 5}}
	for i, sale := range sales {
		if _, _, err := svc.Settle(adminCtx(), domain.SettleRequest{
			IdempotencyKey: fmt.Sprintf("idem-rank-%d", i),
			Items:          []domain.CartItem{{ProductID: sale.product.ID, Qty: sale.qty}},
		}); err != nil {
			t.Fatalf("settle %d: %v", i, err)
		}
	}

	report, err := svc.TopProducts(context.Background(), domain.PopularityQuery{Limit: 2})
	if err != nil {
		t.Fatalf("top products: %v", err)
	}
	if len(report.Products) != 2 {
		t.Fatalf("expected 2 entries, got %+v", report.Products)
	}
	if report.Products[0].ProductID != tea.ID || report.Products[0].QtySold != 12 {
		t.Fatalf("tea should rank first with 12 sold, got %+v", report.Products[0])
	}
	if report.Products[0].RevenueCents != 12*2000 {
		t.Fatalf("revenue mismatch: %+v", report.Products[0])
	}
	if report.Products[1].ProductID != balm.ID || report.Products[1].QtySold != 2 {
		t.Fatalf("balm should rank second, got %+v", report.Products[1])
	}
}

func TestTopProductsWindowExcludesOldSales(t *testing.T) {
	svc := newTestService()
	product := seedProduct(t, svc, "seasonal", 1000, [3]int{0, 50, 400})

	base := time.Now().UTC()
	svc.nowFn = func() time.Time { return base.Add(-3 * time.Hour) }
	if _, _, err := svc.Settle(adminCtx(), domain.SettleRequest{
		IdempotencyKey: "idem-old",
		Items:          []domain.CartItem{{ProductID: product.ID, Qty: 9}},
	}); err != nil {
		t.Fatalf("old settle: %v", err)
	}

	svc.nowFn = func() time.Time { return base }
	if _, _, err := svc.Settle(adminCtx(), domain.SettleRequest{
		IdempotencyKey: "idem-new",
		Items:          []domain.CartItem{{ProductID: product.ID, Qty: 3}},
	}); err != nil {
		t.Fatalf("recent settle: %v", err)
	}

	// No window given: the 2-hour default applies and cuts off the older sale.
	report, err := svc.TopProducts(context.Background(), domain.PopularityQuery{})
	if err != nil {
		t.Fatalf("top products: %v", err)
	}
	if report.WindowHours != DefaultPopularityWindowHours {
		t.Fatalf("expected default window %dh, got %d", DefaultPopularityWindowHours, report.WindowHours)
	}
	if len(report.Products) != 1 || report.Products[0].QtySold != 3 {
		t.Fatalf("only the in-window sale should count, got %+v", report.Products)
	}
}

func TestMarginReportUsesLotCosts(t *testing.T) {
	svc := newTestService()
	product := seedProduct(t, svc, "margin", 5000, [3]int{120, 10, 3200})

	if _, _, err := svc.Settle(adminCtx(), domain.SettleRequest{
		IdempotencyKey: "idem-margin",
		Items:          []domain.CartItem{{ProductID: product.ID, Qty: 4}},
	}); err != nil {
		t.Fatalf("settle: %v", err)
	}

	report, err := svc.MarginReport(context.Background(), "")
	if err != nil {
		t.Fatalf("margin report: %v", err)
	}
	if report.InvoiceCount != 1 {
		t.Fatalf("expected 1 invoice, got %d", report.InvoiceCount)
	}
	if report.RevenueCents != 4*5000 || report.CostCents != 4*3200 {
		t.Fatalf("unexpected revenue/cost: %+v", report)
	}
	if report.MarginCents != 4*(5000-3200) {
		t.Fatalf("unexpected margin: %d", report.MarginCents)
	}
}

func TestReceiveLotValidation(t *testing.T) {
	svc := newTestService()
	product := seedProduct(t, svc, "recv", 1000)

	if _, err := svc.ReceiveLot(context.Background(), domain.LotReceiveRequest{ProductID: product.ID, Qty: 5}); err == nil {
		t.Fatalf("receiving without an actor should fail")
	}
	if _, err := svc.ReceiveLot(adminCtx(), domain.LotReceiveRequest{ProductID: product.ID, Qty: 0}); !errors.Is(err, store.ErrInvalidCart) {
		t.Fatalf("zero qty: expected ErrInvalidCart, got %v", err)
	}
	if _, err := svc.ReceiveLot(adminCtx(), domain.LotReceiveRequest{ProductID: product.ID, Qty: 5, ExpiryDate: "31-12-2026"}); !errors.Is(err, store.ErrInvalidCart) {
		t.Fatalf("bad expiry format: expected ErrInvalidCart, got %v", err)
	}
	if _, err := svc.ReceiveLot(adminCtx(), domain.LotReceiveRequest{ProductID: "prod-none", Qty: 5}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unknown product: expected ErrNotFound, got %v", err)
	}

	lot, err := svc.ReceiveLot(adminCtx(), domain.LotReceiveRequest{ProductID: product.ID, Qty: 12, UnitCostCents: 300, ExpiryDate: expiryIn(30)})
	if err != nil {
		t.Fatalf("valid receive: %v", err)
	}
	if lot.QtyRemaining != 12 || lot.QtyRemaining != lot.QtyReceived {
		t.Fatalf("fresh lot must start full: %+v", lot)
	}
}

func TestProductManagementRequiresAdmin(t *testing.T) {
	svc := newTestService()
	cashierCtx := WithActor(context.Background(), domain.Actor{Username: "kasir", Role: "pharmacist"})

	if _, err := svc.CreateProduct(cashierCtx, domain.ProductCreateRequest{SKU: "X", Name: "X", UnitPriceCents: 100}); err == nil {
		t.Fatalf("non-admin product create should fail")
	}
	if _, err := svc.CreateSupplier(cashierCtx, domain.SupplierCreateRequest{Name: "PBF"}); err == nil {
		t.Fatalf("non-admin supplier create should fail")
	}
}

func TestProductSplittableRoundTrips(t *testing.T) {
	svc := newTestService()

	created, err := svc.CreateProduct(adminCtx(), domain.ProductCreateRequest{
		SKU: "STRIP-10", Name: "Strip Tablets", UnitPriceCents: 500, Splittable: true,
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	if !created.Splittable {
		t.Fatalf("splittable flag lost on create")
	}

	fetched, err := svc.GetProduct(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if !fetched.Splittable {
		t.Fatalf("splittable flag lost on read")
	}

	off := false
	updated, err := svc.UpdateProduct(adminCtx(), created.ID, domain.ProductUpdateRequest{Splittable: &off})
	if err != nil {
		t.Fatalf("update product: %v", err)
	}
	if updated.Splittable {
		t.Fatalf("splittable flag not updatable")
	}
}
