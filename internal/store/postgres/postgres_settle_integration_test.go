package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"medipos/backend/internal/domain"
	"medipos/backend/internal/store"
)

func TestSettleSaleDrainsLotsInExpiryOrder(t *testing.T) {
	databaseURL := os.Getenv("MEDIPOS_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set MEDIPOS_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	stamp := time.Now().UnixNano()
	productID := fmt.Sprintf("prod-settle-it-%d", stamp)
	sku := fmt.Sprintf("SKU-SETTLE-IT-%d", stamp)
	nearLotID := fmt.Sprintf("lot-settle-it-near-%d", stamp)
	farLotID := fmt.Sprintf("lot-settle-it-far-%d", stamp)
	invoiceID := fmt.Sprintf("inv-settle-it-%d", stamp)
	idempotencyKey := fmt.Sprintf("idem-settle-it-%d", stamp)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sale_lines WHERE invoice_id = $1`, invoiceID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM invoices WHERE id = $1`, invoiceID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM lots WHERE product_id = $1`, productID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID)
	})

	now := time.Now().UTC()
	if _, err := s.CreateProduct(ctx, domain.Product{
		ID:             productID,
		SKU:            sku,
		Name:           "Settle IT Tablet",
		Category:       "tablet",
		UnitPriceCents: 2000,
		Active:         true,
		CreatedAt:      now,
	}); err != nil {
		t.Fatalf("create product: %v", err)
	}

	nearExpiry := now.AddDate(0, 0, 5)
	farExpiry := now.AddDate(0, 0, 60)
	for _, lot := range []domain.Lot{
		{ID: nearLotID, ProductID: productID, BatchNumber: "B-NEAR", ExpiryDate: &nearExpiry, QtyReceived: 4, QtyRemaining: 4, UnitCostCents: 900, ReceivedAt: now},
		{ID: farLotID, ProductID: productID, BatchNumber: "B-FAR", ExpiryDate: &farExpiry, QtyReceived: 10, QtyRemaining: 10, UnitCostCents: 1100, ReceivedAt: now},
	} {
		if _, err := s.ReceiveLot(ctx, lot); err != nil {
			t.Fatalf("receive lot %s: %v", lot.ID, err)
		}
	}

	invoice := domain.Invoice{
		ID:             invoiceID,
		Number:         fmt.Sprintf("INV-IT-%d", stamp),
		Status:         domain.InvoiceStatusPaid,
		PaymentMethod:  domain.PaymentCash,
		IdempotencyKey: idempotencyKey,
		TotalCents:     6 * 2000,
		CreatedAt:      now,
	}
	items := []domain.CartItem{
		{ProductID: productID, Qty: 6, UnitPriceCents: 2000},
	}

	settled, err := s.SettleSale(ctx, invoice, items, now)
	if err != nil {
		t.Fatalf("settle sale: %v", err)
	}
	if settled.ID != invoiceID {
		t.Fatalf("unexpected invoice id %s", settled.ID)
	}
	if len(settled.Lines) != 2 {
		t.Fatalf("expected 2 sale lines across lots, got %d", len(settled.Lines))
	}

	remaining := map[string]int{}
	lots, err := s.ListLots(ctx, productID, true, 10)
	if err != nil {
		t.Fatalf("list lots: %v", err)
	}
	for _, lot := range lots {
		remaining[lot.ID] = lot.QtyRemaining
	}
	if remaining[nearLotID] != 0 {
		t.Fatalf("expected near-expiry lot drained first, remaining %d", remaining[nearLotID])
	}
	if remaining[farLotID] != 8 {
		t.Fatalf("expected 8 left in far lot, got %d", remaining[farLotID])
	}

	// Replaying the same idempotency key must return the stored invoice
	// without touching inventory again.
	replayInvoice := invoice
	replayInvoice.ID = fmt.Sprintf("inv-settle-it-replay-%d", stamp)
	replayed, err := s.SettleSale(ctx, replayInvoice, items, now)
	if err != nil {
		t.Fatalf("replay settle: %v", err)
	}
	if replayed.ID != invoiceID {
		t.Fatalf("expected replay to return original invoice, got %s", replayed.ID)
	}

	// Asking for more than what is left must fail with the typed shortfall
	// error and keep remaining stock intact.
	overdraw := domain.Invoice{
		ID:             fmt.Sprintf("inv-settle-it-over-%d", stamp),
		Number:         fmt.Sprintf("INV-IT-OVER-%d", stamp),
		Status:         domain.InvoiceStatusPaid,
		PaymentMethod:  domain.PaymentCash,
		IdempotencyKey: fmt.Sprintf("idem-settle-it-over-%d", stamp),
		TotalCents:     9 * 2000,
		CreatedAt:      now,
	}
	_, err = s.SettleSale(ctx, overdraw, []domain.CartItem{{ProductID: productID, Qty: 9, UnitPriceCents: 2000}}, now)
	var insufficient *store.InsufficientStockError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected typed insufficient stock error, got %v", err)
	}
	if insufficient.Available != 8 || insufficient.Requested != 9 {
		t.Fatalf("unexpected shortfall payload: %+v", insufficient)
	}
}
