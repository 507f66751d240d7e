package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"medipos/backend/internal/allocation"
	"medipos/backend/internal/domain"
	"medipos/backend/internal/store"
	"medipos/backend/internal/xid"
)

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

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, sku, name, category, unit_price_cents, splittable, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now())
	`, product.ID, product.SKU, product.Name, product.Category, product.UnitPriceCents, product.Splittable, product.Active, product.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicate
		}
		return nil, err
	}
	created := product
	return &created, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	var product domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, sku, name, category, unit_price_cents, splittable, active, created_at
		FROM products
		WHERE id = $1
	`, id).Scan(&product.ID, &product.SKU, &product.Name, &product.Category, &product.UnitPriceCents, &product.Splittable, &product.Active, &product.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &product, nil
}

func (s *Store) GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sku, name, category, unit_price_cents, splittable, active, created_at
		FROM products
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]domain.Product, len(ids))
	for rows.Next() {
		var product domain.Product
		if err := rows.Scan(&product.ID, &product.SKU, &product.Name, &product.Category, &product.UnitPriceCents, &product.Splittable, &product.Active, &product.CreatedAt); err != nil {
			return nil, err
		}
		result[product.ID] = product
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET name = $2, category = $3, unit_price_cents = $4, splittable = $5, active = $6, updated_at = now()
		WHERE id = $1
	`, product.ID, product.Name, product.Category, product.UnitPriceCents, product.Splittable, product.Active)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}
	return s.GetProduct(ctx, product.ID)
}

func (s *Store) ListProducts(ctx context.Context, activeOnly bool, asOf time.Time) ([]domain.ProductStock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.sku, p.name, p.category, p.unit_price_cents, p.splittable, p.active, p.created_at,
		       COALESCE(SUM(l.qty_remaining), 0) AS shelf_qty,
		       COALESCE(SUM(l.qty_remaining) FILTER (WHERE l.expiry_date IS NULL OR l.expiry_date > $2), 0) AS sellable_qty
		FROM products p
		LEFT JOIN lots l ON l.product_id = p.id
		WHERE ($1 = false OR p.active = true)
		GROUP BY p.id
		ORDER BY p.name
	`, activeOnly, nowDateUTC(asOf))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.ProductStock, 0, 128)
	for rows.Next() {
		var ps domain.ProductStock
		if err := rows.Scan(&ps.Product.ID, &ps.Product.SKU, &ps.Product.Name, &ps.Product.Category,
			&ps.Product.UnitPriceCents, &ps.Product.Splittable, &ps.Product.Active, &ps.Product.CreatedAt, &ps.ShelfQty, &ps.SellableQty); err != nil {
			return nil, err
		}
		result = append(result, ps)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) CreateSupplier(ctx context.Context, supplier domain.Supplier) (*domain.Supplier, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO suppliers (id, name, phone, created_at)
		VALUES ($1,$2,$3,$4)
	`, supplier.ID, supplier.Name, nullIfEmpty(supplier.Phone), supplier.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicate
		}
		return nil, err
	}
	created := supplier
	return &created, nil
}

func (s *Store) GetSupplier(ctx context.Context, id string) (*domain.Supplier, error) {
	var supplier domain.Supplier
	var phone sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, phone, created_at
		FROM suppliers
		WHERE id = $1
	`, id).Scan(&supplier.ID, &supplier.Name, &phone, &supplier.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	supplier.Phone = phone.String
	return &supplier, nil
}

func (s *Store) ListSuppliers(ctx context.Context) ([]domain.Supplier, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, phone, created_at
		FROM suppliers
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	suppliers := make([]domain.Supplier, 0, 32)
	for rows.Next() {
		var supplier domain.Supplier
		var phone sql.NullString
		if err := rows.Scan(&supplier.ID, &supplier.Name, &phone, &supplier.CreatedAt); err != nil {
			return nil, err
		}
		supplier.Phone = phone.String
		suppliers = append(suppliers, supplier)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return suppliers, nil
}

func (s *Store) ReceiveLot(ctx context.Context, lot domain.Lot) (*domain.Lot, error) {
	if _, err := s.GetProduct(ctx, lot.ProductID); err != nil {
		return nil, err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lots (id, product_id, batch_number, supplier_id, expiry_date,
			qty_received, qty_remaining, unit_cost_cents, received_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now())
	`, lot.ID, lot.ProductID, nullIfEmpty(lot.BatchNumber), nullIfEmpty(lot.SupplierID), nullDate(lot.ExpiryDate),
		lot.QtyReceived, lot.QtyRemaining, lot.UnitCostCents, lot.ReceivedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicate
		}
		return nil, err
	}
	created := lot
	return &created, nil
}

func (s *Store) ListLots(ctx context.Context, productID string, includeEmpty bool, limit int) ([]domain.Lot, error) {
	if _, err := s.GetProduct(ctx, productID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, batch_number, supplier_id, expiry_date,
		       qty_received, qty_remaining, unit_cost_cents, received_at
		FROM lots
		WHERE product_id = $1 AND ($2 = true OR qty_remaining > 0)
		ORDER BY expiry_date ASC NULLS LAST, received_at ASC, id ASC
		LIMIT $3
	`, productID, includeEmpty, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lots, err := scanLots(rows)
	if err != nil {
		return nil, err
	}
	return lots, nil
}

// SettleSale implements the plan-then-commit settlement on top of a
// serializable transaction. All candidate lots for the cart's products are
// locked up front; the FEFO plan is computed in memory against the locked
// snapshot, then applied with guarded decrements. Concurrent settlements of
// the same lots surface as ErrLotConflict and can be retried by the caller.
func (s *Store) SettleSale(ctx context.Context, invoice domain.Invoice, items []domain.CartItem, asOf time.Time) (*domain.Invoice, error) {
	if len(items) == 0 {
		return nil, store.ErrInvalidCart
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	productIDs := uniqueProductIDs(items)

	productRows, err := pgTx.QueryContext(ctx, `
		SELECT id FROM products WHERE active = true AND id = ANY($1)
	`, productIDs)
	if err != nil {
		return nil, translateConflict(err)
	}
	activeProducts := make(map[string]bool, len(productIDs))
	for productRows.Next() {
		var id string
		if err := productRows.Scan(&id); err != nil {
			_ = productRows.Close()
			return nil, err
		}
		activeProducts[id] = true
	}
	if err := productRows.Err(); err != nil {
		_ = productRows.Close()
		return nil, err
	}
	_ = productRows.Close()
	for _, id := range productIDs {
		if !activeProducts[id] {
			return nil, store.ErrNotFound
		}
	}

	lotRows, err := pgTx.QueryContext(ctx, `
		SELECT id, product_id, batch_number, supplier_id, expiry_date,
		       qty_received, qty_remaining, unit_cost_cents, received_at
		FROM lots
		WHERE product_id = ANY($1) AND qty_remaining > 0
		ORDER BY expiry_date ASC NULLS LAST, received_at ASC, id ASC
		FOR UPDATE
	`, productIDs)
	if err != nil {
		return nil, translateConflict(err)
	}
	lockedLots, err := scanLots(lotRows)
	_ = lotRows.Close()
	if err != nil {
		return nil, err
	}

	lotsByProduct := make(map[string][]domain.Lot, len(productIDs))
	costByLot := make(map[string]int64, len(lockedLots))
	for _, lot := range lockedLots {
		lotsByProduct[lot.ProductID] = append(lotsByProduct[lot.ProductID], lot)
		costByLot[lot.ID] = lot.UnitCostCents
	}

	// Plan phase: no writes happen until every line has a full allocation.
	type plannedLine struct {
		item  domain.CartItem
		steps []domain.AllocationStep
	}
	planned := make([]plannedLine, 0, len(items))
	for _, item := range items {
		lots := lotsByProduct[item.ProductID]
		steps, shortfall := allocation.Plan(lots, item.Qty, asOf)
		if shortfall > 0 {
			return nil, &store.InsufficientStockError{
				ProductID: item.ProductID,
				Available: allocation.Available(lots, asOf),
				Requested: item.Qty,
			}
		}
		for _, step := range steps {
			for i := range lots {
				if lots[i].ID == step.LotID {
					lots[i].QtyRemaining -= step.Qty
					break
				}
			}
		}
		lotsByProduct[item.ProductID] = lots
		planned = append(planned, plannedLine{item: item, steps: steps})
	}

	// Commit phase. The qty_remaining guard catches anything the row locks
	// let through, e.g. a lot drained between snapshot and update.
	for _, line := range planned {
		for _, step := range line.steps {
			res, err := pgTx.ExecContext(ctx, `
				UPDATE lots
				SET qty_remaining = qty_remaining - $1, updated_at = now()
				WHERE id = $2 AND qty_remaining >= $1
			`, step.Qty, step.LotID)
			if err != nil {
				return nil, translateConflict(err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return nil, err
			}
			if affected != 1 {
				return nil, store.ErrLotConflict
			}
		}
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO invoices (id, number, status, payment_method, buyer_ref, idempotency_key, total_cents, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, invoice.ID, invoice.Number, domain.InvoiceStatusPaid, invoice.PaymentMethod,
		nullIfEmpty(invoice.BuyerRef), nullIfEmpty(invoice.IdempotencyKey), invoice.TotalCents, invoice.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) && invoice.IdempotencyKey != "" {
			existing, lookupErr := s.GetInvoiceByIdempotencyKey(ctx, invoice.IdempotencyKey)
			if lookupErr == nil {
				return existing, nil
			}
		}
		return nil, translateConflict(err)
	}

	invoice.Status = domain.InvoiceStatusPaid
	invoice.Lines = nil
	for _, line := range planned {
		for _, step := range line.steps {
			sl := domain.SaleLine{
				ID:             xid.New("line"),
				InvoiceID:      invoice.ID,
				ProductID:      line.item.ProductID,
				LotID:          step.LotID,
				Qty:            step.Qty,
				UnitPriceCents: line.item.UnitPriceCents,
				UnitCostCents:  costByLot[step.LotID],
				LineTotalCents: int64(step.Qty) * line.item.UnitPriceCents,
			}
			_, err := pgTx.ExecContext(ctx, `
				INSERT INTO sale_lines (id, invoice_id, product_id, lot_id, qty, unit_price_cents, unit_cost_cents, line_total_cents)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			`, sl.ID, sl.InvoiceID, sl.ProductID, sl.LotID, sl.Qty, sl.UnitPriceCents, sl.UnitCostCents, sl.LineTotalCents)
			if err != nil {
				return nil, translateConflict(err)
			}
			invoice.Lines = append(invoice.Lines, sl)
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, translateConflict(err)
	}
	return &invoice, nil
}

func (s *Store) GetInvoice(ctx context.Context, id string) (*domain.Invoice, error) {
	return s.getInvoiceWhere(ctx, "id = $1", id)
}

func (s *Store) GetInvoiceByIdempotencyKey(ctx context.Context, key string) (*domain.Invoice, error) {
	return s.getInvoiceWhere(ctx, "idempotency_key = $1", key)
}

func (s *Store) getInvoiceWhere(ctx context.Context, where string, arg any) (*domain.Invoice, error) {
	var invoice domain.Invoice
	var buyerRef, idemKey sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, number, status, payment_method, buyer_ref, idempotency_key, total_cents, created_at
		FROM invoices
		WHERE `+where, arg).Scan(&invoice.ID, &invoice.Number, &invoice.Status, &invoice.PaymentMethod,
		&buyerRef, &idemKey, &invoice.TotalCents, &invoice.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	invoice.BuyerRef = buyerRef.String
	invoice.IdempotencyKey = idemKey.String

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, invoice_id, product_id, lot_id, qty, unit_price_cents, unit_cost_cents, line_total_cents
		FROM sale_lines
		WHERE invoice_id = $1
		ORDER BY id
	`, invoice.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var line domain.SaleLine
		if err := rows.Scan(&line.ID, &line.InvoiceID, &line.ProductID, &line.LotID, &line.Qty,
			&line.UnitPriceCents, &line.UnitCostCents, &line.LineTotalCents); err != nil {
			return nil, err
		}
		invoice.Lines = append(invoice.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &invoice, nil
}

func (s *Store) ListInvoices(ctx context.Context, limit int) ([]domain.Invoice, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, number, status, payment_method, buyer_ref, idempotency_key, total_cents, created_at
		FROM invoices
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	invoices := make([]domain.Invoice, 0, limit)
	for rows.Next() {
		var invoice domain.Invoice
		var buyerRef, idemKey sql.NullString
		if err := rows.Scan(&invoice.ID, &invoice.Number, &invoice.Status, &invoice.PaymentMethod,
			&buyerRef, &idemKey, &invoice.TotalCents, &invoice.CreatedAt); err != nil {
			return nil, err
		}
		invoice.BuyerRef = buyerRef.String
		invoice.IdempotencyKey = idemKey.String
		invoices = append(invoices, invoice)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return invoices, nil
}

func (s *Store) LowStock(ctx context.Context, threshold int, asOf time.Time) ([]domain.LowStockAlert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.sku, p.name,
		       COALESCE(SUM(l.qty_remaining), 0) AS shelf_qty,
		       COALESCE(SUM(l.qty_remaining) FILTER (WHERE l.expiry_date IS NULL OR l.expiry_date > $2), 0) AS sellable_qty
		FROM products p
		LEFT JOIN lots l ON l.product_id = p.id
		WHERE p.active = true
		GROUP BY p.id
		HAVING COALESCE(SUM(l.qty_remaining), 0) < $1
		ORDER BY shelf_qty ASC, p.name ASC
	`, threshold, nowDateUTC(asOf))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	alerts := []domain.LowStockAlert{}
	for rows.Next() {
		alert := domain.LowStockAlert{Threshold: threshold}
		if err := rows.Scan(&alert.ProductID, &alert.SKU, &alert.Name, &alert.ShelfQty, &alert.SellableQty); err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return alerts, nil
}

func (s *Store) ExpiringLots(ctx context.Context, asOf time.Time, windowDays int) ([]domain.ExpiryAlert, error) {
	horizon := nowDateUTC(asOf).Add(time.Duration(windowDays) * 24 * time.Hour)
	rows, err := s.db.QueryContext(ctx, `
		SELECT l.id, l.product_id, p.name, l.batch_number, l.expiry_date, l.qty_remaining
		FROM lots l
		JOIN products p ON p.id = l.product_id
		WHERE l.qty_remaining > 0 AND l.expiry_date IS NOT NULL AND l.expiry_date <= $1
		ORDER BY l.expiry_date ASC, l.id ASC
	`, horizon)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	alerts := []domain.ExpiryAlert{}
	for rows.Next() {
		var alert domain.ExpiryAlert
		var batch sql.NullString
		if err := rows.Scan(&alert.LotID, &alert.ProductID, &alert.ProductName, &batch, &alert.ExpiryDate, &alert.QtyRemaining); err != nil {
			return nil, err
		}
		alert.BatchNumber = batch.String
		alert.ExpiryDate = alert.ExpiryDate.UTC()
		alert.DaysLeft = int(alert.ExpiryDate.Sub(asOf).Hours() / 24)
		alert.Expired = !alert.ExpiryDate.After(asOf)
		alerts = append(alerts, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return alerts, nil
}

func (s *Store) TopProducts(ctx context.Context, since time.Time, until time.Time, limit int) ([]domain.ProductSales, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sl.product_id, p.sku, p.name,
		       SUM(sl.qty) AS qty_sold,
		       SUM(sl.line_total_cents) AS revenue_cents
		FROM sale_lines sl
		JOIN invoices i ON i.id = sl.invoice_id
		JOIN products p ON p.id = sl.product_id
		WHERE i.status = $1 AND i.created_at > $2 AND i.created_at <= $3
		GROUP BY sl.product_id, p.sku, p.name
		ORDER BY qty_sold DESC, p.name ASC, sl.product_id ASC
		LIMIT $4
	`, domain.InvoiceStatusPaid, since, until, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := []domain.ProductSales{}
	for rows.Next() {
		var entry domain.ProductSales
		if err := rows.Scan(&entry.ProductID, &entry.SKU, &entry.Name, &entry.QtySold, &entry.RevenueCents); err != nil {
			return nil, err
		}
		sales = append(sales, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sales, nil
}

func (s *Store) SalesSummary(ctx context.Context, from time.Time, to time.Time) (domain.MarginReport, error) {
	report := domain.MarginReport{Date: from.UTC().Format("2006-01-02")}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT i.id),
		       COALESCE(SUM(sl.line_total_cents), 0),
		       COALESCE(SUM(sl.qty * sl.unit_cost_cents), 0)
		FROM invoices i
		LEFT JOIN sale_lines sl ON sl.invoice_id = i.id
		WHERE i.status = $1 AND i.created_at >= $2 AND i.created_at < $3
	`, domain.InvoiceStatusPaid, from, to).Scan(&report.InvoiceCount, &report.RevenueCents, &report.CostCents)
	if err != nil {
		return domain.MarginReport{}, err
	}
	report.MarginCents = report.RevenueCents - report.CostCents
	return report, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, user.Username, user.PasswordHash, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return err
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, username string) (*domain.User, error) {
	var user domain.User
	err := s.db.QueryRowContext(ctx, `
		SELECT username, password_hash, role, active, created_at
		FROM users
		WHERE username = $1
	`, username).Scan(&user.Username, &user.PasswordHash, &user.Role, &user.Active, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password_hash, role, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.User, 0, 16)
	for rows.Next() {
		var user domain.User
		if err := rows.Scan(&user.Username, &user.PasswordHash, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func scanLots(rows *sql.Rows) ([]domain.Lot, error) {
	lots := make([]domain.Lot, 0, 16)
	for rows.Next() {
		var lot domain.Lot
		var batch, supplier sql.NullString
		var expiry sql.NullTime
		if err := rows.Scan(&lot.ID, &lot.ProductID, &batch, &supplier, &expiry,
			&lot.QtyReceived, &lot.QtyRemaining, &lot.UnitCostCents, &lot.ReceivedAt); err != nil {
			return nil, err
		}
		lot.BatchNumber = batch.String
		lot.SupplierID = supplier.String
		if expiry.Valid {
			e := nowDateUTC(expiry.Time)
			lot.ExpiryDate = &e
		}
		lots = append(lots, lot)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lots, nil
}

func uniqueProductIDs(items []domain.CartItem) []string {
	seen := make(map[string]bool, len(items))
	ids := make([]string, 0, len(items))
	for _, item := range items {
		if item.ProductID == "" || seen[item.ProductID] {
			continue
		}
		seen[item.ProductID] = true
		ids = append(ids, item.ProductID)
	}
	return ids
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// translateConflict maps serialization failures and deadlocks to
// ErrLotConflict so the service layer can retry the settlement.
func translateConflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "40001" || pgErr.Code == "40P01" {
			return store.ErrLotConflict
		}
	}
	return err
}

func nowDateUTC(t time.Time) time.Time {
	return time.Date(t.UTC().Year(), t.UTC().Month(), t.UTC().Day(), 0, 0, 0, 0, time.UTC)
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullDate(val *time.Time) any {
	if val == nil {
		return nil
	}
	return nowDateUTC(*val)
}
