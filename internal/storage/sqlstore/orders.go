package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/tvbill/internal/storage"
	"github.com/shopspring/decimal"
)

type orderStore struct {
	s *Store
}

func (os *orderStore) CreateProduct(ctx context.Context, product *storage.Product) error {
	if product.Name == "" {
		return fmt.Errorf("product name is required")
	}
	if product.Stock < 0 {
		return fmt.Errorf("product stock cannot be negative")
	}
	id, err := os.s.insert(ctx, os.s.db,
		`INSERT INTO products (name, price, stock) VALUES (?, ?, ?)`,
		product.Name, product.Price.String(), product.Stock)
	if err != nil {
		return fmt.Errorf("create product: %w", err)
	}
	product.ID = id
	return nil
}

func (os *orderStore) GetProduct(ctx context.Context, id int64) (*storage.Product, error) {
	var p storage.Product
	err := os.s.queryRow(ctx, os.s.db,
		`SELECT id, name, price, stock FROM products WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.Price, &p.Stock)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (os *orderStore) Create(ctx context.Context, order *storage.SessionOrder) error {
	if len(order.Items) == 0 {
		return fmt.Errorf("order has no items")
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	if order.Status == "" {
		order.Status = "pending"
	}

	return os.s.withTx(ctx, func(tx *sql.Tx) error {
		total := decimal.Zero
		items := make([]storage.OrderItem, len(order.Items))

		for i, item := range order.Items {
			var (
				name  string
				price decimal.Decimal
			)
			err := os.s.queryRow(ctx, tx,
				`SELECT name, price FROM products WHERE id = ?`, item.ProductID).Scan(&name, &price)
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return fmt.Errorf("product %d: %w", item.ProductID, storage.ErrNotFound)
				}
				return fmt.Errorf("read product %d: %w", item.ProductID, err)
			}

			reserved, err := os.s.applied(ctx, tx,
				`UPDATE products SET stock = stock - ? WHERE id = ? AND stock >= ?`,
				item.Quantity, item.ProductID, item.Quantity)
			if err != nil {
				return fmt.Errorf("reserve product %d: %w", item.ProductID, err)
			}
			if !reserved {
				return fmt.Errorf("product %d (%s): %w", item.ProductID, name, storage.ErrInsufficientStock)
			}

			subtotal := price.Mul(decimal.NewFromInt(int64(item.Quantity)))
			items[i] = storage.OrderItem{
				ProductID:   item.ProductID,
				ProductName: name,
				Quantity:    item.Quantity,
				UnitPrice:   price,
				Subtotal:    subtotal,
			}
			total = total.Add(subtotal)
		}

		id, err := os.s.insert(ctx, tx,
			`INSERT INTO session_orders (order_number, session_id, total, status, ordered_by, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			order.OrderNumber, order.SessionID, total.String(), order.Status, order.OrderedBy, toMillis(order.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}

		for _, item := range items {
			_, err := os.s.exec(ctx, tx,
				`INSERT INTO session_order_items (order_id, product_id, product_name, quantity, unit_price, subtotal)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				id, item.ProductID, item.ProductName, item.Quantity, item.UnitPrice.String(), item.Subtotal.String())
			if err != nil {
				return fmt.Errorf("insert order item: %w", err)
			}
		}

		order.ID = id
		order.Items = items
		order.Total = total
		return nil
	})
}

func (os *orderStore) ListForSession(ctx context.Context, sessionID int64) ([]storage.SessionOrder, error) {
	rows, err := os.s.query(ctx, os.s.db,
		`SELECT id, order_number, session_id, total, status, ordered_by, created_at
		   FROM session_orders WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list orders for session %d: %w", sessionID, err)
	}

	var orders []storage.SessionOrder
	for rows.Next() {
		var (
			o       storage.SessionOrder
			created int64
		)
		if err := rows.Scan(&o.ID, &o.OrderNumber, &o.SessionID, &o.Total, &o.Status, &o.OrderedBy, &created); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan order: %w", err)
		}
		o.CreatedAt = fromMillis(created)
		orders = append(orders, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range orders {
		items, err := os.items(ctx, orders[i].ID)
		if err != nil {
			return nil, err
		}
		orders[i].Items = items
	}
	return orders, nil
}

func (os *orderStore) items(ctx context.Context, orderID int64) ([]storage.OrderItem, error) {
	rows, err := os.s.query(ctx, os.s.db,
		`SELECT product_id, product_name, quantity, unit_price, subtotal
		   FROM session_order_items WHERE order_id = ? ORDER BY id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list items for order %d: %w", orderID, err)
	}
	defer rows.Close()

	var items []storage.OrderItem
	for rows.Next() {
		var item storage.OrderItem
		if err := rows.Scan(&item.ProductID, &item.ProductName, &item.Quantity, &item.UnitPrice, &item.Subtotal); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
