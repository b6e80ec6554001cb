package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/quantarc/blockflow/internal/domain"
)

// OrderRepository persists the order lifecycle
type OrderRepository struct {
	db *DB
}

// UpsertOrder writes the current state of an order
func (r *OrderRepository) UpsertOrder(ctx context.Context, o *domain.Order) error {
	var metadata []byte
	if o.Metadata != nil {
		var err error
		metadata, err = json.Marshal(o.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode order metadata: %w", err)
		}
	}

	query := `
		INSERT INTO orders (
			id, signal_id, exchange, symbol, order_type, side, price, size,
			value, status, filled_size, average_fill_price, fee, metadata,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			filled_size = EXCLUDED.filled_size,
			average_fill_price = EXCLUDED.average_fill_price,
			fee = EXCLUDED.fee,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.pool.Exec(ctx, query,
		o.ID, o.SignalID, o.Exchange, o.Symbol,
		string(o.OrderType), string(o.Side), o.Price, o.Size,
		o.Value, string(o.Status), o.FilledSize, o.AverageFillPrice,
		o.Fee, metadata, o.CreatedAt.UTC(), o.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert order %s: %w", o.ID, err)
	}
	return nil
}

// UpdateOrderStatus transitions an order, refusing illegal transitions
func (r *OrderRepository) UpdateOrderStatus(ctx context.Context, id string, to domain.OrderStatus) error {
	current, err := r.FindOrder(ctx, id)
	if err != nil {
		return err
	}
	if current == nil {
		return fmt.Errorf("order %s not found", id)
	}
	if current.Status != to && !domain.CanTransition(current.Status, to) {
		return fmt.Errorf("illegal order transition %s -> %s for %s", current.Status, to, id)
	}

	query := `UPDATE orders SET status = $2, updated_at = $3 WHERE id = $1`
	if _, err := r.db.pool.Exec(ctx, query, id, string(to), time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to update order %s: %w", id, err)
	}
	return nil
}

// FindOrder returns one order, or nil when it does not exist
func (r *OrderRepository) FindOrder(ctx context.Context, id string) (*domain.Order, error) {
	query := `
		SELECT id, signal_id, exchange, symbol, order_type, side, price, size,
		       value, status, filled_size, average_fill_price, fee, metadata,
		       created_at, updated_at
		FROM orders
		WHERE id = $1
	`

	o, err := scanOrder(r.db.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch order %s: %w", id, err)
	}
	return o, nil
}

// FindOpenOrders returns open orders for one market
func (r *OrderRepository) FindOpenOrders(ctx context.Context, exchange, symbol string) ([]*domain.Order, error) {
	query := `
		SELECT id, signal_id, exchange, symbol, order_type, side, price, size,
		       value, status, filled_size, average_fill_price, fee, metadata,
		       created_at, updated_at
		FROM orders
		WHERE exchange = $1 AND symbol = $2 AND status = 'open'
		ORDER BY created_at ASC
	`

	rows, err := r.db.pool.Query(ctx, query, exchange, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to query open orders for %s/%s: %w", exchange, symbol, err)
	}
	defer rows.Close()

	var orders []*domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order row: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var (
		o         domain.Order
		orderType string
		side      string
		status    string
		raw       []byte
	)
	err := row.Scan(&o.ID, &o.SignalID, &o.Exchange, &o.Symbol,
		&orderType, &side, &o.Price, &o.Size,
		&o.Value, &status, &o.FilledSize, &o.AverageFillPrice,
		&o.Fee, &raw, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}

	o.OrderType = domain.OrderType(orderType)
	o.Side = domain.OrderSide(side)
	o.Status = domain.OrderStatus(status)
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &o.Metadata)
	}
	return &o, nil
}
