package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"alpaca-trading-engine/internal/position"
)

// TradeRecord is one appended position event.
type TradeRecord struct {
	ID         int64     `json:"id"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	Event      string    `json:"event"` // entry, partial_exit, exit
	Reason     string    `json:"reason"`
	Qty        int64     `json:"qty"`
	Price      float64   `json:"price"`
	Profit     float64   `json:"profit"`
	RMultiple  float64   `json:"r_multiple"`
	OccurredAt time.Time `json:"occurred_at"`
}

// OrderRecord is one appended order submission keyed by its deterministic
// client order ID, so a retried submission lands on the same logical row.
type OrderRecord struct {
	ClientOrderID string    `json:"client_order_id"`
	BrokerOrderID string    `json:"broker_order_id"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Type          string    `json:"type"`
	Qty           int64     `json:"qty"`
	LimitPrice    float64   `json:"limit_price"`
	StopPrice     float64   `json:"stop_price"`
	Status        string    `json:"status"`
	SubmittedAt   time.Time `json:"submitted_at"`
}

// Advisory is one operator-facing persisted note.
type Advisory struct {
	Severity string `json:"severity"`
	Title    string `json:"title"`
	Body     string `json:"body"`
}

// Store provides the persistence operations the engine consumes. All writes
// are append-only except the position upsert.
type Store struct {
	db *DB
}

// NewStore creates the store.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

// HealthCheck pings the pool.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.Pool.Ping(ctx)
}

// AppendTrade records a position event.
func (s *Store) AppendTrade(ctx context.Context, tr *TradeRecord) error {
	query := `
		INSERT INTO trades (symbol, side, event, reason, qty, price, profit, r_multiple, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`
	return s.db.Pool.QueryRow(ctx, query,
		tr.Symbol, tr.Side, tr.Event, tr.Reason, tr.Qty, tr.Price, tr.Profit, tr.RMultiple, tr.OccurredAt,
	).Scan(&tr.ID)
}

// AppendOrder records an order submission. Conflicts on the deterministic
// client order ID are ignored: a retried submission is the same order.
func (s *Store) AppendOrder(ctx context.Context, o *OrderRecord) error {
	query := `
		INSERT INTO orders (client_order_id, broker_order_id, symbol, side, order_type, qty, limit_price, stop_price, status, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (client_order_id, status) DO NOTHING
	`
	_, err := s.db.Pool.Exec(ctx, query,
		o.ClientOrderID, o.BrokerOrderID, o.Symbol, o.Side, o.Type, o.Qty,
		o.LimitPrice, o.StopPrice, o.Status, o.SubmittedAt,
	)
	if err != nil {
		return fmt.Errorf("append order %s: %w", o.ClientOrderID, err)
	}
	return nil
}

// AppendLog records a log entry.
func (s *Store) AppendLog(ctx context.Context, level, component, message string, fields map[string]interface{}) error {
	var payload []byte
	if fields != nil {
		var err error
		if payload, err = json.Marshal(fields); err != nil {
			return fmt.Errorf("marshal log fields: %w", err)
		}
	}
	_, err := s.db.Pool.Exec(ctx,
		`INSERT INTO logs (level, component, message, fields) VALUES ($1, $2, $3, $4)`,
		level, component, message, payload,
	)
	return err
}

// AppendAdvisory records an operator advisory.
func (s *Store) AppendAdvisory(ctx context.Context, a *Advisory) error {
	_, err := s.db.Pool.Exec(ctx,
		`INSERT INTO advisories (severity, title, body) VALUES ($1, $2, $3)`,
		a.Severity, a.Title, a.Body,
	)
	return err
}

// UpsertPosition writes the single row for an open position.
func (s *Store) UpsertPosition(ctx context.Context, p *position.Position) error {
	query := `
		INSERT INTO positions (symbol, side, entry_price, quantity, original_quantity, stop_loss, initial_stop, protection_state, r_multiple, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (symbol) DO UPDATE SET
			quantity = EXCLUDED.quantity,
			stop_loss = EXCLUDED.stop_loss,
			protection_state = EXCLUDED.protection_state,
			r_multiple = EXCLUDED.r_multiple,
			updated_at = now()
	`
	_, err := s.db.Pool.Exec(ctx, query,
		p.Symbol, p.Side, p.EntryPrice, p.Quantity, p.OriginalQuantity,
		p.StopLoss, p.InitialStop, p.State.String(), p.RMultiple,
	)
	if err != nil {
		return fmt.Errorf("upsert position %s: %w", p.Symbol, err)
	}
	return nil
}

// DeletePosition removes a closed position's row.
func (s *Store) DeletePosition(ctx context.Context, symbol string) error {
	_, err := s.db.Pool.Exec(ctx, `DELETE FROM positions WHERE symbol = $1`, symbol)
	return err
}

// AppendMetricsSnapshot records a metrics snapshot blob.
func (s *Store) AppendMetricsSnapshot(ctx context.Context, snapshot interface{}) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal metrics snapshot: %w", err)
	}
	_, err = s.db.Pool.Exec(ctx, `INSERT INTO metrics_snapshots (snapshot) VALUES ($1)`, data)
	return err
}

// GetTrades returns the most recent trade records, newest first. Bootstrap
// and reporting only.
func (s *Store) GetTrades(ctx context.Context, limit int) ([]TradeRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Pool.Query(ctx, `
		SELECT id, symbol, side, event, reason, qty, price, profit, r_multiple, occurred_at
		FROM trades ORDER BY occurred_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("get trades: %w", err)
	}
	defer rows.Close()

	var out []TradeRecord
	for rows.Next() {
		var tr TradeRecord
		if err := rows.Scan(&tr.ID, &tr.Symbol, &tr.Side, &tr.Event, &tr.Reason,
			&tr.Qty, &tr.Price, &tr.Profit, &tr.RMultiple, &tr.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}
