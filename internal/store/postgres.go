package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/depthmap-terminal/depthmap/internal/l3"
)

// Postgres is the pgx-backed Store. Schema:
//
//	l3_orders   (venue, symbol, order_id, sequence, side, price, size,
//	             event_type, ts, metadata jsonb,
//	             PRIMARY KEY (venue, symbol, order_id, sequence))
//	l3_snapshots(id bigserial, venue, symbol, sequence, ts,
//	             bids jsonb, asks jsonb,
//	             bid_count, ask_count, bid_volume, ask_volume)
//
// Order inserts use ON CONFLICT DO NOTHING, so replaying a flushed batch
// after a crash is harmless.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects a pool and verifies it with a ping.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the pool.
func (p *Postgres) Close() { p.pool.Close() }

const insertOrderSQL = `
INSERT INTO l3_orders (venue, symbol, order_id, sequence, side, price, size, event_type, ts, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (venue, symbol, order_id, sequence) DO NOTHING`

// SaveOrder inserts one event.
func (p *Postgres) SaveOrder(ctx context.Context, o l3.Order) error {
	meta, err := metadataJSON(o.Metadata)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, insertOrderSQL,
		o.Venue, o.Symbol, o.OrderID, o.Sequence, o.Side,
		o.Price, o.Size, string(o.EventType), o.Timestamp, meta)
	if err != nil {
		return fmt.Errorf("store: save order: %w", err)
	}
	return nil
}

// SaveOrdersBatch pipelines the whole batch over one round trip.
func (p *Postgres) SaveOrdersBatch(ctx context.Context, orders []l3.Order) error {
	if len(orders) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, o := range orders {
		meta, err := metadataJSON(o.Metadata)
		if err != nil {
			return err
		}
		batch.Queue(insertOrderSQL,
			o.Venue, o.Symbol, o.OrderID, o.Sequence, o.Side,
			o.Price, o.Size, string(o.EventType), o.Timestamp, meta)
	}
	br := p.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range orders {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("store: save batch: %w", err)
		}
	}
	return nil
}

// SaveSnapshot stores one book snapshot with JSON-encoded sides.
func (p *Postgres) SaveSnapshot(ctx context.Context, s *l3.Snapshot) error {
	bids, err := json.Marshal(s.Bids)
	if err != nil {
		return fmt.Errorf("store: encode bids: %w", err)
	}
	asks, err := json.Marshal(s.Asks)
	if err != nil {
		return fmt.Errorf("store: encode asks: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
INSERT INTO l3_snapshots (venue, symbol, sequence, ts, bids, asks, bid_count, ask_count, bid_volume, ask_volume)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		s.Venue, s.Symbol, s.Sequence, s.Timestamp, bids, asks,
		s.BidCount, s.AskCount, s.BidVolume, s.AskVolume)
	if err != nil {
		return fmt.Errorf("store: save snapshot: %w", err)
	}
	return nil
}

const snapshotColumns = `venue, symbol, sequence, ts, bids, asks, bid_count, ask_count, bid_volume, ask_volume`

// LatestSnapshot returns the newest snapshot for the pair.
func (p *Postgres) LatestSnapshot(ctx context.Context, venue, symbol string) (*l3.Snapshot, error) {
	row := p.pool.QueryRow(ctx, `
SELECT `+snapshotColumns+` FROM l3_snapshots
WHERE venue = $1 AND symbol = $2
ORDER BY sequence DESC LIMIT 1`, venue, symbol)
	return scanSnapshot(row)
}

// LatestSnapshotBefore returns the newest snapshot with sequence <= seq.
func (p *Postgres) LatestSnapshotBefore(ctx context.Context, venue, symbol string, seq int64) (*l3.Snapshot, error) {
	row := p.pool.QueryRow(ctx, `
SELECT `+snapshotColumns+` FROM l3_snapshots
WHERE venue = $1 AND symbol = $2 AND sequence <= $3
ORDER BY sequence DESC LIMIT 1`, venue, symbol, seq)
	return scanSnapshot(row)
}

// OrdersAfterSequence returns events with sequence > seq, ascending.
func (p *Postgres) OrdersAfterSequence(ctx context.Context, venue, symbol string, seq int64) ([]l3.Order, error) {
	rows, err := p.pool.Query(ctx, `
SELECT venue, symbol, order_id, sequence, side, price, size, event_type, ts, metadata
FROM l3_orders
WHERE venue = $1 AND symbol = $2 AND sequence > $3
ORDER BY sequence ASC, order_id ASC`, venue, symbol, seq)
	if err != nil {
		return nil, fmt.Errorf("store: orders after: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

// OrdersBetween returns events in [from, to], ascending, paginated.
func (p *Postgres) OrdersBetween(ctx context.Context, venue, symbol string, from, to int64, limit, offset int) ([]l3.Order, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := p.pool.Query(ctx, `
SELECT venue, symbol, order_id, sequence, side, price, size, event_type, ts, metadata
FROM l3_orders
WHERE venue = $1 AND symbol = $2 AND sequence >= $3 AND sequence <= $4
ORDER BY sequence ASC, order_id ASC
LIMIT $5 OFFSET $6`, venue, symbol, from, to, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("store: orders between: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

func scanSnapshot(row pgx.Row) (*l3.Snapshot, error) {
	var s l3.Snapshot
	var bids, asks []byte
	err := row.Scan(&s.Venue, &s.Symbol, &s.Sequence, &s.Timestamp,
		&bids, &asks, &s.BidCount, &s.AskCount, &s.BidVolume, &s.AskVolume)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan snapshot: %w", err)
	}
	if err := json.Unmarshal(bids, &s.Bids); err != nil {
		return nil, fmt.Errorf("store: decode bids: %w", err)
	}
	if err := json.Unmarshal(asks, &s.Asks); err != nil {
		return nil, fmt.Errorf("store: decode asks: %w", err)
	}
	return &s, nil
}

func scanOrders(rows pgx.Rows) ([]l3.Order, error) {
	var out []l3.Order
	for rows.Next() {
		var o l3.Order
		var eventType string
		var meta []byte
		if err := rows.Scan(&o.Venue, &o.Symbol, &o.OrderID, &o.Sequence, &o.Side,
			&o.Price, &o.Size, &eventType, &o.Timestamp, &meta); err != nil {
			return nil, fmt.Errorf("store: scan order: %w", err)
		}
		o.EventType = l3.EventType(eventType)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &o.Metadata); err != nil {
				return nil, fmt.Errorf("store: decode metadata: %w", err)
			}
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func metadataJSON(m map[string]string) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("store: encode metadata: %w", err)
	}
	return data, nil
}
