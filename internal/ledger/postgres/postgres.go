package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"kasirsync/internal/domain"
	"kasirsync/internal/ledger"
	"kasirsync/internal/money"
)

//go:embed schema.sql
var schema string

const maxSerializationRetries = 3

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
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply ledger schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// InTx runs fn in a serializable transaction, retrying when postgres aborts it
// on a serialization failure.
func (s *Store) InTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	var err error
	for attempt := 0; attempt < maxSerializationRetries; attempt++ {
		err = s.inTx(ctx, fn)
		if !isSerializationFailure(err) {
			return err
		}
	}
	return err
}

func (s *Store) inTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = pgTx.Rollback() }()

	if err := fn(&tx{tx: pgTx}); err != nil {
		return err
	}
	return pgTx.Commit()
}

func (s *Store) StockLevels(ctx context.Context, locationID string, skus []string) ([]domain.StockLevel, error) {
	out := make([]domain.StockLevel, 0, len(skus))
	for _, sku := range skus {
		level, ok, err := scanStock(s.db.QueryRowContext(ctx, `
			SELECT sku, available, price::text, updated_at
			FROM ledger_stock
			WHERE location_id = $1 AND sku = $2
		`, locationID, sku))
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, level)
		}
	}
	return out, nil
}

func (s *Store) SetStock(ctx context.Context, locationID string, level domain.StockLevel) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_stock (location_id, sku, available, price, updated_at)
		VALUES ($1,$2,$3,$4::numeric,$5)
		ON CONFLICT (location_id, sku)
		DO UPDATE SET available = EXCLUDED.available, price = EXCLUDED.price, updated_at = EXCLUDED.updated_at
	`, locationID, level.SKU, level.Available, level.Price.String(), level.ObservedAt)
	return err
}

type tx struct {
	tx *sql.Tx
}

func (t *tx) Disposition(ctx context.Context, key string) (*ledger.Disposition, error) {
	var (
		d            ledger.Disposition
		conflictJSON []byte
		linesJSON    []byte
	)
	err := t.tx.QueryRowContext(ctx, `
		SELECT idempotency_key, device_id, sale_id, location_id, seq, action_type, outcome, conflict, lines, recorded_at
		FROM ledger_dispositions
		WHERE idempotency_key = $1
	`, key).Scan(&d.Key, &d.DeviceID, &d.SaleID, &d.LocationID, &d.Seq, &d.Type, &d.Outcome, &conflictJSON, &linesJSON, &d.RecordedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ledger.ErrNotFound
		}
		return nil, err
	}
	if len(conflictJSON) > 0 {
		if err := json.Unmarshal(conflictJSON, &d.Conflict); err != nil {
			return nil, fmt.Errorf("decode conflict of %s: %w", key, err)
		}
	}
	if len(linesJSON) > 0 {
		if err := json.Unmarshal(linesJSON, &d.Lines); err != nil {
			return nil, fmt.Errorf("decode lines of %s: %w", key, err)
		}
	}
	return &d, nil
}

func (t *tx) SeqDisposed(ctx context.Context, deviceID, saleID string, seq int64) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM ledger_dispositions WHERE device_id = $1 AND sale_id = $2 AND seq = $3
		)
	`, deviceID, saleID, seq).Scan(&exists)
	return exists, err
}

func (t *tx) Record(ctx context.Context, d ledger.Disposition) error {
	conflictJSON, err := nullableJSON(d.Conflict, d.Conflict != nil)
	if err != nil {
		return err
	}
	linesJSON, err := nullableJSON(d.Lines, len(d.Lines) > 0)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO ledger_dispositions (
			idempotency_key, device_id, sale_id, location_id, seq, action_type, outcome, conflict, lines, recorded_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (idempotency_key)
		DO UPDATE SET outcome = EXCLUDED.outcome, conflict = EXCLUDED.conflict, lines = EXCLUDED.lines
	`, d.Key, d.DeviceID, d.SaleID, d.LocationID, d.Seq, string(d.Type), string(d.Outcome), conflictJSON, linesJSON, d.RecordedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: seq %d of sale %s already disposed", ledger.ErrInvalidAction, d.Seq, d.SaleID)
	}
	return err
}

func (t *tx) Stock(ctx context.Context, locationID, sku string) (domain.StockLevel, bool, error) {
	return scanStock(t.tx.QueryRowContext(ctx, `
		SELECT sku, available, price::text, updated_at
		FROM ledger_stock
		WHERE location_id = $1 AND sku = $2
		FOR UPDATE
	`, locationID, sku))
}

func (t *tx) AdjustStock(ctx context.Context, locationID, sku string, delta int64, at time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO ledger_stock (location_id, sku, available, price, updated_at)
		VALUES ($1,$2,$3,0,$4)
		ON CONFLICT (location_id, sku)
		DO UPDATE SET available = ledger_stock.available + EXCLUDED.available, updated_at = EXCLUDED.updated_at
	`, locationID, sku, delta, at)
	return err
}

func (t *tx) Settlement(ctx context.Context, code string) (string, bool, error) {
	var key string
	err := t.tx.QueryRowContext(ctx, `
		SELECT idempotency_key FROM ledger_settlements WHERE authorization_code = $1
	`, code).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return key, true, nil
}

func (t *tx) RecordSettlement(ctx context.Context, code, key string, amount money.Money, at time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO ledger_settlements (authorization_code, idempotency_key, amount, recorded_at)
		VALUES ($1,$2,$3::numeric,$4)
	`, code, key, amount.String(), at)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStock(row rowScanner) (domain.StockLevel, bool, error) {
	var (
		level domain.StockLevel
		price string
	)
	if err := row.Scan(&level.SKU, &level.Available, &price, &level.ObservedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.StockLevel{}, false, nil
		}
		return domain.StockLevel{}, false, err
	}
	parsed, err := money.Parse(price)
	if err != nil {
		return domain.StockLevel{}, false, fmt.Errorf("stock price %q: %w", price, err)
	}
	level.Price = parsed
	return level, true, nil
}

func nullableJSON(v any, present bool) (any, error) {
	if !present {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001"
	}
	return false
}
