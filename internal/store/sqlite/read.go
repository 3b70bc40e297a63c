package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"kasirsync/internal/domain"
	"kasirsync/internal/store"
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	return loadSale(ctx, s.db, id)
}

func loadSale(ctx context.Context, q queryer, id string) (*domain.Sale, error) {
	var data string
	err := q.QueryRowContext(ctx, `SELECT data FROM sales WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read sale: %w", err)
	}
	var sale domain.Sale
	if err := json.Unmarshal([]byte(data), &sale); err != nil {
		return nil, fmt.Errorf("decode sale %s: %w", id, err)
	}
	return &sale, nil
}

func (s *Store) ListSales(ctx context.Context, filter store.SaleFilter) ([]domain.Sale, error) {
	query := `SELECT data FROM sales WHERE 1 = 1`
	var args []any
	if filter.DeviceID != "" {
		query += ` AND device_id = ?`
		args = append(args, filter.DeviceID)
	}
	if filter.State != "" {
		query += ` AND state = ?`
		args = append(args, string(filter.State))
	}
	query += ` ORDER BY created_at, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sales: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Sale, 0)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("list sales: %w", err)
		}
		var sale domain.Sale
		if err := json.Unmarshal([]byte(data), &sale); err != nil {
			return nil, fmt.Errorf("decode sale: %w", err)
		}
		out = append(out, sale)
	}
	return out, rows.Err()
}

func (s *Store) FindActionByKey(ctx context.Context, key string) (*domain.OfflineAction, error) {
	return loadAction(ctx, s.db, key)
}

func loadAction(ctx context.Context, q queryer, key string) (*domain.OfflineAction, error) {
	var data string
	err := q.QueryRowContext(ctx, `SELECT data FROM actions WHERE idempotency_key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read action: %w", err)
	}
	var action domain.OfflineAction
	if err := json.Unmarshal([]byte(data), &action); err != nil {
		return nil, fmt.Errorf("decode action %s: %w", key, err)
	}
	return &action, nil
}

func (s *Store) ListActions(ctx context.Context, filter store.ActionFilter) ([]domain.OfflineAction, error) {
	query := `SELECT data FROM actions WHERE 1 = 1`
	var args []any
	if filter.DeviceID != "" {
		query += ` AND device_id = ?`
		args = append(args, filter.DeviceID)
	}
	if filter.SaleID != "" {
		query += ` AND sale_id = ?`
		args = append(args, filter.SaleID)
	}
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += ` AND status IN (` + strings.Join(marks, ", ") + `)`
	}
	query += ` ORDER BY device_id, seq`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	return scanActions(rows)
}

func scanActions(rows *sql.Rows) ([]domain.OfflineAction, error) {
	defer rows.Close()
	out := make([]domain.OfflineAction, 0)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		var action domain.OfflineAction
		if err := json.Unmarshal([]byte(data), &action); err != nil {
			return nil, fmt.Errorf("decode action: %w", err)
		}
		out = append(out, action)
	}
	return out, rows.Err()
}

func (s *Store) SyncableDevices(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT device_id FROM actions WHERE status IN (?, ?) ORDER BY device_id
	`, string(domain.ActionPending), string(domain.ActionSyncing))
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list devices: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) ListEvents(ctx context.Context, saleID string) ([]domain.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT delivered, data FROM events WHERE sale_id = ? ORDER BY seq`, saleID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	out := make([]domain.Event, 0)
	for rows.Next() {
		var delivered int
		var data string
		if err := rows.Scan(&delivered, &data); err != nil {
			return nil, fmt.Errorf("list events: %w", err)
		}
		var ev domain.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		ev.Delivered = delivered == 1
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) GetConflict(ctx context.Context, id string) (*domain.ConflictRecord, error) {
	return loadConflict(ctx, s.db, id)
}

func loadConflict(ctx context.Context, q queryer, id string) (*domain.ConflictRecord, error) {
	var data string
	err := q.QueryRowContext(ctx, `SELECT data FROM conflicts WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read conflict: %w", err)
	}
	var rec domain.ConflictRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("decode conflict %s: %w", id, err)
	}
	return &rec, nil
}

func (s *Store) ListConflicts(ctx context.Context, filter store.ConflictFilter) ([]domain.ConflictRecord, error) {
	query := `SELECT data FROM conflicts WHERE 1 = 1`
	var args []any
	for _, f := range []struct {
		column string
		value  string
	}{
		{"tenant_id", filter.TenantID},
		{"location_id", filter.LocationID},
		{"device_id", filter.DeviceID},
		{"sale_id", filter.SaleID},
		{"status", string(filter.Status)},
	} {
		if f.value == "" {
			continue
		}
		query += ` AND ` + f.column + ` = ?`
		args = append(args, f.value)
	}
	query += ` ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()
	out := make([]domain.ConflictRecord, 0)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("list conflicts: %w", err)
		}
		var rec domain.ConflictRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("decode conflict: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
