package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"kasirsync/internal/domain"
	"kasirsync/internal/store"
)

func (s *Store) Commit(ctx context.Context, c store.Commit) (*domain.OfflineAction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("commit: begin tx: %w", err)
	}
	defer tx.Rollback()

	if c.Action.IdempotencyKey != "" {
		if exists, err := actionExists(ctx, tx, c.Action.IdempotencyKey); err != nil {
			return nil, err
		} else if exists {
			return nil, store.ErrDuplicateKey
		}
	}

	if c.Sale != nil {
		if err := checkSaleVersion(ctx, tx, c.Sale, c.ExpectedVersion); err != nil {
			return nil, err
		}
	}

	var conflict *domain.ConflictRecord
	if c.Resolution != nil {
		conflict, err = loadConflict(ctx, tx, c.Resolution.ConflictID)
		if err != nil {
			return nil, err
		}
		if conflict.Status == domain.ResolutionResolved {
			return nil, domain.ErrConflictResolved
		}
	}

	deviceSeq, err := cursor(ctx, tx, c.Action.DeviceID, "")
	if err != nil {
		return nil, err
	}
	saleSeq, err := cursor(ctx, tx, c.Action.DeviceID, c.Action.SaleID)
	if err != nil {
		return nil, err
	}
	store.Prepare(&c, deviceSeq, saleSeq)
	if exists, err := actionExists(ctx, tx, c.Action.IdempotencyKey); err != nil {
		return nil, err
	} else if exists {
		return nil, store.ErrDuplicateKey
	}

	if c.Sale != nil {
		if err := upsertSale(ctx, tx, c.Sale); err != nil {
			return nil, err
		}
	}
	if err := insertAction(ctx, tx, c.Action); err != nil {
		return nil, err
	}
	for _, ev := range c.Events {
		if err := insertEvent(ctx, tx, ev); err != nil {
			return nil, err
		}
	}
	if c.Action.Seq > deviceSeq {
		if err := setCursor(ctx, tx, c.Action.DeviceID, "", c.Action.Seq); err != nil {
			return nil, err
		}
	}
	if err := setCursor(ctx, tx, c.Action.DeviceID, c.Action.SaleID, c.Action.Seq); err != nil {
		return nil, err
	}

	if conflict != nil {
		at := c.Resolution.ResolvedAt
		conflict.Status = domain.ResolutionResolved
		conflict.Decision = c.Resolution.Decision
		conflict.Note = c.Resolution.Note
		conflict.ResolvedBy = c.Resolution.ResolvedBy
		conflict.ResolutionKey = c.Action.IdempotencyKey
		conflict.ResolvedAt = &at
		if err := updateConflict(ctx, tx, *conflict); err != nil {
			return nil, err
		}
		if conflict.Requeues(conflict.Decision) {
			if err := requeueFailed(ctx, tx, conflict.ActionKey, at); err != nil {
				return nil, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	action := c.Action
	return &action, nil
}

func actionExists(ctx context.Context, tx *sql.Tx, key string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM actions WHERE idempotency_key = ?`, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup action key: %w", err)
	}
	return true, nil
}

func checkSaleVersion(ctx context.Context, tx *sql.Tx, sale *domain.Sale, expected int64) error {
	var version int64
	err := tx.QueryRowContext(ctx, `SELECT version FROM sales WHERE id = ?`, sale.ID).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if expected != 0 {
			return store.ErrNotFound
		}
		var one int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM sales WHERE tenant_id = ? AND number = ?`, sale.TenantID, sale.Number).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("lookup sale number: %w", err)
		}
		return store.ErrDuplicateNumber
	case err != nil:
		return fmt.Errorf("lookup sale version: %w", err)
	case expected == 0 || version != expected:
		return store.ErrVersionConflict
	}
	return nil
}

func upsertSale(ctx context.Context, tx *sql.Tx, sale *domain.Sale) error {
	data, err := json.Marshal(sale)
	if err != nil {
		return fmt.Errorf("encode sale: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sales (id, tenant_id, number, device_id, state, version, archived, created_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			version = excluded.version,
			archived = excluded.archived,
			data = excluded.data
	`,
		sale.ID,
		sale.TenantID,
		sale.Number,
		sale.DeviceID,
		string(sale.State),
		sale.Version,
		boolInt(sale.Archived),
		sale.CreatedAt.UnixNano(),
		string(data),
	)
	if isUniqueViolation(err) {
		return store.ErrDuplicateNumber
	}
	if err != nil {
		return fmt.Errorf("write sale: %w", err)
	}
	return nil
}

func insertAction(ctx context.Context, tx *sql.Tx, a domain.OfflineAction) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode action: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO actions (idempotency_key, device_id, sale_id, seq, status, synced_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		a.IdempotencyKey,
		a.DeviceID,
		a.SaleID,
		a.Seq,
		string(a.Status),
		nullableTime(a.SyncedAt),
		string(data),
	)
	if isUniqueViolation(err) {
		return store.ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("write action: %w", err)
	}
	return nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, ev domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (id, sale_id, seq, action_key, delivered, data)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.SaleID, ev.Seq, ev.ActionKey, boolInt(ev.Delivered), string(data))
	if err != nil {
		return fmt.Errorf("write event %s: %w", ev.Type, err)
	}
	return nil
}

func cursor(ctx context.Context, tx *sql.Tx, deviceID, saleID string) (int64, error) {
	var seq int64
	err := tx.QueryRowContext(ctx, `SELECT last_seq FROM cursors WHERE device_id = ? AND sale_id = ?`, deviceID, saleID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read cursor: %w", err)
	}
	return seq, nil
}

func setCursor(ctx context.Context, tx *sql.Tx, deviceID, saleID string, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO cursors (device_id, sale_id, last_seq) VALUES (?, ?, ?)
		ON CONFLICT(device_id, sale_id) DO UPDATE SET last_seq = excluded.last_seq
	`, deviceID, saleID, seq)
	if err != nil {
		return fmt.Errorf("write cursor: %w", err)
	}
	return nil
}

// requeueFailed sends a FAILED action back to PENDING. An action that is no
// longer FAILED is left alone.
func requeueFailed(ctx context.Context, tx *sql.Tx, key string, at time.Time) error {
	action, err := loadAction(ctx, tx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if action.Status != domain.ActionFailed {
		return nil
	}
	action.Requeue(at)
	data, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("encode action: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE actions SET status = ?, data = ? WHERE idempotency_key = ?`,
		string(action.Status), string(data), action.IdempotencyKey); err != nil {
		return fmt.Errorf("requeue action: %w", err)
	}
	return nil
}

// UpdateAction stores the sync outcome of an action. A SYNCED action also
// marks its events delivered.
func (s *Store) UpdateAction(ctx context.Context, action domain.OfflineAction) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update action: begin tx: %w", err)
	}
	defer tx.Rollback()

	current, err := loadAction(ctx, tx, action.IdempotencyKey)
	if err != nil {
		return err
	}
	current.Status = action.Status
	current.Attempts = action.Attempts
	current.LastError = action.LastError
	current.Conflict = action.Conflict
	current.UpdatedAt = action.UpdatedAt
	current.SyncedAt = action.SyncedAt
	if action.Status == domain.ActionSynced {
		for i := range current.Events {
			current.Events[i].Delivered = true
		}
	}
	data, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("encode action: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE actions SET status = ?, synced_at = ?, data = ? WHERE idempotency_key = ?
	`, string(current.Status), nullableTime(current.SyncedAt), string(data), current.IdempotencyKey); err != nil {
		return fmt.Errorf("update action: %w", err)
	}
	if action.Status == domain.ActionSynced {
		if _, err := tx.ExecContext(ctx, `UPDATE events SET delivered = 1 WHERE action_key = ?`, current.IdempotencyKey); err != nil {
			return fmt.Errorf("mark events delivered: %w", err)
		}
	}
	return tx.Commit()
}

// ResetInFlight moves SYNCING actions back to PENDING. An empty deviceID
// resets every device.
func (s *Store) ResetInFlight(ctx context.Context, deviceID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("reset in-flight: begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT data FROM actions WHERE status = ? AND (? = '' OR device_id = ?)
	`, string(domain.ActionSyncing), deviceID, deviceID)
	if err != nil {
		return 0, fmt.Errorf("reset in-flight: %w", err)
	}
	actions, err := scanActions(rows)
	if err != nil {
		return 0, err
	}
	for _, a := range actions {
		a.Status = domain.ActionPending
		data, err := json.Marshal(a)
		if err != nil {
			return 0, fmt.Errorf("encode action: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE actions SET status = ?, data = ? WHERE idempotency_key = ?`,
			string(a.Status), string(data), a.IdempotencyKey); err != nil {
			return 0, fmt.Errorf("reset in-flight: %w", err)
		}
	}
	return len(actions), tx.Commit()
}

// PurgeSynced deletes synced actions older than before whose sale has no open
// conflict, then archives terminal sales left without queued actions.
func (s *Store) PurgeSynced(ctx context.Context, before time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("purge: begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT DISTINCT sale_id FROM actions
		WHERE status = ? AND synced_at IS NOT NULL AND synced_at < ?
		  AND sale_id NOT IN (SELECT sale_id FROM conflicts WHERE status = ?)
	`, string(domain.ActionSynced), before.UnixNano(), string(domain.ResolutionOpen))
	if err != nil {
		return 0, fmt.Errorf("purge: %w", err)
	}
	var touched []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("purge: %w", err)
		}
		touched = append(touched, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("purge: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		DELETE FROM actions
		WHERE status = ? AND synced_at IS NOT NULL AND synced_at < ?
		  AND sale_id NOT IN (SELECT sale_id FROM conflicts WHERE status = ?)
	`, string(domain.ActionSynced), before.UnixNano(), string(domain.ResolutionOpen))
	if err != nil {
		return 0, fmt.Errorf("purge: %w", err)
	}
	purged, _ := res.RowsAffected()

	for _, saleID := range touched {
		if err := archiveIfDone(ctx, tx, saleID); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("purge: %w", err)
	}
	return int(purged), nil
}

func archiveIfDone(ctx context.Context, tx *sql.Tx, saleID string) error {
	var remaining int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM actions WHERE sale_id = ?`, saleID).Scan(&remaining); err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	if remaining > 0 {
		return nil
	}
	sale, err := loadSale(ctx, tx, saleID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !sale.State.Terminal() || sale.Archived {
		return nil
	}
	sale.Archived = true
	return upsertSale(ctx, tx, sale)
}

func (s *Store) CreateConflict(ctx context.Context, rec domain.ConflictRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode conflict: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conflicts (id, tenant_id, location_id, device_id, sale_id, status, created_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.TenantID, rec.LocationID, rec.DeviceID, rec.SaleID, string(rec.Status), rec.CreatedAt.UnixNano(), string(data))
	if isUniqueViolation(err) {
		return store.ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("write conflict: %w", err)
	}
	return nil
}

func updateConflict(ctx context.Context, tx *sql.Tx, rec domain.ConflictRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode conflict: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE conflicts SET status = ?, data = ? WHERE id = ?`,
		string(rec.Status), string(data), rec.ID); err != nil {
		return fmt.Errorf("update conflict: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}
