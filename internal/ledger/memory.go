package ledger

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"kasirsync/internal/domain"
	"kasirsync/internal/money"
)

type settlement struct {
	key    string
	amount money.Money
	at     time.Time
}

// MemoryStore keeps the ledger in process memory. Transactions run one at a
// time and stage their writes, so a failed transaction leaves nothing behind.
type MemoryStore struct {
	mu           sync.Mutex
	dispositions map[string]Disposition
	seqs         map[string]string
	stock        map[string]domain.StockLevel
	settlements  map[string]settlement
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		dispositions: make(map[string]Disposition),
		seqs:         make(map[string]string),
		stock:        make(map[string]domain.StockLevel),
		settlements:  make(map[string]settlement),
	}
}

func seqKey(deviceID, saleID string, seq int64) string {
	return fmt.Sprintf("%s\x00%s\x00%d", deviceID, saleID, seq)
}

func stockKey(locationID, sku string) string {
	return locationID + "\x00" + sku
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{
		base:         s,
		dispositions: make(map[string]Disposition),
		seqs:         make(map[string]string),
		stock:        make(map[string]domain.StockLevel),
		settlements:  make(map[string]settlement),
	}
	if err := fn(tx); err != nil {
		return err
	}
	maps.Copy(s.dispositions, tx.dispositions)
	maps.Copy(s.seqs, tx.seqs)
	maps.Copy(s.stock, tx.stock)
	maps.Copy(s.settlements, tx.settlements)
	return nil
}

func (s *MemoryStore) StockLevels(_ context.Context, locationID string, skus []string) ([]domain.StockLevel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.StockLevel, 0, len(skus))
	for _, sku := range skus {
		if level, ok := s.stock[stockKey(locationID, sku)]; ok {
			out = append(out, level)
		}
	}
	return out, nil
}

func (s *MemoryStore) SetStock(_ context.Context, locationID string, level domain.StockLevel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stock[stockKey(locationID, level.SKU)] = level
	return nil
}

func (s *MemoryStore) Close() error { return nil }

type memoryTx struct {
	base         *MemoryStore
	dispositions map[string]Disposition
	seqs         map[string]string
	stock        map[string]domain.StockLevel
	settlements  map[string]settlement
}

func (t *memoryTx) Disposition(_ context.Context, key string) (*Disposition, error) {
	if d, ok := t.dispositions[key]; ok {
		return &d, nil
	}
	if d, ok := t.base.dispositions[key]; ok {
		return &d, nil
	}
	return nil, ErrNotFound
}

func (t *memoryTx) SeqDisposed(_ context.Context, deviceID, saleID string, seq int64) (bool, error) {
	k := seqKey(deviceID, saleID, seq)
	if _, ok := t.seqs[k]; ok {
		return true, nil
	}
	_, ok := t.base.seqs[k]
	return ok, nil
}

func (t *memoryTx) Record(_ context.Context, d Disposition) error {
	k := seqKey(d.DeviceID, d.SaleID, d.Seq)
	owner, taken := t.seqs[k]
	if !taken {
		owner, taken = t.base.seqs[k]
	}
	if taken && owner != d.Key {
		return fmt.Errorf("%w: seq %d of sale %s already disposed by %s", ErrInvalidAction, d.Seq, d.SaleID, owner)
	}
	if d.Conflict != nil {
		c := *d.Conflict
		d.Conflict = &c
	}
	t.dispositions[d.Key] = d
	t.seqs[k] = d.Key
	return nil
}

func (t *memoryTx) Stock(_ context.Context, locationID, sku string) (domain.StockLevel, bool, error) {
	k := stockKey(locationID, sku)
	if level, ok := t.stock[k]; ok {
		return level, true, nil
	}
	level, ok := t.base.stock[k]
	return level, ok, nil
}

func (t *memoryTx) AdjustStock(ctx context.Context, locationID, sku string, delta int64, at time.Time) error {
	level, ok, _ := t.Stock(ctx, locationID, sku)
	if !ok {
		level = domain.StockLevel{SKU: sku, Price: money.Zero()}
	}
	level.Available += delta
	level.ObservedAt = at
	t.stock[stockKey(locationID, sku)] = level
	return nil
}

func (t *memoryTx) Settlement(_ context.Context, code string) (string, bool, error) {
	if st, ok := t.settlements[code]; ok {
		return st.key, true, nil
	}
	st, ok := t.base.settlements[code]
	return st.key, ok, nil
}

func (t *memoryTx) RecordSettlement(_ context.Context, code, key string, amount money.Money, at time.Time) error {
	t.settlements[code] = settlement{key: key, amount: amount, at: at}
	return nil
}
