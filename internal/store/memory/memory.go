package memory

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"kasirsync/internal/domain"
	"kasirsync/internal/store"
)

// Store keeps the device queue in process memory. It satisfies the same
// contract as the SQLite store and is used by tests and dry runs.
type Store struct {
	mu            sync.RWMutex
	salesByID     map[string]*domain.Sale
	saleNumbers   map[string]string
	actions       []*domain.OfflineAction
	actionsByKey  map[string]*domain.OfflineAction
	deviceSeq     map[string]int64
	saleSeq       map[string]int64
	eventsBySale  map[string][]domain.Event
	conflictsByID map[string]*domain.ConflictRecord
	conflictOrder []string
}

func New() *Store {
	return &Store{
		salesByID:     make(map[string]*domain.Sale),
		saleNumbers:   make(map[string]string),
		actionsByKey:  make(map[string]*domain.OfflineAction),
		deviceSeq:     make(map[string]int64),
		saleSeq:       make(map[string]int64),
		eventsBySale:  make(map[string][]domain.Event),
		conflictsByID: make(map[string]*domain.ConflictRecord),
	}
}

func numberKey(tenantID, number string) string {
	return tenantID + "\x00" + number
}

func saleCursor(deviceID, saleID string) string {
	return deviceID + "\x00" + saleID
}

func (s *Store) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sale, ok := s.salesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return sale.Clone(), nil
}

func (s *Store) ListSales(_ context.Context, filter store.SaleFilter) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Sale, 0, len(s.salesByID))
	for _, sale := range s.salesByID {
		if filter.DeviceID != "" && sale.DeviceID != filter.DeviceID {
			continue
		}
		if filter.State != "" && sale.State != filter.State {
			continue
		}
		out = append(out, *sale.Clone())
	}
	slices.SortFunc(out, func(a, b domain.Sale) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) Commit(_ context.Context, c store.Commit) (*domain.OfflineAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.Action.IdempotencyKey != "" {
		if _, exists := s.actionsByKey[c.Action.IdempotencyKey]; exists {
			return nil, store.ErrDuplicateKey
		}
	}
	if c.Sale != nil {
		current, exists := s.salesByID[c.Sale.ID]
		switch {
		case c.ExpectedVersion == 0 && exists:
			return nil, store.ErrVersionConflict
		case c.ExpectedVersion == 0:
			if _, taken := s.saleNumbers[numberKey(c.Sale.TenantID, c.Sale.Number)]; taken {
				return nil, store.ErrDuplicateNumber
			}
		case !exists:
			return nil, store.ErrNotFound
		case current.Version != c.ExpectedVersion:
			return nil, store.ErrVersionConflict
		}
	}
	var conflict *domain.ConflictRecord
	if c.Resolution != nil {
		rec, ok := s.conflictsByID[c.Resolution.ConflictID]
		if !ok {
			return nil, store.ErrNotFound
		}
		if rec.Status == domain.ResolutionResolved {
			return nil, domain.ErrConflictResolved
		}
		conflict = rec
	}

	cursor := saleCursor(c.Action.DeviceID, c.Action.SaleID)
	store.Prepare(&c, s.deviceSeq[c.Action.DeviceID], s.saleSeq[cursor])
	if _, exists := s.actionsByKey[c.Action.IdempotencyKey]; exists {
		return nil, store.ErrDuplicateKey
	}

	if c.Sale != nil {
		s.salesByID[c.Sale.ID] = c.Sale.Clone()
		s.saleNumbers[numberKey(c.Sale.TenantID, c.Sale.Number)] = c.Sale.ID
	}
	action := cloneAction(c.Action)
	s.actions = append(s.actions, action)
	s.actionsByKey[action.IdempotencyKey] = action
	if action.Seq > s.deviceSeq[action.DeviceID] {
		s.deviceSeq[action.DeviceID] = action.Seq
	}
	s.saleSeq[cursor] = action.Seq
	s.eventsBySale[action.SaleID] = append(s.eventsBySale[action.SaleID], c.Events...)

	if conflict != nil {
		at := c.Resolution.ResolvedAt
		conflict.Status = domain.ResolutionResolved
		conflict.Decision = c.Resolution.Decision
		conflict.Note = c.Resolution.Note
		conflict.ResolvedBy = c.Resolution.ResolvedBy
		conflict.ResolutionKey = action.IdempotencyKey
		conflict.ResolvedAt = &at
		if failed, ok := s.actionsByKey[conflict.ActionKey]; ok && failed.Status == domain.ActionFailed && conflict.Requeues(conflict.Decision) {
			failed.Requeue(at)
		}
	}

	return cloneAction(*action), nil
}

func (s *Store) FindActionByKey(_ context.Context, key string) (*domain.OfflineAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	action, ok := s.actionsByKey[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneAction(*action), nil
}

func (s *Store) ListActions(_ context.Context, filter store.ActionFilter) ([]domain.OfflineAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.OfflineAction, 0)
	for _, a := range s.actions {
		if filter.DeviceID != "" && a.DeviceID != filter.DeviceID {
			continue
		}
		if filter.SaleID != "" && a.SaleID != filter.SaleID {
			continue
		}
		if !store.HasStatus(filter.Statuses, a.Status) {
			continue
		}
		out = append(out, *cloneAction(*a))
	}
	slices.SortStableFunc(out, func(a, b domain.OfflineAction) int {
		if c := strings.Compare(a.DeviceID, b.DeviceID); c != 0 {
			return c
		}
		return cmp.Compare(a.Seq, b.Seq)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) UpdateAction(_ context.Context, action domain.OfflineAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.actionsByKey[action.IdempotencyKey]
	if !ok {
		return store.ErrNotFound
	}
	current.Status = action.Status
	current.Attempts = action.Attempts
	current.LastError = action.LastError
	current.Conflict = action.Conflict
	current.UpdatedAt = action.UpdatedAt
	current.SyncedAt = action.SyncedAt
	if action.Status == domain.ActionSynced {
		events := s.eventsBySale[current.SaleID]
		for i := range events {
			if events[i].ActionKey == current.IdempotencyKey {
				events[i].Delivered = true
			}
		}
		for i := range current.Events {
			current.Events[i].Delivered = true
		}
	}
	return nil
}

func (s *Store) SyncableDevices(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := map[string]struct{}{}
	var out []string
	for _, a := range s.actions {
		if !a.Syncable() {
			continue
		}
		if _, ok := seen[a.DeviceID]; ok {
			continue
		}
		seen[a.DeviceID] = struct{}{}
		out = append(out, a.DeviceID)
	}
	slices.Sort(out)
	return out, nil
}

func (s *Store) ResetInFlight(_ context.Context, deviceID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.actions {
		if a.Status != domain.ActionSyncing {
			continue
		}
		if deviceID != "" && a.DeviceID != deviceID {
			continue
		}
		a.Status = domain.ActionPending
		n++
	}
	return n, nil
}

// PurgeSynced removes synced actions older than before unless their sale still
// has an open conflict. Terminal sales left without queued actions are
// archived.
func (s *Store) PurgeSynced(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	blocked := map[string]bool{}
	for _, rec := range s.conflictsByID {
		if rec.Status == domain.ResolutionOpen {
			blocked[rec.SaleID] = true
		}
	}

	kept := s.actions[:0]
	purged := 0
	touched := map[string]bool{}
	for _, a := range s.actions {
		if a.Status == domain.ActionSynced && a.SyncedAt != nil && a.SyncedAt.Before(before) && !blocked[a.SaleID] {
			delete(s.actionsByKey, a.IdempotencyKey)
			touched[a.SaleID] = true
			purged++
			continue
		}
		kept = append(kept, a)
	}
	s.actions = kept

	remaining := map[string]bool{}
	for _, a := range s.actions {
		remaining[a.SaleID] = true
	}
	for saleID := range touched {
		sale, ok := s.salesByID[saleID]
		if ok && sale.State.Terminal() && !remaining[saleID] {
			sale.Archived = true
		}
	}
	return purged, nil
}

func (s *Store) ListEvents(_ context.Context, saleID string) ([]domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.eventsBySale[saleID]), nil
}

func (s *Store) CreateConflict(_ context.Context, rec domain.ConflictRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.conflictsByID[rec.ID]; exists {
		return store.ErrDuplicateKey
	}
	copied := rec
	s.conflictsByID[rec.ID] = &copied
	s.conflictOrder = append(s.conflictOrder, rec.ID)
	return nil
}

func (s *Store) GetConflict(_ context.Context, id string) (*domain.ConflictRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.conflictsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *rec
	return &copied, nil
}

func (s *Store) ListConflicts(_ context.Context, filter store.ConflictFilter) ([]domain.ConflictRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ConflictRecord, 0)
	for _, id := range s.conflictOrder {
		rec := s.conflictsByID[id]
		if filter.TenantID != "" && rec.TenantID != filter.TenantID {
			continue
		}
		if filter.LocationID != "" && rec.LocationID != filter.LocationID {
			continue
		}
		if filter.DeviceID != "" && rec.DeviceID != filter.DeviceID {
			continue
		}
		if filter.SaleID != "" && rec.SaleID != filter.SaleID {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		out = append(out, *rec)
	}
	return out, nil
}

func (s *Store) Close() error {
	return nil
}

func cloneAction(a domain.OfflineAction) *domain.OfflineAction {
	a.Payload = slices.Clone(a.Payload)
	a.Events = slices.Clone(a.Events)
	if a.Conflict != nil {
		c := *a.Conflict
		a.Conflict = &c
	}
	if a.SyncedAt != nil {
		at := *a.SyncedAt
		a.SyncedAt = &at
	}
	return &a
}
