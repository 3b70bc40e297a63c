package reconcile

import (
	"cmp"
	"context"
	"slices"
	"time"

	"kasirsync/internal/domain"
	"kasirsync/internal/money"
	"kasirsync/internal/service"
	"kasirsync/internal/store"
)

type Filter struct {
	TenantID   string
	LocationID string
	DeviceID   string
}

// Health is sync health for one device or location. Accuracy is synced over
// attempted, where attempted counts every action the backend has disposed of
// or given up on.
type Health struct {
	Key       string  `json:"key"`
	Pending   int     `json:"pending"`
	Syncing   int     `json:"syncing"`
	Synced    int     `json:"synced"`
	Conflicts int     `json:"conflicts"`
	Failed    int     `json:"failed"`
	Attempted int     `json:"attempted"`
	Accuracy  float64 `json:"accuracy"`
}

type Item struct {
	ConflictID string              `json:"conflict_id"`
	SaleID     string              `json:"sale_id"`
	DeviceID   string              `json:"device_id"`
	Kind       domain.ConflictKind `json:"kind"`
	Severity   domain.Severity     `json:"severity"`
	Variance   domain.Variance     `json:"variance"`
	Exposure   money.Money         `json:"exposure"`
	Message    string              `json:"message"`
	CreatedAt  time.Time           `json:"created_at"`
}

type Report struct {
	GeneratedAt   time.Time                   `json:"generated_at"`
	OpenConflicts int                         `json:"open_conflicts"`
	BySeverity    map[domain.Severity]int     `json:"by_severity"`
	ByKind        map[domain.ConflictKind]int `json:"by_kind"`
	Exposure      money.Money                 `json:"exposure"`
	FailedActions int                         `json:"failed_actions"`
	Devices       []Health                    `json:"devices"`
	Locations     []Health                    `json:"locations"`
	Items         []Item                      `json:"items"`
}

type Reporter struct {
	repo store.Repository
	svc  *service.Service
	now  func() time.Time
}

func NewReporter(repo store.Repository, svc *service.Service) *Reporter {
	return &Reporter{
		repo: repo,
		svc:  svc,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Report is read-only. Open conflicts are listed most severe first, then by
// exposure.
func (r *Reporter) Report(ctx context.Context, filter Filter) (Report, error) {
	conflicts, err := r.repo.ListConflicts(ctx, store.ConflictFilter{
		TenantID:   filter.TenantID,
		LocationID: filter.LocationID,
		DeviceID:   filter.DeviceID,
		Status:     domain.ResolutionOpen,
	})
	if err != nil {
		return Report{}, err
	}
	actions, err := r.repo.ListActions(ctx, store.ActionFilter{DeviceID: filter.DeviceID})
	if err != nil {
		return Report{}, err
	}

	rep := Report{
		GeneratedAt: r.now(),
		BySeverity:  map[domain.Severity]int{},
		ByKind:      map[domain.ConflictKind]int{},
		Exposure:    money.Zero(),
	}
	for _, c := range conflicts {
		rep.OpenConflicts++
		rep.BySeverity[c.Severity]++
		rep.ByKind[c.Kind]++
		rep.Exposure = rep.Exposure.Add(c.Exposure)
		rep.Items = append(rep.Items, Item{
			ConflictID: c.ID,
			SaleID:     c.SaleID,
			DeviceID:   c.DeviceID,
			Kind:       c.Kind,
			Severity:   c.Severity,
			Variance:   c.Variance,
			Exposure:   c.Exposure,
			Message:    describe(c),
			CreatedAt:  c.CreatedAt,
		})
	}
	slices.SortStableFunc(rep.Items, func(a, b Item) int {
		if c := cmp.Compare(severityRank(a.Severity), severityRank(b.Severity)); c != 0 {
			return c
		}
		return b.Exposure.Cmp(a.Exposure)
	})

	devices := map[string]*Health{}
	locations := map[string]*Health{}
	for _, a := range actions {
		if filter.TenantID != "" && a.TenantID != filter.TenantID {
			continue
		}
		if filter.LocationID != "" && a.LocationID != filter.LocationID {
			continue
		}
		if a.Status == domain.ActionFailed {
			rep.FailedActions++
		}
		count(bucket(devices, a.DeviceID), a.Status)
		count(bucket(locations, a.LocationID), a.Status)
	}
	rep.Devices = finish(devices)
	rep.Locations = finish(locations)
	return rep, nil
}

// Resolve records an operator decision on a conflict. It is gated and queued
// by the sale service exactly like a sale operation.
func (r *Reporter) Resolve(ctx context.Context, op domain.OperationContext, conflictID string, decision domain.Decision, note string, adjustment money.Money) (service.Result, error) {
	return r.svc.ResolveConflict(ctx, op, conflictID, decision, note, adjustment)
}

func severityRank(s domain.Severity) int {
	switch s {
	case domain.SeverityCritical:
		return 0
	case domain.SeverityWarning:
		return 1
	default:
		return 2
	}
}

func bucket(m map[string]*Health, key string) *Health {
	h, ok := m[key]
	if !ok {
		h = &Health{Key: key}
		m[key] = h
	}
	return h
}

func count(h *Health, status domain.ActionStatus) {
	switch status {
	case domain.ActionPending:
		h.Pending++
	case domain.ActionSyncing:
		h.Syncing++
	case domain.ActionSynced:
		h.Synced++
	case domain.ActionConflict:
		h.Conflicts++
	case domain.ActionFailed:
		h.Failed++
	}
}

func finish(m map[string]*Health) []Health {
	out := make([]Health, 0, len(m))
	for _, h := range m {
		h.Attempted = h.Synced + h.Conflicts + h.Failed
		h.Accuracy = 1
		if h.Attempted > 0 {
			h.Accuracy = float64(h.Synced) / float64(h.Attempted)
		}
		out = append(out, *h)
	}
	slices.SortFunc(out, func(a, b Health) int { return cmp.Compare(a.Key, b.Key) })
	return out
}
