package ledger

import (
	"context"
	"errors"

	"kasirsync/internal/domain"
)

// LocalBackend lets a device sync straight into an in-process ledger, for
// dry runs and single-box installs. Errors are translated the same way the
// HTTP API translates them.
type LocalBackend struct {
	svc *Service
}

func NewLocalBackend(svc *Service) *LocalBackend {
	return &LocalBackend{svc: svc}
}

func (b *LocalBackend) Submit(ctx context.Context, action domain.OfflineAction) (domain.SyncAck, error) {
	ack, err := b.svc.Submit(ctx, action)
	if err == nil {
		return ack, nil
	}
	return ack, Classify(err)
}

func (b *LocalBackend) Refresh(context.Context) error { return nil }

// Classify turns a ledger error into the sync taxonomy.
func Classify(err error) *domain.SyncError {
	var se *domain.SyncError
	switch {
	case errors.As(err, &se):
		return se
	case errors.Is(err, ErrOutOfOrder):
		return domain.Retryable("predecessor not yet received", err)
	case errors.Is(err, ErrInvalidAction):
		return domain.Fatal("action rejected", err)
	default:
		return domain.Retryable("ledger unavailable", err)
	}
}
