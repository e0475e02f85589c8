package worker

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/sandboxd/internal/domain"
)

var ErrUnknownJobType = errors.New("unknown job type")

type WorkItemStore interface {
	CompleteWorkItem(ctx context.Context, id uuid.UUID) error
	FailWorkItem(ctx context.Context, id uuid.UUID, errMsg string) error
}

// WorkItems is the default handler: it marks the referenced work item
// completed. Completing twice is a no-op in the store.
type WorkItems struct {
	Store WorkItemStore
	Log   *zap.Logger
}

func (h *WorkItems) Handle(ctx context.Context, job domain.Job) error {
	if job.Type != domain.JobTypeWorkItem {
		return errors.Wrapf(ErrUnknownJobType, "%q", job.Type)
	}
	if err := h.Store.CompleteWorkItem(ctx, job.EntityID); err != nil {
		return errors.Wrapf(err, "complete work item %s", job.EntityID)
	}
	h.Log.Info("work item completed",
		zap.String("session_id", job.SessionID.String()),
		zap.String("work_item_id", job.EntityID.String()))
	return nil
}

func (h *WorkItems) Dead(ctx context.Context, job domain.Job, cause error) error {
	if job.Type != domain.JobTypeWorkItem {
		return nil
	}
	return errors.Wrapf(h.Store.FailWorkItem(ctx, job.EntityID, cause.Error()), "fail work item %s", job.EntityID)
}
