package reconcile

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/sandboxd/internal/domain"
	"github.com/SirClappington/sandboxd/internal/procsignal"
)

type CancelStore interface {
	ListCancellationRequested(ctx context.Context, limit int) ([]domain.Session, error)
	CompleteCancellation(ctx context.Context, id uuid.UUID, pid int, from, to domain.UIStatus) error
	ConfirmCancellation(ctx context.Context, id uuid.UUID, from, to domain.UIStatus) error
	SetStatusMessage(ctx context.Context, id uuid.UUID, message string) error
}

// Terminator sends a graceful termination signal. It returns
// procsignal.ErrNoProcess when the pid is already gone.
type Terminator interface {
	Terminate(pid int) error
}

// CancellationEnforcer terminates the process of every session with a
// cancel request and advances the cancellation axis. It never deletes a
// session.
type CancellationEnforcer struct {
	Store  CancelStore
	Signal Terminator
	Log    *zap.Logger
	Batch  int
}

func (c *CancellationEnforcer) Tick(ctx context.Context) (int, error) {
	sessions, err := c.Store.ListCancellationRequested(ctx, batch(c.Batch))
	if err != nil {
		return 0, errors.Wrap(err, "list cancellation requests")
	}
	var (
		n    int
		errs error
	)
	for _, s := range sessions {
		if err := c.enforce(ctx, s); err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "session %s", s.ID))
			continue
		}
		n++
	}
	return n, errs
}

func (c *CancellationEnforcer) enforce(ctx context.Context, s domain.Session) error {
	log := c.Log.With(zap.String("session_id", s.ID.String()))
	ui := domain.CancelledUIStatus(s.UIStatus)

	if !s.HasProcess() {
		if err := c.Store.ConfirmCancellation(ctx, s.ID, s.UIStatus, ui); err != nil {
			return errors.Wrap(err, "confirm cancellation")
		}
		log.Info("session cancelled, no process attached", zap.String("ui_status", string(ui)))
		return nil
	}

	pid := *s.ProcessPID
	log = log.With(zap.Int("pid", pid))
	switch err := c.Signal.Terminate(pid); {
	case err == nil:
		log.Info("sent SIGTERM to session process")
	case errors.Is(err, procsignal.ErrNoProcess):
		log.Info("session process already exited")
	default:
		// No retry ceiling here: the next tick tries again. Touching the row
		// moves it behind the rest of the backlog.
		log.Warn("failed to signal session process", zap.Error(err))
		if merr := c.Store.SetStatusMessage(ctx, s.ID, "cancellation signal failed: "+err.Error()); merr != nil {
			log.Error("status message not recorded", zap.Error(merr))
		}
		return err
	}

	if err := c.Store.CompleteCancellation(ctx, s.ID, pid, s.UIStatus, ui); err != nil {
		return errors.Wrap(err, "complete cancellation")
	}
	log.Info("session marked cancelled", zap.String("ui_status", string(ui)))
	return nil
}
