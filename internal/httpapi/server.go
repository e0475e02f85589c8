// Package httpapi is the operator interface: dead letter triage, session
// intake and cancel requests.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/sandboxd/internal/domain"
	"github.com/SirClappington/sandboxd/internal/queue"
	"github.com/SirClappington/sandboxd/internal/storage"
)

type DeadLetters interface {
	List(ctx context.Context, f storage.DLQFilter) ([]domain.DeadLetterEntry, error)
	Get(ctx context.Context, id uuid.UUID) (domain.DeadLetterEntry, error)
	Resolve(ctx context.Context, id uuid.UUID, notes *string) (domain.DeadLetterEntry, error)
	Abandon(ctx context.Context, id uuid.UUID, notes *string) (domain.DeadLetterEntry, error)
}

type Sessions interface {
	CreateSession(ctx context.Context, items []json.RawMessage) (domain.Session, error)
	GetSession(ctx context.Context, id uuid.UUID) (domain.Session, error)
	AddWorkItem(ctx context.Context, sessionID uuid.UUID, data json.RawMessage) (domain.WorkItem, error)
	RequestCancellation(ctx context.Context, id uuid.UUID, by string) (domain.Session, error)
	MarkReturning(ctx context.Context, id uuid.UUID) error
}

type QueueStats interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type Server struct {
	DLQ      DeadLetters
	Sessions Sessions
	Queue    QueueStats
	Health   []Pinger
	Log      *zap.Logger
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.healthz)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/dlq", s.listDLQ)
		r.Get("/dlq/{id}", s.getDLQ)
		r.Post("/dlq/{id}/resolve", s.closeDLQ(s.DLQ.Resolve))
		r.Post("/dlq/{id}/abandon", s.closeDLQ(s.DLQ.Abandon))

		r.Post("/sessions", s.createSession)
		r.Get("/sessions/{id}", s.getSession)
		r.Post("/sessions/{id}/items", s.addWorkItem)
		r.Post("/sessions/{id}/cancel", s.cancelSession)
		r.Post("/sessions/{id}/release", s.releaseSession)

		r.Get("/queue/stats", s.queueStats)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.Log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for _, p := range s.Health {
		if err := p.Ping(ctx); err != nil {
			s.writeError(w, errors.Wrap(err, "dependency unavailable"), http.StatusServiceUnavailable)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listDLQ(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.DLQFilter{
		Status:   domain.DLQStatus(q.Get("status")),
		TaskType: q.Get("task_type"),
	}
	if f.Status != "" && !f.Status.Valid() {
		s.fail(w, badRequest("unknown status %q", f.Status))
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.fail(w, badRequest("limit must be a positive integer"))
			return
		}
		f.Limit = n
	}
	entries, err := s.DLQ.List(r.Context(), f)
	if err != nil {
		s.fail(w, err)
		return
	}
	if entries == nil {
		entries = []domain.DeadLetterEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) getDLQ(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	e, err := s.DLQ.Get(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

type closeRequest struct {
	ResolutionNotes *string `json:"resolution_notes"`
}

func (s *Server) closeDLQ(op func(context.Context, uuid.UUID, *string) (domain.DeadLetterEntry, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			s.fail(w, err)
			return
		}
		var req closeRequest
		if err := decode(r, &req, true); err != nil {
			s.fail(w, err)
			return
		}
		e, err := op(r.Context(), id, req.ResolutionNotes)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, e)
	}
}

type createSessionRequest struct {
	Items []json.RawMessage `json:"items"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decode(r, &req, true); err != nil {
		s.fail(w, err)
		return
	}
	for i, it := range req.Items {
		if len(it) == 0 || string(it) == "null" {
			s.fail(w, badRequest("items[%d] is empty", i))
			return
		}
	}
	sess, err := s.Sessions.CreateSession(r.Context(), req.Items)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	sess, err := s.Sessions.GetSession(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type addWorkItemRequest struct {
	Data json.RawMessage `json:"data"`
}

func (s *Server) addWorkItem(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	var req addWorkItemRequest
	if err := decode(r, &req, false); err != nil {
		s.fail(w, err)
		return
	}
	if len(req.Data) == 0 || string(req.Data) == "null" {
		s.fail(w, badRequest("data is required"))
		return
	}
	if _, err := s.Sessions.GetSession(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	item, err := s.Sessions.AddWorkItem(r.Context(), id, req.Data)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

type cancelRequest struct {
	CancelledBy string `json:"cancelled_by"`
}

func (s *Server) cancelSession(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	var req cancelRequest
	if err := decode(r, &req, false); err != nil {
		s.fail(w, err)
		return
	}
	if req.CancelledBy == "" {
		s.fail(w, badRequest("cancelled_by is required"))
		return
	}
	sess, err := s.Sessions.RequestCancellation(r.Context(), id, req.CancelledBy)
	if errors.Is(err, storage.ErrConflict) {
		err = errors.Wrap(err, "session already cancelled")
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sess)
}

func (s *Server) releaseSession(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	err = s.Sessions.MarkReturning(r.Context(), id)
	if errors.Is(err, storage.ErrConflict) {
		err = errors.Wrap(err, "session is not active")
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	sess, err := s.Sessions.GetSession(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sess)
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.Queue.Stats(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
