package delivery

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/backoffice/internal/platform/httpx"
	"github.com/odyssey-erp/backoffice/internal/shared"
)

// IdempotencyHeader carries the client key that makes receive retries safe.
const IdempotencyHeader = "Idempotency-Key"

// Handler manages delivery note endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validate: httpx.NewValidator()}
}

// MountRoutes registers delivery note routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/delivery-notes", func(r chi.Router) {
		// Drafts
		r.Get("/", h.list)
		r.Post("/", h.create)
		r.Get("/{id}", h.show)

		// Lifecycle
		r.Post("/{id}/confirm", h.step(h.service.Confirm))
		r.Post("/{id}/ship", h.step(h.service.MarkInTransit))
		r.Post("/{id}/receive", h.receive)
		r.Post("/{id}/cancel", h.cancel)
	})
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.ActorFrom(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req CreateNoteRequest
	if err := httpx.Bind(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	note, err := h.service.Create(r.Context(), actor, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, note)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.ActorFrom(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	customerID, _ := strconv.ParseInt(r.URL.Query().Get("customer_id"), 10, 64)
	items, page, err := h.service.List(r.Context(), ListFilter{
		CompanyID:  actor.CompanyID,
		CustomerID: customerID,
		Status:     NoteStatus(strings.ToUpper(r.URL.Query().Get("status"))),
		Page:       httpx.QueryInt(r, "page", 1),
		PerPage:    httpx.QueryInt(r, "per_page", 20),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if items == nil {
		items = []Note{}
	}
	httpx.JSON(w, http.StatusOK, httpx.NewPage(items, page))
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	h.step(h.service.Get)(w, r)
}

// step adapts single-id operations to a handler.
func (h *Handler) step(fn func(ctx context.Context, actor shared.Actor, id int64) (Note, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, id, err := actorAndID(r)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		note, err := fn(r.Context(), actor, id)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		httpx.JSON(w, http.StatusOK, note)
	}
}

func (h *Handler) receive(w http.ResponseWriter, r *http.Request) {
	actor, id, err := actorAndID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	note, err := h.service.MarkReceived(r.Context(), actor, id, r.Header.Get(IdempotencyHeader))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, note)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	actor, id, err := actorAndID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req cancelRequest
	if err := httpx.Bind(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	note, err := h.service.Cancel(r.Context(), actor, id, req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, note)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if httpx.IsInternal(err) {
		h.logger.Error("delivery request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func actorAndID(r *http.Request) (shared.Actor, int64, error) {
	actor, err := httpx.ActorFrom(r)
	if err != nil {
		return shared.Actor{}, 0, err
	}
	id, err := httpx.IDParam(r, "id")
	return actor, id, err
}
