package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/errtrack/internal/api/middleware"
	"github.com/kiranshivaraju/errtrack/internal/api/response"
	"github.com/kiranshivaraju/errtrack/internal/store"
	"github.com/kiranshivaraju/errtrack/internal/triage"
	"github.com/kiranshivaraju/errtrack/pkg/models"
)

const maxAssigneeLen = 255

// GroupService is the query and triage surface the group handlers depend on.
type GroupService interface {
	List(ctx context.Context, filter store.GroupFilter) ([]*models.ErrorGroup, int, error)
	Get(ctx context.Context, id uuid.UUID) (*models.ErrorGroup, error)
	Events(ctx context.Context, filter store.EventFilter) ([]*models.ErrorEvent, int, error)
	Transition(ctx context.Context, id uuid.UUID, action, actor string) (*models.ErrorGroup, error)
	Assign(ctx context.Context, id uuid.UUID, assignee *string) (*models.ErrorGroup, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Stats(ctx context.Context) (*models.StatusCounts, error)
}

// NewListGroupsHandler returns an http.HandlerFunc for GET /api/v1/errors.
func NewListGroupsHandler(svc GroupService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := store.GroupFilter{
			Status:   q.Get("status"),
			Level:    q.Get("level"),
			Platform: q.Get("platform"),
			Search:   strings.TrimSpace(q.Get("search")),
		}

		details := map[string][]string{}
		if filter.Status != "" && !models.ValidStatus(filter.Status) {
			details["status"] = []string{"must be one of unresolved, resolved, ignored, muted"}
		}
		if filter.Level != "" && !models.ValidLevel(filter.Level) {
			details["level"] = []string{"must be one of fatal, error, warning, info"}
		}
		if filter.Platform != "" && !models.ValidPlatform(filter.Platform) {
			details["platform"] = []string{"must be one of web, mobile_ios, mobile_android, server"}
		}
		page, limit, ok := parsePagination(r, details)
		if !ok || len(details) > 0 {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid query parameters", details)
			return
		}
		filter.Page, filter.Limit = page, limit

		groups, total, err := svc.List(r.Context(), filter)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		page, limit, _ = store.NormalizePage(page, limit)
		response.Collection(w, groups, response.NewPaginationMeta(page, limit, total))
	}
}

// NewGetGroupHandler returns an http.HandlerFunc for GET /api/v1/errors/{groupID}.
func NewGetGroupHandler(svc GroupService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := groupID(w, r)
		if !ok {
			return
		}
		g, err := svc.Get(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.JSON(w, g)
	}
}

// NewListEventsHandler returns an http.HandlerFunc for GET /api/v1/errors/{groupID}/events.
func NewListEventsHandler(svc GroupService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := groupID(w, r)
		if !ok {
			return
		}
		details := map[string][]string{}
		page, limit, ok := parsePagination(r, details)
		if !ok {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid query parameters", details)
			return
		}

		events, total, err := svc.Events(r.Context(), store.EventFilter{GroupID: id, Page: page, Limit: limit})
		if err != nil {
			writeServiceError(w, err)
			return
		}

		page, limit, _ = store.NormalizePage(page, limit)
		response.Collection(w, events, response.NewPaginationMeta(page, limit, total))
	}
}

// NewTransitionHandler returns an http.HandlerFunc for
// POST /api/v1/errors/{groupID}/{action}.
func NewTransitionHandler(svc GroupService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := groupID(w, r)
		if !ok {
			return
		}
		g, err := svc.Transition(r.Context(), id, chi.URLParam(r, "action"), mw.GetActor(r))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.JSON(w, g)
	}
}

// NewAssignHandler returns an http.HandlerFunc for PUT /api/v1/errors/{groupID}/assignee.
func NewAssignHandler(svc GroupService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := groupID(w, r)
		if !ok {
			return
		}

		var req struct {
			AssignedTo *string `json:"assigned_to"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.AssignedTo != nil {
			trimmed := strings.TrimSpace(*req.AssignedTo)
			if len(trimmed) > maxAssigneeLen {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "assigned_to is too long", nil)
				return
			}
			if trimmed == "" {
				req.AssignedTo = nil
			} else {
				req.AssignedTo = &trimmed
			}
		}

		g, err := svc.Assign(r.Context(), id, req.AssignedTo)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.JSON(w, g)
	}
}

// NewDeleteGroupHandler returns an http.HandlerFunc for DELETE /api/v1/errors/{groupID}.
func NewDeleteGroupHandler(svc GroupService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := groupID(w, r)
		if !ok {
			return
		}
		if err := svc.Delete(r.Context(), id); err != nil {
			writeServiceError(w, err)
			return
		}
		response.NoContent(w)
	}
}

// NewStatsHandler returns an http.HandlerFunc for GET /api/v1/errors/stats.
func NewStatsHandler(svc GroupService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := svc.Stats(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		response.JSON(w, counts)
	}
}

func groupID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "groupID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_ID", "groupID must be a UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}

// parsePagination reads page and per_page (perPage and limit are accepted as
// aliases). Problems are added to details.
func parsePagination(r *http.Request, details map[string][]string) (int, int, bool) {
	q := r.URL.Query()
	ok := true

	page := 1
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > store.MaxPage {
			details["page"] = []string{"must be between 1 and " + strconv.Itoa(store.MaxPage)}
			ok = false
		} else {
			page = n
		}
	}

	limit := 0
	for _, name := range []string{"per_page", "perPage", "limit"} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			details[name] = []string{"must be between 1 and 100"}
			ok = false
		} else {
			limit = n
		}
		break
	}
	return page, limit, ok
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Error group not found", nil)
	case errors.Is(err, triage.ErrUnknownAction):
		response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Unknown action", nil)
	default:
		slog.Error("error group request failed", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}
